package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"rnastate/internal/infra/persistence/postgres/testutil"
	"rnastate/pkg/domain"
)

func stubbed(t *testing.T) *testutil.StubConn {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	return conn
}

func testRecord(id string) domain.IngestionRecord {
	return domain.IngestionRecord{
		ID:                id,
		Format:            domain.FormatBulk,
		Origin:            "bulk.csv",
		IngestedAt:        time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		NumGenes:          3,
		NumSamples:        1,
		SampleAnnotations: domain.Annotations{"tissue": {"liver"}},
	}
}

func testMatrix() *domain.ExpressionMatrix {
	m := domain.NewExpressionMatrix([]string{"A", "B", "C"}, []string{"S"})
	copy(m.Values, []float64{3, 1, 4})
	return m
}

func TestNewStoreAppliesSchema(t *testing.T) {
	conn := stubbed(t)
	if _, err := NewStore(context.Background(), ""); err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	var sawTable, sawIndex bool
	for _, stmt := range conn.Execs {
		upper := strings.ToUpper(stmt)
		sawTable = sawTable || strings.Contains(upper, "CREATE TABLE IF NOT EXISTS INGESTIONS")
		sawIndex = sawIndex || strings.Contains(upper, "CREATE INDEX")
	}
	if !sawTable || !sawIndex {
		t.Fatalf("expected schema statements, got %v", conn.Execs)
	}
}

func TestCatalogCreateUsesDollarPlaceholdersAndRoundTrips(t *testing.T) {
	ctx := context.Background()
	conn := stubbed(t)
	store, err := NewStore(ctx, "postgres://stub")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Create(ctx, testRecord("ing-a"), testMatrix()); err != nil {
		t.Fatalf("create: %v", err)
	}
	last := conn.Execs[len(conn.Execs)-1]
	if !strings.Contains(last, "$8") || strings.Contains(last, "?") {
		t.Fatalf("expected postgres placeholders, got %s", last)
	}
	if err := store.Create(ctx, testRecord("ing-a"), testMatrix()); err == nil {
		t.Fatalf("expected duplicate ingestion to be rejected")
	}
	rec, err := store.Get(ctx, "ing-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Origin != "bulk.csv" || rec.SampleAnnotations["tissue"][0] != "liver" {
		t.Fatalf("unexpected record %+v", rec)
	}
	m, err := store.LoadMatrix(ctx, "ing-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.At(2, 0) != 4 {
		t.Fatalf("unexpected matrix %v", m.Values)
	}
	var nf *domain.NotFoundError
	if _, err := store.Get(ctx, "ing-b"); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestCatalogFailurePaths(t *testing.T) {
	ctx := context.Background()
	conn := stubbed(t)
	store, err := NewStore(ctx, "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	conn.FailCommit = true
	if err := store.Create(ctx, testRecord("x"), testMatrix()); err == nil || !strings.Contains(err.Error(), "commit") {
		t.Fatalf("expected commit failure, got %v", err)
	}
	conn.FailCommit = false
	conn.FailBegin = true
	if err := store.Create(ctx, testRecord("y"), testMatrix()); err == nil {
		t.Fatalf("expected begin failure")
	}
	conn.FailBegin = false
	conn.FailTables = map[string]bool{"ingestions": true}
	if _, err := store.List(ctx); err == nil {
		t.Fatalf("expected list failure")
	}
}

func TestNewStorePingFailure(t *testing.T) {
	conn := stubbed(t)
	conn.FailExec = true
	if _, err := NewStore(context.Background(), ""); err == nil {
		t.Fatalf("expected ping failure")
	}
}

func TestNewStoreLiveDatabase(t *testing.T) {
	dsn := os.Getenv("RNASTATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RNASTATE_TEST_POSTGRES_DSN not set")
	}
	store, err := NewStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
}
