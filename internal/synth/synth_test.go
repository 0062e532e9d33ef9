package synth

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rnastate/internal/catalog"
	"rnastate/internal/ingest"
	"rnastate/pkg/domain"
)

func TestBulkDefaults(t *testing.T) {
	m, err := Bulk(DefaultBulkOptions())
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if m.NumGenes() != 100 || m.NumSamples() != 20 {
		t.Fatalf("unexpected shape %dx%d", m.NumGenes(), m.NumSamples())
	}
	if m.GeneIDs[0] != "GENE_00000" || m.GeneIDs[99] != "GENE_00099" || m.SampleIDs[19] != "SAMPLE_019" {
		t.Fatalf("unexpected ids %v %v", m.GeneIDs[:2], m.SampleIDs[:2])
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("generated matrix invalid: %v", err)
	}
	var logSum float64
	for _, v := range m.Values {
		logSum += math.Log(v)
	}
	if mean := logSum / float64(len(m.Values)); math.Abs(mean-DefaultMu) > 0.5 {
		t.Fatalf("log mean %v far from %v", mean, DefaultMu)
	}
}

func TestBulkIsSeeded(t *testing.T) {
	a, _ := Bulk(DefaultBulkOptions())
	b, _ := Bulk(DefaultBulkOptions())
	opts := DefaultBulkOptions()
	opts.Seed = 7
	c, _ := Bulk(opts)
	for i := range a.Values {
		if a.Values[i] != b.Values[i] {
			t.Fatalf("value %d differs for the same seed", i)
		}
	}
	if a.Values[0] == c.Values[0] && a.Values[1] == c.Values[1] {
		t.Fatalf("different seeds produced identical values")
	}
	opts = DefaultBulkOptions()
	opts.Samples = 25
	d, _ := Bulk(opts)
	for g := 0; g < a.NumGenes(); g++ {
		if a.At(g, 3) != d.At(g, 3) {
			t.Fatalf("extra samples changed existing ones")
		}
	}
}

func TestBulkRejectsBadShape(t *testing.T) {
	if _, err := Bulk(BulkOptions{Genes: 0, Samples: 3}); domain.Code(err) != domain.CodeInvalidArgument {
		t.Fatalf("expected invalid_argument, got %v", err)
	}
	if _, err := Bulk(BulkOptions{Genes: 2, Samples: 3, Sigma: -1}); domain.Code(err) != domain.CodeInvalidArgument {
		t.Fatalf("expected invalid_argument for sigma, got %v", err)
	}
}

func TestBulkCSVIngestsExactly(t *testing.T) {
	ctx := context.Background()
	m, _ := Bulk(BulkOptions{Genes: 6, Samples: 4, Seed: 1, Mu: DefaultMu, Sigma: DefaultSigma})
	var buf bytes.Buffer
	if err := WriteBulkCSV(&buf, m); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "gene_id,SAMPLE_000,") {
		t.Fatalf("unexpected header %q", strings.SplitN(buf.String(), "\n", 2)[0])
	}
	cat, err := catalog.Open(ctx, catalog.Config{Driver: "memory"})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	rec, err := ingest.NewAdapter(cat).Ingest(ctx, ingest.BulkReader("synthetic.csv", &buf))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	got, err := cat.LoadMatrix(ctx, rec.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for i := range m.Values {
		if got.Values[i] != m.Values[i] {
			t.Fatalf("value %d changed through csv: %v vs %v", i, got.Values[i], m.Values[i])
		}
	}
}

func TestWriteBulkFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulk.csv")
	if _, err := WriteBulkFile(path, DefaultBulkOptions()); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if lines := strings.Count(string(raw), "\n"); lines != 101 {
		t.Fatalf("expected header plus 100 rows, got %d lines", lines)
	}
}

func TestSingleCellContainerIngests(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "container")
	m, err := WriteSingleCell(dir, DefaultSingleCellOptions())
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if m.NumSamples() != 50 || m.SampleIDs[0] != "CELL_0000" {
		t.Fatalf("unexpected cells %d %v", m.NumSamples(), m.SampleIDs[:1])
	}
	cat, err := catalog.Open(ctx, catalog.Config{Driver: "memory"})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	rec, err := ingest.NewAdapter(cat).Ingest(ctx, ingest.SingleCellSource(dir))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if rec.NumGenes != 100 || rec.NumSamples != 50 || rec.Format != domain.FormatSingleCell {
		t.Fatalf("unexpected record %+v", rec)
	}
	batch := rec.SampleAnnotations["batch"]
	if len(batch) != 50 || batch[0] != "batch_0" || batch[1] != "batch_1" {
		t.Fatalf("unexpected batch column %v", batch)
	}
	if sym := rec.GeneAnnotations["symbol"]; len(sym) != 100 || sym[3] != "SYM3" {
		t.Fatalf("unexpected gene symbols %v", sym)
	}
}
