package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rnastate/internal/catalog"
	"rnastate/pkg/domain"
)

// testWorkspace points storage at a temporary sqlite catalog and filesystem
// blob root and returns the global flags selecting an empty config file.
func testWorkspace(t *testing.T) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "catalog.db")
	probe, err := catalog.Open(context.Background(), catalog.Config{Driver: "sqlite", SQLitePath: dbPath})
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	_ = probe.Close()

	cfgPath := filepath.Join(dir, "rnastate.yaml")
	if err := os.WriteFile(cfgPath, []byte("log:\n  level: error\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RNASTATE_STORAGE_DRIVER", "sqlite")
	t.Setenv("RNASTATE_SQLITE_PATH", dbPath)
	t.Setenv("RNASTATE_BLOB_DRIVER", "fs")
	t.Setenv("RNASTATE_BLOB_FS_ROOT", filepath.Join(dir, "blobs"))
	t.Setenv("RNASTATE_MODEL_VERSION", "")
	t.Setenv("RNASTATE_SEED", "")
	return dir, []string{"-config", cfgPath}
}

func invoke(t *testing.T, global []string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := cli(append(append([]string(nil), global...), args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func mustInvoke(t *testing.T, global []string, args ...string) string {
	t.Helper()
	code, out, errOut := invoke(t, global, args...)
	if code != 0 {
		t.Fatalf("%v exited %d: %s", args, code, errOut)
	}
	return out
}

func TestCLIEndToEnd(t *testing.T) {
	dir, global := testWorkspace(t)
	data := filepath.Join(dir, "data")
	out := mustInvoke(t, global, "example", "-out", data, "-genes", "40", "-samples", "12", "-cells", "10")
	if !strings.Contains(out, "bulk.csv") {
		t.Fatalf("unexpected example output %q", out)
	}

	var rec domain.IngestionRecord
	if err := json.Unmarshal([]byte(mustInvoke(t, global, "ingest", filepath.Join(data, "bulk.csv"))), &rec); err != nil {
		t.Fatalf("decode ingest output: %v", err)
	}
	if rec.NumGenes != 40 || rec.NumSamples != 12 || rec.Format != domain.FormatBulk {
		t.Fatalf("unexpected record %+v", rec)
	}

	var sc domain.IngestionRecord
	if err := json.Unmarshal([]byte(mustInvoke(t, global, "ingest", filepath.Join(data, "single_cell"))), &sc); err != nil {
		t.Fatalf("decode single-cell ingest output: %v", err)
	}
	if sc.Format != domain.FormatSingleCell || sc.NumSamples != 10 {
		t.Fatalf("unexpected single-cell record %+v", sc)
	}
	if listing := mustInvoke(t, global, "ingestions"); !strings.Contains(listing, rec.ID) || !strings.Contains(listing, sc.ID) {
		t.Fatalf("ingestions listing misses ids:\n%s", listing)
	}

	var summary trainSummary
	trained := mustInvoke(t, global, "train", "-epochs", "2", "-batch-size", "4", "-latent", "6", "-hidden", "12", "-label", "cli", rec.ID)
	if err := json.Unmarshal([]byte(trained), &summary); err != nil {
		t.Fatalf("decode train output: %v", err)
	}
	if summary.Model.InputDimension != 40 || summary.Model.LatentDimension != 6 || summary.Epochs != 2 || !strings.HasPrefix(summary.Model.Version, "cli-") {
		t.Fatalf("unexpected training summary %+v", summary)
	}
	if models := mustInvoke(t, global, "models"); !strings.Contains(models, summary.Model.Version) {
		t.Fatalf("models listing misses %s:\n%s", summary.Model.Version, models)
	}

	var meta domain.PipelineRunMetadata
	if err := json.Unmarshal([]byte(mustInvoke(t, global, "run", rec.ID)), &meta); err != nil {
		t.Fatalf("decode run output: %v", err)
	}
	if meta.ModelVersion != summary.Model.Version || meta.EmbeddingDim != 6 || meta.NumSamples != 12 {
		t.Fatalf("unexpected run metadata %+v", meta)
	}

	table := mustInvoke(t, global, "embeddings", rec.ID)
	lines := strings.Split(strings.TrimSpace(table), "\n")
	if len(lines) != 13 || lines[0] != "sample_id,dim_0,dim_1,dim_2,dim_3,dim_4,dim_5" || !strings.HasPrefix(lines[1], "SAMPLE_000,") {
		t.Fatalf("unexpected embeddings table:\n%s", table)
	}

	var proj domain.ProjectionResult
	if err := json.Unmarshal([]byte(mustInvoke(t, global, "project", "-method", "pca", "-n", "2", rec.ID)), &proj); err != nil {
		t.Fatalf("decode project output: %v", err)
	}
	if len(proj.Coordinates) != 12 || proj.SampleIDs[0] != "SAMPLE_000" {
		t.Fatalf("unexpected projection %+v", proj)
	}

	var stored domain.PipelineRunMetadata
	if err := json.Unmarshal([]byte(mustInvoke(t, global, "metadata", rec.ID)), &stored); err != nil {
		t.Fatalf("decode metadata output: %v", err)
	}
	if stored.ModelVersion != meta.ModelVersion {
		t.Fatalf("metadata differs from run output: %+v", stored)
	}
}

func TestCLIErrorsCarryCodes(t *testing.T) {
	dir, global := testWorkspace(t)
	code, _, errOut := invoke(t, global, "run", "no-such-ingestion")
	if code != 1 || !strings.Contains(errOut, "error[not_found]") {
		t.Fatalf("expected not_found failure, got %d %q", code, errOut)
	}

	bad := filepath.Join(dir, "bad.csv")
	if err := os.WriteFile(bad, []byte("gene_id,S1\nG1,abc\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	code, _, errOut = invoke(t, global, "ingest", bad)
	if code != 1 || !strings.Contains(errOut, "error[ingestion_format]") {
		t.Fatalf("expected ingestion_format failure, got %d %q", code, errOut)
	}

	mustInvoke(t, global, "example", "-out", filepath.Join(dir, "data"), "-genes", "10", "-samples", "4")
	code, _, errOut = invoke(t, global, "ingest", filepath.Join(dir, "data", "bulk.csv"))
	if code != 0 {
		t.Fatalf("ingest: %s", errOut)
	}
	code, out, _ := invoke(t, global, "ingestions")
	if code != 0 {
		t.Fatalf("ingestions failed")
	}
	id := strings.Fields(strings.Split(strings.TrimSpace(out), "\n")[1])[0]
	code, _, errOut = invoke(t, global, "run", id)
	if code != 1 || !strings.Contains(errOut, "error[model_unavailable]") {
		t.Fatalf("expected model_unavailable failure, got %d %q", code, errOut)
	}
}

func TestCLIUsage(t *testing.T) {
	_, global := testWorkspace(t)
	if code, _, errOut := invoke(t, nil); code != 2 || !strings.Contains(errOut, "commands:") {
		t.Fatalf("expected usage with exit 2, got %d %q", code, errOut)
	}
	if code, _, errOut := invoke(t, global, "frobnicate"); code != 2 || !strings.Contains(errOut, "unknown command") {
		t.Fatalf("expected unknown command, got %d %q", code, errOut)
	}
	if code, _, errOut := invoke(t, global, "run"); code != 2 || !strings.Contains(errOut, "usage: run <ingestion-id>") {
		t.Fatalf("expected run usage, got %d %q", code, errOut)
	}
	if code, _, _ := invoke(t, global, "embeddings", "-format", "xml", "x"); code != 2 {
		t.Fatalf("expected usage error for bad format, got %d", code)
	}
	if code, _, _ := invoke(t, global, "train", "-hidden", "a,b", "x"); code != 2 {
		t.Fatalf("expected usage error for bad hidden list, got %d", code)
	}
	if code, _, _ := invoke(t, global, "-config", filepath.Join(t.TempDir(), "missing.yaml"), "models"); code != 1 {
		t.Fatalf("expected failure for missing config, got %d", code)
	}
}

func TestCLIWritesMetricsAndTraces(t *testing.T) {
	dir, global := testWorkspace(t)
	metrics := filepath.Join(dir, "metrics.prom")
	traces := filepath.Join(dir, "trace.jsonl")
	flags := append(append([]string(nil), global...), "-metrics-file", metrics, "-trace-file", traces)
	mustInvoke(t, flags, "ingestions")

	raw, err := os.ReadFile(metrics)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(raw), `rnastate_pipeline_operations_total{operation="list_ingestions",status="success"} 1`) {
		t.Fatalf("unexpected metrics file:\n%s", raw)
	}
	spans, err := os.ReadFile(traces)
	if err != nil {
		t.Fatalf("read traces: %v", err)
	}
	if !strings.Contains(string(spans), `"operation":"list_ingestions"`) {
		t.Fatalf("unexpected trace file:\n%s", spans)
	}
}

func TestMainUsesExitFunc(t *testing.T) {
	var codes []int
	old := exitFunc
	exitFunc = func(code int) { codes = append(codes, code) }
	defer func() { exitFunc = old }()
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"rnastate"}
	main()
	if len(codes) != 1 || codes[0] != 2 {
		t.Fatalf("unexpected exit codes %v", codes)
	}
}

func TestParseInts(t *testing.T) {
	got, err := parseInts("512, 256")
	if err != nil || len(got) != 2 || got[0] != 512 || got[1] != 256 {
		t.Fatalf("unexpected %v (%v)", got, err)
	}
	if got, err := parseInts(""); err != nil || got != nil {
		t.Fatalf("expected empty list, got %v (%v)", got, err)
	}
}
