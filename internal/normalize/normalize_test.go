package normalize

import (
	"math"
	"testing"

	"rnastate/pkg/domain"
)

func counts() *domain.ExpressionMatrix {
	m := domain.NewExpressionMatrix([]string{"G1", "G2"}, []string{"S1", "S2", "S3", "S4"})
	copy(m.Values, []float64{
		0, 1, 3, 7,
		4, 4, 4, 4,
	})
	return m
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-12 }

func TestDefaultIsNaturalLog1p(t *testing.T) {
	m := domain.NewExpressionMatrix([]string{"G1"}, []string{"S1"})
	m.Values[0] = math.E - 1
	out, applied, err := Normalize(m, domain.DefaultNormalizationConfig())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !almostEqual(out.Values[0], 1) {
		t.Fatalf("got %v want ln(e) = 1", out.Values[0])
	}
	if applied.LogBase != 0 {
		t.Fatalf("default should apply the natural log, got base %v", applied.LogBase)
	}
}

func TestLog1pBase2(t *testing.T) {
	m := counts()
	cfg := domain.DefaultNormalizationConfig()
	cfg.LogBase = 2
	out, applied, err := Normalize(m, cfg)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := []float64{0, 1, 2, 3}
	for s, w := range want {
		if !almostEqual(out.At(0, s), w) {
			t.Fatalf("sample %d: got %v want %v", s, out.At(0, s), w)
		}
	}
	if m.At(0, 3) != 7 {
		t.Fatalf("input was mutated")
	}
	if applied.Method != domain.NormalizeLog1p || applied.Seed != domain.DefaultSeed || applied.OutputShape != [2]int{2, 4} {
		t.Fatalf("unexpected applied parameters %+v", applied)
	}
}

func TestNaturalLogWithOffset(t *testing.T) {
	cfg := domain.NormalizationConfig{Method: domain.NormalizeLog, Offset: 1}
	out, _, err := Normalize(counts(), cfg)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !almostEqual(out.At(1, 0), math.Log(5)) {
		t.Fatalf("got %v want ln(5)", out.At(1, 0))
	}
}

func TestNoneIsIdentity(t *testing.T) {
	m := counts()
	out, _, err := Normalize(m, domain.NormalizationConfig{Method: domain.NormalizeNone})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	for i := range m.Values {
		if out.Values[i] != m.Values[i] {
			t.Fatalf("value %d changed", i)
		}
	}
}

func TestScaleAndCenter(t *testing.T) {
	cfg := domain.NormalizationConfig{Method: domain.NormalizeNone, ScaleToUnitVariance: true, CenterMean: true}
	out, _, err := Normalize(counts(), cfg)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	var mean, sq float64
	row := out.Row(0)
	for _, v := range row {
		mean += v
	}
	mean /= float64(len(row))
	for _, v := range row {
		sq += (v - mean) * (v - mean)
	}
	if !almostEqual(mean, 0) || !almostEqual(sq/float64(len(row)), 1) {
		t.Fatalf("expected zero mean unit variance, got mean %v variance %v", mean, sq/float64(len(row)))
	}
	for _, v := range out.Row(1) {
		if v != 0 {
			t.Fatalf("constant gene should center to zero without scaling, got %v", out.Row(1))
		}
	}
}

func TestRejectsInvalidConfig(t *testing.T) {
	cases := map[string]domain.NormalizationConfig{
		"method":     {Method: "zscore"},
		"offset":     {Method: domain.NormalizeLog, Offset: 0},
		"base":       {Method: domain.NormalizeLog1p, LogBase: 1},
		"max ref":    {Method: domain.NormalizeNone, MaxReference: -1},
		"empty":      {},
		"neg base":   {Method: domain.NormalizeNone, LogBase: -2},
		"neg offset": {Method: domain.NormalizeLog, Offset: -1},
	}
	for name, cfg := range cases {
		if _, _, err := Normalize(counts(), cfg); domain.Code(err) != domain.CodeInvalidArgument {
			t.Fatalf("%s: expected invalid_argument, got %v", name, err)
		}
	}
}

func TestBatchCorrectionDisabledIgnoresLabels(t *testing.T) {
	cfg := domain.NormalizationConfig{Method: domain.NormalizeNone}
	out, applied, err := Normalize(counts(), cfg, WithBatchLabels([]string{"a", "a", "b", "b"}))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if applied.BatchesCorrected != 0 || out.At(0, 3) != 7 {
		t.Fatalf("batch correction should be a no-op when disabled")
	}
}

func TestBatchCorrectionRequiresLabels(t *testing.T) {
	cfg := domain.NormalizationConfig{Method: domain.NormalizeNone, BatchCorrection: true}
	if _, _, err := Normalize(counts(), cfg); domain.Code(err) != domain.CodeInvalidArgument {
		t.Fatalf("expected invalid_argument without labels, got %v", err)
	}
	if _, _, err := Normalize(counts(), cfg, WithBatchLabels([]string{"a"})); domain.Code(err) != domain.CodeInvalidArgument {
		t.Fatalf("expected invalid_argument for short labels, got %v", err)
	}
}

func TestBatchCorrectionAlignsBatchMeans(t *testing.T) {
	cfg := domain.NormalizationConfig{Method: domain.NormalizeNone, BatchCorrection: true}
	out, applied, err := Normalize(counts(), cfg, WithBatchLabels([]string{"a", "a", "b", "b"}))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if applied.BatchesCorrected != 2 {
		t.Fatalf("expected 2 batches, got %d", applied.BatchesCorrected)
	}
	// gene 1: batch a mean 0.5, batch b mean 5, global 2.75
	meanA := (out.At(0, 0) + out.At(0, 1)) / 2
	meanB := (out.At(0, 2) + out.At(0, 3)) / 2
	if !almostEqual(meanA, 2.75) || !almostEqual(meanB, 2.75) {
		t.Fatalf("batch means not aligned: %v %v", meanA, meanB)
	}
}

func TestBatchCorrectionIsReproducible(t *testing.T) {
	m := domain.NewExpressionMatrix([]string{"G1"}, []string{"a", "b", "c", "d", "e", "f", "g", "h"})
	copy(m.Values, []float64{1, 9, 2, 8, 3, 7, 4, 6})
	labels := []string{"x", "x", "x", "x", "y", "y", "y", "y"}
	cfg := domain.NormalizationConfig{Method: domain.NormalizeNone, BatchCorrection: true, MaxReference: 2, Seed: 7}
	first, _, err := Normalize(m, cfg, WithBatchLabels(labels))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	second, _, err := Normalize(m, cfg, WithBatchLabels(labels))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	for i := range first.Values {
		if math.Float64bits(first.Values[i]) != math.Float64bits(second.Values[i]) {
			t.Fatalf("value %d differs between runs: %v vs %v", i, first.Values[i], second.Values[i])
		}
	}
}

func TestLabelsFromAnnotations(t *testing.T) {
	ann := domain.Annotations{"batch": {"a", "b"}}
	labels, err := LabelsFromAnnotations(ann, "batch", 2)
	if err != nil || len(labels) != 2 {
		t.Fatalf("unexpected result %v %v", labels, err)
	}
	labels[0] = "z"
	if ann["batch"][0] != "a" {
		t.Fatalf("labels should be copied")
	}
	if _, err := LabelsFromAnnotations(ann, "plate", 2); domain.Code(err) != domain.CodeInvalidArgument {
		t.Fatalf("expected invalid_argument for missing key, got %v", err)
	}
	if _, err := LabelsFromAnnotations(ann, "batch", 3); domain.Code(err) != domain.CodeInvalidArgument {
		t.Fatalf("expected invalid_argument for short column, got %v", err)
	}
}
