package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
)

func sampleMatrix() *ExpressionMatrix {
	m := NewExpressionMatrix([]string{"G1", "G2", "G3"}, []string{"S1", "S2"})
	for i := range m.Values {
		m.Values[i] = float64(i)
	}
	return m
}

func TestExpressionMatrixAccessors(t *testing.T) {
	m := sampleMatrix()
	if m.NumGenes() != 3 || m.NumSamples() != 2 {
		t.Fatalf("unexpected shape %dx%d", m.NumGenes(), m.NumSamples())
	}
	if got := m.At(2, 1); got != 5 {
		t.Fatalf("At(2,1) = %v, want 5", got)
	}
	vec := m.SampleVector(1)
	if len(vec) != 3 || vec[0] != 1 || vec[1] != 3 || vec[2] != 5 {
		t.Fatalf("unexpected sample vector %v", vec)
	}
	clone := m.Clone()
	clone.Set(0, 0, 99)
	clone.GeneIDs[0] = "X"
	if m.At(0, 0) != 0 || m.GeneIDs[0] != "G1" {
		t.Fatalf("clone shares state with original")
	}
	if fp := m.GeneFingerprint(5); len(fp) != 3 {
		t.Fatalf("fingerprint should clamp to gene count, got %v", fp)
	}
}

func TestExpressionMatrixValidate(t *testing.T) {
	cases := map[string]func(*ExpressionMatrix){
		"negative":    func(m *ExpressionMatrix) { m.Values[1] = -1 },
		"nan":         func(m *ExpressionMatrix) { m.Values[2] = math.NaN() },
		"inf":         func(m *ExpressionMatrix) { m.Values[0] = math.Inf(1) },
		"duplicate":   func(m *ExpressionMatrix) { m.GeneIDs[1] = "G1" },
		"empty id":    func(m *ExpressionMatrix) { m.SampleIDs[0] = "" },
		"ragged grid": func(m *ExpressionMatrix) { m.Values = m.Values[:4] },
		"no genes":    func(m *ExpressionMatrix) { m.GeneIDs = nil },
		"no samples":  func(m *ExpressionMatrix) { m.SampleIDs = nil },
	}
	if err := sampleMatrix().Validate(); err != nil {
		t.Fatalf("valid matrix rejected: %v", err)
	}
	for name, mutate := range cases {
		m := sampleMatrix()
		mutate(m)
		err := m.Validate()
		var fe *IngestionFormatError
		if !errors.As(err, &fe) {
			t.Fatalf("%s: expected IngestionFormatError, got %v", name, err)
		}
	}
}

func TestExpressionMatrixBinaryEncoding(t *testing.T) {
	m := sampleMatrix()
	m.Values[3] = 1.0 / 3.0
	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out ExpressionMatrix
	if err := out.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if strings.Join(out.GeneIDs, ",") != "G1,G2,G3" || strings.Join(out.SampleIDs, ",") != "S1,S2" {
		t.Fatalf("identifiers not preserved: %v %v", out.GeneIDs, out.SampleIDs)
	}
	for i := range m.Values {
		if out.Values[i] != m.Values[i] {
			t.Fatalf("value %d: got %v want %v", i, out.Values[i], m.Values[i])
		}
	}
	if err := out.UnmarshalBinary(data[:len(data)-3]); err == nil {
		t.Fatalf("expected truncated payload to fail")
	}
	bad := append([]byte(nil), data...)
	bad[0] ^= 0xff
	if err := out.UnmarshalBinary(bad); err == nil {
		t.Fatalf("expected bad magic to fail")
	}
}

func TestErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		code ErrorCode
	}{
		{&IngestionFormatError{Reason: "x"}, CodeIngestionFormat},
		{&DimensionMismatchError{Expected: 100, Actual: 50}, CodeDimensionMismatch},
		{&ModelUnavailableError{Version: "v1"}, CodeModelUnavailable},
		{&ArtifactIntegrityError{IngestionID: "a", Field: "num_samples"}, CodeArtifactIntegrity},
		{&NotFoundError{Entity: EntityIngestion, ID: "x"}, CodeNotFound},
		{&InvalidArgumentError{Field: "method"}, CodeInvalidArgument},
		{errors.New("plain"), CodeInternal},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("wrapped: %w", tc.err)
		if got := Code(wrapped); got != tc.code {
			t.Fatalf("Code(%v) = %s, want %s", tc.err, got, tc.code)
		}
	}
}

func TestDimensionMismatchMessageReportsCounts(t *testing.T) {
	err := &DimensionMismatchError{Expected: 100, Actual: 50, GeneSample: []string{"GENE_00000", "GENE_00001"}}
	msg := err.Error()
	for _, want := range []string{"100", "50", "GENE_00000"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}
