package domain

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// SourceFormat tags the raw input shape an ingestion was built from.
type SourceFormat string

const (
	// FormatBulk is a dense gene-by-sample table.
	FormatBulk SourceFormat = "bulk"
	// FormatSingleCell is a cell-by-gene container with side tables.
	FormatSingleCell SourceFormat = "single_cell"
)

// ExpressionMatrix is the canonical dense gene-by-sample grid shared by every
// pipeline stage. Values are stored row-major: Values[g*len(SampleIDs)+s].
type ExpressionMatrix struct {
	GeneIDs   []string
	SampleIDs []string
	Values    []float64
}

// NewExpressionMatrix allocates a zeroed matrix for the given identifiers.
func NewExpressionMatrix(geneIDs, sampleIDs []string) *ExpressionMatrix {
	return &ExpressionMatrix{
		GeneIDs:   append([]string(nil), geneIDs...),
		SampleIDs: append([]string(nil), sampleIDs...),
		Values:    make([]float64, len(geneIDs)*len(sampleIDs)),
	}
}

// NumGenes returns G.
func (m *ExpressionMatrix) NumGenes() int { return len(m.GeneIDs) }

// NumSamples returns S.
func (m *ExpressionMatrix) NumSamples() int { return len(m.SampleIDs) }

// At returns the value for gene g in sample s.
func (m *ExpressionMatrix) At(g, s int) float64 { return m.Values[g*len(m.SampleIDs)+s] }

// Set assigns the value for gene g in sample s.
func (m *ExpressionMatrix) Set(g, s int, v float64) { m.Values[g*len(m.SampleIDs)+s] = v }

// Row returns the slice backing gene g. Callers must not retain it across mutations.
func (m *ExpressionMatrix) Row(g int) []float64 {
	n := len(m.SampleIDs)
	return m.Values[g*n : (g+1)*n]
}

// SampleVector copies the expression profile (length G) of sample s.
func (m *ExpressionMatrix) SampleVector(s int) []float64 {
	out := make([]float64, len(m.GeneIDs))
	n := len(m.SampleIDs)
	for g := range out {
		out[g] = m.Values[g*n+s]
	}
	return out
}

// Clone returns a deep copy.
func (m *ExpressionMatrix) Clone() *ExpressionMatrix {
	return &ExpressionMatrix{
		GeneIDs:   append([]string(nil), m.GeneIDs...),
		SampleIDs: append([]string(nil), m.SampleIDs...),
		Values:    append([]float64(nil), m.Values...),
	}
}

// GeneFingerprint returns up to the first n gene identifiers, used to diagnose
// ordering mismatches between a dataset and a model.
func (m *ExpressionMatrix) GeneFingerprint(n int) []string {
	if n > len(m.GeneIDs) {
		n = len(m.GeneIDs)
	}
	return append([]string(nil), m.GeneIDs[:n]...)
}

// Validate checks the ingestion invariants: non-empty unique identifiers, a
// complete grid, and finite non-negative values.
func (m *ExpressionMatrix) Validate() error {
	if len(m.GeneIDs) == 0 {
		return &IngestionFormatError{Reason: "no gene identifiers"}
	}
	if len(m.SampleIDs) == 0 {
		return &IngestionFormatError{Reason: "no sample identifiers"}
	}
	if err := uniqueIDs("gene", m.GeneIDs); err != nil {
		return err
	}
	if err := uniqueIDs("sample", m.SampleIDs); err != nil {
		return err
	}
	if want := len(m.GeneIDs) * len(m.SampleIDs); len(m.Values) != want {
		return &IngestionFormatError{Reason: fmt.Sprintf("grid has %d values, want %d", len(m.Values), want)}
	}
	n := len(m.SampleIDs)
	for i, v := range m.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &IngestionFormatError{Reason: fmt.Sprintf("non-finite value for gene %s sample %s", m.GeneIDs[i/n], m.SampleIDs[i%n])}
		}
		if v < 0 {
			return &IngestionFormatError{Reason: fmt.Sprintf("negative count %g for gene %s sample %s", v, m.GeneIDs[i/n], m.SampleIDs[i%n])}
		}
	}
	return nil
}

func uniqueIDs(kind string, ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return &IngestionFormatError{Reason: fmt.Sprintf("empty %s identifier", kind)}
		}
		if _, dup := seen[id]; dup {
			return &IngestionFormatError{Reason: fmt.Sprintf("duplicate %s identifier %q", kind, id)}
		}
		seen[id] = struct{}{}
	}
	return nil
}

// matrixMagic identifies the binary matrix encoding ("RNAM").
const (
	matrixMagic   uint32 = 0x4d414e52
	matrixVersion uint32 = 1
)

// MarshalBinary encodes the matrix as magic, version, dimensions, identifiers
// and little-endian float64 values.
func (m *ExpressionMatrix) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	w := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	w(matrixMagic)
	w(matrixVersion)
	w(uint32(len(m.GeneIDs)))
	w(uint32(len(m.SampleIDs)))
	for _, ids := range [][]string{m.GeneIDs, m.SampleIDs} {
		for _, id := range ids {
			w(uint32(len(id)))
			buf.WriteString(id)
		}
	}
	if len(m.Values) != len(m.GeneIDs)*len(m.SampleIDs) {
		return nil, fmt.Errorf("matrix grid has %d values for %dx%d", len(m.Values), len(m.GeneIDs), len(m.SampleIDs))
	}
	w(m.Values)
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes the MarshalBinary encoding.
func (m *ExpressionMatrix) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	var magic, version, genes, samples uint32
	for _, p := range []*uint32{&magic, &version, &genes, &samples} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return fmt.Errorf("read matrix header: %w", err)
		}
	}
	if magic != matrixMagic {
		return fmt.Errorf("invalid matrix magic %#x", magic)
	}
	if version != matrixVersion {
		return fmt.Errorf("unsupported matrix version %d", version)
	}
	readIDs := func(n uint32) ([]string, error) {
		out := make([]string, n)
		for i := range out {
			var l uint32
			if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
				return nil, err
			}
			if int64(l) > int64(r.Len()) {
				return nil, io.ErrUnexpectedEOF
			}
			b := make([]byte, l)
			if _, err := io.ReadFull(r, b); err != nil {
				return nil, err
			}
			out[i] = string(b)
		}
		return out, nil
	}
	geneIDs, err := readIDs(genes)
	if err != nil {
		return fmt.Errorf("read gene ids: %w", err)
	}
	sampleIDs, err := readIDs(samples)
	if err != nil {
		return fmt.Errorf("read sample ids: %w", err)
	}
	if want := int64(genes) * int64(samples) * 8; int64(r.Len()) != want {
		return fmt.Errorf("matrix payload has %d bytes, want %d", r.Len(), want)
	}
	values := make([]float64, int(genes)*int(samples))
	if err := binary.Read(r, binary.LittleEndian, values); err != nil {
		return fmt.Errorf("read values: %w", err)
	}
	m.GeneIDs, m.SampleIDs, m.Values = geneIDs, sampleIDs, values
	return nil
}
