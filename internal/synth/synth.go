// Package synth generates seeded example expression datasets in the formats
// the ingest package reads.
package synth

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"

	"rnastate/pkg/domain"
)

// Log-normal parameters of generated counts.
const (
	DefaultMu    = 5.0
	DefaultSigma = 2.0
)

// BulkOptions sizes a generated bulk table.
type BulkOptions struct {
	Genes   int
	Samples int
	Seed    uint64
	Mu      float64
	Sigma   float64
}

// DefaultBulkOptions returns a 100 gene by 20 sample dataset with seed 42.
func DefaultBulkOptions() BulkOptions {
	return BulkOptions{Genes: 100, Samples: 20, Seed: domain.DefaultSeed, Mu: DefaultMu, Sigma: DefaultSigma}
}

// SingleCellOptions sizes a generated single-cell container.
type SingleCellOptions struct {
	Genes   int
	Cells   int
	Batches int
	Seed    uint64
}

// DefaultSingleCellOptions returns 50 cells over 100 genes in two batches.
func DefaultSingleCellOptions() SingleCellOptions {
	return SingleCellOptions{Genes: 100, Cells: 50, Batches: 2, Seed: domain.DefaultSeed}
}

// GeneID names the i-th generated gene.
func GeneID(i int) string { return fmt.Sprintf("GENE_%05d", i) }

// SampleID names the i-th generated bulk sample.
func SampleID(i int) string { return fmt.Sprintf("SAMPLE_%03d", i) }

// CellID names the i-th generated cell.
func CellID(i int) string { return fmt.Sprintf("CELL_%04d", i) }

// Bulk draws a genes-by-samples matrix of log-normal values.
func Bulk(opts BulkOptions) (*domain.ExpressionMatrix, error) {
	if opts.Genes <= 0 || opts.Samples <= 0 {
		return nil, &domain.InvalidArgumentError{Field: "shape", Reason: fmt.Sprintf("genes and samples must be positive, got %dx%d", opts.Genes, opts.Samples)}
	}
	if opts.Sigma < 0 {
		return nil, &domain.InvalidArgumentError{Field: "sigma", Reason: "must not be negative"}
	}
	genes := make([]string, opts.Genes)
	for i := range genes {
		genes[i] = GeneID(i)
	}
	samples := make([]string, opts.Samples)
	for i := range samples {
		samples[i] = SampleID(i)
	}
	m := domain.NewExpressionMatrix(genes, samples)
	fill(m, opts.Seed, opts.Mu, opts.Sigma)
	return m, nil
}

// fill draws values sample by sample so a prefix of samples is stable when
// more samples are requested.
func fill(m *domain.ExpressionMatrix, seed uint64, mu, sigma float64) {
	rng := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
	for s := 0; s < m.NumSamples(); s++ {
		for g := 0; g < m.NumGenes(); g++ {
			m.Set(g, s, math.Exp(mu+sigma*rng.NormFloat64()))
		}
	}
}

// WriteBulkCSV writes m as a comma-separated table with a gene_id column.
func WriteBulkCSV(w io.Writer, m *domain.ExpressionMatrix) error {
	cw := csv.NewWriter(w)
	header := append([]string{"gene_id"}, m.SampleIDs...)
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, m.NumSamples()+1)
	for g, id := range m.GeneIDs {
		row[0] = id
		for s := 0; s < m.NumSamples(); s++ {
			row[s+1] = strconv.FormatFloat(m.At(g, s), 'g', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteBulkFile generates a bulk dataset and writes it to path.
func WriteBulkFile(path string, opts BulkOptions) (*domain.ExpressionMatrix, error) {
	m, err := Bulk(opts)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := WriteBulkCSV(f, m); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return m, f.Close()
}

// WriteSingleCell writes a dense container into dir: matrix.csv (cells by
// genes), obs.csv with a batch column and var.csv with gene symbols. Cells
// are assigned to batches round-robin and each batch gets its own offset.
func WriteSingleCell(dir string, opts SingleCellOptions) (*domain.ExpressionMatrix, error) {
	if opts.Genes <= 0 || opts.Cells <= 0 {
		return nil, &domain.InvalidArgumentError{Field: "shape", Reason: fmt.Sprintf("genes and cells must be positive, got %dx%d", opts.Genes, opts.Cells)}
	}
	batches := max(opts.Batches, 1)
	genes := make([]string, opts.Genes)
	for i := range genes {
		genes[i] = GeneID(i)
	}
	cells := make([]string, opts.Cells)
	for i := range cells {
		cells[i] = CellID(i)
	}
	m := domain.NewExpressionMatrix(genes, cells)
	fill(m, opts.Seed, DefaultMu-3, 1)
	for c := range cells {
		shift := math.Exp(float64(c % batches))
		for g := range genes {
			m.Set(g, c, m.At(g, c)*shift)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	matrix := make([][]string, 0, len(cells)+1)
	matrix = append(matrix, append([]string{"cell_id"}, genes...))
	for c, id := range cells {
		row := make([]string, len(genes)+1)
		row[0] = id
		for g := range genes {
			row[g+1] = strconv.FormatFloat(m.At(g, c), 'g', -1, 64)
		}
		matrix = append(matrix, row)
	}
	obs := [][]string{{"cell_id", "batch"}}
	for c, id := range cells {
		obs = append(obs, []string{id, fmt.Sprintf("batch_%d", c%batches)})
	}
	vars := [][]string{{"gene_id", "symbol"}}
	for g, id := range genes {
		vars = append(vars, []string{id, fmt.Sprintf("SYM%d", g)})
	}
	for name, rows := range map[string][][]string{"matrix.csv": matrix, "obs.csv": obs, "var.csv": vars} {
		if err := writeCSV(filepath.Join(dir, name), rows); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(f)
	if err := cw.WriteAll(rows); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
