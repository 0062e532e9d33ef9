// Package ingest turns bulk tables and single-cell containers into the
// canonical gene-by-sample ExpressionMatrix and records them in the catalog.
package ingest

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"rnastate/pkg/domain"
)

// Source kinds.
const (
	SourceBulk       = domain.FormatBulk
	SourceSingleCell = domain.FormatSingleCell
)

// Source is a tagged variant over the supported raw input shapes. Exactly one
// of the payload fields is set, matching Kind.
type Source struct {
	Kind       domain.SourceFormat
	Origin     string
	bulk       *bulkInput
	singleCell *singleCellInput
}

type bulkInput struct {
	path   string
	reader io.Reader
}

type singleCellInput struct {
	dir   string
	parts *SingleCellParts
}

// SingleCellParts holds the streams of a dense single-cell container: a
// cells-by-genes matrix with optional per-cell (obs) and per-gene (var) tables.
type SingleCellParts struct {
	Matrix io.Reader
	Obs    io.Reader
	Var    io.Reader
}

// BulkSource reads a gene-by-sample CSV/TSV file (optionally gzip compressed).
func BulkSource(path string) Source {
	return Source{Kind: SourceBulk, Origin: filepath.Base(path), bulk: &bulkInput{path: path}}
}

// BulkReader reads a gene-by-sample table from r. The delimiter is derived
// from origin's extension (.tsv/.txt use tabs).
func BulkReader(origin string, r io.Reader) Source {
	return Source{Kind: SourceBulk, Origin: origin, bulk: &bulkInput{reader: r}}
}

// SingleCellSource reads a container directory holding either matrix.mtx with
// barcodes.tsv and features.tsv, or a dense matrix.csv; obs.csv and var.csv
// side tables are optional.
func SingleCellSource(dir string) Source {
	return Source{Kind: SourceSingleCell, Origin: filepath.Base(filepath.Clean(dir)), singleCell: &singleCellInput{dir: dir}}
}

// SingleCellStreams reads a dense container from in-memory streams.
func SingleCellStreams(origin string, parts SingleCellParts) Source {
	return Source{Kind: SourceSingleCell, Origin: origin, singleCell: &singleCellInput{parts: &parts}}
}

// parsed is the adapter output before an ingestion id is allocated.
type parsed struct {
	matrix  *domain.ExpressionMatrix
	samples domain.Annotations
	genes   domain.Annotations
}

func (s Source) parse() (*parsed, error) {
	switch s.Kind {
	case SourceBulk:
		if s.bulk == nil {
			return nil, &domain.InvalidArgumentError{Field: "source", Reason: "bulk source has no input"}
		}
		return s.parseBulk()
	case SourceSingleCell:
		if s.singleCell == nil {
			return nil, &domain.InvalidArgumentError{Field: "source", Reason: "single-cell source has no input"}
		}
		return s.parseSingleCell()
	default:
		return nil, &domain.InvalidArgumentError{Field: "source", Reason: fmt.Sprintf("unknown source kind %q", s.Kind)}
	}
}

func (s Source) parseBulk() (*parsed, error) {
	r := s.bulk.reader
	if r == nil {
		rc, err := openMaybeGzip(s.bulk.path)
		if err != nil {
			return nil, &domain.IngestionFormatError{Source: s.Origin, Reason: "cannot open bulk table", Err: err}
		}
		defer func() { _ = rc.Close() }()
		r = rc
	} else if strings.HasSuffix(strings.ToLower(s.Origin), ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, &domain.IngestionFormatError{Source: s.Origin, Reason: "invalid gzip stream", Err: err}
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}
	m, err := parseBulkTable(s.Origin, r, delimiterFor(s.Origin))
	if err != nil {
		return nil, err
	}
	return &parsed{matrix: m}, nil
}

// delimiterFor picks tab for .tsv/.txt names and comma otherwise.
func delimiterFor(name string) rune {
	lower := strings.TrimSuffix(strings.ToLower(name), ".gz")
	if strings.HasSuffix(lower, ".tsv") || strings.HasSuffix(lower, ".txt") {
		return '\t'
	}
	return ','
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g gzipFile) Close() error {
	_ = g.Reader.Close()
	return g.f.Close()
}

func openMaybeGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path) // #nosec G304 -- operator supplied input path
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(strings.ToLower(path), ".gz") {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return gzipFile{Reader: gz, f: f}, nil
}

// findFile returns the first existing candidate under dir, trying each name
// with and without a .gz suffix.
func findFile(dir string, names ...string) (string, bool) {
	for _, name := range names {
		for _, candidate := range []string{name, name + ".gz"} {
			p := filepath.Join(dir, candidate)
			if st, err := os.Stat(p); err == nil && !st.IsDir() {
				return p, true
			}
		}
	}
	return "", false
}
