package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"rnastate/pkg/domain"
)

// parseBulkTable reads a delimited table whose header row names the samples
// (the first header cell labels the gene column) and whose remaining rows
// each hold a gene id followed by one count per sample.
func parseBulkTable(origin string, r io.Reader, delim rune) (*domain.ExpressionMatrix, error) {
	cr := newTableReader(r, delim)
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &domain.IngestionFormatError{Source: origin, Reason: "empty table"}
		}
		return nil, csvFormatError(origin, err)
	}
	if len(header) < 2 {
		return nil, &domain.IngestionFormatError{Source: origin, Line: 1, Reason: "header must name at least one sample column"}
	}
	sampleIDs := make([]string, len(header)-1)
	for i, h := range header[1:] {
		sampleIDs[i] = strings.TrimSpace(h)
	}
	var (
		geneIDs []string
		values  []float64
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, csvFormatError(origin, err)
		}
		geneIDs = append(geneIDs, strings.TrimSpace(rec[0]))
		for col := 1; col < len(rec); col++ {
			v, err := parseCount(rec[col])
			if err != nil {
				line, column := cr.FieldPos(col)
				return nil, &domain.IngestionFormatError{Source: origin, Line: line, Column: column, Reason: fmt.Sprintf("non-numeric value %q", rec[col])}
			}
			values = append(values, v)
		}
	}
	m := &domain.ExpressionMatrix{GeneIDs: geneIDs, SampleIDs: sampleIDs, Values: values}
	if err := m.Validate(); err != nil {
		return nil, withSource(err, origin)
	}
	return m, nil
}

func newTableReader(r io.Reader, delim rune) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = delim
	cr.Comment = '#'
	if delim == '\t' {
		cr.LazyQuotes = true
	}
	return cr
}

func parseCount(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, errors.New("empty value")
	}
	return strconv.ParseFloat(s, 64)
}

// csvFormatError maps encoding/csv failures (ragged rows, bad quoting) onto
// IngestionFormatError positions.
func csvFormatError(origin string, err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		reason := "malformed row"
		if errors.Is(pe.Err, csv.ErrFieldCount) {
			reason = "row has a different number of fields than the header"
		}
		return &domain.IngestionFormatError{Source: origin, Line: pe.Line, Column: pe.Column, Reason: reason, Err: pe.Err}
	}
	return &domain.IngestionFormatError{Source: origin, Reason: "read failed", Err: err}
}

func withSource(err error, origin string) error {
	var fe *domain.IngestionFormatError
	if errors.As(err, &fe) && fe.Source == "" {
		fe.Source = origin
	}
	return err
}
