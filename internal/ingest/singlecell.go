package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"rnastate/pkg/domain"
)

func (s Source) parseSingleCell() (*parsed, error) {
	in := s.singleCell
	if in.parts != nil {
		return parseDenseContainer(s.Origin, *in.parts)
	}
	if mtx, ok := findFile(in.dir, "matrix.mtx"); ok {
		return parseMatrixMarketDir(s.Origin, in.dir, mtx)
	}
	dense, ok := findFile(in.dir, "matrix.csv")
	if !ok {
		return nil, &domain.IngestionFormatError{Source: s.Origin, Reason: "container has neither matrix.mtx nor matrix.csv"}
	}
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	open := func(path string) (io.Reader, error) {
		rc, err := openMaybeGzip(path)
		if err != nil {
			return nil, err
		}
		closers = append(closers, rc)
		return rc, nil
	}
	var parts SingleCellParts
	var err error
	if parts.Matrix, err = open(dense); err != nil {
		return nil, &domain.IngestionFormatError{Source: s.Origin, Reason: "cannot open matrix", Err: err}
	}
	if p, ok := findFile(in.dir, "obs.csv"); ok {
		if parts.Obs, err = open(p); err != nil {
			return nil, &domain.IngestionFormatError{Source: s.Origin, Reason: "cannot open obs table", Err: err}
		}
	}
	if p, ok := findFile(in.dir, "var.csv"); ok {
		if parts.Var, err = open(p); err != nil {
			return nil, &domain.IngestionFormatError{Source: s.Origin, Reason: "cannot open var table", Err: err}
		}
	}
	return parseDenseContainer(s.Origin, parts)
}

// parseDenseContainer reads a cells-by-genes table and transposes it into the
// gene-by-sample layout. Cells become samples.
func parseDenseContainer(origin string, parts SingleCellParts) (*parsed, error) {
	if parts.Matrix == nil {
		return nil, &domain.IngestionFormatError{Source: origin, Reason: "container has no matrix"}
	}
	cellsByGene, err := parseBulkTable(origin+"/matrix", parts.Matrix, ',')
	if err != nil {
		return nil, err
	}
	// parseBulkTable treats the first column as the row axis; here rows are
	// cells and header columns are genes.
	cells, genes := cellsByGene.GeneIDs, cellsByGene.SampleIDs
	m := domain.NewExpressionMatrix(genes, cells)
	for c := range cells {
		row := cellsByGene.Row(c)
		for g, v := range row {
			m.Set(g, c, v)
		}
	}
	out := &parsed{matrix: m}
	if parts.Obs != nil {
		obs, err := readSideTable(origin+"/obs", parts.Obs, cells)
		if err != nil {
			return nil, err
		}
		out.samples = obs
	}
	if parts.Var != nil {
		vars, err := readSideTable(origin+"/var", parts.Var, genes)
		if err != nil {
			return nil, err
		}
		out.genes = vars
	}
	return out, nil
}

// parseMatrixMarketDir reads the 10x layout: a genes-by-cells coordinate
// matrix.mtx with barcodes.tsv (cells) and features.tsv or genes.tsv.
func parseMatrixMarketDir(origin, dir, mtxPath string) (*parsed, error) {
	barcodesPath, ok := findFile(dir, "barcodes.tsv")
	if !ok {
		return nil, &domain.IngestionFormatError{Source: origin, Reason: "matrix.mtx requires barcodes.tsv"}
	}
	featuresPath, ok := findFile(dir, "features.tsv", "genes.tsv")
	if !ok {
		return nil, &domain.IngestionFormatError{Source: origin, Reason: "matrix.mtx requires features.tsv"}
	}
	barcodes, err := readColumns(barcodesPath)
	if err != nil {
		return nil, &domain.IngestionFormatError{Source: origin + "/barcodes", Reason: "cannot read barcodes", Err: err}
	}
	features, err := readColumns(featuresPath)
	if err != nil {
		return nil, &domain.IngestionFormatError{Source: origin + "/features", Reason: "cannot read features", Err: err}
	}
	cells := make([]string, len(barcodes))
	for i, row := range barcodes {
		cells[i] = row[0]
	}
	genes := make([]string, len(features))
	geneAnn := domain.Annotations{}
	for i, row := range features {
		genes[i] = row[0]
		for col, key := range []string{"symbol", "feature_type"} {
			if len(row) > col+1 {
				if geneAnn[key] == nil {
					geneAnn[key] = make([]string, len(features))
				}
				geneAnn[key][i] = row[col+1]
			}
		}
	}
	rc, err := openMaybeGzip(mtxPath)
	if err != nil {
		return nil, &domain.IngestionFormatError{Source: origin + "/matrix.mtx", Reason: "cannot open matrix", Err: err}
	}
	defer func() { _ = rc.Close() }()
	m := domain.NewExpressionMatrix(genes, cells)
	if err := readMatrixMarket(origin+"/matrix.mtx", rc, m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, withSource(err, origin)
	}
	out := &parsed{matrix: m}
	if len(geneAnn) > 0 {
		out.genes = geneAnn
	}
	if p, ok := findFile(dir, "obs.csv"); ok {
		obsRC, err := openMaybeGzip(p)
		if err != nil {
			return nil, &domain.IngestionFormatError{Source: origin + "/obs", Reason: "cannot open obs table", Err: err}
		}
		defer func() { _ = obsRC.Close() }()
		obs, err := readSideTable(origin+"/obs", obsRC, cells)
		if err != nil {
			return nil, err
		}
		out.samples = obs
	}
	return out, nil
}

// readMatrixMarket fills m from a coordinate-format stream whose rows index
// genes and columns index cells (both 1-based). Repeated coordinates add up.
func readMatrixMarket(origin string, r io.Reader, m *domain.ExpressionMatrix) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	fail := func(reason string) error {
		return &domain.IngestionFormatError{Source: origin, Line: line, Reason: reason}
	}
	sizeSeen := false
	var nnz, seen int
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if line == 1 {
			header := strings.Fields(strings.ToLower(text))
			if len(header) < 4 || header[0] != "%%matrixmarket" || header[1] != "matrix" || header[2] != "coordinate" {
				return fail("expected a %%MatrixMarket matrix coordinate header")
			}
			if header[3] == "complex" || header[3] == "pattern" {
				return fail("unsupported field type " + header[3])
			}
			continue
		}
		if text == "" || strings.HasPrefix(text, "%") {
			continue
		}
		fields := strings.Fields(text)
		if !sizeSeen {
			if len(fields) != 3 {
				return fail("size line must hold rows, columns and entries")
			}
			rows, err1 := strconv.Atoi(fields[0])
			cols, err2 := strconv.Atoi(fields[1])
			n, err3 := strconv.Atoi(fields[2])
			if err := errors.Join(err1, err2, err3); err != nil {
				return &domain.IngestionFormatError{Source: origin, Line: line, Reason: "invalid size line", Err: err}
			}
			if rows != m.NumGenes() || cols != m.NumSamples() {
				return fail(fmt.Sprintf("matrix is %dx%d but features/barcodes describe %dx%d", rows, cols, m.NumGenes(), m.NumSamples()))
			}
			nnz = n
			sizeSeen = true
			continue
		}
		if len(fields) != 3 {
			return fail("entry must hold row, column and value")
		}
		i, err1 := strconv.Atoi(fields[0])
		j, err2 := strconv.Atoi(fields[1])
		v, err3 := strconv.ParseFloat(fields[2], 64)
		if err := errors.Join(err1, err2, err3); err != nil {
			return &domain.IngestionFormatError{Source: origin, Line: line, Reason: "invalid entry", Err: err}
		}
		if i < 1 || i > m.NumGenes() || j < 1 || j > m.NumSamples() {
			return fail(fmt.Sprintf("entry (%d,%d) out of range", i, j))
		}
		m.Set(i-1, j-1, m.At(i-1, j-1)+v)
		seen++
	}
	if err := sc.Err(); err != nil {
		return &domain.IngestionFormatError{Source: origin, Line: line, Reason: "read failed", Err: err}
	}
	if !sizeSeen {
		return fail("missing size line")
	}
	if seen != nnz {
		return fail(fmt.Sprintf("declared %d entries, found %d", nnz, seen))
	}
	return nil
}

// readColumns reads a headerless tab-separated file.
func readColumns(path string) ([][]string, error) {
	rc, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	cr := newTableReader(rc, '\t')
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, row := range rows {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		for i := range row {
			row[i] = strings.TrimSpace(row[i])
		}
		out = append(out, row)
	}
	if len(out) == 0 {
		return nil, errors.New("file is empty")
	}
	return out, nil
}

// readSideTable reads a CSV keyed by its first column and returns its other
// columns aligned to order. Every key in order must appear exactly once.
func readSideTable(origin string, r io.Reader, order []string) (domain.Annotations, error) {
	cr := newTableReader(r, ',')
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, csvFormatError(origin, err)
	}
	if len(rows) == 0 {
		return nil, &domain.IngestionFormatError{Source: origin, Reason: "empty table"}
	}
	header := rows[0]
	index := make(map[string]int, len(rows)-1)
	for i, row := range rows[1:] {
		key := strings.TrimSpace(row[0])
		if _, dup := index[key]; dup {
			return nil, &domain.IngestionFormatError{Source: origin, Line: i + 2, Reason: fmt.Sprintf("duplicate key %q", key)}
		}
		index[key] = i + 1
	}
	out := make(domain.Annotations, len(header)-1)
	for col := 1; col < len(header); col++ {
		out[strings.TrimSpace(header[col])] = make([]string, len(order))
	}
	for pos, key := range order {
		rowIdx, ok := index[key]
		if !ok {
			return nil, &domain.IngestionFormatError{Source: origin, Reason: fmt.Sprintf("no row for %q", key)}
		}
		row := rows[rowIdx]
		for col := 1; col < len(header); col++ {
			out[strings.TrimSpace(header[col])][pos] = strings.TrimSpace(row[col])
		}
	}
	if len(index) != len(order) {
		return nil, &domain.IngestionFormatError{Source: origin, Reason: fmt.Sprintf("table has %d rows, matrix has %d", len(index), len(order))}
	}
	return out, nil
}
