package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"rnastate/internal/ingest"
	"rnastate/internal/projection"
	"rnastate/internal/synth"
	"rnastate/pkg/domain"
)

func newFlagSet(e *env, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

// parseFlags reports malformed flags as usage errors.
func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", errUsage, fs.Name(), err)
	}
	return nil
}

// parseOne parses fs and requires exactly one positional argument.
func parseOne(fs *flag.FlagSet, args []string, synopsis string) (string, error) {
	if err := parseFlags(fs, args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%w: %s", errUsage, synopsis)
	}
	return fs.Arg(0), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdIngest(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "ingest")
	format := fs.String("format", "", "bulk|single_cell (default: single_cell for directories, bulk otherwise)")
	path, err := parseOne(fs, args, "ingest [-format bulk|single_cell] <path>")
	if err != nil {
		return err
	}
	kind := domain.SourceFormat(*format)
	if kind == "" {
		kind = ingest.SourceBulk
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			kind = ingest.SourceSingleCell
		}
	}
	var src ingest.Source
	switch kind {
	case ingest.SourceBulk:
		src = ingest.BulkSource(path)
	case ingest.SourceSingleCell:
		src = ingest.SingleCellSource(path)
	default:
		return fmt.Errorf("%w: unknown format %q", errUsage, *format)
	}
	rec, err := e.svc.Ingest(ctx, src)
	if err != nil {
		return err
	}
	return writeJSON(e.stdout, rec)
}

func cmdIngestions(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "ingestions")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	recs, err := e.svc.ListIngestions(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "INGESTION_ID\tFORMAT\tGENES\tSAMPLES\tINGESTED_AT\tORIGIN")
	for _, r := range recs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", r.ID, r.Format, r.NumGenes, r.NumSamples, r.IngestedAt.Format(time.RFC3339), r.Origin)
	}
	return tw.Flush()
}

func cmdRun(ctx context.Context, e *env, args []string) error {
	id, err := parseOne(newFlagSet(e, "run"), args, "run <ingestion-id>")
	if err != nil {
		return err
	}
	meta, err := e.svc.RunPipeline(ctx, id)
	if err != nil {
		return err
	}
	return writeJSON(e.stdout, meta)
}

func cmdMetadata(ctx context.Context, e *env, args []string) error {
	id, err := parseOne(newFlagSet(e, "metadata"), args, "metadata <ingestion-id>")
	if err != nil {
		return err
	}
	meta, err := e.svc.GetMetadata(ctx, id)
	if err != nil {
		return err
	}
	return writeJSON(e.stdout, meta)
}

func cmdEmbeddings(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "embeddings")
	format := fs.String("format", "csv", "csv|json")
	id, err := parseOne(fs, args, "embeddings [-format csv|json] <ingestion-id>")
	if err != nil {
		return err
	}
	if *format != "csv" && *format != "json" {
		return fmt.Errorf("%w: unknown format %q", errUsage, *format)
	}
	recs, err := e.svc.GetEmbeddings(ctx, id)
	if err != nil {
		return err
	}
	if *format == "json" {
		return writeJSON(e.stdout, recs)
	}
	cw := csv.NewWriter(e.stdout)
	if len(recs) > 0 {
		header := []string{"sample_id"}
		for d := range recs[0].Vector {
			header = append(header, "dim_"+strconv.Itoa(d))
		}
		_ = cw.Write(header)
	}
	for _, r := range recs {
		row := []string{r.SampleID}
		for _, v := range r.Vector {
			row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
		}
		_ = cw.Write(row)
	}
	cw.Flush()
	return cw.Error()
}

func cmdProject(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "project")
	method := fs.String("method", e.cfg.Projection.Method, "pca|umap")
	n := fs.Int("n", e.cfg.Projection.NComponents, "number of components (2 or 3)")
	neighbors := fs.Int("neighbors", 0, "UMAP neighbourhood size (0 keeps the configured value)")
	minDist := fs.Float64("min-dist", -1, "UMAP minimum distance (negative keeps the configured value)")
	epochs := fs.Int("epochs", 0, "UMAP epochs (0 keeps the configured value)")
	seed := fs.Uint64("seed", 0, "UMAP seed (0 keeps the configured value)")
	id, err := parseOne(fs, args, "project [-method pca|umap] [-n 2|3] <ingestion-id>")
	if err != nil {
		return err
	}
	var opts []projection.Option
	if *neighbors > 0 {
		opts = append(opts, projection.WithNeighbors(*neighbors))
	}
	if *minDist >= 0 {
		opts = append(opts, projection.WithMinDist(*minDist))
	}
	if *epochs > 0 {
		opts = append(opts, projection.WithEpochs(*epochs))
	}
	if *seed > 0 {
		opts = append(opts, projection.WithSeed(*seed))
	}
	res, err := e.svc.Project(ctx, id, *method, *n, opts...)
	if err != nil {
		return err
	}
	return writeJSON(e.stdout, res)
}

type trainSummary struct {
	Model     domain.ModelConfig `json:"model"`
	Epochs    int                `json:"epochs"`
	BestEpoch int                `json:"best_epoch"`
	BestLoss  float64            `json:"best_loss"`
}

func cmdTrain(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "train")
	tc := e.cfg.Training
	arch := e.cfg.ModelArchitecture()
	fs.IntVar(&tc.Epochs, "epochs", tc.Epochs, "training epochs")
	fs.IntVar(&tc.BatchSize, "batch-size", tc.BatchSize, "mini-batch size")
	fs.Float64Var(&tc.LearningRate, "lr", tc.LearningRate, "Adam learning rate")
	fs.Float64Var(&tc.ValidationSplit, "validation-split", tc.ValidationSplit, "fraction of samples held out")
	fs.Uint64Var(&tc.Seed, "seed", tc.Seed, "training seed")
	fs.StringVar(&tc.Label, "label", tc.Label, "version label prefix")
	fs.IntVar(&arch.LatentDimension, "latent", arch.LatentDimension, "latent dimension")
	fs.Float64Var(&arch.Dropout, "dropout", arch.Dropout, "dropout rate")
	hidden := fs.String("hidden", "", "comma-separated hidden widths (default from config)")
	id, err := parseOne(fs, args, "train [flags] <ingestion-id>")
	if err != nil {
		return err
	}
	if *hidden != "" {
		if arch.HiddenDims, err = parseInts(*hidden); err != nil {
			return err
		}
	}
	cfg, hist, err := e.svc.TrainModel(ctx, id, arch, tc)
	if err != nil {
		return err
	}
	return writeJSON(e.stdout, trainSummary{Model: cfg, Epochs: len(hist.Epochs), BestEpoch: hist.BestEpoch, BestLoss: hist.BestLoss})
}

func cmdModels(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "models")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	models, err := e.svc.ListModels(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VERSION\tINPUT_DIM\tLATENT_DIM\tHIDDEN\tTRAINED_AT")
	for _, m := range models {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%v\t%s\n", m.Version, m.InputDimension, m.LatentDimension, m.HiddenDims, m.TrainedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func cmdExample(_ context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "example")
	out := fs.String("out", "example_data", "output directory")
	bulk := synth.DefaultBulkOptions()
	sc := synth.DefaultSingleCellOptions()
	fs.IntVar(&bulk.Genes, "genes", bulk.Genes, "genes in both datasets")
	fs.IntVar(&bulk.Samples, "samples", bulk.Samples, "bulk samples")
	fs.IntVar(&sc.Cells, "cells", sc.Cells, "single-cell cells")
	fs.IntVar(&sc.Batches, "batches", sc.Batches, "single-cell batches")
	fs.Uint64Var(&bulk.Seed, "seed", bulk.Seed, "generator seed")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("%w: example [flags]", errUsage)
	}
	sc.Genes, sc.Seed = bulk.Genes, bulk.Seed
	if err := os.MkdirAll(*out, 0o755); err != nil {
		return err
	}
	bulkPath := filepath.Join(*out, "bulk.csv")
	if _, err := synth.WriteBulkFile(bulkPath, bulk); err != nil {
		return err
	}
	scDir := filepath.Join(*out, "single_cell")
	if _, err := synth.WriteSingleCell(scDir, sc); err != nil {
		return err
	}
	e.logger.Info("wrote example datasets", "bulk", bulkPath, "single_cell", scDir)
	_, _ = fmt.Fprintf(e.stdout, "%s\n%s\n", bulkPath, scDir)
	return nil
}
