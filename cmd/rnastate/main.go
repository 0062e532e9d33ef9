// Command rnastate ingests expression datasets, embeds them with a published
// representation model and serves embeddings and projections.
//
// Usage:
//
//	rnastate [global flags] <command> [command flags] [args]
//
// Commands: ingest, ingestions, run, embeddings, metadata, project, train,
// models, example.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"rnastate/internal/blob"
	"rnastate/internal/catalog"
	"rnastate/internal/config"
	"rnastate/internal/model"
	"rnastate/internal/observability"
	"rnastate/internal/pipeline"
	"rnastate/internal/projection"
	"rnastate/pkg/domain"
)

var exitFunc = os.Exit

// errUsage marks argument errors; they exit with status 2.
var errUsage = errors.New("usage")

func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

type globalFlags struct {
	configPath  string
	metricsFile string
	traceFile   string
	logLevel    string
	logFormat   string
}

type command struct {
	summary string
	// offline commands do not open storage.
	offline bool
	run     func(ctx context.Context, e *env, args []string) error
}

var commands = map[string]command{
	"ingest":     {summary: "ingest a bulk table or single-cell container", run: cmdIngest},
	"ingestions": {summary: "list ingested datasets", run: cmdIngestions},
	"run":        {summary: "normalize and embed an ingestion", run: cmdRun},
	"embeddings": {summary: "print the embeddings of an ingestion", run: cmdEmbeddings},
	"metadata":   {summary: "print the run metadata of an ingestion", run: cmdMetadata},
	"project":    {summary: "project embeddings to 2 or 3 dimensions", run: cmdProject},
	"train":      {summary: "train and publish a model on an ingestion", run: cmdTrain},
	"models":     {summary: "list published models", run: cmdModels},
	"example":    {summary: "write generated example datasets", offline: true, run: cmdExample},
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rnastate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var g globalFlags
	fs.StringVar(&g.configPath, "config", "", "path to config file")
	fs.StringVar(&g.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
	fs.StringVar(&g.traceFile, "trace-file", "", "append JSON trace spans to this file")
	fs.StringVar(&g.logLevel, "log-level", "", "debug|info|warn|error")
	fs.StringVar(&g.logFormat, "log-format", "", "text|json")
	fs.Usage = func() { usage(stderr, fs) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		usage(stderr, fs)
		return 2
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", rest[0])
		usage(stderr, fs)
		return 2
	}

	ctx := context.Background()
	e, err := setup(ctx, g, cmd.offline, stdout, stderr)
	if err != nil {
		return report(stderr, err)
	}
	err = cmd.run(ctx, e, rest[1:])
	if cerr := e.close(); err == nil {
		err = cerr
	}
	return report(stderr, err)
}

func report(stderr io.Writer, err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		_, _ = fmt.Fprintln(stderr, err)
		return 2
	case errors.Is(err, flag.ErrHelp):
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "error[%s]: %v\n", domain.Code(err), err)
		return 1
	}
}

func usage(w io.Writer, fs *flag.FlagSet) {
	_, _ = fmt.Fprintln(w, "usage: rnastate [global flags] <command> [flags] [args]")
	_, _ = fmt.Fprintln(w, "\ncommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "  %-11s %s\n", name, commands[name].summary)
	}
	_, _ = fmt.Fprintln(w, "\nglobal flags:")
	fs.PrintDefaults()
}

// env carries what a command needs: configuration, outputs and, unless the
// command is offline, the pipeline service.
type env struct {
	cfg     *config.Config
	stdout  io.Writer
	stderr  io.Writer
	logger  observability.Logger
	svc     *pipeline.Service
	catalog domain.IngestionCatalog
	prom    *observability.PrometheusMetricsRecorder
	metrics string
	closers []io.Closer
}

func setup(ctx context.Context, g globalFlags, offline bool, stdout, stderr io.Writer) (*env, error) {
	cfg, _, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if g.metricsFile != "" {
		cfg.Metrics.Textfile = g.metricsFile
	}
	if g.traceFile != "" {
		cfg.Metrics.TraceFile = g.traceFile
	}
	logger := observability.NewSlogLogger(stderr, cfg.Log.Level, cfg.Log.Format)
	e := &env{cfg: cfg, stdout: stdout, stderr: stderr, logger: logger, metrics: cfg.Metrics.Textfile}
	if offline {
		return e, nil
	}

	cat, err := catalog.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	e.catalog = cat
	e.closers = append(e.closers, cat)
	blobs, err := blob.OpenConfig(ctx, cfg.Blob)
	if err != nil {
		_ = e.close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	e.prom = observability.NewPrometheusMetricsRecorder()
	opts := []pipeline.ServiceOption{
		pipeline.WithLogger(logger),
		pipeline.WithMetricsRecorder(e.prom),
		pipeline.WithNormalization(cfg.Normalization),
		pipeline.WithModel(model.ModelRef{Version: cfg.Model.Version}),
		pipeline.WithProjectionDefaults(
			projection.WithNeighbors(cfg.Projection.Neighbors),
			projection.WithMinDist(cfg.Projection.MinDist),
			projection.WithEpochs(cfg.Projection.Epochs),
			projection.WithSeed(cfg.Projection.Seed),
		),
	}
	if cfg.Metrics.TraceFile != "" {
		f, err := os.OpenFile(cfg.Metrics.TraceFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			_ = e.close()
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		e.closers = append(e.closers, f)
		opts = append(opts, pipeline.WithTracer(observability.NewJSONTracer(f)))
	}
	e.svc = pipeline.NewService(cat, blobs, opts...)
	return e, nil
}

func (e *env) close() error {
	var errs []error
	if e.prom != nil && e.metrics != "" {
		if err := e.prom.WriteTextfile(e.metrics); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// parseInts reads a comma-separated list such as "512,256".
func parseInts(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		var n int
		if _, err := fmt.Sscan(strings.TrimSpace(p), &n); err != nil {
			return nil, fmt.Errorf("%w: bad integer list %q", errUsage, s)
		}
		out = append(out, n)
	}
	return out, nil
}
