// Command jsonq normalizes JSON/NDJSON logs, generates a flattened
// extraction schema from sampled data, materializes raw and flat tables in
// a SQL backend, and serves ad-hoc queries and CSV exports over the result.
//
// Subcommands:
//
//	normalize    mixed inputs -> work/all.ndjson
//	gen-schema   sampled NDJSON -> work/flat_select.sql
//	build        normalize + gen-schema + load raw + build flat
//	query        run SQL against the backend
//	export-csv   run SQL and write CSV
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jsonq/internal/engine"
	_ "jsonq/internal/engine/all"
	"jsonq/internal/jsonval"
	"jsonq/internal/metrics"
	"jsonq/internal/metrics/datadog"
	"jsonq/internal/pipeline"
	"jsonq/internal/schemaplan"
)

// backendCloser is the minimal interface this command needs to manage a
// metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability: tests inject fake outputs and a
// fake metrics backend factory.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
	Now            func() time.Time
}

// runConfig holds the parsed flags for one subcommand invocation.
type runConfig struct {
	cmd string

	pipe pipeline.Config

	sqlText string
	limit   int
	format  string
	outCSV  string

	metricsBackend string
	jobName        string
	ddTagsCSV      string
	flushEvery     time.Duration

	verbose bool
}

func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
		Now: time.Now,
	})
	os.Exit(code)
}

// run executes one subcommand and returns an exit code.
//
// Exit codes:
//   - 0: success.
//   - 1: run failed (missing inputs, decode failure, backend error).
//   - 2: configuration error (bad flags, unknown subcommand).
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	if cfg.metricsBackend == "datadog" {
		if d.BackendFactory == nil {
			fmt.Fprintln(d.Stderr, "internal error: BackendFactory is nil")
			return 2
		}
		b, err := d.BackendFactory(ctx, cfg.jobName, datadog.ParseTagsCSV(cfg.ddTagsCSV), cfg.flushEvery)
		if err != nil {
			fmt.Fprintf(d.Stderr, "metrics init: %v\n", err)
			return 2
		}
		metrics.SetBackend(b)
		defer func() {
			if err := b.Close(); err != nil {
				fmt.Fprintf(d.Stderr, "metrics flush: %v\n", err)
			}
			metrics.SetBackend(nil)
		}()
	}

	switch cfg.cmd {
	case "normalize":
		return cmdNormalize(ctx, cfg, d)
	case "gen-schema":
		return cmdGenSchema(ctx, cfg, d)
	case "build":
		return cmdBuild(ctx, cfg, d)
	case "query":
		return cmdQuery(ctx, cfg, d)
	case "export-csv":
		return cmdExportCSV(ctx, cfg, d)
	default:
		// parseFlags rejects unknown subcommands already.
		fmt.Fprintf(d.Stderr, "unknown command %q\n", cfg.cmd)
		return 2
	}
}

func cmdNormalize(ctx context.Context, cfg runConfig, d deps) int {
	res, err := pipeline.Normalize(ctx, cfg.pipe)
	if err != nil {
		if errors.Is(err, pipeline.ErrNoInputs) {
			fmt.Fprintln(d.Stderr, "No input files found.")
			return 1
		}
		fmt.Fprintf(d.Stderr, "normalize: %v\n", err)
		return 1
	}
	reportNormalize(res, cfg, d)
	return 0
}

func reportNormalize(res *pipeline.NormalizeResult, cfg runConfig, d deps) {
	for _, m := range res.Missing {
		fmt.Fprintf(d.Stderr, "WARN: not found: %s\n", m)
	}
	if cfg.verbose {
		for _, f := range res.Files {
			fmt.Fprintf(d.Stderr, "read: %s\n", f)
		}
	}
	fmt.Fprintf(d.Stdout, "OK normalize: %d records -> %s (skipped=%d)\n",
		res.Records, res.OutputPath, res.SkippedLines)
}

func cmdGenSchema(ctx context.Context, cfg runConfig, d deps) int {
	res, err := pipeline.GenSchema(ctx, cfg.pipe)
	if err != nil {
		fmt.Fprintf(d.Stderr, "gen-schema: %v\n", err)
		return 1
	}
	reportSchema(res, d)
	return 0
}

func reportSchema(res *pipeline.SchemaResult, d deps) {
	for _, c := range res.Plan.Collisions {
		fmt.Fprintf(d.Stderr, "WARN: column %s collides: kept %s, dropped %s\n",
			c.Column, c.Kept, c.Dropped)
	}
	fmt.Fprintf(d.Stdout, "OK schema: %s (%d columns, sampled %d records)\n",
		res.OutputPath, len(res.Plan.Entries), res.Plan.Sampled)
}

func cmdBuild(ctx context.Context, cfg runConfig, d deps) int {
	// With no inputs the build reuses existing work artifacts; with inputs
	// it runs the full chain.
	if len(cfg.pipe.Inputs) == 0 {
		rows, _, err := pipeline.Rebuild(ctx, cfg.pipe)
		if err != nil {
			return reportBuildErr(err, d)
		}
		fmt.Fprintf(d.Stdout, "OK build: %d rows -> table %s\n", rows, flatName(cfg))
		return 0
	}

	res, err := pipeline.Build(ctx, cfg.pipe)
	if err != nil {
		if errors.Is(err, pipeline.ErrNoInputs) {
			fmt.Fprintln(d.Stderr, "No input files found.")
			return 1
		}
		return reportBuildErr(err, d)
	}
	reportNormalize(res.Normalize, cfg, d)
	reportSchema(res.Schema, d)
	fmt.Fprintf(d.Stdout, "OK build: %d rows -> table %s\n", res.RowsLoaded, flatName(cfg))
	return 0
}

func flatName(cfg runConfig) string {
	if cfg.pipe.Engine.FlatTable != "" {
		return cfg.pipe.Engine.FlatTable
	}
	return engine.DefaultFlatTable
}

func reportBuildErr(err error, d deps) int {
	if errors.Is(err, engine.ErrEmptyDataset) {
		fmt.Fprintln(d.Stderr, "build: raw dataset is empty; nothing to flatten")
		return 1
	}
	fmt.Fprintf(d.Stderr, "build: %v\n", err)
	return 1
}

func cmdQuery(ctx context.Context, cfg runConfig, d deps) int {
	eng, err := engine.Open(ctx, cfg.pipe.Engine)
	if err != nil {
		fmt.Fprintf(d.Stderr, "query: %v\n", err)
		return 1
	}
	defer eng.Close()

	cols, rows, err := eng.Query(ctx, cfg.sqlText, cfg.limit)
	if err != nil {
		fmt.Fprintf(d.Stderr, "query: %v\n", err)
		return 1
	}

	switch cfg.format {
	case "jsonl":
		for _, row := range rows {
			o := jsonval.NewObject()
			for i, c := range cols {
				o.Set(c, printableValue(row[i]))
			}
			if err := jsonval.EncodeLine(d.Stdout, o); err != nil {
				fmt.Fprintf(d.Stderr, "query: encode row: %v\n", err)
				return 1
			}
		}
	default: // table
		fmt.Fprintln(d.Stdout, strings.Join(cols, "\t"))
		for _, row := range rows {
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = formatCell(v)
			}
			fmt.Fprintln(d.Stdout, strings.Join(cells, "\t"))
		}
	}
	return 0
}

// printableValue maps driver values onto the JSON value model for jsonl
// output.
func printableValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case nil, bool, string, float64, int64:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// formatCell renders one value for table output. NULL is the empty string.
func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func cmdExportCSV(ctx context.Context, cfg runConfig, d deps) int {
	eng, err := engine.Open(ctx, cfg.pipe.Engine)
	if err != nil {
		fmt.Fprintf(d.Stderr, "export-csv: %v\n", err)
		return 1
	}
	defer eng.Close()

	f, err := os.Create(cfg.outCSV)
	if err != nil {
		fmt.Fprintf(d.Stderr, "export-csv: %v\n", err)
		return 1
	}
	if err := eng.ExportCSV(ctx, cfg.sqlText, f); err != nil {
		_ = f.Close()
		fmt.Fprintf(d.Stderr, "export-csv: %v\n", err)
		return 1
	}
	if err := f.Close(); err != nil {
		fmt.Fprintf(d.Stderr, "export-csv: %v\n", err)
		return 1
	}
	fmt.Fprintf(d.Stdout, "OK csv: %s\n", cfg.outCSV)
	return 0
}

// stringList collects repeated -in flags.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

const usageText = `Usage: jsonq <command> [flags]

Commands:
  normalize    Normalize mixed JSON inputs into work/all.ndjson
  gen-schema   Generate the flattened extraction SELECT from sampled NDJSON
  build        normalize + gen-schema + load raw + build flat table
  query        Run SQL against the backend
  export-csv   Run SQL and write the result as CSV

Run "jsonq <command> -h" for command flags.`

// parseFlags parses a subcommand invocation.
func parseFlags(args []string) (runConfig, error) {
	if len(args) == 0 {
		return runConfig{}, errors.New(usageText)
	}
	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "normalize", "gen-schema", "build", "query", "export-csv":
	case "-h", "-help", "--help", "help":
		return runConfig{}, errors.New(usageText)
	default:
		return runConfig{}, fmt.Errorf("unknown command %q\n\n%s", cmd, usageText)
	}

	fs := flag.NewFlagSet("jsonq "+cmd, flag.ContinueOnError)
	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	cfg := runConfig{cmd: cmd}
	var ins stringList

	// Work-directory flags apply to every subcommand.
	fs.StringVar(&cfg.pipe.WorkDir, "work", pipeline.DefaultWorkDir, "Working directory for artifacts")
	fs.StringVar(&cfg.pipe.NDJSONName, "ndjson-name", pipeline.DefaultNDJSONName, "NDJSON filename within -work")
	fs.StringVar(&cfg.pipe.SchemaName, "schema-name", pipeline.DefaultSchemaName, "Schema filename within -work")
	fs.BoolVar(&cfg.verbose, "v", false, "Verbose output")

	// Backend flags apply to every subcommand that may touch an engine;
	// registering them uniformly keeps the surface predictable.
	fs.StringVar(&cfg.pipe.Engine.Kind, "backend", "sqlite", "Engine backend: "+strings.Join(engine.Kinds(), ", "))
	fs.StringVar(&cfg.pipe.Engine.DSN, "dsn", "", "Backend DSN (default for sqlite: <work>/work.db)")

	// Metrics flags.
	fs.StringVar(&cfg.metricsBackend, "metrics-backend", "none", "Metrics backend: none, datadog")
	fs.StringVar(&cfg.jobName, "job-name", "jsonq", "Job name used in metrics tags")
	fs.StringVar(&cfg.ddTagsCSV, "dd-tags", "", "Extra Datadog tags CSV (e.g. env:prod,service:jsonq)")
	fs.DurationVar(&cfg.flushEvery, "metrics-flush", time.Minute, "Metrics flush interval")

	switch cmd {
	case "normalize":
		fs.Var(&ins, "in", "Input file or directory (repeatable)")
		fs.StringVar(&cfg.pipe.Glob, "glob", pipeline.DefaultGlob, "Glob pattern when -in is a directory")
	case "gen-schema":
		fs.IntVar(&cfg.pipe.SampleMax, "sample", schemaplan.DefaultSampleMax, "Max records sampled for schema generation")
	case "build":
		fs.Var(&ins, "in", "Input file or directory (repeatable; omit to rebuild from work artifacts)")
		fs.StringVar(&cfg.pipe.Glob, "glob", pipeline.DefaultGlob, "Glob pattern when -in is a directory")
		fs.IntVar(&cfg.pipe.SampleMax, "sample", schemaplan.DefaultSampleMax, "Max records sampled for schema generation")
		fs.BoolVar(&cfg.pipe.RegenSchema, "regen-schema", false, "Regenerate the schema even if the artifact exists")
	case "query":
		fs.StringVar(&cfg.sqlText, "sql", "", "SQL to run (required)")
		fs.IntVar(&cfg.limit, "limit", 0, "Max rows to print (0 = all)")
		fs.StringVar(&cfg.format, "format", "table", "Output format: table, jsonl")
	case "export-csv":
		fs.StringVar(&cfg.sqlText, "sql", "", "SQL to run (required)")
		fs.StringVar(&cfg.outCSV, "out", "", "Output CSV path (required)")
	}

	if err := fs.Parse(rest); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}
	cfg.pipe.Inputs = ins

	switch cmd {
	case "normalize":
		if len(cfg.pipe.Inputs) == 0 {
			return runConfig{}, errors.New("missing required -in <file-or-dir>")
		}
	case "query":
		if strings.TrimSpace(cfg.sqlText) == "" {
			return runConfig{}, errors.New("missing required -sql <statement>")
		}
		if cfg.format != "table" && cfg.format != "jsonl" {
			return runConfig{}, fmt.Errorf("bad -format %q (want table or jsonl)", cfg.format)
		}
	case "export-csv":
		if strings.TrimSpace(cfg.sqlText) == "" {
			return runConfig{}, errors.New("missing required -sql <statement>")
		}
		if cfg.outCSV == "" {
			return runConfig{}, errors.New("missing required -out <path>")
		}
	}

	switch cfg.metricsBackend {
	case "none", "datadog":
	default:
		return runConfig{}, fmt.Errorf("bad -metrics-backend %q (want none or datadog)", cfg.metricsBackend)
	}

	if cfg.pipe.Engine.DSN == "" {
		if cfg.pipe.Engine.Kind != "sqlite" {
			return runConfig{}, fmt.Errorf("-dsn is required for backend %q", cfg.pipe.Engine.Kind)
		}
		cfg.pipe.Engine.DSN = filepath.Join(cfg.pipe.WorkDir, "work.db")
	}

	return cfg, nil
}
