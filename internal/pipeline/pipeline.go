// Package pipeline drives the end-to-end flow: expand inputs, normalize
// them into one NDJSON file, derive the extraction plan from a sample, and
// materialize raw and flat tables in the configured engine.
//
// Each step is callable on its own so the CLI subcommands map one-to-one,
// and Build chains them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jsonq/internal/engine"
	"jsonq/internal/inputs"
	"jsonq/internal/jsonval"
	"jsonq/internal/metrics"
	"jsonq/internal/records"
	"jsonq/internal/schemaplan"
)

// Defaults for the working directory layout.
const (
	DefaultWorkDir    = "staging"
	DefaultNDJSONName = "all.ndjson"
	DefaultSchemaName = "flat_select.sql"
	DefaultGlob       = "*.json"
)

// ErrNoInputs reports that input expansion produced no files.
var ErrNoInputs = errors.New("pipeline: no input files found")

// Config parameterizes a run.
type Config struct {
	Inputs []string
	Glob   string

	WorkDir    string
	NDJSONName string
	SchemaName string

	SampleMax   int
	RegenSchema bool

	Engine engine.Config
}

func (c Config) withDefaults() Config {
	if c.Glob == "" {
		c.Glob = DefaultGlob
	}
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
	if c.NDJSONName == "" {
		c.NDJSONName = DefaultNDJSONName
	}
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
	}
	if c.SampleMax <= 0 {
		c.SampleMax = schemaplan.DefaultSampleMax
	}
	return c
}

// NDJSONPath is the normalized output file within the working directory.
func (c Config) NDJSONPath() string {
	c = c.withDefaults()
	return filepath.Join(c.WorkDir, c.NDJSONName)
}

// SchemaPath is the rendered extraction SELECT within the working
// directory.
func (c Config) SchemaPath() string {
	c = c.withDefaults()
	return filepath.Join(c.WorkDir, c.SchemaName)
}

// NormalizeResult summarizes one normalize step.
type NormalizeResult struct {
	Files        []string
	Missing      []string
	Records      int
	SkippedLines int
	OutputPath   string
}

// Normalize expands inputs and rewrites every record as one compact NDJSON
// line in the working directory.
func Normalize(ctx context.Context, cfg Config) (res *NormalizeResult, err error) {
	cfg = cfg.withDefaults()
	defer stepTimer("normalize", &err)()

	files, missing, err := inputs.Expand(cfg.Inputs, cfg.Glob)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoInputs
	}

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create work dir: %w", err)
	}
	out, err := os.Create(cfg.NDJSONPath())
	if err != nil {
		return nil, fmt.Errorf("pipeline: create ndjson: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("pipeline: close ndjson: %w", cerr)
		}
	}()

	res = &NormalizeResult{Files: files, Missing: missing, OutputPath: cfg.NDJSONPath()}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := normalizeFile(f, out, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// normalizeFile streams one source into the NDJSON writer.
func normalizeFile(path string, out *os.File, res *NormalizeResult) error {
	s, err := records.Open(path)
	if err != nil {
		return err
	}
	defer s.Close()

	for {
		v, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("pipeline: %s: %w", path, err)
		}
		if err := jsonval.EncodeLine(out, v); err != nil {
			return fmt.Errorf("pipeline: write ndjson: %w", err)
		}
	}

	st := s.Stats()
	res.Records += st.Records
	res.SkippedLines += st.SkippedLines
	metrics.RecordRecords(s.Kind().String(), st.Records)
	return nil
}

// SchemaResult summarizes one gen-schema step.
type SchemaResult struct {
	Plan       *schemaplan.Plan
	SQL        string
	OutputPath string
}

// GenSchema samples the normalized NDJSON and writes the extraction SELECT
// for the configured engine dialect. It needs no database connection.
func GenSchema(ctx context.Context, cfg Config) (res *SchemaResult, err error) {
	cfg = cfg.withDefaults()
	defer stepTimer("gen_schema", &err)()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ndjson := cfg.NDJSONPath()
	if _, err := os.Stat(ndjson); err != nil {
		return nil, fmt.Errorf("pipeline: ndjson not found at %s (run normalize first): %w", ndjson, err)
	}

	plan, err := schemaplan.SampleNDJSON(ndjson, cfg.SampleMax)
	if err != nil {
		return nil, err
	}

	r, err := engine.NewRenderer(cfg.Engine)
	if err != nil {
		return nil, err
	}
	sqlText := r.RenderSelect(plan)

	outPath := cfg.SchemaPath()
	if err := os.WriteFile(outPath, []byte(sqlText+";\n"), 0o644); err != nil {
		return nil, fmt.Errorf("pipeline: write schema: %w", err)
	}
	return &SchemaResult{Plan: plan, SQL: sqlText, OutputPath: outPath}, nil
}

// LoadSchema reads a previously rendered extraction SELECT.
func LoadSchema(cfg Config) (string, error) {
	cfg = cfg.withDefaults()
	b, err := os.ReadFile(cfg.SchemaPath())
	if err != nil {
		return "", fmt.Errorf("pipeline: read schema: %w", err)
	}
	return strings.TrimRight(strings.TrimSpace(string(b)), ";"), nil
}

// BuildResult summarizes a full build.
type BuildResult struct {
	Normalize  *NormalizeResult
	Schema     *SchemaResult
	RowsLoaded int64
}

// Build runs normalize, gen-schema, raw load and flat materialization
// against the configured engine.
func Build(ctx context.Context, cfg Config) (*BuildResult, error) {
	cfg = cfg.withDefaults()

	nres, err := Normalize(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sres, err := GenSchema(ctx, cfg)
	if err != nil {
		return nil, err
	}

	eng, err := engine.Open(ctx, cfg.Engine)
	if err != nil {
		return nil, err
	}
	defer eng.Close()

	rows, err := loadRaw(ctx, eng, nres.OutputPath)
	if err != nil {
		return nil, err
	}
	if err := buildFlat(ctx, eng, sres.SQL); err != nil {
		return nil, err
	}
	return &BuildResult{Normalize: nres, Schema: sres, RowsLoaded: rows}, nil
}

// Rebuild materializes raw and flat tables from existing artifacts,
// regenerating the schema first when cfg.RegenSchema is set or no schema
// file exists yet.
func Rebuild(ctx context.Context, cfg Config) (rows int64, sqlText string, err error) {
	cfg = cfg.withDefaults()

	if _, err := os.Stat(cfg.NDJSONPath()); err != nil {
		return 0, "", fmt.Errorf("pipeline: ndjson not found at %s (run normalize first): %w", cfg.NDJSONPath(), err)
	}

	if cfg.RegenSchema {
		sres, gerr := GenSchema(ctx, cfg)
		if gerr != nil {
			return 0, "", gerr
		}
		sqlText = sres.SQL
	} else {
		sqlText, err = LoadSchema(cfg)
		if errors.Is(err, os.ErrNotExist) {
			sres, gerr := GenSchema(ctx, cfg)
			if gerr != nil {
				return 0, "", gerr
			}
			sqlText = sres.SQL
		} else if err != nil {
			return 0, "", err
		}
	}

	eng, err := engine.Open(ctx, cfg.Engine)
	if err != nil {
		return 0, "", err
	}
	defer eng.Close()

	if rows, err = loadRaw(ctx, eng, cfg.NDJSONPath()); err != nil {
		return 0, "", err
	}
	if err = buildFlat(ctx, eng, sqlText); err != nil {
		return 0, "", err
	}
	return rows, sqlText, nil
}

func loadRaw(ctx context.Context, eng engine.Engine, ndjsonPath string) (n int64, err error) {
	defer stepTimer("load_raw", &err)()
	return eng.LoadRaw(ctx, ndjsonPath)
}

func buildFlat(ctx context.Context, eng engine.Engine, sqlText string) (err error) {
	defer stepTimer("build_flat", &err)()
	return eng.BuildFlat(ctx, sqlText)
}

// stepTimer emits the step counter and duration sample when the deferred
// function runs; *errp selects the status label.
func stepTimer(step string, errp *error) func() {
	start := time.Now()
	return func() {
		status := "ok"
		if errp != nil && *errp != nil {
			status = "error"
		}
		metrics.RecordStep(step, status, time.Since(start).Seconds())
	}
}
