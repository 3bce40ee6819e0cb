// Package engine abstracts the tabular SQL backend that consumes the
// normalized NDJSON and the extraction plan.
//
// A backend provides two independent capabilities:
//   - a Renderer, which turns a plan into backend dialect SQL and needs no
//     database connection
//   - an Engine, which loads raw records, materializes the flat table and
//     serves queries over a live connection
//
// Backends self-register from init() in their own package; importing
// engine/all links every built-in backend.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"jsonq/internal/schemaplan"
)

// Default table names within a backend database.
const (
	DefaultRawTable  = "raw"
	DefaultFlatTable = "flat"
)

// ErrEmptyDataset reports that a table the operation depends on holds no
// records: BuildFlat returns it for an empty raw table, Query and ExportCSV
// for a missing or empty flat table.
var ErrEmptyDataset = errors.New("engine: empty dataset")

// Config selects and parameterizes a backend.
type Config struct {
	Kind string // registered backend kind, e.g. "sqlite"
	DSN  string

	// RawTable and FlatTable override the default table names.
	RawTable  string
	FlatTable string
}

func (c Config) withDefaults() Config {
	if c.RawTable == "" {
		c.RawTable = DefaultRawTable
	}
	if c.FlatTable == "" {
		c.FlatTable = DefaultFlatTable
	}
	return c
}

// Renderer turns an extraction plan into backend dialect SQL.
type Renderer interface {
	// RenderSelect returns the flat extraction SELECT over the raw table:
	// the verbatim raw_json column first, then one expression per plan
	// entry, in plan order.
	RenderSelect(plan *schemaplan.Plan) string
}

// Engine is a live backend connection.
type Engine interface {
	Renderer

	Close()

	// LoadRaw recreates the raw table from the NDJSON file at path and
	// returns the number of rows loaded.
	LoadRaw(ctx context.Context, ndjsonPath string) (int64, error)

	// BuildFlat recreates the flat table from selectSQL. Returns
	// ErrEmptyDataset when the raw table has no rows.
	BuildFlat(ctx context.Context, selectSQL string) error

	// Query runs sqlText and returns column names and up to limit rows
	// (limit <= 0 means all rows).
	Query(ctx context.Context, sqlText string, limit int) ([]string, [][]any, error)

	// ExportCSV runs sqlText and writes the result as CSV with a header
	// row.
	ExportCSV(ctx context.Context, sqlText string, w io.Writer) error
}

type (
	// Factory builds a connected Engine.
	Factory func(ctx context.Context, cfg Config) (Engine, error)

	// RendererFactory builds an offline Renderer.
	RendererFactory func(cfg Config) Renderer
)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
	renderers = map[string]RendererFactory{}
)

// Register registers an engine backend under kind. Registering the same
// kind twice panics so an ambiguous backend selection fails at startup.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if kind == "" {
		panic("engine: Register called with empty kind")
	}
	if f == nil {
		panic("engine: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("engine: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// RegisterRenderer registers the offline renderer for kind.
func RegisterRenderer(kind string, f RendererFactory) {
	mu.Lock()
	defer mu.Unlock()
	if kind == "" {
		panic("engine: RegisterRenderer called with empty kind")
	}
	if f == nil {
		panic("engine: RegisterRenderer called with nil factory")
	}
	if _, exists := renderers[kind]; exists {
		panic(fmt.Sprintf("engine: renderer already registered for kind=%q", kind))
	}
	renderers[kind] = f
}

// Open connects the backend registered under cfg.Kind.
func Open(ctx context.Context, cfg Config) (Engine, error) {
	if cfg.Kind == "" {
		return nil, errors.New("engine: missing backend kind")
	}
	mu.RLock()
	f, ok := factories[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("engine: unsupported backend %q (have %s)", cfg.Kind, strings.Join(Kinds(), ", "))
	}
	return f(ctx, cfg.withDefaults())
}

// NewRenderer builds the offline renderer registered under cfg.Kind.
func NewRenderer(cfg Config) (Renderer, error) {
	if cfg.Kind == "" {
		return nil, errors.New("engine: missing backend kind")
	}
	mu.RLock()
	f, ok := renderers[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("engine: unsupported backend %q (have %s)", cfg.Kind, strings.Join(Kinds(), ", "))
	}
	return f(cfg.withDefaults()), nil
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// BuildSelect assembles the flat extraction SELECT shared by every backend:
// raw_json verbatim, then one aliased expression per entry in plan order.
// exprFor supplies the backend dialect extraction expression for one entry.
func BuildSelect(plan *schemaplan.Plan, rawTable string, exprFor func(schemaplan.Entry) string) string {
	exprs := make([]string, 0, 1+len(plan.Entries))
	exprs = append(exprs, "raw_json")
	for _, e := range plan.Entries {
		exprs = append(exprs, exprFor(e)+" AS "+QuoteIdent(e.Column))
	}
	return "SELECT\n  " + strings.Join(exprs, ",\n  ") + "\nFROM " + rawTable
}

// QuoteIdent double-quotes a SQL identifier. Plan columns are already
// sanitized to word characters; quoting guards reserved words.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// QuoteString single-quotes a SQL string literal.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
