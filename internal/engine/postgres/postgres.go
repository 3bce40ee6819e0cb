// Package postgres implements the engine backend over jackc/pgx.
//
// Extraction uses jsonb path operators driven by the plan's raw key
// segments rather than a JSONPath string, so keys containing dots or
// quotes need no backend-side unescaping.
package postgres

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jsonq/internal/engine"
	"jsonq/internal/metrics"
	"jsonq/internal/schemaplan"
)

// insertBatch is how many NDJSON lines are sent per batched insert.
const insertBatch = 500

func init() {
	engine.Register("postgres", New)
	engine.RegisterRenderer("postgres", func(cfg engine.Config) engine.Renderer {
		return Renderer{RawTable: cfg.RawTable}
	})
}

// Renderer renders plan SQL in Postgres dialect without a connection.
type Renderer struct {
	RawTable string
}

// RenderSelect implements engine.Renderer.
//
// Scalars use #>> (text extraction); JSON columns use #> cast to text so
// the flat table stays backend-portable text.
func (r Renderer) RenderSelect(plan *schemaplan.Plan) string {
	return engine.BuildSelect(plan, r.RawTable, func(e schemaplan.Entry) string {
		p := pathArray(e.Segments)
		if e.Kind == schemaplan.KindScalar {
			return "raw_json::jsonb #>> " + p
		}
		return "(raw_json::jsonb #> " + p + ")::text"
	})
}

// pathArray renders key segments as a text-array literal for #> / #>>.
func pathArray(segs []string) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, `"`, `\"`)
		parts[i] = `"` + s + `"`
	}
	return engine.QuoteString("{" + strings.Join(parts, ",") + "}")
}

// Engine is a live Postgres connection pool.
type Engine struct {
	pool *pgxpool.Pool
	cfg  engine.Config
	Renderer
}

// New connects a pool to cfg.DSN.
func New(ctx context.Context, cfg engine.Config) (engine.Engine, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Engine{pool: pool, cfg: cfg, Renderer: Renderer{RawTable: cfg.RawTable}}, nil
}

func (e *Engine) Close() { e.pool.Close() }

// LoadRaw recreates the raw table from the NDJSON file.
func (e *Engine) LoadRaw(ctx context.Context, ndjsonPath string) (int64, error) {
	f, err := os.Open(ndjsonPath)
	if err != nil {
		return 0, fmt.Errorf("postgres: open ndjson: %w", err)
	}
	defer f.Close()

	raw := engine.QuoteIdent(e.cfg.RawTable)
	if _, err := e.pool.Exec(ctx, "DROP TABLE IF EXISTS "+raw); err != nil {
		return 0, fmt.Errorf("postgres: drop raw: %w", err)
	}
	if _, err := e.pool.Exec(ctx, "CREATE TABLE "+raw+" (raw_json TEXT NOT NULL)"); err != nil {
		return 0, fmt.Errorf("postgres: create raw: %w", err)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var total int64
	lines := make([]string, 0, insertBatch)

	flush := func() error {
		if len(lines) == 0 {
			return nil
		}
		b := &pgx.Batch{}
		for _, line := range lines {
			b.Queue("INSERT INTO "+raw+" (raw_json) VALUES ($1)", line)
		}
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("postgres: insert raw batch: %w", err)
		}
		total += int64(len(lines))
		lines = lines[:0]
		metrics.IncCounter(metrics.MetricBatchesTotal, 1, nil)
		return nil
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == insertBatch {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("postgres: read ndjson: %w", err)
	}
	if err := flush(); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit raw load: %w", err)
	}
	return total, nil
}

// BuildFlat recreates the flat table from selectSQL.
func (e *Engine) BuildFlat(ctx context.Context, selectSQL string) error {
	var n int64
	if err := e.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+engine.QuoteIdent(e.cfg.RawTable)).Scan(&n); err != nil {
		return fmt.Errorf("postgres: count raw: %w", err)
	}
	if n == 0 {
		return engine.ErrEmptyDataset
	}

	flat := engine.QuoteIdent(e.cfg.FlatTable)
	if _, err := e.pool.Exec(ctx, "DROP TABLE IF EXISTS "+flat); err != nil {
		return fmt.Errorf("postgres: drop flat: %w", err)
	}
	sel := strings.TrimRight(strings.TrimSpace(selectSQL), ";")
	if _, err := e.pool.Exec(ctx, "CREATE TABLE "+flat+" AS "+sel); err != nil {
		return fmt.Errorf("postgres: create flat: %w", err)
	}
	return nil
}

// ensureFlat returns ErrEmptyDataset when the flat table is missing or has
// zero rows. Ad-hoc reads run this before the caller's SQL.
func (e *Engine) ensureFlat(ctx context.Context) error {
	var n int64
	if err := e.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+engine.QuoteIdent(e.cfg.FlatTable)).Scan(&n); err != nil {
		return fmt.Errorf("postgres: flat table %s not built: %w", e.cfg.FlatTable, engine.ErrEmptyDataset)
	}
	if n == 0 {
		return fmt.Errorf("postgres: flat table %s: %w", e.cfg.FlatTable, engine.ErrEmptyDataset)
	}
	return nil
}

// Query implements engine.Engine.
func (e *Engine) Query(ctx context.Context, sqlText string, limit int) ([]string, [][]any, error) {
	if err := e.ensureFlat(ctx); err != nil {
		return nil, nil, err
	}
	rows, err := e.pool.Query(ctx, sqlText)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: query: %w", err)
	}
	defer rows.Close()

	cols := columnNames(rows)
	var out [][]any
	for rows.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		vals, err := rows.Values()
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: scan: %w", err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("postgres: rows: %w", err)
	}
	return cols, out, nil
}

// ExportCSV implements engine.Engine.
func (e *Engine) ExportCSV(ctx context.Context, sqlText string, w io.Writer) error {
	if err := e.ensureFlat(ctx); err != nil {
		return err
	}
	rows, err := e.pool.Query(ctx, sqlText)
	if err != nil {
		return fmt.Errorf("postgres: query: %w", err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write(columnNames(rows)); err != nil {
		return err
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return fmt.Errorf("postgres: scan: %w", err)
		}
		record := make([]string, len(vals))
		for i, v := range vals {
			record[i] = formatValue(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: rows: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

func columnNames(rows pgx.Rows) []string {
	fds := rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = string(fd.Name)
	}
	return cols
}

func formatValue(v any) string {
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
