// Package sqlite implements the engine backend over modernc.org/sqlite.
//
// SQLite is the default backend: a DSN is just a file path (or :memory:),
// and json_extract is built in, which makes it the zero-setup choice for
// local log digging.
package sqlite

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"jsonq/internal/engine"
	"jsonq/internal/metrics"
	"jsonq/internal/schemaplan"
)

// insertBatch is how many NDJSON lines are bound per INSERT statement.
const insertBatch = 500

func init() {
	engine.Register("sqlite", New)
	engine.RegisterRenderer("sqlite", func(cfg engine.Config) engine.Renderer {
		return Renderer{RawTable: cfg.RawTable}
	})
}

// Renderer renders plan SQL in SQLite dialect without a connection.
type Renderer struct {
	RawTable string
}

// RenderSelect implements engine.Renderer.
//
// Scalars extract as CAST(... AS TEXT) so every scalar column has a uniform
// type regardless of what mix of values the path held; JSON columns keep
// the raw extraction.
func (r Renderer) RenderSelect(plan *schemaplan.Plan) string {
	return engine.BuildSelect(plan, r.RawTable, func(e schemaplan.Entry) string {
		x := "json_extract(raw_json, " + engine.QuoteString(e.Path) + ")"
		if e.Kind == schemaplan.KindScalar {
			return "CAST(" + x + " AS TEXT)"
		}
		return x
	})
}

// Engine is a live SQLite connection.
type Engine struct {
	db  *sql.DB
	cfg engine.Config
	Renderer
}

// New opens (and creates, if needed) the database at cfg.DSN.
func New(ctx context.Context, cfg engine.Config) (engine.Engine, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.DSN, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &Engine{db: db, cfg: cfg, Renderer: Renderer{RawTable: cfg.RawTable}}, nil
}

func (e *Engine) Close() { _ = e.db.Close() }

// LoadRaw recreates the raw table from the NDJSON file: one TEXT column,
// one row per line, inserted in batches inside a single transaction.
func (e *Engine) LoadRaw(ctx context.Context, ndjsonPath string) (int64, error) {
	f, err := os.Open(ndjsonPath)
	if err != nil {
		return 0, fmt.Errorf("sqlite: open ndjson: %w", err)
	}
	defer f.Close()

	raw := engine.QuoteIdent(e.cfg.RawTable)
	if _, err := e.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+raw); err != nil {
		return 0, fmt.Errorf("sqlite: drop raw: %w", err)
	}
	if _, err := e.db.ExecContext(ctx, "CREATE TABLE "+raw+" (raw_json TEXT NOT NULL)"); err != nil {
		return 0, fmt.Errorf("sqlite: create raw: %w", err)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var total int64
	batch := make([]any, 0, insertBatch)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		var b strings.Builder
		b.WriteString("INSERT INTO ")
		b.WriteString(raw)
		b.WriteString(" (raw_json) VALUES ")
		for i := range batch {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(?)")
		}
		if _, err := tx.ExecContext(ctx, b.String(), batch...); err != nil {
			return fmt.Errorf("sqlite: insert raw batch: %w", err)
		}
		total += int64(len(batch))
		batch = batch[:0]
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
		batch = append(batch, line)
		if len(batch) == insertBatch {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("sqlite: read ndjson: %w", err)
	}
	if err := flush(); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit raw load: %w", err)
	}
	return total, nil
}

// BuildFlat recreates the flat table from selectSQL.
func (e *Engine) BuildFlat(ctx context.Context, selectSQL string) error {
	var n int64
	row := e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+engine.QuoteIdent(e.cfg.RawTable))
	if err := row.Scan(&n); err != nil {
		return fmt.Errorf("sqlite: count raw: %w", err)
	}
	if n == 0 {
		return engine.ErrEmptyDataset
	}

	flat := engine.QuoteIdent(e.cfg.FlatTable)
	if _, err := e.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+flat); err != nil {
		return fmt.Errorf("sqlite: drop flat: %w", err)
	}
	if _, err := e.db.ExecContext(ctx, "CREATE TABLE "+flat+" AS "+strings.TrimRight(strings.TrimSpace(selectSQL), ";")); err != nil {
		return fmt.Errorf("sqlite: create flat: %w", err)
	}
	return nil
}

// ensureFlat returns ErrEmptyDataset when the flat table is missing or has
// zero rows. Ad-hoc reads run this before the caller's SQL.
func (e *Engine) ensureFlat(ctx context.Context) error {
	var n int64
	row := e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+engine.QuoteIdent(e.cfg.FlatTable))
	if err := row.Scan(&n); err != nil {
		return fmt.Errorf("sqlite: flat table %s not built: %w", e.cfg.FlatTable, engine.ErrEmptyDataset)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: flat table %s: %w", e.cfg.FlatTable, engine.ErrEmptyDataset)
	}
	return nil
}

// Query implements engine.Engine.
func (e *Engine) Query(ctx context.Context, sqlText string, limit int) ([]string, [][]any, error) {
	if err := e.ensureFlat(ctx); err != nil {
		return nil, nil, err
	}
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, limit)
}

// ExportCSV implements engine.Engine.
func (e *Engine) ExportCSV(ctx context.Context, sqlText string, w io.Writer) error {
	if err := e.ensureFlat(ctx); err != nil {
		return err
	}
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()
	return writeCSV(rows, w)
}

// scanRows drains rows into generic values.
func scanRows(rows *sql.Rows, limit int) ([]string, [][]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]any
	for rows.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		out = append(out, vals)
	}
	return cols, out, rows.Err()
}

// writeCSV streams rows as CSV with a header line.
func writeCSV(rows *sql.Rows, w io.Writer) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return err
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	record := make([]string, len(cols))

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		for i, v := range vals {
			record[i] = formatValue(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// formatValue renders one SQL value as CSV text. NULL becomes the empty
// string.
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
