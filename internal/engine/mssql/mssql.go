// Package mssql implements the engine backend over SQL Server.
//
// SQL Server has no CREATE TABLE AS, so the flat table is materialized
// with SELECT ... INTO. Extraction uses JSON_VALUE for scalars and
// JSON_QUERY for structured paths.
package mssql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"jsonq/internal/engine"
	"jsonq/internal/metrics"
	"jsonq/internal/schemaplan"
)

// insertBatch is how many NDJSON lines are bound per INSERT statement.
// SQL Server caps bound parameters per statement at 2100, so stay well
// under it.
const insertBatch = 500

func init() {
	engine.Register("mssql", New)
	engine.RegisterRenderer("mssql", func(cfg engine.Config) engine.Renderer {
		return Renderer{RawTable: cfg.RawTable}
	})
}

// Renderer renders plan SQL in SQL Server dialect without a connection.
type Renderer struct {
	RawTable string
}

// RenderSelect implements engine.Renderer.
func (r Renderer) RenderSelect(plan *schemaplan.Plan) string {
	return engine.BuildSelect(plan, r.RawTable, func(e schemaplan.Entry) string {
		p := engine.QuoteString(jsonPath(e.Segments))
		if e.Kind == schemaplan.KindScalar {
			return "JSON_VALUE(raw_json, " + p + ")"
		}
		return "JSON_QUERY(raw_json, " + p + ")"
	})
}

// jsonPath renders key segments in SQL Server JSON path syntax. Every
// segment is quoted, which covers keys with dots, spaces and reserved
// words uniformly.
func jsonPath(segs []string) string {
	var b strings.Builder
	b.WriteByte('$')
	for _, s := range segs {
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, `"`, `\"`)
		b.WriteString(`."`)
		b.WriteString(s)
		b.WriteString(`"`)
	}
	return b.String()
}

// Engine is a live SQL Server connection.
type Engine struct {
	db  *sql.DB
	cfg engine.Config
	Renderer
}

// New connects to cfg.DSN (sqlserver:// URL or ADO string).
func New(ctx context.Context, cfg engine.Config) (engine.Engine, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	return &Engine{db: db, cfg: cfg, Renderer: Renderer{RawTable: cfg.RawTable}}, nil
}

func (e *Engine) Close() { _ = e.db.Close() }

// LoadRaw recreates the raw table from the NDJSON file.
func (e *Engine) LoadRaw(ctx context.Context, ndjsonPath string) (int64, error) {
	f, err := os.Open(ndjsonPath)
	if err != nil {
		return 0, fmt.Errorf("mssql: open ndjson: %w", err)
	}
	defer f.Close()

	raw := engine.QuoteIdent(e.cfg.RawTable)
	if _, err := e.db.ExecContext(ctx, dropIfExists(e.cfg.RawTable)); err != nil {
		return 0, fmt.Errorf("mssql: drop raw: %w", err)
	}
	if _, err := e.db.ExecContext(ctx, "CREATE TABLE "+raw+" (raw_json NVARCHAR(MAX) NOT NULL)"); err != nil {
		return 0, fmt.Errorf("mssql: create raw: %w", err)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mssql: begin: %w", err)
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
			fmt.Fprintf(&b, "(@p%d)", i+1)
		}
		if _, err := tx.ExecContext(ctx, b.String(), namedArgs(batch)...); err != nil {
			return fmt.Errorf("mssql: insert raw batch: %w", err)
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
		return 0, fmt.Errorf("mssql: read ndjson: %w", err)
	}
	if err := flush(); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mssql: commit raw load: %w", err)
	}
	return total, nil
}

// namedArgs binds positional values as @p1..@pN.
func namedArgs(vals []any) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = sql.Named(fmt.Sprintf("p%d", i+1), v)
	}
	return out
}

// dropIfExists renders the pre-2016-compatible conditional drop.
func dropIfExists(table string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s",
		strings.ReplaceAll(table, "'", "''"), engine.QuoteIdent(table),
	)
}

// BuildFlat materializes the flat table with SELECT ... INTO.
func (e *Engine) BuildFlat(ctx context.Context, selectSQL string) error {
	var n int64
	row := e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+engine.QuoteIdent(e.cfg.RawTable))
	if err := row.Scan(&n); err != nil {
		return fmt.Errorf("mssql: count raw: %w", err)
	}
	if n == 0 {
		return engine.ErrEmptyDataset
	}

	if _, err := e.db.ExecContext(ctx, dropIfExists(e.cfg.FlatTable)); err != nil {
		return fmt.Errorf("mssql: drop flat: %w", err)
	}
	if _, err := e.db.ExecContext(ctx, wrapSelectInto(selectSQL, e.cfg.FlatTable)); err != nil {
		return fmt.Errorf("mssql: create flat: %w", err)
	}
	return nil
}

// wrapSelectInto turns a plain SELECT into a SELECT ... INTO that
// materializes table, since SQL Server lacks CREATE TABLE AS.
func wrapSelectInto(selectSQL, table string) string {
	sel := strings.TrimRight(strings.TrimSpace(selectSQL), ";")
	return "SELECT s.* INTO " + engine.QuoteIdent(table) + " FROM (\n" + sel + "\n) AS s"
}

// ensureFlat returns ErrEmptyDataset when the flat table is missing or has
// zero rows. Ad-hoc reads run this before the caller's SQL.
func (e *Engine) ensureFlat(ctx context.Context) error {
	var n int64
	row := e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+engine.QuoteIdent(e.cfg.FlatTable))
	if err := row.Scan(&n); err != nil {
		return fmt.Errorf("mssql: flat table %s not built: %w", e.cfg.FlatTable, engine.ErrEmptyDataset)
	}
	if n == 0 {
		return fmt.Errorf("mssql: flat table %s: %w", e.cfg.FlatTable, engine.ErrEmptyDataset)
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
		return nil, nil, fmt.Errorf("mssql: query: %w", err)
	}
	defer rows.Close()

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

// ExportCSV implements engine.Engine.
func (e *Engine) ExportCSV(ctx context.Context, sqlText string, w io.Writer) error {
	if err := e.ensureFlat(ctx); err != nil {
		return err
	}
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return fmt.Errorf("mssql: query: %w", err)
	}
	defer rows.Close()

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
