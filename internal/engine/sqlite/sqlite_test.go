package sqlite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"jsonq/internal/engine"
	"jsonq/internal/jsonval"
	"jsonq/internal/schemaplan"
)

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	// A file DSN, not :memory:: the database/sql pool may open more than
	// one connection and each in-memory connection gets its own database.
	dsn := filepath.Join(t.TempDir(), "test.db")
	e, err := engine.Open(context.Background(), engine.Config{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func writeNDJSON(t *testing.T, lines ...string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "all.ndjson")
	if err := os.WriteFile(p, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write ndjson: %v", err)
	}
	return p
}

func planFor(t *testing.T, records ...string) *schemaplan.Plan {
	t.Helper()
	var b schemaplan.Builder
	for _, r := range records {
		v, err := jsonval.ParseValue([]byte(r))
		if err != nil {
			t.Fatalf("ParseValue(%q) err=%v", r, err)
		}
		b.Add(v)
	}
	return b.Plan()
}

func TestRenderSelect(t *testing.T) {
	t.Parallel()

	plan := planFor(t, `{"a": 1, "b": {"c": "x"}, "d": [1]}`)
	r := Renderer{RawTable: "raw"}

	got := r.RenderSelect(plan)
	want := strings.Join([]string{
		"SELECT",
		"  raw_json,",
		`  CAST(json_extract(raw_json, '$.a') AS TEXT) AS "a",`,
		`  CAST(json_extract(raw_json, '$.b.c') AS TEXT) AS "b__c",`,
		`  json_extract(raw_json, '$.b') AS "b__json",`,
		`  json_extract(raw_json, '$.d') AS "d__json"`,
		"FROM raw",
	}, "\n")
	if got != want {
		t.Fatalf("RenderSelect() =\n%s\nwant:\n%s", got, want)
	}
}

func TestLoadBuildQueryCycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := newTestEngine(t)

	lines := []string{
		`{"a":1,"b":{"c":"x"},"d":[1,2]}`,
		`{"a":2,"b":{"c":"y"}}`,
		``, // blank lines in the NDJSON are ignored
		`{"a":3}`,
	}
	n, err := e.LoadRaw(ctx, writeNDJSON(t, lines...))
	if err != nil {
		t.Fatalf("LoadRaw() err=%v", err)
	}
	if n != 3 {
		t.Fatalf("LoadRaw() = %d rows, want 3", n)
	}

	plan := planFor(t, lines[0], lines[1], lines[3])
	if err := e.BuildFlat(ctx, e.RenderSelect(plan)); err != nil {
		t.Fatalf("BuildFlat() err=%v", err)
	}

	cols, rows, err := e.Query(ctx, `SELECT a, b__c, d__json FROM flat ORDER BY a`, 0)
	if err != nil {
		t.Fatalf("Query() err=%v", err)
	}
	if len(cols) != 3 || cols[0] != "a" || cols[1] != "b__c" || cols[2] != "d__json" {
		t.Fatalf("cols = %v", cols)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}

	// Scalars extract as text.
	if got := asString(rows[0][0]); got != "1" {
		t.Fatalf("row 0 a = %q, want \"1\"", got)
	}
	if got := asString(rows[0][1]); got != "x" {
		t.Fatalf("row 0 b__c = %q, want \"x\"", got)
	}
	if got := asString(rows[0][2]); got != "[1,2]" {
		t.Fatalf("row 0 d__json = %q, want \"[1,2]\"", got)
	}

	// Paths absent from a record extract as NULL.
	if rows[2][1] != nil {
		t.Fatalf("row 2 b__c = %#v, want nil", rows[2][1])
	}
}

func TestQueryLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := newTestEngine(t)
	lines := []string{`{"a":1}`, `{"a":2}`, `{"a":3}`}
	if _, err := e.LoadRaw(ctx, writeNDJSON(t, lines...)); err != nil {
		t.Fatalf("LoadRaw() err=%v", err)
	}
	if err := e.BuildFlat(ctx, e.RenderSelect(planFor(t, lines...))); err != nil {
		t.Fatalf("BuildFlat() err=%v", err)
	}

	_, rows, err := e.Query(ctx, `SELECT a FROM flat`, 2)
	if err != nil {
		t.Fatalf("Query() err=%v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want limit of 2", len(rows))
	}
}

func TestQueryBeforeBuildIsEmptyDataset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := newTestEngine(t)
	if _, err := e.LoadRaw(ctx, writeNDJSON(t, `{"a":1}`)); err != nil {
		t.Fatalf("LoadRaw() err=%v", err)
	}

	if _, _, err := e.Query(ctx, `SELECT 1`, 0); !errors.Is(err, engine.ErrEmptyDataset) {
		t.Fatalf("Query() err=%v, want ErrEmptyDataset", err)
	}
	var buf bytes.Buffer
	if err := e.ExportCSV(ctx, `SELECT 1`, &buf); !errors.Is(err, engine.ErrEmptyDataset) {
		t.Fatalf("ExportCSV() err=%v, want ErrEmptyDataset", err)
	}
}

func TestBuildFlat_EmptyDataset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := newTestEngine(t)
	if _, err := e.LoadRaw(ctx, writeNDJSON(t, "")); err != nil {
		t.Fatalf("LoadRaw() err=%v", err)
	}

	err := e.BuildFlat(ctx, e.RenderSelect(planFor(t)))
	if !errors.Is(err, engine.ErrEmptyDataset) {
		t.Fatalf("BuildFlat() err=%v, want ErrEmptyDataset", err)
	}
}

func TestExportCSV(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := newTestEngine(t)
	lines := []string{
		`{"name":"with,comma","n":1}`,
		`{"name":"plain","n":2}`,
	}
	if _, err := e.LoadRaw(ctx, writeNDJSON(t, lines...)); err != nil {
		t.Fatalf("LoadRaw() err=%v", err)
	}
	if err := e.BuildFlat(ctx, e.RenderSelect(planFor(t, lines...))); err != nil {
		t.Fatalf("BuildFlat() err=%v", err)
	}

	var buf bytes.Buffer
	if err := e.ExportCSV(ctx, `SELECT name, n FROM flat ORDER BY n`, &buf); err != nil {
		t.Fatalf("ExportCSV() err=%v", err)
	}

	want := "name,n\n\"with,comma\",1\nplain,2\n"
	if buf.String() != want {
		t.Fatalf("ExportCSV() = %q, want %q", buf.String(), want)
	}
}

func TestLoadRaw_ReloadReplaces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := newTestEngine(t)
	if _, err := e.LoadRaw(ctx, writeNDJSON(t, `{"a":1}`, `{"a":2}`)); err != nil {
		t.Fatalf("first LoadRaw() err=%v", err)
	}
	n, err := e.LoadRaw(ctx, writeNDJSON(t, `{"a":9}`))
	if err != nil {
		t.Fatalf("second LoadRaw() err=%v", err)
	}
	if n != 1 {
		t.Fatalf("second LoadRaw() = %d, want 1", n)
	}

	if err := e.BuildFlat(ctx, e.RenderSelect(planFor(t, `{"a":9}`))); err != nil {
		t.Fatalf("BuildFlat() err=%v", err)
	}
	_, rows, err := e.Query(ctx, `SELECT COUNT(*) FROM raw`, 0)
	if err != nil {
		t.Fatalf("Query() err=%v", err)
	}
	if got := asString(rows[0][0]); got != "1" {
		t.Fatalf("raw count = %v, want 1", rows[0][0])
	}
}

func TestLoadRaw_BatchBoundary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// More lines than one insert batch.
	var lines []string
	for i := 0; i < insertBatch+7; i++ {
		lines = append(lines, fmt.Sprintf(`{"i":%d}`, i))
	}

	e := newTestEngine(t)
	n, err := e.LoadRaw(ctx, writeNDJSON(t, lines...))
	if err != nil {
		t.Fatalf("LoadRaw() err=%v", err)
	}
	if n != int64(insertBatch+7) {
		t.Fatalf("LoadRaw() = %d, want %d", n, insertBatch+7)
	}
}

// asString normalizes driver value representations for assertions.
func asString(v any) string {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
