// Package schemaplan builds an ordered extraction plan from a sample of
// decoded records.
//
// The plan is the contract between the normalizer and a SQL engine: one
// entry per output column, scalar columns first in discovery order, then
// JSON columns in discovery order. Column names derive from the JSONPath
// and can collide after sanitization; collisions keep the first path and
// drop later ones, and the plan reports every drop.
package schemaplan

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"jsonq/internal/flatten"
	"jsonq/internal/jsonval"
)

// DefaultSampleMax bounds how many records inform the plan.
const DefaultSampleMax = 20000

// Kind classifies a plan entry.
type Kind string

const (
	KindScalar Kind = "scalar" // extracted as text
	KindJSON   Kind = "json"   // kept as a JSON column
)

// Entry is one output column of the flattened extraction.
type Entry struct {
	Path     string   // JSONPath within the record, e.g. $.a."x y".c
	Segments []string // raw key segments, e.g. [a, x y, c]
	Kind     Kind
	Column   string // sanitized SQL identifier, unique within the plan
}

// Collision records a path whose sanitized column name was already taken.
// The earlier path keeps the column; this one is dropped from the plan.
type Collision struct {
	Column  string
	Kept    string
	Dropped string
}

// Plan is the ordered set of extraction columns plus any naming collisions
// encountered while building it.
type Plan struct {
	Entries    []Entry
	Collisions []Collision

	// Sampled is how many records informed the plan.
	Sampled int
}

// RecordSource yields decoded records. io.EOF ends the stream.
type RecordSource interface {
	Next() (any, error)
}

// Builder accumulates records and produces a Plan. The zero value samples
// up to DefaultSampleMax records.
type Builder struct {
	SampleMax int

	acc     flatten.Accumulator
	sampled int
}

// Add feeds one record into the sample. It reports false once the sample
// cap is reached and the record was ignored.
func (b *Builder) Add(v any) bool {
	if b.sampled >= b.max() {
		return false
	}
	b.acc.Observe(v)
	b.sampled++
	return true
}

// SampleStream feeds records from src until io.EOF or the sample cap.
func (b *Builder) SampleStream(src RecordSource) error {
	for b.sampled < b.max() {
		v, err := src.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		b.acc.Observe(v)
		b.sampled++
	}
	return nil
}

func (b *Builder) max() int {
	if b.SampleMax > 0 {
		return b.SampleMax
	}
	return DefaultSampleMax
}

// Plan resolves the accumulated paths into the final column list.
//
// Order is scalar paths in discovery order, then structured paths in
// discovery order with a "__json" column suffix. The suffix keeps a path
// observed both ways as two distinct columns. Column names are claimed
// first come first served across the whole plan.
func (b *Builder) Plan() *Plan {
	p := &Plan{Sampled: b.sampled}
	claimed := make(map[string]string) // column -> path that owns it

	add := func(path string, segs []string, kind Kind, col string) {
		if owner, taken := claimed[col]; taken {
			p.Collisions = append(p.Collisions, Collision{Column: col, Kept: owner, Dropped: path})
			return
		}
		claimed[col] = path
		p.Entries = append(p.Entries, Entry{Path: path, Segments: segs, Kind: kind, Column: col})
	}

	for _, path := range b.acc.Scalar.Paths() {
		add(path, b.acc.Scalar.Segments(path), KindScalar, flatten.ColumnName(path))
	}
	for _, path := range b.acc.Structured.Paths() {
		add(path, b.acc.Structured.Segments(path), KindJSON, flatten.ColumnName(path)+"__json")
	}
	return p
}

// SampleNDJSON builds a plan from the first records of an NDJSON file.
// Blank lines are skipped; a malformed line is skipped without consuming
// sample budget, matching the tolerant read used at normalize time.
func SampleNDJSON(path string, sampleMax int) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("schemaplan: open sample source: %w", err)
	}
	defer f.Close()

	b := &Builder{SampleMax: sampleMax}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if isBlank(line) {
			continue
		}
		v, err := jsonval.ParseValue(line)
		if err != nil {
			continue
		}
		if !b.Add(v) {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("schemaplan: read sample source: %w", err)
	}
	return b.Plan(), nil
}

func isBlank(b []byte) bool {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
		default:
			return false
		}
	}
	return true
}
