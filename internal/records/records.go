// Package records turns a JSON log source of any supported shape into a
// single pull-based record stream.
//
// A source is one of:
//   - a top-level JSON array, streamed element by element
//   - a single top-level JSON object, yielded as one record
//   - NDJSON, one value per line with tolerant skipping
//
// The shape is sniffed from a bounded prefix. Sources that sniff as
// unknown are read with the tolerant NDJSON reader, so a file with no
// recognizable JSON yields zero records rather than an error.
package records

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"jsonq/internal/arraystream"
	"jsonq/internal/jsonkind"
	"jsonq/internal/jsonval"
)

// Scanner limits for the NDJSON reader. A single record line may be large;
// 16 MiB covers any log line seen in practice while still bounding memory.
const (
	scanInitialBuf = 64 * 1024
	scanMaxLine    = 16 * 1024 * 1024
)

// Stats describes what a finished or in-progress stream has produced.
type Stats struct {
	Records      int // values yielded
	SkippedLines int // NDJSON lines dropped as malformed
}

// Stream yields decoded records from one source until io.EOF.
type Stream struct {
	kind  jsonkind.Kind
	next  func() (any, error)
	stats Stats
	c     io.Closer
}

// Kind reports the sniffed shape of the source.
func (s *Stream) Kind() jsonkind.Kind { return s.kind }

// Stats reports counts so far. Final after Next has returned io.EOF.
func (s *Stream) Stats() Stats { return s.stats }

// Next returns the next record, or io.EOF when the source is exhausted.
func (s *Stream) Next() (any, error) {
	v, err := s.next()
	if err != nil {
		return nil, err
	}
	s.stats.Records++
	return v, nil
}

// Close releases the underlying source, if any.
func (s *Stream) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}

// Open sniffs and streams the file at path.
func Open(path string) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("records: %w", err)
	}

	br := bufio.NewReaderSize(decodeText(f), scanInitialBuf)
	prefix, perr := br.Peek(jsonkind.PrefixSize)
	if perr != nil && perr != io.EOF && perr != bufio.ErrBufferFull {
		f.Close()
		return nil, fmt.Errorf("records: read %s: %w", path, perr)
	}

	s := FromReader(br, jsonkind.Detect(prefix))
	s.c = f
	return s, nil
}

// FromReader streams records of the given shape from r. The reader must
// already be decoded text; use Open for files so byte order marks and
// UTF-16 are handled.
func FromReader(r io.Reader, kind jsonkind.Kind) *Stream {
	s := &Stream{kind: kind}
	switch kind {
	case jsonkind.Array:
		dec := arraystream.NewDecoder(r)
		s.next = dec.Next
	case jsonkind.Object:
		s.next = objectOnce(r)
	default:
		// NDJSON and unknown: tolerant line reader.
		s.next = lineReader(r, &s.stats)
	}
	return s
}

// objectOnce yields the whole document as a single record, then io.EOF.
func objectOnce(r io.Reader) func() (any, error) {
	done := false
	return func() (any, error) {
		if done {
			return nil, io.EOF
		}
		done = true
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("records: read object source: %w", err)
		}
		v, err := jsonval.ParseValue(data)
		if err != nil {
			return nil, fmt.Errorf("records: parse object source: %w", err)
		}
		return v, nil
	}
}

// lineReader yields one value per non-blank line, counting malformed lines
// in stats instead of failing.
func lineReader(r io.Reader, stats *Stats) func() (any, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, scanInitialBuf), scanMaxLine)
	return func() (any, error) {
		for sc.Scan() {
			line := sc.Bytes()
			if isBlank(line) {
				continue
			}
			v, err := jsonval.ParseValue(line)
			if err != nil {
				stats.SkippedLines++
				continue
			}
			return v, nil
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("records: scan lines: %w", err)
		}
		return nil, io.EOF
	}
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

// decodeText normalizes the byte stream to UTF-8: a UTF-8 BOM is stripped
// and UTF-16 input (either endianness, BOM-marked) is transcoded.
func decodeText(r io.Reader) io.Reader {
	return transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
}
