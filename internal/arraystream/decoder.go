// Package arraystream incrementally decodes a top-level JSON array from a
// byte stream of unbounded size using a bounded working buffer.
//
// The decoder recovers element boundaries without materializing the whole
// document: it reads fixed-size chunks, parses one element at a time from
// the buffered remainder, and compacts the buffer after every yield so
// memory is bounded by the largest single element plus one chunk, not by
// the document size.
//
// Decoding is strictly sequential (boundary recovery cannot be
// parallelized) and single-pass: after Next returns an error other than
// io.EOF the decoder is poisoned and the source must be reopened to retry.
package arraystream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"jsonq/internal/jsonval"
)

// DefaultChunkSize is the read granularity for production use.
const DefaultChunkSize = 1 << 20 // 1 MiB

// ErrTruncated reports that the stream ended before a structurally required
// token (the opening '[', an element, or the closing ']') was seen.
// Truncation is unrecoverable; callers must not resume the decode.
var ErrTruncated = errors.New("arraystream: unexpected end of input")

// MalformedValueError reports a syntactically invalid element. It carries a
// snippet of the offending buffer for diagnostics.
type MalformedValueError struct {
	Context string
	Err     error
}

func (e *MalformedValueError) Error() string {
	return fmt.Sprintf("arraystream: malformed value near %q: %v", e.Context, e.Err)
}

func (e *MalformedValueError) Unwrap() error { return e.Err }

// Decoder pulls elements of a top-level JSON array one at a time.
//
// Zero value is not usable; construct with NewDecoder. A Decoder is not
// safe for concurrent use, matching the pull-based pipeline model: exactly
// one record is in flight at a time.
type Decoder struct {
	r         io.Reader
	chunkSize int

	buf []byte
	off int // parse position within buf
	eof bool

	started bool // opening '[' consumed
	done    bool // closing ']' consumed
	err     error

	maxBuffered int
}

// NewDecoder returns a Decoder reading the array from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, chunkSize: DefaultChunkSize}
}

// SetChunkSize overrides the read granularity. Values below 1 are clamped
// to 1. Intended for tests that exercise chunk-boundary behavior.
func (d *Decoder) SetChunkSize(n int) {
	if n < 1 {
		n = 1
	}
	d.chunkSize = n
}

// MaxBuffered reports the high-water mark of the working buffer in bytes.
// This is the instrumentation hook for the bounded-memory property: it must
// stay O(largest element + chunk size) regardless of element count.
func (d *Decoder) MaxBuffered() int { return d.maxBuffered }

// Next returns the next array element.
//
// At the end of the array Next returns io.EOF; every other error is fatal
// to the decode and sticky. Elements are decoded into the jsonval model
// with numbers kept as json.Number.
func (d *Decoder) Next() (any, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.done {
		return nil, io.EOF
	}

	if !d.started {
		if err := d.seekOpen(); err != nil {
			return nil, d.fail(err)
		}
	}

	if err := d.skipSeparators(); err != nil {
		return nil, d.fail(err)
	}

	if d.buf[d.off] == ']' {
		d.off++
		d.done = true
		return nil, io.EOF
	}

	v, err := d.parseValue()
	if err != nil {
		return nil, d.fail(err)
	}
	return v, nil
}

// fail marks the decoder poisoned. io.EOF from the happy path never routes
// through here.
func (d *Decoder) fail(err error) error {
	d.err = err
	return err
}

// seekOpen reads chunks until the first '[' and discards everything up to
// and including it.
func (d *Decoder) seekOpen() error {
	for {
		if idx := bytes.IndexByte(d.buf[d.off:], '['); idx >= 0 {
			d.off += idx + 1
			d.started = true
			return nil
		}
		d.off = len(d.buf) // nothing before '[' is kept
		if d.eof {
			return fmt.Errorf("%w: no opening bracket", ErrTruncated)
		}
		if err := d.readChunk(); err != nil {
			return err
		}
	}
}

// skipSeparators advances past whitespace and comma separators between
// elements, reading more chunks when the buffer runs dry. On return the
// buffer holds at least one significant byte at d.off.
func (d *Decoder) skipSeparators() error {
	for {
		for d.off < len(d.buf) {
			switch d.buf[d.off] {
			case ' ', '\t', '\r', '\n', ',':
				d.off++
			default:
				return nil
			}
		}
		if d.eof {
			return fmt.Errorf("%w: array not closed", ErrTruncated)
		}
		if err := d.readChunk(); err != nil {
			return err
		}
	}
}

// parseValue decodes a single element starting at d.off.
//
// On a truncation failure it appends the next chunk and retries the same
// parse attempt; consumed data is never re-scanned because nothing is
// consumed until the parse succeeds. A syntax error is final.
func (d *Decoder) parseValue() (any, error) {
	for {
		dec := json.NewDecoder(bytes.NewReader(d.buf[d.off:]))
		dec.UseNumber()

		v, err := jsonval.DecodeValue(dec)
		if err == nil {
			end := d.off + int(dec.InputOffset())

			// A scalar that runs flush to the end of the buffer may continue
			// in the next chunk (e.g. "12" then "3,"). Values ending in a
			// closing delimiter or quote are self-terminating; anything else
			// needs one more read before we can trust the boundary.
			if end == len(d.buf) && !d.eof && openEnded(d.buf[len(d.buf)-1]) {
				if rerr := d.readChunk(); rerr != nil {
					return nil, rerr
				}
				continue
			}

			d.off = end
			return v, nil
		}

		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			if d.eof {
				return nil, fmt.Errorf("%w: value cut off at end of input", ErrTruncated)
			}
			if rerr := d.readChunk(); rerr != nil {
				return nil, rerr
			}
			continue
		}

		return nil, &MalformedValueError{Context: snippet(d.buf[d.off:]), Err: err}
	}
}

// openEnded reports whether a value ending in b could continue with more
// input. '}' , ']' and '"' terminate objects, arrays and strings; numbers
// and literals have no terminator of their own.
func openEnded(b byte) bool {
	switch b {
	case '}', ']', '"':
		return false
	default:
		return true
	}
}

// readChunk compacts the consumed prefix and appends up to one chunk from
// the source. It keeps memory bounded by "unparsed remainder + chunk".
func (d *Decoder) readChunk() error {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}

	chunk := make([]byte, d.chunkSize)
	n, err := d.r.Read(chunk)
	if n > 0 {
		d.buf = append(d.buf, chunk[:n]...)
		if len(d.buf) > d.maxBuffered {
			d.maxBuffered = len(d.buf)
		}
	}
	if err == io.EOF {
		d.eof = true
		return nil
	}
	return err
}

// snippet returns a bounded prefix of b for error context.
func snippet(b []byte) string {
	const max = 40
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
