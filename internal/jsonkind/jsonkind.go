// Package jsonkind classifies a JSON log source from a bounded prefix so the
// normalizer can pick the right decoder.
package jsonkind

import (
	"bytes"
	"io"
	"os"
)

// Kind is the detected shape of a JSON source.
type Kind int

const (
	Unknown Kind = iota
	Array        // top-level JSON array
	Object       // single top-level JSON object
	NDJSON       // newline-delimited JSON values
)

func (k Kind) String() string {
	switch k {
	case Array:
		return "array"
	case Object:
		return "object"
	case NDJSON:
		return "ndjson"
	default:
		return "unknown"
	}
}

// PrefixSize is how many bytes of a source Detect needs at most.
const PrefixSize = 4096

// ndjsonGuessWindow bounds the best-effort NDJSON scan.
const ndjsonGuessWindow = 200

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Detect classifies a source from its first bytes.
//
// Rules:
//   - first non-whitespace byte '[' -> Array
//   - first non-whitespace byte '{' -> Object
//   - otherwise, a '{' anywhere in the first 200 bytes -> NDJSON
//   - otherwise -> Unknown
//
// Detect is a read-only probe over a prefix the caller already holds; it
// never consumes a reader.
func Detect(prefix []byte) Kind {
	p := bytes.TrimPrefix(prefix, utf8BOM)
	p = bytes.TrimLeft(p, " \t\r\n")
	if len(p) == 0 {
		return Unknown
	}
	switch p[0] {
	case '[':
		return Array
	case '{':
		return Object
	}
	window := p
	if len(window) > ndjsonGuessWindow {
		window = window[:ndjsonGuessWindow]
	}
	if bytes.IndexByte(window, '{') >= 0 {
		return NDJSON
	}
	return Unknown
}

// DetectFile classifies the file at path by reading at most PrefixSize bytes.
//
// Any read or open failure yields Unknown rather than an error; the caller's
// full read will surface real I/O problems with proper context.
func DetectFile(path string) Kind {
	f, err := os.Open(path)
	if err != nil {
		return Unknown
	}
	defer f.Close()

	buf := make([]byte, PrefixSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return Unknown
	}
	return Detect(buf[:n])
}
