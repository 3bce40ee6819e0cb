// Package jsonval defines the JSON value model shared by the decoder,
// the normalizer, and the path walker.
//
// A decoded value is one of:
//   - nil          (JSON null)
//   - bool         (JSON true/false)
//   - json.Number  (JSON number; kept textual to avoid float drift)
//   - string       (JSON string)
//   - []any        (JSON array)
//   - *Object      (JSON object, key insertion order preserved)
//
// The model is intentionally closed: every consumer switches exhaustively
// over these six kinds. We do not use map[string]any for objects because
// the extraction plan is ordered by first discovery, which requires the
// object's own key order to survive decoding.
package jsonval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Object is a JSON object whose keys keep their insertion order.
//
// Keys are unique within one object: Set on an existing key overwrites the
// value in place and does not move the key.
type Object struct {
	keys   []string
	fields map[string]any
}

// NewObject returns an empty ordered object.
func NewObject() *Object {
	return &Object{fields: make(map[string]any)}
}

// Set stores v under k, appending k to the key order when it is new.
func (o *Object) Set(k string, v any) {
	if _, ok := o.fields[k]; !ok {
		o.keys = append(o.keys, k)
	}
	o.fields[k] = v
}

// Get returns the value stored under k.
func (o *Object) Get(k string) (any, bool) {
	v, ok := o.fields[k]
	return v, ok
}

// Keys returns the key order. The returned slice is owned by the object;
// callers must not mutate it.
func (o *Object) Keys() []string { return o.keys }

// Len returns the number of members.
func (o *Object) Len() int { return len(o.keys) }

// MarshalJSON renders the object compactly in key insertion order, without
// escaping non-ASCII or HTML characters.
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeTrimmed(&buf, enc, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := encodeTrimmed(&buf, enc, o.fields[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// encodeTrimmed encodes v into buf and drops the newline json.Encoder appends.
func encodeTrimmed(buf *bytes.Buffer, enc *json.Encoder, v any) error {
	if err := enc.Encode(v); err != nil {
		return err
	}
	b := buf.Bytes()
	if len(b) > 0 && b[len(b)-1] == '\n' {
		buf.Truncate(len(b) - 1)
	}
	return nil
}

// IsScalar reports whether v is a leaf value under the flattening policy:
// null, boolean, number, or string.
func IsScalar(v any) bool {
	switch v.(type) {
	case nil, bool, json.Number, string, float64:
		// float64 cannot come out of our own decoder (UseNumber), but callers
		// may hand-build values; treat it as the number it is.
		return true
	default:
		return false
	}
}

// DecodeValue reads exactly one JSON value from dec into the jsonval model.
//
// The decoder should have UseNumber set; ParseValue and the streaming array
// decoder both arrange that. Truncated input surfaces as io.EOF or
// io.ErrUnexpectedEOF from the underlying decoder, which callers use to
// distinguish "need more bytes" from malformed syntax.
func DecodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return materialize(dec, tok)
}

// materialize builds a value given its first token has been read.
func materialize(dec *json.Decoder, tok json.Token) (any, error) {
	d, ok := tok.(json.Delim)
	if !ok {
		// Scalar token: nil, bool, json.Number, or string.
		return tok, nil
	}

	switch d {
	case '{':
		obj := NewObject()
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			k, ok := kt.(string)
			if !ok {
				return nil, fmt.Errorf("jsonval: object key not a string (got %T)", kt)
			}
			vt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			v, err := materialize(dec, vt)
			if err != nil {
				return nil, err
			}
			obj.Set(k, v)
		}
		if err := expectDelim(dec, '}'); err != nil {
			return nil, err
		}
		return obj, nil

	case '[':
		arr := []any{}
		for dec.More() {
			vt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			v, err := materialize(dec, vt)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if err := expectDelim(dec, ']'); err != nil {
			return nil, err
		}
		return arr, nil

	default:
		return nil, fmt.Errorf("jsonval: unexpected delimiter %q", d)
	}
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok != want {
		return fmt.Errorf("jsonval: expected %q, got %v", want, tok)
	}
	return nil
}

// ParseValue decodes one complete JSON value from data.
//
// Trailing non-whitespace content is an error; this is the contract NDJSON
// line parsing needs (one value per line, nothing else).
func ParseValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := DecodeValue(dec)
	if err != nil {
		return nil, err
	}
	if tok, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("jsonval: trailing data after value (next token %v, err %v)", tok, err)
	}
	return v, nil
}

// EncodeLine writes the compact encoding of v followed by a newline.
//
// Non-ASCII and HTML characters are written as-is; embedded newlines cannot
// occur in compact encoding, so the output is always exactly one line.
func EncodeLine(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// EncodeCompact returns the compact single-line encoding of v without the
// trailing newline.
func EncodeCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeLine(&buf, v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
