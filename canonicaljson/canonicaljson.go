// Package canonicaljson implements the one normative interop surface of
// the crypto engine: a byte-deterministic JSON serialisation used for
// signing and hashing. Object keys are sorted by Unicode code point, the
// output carries no insignificant whitespace, and it is encoded as UTF-8.
// NaN and Infinity are rejected, as they have no JSON representation.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/tidwall/sjson"
)

// ErrNonFiniteNumber is returned by canonicalise when a decoded value
// contains a NaN or Infinity float, which has no canonical JSON
// representation. Marshal and MarshalForSigning encode their input with
// encoding/json first, which already fails on such floats, so for Go
// float inputs they return that wrapped encoding/json error instead.
var ErrNonFiniteNumber = errors.New("canonicaljson: NaN and Infinity cannot be encoded")

// Marshal returns the canonical JSON encoding of v: object keys sorted,
// no insignificant whitespace, UTF-8 bytes.
func Marshal(v interface{}) ([]byte, error) {
	// round-trip through encoding/json first so arbitrary Go values
	// (structs, maps of any key type, etc.) become the generic
	// map[string]interface{}/[]interface{} shape canonicalise() expects.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: marshal: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicaljson: round-trip: %w", err)
	}

	canonical, err := canonicalise(generic)
	if err != nil {
		return nil, err
	}

	return encode(canonical)
}

// MarshalForSigning returns the canonical JSON encoding of v with its
// "signatures" and "unsigned" fields removed first, as required before
// computing or verifying a signature over a JSON object per the wire
// format's canonical JSON rule.
func MarshalForSigning(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: marshal: %w", err)
	}

	stripped, err := sjson.DeleteBytes(raw, "signatures")
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: strip signatures: %w", err)
	}

	stripped, err = sjson.DeleteBytes(stripped, "unsigned")
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: strip unsigned: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(stripped, &generic); err != nil {
		return nil, fmt.Errorf("canonicaljson: round-trip: %w", err)
	}

	canonical, err := canonicalise(generic)
	if err != nil {
		return nil, err
	}

	return encode(canonical)
}

// canonicalise walks a decoded JSON value, rejecting non-finite floats.
// Key ordering is handled at encode time by sorting map keys, since Go's
// decoded map already lost the original source order.
func canonicalise(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, ErrNonFiniteNumber
		}
		return val, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			c, err := canonicalise(child)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			c, err := canonicalise(child)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		return v, nil
	}
}

// encode writes v as compact JSON with object keys sorted by Unicode
// code point. encoding/json already sorts map[string]interface{} keys
// by Go string ordering when marshalling a map, which is exactly
// code-point order, so the only remaining job is disabling HTML
// escaping's effect on byte stability and trimming the trailing newline
// Encoder always appends.
func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicaljson: encode: %w", err)
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
