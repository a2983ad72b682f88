package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Row is a source database row as a generic map. Numeric values decoded from
// JSON are kept as json.Number so integers above 2^53 survive a round trip;
// adapters handing us rows directly may use int64/float64/string/bool/nil.
type Row map[string]any

// DecodeRow parses a serialized row, preserving large integers exactly.
func DecodeRow(data []byte) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var row Row
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return row, nil
}

// EncodeRow serializes a row. json.Number values are written digit for digit,
// so EncodeRow(DecodeRow(b)) never loses integer precision.
func EncodeRow(row Row) ([]byte, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	return b, nil
}

// IDString extracts the client-facing object id from a row value. Buckets key
// rows by a string id; numbers are accepted and rendered in decimal.
func IDString(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case json.Number:
		return id.String(), true
	case int64:
		return strconv.FormatInt(id, 10), true
	case int:
		return strconv.Itoa(id), true
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	default:
		return "", false
	}
}

// normalizeValue maps the various numeric representations a row value can
// arrive in onto a single comparable form. Integers normalize to int64 when
// they fit, everything else numeric to float64.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// valueEqual compares two row/parameter values after normalization. nil never
// equals anything, including nil: a NULL column cannot match a bucket
// parameter.
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	na, nb := normalizeValue(a), normalizeValue(b)
	if na == nb {
		return true
	}
	// An int64 and a float64 holding the same small integer should match;
	// clients do not distinguish 1 from 1.0 in parameters.
	if ia, ok := na.(int64); ok {
		if fb, ok := nb.(float64); ok {
			return float64(ia) == fb
		}
	}
	if fa, ok := na.(float64); ok {
		if ib, ok := nb.(int64); ok {
			return fa == float64(ib)
		}
	}
	return false
}
