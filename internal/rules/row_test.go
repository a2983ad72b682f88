package rules

import (
	"encoding/json"
	"testing"
)

func TestRowRoundTripPreservesBigInts(t *testing.T) {
	in := []byte(`{"id":"r1","counter":9007199254740993,"nested":{"v":18446744073709551615}}`)
	row, err := DecodeRow(in)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, err := EncodeRow(row)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var a, b map[string]json.RawMessage
	if err := json.Unmarshal(in, &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(out, &b); err != nil {
		t.Fatal(err)
	}
	if string(a["counter"]) != string(b["counter"]) {
		t.Errorf("counter %s became %s", a["counter"], b["counter"])
	}
}

func TestIDString(t *testing.T) {
	tests := []struct {
		name   string
		in     any
		want   string
		wantOK bool
	}{
		{"string", "abc", "abc", true},
		{"empty string", "", "", false},
		{"json number", json.Number("123"), "123", true},
		{"int64", int64(7), "7", true},
		{"float", 2.5, "2.5", true},
		{"nil", nil, "", false},
		{"bool", true, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := IDString(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("IDString(%v) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestValueEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"strings", "x", "x", true},
		{"string mismatch", "x", "y", false},
		{"number forms", json.Number("5"), int64(5), true},
		{"int float", int64(3), float64(3), true},
		{"float int", json.Number("3.0"), int64(3), true},
		{"bools", true, true, true},
		{"nil never matches", nil, nil, false},
		{"nil vs value", nil, "x", false},
		{"big numbers", json.Number("9007199254740993"), int64(9007199254740993), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := valueEqual(tt.a, tt.b); got != tt.want {
				t.Errorf("valueEqual(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
