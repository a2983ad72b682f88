package oplog

import (
	"encoding/json"
	"testing"
)

func TestOpIDWireForm(t *testing.T) {
	tests := []struct {
		name string
		id   OpID
		want string
	}{
		{"zero", 0, `"0"`},
		{"small", 42, `"42"`},
		{"above float53", 1 << 60, `"1152921504606846976"`},
		{"max", ^OpID(0), `"18446744073709551615"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.id)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(b) != tt.want {
				t.Errorf("marshal = %s, want %s", b, tt.want)
			}

			var back OpID
			if err := json.Unmarshal(b, &back); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if back != tt.id {
				t.Errorf("round trip = %d, want %d", back, tt.id)
			}
		})
	}
}

func TestOpIDUnmarshalBareNumber(t *testing.T) {
	var id OpID
	if err := json.Unmarshal([]byte(`12345`), &id); err != nil {
		t.Fatalf("unmarshal bare number: %v", err)
	}
	if id != 12345 {
		t.Errorf("id = %d, want 12345", id)
	}
}

func TestParseOpID(t *testing.T) {
	tests := []struct {
		in      string
		want    OpID
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"987654321", 987654321, false},
		{"-1", 0, true},
		{"12.5", 0, true},
		{"abc", 0, true},
		{"18446744073709551616", 0, true}, // one past uint64 max
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOpID(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseOpID(%q) succeeded, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOpID(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseOpID(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
