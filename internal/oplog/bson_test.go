package oplog

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"
)

func TestOpIDBSONRoundTrip(t *testing.T) {
	type doc struct {
		ID OpID `bson:"id"`
	}
	// Above 2^53: the value JSON numbers cannot carry.
	in := doc{ID: 9007199254740993}
	b, err := bson.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	raw := bson.Raw(b)
	v, ok := raw.Lookup("id").AsInt64OK()
	if !ok || v != 9007199254740993 {
		t.Fatalf("encoded id = %v (ok=%v), want int64 9007199254740993", v, ok)
	}

	var out doc
	if err := bson.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID != in.ID {
		t.Fatalf("round trip = %d, want %d", out.ID, in.ID)
	}
}

func TestOpIDBSONAcceptsStringForm(t *testing.T) {
	b, err := bson.Marshal(bson.M{"id": "42"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out struct {
		ID OpID `bson:"id"`
	}
	if err := bson.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID != 42 {
		t.Fatalf("id = %d, want 42", out.ID)
	}
}

func TestChecksumBSONStaysInt32(t *testing.T) {
	type doc struct {
		C Checksum `bson:"c"`
	}
	in := doc{C: 0xFFFFFFFF}
	b, err := bson.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	raw := bson.Raw(b)
	v, ok := raw.Lookup("c").Int32OK()
	if !ok || v != -1 {
		t.Fatalf("encoded checksum = %v (ok=%v), want int32 -1", v, ok)
	}

	var out doc
	if err := bson.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.C != in.C {
		t.Fatalf("round trip = %d, want %d", out.C, in.C)
	}
}
