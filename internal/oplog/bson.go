package oplog

import (
	"fmt"
	"math"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// MarshalBSONValue encodes the id as a BSON int64. Binary streams carry
// 64-bit integers losslessly, so they skip the string indirection the JSON
// form needs.
func (id OpID) MarshalBSONValue() (bsontype.Type, []byte, error) {
	if id > math.MaxInt64 {
		return 0, nil, fmt.Errorf("op id %d overflows int64", uint64(id))
	}
	return bson.MarshalValue(int64(id))
}

// UnmarshalBSONValue accepts BSON integers and the canonical string form.
func (id *OpID) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	rv := bson.RawValue{Type: t, Value: data}
	if v, ok := rv.AsInt64OK(); ok {
		if v < 0 {
			return fmt.Errorf("invalid op id %d", v)
		}
		*id = OpID(v)
		return nil
	}
	if s, ok := rv.StringValueOK(); ok {
		parsed, err := ParseOpID(s)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	return fmt.Errorf("invalid op id type %s", t)
}

// MarshalBSONValue encodes the checksum as a BSON int32, the same signed
// reinterpretation the JSON form uses.
func (c Checksum) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(int32(c))
}

// UnmarshalBSONValue accepts any BSON integer width.
func (c *Checksum) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	rv := bson.RawValue{Type: t, Value: data}
	v, ok := rv.AsInt64OK()
	if !ok {
		return fmt.Errorf("invalid checksum type %s", t)
	}
	*c = Checksum(uint32(v))
	return nil
}
