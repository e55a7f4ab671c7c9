// ABOUTME: CBOR value codec for stored records
// ABOUTME: Deterministic encoding so equal records produce equal bytes

package idb

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:    cbor.SortCoreDeterministic,
		Time:    cbor.TimeRFC3339Nano,
		TimeTag: cbor.EncTagRequired,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("idb: building cbor encoder: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
		TimeTag:        cbor.DecTagOptional,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("idb: building cbor decoder: %v", err))
	}
}

// EncodeValue serializes any storable value.
func EncodeValue(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	return b, nil
}

// DecodeValue parses bytes produced by EncodeValue. Maps come back as
// map[string]any and integers as int64.
func DecodeValue(b []byte) (any, error) {
	var v any
	if err := decMode.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}
	return v, nil
}

func encodeRecord(rec Record) ([]byte, error) {
	b, err := encMode.Marshal(map[string]any(rec))
	if err != nil {
		return nil, fmt.Errorf("%w: encoding record: %v", ErrData, err)
	}
	return b, nil
}

func decodeRecord(b []byte) (Record, error) {
	var m map[string]any
	if err := decMode.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return Record(m), nil
}
