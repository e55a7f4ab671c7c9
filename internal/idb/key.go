// ABOUTME: Order-preserving key encoding for the record store
// ABOUTME: Normalizes Go values to store keys and compares them byte-wise

package idb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"time"
)

// EncodedKey is the order-preserving byte form of a key.
// bytes.Compare on two EncodedKeys orders them like the keys themselves.
type EncodedKey []byte

// Compare orders k against other.
func (k EncodedKey) Compare(other EncodedKey) int {
	return bytes.Compare(k, other)
}

const (
	tagEnd    byte = 0x00
	tagNumber byte = 0x10
	tagDate   byte = 0x20
	tagString byte = 0x30
	tagBinary byte = 0x40
	tagArray  byte = 0x50
)

// NormalizeKey converts v into a canonical key value: float64, time.Time,
// string, []byte or []any of keys. Integers of any width become float64.
func NormalizeKey(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil is not a valid key", ErrData)
	case float64:
		if math.IsNaN(x) {
			return nil, fmt.Errorf("%w: NaN is not a valid key", ErrData)
		}
		return x, nil
	case float32:
		return NormalizeKey(float64(x))
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case string:
		return x, nil
	case []byte:
		return x, nil
	case time.Time:
		return x, nil
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			n, err := NormalizeKey(el)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			n, err := NormalizeKey(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %T is not a valid key", ErrData, v)
}

// EncodeKey normalizes v and returns its order-preserving encoding.
func EncodeKey(v any) (EncodedKey, error) {
	n, err := NormalizeKey(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	appendKey(&buf, n)
	return EncodedKey(buf.Bytes()), nil
}

// MustEncodeKey is EncodeKey for keys known to be valid.
func MustEncodeKey(v any) EncodedKey {
	k, err := EncodeKey(v)
	if err != nil {
		panic(err)
	}
	return k
}

func appendKey(buf *bytes.Buffer, v any) {
	switch x := v.(type) {
	case float64:
		buf.WriteByte(tagNumber)
		appendFloat(buf, x)
	case time.Time:
		buf.WriteByte(tagDate)
		appendFloat(buf, float64(x.UnixMilli()))
	case string:
		buf.WriteByte(tagString)
		appendEscaped(buf, []byte(x))
	case []byte:
		buf.WriteByte(tagBinary)
		appendEscaped(buf, x)
	case []any:
		buf.WriteByte(tagArray)
		for _, el := range x {
			appendKey(buf, el)
		}
		buf.WriteByte(tagEnd)
	}
}

// appendFloat writes f so that unsigned big-endian order matches numeric order.
func appendFloat(buf *bytes.Buffer, f float64) {
	if f == 0 {
		f = 0 // fold -0 into +0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	buf.Write(b[:])
}

// appendEscaped writes 0x00 as 0x00 0xFF and terminates with 0x00 0x01.
func appendEscaped(buf *bytes.Buffer, p []byte) {
	for _, c := range p {
		buf.WriteByte(c)
		if c == 0x00 {
			buf.WriteByte(0xFF)
		}
	}
	buf.WriteByte(0x00)
	buf.WriteByte(0x01)
}

// DecodeKey reverses EncodeKey.
func DecodeKey(k EncodedKey) (any, error) {
	v, rest, err := decodeKey(k)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after key", ErrData, len(rest))
	}
	return v, nil
}

func decodeKey(p []byte) (any, []byte, error) {
	if len(p) == 0 {
		return nil, nil, fmt.Errorf("%w: empty key", ErrData)
	}
	tag, p := p[0], p[1:]
	switch tag {
	case tagNumber, tagDate:
		if len(p) < 8 {
			return nil, nil, fmt.Errorf("%w: short number key", ErrData)
		}
		bits := binary.BigEndian.Uint64(p[:8])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		f := math.Float64frombits(bits)
		if tag == tagDate {
			return time.UnixMilli(int64(f)).UTC(), p[8:], nil
		}
		return f, p[8:], nil
	case tagString, tagBinary:
		raw, rest, err := readEscaped(p)
		if err != nil {
			return nil, nil, err
		}
		if tag == tagString {
			return string(raw), rest, nil
		}
		return raw, rest, nil
	case tagArray:
		out := []any{}
		for {
			if len(p) == 0 {
				return nil, nil, fmt.Errorf("%w: unterminated array key", ErrData)
			}
			if p[0] == tagEnd {
				return out, p[1:], nil
			}
			el, rest, err := decodeKey(p)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, el)
			p = rest
		}
	}
	return nil, nil, fmt.Errorf("%w: unknown key tag 0x%02x", ErrData, tag)
}

func readEscaped(p []byte) ([]byte, []byte, error) {
	var out []byte
	for i := 0; i < len(p); i++ {
		if p[i] != 0x00 {
			out = append(out, p[i])
			continue
		}
		if i+1 >= len(p) {
			break
		}
		switch p[i+1] {
		case 0x01:
			if out == nil {
				out = []byte{}
			}
			return out, p[i+2:], nil
		case 0xFF:
			out = append(out, 0x00)
			i++
		default:
			return nil, nil, fmt.Errorf("%w: bad escape in key", ErrData)
		}
	}
	return nil, nil, fmt.Errorf("%w: unterminated string key", ErrData)
}
