// Package codec maps structured records to and from the little-endian
// binary wire format devices speak. A record value is a map[string]any keyed
// by field name; the Schema supplies field order and wire types, so the wire
// carries no tags. Value types per field type:
//
//	Null → nil            Byte → uint8        Word → uint16
//	Dword → uint32        Qword → uint64      SignedByte → int8
//	SignedWord → int16    SignedDword → int32 SignedQword → int64
//	Single → float32      Double → float64    Boolean → bool
//	Guid → uuid.UUID      String → string     Binary → []byte
//	Array → []any         Record → map[string]any
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Serialize encodes rec against s and returns the wire bytes.
func Serialize(rec map[string]any, s Schema) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeRecord(&buf, rec, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize decodes one record of schema s from the front of data. It
// returns the record and the number of bytes consumed; trailing bytes are
// left for the caller to judge.
func Deserialize(data []byte, s Schema) (map[string]any, int, error) {
	r := &reader{data: data}
	rec, err := decodeRecord(r, s)
	if err != nil {
		return nil, 0, err
	}
	return rec, r.off, nil
}

func encodeRecord(buf *bytes.Buffer, rec map[string]any, s Schema) error {
	for i := range s {
		if err := encodeField(buf, &s[i], rec[s[i].Name]); err != nil {
			return err
		}
	}
	return nil
}

func encodeField(buf *bytes.Buffer, f *Field, v any) error {
	switch f.Type {
	case Null:
		return nil
	case Byte:
		n, ok := v.(uint8)
		if !ok {
			return badValue(f, v)
		}
		buf.WriteByte(n)
	case Word:
		n, ok := v.(uint16)
		if !ok {
			return badValue(f, v)
		}
		putU16(buf, n)
	case Dword:
		n, ok := v.(uint32)
		if !ok {
			return badValue(f, v)
		}
		putU32(buf, n)
	case Qword:
		n, ok := v.(uint64)
		if !ok {
			return badValue(f, v)
		}
		putU64(buf, n)
	case SignedByte:
		n, ok := v.(int8)
		if !ok {
			return badValue(f, v)
		}
		buf.WriteByte(uint8(n))
	case SignedWord:
		n, ok := v.(int16)
		if !ok {
			return badValue(f, v)
		}
		putU16(buf, uint16(n))
	case SignedDword:
		n, ok := v.(int32)
		if !ok {
			return badValue(f, v)
		}
		putU32(buf, uint32(n))
	case SignedQword:
		n, ok := v.(int64)
		if !ok {
			return badValue(f, v)
		}
		putU64(buf, uint64(n))
	case Single:
		n, ok := v.(float32)
		if !ok {
			return badValue(f, v)
		}
		putU32(buf, math.Float32bits(n))
	case Double:
		n, ok := v.(float64)
		if !ok {
			return badValue(f, v)
		}
		putU64(buf, math.Float64bits(n))
	case Boolean:
		b, ok := v.(bool)
		if !ok {
			return badValue(f, v)
		}
		if b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case Guid:
		switch g := v.(type) {
		case uuid.UUID:
			buf.Write(g[:])
		case []byte:
			if len(g) != 16 {
				return fmt.Errorf("%w: field %q: guid must be 16 bytes, got %d", ErrSerialize, f.Name, len(g))
			}
			buf.Write(g)
		default:
			return badValue(f, v)
		}
	case String:
		str, ok := v.(string)
		if !ok {
			return badValue(f, v)
		}
		if !utf8.ValidString(str) {
			return fmt.Errorf("%w: field %q: %w", ErrSerialize, f.Name, ErrInvalidEncoding)
		}
		if len(str) > 0xFFFF {
			return fmt.Errorf("%w: field %q: string of %d bytes exceeds u16 length", ErrSerialize, f.Name, len(str))
		}
		putU16(buf, uint16(len(str)))
		buf.WriteString(str)
	case Binary:
		raw, ok := v.([]byte)
		if !ok {
			return badValue(f, v)
		}
		if len(raw) > 0xFFFF {
			return fmt.Errorf("%w: field %q: binary of %d bytes exceeds u16 length", ErrSerialize, f.Name, len(raw))
		}
		putU16(buf, uint16(len(raw)))
		buf.Write(raw)
	case Array:
		if f.Elem == nil {
			return fmt.Errorf("%w: field %q: array without element descriptor", ErrSerialize, f.Name)
		}
		items, ok := v.([]any)
		if !ok {
			return badValue(f, v)
		}
		if len(items) > 0xFFFF {
			return fmt.Errorf("%w: field %q: array of %d elements exceeds u16 count", ErrSerialize, f.Name, len(items))
		}
		putU16(buf, uint16(len(items)))
		for _, item := range items {
			if err := encodeField(buf, f.Elem, item); err != nil {
				return err
			}
		}
	case Record:
		rec, ok := v.(map[string]any)
		if !ok {
			return badValue(f, v)
		}
		return encodeRecord(buf, rec, f.Sub)
	default:
		return fmt.Errorf("%w: field %q: unknown type %s", ErrSerialize, f.Name, f.Type)
	}
	return nil
}

func decodeRecord(r *reader, s Schema) (map[string]any, error) {
	rec := make(map[string]any, len(s))
	for i := range s {
		v, err := decodeField(r, &s[i])
		if err != nil {
			return nil, err
		}
		if s[i].Type != Null {
			rec[s[i].Name] = v
		}
	}
	return rec, nil
}

func decodeField(r *reader, f *Field) (any, error) {
	switch f.Type {
	case Null:
		return nil, nil
	case Byte:
		b, err := r.take(f, 1)
		if err != nil {
			return nil, err
		}
		return b[0], nil
	case Word:
		b, err := r.take(f, 2)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint16(b), nil
	case Dword:
		b, err := r.take(f, 4)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint32(b), nil
	case Qword:
		b, err := r.take(f, 8)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint64(b), nil
	case SignedByte:
		b, err := r.take(f, 1)
		if err != nil {
			return nil, err
		}
		return int8(b[0]), nil
	case SignedWord:
		b, err := r.take(f, 2)
		if err != nil {
			return nil, err
		}
		return int16(binary.LittleEndian.Uint16(b)), nil
	case SignedDword:
		b, err := r.take(f, 4)
		if err != nil {
			return nil, err
		}
		return int32(binary.LittleEndian.Uint32(b)), nil
	case SignedQword:
		b, err := r.take(f, 8)
		if err != nil {
			return nil, err
		}
		return int64(binary.LittleEndian.Uint64(b)), nil
	case Single:
		b, err := r.take(f, 4)
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
	case Double:
		b, err := r.take(f, 8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case Boolean:
		b, err := r.take(f, 1)
		if err != nil {
			return nil, err
		}
		// any non-zero byte counts as true
		return b[0] != 0, nil
	case Guid:
		b, err := r.take(f, 16)
		if err != nil {
			return nil, err
		}
		g, err := uuid.FromBytes(b)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrDeserialize, f.Name, err)
		}
		return g, nil
	case String:
		n, err := r.u16(f)
		if err != nil {
			return nil, err
		}
		b, err := r.take(f, int(n))
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(b) {
			return nil, fmt.Errorf("%w: field %q: %w", ErrDeserialize, f.Name, ErrInvalidEncoding)
		}
		return string(b), nil
	case Binary:
		n, err := r.u16(f)
		if err != nil {
			return nil, err
		}
		b, err := r.take(f, int(n))
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), b...), nil
	case Array:
		if f.Elem == nil {
			return nil, fmt.Errorf("%w: field %q: array without element descriptor", ErrDeserialize, f.Name)
		}
		n, err := r.u16(f)
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, n)
		for i := 0; i < int(n); i++ {
			item, err := decodeField(r, f.Elem)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case Record:
		return decodeRecord(r, f.Sub)
	default:
		return nil, fmt.Errorf("%w: field %q: unknown type %s", ErrDeserialize, f.Name, f.Type)
	}
}

func badValue(f *Field, v any) error {
	return fmt.Errorf("%w: field %q: %T does not conform to %s", ErrSerialize, f.Name, v, f.Type)
}

func putU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// reader tracks a decode cursor over the payload.
type reader struct {
	data []byte
	off  int
}

func (r *reader) take(f *Field, n int) ([]byte, error) {
	if len(r.data)-r.off < n {
		return nil, fmt.Errorf("%w: field %q: need %d bytes at offset %d, have %d",
			ErrDeserialize, f.Name, n, r.off, len(r.data)-r.off)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u16(f *Field) (uint16, error) {
	b, err := r.take(f, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}
