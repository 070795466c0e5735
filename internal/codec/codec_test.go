package codec

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixtureSchema mirrors the historical reference record used to pin the wire
// format: scalars, strings, an array of records and two GUID renditions.
var fixtureSchema = Schema{
	{Name: "byte_prop", Type: Byte},
	{Name: "word_prop", Type: Word},
	{Name: "dword_prop", Type: Dword},
	{Name: "bool_prop", Type: Boolean},
	{Name: "false_prop", Type: Boolean},
	{Name: "str_prop", Type: String},
	{Name: "arr_prop", Type: Array, Elem: &Field{Type: Record, Sub: Schema{{Name: "sword_prop", Type: SignedWord}}}},
	{Name: "guid_prop", Type: Guid},
	{Name: "aguid_prop", Type: Guid},
}

var fixtureWire = []byte{
	0xAB,
	0xCD, 0xAB,
	0x78, 0x56, 0x34, 0x12,
	0x01,
	0x00,
	0x03, 0x00, 'a', 'b', 'c',
	0x02, 0x00, 0x00, 0xFC, 0x00, 0xE0,
	0xFA, 0x8A, 0x9D, 0x6E, 0x65, 0x55, 0x11, 0xE2, 0x89, 0xB8, 0xE0, 0xCB, 0x4E, 0xB9, 0x21, 0x29,
	0xFA, 0x8A, 0x9D, 0x6E, 0x65, 0x55, 0x11, 0xE2, 0x89, 0xB8, 0xE0, 0xCB, 0x4E, 0xB9, 0x21, 0x29,
}

func fixtureRecord(t *testing.T) map[string]any {
	t.Helper()
	guid := uuid.MustParse("fa8a9d6e-6555-11e2-89b8-e0cb4eb92129")
	return map[string]any{
		"byte_prop":  uint8(0xAB),
		"word_prop":  uint16(0xABCD),
		"dword_prop": uint32(0x12345678),
		"bool_prop":  true,
		"false_prop": false,
		"str_prop":   "abc",
		"arr_prop": []any{
			map[string]any{"sword_prop": int16(-1024)},
			map[string]any{"sword_prop": int16(-8192)},
		},
		"guid_prop":  guid,
		"aguid_prop": guid[:],
	}
}

func TestSerialize_Fixture(t *testing.T) {
	wire, err := Serialize(fixtureRecord(t), fixtureSchema)
	require.NoError(t, err)
	assert.Equal(t, fixtureWire, wire)
}

func TestDeserialize_Fixture(t *testing.T) {
	rec, n, err := Deserialize(fixtureWire, fixtureSchema)
	require.NoError(t, err)
	assert.Equal(t, len(fixtureWire), n)
	assert.Equal(t, uint8(0xAB), rec["byte_prop"])
	assert.Equal(t, uint16(0xABCD), rec["word_prop"])
	assert.Equal(t, uint32(0x12345678), rec["dword_prop"])
	assert.Equal(t, true, rec["bool_prop"])
	assert.Equal(t, false, rec["false_prop"])
	assert.Equal(t, "abc", rec["str_prop"])

	arr := rec["arr_prop"].([]any)
	require.Len(t, arr, 2)
	assert.Equal(t, int16(-1024), arr[0].(map[string]any)["sword_prop"])
	assert.Equal(t, int16(-8192), arr[1].(map[string]any)["sword_prop"])

	guid := uuid.MustParse("fa8a9d6e-6555-11e2-89b8-e0cb4eb92129")
	assert.Equal(t, guid, rec["guid_prop"])
	assert.Equal(t, guid, rec["aguid_prop"])
}

func TestGuid_WireLayout(t *testing.T) {
	// a UUID must serialize to its textual byte order, MSB first
	s := Schema{{Name: "id", Type: Guid}}
	wire, err := Serialize(map[string]any{"id": uuid.MustParse("fa8a9d6e-6555-11e2-89b8-e0cb4eb92129")}, s)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0xFA, 0x8A, 0x9D, 0x6E, 0x65, 0x55, 0x11, 0xE2,
		0x89, 0xB8, 0xE0, 0xCB, 0x4E, 0xB9, 0x21, 0x29,
	}, wire)
}

func TestRoundTrip_AllScalarTypes(t *testing.T) {
	s := Schema{
		{Name: "null", Type: Null},
		{Name: "b", Type: Byte},
		{Name: "w", Type: Word},
		{Name: "dw", Type: Dword},
		{Name: "qw", Type: Qword},
		{Name: "sb", Type: SignedByte},
		{Name: "sw", Type: SignedWord},
		{Name: "sdw", Type: SignedDword},
		{Name: "sqw", Type: SignedQword},
		{Name: "f32", Type: Single},
		{Name: "f64", Type: Double},
		{Name: "ok", Type: Boolean},
		{Name: "id", Type: Guid},
		{Name: "s", Type: String},
		{Name: "raw", Type: Binary},
	}
	rec := map[string]any{
		"b":   uint8(0x7F),
		"w":   uint16(0xBEEF),
		"dw":  uint32(0xDEADBEEF),
		"qw":  uint64(0x0102030405060708),
		"sb":  int8(-5),
		"sw":  int16(-30000),
		"sdw": int32(-2000000000),
		"sqw": int64(-9000000000000000000),
		"f32": float32(3.5),
		"f64": float64(-0.25),
		"ok":  true,
		"id":  uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff"),
		"s":   "żółw", // exercises multi-byte utf-8
		"raw": []byte{0x00, 0xC5, 0xC3, 0xFF},
	}
	wire, err := Serialize(rec, s)
	require.NoError(t, err)
	got, n, err := Deserialize(wire, s)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	for k, v := range rec {
		assert.Equal(t, v, got[k], "field %s", k)
	}
}

func TestRoundTrip_ArrayVariants(t *testing.T) {
	tests := []struct {
		name string
		s    Schema
		v    map[string]any
	}{
		{
			name: "empty",
			s:    Schema{{Name: "a", Type: Array, Elem: &Field{Type: Word}}},
			v:    map[string]any{"a": []any{}},
		},
		{
			name: "primitives",
			s:    Schema{{Name: "a", Type: Array, Elem: &Field{Type: Word}}},
			v:    map[string]any{"a": []any{uint16(1), uint16(2), uint16(3)}},
		},
		{
			name: "strings",
			s:    Schema{{Name: "a", Type: Array, Elem: &Field{Type: String}}},
			v:    map[string]any{"a": []any{"x", "", "yz"}},
		},
		{
			name: "nested_records",
			s: Schema{{Name: "a", Type: Array, Elem: &Field{Type: Record, Sub: Schema{
				{Name: "n", Type: String},
				{Name: "inner", Type: Array, Elem: &Field{Type: Byte}},
			}}}},
			v: map[string]any{"a": []any{
				map[string]any{"n": "one", "inner": []any{uint8(1)}},
				map[string]any{"n": "two", "inner": []any{}},
			}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := Serialize(tc.v, tc.s)
			require.NoError(t, err)
			got, n, err := Deserialize(wire, tc.s)
			require.NoError(t, err)
			assert.Equal(t, len(wire), n)
			assert.Equal(t, tc.v, got)
		})
	}
}

func TestDeserialize_BooleanAnyNonZeroIsTrue(t *testing.T) {
	s := Schema{{Name: "ok", Type: Boolean}}
	rec, _, err := Deserialize([]byte{0x02}, s)
	require.NoError(t, err)
	assert.Equal(t, true, rec["ok"])
}

func TestDeserialize_Errors(t *testing.T) {
	tests := []struct {
		name string
		s    Schema
		data []byte
		want error
	}{
		{"premature_end_scalar", Schema{{Name: "w", Type: Word}}, []byte{0x01}, ErrDeserialize},
		{"premature_end_string", Schema{{Name: "s", Type: String}}, []byte{0x05, 0x00, 'a'}, ErrDeserialize},
		{"premature_end_array", Schema{{Name: "a", Type: Array, Elem: &Field{Type: Dword}}}, []byte{0x02, 0x00, 0x01}, ErrDeserialize},
		{"invalid_utf8", Schema{{Name: "s", Type: String}}, []byte{0x02, 0x00, 0xFF, 0xFE}, ErrInvalidEncoding},
		{"unknown_type", Schema{{Name: "x", Type: DataType(42)}}, []byte{0x00}, ErrDeserialize},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Deserialize(tc.data, tc.s)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSerialize_Errors(t *testing.T) {
	tests := []struct {
		name string
		s    Schema
		v    map[string]any
		want error
	}{
		{"wrong_scalar_type", Schema{{Name: "w", Type: Word}}, map[string]any{"w": int(5)}, ErrSerialize},
		{"missing_field", Schema{{Name: "w", Type: Word}}, map[string]any{}, ErrSerialize},
		{"guid_wrong_len", Schema{{Name: "id", Type: Guid}}, map[string]any{"id": []byte{1, 2, 3}}, ErrSerialize},
		{"array_not_slice", Schema{{Name: "a", Type: Array, Elem: &Field{Type: Byte}}}, map[string]any{"a": uint8(1)}, ErrSerialize},
		{"element_mismatch", Schema{{Name: "a", Type: Array, Elem: &Field{Type: Byte}}}, map[string]any{"a": []any{uint16(1)}}, ErrSerialize},
		{"invalid_utf8", Schema{{Name: "s", Type: String}}, map[string]any{"s": string([]byte{0xFF, 0xFE})}, ErrInvalidEncoding},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Serialize(tc.v, tc.s)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDeserialize_ReportsConsumed(t *testing.T) {
	s := Schema{{Name: "b", Type: Byte}}
	rec, n, err := Deserialize([]byte{0x42, 0xDE, 0xAD}, s)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint8(0x42), rec["b"])
}

func FuzzDeserialize(f *testing.F) {
	wire, _ := Serialize(map[string]any{
		"w": uint16(7), "s": "hi", "a": []any{uint8(1), uint8(2)},
	}, Schema{
		{Name: "w", Type: Word},
		{Name: "s", Type: String},
		{Name: "a", Type: Array, Elem: &Field{Type: Byte}},
	})
	f.Add(wire)
	f.Add([]byte{0xFF, 0xFF})
	f.Fuzz(func(t *testing.T, data []byte) {
		s := Schema{
			{Name: "w", Type: Word},
			{Name: "s", Type: String},
			{Name: "a", Type: Array, Elem: &Field{Type: Record, Sub: Schema{{Name: "g", Type: Guid}}}},
			{Name: "raw", Type: Binary},
		}
		_, _, _ = Deserialize(data, s)
	})
}

func BenchmarkSerializeFixture(b *testing.B) {
	guid := uuid.MustParse("fa8a9d6e-6555-11e2-89b8-e0cb4eb92129")
	rec := map[string]any{
		"byte_prop":  uint8(0xAB),
		"word_prop":  uint16(0xABCD),
		"dword_prop": uint32(0x12345678),
		"bool_prop":  true,
		"false_prop": false,
		"str_prop":   "abc",
		"arr_prop": []any{
			map[string]any{"sword_prop": int16(-1024)},
			map[string]any{"sword_prop": int16(-8192)},
		},
		"guid_prop":  guid,
		"aguid_prop": guid[:],
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Serialize(rec, fixtureSchema); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDeserializeFixture(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, _, err := Deserialize(fixtureWire, fixtureSchema); err != nil {
			b.Fatal(err)
		}
	}
}
