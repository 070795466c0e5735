package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesizeSchema(t *testing.T) {
	v := Vocab{Intent: 100, Name: "Ping", Parameters: []Parameter{
		{Type: Word, Name: "p1"},
		{Type: Byte, Name: "p2"},
	}}
	s, err := SynthesizeSchema(v)
	require.NoError(t, err)
	require.Len(t, s, 2)
	assert.Equal(t, Field{Name: "p1", Type: Word}, s[0])
	assert.Equal(t, Field{Name: "p2", Type: Byte}, s[1])

	// the synthesized schema decodes a raw payload into a name→value map
	rec, n, err := Deserialize([]byte{0xCD, 0xAB, 0xFF}, s)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, map[string]any{"p1": uint16(0xABCD), "p2": uint8(0xFF)}, rec)
}

func TestSynthesizeSchema_RejectsArrayParameter(t *testing.T) {
	v := Vocab{Intent: 100, Name: "Bad", Parameters: []Parameter{
		{Type: Array, Name: "items"},
	}}
	_, err := SynthesizeSchema(v)
	assert.ErrorIs(t, err, ErrUnsupportedSchema)
}

func TestRegistry_AddAndLookup(t *testing.T) {
	r := NewRegistry()
	err := r.Add([]Vocab{
		{Intent: 100, Name: "Ping", Parameters: []Parameter{{Type: Word, Name: "p1"}}},
		{Intent: 101, Name: "Reset"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	s, ok := r.Lookup("Ping")
	require.True(t, ok)
	assert.Len(t, s, 1)

	name, s, ok := r.ByIntent(100)
	require.True(t, ok)
	assert.Equal(t, "Ping", name)
	assert.Len(t, s, 1)

	_, _, ok = r.ByIntent(999)
	assert.False(t, ok)
}

func TestRegistry_FirstRegistrationWins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add([]Vocab{
		{Intent: 100, Name: "Ping", Parameters: []Parameter{{Type: Word, Name: "p1"}}},
	}))
	// same name again with a different shape: ignored
	require.NoError(t, r.Add([]Vocab{
		{Intent: 200, Name: "Ping", Parameters: []Parameter{{Type: Byte, Name: "x"}, {Type: Byte, Name: "y"}}},
	}))
	s, ok := r.Lookup("Ping")
	require.True(t, ok)
	assert.Len(t, s, 1)
	assert.Equal(t, "p1", s[0].Name)

	// the original intent mapping survives too
	name, _, ok := r.ByIntent(100)
	require.True(t, ok)
	assert.Equal(t, "Ping", name)
}

func TestRegistry_RejectsArrayDeclaration(t *testing.T) {
	r := NewRegistry()
	err := r.Add([]Vocab{
		{Intent: 100, Name: "Bad", Parameters: []Parameter{{Type: Array, Name: "items"}}},
	})
	assert.ErrorIs(t, err, ErrUnsupportedSchema)
}
