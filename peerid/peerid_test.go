package peerid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilIsInvalid(t *testing.T) {
	assert.False(t, Nil.IsValid())
}

func TestNewIsValidAndUnique(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)

	assert.True(t, a.IsValid())
	assert.True(t, b.IsValid())
	assert.NotEqual(t, a, b)
}

func TestStringRoundTrip(t *testing.T) {
	id := ID{High: 0x0123456789abcdef, Low: 0xfedcba9876543210}
	s := id.String()
	assert.Equal(t, "0123456789abcdef:fedcba9876543210", s)
	assert.Equal(t, id, Parse(s))
}

func TestParseMalformedIsNil(t *testing.T) {
	assert.Equal(t, Nil, Parse(""))
	assert.Equal(t, Nil, Parse("not-hex:also-not"))
	assert.Equal(t, Nil, Parse("nocolon"))
}

func TestOrdering(t *testing.T) {
	a := ID{High: 1, Low: 5}
	b := ID{High: 1, Low: 10}
	c := ID{High: 2, Low: 0}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, 1, c.Compare(a))
}

func TestChecksumDeterministic(t *testing.T) {
	id := ID{High: 42, Low: 7}
	assert.Equal(t, id.Checksum(), id.Checksum())

	other := ID{High: 42, Low: 8}
	assert.NotEqual(t, id.Checksum(), other.Checksum())
}
