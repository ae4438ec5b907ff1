package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXorSelfIsZero(t *testing.T) {
	a, err := Random()
	require.NoError(t, err)
	require.Equal(t, Zero, a.Xor(a))
}

func TestCompareOrdering(t *testing.T) {
	var a, b ID
	a[19] = 1
	b[19] = 2
	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Equal(t, 0, a.Compare(a))
	require.True(t, a.Less(b))
}

func TestMidpointOfFullRange(t *testing.T) {
	var max ID
	for i := range max {
		max[i] = 0xff
	}
	mid := Midpoint(Zero, max)
	// (0 + (2^160 - 1)) >> 1 == 2^159 - 1, i.e. 0x7fff...ff
	var want ID
	want[0] = 0x7f
	for i := 1; i < Size; i++ {
		want[i] = 0xff
	}
	require.Equal(t, want, mid)
}

func TestMidpointCarryNotLost(t *testing.T) {
	// a = b = max: a + b overflows 160 bits; midpoint must still equal max.
	var max ID
	for i := range max {
		max[i] = 0xff
	}
	mid := Midpoint(max, max)
	require.Equal(t, max, mid)
}

func TestDivideByTwo(t *testing.T) {
	var four ID
	four[19] = 4
	var two ID
	two[19] = 2
	require.Equal(t, two, four.DivideByTwo())
}

func TestFromHexRoundTrip(t *testing.T) {
	id, err := Random()
	require.NoError(t, err)
	parsed, err := FromHex(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	_, err := FromBytes(make([]byte, 10))
	require.Error(t, err)
}
