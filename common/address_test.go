package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressText(t *testing.T) {
	var a Address
	for i := range a {
		a[i] = byte(i)
	}

	s := a.String()
	require.Len(t, s, 58)

	parsed, err := ParseAddress(s)
	require.NoError(t, err)
	require.Equal(t, a, parsed)

	text, err := a.MarshalText()
	require.NoError(t, err)
	var b Address
	require.NoError(t, b.UnmarshalText(text))
	require.Equal(t, a, b)

	flipped := []byte(s)
	if flipped[10] == 'Q' {
		flipped[10] = 'R'
	} else {
		flipped[10] = 'Q'
	}
	_, err = ParseAddress(string(flipped))
	require.Error(t, err)
	_, err = ParseAddress("not an address")
	require.Error(t, err)
}

func TestAddressFromBytes(t *testing.T) {
	a := Address{9, 9, 9}
	b, err := AddressFromBytes(a.Bytes())
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.False(t, b.IsZero())

	_, err = AddressFromBytes([]byte{1, 2})
	require.Error(t, err)
	require.True(t, Address{}.IsZero())
}

func TestAmountString(t *testing.T) {
	require.Equal(t, "0.000001 ALGO", Amount(1).String())
	require.Equal(t, "2.500000 ALGO", Amount(2_500_000).String())
}
