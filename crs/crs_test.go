package crs

import (
	"context"
	"testing"

	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"
)

const testDegree = 4

func rootCRS(t *testing.T) *CRS {
	t.Helper()
	raw, err := Root(testDegree)
	require.NoError(t, err)
	c, err := NewPairingValidator().ValidateStructure(context.Background(), raw)
	require.NoError(t, err)
	return c
}

func contribute(t *testing.T, prior *CRS) (*RawContribution, *Contribution) {
	t.Helper()
	raw, err := Contribute(prior, random.New())
	require.NoError(t, err)
	c, err := NewPairingValidator().ValidateExtends(context.Background(), raw, prior)
	require.NoError(t, err)
	return raw, c
}

func TestRoot(t *testing.T) {
	root := rootCRS(t)
	require.Equal(t, testDegree, root.Degree())
	for i := 0; i <= testDegree; i++ {
		require.True(t, root.G1Power(i).Equal(suite.G1().Point().Base()))
	}
	require.True(t, root.TauG2().Equal(suite.G2().Point().Base()))

	again := rootCRS(t)
	require.True(t, root.Equal(again))
	require.Len(t, root.Hash(), 32)
}

func TestRootDegreeBounds(t *testing.T) {
	for _, d := range []int{-1, 0, MaxDegree + 1} {
		_, err := Root(d)
		require.ErrorIs(t, err, ErrMalformedGenesis)
	}
	raw, err := Root(1)
	require.NoError(t, err)
	require.Equal(t, 1, raw.Degree())
}

func TestValidateDegrees(t *testing.T) {
	v := NewPairingValidator()
	ctx := context.Background()
	for _, d := range []int{1, 2, 3, 256} {
		raw, err := Root(d)
		require.NoError(t, err)
		root, err := v.ValidateStructure(ctx, raw)
		require.NoError(t, err, "degree %d", d)
		require.Equal(t, d, root.Degree())

		update, err := Contribute(root, random.New())
		require.NoError(t, err)
		c, err := v.ValidateExtends(ctx, update, root)
		require.NoError(t, err, "degree %d", d)
		require.Equal(t, d, c.NewElements().Degree())
	}
}

func TestEncoding(t *testing.T) {
	root := rootCRS(t)
	buff, err := root.Bytes()
	require.NoError(t, err)

	decoded, err := DecodeCRS(buff)
	require.NoError(t, err)
	require.Equal(t, root.Raw(), decoded)

	raw, _ := contribute(t, root)
	buff, err = raw.MarshalBinary()
	require.NoError(t, err)
	decodedC, err := DecodeContribution(buff)
	require.NoError(t, err)
	require.Equal(t, raw, decodedC)

	_, err = DecodeContribution([]byte{0xff, 0x00})
	require.ErrorIs(t, err, ErrInvalidStructure)
	_, err = DecodeCRS(nil)
	require.ErrorIs(t, err, ErrInvalidStructure)
}

func TestContributionChain(t *testing.T) {
	root := rootCRS(t)

	raw1, c1 := contribute(t, root)
	require.Equal(t, root.Hash(), c1.Parent())
	require.Equal(t, raw1, c1.Raw())
	tip1 := c1.NewElements()
	require.False(t, tip1.Equal(root))
	require.Equal(t, testDegree, tip1.Degree())

	_, c2 := contribute(t, tip1)
	tip2 := c2.NewElements()
	require.False(t, tip2.Equal(tip1))
	require.Equal(t, tip1.Hash(), c2.Parent())

	// a contribution cannot be replayed against another tip
	_, err := NewPairingValidator().ValidateExtends(context.Background(), raw1, tip1)
	require.ErrorIs(t, err, ErrInvalidStructure)
}

func TestValidateExtendsRejects(t *testing.T) {
	ctx := context.Background()
	v := NewPairingValidator()
	root := rootCRS(t)
	_, c1 := contribute(t, root)
	tip1 := c1.NewElements()

	fresh := func() *RawContribution {
		raw, err := Contribute(tip1, random.New())
		require.NoError(t, err)
		return raw
	}

	t.Run("wrong parent", func(t *testing.T) {
		raw := fresh()
		raw.Parent = root.Hash()
		_, err := v.ValidateExtends(ctx, raw, tip1)
		require.ErrorIs(t, err, ErrInvalidStructure)
	})

	t.Run("swapped powers", func(t *testing.T) {
		raw := fresh()
		raw.Powers.G1Powers[2], raw.Powers.G1Powers[3] = raw.Powers.G1Powers[3], raw.Powers.G1Powers[2]
		_, err := v.ValidateExtends(ctx, raw, tip1)
		require.ErrorIs(t, err, ErrInvalidStructure)
	})

	t.Run("foreign update proof", func(t *testing.T) {
		raw := fresh()
		other := fresh()
		raw.UpdateG1 = other.UpdateG1
		raw.UpdateG2 = other.UpdateG2
		_, err := v.ValidateExtends(ctx, raw, tip1)
		require.ErrorIs(t, err, ErrInvalidStructure)
	})

	t.Run("identity update", func(t *testing.T) {
		g1, err := suite.G1().Point().Base().MarshalBinary()
		require.NoError(t, err)
		g2, err := suite.G2().Point().Base().MarshalBinary()
		require.NoError(t, err)
		raw := &RawContribution{
			Parent:   tip1.Hash(),
			Powers:   *tip1.Raw(),
			UpdateG1: g1,
			UpdateG2: g2,
		}
		_, err = v.ValidateExtends(ctx, raw, tip1)
		require.ErrorIs(t, err, ErrInvalidStructure)
	})

	t.Run("degree change", func(t *testing.T) {
		raw := fresh()
		raw.Powers.G1Powers = raw.Powers.G1Powers[:testDegree]
		_, err := v.ValidateExtends(ctx, raw, tip1)
		require.ErrorIs(t, err, ErrInvalidStructure)
	})

	t.Run("garbage point", func(t *testing.T) {
		raw := fresh()
		raw.Powers.TauG2 = []byte("not a point")
		_, err := v.ValidateExtends(ctx, raw, tip1)
		require.ErrorIs(t, err, ErrInvalidStructure)
	})

	t.Run("missing prior", func(t *testing.T) {
		_, err := v.ValidateExtends(ctx, fresh(), nil)
		require.ErrorIs(t, err, ErrInvalidStructure)
	})
}

func TestValidateStructureRejects(t *testing.T) {
	v := NewPairingValidator()
	ctx := context.Background()

	raw, err := Root(testDegree)
	require.NoError(t, err)
	raw.G1Powers = raw.G1Powers[:1]
	_, err = v.ValidateStructure(ctx, raw)
	require.ErrorIs(t, err, ErrInvalidStructure)

	root := rootCRS(t)
	contribution, err := Contribute(root, random.New())
	require.NoError(t, err)
	// the first power must stay the generator
	shifted := contribution.Powers
	shifted.G1Powers = append([][]byte{}, shifted.G1Powers[1:]...)
	shifted.G1Powers = append(shifted.G1Powers, shifted.G1Powers[0])
	_, err = v.ValidateStructure(ctx, &shifted)
	require.ErrorIs(t, err, ErrInvalidStructure)

	_, err = v.ValidateStructure(ctx, nil)
	require.ErrorIs(t, err, ErrInvalidStructure)
}

func TestValidationCancelled(t *testing.T) {
	root := rootCRS(t)
	raw, err := Contribute(root, random.New())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewPairingValidator().ValidateExtends(ctx, raw, root)
	require.ErrorIs(t, err, context.Canceled)
}
