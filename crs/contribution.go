package crs

import (
	"bytes"
	"crypto/cipher"
	"fmt"
)

// RawContribution is an unverified claim that Powers is the CRS identified by
// Parent re-randomized with a secret δ. UpdateG1 and UpdateG2 are [δ]G1 and
// [δ]G2 and let anyone check the claim.
type RawContribution struct {
	Parent   []byte
	Powers   RawCRS
	UpdateG1 []byte
	UpdateG2 []byte
}

// Contribution is a contribution that was checked against its parent CRS.
type Contribution struct {
	raw  *RawContribution
	next *CRS
}

// NewElements returns the CRS this contribution produces.
func (c *Contribution) NewElements() *CRS {
	return c.next
}

// Parent returns the hash of the CRS this contribution extends.
func (c *Contribution) Parent() []byte {
	return bytes.Clone(c.raw.Parent)
}

func (c *Contribution) Raw() *RawContribution {
	return c.raw
}

// Bytes returns the canonical wire encoding.
func (c *Contribution) Bytes() ([]byte, error) {
	return c.raw.MarshalBinary()
}

// Contribute re-randomizes prior with a fresh secret drawn from rand and
// returns the resulting contribution. The secret is not retained.
func Contribute(prior *CRS, rand cipher.Stream) (*RawContribution, error) {
	if prior == nil {
		return nil, fmt.Errorf("no prior crs to contribute to")
	}
	one := suite.G1().Scalar().One()
	zero := suite.G1().Scalar().Zero()
	delta := suite.G1().Scalar().Pick(rand)
	for delta.Equal(zero) || delta.Equal(one) {
		delta = suite.G1().Scalar().Pick(rand)
	}

	powers := make([][]byte, len(prior.g1))
	acc := suite.G1().Scalar().One()
	for i, p := range prior.g1 {
		buff, err := suite.G1().Point().Mul(acc, p).MarshalBinary()
		if err != nil {
			return nil, err
		}
		powers[i] = buff
		acc = acc.Mul(acc, delta)
	}

	tauG2, err := suite.G2().Point().Mul(delta, prior.tauG2).MarshalBinary()
	if err != nil {
		return nil, err
	}
	updateG1, err := suite.G1().Point().Mul(delta, nil).MarshalBinary()
	if err != nil {
		return nil, err
	}
	updateG2, err := suite.G2().Point().Mul(delta, nil).MarshalBinary()
	if err != nil {
		return nil, err
	}

	return &RawContribution{
		Parent:   prior.Hash(),
		Powers:   RawCRS{G1Powers: powers, TauG2: tauG2},
		UpdateG1: updateG1,
		UpdateG2: updateG2,
	}, nil
}
