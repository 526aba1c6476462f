// Package crs models the structured reference string produced by the
// ceremony: a powers-of-tau sequence over BLS12-381, and the contributions that
// re-randomize it.
//
// Raw values hold untrusted bytes. Validated values can only be obtained from
// a Validator, so holding a *CRS or a *Contribution means the data passed the
// proof checks.
package crs

import (
	"bytes"
	"fmt"

	"github.com/drand/kyber"
	bls "github.com/drand/kyber-bls12381"
	"golang.org/x/crypto/blake2b"
)

// MaxDegree bounds the number of powers a CRS may carry.
const MaxDegree = 1 << 20

var suite = bls.NewBLS12381Suite()

// RawCRS is an undecoded, unverified CRS: the compressed encodings of
// [τ^0]G1 ... [τ^d]G1 and of [τ]G2.
type RawCRS struct {
	G1Powers [][]byte
	TauG2    []byte
}

// Degree is the highest power carried by the CRS.
func (r *RawCRS) Degree() int {
	return len(r.G1Powers) - 1
}

// Root returns the genesis CRS of the given degree. Its secret is τ = 1, so
// every G1 power is the generator.
func Root(degree int) (*RawCRS, error) {
	if degree < 1 || degree > MaxDegree {
		return nil, fmt.Errorf("%w: degree %d out of range [1, %d]", ErrMalformedGenesis, degree, MaxDegree)
	}
	g1, err := suite.G1().Point().Base().MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedGenesis, err)
	}
	g2, err := suite.G2().Point().Base().MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedGenesis, err)
	}

	powers := make([][]byte, degree+1)
	for i := range powers {
		powers[i] = bytes.Clone(g1)
	}
	return &RawCRS{G1Powers: powers, TauG2: g2}, nil
}

// CRS is a validated powers-of-tau string.
type CRS struct {
	raw   *RawCRS
	g1    []kyber.Point
	tauG2 kyber.Point
	hash  []byte
}

func (c *CRS) Degree() int {
	return len(c.g1) - 1
}

// Hash is the BLAKE2b-256 digest of the canonical encoding. Contributions
// reference their parent CRS by this hash.
func (c *CRS) Hash() []byte {
	return bytes.Clone(c.hash)
}

// Raw returns the encoded form of the CRS.
func (c *CRS) Raw() *RawCRS {
	return c.raw
}

// Bytes returns the canonical wire encoding.
func (c *CRS) Bytes() ([]byte, error) {
	return c.raw.MarshalBinary()
}

// G1Power returns [τ^i]G1.
func (c *CRS) G1Power(i int) kyber.Point {
	return c.g1[i].Clone()
}

// TauG2 returns [τ]G2.
func (c *CRS) TauG2() kyber.Point {
	return c.tauG2.Clone()
}

func (c *CRS) Equal(o *CRS) bool {
	if c == nil || o == nil {
		return c == o
	}
	return bytes.Equal(c.hash, o.hash)
}

func (c *CRS) String() string {
	return fmt.Sprintf("CRS{degree: %d, hash: %x}", c.Degree(), c.hash[:8])
}

func hashOf(r *RawCRS) ([]byte, error) {
	buff, err := r.MarshalBinary()
	if err != nil {
		return nil, err
	}
	h := blake2b.Sum256(buff)
	return h[:], nil
}
