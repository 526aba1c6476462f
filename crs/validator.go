package crs

import (
	"bytes"
	"context"
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/xof/blake2xb"
)

// Validator decides whether untrusted CRS and contribution data may be
// promoted to their validated types. Implementations must be deterministic
// and free of side effects.
type Validator interface {
	// ValidateStructure checks the internal consistency of a CRS.
	ValidateStructure(ctx context.Context, raw *RawCRS) (*CRS, error)
	// ValidateExtends checks that raw is a correct update of prior.
	ValidateExtends(ctx context.Context, raw *RawContribution, prior *CRS) (*Contribution, error)
}

type pairingValidator struct{}

// NewPairingValidator returns the Validator checking powers-of-tau updates
// with pairing equations over BLS12-381.
func NewPairingValidator() Validator {
	return pairingValidator{}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidStructure, fmt.Sprintf(format, args...))
}

func decodePoint(g kyber.Group, buff []byte, what string) (kyber.Point, error) {
	p := g.Point()
	if err := p.UnmarshalBinary(buff); err != nil {
		return nil, invalid("%s: %v", what, err)
	}
	if p.Equal(g.Point().Null()) {
		return nil, invalid("%s is the identity", what)
	}
	return p, nil
}

func (pairingValidator) ValidateStructure(ctx context.Context, raw *RawCRS) (*CRS, error) {
	if raw == nil {
		return nil, invalid("empty crs")
	}
	d := raw.Degree()
	if d < 1 || d > MaxDegree {
		return nil, invalid("degree %d out of range [1, %d]", d, MaxDegree)
	}

	g1 := make([]kyber.Point, d+1)
	for i, buff := range raw.G1Powers {
		p, err := decodePoint(suite.G1(), buff, fmt.Sprintf("g1 power %d", i))
		if err != nil {
			return nil, err
		}
		g1[i] = p
	}
	if !g1[0].Equal(suite.G1().Point().Base()) {
		return nil, invalid("g1 power 0 is not the generator")
	}
	tauG2, err := decodePoint(suite.G2(), raw.TauG2, "tau g2")
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g2 := suite.G2().Point().Base()
	// [τ]G1 and [τ]G2 must carry the same τ
	if !suite.Pair(g1[1], g2).Equal(suite.Pair(g1[0], tauG2)) {
		return nil, invalid("g1 and g2 powers disagree on tau")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hash, err := hashOf(raw)
	if err != nil {
		return nil, invalid("encoding: %v", err)
	}

	// Every consecutive pair must satisfy g1[i+1] = τ·g1[i]. The d equations
	// are folded into one with coefficients derived from the CRS hash.
	coeffs := blake2xb.New(hash)
	lhs := suite.G1().Point().Null()
	rhs := suite.G1().Point().Null()
	for i := 0; i < d; i++ {
		r := suite.G1().Scalar().Pick(coeffs)
		lhs = lhs.Add(lhs, suite.G1().Point().Mul(r, g1[i]))
		rhs = rhs.Add(rhs, suite.G1().Point().Mul(r, g1[i+1]))
	}
	if !suite.Pair(rhs, g2).Equal(suite.Pair(lhs, tauG2)) {
		return nil, invalid("g1 powers are not consecutive powers of tau")
	}

	return &CRS{
		raw:   raw,
		g1:    g1,
		tauG2: tauG2,
		hash:  hash,
	}, nil
}

func (v pairingValidator) ValidateExtends(ctx context.Context, raw *RawContribution, prior *CRS) (*Contribution, error) {
	if raw == nil || prior == nil {
		return nil, invalid("missing contribution or prior crs")
	}
	if !bytes.Equal(raw.Parent, prior.hash) {
		return nil, invalid("contribution extends %x, current crs is %x", raw.Parent, prior.hash)
	}

	next, err := v.ValidateStructure(ctx, &raw.Powers)
	if err != nil {
		return nil, err
	}
	if next.Degree() != prior.Degree() {
		return nil, invalid("degree changed from %d to %d", prior.Degree(), next.Degree())
	}

	updateG1, err := decodePoint(suite.G1(), raw.UpdateG1, "update g1")
	if err != nil {
		return nil, err
	}
	updateG2, err := decodePoint(suite.G2(), raw.UpdateG2, "update g2")
	if err != nil {
		return nil, err
	}
	if updateG1.Equal(suite.G1().Point().Base()) {
		return nil, invalid("update does not change the crs")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g1 := suite.G1().Point().Base()
	g2 := suite.G2().Point().Base()
	if !suite.Pair(updateG1, g2).Equal(suite.Pair(g1, updateG2)) {
		return nil, invalid("update proof is inconsistent")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// τ' = τ·δ
	if !suite.Pair(next.g1[1], g2).Equal(suite.Pair(prior.g1[1], updateG2)) {
		return nil, invalid("new powers are not derived from the prior crs")
	}

	return &Contribution{raw: raw, next: next}, nil
}
