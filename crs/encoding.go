package crs

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

//nolint:gochecknoinits // encoding modes are fixed for the lifetime of the process
func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decOpts := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: MaxDegree + 1,
	}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic(err)
	}
}

type crsMarshal struct {
	G1Powers [][]byte `cbor:"1,keyasint"`
	TauG2    []byte   `cbor:"2,keyasint"`
}

type contributionMarshal struct {
	Parent   []byte     `cbor:"1,keyasint"`
	Powers   crsMarshal `cbor:"2,keyasint"`
	UpdateG1 []byte     `cbor:"3,keyasint"`
	UpdateG2 []byte     `cbor:"4,keyasint"`
}

// MarshalBinary returns the canonical CBOR encoding of the CRS.
func (r *RawCRS) MarshalBinary() ([]byte, error) {
	return encMode.Marshal(&crsMarshal{G1Powers: r.G1Powers, TauG2: r.TauG2})
}

// UnmarshalBinary decodes a CRS without checking any of its points.
func (r *RawCRS) UnmarshalBinary(data []byte) error {
	var m crsMarshal
	if err := decMode.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: decoding crs: %w", ErrInvalidStructure, err)
	}
	r.G1Powers = m.G1Powers
	r.TauG2 = m.TauG2
	return nil
}

// DecodeCRS parses an encoded CRS.
func DecodeCRS(data []byte) (*RawCRS, error) {
	r := new(RawCRS)
	if err := r.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return r, nil
}

// MarshalBinary returns the canonical CBOR encoding of the contribution.
func (r *RawContribution) MarshalBinary() ([]byte, error) {
	return encMode.Marshal(&contributionMarshal{
		Parent:   r.Parent,
		Powers:   crsMarshal{G1Powers: r.Powers.G1Powers, TauG2: r.Powers.TauG2},
		UpdateG1: r.UpdateG1,
		UpdateG2: r.UpdateG2,
	})
}

// UnmarshalBinary decodes a contribution without checking it.
func (r *RawContribution) UnmarshalBinary(data []byte) error {
	var m contributionMarshal
	if err := decMode.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: decoding contribution: %w", ErrInvalidStructure, err)
	}
	r.Parent = m.Parent
	r.Powers = RawCRS{G1Powers: m.Powers.G1Powers, TauG2: m.Powers.TauG2}
	r.UpdateG1 = m.UpdateG1
	r.UpdateG2 = m.UpdateG2
	return nil
}

// DecodeContribution parses an encoded contribution.
func DecodeContribution(data []byte) (*RawContribution, error) {
	r := new(RawContribution)
	if err := r.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return r, nil
}
