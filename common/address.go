package common

import (
	"bytes"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/types"
)

// AddressSize is the length in bytes of an on-chain account address.
const AddressSize = 32

// Address identifies a ceremony participant by the on-chain account they bid
// from. Its text form is the usual checksummed base32 Algorand encoding.
type Address [AddressSize]byte

// ParseAddress decodes the checksummed text form of an address.
func ParseAddress(s string) (Address, error) {
	a, err := types.DecodeAddress(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Address(a), nil
}

// AddressFromBytes returns the address stored as raw bytes in the ledger.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressSize {
		return a, fmt.Errorf("invalid address length %d", len(b))
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) String() string {
	return types.Address(a).String()
}

// Bytes returns a copy of the raw address.
func (a Address) Bytes() []byte {
	return bytes.Clone(a[:])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
