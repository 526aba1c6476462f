package common

import "fmt"

// MicroAlgosPerAlgo is the number of base units in one Algo.
const MicroAlgosPerAlgo = 1_000_000

// Amount is a quantity of the chain's native asset, in microAlgos.
type Amount uint64

func (a Amount) String() string {
	return fmt.Sprintf("%d.%06d ALGO", a/MicroAlgosPerAlgo, a%MicroAlgosPerAlgo)
}
