package ceremony

import (
	"errors"
	"fmt"

	"github.com/drand/summoner/ledger"
)

var (
	// ErrIneligible is returned when the candidate's bid is below the minimum.
	ErrIneligible = errors.New("address is not eligible")
	// ErrAlreadyContributed is returned when the candidate already owns a slot.
	ErrAlreadyContributed = errors.New("address already contributed")
	// ErrBanned is returned when the candidate is on the ban list.
	ErrBanned = errors.New("address is banned")
	// ErrInvalidContribution is returned when a contribution does not extend
	// the current tip. The candidate may submit again.
	ErrInvalidContribution = errors.New("invalid contribution")
	// ErrStaleContribution is returned when a contribution was built on a CRS
	// that is no longer the tip. It matches ledger.ErrConflict.
	ErrStaleContribution = fmt.Errorf("contribution extends a stale tip: %w", ledger.ErrConflict)
	// ErrCeremonyClosed is returned once the termination condition is met.
	ErrCeremonyClosed = errors.New("ceremony closed")
	// ErrHalted is returned after a corrupt slot was found. No contribution is
	// accepted until an operator repairs the ledger.
	ErrHalted = errors.New("ceremony halted")
)
