package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyExists is returned when initializing over an existing store.
	ErrAlreadyExists = errors.New("ledger already exists")
	// ErrStoreUnavailable is returned when the store is missing, cannot be
	// opened, or does not carry a compatible schema.
	ErrStoreUnavailable = errors.New("ledger unavailable")
	// ErrConflict is returned when an append raced with another one and the
	// expected tip is no longer current. The caller must re-read the tip and
	// validate again.
	ErrConflict = errors.New("ledger tip moved")
	// ErrAlreadyContributed is returned when the contributor already owns a slot.
	ErrAlreadyContributed = errors.New("address already contributed")
	// ErrCorruptSlot is wrapped by CorruptSlotError.
	ErrCorruptSlot = errors.New("corrupt slot")
	// ErrSlotNotFound is returned when reading a slot that does not exist.
	ErrSlotNotFound = errors.New("slot not found")
	// ErrPoolExhausted is returned when no pooled connection frees up in time.
	ErrPoolExhausted = errors.New("ledger connection pool exhausted")
)

// CorruptSlotError reports a committed slot whose payload no longer decodes
// or validates. It is fatal: the ledger cannot be trusted past this slot.
type CorruptSlotError struct {
	Slot uint64
	Err  error
}

func (e *CorruptSlotError) Error() string {
	return fmt.Sprintf("corrupt slot %d: %v", e.Slot, e.Err)
}

func (e *CorruptSlotError) Is(target error) bool {
	return target == ErrCorruptSlot
}

func (e *CorruptSlotError) Unwrap() error {
	return e.Err
}
