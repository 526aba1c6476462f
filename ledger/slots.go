package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/drand/summoner/common"
	"github.com/drand/summoner/crs"
	"github.com/drand/summoner/ledger/database"
)

// Tip is the most recent state of the ceremony.
type Tip struct {
	Slot uint64
	CRS  *crs.CRS
}

const selectSlot = `
	SELECT
		slot_number, is_root, payload, contributor
	FROM
		slots`

// CurrentTip returns the CRS of the highest slot. A committed slot that does
// not decode or validate yields a *CorruptSlotError.
func (s *Ledger) CurrentTip(ctx context.Context) (*Tip, error) {
	const query = selectSlot + `
	ORDER BY
		slot_number DESC
	LIMIT 2`

	var top []dbSlot
	err := s.withinTran(ctx, true, func(tx *sqlx.Tx) error {
		return database.QuerySlice(ctx, s.log, tx, query, &top)
	})
	if err != nil {
		return nil, err
	}
	if len(top) == 0 {
		return nil, fmt.Errorf("%w: no root slot", ErrStoreUnavailable)
	}

	var parent *dbSlot
	if len(top) > 1 {
		parent = &top[1]
	}
	c, err := s.validated(ctx, top[0], parent)
	if err != nil {
		return nil, err
	}
	return &Tip{Slot: top[0].SlotNumber, CRS: c}, nil
}

// CurrentCRS returns the CRS of the highest slot.
func (s *Ledger) CurrentCRS(ctx context.Context) (*crs.CRS, error) {
	tip, err := s.CurrentTip(ctx)
	if err != nil {
		return nil, err
	}
	return tip.CRS, nil
}

// CurrentSlotNumber returns the highest committed slot number.
func (s *Ledger) CurrentSlotNumber(ctx context.Context) (uint64, error) {
	const query = `
	SELECT
		MAX(slot_number) AS slot_number
	FROM
		slots`

	var ret struct {
		SlotNumber sql.NullInt64 `db:"slot_number"`
	}
	err := s.withinTran(ctx, true, func(tx *sqlx.Tx) error {
		return database.QueryStruct(ctx, s.log, tx, query, &ret)
	})
	if err != nil {
		return 0, err
	}
	if !ret.SlotNumber.Valid {
		return 0, fmt.Errorf("%w: no root slot", ErrStoreUnavailable)
	}
	return uint64(ret.SlotNumber.Int64), nil
}

// Root returns the genesis CRS, regardless of the current tip.
func (s *Ledger) Root(ctx context.Context) (*crs.CRS, error) {
	const query = selectSlot + `
	WHERE
		is_root = 1
	LIMIT 1`

	var root dbSlot
	err := s.withinTran(ctx, true, func(tx *sqlx.Tx) error {
		return database.QueryStruct(ctx, s.log, tx, query, &root)
	})
	if errors.Is(err, database.ErrDBNotFound) {
		return nil, fmt.Errorf("%w: no root slot", ErrStoreUnavailable)
	}
	if err != nil {
		return nil, err
	}
	return s.validated(ctx, root, nil)
}

// AppendContribution commits c as slot expectedTip+1 on behalf of
// contributor. The slot number is assigned inside the transaction and the
// insert only happens if expectedTip is still the highest slot, so two appends
// against the same tip can never both succeed: the loser gets ErrConflict.
// A contribution that was not validated against the CRS of expectedTip is
// refused with ErrConflict as well.
func (s *Ledger) AppendContribution(ctx context.Context, contributor common.Address, expectedTip uint64, c *crs.Contribution) (uint64, error) {
	prior, err := s.CRSAt(ctx, expectedTip)
	switch {
	case errors.Is(err, ErrSlotNotFound):
		return 0, fmt.Errorf("%w: expected tip %d: %w", ErrConflict, expectedTip, err)
	case err != nil:
		return 0, err
	}
	if !bytes.Equal(c.Parent(), prior.Hash()) {
		return 0, fmt.Errorf("%w: contribution extends %x, slot %d holds %x", ErrConflict, c.Parent(), expectedTip, prior.Hash())
	}

	payload, err := c.Bytes()
	if err != nil {
		return 0, err
	}

	const query = `
	INSERT INTO slots
		(slot_number, is_root, payload, contributor)
	SELECT
		tip.slot_number + 1, 0, :payload, :contributor
	FROM
		(SELECT MAX(slot_number) AS slot_number FROM slots) AS tip
	WHERE
		tip.slot_number = :expected`

	data := struct {
		Payload     []byte `db:"payload"`
		Contributor []byte `db:"contributor"`
		Expected    uint64 `db:"expected"`
	}{
		Payload:     payload,
		Contributor: contributor.Bytes(),
		Expected:    expectedTip,
	}

	err = s.withinTran(ctx, false, func(tx *sqlx.Tx) error {
		n, err := database.NamedExecContext(ctx, s.log, tx, query, data)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, database.ErrDBDuplicatedEntry):
		return 0, fmt.Errorf("%w: %s", ErrAlreadyContributed, contributor)
	case errors.Is(err, ErrConflict),
		errors.Is(err, database.ErrDBDuplicatedKey),
		errors.Is(err, database.ErrDBBusy):
		return 0, fmt.Errorf("%w: expected tip %d: %w", ErrConflict, expectedTip, err)
	default:
		return 0, err
	}

	slot := expectedTip + 1
	s.cache.Add(slot, c.NewElements())
	s.log.Infow("contribution appended", "slot", slot, "contributor", contributor.String())
	return slot, nil
}

// Slot returns the committed slot n without validating it.
func (s *Ledger) Slot(ctx context.Context, n uint64) (*Slot, error) {
	row, err := s.slot(ctx, n)
	if err != nil {
		return nil, err
	}
	return toSlot(row)
}

func (s *Ledger) slot(ctx context.Context, n uint64) (dbSlot, error) {
	const query = selectSlot + `
	WHERE
		slot_number = :slot_number`

	data := struct {
		SlotNumber uint64 `db:"slot_number"`
	}{
		SlotNumber: n,
	}

	var ret dbSlot
	err := s.withinTran(ctx, true, func(tx *sqlx.Tx) error {
		return database.NamedQueryStruct(ctx, s.log, tx, query, data, &ret)
	})
	if errors.Is(err, database.ErrDBNotFound) {
		return ret, fmt.Errorf("%w: %d", ErrSlotNotFound, n)
	}
	return ret, err
}

// CRSAt returns the validated CRS produced by slot n.
func (s *Ledger) CRSAt(ctx context.Context, n uint64) (*crs.CRS, error) {
	if c, ok := s.cached(n); ok {
		return c, nil
	}
	row, err := s.slot(ctx, n)
	if err != nil {
		return nil, err
	}
	if row.IsRoot {
		return s.validated(ctx, row, nil)
	}
	parent, err := s.slot(ctx, n-1)
	if errors.Is(err, ErrSlotNotFound) {
		return nil, &CorruptSlotError{Slot: n, Err: fmt.Errorf("missing parent slot %d", n-1)}
	}
	if err != nil {
		return nil, err
	}
	return s.validated(ctx, row, &parent)
}

// HasContributed tells whether addr already owns a slot.
func (s *Ledger) HasContributed(ctx context.Context, addr common.Address) (bool, error) {
	const query = `
	SELECT
		COUNT(*) AS count
	FROM
		slots
	WHERE
		contributor = :contributor`

	data := struct {
		Contributor []byte `db:"contributor"`
	}{
		Contributor: addr.Bytes(),
	}

	var ret struct {
		Count int `db:"count"`
	}
	err := s.withinTran(ctx, true, func(tx *sqlx.Tx) error {
		return database.NamedQueryStruct(ctx, s.log, tx, query, data, &ret)
	})
	return ret.Count > 0, err
}

func (s *Ledger) cached(n uint64) (*crs.CRS, bool) {
	v, ok := s.cache.Get(n)
	if !ok {
		return nil, false
	}
	return v.(*crs.CRS), true
}

// validated decodes and fully validates a committed slot. Non-root slots are
// checked against their parent, whose own CRS is only checked for structure
// unless it is already cached.
func (s *Ledger) validated(ctx context.Context, row dbSlot, parent *dbSlot) (*crs.CRS, error) {
	if c, ok := s.cached(row.SlotNumber); ok {
		return c, nil
	}

	var c *crs.CRS
	if row.IsRoot {
		raw, err := crs.DecodeCRS(row.Payload)
		if err != nil {
			return nil, &CorruptSlotError{Slot: row.SlotNumber, Err: err}
		}
		c, err = s.validator.ValidateStructure(ctx, raw)
		if err != nil {
			return nil, s.corrupt(ctx, row.SlotNumber, err)
		}
	} else {
		if parent == nil || row.SlotNumber == 0 || parent.SlotNumber != row.SlotNumber-1 {
			return nil, &CorruptSlotError{Slot: row.SlotNumber, Err: errors.New("slot does not follow its parent")}
		}
		prior, err := s.structure(ctx, *parent)
		if err != nil {
			return nil, err
		}
		raw, err := crs.DecodeContribution(row.Payload)
		if err != nil {
			return nil, &CorruptSlotError{Slot: row.SlotNumber, Err: err}
		}
		contribution, err := s.validator.ValidateExtends(ctx, raw, prior)
		if err != nil {
			return nil, s.corrupt(ctx, row.SlotNumber, err)
		}
		c = contribution.NewElements()
	}

	s.cache.Add(row.SlotNumber, c)
	return c, nil
}

// structure decodes the CRS held by a slot, checking its structure only.
func (s *Ledger) structure(ctx context.Context, row dbSlot) (*crs.CRS, error) {
	if c, ok := s.cached(row.SlotNumber); ok {
		return c, nil
	}
	raw := new(crs.RawCRS)
	if row.IsRoot {
		if err := raw.UnmarshalBinary(row.Payload); err != nil {
			return nil, &CorruptSlotError{Slot: row.SlotNumber, Err: err}
		}
	} else {
		contribution, err := crs.DecodeContribution(row.Payload)
		if err != nil {
			return nil, &CorruptSlotError{Slot: row.SlotNumber, Err: err}
		}
		raw = &contribution.Powers
	}
	c, err := s.validator.ValidateStructure(ctx, raw)
	if err != nil {
		return nil, s.corrupt(ctx, row.SlotNumber, err)
	}
	return c, nil
}

// corrupt wraps a validation failure, unless validation was merely cancelled.
func (s *Ledger) corrupt(ctx context.Context, slot uint64, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	s.log.Errorw("committed slot failed validation", "slot", slot, "err", err)
	return &CorruptSlotError{Slot: slot, Err: err}
}
