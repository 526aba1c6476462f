package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/drand/summoner/crs"
	"github.com/drand/summoner/ledger/database"
)

const auditBatch = 64

// AuditProgress is called after each slot passed the audit.
type AuditProgress func(slot uint64)

// Audit re-validates the whole chain from the root: every slot must follow
// its predecessor without gap and extend its CRS. It returns the number of
// slots checked, or the first *CorruptSlotError found.
func (s *Ledger) Audit(ctx context.Context, progress AuditProgress) (uint64, error) {
	const query = selectSlot + `
	WHERE
		slot_number > :after
	ORDER BY
		slot_number ASC
	LIMIT :limit`

	var (
		prior   *crs.CRS
		last    uint64
		checked uint64
	)
	for {
		data := struct {
			After int64 `db:"after"`
			Limit int   `db:"limit"`
		}{
			After: int64(last),
			Limit: auditBatch,
		}
		if prior == nil {
			data.After = -1
		}

		var batch []dbSlot
		err := s.withinTran(ctx, true, func(tx *sqlx.Tx) error {
			return database.NamedQuerySlice(ctx, s.log, tx, query, data, &batch)
		})
		if err != nil {
			return checked, err
		}
		if len(batch) == 0 {
			break
		}

		for _, row := range batch {
			next, err := s.audit(ctx, row, prior, last)
			if err != nil {
				return checked, err
			}
			prior, last = next, row.SlotNumber
			checked++
			if progress != nil {
				progress(row.SlotNumber)
			}
		}
	}

	if checked == 0 {
		return 0, fmt.Errorf("%w: no root slot", ErrStoreUnavailable)
	}
	s.log.Infow("ledger audited", "slots", checked, "tip", last)
	return checked, nil
}

func (s *Ledger) audit(ctx context.Context, row dbSlot, prior *crs.CRS, last uint64) (*crs.CRS, error) {
	if prior == nil {
		if !row.IsRoot || row.SlotNumber != 0 {
			return nil, &CorruptSlotError{Slot: row.SlotNumber, Err: errors.New("chain does not start with the root")}
		}
		raw, err := crs.DecodeCRS(row.Payload)
		if err != nil {
			return nil, &CorruptSlotError{Slot: row.SlotNumber, Err: err}
		}
		c, err := s.validator.ValidateStructure(ctx, raw)
		if err != nil {
			return nil, s.corrupt(ctx, row.SlotNumber, err)
		}
		return c, nil
	}

	if row.IsRoot || row.SlotNumber != last+1 {
		return nil, &CorruptSlotError{Slot: row.SlotNumber, Err: fmt.Errorf("slot follows %d", last)}
	}
	raw, err := crs.DecodeContribution(row.Payload)
	if err != nil {
		return nil, &CorruptSlotError{Slot: row.SlotNumber, Err: err}
	}
	contribution, err := s.validator.ValidateExtends(ctx, raw, prior)
	if err != nil {
		return nil, s.corrupt(ctx, row.SlotNumber, err)
	}
	next := contribution.NewElements()
	s.cache.Add(row.SlotNumber, next)
	return next, nil
}
