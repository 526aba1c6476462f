package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/drand/summoner/ledger/database"
)

// Cursor iterates over committed slots in ascending order.
type Cursor interface {
	First(ctx context.Context) (*Slot, error)
	Next(ctx context.Context) (*Slot, error)
	Seek(ctx context.Context, slot uint64) (*Slot, error)
	Last(ctx context.Context) (*Slot, error)
}

// Cursor returns a cursor for iterating over the slots table. Next returns
// ErrSlotNotFound once the last slot was reached.
func (s *Ledger) Cursor(ctx context.Context, fn func(context.Context, Cursor) error) error {
	c := cursor{
		store: s,
	}
	return fn(ctx, &c)
}

// cursor implements support for iterating through the slots table.
type cursor struct {
	store *Ledger
	pos   uint64
	set   bool
}

func (c *cursor) First(ctx context.Context) (*Slot, error) {
	return c.seek(ctx, 0)
}

func (c *cursor) Next(ctx context.Context) (*Slot, error) {
	if !c.set {
		return c.First(ctx)
	}
	return c.seek(ctx, c.pos+1)
}

func (c *cursor) Seek(ctx context.Context, slot uint64) (*Slot, error) {
	row, err := c.store.Slot(ctx, slot)
	if err != nil {
		return nil, err
	}
	c.pos, c.set = slot, true
	return row, nil
}

func (c *cursor) Last(ctx context.Context) (*Slot, error) {
	const query = selectSlot + `
	ORDER BY
		slot_number DESC
	LIMIT 1`

	var ret dbSlot
	err := c.store.withinTran(ctx, true, func(tx *sqlx.Tx) error {
		return database.QueryStruct(ctx, c.store.log, tx, query, &ret)
	})
	if errors.Is(err, database.ErrDBNotFound) {
		return nil, fmt.Errorf("%w: empty ledger", ErrSlotNotFound)
	}
	if err != nil {
		return nil, err
	}
	c.pos, c.set = ret.SlotNumber, true
	return toSlot(ret)
}

// seek returns the first slot numbered at least from.
func (c *cursor) seek(ctx context.Context, from uint64) (*Slot, error) {
	const query = selectSlot + `
	WHERE
		slot_number >= :from
	ORDER BY
		slot_number ASC
	LIMIT 1`

	data := struct {
		From uint64 `db:"from"`
	}{
		From: from,
	}

	var ret dbSlot
	err := c.store.withinTran(ctx, true, func(tx *sqlx.Tx) error {
		return database.NamedQueryStruct(ctx, c.store.log, tx, query, data, &ret)
	})
	if errors.Is(err, database.ErrDBNotFound) {
		return nil, fmt.Errorf("%w: after %d", ErrSlotNotFound, from)
	}
	if err != nil {
		return nil, err
	}
	c.pos, c.set = ret.SlotNumber, true
	return toSlot(ret)
}
