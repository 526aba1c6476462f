package ledger

import (
	"time"

	"github.com/drand/summoner/common"
)

// dbSlot represents a slot that is stored in the database.
type dbSlot struct {
	SlotNumber  uint64 `db:"slot_number"`
	IsRoot      bool   `db:"is_root"`
	Payload     []byte `db:"payload"`
	Contributor []byte `db:"contributor"`
}

// dbBan represents a banned address stored in the database.
type dbBan struct {
	Address  []byte `db:"address"`
	Reason   string `db:"reason"`
	BannedAt int64  `db:"banned_at"`
}

// Slot is one committed entry of the ledger.
type Slot struct {
	Number uint64
	IsRoot bool
	// Payload is the encoded root CRS for the root slot, the encoded
	// contribution otherwise.
	Payload []byte
	// Contributor is the zero address for the root slot.
	Contributor common.Address
}

// Ban is an entry of the ban list.
type Ban struct {
	Address  common.Address
	Reason   string
	BannedAt time.Time
}

func toSlot(s dbSlot) (*Slot, error) {
	slot := &Slot{
		Number:  s.SlotNumber,
		IsRoot:  s.IsRoot,
		Payload: s.Payload,
	}
	if !s.IsRoot {
		addr, err := common.AddressFromBytes(s.Contributor)
		if err != nil {
			return nil, &CorruptSlotError{Slot: s.SlotNumber, Err: err}
		}
		slot.Contributor = addr
	}
	return slot, nil
}

func toBan(b dbBan) (Ban, error) {
	addr, err := common.AddressFromBytes(b.Address)
	if err != nil {
		return Ban{}, err
	}
	return Ban{
		Address:  addr,
		Reason:   b.Reason,
		BannedAt: time.Unix(b.BannedAt, 0).UTC(),
	}, nil
}
