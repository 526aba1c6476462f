package ledger

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/drand/summoner/common"
	"github.com/drand/summoner/ledger/database"
)

// ErrNotBanned is returned when lifting a ban that does not exist.
var ErrNotBanned = errors.New("address is not banned")

// Ban adds addr to the ban list, or updates the reason of an existing ban.
func (s *Ledger) Ban(ctx context.Context, addr common.Address, reason string) error {
	const query = `
	INSERT INTO banned
		(address, reason, banned_at)
	VALUES
		(:address, :reason, :banned_at)
	ON CONFLICT (address) DO UPDATE SET
		reason = excluded.reason`

	data := dbBan{
		Address:  addr.Bytes(),
		Reason:   reason,
		BannedAt: s.clock.Now().Unix(),
	}

	err := s.withinTran(ctx, false, func(tx *sqlx.Tx) error {
		_, err := database.NamedExecContext(ctx, s.log, tx, query, data)
		return err
	})
	if err != nil {
		return err
	}
	s.log.Infow("address banned", "address", addr.String(), "reason", reason)
	return nil
}

// Unban removes addr from the ban list.
func (s *Ledger) Unban(ctx context.Context, addr common.Address) error {
	const query = `
	DELETE FROM
		banned
	WHERE
		address = :address`

	data := struct {
		Address []byte `db:"address"`
	}{
		Address: addr.Bytes(),
	}

	return s.withinTran(ctx, false, func(tx *sqlx.Tx) error {
		n, err := database.NamedExecContext(ctx, s.log, tx, query, data)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotBanned
		}
		return nil
	})
}

// IsBanned tells whether addr is on the ban list.
func (s *Ledger) IsBanned(ctx context.Context, addr common.Address) (bool, error) {
	const query = `
	SELECT
		address, reason, banned_at
	FROM
		banned
	WHERE
		address = :address`

	data := struct {
		Address []byte `db:"address"`
	}{
		Address: addr.Bytes(),
	}

	var ret dbBan
	err := s.withinTran(ctx, true, func(tx *sqlx.Tx) error {
		return database.NamedQueryStruct(ctx, s.log, tx, query, data, &ret)
	})
	if errors.Is(err, database.ErrDBNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Bans returns the whole ban list.
func (s *Ledger) Bans(ctx context.Context) ([]Ban, error) {
	const query = `
	SELECT
		address, reason, banned_at
	FROM
		banned
	ORDER BY
		banned_at ASC`

	var rows []dbBan
	err := s.withinTran(ctx, true, func(tx *sqlx.Tx) error {
		return database.QuerySlice(ctx, s.log, tx, query, &rows)
	})
	if err != nil {
		return nil, err
	}

	bans := make([]Ban, 0, len(rows))
	for _, row := range rows {
		b, err := toBan(row)
		if err != nil {
			return nil, err
		}
		bans = append(bans, b)
	}
	return bans, nil
}
