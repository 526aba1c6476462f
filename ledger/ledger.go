// Package ledger is the durable, append-only record of the ceremony. Slot 0
// holds the genesis CRS and every following slot holds one validated
// contribution, each extending the slot before it.
package ledger

import (
	"context"
	"database/sql"
	_ "embed" // Calls init function.
	"errors"
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jmoiron/sqlx"
	clock "github.com/jonboulle/clockwork"

	"github.com/drand/summoner/common/log"
	"github.com/drand/summoner/crs"
	"github.com/drand/summoner/fs"
	"github.com/drand/summoner/ledger/database"
)

var (
	//go:embed schema.sql
	schemaDoc string
)

const (
	schemaVersion = 1
	// DefaultCacheSize is the number of validated CRS kept in memory.
	DefaultCacheSize = 16
)

// Ledger is the sqlite backed store of ceremony slots. It is safe for
// concurrent use; every operation runs in its own transaction on a connection
// taken from a fixed size pool.
type Ledger struct {
	log       log.Logger
	db        *sqlx.DB
	cfg       database.Config
	validator crs.Validator
	clock     clock.Clock
	cache     *lru.Cache
	cacheSize int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the clock used to timestamp bans.
func WithClock(c clock.Clock) Option {
	return func(s *Ledger) {
		s.clock = c
	}
}

// WithCacheSize sets how many validated CRS are kept in memory. A size below
// one keeps the default.
func WithCacheSize(n int) Option {
	return func(s *Ledger) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

func newLedger(l log.Logger, cfg database.Config, v crs.Validator, opts []Option) (*Ledger, error) {
	s := &Ledger{
		log:       l.Named("ledger"),
		cfg:       cfg.WithDefaults(),
		validator: v,
		clock:     clock.NewRealClock(),
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := lru.New(s.cacheSize)
	if err != nil {
		return nil, err
	}
	s.cache = cache
	return s, nil
}

// Initialize creates a new ledger at cfg.Path holding only the genesis CRS of
// the given degree. The schema and the root slot are written in a single
// transaction: on failure nothing is left behind.
func Initialize(ctx context.Context, l log.Logger, cfg database.Config, v crs.Validator, degree int, opts ...Option) (*Ledger, error) {
	s, err := newLedger(l, cfg, v, opts)
	if err != nil {
		return nil, err
	}

	rawRoot, err := crs.Root(degree)
	if err != nil {
		return nil, err
	}
	root, err := v.ValidateStructure(ctx, rawRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crs.ErrMalformedGenesis, err)
	}
	payload, err := root.Bytes()
	if err != nil {
		return nil, err
	}

	// claim the path first so two initializations cannot both succeed
	fd, err := fs.CreateExclusive(s.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, s.cfg.Path)
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if err := fd.Close(); err != nil {
		s.removeFiles()
		return nil, err
	}

	if err := s.create(ctx, payload); err != nil {
		if s.db != nil {
			_ = s.db.Close()
		}
		s.removeFiles()
		return nil, err
	}

	s.cache.Add(uint64(0), root)
	s.log.Infow("ledger initialized", "path", s.cfg.Path, "degree", degree, "root", fmt.Sprintf("%x", root.Hash()))
	return s, nil
}

func (s *Ledger) create(ctx context.Context, rootPayload []byte) error {
	db, err := database.Open(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	s.db = db

	const insertRoot = `
	INSERT INTO slots
		(slot_number, is_root, payload, contributor)
	VALUES
		(0, 1, :payload, NULL)`

	data := struct {
		Payload []byte `db:"payload"`
	}{
		Payload: rootPayload,
	}

	return s.withinTran(ctx, false, func(tx *sqlx.Tx) error {
		if _, err := database.ExecContext(ctx, s.log, tx, schemaDoc); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := database.NamedExecContext(ctx, s.log, tx, insertRoot, data); err != nil {
			return fmt.Errorf("insert root: %w", err)
		}
		return nil
	})
}

func (s *Ledger) removeFiles() {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(s.cfg.Path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Errorw("unable to remove partial ledger", "path", s.cfg.Path+suffix, "err", err)
		}
	}
}

// Load attaches to an existing ledger without modifying it.
func Load(ctx context.Context, l log.Logger, cfg database.Config, v crs.Validator, opts ...Option) (*Ledger, error) {
	s, err := newLedger(l, cfg, v, opts)
	if err != nil {
		return nil, err
	}

	exists, err := fs.Exists(s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: no ledger at %s", ErrStoreUnavailable, s.cfg.Path)
	}

	db, err := database.Open(ctx, s.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	s.db = db

	if err := s.checkSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	root, err := s.Root(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	s.log.Infow("ledger loaded", "path", s.cfg.Path, "degree", root.Degree())
	return s, nil
}

// LoadOrInitialize loads the ledger at cfg.Path, creating it if needed.
func LoadOrInitialize(ctx context.Context, l log.Logger, cfg database.Config, v crs.Validator, degree int, opts ...Option) (*Ledger, error) {
	exists, err := fs.Exists(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if exists {
		return Load(ctx, l, cfg, v, opts...)
	}
	s, err := Initialize(ctx, l, cfg, v, degree, opts...)
	if errors.Is(err, ErrAlreadyExists) {
		// lost a race with another initializer
		return Load(ctx, l, cfg, v, opts...)
	}
	return s, err
}

func (s *Ledger) checkSchema(ctx context.Context) error {
	var version int
	err := s.withinTran(ctx, true, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &version, `PRAGMA user_version`)
	})
	if err != nil {
		return fmt.Errorf("%w: reading schema version: %w", ErrStoreUnavailable, err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: schema version %d, expected %d", ErrStoreUnavailable, version, schemaVersion)
	}
	return nil
}

// withinTran runs fn in a transaction on a connection held for the duration
// of the call. The connection goes back to the pool on every path.
func (s *Ledger) withinTran(ctx context.Context, readOnly bool, fn func(*sqlx.Tx) error) error {
	conn, err := database.Acquire(ctx, s.db, s.cfg.AcquireTimeout)
	if err != nil {
		if errors.Is(err, database.ErrPoolExhausted) {
			return fmt.Errorf("%w: %w", ErrPoolExhausted, err)
		}
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			s.log.Warnw("unable to release connection", "err", err)
		}
	}()

	var opts *sql.TxOptions
	if readOnly {
		opts = &sql.TxOptions{ReadOnly: true}
	}
	return database.WithinTran(ctx, s.log, conn, opts, fn)
}

// Path returns the location of the database file.
func (s *Ledger) Path() string {
	return s.cfg.Path
}

// Close releases the connection pool.
func (s *Ledger) Close() error {
	s.cache.Purge()
	return s.db.Close()
}
