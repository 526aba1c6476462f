// Package database provides support for access to the sqlite database backing
// the ledger.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite "modernc.org/sqlite" // Registers the "sqlite" driver.
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/drand/summoner/common/log"
)

const driverName = "sqlite"

// Set of error variables for CRUD operations.
var (
	ErrDBNotFound        = sql.ErrNoRows
	ErrDBDuplicatedKey   = errors.New("duplicated primary key")
	ErrDBDuplicatedEntry = errors.New("duplicated entry")
	ErrDBBusy            = errors.New("database busy")
	ErrPoolExhausted     = errors.New("no connection available in pool")
)

// Config is the required properties to use the database.
type Config struct {
	// Path of the database file. It is never interpreted as a URI.
	Path string
	// MaxOpenConns is the fixed size of the connection pool.
	MaxOpenConns int
	// AcquireTimeout bounds the wait for a pooled connection.
	AcquireTimeout time.Duration
	// BusyTimeout bounds the wait on a locked database file.
	BusyTimeout time.Duration
}

// Defaults used when a Config leaves a field unset.
const (
	DefaultMaxOpenConns   = 4
	DefaultAcquireTimeout = 5 * time.Second
	DefaultBusyTimeout    = 5 * time.Second
)

// WithDefaults fills unset fields with the package defaults.
func (c Config) WithDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = DefaultBusyTimeout
	}
	return c
}

// DSN renders the connection string for the driver. The path is used as a
// plain file name: anything that would make the driver read it as a URI or
// carry its own parameters is refused.
func (c Config) DSN() (string, error) {
	c = c.WithDefaults()
	if c.Path == "" {
		return "", fmt.Errorf("empty database path")
	}
	if strings.HasPrefix(c.Path, "file:") || strings.ContainsAny(c.Path, "?#") {
		return "", fmt.Errorf("database path %q must be a plain file name", c.Path)
	}

	q := make(url.Values)
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Add("_pragma", "foreign_keys(1)")
	// writers take the database lock when they begin, readers never block them
	q.Set("_txlock", "immediate")

	return c.Path + "?" + q.Encode(), nil
}

// Open knows how to open a database connection pool based on the
// configuration. It also performs a health check to make sure the connection
// is healthy.
//
//nolint:gocritic // There is nothing wrong with using value semantics here.
func Open(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	cfg = cfg.WithDefaults()
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}

	sqlx.BindDriver(driverName, sqlx.QUESTION)
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	if err := StatusCheck(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// StatusCheck returns nil if it can successfully talk to the database. It
// returns a non-nil error otherwise.
func StatusCheck(ctx context.Context, db *sqlx.DB) error {
	var pingError error
	var attempts int

	//nolint:gomnd // We want to have a reasonable retry period
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()

check:
	for {
		pingError = db.PingContext(ctx)
		attempts++
		if pingError == nil {
			break check
		}
		//nolint:gomnd // a local file either opens quickly or not at all
		if attempts >= 5 {
			return fmt.Errorf("ping database: %w", pingError)
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	const q = `SELECT 1`
	var tmp int
	return db.QueryRowContext(ctx, q).Scan(&tmp)
}

// Acquire takes a dedicated connection from the pool, waiting at most timeout
// for one to become available. The caller must Close the connection.
func Acquire(ctx context.Context, db *sqlx.DB, timeout time.Duration) (*sqlx.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := db.Connx(actx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrPoolExhausted, timeout)
		}
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return conn, nil
}

// WithinTran runs passed function inside a transaction opened on conn and do
// commit/rollback at the end.
func WithinTran(ctx context.Context, l log.Logger, conn *sqlx.Conn, opts *sql.TxOptions, fn func(*sqlx.Tx) error) error {
	l.Debugw("begin tran")
	tx, err := conn.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tran: %w", mapError(err))
	}

	defer func() {
		if err := tx.Rollback(); err != nil {
			if errors.Is(err, sql.ErrTxDone) {
				return
			}
			l.Errorw("unable to rollback tran", "ERROR", err)
		}
		l.Debugw("rollback tran")
	}()

	if err := fn(tx); err != nil {
		return fmt.Errorf("exec tran: %w", mapError(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tran: %w", mapError(err))
	}
	l.Debugw("commit tran")

	return nil
}

// ExecContext is a helper function to execute a CUD operation with
// logging.
func ExecContext(ctx context.Context, l log.Logger, db sqlx.ExtContext, query string) (int64, error) {
	return NamedExecContext(ctx, l, db, query, struct{}{})
}

// NamedExecContext is a helper function to execute a CUD operation with
// logging where field replacement is necessary. It returns the number of
// rows affected.
func NamedExecContext(ctx context.Context, l log.Logger, db sqlx.ExtContext, query string, data any) (int64, error) {
	q, err := queryString(query, data)
	if err != nil {
		return 0, err
	}

	if _, ok := data.(struct{}); ok {
		//nolint:gomnd // Having to add constants is overkill.
		l.AddCallerSkip(2).Debugw("database.NamedExecContext", "query", q)
	} else {
		l.AddCallerSkip(1).Debugw("database.NamedExecContext", "query", q)
	}

	res, err := sqlx.NamedExecContext(ctx, db, query, data)
	if err != nil {
		return 0, mapError(err)
	}

	return res.RowsAffected()
}

// QuerySlice is a helper function for executing queries that return a
// collection of data to be unmarshalled into a slice.
func QuerySlice[T any](ctx context.Context, l log.Logger, db sqlx.ExtContext, query string, dest *[]T) error {
	return NamedQuerySlice(ctx, l, db, query, struct{}{}, dest)
}

// NamedQuerySlice is a helper function for executing queries that return a
// collection of data to be unmarshalled into a slice where field replacement is necessary.
func NamedQuerySlice[T any](ctx context.Context, l log.Logger, db sqlx.ExtContext, query string, data any, dest *[]T) error {
	q, err := queryString(query, data)
	if err != nil {
		return err
	}

	if _, ok := data.(struct{}); ok {
		//nolint:gomnd // Having to add constants is overkill.
		l.AddCallerSkip(2).Debugw("database.QuerySlice", "query", q)
	} else {
		l.AddCallerSkip(1).Debugw("database.QuerySlice", "query", q)
	}

	rows, err := sqlx.NamedQueryContext(ctx, db, query, data)
	if err != nil {
		return mapError(err)
	}
	defer rows.Close()

	var slice []T
	for rows.Next() {
		v := new(T)
		if err := rows.StructScan(v); err != nil {
			return err
		}
		slice = append(slice, *v)
	}
	if err := rows.Err(); err != nil {
		return mapError(err)
	}
	*dest = slice

	return nil
}

// QueryStruct is a helper function for executing queries that return a
// single value to be unmarshalled into a struct type.
func QueryStruct(ctx context.Context, l log.Logger, db sqlx.ExtContext, query string, dest any) error {
	return NamedQueryStruct(ctx, l, db, query, struct{}{}, dest)
}

// NamedQueryStruct is a helper function for executing queries that return a
// single value to be unmarshalled into a struct type where field replacement is necessary.
func NamedQueryStruct(ctx context.Context, l log.Logger, db sqlx.ExtContext, query string, data, dest any) error {
	q, err := queryString(query, data)
	if err != nil {
		return err
	}

	if _, ok := data.(struct{}); ok {
		//nolint:gomnd // This doesn't need to be a constant
		l.AddCallerSkip(2).Debugw("database.QueryStruct", "query", q)
	} else {
		l.AddCallerSkip(1).Debugw("database.QueryStruct", "query", q)
	}

	rows, err := sqlx.NamedQueryContext(ctx, db, query, data)
	if err != nil {
		return mapError(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return mapError(err)
		}
		return ErrDBNotFound
	}

	return rows.StructScan(dest)
}

// mapError translates driver errors into the package error variables.
func mapError(err error) error {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return err
	}

	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("%w: %s", ErrDBDuplicatedKey, serr.Error())
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return fmt.Errorf("%w: %s", ErrDBDuplicatedEntry, serr.Error())
	}
	//nolint:gomnd // the low byte of an extended code is its primary code
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %s", ErrDBBusy, serr.Error())
	}
	return err
}

// queryString provides a pretty print version of the query and parameters.
func queryString(query string, arg any) (string, error) {
	query, params, err := sqlx.Named(query, arg)
	if err != nil {
		return "", err
	}

	for _, param := range params {
		var value string
		switch v := param.(type) {
		case string:
			value = fmt.Sprintf("%q", v)
		case []byte:
			//nolint:gomnd // payloads are large, only show a prefix
			if len(v) > 32 {
				value = fmt.Sprintf("x'%x...' (%d bytes)", v[:32], len(v))
			} else {
				value = fmt.Sprintf("x'%x'", v)
			}
		default:
			value = fmt.Sprintf("%v", v)
		}
		query = strings.Replace(query, "?", value, 1)
	}

	query = strings.ReplaceAll(query, "\t", "")
	query = strings.ReplaceAll(query, "\n", " ")

	return strings.Trim(query, " "), nil
}
