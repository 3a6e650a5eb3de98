// Copyright 2023 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/flamego/kvsession"
)

var (
	_ session.Backend = (*sqliteBackend)(nil)
	_ session.GCer    = (*sqliteBackend)(nil)
)

// sqliteBackend is a SQLite implementation of the session backend. Expiry is
// stored as UTC text in the time.DateTime layout, and NULL means the key never
// expires.
type sqliteBackend struct {
	nowFunc func() time.Time // The function to return the current time
	db      *sql.DB          // The database connection
	table   string           // The database table for storing session data
}

// newSQLiteBackend returns a new SQLite session backend based on given
// configuration.
func newSQLiteBackend(cfg Config) *sqliteBackend {
	return &sqliteBackend{
		nowFunc: cfg.nowFunc,
		db:      cfg.db,
		table:   cfg.Table,
	}
}

func (b *sqliteBackend) now() string {
	return b.nowFunc().UTC().Format(time.DateTime)
}

func (b *sqliteBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var binary []byte
	q := fmt.Sprintf(`SELECT data FROM %q WHERE key = $1 AND (expired_at IS NULL OR datetime(expired_at) > datetime($2))`, b.table)
	err := b.db.QueryRowContext(ctx, q, key, b.now()).Scan(&binary)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "select")
	}
	return binary, nil
}

func (b *sqliteBackend) Set(ctx context.Context, key string, value []byte) error {
	q := fmt.Sprintf(`
INSERT INTO %q (key, data, expired_at)
VALUES ($1, $2, NULL)
ON CONFLICT (key)
DO UPDATE SET
	data       = excluded.data,
	expired_at = NULL
`, b.table)
	_, err := b.db.ExecContext(ctx, q, key, value)
	if err != nil {
		return errors.Wrap(err, "upsert")
	}
	return nil
}

func (b *sqliteBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return b.Delete(ctx, key)
	}

	q := fmt.Sprintf(`UPDATE %q SET expired_at = $1 WHERE key = $2`, b.table)
	_, err := b.db.ExecContext(ctx, q, b.nowFunc().Add(ttl).UTC().Format(time.DateTime), key)
	if err != nil {
		return errors.Wrap(err, "update")
	}
	return nil
}

func (b *sqliteBackend) Delete(ctx context.Context, key string) error {
	q := fmt.Sprintf(`DELETE FROM %q WHERE key = $1`, b.table)
	_, err := b.db.ExecContext(ctx, q, key)
	if err != nil {
		return errors.Wrap(err, "delete")
	}
	return nil
}

func (b *sqliteBackend) GC(ctx context.Context) error {
	q := fmt.Sprintf(`DELETE FROM %q WHERE datetime(expired_at) <= datetime($1)`, b.table)
	_, err := b.db.ExecContext(ctx, q, b.now())
	return err
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}

// Config contains options for the SQLite session backend.
type Config struct {
	// For tests only
	nowFunc func() time.Time
	db      *sql.DB
	openDB  func(dsn string) (*sql.DB, error)

	// Table is the table name for storing session data. Default is "sessions".
	Table string
	// InitTable indicates whether to create the session table when not exists
	// automatically.
	InitTable bool
}

func initTable(ctx context.Context, db *sql.DB, table string) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %q (
	key        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	expired_at TEXT
)`, table)
	_, err := db.ExecContext(ctx, q)
	return err
}

// Opener returns the session.Opener for the SQLite backend. The DSN of the
// driver configuration is the database file path.
func Opener(cfgs ...Config) session.Opener {
	var base Config
	if len(cfgs) > 0 {
		base = cfgs[0]
	}

	return func(ctx context.Context, dcfg session.DriverConfig) (session.Backend, error) {
		cfg := base
		owned := cfg.db == nil
		if owned {
			if dcfg.DSN == "" {
				return nil, errors.New("empty DSN")
			}

			openDB := cfg.openDB
			if openDB == nil {
				openDB = func(dsn string) (*sql.DB, error) {
					return sql.Open("sqlite", dsn)
				}
			}

			db, err := openDB(dcfg.DSN)
			if err != nil {
				return nil, errors.Wrap(err, "open database")
			}
			if dcfg.MaxConnections > 0 {
				db.SetMaxOpenConns(dcfg.MaxConnections)
			}
			cfg.db = db
		}

		if cfg.nowFunc == nil {
			cfg.nowFunc = time.Now
		}
		if cfg.Table == "" {
			cfg.Table = "sessions"
		}

		if cfg.InitTable {
			err := initTable(ctx, cfg.db, cfg.Table)
			if err != nil {
				if owned {
					_ = cfg.db.Close()
				}
				return nil, errors.Wrap(err, "create table")
			}
		}
		return newSQLiteBackend(cfg), nil
	}
}
