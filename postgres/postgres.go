// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	"github.com/flamego/kvsession"
)

var (
	_ session.Backend = (*postgresBackend)(nil)
	_ session.GCer    = (*postgresBackend)(nil)
)

// postgresBackend is a Postgres implementation of the session backend. A NULL
// expired_at means the key never expires.
type postgresBackend struct {
	nowFunc func() time.Time // The function to return the current time
	db      *sql.DB          // The database connection
	table   string           // The database table for storing session data
}

// newPostgresBackend returns a new Postgres session backend based on given
// configuration.
func newPostgresBackend(cfg Config) *postgresBackend {
	return &postgresBackend{
		nowFunc: cfg.nowFunc,
		db:      cfg.db,
		table:   cfg.Table,
	}
}

func (b *postgresBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var binary []byte
	q := fmt.Sprintf(`SELECT data FROM %q WHERE key = $1 AND (expired_at IS NULL OR expired_at > $2)`, b.table)
	err := b.db.QueryRowContext(ctx, q, key, b.nowFunc().UTC()).Scan(&binary)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "select")
	}
	return binary, nil
}

func (b *postgresBackend) Set(ctx context.Context, key string, value []byte) error {
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

func (b *postgresBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return b.Delete(ctx, key)
	}

	q := fmt.Sprintf(`UPDATE %q SET expired_at = $1 WHERE key = $2`, b.table)
	_, err := b.db.ExecContext(ctx, q, b.nowFunc().Add(ttl).UTC(), key)
	if err != nil {
		return errors.Wrap(err, "update")
	}
	return nil
}

func (b *postgresBackend) Delete(ctx context.Context, key string) error {
	q := fmt.Sprintf(`DELETE FROM %q WHERE key = $1`, b.table)
	_, err := b.db.ExecContext(ctx, q, key)
	if err != nil {
		return errors.Wrap(err, "delete")
	}
	return nil
}

func (b *postgresBackend) GC(ctx context.Context) error {
	q := fmt.Sprintf(`DELETE FROM %q WHERE expired_at <= $1`, b.table)
	_, err := b.db.ExecContext(ctx, q, b.nowFunc().UTC())
	return err
}

func (b *postgresBackend) Close() error {
	return b.db.Close()
}

// Config contains options for the Postgres session backend.
type Config struct {
	// For tests only
	nowFunc func() time.Time
	db      *sql.DB

	// Table is the table name for storing session data. Default is "sessions".
	Table string
	// InitTable indicates whether to create the session table when not exists
	// automatically.
	InitTable bool
}

func openDB(dsn string) (*sql.DB, error) {
	config, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return stdlib.OpenDB(*config), nil
}

func initTable(ctx context.Context, db *sql.DB, table string) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %q (
	key        TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	expired_at TIMESTAMP WITH TIME ZONE
)`, table)
	_, err := db.ExecContext(ctx, q)
	return err
}

// Opener returns the session.Opener for the Postgres backend. The connection
// is made with the DSN of the driver configuration, and the pool size is
// capped by its MaxConnections.
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

			db, err := openDB(dcfg.DSN)
			if err != nil {
				return nil, errors.Wrap(err, "open database")
			}
			if dcfg.MaxConnections > 0 {
				db.SetMaxOpenConns(dcfg.MaxConnections)
			}

			err = db.PingContext(ctx)
			if err != nil {
				_ = db.Close()
				return nil, errors.Wrap(err, "ping")
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
		return newPostgresBackend(cfg), nil
	}
}
