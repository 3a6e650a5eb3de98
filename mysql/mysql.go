// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/flamego/kvsession"
)

var (
	_ session.Backend = (*mysqlBackend)(nil)
	_ session.GCer    = (*mysqlBackend)(nil)
)

// mysqlBackend is a MySQL implementation of the session backend. A NULL
// expired_at means the key never expires.
type mysqlBackend struct {
	nowFunc func() time.Time // The function to return the current time
	db      *sql.DB          // The database connection
	table   string           // The database table for storing session data
}

// newMySQLBackend returns a new MySQL session backend based on given
// configuration.
func newMySQLBackend(cfg Config) *mysqlBackend {
	return &mysqlBackend{
		nowFunc: cfg.nowFunc,
		db:      cfg.db,
		table:   cfg.Table,
	}
}

func quoteWithBackticks(s string) string {
	return "`" + s + "`"
}

func (b *mysqlBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var binary []byte
	q := fmt.Sprintf(
		`SELECT data FROM %s WHERE %s = ? AND (expired_at IS NULL OR expired_at > ?)`,
		quoteWithBackticks(b.table),
		quoteWithBackticks("key"),
	)
	err := b.db.QueryRowContext(ctx, q, key, b.nowFunc().UTC()).Scan(&binary)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "select")
	}
	return binary, nil
}

func (b *mysqlBackend) Set(ctx context.Context, key string, value []byte) error {
	q := fmt.Sprintf(`
INSERT INTO %s (%s, data, expired_at)
VALUES (?, ?, NULL)
ON DUPLICATE KEY UPDATE
	data       = VALUES(data),
	expired_at = NULL
`,
		quoteWithBackticks(b.table),
		quoteWithBackticks("key"),
	)
	_, err := b.db.ExecContext(ctx, q, key, value)
	if err != nil {
		return errors.Wrap(err, "upsert")
	}
	return nil
}

func (b *mysqlBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return b.Delete(ctx, key)
	}

	q := fmt.Sprintf(
		`UPDATE %s SET expired_at = ? WHERE %s = ?`,
		quoteWithBackticks(b.table),
		quoteWithBackticks("key"),
	)
	_, err := b.db.ExecContext(ctx, q, b.nowFunc().Add(ttl).UTC(), key)
	if err != nil {
		return errors.Wrap(err, "update")
	}
	return nil
}

func (b *mysqlBackend) Delete(ctx context.Context, key string) error {
	q := fmt.Sprintf(
		`DELETE FROM %s WHERE %s = ?`,
		quoteWithBackticks(b.table),
		quoteWithBackticks("key"),
	)
	_, err := b.db.ExecContext(ctx, q, key)
	if err != nil {
		return errors.Wrap(err, "delete")
	}
	return nil
}

func (b *mysqlBackend) GC(ctx context.Context) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE expired_at <= ?`, quoteWithBackticks(b.table))
	_, err := b.db.ExecContext(ctx, q, b.nowFunc().UTC())
	return err
}

func (b *mysqlBackend) Close() error {
	return b.db.Close()
}

// Config contains options for the MySQL session backend.
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

// openDB opens the database with given DSN. Time values are always parsed and
// written in UTC.
func openDB(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse DSN")
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "new connector")
	}
	return sql.OpenDB(connector), nil
}

func initTable(ctx context.Context, db *sql.DB, table string) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	%s         VARCHAR(255) NOT NULL,
	data       BLOB NOT NULL,
	expired_at DATETIME NULL,
	PRIMARY KEY (%[2]s)
) DEFAULT CHARSET=utf8`,
		quoteWithBackticks(table),
		quoteWithBackticks("key"),
	)
	_, err := db.ExecContext(ctx, q)
	return err
}

// Opener returns the session.Opener for the MySQL backend. The connection is
// made with the DSN of the driver configuration, and the pool size is capped
// by its MaxConnections.
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
		return newMySQLBackend(cfg), nil
	}
}
