// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/flamego/flamego"

	"github.com/flamego/kvsession"
	"github.com/flamego/kvsession/mongo"
	"github.com/flamego/kvsession/mysql"
	"github.com/flamego/kvsession/postgres"
	"github.com/flamego/kvsession/redis"
	"github.com/flamego/kvsession/sqlite"
)

// openerFor returns the opener of the named backend.
func openerFor(backend string) (session.Opener, error) {
	switch backend {
	case "", "redis":
		return redis.Opener(), nil
	case "postgres":
		return postgres.Opener(postgres.Config{InitTable: true}), nil
	case "mysql":
		return mysql.Opener(mysql.Config{InitTable: true}), nil
	case "sqlite":
		return sqlite.Opener(sqlite.Config{InitTable: true}), nil
	case "mongo":
		return mongo.Opener(mongo.Config{InitIndex: true}), nil
	case "memory":
		return session.MemoryOpener(), nil
	case "file":
		return session.FileOpener(), nil
	}
	return nil, errors.Wrapf(session.ErrConfiguration, "unknown backend %q", backend)
}

// loadConfig reads the configuration file and applies environment overrides.
// Variables in a .env file of the working directory are loaded first.
func loadConfig(path string) (session.Config, error) {
	_ = godotenv.Load()

	binary, err := os.ReadFile(path)
	if err != nil {
		return session.Config{}, errors.Wrap(err, "read config")
	}

	cfg, err := session.ParseConfig(binary)
	if err != nil {
		return session.Config{}, err
	}

	err = cfg.ApplyEnv()
	if err != nil {
		return session.Config{}, err
	}
	return cfg, cfg.Validate()
}

// newApp returns the flamego application serving session routes.
func newApp(cfg session.Config, opener session.Opener, logger *log.Logger) *flamego.Flame {
	f := flamego.New()
	f.Use(session.Sessioner(
		session.Options{
			Config: cfg,
			Opener: opener,
			Logger: logger,
		},
	))

	f.Get("/", func(s session.Session) string {
		var b strings.Builder
		for _, key := range s.Keys() {
			_, _ = fmt.Fprintf(&b, "%s=%v\n", key, s.Get(key))
		}
		return b.String()
	})
	f.Get("/get/{key}", func(c flamego.Context, s session.Session) (int, string) {
		val, err := s.Lookup(c.Param("key"))
		if err != nil {
			return http.StatusNotFound, err.Error()
		}
		return http.StatusOK, fmt.Sprint(val)
	})
	f.Post("/set/{key}/{value}", func(c flamego.Context, s session.Session) error {
		return s.Set(c.Param("key"), c.Param("value"))
	})
	f.Post("/delete/{key}", func(c flamego.Context, s session.Session) error {
		return s.Delete(c.Param("key"))
	})
	f.Post("/destroy", func(s session.Session) error {
		return s.Destroy()
	})
	return f
}

func newRootCommand(logger *log.Logger) *cobra.Command {
	var (
		configPath string
		addr       string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:           "kvsessiond",
		Short:         "kvsessiond serves HTTP sessions stored in Redis, SQL databases, MongoDB, files or memory",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Redis on localhost, configured by file
  kvsessiond --config session.yaml

  # Override the store with environment variables
  SESSION_DRIVER_BACKEND=sqlite SESSION_DRIVER_DSN=sessions.db kvsessiond --config session.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logger.SetLevel(log.DebugLevel)
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			opener, err := openerFor(cfg.DriverSettings.Backend)
			if err != nil {
				return err
			}

			logger.Info("Listening", "addr", addr, "backend", cfg.DriverSettings.Backend)
			return http.ListenAndServe(addr, newApp(cfg, opener, logger))
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "session.yaml", "path to the YAML configuration file")
	flags.StringVar(&addr, "addr", "localhost:2830", "address to listen on")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}
