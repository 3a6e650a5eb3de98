// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// CookiePolicy is the expiry policy of the client cookie.
type CookiePolicy struct {
	// Expires is the absolute expiry of the cookie. It takes precedence over
	// ExpiresDays.
	Expires time.Time `yaml:"expires"`
	// ExpiresDays is the expiry of the cookie in days from now. Zero is the
	// same as not set, i.e. it never means "expires now"; use Expires for an
	// absolute expiry in the past.
	ExpiresDays int `yaml:"expires_days" env:"EXPIRES_DAYS"`
	// IndependentExpiry keeps the server-side TTL at Config.Lifetime instead of
	// following the cookie expiry.
	IndependentExpiry bool `yaml:"independent_expiry" env:"INDEPENDENT_EXPIRY"`
}

// Config is the session configuration, i.e. the `session` block of a
// configuration file.
type Config struct {
	// DriverSettings contains connection parameters of the backing store. It is
	// required.
	DriverSettings DriverConfig `yaml:"driver_settings" envPrefix:"SESSION_DRIVER_"`
	// ForcePersistence saves the session on every mutation. Default is false.
	ForcePersistence bool `yaml:"force_persistence" env:"SESSION_FORCE_PERSISTENCE"`
	// CacheDriver shares one driver per configuration within the process.
	// Default is true.
	CacheDriver *bool `yaml:"cache_driver" env:"SESSION_CACHE_DRIVER"`
	// CookieConfig is the expiry policy of the client cookie. Default is a
	// browser-session cookie.
	CookieConfig CookiePolicy `yaml:"cookie_config" envPrefix:"SESSION_COOKIE_"`
	// Lifetime is the server-side lifetime of a session. Default is 1200 seconds.
	Lifetime time.Duration `yaml:"lifetime" env:"SESSION_LIFETIME"`
}

// ShareDriver returns true if the driver should be shared within the process.
func (c Config) ShareDriver() bool {
	return c.CacheDriver == nil || *c.CacheDriver
}

// Validate returns a ConfigurationError if the configuration is incomplete or
// invalid.
func (c Config) Validate() error {
	if c.DriverSettings.isZero() {
		return configErrorf("driver settings not found")
	}
	if _, _, err := c.DriverSettings.withDefaults().codec(); err != nil {
		return err
	}
	if c.Lifetime < 0 {
		return configErrorf("negative lifetime %s", c.Lifetime)
	}
	if c.CookieConfig.ExpiresDays < 0 {
		return configErrorf("negative cookie expires_days %d", c.CookieConfig.ExpiresDays)
	}
	return nil
}

// ApplyEnv overrides the configuration with environment variables, e.g.
// SESSION_DRIVER_HOST or SESSION_FORCE_PERSISTENCE. Unset variables leave the
// configuration untouched.
func (c *Config) ApplyEnv() error {
	err := env.Parse(c)
	if err != nil {
		return configErrorf("parse environment: %v", err)
	}
	return nil
}

// ParseConfig parses the YAML configuration whose top-level `session` block
// holds the session configuration, and validates it.
func ParseConfig(binary []byte) (Config, error) {
	var file struct {
		Session *Config `yaml:"session"`
	}
	err := yaml.Unmarshal(binary, &file)
	if err != nil {
		return Config{}, configErrorf("parse YAML: %v", err)
	}
	if file.Session == nil {
		return Config{}, configErrorf("session block not found")
	}

	err = file.Session.Validate()
	if err != nil {
		return Config{}, err
	}
	return *file.Session, nil
}
