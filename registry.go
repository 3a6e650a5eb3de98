// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
)

// DefaultRegistry is the process-wide registry used by Sessioner unless
// Options.Registry is set.
var DefaultRegistry = NewRegistry(nil)

// Registry caches one Driver per distinct driver configuration so that
// concurrent requests share a single connection pool. It is safe for
// concurrent use.
type Registry struct {
	logger *log.Logger // The logger, may be nil

	lock    sync.Mutex         // The mutex to guard accesses to the drivers
	drivers map[uint64]*Driver // The drivers keyed by configuration fingerprint
}

// NewRegistry returns a new empty registry.
func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{
		logger:  logger,
		drivers: make(map[uint64]*Driver),
	}
}

// fingerprint returns the hash of the normalized configuration. The password
// takes part in the hash but never leaves this function.
func fingerprint(cfg DriverConfig) uint64 {
	fields := []string{
		cfg.Backend,
		cfg.Host,
		strconv.Itoa(cfg.Port),
		strconv.Itoa(cfg.DB),
		cfg.Password,
		strconv.Itoa(cfg.MaxConnections),
		cfg.DSN,
		cfg.KeyPrefix,
		cfg.Codec,
	}
	return xxhash.Sum64String(strings.Join(fields, "\x00"))
}

// GetOrCreate returns the driver for given configuration, creating it on the
// first call. Concurrent callers with the same configuration observe the same
// driver. A failed creation is not cached.
func (r *Registry) GetOrCreate(cfg DriverConfig, opener Opener) (*Driver, error) {
	key := fingerprint(cfg.withDefaults())

	r.lock.Lock()
	defer r.lock.Unlock()

	if d, ok := r.drivers[key]; ok {
		return d, nil
	}

	d, err := NewDriver(cfg, opener)
	if err != nil {
		return nil, err
	}
	r.drivers[key] = d

	if r.logger != nil {
		r.logger.Debug("session driver created", "backend", d.config.Backend, "fingerprint", key)
	}
	return d, nil
}

// Driver returns the shared driver for given configuration when share is true,
// or a new private driver otherwise.
func (r *Registry) Driver(cfg DriverConfig, opener Opener, share bool) (*Driver, error) {
	if share {
		return r.GetOrCreate(cfg, opener)
	}
	return NewDriver(cfg, opener)
}

// Len returns the number of cached drivers.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.drivers)
}

// Close closes all cached drivers and empties the registry. It returns the
// first error encountered.
func (r *Registry) Close() error {
	r.lock.Lock()
	drivers := r.drivers
	r.drivers = make(map[uint64]*Driver)
	r.lock.Unlock()

	var first error
	for _, d := range drivers {
		if err := d.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
