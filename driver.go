// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Driver is the storage driver that persists serialized session data in a
// Backend. The backend is opened on first use and reused for the lifetime of
// the driver. A Driver is safe for concurrent use.
type Driver struct {
	config  DriverConfig     // The normalized driver configuration
	opener  Opener           // The function to open the backend
	nowFunc func() time.Time // The function to return the current time
	encoder Encoder          // The encoder to encode the session data before saving
	decoder Decoder          // The decoder to decode binary to session data after reading

	lock    sync.Mutex // The mutex to guard accesses to the backend
	backend Backend    // The backend, nil until first successfully opened
}

// NewDriver returns a new driver for given configuration. No connection to the
// backing store is made until the driver is first used.
func NewDriver(cfg DriverConfig, opener Opener) (*Driver, error) {
	if cfg.isZero() {
		return nil, configErrorf("driver settings not found")
	}
	if opener == nil {
		return nil, configErrorf("no opener for backend %q", cfg.Backend)
	}

	cfg = cfg.withDefaults()
	encoder, decoder, err := cfg.codec()
	if err != nil {
		return nil, err
	}
	return &Driver{
		config:  cfg,
		opener:  opener,
		nowFunc: time.Now,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Config returns the normalized configuration of the driver.
func (d *Driver) Config() DriverConfig {
	return d.config
}

// open returns the backend, opening it if this is the first use. A failed
// attempt is not remembered so that the next call tries again.
func (d *Driver) open(ctx context.Context) (Backend, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.backend != nil {
		return d.backend, nil
	}

	backend, err := d.opener(ctx, d.config)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	d.backend = backend
	return backend, nil
}

// opened returns the backend only if it has already been opened.
func (d *Driver) opened() Backend {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.backend
}

func (d *Driver) key(sid string) string {
	return d.config.KeyPrefix + sid
}

// Get returns the raw persisted blob of the session. It returns (nil, nil) if
// the session does not exist or has expired in the backing store.
func (d *Driver) Get(ctx context.Context, sid string) ([]byte, error) {
	backend, err := d.open(ctx)
	if err != nil {
		return nil, err
	}

	binary, err := backend.Get(ctx, d.key(sid))
	if err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}
	return binary, nil
}

// Load returns the decoded data of the session, without the reserved expiry
// marker. It returns (nil, nil) if the session does not exist or the blob is
// empty, and a DeserializationError if the blob cannot be decoded.
func (d *Driver) Load(ctx context.Context, sid string) (Data, error) {
	binary, err := d.Get(ctx, sid)
	if err != nil {
		return nil, err
	} else if len(binary) == 0 {
		return nil, nil
	}

	data, err := d.decoder(binary)
	if err != nil {
		return nil, &DeserializationError{Err: err}
	} else if data == nil {
		data = make(Data)
	}
	delete(data, expiresKey)
	return data, nil
}

// Save persists the data of the session. When expiresAt is not zero, the
// expiry is embedded in the blob and the store-level TTL is set to the whole
// seconds left until expiresAt, clamped at zero. A positive TTL is set in the
// same call as the value when the backend implements TTLSetter.
func (d *Driver) Save(ctx context.Context, sid string, data Data, expiresAt time.Time) error {
	payload := data.clone()
	if !expiresAt.IsZero() {
		payload[expiresKey] = expiresAt.Unix()
	}

	binary, err := d.encoder(payload)
	if err != nil {
		return errors.Wrap(err, "encode")
	}

	backend, err := d.open(ctx)
	if err != nil {
		return err
	}

	key := d.key(sid)
	var ttl time.Duration
	if !expiresAt.IsZero() {
		ttl = ttlUntil(expiresAt, d.nowFunc())
		if setter, ok := backend.(TTLSetter); ok && ttl > 0 {
			err = setter.SetWithTTL(ctx, key, binary, ttl)
			if err != nil {
				return &StorageError{Op: "save", Err: errors.Wrap(err, "set")}
			}
			return nil
		}
	}

	err = backend.Set(ctx, key, binary)
	if err != nil {
		return &StorageError{Op: "save", Err: errors.Wrap(err, "set")}
	}

	if expiresAt.IsZero() {
		return nil
	}

	err = backend.Expire(ctx, key, ttl)
	if err != nil {
		return &StorageError{Op: "save", Err: errors.Wrap(err, "expire")}
	}
	return nil
}

// ttlUntil returns the whole seconds from now until t, never negative.
func ttlUntil(t, now time.Time) time.Duration {
	seconds := int64(t.Sub(now) / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds) * time.Second
}

// Clear deletes the session from the backing store. It does nothing if the
// session does not exist.
func (d *Driver) Clear(ctx context.Context, sid string) error {
	backend, err := d.open(ctx)
	if err != nil {
		return err
	}

	err = backend.Delete(ctx, d.key(sid))
	if err != nil {
		return &StorageError{Op: "clear", Err: err}
	}
	return nil
}

// GC removes expired sessions from backends without native eviction. It does
// nothing if the backend has not been opened yet.
func (d *Driver) GC(ctx context.Context) error {
	gcer, ok := d.opened().(GCer)
	if !ok {
		return nil
	}

	err := gcer.GC(ctx)
	if err != nil {
		return &StorageError{Op: "gc", Err: err}
	}
	return nil
}

// Close closes the backend if it has been opened. The driver may be used again
// afterwards, in which case the backend is reopened.
func (d *Driver) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.backend == nil {
		return nil
	}

	err := d.backend.Close()
	d.backend = nil
	return err
}

// sweep opens the backend if needed and removes expired sessions. It reports
// false when the backend has no GC to run.
func (d *Driver) sweep(ctx context.Context) (bool, error) {
	backend, err := d.open(ctx)
	if err != nil {
		return true, err
	}

	gcer, ok := backend.(GCer)
	if !ok {
		return false, nil
	}

	err = gcer.GC(ctx)
	if err != nil {
		return true, &StorageError{Op: "gc", Err: err}
	}
	return true, nil
}

// startGC starts a background goroutine to trigger GC of the driver in given
// time interval. Errors are reported using the `errFunc`. It returns a
// send-only channel for stopping the background goroutine.
//
// When `open` is true the goroutine opens the backend by itself, which is
// needed for a driver never used by requests. It closes the driver and stops
// once the backend turns out to have no GC.
func startGC(ctx context.Context, d *Driver, interval time.Duration, open bool, errFunc func(error)) chan<- struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			var err error
			if open {
				var more bool
				more, err = d.sweep(ctx)
				if !more {
					_ = d.Close()
					return
				}
			} else {
				err = d.GC(ctx)
			}
			if err != nil {
				errFunc(err)
			}

			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return stop
}
