// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// DefaultLifetime is the default server-side lifetime of a session.
const DefaultLifetime = 1200 * time.Second

// idBytes is the number of random bytes in a session ID, i.e. 128 bits.
const idBytes = 16

// newID returns a new session ID made of 128 random bits in lowercase hex.
func newID() (string, error) {
	b := make([]byte, idBytes)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// isValidSessionID returns true if given session ID looks like a valid ID.
func isValidSessionID(sid string) bool {
	if len(sid) != 2*idBytes {
		return false
	}

	for i := range sid {
		switch {
		case '0' <= sid[i] && sid[i] <= '9':
		case 'a' <= sid[i] && sid[i] <= 'f':
		default:
			return false
		}
	}
	return true
}

// ManagerOptions contains options for a per-request Manager.
type ManagerOptions struct {
	// For tests only
	nowFunc func() time.Time

	// ReadID returns the session ID carried by the client, or an empty string.
	ReadID func() string
	// WriteID hands a newly minted session ID to the client. A zero expires
	// means a browser-session cookie.
	WriteID func(sid string, expires time.Time)
	// Cookie is the expiry policy of the client cookie.
	Cookie CookiePolicy
	// Lifetime is the server-side lifetime of the session counted from the
	// construction of the manager. Default is DefaultLifetime.
	Lifetime time.Duration
	// ForcePersistence saves the session on every mutation instead of only on
	// Flush.
	ForcePersistence bool
	// Logger is the logger to use. Default is discarding logs.
	Logger *log.Logger
}

var (
	_ Session   = (*Manager)(nil)
	_ Lifecycle = (*Manager)(nil)
)

// Manager is the session of a single request. It resolves the session
// identity lazily on first access, tracks mutations and persists them through
// the Driver. It is not safe for concurrent use.
type Manager struct {
	ctx    context.Context // The context of the request
	driver *Driver         // The storage driver
	opts   ManagerOptions  // The options

	expires       time.Time // The expiry of the stored session
	cookieExpires time.Time // The expiry of the cookie, zero for a browser-session cookie

	loaded bool   // Whether the identity has been resolved
	err    error  // The error of the identity resolution
	sid    string // The session ID
	data   Data   // The session data
	dirty  bool   // Whether the data has been changed since last persisted
}

// New returns a new Manager for the request with given context. Expiry is
// computed at this point.
func New(ctx context.Context, driver *Driver, opts ManagerOptions) (*Manager, error) {
	if driver == nil {
		return nil, configErrorf("driver settings not found")
	}

	if opts.nowFunc == nil {
		opts.nowFunc = time.Now
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = DefaultLifetime
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger
	}

	m := &Manager{
		ctx:    ctx,
		driver: driver,
		opts:   opts,
	}
	m.expires, m.cookieExpires = computeExpiry(opts.nowFunc(), opts.Lifetime, opts.Cookie)
	return m, nil
}

// computeExpiry returns the expiry of the stored session and of the cookie. An
// absolute cookie expiry wins over a day count. Without any cookie policy the
// cookie expiry is zero.
func computeExpiry(now time.Time, lifetime time.Duration, policy CookiePolicy) (store, cookie time.Time) {
	switch {
	case !policy.Expires.IsZero():
		cookie = policy.Expires
	case policy.ExpiresDays > 0:
		cookie = now.AddDate(0, 0, policy.ExpiresDays)
	}

	store = now.Add(lifetime)
	if !cookie.IsZero() && !policy.IndependentExpiry {
		store = cookie
	}
	return store, cookie
}

// Load resolves the session identity if that has not been done yet. It returns
// the error of the resolution, which is remembered for subsequent calls.
func (m *Manager) Load() error {
	if !m.loaded {
		m.loaded = true
		m.err = m.resolve()
	}
	return m.err
}

func (m *Manager) resolve() error {
	var sid string
	if m.opts.ReadID != nil {
		sid = m.opts.ReadID()
	}

	if isValidSessionID(sid) {
		data, err := m.driver.Load(m.ctx, sid)
		switch {
		case err == nil && data != nil:
			m.sid = sid
			m.data = data
			m.dirty = false
			return nil
		case errors.Is(err, ErrDeserialization):
			m.opts.Logger.Warn("Discarding undecodable session", "err", err)
		case err != nil:
			return err
		}
	}

	sid, err := newID()
	if err != nil {
		return errors.Wrap(err, "new ID")
	}
	m.sid = sid
	m.data = make(Data)
	m.dirty = true

	if m.opts.WriteID != nil {
		m.opts.WriteID(sid, m.cookieExpires)
	}
	m.opts.Logger.Debug("New session created")
	return nil
}

func (m *Manager) OnRequestStart() error {
	return m.Load()
}

func (m *Manager) OnRequestEnd() error {
	return m.Flush()
}

func (m *Manager) ID() string {
	_ = m.Load()
	return m.sid
}

func (m *Manager) Expires() time.Time {
	_ = m.Load()
	return m.expires
}

// CookieExpires returns the expiry of the identity cookie, or zero for a
// browser-session cookie.
func (m *Manager) CookieExpires() time.Time {
	return m.cookieExpires
}

func (m *Manager) Err() error {
	return m.err
}

func (m *Manager) Get(key string) interface{} {
	return m.GetOr(key, nil)
}

func (m *Manager) GetOr(key string, def interface{}) interface{} {
	if m.Load() != nil {
		return def
	}
	val, ok := m.data[key]
	if !ok {
		return def
	}
	return val
}

func (m *Manager) Lookup(key string) (interface{}, error) {
	if err := m.Load(); err != nil {
		return nil, err
	}
	val, ok := m.data[key]
	if !ok {
		return nil, errors.Wrap(ErrKeyNotFound, key)
	}
	return val, nil
}

func (m *Manager) Has(key string) bool {
	if m.Load() != nil {
		return false
	}
	_, ok := m.data[key]
	return ok
}

func (m *Manager) Keys() []string {
	if m.Load() != nil {
		return nil
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) Set(key string, val interface{}) error {
	if err := m.Load(); err != nil {
		return err
	}
	m.data[key] = val
	m.dirty = true
	return m.writeThrough()
}

func (m *Manager) Delete(key string) error {
	if err := m.Load(); err != nil {
		return err
	}
	delete(m.data, key)
	m.dirty = true
	return m.writeThrough()
}

// writeThrough saves the session right away when force persistence is on.
func (m *Manager) writeThrough() error {
	if !m.opts.ForcePersistence {
		return nil
	}
	return m.save()
}

func (m *Manager) save() error {
	err := m.driver.Save(m.ctx, m.sid, m.data, m.expires)
	if err != nil {
		return err
	}
	m.dirty = false
	return nil
}

func (m *Manager) Dirty() bool {
	_ = m.Load()
	return m.dirty
}

func (m *Manager) Flush() error {
	if err := m.Load(); err != nil {
		return err
	}
	if !m.dirty {
		return nil
	}
	return m.save()
}

func (m *Manager) Destroy() error {
	if err := m.Load(); err != nil {
		return err
	}
	err := m.driver.Clear(m.ctx, m.sid)
	if err != nil {
		return err
	}
	m.data = make(Data)
	m.dirty = false
	return nil
}
