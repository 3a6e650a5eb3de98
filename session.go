// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"io"
	"net/http"
	"os"
	"reflect"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/flamego/flamego"
)

// Session is a session for the current request.
type Session interface {
	// ID returns the session ID.
	ID() string
	// Expires returns the time after which the stored session expires.
	Expires() time.Time
	// Get returns the value of given key in the session. It returns nil if no such
	// key exists.
	Get(key string) interface{}
	// GetOr returns the value of given key in the session, or def if no such key
	// exists.
	GetOr(key string, def interface{}) interface{}
	// Lookup returns the value of given key in the session. It returns an error
	// matching ErrKeyNotFound if no such key exists.
	Lookup(key string) (interface{}, error)
	// Has returns true if given key exists in the session.
	Has(key string) bool
	// Keys returns a snapshot of keys in the session, sorted.
	Keys() []string
	// Set sets the value of given key in the session.
	Set(key string, val interface{}) error
	// Delete deletes a key from the session. It is not an error if no such key
	// exists.
	Delete(key string) error
	// Dirty returns true if the session has changes not yet persisted.
	Dirty() bool
	// Flush persists the session if it is dirty.
	Flush() error
	// Destroy deletes the session from the backing store.
	Destroy() error
	// Load resolves the session identity. It is called implicitly by every
	// other method.
	Load() error
	// Err returns the error that occurred while resolving the session identity.
	Err() error
}

// Lifecycle is the pair of hooks run by the host framework around a request.
type Lifecycle interface {
	// OnRequestStart resolves the session identity eagerly.
	OnRequestStart() error
	// OnRequestEnd persists the session if it is dirty.
	OnRequestEnd() error
}

// CookieOptions contains options for setting HTTP cookies.
type CookieOptions struct {
	// Name is the name of the cookie. Default is "msid".
	Name string
	// Path is the Path attribute of the cookie. Default is "/".
	Path string
	// Domain is the Domain attribute of the cookie. Default is not set.
	Domain string
	// Secure specifies whether to set Secure for the cookie.
	Secure bool
	// HTTPOnly specifies whether to set HTTPOnly for the cookie.
	HTTPOnly bool
	// SameSite is the SameSite attribute of the cookie. Default is
	// http.SameSiteLaxMode.
	SameSite http.SameSite
}

// Options contains options for the session.Sessioner middleware.
type Options struct {
	// Config is the session configuration. Config.DriverSettings is required.
	Config Config
	// Opener is the function to open the backing store, e.g. redis.Opener().
	// It is required.
	Opener Opener
	// Registry is the driver cache used when Config shares the driver. Default
	// is DefaultRegistry.
	Registry *Registry
	// Cookie is a set of options for setting HTTP cookies.
	Cookie CookieOptions
	// GCInterval is the time interval for GC operations of backends that need
	// them. Default is 5 minutes.
	GCInterval time.Duration
	// Logger is the logger for background and request errors. Default writes to
	// stderr with the "session" prefix.
	Logger *log.Logger
	// ErrorFunc is the function used to print errors when something went wrong on
	// the background. Default is to log them with Logger.
	ErrorFunc func(err error)
	// ReadIDFunc is the function to read session ID from the request. Default is
	// reading from cookie.
	ReadIDFunc func(r *http.Request) string
	// WriteIDFunc is the function to write a new session ID to the response.
	// Default is writing to cookie. A zero expires means a browser-session cookie.
	WriteIDFunc func(w http.ResponseWriter, r *http.Request, sid string, expires time.Time)
}

var discardLogger = log.New(io.Discard)

func parseOptions(opts Options) Options {
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry
	}

	if reflect.DeepEqual(opts.Cookie, CookieOptions{}) {
		opts.Cookie = CookieOptions{
			HTTPOnly: true,
		}
	}
	if opts.Cookie.Name == "" {
		opts.Cookie.Name = "msid"
	}
	if opts.Cookie.SameSite < http.SameSiteDefaultMode || opts.Cookie.SameSite > http.SameSiteNoneMode {
		opts.Cookie.SameSite = http.SameSiteLaxMode
	}
	if opts.Cookie.Path == "" {
		opts.Cookie.Path = "/"
	}

	if opts.GCInterval.Seconds() < 1 {
		opts.GCInterval = 5 * time.Minute
	}

	if opts.Logger == nil {
		opts.Logger = log.NewWithOptions(os.Stderr, log.Options{
			Prefix:          "session",
			ReportTimestamp: true,
		})
	}
	if opts.ErrorFunc == nil {
		logger := opts.Logger
		opts.ErrorFunc = func(err error) {
			logger.Error("Background operation failed", "err", err)
		}
	}

	if opts.ReadIDFunc == nil {
		opts.ReadIDFunc = func(r *http.Request) string {
			cookie, err := r.Cookie(opts.Cookie.Name)
			if err != nil {
				return ""
			}
			return cookie.Value
		}
	}
	if opts.WriteIDFunc == nil {
		opts.WriteIDFunc = func(w http.ResponseWriter, r *http.Request, sid string, expires time.Time) {
			cookie := &http.Cookie{
				Name:     opts.Cookie.Name,
				Value:    sid,
				Path:     opts.Cookie.Path,
				Domain:   opts.Cookie.Domain,
				Expires:  expires,
				Secure:   opts.Cookie.Secure,
				HttpOnly: opts.Cookie.HTTPOnly,
				SameSite: opts.Cookie.SameSite,
			}
			http.SetCookie(w, cookie)
			r.AddCookie(cookie)
		}
	}
	return opts
}

// Sessioner returns a middleware handler that injects session.Session into the
// request context. The session identity is resolved before the next handler
// runs and the session is flushed after it returns.
//
// It panics with the ConfigurationError at startup when the configuration is
// invalid.
func Sessioner(opts ...Options) flamego.Handler {
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}
	opt = parseOptions(opt)

	err := opt.Config.Validate()
	if err != nil {
		panic(err)
	}
	if opt.Opener == nil {
		panic(configErrorf("no opener for backend %q", opt.Config.DriverSettings.Backend))
	}

	share := opt.Config.ShareDriver()
	gcDriver, err := opt.Registry.Driver(opt.Config.DriverSettings, opt.Opener, share)
	if err != nil {
		panic(err)
	}
	// A private GC driver is never opened by requests.
	startGC(context.Background(), gcDriver, opt.GCInterval, !share, opt.ErrorFunc)

	return flamego.ContextInvoker(func(c flamego.Context) {
		r := c.Request().Request
		w := c.ResponseWriter()

		driver := gcDriver
		if !share {
			private, err := NewDriver(opt.Config.DriverSettings, opt.Opener)
			if err != nil {
				panic(err)
			}
			defer func() { _ = private.Close() }()
			driver = private
		}

		sess, err := New(r.Context(), driver, ManagerOptions{
			ReadID: func() string {
				return opt.ReadIDFunc(r)
			},
			WriteID: func(sid string, expires time.Time) {
				opt.WriteIDFunc(w, r, sid, expires)
			},
			Cookie:           opt.Config.CookieConfig,
			Lifetime:         opt.Config.Lifetime,
			ForcePersistence: opt.Config.ForcePersistence,
			Logger:           opt.Logger,
		})
		if err != nil {
			panic(err)
		}

		err = sess.OnRequestStart()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				return
			}
			opt.Logger.Error("Failed to load session", "err", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		c.MapTo(sess, (*Session)(nil))
		c.Next()

		err = sess.OnRequestEnd()
		if err != nil && !errors.Is(err, context.Canceled) {
			opt.Logger.Error("Failed to flush session", "err", err)
			panic(errors.Wrap(err, "session: flush"))
		}
	})
}
