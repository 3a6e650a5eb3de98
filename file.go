// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"encoding/binary"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// fileHeaderSize is the size of the header of every file, holding the expiry in
// unix nanoseconds as a big-endian integer, zero for no expiry.
const fileHeaderSize = 8

const minimumKeyLength = 3

var ErrMinimumKeyLength = errors.Errorf("the key does not have the minimum required length %d", minimumKeyLength)

var (
	_ Backend = (*fileBackend)(nil)
	_ GCer    = (*fileBackend)(nil)
)

// fileBackend is a file implementation of the backend.
type fileBackend struct {
	nowFunc func() time.Time // The function to return the current time
	rootDir string           // The root directory of file items stored on the local file system

	lock sync.RWMutex // The mutex to guard read-modify-write of files
}

// newFileBackend returns a new file backend based on given configuration.
func newFileBackend(cfg FileConfig) *fileBackend {
	return &fileBackend{
		nowFunc: cfg.nowFunc,
		rootDir: cfg.RootDir,
	}
}

// filename returns the computed file name with given key.
func (b *fileBackend) filename(key string) string {
	return filepath.Join(b.rootDir, string(key[0]), string(key[1]), key)
}

// readFile returns the value and expiry stored in given file. It returns
// os.ErrNotExist if the file does not exist.
func readFile(filename string) (value []byte, expiresAt time.Time, err error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(raw) < fileHeaderSize {
		return nil, time.Time{}, errors.Errorf("truncated file %q", filename)
	}

	nanos := int64(binary.BigEndian.Uint64(raw[:fileHeaderSize]))
	if nanos != 0 {
		expiresAt = time.Unix(0, nanos)
	}
	return raw[fileHeaderSize:], expiresAt, nil
}

func fileHeader(expiresAt time.Time) []byte {
	header := make([]byte, fileHeaderSize)
	if !expiresAt.IsZero() {
		binary.BigEndian.PutUint64(header, uint64(expiresAt.UnixNano()))
	}
	return header
}

func (b *fileBackend) Get(_ context.Context, key string) ([]byte, error) {
	if len(key) < minimumKeyLength {
		return nil, ErrMinimumKeyLength
	}

	b.lock.RLock()
	defer b.lock.RUnlock()

	value, expiresAt, err := readFile(b.filename(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read file")
	}

	// Discard existing data if it's expired
	if !expiresAt.IsZero() && !b.nowFunc().Before(expiresAt) {
		return nil, nil
	}
	return value, nil
}

func (b *fileBackend) Set(_ context.Context, key string, value []byte) error {
	if len(key) < minimumKeyLength {
		return ErrMinimumKeyLength
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	filename := b.filename(key)
	err := os.MkdirAll(filepath.Dir(filename), 0700)
	if err != nil {
		return errors.Wrap(err, "create parent directory")
	}

	err = os.WriteFile(filename, append(fileHeader(time.Time{}), value...), 0600)
	if err != nil {
		return errors.Wrap(err, "write file")
	}
	return nil
}

func (b *fileBackend) Expire(_ context.Context, key string, ttl time.Duration) error {
	if len(key) < minimumKeyLength {
		return ErrMinimumKeyLength
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	filename := b.filename(key)
	if ttl <= 0 {
		err := os.Remove(filename)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrap(err, "remove file")
		}
		return nil
	}

	f, err := os.OpenFile(filename, os.O_WRONLY, 0600)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errors.Wrap(err, "open file")
	}
	defer func() { _ = f.Close() }()

	_, err = f.WriteAt(fileHeader(b.nowFunc().Add(ttl)), 0)
	if err != nil {
		return errors.Wrap(err, "write header")
	}
	return nil
}

func (b *fileBackend) Delete(_ context.Context, key string) error {
	if len(key) < minimumKeyLength {
		return nil
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	err := os.Remove(b.filename(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *fileBackend) GC(ctx context.Context) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	err := filepath.WalkDir(b.rootDir, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		_, expiresAt, err := readFile(path)
		if err != nil {
			return err
		}
		if expiresAt.IsZero() || expiresAt.After(b.nowFunc()) {
			return nil
		}
		return os.Remove(path)
	})
	if err != nil && !errors.Is(err, ctx.Err()) && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *fileBackend) Close() error {
	return nil
}

// FileConfig contains options for the file backend.
type FileConfig struct {
	// For tests only
	nowFunc func() time.Time

	// RootDir is the root directory of file items stored on the local file
	// system. Default is DriverConfig.DSN, or "sessions" if that is empty too.
	RootDir string
}

// FileOpener returns the Opener for the file backend.
func FileOpener(cfgs ...FileConfig) Opener {
	var cfg FileConfig
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	}

	return func(_ context.Context, dcfg DriverConfig) (Backend, error) {
		cfg := cfg
		if cfg.nowFunc == nil {
			cfg.nowFunc = time.Now
		}
		if cfg.RootDir == "" {
			cfg.RootDir = dcfg.DSN
		}
		if cfg.RootDir == "" {
			cfg.RootDir = "sessions"
		}

		err := os.MkdirAll(cfg.RootDir, 0700)
		if err != nil {
			return nil, errors.Wrap(err, "create root directory")
		}
		return newFileBackend(cfg), nil
	}
}
