// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration is matched by every ConfigurationError.
	ErrConfiguration = errors.New("session: configuration error")
	// ErrStorage is matched by every StorageError.
	ErrStorage = errors.New("session: storage error")
	// ErrDeserialization is matched by every DeserializationError.
	ErrDeserialization = errors.New("session: deserialization error")
	// ErrKeyNotFound is returned by Session.Lookup when the key does not exist.
	ErrKeyNotFound = errors.New("session: key not found")
)

// ConfigurationError reports missing or invalid session or driver settings.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "session: configuration: " + e.Reason
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// StorageError reports a transport or protocol failure of the backing store.
type StorageError struct {
	Op  string // The driver operation, i.e. "get", "save" or "clear"
	Err error  // The underlying backend error
}

func (e *StorageError) Error() string {
	return "session: storage: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// DeserializationError reports a persisted blob that could not be decoded.
type DeserializationError struct {
	Err error
}

func (e *DeserializationError) Error() string {
	return "session: decode: " + e.Err.Error()
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}

func (e *DeserializationError) Is(target error) bool {
	return target == ErrDeserialization
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigurationError{Reason: errors.Errorf(format, args...).Error()}
}
