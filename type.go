// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Data is the data structure for storing session data.
type Data map[string]interface{}

// Encoder is an encoder to encode session data to binary.
type Encoder func(Data) ([]byte, error)

// Decoder is a decoder to decode binary to session data.
type Decoder func([]byte) (Data, error)

// expiresKey is the reserved key embedded in persisted data carrying the expiry
// as unix seconds. It is informational only and never returned to callers.
const expiresKey = "__expires__"

// clone returns a shallow copy of the data.
func (d Data) clone() Data {
	c := make(Data, len(d)+1)
	for k, v := range d {
		c[k] = v
	}
	return c
}

func init() {
	gob.Register(Data{})
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
	gob.Register(time.Time{})
}

// GobEncoder is a session data encoder using Gob.
func GobEncoder(data Data) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(data)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecoder is a session data decoder using Gob.
func GobDecoder(binary []byte) (Data, error) {
	buf := bytes.NewBuffer(binary)
	var data Data
	return data, gob.NewDecoder(buf).Decode(&data)
}

// JSONCodecVersion is the version written by JSONEncoder. Bump it when the
// envelope changes in a way older decoders cannot read.
const JSONCodecVersion = 1

type jsonEnvelope struct {
	Version int  `json:"v"`
	Data    Data `json:"data"`
}

// JSONEncoder is a session data encoder producing a versioned JSON envelope.
// Numbers are decoded back as float64 by JSONDecoder.
func JSONEncoder(data Data) ([]byte, error) {
	return json.Marshal(jsonEnvelope{
		Version: JSONCodecVersion,
		Data:    data,
	})
}

// JSONDecoder is a session data decoder for blobs written by JSONEncoder.
func JSONDecoder(binary []byte) (Data, error) {
	var env jsonEnvelope
	err := json.Unmarshal(binary, &env)
	if err != nil {
		return nil, err
	}
	if env.Version != JSONCodecVersion {
		return nil, errors.Errorf("unsupported codec version %d", env.Version)
	}
	if env.Data == nil {
		env.Data = make(Data)
	}
	return env.Data, nil
}
