// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGobCodec(t *testing.T) {
	now := time.Now().Truncate(0) // Truncate(0) strips monotonic clock readings.
	data := Data{
		"name": "flamego",
		"time": now,
		"ids":  []int{1, 2, 3},
	}

	binary, err := GobEncoder(data)
	require.Nil(t, err)

	got, err := GobDecoder(binary)
	require.Nil(t, err)
	assert.Equal(t, data, got)
}

func TestJSONCodec(t *testing.T) {
	binary, err := JSONEncoder(Data{"name": "flamego", "count": 3})
	require.Nil(t, err)
	assert.JSONEq(t, `{"v":1,"data":{"name":"flamego","count":3}}`, string(binary))

	got, err := JSONDecoder(binary)
	require.Nil(t, err)
	assert.Equal(t, Data{"name": "flamego", "count": float64(3)}, got)

	_, err = JSONDecoder([]byte(`{"v":2,"data":{}}`))
	assert.NotNil(t, err)

	_, err = JSONDecoder([]byte(`not json`))
	assert.NotNil(t, err)

	got, err = JSONDecoder([]byte(`{"v":1}`))
	require.Nil(t, err)
	assert.Equal(t, Data{}, got)
}

func TestData_clone(t *testing.T) {
	d := Data{"a": 1}
	c := d.clone()
	c["b"] = 2
	assert.Equal(t, Data{"a": 1}, d)

	var empty Data
	assert.NotNil(t, empty.clone())
}
