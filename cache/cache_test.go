// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCompute(t *testing.T) {
	c, err := New(100, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	calls := 0
	render := func() string {
		calls++
		return "rendered"
	}

	assert.Equal(t, "rendered", c.GetOrCompute(1, render))
	assert.Equal(t, 1, calls)

	// Admission is async; a repeat compute is allowed but the value must
	// stay stable.
	assert.Equal(t, "rendered", c.GetOrCompute(1, render))
}

func TestDisabledCache(t *testing.T) {
	c, err := New(0, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	calls := 0
	render := func() string {
		calls++
		return "v"
	}
	assert.Equal(t, "v", c.GetOrCompute(1, render))
	assert.Equal(t, "v", c.GetOrCompute(1, render))
	assert.Equal(t, 2, calls)

	var nilCache *Envelopes
	assert.Equal(t, "v", nilCache.GetOrCompute(2, func() string { return "v" }))
	nilCache.Close()
}

func TestEntriesExpireAfterTTL(t *testing.T) {
	c, err := New(100, 50*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	calls := 0
	render := func() string {
		calls++
		return "rendered"
	}

	// Admission is async; loop until a lookup hits.
	require.Eventually(t, func() bool {
		before := calls
		c.GetOrCompute(1, render)
		return calls == before
	}, time.Second, 5*time.Millisecond, "entry never admitted")

	time.Sleep(150 * time.Millisecond)

	before := calls
	assert.Equal(t, "rendered", c.GetOrCompute(1, render))
	assert.Equal(t, before+1, calls, "expired entry must be re-rendered")
}
