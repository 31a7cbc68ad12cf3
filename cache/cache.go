// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache holds rendered delivery envelopes so that consumer groups
// and topics reading the same region of the log render each message once.
package cache

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Envelopes caches rendered envelopes keyed by message id. The zero value
// and a nil pointer are both valid and behave as a disabled cache; callers
// never need to check whether caching is on.
type Envelopes struct {
	inner *ristretto.Cache[int64, string]
	ttl   time.Duration
}

// New builds a cache that admits up to maxEntries envelopes, each expiring
// ttl after admission. maxEntries of zero or less disables caching; a ttl
// of zero or less keeps entries until eviction.
func New(maxEntries int64, ttl time.Duration) (*Envelopes, error) {
	if maxEntries <= 0 {
		return &Envelopes{}, nil
	}
	if ttl < 0 {
		ttl = 0
	}
	inner, err := ristretto.NewCache(&ristretto.Config[int64, string]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("build envelope cache: %w", err)
	}
	return &Envelopes{inner: inner, ttl: ttl}, nil
}

// GetOrCompute returns the cached envelope for id, rendering and admitting
// it on a miss. Admission is best-effort: ristretto may decline an entry,
// in which case the envelope is simply rendered again next time.
func (c *Envelopes) GetOrCompute(id int64, render func() string) string {
	if c == nil || c.inner == nil {
		return render()
	}
	if v, ok := c.inner.Get(id); ok {
		return v
	}
	v := render()
	c.inner.SetWithTTL(id, v, 1, c.ttl)
	return v
}

// Close releases the cache's internal goroutines.
func (c *Envelopes) Close() {
	if c != nil && c.inner != nil {
		c.inner.Close()
	}
}
