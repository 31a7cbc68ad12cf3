// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

package snowflake

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsOutOfRangeNodeID(t *testing.T) {
	_, err := New(-1)
	assert.Error(t, err)

	_, err = New(MaxNodeID + 1)
	assert.Error(t, err)

	g, err := New(0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), g.NodeID())

	g, err = New(MaxNodeID)
	require.NoError(t, err)
	assert.Equal(t, int64(MaxNodeID), g.NodeID())
}

func TestNextID_StrictlyIncreasing(t *testing.T) {
	g, err := New(1)
	require.NoError(t, err)

	prev := g.NextID()
	for i := 0; i < 10000; i++ {
		id := g.NextID()
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestNextID_ConcurrentNoDuplicates(t *testing.T) {
	g, err := New(7)
	require.NoError(t, err)

	const workers = 8
	const perWorker = 2000

	var wg sync.WaitGroup
	results := make([][]int64, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ids := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				ids = append(ids, g.NextID())
			}
			results[w] = ids
		}(w)
	}
	wg.Wait()

	all := make([]int64, 0, workers*perWorker)
	for _, ids := range results {
		all = append(all, ids...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i := 1; i < len(all); i++ {
		require.NotEqual(t, all[i-1], all[i], "duplicate id generated")
	}
}

func TestParse_InvertsNextID(t *testing.T) {
	g, err := New(512)
	require.NoError(t, err)

	before := time.Now().UnixMilli()
	id := g.NextID()
	after := time.Now().UnixMilli()

	parsed := Parse(id)
	assert.Equal(t, int64(512), parsed.NodeID)
	assert.GreaterOrEqual(t, parsed.Timestamp, before)
	assert.LessOrEqual(t, parsed.Timestamp, after)
	assert.GreaterOrEqual(t, parsed.Sequence, int64(0))
	assert.LessOrEqual(t, parsed.Sequence, int64(maxSequence))
}

func TestParse_KnownLayout(t *testing.T) {
	// Timestamp 1ms past the epoch, node 3, sequence 5.
	id := int64(1)<<(nodeIDBits+sequenceBits) | int64(3)<<sequenceBits | 5
	parsed := Parse(id)
	assert.Equal(t, epochMillis+1, parsed.Timestamp)
	assert.Equal(t, int64(3), parsed.NodeID)
	assert.Equal(t, int64(5), parsed.Sequence)
}
