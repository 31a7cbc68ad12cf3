// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

// Package snowflake generates 64-bit, time-ordered, collision-free message
// identifiers. The layout follows the Twitter snowflake scheme: an unused
// sign bit, 41 bits of milliseconds since a custom epoch, 10 bits of node ID
// and a 12-bit per-millisecond sequence.
package snowflake

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

const (
	nodeIDBits   = 10
	sequenceBits = 12

	// MaxNodeID is the largest node ID a generator may be built with.
	MaxNodeID = (1 << nodeIDBits) - 1

	maxSequence  = (1 << sequenceBits) - 1
	nodeIDMask   = int64(MaxNodeID) << sequenceBits
	sequenceMask = int64(maxSequence)

	// epochMillis is 2021-04-01T00:00:00Z. IDs carry milliseconds relative
	// to this instant, which keeps 41 bits of timestamp usable for decades.
	epochMillis int64 = 1617235200000
)

// Generator produces unique IDs for a single broker node. It is safe for
// concurrent use; all callers share one logical counter.
type Generator struct {
	mu sync.Mutex

	nodeID   int64
	lastTime int64
	sequence int64
}

// New creates a Generator for the given node ID.
func New(nodeID int64) (*Generator, error) {
	if nodeID < 0 || nodeID > MaxNodeID {
		return nil, fmt.Errorf("snowflake: node id must be between 0 and %d, got %d", MaxNodeID, nodeID)
	}
	return &Generator{nodeID: nodeID, lastTime: -1}, nil
}

// NextID returns the next identifier. IDs are strictly increasing per
// generator. If the clock reads earlier than the previous call (an NTP
// step), or the per-millisecond sequence is exhausted, NextID spins with
// runtime.Gosched until the clock advances. The spin is deliberate: the
// wait is sub-millisecond, so parking the goroutine would cost more than
// yielding.
func (g *Generator) NextID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.timestamp()
	for now < g.lastTime {
		runtime.Gosched()
		now = g.timestamp()
	}

	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			// Sequence exhausted for this millisecond.
			for now == g.lastTime {
				runtime.Gosched()
				now = g.timestamp()
			}
		}
	} else {
		g.sequence = 0
	}

	g.lastTime = now

	return now<<(nodeIDBits+sequenceBits) | g.nodeID<<sequenceBits | g.sequence
}

// NodeID returns the node ID this generator was built with.
func (g *Generator) NodeID() int64 {
	return g.nodeID
}

func (g *Generator) timestamp() int64 {
	return time.Now().UnixMilli() - epochMillis
}

// ID is the decomposed form of a generated identifier.
type ID struct {
	// Timestamp is absolute milliseconds since the Unix epoch.
	Timestamp int64
	NodeID    int64
	Sequence  int64
}

// Parse decomposes an identifier for diagnostics.
func Parse(id int64) ID {
	return ID{
		Timestamp: (id >> (nodeIDBits + sequenceBits)) + epochMillis,
		NodeID:    (id & nodeIDMask) >> sequenceBits,
		Sequence:  id & sequenceMask,
	}
}
