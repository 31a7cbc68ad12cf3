// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the write path of the broker: a bounded publish
// buffer drained by a single writer goroutine, a batching persister that
// assigns message ids and commits rows to the store, and checkpointed
// readers that page committed rows back out for delivery.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/queasy-io/queasy/server/otel"
	"github.com/queasy-io/queasy/snowflake"
	"github.com/queasy-io/queasy/store"
)

// Persister stages published messages and commits them to the store in
// batches. It is driven exclusively by the writer goroutine; only the
// high-water mark and commit notifications are shared with readers.
type Persister struct {
	store     store.Store
	gen       *snowflake.Generator
	metrics   *otel.Metrics
	log       *slog.Logger
	batchSize int

	staged []store.Message

	// hwm is the id of the last committed message, visible to readers.
	hwm atomic.Int64

	mu   sync.Mutex
	subs []chan struct{}
}

// NewPersister builds a persister writing to s in batches of batchSize
// rows. The high-water mark is seeded with a fresh id so that readers
// starting at the tail skip everything committed in earlier runs.
func NewPersister(s store.Store, gen *snowflake.Generator, batchSize int, metrics *otel.Metrics, log *slog.Logger) (*Persister, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("persister batch size must be positive, got %d", batchSize)
	}
	p := &Persister{
		store:     s,
		gen:       gen,
		metrics:   metrics,
		log:       log,
		batchSize: batchSize,
		staged:    make([]store.Message, 0, batchSize),
	}
	p.hwm.Store(gen.NextID())
	return p, nil
}

// Append assigns the next id to a message and stages it. A full stage is
// committed immediately; otherwise rows stay staged until Finish.
func (p *Persister) Append(ctx context.Context, queue, body string) error {
	p.staged = append(p.staged, store.Message{
		ID:    p.gen.NextID(),
		Queue: queue,
		Body:  body,
	})
	if len(p.staged) >= p.batchSize {
		return p.flush(ctx)
	}
	return nil
}

// Finish commits any staged rows. The writer calls it at the end of every
// drain pass, so a lone message never waits for a full batch.
func (p *Persister) Finish(ctx context.Context) error {
	if len(p.staged) == 0 {
		return nil
	}
	return p.flush(ctx)
}

func (p *Persister) flush(ctx context.Context) error {
	now := time.Now().UnixMilli()
	for i := range p.staged {
		p.staged[i].Timestamp = now
	}

	if err := p.store.InsertBatch(ctx, p.staged); err != nil {
		return fmt.Errorf("commit batch of %d: %w", len(p.staged), err)
	}

	last := p.staged[len(p.staged)-1].ID
	p.hwm.Store(last)
	p.metrics.RecordCommit(len(p.staged))
	p.log.Debug("batch committed", slog.Int("messages", len(p.staged)), slog.Int64("high_water", last))
	p.staged = p.staged[:0]
	p.notify()
	return nil
}

// LastWrittenID returns the id of the most recently committed message.
// Readers compare their checkpoint against it to decide whether the log
// has advanced.
func (p *Persister) LastWrittenID() int64 {
	return p.hwm.Load()
}

// Subscribe returns a channel that receives a wake-up after every commit.
// The channel has capacity one and notifications coalesce; subscribers
// must treat a wake-up as "go look", not as a count.
func (p *Persister) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}

func (p *Persister) notify() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
