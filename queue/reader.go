// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/queasy-io/queasy/cache"
	"github.com/queasy-io/queasy/store"
	"github.com/queasy-io/queasy/wire"
)

// Batch is one page of rendered deliveries. The batch id increases by one
// per non-empty load; topic subscribers use the gap between ids to detect
// missed batches.
type Batch struct {
	ID        int64
	Envelopes []string
}

// Reader pages committed messages for one named consumer group or topic,
// persisting its position as a checkpoint.
//
// Checkpointing is lazy: the position reached by a batch is written at the
// start of the NEXT load, not after each delivery. A crash between the two
// redelivers the last batch, which is the at-least-once contract; saving
// after every send would roughly double checkpoint writes for no stronger
// guarantee, since the send itself can still fail after the save.
type Reader struct {
	name      string
	filter    store.Filter
	fetchSize int

	store     store.Store
	persister *Persister
	cache     *cache.Envelopes
	log       *slog.Logger

	lastReadID int64
	batchID    int64
}

// NewReader restores the reader position for name. A group seen for the
// first time starts at the current high-water mark, and that starting
// checkpoint is persisted immediately so a crash before the first delivery
// does not replay history the group never asked for.
func NewReader(ctx context.Context, s store.Store, p *Persister, c *cache.Envelopes, name string, filter store.Filter, fetchSize int, log *slog.Logger) (*Reader, error) {
	if fetchSize < 1 {
		return nil, fmt.Errorf("reader fetch size must be positive, got %d", fetchSize)
	}
	if _, err := store.CompilePredicate(filter.Predicate); err != nil && filter.Predicate != "" {
		// Fail fast on embedded backends; postgres would only fail at
		// query time, but a predicate valid nowhere is a config error.
		log.Warn("predicate not evaluable in-process, relying on backend", slog.String("reader", name), slog.Any("error", err))
	}

	r := &Reader{
		name:      name,
		filter:    filter,
		fetchSize: fetchSize,
		store:     s,
		persister: p,
		cache:     c,
		log:       log,
	}

	id, found, err := s.GetCheckpoint(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("restore checkpoint %s: %w", name, err)
	}
	if found {
		r.lastReadID = id
		return r, nil
	}

	r.lastReadID = p.LastWrittenID()
	if err := r.SaveCheckpoint(ctx); err != nil {
		return nil, fmt.Errorf("persist initial checkpoint %s: %w", name, err)
	}
	log.Info("reader starting at tail", slog.String("reader", name), slog.Int64("checkpoint", r.lastReadID))
	return r, nil
}

// HasMore reports whether the log has advanced past the reader position.
// It can report true when every newer row fails the filter; LoadNextBatch
// resolves that by advancing the checkpoint to the high-water mark.
func (r *Reader) HasMore() bool {
	return r.lastReadID < r.persister.LastWrittenID()
}

// Position returns the id the reader has read up to.
func (r *Reader) Position() int64 {
	return r.lastReadID
}

// SaveCheckpoint persists the current position.
func (r *Reader) SaveCheckpoint(ctx context.Context) error {
	return r.store.UpsertCheckpoint(ctx, r.name, r.lastReadID, time.Now().UnixMilli())
}

// LoadNextBatch persists the position reached by the previous batch, then
// reads and renders the next page. An empty batch with a nil error means
// nothing matched; when the log had advanced past the position anyway, the
// position jumps to the high-water mark so filtered-out regions are not
// rescanned forever, and that jump is persisted immediately.
func (r *Reader) LoadNextBatch(ctx context.Context) (Batch, error) {
	if err := r.SaveCheckpoint(ctx); err != nil {
		return Batch{}, fmt.Errorf("save checkpoint %s: %w", r.name, err)
	}

	rows, err := r.store.SelectRange(ctx, r.lastReadID, r.filter, r.fetchSize)
	if err != nil {
		return Batch{}, fmt.Errorf("load batch for %s: %w", r.name, err)
	}

	if len(rows) == 0 {
		if hwm := r.persister.LastWrittenID(); hwm > r.lastReadID {
			r.lastReadID = hwm
			if err := r.SaveCheckpoint(ctx); err != nil {
				return Batch{}, fmt.Errorf("save advanced checkpoint %s: %w", r.name, err)
			}
			r.log.Debug("no rows matched, advanced to high-water mark", slog.String("reader", r.name), slog.Int64("checkpoint", hwm))
		}
		return Batch{ID: r.batchID}, nil
	}

	r.lastReadID = rows[len(rows)-1].ID
	r.batchID++

	envelopes := make([]string, len(rows))
	for i, row := range rows {
		row := row
		envelopes[i] = r.cache.GetOrCompute(row.ID, func() string {
			return wire.Envelope(row.ID, row.Body)
		})
	}
	return Batch{ID: r.batchID, Envelopes: envelopes}, nil
}
