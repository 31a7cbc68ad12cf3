// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

// Package store defines the durable log contract the broker core is built
// on: append-only batched inserts, id-ordered range scans, and a checkpoint
// table keyed by consumer group name.
package store

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Message is one row of the append-only message log. Rows are written
// exactly once by the persistence engine and never updated or deleted by
// the core.
type Message struct {
	// ID is globally unique and monotonically increasing in write order.
	ID int64 `json:"id"`
	// Queue is the name of the queue the message was published to.
	Queue string `json:"qname"`
	// Type is reserved for framing metadata; empty for normal messages.
	Type string `json:"type,omitempty"`
	// Timestamp is the batch commit time in milliseconds.
	Timestamp int64 `json:"ts"`
	// Body is the published payload, stored verbatim.
	Body string `json:"mesg"`
}

// Checkpoint records the last message id delivered to a named consumer
// group or topic.
type Checkpoint struct {
	Name      string `json:"cg_name"`
	ID        int64  `json:"checkpoint"`
	Timestamp int64  `json:"ts"`
}

// Filter restricts a range scan. Queue, when non-empty, matches rows whose
// queue name equals it. Predicate, when non-empty, is a boolean expression
// over row metadata; the postgres backend injects it into the WHERE clause
// verbatim, the embedded backends evaluate the subset documented on
// CompilePredicate.
type Filter struct {
	Queue     string
	Predicate string
}

// Store is the durable log consumed by the writer and the dispatchers.
// InsertBatch is only ever called from the single persister goroutine, so
// implementations need not serialize writes against each other, only
// against concurrent reads.
type Store interface {
	// InsertBatch appends rows in one transaction. Either all rows commit
	// or none do.
	InsertBatch(ctx context.Context, msgs []Message) error

	// SelectRange returns up to limit rows with id greater than afterID
	// matching the filter, ordered by ascending id.
	SelectRange(ctx context.Context, afterID int64, filter Filter, limit int) ([]Message, error)

	// GetCheckpoint returns the checkpoint for name. The second return
	// value is false when no checkpoint exists yet.
	GetCheckpoint(ctx context.Context, name string) (int64, bool, error)

	// UpsertCheckpoint creates or replaces the checkpoint for name.
	UpsertCheckpoint(ctx context.Context, name string, id, ts int64) error

	Close() error
}
