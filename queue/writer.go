// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"log/slog"
	"time"
)

type publishItem struct {
	queue string
	body  string
}

// Writer accepts publishes into a bounded buffer and drains them into the
// persister from a single goroutine. Producers block in Publish for at
// most the write timeout when the buffer is full; a false return is
// surfaced to the client as a timeout, never as data loss of earlier
// accepted messages.
type Writer struct {
	buf          chan publishItem
	writeTimeout time.Duration
	persister    *Persister
	log          *slog.Logger
}

// NewWriter builds a writer over p with a buffer of size entries.
func NewWriter(p *Persister, size int, writeTimeout time.Duration, log *slog.Logger) *Writer {
	return &Writer{
		buf:          make(chan publishItem, size),
		writeTimeout: writeTimeout,
		persister:    p,
		log:          log,
	}
}

// Publish offers a message to the buffer, waiting up to the write timeout
// for space. It reports whether the message was accepted.
func (w *Writer) Publish(queue, body string) bool {
	select {
	case w.buf <- publishItem{queue: queue, body: body}:
		return true
	default:
	}

	t := time.NewTimer(w.writeTimeout)
	defer t.Stop()
	select {
	case w.buf <- publishItem{queue: queue, body: body}:
		return true
	case <-t.C:
		return false
	}
}

// Run drains the buffer until ctx is cancelled. Each pass blocks for one
// message, greedily takes whatever else is already buffered, and then
// finishes the batch, so the persister commits once per burst rather than
// once per message. Store errors are logged and the pass's messages are
// dropped; the writer keeps running.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case item := <-w.buf:
			w.drainFrom(ctx, item)
		}
	}
}

func (w *Writer) drainFrom(ctx context.Context, first publishItem) {
	if err := w.persister.Append(ctx, first.queue, first.body); err != nil {
		w.log.Error("failed to persist message", slog.String("queue", first.queue), slog.Any("error", err))
	}
	for {
		select {
		case item := <-w.buf:
			if err := w.persister.Append(ctx, item.queue, item.body); err != nil {
				w.log.Error("failed to persist message", slog.String("queue", item.queue), slog.Any("error", err))
			}
		default:
			if err := w.persister.Finish(ctx); err != nil {
				w.log.Error("failed to finish batch", slog.Any("error", err))
			}
			return
		}
	}
}

// shutdown drains whatever is still buffered and commits the final batch
// with a background context, so messages accepted before cancellation are
// not lost to the cancelled context.
func (w *Writer) shutdown() {
	ctx := context.Background()
	for {
		select {
		case item := <-w.buf:
			if err := w.persister.Append(ctx, item.queue, item.body); err != nil {
				w.log.Error("failed to persist message during shutdown", slog.Any("error", err))
			}
		default:
			if err := w.persister.Finish(ctx); err != nil {
				w.log.Error("failed to finish final batch", slog.Any("error", err))
			}
			w.log.Info("writer stopped")
			return
		}
	}
}
