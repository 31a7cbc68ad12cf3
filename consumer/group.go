// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

// Package consumer implements point-to-point delivery: each message read by
// a consumer group goes to exactly one of the clients waiting on it.
package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/queasy-io/queasy/queue"
	"github.com/queasy-io/queasy/wire"
)

// Waiter is one pending dequeue request. Its channel receives exactly one
// frame: a delivery envelope or a status literal.
type Waiter struct {
	ch       chan string
	enqueued time.Time
}

// Frame returns the channel the response arrives on.
func (w *Waiter) Frame() <-chan string {
	return w.ch
}

// Group owns the dispatch loop for one named consumer group. Requests
// arrive through WaitForMessage and are answered in arrival order; a
// request that outwaits the group timeout gets :TIMEOUT, and requests
// still pending at shutdown get :CLOSE.
type Group struct {
	name    string
	timeout time.Duration

	reader *queue.Reader
	log    *slog.Logger

	requests chan *Waiter
	wake     <-chan struct{}
	tick     time.Duration

	// Loop-local state, touched only by Run.
	pending  []*Waiter
	messages []string
}

// NewGroup builds the dispatcher for name over r. wake is the persister's
// commit notification channel; tick bounds how late a timeout can fire
// when no commits arrive.
func NewGroup(name string, r *queue.Reader, wake <-chan struct{}, timeout, tick time.Duration, fetchSize int, log *slog.Logger) *Group {
	return &Group{
		name:     name,
		timeout:  timeout,
		reader:   r,
		log:      log,
		requests: make(chan *Waiter, 64),
		wake:     wake,
		tick:     tick,
		messages: make([]string, 0, fetchSize+1),
	}
}

// Name returns the group name.
func (g *Group) Name() string {
	return g.name
}

// WaitForMessage enqueues a dequeue request and returns its waiter. The
// dispatch loop answers it within roughly the group timeout.
func (g *Group) WaitForMessage() *Waiter {
	w := &Waiter{ch: make(chan string, 1), enqueued: time.Now()}
	g.requests <- w
	return w
}

// Run drives the group until ctx is cancelled. The loop sleeps until a
// request arrives, the writer commits, or the tick fires; every wake-up
// runs one dispatch pass.
func (g *Group) Run(ctx context.Context) {
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	for {
		g.dispatch(ctx)

		select {
		case <-ctx.Done():
			g.drainRequests()
			for _, w := range g.pending {
				w.ch <- wire.StatusClose.String()
			}
			g.pending = nil
			g.log.Info("consumer group stopped", slog.String("group", g.name))
			return
		case w := <-g.requests:
			g.pending = append(g.pending, w)
			g.drainRequests()
		case <-g.wake:
		case <-ticker.C:
		}
	}
}

func (g *Group) drainRequests() {
	for {
		select {
		case w := <-g.requests:
			g.pending = append(g.pending, w)
		default:
			return
		}
	}
}

// dispatch answers as many pending requests as the buffered messages and
// the log allow. It returns with requests still pending only when nothing
// is available for them yet and none has timed out.
func (g *Group) dispatch(ctx context.Context) {
	for len(g.pending) > 0 {
		w := g.pending[0]

		if len(g.messages) > 0 {
			g.pending = g.pending[1:]
			msg := g.messages[0]
			g.messages = g.messages[1:]
			w.ch <- msg
			continue
		}

		if time.Since(w.enqueued) >= g.timeout {
			g.pending = g.pending[1:]
			w.ch <- wire.StatusTimeout.String()
			continue
		}

		if !g.reader.HasMore() {
			return
		}

		batch, err := g.reader.LoadNextBatch(ctx)
		if err != nil {
			g.log.Error("failed to load batch", slog.String("group", g.name), slog.Any("error", err))
			g.pending = g.pending[1:]
			w.ch <- wire.StatusError.String()
			continue
		}
		if len(batch.Envelopes) == 0 {
			// The log advanced but nothing matched the filter; the
			// reader already skipped past it.
			return
		}
		g.messages = append(g.messages, batch.Envelopes...)
	}
}
