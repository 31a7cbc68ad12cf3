// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

// Package topic implements fan-out delivery: every subscriber waiting on a
// topic receives each dispatched batch, gated on a configurable quorum of
// the subscriber population being ready.
package topic

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/queasy-io/queasy/queue"
)

// Subscriber is one attached topic consumer. Its mailbox holds at most one
// batch; a subscriber re-registers with WaitForMessages only after its
// pump drained the previous batch, so the mailbox is empty whenever the
// subscriber is counted as waiting.
type Subscriber struct {
	id      string
	mailbox chan queue.Batch

	// lastSent is the id of the last batch handed to the mailbox,
	// touched only by the dispatch loop.
	lastSent int64
}

// ID returns the subscriber's connection id.
func (s *Subscriber) ID() string {
	return s.id
}

// Mailbox returns the channel batches arrive on.
func (s *Subscriber) Mailbox() <-chan queue.Batch {
	return s.mailbox
}

// Topic owns the dispatch loop for one named topic. A batch is loaded and
// fanned out only when the share of subscribers currently waiting reaches
// the quorum percentage, so slow subscribers throttle the topic rather
// than silently falling behind, up to the point where quorum no longer
// needs them.
type Topic struct {
	name          string
	quorumPercent int

	reader *queue.Reader
	log    *slog.Logger

	mu   sync.RWMutex
	subs map[string]*Subscriber

	waitCh chan *Subscriber
	wake   <-chan struct{}
	tick   time.Duration

	// Loop-local, touched only by Run. current retains the last
	// dispatched batch so a subscriber arriving mid-stream can be served
	// without waiting for the next publish.
	waiting []*Subscriber
	current queue.Batch
}

// New builds the dispatcher for name over r. wake is the persister's
// commit notification channel.
func New(name string, r *queue.Reader, wake <-chan struct{}, quorumPercent int, tick time.Duration, log *slog.Logger) *Topic {
	return &Topic{
		name:          name,
		quorumPercent: quorumPercent,
		reader:        r,
		log:           log,
		subs:          make(map[string]*Subscriber),
		waitCh:        make(chan *Subscriber, 64),
		wake:          wake,
		tick:          tick,
	}
}

// Name returns the topic name.
func (t *Topic) Name() string {
	return t.name
}

// Subscribe attaches a subscriber under id. The subscriber counts against
// quorum from this moment, even before its first WaitForMessages.
func (t *Topic) Subscribe(id string) *Subscriber {
	sub := &Subscriber{id: id, mailbox: make(chan queue.Batch, 1)}
	t.mu.Lock()
	t.subs[id] = sub
	t.mu.Unlock()
	t.log.Debug("subscriber attached", slog.String("topic", t.name), slog.String("subscriber", id))
	return sub
}

// Unsubscribe detaches the subscriber with id. Batches already in its
// mailbox are abandoned.
func (t *Topic) Unsubscribe(id string) {
	t.mu.Lock()
	delete(t.subs, id)
	t.mu.Unlock()
	t.log.Debug("subscriber detached", slog.String("topic", t.name), slog.String("subscriber", id))
}

// SubscriberCount returns the attached subscriber population.
func (t *Topic) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// WaitForMessages marks sub as ready for the next batch.
func (t *Topic) WaitForMessages(sub *Subscriber) {
	t.waitCh <- sub
}

// Run drives the topic until ctx is cancelled.
func (t *Topic) Run(ctx context.Context) {
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()

	for {
		t.dispatch(ctx)

		select {
		case <-ctx.Done():
			t.log.Info("topic stopped", slog.String("topic", t.name))
			return
		case sub := <-t.waitCh:
			t.enqueue(sub)
			t.drainWaiting()
		case <-t.wake:
		case <-ticker.C:
		}
	}
}

func (t *Topic) drainWaiting() {
	for {
		select {
		case sub := <-t.waitCh:
			t.enqueue(sub)
		default:
			return
		}
	}
}

// enqueue adds sub to the waiting set, unless the retained batch is newer
// than the last one handed to sub; then sub gets it immediately and does
// not wait for the next dispatch.
func (t *Topic) enqueue(sub *Subscriber) {
	if t.current.ID > sub.lastSent && len(t.current.Envelopes) > 0 {
		select {
		case sub.mailbox <- t.current:
			sub.lastSent = t.current.ID
			return
		default:
		}
	}
	for _, w := range t.waiting {
		if w == sub {
			return
		}
	}
	t.waiting = append(t.waiting, sub)
}

// dispatch fans batches out while quorum holds and the log has more rows.
// Every batch goes to every subscriber waiting at dispatch time; the
// waiting set then resets and quorum must re-form for the next batch.
func (t *Topic) dispatch(ctx context.Context) {
	for {
		t.pruneWaiting()
		if len(t.waiting) == 0 {
			return
		}
		total := t.SubscriberCount()
		if total == 0 {
			return
		}
		if len(t.waiting)*100/total < t.quorumPercent {
			return
		}
		if !t.reader.HasMore() {
			return
		}

		batch, err := t.reader.LoadNextBatch(ctx)
		if err != nil {
			t.log.Error("failed to load batch", slog.String("topic", t.name), slog.Any("error", err))
			return
		}
		if len(batch.Envelopes) == 0 {
			return
		}

		recipients := len(t.waiting)
		for _, sub := range t.waiting {
			select {
			case sub.mailbox <- batch:
				sub.lastSent = batch.ID
			default:
				// A full mailbox means the pump never drained the
				// previous batch; it will detect the gap by batch id.
			}
		}
		t.waiting = t.waiting[:0]
		t.current = batch
		t.log.Debug("batch dispatched",
			slog.String("topic", t.name),
			slog.Int64("batch", batch.ID),
			slog.Int("subscribers", recipients),
		)
	}
}

// pruneWaiting drops waiting entries whose subscriber has detached, so a
// vanished subscriber cannot hold quorum accounting hostage.
func (t *Topic) pruneWaiting() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	kept := t.waiting[:0]
	for _, sub := range t.waiting {
		if _, ok := t.subs[sub.id]; ok {
			kept = append(kept, sub)
		}
	}
	t.waiting = kept
}
