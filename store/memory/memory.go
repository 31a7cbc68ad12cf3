// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process store backend. It backs tests and
// single-node deployments that can tolerate losing the log on restart.
package memory

import (
	"context"
	"sync"

	"github.com/queasy-io/queasy/store"
)

// Store keeps the message log and checkpoints in ordinary slices and maps.
// Rows arrive in ascending id order from the single writer, so the log
// slice stays sorted without extra work.
type Store struct {
	mu          sync.RWMutex
	log         []store.Message
	checkpoints map[string]store.Checkpoint
	closed      bool
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		checkpoints: make(map[string]store.Checkpoint),
	}
}

func (s *Store) InsertBatch(_ context.Context, msgs []store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.log = append(s.log, msgs...)
	return nil
}

func (s *Store) SelectRange(_ context.Context, afterID int64, filter store.Filter, limit int) ([]store.Message, error) {
	pred, err := store.CompilePredicate(filter.Predicate)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	var out []store.Message
	for _, m := range s.log {
		if m.ID <= afterID {
			continue
		}
		if !filter.Matches(m, pred) {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetCheckpoint(_ context.Context, name string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, false, store.ErrClosed
	}
	cp, ok := s.checkpoints[name]
	if !ok {
		return 0, false, nil
	}
	return cp.ID, true, nil
}

func (s *Store) UpsertCheckpoint(_ context.Context, name string, id, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.checkpoints[name] = store.Checkpoint{Name: name, ID: id, Timestamp: ts}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
