// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a store backend on an embedded BadgerDB. It is
// the default durable backend for single-node deployments.
package badger

import (
	"context"
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/queasy-io/queasy/store"
)

// Key layout. Message keys are zero-padded hex so the byte order of keys
// matches the numeric order of ids and a prefix scan yields rows in id
// order.
const (
	messagePrefix    = "m/"
	checkpointPrefix = "c/"
)

func messageKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%016x", messagePrefix, uint64(id)))
}

func checkpointKey(name string) []byte {
	return []byte(checkpointPrefix + name)
}

// Store persists the message log and checkpoints in a Badger database.
type Store struct {
	db *badger.DB
}

// New opens (or creates) a Badger database at dir.
func New(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) InsertBatch(_ context.Context, msgs []store.Message) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, m := range msgs {
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal message %d: %w", m.ID, err)
			}
			if err := txn.Set(messageKey(m.ID), data); err != nil {
				return fmt.Errorf("set message %d: %w", m.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) SelectRange(_ context.Context, afterID int64, filter store.Filter, limit int) ([]store.Message, error) {
	pred, err := store.CompilePredicate(filter.Predicate)
	if err != nil {
		return nil, err
	}

	var out []store.Message
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(messagePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past afterID; key order equals id order.
		for it.Seek(messageKey(afterID + 1)); it.Valid(); it.Next() {
			var m store.Message
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			})
			if err != nil {
				return fmt.Errorf("decode message at %s: %w", it.Item().Key(), err)
			}
			if !filter.Matches(m, pred) {
				continue
			}
			out = append(out, m)
			if len(out) == limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetCheckpoint(_ context.Context, name string) (int64, bool, error) {
	var cp store.Checkpoint
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if err != nil {
		return 0, false, fmt.Errorf("get checkpoint %s: %w", name, err)
	}
	return cp.ID, found, nil
}

func (s *Store) UpsertCheckpoint(_ context.Context, name string, id, ts int64) error {
	data, err := json.Marshal(store.Checkpoint{Name: name, ID: id, Timestamp: ts})
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", name, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(name), data)
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}
