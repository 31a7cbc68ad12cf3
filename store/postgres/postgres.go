// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

// Package postgres provides a store backend on PostgreSQL. It is the
// backend of choice when the message log must survive the node or be
// shared with external consumers.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/queasy-io/queasy/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id      BIGINT PRIMARY KEY,
	qname   TEXT NOT NULL,
	type    TEXT NOT NULL DEFAULT '',
	ts      BIGINT NOT NULL,
	mesg    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_qname_idx ON messages (qname, id);

CREATE TABLE IF NOT EXISTS checkpoints (
	cg_name    TEXT PRIMARY KEY,
	checkpoint BIGINT NOT NULL,
	ts         BIGINT NOT NULL
);
`

// Store persists the message log and checkpoints in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at connString and ensures the schema
// exists.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) InsertBatch(ctx context.Context, msgs []store.Message) error {
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(
			"INSERT INTO messages (id, qname, type, ts, mesg) VALUES ($1, $2, $3, $4, $5)",
			m.ID, m.Queue, m.Type, m.Timestamp, m.Body,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert batch: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert batch of %d: %w", len(msgs), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit insert batch: %w", err)
	}
	return nil
}

func (s *Store) SelectRange(ctx context.Context, afterID int64, filter store.Filter, limit int) ([]store.Message, error) {
	var b strings.Builder
	b.WriteString("SELECT id, qname, type, ts, mesg FROM messages WHERE id > $1")
	args := []any{afterID}
	if filter.Queue != "" {
		args = append(args, filter.Queue)
		fmt.Fprintf(&b, " AND qname = $%d", len(args))
	}
	if filter.Predicate != "" {
		// The predicate comes from broker configuration, not from
		// clients, and is injected as written.
		fmt.Fprintf(&b, " AND (%s)", filter.Predicate)
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY id LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select range after %d: %w", afterID, err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.Queue, &m.Type, &m.Timestamp, &m.Body); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, name string) (int64, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		"SELECT checkpoint FROM checkpoints WHERE cg_name = $1", name,
	).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get checkpoint %s: %w", name, err)
	}
	return id, true, nil
}

func (s *Store) UpsertCheckpoint(ctx context.Context, name string, id, ts int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (cg_name, checkpoint, ts) VALUES ($1, $2, $3)
		 ON CONFLICT (cg_name) DO UPDATE SET checkpoint = EXCLUDED.checkpoint, ts = EXCLUDED.ts`,
		name, id, ts,
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint %s: %w", name, err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
