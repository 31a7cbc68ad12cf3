// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker assembles the write path, the dispatchers, and their
// shared infrastructure into one unit the transport layer talks to.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/queasy-io/queasy/cache"
	"github.com/queasy-io/queasy/config"
	"github.com/queasy-io/queasy/consumer"
	"github.com/queasy-io/queasy/queue"
	"github.com/queasy-io/queasy/ratelimit"
	"github.com/queasy-io/queasy/server/otel"
	"github.com/queasy-io/queasy/snowflake"
	"github.com/queasy-io/queasy/store"
	badgerstore "github.com/queasy-io/queasy/store/badger"
	"github.com/queasy-io/queasy/store/memory"
	"github.com/queasy-io/queasy/store/postgres"
	"github.com/queasy-io/queasy/topic"
)

// Broker owns the store, the single writer, and one dispatcher per
// configured consumer group and topic.
type Broker struct {
	cfg *config.Config
	log *slog.Logger

	store     store.Store
	persister *queue.Persister
	writer    *queue.Writer
	cache     *cache.Envelopes
	limiter   *ratelimit.Manager

	groups map[string]*consumer.Group
	topics map[string]*topic.Topic

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a broker from cfg. Every configured consumer group and topic
// gets its reader restored (or initialized at the tail) before New
// returns, so a crash during startup cannot lose a checkpoint. metrics may
// be nil, in which case nothing is recorded.
func New(ctx context.Context, cfg *config.Config, metrics *otel.Metrics, log *slog.Logger) (*Broker, error) {
	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	gen, err := snowflake.New(cfg.Writer.NodeID)
	if err != nil {
		st.Close()
		return nil, err
	}

	persister, err := queue.NewPersister(st, gen, cfg.Writer.InsertBatchSize, metrics, log)
	if err != nil {
		st.Close()
		return nil, err
	}
	writer := queue.NewWriter(persister, cfg.Writer.RingBufferSize, cfg.Writer.WriteTimeout, log)

	envelopes, err := cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	if err != nil {
		st.Close()
		return nil, err
	}

	b := &Broker{
		cfg:       cfg,
		log:       log,
		store:     st,
		persister: persister,
		writer:    writer,
		cache:     envelopes,
		limiter:   ratelimit.NewManager(cfg.RateLimit),
		groups:    make(map[string]*consumer.Group, len(cfg.ConsumerGroups)),
		topics:    make(map[string]*topic.Topic, len(cfg.Topics)),
	}

	for name, gc := range cfg.ConsumerGroups {
		r, err := queue.NewReader(ctx, st, persister, envelopes, name,
			store.Filter{Queue: gc.Queue, Predicate: gc.Predicate}, gc.FetchSize, log)
		if err != nil {
			b.closeResources()
			return nil, fmt.Errorf("consumer group %s: %w", name, err)
		}
		b.groups[name] = consumer.NewGroup(name, r, persister.Subscribe(),
			gc.Timeout, cfg.Dispatch.PollInterval, gc.FetchSize, log)
	}

	for name, tc := range cfg.Topics {
		// Topic checkpoints share the table with groups; the prefix keeps
		// a topic and a group with the same name apart.
		r, err := queue.NewReader(ctx, st, persister, envelopes, "topic:"+name,
			store.Filter{Queue: tc.Queue, Predicate: tc.Predicate}, tc.FetchSize, log)
		if err != nil {
			b.closeResources()
			return nil, fmt.Errorf("topic %s: %w", name, err)
		}
		b.topics[name] = topic.New(name, r, persister.Subscribe(),
			tc.QuorumPercentage, cfg.Dispatch.PollInterval, log)
	}

	return b, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "badger":
		return badgerstore.New(cfg.BadgerDir)
	case "postgres":
		return postgres.New(ctx, cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// Start launches the writer and all dispatch loops. They run until the
// context passed here is cancelled.
func (b *Broker) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.writer.Run(ctx)
	}()

	for _, g := range b.groups {
		g := g
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			g.Run(ctx)
		}()
	}
	for _, t := range b.topics {
		t := t
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			t.Run(ctx)
		}()
	}

	b.log.Info("broker started",
		slog.Int("consumer_groups", len(b.groups)),
		slog.Int("topics", len(b.topics)),
	)
}

// Close stops the dispatch loops, flushes the writer, and closes the
// store.
func (b *Broker) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	return b.closeResources()
}

func (b *Broker) closeResources() error {
	b.limiter.Stop()
	b.cache.Close()
	if err := b.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// Publish offers a message to the write buffer, honoring the write
// timeout. It reports whether the message was accepted.
func (b *Broker) Publish(queueName, body string) bool {
	return b.writer.Publish(queueName, body)
}

// Group returns the dispatcher for a consumer group name.
func (b *Broker) Group(name string) (*consumer.Group, bool) {
	g, ok := b.groups[name]
	return g, ok
}

// Topic returns the dispatcher for a topic name.
func (b *Broker) Topic(name string) (*topic.Topic, bool) {
	t, ok := b.topics[name]
	return t, ok
}

// Limiter returns the shared rate limit manager.
func (b *Broker) Limiter() *ratelimit.Manager {
	return b.limiter
}

// LastWrittenID returns the write path's high-water mark.
func (b *Broker) LastWrittenID() int64 {
	return b.persister.LastWrittenID()
}

// Stats summarizes broker state for the health endpoint.
type Stats struct {
	LastWrittenID  int64          `json:"last_written_id"`
	ConsumerGroups []string       `json:"consumer_groups"`
	Topics         map[string]int `json:"topics"` // name -> subscriber count
}

// Stats returns a point-in-time snapshot.
func (b *Broker) Stats() Stats {
	s := Stats{
		LastWrittenID:  b.persister.LastWrittenID(),
		ConsumerGroups: make([]string, 0, len(b.groups)),
		Topics:         make(map[string]int, len(b.topics)),
	}
	for name := range b.groups {
		s.ConsumerGroups = append(s.ConsumerGroups, name)
	}
	for name, t := range b.topics {
		s.Topics[name] = t.SubscriberCount()
	}
	return s
}
