// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queasy-io/queasy/broker"
	"github.com/queasy-io/queasy/config"
	"github.com/queasy-io/queasy/server/websocket"
	"github.com/queasy-io/queasy/wire"
)

func startBroker(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Type = "memory"
	cfg.Writer.InsertBatchSize = 1
	cfg.Dispatch.PollInterval = 10 * time.Millisecond
	cfg.ConsumerGroups = map[string]config.GroupConfig{
		"workers": {Queue: "jobs", FetchSize: 8, Timeout: 200 * time.Millisecond},
	}
	cfg.Topics = map[string]config.TopicConfig{
		"events": {Queue: "events", FetchSize: 8, QuorumPercentage: 100},
	}

	log := slog.New(slog.DiscardHandler)
	b, err := broker.New(context.Background(), cfg, nil, log)
	require.NoError(t, err)
	b.Start(context.Background())
	t.Cleanup(func() { b.Close() })

	s := websocket.New(websocket.Config{MaxConnections: 100, ShutdownTimeout: time.Second}, b, nil, log)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestProducerConsumerRoundTrip(t *testing.T) {
	base := startBroker(t)
	ctx := context.Background()

	p, err := NewProducer(ctx, base, "jobs")
	require.NoError(t, err)
	defer p.Close()

	c, err := NewConsumer(ctx, base, "workers")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, p.PublishText(`{"task": "resize"}`))

	envelope, err := c.Next()
	require.NoError(t, err)
	assert.Contains(t, envelope, `"message": {"task": "resize"}`)
}

func TestConsumerTimeout(t *testing.T) {
	base := startBroker(t)

	c, err := NewConsumer(context.Background(), base, "workers")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Next()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestProducerWithHeaders(t *testing.T) {
	base := startBroker(t)
	ctx := context.Background()

	// The qname header routes to the jobs queue despite the path.
	p, err := NewProducer(ctx, base, "other")
	require.NoError(t, err)
	defer p.Close()

	msg := wire.Message{
		Kind:    wire.Text,
		Headers: map[string]string{"qname": "jobs"},
		Body:    `"routed"`,
	}
	require.NoError(t, p.Publish(msg))

	c, err := NewConsumer(ctx, base, "workers")
	require.NoError(t, err)
	defer c.Close()

	envelope, err := c.Next()
	require.NoError(t, err)
	assert.Contains(t, envelope, `"routed"`)
}

func TestSubscriberReceivesBroadcast(t *testing.T) {
	base := startBroker(t)
	ctx := context.Background()

	sub, err := NewSubscriber(ctx, base, "events")
	require.NoError(t, err)
	defer sub.Close()

	// Give the subscriber pump time to register before publishing.
	time.Sleep(100 * time.Millisecond)

	p, err := NewProducer(ctx, base, "events")
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.PublishText(`"announcement"`))

	envelope, dropped, err := sub.Recv()
	require.NoError(t, err)
	assert.False(t, dropped)
	assert.Contains(t, envelope, `"announcement"`)
}
