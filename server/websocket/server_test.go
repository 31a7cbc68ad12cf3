// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queasy-io/queasy/broker"
	"github.com/queasy-io/queasy/config"
	"github.com/queasy-io/queasy/wire"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Type = "memory"
	cfg.Writer.InsertBatchSize = 1
	cfg.Dispatch.PollInterval = 10 * time.Millisecond
	cfg.ConsumerGroups = map[string]config.GroupConfig{
		"workers": {Queue: "jobs", FetchSize: 8, Timeout: time.Second},
	}
	cfg.Topics = map[string]config.TopicConfig{
		"events": {Queue: "events", FetchSize: 8, QuorumPercentage: 100},
	}
	return cfg
}

// newTestServer spins up a broker and an httptest listener around the
// server's handler. start=false leaves the writer undrained, which lets
// publish tests fill the buffer deterministically.
func newTestServer(t *testing.T, cfg *config.Config, start bool) (*broker.Broker, *httptest.Server) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)

	b, err := broker.New(context.Background(), cfg, nil, log)
	require.NoError(t, err)
	if start {
		b.Start(context.Background())
	}
	t.Cleanup(func() { b.Close() })

	s := New(Config{MaxConnections: 100, ShutdownTimeout: time.Second}, b, nil, log)
	ts := httptest.NewServer(s.server.Handler)
	t.Cleanup(ts.Close)
	return b, ts
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := ws.ReadMessage()
	require.NoError(t, err)
	return string(payload)
}

func TestPublishAck(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), true)
	ws := dial(t, ts, "/publish/jobs")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("\n"+`{"task": 1}`)))
	assert.Equal(t, wire.StatusOK.String(), readFrame(t, ws))
}

func TestPublishBusyWhileInFlight(t *testing.T) {
	cfg := testConfig()
	cfg.Writer.RingBufferSize = 1
	cfg.Writer.WriteTimeout = 300 * time.Millisecond
	// Broker not started: the buffer never drains.
	_, ts := newTestServer(t, cfg, false)
	ws := dial(t, ts, "/publish/jobs")

	// First frame fits the buffer and is acknowledged.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("\n"+`"m1"`)))
	assert.Equal(t, wire.StatusOK.String(), readFrame(t, ws))

	// Second frame blocks on the full buffer; third arrives mid-flight.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("\n"+`"m2"`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("\n"+`"m3"`)))

	assert.Equal(t, wire.StatusBusy.String(), readFrame(t, ws))
	assert.Equal(t, wire.StatusTimeout.String(), readFrame(t, ws))
}

func TestPublishQueueFromHeader(t *testing.T) {
	b, ts := newTestServer(t, testConfig(), true)
	ws := dial(t, ts, "/publish/other")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("qname=jobs\n"+`"routed"`)))
	assert.Equal(t, wire.StatusOK.String(), readFrame(t, ws))

	g, _ := b.Group("workers")
	select {
	case frame := <-g.WaitForMessage().Frame():
		assert.Contains(t, frame, `"routed"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestDequeueDelivery(t *testing.T) {
	b, ts := newTestServer(t, testConfig(), true)
	require.True(t, b.Publish("jobs", `{"task": 9}`))

	ws := dial(t, ts, "/dequeue/workers")
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(wire.CommandGet.String())))

	frame := readFrame(t, ws)
	require.False(t, wire.IsStatus(frame), frame)
	assert.Contains(t, frame, `"message": {"task": 9}`)
}

func TestDequeueTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConsumerGroups["workers"] = config.GroupConfig{
		Queue: "jobs", FetchSize: 8, Timeout: 100 * time.Millisecond,
	}
	_, ts := newTestServer(t, cfg, true)

	ws := dial(t, ts, "/dequeue/workers")
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(wire.CommandGet.String())))
	assert.Equal(t, wire.StatusTimeout.String(), readFrame(t, ws))
}

func TestDequeueOverlappingGetIsBusy(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), true)

	ws := dial(t, ts, "/dequeue/workers")
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(wire.CommandGet.String())))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(wire.CommandGet.String())))

	assert.Equal(t, wire.StatusBusy.String(), readFrame(t, ws))
}

func TestDequeuePing(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), true)

	ws := dial(t, ts, "/dequeue/workers")
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(wire.CommandPing.String())))
	assert.Equal(t, wire.StatusOK.String(), readFrame(t, ws))
}

func TestDequeueUnknownGroup(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), true)

	ws := dial(t, ts, "/dequeue/nope")
	assert.Equal(t, wire.StatusError.String(), readFrame(t, ws))
}

func TestSubscribeReceivesBroadcast(t *testing.T) {
	b, ts := newTestServer(t, testConfig(), true)

	ws1 := dial(t, ts, "/subscribe/events")
	ws2 := dial(t, ts, "/subscribe/events")

	// Both pumps must be registered before the publish lands.
	tp, _ := b.Topic("events")
	require.Eventually(t, func() bool { return tp.SubscriberCount() == 2 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	require.True(t, b.Publish("events", `"fanout"`))

	f1 := readFrame(t, ws1)
	f2 := readFrame(t, ws2)
	assert.Contains(t, f1, `"fanout"`)
	assert.Equal(t, f1, f2)
}

func TestSubscribeUnknownTopic(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), true)

	ws := dial(t, ts, "/subscribe/nope")
	assert.Equal(t, wire.StatusError.String(), readFrame(t, ws))
}

func TestConnectionCap(t *testing.T) {
	cfg := testConfig()
	b, err := broker.New(context.Background(), cfg, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	b.Start(context.Background())
	t.Cleanup(func() { b.Close() })

	s := New(Config{MaxConnections: 1, ShutdownTimeout: time.Second}, b, nil, slog.New(slog.DiscardHandler))
	ts := httptest.NewServer(s.server.Handler)
	t.Cleanup(ts.Close)

	dial(t, ts, "/dequeue/workers")
	require.Eventually(t, func() bool { return s.connCount.Load() == 1 }, time.Second, 10*time.Millisecond)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/dequeue/workers"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
