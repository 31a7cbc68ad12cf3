// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queasy-io/queasy/queue"
	"github.com/queasy-io/queasy/snowflake"
	"github.com/queasy-io/queasy/store"
	"github.com/queasy-io/queasy/store/memory"
	"github.com/queasy-io/queasy/wire"
)

type fixture struct {
	store     *memory.Store
	persister *queue.Persister
	group     *Group
	cancel    context.CancelFunc
	done      chan struct{}
}

func newFixture(t *testing.T, timeout time.Duration, filter store.Filter) *fixture {
	t.Helper()
	log := slog.New(slog.DiscardHandler)

	s := memory.New()
	gen, err := snowflake.New(1)
	require.NoError(t, err)
	p, err := queue.NewPersister(s, gen, 1, nil, log)
	require.NoError(t, err)

	r, err := queue.NewReader(context.Background(), s, p, nil, "cg1", filter, 5, log)
	require.NoError(t, err)

	g := NewGroup("cg1", r, p.Subscribe(), timeout, 10*time.Millisecond, 5, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Run(ctx)
	}()

	f := &fixture{store: s, persister: p, group: g, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func (f *fixture) publish(t *testing.T, body string) {
	t.Helper()
	require.NoError(t, f.persister.Append(context.Background(), "jobs", body))
}

func recvFrame(t *testing.T, w *Waiter) string {
	t.Helper()
	select {
	case frame := <-w.Frame():
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return ""
	}
}

func TestDeliversEachMessageOnce(t *testing.T) {
	f := newFixture(t, time.Second, store.Filter{})

	for i := 0; i < 3; i++ {
		f.publish(t, fmt.Sprintf(`"m%d"`, i))
	}

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		frame := recvFrame(t, f.group.WaitForMessage())
		require.False(t, wire.IsStatus(frame), frame)
		assert.False(t, seen[frame], "duplicate delivery: %s", frame)
		seen[frame] = true
	}
	assert.Len(t, seen, 3)
}

func TestDeliversInLogOrder(t *testing.T) {
	f := newFixture(t, time.Second, store.Filter{})

	for i := 0; i < 4; i++ {
		f.publish(t, fmt.Sprintf(`"m%d"`, i))
	}
	for i := 0; i < 4; i++ {
		frame := recvFrame(t, f.group.WaitForMessage())
		assert.Contains(t, frame, fmt.Sprintf(`"m%d"`, i))
	}
}

func TestWaiterWokenByLaterPublish(t *testing.T) {
	f := newFixture(t, 2*time.Second, store.Filter{})

	w := f.group.WaitForMessage()
	select {
	case frame := <-w.Frame():
		t.Fatalf("premature frame: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}

	f.publish(t, `"late"`)
	frame := recvFrame(t, w)
	assert.Contains(t, frame, `"late"`)
}

func TestTimeoutWhenNoMessages(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond, store.Filter{})

	start := time.Now()
	frame := recvFrame(t, f.group.WaitForMessage())
	assert.Equal(t, wire.StatusTimeout.String(), frame)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestTimeoutWhenNothingMatchesFilter(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond, store.Filter{Predicate: "false"})

	w := f.group.WaitForMessage()
	f.publish(t, `"invisible"`)

	frame := recvFrame(t, w)
	assert.Equal(t, wire.StatusTimeout.String(), frame)
}

func TestPendingWaitersGetCloseOnShutdown(t *testing.T) {
	f := newFixture(t, time.Minute, store.Filter{})

	w := f.group.WaitForMessage()
	time.Sleep(20 * time.Millisecond)
	f.cancel()
	<-f.done

	frame := recvFrame(t, w)
	assert.Equal(t, wire.StatusClose.String(), frame)
}

func TestCompetingWaitersAnsweredInArrivalOrder(t *testing.T) {
	f := newFixture(t, time.Second, store.Filter{})

	w1 := f.group.WaitForMessage()
	time.Sleep(10 * time.Millisecond)
	w2 := f.group.WaitForMessage()
	time.Sleep(10 * time.Millisecond)

	f.publish(t, `"first"`)
	f.publish(t, `"second"`)

	assert.Contains(t, recvFrame(t, w1), `"first"`)
	assert.Contains(t, recvFrame(t, w2), `"second"`)
}
