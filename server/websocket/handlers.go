// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/queasy-io/queasy/wire"
)

// handlePublish runs a producer connection. Each frame is one publish and
// is answered with exactly one status. The write buffer offer runs on its
// own goroutine so the read loop can answer a second frame arriving
// mid-publish with :BUSY instead of queueing it.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	queueName := r.PathValue("queue")
	c, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer s.release(c)

	var inflight atomic.Bool

	for {
		msgType, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg wire.Message
		switch msgType {
		case websocket.TextMessage:
			msg = wire.ParseText(string(payload))
		case websocket.BinaryMessage:
			msg = wire.ParseBinary(payload)
		default:
			continue
		}

		if !s.broker.Limiter().AllowPublish(c.id) {
			s.metrics.RecordPublishRejected("rate_limited")
			c.writeText(wire.StatusBusy.String())
			continue
		}

		if !inflight.CompareAndSwap(false, true) {
			s.metrics.RecordPublishRejected("busy")
			c.writeText(wire.StatusBusy.String())
			continue
		}

		target := queueName
		if q := msg.Header("qname"); q != "" {
			target = q
		}
		body := msg.Body
		if msg.Kind == wire.Binary {
			body = string(msg.Data)
		}

		go func() {
			defer inflight.Store(false)
			start := time.Now()

			if s.broker.Publish(target, body) {
				s.metrics.RecordPublishAccepted(target, int64(len(body)))
				s.metrics.RecordPublishDuration(float64(time.Since(start).Microseconds()) / 1000)
				c.writeText(wire.StatusOK.String())
				return
			}
			s.metrics.RecordPublishRejected("timeout")
			c.writeText(wire.StatusTimeout.String())
		}()
	}
}

// handleDequeue runs a consumer group client. The client drives delivery
// with #GET; every #GET is answered with exactly one frame: an envelope,
// :TIMEOUT, or :CLOSE at shutdown. A #GET overlapping an unanswered one
// gets :BUSY.
func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	groupName := r.PathValue("group")
	group, found := s.broker.Group(groupName)

	c, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer s.release(c)

	if !found {
		s.logger.Warn("unknown_consumer_group", slog.String("group", groupName))
		s.metrics.RecordError("unknown_group")
		c.writeText(wire.StatusError.String())
		return
	}

	var awaiting atomic.Bool

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		switch wire.Command(string(payload)) {
		case wire.CommandPing:
			c.writeText(wire.StatusOK.String())
		case wire.CommandGet:
			if !s.broker.Limiter().AllowDequeue(c.id) {
				c.writeText(wire.StatusBusy.String())
				continue
			}
			if !awaiting.CompareAndSwap(false, true) {
				c.writeText(wire.StatusBusy.String())
				continue
			}

			waiter := group.WaitForMessage()
			go func() {
				defer awaiting.Store(false)
				frame := <-waiter.Frame()
				if frame == wire.StatusTimeout.String() {
					s.metrics.RecordTimeout(groupName)
				} else if frame == wire.StatusError.String() {
					s.metrics.RecordError("dispatch")
				} else if !wire.IsStatus(frame) {
					s.metrics.RecordDelivery(groupName, 1)
				}
				c.writeText(frame)
			}()
		default:
			s.logger.Debug("unknown_command",
				slog.String("conn", c.id),
				slog.String("command", string(payload)),
			)
		}
	}
}

// handleSubscribe runs a topic subscriber. Delivery is server-driven: a
// pump goroutine registers the subscriber as waiting, relays every batch
// sequentially, and prefixes :MESG_DROP when batch ids show a gap. The
// read loop only serves #PING and close detection.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topicName := r.PathValue("topic")
	topic, found := s.broker.Topic(topicName)

	c, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer s.release(c)

	if !found {
		s.logger.Warn("unknown_topic", slog.String("topic", topicName))
		s.metrics.RecordError("unknown_topic")
		c.writeText(wire.StatusError.String())
		return
	}

	sub := topic.Subscribe(c.id)
	s.metrics.RecordSubscribe()
	defer func() {
		topic.Unsubscribe(c.id)
		s.metrics.RecordUnsubscribe()
	}()

	done := make(chan struct{})
	defer close(done)

	go func() {
		var lastSeen int64 = -1
		for {
			topic.WaitForMessages(sub)
			select {
			case <-done:
				return
			case batch := <-sub.Mailbox():
				if lastSeen >= 0 && batch.ID > lastSeen+1 {
					s.metrics.RecordBatchDrop(topicName)
					if err := c.writeText(wire.StatusMesgDrop.String()); err != nil {
						return
					}
				}
				lastSeen = batch.ID
				for _, envelope := range batch.Envelopes {
					if err := c.writeText(envelope); err != nil {
						return
					}
				}
				s.metrics.RecordDelivery("topic:"+topicName, len(batch.Envelopes))
			}
		}
	}()

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if wire.Command(string(payload)) == wire.CommandPing {
			c.writeText(wire.StatusOK.String())
		}
	}
}
