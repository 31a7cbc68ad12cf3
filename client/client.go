// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

// Package client provides Go clients for the three broker endpoints:
// Producer for /publish, Consumer for /dequeue, and Subscriber for
// /subscribe.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/queasy-io/queasy/wire"
)

var (
	// ErrBusy is returned when the broker rejects an operation because a
	// prior one on the same connection is still in flight.
	ErrBusy = errors.New("client: broker busy")

	// ErrTimeout is returned when the broker could not serve the
	// operation within its configured timeout.
	ErrTimeout = errors.New("client: operation timed out")

	// ErrClosed is returned after the broker announced an orderly close.
	ErrClosed = errors.New("client: connection closed by broker")
)

func dial(ctx context.Context, baseURL, path string) (*websocket.Conn, error) {
	u, err := url.JoinPath(baseURL, path)
	if err != nil {
		return nil, fmt.Errorf("build endpoint url: %w", err)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return ws, nil
}

func statusErr(frame string) error {
	switch wire.Status(frame) {
	case wire.StatusBusy:
		return ErrBusy
	case wire.StatusTimeout:
		return ErrTimeout
	case wire.StatusClose:
		return ErrClosed
	default:
		return fmt.Errorf("client: broker error %s", frame)
	}
}

// Producer publishes messages to one queue over a single connection.
// Publish calls are serialized; the broker's single-flight rule makes
// concurrent publishes on one connection pointless.
type Producer struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// NewProducer connects a producer for queueName.
func NewProducer(ctx context.Context, baseURL, queueName string) (*Producer, error) {
	ws, err := dial(ctx, baseURL, "/publish/"+queueName)
	if err != nil {
		return nil, err
	}
	return &Producer{ws: ws}, nil
}

// Publish sends one message and waits for the broker's acknowledgement.
func (p *Producer) Publish(msg wire.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if msg.Kind == wire.Binary {
		err = p.ws.WriteMessage(websocket.BinaryMessage, msg.FrameBytes())
	} else {
		err = p.ws.WriteMessage(websocket.TextMessage, []byte(msg.Frame()))
	}
	if err != nil {
		return fmt.Errorf("write publish frame: %w", err)
	}

	_, payload, err := p.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("read publish ack: %w", err)
	}
	if frame := string(payload); frame != wire.StatusOK.String() {
		return statusErr(frame)
	}
	return nil
}

// PublishText publishes a bare text body with no headers.
func (p *Producer) PublishText(body string) error {
	return p.Publish(wire.Message{Kind: wire.Text, Body: body})
}

// Close closes the connection.
func (p *Producer) Close() error {
	return p.ws.Close()
}

// Consumer pulls messages from a consumer group.
type Consumer struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// NewConsumer connects a consumer to groupName.
func NewConsumer(ctx context.Context, baseURL, groupName string) (*Consumer, error) {
	ws, err := dial(ctx, baseURL, "/dequeue/"+groupName)
	if err != nil {
		return nil, err
	}
	return &Consumer{ws: ws}, nil
}

// Next requests the next message and blocks until the broker answers.
// ErrTimeout means no message arrived within the group's timeout; the
// caller simply asks again.
func (c *Consumer) Next() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(wire.CommandGet.String())); err != nil {
		return "", fmt.Errorf("write get: %w", err)
	}

	_, payload, err := c.ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read delivery: %w", err)
	}
	frame := string(payload)
	if wire.IsStatus(frame) {
		return "", statusErr(frame)
	}
	return frame, nil
}

// Close closes the connection.
func (c *Consumer) Close() error {
	return c.ws.Close()
}

// Subscriber receives a topic's broadcast stream. Deliveries are pushed by
// the broker; Recv surfaces them one frame at a time.
type Subscriber struct {
	ws *websocket.Conn
}

// NewSubscriber connects a subscriber to topicName.
func NewSubscriber(ctx context.Context, baseURL, topicName string) (*Subscriber, error) {
	ws, err := dial(ctx, baseURL, "/subscribe/"+topicName)
	if err != nil {
		return nil, err
	}
	return &Subscriber{ws: ws}, nil
}

// Recv blocks for the next frame. dropped reports that the broker
// detected this subscriber missed a batch before the returned envelope's
// batch.
func (s *Subscriber) Recv() (envelope string, dropped bool, err error) {
	for {
		_, payload, err := s.ws.ReadMessage()
		if err != nil {
			return "", dropped, fmt.Errorf("read broadcast: %w", err)
		}
		frame := string(payload)
		if !wire.IsStatus(frame) {
			return frame, dropped, nil
		}
		switch wire.Status(frame) {
		case wire.StatusMesgDrop:
			dropped = true
		case wire.StatusClose:
			return "", dropped, ErrClosed
		}
	}
}

// Close closes the connection.
func (s *Subscriber) Close() error {
	return s.ws.Close()
}
