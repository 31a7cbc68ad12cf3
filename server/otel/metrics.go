// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the broker's metric instruments. A nil *Metrics is valid
// and records nothing, so callers never branch on whether metrics are
// enabled.
type Metrics struct {
	meter metric.Meter

	publishesAccepted metric.Int64Counter
	publishesRejected metric.Int64Counter
	messagesCommitted metric.Int64Counter
	deliveriesTotal   metric.Int64Counter
	timeoutsTotal     metric.Int64Counter
	batchDropsTotal   metric.Int64Counter
	errorsTotal       metric.Int64Counter

	connectionsCurrent metric.Int64UpDownCounter
	subscribersActive  metric.Int64UpDownCounter

	batchSize       metric.Int64Histogram
	messageSize     metric.Int64Histogram
	publishDuration metric.Float64Histogram
}

// NewMetrics creates a Metrics instance with all instruments registered on
// the global meter provider.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("queasy"),
	}

	var err error

	m.publishesAccepted, err = m.meter.Int64Counter(
		"queasy.publishes.accepted.total",
		metric.WithDescription("Publishes accepted into the write buffer"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishesAccepted counter: %w", err)
	}

	m.publishesRejected, err = m.meter.Int64Counter(
		"queasy.publishes.rejected.total",
		metric.WithDescription("Publishes rejected, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishesRejected counter: %w", err)
	}

	m.messagesCommitted, err = m.meter.Int64Counter(
		"queasy.messages.committed.total",
		metric.WithDescription("Messages committed to the store"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesCommitted counter: %w", err)
	}

	m.deliveriesTotal, err = m.meter.Int64Counter(
		"queasy.deliveries.total",
		metric.WithDescription("Envelopes delivered to clients, by destination"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveriesTotal counter: %w", err)
	}

	m.timeoutsTotal, err = m.meter.Int64Counter(
		"queasy.timeouts.total",
		metric.WithDescription("Dequeue requests answered with :TIMEOUT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create timeoutsTotal counter: %w", err)
	}

	m.batchDropsTotal, err = m.meter.Int64Counter(
		"queasy.batch_drops.total",
		metric.WithDescription("Topic batches a subscriber missed (:MESG_DROP)"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchDropsTotal counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"queasy.errors.total",
		metric.WithDescription("Errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"queasy.connections.current",
		metric.WithDescription("Currently open client connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.subscribersActive, err = m.meter.Int64UpDownCounter(
		"queasy.subscribers.active",
		metric.WithDescription("Currently attached topic subscribers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscribersActive gauge: %w", err)
	}

	m.batchSize, err = m.meter.Int64Histogram(
		"queasy.batch.size",
		metric.WithDescription("Messages per committed batch"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchSize histogram: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"queasy.message.size.bytes",
		metric.WithDescription("Published payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.publishDuration, err = m.meter.Float64Histogram(
		"queasy.publish.duration.ms",
		metric.WithDescription("Publish handling duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishDuration histogram: %w", err)
	}

	return m, nil
}

// RecordPublishAccepted records an accepted publish and its payload size.
func (m *Metrics) RecordPublishAccepted(queue string, sizeBytes int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.publishesAccepted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
	))
	m.messageSize.Record(ctx, sizeBytes)
}

// RecordPublishRejected records a rejected publish by reason (busy,
// timeout, rate_limited).
func (m *Metrics) RecordPublishRejected(reason string) {
	if m == nil {
		return
	}
	m.publishesRejected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordCommit records a committed batch.
func (m *Metrics) RecordCommit(batchSize int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.messagesCommitted.Add(ctx, int64(batchSize))
	m.batchSize.Record(ctx, int64(batchSize))
}

// RecordDelivery records envelopes sent to a consumer group or topic.
func (m *Metrics) RecordDelivery(destination string, count int) {
	if m == nil {
		return
	}
	m.deliveriesTotal.Add(context.Background(), int64(count), metric.WithAttributes(
		attribute.String("destination", destination),
	))
}

// RecordTimeout records a dequeue request that expired.
func (m *Metrics) RecordTimeout(group string) {
	if m == nil {
		return
	}
	m.timeoutsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("group", group),
	))
}

// RecordBatchDrop records a subscriber missing a topic batch.
func (m *Metrics) RecordBatchDrop(topic string) {
	if m == nil {
		return
	}
	m.batchDropsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("topic", topic),
	))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

// RecordConnect records a connection being opened.
func (m *Metrics) RecordConnect() {
	if m == nil {
		return
	}
	m.connectionsCurrent.Add(context.Background(), 1)
}

// RecordDisconnect records a connection being closed.
func (m *Metrics) RecordDisconnect() {
	if m == nil {
		return
	}
	m.connectionsCurrent.Add(context.Background(), -1)
}

// RecordSubscribe records a topic subscriber attaching.
func (m *Metrics) RecordSubscribe() {
	if m == nil {
		return
	}
	m.subscribersActive.Add(context.Background(), 1)
}

// RecordUnsubscribe records a topic subscriber detaching.
func (m *Metrics) RecordUnsubscribe() {
	if m == nil {
		return
	}
	m.subscribersActive.Add(context.Background(), -1)
}

// RecordPublishDuration records end-to-end publish handling time.
func (m *Metrics) RecordPublishDuration(durationMs float64) {
	if m == nil {
		return
	}
	m.publishDuration.Record(context.Background(), durationMs)
}
