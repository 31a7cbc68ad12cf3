// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queasy-io/queasy/broker"
	"github.com/queasy-io/queasy/config"
)

func newServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Type = "memory"
	cfg.ConsumerGroups = map[string]config.GroupConfig{
		"workers": {Queue: "jobs", FetchSize: 8, Timeout: time.Second},
	}

	log := slog.New(slog.DiscardHandler)
	b, err := broker.New(context.Background(), cfg, nil, log)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	return New(Config{Address: ":0", ShutdownTimeout: time.Second}, b, log)
}

func TestHealth(t *testing.T) {
	s := newServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestHealthRejectsPost(t *testing.T) {
	s := newServer(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReady(t *testing.T) {
	s := newServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.handleReady(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ready", resp.Status)
}

func TestReadyWithoutBroker(t *testing.T) {
	s := New(Config{Address: ":0", ShutdownTimeout: time.Second}, nil, slog.New(slog.DiscardHandler))

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.handleReady(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStats(t *testing.T) {
	s := newServer(t)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	s.handleStats(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var stats broker.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, []string{"workers"}, stats.ConsumerGroups)
	assert.Positive(t, stats.LastWrittenID)
}
