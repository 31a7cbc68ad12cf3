// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

// Package websocket exposes the broker's three endpoints over WebSocket:
// /publish/{queue} for producers, /dequeue/{group} for consumer group
// clients, and /subscribe/{topic} for broadcast subscribers.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/queasy-io/queasy/broker"
	"github.com/queasy-io/queasy/server/otel"
)

type Config struct {
	Address         string
	Origin          string // allowed Origin header, empty accepts any
	MaxConnections  int
	ShutdownTimeout time.Duration
}

type Server struct {
	config   Config
	broker   *broker.Broker
	logger   *slog.Logger
	metrics  *otel.Metrics
	server   *http.Server
	upgrader websocket.Upgrader

	connCount atomic.Int64
}

func New(cfg Config, b *broker.Broker, metrics *otel.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		broker:  b,
		logger:  logger,
		metrics: metrics,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if cfg.Origin == "" {
				return true
			}
			return r.Header.Get("Origin") == cfg.Origin
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /publish/{queue}", s.handlePublish)
	mux.HandleFunc("GET /dequeue/{group}", s.handleDequeue)
	mux.HandleFunc("GET /subscribe/{topic}", s.handleSubscribe)

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}

	return s
}

// Handler returns the route mux, for embedding the endpoints into an
// existing HTTP server.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting", slog.String("addr", s.config.Address))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

// upgrade admits the connection through the rate limiter and the
// connection cap before the WebSocket handshake.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*conn, bool) {
	if s.config.MaxConnections > 0 && s.connCount.Load() >= int64(s.config.MaxConnections) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return nil, false
	}

	if addr := remoteAddr(r); !s.broker.Limiter().AllowConnection(addr) {
		s.logger.Warn("connection_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return nil, false
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return nil, false
	}

	c := newConn(ws)
	s.connCount.Add(1)
	s.metrics.RecordConnect()
	s.logger.Debug("websocket_connection_accepted",
		slog.String("conn", c.id),
		slog.String("remote_addr", r.RemoteAddr),
	)
	return c, true
}

func (s *Server) release(c *conn) {
	c.close()
	s.connCount.Add(-1)
	s.metrics.RecordDisconnect()
	s.broker.Limiter().OnDisconnect(c.id)
	s.logger.Debug("websocket_connection_closed", slog.String("conn", c.id))
}
