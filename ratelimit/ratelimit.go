// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit guards the broker's two edges: connection attempts per
// source IP, and publish and dequeue request rates per connection.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiting configuration. The zero value disables all
// limiting.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Publish    RequestConfig    `yaml:"publish"`
	Dequeue    RequestConfig    `yaml:"dequeue"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // connection attempts per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // stale entry eviction interval
}

// RequestConfig holds per-connection request rate limiting settings.
type RequestConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // requests per second per connection
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns the limits applied when the section is enabled
// without overrides.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 connection attempts per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Publish: RequestConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
		Dequeue: RequestConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
	}
}

// ipLimiter tracks one token bucket per source IP and evicts buckets that
// have not been seen for two cleanup intervals.
type ipLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipEntry
	rate    rate.Limit
	burst   int
	cleanup time.Duration
	stopCh  chan struct{}
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(r float64, burst int, cleanupInterval time.Duration) *ipLimiter {
	l := &ipLimiter{
		entries: make(map[string]*ipEntry),
		rate:    rate.Limit(r),
		burst:   burst,
		cleanup: cleanupInterval,
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *ipLimiter) allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	l.mu.Lock()
	entry, ok := l.entries[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.entries[ip] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *ipLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *ipLimiter) evictStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for ip, entry := range l.entries {
		if entry.lastSeen.Before(threshold) {
			delete(l.entries, ip)
		}
	}
}

func (l *ipLimiter) stop() {
	close(l.stopCh)
}

// connLimiter tracks publish and dequeue token buckets per connection id.
type connLimiter struct {
	mu       sync.Mutex
	publish  map[string]*rate.Limiter
	dequeue  map[string]*rate.Limiter
	pubRate  rate.Limit
	pubBurst int
	deqRate  rate.Limit
	deqBurst int
}

func newConnLimiter(cfg Config) *connLimiter {
	return &connLimiter{
		publish:  make(map[string]*rate.Limiter),
		dequeue:  make(map[string]*rate.Limiter),
		pubRate:  rate.Limit(cfg.Publish.Rate),
		pubBurst: cfg.Publish.Burst,
		deqRate:  rate.Limit(cfg.Dequeue.Rate),
		deqBurst: cfg.Dequeue.Burst,
	}
}

func (l *connLimiter) allowPublish(connID string) bool {
	l.mu.Lock()
	limiter, ok := l.publish[connID]
	if !ok {
		limiter = rate.NewLimiter(l.pubRate, l.pubBurst)
		l.publish[connID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

func (l *connLimiter) allowDequeue(connID string) bool {
	l.mu.Lock()
	limiter, ok := l.dequeue[connID]
	if !ok {
		limiter = rate.NewLimiter(l.deqRate, l.deqBurst)
		l.dequeue[connID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

func (l *connLimiter) remove(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.publish, connID)
	delete(l.dequeue, connID)
}

// Manager coordinates the limiters; a disabled manager allows everything.
type Manager struct {
	config   Config
	ip       *ipLimiter
	conn     *connLimiter
	disabled bool
}

// NewManager builds a manager from cfg.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true, config: cfg}
	}

	m := &Manager{config: cfg}
	if cfg.Connection.Enabled {
		m.ip = newIPLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Publish.Enabled || cfg.Dequeue.Enabled {
		m.conn = newConnLimiter(cfg)
	}
	return m
}

// AllowConnection reports whether a new connection from addr is admitted.
func (m *Manager) AllowConnection(addr net.Addr) bool {
	if m.disabled || m.ip == nil || !m.config.Connection.Enabled {
		return true
	}
	return m.ip.allow(addr)
}

// AllowPublish reports whether a publish on the given connection is
// admitted.
func (m *Manager) AllowPublish(connID string) bool {
	if m.disabled || m.conn == nil || !m.config.Publish.Enabled {
		return true
	}
	return m.conn.allowPublish(connID)
}

// AllowDequeue reports whether a dequeue request on the given connection
// is admitted.
func (m *Manager) AllowDequeue(connID string) bool {
	if m.disabled || m.conn == nil || !m.config.Dequeue.Enabled {
		return true
	}
	return m.conn.allowDequeue(connID)
}

// OnDisconnect drops per-connection state.
func (m *Manager) OnDisconnect(connID string) {
	if m.disabled || m.conn == nil {
		return
	}
	m.conn.remove(connID)
}

// Stop terminates the background eviction goroutine.
func (m *Manager) Stop() {
	if m.ip != nil {
		m.ip.stop()
	}
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
