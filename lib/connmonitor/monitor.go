// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connmonitor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/expstream/lib/clock"
)

// Transition is the result of a Tick.
type Transition int

const (
	NoChange Transition = iota
	ConnectionLost
	ConnectionRestored
)

func (t Transition) String() string {
	switch t {
	case NoChange:
		return "no-change"
	case ConnectionLost:
		return "connection-lost"
	case ConnectionRestored:
		return "connection-restored"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ProbeFunc checks reachability. A false result should carry a short
// human-readable reason.
type ProbeFunc func() (reachable bool, reason string)

// Config configures a Monitor.
type Config struct {
	// Interval is the minimum time between two probes. Required.
	Interval time.Duration

	// Clock is the time source. Required.
	Clock clock.Clock

	// Logger receives state transitions. Nil discards them.
	Logger *slog.Logger
}

// Monitor holds the connection state machine. Safe for concurrent
// use: senders call ConnectionFailed from their own goroutines while
// the coordinator ticks.
type Monitor struct {
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu               sync.Mutex
	connected        bool
	disconnectReason string
	disconnectTime   time.Time
	lastProbe        time.Time
	probed           bool
}

// New returns a Monitor in the connected state. The first Tick probes
// immediately.
func New(cfg Config) (*Monitor, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("connection monitor: Interval must be positive, got %v", cfg.Interval)
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("connection monitor: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		interval:  cfg.Interval,
		clock:     cfg.Clock,
		logger:    logger,
		connected: true,
	}, nil
}

// Tick probes if the interval has elapsed since the last probe and
// reports the resulting transition. The probe runs without the
// monitor's lock held.
func (m *Monitor) Tick(probe ProbeFunc) Transition {
	m.mu.Lock()
	now := m.clock.Now()
	if m.probed && now.Sub(m.lastProbe) < m.interval {
		m.mu.Unlock()
		return NoChange
	}
	m.probed = true
	m.lastProbe = now
	m.mu.Unlock()

	reachable, reason := probe()

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case reachable && !m.connected:
		m.connected = true
		m.logger.Info("connection to tracking service restored",
			"disconnect_reason", m.disconnectReason,
			"disconnected_for", m.clock.Now().Sub(m.disconnectTime),
		)
		return ConnectionRestored
	case !reachable && m.connected:
		m.markLostLocked(reason)
		return ConnectionLost
	case !reachable:
		m.logger.Debug("tracking service still unreachable", "reason", reason)
	}
	return NoChange
}

// ConnectionFailed marks the connection lost immediately. The reason
// of the first failure in an episode is kept.
func (m *Monitor) ConnectionFailed(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return
	}
	m.markLostLocked(reason)
}

// Reset clears the disconnect bookkeeping after a reconnection has
// been handled.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectReason = ""
	m.disconnectTime = time.Time{}
}

// Connected reports the current connection state.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// DisconnectReason returns the reason of the current or last
// unhandled disconnect, or "".
func (m *Monitor) DisconnectReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectReason
}

// DisconnectTime returns when the current or last unhandled
// disconnect began, or the zero time.
func (m *Monitor) DisconnectTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectTime
}

func (m *Monitor) markLostLocked(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.connected = false
	m.disconnectReason = reason
	m.disconnectTime = m.clock.Now()
	m.logger.Warn("connection to tracking service lost", "reason", reason)
}
