// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/expstream/lib/clock"
	"github.com/bureau-foundation/expstream/lib/connmonitor"
	"github.com/bureau-foundation/expstream/lib/message"
	"github.com/bureau-foundation/expstream/lib/msgqueue"
	"github.com/bureau-foundation/expstream/lib/offline"
	"github.com/bureau-foundation/expstream/lib/online"
	"github.com/bureau-foundation/expstream/lib/replaystore"
)

// ReconnectionEvent is the name of the event reported to the tracking
// service after the connection comes back.
const ReconnectionEvent = "reconnection"

// intakeItem is a message waiting for its sequence id.
type intakeItem struct {
	msg       message.Message
	callbacks message.Callbacks
}

// Coordinator is the fallback coordinator. Create with New, then
// Start; finish with WaitForFinish.
type Coordinator struct {
	online  OnlineSender
	store   *replaystore.Store
	monitor *connmonitor.Monitor
	clock   clock.Clock
	logger  *slog.Logger

	keepOfflineArchive bool
	offlineDirectory   string
	terminateTimeout   time.Duration
	pollInterval       time.Duration

	intake  *msgqueue.Queue[intakeItem]
	counter atomic.Int64

	// deliveredAny is set by the first confirmed online delivery.
	deliveredAny atomic.Bool

	// offlineSender is nil when offline fallback is disabled or could
	// not be created. offlineFailed is set by its error callback.
	offlineSender  OfflineSender
	offlineData    string
	offlineFailed  atomic.Bool
	offlineEnabled bool

	mu          sync.Mutex
	started     bool
	finished    bool
	result      bool
	uploader    Uploader
	archivePath string
	startTime   time.Time
	stopTime    time.Time
	// nextDrain is closed when the loop finishes the first drain that
	// begins after the channel was handed out.
	nextDrain chan struct{}

	done chan struct{}
}

// New validates cfg and builds the coordinator with its store,
// monitor and offline sender. A failing offline sender degrades to
// offline fallback being disabled.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Online == nil {
		return nil, fmt.Errorf("fallback coordinator: Online is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("fallback coordinator: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	monitor := cfg.Monitor
	if monitor == nil {
		interval := cfg.ConnectionCheckInterval
		if interval <= 0 {
			interval = defaultConnectionCheckInterval
		}
		var err error
		monitor, err = connmonitor.New(connmonitor.Config{
			Interval: interval,
			Clock:    cfg.Clock,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("fallback coordinator: %w", err)
		}
	}

	store := cfg.Store
	if store == nil {
		store = replaystore.New(replaystore.Config{
			Directory: cfg.TempDirectory,
			Logger:    logger,
		})
	}

	coordinator := &Coordinator{
		online:             cfg.Online,
		store:              store,
		monitor:            monitor,
		clock:              cfg.Clock,
		logger:             logger,
		keepOfflineArchive: cfg.KeepOfflineArchive,
		offlineDirectory:   cfg.OfflineDirectory,
		terminateTimeout:   durationOrDefault(cfg.TerminateTimeout, defaultTerminateTimeout),
		pollInterval:       durationOrDefault(cfg.PollInterval, defaultPollInterval),
		intake:             msgqueue.New[intakeItem](),
		offlineEnabled:     cfg.EnableOfflineFallback,
		uploader:           cfg.Uploader,
		nextDrain:          make(chan struct{}),
		done:               make(chan struct{}),
	}
	if coordinator.offlineDirectory == "" {
		coordinator.offlineDirectory = defaultOfflineDirectory
	}
	coordinator.counter.Store(cfg.InitialCounter)

	if cfg.EnableOfflineFallback {
		coordinator.createOfflineSender(cfg)
	} else {
		logger.Debug("offline fallback disabled by configuration")
	}
	return coordinator, nil
}

func (c *Coordinator) createOfflineSender(cfg Config) {
	factory := cfg.OfflineFactory
	if factory == nil {
		waitTimeout := durationOrDefault(cfg.OfflineWaitTimeout, defaultOfflineWaitTimeout)
		factory = func(directory string, onError func(string)) (OfflineSender, error) {
			return offline.New(offline.Config{
				Directory:   directory,
				OnError:     onError,
				Compression: cfg.OfflineCompression,
				Clock:       cfg.Clock,
				Logger:      c.logger,
				WaitTimeout: waitTimeout,
			})
		}
	}

	directory, err := os.MkdirTemp(cfg.TempDirectory, "expstream-offline-")
	if err != nil {
		c.logger.Warn("offline fallback disabled: cannot create data directory", "error", err)
		return
	}
	sender, err := factory(directory, c.offlineError)
	if err != nil {
		os.RemoveAll(directory)
		c.logger.Warn("offline fallback disabled: cannot create offline sender", "error", err)
		return
	}
	c.offlineSender = sender
	c.offlineData = directory
	c.logger.Debug("offline fallback enabled", "directory", directory)
}

func (c *Coordinator) offlineError(reason string) {
	c.logger.Debug("offline sender failed, offline fallback disabled", "reason", reason)
	c.offlineFailed.Store(true)
}

// offlineUsable reports whether messages still go to the offline
// sender.
func (c *Coordinator) offlineUsable() bool {
	return c.offlineSender != nil && !c.offlineFailed.Load()
}

// Start starts the online sender and the loop. Calling Start more than
// once has no effect.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.startTime = c.clock.Now()
	c.mu.Unlock()

	c.online.Start(ctx, c)
	go c.run(ctx)
}

// Put enqueues msg for routing. Never blocks. Dropped after
// WaitForFinish has begun.
func (c *Coordinator) Put(msg message.Message) {
	c.PutWithCallbacks(msg, message.Callbacks{})
}

// PutWithCallbacks is Put with per-message callbacks, invoked once when
// the message is delivered or abandoned.
func (c *Coordinator) PutWithCallbacks(msg message.Message, callbacks message.Callbacks) {
	if !c.intake.Push(intakeItem{msg: msg, callbacks: callbacks}) {
		c.logger.Debug("coordinator closed, dropping message", "type", msg.Kind())
	}
}

// SetUploader registers the archive uploader.
func (c *Coordinator) SetUploader(uploader Uploader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploader = uploader
}

// Connected reports whether the tracking service is considered
// reachable.
func (c *Coordinator) Connected() bool {
	return c.monitor.Connected()
}

// Counter returns the last assigned sequence id.
func (c *Coordinator) Counter() int64 {
	return c.counter.Load()
}

// ArchivePath returns the path of the archive created by
// WaitForFinish, or "".
func (c *Coordinator) ArchivePath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.archivePath
}

// Done is closed when the loop has exited.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// TrackDelivery receives outcomes from the online sender.
func (c *Coordinator) TrackDelivery(outcome online.Outcome) {
	if outcome.ConnectionError {
		c.monitor.ConnectionFailed(outcome.Reason)
	}
	status := replaystore.Failed
	if outcome.Delivered {
		status = replaystore.Delivered
		c.deliveredAny.Store(true)
	}
	c.store.UpdateMessages(outcome.IDs, status)
}

// Flush waits until the loop has drained every message put before the
// call, then waits for the online sender to settle, all within
// timeout. A zero timeout only checks the current state.
func (c *Coordinator) Flush(timeout time.Duration) bool {
	if timeout <= 0 {
		return c.intake.Len() == 0 && c.online.Flush(0)
	}

	start := c.clock.Now()
	c.mu.Lock()
	started := c.started
	drained := c.nextDrain
	c.mu.Unlock()

	if started {
		c.intake.Wake()
		timer := c.clock.NewTimer(timeout)
		select {
		case <-drained:
		case <-c.done:
		case <-timer.C:
			c.logger.Debug("flush timed out waiting for the intake queue", "timeout", timeout)
			return false
		}
		timer.Stop()
	}

	if !started && c.intake.Len() > 0 {
		return false
	}
	remaining := timeout - c.clock.Now().Sub(start)
	if remaining <= 0 {
		return c.online.Flush(0)
	}
	return c.online.Flush(remaining)
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	defer func() {
		c.mu.Lock()
		c.stopTime = c.clock.Now()
		c.mu.Unlock()
	}()

	timer := c.clock.NewTimer(c.pollInterval)
	defer timer.Stop()

	for {
		// Put refuses messages once the intake is closed, so a drain
		// that starts after seeing the flag is the last one needed.
		closing := c.intake.Closed()
		c.iterate(ctx)
		if closing {
			c.logger.Debug("coordinator loop finished", "last_id", c.counter.Load())
			return
		}

		select {
		case <-c.intake.Notify():
		case <-timer.C:
		case <-ctx.Done():
			c.intake.Close()
		}
		resetTimer(timer, c.pollInterval)
	}
}

// iterate runs one loop pass and then releases flush waiters. A panic
// inside the pass is logged and does not stop the loop.
func (c *Coordinator) iterate(ctx context.Context) {
	c.mu.Lock()
	drained := c.nextDrain
	c.nextDrain = make(chan struct{})
	c.mu.Unlock()
	defer close(drained)

	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("coordinator loop iteration panicked", "panic", recovered)
		}
	}()

	if c.monitor.Tick(c.probe(ctx)) == connmonitor.ConnectionRestored {
		c.handleReconnection(ctx)
	}
	c.route(c.intake.Drain())
}

// probe returns the connection probe. Errors and panics count as
// unreachable.
func (c *Coordinator) probe(ctx context.Context) connmonitor.ProbeFunc {
	return func() (reachable bool, reason string) {
		defer func() {
			if recovered := recover(); recovered != nil {
				reachable, reason = false, fmt.Sprintf("probe panicked: %v", recovered)
			}
		}()
		return c.online.Probe(ctx)
	}
}

// route assigns ids to items, records them, and forwards them to the
// senders.
func (c *Coordinator) route(items []intakeItem) {
	if len(items) == 0 {
		return
	}

	connected := c.monitor.Connected()
	status := replaystore.Registered
	if !connected {
		status = replaystore.Failed
	}

	msgs := make([]message.Message, len(items))
	callbacks := make(map[int64]message.Callbacks)
	for i, item := range items {
		msgs[i] = item.msg.WithID(c.counter.Add(1))
		if !item.callbacks.IsZero() {
			callbacks[msgs[i].ID] = item.callbacks
		}
	}
	c.store.RegisterMessages(msgs, status, callbacks)

	toOffline := c.offlineUsable()
	for _, msg := range msgs {
		if connected {
			c.online.Submit(msg)
		}
		if toOffline {
			c.offlineSender.Put(msg)
		}
	}
	c.logger.Debug("routed messages",
		"count", len(msgs),
		"last_id", msgs[len(msgs)-1].ID,
		"online", connected,
		"offline", toOffline,
	)
}

// handleReconnection reports the outage, clears the monitor's
// bookkeeping and replays failed messages with their original ids.
func (c *Coordinator) handleReconnection(ctx context.Context) {
	if reason := c.monitor.DisconnectReason(); reason != "" {
		disconnectTime := c.monitor.DisconnectTime()
		event := message.Event{
			Name: ReconnectionEvent,
			Details: map[string]string{
				"disconnect_reason":   reason,
				"disconnect_time":     disconnectTime.UTC().Format(time.RFC3339Nano),
				"disconnect_duration": c.clock.Now().Sub(disconnectTime).String(),
			},
		}
		if err := c.online.ReportEvent(ctx, event); err != nil {
			c.logger.Debug("reporting reconnection failed", "error", err)
		}
	}
	c.monitor.Reset()

	replayed := c.store.ReplayFailedMessages(c.online.Submit)
	c.logger.Info("connection restored, replaying failed messages", "count", replayed)
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// resetTimer re-arms timer for d, draining a stale fire first.
func resetTimer(timer *clock.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
