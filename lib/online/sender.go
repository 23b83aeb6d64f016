// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package online

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/expstream/lib/clock"
	"github.com/bureau-foundation/expstream/lib/message"
	"github.com/bureau-foundation/expstream/lib/msgqueue"
)

// Outcome reports the fate of one message or batch.
type Outcome struct {
	IDs             []int64
	Delivered       bool
	ConnectionError bool
	Reason          string
}

// OutcomeSink receives outcomes. TrackDelivery is called from the
// sender's goroutine (or from Submit for messages refused after
// Close) and must not block for long.
type OutcomeSink interface {
	TrackDelivery(Outcome)
}

// OutcomeFunc adapts a function to OutcomeSink.
type OutcomeFunc func(Outcome)

// TrackDelivery calls f.
func (f OutcomeFunc) TrackDelivery(outcome Outcome) { f(outcome) }

const (
	defaultMaxBatchSize   = 100
	defaultRequestTimeout = 10 * time.Second
	defaultFinishTimeout  = 30 * time.Second
)

// Config configures a Sender.
type Config struct {
	// Transport delivers batches. Required.
	Transport Transport

	// Clock drives retry incident timing and the Flush and finish
	// timeouts. Required.
	Clock clock.Clock

	// Logger receives delivery diagnostics. Nil discards them.
	Logger *slog.Logger

	// MaxBatchSize caps the number of messages per request.
	// Defaults to 100.
	MaxBatchSize int

	// RequestTimeout bounds each transport call. Defaults to 10s.
	RequestTimeout time.Duration

	// FinishTimeout bounds WaitForFinish. Defaults to 30s.
	FinishTimeout time.Duration
}

// Sender is the online delivery pipeline. Create with New, then Start.
type Sender struct {
	transport      Transport
	clock          clock.Clock
	logger         *slog.Logger
	maxBatchSize   int
	requestTimeout time.Duration
	finishTimeout  time.Duration

	queue     *msgqueue.Queue[message.Message]
	incidents *RetryIncidents

	mu      sync.Mutex
	sink    OutcomeSink
	started bool
	// pending counts submitted messages whose outcome has not been
	// reported. idle is closed whenever pending is zero.
	pending int
	idle    chan struct{}
	// failed holds ids whose last outcome was a failure. A later
	// successful delivery (after replay) removes them.
	failed map[int64]struct{}

	abort     chan struct{}
	abortOnce sync.Once
	done      chan struct{}
}

// New validates cfg and returns a stopped Sender.
func New(cfg Config) (*Sender, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("online sender: Transport is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("online sender: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxBatchSize := cfg.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = defaultMaxBatchSize
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	finishTimeout := cfg.FinishTimeout
	if finishTimeout <= 0 {
		finishTimeout = defaultFinishTimeout
	}

	idle := make(chan struct{})
	close(idle)

	return &Sender{
		transport:      cfg.Transport,
		clock:          cfg.Clock,
		logger:         logger,
		maxBatchSize:   maxBatchSize,
		requestTimeout: requestTimeout,
		finishTimeout:  finishTimeout,
		queue:          msgqueue.New[message.Message](),
		incidents:      NewRetryIncidents(),
		idle:           idle,
		failed:         make(map[int64]struct{}),
		abort:          make(chan struct{}),
		done:           make(chan struct{}),
	}, nil
}

// Start launches the delivery goroutine. Outcomes go to sink. Calling
// Start more than once has no effect.
func (s *Sender) Start(ctx context.Context, sink OutcomeSink) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.sink = sink
	s.mu.Unlock()

	go s.run(ctx)
}

// Submit queues msg for delivery. Never blocks. After Close or
// WaitForFinish the message is reported failed right away.
func (s *Sender) Submit(msg message.Message) {
	s.mu.Lock()
	s.addPendingLocked(1)
	s.mu.Unlock()

	if !s.queue.Push(msg) {
		s.logger.Debug("message submitted after close", "message_id", msg.ID)
		s.report(Outcome{IDs: []int64{msg.ID}, Reason: ErrClosed.Error()})
	}
}

// Probe checks reachability of the tracking service.
func (s *Sender) Probe(ctx context.Context) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	if err := s.transport.Ping(ctx); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// ReportEvent sends a client event synchronously.
func (s *Sender) ReportEvent(ctx context.Context, event message.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	return s.transport.ReportEvent(ctx, event)
}

// Pending returns the number of messages without a reported outcome.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// HasFailed reports whether any message's latest outcome is a failure.
func (s *Sender) HasFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed) > 0
}

// Flush waits until every submitted message has an outcome, or timeout
// elapses. Returns true if nothing is pending. A zero timeout only
// checks.
func (s *Sender) Flush(timeout time.Duration) bool {
	s.mu.Lock()
	idle := s.idle
	pending := s.pending
	s.mu.Unlock()

	if pending == 0 {
		return true
	}
	if timeout <= 0 {
		return false
	}

	timer := s.clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	}
}

// WaitForFinish stops accepting messages, waits (up to FinishTimeout)
// for everything queued or throttled to be sent, and reports whether
// every message was delivered.
func (s *Sender) WaitForFinish() bool {
	s.queue.Close()

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		s.failRemaining()
		return !s.HasFailed()
	}

	timer := s.clock.NewTimer(s.finishTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.logger.Warn("online sender did not finish in time",
			"timeout", s.finishTimeout,
			"pending", s.Pending(),
		)
		s.abortNow()
		<-s.done
		return false
	}
	return !s.HasFailed()
}

// Close stops the sender without waiting for queued messages; they
// are reported failed. Idempotent.
func (s *Sender) Close() {
	s.queue.Close()
	s.abortNow()

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	} else {
		s.failRemaining()
	}
}

func (s *Sender) abortNow() {
	s.abortOnce.Do(func() { close(s.abort) })
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.done)

	// The timer only runs while a retry incident is held.
	timer := s.clock.NewTimer(time.Hour)
	timer.Stop()

	for {
		select {
		case <-s.queue.Notify():
		case <-timer.C:
		case <-s.abort:
			s.failRemaining()
			return
		case <-ctx.Done():
			s.failRemaining()
			return
		}

		msgs := s.incidents.ReleaseOutdated(s.clock.Now())
		msgs = append(msgs, s.queue.Drain()...)
		s.deliver(ctx, msgs)

		if next, ok := s.incidents.NextReset(); ok {
			resetTimer(timer, next.Sub(s.clock.Now()))
		}
		if s.queue.Closed() && s.queue.Len() == 0 && s.incidents.Len() == 0 {
			s.logger.Debug("online sender finished")
			return
		}
	}
}

// deliver groups msgs into batches and sends them in order of first
// appearance.
func (s *Sender) deliver(ctx context.Context, msgs []message.Message) {
	msgs = s.dropInvalid(msgs)
	if len(msgs) == 0 {
		return
	}

	batches := message.Group(msgs, s.maxBatchSize)
	for index, batch := range batches {
		select {
		case <-s.abort:
			// Park the rest so failRemaining reports them.
			for _, remaining := range batches[index:] {
				s.incidents.AddOrUpdate(remaining.Kind, time.Time{}, remaining.Messages...)
			}
			return
		default:
		}
		s.send(ctx, batch)
	}
}

// dropInvalid fails each message that has no wire encoding on its own
// so it cannot take the rest of its batch down with it.
func (s *Sender) dropInvalid(msgs []message.Message) []message.Message {
	valid := msgs[:0]
	for _, msg := range msgs {
		if err := msg.Validate(); err != nil {
			s.logger.Warn("dropping message that cannot be encoded",
				"message_id", msg.ID,
				"type", msg.Kind(),
				"error", err,
			)
			s.report(Outcome{IDs: []int64{msg.ID}, Reason: err.Error()})
			continue
		}
		valid = append(valid, msg)
	}
	return valid
}

func (s *Sender) send(ctx context.Context, batch message.Batch) {
	now := s.clock.Now()
	if s.incidents.Active(batch.Kind, now) {
		s.incidents.AddOrUpdate(batch.Kind, now, batch.Messages...)
		return
	}

	requestContext, cancel := context.WithTimeout(ctx, s.requestTimeout)
	err := s.transport.Send(requestContext, batch)
	cancel()

	var throttled *ThrottledError
	switch {
	case err == nil:
		s.report(Outcome{IDs: batch.IDs(), Delivered: true})
	case errors.As(err, &throttled):
		resetAt := s.clock.Now().Add(throttled.RetryAfter + throttleGrace)
		s.incidents.AddOrUpdate(batch.Kind, resetAt, batch.Messages...)
		s.logger.Warn("delivery throttled, holding messages for retry",
			"type", batch.Kind,
			"count", batch.Len(),
			"retry_at", resetAt,
		)
	case IsConnectionError(err):
		s.logger.Debug("delivery failed, service unreachable",
			"type", batch.Kind,
			"count", batch.Len(),
			"error", err,
		)
		s.report(Outcome{IDs: batch.IDs(), ConnectionError: true, Reason: err.Error()})
	default:
		s.logger.Warn("delivery failed",
			"type", batch.Kind,
			"count", batch.Len(),
			"error", err,
		)
		s.report(Outcome{IDs: batch.IDs(), Reason: err.Error()})
	}
}

// failRemaining reports every queued or throttled message as failed.
func (s *Sender) failRemaining() {
	remaining := s.incidents.DrainAll()
	remaining = append(remaining, s.queue.Drain()...)
	if len(remaining) == 0 {
		return
	}
	ids := make([]int64, len(remaining))
	for i, msg := range remaining {
		ids[i] = msg.ID
	}
	s.logger.Debug("abandoning undelivered messages", "count", len(ids))
	s.report(Outcome{IDs: ids, Reason: ErrClosed.Error()})
}

// report records outcome, forwards it to the sink, then releases the
// pending count so that Flush returns only after the sink has seen it.
func (s *Sender) report(outcome Outcome) {
	s.mu.Lock()
	for _, id := range outcome.IDs {
		if outcome.Delivered {
			delete(s.failed, id)
		} else {
			s.failed[id] = struct{}{}
		}
	}
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		sink.TrackDelivery(outcome)
	}

	s.mu.Lock()
	s.addPendingLocked(-len(outcome.IDs))
	s.mu.Unlock()
}

// addPendingLocked adjusts the pending count and the idle channel.
// Must be called with s.mu held.
func (s *Sender) addPendingLocked(delta int) {
	wasIdle := s.pending == 0
	s.pending += delta
	if s.pending < 0 {
		s.pending = 0
	}
	switch {
	case wasIdle && s.pending > 0:
		s.idle = make(chan struct{})
	case !wasIdle && s.pending == 0:
		close(s.idle)
	}
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
