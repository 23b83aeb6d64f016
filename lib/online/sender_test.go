// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package online

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/expstream/lib/clock"
	"github.com/bureau-foundation/expstream/lib/message"
	"github.com/bureau-foundation/expstream/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeTransport records batches and answers each with respond.
type fakeTransport struct {
	mu      sync.Mutex
	batches []message.Batch
	events  []message.Event
	respond func(message.Batch) error
	pingErr error
}

func (f *fakeTransport) Send(_ context.Context, batch message.Batch) error {
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return nil
	}
	return respond(batch)
}

func (f *fakeTransport) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTransport) ReportEvent(_ context.Context, event message.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeTransport) sent() []message.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message.Batch(nil), f.batches...)
}

// outcomeRecorder collects outcomes and exposes them on a channel.
type outcomeRecorder struct {
	outcomes chan Outcome
}

func newOutcomeRecorder() *outcomeRecorder {
	return &outcomeRecorder{outcomes: make(chan Outcome, 256)}
}

func (r *outcomeRecorder) TrackDelivery(outcome Outcome) { r.outcomes <- outcome }

// collect reads outcomes until count ids have been reported.
func (r *outcomeRecorder) collect(t *testing.T, count int) map[int64]Outcome {
	t.Helper()
	byID := make(map[int64]Outcome)
	for len(byID) < count {
		outcome := testutil.RequireReceive(t, r.outcomes, 5*time.Second, "waiting for outcomes")
		for _, id := range outcome.IDs {
			if _, dup := byID[id]; dup {
				t.Fatalf("message %d reported twice", id)
			}
			byID[id] = outcome
		}
	}
	return byID
}

func metricMessage(id int64) message.Message {
	return message.New(message.Metric{Name: "loss", Value: float64(id)}, epoch).WithID(id)
}

func newTestSender(t *testing.T, transport Transport, fakeClock *clock.FakeClock, maxBatch int) *Sender {
	t.Helper()
	sender, err := New(Config{
		Transport:     transport,
		Clock:         fakeClock,
		MaxBatchSize:  maxBatch,
		FinishTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sender
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Clock: clock.Fake(epoch)}); err == nil {
		t.Error("New without Transport succeeded")
	}
	if _, err := New(Config{Transport: &fakeTransport{}}); err == nil {
		t.Error("New without Clock succeeded")
	}
}

func TestSenderBatchesByKind(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	sender := newTestSender(t, transport, clock.Fake(epoch), 2)
	recorder := newOutcomeRecorder()

	// Queue before starting so the first drain sees everything.
	for id := int64(1); id <= 5; id++ {
		sender.Submit(metricMessage(id))
	}
	sender.Submit(message.New(message.LogOther{Key: "k", Value: "v"}, epoch).WithID(6))
	sender.Submit(message.New(message.SystemDetails{Hostname: "h"}, epoch).WithID(7))

	sender.Start(context.Background(), recorder)
	outcomes := recorder.collect(t, 7)

	for id, outcome := range outcomes {
		if !outcome.Delivered {
			t.Errorf("message %d not delivered: %+v", id, outcome)
		}
	}

	batches := transport.sent()
	var sizes []int
	for _, batch := range batches {
		if batch.Kind == message.KindMetric {
			sizes = append(sizes, batch.Len())
		}
	}
	if len(sizes) != 3 || sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Errorf("metric batch sizes = %v, want [2 2 1]", sizes)
	}
	for _, batch := range batches {
		if batch.Kind == message.KindSystemDetails && batch.Len() != 1 {
			t.Errorf("system_details batch has %d messages, want 1", batch.Len())
		}
	}

	if !sender.WaitForFinish() {
		t.Error("WaitForFinish = false after full delivery")
	}
	if sender.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", sender.Pending())
	}
}

func TestSenderReportsConnectionErrors(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{respond: func(message.Batch) error {
		return &ConnectionError{Err: errors.New("connection refused")}
	}}
	sender := newTestSender(t, transport, clock.Fake(epoch), 0)
	recorder := newOutcomeRecorder()
	sender.Start(context.Background(), recorder)

	sender.Submit(metricMessage(1))
	outcome := recorder.collect(t, 1)[1]
	if outcome.Delivered || !outcome.ConnectionError {
		t.Errorf("outcome = %+v, want connection error", outcome)
	}
	if !sender.HasFailed() {
		t.Error("HasFailed = false after a connection error")
	}
	if sender.WaitForFinish() {
		t.Error("WaitForFinish = true with a failed message")
	}
}

func TestSenderPermanentFailureIsNotConnectionError(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{respond: func(message.Batch) error {
		return &StatusError{Code: 400, Body: "bad payload"}
	}}
	sender := newTestSender(t, transport, clock.Fake(epoch), 0)
	recorder := newOutcomeRecorder()
	sender.Start(context.Background(), recorder)

	sender.Submit(metricMessage(1))
	outcome := recorder.collect(t, 1)[1]
	if outcome.Delivered || outcome.ConnectionError {
		t.Errorf("outcome = %+v, want plain failure", outcome)
	}
	if outcome.Reason == "" {
		t.Error("failure outcome has no reason")
	}
	sender.Close()
}

func TestSenderDropsUnencodableMessage(t *testing.T) {
	t.Parallel()

	// Encode like HTTPTransport does, so one bad value would fail the
	// whole batch if it reached the transport.
	transport := &fakeTransport{respond: func(batch message.Batch) error {
		_, err := json.Marshal(batch.Messages)
		return err
	}}
	sender := newTestSender(t, transport, clock.Fake(epoch), 100)
	recorder := newOutcomeRecorder()

	for id := int64(1); id <= 100; id++ {
		msg := metricMessage(id)
		if id == 50 {
			msg = message.New(message.Metric{Name: "loss", Value: math.NaN()}, epoch).WithID(id)
		}
		sender.Submit(msg)
	}
	sender.Start(context.Background(), recorder)
	outcomes := recorder.collect(t, 100)

	for id, outcome := range outcomes {
		if id == 50 {
			if outcome.Delivered || outcome.ConnectionError || outcome.Reason == "" {
				t.Errorf("NaN metric outcome = %+v, want permanent failure", outcome)
			}
			continue
		}
		if !outcome.Delivered {
			t.Errorf("message %d not delivered: %+v", id, outcome)
		}
	}
	batches := transport.sent()
	if len(batches) != 1 || batches[0].Len() != 99 {
		t.Fatalf("sent %d batches, want one batch of 99", len(batches))
	}
	sender.Close()
}

func TestSenderRetriesThrottledMessages(t *testing.T) {
	t.Parallel()

	fakeClock := clock.Fake(epoch)
	var mu sync.Mutex
	throttle := true
	transport := &fakeTransport{respond: func(message.Batch) error {
		mu.Lock()
		defer mu.Unlock()
		if throttle {
			throttle = false
			return &ThrottledError{RetryAfter: 5 * time.Second, Reason: "rate limited"}
		}
		return nil
	}}
	sender := newTestSender(t, transport, fakeClock, 0)
	recorder := newOutcomeRecorder()
	sender.Start(context.Background(), recorder)

	sender.Submit(metricMessage(1))

	// The throttle arms the retry timer.
	fakeClock.WaitForTimers(1)
	if sender.Flush(0) {
		t.Error("Flush(0) = true while a message is held for retry")
	}
	select {
	case outcome := <-recorder.outcomes:
		t.Fatalf("outcome reported before retry: %+v", outcome)
	default:
	}

	fakeClock.Advance(5*time.Second + throttleGrace)
	outcome := recorder.collect(t, 1)[1]
	if !outcome.Delivered {
		t.Errorf("outcome after retry = %+v, want delivered", outcome)
	}
	if got := len(transport.sent()); got != 2 {
		t.Errorf("transport saw %d sends, want 2", got)
	}
	if !sender.WaitForFinish() {
		t.Error("WaitForFinish = false after retried delivery")
	}
}

func TestSenderCloseFailsHeldMessages(t *testing.T) {
	t.Parallel()

	fakeClock := clock.Fake(epoch)
	transport := &fakeTransport{respond: func(message.Batch) error {
		return &ThrottledError{RetryAfter: time.Hour}
	}}
	sender := newTestSender(t, transport, fakeClock, 0)
	recorder := newOutcomeRecorder()
	sender.Start(context.Background(), recorder)

	sender.Submit(metricMessage(1))
	sender.Submit(metricMessage(2))
	fakeClock.WaitForTimers(1)

	sender.Close()
	outcomes := recorder.collect(t, 2)
	for id, outcome := range outcomes {
		if outcome.Delivered {
			t.Errorf("message %d reported delivered after Close", id)
		}
	}

	// Submissions after Close fail immediately.
	sender.Submit(metricMessage(3))
	outcome := recorder.collect(t, 1)[3]
	if outcome.Reason != ErrClosed.Error() {
		t.Errorf("late submit reason = %q, want %q", outcome.Reason, ErrClosed.Error())
	}
}

func TestSenderFlush(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	transport := &fakeTransport{respond: func(message.Batch) error {
		<-release
		return nil
	}}
	fakeClock := clock.Fake(epoch)
	sender := newTestSender(t, transport, fakeClock, 0)
	sender.Start(context.Background(), newOutcomeRecorder())

	if !sender.Flush(0) {
		t.Error("Flush(0) = false with nothing pending")
	}

	sender.Submit(metricMessage(1))
	if sender.Flush(0) {
		t.Error("Flush(0) = true while a send is in flight")
	}

	flushed := make(chan bool, 1)
	go func() { flushed <- sender.Flush(time.Minute) }()
	close(release)
	if !testutil.RequireReceive(t, flushed, 5*time.Second, "waiting for Flush") {
		t.Error("Flush = false after delivery")
	}
	sender.Close()
}

func TestSenderFlushTimesOut(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	transport := &fakeTransport{respond: func(message.Batch) error {
		<-release
		return nil
	}}
	fakeClock := clock.Fake(epoch)
	sender := newTestSender(t, transport, fakeClock, 0)
	sender.Start(context.Background(), newOutcomeRecorder())
	sender.Submit(metricMessage(1))

	flushed := make(chan bool, 1)
	go func() { flushed <- sender.Flush(2 * time.Second) }()
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(2 * time.Second)
	if testutil.RequireReceive(t, flushed, 5*time.Second, "waiting for Flush") {
		t.Error("Flush = true while the send is still blocked")
	}

	close(release)
	sender.Close()
}

func TestSenderWaitForFinishWithoutStart(t *testing.T) {
	t.Parallel()

	sender := newTestSender(t, &fakeTransport{}, clock.Fake(epoch), 0)
	if !sender.WaitForFinish() {
		t.Error("WaitForFinish = false for an idle sender")
	}

	sender = newTestSender(t, &fakeTransport{}, clock.Fake(epoch), 0)
	sender.Submit(metricMessage(1))
	if sender.WaitForFinish() {
		t.Error("WaitForFinish = true with an undelivered message and no loop")
	}
}

func TestSenderProbe(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	sender := newTestSender(t, transport, clock.Fake(epoch), 0)

	if ok, reason := sender.Probe(context.Background()); !ok || reason != "" {
		t.Errorf("Probe = (%v, %q), want (true, \"\")", ok, reason)
	}

	transport.mu.Lock()
	transport.pingErr = errors.New("no route to host")
	transport.mu.Unlock()
	ok, reason := sender.Probe(context.Background())
	if ok || reason != "no route to host" {
		t.Errorf("Probe = (%v, %q), want (false, \"no route to host\")", ok, reason)
	}

	if err := sender.ReportEvent(context.Background(), message.Event{Name: "offline_fallback"}); err != nil {
		t.Fatalf("ReportEvent: %v", err)
	}
	if len(transport.events) != 1 || transport.events[0].Name != "offline_fallback" {
		t.Errorf("events = %+v", transport.events)
	}
}
