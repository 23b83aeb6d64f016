// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package offlineupload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bureau-foundation/expstream/lib/archive"
	"github.com/bureau-foundation/expstream/lib/clock"
	"github.com/bureau-foundation/expstream/lib/message"
	"github.com/bureau-foundation/expstream/lib/online"
)

const (
	defaultMaxRetries      = 5
	defaultMaxBatchSize    = 100
	defaultInitialInterval = time.Second
	defaultMaxInterval     = 30 * time.Second
)

// Config configures an upload.
type Config struct {
	// NewTransport returns the transport for the archive's
	// experiment key. Required.
	NewTransport func(experimentKey string) (online.Transport, error)

	// Clock drives backoff waits. Required.
	Clock clock.Clock

	// Logger receives progress. Nil discards it.
	Logger *slog.Logger

	// MaxRetries is the number of retries per batch after the first
	// attempt. Defaults to 5.
	MaxRetries uint64

	// MaxBatchSize caps messages per request. Defaults to 100.
	MaxBatchSize int

	// InitialInterval is the first backoff wait. Defaults to 1s.
	InitialInterval time.Duration
}

// Result summarizes a finished upload.
type Result struct {
	ExperimentKey string
	Messages      int
	Batches       int
	Retries       int
	Elapsed       time.Duration
}

// Upload verifies the archive at path and sends its messages.
func Upload(ctx context.Context, path string, cfg Config) (Result, error) {
	if cfg.NewTransport == nil {
		return Result{}, fmt.Errorf("offline upload: NewTransport is required")
	}
	if cfg.Clock == nil {
		return Result{}, fmt.Errorf("offline upload: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	maxBatchSize := cfg.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = defaultMaxBatchSize
	}
	initialInterval := cfg.InitialInterval
	if initialInterval <= 0 {
		initialInterval = defaultInitialInterval
	}

	start := cfg.Clock.Now()
	reader, err := archive.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer reader.Close()

	if err := reader.Verify(); err != nil {
		return Result{}, fmt.Errorf("offline upload: refusing to upload %s: %w", path, err)
	}
	metadata := reader.Metadata()
	messages, err := reader.Messages()
	if err != nil {
		return Result{}, err
	}
	transport, err := cfg.NewTransport(metadata.ExperimentKey)
	if err != nil {
		return Result{}, fmt.Errorf("offline upload: creating transport: %w", err)
	}

	result := Result{ExperimentKey: metadata.ExperimentKey}
	logger = logger.With("experiment_key", metadata.ExperimentKey, "path", path)
	logger.Info("uploading offline archive", "messages", len(messages))

	for _, batch := range message.Group(messages, maxBatchSize) {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = initialInterval
		policy.MaxInterval = defaultMaxInterval
		policy.MaxElapsedTime = 0
		policy.Clock = cfg.Clock
		policy.Reset()
		schedule := &retryAfterBackOff{BackOff: policy}

		operation := func() error {
			err := transport.Send(ctx, batch)
			var throttled *online.ThrottledError
			switch {
			case err == nil:
				return nil
			case errors.As(err, &throttled):
				schedule.minimum = throttled.RetryAfter
				return err
			case online.IsConnectionError(err):
				return err
			default:
				return backoff.Permanent(err)
			}
		}
		notify := func(err error, wait time.Duration) {
			result.Retries++
			logger.Warn("archive batch failed, retrying",
				"type", batch.Kind,
				"count", batch.Len(),
				"wait", wait,
				"error", err,
			)
		}
		err := backoff.RetryNotifyWithTimer(
			operation,
			backoff.WithContext(backoff.WithMaxRetries(schedule, maxRetries), ctx),
			notify,
			&clockTimer{clock: cfg.Clock},
		)
		if err != nil {
			result.Elapsed = cfg.Clock.Now().Sub(start)
			return result, fmt.Errorf("offline upload: sending %s batch starting at message %d: %w",
				batch.Kind, batch.Messages[0].ID, err)
		}
		result.Messages += batch.Len()
		result.Batches++
	}

	result.Elapsed = cfg.Clock.Now().Sub(start)
	logger.Info("offline archive uploaded",
		"messages", result.Messages,
		"batches", result.Batches,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// Uploader returns an archive uploader suitable for the fallback
// coordinator.
func Uploader(cfg Config) func(path string) error {
	return func(path string) error {
		_, err := Upload(context.Background(), path, cfg)
		return err
	}
}

// retryAfterBackOff waits at least minimum before the next attempt
// when the previous one was throttled.
type retryAfterBackOff struct {
	backoff.BackOff
	minimum time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	minimum := b.minimum
	b.minimum = 0
	if next == backoff.Stop {
		return next
	}
	return max(next, minimum)
}

func (b *retryAfterBackOff) Reset() {
	b.minimum = 0
	b.BackOff.Reset()
}

// clockTimer drives backoff waits from a clock.Clock.
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(duration time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(duration)
		return
	}
	t.timer.Reset(duration)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
