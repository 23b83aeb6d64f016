// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fallback

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/expstream/lib/clock"
	"github.com/bureau-foundation/expstream/lib/connmonitor"
	"github.com/bureau-foundation/expstream/lib/message"
	"github.com/bureau-foundation/expstream/lib/offline"
	"github.com/bureau-foundation/expstream/lib/online"
	"github.com/bureau-foundation/expstream/lib/replaystore"
)

// OnlineSender is the online delivery pipeline. *online.Sender
// implements it.
type OnlineSender interface {
	Start(ctx context.Context, sink online.OutcomeSink)
	Submit(msg message.Message)
	Probe(ctx context.Context) (bool, string)
	ReportEvent(ctx context.Context, event message.Event) error
	Flush(timeout time.Duration) bool
	WaitForFinish() bool
	Close()
}

// OfflineSender is the offline dataset writer. *offline.Sender
// implements it.
type OfflineSender interface {
	Put(msg message.Message)
	WaitForFinish() bool
	AbortAndWait(timeout time.Duration)
	Failed() bool
	Count() int
}

// OfflineFactory creates the offline sender writing into directory.
// onError must be called when the sender stops because of an error.
type OfflineFactory func(directory string, onError func(reason string)) (OfflineSender, error)

// Uploader receives the path of an offline archive produced because
// online delivery never succeeded.
type Uploader func(path string) error

const (
	defaultConnectionCheckInterval = 10 * time.Second
	defaultTerminateTimeout        = 10 * time.Second
	defaultPollInterval            = 500 * time.Millisecond
	defaultOfflineWaitTimeout      = 60 * time.Second
	defaultOfflineDirectory        = ".expstream-runs"
)

// Config carries every policy knob of a Coordinator.
type Config struct {
	// Online delivers messages to the tracking service. Required.
	Online OnlineSender

	// Store records messages until delivery is confirmed. Created in
	// TempDirectory when nil. The coordinator closes it in
	// WaitForFinish.
	Store *replaystore.Store

	// Monitor tracks reachability of the tracking service. Created
	// from ConnectionCheckInterval when nil.
	Monitor *connmonitor.Monitor

	// EnableOfflineFallback writes every message to an offline
	// dataset as well, so that it can be archived if online delivery
	// does not complete.
	EnableOfflineFallback bool

	// OfflineFactory builds the offline sender. Defaults to
	// offline.New with OfflineCompression and OfflineWaitTimeout.
	OfflineFactory OfflineFactory

	// OfflineCompression is used by the default OfflineFactory.
	OfflineCompression offline.Compression

	// KeepOfflineArchive produces an archive even when everything was
	// delivered online.
	KeepOfflineArchive bool

	// OfflineDirectory receives archives. Defaults to
	// ".expstream-runs" in the working directory.
	OfflineDirectory string

	// TempDirectory is the parent of the replay store and offline
	// data directories. Empty uses os.TempDir.
	TempDirectory string

	// ConnectionCheckInterval is the minimum time between reachability
	// probes. Defaults to 10s.
	ConnectionCheckInterval time.Duration

	// TerminateTimeout bounds how long WaitForFinish waits for the
	// loop to exit and the offline sender to abort. Defaults to 10s.
	TerminateTimeout time.Duration

	// PollInterval is how long the loop waits for new messages before
	// running an iteration anyway. Defaults to 500ms.
	PollInterval time.Duration

	// OfflineWaitTimeout bounds the offline sender's final writes.
	// Defaults to 60s.
	OfflineWaitTimeout time.Duration

	// InitialCounter is the last sequence id already used; the first
	// message gets InitialCounter+1.
	InitialCounter int64

	// Uploader is called at most once with the archive path when an
	// archive was created and no message was ever delivered online.
	// May also be set later with SetUploader.
	Uploader Uploader

	// Clock drives the loop, the monitor and all timeouts. Required.
	Clock clock.Clock

	// Logger receives coordinator diagnostics. Nil discards them.
	Logger *slog.Logger
}

// ExperimentInfo is recorded in the metadata of an offline archive.
type ExperimentInfo struct {
	Key         string
	Workspace   string
	ProjectName string
	Tags        []string
}
