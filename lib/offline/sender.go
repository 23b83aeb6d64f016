// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bureau-foundation/expstream/lib/clock"
	"github.com/bureau-foundation/expstream/lib/message"
	"github.com/bureau-foundation/expstream/lib/msgqueue"
)

const (
	defaultWaitTimeout      = 60 * time.Second
	defaultProgressInterval = 10 * time.Second
)

var errAborted = errors.New("offline sender aborted")

// Config configures a Sender.
type Config struct {
	// Directory receives the dataset and the assets directory. It is
	// created if missing. Required.
	Directory string

	// OnError is called once, from the writer goroutine, when the
	// sender stops because of a write error.
	OnError func(reason string)

	// Compression of the dataset file.
	Compression Compression

	// Clock bounds WaitForFinish. Required.
	Clock clock.Clock

	// Logger receives write diagnostics. Nil discards them.
	Logger *slog.Logger

	// WaitTimeout bounds WaitForFinish. Defaults to 60s.
	WaitTimeout time.Duration

	// ProgressInterval is how often WaitForFinish logs the number of
	// items still to be written. Defaults to 10s.
	ProgressInterval time.Duration
}

// Sender appends messages to the offline dataset.
type Sender struct {
	directory   string
	datasetPath string
	compression Compression
	clock       clock.Clock
	logger      *slog.Logger
	onError     func(string)
	waitTimeout time.Duration
	progress    time.Duration

	queue *msgqueue.Queue[message.Message]

	file       *os.File
	compressor io.WriteCloser
	buffer     *bufio.Writer

	mu       sync.Mutex
	failed   bool
	count    int
	inFlight int

	// beforeWrite, when set, runs ahead of each message write.
	beforeWrite func(message.Message)

	abort     chan struct{}
	abortOnce sync.Once
	done      chan struct{}
}

// New creates the data directory and the dataset file, then starts
// the writer goroutine.
func New(cfg Config) (*Sender, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("offline sender: Directory is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("offline sender: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	waitTimeout := cfg.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = defaultWaitTimeout
	}
	progress := cfg.ProgressInterval
	if progress <= 0 {
		progress = defaultProgressInterval
	}

	if err := os.MkdirAll(filepath.Join(cfg.Directory, AssetsDirectory), 0o755); err != nil {
		return nil, fmt.Errorf("offline sender: creating data directory: %w", err)
	}
	datasetPath := filepath.Join(cfg.Directory, DatasetFileName(cfg.Compression))
	file, err := os.OpenFile(datasetPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("offline sender: creating dataset: %w", err)
	}
	compressor, err := newCompressor(file, cfg.Compression)
	if err != nil {
		file.Close()
		os.Remove(datasetPath)
		return nil, fmt.Errorf("offline sender: %w", err)
	}

	sender := &Sender{
		directory:   cfg.Directory,
		datasetPath: datasetPath,
		compression: cfg.Compression,
		clock:       cfg.Clock,
		logger:      logger,
		onError:     cfg.OnError,
		waitTimeout: waitTimeout,
		progress:    progress,
		queue:       msgqueue.New[message.Message](),
		file:        file,
		compressor:  compressor,
		buffer:      bufio.NewWriter(compressor),
		abort:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	go sender.run()

	logger.Debug("offline dataset opened",
		"path", datasetPath,
		"compression", cfg.Compression,
	)
	return sender, nil
}

// Put queues msg for writing. Never blocks. Dropped after the sender
// has finished or failed.
func (s *Sender) Put(msg message.Message) {
	if !s.queue.Push(msg) {
		s.logger.Debug("offline sender closed, dropping message", "message_id", msg.ID)
	}
}

// Failed reports whether a write error stopped the sender.
func (s *Sender) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Count returns the number of messages written so far.
func (s *Sender) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Remaining returns the number of accepted messages not yet written.
func (s *Sender) Remaining() int {
	s.mu.Lock()
	inFlight := s.inFlight
	s.mu.Unlock()
	return inFlight + s.queue.Len()
}

// Directory returns the data directory.
func (s *Sender) Directory() string { return s.directory }

// DatasetFile returns the path of the dataset file.
func (s *Sender) DatasetFile() string { return s.datasetPath }

// Compression returns the dataset compression.
func (s *Sender) Compression() Compression { return s.compression }

// WaitForFinish stops accepting messages, waits (up to WaitTimeout)
// for queued messages to be written and the dataset to be closed, and
// reports whether everything was written without error. On timeout
// the writer is aborted and given another WaitTimeout to stop.
func (s *Sender) WaitForFinish() bool {
	s.queue.Close()

	deadline := s.clock.NewTimer(s.waitTimeout)
	defer deadline.Stop()
	progress := s.clock.NewTimer(s.progress)
	defer progress.Stop()
	for {
		select {
		case <-s.done:
			return !s.Failed()
		case <-progress.C:
			s.logger.Info("offline data items still being written", "remaining", s.Remaining())
			progress.Reset(s.progress)
		case <-deadline.C:
			s.logger.Error("offline sender failed to write all data",
				"timeout", s.waitTimeout,
				"remaining", s.Remaining(),
			)
			s.abortNow()
			s.waitStopped(s.waitTimeout)
			return false
		}
	}
}

// AbortAndWait discards queued messages, closes the dataset and waits
// up to timeout for the writer to stop.
func (s *Sender) AbortAndWait(timeout time.Duration) {
	s.queue.Close()
	s.abortNow()
	s.waitStopped(timeout)
}

// waitStopped waits up to timeout for the writer goroutine to exit.
func (s *Sender) waitStopped(timeout time.Duration) bool {
	timer := s.clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return true
	case <-timer.C:
		s.logger.Warn("offline writer did not stop in time", "timeout", timeout)
		return false
	}
}

func (s *Sender) aborted() bool {
	select {
	case <-s.abort:
		return true
	default:
		return false
	}
}

func (s *Sender) abortNow() {
	s.abortOnce.Do(func() { close(s.abort) })
}

func (s *Sender) run() {
	defer close(s.done)

	for {
		select {
		case <-s.queue.Notify():
		case <-s.abort:
			if dropped := len(s.queue.Drain()); dropped > 0 {
				s.logger.Debug("offline sender aborted", "dropped", dropped)
			}
			s.closeDataset()
			return
		}

		if !s.writeAll(s.queue.Drain()) {
			return
		}
		if s.queue.Closed() && s.queue.Len() == 0 {
			s.closeDataset()
			return
		}
	}
}

// writeAll writes msgs in order, checking for an abort between
// messages. It returns false once the writer has stopped.
func (s *Sender) writeAll(msgs []message.Message) bool {
	s.mu.Lock()
	s.inFlight = len(msgs)
	s.mu.Unlock()

	for index, msg := range msgs {
		if s.aborted() {
			s.logger.Debug("offline sender aborted", "dropped", len(msgs)-index+len(s.queue.Drain()))
			s.closeDataset()
			return false
		}
		if s.beforeWrite != nil {
			s.beforeWrite(msg)
		}
		err := s.write(msg)
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
		if errors.Is(err, errAborted) {
			continue
		}
		if err != nil {
			s.fail(err)
			return false
		}
	}
	return true
}

// write appends one message to the dataset, copying its asset first.
// A message without a JSON encoding is logged and skipped.
func (s *Sender) write(msg message.Message) error {
	if asset, ok := msg.Payload.(message.AssetUpload); ok {
		if _, err := os.Stat(asset.LocalPath); errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("asset file missing, not recorded offline",
				"message_id", msg.ID,
				"path", asset.LocalPath,
			)
			return nil
		}
		copied, err := s.copyAsset(msg.ID, asset)
		if err != nil {
			return err
		}
		msg.Payload = copied
	}

	line, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("message cannot be encoded, not recorded offline",
			"message_id", msg.ID,
			"type", msg.Kind(),
			"error", err,
		)
		return nil
	}
	line = append(line, '\n')
	if _, err := s.buffer.Write(line); err != nil {
		return fmt.Errorf("writing message %d: %w", msg.ID, err)
	}

	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	return nil
}

// copyAsset copies the referenced file under assets/ and returns the
// payload rewritten to the copy's path relative to the data directory.
func (s *Sender) copyAsset(id int64, asset message.AssetUpload) (message.AssetUpload, error) {
	source, err := os.Open(asset.LocalPath)
	if err != nil {
		return asset, fmt.Errorf("opening asset: %w", err)
	}
	defer source.Close()

	name := asset.FileName
	if name == "" {
		name = filepath.Base(asset.LocalPath)
	}
	relative := filepath.ToSlash(filepath.Join(AssetsDirectory, fmt.Sprintf("%d-%s", id, filepath.Base(name))))
	destination, err := os.Create(filepath.Join(s.directory, filepath.FromSlash(relative)))
	if err != nil {
		return asset, fmt.Errorf("creating asset copy: %w", err)
	}
	size, err := io.Copy(destination, abortableReader{source: source, abort: s.abort})
	if closeErr := destination.Close(); err == nil {
		err = closeErr
	}
	if errors.Is(err, errAborted) {
		os.Remove(destination.Name())
		return asset, errAborted
	}
	if err != nil {
		return asset, fmt.Errorf("copying asset %s: %w", asset.LocalPath, err)
	}

	asset.LocalPath = relative
	asset.Size = size
	// The copy belongs to the dataset now.
	asset.Temporary = false
	return asset, nil
}

// closeDataset flushes and closes the dataset file.
func (s *Sender) closeDataset() {
	err := s.buffer.Flush()
	if closeErr := s.compressor.Close(); err == nil {
		err = closeErr
	}
	if syncErr := s.file.Sync(); err == nil {
		err = syncErr
	}
	if closeErr := s.file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		s.markFailed(fmt.Errorf("closing dataset: %w", err))
	}
}

// fail stops the sender after a write error.
func (s *Sender) fail(err error) {
	s.queue.Close()
	if dropped := len(s.queue.Drain()); dropped > 0 {
		s.logger.Debug("offline sender failed, dropping queued messages", "dropped", dropped)
	}
	s.buffer.Flush()
	s.compressor.Close()
	s.file.Close()
	s.markFailed(err)
}

func (s *Sender) markFailed(err error) {
	s.mu.Lock()
	alreadyFailed := s.failed
	s.failed = true
	s.mu.Unlock()
	if alreadyFailed {
		return
	}

	s.logger.Error("offline sender failed", "path", s.datasetPath, "error", err)
	if s.onError != nil {
		s.onError(err.Error())
	}
}

// abortableReader fails reads once abort is closed, so a large asset
// copy stops promptly.
type abortableReader struct {
	source io.Reader
	abort  <-chan struct{}
}

func (r abortableReader) Read(p []byte) (int, error) {
	select {
	case <-r.abort:
		return 0, errAborted
	default:
	}
	return r.source.Read(p)
}
