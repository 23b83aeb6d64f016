// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/expstream/lib/clock"
	"github.com/bureau-foundation/expstream/lib/message"
	"github.com/bureau-foundation/expstream/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSender(t *testing.T, compression Compression, onError func(string)) *Sender {
	t.Helper()
	sender, err := New(Config{
		Directory:   filepath.Join(t.TempDir(), "data"),
		OnError:     onError,
		Compression: compression,
		Clock:       clock.Fake(epoch),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sender
}

func readBack(t *testing.T, sender *Sender) []message.Message {
	t.Helper()
	file, err := os.Open(sender.DatasetFile())
	if err != nil {
		t.Fatalf("opening dataset: %v", err)
	}
	defer file.Close()
	messages, err := ReadDataset(file, sender.Compression())
	if err != nil {
		t.Fatalf("ReadDataset: %v", err)
	}
	return messages
}

func TestSenderWritesDatasetInEveryCompression(t *testing.T) {
	t.Parallel()

	for _, compression := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(compression.String(), func(t *testing.T) {
			t.Parallel()

			sender := newTestSender(t, compression, nil)
			for id := int64(1); id <= 50; id++ {
				sender.Put(message.New(message.Metric{Name: "loss", Value: float64(id), Step: id}, epoch).WithID(id))
			}
			sender.Put(message.New(message.Parameter{Name: "lr", Value: "0.01"}, epoch).WithID(51))

			if !sender.WaitForFinish() {
				t.Fatal("WaitForFinish = false")
			}
			if sender.Count() != 51 {
				t.Errorf("Count = %d, want 51", sender.Count())
			}
			if filepath.Base(sender.DatasetFile()) != DatasetFileName(compression) {
				t.Errorf("dataset file = %s, want %s", sender.DatasetFile(), DatasetFileName(compression))
			}

			messages := readBack(t, sender)
			if len(messages) != 51 {
				t.Fatalf("read %d messages, want 51", len(messages))
			}
			for i, msg := range messages[:50] {
				metric, ok := msg.Payload.(message.Metric)
				if !ok || msg.ID != int64(i+1) || metric.Step != int64(i+1) {
					t.Fatalf("message %d = %v %#v", i, msg, msg.Payload)
				}
				if !msg.Timestamp.Equal(epoch) {
					t.Errorf("timestamp = %v, want %v", msg.Timestamp, epoch)
				}
			}
			if parameter, ok := messages[50].Payload.(message.Parameter); !ok || parameter.Value != "0.01" {
				t.Errorf("last payload = %#v", messages[50].Payload)
			}

			// Finished senders drop further messages.
			sender.Put(message.New(message.Metric{Name: "late"}, epoch).WithID(52))
			if sender.Count() != 51 {
				t.Errorf("Count after late Put = %d, want 51", sender.Count())
			}
		})
	}
}

func TestSenderCopiesAssets(t *testing.T) {
	t.Parallel()

	source := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(source, []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}

	sender := newTestSender(t, CompressionNone, nil)
	sender.Put(message.New(message.AssetUpload{LocalPath: source, FileName: "model.bin", Temporary: true}, epoch).WithID(4))
	sender.Put(message.New(message.AssetUpload{LocalPath: filepath.Join(t.TempDir(), "missing")}, epoch).WithID(5))
	if !sender.WaitForFinish() {
		t.Fatal("WaitForFinish = false")
	}

	messages := readBack(t, sender)
	if len(messages) != 1 {
		t.Fatalf("read %d messages, want 1 (missing asset skipped)", len(messages))
	}
	asset := messages[0].Payload.(message.AssetUpload)
	if asset.LocalPath != "assets/4-model.bin" {
		t.Errorf("LocalPath = %q, want assets/4-model.bin", asset.LocalPath)
	}
	if asset.Size != int64(len("weights")) || asset.Temporary {
		t.Errorf("asset = %+v", asset)
	}
	data, err := os.ReadFile(filepath.Join(sender.Directory(), "assets", "4-model.bin"))
	if err != nil || string(data) != "weights" {
		t.Errorf("asset copy = %q, %v", data, err)
	}
	if _, err := os.Stat(source); err != nil {
		t.Errorf("source asset removed: %v", err)
	}
}

func TestSenderReportsWriteErrorOnce(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var reasons []string
	sender := newTestSender(t, CompressionNone, func(reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})

	source := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(source, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Without the assets directory the copy cannot be created.
	if err := os.RemoveAll(filepath.Join(sender.Directory(), AssetsDirectory)); err != nil {
		t.Fatal(err)
	}
	sender.Put(message.New(message.AssetUpload{LocalPath: source}, epoch).WithID(1))
	sender.Put(message.New(message.AssetUpload{LocalPath: source}, epoch).WithID(2))

	if sender.WaitForFinish() {
		t.Error("WaitForFinish = true after a write error")
	}
	if !sender.Failed() {
		t.Error("Failed = false after a write error")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 {
		t.Errorf("OnError called %d times, want 1", len(reasons))
	}
}

func TestSenderSkipsUnencodableMessage(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var reasons []string
	sender := newTestSender(t, CompressionZstd, func(reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})
	sender.Put(message.New(message.Metric{Name: "loss", Value: 1}, epoch).WithID(1))
	sender.Put(message.New(message.Metric{Name: "loss", Value: math.NaN()}, epoch).WithID(2))
	sender.Put(message.New(message.Metric{Name: "loss", Value: math.Inf(1)}, epoch).WithID(3))
	sender.Put(message.New(message.Metric{Name: "loss", Value: 4}, epoch).WithID(4))

	if !sender.WaitForFinish() {
		t.Fatal("WaitForFinish = false")
	}
	if sender.Failed() {
		t.Error("Failed = true after an unencodable message")
	}
	mu.Lock()
	if len(reasons) != 0 {
		t.Errorf("OnError called with %q", reasons)
	}
	mu.Unlock()

	messages := readBack(t, sender)
	if len(messages) != 2 || messages[0].ID != 1 || messages[1].ID != 4 {
		t.Fatalf("read back %v, want messages 1 and 4", messages)
	}
	if sender.Count() != 2 {
		t.Errorf("Count = %d, want 2", sender.Count())
	}
}

func TestWaitForFinishTimeoutStopsWriter(t *testing.T) {
	t.Parallel()

	fakeClock := clock.Fake(epoch)
	sender, err := New(Config{
		Directory:        filepath.Join(t.TempDir(), "data"),
		Compression:      CompressionNone,
		Clock:            fakeClock,
		WaitTimeout:      time.Second,
		ProgressInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	writing := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sender.beforeWrite = func(message.Message) {
		once.Do(func() {
			close(writing)
			<-release
		})
	}
	for id := int64(1); id <= 3; id++ {
		sender.Put(message.New(message.Metric{Name: "loss", Value: float64(id)}, epoch).WithID(id))
	}
	testutil.RequireClosed(t, writing, 5*time.Second, "first write")

	result := make(chan bool, 1)
	go func() { result <- sender.WaitForFinish() }()

	// Deadline and progress timers.
	fakeClock.WaitForTimers(2)
	if remaining := sender.Remaining(); remaining != 3 {
		t.Errorf("Remaining = %d, want 3", remaining)
	}
	fakeClock.Advance(time.Second)
	// Progress timer plus the post-abort bound.
	fakeClock.WaitForTimers(2)
	fakeClock.Advance(time.Second)

	if testutil.RequireReceive(t, result, 5*time.Second, "WaitForFinish result") {
		t.Error("WaitForFinish = true after timing out")
	}

	close(release)
	testutil.RequireClosed(t, sender.done, 5*time.Second, "writer exit")
	if count := sender.Count(); count != 1 {
		t.Errorf("Count = %d, want only the in-progress message written", count)
	}
	if messages := readBack(t, sender); len(messages) != 1 {
		t.Errorf("read back %d messages, want 1", len(messages))
	}
}

func TestAbortableReaderStopsAfterAbort(t *testing.T) {
	t.Parallel()

	abort := make(chan struct{})
	reader := abortableReader{source: strings.NewReader("abcdef"), abort: abort}
	buffer := make([]byte, 3)
	if n, err := reader.Read(buffer); n != 3 || err != nil {
		t.Fatalf("Read = %d, %v", n, err)
	}
	close(abort)
	if _, err := reader.Read(buffer); !errors.Is(err, errAborted) {
		t.Errorf("Read after abort = %v, want errAborted", err)
	}
}

func TestSenderAbort(t *testing.T) {
	t.Parallel()

	sender := newTestSender(t, CompressionZstd, nil)
	sender.Put(message.New(message.Metric{Name: "m"}, epoch).WithID(1))
	sender.AbortAndWait(time.Second)

	select {
	case <-sender.done:
	default:
		t.Fatal("writer still running after AbortAndWait")
	}
	if sender.Failed() {
		t.Error("Failed = true after a clean abort")
	}
	// The dataset is still a valid, possibly empty, stream.
	if messages := readBack(t, sender); len(messages) > 1 {
		t.Errorf("read %d messages after abort", len(messages))
	}
}

func TestNewRequiresConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Clock: clock.Fake(epoch)}); err == nil {
		t.Error("New without Directory succeeded")
	}
	if _, err := New(Config{Directory: t.TempDir()}); err == nil {
		t.Error("New without Clock succeeded")
	}
}

func TestParseCompression(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		want    Compression
		wantErr bool
	}{
		{"", CompressionNone, false},
		{"none", CompressionNone, false},
		{"ZSTD", CompressionZstd, false},
		{"lz4", CompressionLZ4, false},
		{"brotli", 0, true},
	}
	for _, test := range tests {
		got, err := ParseCompression(test.name)
		if (err != nil) != test.wantErr || got != test.want {
			t.Errorf("ParseCompression(%q) = (%v, %v)", test.name, got, err)
		}
	}

	for _, compression := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		got, err := CompressionForFile("data/" + DatasetFileName(compression))
		if err != nil || got != compression {
			t.Errorf("CompressionForFile(%s) = (%v, %v)", DatasetFileName(compression), got, err)
		}
	}
}
