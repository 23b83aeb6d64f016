// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/expstream/lib/clock"
	"github.com/bureau-foundation/expstream/lib/fallback"
	"github.com/bureau-foundation/expstream/lib/message"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingCoordinator struct {
	mu       sync.Mutex
	messages []message.Message
	info     fallback.ExperimentInfo
	finishOK bool
}

func (r *recordingCoordinator) PutWithCallbacks(msg message.Message, _ message.Callbacks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordingCoordinator) Flush(time.Duration) bool { return true }

func (r *recordingCoordinator) WaitForFinish(info fallback.ExperimentInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info = info
	return r.finishOK
}

func newTestExperiment(t *testing.T, coordinator *recordingCoordinator) *Experiment {
	t.Helper()
	experiment, err := New(Config{
		Workspace:   "team",
		ProjectName: "vision",
		Tags:        []string{"baseline"},
		Coordinator: coordinator,
		Clock:       clock.Fake(epoch),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return experiment
}

func TestNewKey(t *testing.T) {
	t.Parallel()

	key := NewKey()
	if !keyPattern.MatchString(key) || len(key) != 32 {
		t.Errorf("NewKey = %q", key)
	}
	if NewKey() == key {
		t.Error("NewKey returned the same key twice")
	}

	if _, err := New(Config{Key: "short", Coordinator: &recordingCoordinator{}, Clock: clock.Fake(epoch)}); err == nil {
		t.Error("New accepted an invalid key")
	}
	if _, err := New(Config{Clock: clock.Fake(epoch)}); err == nil {
		t.Error("New without Coordinator succeeded")
	}
}

func TestLoggingBuildsMessages(t *testing.T) {
	t.Parallel()

	coordinator := &recordingCoordinator{finishOK: true}
	experiment := newTestExperiment(t, coordinator)

	experiment.SetContext("train")
	if err := experiment.LogMetric("loss", 0.5, 3); err != nil {
		t.Fatal(err)
	}
	if err := experiment.LogParameter("lr", 0.01); err != nil {
		t.Fatal(err)
	}
	if err := experiment.LogOther("note", 42); err != nil {
		t.Fatal(err)
	}
	if err := experiment.LogOutput("epoch 1 done\n", false); err != nil {
		t.Fatal(err)
	}
	if err := experiment.LogOutput("", true); err != nil {
		t.Fatal(err)
	}
	if err := experiment.LogSystemDetails(CollectSystemDetails()); err != nil {
		t.Fatal(err)
	}
	if err := experiment.LogMetric("", 1, 0); err == nil {
		t.Error("LogMetric accepted an empty name")
	}
	for _, value := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if err := experiment.LogMetric("loss", value, 4); err == nil {
			t.Errorf("LogMetric accepted %v", value)
		}
	}

	coordinator.mu.Lock()
	messages := append([]message.Message(nil), coordinator.messages...)
	coordinator.mu.Unlock()

	wantKinds := []message.Kind{
		message.KindMetric,
		message.KindParameter,
		message.KindLogOther,
		message.KindStandardOutput,
		message.KindSystemDetails,
	}
	if len(messages) != len(wantKinds) {
		t.Fatalf("got %d messages, want %d", len(messages), len(wantKinds))
	}
	for i, kind := range wantKinds {
		if messages[i].Kind() != kind {
			t.Errorf("message %d kind = %s, want %s", i, messages[i].Kind(), kind)
		}
		if !messages[i].Timestamp.Equal(epoch) || messages[i].ID != 0 {
			t.Errorf("message %d = %v at %v", i, messages[i], messages[i].Timestamp)
		}
	}
	if metric := messages[0].Payload.(message.Metric); metric.Context != "train" || metric.Step != 3 {
		t.Errorf("metric = %+v", metric)
	}
	if parameter := messages[1].Payload.(message.Parameter); parameter.Value != "0.01" {
		t.Errorf("parameter = %+v", parameter)
	}
	if details := messages[4].Payload.(message.SystemDetails); details.PID != os.Getpid() {
		t.Errorf("system details PID = %d", details.PID)
	}
}

func TestUploadAsset(t *testing.T) {
	t.Parallel()

	coordinator := &recordingCoordinator{finishOK: true}
	experiment := newTestExperiment(t, coordinator)

	path := filepath.Join(t.TempDir(), "weights.bin")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := experiment.UploadAsset(path, AssetOptions{AssetType: "model", Temporary: true}); err != nil {
		t.Fatalf("UploadAsset: %v", err)
	}
	if err := experiment.UploadAsset(filepath.Join(t.TempDir(), "missing"), AssetOptions{}); err == nil {
		t.Error("UploadAsset accepted a missing file")
	}
	if err := experiment.UploadAsset(t.TempDir(), AssetOptions{}); err == nil {
		t.Error("UploadAsset accepted a directory")
	}

	asset := coordinator.messages[0].Payload.(message.AssetUpload)
	if asset.FileName != "weights.bin" || asset.Size != 10 || !asset.Temporary || asset.AssetType != "model" {
		t.Errorf("asset = %+v", asset)
	}
	if !filepath.IsAbs(asset.LocalPath) {
		t.Errorf("LocalPath %q is not absolute", asset.LocalPath)
	}
}

func TestEnd(t *testing.T) {
	t.Parallel()

	coordinator := &recordingCoordinator{finishOK: true}
	experiment := newTestExperiment(t, coordinator)
	experiment.AddTag("tuned", "baseline", "")

	if err := experiment.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if coordinator.info.Key != experiment.Key() || coordinator.info.ProjectName != "vision" {
		t.Errorf("info = %+v", coordinator.info)
	}
	if len(coordinator.info.Tags) != 2 {
		t.Errorf("tags = %v, want [baseline tuned]", coordinator.info.Tags)
	}
	if err := experiment.End(); !errors.Is(err, ErrEnded) {
		t.Errorf("second End = %v, want ErrEnded", err)
	}
	if err := experiment.LogMetric("late", 1, 0); !errors.Is(err, ErrEnded) {
		t.Errorf("LogMetric after End = %v, want ErrEnded", err)
	}

	failing := newTestExperiment(t, &recordingCoordinator{finishOK: false})
	if err := failing.End(); !errors.Is(err, ErrNotDelivered) {
		t.Errorf("End on lost data = %v, want ErrNotDelivered", err)
	}
}
