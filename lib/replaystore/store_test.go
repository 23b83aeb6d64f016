// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replaystore

import (
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/expstream/lib/message"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := New(Config{Directory: t.TempDir()})
	if store.Status() != StatusInitialized {
		t.Fatalf("Status() = %s, want initialized", store.Status())
	}
	t.Cleanup(store.Close)
	return store
}

func metricMessage(id int64) message.Message {
	return message.New(message.Metric{Name: "loss", Value: float64(id), Step: id}, testTime).WithID(id)
}

func TestDeliveredRecordIsRemoved(t *testing.T) {
	store := newTestStore(t)
	store.RegisterMessage(metricMessage(1), Registered, message.Callbacks{})

	if _, status, ok := store.GetMessage(1); !ok || status != Registered {
		t.Fatalf("GetMessage(1) = (%s, %v), want registered", status, ok)
	}

	store.UpdateMessage(1, Delivered)

	if _, _, ok := store.GetMessage(1); ok {
		t.Fatal("delivered message is still in the store")
	}
	if count := store.Count(Registered); count != 0 {
		t.Fatalf("Count(Registered) = %d, want 0", count)
	}
}

func TestGetMessageReconstructsPayload(t *testing.T) {
	store := newTestStore(t)
	original := message.New(message.SystemDetails{Hostname: "gpu-7", Command: []string{"train"}}, testTime).WithID(4)
	store.RegisterMessage(original, Failed, message.Callbacks{})

	got, status, ok := store.GetMessage(4)
	if !ok {
		t.Fatal("GetMessage(4) not found")
	}
	if status != Failed {
		t.Errorf("status = %s, want failed", status)
	}
	if !reflect.DeepEqual(got.Payload, original.Payload) {
		t.Errorf("payload = %#v, want %#v", got.Payload, original.Payload)
	}
	if !got.Timestamp.Equal(testTime) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, testTime)
	}
}

func TestReplayFailedMessages(t *testing.T) {
	store := newTestStore(t)

	var batch []message.Message
	for id := int64(1); id <= 5; id++ {
		batch = append(batch, metricMessage(id))
	}
	store.RegisterMessages(batch[:2], Registered, nil)
	store.RegisterMessages(batch[2:], Failed, nil)

	var replayed []int64
	count := store.ReplayFailedMessages(func(msg message.Message) {
		replayed = append(replayed, msg.ID)
	})

	if count != 3 {
		t.Fatalf("ReplayFailedMessages returned %d, want 3", count)
	}
	if !reflect.DeepEqual(replayed, []int64{3, 4, 5}) {
		t.Fatalf("replayed ids = %v, want [3 4 5]", replayed)
	}
	if got := store.Count(Failed); got != 0 {
		t.Errorf("Count(Failed) after replay = %d, want 0", got)
	}
	if got := store.Count(Registered); got != 5 {
		t.Errorf("Count(Registered) after replay = %d, want 5", got)
	}

	// A second replay finds nothing.
	if again := store.ReplayFailedMessages(func(message.Message) {}); again != 0 {
		t.Errorf("second replay returned %d, want 0", again)
	}
}

func TestReplayCallbackMayUseStore(t *testing.T) {
	store := newTestStore(t)
	store.RegisterMessage(metricMessage(1), Failed, message.Callbacks{})

	store.ReplayFailedMessages(func(msg message.Message) {
		store.UpdateMessage(msg.ID, Delivered)
	})

	if _, _, ok := store.GetMessage(1); ok {
		t.Fatal("message delivered from within the replay callback is still stored")
	}
}

func TestOnSentFiresOnceOnDelivery(t *testing.T) {
	store := newTestStore(t)

	var mu sync.Mutex
	var sent, failed []int64
	callbacks := message.Callbacks{
		OnSent: func(id int64) {
			mu.Lock()
			defer mu.Unlock()
			sent = append(sent, id)
		},
		OnFailed: func(id int64) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, id)
		},
	}
	store.RegisterMessage(metricMessage(1), Registered, callbacks)

	store.UpdateMessage(1, Failed)
	store.UpdateMessage(1, Delivered)
	store.UpdateMessage(1, Delivered)
	store.Close()

	if !reflect.DeepEqual(sent, []int64{1}) {
		t.Errorf("OnSent calls = %v, want [1]", sent)
	}
	if len(failed) != 0 {
		t.Errorf("OnFailed calls = %v, want none", failed)
	}
}

func TestCloseFiresOnFailedForUndelivered(t *testing.T) {
	store := New(Config{Directory: t.TempDir()})

	var failed []int64
	store.RegisterMessage(metricMessage(2), Failed, message.Callbacks{
		OnFailed: func(id int64) { failed = append(failed, id) },
	})

	store.Close()
	store.Close()

	if !reflect.DeepEqual(failed, []int64{2}) {
		t.Errorf("OnFailed calls = %v, want [2]", failed)
	}
}

func TestCloseIsIdempotentAndRemovesDirectory(t *testing.T) {
	store := New(Config{Directory: t.TempDir()})
	directory := store.Directory()
	if _, err := os.Stat(directory); err != nil {
		t.Fatalf("store directory missing: %v", err)
	}

	store.Close()
	store.Close()

	if store.Status() != StatusClosed {
		t.Errorf("Status() = %s, want closed", store.Status())
	}
	if _, err := os.Stat(directory); !os.IsNotExist(err) {
		t.Errorf("store directory still exists after Close: %v", err)
	}

	// Operations after close are no-ops.
	store.RegisterMessage(metricMessage(1), Registered, message.Callbacks{})
	if count := store.Count(Registered); count != 0 {
		t.Errorf("Count after close = %d, want 0", count)
	}
}

func TestDeliveryRemovesTemporaryAssetFile(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "figure.png")
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	asset := message.New(message.AssetUpload{LocalPath: path, FileName: "figure.png", Temporary: true}, testTime).WithID(9)
	store.RegisterMessage(asset, Registered, message.Callbacks{})
	store.UpdateMessage(9, Delivered)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("temporary asset still exists after delivery: %v", err)
	}
}

func TestUnusableDirectoryDegradesToErrorState(t *testing.T) {
	store := New(Config{Directory: filepath.Join(t.TempDir(), "does", "not", "exist")})
	if store.Status() != StatusError {
		t.Fatalf("Status() = %s, want error", store.Status())
	}

	// Every operation is a silent no-op.
	store.RegisterMessage(metricMessage(1), Failed, message.Callbacks{})
	store.UpdateMessage(1, Delivered)
	if replayed := store.ReplayFailedMessages(func(message.Message) {
		t.Error("replay callback invoked on a failed store")
	}); replayed != 0 {
		t.Errorf("ReplayFailedMessages = %d, want 0", replayed)
	}
	if _, _, ok := store.GetMessage(1); ok {
		t.Error("GetMessage found a message in a failed store")
	}
	store.Close()
	store.Close()
}

func TestConcurrentRegistrationAndUpdates(t *testing.T) {
	store := newTestStore(t)

	const writers = 4
	const perWriter = 25
	var waitGroup sync.WaitGroup
	for writer := range writers {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			for i := range perWriter {
				id := int64(writer*perWriter + i + 1)
				store.RegisterMessage(metricMessage(id), Registered, message.Callbacks{})
				if id%2 == 0 {
					store.UpdateMessage(id, Delivered)
				}
			}
		}()
	}
	waitGroup.Wait()

	if got := store.Count(Registered); got != writers*perWriter/2 {
		t.Errorf("Count(Registered) = %d, want %d", got, writers*perWriter/2)
	}
}
