// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package online

import (
	"testing"
	"time"

	"github.com/bureau-foundation/expstream/lib/message"
)

func TestRetryIncidentsKeepLaterReset(t *testing.T) {
	t.Parallel()

	incidents := NewRetryIncidents()
	incidents.AddOrUpdate(message.KindMetric, epoch.Add(10*time.Second), metricMessage(1))
	incidents.AddOrUpdate(message.KindMetric, epoch.Add(5*time.Second), metricMessage(2))

	incident, ok := incidents.Get(message.KindMetric)
	if !ok {
		t.Fatal("incident missing")
	}
	if !incident.ResetAt.Equal(epoch.Add(10 * time.Second)) {
		t.Errorf("ResetAt = %v, want the later reset", incident.ResetAt)
	}
	if len(incident.Messages) != 2 {
		t.Errorf("incident holds %d messages, want 2", len(incident.Messages))
	}

	incidents.AddOrUpdate(message.KindMetric, epoch.Add(20*time.Second))
	incident, _ = incidents.Get(message.KindMetric)
	if !incident.ResetAt.Equal(epoch.Add(20 * time.Second)) {
		t.Errorf("ResetAt = %v after extension, want +20s", incident.ResetAt)
	}
}

func TestRetryIncidentsRelease(t *testing.T) {
	t.Parallel()

	incidents := NewRetryIncidents()
	incidents.AddOrUpdate(message.KindMetric, epoch.Add(time.Second), metricMessage(3), metricMessage(1))
	incidents.AddOrUpdate(message.KindLogOther, epoch.Add(time.Minute),
		message.New(message.LogOther{Key: "k"}, epoch).WithID(2))

	if !incidents.Active(message.KindMetric, epoch) {
		t.Error("metric incident not active before its reset")
	}
	if incidents.Active(message.KindParameter, epoch) {
		t.Error("parameter reported active without an incident")
	}
	if next, ok := incidents.NextReset(); !ok || !next.Equal(epoch.Add(time.Second)) {
		t.Errorf("NextReset = (%v, %v), want +1s", next, ok)
	}

	if released := incidents.ReleaseOutdated(epoch); len(released) != 0 {
		t.Errorf("released %d messages before any reset", len(released))
	}

	released := incidents.ReleaseOutdated(epoch.Add(time.Second))
	if len(released) != 2 || released[0].ID != 1 || released[1].ID != 3 {
		t.Errorf("released = %v, want ids [1 3]", released)
	}
	if incidents.Len() != 1 {
		t.Errorf("Len = %d, want 1", incidents.Len())
	}
	if !incidents.HasActive(epoch.Add(time.Second)) {
		t.Error("HasActive = false with the log_other incident held")
	}

	drained := incidents.DrainAll()
	if len(drained) != 1 || drained[0].ID != 2 {
		t.Errorf("DrainAll = %v, want id 2", drained)
	}
	if _, ok := incidents.NextReset(); ok {
		t.Error("NextReset reported a reset after DrainAll")
	}
}
