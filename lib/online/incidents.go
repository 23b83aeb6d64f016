// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package online

import (
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/expstream/lib/message"
)

// Incident holds the messages of one kind that wait for a throttle to
// expire.
type Incident struct {
	Kind     message.Kind
	ResetAt  time.Time
	Messages []message.Message
}

// RetryIncidents tracks at most one incident per message kind. Safe
// for concurrent use.
type RetryIncidents struct {
	mu        sync.Mutex
	incidents map[message.Kind]*Incident
}

// NewRetryIncidents returns an empty tracker.
func NewRetryIncidents() *RetryIncidents {
	return &RetryIncidents{incidents: make(map[message.Kind]*Incident)}
}

// AddOrUpdate adds msgs to the incident for kind, creating it if
// needed. An existing incident keeps the later of the two reset times.
func (r *RetryIncidents) AddOrUpdate(kind message.Kind, resetAt time.Time, msgs ...message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	incident, ok := r.incidents[kind]
	if !ok {
		incident = &Incident{Kind: kind, ResetAt: resetAt}
		r.incidents[kind] = incident
	}
	if resetAt.After(incident.ResetAt) {
		incident.ResetAt = resetAt
	}
	incident.Messages = append(incident.Messages, msgs...)
}

// Get returns a copy of the incident for kind.
func (r *RetryIncidents) Get(kind message.Kind) (Incident, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	incident, ok := r.incidents[kind]
	if !ok {
		return Incident{}, false
	}
	copied := *incident
	copied.Messages = append([]message.Message(nil), incident.Messages...)
	return copied, true
}

// Active reports whether kind has an incident that has not yet reached
// its reset time.
func (r *RetryIncidents) Active(kind message.Kind, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	incident, ok := r.incidents[kind]
	return ok && now.Before(incident.ResetAt)
}

// HasActive reports whether any incident is still active at now.
func (r *RetryIncidents) HasActive(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, incident := range r.incidents {
		if now.Before(incident.ResetAt) {
			return true
		}
	}
	return false
}

// ReleaseOutdated removes every incident whose reset time is at or
// before now and returns their messages ordered by id.
func (r *RetryIncidents) ReleaseOutdated(now time.Time) []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var released []message.Message
	for kind, incident := range r.incidents {
		if !now.Before(incident.ResetAt) {
			released = append(released, incident.Messages...)
			delete(r.incidents, kind)
		}
	}
	sortByID(released)
	return released
}

// NextReset returns the earliest reset time among held incidents.
func (r *RetryIncidents) NextReset() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var next time.Time
	found := false
	for _, incident := range r.incidents {
		if !found || incident.ResetAt.Before(next) {
			next = incident.ResetAt
			found = true
		}
	}
	return next, found
}

// DrainAll removes every incident regardless of reset time and returns
// the held messages ordered by id.
func (r *RetryIncidents) DrainAll() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var drained []message.Message
	for _, incident := range r.incidents {
		drained = append(drained, incident.Messages...)
	}
	r.incidents = make(map[message.Kind]*Incident)
	sortByID(drained)
	return drained
}

// Len returns the number of messages held across all incidents.
func (r *RetryIncidents) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, incident := range r.incidents {
		count += len(incident.Messages)
	}
	return count
}

func sortByID(msgs []message.Message) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
}
