// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package message

// Batchable reports whether messages of kind may share one delivery
// request. Asset uploads, system details and events are always sent
// on their own.
func Batchable(kind Kind) bool {
	switch kind {
	case KindMetric, KindParameter, KindLogOther, KindStandardOutput:
		return true
	default:
		return false
	}
}

// Batch is a group of messages delivered in one request. Every message
// in a batch has the same kind.
type Batch struct {
	Kind     Kind      `json:"type"`
	Messages []Message `json:"messages"`
}

// Single wraps one message as a batch of one.
func Single(m Message) Batch {
	return Batch{Kind: m.Kind(), Messages: []Message{m}}
}

// IDs returns the sequence ids of the batch's messages in order.
func (b Batch) IDs() []int64 {
	ids := make([]int64, len(b.Messages))
	for i, m := range b.Messages {
		ids[i] = m.ID
	}
	return ids
}

// Len returns the number of messages in the batch.
func (b Batch) Len() int { return len(b.Messages) }

// Group splits msgs into batches. Batchable kinds are collected into
// batches of at most maxSize messages; other kinds get a batch each.
// Batches are ordered by the position of their first message, and
// messages keep their relative order within a batch.
func Group(msgs []Message, maxSize int) []Batch {
	if maxSize <= 0 {
		maxSize = 1
	}
	var batches []Batch
	open := make(map[Kind]int)
	for _, m := range msgs {
		kind := m.Kind()
		if !Batchable(kind) {
			batches = append(batches, Single(m))
			continue
		}
		if index, ok := open[kind]; ok && batches[index].Len() < maxSize {
			batches[index].Messages = append(batches[index].Messages, m)
			continue
		}
		open[kind] = len(batches)
		batches = append(batches, Batch{Kind: kind, Messages: []Message{m}})
	}
	return batches
}
