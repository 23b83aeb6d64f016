// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package msgqueue is the unbounded FIFO used between pipeline stages.
//
// Producers Push without blocking. The single consumer waits on
// [Queue.Notify] (a capacity-1 channel signalled by Push and Close)
// alongside whatever else its loop selects on, then takes everything
// queued with [Queue.Drain]. The coordinator's intake queue, the
// online sender's submission queue and the offline writer's queue are
// all Queues.
//
// After Close, Push refuses new items; items already queued remain
// available to Drain so the consumer can do a final pass.
package msgqueue
