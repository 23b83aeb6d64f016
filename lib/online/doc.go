// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package online delivers messages to the tracking service.
//
// A [Sender] owns one goroutine that drains its submission queue,
// groups batchable messages of the same kind into [message.Batch]es of
// at most MaxBatchSize, and hands each batch to a [Transport]. Every
// submitted message produces exactly one [Outcome] on the
// [OutcomeSink] given to Start: delivered, failed because the service
// was unreachable (ConnectionError set), or failed for another reason.
//
// A transport may answer with a [ThrottledError]. The messages are then
// parked in a retry incident for their kind (see [RetryIncidents]) and
// resent once the incident's reset time passes; messages of that kind
// submitted in the meantime join the incident. Throttling does not
// produce an outcome until the messages are finally sent.
//
// [HTTPTransport] is the production transport: JSON over HTTP with
// optional gzip request bodies.
package online
