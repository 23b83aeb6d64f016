// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replaystore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/expstream/lib/message"
	"github.com/bureau-foundation/expstream/lib/sqlitepool"
)

// MessageStatus is the persisted delivery state of a record.
type MessageStatus int

const (
	// Registered records are in flight (or queued for replay).
	Registered MessageStatus = 1
	// Delivered records are deleted as soon as they reach this state.
	Delivered MessageStatus = 2
	// Failed records are waiting for the next replay.
	Failed MessageStatus = 3
)

func (s MessageStatus) String() string {
	switch s {
	case Registered:
		return "registered"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Status is the state of the store itself.
type Status int

const (
	StatusUndefined Status = iota
	StatusInitialized
	StatusClosed
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusUndefined:
		return "undefined"
	case StatusInitialized:
		return "initialized"
	case StatusClosed:
		return "closed"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	message_id      INTEGER PRIMARY KEY,
	status          INTEGER NOT NULL,
	message_type    TEXT NOT NULL,
	message_payload BLOB NOT NULL,
	created_at      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS messages_status ON messages (status);
`

// Config configures a Store.
type Config struct {
	// Directory is where the private temporary directory is created.
	// Empty means os.TempDir().
	Directory string

	// Logger receives the store's diagnostics. Nil discards them.
	Logger *slog.Logger
}

// Store is the durable message store. Safe for concurrent use; every
// operation is serialized behind one mutex.
type Store struct {
	mu        sync.Mutex
	status    Status
	pool      *sqlitepool.Pool
	directory string
	logger    *slog.Logger

	// callbacks and files are side-tables keyed by message id.
	// files holds temporary asset files to remove once the message
	// is delivered.
	callbacks map[int64]message.Callbacks
	files     map[int64]string
}

// New creates the store. It never fails: if the directory or schema
// cannot be created the store starts in StatusError and every
// operation is a no-op.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	store := &Store{
		logger:    logger,
		callbacks: make(map[int64]message.Callbacks),
		files:     make(map[int64]string),
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	directory, err := os.MkdirTemp(cfg.Directory, "expstream-replay-")
	if err != nil {
		store.failLocked("creating temporary directory", err)
		return store
	}
	store.directory = directory

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(directory, "messages.db"),
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		store.failLocked("opening database", err)
		return store
	}
	store.pool = pool

	// Connections are prepared lazily; take one now so schema errors
	// surface at construction.
	err = store.withConnLocked(func(*sqlite.Conn) error { return nil })
	if err != nil {
		store.failLocked("creating schema", err)
		return store
	}

	store.status = StatusInitialized
	logger.Debug("replay store initialized", "directory", directory)
	return store
}

// Status returns the store's current state.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Directory returns the private temporary directory, or "" if it was
// never created.
func (s *Store) Directory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directory
}

// RegisterMessage persists one message with the given status and
// records its callbacks.
func (s *Store) RegisterMessage(msg message.Message, status MessageStatus, callbacks message.Callbacks) {
	s.RegisterMessages([]message.Message{msg}, status, map[int64]message.Callbacks{msg.ID: callbacks})
}

// RegisterMessages persists a batch of messages in one transaction.
// callbacks may be nil or hold entries for a subset of the ids.
func (s *Store) RegisterMessages(msgs []message.Message, status MessageStatus, callbacks map[int64]message.Callbacks) {
	if len(msgs) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusInitialized {
		return
	}

	err := s.withConnLocked(func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Save(conn)(&err)
		for _, msg := range msgs {
			payload, err := message.EncodePayloadCBOR(msg.Payload)
			if err != nil {
				return fmt.Errorf("encoding message %d: %w", msg.ID, err)
			}
			err = sqlitex.Execute(conn,
				`INSERT OR REPLACE INTO messages (message_id, status, message_type, message_payload, created_at)
				 VALUES (?, ?, ?, ?, ?)`,
				&sqlitex.ExecOptions{
					Args: []any{msg.ID, int(status), string(msg.Kind()), payload, unixMilli(msg.Timestamp)},
				})
			if err != nil {
				return fmt.Errorf("inserting message %d: %w", msg.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		s.failLocked("registering messages", err)
		return
	}

	for _, msg := range msgs {
		if cb, ok := callbacks[msg.ID]; ok && !cb.IsZero() {
			s.callbacks[msg.ID] = cb
		}
		if asset, ok := msg.Payload.(message.AssetUpload); ok && asset.Temporary {
			s.files[msg.ID] = asset.LocalPath
		}
	}
}

// UpdateMessage changes the status of one record. See UpdateMessages.
func (s *Store) UpdateMessage(id int64, status MessageStatus) {
	s.UpdateMessages([]int64{id}, status)
}

// UpdateMessages changes the status of a set of records. Delivered
// records are deleted, their OnSent callbacks fired and their
// temporary files removed. Unknown ids are ignored.
func (s *Store) UpdateMessages(ids []int64, status MessageStatus) {
	if len(ids) == 0 {
		return
	}

	var sent []func()

	s.mu.Lock()
	if s.status != StatusInitialized {
		s.mu.Unlock()
		return
	}

	err := s.withConnLocked(func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Save(conn)(&err)
		for _, id := range ids {
			if status == Delivered {
				err = sqlitex.Execute(conn, "DELETE FROM messages WHERE message_id = ?",
					&sqlitex.ExecOptions{Args: []any{id}})
			} else {
				err = sqlitex.Execute(conn, "UPDATE messages SET status = ? WHERE message_id = ?",
					&sqlitex.ExecOptions{Args: []any{int(status), id}})
			}
			if err != nil {
				return fmt.Errorf("updating message %d to %s: %w", id, status, err)
			}
		}
		return nil
	})
	if err != nil {
		s.failLocked("updating messages", err)
		s.mu.Unlock()
		return
	}

	if status == Delivered {
		for _, id := range ids {
			if cb, ok := s.callbacks[id]; ok {
				delete(s.callbacks, id)
				if cb.OnSent != nil {
					onSent, messageID := cb.OnSent, id
					sent = append(sent, func() { onSent(messageID) })
				}
			}
			if path, ok := s.files[id]; ok {
				delete(s.files, id)
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					s.logger.Debug("removing delivered temporary file failed",
						"path", path,
						"error", err,
					)
				}
			}
		}
	}
	s.mu.Unlock()

	for _, call := range sent {
		call()
	}
}

// ReplayFailedMessages flips every failed record back to registered,
// reconstructs the messages, and calls fn once per message in id
// order. Returns the number of messages replayed. fn runs after the
// store's lock is released.
func (s *Store) ReplayFailedMessages(fn func(message.Message)) int {
	s.mu.Lock()
	if s.status != StatusInitialized {
		s.mu.Unlock()
		return 0
	}

	var replayed []message.Message
	err := s.withConnLocked(func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Save(conn)(&err)
		replayed, err = selectMessages(conn, "WHERE status = ? ORDER BY message_id", int(Failed))
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn, "UPDATE messages SET status = ? WHERE status = ?",
			&sqlitex.ExecOptions{Args: []any{int(Registered), int(Failed)}})
	})
	if err != nil {
		s.failLocked("replaying failed messages", err)
		s.mu.Unlock()
		return 0
	}
	s.mu.Unlock()

	if len(replayed) > 0 {
		s.logger.Debug("replaying failed messages", "count", len(replayed))
	}
	for _, msg := range replayed {
		fn(msg)
	}
	return len(replayed)
}

// GetMessage returns the stored message with id and its status.
func (s *Store) GetMessage(id int64) (message.Message, MessageStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusInitialized {
		return message.Message{}, 0, false
	}

	var found []message.Message
	var status MessageStatus
	err := s.withConnLocked(func(conn *sqlite.Conn) error {
		var err error
		found, err = selectMessages(conn, "WHERE message_id = ?", id)
		if err != nil || len(found) == 0 {
			return err
		}
		return sqlitex.Execute(conn, "SELECT status FROM messages WHERE message_id = ?",
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					status = MessageStatus(stmt.ColumnInt(0))
					return nil
				},
			})
	})
	if err != nil {
		s.failLocked("reading message", err)
		return message.Message{}, 0, false
	}
	if len(found) == 0 {
		return message.Message{}, 0, false
	}
	return found[0], status, true
}

// Count returns the number of records with the given status.
func (s *Store) Count(status MessageStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusInitialized {
		return 0
	}

	var count int
	err := s.withConnLocked(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COUNT(*) FROM messages WHERE status = ?",
			&sqlitex.ExecOptions{
				Args: []any{int(status)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					count = stmt.ColumnInt(0)
					return nil
				},
			})
	})
	if err != nil {
		s.failLocked("counting messages", err)
		return 0
	}
	return count
}

// Close closes the database, fires OnFailed for every message still
// held, and removes the temporary directory. Safe to call repeatedly.
func (s *Store) Close() {
	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		return
	}
	s.status = StatusClosed

	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Debug("closing replay store database failed", "error", err)
		}
		s.pool = nil
	}
	if s.directory != "" {
		if err := os.RemoveAll(s.directory); err != nil {
			s.logger.Debug("removing replay store directory failed",
				"directory", s.directory,
				"error", err,
			)
		}
	}

	var failed []func()
	for id, cb := range s.callbacks {
		if cb.OnFailed != nil {
			onFailed, messageID := cb.OnFailed, id
			failed = append(failed, func() { onFailed(messageID) })
		}
	}
	s.callbacks = make(map[int64]message.Callbacks)
	s.files = make(map[int64]string)
	s.mu.Unlock()

	for _, call := range failed {
		call()
	}
}

// withConnLocked runs fn on a pooled connection. Must be called with
// s.mu held.
func (s *Store) withConnLocked(fn func(conn *sqlite.Conn) error) error {
	if s.pool == nil {
		return fmt.Errorf("replaystore: database is not open")
	}
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// failLocked moves the store to StatusError and releases the
// database. Only the first failure is logged. Must be called with
// s.mu held.
func (s *Store) failLocked(operation string, err error) {
	if s.status == StatusError {
		return
	}
	s.status = StatusError
	s.logger.Error("replay store failed, message replay disabled",
		"operation", operation,
		"error", err,
	)
	if s.pool != nil {
		if closeErr := s.pool.Close(); closeErr != nil {
			s.logger.Debug("closing replay store database failed", "error", closeErr)
		}
		s.pool = nil
	}
}

// selectMessages decodes the records matched by where.
func selectMessages(conn *sqlite.Conn, where string, args ...any) ([]message.Message, error) {
	var msgs []message.Message
	var decodeErr error
	err := sqlitex.Execute(conn,
		"SELECT message_id, message_type, message_payload, created_at FROM messages "+where,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id := stmt.ColumnInt64(0)
				kind := message.Kind(stmt.ColumnText(1))
				data := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, data)

				payload, err := message.DecodePayloadCBOR(kind, data)
				if err != nil {
					decodeErr = fmt.Errorf("message %d: %w", id, err)
					return decodeErr
				}
				msg := message.Message{ID: id, Payload: payload}
				if createdAt := stmt.ColumnInt64(3); createdAt != 0 {
					msg.Timestamp = time.UnixMilli(createdAt).UTC()
				}
				msgs = append(msgs, msg)
				return nil
			},
		})
	if decodeErr != nil {
		return nil, decodeErr
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
