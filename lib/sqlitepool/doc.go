// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens SQLite databases with the module's standard
// pragmas on top of zombiezen.com/go/sqlite.
//
// The pool is deliberately thin. It applies WAL journaling, NORMAL
// synchronous mode, a busy timeout and in-memory temp storage, then
// exposes zombiezen's connection type directly. Callers write SQL and
// use sqlitex.Execute and sqlitex.Save/ImmediateTransaction as usual.
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   filepath.Join(dir, "messages.db"),
//	    Logger: logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
package sqlitepool
