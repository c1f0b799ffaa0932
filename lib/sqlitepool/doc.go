// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens SQLite databases with the pragmas docsync
// expects and hands out connections from a fixed-size pool.
//
// It is a thin layer over zombiezen.com/go/sqlite. Callers write SQL
// and run it with sqlitex.Execute; the package only standardizes how
// a database is opened and how a connection is borrowed for one unit
// of work. The checkpoint store is the main user.
//
// # Pragmas
//
// Every connection is prepared with:
//
//   - journal_mode=WAL: readers never block the single writer.
//   - synchronous=NORMAL, or FULL when [Config.Durable] is set. NORMAL
//     survives a process crash; FULL also survives power loss at the
//     cost of an fsync per commit.
//   - busy_timeout=5000: wait for a write lock instead of failing
//     with SQLITE_BUSY.
//   - foreign_keys=OFF, cache_size=-8192, temp_store=MEMORY.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   filepath.Join(dir, "checkpoints.db"),
//	    Logger: logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	err = pool.Transaction(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "DELETE FROM checkpoints WHERE id < ?",
//	        &sqlitex.ExecOptions{Args: []any{oldest}})
//	})
//
// Connections are not safe for concurrent use. Each goroutine takes its
// own and returns it with [Pool.Put], or uses [Pool.WithConnection] and
// [Pool.Transaction], which do both.
package sqlitepool
