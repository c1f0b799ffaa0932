// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/docsync/lib/clock"
	"github.com/bureau-foundation/docsync/lib/codec"
	"github.com/bureau-foundation/docsync/lib/persistence"
	"github.com/bureau-foundation/docsync/lib/sqlitepool"
)

// ErrNotFound is returned by Latest when a client has no checkpoint.
var ErrNotFound = errors.New("checkpoint: no checkpoint stored")

// ErrCorrupt is returned when a stored checkpoint fails its digest
// check or cannot be decoded.
var ErrCorrupt = errors.New("checkpoint: stored checkpoint is corrupt")

// DefaultRetain is the number of checkpoints kept per client when
// Config.Retain is not positive.
const DefaultRetain = 3

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id   TEXT    NOT NULL,
	created_at  INTEGER NOT NULL,
	format      INTEGER NOT NULL,
	compression INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	digest      BLOB    NOT NULL,
	payload     BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS checkpoints_by_client ON checkpoints (client_id, id);
`

// Config holds the parameters for Open.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// Compression is applied to new checkpoints. The zero value is
	// CompressionNone.
	Compression Compression

	// Retain is how many checkpoints to keep per client. Older ones
	// are deleted by Save.
	Retain int

	// Durable makes every Save survive power loss.
	Durable bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Info describes one stored checkpoint.
type Info struct {
	ID          int64
	ClientID    string
	CreatedAt   time.Time
	Format      int
	Compression Compression

	// Size is the encoded snapshot size; StoredSize is what the row
	// holds after compression.
	Size       int
	StoredSize int

	Digest [32]byte
}

// Store reads and writes checkpoints. It is safe for concurrent use.
type Store struct {
	pool        *sqlitepool.Pool
	clock       clock.Clock
	logger      *slog.Logger
	compression Compression
	retain      int
}

// Open opens or creates the checkpoint database.
func Open(config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	retain := config.Retain
	if retain <= 0 {
		retain = DefaultRetain
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:    config.Path,
		Durable: config.Durable,
		Logger:  logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	return &Store{
		pool:        pool,
		clock:       clk,
		logger:      logger,
		compression: config.Compression,
		retain:      retain,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Save stores snapshot as the newest checkpoint for clientID and prunes
// checkpoints beyond the retention count.
func (s *Store) Save(ctx context.Context, clientID string, snapshot *persistence.Snapshot) (Info, error) {
	encoded, err := codec.Marshal(snapshot)
	if err != nil {
		return Info{}, fmt.Errorf("checkpoint: encoding snapshot: %w", err)
	}
	payload, compression, err := compress(encoded, s.compression)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		ClientID:    clientID,
		CreatedAt:   s.clock.Now().UTC(),
		Format:      snapshot.FormatVersion,
		Compression: compression,
		Size:        len(encoded),
		StoredSize:  len(payload),
		Digest:      blake3.Sum256(encoded),
	}

	err = s.pool.Transaction(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO checkpoints (client_id, created_at, format, compression, size, digest, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				clientID,
				info.CreatedAt.UnixNano(),
				info.Format,
				int(info.Compression),
				info.Size,
				info.Digest[:],
				payload,
			}})
		if err != nil {
			return err
		}
		info.ID = conn.LastInsertRowID()
		return sqlitex.Execute(conn, `
			DELETE FROM checkpoints
			WHERE client_id = ? AND id NOT IN (
				SELECT id FROM checkpoints WHERE client_id = ? ORDER BY id DESC LIMIT ?
			)`,
			&sqlitex.ExecOptions{Args: []any{clientID, clientID, s.retain}})
	})
	if err != nil {
		return Info{}, fmt.Errorf("checkpoint: saving for %s: %w", clientID, err)
	}

	s.logger.Info("checkpoint saved",
		"client_id", clientID,
		"checkpoint_id", info.ID,
		"documents", len(snapshot.Documents),
		"pending_batches", pendingBatches(snapshot),
		"size_bytes", info.Size,
		"stored_bytes", info.StoredSize,
		"compression", info.Compression.String(),
	)
	return info, nil
}

// Latest returns the newest checkpoint for clientID. It returns
// ErrNotFound when none exists and ErrCorrupt when the row does not
// verify.
func (s *Store) Latest(ctx context.Context, clientID string) (*persistence.Snapshot, Info, error) {
	var (
		info    Info
		payload []byte
		found   bool
	)
	err := s.pool.WithConnection(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT id, client_id, created_at, format, compression, size, digest, payload
			FROM checkpoints WHERE client_id = ? ORDER BY id DESC LIMIT 1`,
			&sqlitex.ExecOptions{
				Args: []any{clientID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					info = readInfo(stmt)
					payload = make([]byte, stmt.ColumnLen(7))
					stmt.ColumnBytes(7, payload)
					info.StoredSize = len(payload)
					return nil
				},
			})
	})
	if err != nil {
		return nil, Info{}, fmt.Errorf("checkpoint: loading for %s: %w", clientID, err)
	}
	if !found {
		return nil, Info{}, ErrNotFound
	}

	encoded, err := decompress(payload, info.Compression, info.Size)
	if err != nil {
		return nil, info, fmt.Errorf("%w: checkpoint %d: %w", ErrCorrupt, info.ID, err)
	}
	if digest := blake3.Sum256(encoded); !bytes.Equal(digest[:], info.Digest[:]) {
		return nil, info, fmt.Errorf("%w: checkpoint %d: digest mismatch", ErrCorrupt, info.ID)
	}
	var snapshot persistence.Snapshot
	if err := codec.Unmarshal(encoded, &snapshot); err != nil {
		return nil, info, fmt.Errorf("%w: checkpoint %d: %w", ErrCorrupt, info.ID, err)
	}
	return &snapshot, info, nil
}

// List returns the stored checkpoints of clientID, newest first.
func (s *Store) List(ctx context.Context, clientID string) ([]Info, error) {
	var infos []Info
	err := s.pool.WithConnection(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT id, client_id, created_at, format, compression, size, digest, length(payload)
			FROM checkpoints WHERE client_id = ? ORDER BY id DESC`,
			&sqlitex.ExecOptions{
				Args: []any{clientID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					info := readInfo(stmt)
					info.StoredSize = stmt.ColumnInt(7)
					infos = append(infos, info)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: listing for %s: %w", clientID, err)
	}
	return infos, nil
}

// Delete removes every checkpoint of clientID.
func (s *Store) Delete(ctx context.Context, clientID string) error {
	err := s.pool.Transaction(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM checkpoints WHERE client_id = ?",
			&sqlitex.ExecOptions{Args: []any{clientID}})
	})
	if err != nil {
		return fmt.Errorf("checkpoint: deleting for %s: %w", clientID, err)
	}
	return nil
}

// readInfo reads columns 0 to 6 of a checkpoint row.
func readInfo(stmt *sqlite.Stmt) Info {
	info := Info{
		ID:          stmt.ColumnInt64(0),
		ClientID:    stmt.ColumnText(1),
		CreatedAt:   time.Unix(0, stmt.ColumnInt64(2)).UTC(),
		Format:      stmt.ColumnInt(3),
		Compression: Compression(stmt.ColumnInt(4)),
		Size:        stmt.ColumnInt(5),
	}
	stmt.ColumnBytes(6, info.Digest[:])
	return info
}

func pendingBatches(snapshot *persistence.Snapshot) int {
	count := 0
	for _, queue := range snapshot.MutationQueues {
		count += len(queue.Batches)
	}
	return count
}
