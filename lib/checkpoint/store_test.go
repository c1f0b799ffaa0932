// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/docsync/lib/clock"
	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/persistence"
	"github.com/bureau-foundation/docsync/lib/sqlitepool"
	"github.com/bureau-foundation/docsync/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, config Config) *Store {
	t.Helper()
	if config.Path == "" {
		config.Path = filepath.Join(t.TempDir(), "checkpoints.db")
	}
	if config.Clock == nil {
		config.Clock = clock.Fake(epoch)
	}
	config.Logger = testutil.Logger(t)
	store, err := Open(config)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

// testSnapshot snapshots a memory store holding count similar
// documents, which compress well.
func testSnapshot(t *testing.T, count int) *persistence.Snapshot {
	t.Helper()
	memory := persistence.NewMemory(persistence.MemoryConfig{})
	if err := memory.Start(); err != nil {
		t.Fatal(err)
	}
	err := memory.Run(context.Background(), "populate", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		for i := range count {
			doc := model.NewFoundDocument(
				model.MustKey(fmt.Sprintf("rooms/room-%04d", i)),
				model.VersionFromMicros(int64(i+1)),
				model.MustObject(map[string]any{"title": "meeting room", "floor": i % 4, "capacity": 12}),
			)
			if err := memory.RemoteDocumentCache().Add(txn, doc, doc.Version()); err != nil {
				return err
			}
		}
		return memory.Globals().SetSessionToken(txn, []byte("session-1"))
	})
	if err != nil {
		t.Fatalf("populate: %v", err)
	}
	snapshot, err := memory.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return snapshot
}

func TestSaveAndLatest(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			store := openTestStore(t, Config{Compression: compression})
			snapshot := testSnapshot(t, 200)

			saved, err := store.Save(context.Background(), "client-a", snapshot)
			if err != nil {
				t.Fatalf("Save: %v", err)
			}
			if saved.Compression != compression {
				t.Errorf("stored with %s, want %s", saved.Compression, compression)
			}
			if compression != CompressionNone && saved.StoredSize >= saved.Size {
				t.Errorf("stored %d bytes for a %d byte payload", saved.StoredSize, saved.Size)
			}

			loaded, info, err := store.Latest(context.Background(), "client-a")
			if err != nil {
				t.Fatalf("Latest: %v", err)
			}
			if info.ID != saved.ID || info.Digest != saved.Digest || !info.CreatedAt.Equal(epoch) {
				t.Errorf("Latest info = %+v, want %+v", info, saved)
			}
			if len(loaded.Documents) != 200 {
				t.Errorf("loaded %d documents, want 200", len(loaded.Documents))
			}
			if !bytes.Equal(loaded.SessionToken, []byte("session-1")) {
				t.Errorf("session token = %q", loaded.SessionToken)
			}

			restored := persistence.NewMemory(persistence.MemoryConfig{})
			if err := restored.Start(); err != nil {
				t.Fatal(err)
			}
			if err := restored.Restore(loaded); err != nil {
				t.Fatalf("Restore: %v", err)
			}
		})
	}
}

func TestLatestWithoutCheckpoint(t *testing.T) {
	store := openTestStore(t, Config{})
	if _, _, err := store.Latest(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Latest = %v, want ErrNotFound", err)
	}
}

func TestRetention(t *testing.T) {
	fake := clock.Fake(epoch)
	store := openTestStore(t, Config{Retain: 2, Clock: fake, Compression: CompressionZstd})
	ctx := context.Background()

	var ids []int64
	for range 3 {
		info, err := store.Save(ctx, "client-a", testSnapshot(t, 5))
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		ids = append(ids, info.ID)
		fake.Advance(time.Minute)
	}
	if _, err := store.Save(ctx, "client-b", testSnapshot(t, 1)); err != nil {
		t.Fatalf("Save client-b: %v", err)
	}

	infos, err := store.List(ctx, "client-a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 || infos[0].ID != ids[2] || infos[1].ID != ids[1] {
		t.Fatalf("retained %+v, want ids %d and %d", infos, ids[2], ids[1])
	}
	if !infos[0].CreatedAt.Equal(epoch.Add(2 * time.Minute)) {
		t.Errorf("newest CreatedAt = %v", infos[0].CreatedAt)
	}

	if err := store.Delete(ctx, "client-a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if infos, _ := store.List(ctx, "client-a"); len(infos) != 0 {
		t.Errorf("%d checkpoints left after Delete", len(infos))
	}
	if infos, _ := store.List(ctx, "client-b"); len(infos) != 1 {
		t.Errorf("Delete of client-a touched client-b: %d left", len(infos))
	}
}

func TestCorruptCheckpointDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store := openTestStore(t, Config{Path: path, Compression: CompressionNone})
	if _, err := store.Save(context.Background(), "client-a", testSnapshot(t, 3)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, PoolSize: 1})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	err = pool.Transaction(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "UPDATE checkpoints SET digest = zeroblob(32)", nil)
	})
	pool.Close()
	if err != nil {
		t.Fatalf("corrupting digest: %v", err)
	}

	if _, _, err := store.Latest(context.Background(), "client-a"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Latest = %v, want ErrCorrupt", err)
	}
}

func TestIncompressiblePayloadStoredRaw(t *testing.T) {
	random := rand.New(rand.NewChaCha8([32]byte{7}))
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(random.UintN(256))
	}
	for _, preferred := range []Compression{CompressionLZ4, CompressionZstd} {
		payload, used, err := compress(data, preferred)
		if err != nil {
			t.Fatalf("compress(%s): %v", preferred, err)
		}
		if used != CompressionNone || !bytes.Equal(payload, data) {
			t.Errorf("compress(%s) of random data used %s", preferred, used)
		}
	}
}

func TestParseCompression(t *testing.T) {
	for _, test := range []struct {
		name    string
		want    Compression
		wantErr bool
	}{
		{name: "none", want: CompressionNone},
		{name: "lz4", want: CompressionLZ4},
		{name: "zstd", want: CompressionZstd},
		{name: "", want: CompressionZstd},
		{name: "brotli", wantErr: true},
	} {
		got, err := ParseCompression(test.name)
		if (err != nil) != test.wantErr || got != test.want {
			t.Errorf("ParseCompression(%q) = %v, %v; want %v, error %v", test.name, got, err, test.want, test.wantErr)
		}
	}
}
