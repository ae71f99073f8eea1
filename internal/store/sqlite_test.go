package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := NewSQLiteStore(dbPath, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dbPath
}

func TestLoadCursor_MissingKeyReturnsZero(t *testing.T) {
	s, _ := newTestStore(t)

	v, err := s.LoadCursor(context.Background(), "telegram:acct1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v != 0 {
		t.Fatalf("missing cursor should be 0, got %d", v)
	}
}

func TestSaveCursor_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveCursor(ctx, "telegram:acct1", 42); err != nil {
		t.Fatalf("save: %v", err)
	}
	v, err := s.LoadCursor(ctx, "telegram:acct1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v != 42 {
		t.Fatalf("got %d, want 42", v)
	}
}

func TestSaveCursor_Upsert(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.SaveCursor(ctx, "telegram:acct1", 10)
	if err := s.SaveCursor(ctx, "telegram:acct1", 99); err != nil {
		t.Fatalf("second save: %v", err)
	}

	v, _ := s.LoadCursor(ctx, "telegram:acct1")
	if v != 99 {
		t.Fatalf("upsert did not overwrite, got %d", v)
	}
}

func TestCursors_KeysAreIndependent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.SaveCursor(ctx, "telegram:acct1", 7)
	s.SaveCursor(ctx, "telegram:acct2", 8)

	if v, _ := s.LoadCursor(ctx, "telegram:acct1"); v != 7 {
		t.Fatalf("acct1 cursor is %d", v)
	}
	if v, _ := s.LoadCursor(ctx, "telegram:acct2"); v != 8 {
		t.Fatalf("acct2 cursor is %d", v)
	}
}

func TestMarkSeen(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	fresh, err := s.MarkSeen(ctx, "telegram:acct1:100")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !fresh {
		t.Fatal("first sighting must be fresh")
	}

	fresh, err = s.MarkSeen(ctx, "telegram:acct1:100")
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if fresh {
		t.Fatal("second sighting must not be fresh")
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.SaveCursor(ctx, "telegram:acct1", 55)
	s.MarkSeen(ctx, "telegram:acct1:55")
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := NewSQLiteStore(dbPath, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if v, _ := s2.LoadCursor(ctx, "telegram:acct1"); v != 55 {
		t.Fatalf("cursor lost across reopen, got %d", v)
	}
	fresh, _ := s2.MarkSeen(ctx, "telegram:acct1:55")
	if fresh {
		t.Fatal("seen id lost across reopen")
	}
}

func TestSweepSeen_RemovesExpired(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.MarkSeen(ctx, "telegram:acct1:old")
	// backdate past the retention window
	_, err := s.db.Exec(`UPDATE seen_messages SET seen_at = ? WHERE message_id = ?`,
		time.Now().Add(-seenRetention-time.Hour), "telegram:acct1:old")
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}
	s.MarkSeen(ctx, "telegram:acct1:new")

	s.sweepSeen()

	fresh, _ := s.MarkSeen(ctx, "telegram:acct1:old")
	if !fresh {
		t.Fatal("expired id should have been swept")
	}
	fresh, _ = s.MarkSeen(ctx, "telegram:acct1:new")
	if fresh {
		t.Fatal("recent id must survive the sweep")
	}
}

func TestNewSQLiteStore_CreatesParentDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "deeper", "state.db")
	s, err := NewSQLiteStore(dbPath, testLogger())
	if err != nil {
		t.Fatalf("open with missing parent dirs: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("parent directory not created: %v", err)
	}
}
