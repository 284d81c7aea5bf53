package pages

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

func testSnapshot(route string) Snapshot {
	return Snapshot{
		Route:       route,
		Body:        []byte("<html>" + route + "</html>"),
		ContentType: "text/html; charset=utf-8",
		Hash:        hashBody([]byte(route)),
		BuiltAt:     time.Date(2025, time.July, 1, 10, 0, 0, 0, time.UTC),
		Builds:      1,
	}
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	s, err := OpenSnapshots(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Save(testSnapshot("/")); err != nil {
		t.Fatalf("save index: %v", err)
	}
	if err := s.Save(testSnapshot("/posts/hello")); err != nil {
		t.Fatalf("save post: %v", err)
	}

	snaps, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}

	if err := s.Delete("/"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	snaps, err = s.Load()
	if err != nil {
		t.Fatalf("load after delete: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Route != "/posts/hello" {
		t.Fatalf("unexpected snapshots after delete: %+v", snaps)
	}
}

func TestSnapshotStoreSaveReplacesPreviousBuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	s, err := OpenSnapshots(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	first := testSnapshot("/")
	if err := s.Save(first); err != nil {
		t.Fatalf("save: %v", err)
	}
	second := first
	second.Builds = 2
	second.Body = []byte("<html>rebuilt</html>")
	if err := s.Save(second); err != nil {
		t.Fatalf("save again: %v", err)
	}

	snaps, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	if snaps[0].Builds != 2 || string(snaps[0].Body) != "<html>rebuilt</html>" {
		t.Fatalf("expected replaced snapshot, got %+v", snaps[0])
	}
}

func TestSnapshotStoreDiscardsOldSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	s, err := OpenSnapshots(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Save(testSnapshot("/")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Rewrite the stored schema version to simulate a file written by an
	// older build.
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("reopen raw: %v", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keySchemaVersion, []byte("0"))
	})
	if err != nil {
		t.Fatalf("tamper version: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close raw: %v", err)
	}

	reopened, err := OpenSnapshots(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	snaps, err := reopened.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected old-schema pages discarded, got %d", len(snaps))
	}
}

func TestOpenSnapshotsRequiresPath(t *testing.T) {
	if _, err := OpenSnapshots("", zerolog.Nop()); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
