package localcache

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) (*Cache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doclet.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return c, path
}

func TestPutGetSurvivesReopen(t *testing.T) {
	c, path := openTemp(t)
	if err := c.Put("d1", "Notes", []byte{1, 2, 3}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	entry, err := reopened.Get("d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.DisplayName != "Notes" || string(entry.Content) != "\x01\x02\x03" || entry.SavedAt.IsZero() {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestGetMissing(t *testing.T) {
	c, _ := openTemp(t)
	defer c.Close()
	if _, err := c.Get("nope"); !errors.Is(err, ErrNotCached) {
		t.Fatalf("expected ErrNotCached, got %v", err)
	}
}

func TestEntriesNewestFirstAndDelete(t *testing.T) {
	c, _ := openTemp(t)
	defer c.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	if err := c.Put("old", "Old", []byte{1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	now = now.Add(time.Hour)
	if err := c.Put("new", "New", []byte{2}); err != nil {
		t.Fatalf("put: %v", err)
	}

	entries, err := c.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 || entries[0].DocumentID != "new" || entries[0].Content != nil {
		t.Fatalf("unexpected entries %+v", entries)
	}

	if err := c.Delete("new"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.Get("new"); !errors.Is(err, ErrNotCached) {
		t.Fatalf("expected deleted entry gone, got %v", err)
	}
}
