package draftnotes

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *AttachmentStore {
	t.Helper()
	store, err := NewAttachmentStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func TestStoreSaveScopesByNoteAndOwner(t *testing.T) {
	store := newTestStore(t)

	storedPath, err := store.Save(11, 7, strings.NewReader("frame bytes"), "reference.png")
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if filepath.Dir(storedPath) != filepath.Join(store.BaseDir(), "11_7") {
		t.Fatalf("unexpected folder for %q", storedPath)
	}
	if filepath.Ext(storedPath) != ".png" {
		t.Fatalf("expected extension preserved, got %q", storedPath)
	}
	if strings.Contains(filepath.Base(storedPath), "reference") {
		t.Fatal("stored name must not contain the client filename")
	}
	content, err := os.ReadFile(storedPath)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if string(content) != "frame bytes" {
		t.Fatalf("unexpected content %q", content)
	}
}

func TestStoreSaveGeneratesDistinctNames(t *testing.T) {
	store := newTestStore(t)

	first, err := store.Save(11, 7, strings.NewReader("a"), "same.png")
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	second, err := store.Save(11, 7, strings.NewReader("b"), "same.png")
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct storage names for identical uploads")
	}
}

func TestStoreSaveDropsHostileExtensions(t *testing.T) {
	store := newTestStore(t)

	cases := []string{
		"noextension",
		"archive.tar.gz.backup.superlongextension",
		"../../escape.png",
	}
	for _, name := range cases {
		storedPath, err := store.Save(11, 7, strings.NewReader("x"), name)
		if err != nil {
			t.Fatalf("save %q failed: %v", name, err)
		}
		if !strings.HasPrefix(storedPath, store.BaseDir()) {
			t.Fatalf("stored path %q escapes base dir", storedPath)
		}
	}
}

func TestStoreRemoveIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	storedPath, err := store.Save(11, 7, strings.NewReader("x"), "reference.png")
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Remove(storedPath); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := store.Remove(storedPath); err != nil {
		t.Fatalf("second remove must be a no-op, got %v", err)
	}
}

func TestStoreRemoveRejectsOutsidePaths(t *testing.T) {
	store := newTestStore(t)

	outside := filepath.Join(t.TempDir(), "victim.txt")
	if err := os.WriteFile(outside, []byte("keep me"), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := store.Remove(outside); err == nil {
		t.Fatal("expected rejection of a path outside the base dir")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("outside file must survive: %v", err)
	}
}

func TestStoreRemoveFolderIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Save(11, 7, strings.NewReader("x"), "reference.png"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.RemoveFolder(11, 7); err != nil {
		t.Fatalf("remove folder failed: %v", err)
	}
	if err := store.RemoveFolder(11, 7); err != nil {
		t.Fatalf("second remove folder must be a no-op, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.BaseDir(), "11_7")); !os.IsNotExist(err) {
		t.Fatalf("expected folder gone, got %v", err)
	}
}
