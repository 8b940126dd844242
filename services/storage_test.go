package services

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStorage(t *testing.T) *StorageService {
	t.Helper()
	root := t.TempDir()
	uploads := filepath.Join(root, "uploads")
	converted := filepath.Join(root, "converted")
	for _, dir := range []string{uploads, converted} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	return NewStorageService(uploads, converted)
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestOutputFilename(t *testing.T) {
	cases := map[string]string{
		"clip.mp4":       "clip.gif",
		"clip.webm":      "clip.gif",
		"noext":          "noext.gif",
		"dir/nested.mov": "nested.gif",
		"two.dots.mp4":   "two.dots.gif",
	}
	for in, want := range cases {
		if got := OutputFilename(in); got != want {
			t.Errorf("OutputFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPathsStayInsideRoots(t *testing.T) {
	s := newTestStorage(t)

	got := s.UploadPath("../../etc/passwd")
	if filepath.Dir(got) != s.uploadsDir {
		t.Fatalf("upload path escaped root: %s", got)
	}
	got = s.ConvertedPath("../escape.gif")
	if filepath.Dir(got) != s.convertedDir {
		t.Fatalf("converted path escaped root: %s", got)
	}
}

func TestExists(t *testing.T) {
	s := newTestStorage(t)

	path := s.UploadPath("clip.mp4")
	if s.Exists(path) {
		t.Fatal("missing file reported as existing")
	}
	writeFile(t, path)
	if !s.Exists(path) {
		t.Fatal("existing file reported as missing")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStorage(t)

	path := s.UploadPath("clip.mp4")
	writeFile(t, path)

	if err := s.Delete(path); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if s.Exists(path) {
		t.Fatal("file survived deletion")
	}
	// Deleting again is a no-op, not an error.
	if err := s.Delete(path); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestDeletePrunesEmptyParent(t *testing.T) {
	s := newTestStorage(t)

	sub := filepath.Join(s.uploadsDir, "batch-1")
	path := filepath.Join(sub, "clip.mp4")
	writeFile(t, path)

	if err := s.Delete(path); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(sub); !os.IsNotExist(err) {
		t.Fatalf("empty parent not pruned: %v", err)
	}
}

func TestDeleteKeepsNonEmptyParent(t *testing.T) {
	s := newTestStorage(t)

	sub := filepath.Join(s.uploadsDir, "batch-2")
	keep := filepath.Join(sub, "keep.mp4")
	gone := filepath.Join(sub, "gone.mp4")
	writeFile(t, keep)
	writeFile(t, gone)

	if err := s.Delete(gone); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !s.Exists(keep) {
		t.Fatal("sibling file removed")
	}
	if _, err := os.Stat(sub); err != nil {
		t.Fatalf("non-empty parent pruned: %v", err)
	}
}

func TestDeleteNeverPrunesRootDirs(t *testing.T) {
	s := newTestStorage(t)

	path := s.UploadPath("only.mp4")
	writeFile(t, path)

	if err := s.Delete(path); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(s.uploadsDir); err != nil {
		t.Fatalf("uploads root was pruned: %v", err)
	}
}
