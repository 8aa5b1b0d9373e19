package sink

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeFilenameRejectsTraversal(t *testing.T) {
	cases := []string{"../../etc/passwd", "a/../../b", "/etc/passwd", "..", "."}
	for _, c := range cases {
		if _, err := SanitizeFilename(c); err == nil {
			t.Errorf("SanitizeFilename(%q) should have failed", c)
		}
	}
}

func TestSanitizeFilenameRejectsReservedChars(t *testing.T) {
	if _, err := SanitizeFilename("bad<name>.txt"); err == nil {
		t.Error("expected rejection of reserved characters")
	}
}

func TestSanitizeFilenameStripsDirectory(t *testing.T) {
	name, err := SanitizeFilename("subdir/report.pdf")
	if err != nil {
		t.Fatalf("SanitizeFilename failed: %v", err)
	}
	if name != "report.pdf" {
		t.Errorf("SanitizeFilename = %q, want report.pdf", name)
	}
}

func TestLocalFSStoreResolvesCollisions(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewLocalFS(dir)
	if err != nil {
		t.Fatalf("NewLocalFS failed: %v", err)
	}

	path1, err := fs.Store(context.Background(), "report.txt", []byte("first"))
	if err != nil {
		t.Fatalf("Store #1 failed: %v", err)
	}
	path2, err := fs.Store(context.Background(), "report.txt", []byte("second"))
	if err != nil {
		t.Fatalf("Store #2 failed: %v", err)
	}
	if path1 == path2 {
		t.Fatalf("expected distinct paths, got %q twice", path1)
	}
	if filepath.Base(path2) != "report-1.txt" {
		t.Errorf("path2 = %q, want report-1.txt suffix", path2)
	}

	data, err := os.ReadFile(path2)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q, want %q", data, "second")
	}
}
