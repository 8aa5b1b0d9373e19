package identity

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateGeneratesThenReloads(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir, "s3cret-phrase")
	if err != nil {
		t.Fatalf("LoadOrCreate (create) failed: %v", err)
	}
	if len(first.PublicKey) == 0 || len(first.PrivateKey) == 0 {
		t.Fatal("generated identity has empty keys")
	}

	second, err := LoadOrCreate(dir, "s3cret-phrase")
	if err != nil {
		t.Fatalf("LoadOrCreate (reload) failed: %v", err)
	}
	if second.Fingerprint != first.Fingerprint {
		t.Errorf("fingerprint changed across reload: %s != %s", first.Fingerprint, second.Fingerprint)
	}
}

func TestLoadOrCreateWrongPassphraseFails(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadOrCreate(dir, "correct-horse"); err != nil {
		t.Fatalf("initial create failed: %v", err)
	}
	if _, err := LoadOrCreate(dir, "wrong-horse"); err == nil {
		t.Fatal("expected failure decrypting with wrong passphrase")
	}
}

func TestLoadOrCreateInsecureNoPassphrase(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreate(dir, "")
	if err != nil {
		t.Fatalf("LoadOrCreate (insecure) failed: %v", err)
	}
	if id.Fingerprint == "" {
		t.Fatal("expected non-empty fingerprint")
	}

	reloaded, err := LoadOrCreate(dir, "")
	if err != nil {
		t.Fatalf("reload insecure identity failed: %v", err)
	}
	if reloaded.Fingerprint != id.Fingerprint {
		t.Error("insecure identity fingerprint changed across reload")
	}
}

func TestDefaultDirectoryIsUnderHome(t *testing.T) {
	dir, err := DefaultDirectory()
	if err != nil {
		t.Fatalf("DefaultDirectory failed: %v", err)
	}
	if filepath.Base(dir) != ".filexfer" {
		t.Errorf("DefaultDirectory = %s, want suffix .filexfer", dir)
	}
}
