package sockpath

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveOverride(t *testing.T) {
	if got := Resolve("/tmp/custom.sock"); got != "/tmp/custom.sock" {
		t.Fatalf("Resolve override = %q", got)
	}
}

func TestPrepareForBindRemovesStaleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "agentryd.sock")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("stale"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := PrepareForBind(path); err != nil {
		t.Fatalf("PrepareForBind: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected stale file to be removed")
	}
}

func TestPrepareForBindRefusesSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	if err := os.WriteFile(target, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "agentryd.sock")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}
	if err := PrepareForBind(link); err == nil {
		t.Fatal("expected PrepareForBind to refuse a symlink")
	}
}

func TestPrepareForBindCreatesParentDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deeper", "agentryd.sock")
	if err := PrepareForBind(path); err != nil {
		t.Fatalf("PrepareForBind: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("expected parent dir to exist: %v", err)
	}
}
