package wgconf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wgkeeper/wgkeeper/lib/errors"
)

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wg0.conf")

	doc, err := Parse(testDoc)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := doc.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != testDoc {
		t.Error("written file does not match serialized document")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config permissions = %o, want 600", perm)
	}
}

func TestWriteFile_ReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wg0.conf")
	if err := os.WriteFile(path, []byte("old contents"), 0600); err != nil {
		t.Fatalf("seeding file failed: %v", err)
	}

	doc, err := Parse("[Interface]\nAddress = 10.8.0.1/24\n")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := doc.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "[Interface]\nAddress = 10.8.0.1/24\n" {
		t.Errorf("file not replaced, got %q", data)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want only the config", len(entries))
	}
}

func TestWriteFile_PermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}

	dir := filepath.Join(t.TempDir(), "restricted")
	if err := os.Mkdir(dir, 0500); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	doc, err := Parse("[Interface]\nAddress = 10.8.0.1/24\n")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	err = doc.WriteFile(filepath.Join(dir, "wg0.conf"))
	if !errors.Is(err, errors.ErrConfigWriteDenied) {
		t.Errorf("error = %v, want ErrConfigWriteDenied", err)
	}
}
