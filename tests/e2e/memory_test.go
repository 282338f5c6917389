//go:build e2e

package e2e

import (
	"strings"
	"testing"
)

func TestE2E_MemorySearchEmptyStore(t *testing.T) {
	dir := t.TempDir()
	stdout, stderr, code := RunMnemos(t, dir, nil, "memory", "search", "anything", "--tenant", "acme")
	if code != 0 {
		t.Fatalf("mnemosd memory search exited %d\nstderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "No matches found.") {
		t.Errorf("expected empty-store message, got: %s", stdout)
	}
}

func TestE2E_MemoryShowUnknownChunkFails(t *testing.T) {
	dir := t.TempDir()
	_, stderr, code := RunMnemos(t, dir, nil, "memory", "show", "chk_nonexistent", "--tenant", "acme")
	if code == 0 {
		t.Fatal("expected nonzero exit for unknown chunk")
	}
	if !strings.Contains(stderr, "chk_nonexistent") {
		t.Errorf("expected chunk ID in error, got: %s", stderr)
	}
}
