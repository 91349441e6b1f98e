package sandbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensandbox/runbox/internal/nsjail"
	"github.com/opensandbox/runbox/pkg/types"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(nsjail.NewDriver("nsjail"), ManagerConfig{
		BaseDir:       t.TempDir(),
		TmpfsSizeMB:   64,
		MemoryMB:      512,
		WarmupTimeout: time.Second,
		HealthTimeout: time.Second,
	})
}

func TestManager_CreateScratchOnly(t *testing.T) {
	m := testManager(t)

	// Non-Python sandboxes get a scratch tree but no live interpreter.
	sb, err := m.Create(GetLanguage(types.LangC))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	defer sb.Destroy()

	info, err := os.Stat(sb.ScratchDir)
	if err != nil {
		t.Fatalf("scratch dir missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o777 {
		t.Errorf("scratch dir must be world-writable, got %o", perm)
	}
	if filepath.Base(sb.ScratchDir) != "data" {
		t.Errorf("scratch dir must be the data subdir, got %s", sb.ScratchDir)
	}
	if !sb.Healthy(time.Second) {
		t.Error("fresh scratch sandbox must report healthy")
	}
}

func TestManager_CreateUnknownLanguage(t *testing.T) {
	m := testManager(t)
	if _, err := m.Create(nil); err == nil {
		t.Fatal("expected error for unknown language")
	}
}

func TestSandbox_DestroyIdempotent(t *testing.T) {
	m := testManager(t)
	sb, err := m.Create(GetLanguage(types.LangC))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	sb.Destroy()
	if _, err := os.Stat(sb.ScratchDir); !os.IsNotExist(err) {
		t.Error("scratch tree must be removed on destroy")
	}
	sb.Destroy() // second call is a no-op
}

func TestSandbox_Expired(t *testing.T) {
	sb := &Sandbox{CreatedAt: time.Now().Add(-time.Hour)}
	if !sb.Expired(30 * time.Minute) {
		t.Error("hour-old sandbox must be expired at 30m TTL")
	}
	if sb.Expired(0) {
		t.Error("zero TTL disables expiry")
	}
}
