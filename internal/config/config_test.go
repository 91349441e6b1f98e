package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.NsjailBin != "nsjail" {
		t.Errorf("expected default nsjail binary, got %s", cfg.NsjailBin)
	}
	if cfg.StateTTL != 7200*time.Second {
		t.Errorf("expected state TTL 7200s, got %v", cfg.StateTTL)
	}
	if cfg.ArchiveTTL != 24*time.Hour {
		t.Errorf("expected archive TTL 24h, got %v", cfg.ArchiveTTL)
	}
	if !cfg.StateCaptureOnError {
		t.Error("expected state capture on error enabled by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("RUNBOX_PORT", "9999")
	t.Setenv("RUNBOX_POOL_TARGET_PY", "8")
	t.Setenv("RUNBOX_SANDBOX_TTL_MINUTES", "5")
	t.Setenv("RUNBOX_STATE_CAPTURE_ON_ERROR", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.PoolTargetPy != 8 {
		t.Errorf("expected pool target 8, got %d", cfg.PoolTargetPy)
	}
	if cfg.SandboxTTL != 5*time.Minute {
		t.Errorf("expected sandbox TTL 5m, got %v", cfg.SandboxTTL)
	}
	if cfg.StateCaptureOnError {
		t.Error("expected state capture on error disabled")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("RUNBOX_PORT", "not-a-port")
	if _, err := Load(); err == nil {
		t.Error("expected error for invalid port")
	}
}
