package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fclairamb/objsync/internal/apperrors"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WatchInterval != 10*time.Second {
		t.Errorf("watch interval = %v, want 10s", cfg.WatchInterval)
	}
	if cfg.CommitName == "" || cfg.CommitEmail == "" {
		t.Error("commit identity defaults missing")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "objsync.yaml")
	content := `base_dir: /srv/mirror
store_path: /srv/data.log
default_owner: admin
watch_interval: 5s
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseDir != "/srv/mirror" || cfg.StorePath != "/srv/data.log" {
		t.Errorf("paths = %q / %q", cfg.BaseDir, cfg.StorePath)
	}
	if cfg.DefaultOwner != "admin" {
		t.Errorf("default owner = %q", cfg.DefaultOwner)
	}
	if cfg.WatchInterval != 5*time.Second {
		t.Errorf("watch interval = %v, want 5s", cfg.WatchInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "objsync.yaml")
	if err := os.WriteFile(path, []byte("base_dir: /from/file\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("OSYNC_BASE_DIR", "/from/env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseDir != "/from/env" {
		t.Errorf("base dir = %q, want env value", cfg.BaseDir)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); !errors.Is(err, apperrors.ErrBaseDirRequired) {
		t.Errorf("err = %v, want ErrBaseDirRequired", err)
	}
	cfg.BaseDir = "/srv/mirror"
	if err := cfg.Validate(); !errors.Is(err, apperrors.ErrStorePathRequired) {
		t.Errorf("err = %v, want ErrStorePathRequired", err)
	}
	cfg.StorePath = "/srv/data.log"
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}
