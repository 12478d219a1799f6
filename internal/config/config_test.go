package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.UndoWindow.Std() != 60*time.Second {
		t.Errorf("Expected 60s undo window, got %v", cfg.Session.UndoWindow.Std())
	}
	if cfg.Connection.BackoffMin.Std() != 500*time.Millisecond {
		t.Errorf("Expected 500ms backoff floor, got %v", cfg.Connection.BackoffMin.Std())
	}
	if cfg.Cache.KeepMessages != 500 {
		t.Errorf("Expected 500 kept messages, got %d", cfg.Cache.KeepMessages)
	}
	if cfg.Cache.Path != "" {
		t.Errorf("Cache should be disabled by default, got %q", cfg.Cache.Path)
	}
}

func TestLoadOverridesAndFills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
server:
  base_url: https://chat.example.com
session:
  undo_window: 90s
connection:
  backoff_min: 250ms
cache:
  path: /tmp/roomsync.db
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("Writing config failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.BaseURL != "https://chat.example.com" {
		t.Errorf("Expected overridden base url, got %q", cfg.Server.BaseURL)
	}
	if cfg.Session.UndoWindow.Std() != 90*time.Second {
		t.Errorf("Expected 90s undo window, got %v", cfg.Session.UndoWindow.Std())
	}
	if cfg.Connection.BackoffMin.Std() != 250*time.Millisecond {
		t.Errorf("Expected 250ms backoff floor, got %v", cfg.Connection.BackoffMin.Std())
	}
	if cfg.Cache.Path != "/tmp/roomsync.db" {
		t.Errorf("Expected cache path, got %q", cfg.Cache.Path)
	}

	// Fields absent from the file keep their defaults.
	if cfg.Connection.BackoffMax.Std() != 30*time.Second {
		t.Errorf("Expected default 30s backoff cap, got %v", cfg.Connection.BackoffMax.Std())
	}
	if cfg.Session.EventBuffer != 256 {
		t.Errorf("Expected default event buffer, got %d", cfg.Session.EventBuffer)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("session:\n  undo_window: soon\n"), 0644); err != nil {
		t.Fatalf("Writing config failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected an error for an unparseable duration")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}
