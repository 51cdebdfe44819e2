package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	got, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestLoadAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "data_directory: /srv/stash\ninactivity_lock_seconds: 60\nclipboard_clear_seconds: 5\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DataDirectory != "/srv/stash" || got.InactivityLockSeconds != 60 || got.ClipboardClearSeconds != 5 {
		t.Fatalf("got %+v", got)
	}
}

func TestLoadFillsPartialOverrideWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("inactivity_lock_seconds: 120\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.InactivityLockSeconds != 120 {
		t.Fatalf("got %d, want 120", got.InactivityLockSeconds)
	}
	if got.ClipboardClearSeconds != DefaultClipboardClearSeconds {
		t.Fatalf("got %d, want default %d", got.ClipboardClearSeconds, DefaultClipboardClearSeconds)
	}
}

func TestLoadRejectsNegativeDurations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("inactivity_lock_seconds: -5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a negative duration")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("not: [valid yaml"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for malformed YAML")
	}
}
