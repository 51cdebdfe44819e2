// Package config loads the daemon's host-supplied settings (§3, §6): the
// data directory to run against and the two timer durations, read from a
// YAML settings file with the same parse-then-default-then-validate shape
// the rest of this codebase uses for its own YAML documents.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultInactivityLockSeconds = 900
	DefaultClipboardClearSeconds = 30
)

// Settings is the daemon's full runtime configuration.
type Settings struct {
	DataDirectory         string `yaml:"data_directory"`
	InactivityLockSeconds int    `yaml:"inactivity_lock_seconds"`
	ClipboardClearSeconds int    `yaml:"clipboard_clear_seconds"`
}

// Default returns the settings a freshly installed daemon runs with, before
// any settings file is consulted.
func Default() Settings {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return Settings{
		DataDirectory:         filepath.Join(home, ".stashd"),
		InactivityLockSeconds: DefaultInactivityLockSeconds,
		ClipboardClearSeconds: DefaultClipboardClearSeconds,
	}
}

// Load reads settings from path, applies Default for any field the file
// leaves at its zero value, and validates the result. A missing file is not
// an error: Load falls back to Default() entirely.
func Load(path string) (Settings, error) {
	settings := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return Settings{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	setDefaults(&settings)

	if err := validate(settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func setDefaults(s *Settings) {
	if s.DataDirectory == "" {
		s.DataDirectory = Default().DataDirectory
	}
	if s.InactivityLockSeconds == 0 {
		s.InactivityLockSeconds = DefaultInactivityLockSeconds
	}
	if s.ClipboardClearSeconds == 0 {
		s.ClipboardClearSeconds = DefaultClipboardClearSeconds
	}
}

func validate(s Settings) error {
	if s.DataDirectory == "" {
		return fmt.Errorf("config: data_directory must not be empty")
	}
	if s.InactivityLockSeconds <= 0 {
		return fmt.Errorf("config: inactivity_lock_seconds must be positive, got %d", s.InactivityLockSeconds)
	}
	if s.ClipboardClearSeconds <= 0 {
		return fmt.Errorf("config: clipboard_clear_seconds must be positive, got %d", s.ClipboardClearSeconds)
	}
	return nil
}
