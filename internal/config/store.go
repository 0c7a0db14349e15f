package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store is the narrow read/write interface to the persisted settings file.
// The orchestrator and scheduler never touch file I/O themselves; the
// hardening write-back goes through Rewrite, which serializes concurrent
// writers and replaces the file atomically.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Dir returns the directory holding the settings file; hardening places the
// discovered CA bundle next to it.
func (s *Store) Dir() string {
	return filepath.Dir(s.path)
}

func (s *Store) Load() (*Settings, error) {
	return Load(s.path)
}

// Rewrite loads the current settings, applies update, validates the result
// and atomically replaces the file (write-temp-then-rename). Concurrent
// issuance attempts from the same process must not race on the file, so the
// whole sequence runs under the store's lock.
func (s *Store) Rewrite(update func(*Settings) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.Load()
	if err != nil {
		return err
	}

	if err := update(settings); err != nil {
		return err
	}
	if err := Validate(settings); err != nil {
		return err
	}

	encoded, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	mode := os.FileMode(0o600)
	if info, statErr := os.Stat(s.path); statErr == nil {
		mode = info.Mode().Perm()
		// The rename below succeeds even over a read-only file, which would
		// hide an operator's deliberate write protection. Probe first.
		probe, probeErr := os.OpenFile(s.path, os.O_WRONLY, 0)
		if probeErr != nil {
			return fmt.Errorf("settings file is not writable: %w", probeErr)
		}
		probe.Close()
	}

	tmp, err := os.CreateTemp(s.Dir(), ".renewd-settings-*")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set settings file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush settings: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}
