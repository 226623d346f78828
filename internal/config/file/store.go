// Package file provides a YAML-backed config.Store implementation.
//
// Configuration is persisted as a versioned envelope:
//
//	version: 1
//	config:
//	  scriptRoots: {...}
//
// Every Save loads nothing — it simply marshals and atomically replaces
// the whole file. There is no partial update; the caller always hands
// over the complete desired Config.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"scriptqueue/internal/config"
)

const currentVersion = 1

// envelope is the versioned on-disk format.
type envelope struct {
	Version int            `yaml:"version"`
	Config  *config.Config `yaml:"config"`
}

// Store is a YAML file-based config.Store. Writes are atomic via temp
// file + rename, with round-trip validation before the rename commits.
type Store struct {
	path string
}

var _ config.Store = (*Store)(nil)

// NewStore creates a Store backed by the YAML file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the configuration from disk. Returns nil, nil if the file
// does not exist yet.
func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config/file: read config file: %w", err)
	}

	var env envelope
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("config/file: parse config file: %w", err)
	}

	if env.Version == 0 {
		return nil, fmt.Errorf("config/file: unversioned config file detected; delete %s and restart to bootstrap a fresh config", s.path)
	}
	if env.Version > currentVersion {
		return nil, fmt.Errorf("config/file: config file version %d is newer than supported version %d", env.Version, currentVersion)
	}
	if env.Config == nil {
		return nil, nil
	}
	return env.Config, nil
}

// Save atomically writes cfg to disk.
func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config/file: create config directory: %w", err)
	}

	env := envelope{Version: currentVersion, Config: cfg}
	data, err := yaml.Marshal(env)
	if err != nil {
		return fmt.Errorf("config/file: marshal config: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("config/file: write temp file: %w", err)
	}

	// Round-trip validation: re-read and verify it parses before the
	// rename commits it.
	check, err := os.ReadFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config/file: read-back temp file: %w", err)
	}
	var verify envelope
	if err := yaml.Unmarshal(check, &verify); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config/file: round-trip validation failed: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config/file: rename config file: %w", err)
	}
	return nil
}
