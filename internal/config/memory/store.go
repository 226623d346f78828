// Package memory provides an in-process config.Store backed by a plain
// struct field, for tests and embedded use that don't need a file on
// disk.
package memory

import (
	"context"
	"sync"

	"scriptqueue/internal/config"
)

// Store is an in-memory config.Store. The zero value has no
// configuration loaded (Load returns nil, nil) until Save is called.
type Store struct {
	mu  sync.Mutex
	cfg *config.Config
}

var _ config.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{}
}

// NewWithConfig creates a Store pre-loaded with cfg.
func NewWithConfig(cfg config.Config) *Store {
	return &Store{cfg: &cfg}
}

func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return nil, nil
	}
	cp := *s.cfg
	return &cp, nil
}

func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.cfg = &cp
	return nil
}
