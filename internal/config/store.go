package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shafraz007/endpoint-agent/internal/fileutil"
)

// Store persists the tunable Configuration.
type Store interface {
	Get(ctx context.Context) (Configuration, error)
	Save(ctx context.Context, cfg Configuration) error
}

// FileStore keeps the configuration as YAML on disk with an in-memory copy
// that Save replaces and Invalidate drops.
type FileStore struct {
	path     string
	defaults func() Configuration

	mu     sync.Mutex
	cached *Configuration
}

// NewFileStore returns a store backed by path. defaults builds the
// configuration written on first use when the file does not exist yet.
func NewFileStore(path string, defaults func() Configuration) *FileStore {
	if defaults == nil {
		defaults = Default
	}
	return &FileStore{path: path, defaults: defaults}
}

func (s *FileStore) Get(ctx context.Context) (Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return s.cached.Clone(), nil
	}

	cfg, err := s.load()
	if err != nil {
		return Configuration{}, err
	}
	s.cached = &cfg
	return cfg.Clone(), nil
}

func (s *FileStore) Save(ctx context.Context, cfg Configuration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(cfg); err != nil {
		s.cached = nil
		return err
	}
	saved := cfg.Clone()
	s.cached = &saved
	return nil
}

// Invalidate forces the next Get to re-read the file.
func (s *FileStore) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

func (s *FileStore) load() (Configuration, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg := s.defaults()
		if err := s.write(cfg); err != nil {
			return Configuration{}, err
		}
		return cfg, nil
	}
	if err != nil {
		return Configuration{}, fmt.Errorf("reading config %s: %w", s.path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Configuration{}, fmt.Errorf("parsing config %s: %w", s.path, err)
	}
	return cfg, nil
}

func (s *FileStore) write(cfg Configuration) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := fileutil.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Apply merges patch into the stored configuration and saves the result.
func Apply(ctx context.Context, store Store, patch Patch) (Configuration, error) {
	if problems := patch.Validate(); len(problems) > 0 {
		return Configuration{}, fmt.Errorf("invalid configuration patch: %s", strings.Join(problems, "; "))
	}
	current, err := store.Get(ctx)
	if err != nil {
		return Configuration{}, err
	}
	merged := current.Merge(patch)
	if err := store.Save(ctx, merged); err != nil {
		return Configuration{}, err
	}
	return merged, nil
}
