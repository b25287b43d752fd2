package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/novelhub/pkg/plugins"
)

// FileSystemRepository implements plugins.Repository with one JSON document
// per plugin under <root>/<kind>/<name>.json.
type FileSystemRepository struct {
	rootDir string
	mu      sync.Mutex
}

// NewFileSystemRepository creates a new filesystem-based repository
func NewFileSystemRepository(rootDir string) (*FileSystemRepository, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &FileSystemRepository{rootDir: rootDir}, nil
}

func (s *FileSystemRepository) path(kind plugins.Kind, name string) string {
	return filepath.Join(s.rootDir, string(kind), name+".json")
}

// GetAll implements plugins.Repository.GetAll. Entries are sorted by name.
func (s *FileSystemRepository) GetAll(ctx context.Context, kind plugins.Kind) ([]plugins.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(s.rootDir, string(kind)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s directory: %w", kind, err)
	}

	var all []plugins.Metadata
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.rootDir, string(kind), entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		var meta plugins.Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", entry.Name(), err)
		}
		all = append(all, meta)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

// Add implements plugins.Repository.Add. It assigns the ID and, when unset,
// the install time.
func (s *FileSystemRepository) Add(ctx context.Context, meta plugins.Metadata) (plugins.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return plugins.Metadata{}, err
	}
	if meta.Name == "" || !meta.Kind.Valid() {
		return plugins.Metadata{}, fmt.Errorf("metadata needs a name and a valid kind")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(meta.Kind, meta.Name)
	if _, err := os.Stat(path); err == nil {
		return plugins.Metadata{}, fmt.Errorf("%s %s: %w", meta.Kind, meta.Name, plugins.ErrConflict)
	}

	meta.ID = uuid.NewString()
	if meta.InstalledAt.IsZero() {
		meta.InstalledAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return plugins.Metadata{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return plugins.Metadata{}, fmt.Errorf("failed to create %s directory: %w", meta.Kind, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".metadata-*")
	if err != nil {
		return plugins.Metadata{}, fmt.Errorf("failed to create metadata file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return plugins.Metadata{}, fmt.Errorf("failed to write metadata file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return plugins.Metadata{}, fmt.Errorf("failed to write metadata file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return plugins.Metadata{}, fmt.Errorf("failed to commit metadata file: %w", err)
	}

	return meta, nil
}

// Remove implements plugins.Repository.Remove.
func (s *FileSystemRepository) Remove(ctx context.Context, kind plugins.Kind, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(kind, name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", kind, name, plugins.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to remove metadata file: %w", err)
	}
	return nil
}

// HealthCheck verifies the root directory is still writable.
func (s *FileSystemRepository) HealthCheck(ctx context.Context) error {
	f, err := os.CreateTemp(s.rootDir, ".health-*")
	if err != nil {
		return fmt.Errorf("repository root not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}
