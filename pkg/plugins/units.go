package plugins

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// UnitStore is the on-disk home of plugin units, laid out as
// <root>/<kind>/<name>/ with a plugin.yaml and the entry file.
type UnitStore struct {
	root string
}

// NewUnitStore creates root and the per-kind directories if needed.
func NewUnitStore(root string) (*UnitStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve units directory: %w", err)
	}
	for _, kind := range []Kind{KindSource, KindExporter} {
		if err := os.MkdirAll(filepath.Join(abs, string(kind)), 0755); err != nil {
			return nil, fmt.Errorf("create units directory: %w", err)
		}
	}
	return &UnitStore{root: abs}, nil
}

// Root is the absolute units directory.
func (s *UnitStore) Root() string { return s.root }

// KindDir is the directory holding every unit of kind.
func (s *UnitStore) KindDir(kind Kind) string {
	return filepath.Join(s.root, string(kind))
}

// Dir is the directory of one unit.
func (s *UnitStore) Dir(kind Kind, name string) string {
	return filepath.Join(s.root, string(kind), name)
}

// Contains reports whether path lies inside the store.
func (s *UnitStore) Contains(path string) bool {
	if strings.HasPrefix(path, BuiltinScheme) {
		return false
	}
	rel, err := filepath.Rel(s.root, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// UnitOf maps a path inside the store to the unit it belongs to.
func (s *UnitStore) UnitOf(path string) (kind Kind, name string, ok bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) < 2 || !Kind(parts[0]).Valid() {
		return "", "", false
	}
	return Kind(parts[0]), parts[1], true
}

// Scan reads the manifest of every unit of kind. Units with unreadable or
// invalid manifests are reported in errs and left out of metas.
func (s *UnitStore) Scan(kind Kind) (metas []Metadata, errs []error) {
	entries, err := os.ReadDir(s.KindDir(kind))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("read units directory: %w", err)}
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.KindDir(kind), entry.Name())
		manifest, err := LoadManifestFromDir(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("unit %s: %w", entry.Name(), err))
			continue
		}
		if problems := ValidateManifest(manifest); len(problems) > 0 {
			errs = append(errs, fmt.Errorf("unit %s: invalid manifest: %w", entry.Name(), errors.Join(validationErrors(problems)...)))
			continue
		}
		if manifest.Kind != kind || manifest.Name != entry.Name() {
			errs = append(errs, fmt.Errorf("unit %s: manifest declares %s %q", entry.Name(), manifest.Kind, manifest.Name))
			continue
		}
		metas = append(metas, manifest.Metadata(dir))
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas, errs
}

// Write stores a unit: the entry file (when unit is non-nil) and its
// manifest. The entry is written to a temporary file and renamed so a
// watcher never observes a partial binary. It returns the unit directory.
func (s *UnitStore) Write(kind Kind, name, entry string, unit io.Reader, manifest *Manifest) (string, error) {
	dir := s.Dir(kind, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create unit directory: %w", err)
	}

	if unit != nil {
		tmp, err := os.CreateTemp(dir, ".incoming-*")
		if err != nil {
			return "", fmt.Errorf("create unit file: %w", err)
		}
		if _, err := io.Copy(tmp, unit); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", fmt.Errorf("write unit file: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return "", fmt.Errorf("write unit file: %w", err)
		}
		if err := os.Chmod(tmp.Name(), 0755); err != nil {
			os.Remove(tmp.Name())
			return "", fmt.Errorf("chmod unit file: %w", err)
		}
		if err := os.Rename(tmp.Name(), filepath.Join(dir, entry)); err != nil {
			os.Remove(tmp.Name())
			return "", fmt.Errorf("install unit file: %w", err)
		}
	}

	if err := SaveManifest(manifest, filepath.Join(dir, ManifestFile)); err != nil {
		return "", err
	}
	return dir, nil
}

// Remove deletes a unit directory. A missing directory is not an error.
func (s *UnitStore) Remove(kind Kind, name string) error {
	if name == "" || strings.ContainsRune(name, filepath.Separator) || name == "." || name == ".." {
		return fmt.Errorf("invalid unit name %q", name)
	}
	return os.RemoveAll(s.Dir(kind, name))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
