package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// CurrentAPIVersion is the plugin API version this host implements.
	CurrentAPIVersion = "1.0.0"

	// ManifestFile is the manifest's file name inside a unit directory.
	ManifestFile = "plugin.yaml"

	// BuiltinScheme prefixes entries that name a host-bundled factory.
	BuiltinScheme = "builtin://"
)

var (
	semverRegex = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)
	nameRegex   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// Manifest is the plugin.yaml found in every unit directory.
type Manifest struct {
	Name        string `yaml:"name"`
	Kind        Kind   `yaml:"kind"`
	Version     string `yaml:"version"`
	APIVersion  string `yaml:"api_version"`
	Description string `yaml:"description,omitempty"`
	Author      string `yaml:"author,omitempty"`
	Icon        string `yaml:"icon,omitempty"`
	Extension   string `yaml:"extension,omitempty"` // output file extension, exporters only
	Entry       string `yaml:"entry"`               // unit-relative path or builtin://<name>
}

// ValidationError is one problem found in a manifest.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// LoadManifest loads and parses a plugin manifest from a file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	return &manifest, nil
}

// LoadManifestFromDir loads the plugin.yaml of a unit directory
func LoadManifestFromDir(dir string) (*Manifest, error) {
	return LoadManifest(filepath.Join(dir, ManifestFile))
}

// SaveManifest writes a plugin manifest to a file
func SaveManifest(manifest *Manifest, path string) error {
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}

// ValidateManifest checks required fields, version formats and API compatibility.
func ValidateManifest(manifest *Manifest) []ValidationError {
	var errs []ValidationError

	if manifest.Name == "" {
		errs = append(errs, ValidationError{Field: "name", Message: "plugin name is required"})
	} else if !nameRegex.MatchString(manifest.Name) {
		errs = append(errs, ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("invalid plugin name %q (letters, digits, '.', '_' and '-', starting with a letter or digit)", manifest.Name),
		})
	}

	if !manifest.Kind.Valid() {
		errs = append(errs, ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("invalid plugin kind %q (expected %q or %q)", manifest.Kind, KindSource, KindExporter),
		})
	}

	if manifest.Version == "" {
		errs = append(errs, ValidationError{Field: "version", Message: "version is required"})
	} else if !isValidSemver(manifest.Version) {
		errs = append(errs, ValidationError{Field: "version", Message: fmt.Sprintf("invalid semver format: %s", manifest.Version)})
	}

	switch {
	case manifest.APIVersion == "":
		errs = append(errs, ValidationError{Field: "api_version", Message: "API version is required"})
	case !isValidSemver(manifest.APIVersion):
		errs = append(errs, ValidationError{Field: "api_version", Message: fmt.Sprintf("invalid semver format: %s", manifest.APIVersion)})
	case !IsCompatibleAPIVersion(manifest.APIVersion, CurrentAPIVersion):
		errs = append(errs, ValidationError{
			Field:   "api_version",
			Message: fmt.Sprintf("incompatible API version: plugin requires %s, host is %s", manifest.APIVersion, CurrentAPIVersion),
		})
	}

	if manifest.Entry == "" {
		errs = append(errs, ValidationError{Field: "entry", Message: "entry is required"})
	} else if !strings.HasPrefix(manifest.Entry, BuiltinScheme) &&
		(filepath.IsAbs(manifest.Entry) || strings.HasPrefix(filepath.Clean(manifest.Entry), "..")) {
		errs = append(errs, ValidationError{Field: "entry", Message: "entry must be relative to the unit directory"})
	}

	if manifest.Kind == KindExporter && manifest.Extension == "" {
		errs = append(errs, ValidationError{Field: "extension", Message: "exporters must declare an output extension"})
	}

	return errs
}

// Metadata converts the manifest of the unit in dir into plugin metadata.
func (m *Manifest) Metadata(dir string) Metadata {
	location := m.Entry
	if !strings.HasPrefix(location, BuiltinScheme) {
		location = filepath.Join(dir, filepath.Clean(m.Entry))
	}
	return Metadata{
		Name:            m.Name,
		Kind:            m.Kind,
		Description:     m.Description,
		Version:         m.Version,
		Author:          m.Author,
		UnitLocation:    location,
		Icon:            m.Icon,
		OutputExtension: m.Extension,
	}
}

// ManifestFor builds the manifest written next to an installed unit.
func ManifestFor(meta Metadata, entry string) *Manifest {
	return &Manifest{
		Name:        meta.Name,
		Kind:        meta.Kind,
		Version:     meta.Version,
		APIVersion:  CurrentAPIVersion,
		Description: meta.Description,
		Author:      meta.Author,
		Icon:        meta.Icon,
		Extension:   meta.OutputExtension,
		Entry:       entry,
	}
}

// isValidSemver checks if a version string follows semantic versioning
func isValidSemver(version string) bool {
	return semverRegex.MatchString(version)
}

// IsCompatibleAPIVersion reports whether a plugin built against pluginAPIVersion
// can run on a host implementing hostAPIVersion. Only the major version matters.
func IsCompatibleAPIVersion(pluginAPIVersion, hostAPIVersion string) bool {
	return extractMajorVersion(pluginAPIVersion) == extractMajorVersion(hostAPIVersion)
}

func extractMajorVersion(version string) string {
	matches := semverRegex.FindStringSubmatch(version)
	if len(matches) > 1 {
		return matches[1]
	}
	return "0"
}
