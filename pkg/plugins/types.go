package plugins

import (
	"context"
	"strings"
	"time"
)

// Kind is the capability a plugin unit provides.
type Kind string

const (
	KindSource   Kind = "source"
	KindExporter Kind = "exporter"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindSource || k == KindExporter
}

// EntryPoint is the well-known symbol a shared-object unit of this kind exports.
func (k Kind) EntryPoint() string {
	if k == "" {
		return ""
	}
	return "New" + strings.ToUpper(string(k[:1])) + string(k[1:])
}

// LoadState is the runtime state of a descriptor. It is never persisted.
type LoadState int

const (
	StateNotLoaded LoadState = iota
	StateLoaded
	StateFaulted
	StateUnloaded
)

func (s LoadState) String() string {
	switch s {
	case StateNotLoaded:
		return "not_loaded"
	case StateLoaded:
		return "loaded"
	case StateFaulted:
		return "faulted"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and YAML.
func (s LoadState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Metadata is the persisted description of a plugin unit.
type Metadata struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Kind            Kind      `json:"kind"`
	Description     string    `json:"description,omitempty"`
	Version         string    `json:"version"`
	Author          string    `json:"author,omitempty"`
	UnitLocation    string    `json:"unit_location"`
	Icon            string    `json:"icon,omitempty"`
	OutputExtension string    `json:"output_extension,omitempty"` // exporters only
	InstalledAt     time.Time `json:"installed_at"`
}

// Descriptor is the registry's record of one plugin: its metadata plus the
// runtime state that only the owning registry mutates.
//
// instance is set iff state is StateLoaded; boundary is set iff state is
// StateLoaded or StateFaulted.
type Descriptor[C any] struct {
	meta     Metadata
	state    LoadState
	instance C
	boundary *Boundary
	lastErr  error
	loadedAt time.Time
}

func (d *Descriptor[C]) info() DescriptorInfo {
	info := DescriptorInfo{
		Metadata: d.meta,
		State:    d.state,
		LoadedAt: d.loadedAt,
	}
	if d.lastErr != nil {
		info.LastError = d.lastErr.Error()
	}
	return info
}

// DescriptorInfo is a read-only snapshot of a descriptor.
type DescriptorInfo struct {
	Metadata
	State     LoadState `json:"state"`
	LoadedAt  time.Time `json:"loaded_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Repository persists plugin metadata. Add assigns the ID.
type Repository interface {
	GetAll(ctx context.Context, kind Kind) ([]Metadata, error)
	Add(ctx context.Context, meta Metadata) (Metadata, error)
	Remove(ctx context.Context, kind Kind, name string) error
}

// UnitMirror replicates unit directories to remote storage so several hosts
// can discover the same units.
type UnitMirror interface {
	// Upload copies the unit directory dir for (kind, name) to the mirror.
	Upload(ctx context.Context, kind Kind, name, dir string) error
	// Sync downloads every unit of kind into root/<kind>/.
	Sync(ctx context.Context, kind Kind, root string) error
}

// Lifecycle is the kind-independent view of a Registry used by the watcher
// and the host's scheduler.
type Lifecycle interface {
	Kind() Kind
	Discover(ctx context.Context) error
	Reload(ctx context.Context, name string) error
	Descriptors() []DescriptorInfo
}
