package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/novelhub/pkg/async"
	"github.com/platinummonkey/novelhub/pkg/observability"
)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Repository      Repository // required
	Units           *UnitStore // required for Discover, Install and Remove
	Mirror          UnitMirror // optional
	Logger          *logrus.Logger
	Metrics         *observability.Metrics
	LoadConcurrency int           // concurrent loads during Discover, default 4
	LoadTimeout     time.Duration // per load, default 30s
}

// Registry owns the descriptors of one plugin kind and drives their
// lifecycle through a Loader. Lifecycle operations on one name are
// serialized; operations on different names run concurrently.
type Registry[C any] struct {
	kind    Kind
	loader  *Loader[C]
	repo    Repository
	units   *UnitStore
	mirror  UnitMirror
	log     *logrus.Logger
	metrics *observability.Metrics

	loadConcurrency int
	loadTimeout     time.Duration

	mu          sync.RWMutex
	descriptors map[string]*Descriptor[C]
	listeners   []func(ctx context.Context, name string)
	locks       keyedMutex
}

// NewRegistry creates an empty registry. Call Discover to populate it.
func NewRegistry[C any](kind Kind, loader *Loader[C], opts RegistryOptions) (*Registry[C], error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid plugin kind %q", kind)
	}
	if loader == nil {
		return nil, errors.New("loader is required")
	}
	if opts.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.LoadConcurrency <= 0 {
		opts.LoadConcurrency = 4
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 30 * time.Second
	}

	return &Registry[C]{
		kind:            kind,
		loader:          loader,
		repo:            opts.Repository,
		units:           opts.Units,
		mirror:          opts.Mirror,
		log:             opts.Logger,
		metrics:         opts.Metrics,
		loadConcurrency: opts.LoadConcurrency,
		loadTimeout:     opts.LoadTimeout,
		descriptors:     make(map[string]*Descriptor[C]),
	}, nil
}

// Kind is the plugin kind this registry manages.
func (r *Registry[C]) Kind() Kind { return r.kind }

// OnInstanceChange registers fn to run after a plugin's running instance was
// replaced or dropped by Reload, Unload or Remove. fn runs with the name's
// lifecycle lock held and must not call back into the registry.
func (r *Registry[C]) OnInstanceChange(fn func(ctx context.Context, name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry[C]) notify(ctx context.Context, name string) {
	r.mu.RLock()
	listeners := slices.Clone(r.listeners)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, name)
	}
}

// Discover registers every unit found on disk that the repository does not
// know yet, then loads every persisted descriptor whose unit is present.
// A unit that fails to load is marked faulted and logged; Discover goes on.
// Already loaded descriptors are left alone, so Discover is safe to repeat.
func (r *Registry[C]) Discover(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { r.metrics.RecordPluginOperation(string(r.kind), "discover", err, time.Since(start)) }()
	log := r.log.WithFields(logrus.Fields{"kind": r.kind, "op": "discover"})

	if r.mirror != nil && r.units != nil {
		if err := r.mirror.Sync(ctx, r.kind, r.units.Root()); err != nil {
			log.WithError(err).Warn("unit mirror sync failed, using local units only")
		}
	}

	persisted, err := r.repo.GetAll(ctx, r.kind)
	if err != nil {
		return newError("discover", "", ErrPluginLoad, fmt.Errorf("list persisted plugins: %w", err))
	}
	known := make(map[string]bool, len(persisted))
	for _, meta := range persisted {
		known[meta.Name] = true
	}

	if r.units != nil {
		found, scanErrs := r.units.Scan(r.kind)
		for _, scanErr := range scanErrs {
			log.WithError(scanErr).Warn("skipping invalid unit")
		}
		for _, meta := range found {
			if known[meta.Name] {
				continue
			}
			meta.InstalledAt = time.Now().UTC()
			stored, err := r.repo.Add(ctx, meta)
			if err != nil {
				log.WithField("plugin", meta.Name).WithError(err).Warn("failed to persist discovered unit")
				continue
			}
			known[meta.Name] = true
			persisted = append(persisted, stored)
			log.WithField("plugin", meta.Name).Info("registered new unit")
		}
	}

	var toLoad []string
	r.mu.Lock()
	for _, meta := range persisted {
		d, ok := r.descriptors[meta.Name]
		if !ok {
			d = &Descriptor[C]{meta: meta, state: StateNotLoaded}
			r.descriptors[meta.Name] = d
		}
		if d.state == StateLoaded {
			continue
		}
		if !unitPresent(meta.UnitLocation) {
			log.WithFields(logrus.Fields{"plugin": meta.Name, "unit": meta.UnitLocation}).Warn("unit missing, not loading")
			continue
		}
		toLoad = append(toLoad, meta.Name)
	}
	r.mu.Unlock()

	errs := async.Batch(ctx, toLoad, r.loadConcurrency, "load "+string(r.kind)+" plugins", r.loadTimeout,
		func(ctx context.Context, name string) error {
			unlock := r.locks.Lock(name)
			defer unlock()
			if err := r.load(ctx, name); err != nil {
				r.log.WithFields(logrus.Fields{"plugin": name, "kind": r.kind}).WithError(err).Warn("plugin faulted during discovery")
			}
			return nil
		})
	for _, err := range errs {
		log.WithError(err).Warn("discovery load task did not run")
	}

	r.publishLoaded()
	return nil
}

// Install registers a new plugin from meta and the unit's contents, then
// loads it. An existing name is rejected with ErrConflict and left untouched.
// A load failure is returned but the plugin stays registered as faulted.
// unit may be nil for builtin:// locations.
func (r *Registry[C]) Install(ctx context.Context, meta Metadata, unit io.Reader) (info DescriptorInfo, err error) {
	start := time.Now()
	defer func() { r.metrics.RecordPluginOperation(string(r.kind), "install", err, time.Since(start)) }()

	if meta.Kind == "" {
		meta.Kind = r.kind
	}
	if meta.Kind != r.kind {
		return info, newError("install", meta.Name, ErrInvalidMetadata, fmt.Errorf("kind %q does not match registry kind %q", meta.Kind, r.kind))
	}
	if errs := ValidateManifest(ManifestFor(meta, entryName(meta))); len(errs) > 0 {
		return info, newError("install", meta.Name, ErrInvalidMetadata, errors.Join(validationErrors(errs)...))
	}
	builtin := strings.HasPrefix(meta.UnitLocation, BuiltinScheme)
	if !builtin && (unit == nil || r.units == nil) {
		return info, newError("install", meta.Name, ErrInvalidMetadata, errors.New("unit contents and a unit store are required"))
	}

	unlock := r.locks.Lock(meta.Name)
	defer unlock()

	r.mu.RLock()
	_, exists := r.descriptors[meta.Name]
	r.mu.RUnlock()
	if exists {
		return info, newError("install", meta.Name, ErrConflict, nil)
	}

	entry := entryName(meta)
	if !builtin {
		meta.UnitLocation = filepath.Join(r.units.Dir(r.kind, meta.Name), entry)
	}
	if meta.InstalledAt.IsZero() {
		meta.InstalledAt = time.Now().UTC()
	}

	stored, err := r.repo.Add(ctx, meta)
	if err != nil {
		return info, newError("install", meta.Name, classify(err), fmt.Errorf("persist metadata: %w", err))
	}

	if r.units != nil {
		if _, err := r.units.Write(r.kind, meta.Name, entry, unit, ManifestFor(stored, entry)); err != nil {
			if rmErr := r.repo.Remove(ctx, r.kind, meta.Name); rmErr != nil {
				r.log.WithField("plugin", meta.Name).WithError(rmErr).Error("failed to roll back metadata")
			}
			return info, newError("install", meta.Name, ErrPluginLoad, fmt.Errorf("write unit: %w", err))
		}
		if r.mirror != nil {
			if err := r.mirror.Upload(ctx, r.kind, meta.Name, r.units.Dir(r.kind, meta.Name)); err != nil {
				r.log.WithField("plugin", meta.Name).WithError(err).Warn("failed to mirror unit")
			}
		}
	}

	r.mu.Lock()
	r.descriptors[meta.Name] = &Descriptor[C]{meta: stored, state: StateNotLoaded}
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{"plugin": meta.Name, "kind": r.kind, "version": meta.Version}).Info("plugin installed")

	loadCtx, cancel := context.WithTimeout(ctx, r.loadTimeout)
	defer cancel()
	err = r.load(loadCtx, meta.Name)
	r.publishLoaded()

	info, _ = r.snapshot(meta.Name)
	return info, err
}

// Remove unloads the plugin if needed, deletes its metadata and its unit directory.
func (r *Registry[C]) Remove(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() { r.metrics.RecordPluginOperation(string(r.kind), "remove", err, time.Since(start)) }()

	unlock := r.locks.Lock(name)
	defer unlock()

	r.mu.RLock()
	d, ok := r.descriptors[name]
	r.mu.RUnlock()
	if !ok {
		return newError("remove", name, ErrNotFound, nil)
	}

	if err := r.unload(ctx, name); err != nil {
		r.log.WithField("plugin", name).WithError(err).Warn("unload before remove reported an error")
	}

	if err := r.repo.Remove(ctx, r.kind, name); err != nil {
		return newError("remove", name, classify(err), fmt.Errorf("delete metadata: %w", err))
	}
	if r.units != nil && (r.units.Contains(d.meta.UnitLocation) || strings.HasPrefix(d.meta.UnitLocation, BuiltinScheme)) {
		if err := r.units.Remove(r.kind, name); err != nil {
			r.log.WithField("plugin", name).WithError(err).Warn("failed to remove unit directory")
		}
	}

	r.mu.Lock()
	delete(r.descriptors, name)
	r.mu.Unlock()
	r.publishLoaded()
	r.notify(ctx, name)

	r.log.WithFields(logrus.Fields{"plugin": name, "kind": r.kind}).Info("plugin removed")
	return nil
}

// Reload replaces a plugin's running instance with a freshly loaded one from
// the same unit location. The old instance is fully unloaded before the new
// one loads, so calls made in between fail with ErrInvalidState. A load
// error leaves the plugin faulted. A unit the loader knows it cannot open
// again in this process is rejected before anything is unloaded, and the
// running instance keeps serving.
func (r *Registry[C]) Reload(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() { r.metrics.RecordPluginOperation(string(r.kind), "reload", err, time.Since(start)) }()

	unlock := r.locks.Lock(name)
	defer unlock()

	r.mu.RLock()
	d, ok := r.descriptors[name]
	var meta Metadata
	if ok {
		meta = d.meta
	}
	r.mu.RUnlock()
	if !ok {
		return newError("reload", name, ErrNotFound, nil)
	}

	if err := r.loader.CheckReload(meta); err != nil {
		r.log.WithField("plugin", name).WithError(err).Warn("reload refused, keeping the running instance")
		return newError("reload", name, classify(err), err)
	}

	if err := r.unload(ctx, name); err != nil {
		r.log.WithField("plugin", name).WithError(err).Warn("unload during reload reported an error")
	}

	loadCtx, cancel := context.WithTimeout(ctx, r.loadTimeout)
	defer cancel()
	err = r.load(loadCtx, name)
	r.publishLoaded()
	r.notify(ctx, name)
	return err
}

// Unload stops a loaded plugin but keeps it registered.
func (r *Registry[C]) Unload(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() { r.metrics.RecordPluginOperation(string(r.kind), "unload", err, time.Since(start)) }()

	unlock := r.locks.Lock(name)
	defer unlock()

	r.mu.RLock()
	_, ok := r.descriptors[name]
	r.mu.RUnlock()
	if !ok {
		return newError("unload", name, ErrNotFound, nil)
	}
	err = r.unload(ctx, name)
	r.publishLoaded()
	r.notify(ctx, name)
	return err
}

// Get returns a handle to a loaded plugin.
func (r *Registry[C]) Get(name string) (*Handle[C], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descriptors[name]
	if !ok {
		return nil, newError("get", name, ErrNotFound, nil)
	}
	if d.state != StateLoaded {
		return nil, newError("get", name, ErrInvalidState, fmt.Errorf("plugin is %s", d.state))
	}
	return &Handle[C]{meta: d.meta, instance: d.instance, boundary: d.boundary}, nil
}

// ListLoaded returns handles to every loaded plugin, ordered by name. It
// holds the registry lock only long enough to copy.
func (r *Registry[C]) ListLoaded() []*Handle[C] {
	r.mu.RLock()
	handles := make([]*Handle[C], 0, len(r.descriptors))
	for _, d := range r.descriptors {
		if d.state == StateLoaded {
			handles = append(handles, &Handle[C]{meta: d.meta, instance: d.instance, boundary: d.boundary})
		}
	}
	r.mu.RUnlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].meta.Name < handles[j].meta.Name })
	return handles
}

// Descriptors returns snapshots of every registered plugin in any state.
func (r *Registry[C]) Descriptors() []DescriptorInfo {
	r.mu.RLock()
	infos := make([]DescriptorInfo, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		infos = append(infos, d.info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Descriptor returns the snapshot of one plugin.
func (r *Registry[C]) Descriptor(name string) (DescriptorInfo, error) {
	info, ok := r.snapshot(name)
	if !ok {
		return info, newError("describe", name, ErrNotFound, nil)
	}
	return info, nil
}

// Close unloads every plugin. The registry must not be used afterwards.
func (r *Registry[C]) Close(ctx context.Context) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	r.mu.RUnlock()

	var errs []error
	for _, name := range names {
		unlock := r.locks.Lock(name)
		if err := r.unload(ctx, name); err != nil {
			errs = append(errs, err)
		}
		unlock()
	}
	r.publishLoaded()
	return errors.Join(errs...)
}

// load brings name to StateLoaded. The caller holds the name's lock.
func (r *Registry[C]) load(ctx context.Context, name string) error {
	r.mu.RLock()
	d, ok := r.descriptors[name]
	var meta Metadata
	var state LoadState
	if ok {
		meta, state = d.meta, d.state
	}
	r.mu.RUnlock()
	if !ok {
		return newError("load", name, ErrNotFound, nil)
	}
	if state == StateLoaded {
		return nil
	}

	start := time.Now()
	instance, boundary, err := r.loader.Load(ctx, meta)
	r.metrics.RecordPluginOperation(string(r.kind), "load", err, time.Since(start))

	r.mu.Lock()
	defer r.mu.Unlock()
	d.boundary = boundary
	if err != nil {
		var zero C
		d.state = StateFaulted
		d.instance = zero
		d.lastErr = err
		d.loadedAt = time.Time{}
		return err
	}
	d.state = StateLoaded
	d.instance = instance
	d.lastErr = nil
	d.loadedAt = time.Now().UTC()
	return nil
}

// unload releases name's boundary, if any. The caller holds the name's lock.
// The descriptor leaves StateLoaded before the boundary is closed so no new
// handle can be issued while in-flight calls drain.
func (r *Registry[C]) unload(ctx context.Context, name string) error {
	r.mu.Lock()
	d, ok := r.descriptors[name]
	if !ok {
		r.mu.Unlock()
		return newError("unload", name, ErrNotFound, nil)
	}
	boundary := d.boundary
	var zero C
	d.instance = zero
	d.boundary = nil
	if d.state == StateLoaded || d.state == StateFaulted {
		d.state = StateUnloaded
	}
	r.mu.Unlock()

	return r.loader.Unload(ctx, boundary)
}

func (r *Registry[C]) snapshot(name string) (DescriptorInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	if !ok {
		return DescriptorInfo{}, false
	}
	return d.info(), true
}

func (r *Registry[C]) publishLoaded() {
	if r.metrics == nil {
		return
	}
	r.mu.RLock()
	n := 0
	for _, d := range r.descriptors {
		if d.state == StateLoaded {
			n++
		}
	}
	r.mu.RUnlock()
	r.metrics.SetPluginsLoaded(string(r.kind), n)
}

// Handle gives access to a loaded plugin instance. It stays valid only as
// long as the instance it was issued for: once that instance is unloaded,
// every call fails with ErrInvalidState without running plugin code.
type Handle[C any] struct {
	meta     Metadata
	instance C
	boundary *Boundary
}

// Name is the plugin's registered name.
func (h *Handle[C]) Name() string { return h.meta.Name }

// Metadata is the plugin's metadata at the time the handle was issued.
func (h *Handle[C]) Metadata() Metadata { return h.meta }

// Released reports whether the instance behind h has been unloaded.
func (h *Handle[C]) Released() bool { return h.boundary.Closed() }

// Invoke runs fn against the plugin instance inside its boundary. A panic
// in fn is returned as an error.
func (h *Handle[C]) Invoke(fn func(C) error) (err error) {
	if err := h.boundary.enter(); err != nil {
		return newError("invoke", h.meta.Name, ErrInvalidState, err)
	}
	defer h.boundary.exit()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrPluginPanic, h.meta.Name, r)
		}
	}()
	return fn(h.instance)
}

// Call is Invoke for functions that produce a value.
func Call[C, R any](h *Handle[C], fn func(C) (R, error)) (R, error) {
	var result R
	err := h.Invoke(func(c C) error {
		var err error
		result, err = fn(c)
		return err
	})
	return result, err
}

// entryName is the file name an installed unit is written under.
func entryName(meta Metadata) string {
	if strings.HasPrefix(meta.UnitLocation, BuiltinScheme) {
		return meta.UnitLocation
	}
	if meta.UnitLocation != "" {
		return filepath.Base(meta.UnitLocation)
	}
	return meta.Name
}

func unitPresent(location string) bool {
	if strings.HasPrefix(location, BuiltinScheme) {
		return true
	}
	return fileExists(location)
}

func validationErrors(errs []ValidationError) []error {
	out := make([]error, len(errs))
	for i, e := range errs {
		out[i] = e
	}
	return out
}

// keyedMutex serializes work per key without holding a global lock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
