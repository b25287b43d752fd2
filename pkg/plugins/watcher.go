package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/novelhub/pkg/async"
)

// Watcher hot-reloads units when their files change. A changed file inside a
// registered unit reloads that plugin; a new unit directory or manifest
// triggers discovery for its kind. Events are debounced per unit so a copy
// that produces many writes causes one reload.
type Watcher struct {
	units    *UnitStore
	targets  map[Kind]Lifecycle
	debounce time.Duration
	timeout  time.Duration
	log      *logrus.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher watches units on behalf of the given registries.
func NewWatcher(units *UnitStore, debounce time.Duration, log *logrus.Logger, targets ...Lifecycle) *Watcher {
	if log == nil {
		log = logrus.New()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	byKind := make(map[Kind]Lifecycle, len(targets))
	for _, t := range targets {
		byKind[t.Kind()] = t
	}
	return &Watcher{
		units:    units,
		targets:  byKind,
		debounce: debounce,
		timeout:  2 * time.Minute,
		log:      log,
		pending:  make(map[string]*time.Timer),
	}
}

// Run blocks until ctx ends, translating filesystem events into reloads.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.watchTree(fsw); err != nil {
		return err
	}
	w.log.WithField("dir", w.units.Root()).Info("watching plugin units for changes")

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("watcher error")
		}
	}
}

// watchTree adds the kind directories and every unit directory below them.
// fsnotify does not watch recursively.
func (w *Watcher) watchTree(fsw *fsnotify.Watcher) error {
	for kind := range w.targets {
		kindDir := w.units.KindDir(kind)
		if err := fsw.Add(kindDir); err != nil {
			return fmt.Errorf("watch %s: %w", kindDir, err)
		}
		entries, err := os.ReadDir(kindDir)
		if err != nil {
			return fmt.Errorf("read %s: %w", kindDir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				if err := fsw.Add(filepath.Join(kindDir, entry.Name())); err != nil {
					return fmt.Errorf("watch unit %s: %w", entry.Name(), err)
				}
			}
		}
	}
	return nil
}

func (w *Watcher) handle(ctx context.Context, fsw *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op == fsnotify.Chmod || strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}
	kind, name, ok := w.units.UnitOf(event.Name)
	if !ok {
		return
	}
	target, ok := w.targets[kind]
	if !ok {
		return
	}
	log := w.log.WithFields(logrus.Fields{"kind": kind, "plugin": name, "file": event.Name, "event": event.Op.String()})

	if event.Op.Has(fsnotify.Create) && event.Name == w.units.Dir(kind, name) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := fsw.Add(event.Name); err != nil {
				log.WithError(err).Warn("failed to watch new unit directory")
			}
			log.Debug("new unit directory")
			w.schedule(ctx, "discover/"+string(kind), func(ctx context.Context) error {
				return target.Discover(ctx)
			})
			return
		}
	}

	if event.Op.Has(fsnotify.Remove) && event.Name == w.units.Dir(kind, name) {
		return
	}

	if _, registered := w.descriptor(target, name); !registered {
		w.schedule(ctx, "discover/"+string(kind), func(ctx context.Context) error {
			return target.Discover(ctx)
		})
		return
	}

	log.Debug("unit changed")
	seen := time.Now().UTC()
	w.schedule(ctx, "reload/"+string(kind)+"/"+name, func(ctx context.Context) error {
		// Install and Reload already picked up this change.
		if current, ok := w.descriptor(target, name); ok && current.State == StateLoaded && current.LoadedAt.After(seen) {
			return nil
		}
		w.log.WithFields(logrus.Fields{"kind": kind, "plugin": name}).Info("reloading changed plugin")
		return target.Reload(ctx, name)
	})
}

func (w *Watcher) descriptor(target Lifecycle, name string) (DescriptorInfo, bool) {
	for _, d := range target.Descriptors() {
		if d.Name == name {
			return d, true
		}
	}
	return DescriptorInfo{}, false
}

// schedule runs fn once events for key have been quiet for the debounce interval.
func (w *Watcher) schedule(ctx context.Context, key string, fn func(context.Context) error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[key]; ok {
		t.Stop()
	}
	w.pending[key] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, key)
		w.mu.Unlock()
		async.SafeGo(ctx, w.log, w.timeout, key, fn)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, t := range w.pending {
		t.Stop()
		delete(w.pending, key)
	}
}
