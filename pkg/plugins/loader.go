package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/sirupsen/logrus"
)

// Loader opens plugin units in isolation and checks their products against
// the capability C. It keeps no record of what it loaded; the caller owns
// every boundary it returns.
type Loader[C any] struct {
	kind    Kind
	openers []Opener
	log     *logrus.Logger
}

// NewLoader creates a loader for units of kind. Openers are consulted in order.
func NewLoader[C any](kind Kind, log *logrus.Logger, openers ...Opener) *Loader[C] {
	if log == nil {
		log = logrus.New()
	}
	return &Loader[C]{kind: kind, openers: openers, log: log}
}

// Load opens the unit described by meta inside a fresh boundary.
//
// On failure the boundary is returned already closed so the caller can keep
// it on a faulted descriptor; closing it again is a no-op.
func (l *Loader[C]) Load(ctx context.Context, meta Metadata) (instance C, b *Boundary, err error) {
	log := l.log.WithFields(logrus.Fields{"plugin": meta.Name, "kind": l.kind, "op": "load"})
	b = newBoundary(meta.Name, l.kind, log)

	defer func() {
		if err != nil {
			if cerr := b.Close(context.WithoutCancel(ctx)); cerr != nil {
				log.WithError(cerr).Warn("failed to release plugin after load error")
			}
			var zero C
			instance = zero
		}
	}()

	opener := l.opener(meta.UnitLocation)
	if opener == nil {
		return instance, b, newError("load", meta.Name, ErrPluginLoad,
			fmt.Errorf("no opener accepts unit location %q", meta.UnitLocation))
	}

	product, err := l.open(ctx, opener, meta, b)
	if err != nil {
		return instance, b, newError("load", meta.Name, classify(err), err)
	}

	if product == nil {
		return instance, b, newError("load", meta.Name, ErrPluginContract, fmt.Errorf("entry point returned nil"))
	}
	instance, ok := product.(C)
	if !ok {
		return instance, b, newError("load", meta.Name, ErrPluginContract,
			fmt.Errorf("%T does not implement %s", product, reflect.TypeFor[C]()))
	}

	log.WithField("boundary", b.ID()).Info("plugin loaded")
	return instance, b, nil
}

// open runs the opener, converting a panic in the unit's entry point into a load error.
func (l *Loader[C]) open(ctx context.Context, opener Opener, meta Metadata, b *Boundary) (product any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: entry point panicked: %v", ErrPluginLoad, r)
		}
	}()
	return opener.Open(ctx, l.kind, meta.UnitLocation, b)
}

func (l *Loader[C]) opener(location string) Opener {
	for _, o := range l.openers {
		if o.Accepts(location) {
			return o
		}
	}
	return nil
}

// ReloadChecker is implemented by openers that can tell ahead of a load that
// a unit will not open again in this process.
type ReloadChecker interface {
	CheckReload(location string) error
}

// CheckReload returns an error when the opener for meta's unit knows the
// unit cannot be loaded again. Openers without that knowledge always pass.
func (l *Loader[C]) CheckReload(meta Metadata) error {
	if rc, ok := l.opener(meta.UnitLocation).(ReloadChecker); ok {
		return rc.CheckReload(meta.UnitLocation)
	}
	return nil
}

// Unload closes b, waiting for in-flight calls until ctx ends.
func (l *Loader[C]) Unload(ctx context.Context, b *Boundary) error {
	if b == nil {
		return nil
	}
	if err := b.Close(ctx); err != nil {
		return newError("unload", b.Name(), ErrPluginLoad, err)
	}
	l.log.WithFields(logrus.Fields{"plugin": b.Name(), "kind": l.kind, "boundary": b.ID()}).Info("plugin unloaded")
	return nil
}

// DefaultPluginDirectory returns the units directory used when none is configured.
func DefaultPluginDirectory() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.TempDir()
	}
	return filepath.Join(homeDir, ".novelhub", "plugins")
}
