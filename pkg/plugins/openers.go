package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	goplugin "plugin"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/platinummonkey/novelhub/pkg/novel"
	"github.com/platinummonkey/novelhub/pkg/plugins/pluginrpc"
)

// Opener knows how to open one unit format. Open calls the unit's single
// entry point and returns its product; resources it acquires are registered
// on the boundary. Errors should wrap ErrPluginLoad or ErrPluginContract.
type Opener interface {
	Accepts(location string) bool
	Open(ctx context.Context, kind Kind, location string, b *Boundary) (any, error)
}

// DefaultOpeners returns the openers in precedence order: builtin factories,
// Go shared objects, then plugin processes for everything else.
func DefaultOpeners(builtins map[string]Factory, process *ProcessOpener) []Opener {
	if process == nil {
		process = &ProcessOpener{}
	}
	return []Opener{NewBuiltinOpener(builtins), &SharedObjectOpener{}, process}
}

// ProcessOpener starts executable units as separate processes.
type ProcessOpener struct {
	Env          []string
	StartTimeout time.Duration
	Logger       hclog.Logger
}

func (o *ProcessOpener) Accepts(location string) bool {
	return location != "" && !strings.Contains(location, "://")
}

func (o *ProcessOpener) Open(ctx context.Context, kind Kind, location string, b *Boundary) (any, error) {
	info, err := os.Stat(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPluginLoad, err)
	}
	if info.IsDir() || info.Mode().Perm()&0111 == 0 {
		return nil, fmt.Errorf("%w: %s is not an executable file", ErrPluginLoad, location)
	}

	conn, err := pluginrpc.Dial(ctx, pluginrpc.Config{
		Path:         location,
		Name:         string(kind),
		Env:          o.Env,
		StartTimeout: o.StartTimeout,
		Logger:       o.Logger,
	})
	if errors.Is(err, pluginrpc.ErrNotServed) {
		return nil, fmt.Errorf("%w: %v", ErrPluginContract, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPluginLoad, err)
	}
	b.OnRelease(conn.Close)
	return conn.Product(), nil
}

// ErrSharedObjectReplaced reports a shared object whose file changed after
// this process opened it. The Go runtime keeps the first build mapped for
// the life of the process, so the new build needs a host restart.
var ErrSharedObjectReplaced = errors.New("shared object changed on disk since it was opened; restart the host to load the new build")

// SharedObjectOpener opens Go plugins built with -buildmode=plugin. The Go
// runtime never unmaps a shared object, so each distinct file content is
// opened once per process and a reload calls the entry point of the already
// mapped object again. Releasing the boundary only drops the instance.
type SharedObjectOpener struct {
	// table defaults to the process-wide record of opened shared objects.
	table *sharedObjectTable
}

func (o *SharedObjectOpener) Accepts(location string) bool {
	return strings.HasSuffix(location, ".so")
}

func (o *SharedObjectOpener) Open(_ context.Context, kind Kind, location string, _ *Boundary) (any, error) {
	so, err := o.objects().open(location)
	if err != nil {
		return nil, err
	}
	symbol := kind.EntryPoint()
	sym, err := so.Lookup(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: entry point %s: %v", ErrPluginContract, symbol, err)
	}
	return callEntryPoint(symbol, sym)
}

// CheckReload fails when location no longer holds the build opened from it.
func (o *SharedObjectOpener) CheckReload(location string) error {
	return o.objects().check(location)
}

func (o *SharedObjectOpener) objects() *sharedObjectTable {
	if o.table != nil {
		return o.table
	}
	return sharedObjects
}

// symbolTable is the part of *plugin.Plugin the opener uses.
type symbolTable interface {
	Lookup(symbol string) (goplugin.Symbol, error)
}

// sharedObjects mirrors the runtime's own process-wide plugin table.
var sharedObjects = newSharedObjectTable(func(path string) (symbolTable, error) {
	return goplugin.Open(path)
})

// sharedObjectTable records every shared object opened in this process by
// content hash, and which hash each location was opened with.
type sharedObjectTable struct {
	openFn func(path string) (symbolTable, error)

	mu         sync.Mutex
	byHash     map[string]symbolTable
	byLocation map[string]string
}

func newSharedObjectTable(openFn func(path string) (symbolTable, error)) *sharedObjectTable {
	return &sharedObjectTable{
		openFn:     openFn,
		byHash:     make(map[string]symbolTable),
		byLocation: make(map[string]string),
	}
}

func (t *sharedObjectTable) open(location string) (symbolTable, error) {
	hash, err := fileHash(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPluginLoad, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked(location, hash); err != nil {
		return nil, err
	}
	if so, ok := t.byHash[hash]; ok {
		t.byLocation[location] = hash
		return so, nil
	}
	so, err := t.openFn(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPluginLoad, err)
	}
	t.byHash[hash] = so
	t.byLocation[location] = hash
	return so, nil
}

func (t *sharedObjectTable) check(location string) error {
	hash, err := fileHash(location)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPluginLoad, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkLocked(location, hash)
}

func (t *sharedObjectTable) checkLocked(location, hash string) error {
	if opened, ok := t.byLocation[location]; ok && opened != hash {
		return fmt.Errorf("%w: %s: %w", ErrPluginLoad, location, ErrSharedObjectReplaced)
	}
	return nil
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// callEntryPoint invokes a looked-up entry point symbol. Accepted shapes are
// func() T and func() (T, error) where T is a capability or any.
func callEntryPoint(symbol string, sym any) (any, error) {
	var (
		product any
		err     error
	)
	switch fn := sym.(type) {
	case func() novel.Source:
		product = fn()
	case func() (novel.Source, error):
		product, err = fn()
	case func() novel.Exporter:
		product = fn()
	case func() (novel.Exporter, error):
		product, err = fn()
	case func() any:
		product = fn()
	case func() (any, error):
		product, err = fn()
	default:
		return nil, fmt.Errorf("%w: entry point %s has signature %T", ErrPluginContract, symbol, sym)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: entry point %s: %v", ErrPluginLoad, symbol, err)
	}
	return product, nil
}

// Factory builds a host-bundled plugin instance.
type Factory func(ctx context.Context) (any, error)

// BuiltinOpener serves builtin://<name> locations from a fixed factory table.
type BuiltinOpener struct {
	factories map[string]Factory
}

// NewBuiltinOpener copies factories; later changes to the map are not seen.
func NewBuiltinOpener(factories map[string]Factory) *BuiltinOpener {
	table := make(map[string]Factory, len(factories))
	for name, f := range factories {
		table[name] = f
	}
	return &BuiltinOpener{factories: table}
}

func (o *BuiltinOpener) Accepts(location string) bool {
	return strings.HasPrefix(location, BuiltinScheme)
}

func (o *BuiltinOpener) Open(ctx context.Context, _ Kind, location string, b *Boundary) (any, error) {
	name := strings.TrimPrefix(location, BuiltinScheme)
	factory, ok := o.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: no builtin entry point %q", ErrPluginContract, name)
	}
	product, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: builtin %s: %v", ErrPluginLoad, name, err)
	}
	if closer, ok := product.(io.Closer); ok {
		b.OnRelease(closer.Close)
	}
	return product, nil
}
