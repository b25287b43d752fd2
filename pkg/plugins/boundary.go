package plugins

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Boundary owns everything one loaded plugin unit holds, such as a child
// process or a closer exposed by the product. Calls into the plugin enter the
// boundary; Close rejects new calls, waits for in-flight ones and then
// releases every resource. A boundary is never reused.
type Boundary struct {
	id   string
	name string
	kind Kind
	log  logrus.FieldLogger

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	releases []func() error

	closeOnce sync.Once
	closeErr  error
}

func newBoundary(name string, kind Kind, log logrus.FieldLogger) *Boundary {
	id := uuid.NewString()
	return &Boundary{
		id:   id,
		name: name,
		kind: kind,
		log:  log.WithFields(logrus.Fields{"plugin": name, "kind": kind, "boundary": id}),
	}
}

// ID uniquely identifies this boundary.
func (b *Boundary) ID() string { return b.id }

// Name is the plugin the boundary was created for.
func (b *Boundary) Name() string { return b.name }

// Closed reports whether Close has started.
func (b *Boundary) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// OnRelease registers fn to run when the boundary is closed. Release
// functions run in reverse registration order.
func (b *Boundary) OnRelease(fn func() error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releases = append(b.releases, fn)
}

// enter admits one call. It fails once the boundary is closing.
func (b *Boundary) enter() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("boundary for %s has been unloaded", b.name)
	}
	b.inflight.Add(1)
	return nil
}

func (b *Boundary) exit() {
	b.inflight.Done()
}

// Close is idempotent. If ctx ends before in-flight calls return, resources
// are released anyway and those calls observe the plugin going away.
func (b *Boundary) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		quiesced := make(chan struct{})
		go func() {
			b.inflight.Wait()
			close(quiesced)
		}()
		select {
		case <-quiesced:
		case <-ctx.Done():
			b.log.Warn("releasing plugin with calls still in flight")
		}

		b.mu.Lock()
		releases := b.releases
		b.releases = nil
		b.mu.Unlock()

		var errs []error
		for i := len(releases) - 1; i >= 0; i-- {
			if err := releases[i](); err != nil {
				errs = append(errs, err)
			}
		}
		b.closeErr = errors.Join(errs...)
		b.log.Debug("boundary released")
	})
	return b.closeErr
}
