package pluginrpc

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"
	"time"

	"github.com/platinummonkey/novelhub/pkg/novel"
)

// Status is embedded in every reply. net/rpc only transports error strings,
// so not-found is carried as a flag.
type Status struct {
	Err      string
	NotFound bool
}

func statusOf(err error) Status {
	if err == nil {
		return Status{}
	}
	return Status{Err: err.Error(), NotFound: errors.Is(err, novel.ErrNotFound)}
}

func (s Status) err() error {
	if s.Err == "" {
		return nil
	}
	return &RemoteError{Message: s.Err, NotFound: s.NotFound}
}

// recovered turns a panic in plugin code into an error reply so one bad
// request does not take the plugin process down.
func recovered(st *Status) {
	if r := recover(); r != nil {
		*st = Status{Err: fmt.Sprintf("plugin panic: %v", r)}
	}
}

// RemoteError is an error returned by plugin code running in another process.
type RemoteError struct {
	Message  string
	NotFound bool
}

func (e *RemoteError) Error() string { return e.Message }

// Is makes errors.Is(err, novel.ErrNotFound) hold for remote not-found errors.
func (e *RemoteError) Is(target error) bool {
	return e.NotFound && target == novel.ErrNotFound
}

// Deadline is embedded in every request so the plugin can bound its own work
// by the caller's context.
type Deadline struct {
	Deadline time.Time
}

func deadlineOf(ctx context.Context) Deadline {
	d, _ := ctx.Deadline()
	return Deadline{Deadline: d}
}

func (d Deadline) context() (context.Context, context.CancelFunc) {
	if d.Deadline.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), d.Deadline)
}

// call issues an asynchronous RPC and abandons it when ctx ends. The plugin
// may still finish the work; its reply is discarded.
func call(ctx context.Context, client *rpc.Client, method string, args, reply any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pending := client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case done := <-pending.Done:
		return done.Error
	}
}
