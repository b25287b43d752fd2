package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SafeGo runs fn in a goroutine bounded by timeout. Panics are recovered and
// logged with a stack trace; a returned error is logged at warn level.
//
// Example:
//
//	SafeGo(ctx, log, 30*time.Second, "reload source demo", func(ctx context.Context) error {
//	    return registry.Reload(ctx, "demo")
//	})
func SafeGo(parentCtx context.Context, log logrus.FieldLogger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logrus.Fields{
					"task":  taskName,
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("panic in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			log.WithField("task", taskName).WithError(err).Warn("background task failed")
		}
	}()
}

// Batch runs fn for every item on at most workers goroutines and returns the
// errors encountered, in completion order. Each call gets its own timeout and
// a panic is returned as an error. Items not yet started when ctx ends are
// skipped and reported once as ctx's error.
//
// Example:
//
//	errs := Batch(ctx, names, 4, "load sources", time.Minute, func(ctx context.Context, name string) error {
//	    return registry.load(ctx, name)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if len(items) == 0 {
		return nil
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	g.SetLimit(max(workers, 1))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			record(fmt.Errorf("%s: %w", taskName, err))
			break
		}
		g.Go(func() error {
			if err := runTask(ctx, timeout, taskName, func(ctx context.Context) error { return fn(ctx, item) }); err != nil {
				record(err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func runTask(ctx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", taskName, r)
		}
	}()
	return fn(ctx)
}
