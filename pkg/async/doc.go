// Package async provides panic-safe goroutines and bounded concurrent
// execution for background work.
//
// SafeGo runs a function in its own goroutine with a timeout, logging any
// error or recovered panic through logrus:
//
//	async.SafeGo(ctx, log, 30*time.Second, "reload source demo", func(ctx context.Context) error {
//		return registry.Reload(ctx, "demo")
//	})
//
// Batch processes a slice on a bounded errgroup and returns every error:
//
//	errs := async.Batch(ctx, names, 4, "load sources", time.Minute, func(ctx context.Context, name string) error {
//		return load(ctx, name)
//	})
//
// The plugin registry uses Batch to load discovered units concurrently and
// the hot-reload watcher uses SafeGo to run reloads off its event loop.
package async
