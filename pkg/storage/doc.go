// Package storage provides the persistence collaborators of the plugin
// registry.
//
// # Repository
//
// The registry keeps plugin metadata in a plugins.Repository. Two backends
// are provided:
//
//   - FileSystemRepository: one JSON document per plugin under
//     <root>/<kind>/<name>.json. The default, suitable for a single host.
//   - postgres.Repository: a "plugins" table, for hosts that share one
//     catalog.
//
// Both assign IDs on Add and report duplicates with plugins.ErrConflict
// and missing entries with plugins.ErrNotFound.
//
// # Unit mirror
//
// S3Mirror implements plugins.UnitMirror so units installed on one host
// become discoverable on the others:
//
//	mirror, err := storage.NewS3Mirror(ctx, cfg, log)
//	registry, err := plugins.NewRegistry(kind, loader, plugins.RegistryOptions{
//		Repository: repo,
//		Units:      units,
//		Mirror:     mirror,
//	})
//
// # Redis
//
// NewRedisClient builds the shared Redis client used by the aggregator's
// match cache and the readiness check.
package storage
