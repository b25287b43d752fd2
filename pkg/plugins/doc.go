// Package plugins discovers, loads, isolates, reloads and unloads plugin
// units at runtime.
//
// # Units
//
// A unit is a directory <plugins-dir>/<kind>/<name>/ holding a plugin.yaml
// manifest and the unit's entry:
//
//	name: royalroad
//	kind: source
//	version: 1.4.0
//	api_version: 1.0.0
//	entry: royalroad-source
//
// The entry is either an executable started as a separate process through
// hashicorp/go-plugin (see package pluginrpc), a Go shared object exporting
// NewSource or NewExporter, or builtin://<name> for factories compiled into
// the host.
//
// # Loading and isolation
//
// Loader[C] opens a unit inside a fresh Boundary and type-checks the entry
// point's product against the capability C. The boundary owns the process
// and any closer the product exposes. Unloading closes the
// boundary: new calls fail with ErrInvalidState, in-flight calls are waited
// for, then resources are released.
//
// # Registry
//
// Registry[C] owns the descriptors of one kind. Lifecycle operations
// (Discover, Install, Reload, Unload, Remove) are serialized per name and run
// concurrently across names. Callers obtain a Handle with Get or ListLoaded
// and invoke the plugin through it:
//
//	h, err := sources.Get("royalroad")
//	if err != nil {
//		return err
//	}
//	page, err := plugins.Call(h, func(s novel.Source) (novel.NovelPage, error) {
//		return s.GetHotNovels(ctx, 1)
//	})
//
// A handle issued before a reload keeps pointing at the old instance and
// fails fast once that instance is unloaded.
//
// # Errors
//
// Errors are *Error values matching one of ErrNotFound, ErrInvalidState,
// ErrInvalidMetadata, ErrConflict, ErrPluginLoad or ErrPluginContract.
// StatusCode maps them to HTTP status codes.
//
// # Hot reload
//
// A Go shared object stays mapped for the life of the process. Reloading one
// calls its entry point again; a shared object whose file changed since it
// was opened is refused with ErrSharedObjectReplaced before the running
// instance is unloaded.
//
// Watcher observes the units directory with fsnotify and reloads a plugin
// when its files change, or runs discovery when a new unit appears.
package plugins
