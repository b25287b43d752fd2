package plugins

import (
	"errors"
	"net/http"
	"strings"

	"github.com/platinummonkey/novelhub/pkg/novel"
)

// Error kinds. Every error returned by this package matches exactly one of
// these through errors.Is.
var (
	ErrNotFound        = errors.New("plugin not found")
	ErrInvalidState    = errors.New("invalid plugin state")
	ErrConflict        = errors.New("plugin already exists")
	ErrPluginLoad      = errors.New("plugin load failed")
	ErrPluginContract  = errors.New("plugin contract violation")
	ErrInvalidMetadata = errors.New("invalid plugin metadata")
)

// ErrPluginPanic marks a call that panicked inside plugin code. It is not a
// lifecycle kind; it travels alongside the call's other errors.
var ErrPluginPanic = errors.New("plugin panicked")

// Error describes a failed plugin operation.
type Error struct {
	Kind error  // one of the Err* sentinels
	Op   string // operation, e.g. "load", "install", "get"
	Name string // plugin name, may be empty
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("plugins.")
	b.WriteString(e.Op)
	if e.Name != "" {
		b.WriteString(" ")
		b.WriteString(e.Name)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil && e.Err != e.Kind {
		// Causes built with fmt.Errorf("%w: ...", kind) already carry the kind text.
		cause := strings.TrimPrefix(e.Err.Error(), e.Kind.Error()+": ")
		b.WriteString(": ")
		b.WriteString(cause)
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op, name string, kind, cause error) *Error {
	return &Error{Kind: kind, Op: op, Name: name, Err: cause}
}

// classify returns the sentinel that best describes err, defaulting to ErrPluginLoad.
func classify(err error) error {
	for _, kind := range []error{ErrInvalidMetadata, ErrPluginContract, ErrPluginLoad, ErrInvalidState, ErrNotFound, ErrConflict} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrPluginLoad
}

// StatusCode maps an error to the HTTP status an API layer should answer with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound), errors.Is(err, novel.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidMetadata), errors.Is(err, ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
