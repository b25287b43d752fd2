package main

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/novelhub/pkg/httputil"
	"github.com/platinummonkey/novelhub/pkg/observability"
	"github.com/platinummonkey/novelhub/pkg/plugins"
)

// pluginRegistry is the kind-independent registry view the ops endpoints use.
type pluginRegistry interface {
	plugins.Lifecycle
	Descriptor(name string) (plugins.DescriptorInfo, error)
}

// newRouter builds the ops HTTP surface: health, metrics and plugin
// inspection. /metrics is only served when metrics is non-nil.
func newRouter(log *logrus.Logger, metrics *observability.Metrics, gatherer prometheus.Gatherer, health *observability.HealthChecker, registries ...pluginRegistry) http.Handler {
	r := mux.NewRouter()

	observability.RegisterHealthRoutes(r, health)
	if metrics != nil {
		r.Handle("/metrics", observability.MetricsHandler(gatherer)).Methods(http.MethodGet)
	}

	h := &pluginHandlers{registries: make(map[plugins.Kind]pluginRegistry, len(registries))}
	for _, reg := range registries {
		h.registries[reg.Kind()] = reg
	}
	r.HandleFunc("/plugins/{kind}", h.list).Methods(http.MethodGet)
	r.HandleFunc("/plugins/{kind}/discover", h.discover).Methods(http.MethodPost)
	r.HandleFunc("/plugins/{kind}/{name}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/plugins/{kind}/{name}/reload", h.reload).Methods(http.MethodPost)

	handler := httputil.Chain(
		httputil.RequestIDMiddleware(log),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
		observability.HTTPMetricsMiddleware(metrics),
	)(r)
	return otelhttp.NewHandler(handler, "novelhub.ops")
}

type pluginHandlers struct {
	registries map[plugins.Kind]pluginRegistry
}

func (h *pluginHandlers) registry(w http.ResponseWriter, r *http.Request) (pluginRegistry, bool) {
	kind := plugins.Kind(mux.Vars(r)["kind"])
	reg, ok := h.registries[kind]
	if !ok {
		httputil.WriteNotFoundError(w, fmt.Sprintf("unknown plugin kind %q", kind))
		return nil, false
	}
	return reg, true
}

func (h *pluginHandlers) list(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.registry(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, reg.Descriptors())
}

func (h *pluginHandlers) get(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.registry(w, r)
	if !ok {
		return
	}
	info, err := reg.Descriptor(mux.Vars(r)["name"])
	if err != nil {
		httputil.WritePluginError(w, err)
		return
	}
	httputil.WriteSuccess(w, info)
}

// reload answers with the descriptor of the freshly loaded plugin.
func (h *pluginHandlers) reload(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.registry(w, r)
	if !ok {
		return
	}
	name := mux.Vars(r)["name"]
	if err := reg.Reload(r.Context(), name); err != nil {
		observability.FromContext(r.Context()).WithField("plugin", name).WithError(err).Warn("Reload requested over ops API failed")
		httputil.WritePluginError(w, err)
		return
	}
	info, err := reg.Descriptor(name)
	if err != nil {
		httputil.WritePluginError(w, err)
		return
	}
	httputil.WriteSuccess(w, info)
}

func (h *pluginHandlers) discover(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.registry(w, r)
	if !ok {
		return
	}
	if err := reg.Discover(r.Context()); err != nil {
		httputil.WritePluginError(w, err)
		return
	}
	httputil.WriteSuccess(w, reg.Descriptors())
}
