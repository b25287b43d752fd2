// Package httputil holds the small HTTP layer shared by novelhub's ops
// endpoints.
//
// Responses are JSON; errors are written as {"error": "..."}:
//
//	httputil.WriteSuccess(w, registry.Descriptors())
//	httputil.WritePluginError(w, err) // status from plugins.StatusCode
//
// Middleware composes with Chain, outermost first:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware(log),
//		httputil.LoggingMiddleware,
//		httputil.RecoveryMiddleware,
//	)(router)
//
// RequestIDMiddleware stores the request ID and a scoped logger in the
// context, so handlers log through observability.FromContext(r.Context()).
package httputil
