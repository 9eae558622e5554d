package kansoku

import (
	"context"
	"net/http"
)

// TraceSource fetches the spans of a trace.
// When provided via WithTraceSource, replaces the Phoenix GraphQL client and
// skips Phoenix discovery. Return ErrTraceNotFound (or wrap it) while the
// trace is not yet visible.
type TraceSource interface {
	FetchTrace(ctx context.Context, traceID string) (Trace, error)
}

// TopologySource loads a workflow's static structure.
// When provided via WithTopologySource, replaces the Agent Studio client.
// Run-start requests are unavailable unless the Studio client is in use.
type TopologySource interface {
	LoadTopology(ctx context.Context, workflowID string) (Topology, error)
}

// RunHook receives a notification when an observed run finishes.
// Multiple hooks may be registered via multiple WithRunHook calls.
// Hooks run in goroutines and must not block indefinitely; failures are
// logged and otherwise ignored.
type RunHook interface {
	OnRunFinished(ctx context.Context, run RunSummary) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the middleware chain and OTEL instrumentation with the
// built-in routes.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the API handler inside the built-in chain, so it sees
// request ids and panics are recovered. Multiple middlewares are applied in
// registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
