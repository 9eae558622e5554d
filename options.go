package kansoku

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	logger          *slog.Logger
	version         string
	traceSource     TraceSource
	topologySource  TopologySource
	topologyFile    string
	runHooks        []RunHook
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
}

// WithPort overrides the TCP port from config (KANSOKU_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithTraceSource replaces the Phoenix client. Phoenix URL discovery is
// skipped when a trace source is given.
func WithTraceSource(src TraceSource) Option {
	return func(o *resolvedOptions) { o.traceSource = src }
}

// WithTopologySource replaces the Agent Studio topology loader.
// Only the last call wins.
func WithTopologySource(src TopologySource) Option {
	return func(o *resolvedOptions) { o.topologySource = src }
}

// WithTopologyFile serves a single workflow topology from a YAML file instead
// of Agent Studio. Ignored when WithTopologySource is also given.
func WithTopologyFile(path string) Option {
	return func(o *resolvedOptions) { o.topologyFile = path }
}

// WithRunHook registers a hook that is notified when an observed run finishes.
// Multiple hooks may be registered; all receive every run.
func WithRunHook(hook RunHook) Option {
	return func(o *resolvedOptions) { o.runHooks = append(o.runHooks, hook) }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an HTTP middleware around the API mux.
// Applied in registration order: the first-registered middleware is outermost.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
