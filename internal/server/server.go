package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kansoku/internal/ratelimit"
	"github.com/ashita-ai/kansoku/internal/service/execution"
)

// Server is the Kansoku HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Runs, Broker, Limiter, MCPServer, Middleware,
// ExtraRoutes.
type ServerConfig struct {
	// Required dependencies.
	Hub    *execution.Hub
	Traces execution.TraceSource
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Runs      RunStarter
	Broker    *Broker
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// Middleware wraps the API mux inside the built-in chain, outermost first.
	Middleware []func(http.Handler) http.Handler
	// ExtraRoutes registers additional routes on the mux after the built-in ones.
	ExtraRoutes func(mux *http.ServeMux)

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Hub:                 cfg.Hub,
		Traces:              cfg.Traces,
		Runs:                cfg.Runs,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	rl := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	limited := func(fn http.HandlerFunc) http.Handler { return rl(fn) }

	mux := http.NewServeMux()

	// Session management (rate limited by client IP).
	mux.Handle("POST /v1/sessions", limited(h.HandleOpenSession))
	mux.Handle("GET /v1/sessions", limited(h.HandleListSessions))
	mux.Handle("GET /v1/sessions/{id}", limited(h.HandleGetSession))
	mux.Handle("DELETE /v1/sessions/{id}", limited(h.HandleCloseSession))
	mux.Handle("GET /v1/sessions/{id}/topology", limited(h.HandleGetTopology))
	mux.Handle("PUT /v1/sessions/{id}/trace", limited(h.HandleSetTrace))
	mux.Handle("POST /v1/sessions/{id}/runs", limited(h.HandleStartRun))
	mux.Handle("POST /v1/sessions/{id}/messages", limited(h.HandlePostMessage))
	mux.Handle("GET /v1/sessions/{id}/playback", limited(h.HandlePlayback))
	mux.Handle("GET /v1/sessions/{id}/events", limited(h.HandleSessionEvents))

	// Stateless trace lookup.
	mux.Handle("GET /v1/traces/{traceID}/events", limited(h.HandleTraceEvents))

	// Streams (no rate limit, long-lived connections).
	mux.HandleFunc("GET /v1/sessions/{id}/subscribe", h.HandleSessionSubscribe)
	mux.HandleFunc("GET /v1/sessions/{id}/ws", h.HandleSessionWS)
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	if cfg.ExtraRoutes != nil {
		cfg.ExtraRoutes(mux)
	}

	var api http.Handler = mux
	for i := len(cfg.Middleware) - 1; i >= 0; i-- {
		api = cfg.Middleware[i](api)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → custom → handler.
	var handler = api
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln. Used by tests and by callers that bind
// their own listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server starting", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
