// Package kansoku is the public API for embedding the Kansoku execution
// observer.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := kansoku.New(
//	    kansoku.WithVersion(version),
//	    kansoku.WithLogger(logger),
//	    kansoku.WithRunHook(myNotifier{}),
//	    kansoku.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kansoku (root) imports
// internal/*, but internal/* never imports kansoku (root). Public types
// (Trace, Topology, RunSummary) are standalone structs with no internal
// imports; the adapters live here because this is the only file that sees
// both sides of the boundary.
package kansoku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kansoku/internal/config"
	"github.com/ashita-ai/kansoku/internal/mcp"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/phoenix"
	"github.com/ashita-ai/kansoku/internal/ratelimit"
	"github.com/ashita-ai/kansoku/internal/server"
	"github.com/ashita-ai/kansoku/internal/service/execution"
	"github.com/ashita-ai/kansoku/internal/studio"
	"github.com/ashita-ai/kansoku/internal/telemetry"
	"github.com/ashita-ai/kansoku/internal/transcript"
)

// discoverTimeout bounds the CML application lookup at startup.
const discoverTimeout = 15 * time.Second

// App is the Kansoku server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	srv          *server.Server
	hub          *execution.Hub
	broker       *server.Broker
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the server. It resolves the Phoenix URL, wires all
// subsystems and returns a ready-to-run App. It does NOT start any
// goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kansoku starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	fail := func(err error) (*App, error) {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// Trace source: external override, else Phoenix (discovered if unset).
	var traces execution.TraceSource
	if o.traceSource != nil {
		traces = &traceSourceAdapter{src: o.traceSource}
	} else {
		if err := cfg.ValidatePhoenix(); err != nil {
			return fail(err)
		}
		client, err := newPhoenixClient(cfg, logger)
		if err != nil {
			return fail(err)
		}
		traces = client
	}

	// Topology source: external override, then a YAML file, then Studio.
	// Only the Studio client can start runs.
	var (
		topologies execution.TopologySource
		runs       server.RunStarter
	)
	switch {
	case o.topologySource != nil:
		topologies = &topologySourceAdapter{src: o.topologySource}
	case o.topologyFile != "":
		static, err := studio.LoadTopologyFile(o.topologyFile)
		if err != nil {
			return fail(fmt.Errorf("topology file: %w", err))
		}
		topologies = static
	default:
		client, err := studio.NewClient(studio.Config{BaseURL: cfg.StudioURL})
		if err != nil {
			return fail(fmt.Errorf("studio: %w", err))
		}
		topologies = client
		runs = client
	}

	broker := server.NewBroker(logger)

	hooks := o.runHooks
	hub, err := execution.NewHub(execution.HubConfig{
		Traces:       traces,
		Topologies:   topologies,
		Logger:       logger,
		PollInterval: cfg.PollInterval,
		FetchTimeout: cfg.FetchTimeout,
		Transcript:   transcript.Options{IncludeCompletions: cfg.TranscriptIncludeCompletions},
		MaxSessions:  cfg.MaxSessions,
		IdleTTL:      cfg.SessionIdleTTL,
		OnFinish: func(snap model.Snapshot) {
			run := toPublicRun(snap)
			broker.Publish(server.EventRunFinished, snap)
			for _, h := range hooks {
				go func() {
					if err := h.OnRunFinished(context.Background(), run); err != nil {
						logger.Warn("run hook failed", "session_id", run.SessionID, "error", err)
					}
				}()
			}
		},
	})
	if err != nil {
		broker.Close()
		return fail(fmt.Errorf("hub: %w", err))
	}

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: enabled", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}

	mcpSrv := mcp.New(hub, traces, logger, version)

	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}
	var extraRoutes func(*http.ServeMux)
	if len(o.routeRegistrars) > 0 {
		registrars := o.routeRegistrars
		extraRoutes = func(mux *http.ServeMux) {
			for _, reg := range registrars {
				reg(mux)
			}
		}
	}

	srv := server.New(server.ServerConfig{
		Hub:                 hub,
		Traces:              traces,
		Logger:              logger,
		Runs:                runs,
		Broker:              broker,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Middleware:          middlewares,
		ExtraRoutes:         extraRoutes,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		srv:          srv,
		hub:          hub,
		broker:       broker,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler, for embedding the API in another
// server or testing it with httptest.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the session sweeper and the HTTP server, and blocks until ctx
// is cancelled or the server fails. On cancellation it shuts down.
func (a *App) Run(ctx context.Context) error {
	a.hub.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown closes every session, drains HTTP connections and flushes
// telemetry. Each phase is bounded by the configured shutdown timeout.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kansoku shutting down")

	// Phase 1: sessions. Closing them ends every per-session stream, and
	// closing the broker ends /v1/subscribe, so the HTTP drain can finish.
	a.broker.Close()
	hubCtx, hubCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	hubErr := a.hub.Shutdown(hubCtx)
	hubCancel()
	if hubErr != nil {
		a.logger.Error("session shutdown incomplete", "error", hubErr, "remaining_sessions", a.hub.Len())
	}

	// Phase 2: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())

	a.logger.Info("kansoku stopped")
	if hubErr != nil {
		return fmt.Errorf("hub shutdown: %w", hubErr)
	}
	return nil
}

func newPhoenixClient(cfg config.Config, logger *slog.Logger) (*phoenix.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), discoverTimeout)
	defer cancel()
	baseURL, err := phoenix.ResolveURL(ctx, cfg.PhoenixURL, phoenix.DiscoverConfig{
		Domain:    cfg.CDSWDomain,
		ProjectID: cfg.CDSWProject,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("phoenix discovery: %w", err)
	}
	if cfg.PhoenixURL == "" {
		logger.Info("phoenix: discovered", "url", baseURL)
	}
	client, err := phoenix.NewClient(phoenix.Config{
		BaseURL:      baseURL,
		APIKey:       cfg.APIKey,
		CABundlePath: cfg.CABundlePath,
		Timeout:      cfg.FetchTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("phoenix: %w", err)
	}
	return client, nil
}

// traceSourceAdapter wraps a public TraceSource to satisfy execution.TraceSource.
type traceSourceAdapter struct {
	src TraceSource
}

func (a *traceSourceAdapter) FetchTraceDescendants(ctx context.Context, traceID string) (model.TraceResult, error) {
	tr, err := a.src.FetchTrace(ctx, traceID)
	if err != nil {
		if errors.Is(err, ErrTraceNotFound) {
			return model.TraceResult{}, fmt.Errorf("%w: %w", phoenix.ErrTraceNotFound, err)
		}
		return model.TraceResult{}, err
	}
	out := model.TraceResult{
		ProjectID:   tr.ProjectID,
		Descendants: make([]model.RawDescendant, 0, len(tr.Spans)),
	}
	for _, sp := range tr.Spans {
		raw := model.RawDescendant{
			ID:                             sp.ID,
			Name:                           sp.Name,
			StartTime:                      sp.StartTime,
			EndTime:                        sp.EndTime,
			Attributes:                     sp.Attributes,
			CumulativeTokenCountTotal:      sp.TotalTokens,
			CumulativeTokenCountPrompt:     sp.PromptTokens,
			CumulativeTokenCountCompletion: sp.CompletionTokens,
		}
		for _, ev := range sp.Events {
			raw.Events = append(raw.Events, model.SubEvent{Name: ev.Name, Message: ev.Message, Timestamp: ev.Timestamp})
		}
		out.Descendants = append(out.Descendants, raw)
	}
	return out, nil
}

// topologySourceAdapter wraps a public TopologySource to satisfy execution.TopologySource.
type topologySourceAdapter struct {
	src TopologySource
}

func (a *topologySourceAdapter) LoadTopology(ctx context.Context, workflowID string) (model.Topology, error) {
	t, err := a.src.LoadTopology(ctx, workflowID)
	if err != nil {
		return model.Topology{}, err
	}
	return toInternalTopology(t), nil
}

func toInternalTopology(t Topology) model.Topology {
	out := model.Topology{
		WorkflowID:     t.WorkflowID,
		Name:           t.Name,
		AgentIDs:       t.AgentIDs,
		TaskIDs:        t.TaskIDs,
		ManagerAgentID: t.ManagerAgentID,
		Process:        model.Process(t.Process),
		Conversational: t.Conversational,
	}
	for _, ag := range t.Agents {
		out.Agents = append(out.Agents, model.Agent{ID: ag.ID, Name: ag.Name, ToolInstanceIDs: ag.ToolInstanceIDs})
	}
	for _, task := range t.Tasks {
		out.Tasks = append(out.Tasks, model.Task{
			ID:              task.ID,
			Description:     task.Description,
			AssignedAgentID: task.AssignedAgentID,
			Inputs:          task.Inputs,
		})
	}
	for _, ti := range t.ToolInstances {
		out.ToolInstances = append(out.ToolInstances, model.ToolInstance{ID: ti.ID, Name: ti.Name})
	}
	return out
}

func toPublicRun(s model.Snapshot) RunSummary {
	return RunSummary{
		SessionID:  s.SessionID,
		WorkflowID: s.WorkflowID,
		TraceID:    s.TraceID,
		Status:     string(s.Status),
		CrewOutput: s.CrewOutput,
		Error:      s.Error,
		EventCount: s.EventCount,
		FinishedAt: s.UpdatedAt,
	}
}

// contextWithOptionalTimeout applies timeout only when it is positive.
func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
