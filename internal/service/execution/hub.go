package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
	"github.com/ashita-ai/kansoku/internal/transcript"
)

// ErrSessionNotFound is returned for unknown or evicted session ids.
var ErrSessionNotFound = errors.New("execution: session not found")

// TopologySource loads the static structure of a workflow.
type TopologySource interface {
	LoadTopology(ctx context.Context, workflowID string) (model.Topology, error)
}

// HubConfig configures a Hub.
type HubConfig struct {
	Traces     TraceSource
	Topologies TopologySource
	Logger     *slog.Logger

	PollInterval time.Duration
	FetchTimeout time.Duration
	Transcript   transcript.Options

	// MaxSessions bounds live sessions; the least recently used is closed
	// when the bound is exceeded.
	MaxSessions int
	// IdleTTL closes sessions nobody has touched for this long. Zero
	// disables the sweeper.
	IdleTTL time.Duration

	OnFinish func(model.Snapshot)
}

// Hub owns every live session. It is safe for concurrent use.
type Hub struct {
	cfg    HubConfig
	logger *slog.Logger

	sessions *lru.Cache[string, *Driver]
	loads    singleflight.Group

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	shutdown bool
}

// NewHub creates a Hub. Call Start to run the idle sweeper.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Traces == nil {
		return nil, fmt.Errorf("execution: trace source is required")
	}
	if cfg.Topologies == nil {
		return nil, fmt.Errorf("execution: topology source is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 256
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	h := &Hub{cfg: cfg, logger: cfg.Logger}
	cache, err := lru.NewWithEvict(cfg.MaxSessions, func(id string, d *Driver) {
		h.logger.Info("execution: session closed", "session_id", id)
		go d.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("execution: session cache: %w", err)
	}
	h.sessions = cache
	return h, nil
}

// Start runs the idle sweeper and registers session gauges. It returns
// immediately; Shutdown stops the sweeper.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil || h.shutdown {
		return
	}

	meter := telemetry.Meter("kansoku/execution")
	_, _ = meter.Int64ObservableGauge("kansoku.execution.sessions",
		metric.WithDescription("Live observation sessions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(h.sessions.Len()))
			return nil
		}),
	)

	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.sweepLoop(ctx, h.done)
}

func (h *Hub) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	if h.cfg.IdleTTL <= 0 {
		<-ctx.Done()
		return
	}
	interval := max(h.cfg.IdleTTL/4, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.sweep(now)
		}
	}
}

// sweep closes idle sessions. A session with live subscribers or a running
// poll loop is never considered idle.
func (h *Hub) sweep(now time.Time) int {
	closed := 0
	for _, id := range h.sessions.Keys() {
		d, ok := h.sessions.Peek(id)
		if !ok {
			continue
		}
		if d.SubscriberCount() > 0 || d.Summary().Status == model.RunStatusRunning {
			continue
		}
		if now.Sub(d.LastTouched()) < h.cfg.IdleTTL {
			continue
		}
		if h.sessions.Remove(id) {
			closed++
		}
	}
	if closed > 0 {
		h.logger.Info("execution: swept idle sessions", "count", closed)
	}
	return closed
}

// Open creates a session for a workflow and, if traceID is set, starts
// observing it right away. Concurrent opens of the same workflow share one
// topology load.
func (h *Hub) Open(ctx context.Context, workflowID, traceID string) (*Driver, error) {
	if h.isShutdown() {
		return nil, fmt.Errorf("execution: hub is shut down")
	}
	// Shared loads outlive any single caller's ctx.
	v, err, _ := h.loads.Do(workflowID, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.FetchTimeout)
		defer cancel()
		return h.cfg.Topologies.LoadTopology(loadCtx, workflowID)
	})
	if err != nil {
		return nil, fmt.Errorf("execution: load topology %q: %w", workflowID, err)
	}
	topo := v.(model.Topology)

	id := uuid.New().String()
	d := NewDriver(DriverConfig{
		SessionID:    id,
		Topology:     topo,
		Source:       h.cfg.Traces,
		Logger:       h.logger,
		PollInterval: h.cfg.PollInterval,
		FetchTimeout: h.cfg.FetchTimeout,
		Transcript:   h.cfg.Transcript,
		OnFinish:     h.cfg.OnFinish,
	})
	if traceID != "" {
		if err := d.SetTrace(ctx, traceID); err != nil {
			d.Close()
			return nil, err
		}
	}
	h.sessions.Add(id, d)
	h.logger.Info("execution: session opened", "session_id", id, "workflow_id", topo.WorkflowID, "trace_id", traceID)
	return d, nil
}

// Get returns a live session and marks it recently used.
func (h *Hub) Get(id string) (*Driver, error) {
	d, ok := h.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return d, nil
}

// Close stops and forgets a session.
func (h *Hub) Close(id string) error {
	if !h.sessions.Remove(id) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// List summarizes live sessions, most recently updated first.
func (h *Hub) List() []model.SessionSummary {
	drivers := h.sessions.Values()
	out := make([]model.SessionSummary, 0, len(drivers))
	for _, d := range drivers {
		out = append(out, d.Summary())
	}
	slices.SortFunc(out, func(a, b model.SessionSummary) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (h *Hub) Len() int { return h.sessions.Len() }

// Shutdown stops the sweeper and closes every session. It waits for poll
// loops to exit or ctx to expire, whichever comes first.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return nil
	}
	h.shutdown = true
	cancel, done := h.cancel, h.done
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	drivers := h.sessions.Values()
	for _, id := range h.sessions.Keys() {
		h.sessions.Remove(id)
	}

	finished := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, d := range drivers {
			wg.Go(d.Close)
		}
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("execution: shutdown: %w", ctx.Err())
	}
}

func (h *Hub) isShutdown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shutdown
}
