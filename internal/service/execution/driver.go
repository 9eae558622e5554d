// Package execution drives live observation of workflow runs: it polls the
// tracing backend for one trace, runs the classify, merge, reconstruct and
// transcript pipeline, and publishes immutable snapshots to subscribers.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/activity"
	"github.com/ashita-ai/kansoku/internal/events"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/phoenix"
	"github.com/ashita-ai/kansoku/internal/telemetry"
	"github.com/ashita-ai/kansoku/internal/transcript"
)

// ErrNoTrace is returned by operations that need a trace id before one is set.
var ErrNoTrace = errors.New("execution: no trace set")

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls behind only ever misses intermediate snapshots, never the latest.
const subscriberBuffer = 1

// TraceSource fetches every span of a trace.
type TraceSource interface {
	FetchTraceDescendants(ctx context.Context, traceID string) (model.TraceResult, error)
}

// DriverConfig configures a Driver.
type DriverConfig struct {
	SessionID    string
	Topology     model.Topology
	Source       TraceSource
	Logger       *slog.Logger
	PollInterval time.Duration
	FetchTimeout time.Duration
	Transcript   transcript.Options
	// OnFinish is called once per trace when the run completes or fails.
	OnFinish func(model.Snapshot)
}

// Driver owns all observation state for one session. Every exported method
// is safe for concurrent use.
type Driver struct {
	cfg     DriverConfig
	logger  *slog.Logger
	metrics *driverMetrics

	mu          sync.Mutex
	generation  uint64 // bumped on every trace switch; stale polls compare against it
	traceID     string
	projectID   string
	seq         events.Sequence
	transcript  []model.ChatEntry
	snap        model.Snapshot
	failures    int
	cancel      context.CancelFunc
	loopDone    chan struct{}
	subs        map[chan model.Snapshot]struct{}
	closed      bool
	lastTouched time.Time

	inflight atomic.Bool
}

// NewDriver creates an idle driver.
func NewDriver(cfg DriverConfig) *Driver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	d := &Driver{
		cfg:         cfg,
		logger:      cfg.Logger.With("session_id", cfg.SessionID),
		metrics:     newDriverMetrics(),
		subs:        make(map[chan model.Snapshot]struct{}),
		lastTouched: time.Now(),
	}
	d.snap = d.baseSnapshot(model.RunStatusIdle)
	return d
}

// SetTrace switches the driver to traceID. All state from the previous
// trace is discarded atomically and its poll loop is cancelled before any
// further snapshot can be published for it. The new loop starts polling
// immediately.
func (d *Driver) SetTrace(ctx context.Context, traceID string) error {
	traceID = phoenix.NormalizeTraceID(traceID)
	if traceID == "" {
		return fmt.Errorf("execution: trace id is required")
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("execution: driver closed")
	}
	done := d.stopLocked()
	d.resetLocked(traceID)
	d.snap = d.baseSnapshot(model.RunStatusRunning)
	d.bumpLocked()
	d.publishLocked()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.loopDone = make(chan struct{})
	gen := d.generation
	loopDone := d.loopDone
	d.mu.Unlock()

	waitDone(done)
	d.logger.Info("execution: trace set", "trace_id", traceID)
	go d.pollLoop(loopCtx, gen, traceID, loopDone)
	return nil
}

// Clear returns the driver to Idle, stopping any poll loop.
func (d *Driver) Clear() {
	d.mu.Lock()
	done := d.stopLocked()
	d.resetLocked("")
	d.snap = d.baseSnapshot(model.RunStatusIdle)
	d.bumpLocked()
	d.publishLocked()
	d.mu.Unlock()
	waitDone(done)
}

// Close stops polling and closes every subscriber channel. The last
// snapshot stays readable.
func (d *Driver) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	done := d.stopLocked()
	for ch := range d.subs {
		close(ch)
		delete(d.subs, ch)
	}
	d.mu.Unlock()
	waitDone(done)
}

// Snapshot returns a copy of the current state.
func (d *Driver) Snapshot() model.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastTouched = time.Now()
	return d.snap.Clone()
}

// Events returns the merged event sequence for the current trace.
func (d *Driver) Events() []model.ExecutionEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq.Events()
}

// Topology returns the static workflow structure the driver reconstructs against.
func (d *Driver) Topology() model.Topology {
	return d.cfg.Topology
}

// Subscribe registers a snapshot listener. The current snapshot is
// delivered immediately. The returned func unsubscribes and closes the
// channel; calling it more than once is safe.
func (d *Driver) Subscribe() (<-chan model.Snapshot, func()) {
	ch := make(chan model.Snapshot, subscriberBuffer)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastTouched = time.Now()
	if d.closed {
		close(ch)
		return ch, func() {}
	}
	d.subs[ch] = struct{}{}
	ch <- d.snap.Clone()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if _, ok := d.subs[ch]; ok {
				delete(d.subs, ch)
				close(ch)
			}
		})
	}
}

// SubscriberCount returns the number of active subscribers.
func (d *Driver) SubscriberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// PostMessage appends a locally originated user line to the transcript.
func (d *Driver) PostMessage(content string) (model.Snapshot, error) {
	if content == "" {
		return model.Snapshot{}, fmt.Errorf("execution: message content is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastTouched = time.Now()
	d.transcript = transcript.Append(d.transcript, []model.ChatEntry{transcript.UserMessage(content)})
	d.snap.Transcript = d.transcript
	d.bumpLocked()
	d.publishLocked()
	return d.snap.Clone(), nil
}

// Playback reconstructs the state as it was after the first n events. User
// messages are not part of the event history and are omitted.
func (d *Driver) Playback(n int) (model.Snapshot, error) {
	d.mu.Lock()
	if d.traceID == "" {
		d.mu.Unlock()
		return model.Snapshot{}, ErrNoTrace
	}
	seq := d.seq.Events()
	snap := d.snap.Clone()
	d.mu.Unlock()

	n = max(0, min(n, len(seq)))
	prefix := seq[:n]
	res := activity.ReconstructAt(seq, d.cfg.Topology, n)
	outcome := events.DetectOutcome(prefix)

	snap.States = res.States
	snap.MostRecentNodeID = res.MostRecentNodeID
	snap.Transcript = transcript.Append(nil, transcript.ExtractUpdates(prefix, nil, d.cfg.Transcript))
	snap.Status = outcome.Status()
	snap.CrewOutput = outcome.CrewOutput
	snap.Error = outcome.Error
	snap.EventCount = n
	return snap.Clone(), nil
}

// LastTouched reports when a consumer last read or wrote the session.
func (d *Driver) LastTouched() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTouched
}

// Summary returns the list view of the session.
func (d *Driver) Summary() model.SessionSummary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return model.SessionSummary{
		SessionID:  d.cfg.SessionID,
		WorkflowID: d.cfg.Topology.WorkflowID,
		TraceID:    d.traceID,
		Status:     d.snap.Status,
		EventCount: d.snap.EventCount,
		UpdatedAt:  d.snap.UpdatedAt,
	}
}

// pollLoop ticks until the run is terminal or ctx is cancelled. A tick that
// fires while the previous fetch is outstanding is skipped, so pipeline runs
// for one trace never overlap.
func (d *Driver) pollLoop(ctx context.Context, gen uint64, traceID string, done chan struct{}) {
	defer close(done)

	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	tick := func() {
		if !d.inflight.CompareAndSwap(false, true) {
			d.metrics.skipped.Add(ctx, 1)
			d.logger.Debug("execution: poll skipped, previous still in flight", "trace_id", traceID)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer d.inflight.Store(false)
			if terminal := d.poll(ctx, gen, traceID); terminal {
				d.stopIfCurrent(gen)
			}
		}()
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// poll runs one fetch and pipeline pass. It reports whether the run is terminal.
func (d *Driver) poll(ctx context.Context, gen uint64, traceID string) bool {
	ctx, span := telemetry.Tracer("kansoku/execution").Start(ctx, "execution.poll")
	defer span.End()
	span.SetAttributes(attribute.String("kansoku.trace_id", traceID), attribute.String("kansoku.session_id", d.cfg.SessionID))

	start := time.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, d.cfg.FetchTimeout)
	res, err := d.cfg.Source.FetchTraceDescendants(fetchCtx, traceID)
	cancel()
	d.metrics.latency.Record(ctx, float64(time.Since(start).Milliseconds()))

	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		d.recordFailure(gen, traceID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		d.metrics.polls.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "fetch_error")))
		return false
	}

	batch, err := events.ClassifyAll(res.Descendants)
	if err != nil {
		d.logger.Warn("execution: malformed event, keeping previous state", "trace_id", traceID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed event")
		d.metrics.polls.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "malformed")))
		return false
	}

	terminal, added := d.commit(gen, res.ProjectID, batch)
	d.metrics.polls.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
	d.metrics.merged.Add(ctx, int64(added))
	span.SetAttributes(attribute.Int("kansoku.events_added", added))
	return terminal
}

// commit merges a classified batch and publishes the derived state, unless
// the trace was switched while the fetch was in flight.
func (d *Driver) commit(gen uint64, projectID string, batch []model.ExecutionEvent) (terminal bool, added int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.generation || d.closed {
		return false, 0
	}

	added = d.seq.Merge(batch)
	if added == 0 && d.failures == 0 && (projectID == "" || projectID == d.projectID) {
		return d.snap.Status.Terminal(), 0
	}
	seq := d.seq.Events()
	outcome := events.DetectOutcome(seq)
	res := activity.Reconstruct(seq, d.cfg.Topology)
	d.transcript = transcript.Append(d.transcript, transcript.ExtractUpdates(seq, d.transcript, d.cfg.Transcript))

	prev := d.snap.Status
	status := outcome.Status()
	if prev.Terminal() {
		status = prev
	}

	if projectID != "" {
		d.projectID = projectID
	}
	d.failures = 0
	d.snap = d.baseSnapshot(status)
	d.snap.States = res.States
	d.snap.MostRecentNodeID = res.MostRecentNodeID
	d.snap.CrewOutput = outcome.CrewOutput
	d.snap.Error = outcome.Error
	d.snap.EventCount = len(seq)
	d.bumpLocked()
	d.publishLocked()

	if status.Terminal() && !prev.Terminal() {
		d.logger.Info("execution: run finished", "trace_id", d.traceID, "status", status, "events", len(seq))
		if d.cfg.OnFinish != nil {
			final := d.snap.Clone()
			go d.cfg.OnFinish(final)
		}
	}
	return status.Terminal(), added
}

func (d *Driver) recordFailure(gen uint64, traceID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.generation {
		return
	}
	d.failures++
	d.snap.PollFailures = d.failures
	d.bumpLocked()
	d.publishLocked()
	if phoenix.IsNotFound(err) {
		d.logger.Debug("execution: trace not ingested yet", "trace_id", traceID, "attempt", d.failures)
		return
	}
	d.logger.Warn("execution: poll failed, will retry", "trace_id", traceID, "error", err, "consecutive_failures", d.failures)
}

// stopIfCurrent cancels the loop that observed a terminal run, unless a
// newer trace has replaced it in the meantime.
func (d *Driver) stopIfCurrent(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen == d.generation && d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

// stopLocked cancels the running loop and returns its done channel so the
// caller can wait for it after releasing the lock. Bumping the generation
// first guarantees an in-flight poll cannot publish once the lock is dropped.
func (d *Driver) stopLocked() chan struct{} {
	d.generation++
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	done := d.loopDone
	d.loopDone = nil
	return done
}

func (d *Driver) resetLocked(traceID string) {
	d.traceID = traceID
	d.projectID = ""
	d.seq.Reset()
	d.transcript = nil
	d.failures = 0
}

func (d *Driver) baseSnapshot(status model.RunStatus) model.Snapshot {
	states := make(map[string]model.ActivityState)
	for _, ref := range d.cfg.Topology.Nodes() {
		states[ref.ID] = model.ActivityState{NodeID: ref.ID, Kind: ref.Kind}
	}
	return model.Snapshot{
		SessionID:    d.cfg.SessionID,
		WorkflowID:   d.cfg.Topology.WorkflowID,
		TraceID:      d.traceID,
		ProjectID:    d.projectID,
		Status:       status,
		States:       states,
		Transcript:   d.transcript,
		EventCount:   d.seq.Len(),
		PollFailures: d.failures,
		Sequence:     d.snap.Sequence,
	}
}

func (d *Driver) bumpLocked() {
	d.snap.Sequence++
	d.snap.UpdatedAt = time.Now().UTC()
}

// publishLocked fans the current snapshot out without blocking. A full
// channel has its stale snapshot replaced by the new one.
func (d *Driver) publishLocked() {
	for ch := range d.subs {
		s := d.snap.Clone()
		select {
		case ch <- s:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

func waitDone(done chan struct{}) {
	if done != nil {
		<-done
	}
}

type driverMetrics struct {
	polls   metric.Int64Counter
	skipped metric.Int64Counter
	merged  metric.Int64Counter
	latency metric.Float64Histogram
}

func newDriverMetrics() *driverMetrics {
	meter := telemetry.Meter("kansoku/execution")
	m := &driverMetrics{}
	m.polls, _ = meter.Int64Counter("kansoku.execution.polls",
		metric.WithDescription("Trace polls by result"))
	m.skipped, _ = meter.Int64Counter("kansoku.execution.polls_skipped",
		metric.WithDescription("Ticks skipped because the previous poll was still in flight"))
	m.merged, _ = meter.Int64Counter("kansoku.execution.events_merged",
		metric.WithDescription("New events merged into trace sequences"))
	m.latency, _ = meter.Float64Histogram("kansoku.execution.fetch_duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of trace fetches"))
	return m
}
