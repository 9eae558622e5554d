package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

type fakeTopologies struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (f *fakeTopologies) LoadTopology(_ context.Context, workflowID string) (model.Topology, error) {
	f.calls.Add(1)
	time.Sleep(f.delay)
	if f.err != nil {
		return model.Topology{}, f.err
	}
	topo := topology()
	topo.WorkflowID = workflowID
	return topo, nil
}

// gatedTopologies blocks every load until release is closed and fails the
// load if its context ends first.
type gatedTopologies struct {
	calls   atomic.Int32
	release chan struct{}
}

func (g *gatedTopologies) LoadTopology(ctx context.Context, workflowID string) (model.Topology, error) {
	g.calls.Add(1)
	select {
	case <-g.release:
	case <-ctx.Done():
		return model.Topology{}, ctx.Err()
	}
	topo := topology()
	topo.WorkflowID = workflowID
	return topo, nil
}

func newTestHub(t *testing.T, topos TopologySource, maxSessions int) *Hub {
	t.Helper()
	h, err := NewHub(HubConfig{
		Traces:       newFakeSource(),
		Topologies:   topos,
		Logger:       testutil.TestLogger(),
		PollInterval: 5 * time.Millisecond,
		MaxSessions:  maxSessions,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	return h
}

func requireClosed(t *testing.T, ch <-chan model.Snapshot) {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-timeout:
			t.Fatal("subscriber channel was not closed")
		}
	}
}

func TestNewHubValidation(t *testing.T) {
	_, err := NewHub(HubConfig{Topologies: &fakeTopologies{}})
	assert.Error(t, err)
	_, err = NewHub(HubConfig{Traces: newFakeSource()})
	assert.Error(t, err)
}

func TestHubOpenGetClose(t *testing.T) {
	h := newTestHub(t, &fakeTopologies{}, 8)

	d, err := h.Open(context.Background(), "wf1", "")
	require.NoError(t, err)
	snap := d.Snapshot()
	assert.Equal(t, "wf1", snap.WorkflowID)
	assert.Equal(t, model.RunStatusIdle, snap.Status)

	got, err := h.Get(snap.SessionID)
	require.NoError(t, err)
	assert.Same(t, d, got)

	list := h.List()
	require.Len(t, list, 1)
	assert.Equal(t, snap.SessionID, list[0].SessionID)

	require.NoError(t, h.Close(snap.SessionID))
	_, err = h.Get(snap.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, h.Close(snap.SessionID), ErrSessionNotFound)
}

func TestHubOpenWithTraceStartsPolling(t *testing.T) {
	h := newTestHub(t, &fakeTopologies{}, 8)
	d, err := h.Open(context.Background(), "wf1", traceA)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, d.Snapshot().Status)
	assert.Equal(t, traceA, h.List()[0].TraceID)
}

func TestHubOpenTopologyFailure(t *testing.T) {
	h := newTestHub(t, &fakeTopologies{err: errors.New("studio down")}, 8)
	_, err := h.Open(context.Background(), "wf1", "")
	assert.ErrorContains(t, err, "studio down")
	assert.Zero(t, h.Len())
}

func TestHubSharesConcurrentTopologyLoads(t *testing.T) {
	topos := &fakeTopologies{delay: 50 * time.Millisecond}
	h := newTestHub(t, topos, 16)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			_, err := h.Open(context.Background(), "wf1", "")
			assert.NoError(t, err)
		})
	}
	wg.Wait()
	assert.Less(t, topos.calls.Load(), int32(8))
	assert.Equal(t, 8, h.Len())
}

func TestHubSharedTopologyLoadSurvivesCallerCancel(t *testing.T) {
	topos := &gatedTopologies{release: make(chan struct{})}
	h := newTestHub(t, topos, 8)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.Open(firstCtx, "wf1", "")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return topos.calls.Load() == 1 }, time.Second, time.Millisecond)

	secondErr := make(chan error, 1)
	go func() {
		_, err := h.Open(context.Background(), "wf1", "")
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	time.Sleep(10 * time.Millisecond)
	close(topos.release)

	require.NoError(t, <-secondErr)
	require.NoError(t, <-firstErr)
	assert.Equal(t, int32(1), topos.calls.Load())
	assert.Equal(t, 2, h.Len())
}

func TestHubEvictsLeastRecentlyUsed(t *testing.T) {
	h := newTestHub(t, &fakeTopologies{}, 2)

	first, err := h.Open(context.Background(), "wf1", "")
	require.NoError(t, err)
	ch, _ := first.Subscribe()
	<-ch

	_, err = h.Open(context.Background(), "wf2", "")
	require.NoError(t, err)
	_, err = h.Open(context.Background(), "wf3", "")
	require.NoError(t, err)

	assert.Equal(t, 2, h.Len())
	_, err = h.Get(first.Snapshot().SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Evicted sessions are closed, which closes their subscribers.
	requireClosed(t, ch)
}

func TestHubSweepsIdleSessions(t *testing.T) {
	h, err := NewHub(HubConfig{
		Traces:     newFakeSource(),
		Topologies: &fakeTopologies{},
		IdleTTL:    time.Minute,
	})
	require.NoError(t, err)
	defer func() { _ = h.Shutdown(context.Background()) }()

	idle, err := h.Open(context.Background(), "wf1", "")
	require.NoError(t, err)
	watched, err := h.Open(context.Background(), "wf2", "")
	require.NoError(t, err)
	_, unsubscribe := watched.Subscribe()
	defer unsubscribe()
	running, err := h.Open(context.Background(), "wf3", traceA)
	require.NoError(t, err)

	assert.Zero(t, h.sweep(time.Now()))
	assert.Equal(t, 1, h.sweep(time.Now().Add(2*time.Minute)))

	_, err = h.Get(idle.Snapshot().SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = h.Get(watched.Snapshot().SessionID)
	assert.NoError(t, err)
	_, err = h.Get(running.Snapshot().SessionID)
	assert.NoError(t, err)
}

func TestHubShutdown(t *testing.T) {
	h, err := NewHub(HubConfig{Traces: newFakeSource(), Topologies: &fakeTopologies{}, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	h.Start(context.Background())

	d, err := h.Open(context.Background(), "wf1", traceA)
	require.NoError(t, err)
	ch, _ := d.Subscribe()
	<-ch

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))
	assert.Zero(t, h.Len())
	requireClosed(t, ch)

	_, err = h.Open(context.Background(), "wf1", "")
	assert.Error(t, err)
	assert.NoError(t, h.Shutdown(ctx))
}
