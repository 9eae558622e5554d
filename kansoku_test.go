package kansoku

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/phoenix"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

const testTrace = "0a1b2c3d4e5f60718293a4b5c6d7e8f9"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeTraceSource struct {
	spans []Span
}

func (f fakeTraceSource) FetchTrace(_ context.Context, traceID string) (Trace, error) {
	if traceID != testTrace {
		return Trace{}, ErrTraceNotFound
	}
	return Trace{ProjectID: "proj", Spans: f.spans}, nil
}

type fakeTopologySource struct{}

func (fakeTopologySource) LoadTopology(_ context.Context, workflowID string) (Topology, error) {
	if workflowID != "wf1" {
		return Topology{}, errors.New("unknown workflow")
	}
	return Topology{
		WorkflowID:    "wf1",
		AgentIDs:      []string{"A1"},
		TaskIDs:       []string{"K1"},
		Process:       "sequential",
		Agents:        []Agent{{ID: "A1", Name: "researcher"}},
		Tasks:         []Task{{ID: "K1", Description: "research", AssignedAgentID: "A1"}},
		ToolInstances: []ToolInstance{},
	}, nil
}

type hookFunc func(RunSummary)

func (f hookFunc) OnRunFinished(_ context.Context, run RunSummary) error {
	f(run)
	return nil
}

func span(id, name string, sec int, attrs string) Span {
	return Span{ID: id, Name: name, StartTime: t0.Add(time.Duration(sec) * time.Second), Attributes: attrs}
}

func fullRun() []Span {
	return []Span{
		span("e1", "Crew.kickoff", 0, `{}`),
		span("e2", "Agent._start_task", 1, `{"agent_studio_id":"A1","task":{"description":"research"}}`),
		span("e3", "Agent._end_task", 2, `{"agent_studio_id":"A1"}`),
		span("e4", "Crew.complete", 3, `{"crew_output":"done"}`),
	}
}

func testEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KANSOKU_PHOENIX_URL", "")
	t.Setenv("CDSW_DOMAIN", "")
	t.Setenv("CDSW_PROJECT_ID", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("KANSOKU_POLL_INTERVAL", "5ms")
	t.Setenv("KANSOKU_RATE_LIMIT_ENABLED", "false")
}

func TestAppObservesRunAndNotifiesHooks(t *testing.T) {
	testEnv(t)

	finished := make(chan RunSummary, 1)
	app, err := New(
		WithLogger(testutil.TestLogger()),
		WithVersion("test"),
		WithTraceSource(fakeTraceSource{spans: fullRun()}),
		WithTopologySource(fakeTopologySource{}),
		WithRunHook(hookFunc(func(run RunSummary) { finished <- run })),
		WithExtraRoutes(func(mux *http.ServeMux) {
			mux.HandleFunc("GET /extra", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			})
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json",
		strings.NewReader(`{"workflow_id":"wf1","trace_id":"`+testTrace+`"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	select {
	case run := <-finished:
		assert.Equal(t, "wf1", run.WorkflowID)
		assert.Equal(t, testTrace, run.TraceID)
		assert.Equal(t, "completed", run.Status)
		assert.Equal(t, "done", run.CrewOutput)
		assert.Equal(t, 4, run.EventCount)
	case <-time.After(2 * time.Second):
		t.Fatal("run hook was not called")
	}

	resp, err = http.Get(srv.URL + "/extra")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "test", body.Data["version"])
}

func TestNewRequiresPhoenixWithoutTraceSource(t *testing.T) {
	testEnv(t)

	_, err := New(WithLogger(testutil.TestLogger()), WithTopologySource(fakeTopologySource{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KANSOKU_PHOENIX_URL")
}

func TestTraceSourceAdapter(t *testing.T) {
	end := t0.Add(time.Second)
	src := fakeTraceSource{spans: []Span{{
		ID:          "s1",
		Name:        "completion",
		StartTime:   t0,
		EndTime:     &end,
		Attributes:  `{}`,
		Events:      []SpanEvent{{Name: "exception", Message: "boom", Timestamp: end}},
		TotalTokens: 12,
	}}}
	a := &traceSourceAdapter{src: src}

	res, err := a.FetchTraceDescendants(context.Background(), testTrace)
	require.NoError(t, err)
	assert.Equal(t, "proj", res.ProjectID)
	require.Len(t, res.Descendants, 1)
	d := res.Descendants[0]
	assert.Equal(t, "s1", d.ID)
	assert.Equal(t, &end, d.EndTime)
	assert.Equal(t, int64(12), d.CumulativeTokenCountTotal)
	require.Len(t, d.Events, 1)
	assert.Equal(t, "boom", d.Events[0].Message)

	_, err = a.FetchTraceDescendants(context.Background(), "ffff")
	require.Error(t, err)
	assert.True(t, phoenix.IsNotFound(err), "public not-found maps to the transient internal sentinel")
}

func TestToInternalTopology(t *testing.T) {
	topo, err := (&topologySourceAdapter{src: fakeTopologySource{}}).LoadTopology(context.Background(), "wf1")
	require.NoError(t, err)
	assert.Equal(t, "wf1", topo.WorkflowID)
	assert.Equal(t, "sequential", string(topo.Process))
	require.Len(t, topo.Agents, 1)
	assert.Equal(t, "researcher", topo.Agents[0].Name)
	require.Len(t, topo.Tasks, 1)
	assert.Equal(t, "A1", topo.Tasks[0].AssignedAgentID)

	_, err = (&topologySourceAdapter{src: fakeTopologySource{}}).LoadTopology(context.Background(), "nope")
	assert.Error(t, err)
}
