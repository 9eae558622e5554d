// Package testutil provides shared fixtures for kansoku tests: a quiet
// logger, an in-memory trace source and a canonical one-agent workflow run.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/phoenix"
)

// TraceID is the trace the canonical run is stored under.
const TraceID = "0a1b2c3d4e5f60718293a4b5c6d7e8f9"

// T0 is the start time of the canonical run.
var T0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// TestLogger returns a logger that discards everything below error.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Traces is an in-memory trace source. Unknown traces report
// phoenix.ErrTraceNotFound.
type Traces struct {
	mu     sync.Mutex
	traces map[string][]model.RawDescendant
}

// NewTraces returns an empty source.
func NewTraces() *Traces {
	return &Traces{traces: make(map[string][]model.RawDescendant)}
}

// Set replaces the spans stored for traceID.
func (f *Traces) Set(traceID string, raws ...model.RawDescendant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traces[phoenix.NormalizeTraceID(traceID)] = raws
}

func (f *Traces) FetchTraceDescendants(_ context.Context, traceID string) (model.TraceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raws, ok := f.traces[phoenix.NormalizeTraceID(traceID)]
	if !ok {
		return model.TraceResult{}, phoenix.ErrTraceNotFound
	}
	return model.TraceResult{ProjectID: "proj", Descendants: raws}, nil
}

// Raw builds a descendant span starting sec seconds after T0.
func Raw(id string, name model.EventName, sec int, attrs string) model.RawDescendant {
	return model.RawDescendant{ID: id, Name: string(name), StartTime: T0.Add(time.Duration(sec) * time.Second), Attributes: attrs}
}

// FullRun is a complete run of Topology: kickoff, one task with a
// completion, task end and crew completion with output "done".
func FullRun() []model.RawDescendant {
	return []model.RawDescendant{
		Raw("e1", model.EventCrewKickoff, 0, `{}`),
		Raw("e2", model.EventAgentTaskStart, 1, `{"agent_studio_id":"A1","task":{"description":"research"}}`),
		Raw("e3", model.EventCompletion, 2, `{"agent_studio_id":"A1","output":{"value":"notes"}}`),
		Raw("e4", model.EventAgentTaskEnd, 3, `{"agent_studio_id":"A1"}`),
		Raw("e5", model.EventCrewComplete, 4, `{"crew_output":"done"}`),
	}
}

// Topology is a sequential workflow "wf1" with agent A1 running task K1
// ("research", input "topic") and owning tool T1 ("search").
func Topology() model.Topology {
	return model.Topology{
		WorkflowID: "wf1",
		AgentIDs:   []string{"A1"},
		TaskIDs:    []string{"K1"},
		Process:    model.ProcessSequential,
		Agents:     []model.Agent{{ID: "A1", ToolInstanceIDs: []string{"T1"}}},
		Tasks:      []model.Task{{ID: "K1", Description: "research", AssignedAgentID: "A1", Inputs: []string{"topic"}}},
		ToolInstances: []model.ToolInstance{
			{ID: "T1", Name: "search"},
		},
	}
}
