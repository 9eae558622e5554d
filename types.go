package kansoku

import (
	"errors"
	"time"
)

// ErrTraceNotFound is returned by a TraceSource when the trace has not been
// ingested yet. The driver keeps polling; any other error is counted as a
// poll failure.
var ErrTraceNotFound = errors.New("kansoku: trace not found")

// Trace is the public representation of one fetched trace.
// No internal package imports; safe to use from outside the module.
type Trace struct {
	ProjectID string
	Spans     []Span
}

// Span is one descendant of a trace's root span. Attributes is the
// JSON-encoded attribute map exactly as the tracing backend stores it.
type Span struct {
	ID         string
	Name       string
	StartTime  time.Time
	EndTime    *time.Time
	Attributes string
	Events     []SpanEvent

	TotalTokens      int64
	PromptTokens     int64
	CompletionTokens int64
}

// SpanEvent is a point-in-time annotation on a span, such as "exception".
type SpanEvent struct {
	Name      string
	Message   string
	Timestamp time.Time
}

// Topology is the static structure of a workflow.
type Topology struct {
	WorkflowID     string
	Name           string
	AgentIDs       []string
	TaskIDs        []string
	ManagerAgentID string
	Process        string // sequential | hierarchical
	Conversational bool
	Agents         []Agent
	Tasks          []Task
	ToolInstances  []ToolInstance
}

// Agent is a workflow agent and the tool instances it owns.
type Agent struct {
	ID              string
	Name            string
	ToolInstanceIDs []string
}

// Task is a workflow task.
type Task struct {
	ID              string
	Description     string
	AssignedAgentID string
	Inputs          []string
}

// ToolInstance is a configured tool.
type ToolInstance struct {
	ID   string
	Name string
}

// RunSummary describes an observed run once it reaches a terminal status.
type RunSummary struct {
	SessionID  string
	WorkflowID string
	TraceID    string
	Status     string // completed | failed
	CrewOutput string
	Error      string
	EventCount int
	FinishedAt time.Time
}
