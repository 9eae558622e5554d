// Package model defines the core domain types for kansoku.
//
// Raw types mirror the Phoenix GraphQL wire shape. Normalized types are what
// the classifier, sequencer and reconstructor operate on. Everything here is
// a plain value; nothing in this package performs I/O.
package model

import (
	"time"
)

// EventName identifies one of the recognized workflow lifecycle spans.
type EventName string

const (
	EventCrewKickoff    EventName = "Crew.kickoff"
	EventAgentTaskStart EventName = "Agent._start_task"
	EventCompletion     EventName = "completion"
	EventToolUseStart   EventName = "ToolUsage._use"
	EventToolUseEnd     EventName = "ToolUsage._end_use"
	EventAgentTaskEnd   EventName = "Agent._end_task"
	EventCrewComplete   EventName = "Crew.complete"
)

// EventKind groups event names by their effect on activity.
type EventKind string

const (
	KindGlobal EventKind = "global"
	KindStart  EventKind = "start"
	KindOutput EventKind = "output"
	KindEnd    EventKind = "end"
)

var eventKinds = map[EventName]EventKind{
	EventCrewKickoff:    KindGlobal,
	EventAgentTaskStart: KindStart,
	EventCompletion:     KindOutput,
	EventToolUseStart:   KindStart,
	EventToolUseEnd:     KindEnd,
	EventAgentTaskEnd:   KindEnd,
	EventCrewComplete:   KindGlobal,
}

// Known reports whether n is in the recognized enumeration.
func (n EventName) Known() bool {
	_, ok := eventKinds[n]
	return ok
}

// Kind returns the activity kind of n, or "" for unrecognized names.
func (n EventName) Kind() EventKind {
	return eventKinds[n]
}

// EventNames returns the recognized names in lifecycle order.
func EventNames() []EventName {
	return []EventName{
		EventCrewKickoff,
		EventAgentTaskStart,
		EventCompletion,
		EventToolUseStart,
		EventToolUseEnd,
		EventAgentTaskEnd,
		EventCrewComplete,
	}
}

// SubEventException is the sub-event name the tracer attaches to a span that
// recorded an exception.
const SubEventException = "exception"

// SubEvent is a point-in-time annotation attached to a span.
type SubEvent struct {
	Message   string    `json:"message"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenCounts are Phoenix's cumulative token counters for a span subtree.
type TokenCounts struct {
	Total      int64 `json:"total"`
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
}

// RawDescendant is one span under a trace's root span, as returned by the
// tracing backend. Attributes is a JSON-encoded string.
type RawDescendant struct {
	ID                             string     `json:"id"`
	Name                           string     `json:"name"`
	StartTime                      time.Time  `json:"startTime"`
	EndTime                        *time.Time `json:"endTime"`
	Attributes                     string     `json:"attributes"`
	Events                         []SubEvent `json:"events"`
	CumulativeTokenCountTotal      int64      `json:"cumulativeTokenCountTotal"`
	CumulativeTokenCountPrompt     int64      `json:"cumulativeTokenCountPrompt"`
	CumulativeTokenCountCompletion int64      `json:"cumulativeTokenCountCompletion"`
}

// TraceResult is the outcome of one trace fetch: the containing project and
// the descendants in discovery order.
type TraceResult struct {
	ProjectID   string
	Descendants []RawDescendant
}

// ExecutionEvent is one normalized lifecycle event. NodeID is stable across
// polls and unique within a trace. Events are never mutated once observed.
type ExecutionEvent struct {
	NodeID     string         `json:"node_id"`
	Name       EventName      `json:"name"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    *time.Time     `json:"end_time,omitempty"`
	Attributes map[string]any `json:"attributes"`
	SubEvents  []SubEvent     `json:"sub_events"`
	Tokens     TokenCounts    `json:"tokens"`
}

// Exception returns the message of the first exception sub-event, if any.
func (e ExecutionEvent) Exception() (string, bool) {
	for _, se := range e.SubEvents {
		if se.Name == SubEventException {
			return se.Message, true
		}
	}
	return "", false
}
