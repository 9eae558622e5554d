package model

import (
	"slices"
	"time"
)

// RunStatus is the lifecycle state of one observed execution.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether polling has stopped for good.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// InfoType describes where an ActivityState's Info text came from.
type InfoType string

const (
	InfoTaskStart  InfoType = "TaskStart"
	InfoCompletion InfoType = "Completion"
	InfoToolInput  InfoType = "ToolInput"
	InfoToolOutput InfoType = "ToolOutput"
)

// ActivityState is the derived view of one diagram node.
type ActivityState struct {
	NodeID       string   `json:"node_id"`
	Kind         NodeKind `json:"kind"`
	IsActive     bool     `json:"is_active"`
	Info         *string  `json:"info,omitempty"`
	InfoType     InfoType `json:"info_type,omitempty"`
	IsMostRecent bool     `json:"is_most_recent"`
}

// Role is the speaker of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatEntry is one transcript line. ID is the triggering event's node id for
// entries derived from events and empty for locally posted messages.
type ChatEntry struct {
	ID      string `json:"id,omitempty"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Snapshot is the immutable state published for one session. Consumers must
// treat it as read-only; Clone is used before handing it out.
type Snapshot struct {
	SessionID        string                   `json:"session_id"`
	WorkflowID       string                   `json:"workflow_id"`
	TraceID          string                   `json:"trace_id,omitempty"`
	ProjectID        string                   `json:"project_id,omitempty"`
	Status           RunStatus                `json:"status"`
	States           map[string]ActivityState `json:"activity_states"`
	MostRecentNodeID string                   `json:"most_recent_node_id,omitempty"`
	Transcript       []ChatEntry              `json:"transcript"`
	CrewOutput       string                   `json:"crew_output,omitempty"`
	Error            string                   `json:"error,omitempty"`
	EventCount       int                      `json:"event_count"`
	PollFailures     int                      `json:"poll_failures"`
	Sequence         uint64                   `json:"sequence"`
	UpdatedAt        time.Time                `json:"updated_at"`
}

// Clone returns a deep copy so callers can never alias driver-owned state.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.States = make(map[string]ActivityState, len(s.States))
	for id, st := range s.States {
		if st.Info != nil {
			info := *st.Info
			st.Info = &info
		}
		out.States[id] = st
	}
	out.Transcript = slices.Clone(s.Transcript)
	if out.Transcript == nil {
		out.Transcript = []ChatEntry{}
	}
	return out
}

// SessionSummary is the list view of a session.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	WorkflowID string    `json:"workflow_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	Status     RunStatus `json:"status"`
	EventCount int       `json:"event_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}
