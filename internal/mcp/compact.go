package mcp

import (
	"maps"
	"slices"
	"unicode/utf8"

	"github.com/ashita-ai/kansoku/internal/model"
)

const (
	maxCompactText = 400
	maxCompactInfo = 200
)

// compactSnapshot returns a minimal representation of a snapshot for MCP
// responses. Inactive nodes, the full transcript and bookkeeping fields
// (sequence, updated_at) are dropped; agents act on what is running now.
func compactSnapshot(s model.Snapshot) map[string]any {
	m := map[string]any{
		"session_id":  s.SessionID,
		"workflow_id": s.WorkflowID,
		"status":      s.Status,
		"event_count": s.EventCount,
	}
	if s.TraceID != "" {
		m["trace_id"] = s.TraceID
	}
	if s.MostRecentNodeID != "" {
		m["most_recent_node_id"] = s.MostRecentNodeID
	}

	active := make([]map[string]any, 0)
	for _, id := range slices.Sorted(maps.Keys(s.States)) {
		st := s.States[id]
		if !st.IsActive {
			continue
		}
		node := map[string]any{"node_id": id, "kind": st.Kind}
		if st.Info != nil && *st.Info != "" {
			node["info"] = truncate(*st.Info, maxCompactInfo)
			node["info_type"] = st.InfoType
		}
		active = append(active, node)
	}
	m["active_nodes"] = active

	if n := len(s.Transcript); n > 0 {
		last := s.Transcript[n-1]
		m["transcript_length"] = n
		m["last_message"] = map[string]any{
			"role":    last.Role,
			"content": truncate(last.Content, maxCompactText),
		}
	}
	if s.CrewOutput != "" {
		m["crew_output"] = truncate(s.CrewOutput, maxCompactText)
	}
	if s.Error != "" {
		m["error"] = s.Error
	}
	if s.PollFailures > 0 {
		m["poll_failures"] = s.PollFailures
	}
	return m
}

// compactEvent drops raw attributes except the few that identify who did what.
func compactEvent(ev model.ExecutionEvent) map[string]any {
	m := map[string]any{
		"node_id":    ev.NodeID,
		"name":       ev.Name,
		"start_time": ev.StartTime,
	}
	if ev.EndTime != nil {
		m["end_time"] = *ev.EndTime
	}
	if ev.Tokens.Total > 0 {
		m["tokens"] = ev.Tokens.Total
	}
	if msg, ok := ev.Exception(); ok {
		m["exception"] = truncate(msg, maxCompactInfo)
	}
	return m
}

// truncate shortens s to at most n runes, appending "..." when cut.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
