package mcp

import (
	"context"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kansoku/internal/events"
	"github.com/ashita-ai/kansoku/internal/phoenix"
	"github.com/ashita-ai/kansoku/internal/service/execution"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_watch",
			mcplib.WithDescription(`Start observing a workflow run.

Pass workflow_id (and optionally trace_id) to open a new session, or
session_id plus trace_id to point an existing session at another run.
Returns the session's current state; call kansoku_state afterwards to
follow progress.`),
			mcplib.WithString("session_id",
				mcplib.Description("Existing session to retarget. Omit to open a new session."),
			),
			mcplib.WithString("workflow_id",
				mcplib.Description("Workflow whose topology the new session reconstructs against."),
			),
			mcplib.WithString("trace_id",
				mcplib.Description("Trace id of the run to observe (32 hex characters; shorter ids are zero-padded)."),
			),
		),
		s.handleWatch,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_state",
			mcplib.WithDescription(`Read the reconstructed state of a session: run status, which
diagram nodes are active, the most recent node, the latest transcript
line and the final crew output once the run has completed.`),
			mcplib.WithString("session_id",
				mcplib.Description("Session to read."),
				mcplib.Required(),
			),
		),
		s.handleState,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_events",
			mcplib.WithDescription(`Fetch the ordered lifecycle events of a trace without opening a
session. Useful for inspecting a finished run.`),
			mcplib.WithString("trace_id",
				mcplib.Description("Trace id to fetch."),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum events to return (default 50, max 1000)."),
			),
		),
		s.handleEvents,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_sessions",
			mcplib.WithDescription("List open sessions, most recently updated first."),
		),
		s.handleSessions,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kansoku_playback",
			mcplib.WithDescription(`Reconstruct a session's state as it was after the first N events
of its current trace.`),
			mcplib.WithString("session_id",
				mcplib.Description("Session to replay."),
				mcplib.Required(),
			),
			mcplib.WithNumber("index",
				mcplib.Description("Number of events to replay. Clamped to the sequence length."),
				mcplib.Required(),
			),
		),
		s.handlePlayback,
	)
}

func (s *Server) handleWatch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	workflowID := request.GetString("workflow_id", "")
	traceID := request.GetString("trace_id", "")

	if sessionID != "" {
		if traceID == "" {
			return errorResult("trace_id is required when session_id is given"), nil
		}
		d, err := s.hub.Get(sessionID)
		if err != nil {
			return errorResult(fmt.Sprintf("session not found: %s", sessionID)), nil
		}
		if err := d.SetTrace(ctx, traceID); err != nil {
			return errorResult(err.Error()), nil
		}
		return jsonResult(compactSnapshot(d.Snapshot()))
	}

	if workflowID == "" {
		return errorResult("workflow_id or session_id is required"), nil
	}
	d, err := s.hub.Open(ctx, workflowID, traceID)
	if err != nil {
		s.logger.Warn("mcp: open session failed", "workflow_id", workflowID, "error", err)
		return errorResult(fmt.Sprintf("open session failed: %v", err)), nil
	}
	return jsonResult(compactSnapshot(d.Snapshot()))
}

func (s *Server) handleState(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	if sessionID == "" {
		return errorResult("session_id is required"), nil
	}
	d, err := s.hub.Get(sessionID)
	if err != nil {
		return errorResult(fmt.Sprintf("session not found: %s", sessionID)), nil
	}
	return jsonResult(compactSnapshot(d.Snapshot()))
}

func (s *Server) handleEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	traceID := phoenix.NormalizeTraceID(request.GetString("trace_id", ""))
	if traceID == "" {
		return errorResult("trace_id is required"), nil
	}
	limit := min(max(request.GetInt("limit", defaultEventLimit), 1), maxEventLimit)

	res, err := s.traces.FetchTraceDescendants(ctx, traceID)
	if err != nil {
		if phoenix.IsNotFound(err) {
			return errorResult(fmt.Sprintf("trace not found: %s", traceID)), nil
		}
		return errorResult(fmt.Sprintf("fetch trace failed: %v", err)), nil
	}
	batch, err := events.ClassifyAll(res.Descendants)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	seq := events.Merge(nil, batch)
	total := len(seq)
	if len(seq) > limit {
		seq = seq[:limit]
	}

	out := make([]map[string]any, 0, len(seq))
	for _, ev := range seq {
		out = append(out, compactEvent(ev))
	}
	return jsonResult(map[string]any{
		"trace_id":   traceID,
		"project_id": res.ProjectID,
		"total":      total,
		"events":     out,
	})
}

func (s *Server) handleSessions(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sessions := s.hub.List()
	return jsonResult(map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) handlePlayback(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	if sessionID == "" {
		return errorResult("session_id is required"), nil
	}
	d, err := s.hub.Get(sessionID)
	if err != nil {
		return errorResult(fmt.Sprintf("session not found: %s", sessionID)), nil
	}
	snap, err := d.Playback(request.GetInt("index", 0))
	if errors.Is(err, execution.ErrNoTrace) {
		return errorResult("session has no trace to replay"), nil
	}
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(compactSnapshot(snap))
}
