package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// watch-run walks the agent through opening a session and following it.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("watch-run",
			mcplib.WithPromptDescription("Observe a workflow run until it finishes"),
			mcplib.WithArgument("workflow_id",
				mcplib.ArgumentDescription("Workflow the run belongs to"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("trace_id",
				mcplib.ArgumentDescription("Trace id of the run"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleWatchRunPrompt,
	)

	// summarize-run asks for a postmortem of a session's current trace.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("summarize-run",
			mcplib.WithPromptDescription("Summarize what happened in an observed run"),
			mcplib.WithArgument("session_id",
				mcplib.ArgumentDescription("Session that observed the run"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleSummarizeRunPrompt,
	)
}

func (s *Server) handleWatchRunPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	workflowID := request.Params.Arguments["workflow_id"]
	traceID := request.Params.Arguments["trace_id"]
	if workflowID == "" || traceID == "" {
		return nil, fmt.Errorf("workflow_id and trace_id arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Watch trace %s of workflow %s", traceID, workflowID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Follow this workflow run until it finishes:

1. CALL kansoku_watch with workflow_id="%s" and trace_id="%s".
   Note the session_id in the response.

2. CALL kansoku_state with that session_id to check progress.
   - status "running": report which nodes are in active_nodes and what
     most_recent_node_id is doing, then check again.
   - status "completed": report crew_output.
   - status "failed": report error and the last node that was active.

3. If poll_failures keeps growing, the trace may not be ingested yet or the
   tracing backend is unreachable. Say so instead of waiting forever.`, workflowID, traceID),
				},
			},
		},
	}, nil
}

func (s *Server) handleSummarizeRunPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	sessionID := request.Params.Arguments["session_id"]
	if sessionID == "" {
		return nil, fmt.Errorf("session_id argument is required")
	}
	d, err := s.hub.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("mcp: summarize-run: %w", err)
	}
	snap := d.Snapshot()
	if snap.TraceID == "" {
		return nil, fmt.Errorf("mcp: summarize-run: session %s is not observing a trace", sessionID)
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Summarize trace %s", snap.TraceID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Summarize the run of workflow %s (trace %s, status %s).

CALL kansoku_events with trace_id="%s" to get the ordered lifecycle events.
Then write a short summary covering:
- which agents ran which tasks, in order
- which tools were used and for what
- where time or tokens were spent
- the final outcome, and the exception message if the run failed`,
						snap.WorkflowID, snap.TraceID, snap.Status, snap.TraceID),
				},
			},
		},
	}, nil
}
