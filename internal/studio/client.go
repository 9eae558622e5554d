// Package studio is a client for the Agent Studio management service,
// reached through its JSON-over-HTTP proxy in front of the gRPC API.
package studio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kansoku/internal/model"
)

// ErrWorkflowNotFound is returned when the service has no such workflow.
var ErrWorkflowNotFound = errors.New("studio: workflow not found")

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root of the proxy; methods live under /api/grpc/.
	BaseURL string

	// HTTPClient is optional. Defaults to a client with Timeout.
	HTTPClient *http.Client

	// Timeout applies to individual calls. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client calls the management service. It is safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("studio: BaseURL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: strings.TrimRight(cfg.BaseURL, "/"), client: httpClient}, nil
}

// Wire shapes of the proto messages the proxy serializes.

type workflowMetadata struct {
	AgentIDs       []string `json:"agent_id"`
	TaskIDs        []string `json:"task_id"`
	ManagerAgentID string   `json:"manager_agent_id"`
	Process        string   `json:"process"`
}

// Workflow is a workflow as returned by getWorkflow.
type Workflow struct {
	WorkflowID     string           `json:"workflow_id"`
	Name           string           `json:"name"`
	Metadata       workflowMetadata `json:"crew_ai_workflow_metadata"`
	IsConversation bool             `json:"is_conversational"`
	IsReady        bool             `json:"is_ready"`
	IsValid        bool             `json:"is_valid"`
}

type workflowRequest struct {
	WorkflowID string `json:"workflow_id"`
}

// GetWorkflow fetches one workflow.
func (c *Client) GetWorkflow(ctx context.Context, workflowID string) (Workflow, error) {
	var resp struct {
		Workflow *Workflow `json:"workflow"`
	}
	if err := c.call(ctx, "getWorkflow", workflowRequest{WorkflowID: workflowID}, &resp); err != nil {
		return Workflow{}, err
	}
	if resp.Workflow == nil {
		return Workflow{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return *resp.Workflow, nil
}

// ListAgents lists the agents attached to a workflow.
func (c *Client) ListAgents(ctx context.Context, workflowID string) ([]model.Agent, error) {
	var resp struct {
		Agents []model.Agent `json:"agents"`
	}
	if err := c.call(ctx, "listAgents", workflowRequest{WorkflowID: workflowID}, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// ListTasks lists the tasks attached to a workflow.
func (c *Client) ListTasks(ctx context.Context, workflowID string) ([]model.Task, error) {
	var resp struct {
		Tasks []model.Task `json:"tasks"`
	}
	if err := c.call(ctx, "listTasks", workflowRequest{WorkflowID: workflowID}, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// ListToolInstances lists the tool instances attached to a workflow.
func (c *Client) ListToolInstances(ctx context.Context, workflowID string) ([]model.ToolInstance, error) {
	var resp struct {
		ToolInstances []model.ToolInstance `json:"tool_instances"`
	}
	if err := c.call(ctx, "listToolInstances", workflowRequest{WorkflowID: workflowID}, &resp); err != nil {
		return nil, err
	}
	return resp.ToolInstances, nil
}

// LoadTopology assembles a workflow's static structure from four parallel
// calls. Any failure fails the whole load.
func (c *Client) LoadTopology(ctx context.Context, workflowID string) (model.Topology, error) {
	if workflowID == "" {
		return model.Topology{}, fmt.Errorf("studio: workflow id is required")
	}

	var (
		wf     Workflow
		agents []model.Agent
		tasks  []model.Task
		tools  []model.ToolInstance
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { wf, err = c.GetWorkflow(gctx, workflowID); return })
	g.Go(func() (err error) { agents, err = c.ListAgents(gctx, workflowID); return })
	g.Go(func() (err error) { tasks, err = c.ListTasks(gctx, workflowID); return })
	g.Go(func() (err error) { tools, err = c.ListToolInstances(gctx, workflowID); return })
	if err := g.Wait(); err != nil {
		return model.Topology{}, err
	}

	process := model.Process(wf.Metadata.Process)
	if process == "" {
		process = model.ProcessSequential
	}
	return model.Topology{
		WorkflowID:     wf.WorkflowID,
		Name:           wf.Name,
		AgentIDs:       wf.Metadata.AgentIDs,
		TaskIDs:        wf.Metadata.TaskIDs,
		ManagerAgentID: wf.Metadata.ManagerAgentID,
		Process:        process,
		Conversational: wf.IsConversation,
		Agents:         agents,
		Tasks:          tasks,
		ToolInstances:  tools,
	}, nil
}

// TestWorkflowRequest kicks off a test run of a workflow.
type TestWorkflowRequest struct {
	WorkflowID          string            `json:"workflow_id"`
	Inputs              map[string]string `json:"inputs"`
	ToolUserParameters  map[string]any    `json:"tool_user_parameters,omitempty"`
	GenerationConfig    string            `json:"generation_config,omitempty"`
	ConversationHistory []model.ChatEntry `json:"conversation_history,omitempty"`
	UserInput           string            `json:"user_input,omitempty"`
}

// TestWorkflow starts a run and returns its trace id.
func (c *Client) TestWorkflow(ctx context.Context, req TestWorkflowRequest) (string, error) {
	var resp struct {
		TraceID string `json:"trace_id"`
		Message string `json:"message"`
	}
	if err := c.call(ctx, "testWorkflow", req, &resp); err != nil {
		return "", err
	}
	if resp.TraceID == "" {
		return "", fmt.Errorf("studio: testWorkflow returned no trace id: %s", resp.Message)
	}
	return resp.TraceID, nil
}

// Error is a non-2xx response from the proxy.
type Error struct {
	StatusCode int
	Method     string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("studio: %s (%d): %s", e.Method, e.StatusCode, e.Message)
}

// IsNotFound reports whether err means the workflow or method does not exist.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrWorkflowNotFound) {
		return true
	}
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}

func (c *Client) call(ctx context.Context, method string, body, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("studio: marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/grpc/"+method, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("studio: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("studio: %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("studio: read %s response: %w", method, err)
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &Error{StatusCode: resp.StatusCode, Method: method, Message: msg}
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("studio: decode %s response: %w", method, err)
	}
	return nil
}
