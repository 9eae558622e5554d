package model

// ManagerNodeID is the synthetic diagram node for a hierarchical workflow's
// manager, whether it is an explicit agent or the default LLM manager.
const ManagerNodeID = "manager-agent"

// Process is a workflow's task scheduling mode.
type Process string

const (
	ProcessSequential   Process = "sequential"
	ProcessHierarchical Process = "hierarchical"
)

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeAgent   NodeKind = "agent"
	NodeTask    NodeKind = "task"
	NodeTool    NodeKind = "tool"
	NodeManager NodeKind = "manager"
)

// Agent is a workflow agent and the tool instances it owns.
type Agent struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	ToolInstanceIDs []string `json:"tools_id" yaml:"tools_id"`
}

// Task is a workflow task and the agent it is assigned to.
type Task struct {
	ID              string   `json:"task_id" yaml:"task_id"`
	Description     string   `json:"description" yaml:"description"`
	AssignedAgentID string   `json:"assigned_agent_id" yaml:"assigned_agent_id"`
	Inputs          []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// ToolInstance is a configured tool attached to a workflow.
type ToolInstance struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Topology is the static structure of a workflow. It is read-only to the
// execution core.
type Topology struct {
	WorkflowID     string         `json:"workflow_id" yaml:"workflow_id"`
	Name           string         `json:"name" yaml:"name"`
	AgentIDs       []string       `json:"agent_ids" yaml:"agent_ids"`
	TaskIDs        []string       `json:"task_ids" yaml:"task_ids"`
	ManagerAgentID string         `json:"manager_agent_id,omitempty" yaml:"manager_agent_id,omitempty"`
	Process        Process        `json:"process" yaml:"process"`
	Conversational bool           `json:"is_conversational" yaml:"is_conversational"`
	Agents         []Agent        `json:"agents" yaml:"agents"`
	Tasks          []Task         `json:"tasks" yaml:"tasks"`
	ToolInstances  []ToolInstance `json:"tool_instances" yaml:"tool_instances"`
}

// HasManagerNode reports whether the diagram carries the manager pseudo-node.
func (t Topology) HasManagerNode() bool {
	return t.Process == ProcessHierarchical || t.ManagerAgentID != ""
}

// HasDefaultManager reports a hierarchical workflow with no explicit manager
// agent, where the manager is the crew's built-in LLM.
func (t Topology) HasDefaultManager() bool {
	return t.Process == ProcessHierarchical && t.ManagerAgentID == ""
}

// AgentNodeID maps an agent id to its diagram node id. The manager agent is
// drawn as the manager pseudo-node.
func (t Topology) AgentNodeID(agentID string) string {
	if t.ManagerAgentID != "" && agentID == t.ManagerAgentID {
		return ManagerNodeID
	}
	return agentID
}

// Nodes returns every diagram node id with its kind: agents in workflow
// order, then tasks, then tool instances owned by listed agents, then the
// manager pseudo-node when present.
func (t Topology) Nodes() []NodeRef {
	var refs []NodeRef
	seen := make(map[string]bool)
	add := func(id string, kind NodeKind) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		refs = append(refs, NodeRef{ID: id, Kind: kind})
	}

	for _, id := range t.AgentIDs {
		if t.ManagerAgentID != "" && id == t.ManagerAgentID {
			continue
		}
		add(id, NodeAgent)
	}
	for _, id := range t.TaskIDs {
		add(id, NodeTask)
	}
	for _, id := range t.AgentIDs {
		if a, ok := t.Agent(id); ok {
			for _, toolID := range a.ToolInstanceIDs {
				add(toolID, NodeTool)
			}
		}
	}
	if t.HasManagerNode() {
		add(ManagerNodeID, NodeManager)
	}
	return refs
}

// NodeRef is a diagram node id with its kind.
type NodeRef struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`
}

// Agent returns the agent with the given id.
func (t Topology) Agent(id string) (Agent, bool) {
	for _, a := range t.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// ToolByName returns the first tool instance named name.
func (t Topology) ToolByName(name string) (ToolInstance, bool) {
	for _, ti := range t.ToolInstances {
		if ti.Name == name {
			return ti, true
		}
	}
	return ToolInstance{}, false
}

// TasksFor returns the workflow's tasks assigned to agentID, in workflow order.
func (t Topology) TasksFor(agentID string) []Task {
	var out []Task
	for _, id := range t.TaskIDs {
		for _, task := range t.Tasks {
			if task.ID == id && task.AssignedAgentID == agentID {
				out = append(out, task)
			}
		}
	}
	return out
}

// TaskByDescription returns the workflow task whose description equals desc.
func (t Topology) TaskByDescription(desc string) (Task, bool) {
	if desc == "" {
		return Task{}, false
	}
	for _, id := range t.TaskIDs {
		for _, task := range t.Tasks {
			if task.ID == id && task.Description == desc {
				return task, true
			}
		}
	}
	return Task{}, false
}

// Inputs returns the distinct task inputs of the workflow in first-seen order.
func (t Topology) Inputs() []string {
	var out []string
	seen := make(map[string]bool)
	for _, id := range t.TaskIDs {
		for _, task := range t.Tasks {
			if task.ID != id {
				continue
			}
			for _, in := range task.Inputs {
				if !seen[in] {
					seen[in] = true
					out = append(out, in)
				}
			}
		}
	}
	return out
}
