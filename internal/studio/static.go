package studio

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kansoku/internal/model"
)

// StaticTopology serves one fixed topology, typically read from a YAML file
// exported from a workflow. It satisfies the same LoadTopology contract as
// Client so offline tooling can run without the management service.
type StaticTopology struct {
	topo model.Topology
}

// NewStaticTopology wraps an in-memory topology.
func NewStaticTopology(topo model.Topology) *StaticTopology {
	if topo.Process == "" {
		topo.Process = model.ProcessSequential
	}
	return &StaticTopology{topo: topo}
}

// LoadTopologyFile parses a YAML topology file.
func LoadTopologyFile(path string) (*StaticTopology, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("studio: read topology: %w", err)
	}
	var topo model.Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("studio: parse topology %s: %w", path, err)
	}
	if err := validateTopology(topo); err != nil {
		return nil, fmt.Errorf("studio: topology %s: %w", path, err)
	}
	return NewStaticTopology(topo), nil
}

// LoadTopology returns the wrapped topology. An empty workflowID matches;
// any other id must equal the topology's own.
func (s *StaticTopology) LoadTopology(_ context.Context, workflowID string) (model.Topology, error) {
	if workflowID != "" && s.topo.WorkflowID != "" && workflowID != s.topo.WorkflowID {
		return model.Topology{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return s.topo, nil
}

func validateTopology(t model.Topology) error {
	switch t.Process {
	case "", model.ProcessSequential, model.ProcessHierarchical:
	default:
		return fmt.Errorf("unknown process %q", t.Process)
	}
	known := make(map[string]bool, len(t.Agents))
	for _, a := range t.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		known[a.ID] = true
	}
	for _, id := range t.AgentIDs {
		if !known[id] {
			return fmt.Errorf("agent_ids references unknown agent %q", id)
		}
	}
	return nil
}
