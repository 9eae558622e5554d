package activity_test

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/activity"
	"github.com/ashita-ai/kansoku/internal/events"
	"github.com/ashita-ai/kansoku/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ev(id string, name model.EventName, sec int, attrs map[string]any) model.ExecutionEvent {
	if attrs == nil {
		attrs = map[string]any{}
	}
	return model.ExecutionEvent{
		NodeID:     id,
		Name:       name,
		StartTime:  t0.Add(time.Duration(sec) * time.Second),
		Attributes: attrs,
		SubEvents:  []model.SubEvent{},
	}
}

func agent(id string) map[string]any {
	return map[string]any{"agent_studio_id": id}
}

func taskStart(id string, agentID string, desc string) map[string]any {
	return map[string]any{"agent_studio_id": agentID, "task": map[string]any{"description": desc}}
}

func tool(name, calling string) map[string]any {
	attrs := map[string]any{"tool": map[string]any{"name": name}}
	if calling != "" {
		attrs["input"] = map[string]any{"value": fmt.Sprintf(`{"calling": %q}`, calling)}
	}
	return attrs
}

func output(text string) map[string]any {
	return map[string]any{"output": map[string]any{"value": text}}
}

func sequential() model.Topology {
	return model.Topology{
		WorkflowID: "wf",
		AgentIDs:   []string{"A1", "A2"},
		TaskIDs:    []string{"K1", "K2"},
		Process:    model.ProcessSequential,
		Agents: []model.Agent{
			{ID: "A1", ToolInstanceIDs: []string{"T1"}},
			{ID: "A2", ToolInstanceIDs: []string{"T2"}},
		},
		Tasks: []model.Task{
			{ID: "K1", Description: "research", AssignedAgentID: "A1"},
			{ID: "K2", Description: "write", AssignedAgentID: "A2"},
		},
		ToolInstances: []model.ToolInstance{{ID: "T1", Name: "search"}, {ID: "T2", Name: "editor"}},
	}
}

func info(t *testing.T, r activity.Result, id string) string {
	t.Helper()
	st, ok := r.States[id]
	require.True(t, ok, "node %s missing", id)
	require.NotNil(t, st.Info, "node %s has no info", id)
	return *st.Info
}

func TestReconstructEmpty(t *testing.T) {
	r := activity.Reconstruct(nil, sequential())
	assert.Len(t, r.States, 6)
	assert.Empty(t, r.MostRecentNodeID)
	for _, st := range r.States {
		assert.False(t, st.IsActive)
		assert.False(t, st.IsMostRecent)
		assert.Nil(t, st.Info)
	}
}

func TestReconstructTaskToolCompletionLifecycle(t *testing.T) {
	topo := sequential()
	seq := []model.ExecutionEvent{
		ev("e0", model.EventAgentTaskStart, 0, agent("A1")),
		ev("e1", model.EventToolUseStart, 1, tool("search", "")),
		ev("e2", model.EventToolUseEnd, 2, tool("search", "")),
		ev("e3", model.EventCompletion, 3, map[string]any{"agent_studio_id": "A1", "output": map[string]any{"value": "done"}}),
		ev("e4", model.EventAgentTaskEnd, 4, agent("A1")),
	}

	r := activity.Reconstruct(seq, topo)
	assert.False(t, r.States["A1"].IsActive)
	assert.False(t, r.States["T1"].IsActive)
	assert.Equal(t, "done", info(t, r, "A1"))
	assert.Equal(t, model.InfoCompletion, r.States["A1"].InfoType)
	assert.Empty(t, r.Active(topo))
	assert.Empty(t, r.MostRecentNodeID)
	for _, st := range r.States {
		assert.False(t, st.IsMostRecent)
	}

	// Mid-run views of the same history.
	mid := activity.ReconstructAt(seq, topo, 2)
	assert.True(t, mid.States["A1"].IsActive)
	assert.True(t, mid.States["T1"].IsActive)
	assert.Equal(t, "T1", mid.MostRecentNodeID)
	assert.Equal(t, activity.PlaceholderUsingTool, info(t, mid, "T1"))

	afterTool := activity.ReconstructAt(seq, topo, 3)
	assert.False(t, afterTool.States["T1"].IsActive)
	assert.Equal(t, "A1", afterTool.MostRecentNodeID)
}

func TestReconstructTaskStartInfo(t *testing.T) {
	topo := sequential()
	r := activity.Reconstruct([]model.ExecutionEvent{
		ev("e0", model.EventAgentTaskStart, 0, taskStart("e0", "A1", "research")),
	}, topo)

	assert.Equal(t, `I am starting a task: "research"`, info(t, r, "A1"))
	assert.Equal(t, model.InfoTaskStart, r.States["A1"].InfoType)
	assert.True(t, r.States["K1"].IsActive, "task matched by description")
	assert.Equal(t, "A1", r.MostRecentNodeID, "agent wins the tie with its task")
}

func TestReconstructTaskStartWithoutDescriptionUsesPlaceholder(t *testing.T) {
	r := activity.Reconstruct([]model.ExecutionEvent{
		ev("e0", model.EventAgentTaskStart, 0, agent("A2")),
	}, sequential())
	assert.Equal(t, activity.PlaceholderThinking, info(t, r, "A2"))
	assert.True(t, r.States["K2"].IsActive, "falls back to the agent's first assigned task")
}

func TestReconstructTaskEndDeactivatesTask(t *testing.T) {
	r := activity.Reconstruct([]model.ExecutionEvent{
		ev("e0", model.EventAgentTaskStart, 0, taskStart("e0", "A1", "research")),
		ev("e1", model.EventAgentTaskEnd, 1, agent("A1")),
	}, sequential())
	assert.False(t, r.States["K1"].IsActive)
	assert.False(t, r.States["A1"].IsActive)
}

func TestReconstructLaterTaskStartSupersedesPrevious(t *testing.T) {
	topo := sequential()
	topo.TaskIDs = append(topo.TaskIDs, "K3")
	topo.Tasks = append(topo.Tasks, model.Task{ID: "K3", Description: "review", AssignedAgentID: "A1"})

	seq := []model.ExecutionEvent{
		ev("e0", model.EventAgentTaskStart, 0, taskStart("e0", "A1", "research")),
		ev("e1", model.EventAgentTaskStart, 1, taskStart("e1", "A1", "review")),
	}
	r := activity.Reconstruct(seq, topo)
	assert.False(t, r.States["K1"].IsActive)
	assert.True(t, r.States["K3"].IsActive)
	assert.True(t, r.States["A1"].IsActive)
	assert.Equal(t, "A1", r.MostRecentNodeID)

	seq = append(seq, ev("e2", model.EventAgentTaskEnd, 2, agent("A1")))
	r = activity.Reconstruct(seq, topo)
	assert.False(t, r.States["K1"].IsActive)
	assert.False(t, r.States["K3"].IsActive)
	assert.False(t, r.States["A1"].IsActive)
	assert.Empty(t, r.MostRecentNodeID)
}

func TestReconstructToolCallingInfo(t *testing.T) {
	r := activity.Reconstruct([]model.ExecutionEvent{
		ev("e0", model.EventAgentTaskStart, 0, agent("A1")),
		ev("e1", model.EventToolUseStart, 1, tool("search", "search(query='go')")),
	}, sequential())
	assert.Equal(t, "search(query='go')", info(t, r, "T1"))
	assert.Equal(t, model.InfoToolInput, r.States["T1"].InfoType)
}

func TestReconstructToolOutputOnEnd(t *testing.T) {
	end := tool("search", "")
	end["output"] = map[string]any{"value": "3 results"}
	r := activity.Reconstruct([]model.ExecutionEvent{
		ev("e1", model.EventToolUseStart, 1, tool("search", "")),
		ev("e2", model.EventToolUseEnd, 2, end),
	}, sequential())
	assert.Equal(t, "3 results", info(t, r, "T1"))
	assert.Equal(t, model.InfoToolOutput, r.States["T1"].InfoType)
}

func TestReconstructIgnoresDelegationAndUnknownTools(t *testing.T) {
	topo := sequential()
	topo.ToolInstances = append(topo.ToolInstances, model.ToolInstance{ID: "TD", Name: "Delegate work to coworker"})
	r := activity.Reconstruct([]model.ExecutionEvent{
		ev("e1", model.EventToolUseStart, 1, tool("Delegate work to coworker", "")),
		ev("e2", model.EventToolUseStart, 2, tool("not-in-topology", "")),
		ev("e3", model.EventAgentTaskStart, 3, agent("ghost")),
	}, topo)
	assert.Empty(t, r.Active(topo))
	assert.Empty(t, r.MostRecentNodeID)
	assert.NotContains(t, r.States, "ghost")
}

func TestReconstructCompletionGoesToMostRecentAgent(t *testing.T) {
	topo := sequential()
	r := activity.Reconstruct([]model.ExecutionEvent{
		ev("e0", model.EventAgentTaskStart, 0, agent("A1")),
		ev("e1", model.EventAgentTaskStart, 1, agent("A2")),
		ev("e2", model.EventToolUseStart, 2, tool("search", "")),
		ev("e3", model.EventCompletion, 3, output("thinking about it")),
	}, topo)
	assert.Equal(t, "thinking about it", info(t, r, "A2"))
	assert.NotEqual(t, "thinking about it", info(t, r, "A1"))
	assert.Equal(t, "T1", r.MostRecentNodeID, "completion does not change activation order")
}

func TestReconstructCompletionWithNoActiveNodeInSequentialIsIgnored(t *testing.T) {
	topo := sequential()
	r := activity.Reconstruct([]model.ExecutionEvent{
		ev("e0", model.EventCompletion, 0, output("stray")),
	}, topo)
	assert.Empty(t, r.Active(topo))
	for _, st := range r.States {
		assert.Nil(t, st.Info)
	}
}

func TestReconstructDefaultManager(t *testing.T) {
	topo := sequential()
	topo.Process = model.ProcessHierarchical

	r := activity.Reconstruct([]model.ExecutionEvent{
		ev("e0", model.EventCrewKickoff, 0, nil),
		ev("e1", model.EventCompletion, 1, output("delegating research")),
	}, topo)
	mgr := r.States[model.ManagerNodeID]
	assert.Equal(t, model.NodeManager, mgr.Kind)
	assert.True(t, mgr.IsActive)
	assert.Equal(t, "delegating research", info(t, r, model.ManagerNodeID))
	assert.Equal(t, model.ManagerNodeID, r.MostRecentNodeID)

	// A task start without an agent id belongs to the default manager.
	r = activity.Reconstruct([]model.ExecutionEvent{
		ev("e0", model.EventAgentTaskStart, 0, map[string]any{"task": map[string]any{"description": "plan"}}),
	}, topo)
	assert.True(t, r.States[model.ManagerNodeID].IsActive)
	assert.Equal(t, `I am starting a task: "plan"`, info(t, r, model.ManagerNodeID))
}

func TestReconstructExplicitManager(t *testing.T) {
	topo := sequential()
	topo.Process = model.ProcessHierarchical
	topo.ManagerAgentID = "BOSS"
	topo.AgentIDs = append(topo.AgentIDs, "BOSS")
	topo.Agents = append(topo.Agents, model.Agent{ID: "BOSS"})

	seq := []model.ExecutionEvent{
		ev("e0", model.EventAgentTaskStart, 0, agent("BOSS")),
		ev("e1", model.EventAgentTaskStart, 1, agent("A1")),
		ev("e2", model.EventAgentTaskEnd, 2, agent("A1")),
	}
	r := activity.Reconstruct(seq, topo)
	assert.NotContains(t, r.States, "BOSS", "manager agent is drawn as the pseudo-node")
	assert.True(t, r.States[model.ManagerNodeID].IsActive)
	assert.Equal(t, model.ManagerNodeID, r.MostRecentNodeID)

	seq = append(seq, ev("e3", model.EventAgentTaskEnd, 3, agent("BOSS")))
	r = activity.Reconstruct(seq, topo)
	assert.False(t, r.States[model.ManagerNodeID].IsActive)
}

func TestReconstructCrewCompleteClearsEverything(t *testing.T) {
	topo := sequential()
	r := activity.Reconstruct([]model.ExecutionEvent{
		ev("e0", model.EventAgentTaskStart, 0, agent("A1")),
		ev("e1", model.EventToolUseStart, 1, tool("search", "q")),
		ev("e2", model.EventAgentTaskStart, 1, agent("A2")),
		ev("e3", model.EventCrewComplete, 2, map[string]any{"crew_output": "final"}),
	}, topo)
	assert.Empty(t, r.Active(topo))
	assert.Empty(t, r.MostRecentNodeID)
	assert.Equal(t, "q", info(t, r, "T1"), "info persists after the node ends")
}

func TestReconstructExceptionCompletionSetsErrorInfo(t *testing.T) {
	failed := ev("e1", model.EventCompletion, 1, nil)
	failed.SubEvents = []model.SubEvent{{Name: model.SubEventException, Message: "boom"}}
	r := activity.Reconstruct([]model.ExecutionEvent{
		ev("e0", model.EventAgentTaskStart, 0, agent("A1")),
		failed,
	}, sequential())
	assert.Equal(t, "Error: boom", info(t, r, "A1"))
}

func TestReconstructAtClamps(t *testing.T) {
	topo := sequential()
	seq := []model.ExecutionEvent{ev("e0", model.EventAgentTaskStart, 0, agent("A1"))}
	assert.Equal(t, activity.Reconstruct(nil, topo), activity.ReconstructAt(seq, topo, -3))
	assert.Equal(t, activity.Reconstruct(seq, topo), activity.ReconstructAt(seq, topo, 99))
}

func TestReconstructIsDeterministic(t *testing.T) {
	topo := sequential()
	seq := []model.ExecutionEvent{
		ev("e0", model.EventAgentTaskStart, 0, agent("A1")),
		ev("e1", model.EventAgentTaskStart, 0, agent("A2")),
		ev("e2", model.EventToolUseStart, 0, tool("editor", "")),
	}
	first := activity.Reconstruct(seq, topo)
	for range 20 {
		assert.Equal(t, first, activity.Reconstruct(seq, topo))
	}
	assert.Equal(t, "T2", first.MostRecentNodeID, "equal start times resolve by arrival order")
}

// randomHistory builds a plausible interleaving of lifecycle events.
func randomHistory(r *rand.Rand, n int) []model.ExecutionEvent {
	agents := []string{"A1", "A2", ""}
	tools := []string{"search", "editor", "Ask question to coworker"}
	var batch []model.ExecutionEvent
	for i := range n {
		id := fmt.Sprintf("n%d", i)
		sec := r.IntN(n)
		switch r.IntN(6) {
		case 0:
			batch = append(batch, ev(id, model.EventAgentTaskStart, sec, agent(agents[r.IntN(len(agents))])))
		case 1:
			batch = append(batch, ev(id, model.EventAgentTaskEnd, sec, agent(agents[r.IntN(len(agents))])))
		case 2:
			batch = append(batch, ev(id, model.EventToolUseStart, sec, tool(tools[r.IntN(len(tools))], "x")))
		case 3:
			batch = append(batch, ev(id, model.EventToolUseEnd, sec, tool(tools[r.IntN(len(tools))], "")))
		case 4:
			batch = append(batch, ev(id, model.EventCompletion, sec, output("o")))
		case 5:
			if r.IntN(4) == 0 {
				batch = append(batch, ev(id, model.EventCrewComplete, sec, nil))
			}
		}
	}
	return events.Merge(nil, batch)
}

func TestReconstructAtMostOneMostRecent(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for _, topo := range []model.Topology{sequential(), func() model.Topology {
		h := sequential()
		h.Process = model.ProcessHierarchical
		return h
	}()} {
		for range 200 {
			seq := randomHistory(r, 1+r.IntN(30))
			for n := 0; n <= len(seq); n++ {
				res := activity.ReconstructAt(seq, topo, n)
				flagged := 0
				for id, st := range res.States {
					if st.IsMostRecent {
						flagged++
						assert.True(t, st.IsActive, "most recent node %s must be active", id)
						assert.Equal(t, id, res.MostRecentNodeID)
					}
				}
				require.LessOrEqual(t, flagged, 1)
				if len(res.Active(topo)) > 0 {
					assert.Equal(t, 1, flagged)
				}
			}
		}
	}
}
