package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
)

func hierarchical() model.Topology {
	return model.Topology{
		WorkflowID:     "wf",
		AgentIDs:       []string{"a1", "a2", "boss"},
		TaskIDs:        []string{"t1", "t2"},
		ManagerAgentID: "boss",
		Process:        model.ProcessHierarchical,
		Agents: []model.Agent{
			{ID: "a1", Name: "Researcher", ToolInstanceIDs: []string{"ti1"}},
			{ID: "a2", Name: "Writer", ToolInstanceIDs: []string{"ti1", "ti2"}},
			{ID: "boss", Name: "Manager"},
		},
		Tasks: []model.Task{
			{ID: "t2", Description: "write it", AssignedAgentID: "a2", Inputs: []string{"topic", "tone"}},
			{ID: "t1", Description: "research it", AssignedAgentID: "a1", Inputs: []string{"topic"}},
		},
		ToolInstances: []model.ToolInstance{{ID: "ti1", Name: "search"}, {ID: "ti2", Name: "editor"}},
	}
}

func TestTopologyNodes(t *testing.T) {
	nodes := hierarchical().Nodes()
	assert.Equal(t, []model.NodeRef{
		{ID: "a1", Kind: model.NodeAgent},
		{ID: "a2", Kind: model.NodeAgent},
		{ID: "t1", Kind: model.NodeTask},
		{ID: "t2", Kind: model.NodeTask},
		{ID: "ti1", Kind: model.NodeTool},
		{ID: "ti2", Kind: model.NodeTool},
		{ID: model.ManagerNodeID, Kind: model.NodeManager},
	}, nodes)
}

func TestTopologySequentialHasNoManager(t *testing.T) {
	topo := model.Topology{Process: model.ProcessSequential, AgentIDs: []string{"a1"}}
	assert.False(t, topo.HasManagerNode())
	assert.False(t, topo.HasDefaultManager())
	assert.Equal(t, []model.NodeRef{{ID: "a1", Kind: model.NodeAgent}}, topo.Nodes())
}

func TestTopologyDefaultManager(t *testing.T) {
	topo := model.Topology{Process: model.ProcessHierarchical}
	assert.True(t, topo.HasManagerNode())
	assert.True(t, topo.HasDefaultManager())
}

func TestTopologyLookups(t *testing.T) {
	topo := hierarchical()

	assert.Equal(t, model.ManagerNodeID, topo.AgentNodeID("boss"))
	assert.Equal(t, "a1", topo.AgentNodeID("a1"))

	ti, ok := topo.ToolByName("editor")
	require.True(t, ok)
	assert.Equal(t, "ti2", ti.ID)
	_, ok = topo.ToolByName("missing")
	assert.False(t, ok)

	task, ok := topo.TaskByDescription("research it")
	require.True(t, ok)
	assert.Equal(t, "t1", task.ID)
	_, ok = topo.TaskByDescription("")
	assert.False(t, ok)

	assert.Equal(t, []string{"topic", "tone"}, topo.Inputs())
	assert.Len(t, topo.TasksFor("a2"), 1)
}

func TestEventNameKinds(t *testing.T) {
	assert.Equal(t, model.KindStart, model.EventAgentTaskStart.Kind())
	assert.Equal(t, model.KindOutput, model.EventCompletion.Kind())
	assert.Equal(t, model.KindEnd, model.EventToolUseEnd.Kind())
	assert.Equal(t, model.KindGlobal, model.EventCrewComplete.Kind())
	assert.False(t, model.EventName("Foo.bar").Known())
	assert.Len(t, model.EventNames(), 7)
}

func TestSnapshotCloneDoesNotAlias(t *testing.T) {
	info := "thinking"
	s := model.Snapshot{
		States:     map[string]model.ActivityState{"a1": {NodeID: "a1", Info: &info}},
		Transcript: []model.ChatEntry{{ID: "n1", Role: model.RoleAssistant, Content: "hi"}},
	}
	c := s.Clone()
	*c.States["a1"].Info = "changed"
	c.Transcript[0].Content = "changed"

	assert.Equal(t, "thinking", *s.States["a1"].Info)
	assert.Equal(t, "hi", s.Transcript[0].Content)
}

func TestSnapshotCloneNilTranscript(t *testing.T) {
	c := model.Snapshot{}.Clone()
	assert.NotNil(t, c.Transcript)
	assert.NotNil(t, c.States)
}
