// Package activity derives per-node diagram state from a workflow's ordered
// event history. Every function here is pure: the same events and topology
// always produce the same result.
package activity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/kansoku/internal/events"
	"github.com/ashita-ai/kansoku/internal/model"
)

// Placeholder info shown until an event supplies real text.
const (
	PlaceholderThinking  = "Thinking..."
	PlaceholderUsingTool = "Using Tool..."
)

// Crew-internal delegation tools that never map to a tool instance node.
var ignoredTools = map[string]bool{
	"Delegate work to coworker": true,
	"Ask question to coworker":  true,
}

// Result is the reconstructed state of every topology node.
type Result struct {
	States           map[string]model.ActivityState
	MostRecentNodeID string
}

// Active returns the ids of active nodes in topology order.
func (r Result) Active(topo model.Topology) []string {
	var out []string
	for _, ref := range topo.Nodes() {
		if r.States[ref.ID].IsActive {
			out = append(out, ref.ID)
		}
	}
	return out
}

// Reconstruct walks the full ordered sequence.
func Reconstruct(seq []model.ExecutionEvent, topo model.Topology) Result {
	return ReconstructAt(seq, topo, len(seq))
}

// ReconstructAt replays only the first n events of seq. n is clamped to
// [0, len(seq)], so playback at any slider position is well defined.
func ReconstructAt(seq []model.ExecutionEvent, topo model.Topology, n int) Result {
	n = max(0, min(n, len(seq)))

	w := newWalker(topo)
	for i, ev := range seq[:n] {
		w.apply(i, ev)
	}
	return w.result()
}

// activation orders activating events by start time, then walk position.
type activation struct {
	at  time.Time
	pos int
}

func (a activation) after(b activation) bool {
	if !a.at.Equal(b.at) {
		return a.at.After(b.at)
	}
	return a.pos > b.pos
}

type walker struct {
	topo       model.Topology
	states     map[string]model.ActivityState
	activated  map[string]activation
	activeTask map[string]string // agent node id -> task id
	started    map[string]bool   // task ids that have ever started
}

func newWalker(topo model.Topology) *walker {
	w := &walker{
		topo:       topo,
		states:     make(map[string]model.ActivityState),
		activated:  make(map[string]activation),
		activeTask: make(map[string]string),
		started:    make(map[string]bool),
	}
	for _, ref := range topo.Nodes() {
		w.states[ref.ID] = model.ActivityState{NodeID: ref.ID, Kind: ref.Kind}
	}
	return w
}

func (w *walker) apply(pos int, ev model.ExecutionEvent) {
	// A task start activates the task and then its agent; the agent must
	// win the most-recent tie, so every event owns two walk positions.
	act := activation{at: ev.StartTime, pos: 2*pos + 1}

	switch ev.Name {
	case model.EventAgentTaskStart:
		agentID := events.AttrString(ev.Attributes, "agent_studio_id")
		node, ok := w.agentNode(agentID)
		if !ok {
			return
		}
		desc := events.AttrString(ev.Attributes, "task.description")
		if taskID, ok := w.matchTask(agentID, desc); ok {
			// A later start supersedes the agent's previous task.
			if prev, ok := w.activeTask[node]; ok && prev != taskID {
				w.deactivate(prev)
			}
			w.activate(taskID, activation{at: ev.StartTime, pos: 2 * pos}, nil, "")
			w.activeTask[node] = taskID
			w.started[taskID] = true
		}
		info := PlaceholderThinking
		if desc != "" {
			info = fmt.Sprintf(`I am starting a task: "%s"`, desc)
		}
		w.activate(node, act, &info, model.InfoTaskStart)

	case model.EventCompletion:
		node, ok := w.completionNode(ev)
		if !ok {
			return
		}
		text := events.AttrString(ev.Attributes, "output.value")
		if text == "" {
			if msg, failed := ev.Exception(); failed {
				text = "Error: " + msg
			}
		}
		st := w.states[node]
		if !st.IsActive && node == model.ManagerNodeID {
			// The default manager never emits a task start; its completions
			// are the only sign it is working.
			w.activate(node, act, nil, "")
			st = w.states[node]
		}
		if text != "" {
			st.Info = &text
			st.InfoType = model.InfoCompletion
		}
		w.states[node] = st

	case model.EventToolUseStart:
		id, ok := w.toolNode(ev)
		if !ok {
			return
		}
		info := toolCalling(ev)
		if info == "" {
			info = PlaceholderUsingTool
		}
		w.activate(id, act, &info, model.InfoToolInput)

	case model.EventToolUseEnd:
		id, ok := w.toolNode(ev)
		if !ok {
			return
		}
		w.deactivate(id)
		if out := events.AttrString(ev.Attributes, "output.value"); out != "" {
			st := w.states[id]
			st.Info = &out
			st.InfoType = model.InfoToolOutput
			w.states[id] = st
		}

	case model.EventAgentTaskEnd:
		node, ok := w.agentNode(events.AttrString(ev.Attributes, "agent_studio_id"))
		if !ok {
			return
		}
		w.deactivate(node)
		if taskID, ok := w.activeTask[node]; ok {
			w.deactivate(taskID)
			delete(w.activeTask, node)
		}

	case model.EventCrewComplete:
		for id := range w.states {
			w.deactivate(id)
		}
		clear(w.activeTask)
	}
}

// agentNode resolves the diagram node for an agent id. A task start with no
// agent id can only come from the default manager.
func (w *walker) agentNode(agentID string) (string, bool) {
	var node string
	switch {
	case agentID != "":
		node = w.topo.AgentNodeID(agentID)
	case w.topo.HasDefaultManager():
		node = model.ManagerNodeID
	default:
		return "", false
	}
	_, known := w.states[node]
	return node, known
}

// completionNode attributes a completion. Completions rarely carry an agent
// id, so they belong to the most recently activated agent that is still
// working, or to the manager when nobody is.
func (w *walker) completionNode(ev model.ExecutionEvent) (string, bool) {
	if agentID := events.AttrString(ev.Attributes, "agent_studio_id"); agentID != "" {
		return w.agentNode(agentID)
	}

	var (
		best  string
		bestA activation
	)
	for id, st := range w.states {
		if !st.IsActive || (st.Kind != model.NodeAgent && st.Kind != model.NodeManager) {
			continue
		}
		a := w.activated[id]
		if best == "" || a.after(bestA) {
			best, bestA = id, a
		}
	}
	if best != "" {
		return best, true
	}
	if _, ok := w.states[model.ManagerNodeID]; ok {
		return model.ManagerNodeID, true
	}
	return "", false
}

func (w *walker) toolNode(ev model.ExecutionEvent) (string, bool) {
	name := events.AttrString(ev.Attributes, "tool.name")
	if name == "" || ignoredTools[name] {
		return "", false
	}
	ti, ok := w.topo.ToolByName(name)
	if !ok {
		return "", false
	}
	_, known := w.states[ti.ID]
	return ti.ID, known
}

// matchTask finds the task a task start refers to: by description first,
// then the first not-yet-started task assigned to the agent.
func (w *walker) matchTask(agentID, desc string) (string, bool) {
	if t, ok := w.topo.TaskByDescription(desc); ok {
		if _, known := w.states[t.ID]; known {
			return t.ID, true
		}
	}
	if agentID == "" {
		return "", false
	}
	for _, t := range w.topo.TasksFor(agentID) {
		if _, known := w.states[t.ID]; known && !w.started[t.ID] {
			return t.ID, true
		}
	}
	return "", false
}

func (w *walker) activate(id string, a activation, info *string, infoType model.InfoType) {
	st := w.states[id]
	st.IsActive = true
	if info != nil {
		st.Info = info
		st.InfoType = infoType
	}
	w.states[id] = st
	w.activated[id] = a
}

func (w *walker) deactivate(id string) {
	st, ok := w.states[id]
	if !ok || !st.IsActive {
		return
	}
	st.IsActive = false
	w.states[id] = st
}

func (w *walker) result() Result {
	var (
		best  string
		bestA activation
	)
	for id, st := range w.states {
		if !st.IsActive {
			continue
		}
		a := w.activated[id]
		if best == "" || a.after(bestA) {
			best, bestA = id, a
		}
	}
	if best != "" {
		st := w.states[best]
		st.IsMostRecent = true
		w.states[best] = st
	}
	return Result{States: w.states, MostRecentNodeID: best}
}

// toolCalling extracts the "calling" field of a tool span's input. The input
// is usually a JSON string but may already be decoded.
func toolCalling(ev model.ExecutionEvent) string {
	v, ok := events.Attr(ev.Attributes, "input.value")
	if !ok {
		return ""
	}
	var input map[string]any
	switch t := v.(type) {
	case map[string]any:
		input = t
	case string:
		if err := json.Unmarshal([]byte(t), &input); err != nil {
			return ""
		}
	}
	return events.AttrString(input, "calling")
}
