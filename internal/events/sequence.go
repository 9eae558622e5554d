package events

import (
	"slices"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Merge folds a new poll batch into the existing sequence and returns a new
// slice ordered by start time. Events with equal start times keep arrival
// order (existing first, then batch order). An already-seen node id is never
// replaced, and nothing is ever removed, so repeated merges of the same
// batch are idempotent.
func Merge(existing, batch []model.ExecutionEvent) []model.ExecutionEvent {
	seen := make(map[string]struct{}, len(existing)+len(batch))
	out := make([]model.ExecutionEvent, 0, len(existing)+len(batch))

	for _, ev := range existing {
		if _, dup := seen[ev.NodeID]; dup {
			continue
		}
		seen[ev.NodeID] = struct{}{}
		out = append(out, ev)
	}
	for _, ev := range batch {
		if _, dup := seen[ev.NodeID]; dup {
			continue
		}
		seen[ev.NodeID] = struct{}{}
		out = append(out, ev)
	}

	slices.SortStableFunc(out, func(a, b model.ExecutionEvent) int {
		return a.StartTime.Compare(b.StartTime)
	})
	return out
}

// Sequence is an append-only view over merged events for one trace. It is
// not safe for concurrent use; the execution driver owns it exclusively.
type Sequence struct {
	events []model.ExecutionEvent
}

// Merge folds batch into the sequence and reports how many events were new.
func (s *Sequence) Merge(batch []model.ExecutionEvent) int {
	before := len(s.events)
	s.events = Merge(s.events, batch)
	return len(s.events) - before
}

// Events returns a copy of the ordered sequence.
func (s *Sequence) Events() []model.ExecutionEvent {
	return slices.Clone(s.events)
}

// Len returns the number of merged events.
func (s *Sequence) Len() int {
	return len(s.events)
}

// Reset drops every event. Used only when the owning driver switches traces.
func (s *Sequence) Reset() {
	s.events = nil
}
