// Package transcript maps workflow output events onto chat transcript
// entries. Entries are keyed by the triggering event's node id so repeated
// polls over the same history never duplicate a line.
package transcript

import (
	"slices"

	"github.com/ashita-ai/kansoku/internal/events"
	"github.com/ashita-ai/kansoku/internal/model"
)

// Options controls which events become transcript entries.
type Options struct {
	// IncludeCompletions also posts the output of every intermediate LLM
	// completion. By default only crew output and errors are posted.
	IncludeCompletions bool
}

// ExtractUpdates returns the entries that events would add to existing, in
// event order. It never returns an entry whose id is already present.
func ExtractUpdates(seq []model.ExecutionEvent, existing []model.ChatEntry, opts Options) []model.ChatEntry {
	seen := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		if e.ID != "" {
			seen[e.ID] = struct{}{}
		}
	}

	var updates []model.ChatEntry
	for _, ev := range seq {
		entry, ok := entryFor(ev, opts)
		if !ok {
			continue
		}
		if _, dup := seen[entry.ID]; dup {
			continue
		}
		seen[entry.ID] = struct{}{}
		updates = append(updates, entry)
	}
	return updates
}

func entryFor(ev model.ExecutionEvent, opts Options) (model.ChatEntry, bool) {
	var content string
	switch ev.Name {
	case model.EventCrewComplete:
		content = events.CrewOutput(ev)
	case model.EventCompletion:
		if msg, failed := ev.Exception(); failed {
			content = "Error: " + msg
		} else if opts.IncludeCompletions {
			content = events.AttrString(ev.Attributes, "output.value")
		}
	default:
		return model.ChatEntry{}, false
	}
	if content == "" || ev.NodeID == "" {
		return model.ChatEntry{}, false
	}
	return model.ChatEntry{ID: ev.NodeID, Role: model.RoleAssistant, Content: content}, true
}

// Append returns existing followed by updates whose ids are not already
// present. Existing entries are never reordered or removed.
func Append(existing, updates []model.ChatEntry) []model.ChatEntry {
	out := slices.Clone(existing)
	seen := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		if e.ID != "" {
			seen[e.ID] = struct{}{}
		}
	}
	for _, u := range updates {
		if u.ID != "" {
			if _, dup := seen[u.ID]; dup {
				continue
			}
			seen[u.ID] = struct{}{}
		}
		out = append(out, u)
	}
	return out
}

// UserMessage builds a locally originated entry. It carries no id.
func UserMessage(content string) model.ChatEntry {
	return model.ChatEntry{Role: model.RoleUser, Content: content}
}
