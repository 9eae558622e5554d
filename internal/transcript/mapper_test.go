package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/events"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

func completion(id, text string, sec int) model.ExecutionEvent {
	return model.ExecutionEvent{
		NodeID:     id,
		Name:       model.EventCompletion,
		StartTime:  time.Unix(int64(sec), 0),
		Attributes: map[string]any{"output": map[string]any{"value": text}},
		SubEvents:  []model.SubEvent{},
	}
}

func TestExtractUpdatesCompletionAndCrewOutput(t *testing.T) {
	seq := []model.ExecutionEvent{
		{NodeID: "k", Name: model.EventCrewKickoff, Attributes: map[string]any{}},
		completion("c1", "draft", 1),
		{NodeID: "end", Name: model.EventCrewComplete, Attributes: map[string]any{"crew_output": "final"}},
	}
	final := ExtractUpdates(seq, nil, Options{})
	assert.Equal(t, []model.ChatEntry{{ID: "end", Role: model.RoleAssistant, Content: "final"}}, final)

	got := ExtractUpdates(seq, nil, Options{IncludeCompletions: true})
	assert.Equal(t, []model.ChatEntry{
		{ID: "c1", Role: model.RoleAssistant, Content: "draft"},
		{ID: "end", Role: model.RoleAssistant, Content: "final"},
	}, got)
}

func TestExtractUpdatesDefaultPostsOnlyCrewOutput(t *testing.T) {
	batch, err := events.ClassifyAll(testutil.FullRun())
	require.NoError(t, err)
	seq := events.Merge(nil, batch)

	got := ExtractUpdates(seq, nil, Options{})
	assert.Equal(t, []model.ChatEntry{{ID: "e5", Role: model.RoleAssistant, Content: "done"}}, got)
}

func TestExtractUpdatesDuplicateAcrossPolls(t *testing.T) {
	var seq []model.ExecutionEvent
	var transcript []model.ChatEntry

	for range 2 {
		seq = events.Merge(seq, []model.ExecutionEvent{completion("n1", "hello", 1)})
		transcript = Append(transcript, ExtractUpdates(seq, transcript, Options{IncludeCompletions: true}))
	}

	require.Len(t, transcript, 1)
	assert.Equal(t, "n1", transcript[0].ID)
}

func TestExtractUpdatesDuplicateWithinBatch(t *testing.T) {
	seq := []model.ExecutionEvent{completion("n1", "a", 1), completion("n1", "b", 2)}
	got := ExtractUpdates(seq, nil, Options{IncludeCompletions: true})
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Content)
}

func TestExtractUpdatesSkipsEmptyAndOtherKinds(t *testing.T) {
	seq := []model.ExecutionEvent{
		completion("c0", "", 0),
		{NodeID: "s", Name: model.EventAgentTaskStart, Attributes: map[string]any{"output": map[string]any{"value": "x"}}},
		{NodeID: "e", Name: model.EventAgentTaskEnd, Attributes: map[string]any{}},
	}
	assert.Empty(t, ExtractUpdates(seq, nil, Options{}))
}

func TestExtractUpdatesException(t *testing.T) {
	failed := completion("c1", "", 1)
	failed.SubEvents = []model.SubEvent{{Name: model.SubEventException, Message: "quota exceeded"}}

	got := ExtractUpdates([]model.ExecutionEvent{failed}, nil, Options{})
	require.Len(t, got, 1)
	assert.Equal(t, "Error: quota exceeded", got[0].Content)
}

func TestTranscriptDedupProperty(t *testing.T) {
	polls := [][]model.ExecutionEvent{
		{completion("a", "1", 1)},
		{completion("a", "1", 1), completion("b", "2", 2)},
		{completion("b", "2", 2), completion("c", "3", 3), completion("a", "1", 1)},
		{completion("c", "3", 3)},
	}

	var seq []model.ExecutionEvent
	transcript := []model.ChatEntry{UserMessage("start"), UserMessage("start")}
	for _, batch := range polls {
		seq = events.Merge(seq, batch)
		transcript = Append(transcript, ExtractUpdates(seq, transcript, Options{IncludeCompletions: true}))

		ids := map[string]int{}
		for _, e := range transcript {
			if e.ID != "" {
				ids[e.ID]++
			}
		}
		for id, n := range ids {
			assert.Equal(t, 1, n, "id %s duplicated", id)
		}
	}
	assert.Len(t, transcript, 5, "two user messages plus three completions")
}

func TestAppendPreservesExisting(t *testing.T) {
	existing := []model.ChatEntry{UserMessage("hi"), {ID: "a", Role: model.RoleAssistant, Content: "1"}}
	got := Append(existing, []model.ChatEntry{{ID: "a", Content: "dup"}, {ID: "b", Content: "2"}, UserMessage("again")})

	assert.Equal(t, existing, got[:2])
	assert.Len(t, got, 4)
	assert.Equal(t, "b", got[2].ID)
	assert.Equal(t, model.RoleUser, got[3].Role)
	assert.Len(t, existing, 2, "input not modified")
}
