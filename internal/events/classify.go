// Package events classifies raw trace spans into workflow lifecycle events
// and merges successive poll results into one ordered sequence.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashita-ai/kansoku/internal/model"
)

// ErrMalformedAttributes is returned when a recognized span carries an
// attributes payload that is not a JSON object.
var ErrMalformedAttributes = errors.New("events: malformed event attributes")

// Classify normalizes one raw descendant. It returns (nil, nil) for spans
// whose name is not a recognized lifecycle event.
func Classify(raw model.RawDescendant) (*model.ExecutionEvent, error) {
	name := model.EventName(raw.Name)
	if !name.Known() {
		return nil, nil
	}

	attrs := map[string]any{}
	if s := strings.TrimSpace(raw.Attributes); s != "" {
		if err := json.Unmarshal([]byte(s), &attrs); err != nil {
			return nil, fmt.Errorf("%w: node %s (%s): %v", ErrMalformedAttributes, raw.ID, raw.Name, err)
		}
		if attrs == nil {
			attrs = map[string]any{}
		}
	}

	subEvents := raw.Events
	if subEvents == nil {
		subEvents = []model.SubEvent{}
	}

	return &model.ExecutionEvent{
		NodeID:     raw.ID,
		Name:       name,
		StartTime:  raw.StartTime,
		EndTime:    raw.EndTime,
		Attributes: attrs,
		SubEvents:  subEvents,
		Tokens: model.TokenCounts{
			Total:      raw.CumulativeTokenCountTotal,
			Prompt:     raw.CumulativeTokenCountPrompt,
			Completion: raw.CumulativeTokenCountCompletion,
		},
	}, nil
}

// ClassifyAll classifies a whole poll result in discovery order. The first
// malformed event aborts the batch so no partial result is returned.
func ClassifyAll(raws []model.RawDescendant) ([]model.ExecutionEvent, error) {
	out := make([]model.ExecutionEvent, 0, len(raws))
	for _, raw := range raws {
		ev, err := Classify(raw)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			out = append(out, *ev)
		}
	}
	return out, nil
}

// Attr resolves a dotted attribute path. Phoenix nests dotted OpenInference
// keys ("tool.name" becomes {"tool":{"name":...}}) but flat keys also occur,
// so both shapes are tried at every level.
func Attr(attrs map[string]any, path string) (any, bool) {
	if attrs == nil {
		return nil, false
	}
	if v, ok := attrs[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	for found {
		if child, ok := attrs[head].(map[string]any); ok {
			if v, ok := Attr(child, rest); ok {
				return v, true
			}
		}
		var next string
		next, rest, found = strings.Cut(rest, ".")
		head = head + "." + next
	}
	return nil, false
}

// AttrString resolves path and returns it as a string. Non-string scalars
// are formatted; objects and arrays are re-encoded as JSON.
func AttrString(attrs map[string]any, path string) string {
	v, ok := Attr(attrs, path)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
