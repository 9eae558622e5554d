package events

import (
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Outcome summarizes how far a run has progressed according to its events.
type Outcome struct {
	Completed   bool
	Failed      bool
	Error       string
	CrewOutput  string
	CompletedAt time.Time
}

// Status maps the outcome onto a run status for a trace that is being polled.
func (o Outcome) Status() model.RunStatus {
	switch {
	case o.Failed:
		return model.RunStatusFailed
	case o.Completed:
		return model.RunStatusCompleted
	default:
		return model.RunStatusRunning
	}
}

// DetectOutcome scans an ordered sequence for terminal signals. A
// Crew.complete anywhere completes the run. A completion span that recorded
// an exception fails it; the first such exception wins.
func DetectOutcome(seq []model.ExecutionEvent) Outcome {
	var o Outcome
	for _, ev := range seq {
		switch ev.Name {
		case model.EventCrewComplete:
			if !o.Completed {
				o.Completed = true
				o.CompletedAt = ev.StartTime
				o.CrewOutput = CrewOutput(ev)
			}
		case model.EventCompletion:
			if msg, ok := ev.Exception(); ok && !o.Failed {
				o.Failed = true
				o.Error = msg
			}
		}
	}
	return o
}

// CrewOutput extracts the final crew output text from a Crew.complete event.
func CrewOutput(ev model.ExecutionEvent) string {
	if s := AttrString(ev.Attributes, "crew_output"); s != "" {
		return s
	}
	return AttrString(ev.Attributes, "output.value")
}
