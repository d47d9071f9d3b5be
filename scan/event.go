package scan

import "time"

// EventType identifies the kind of a scan event.
type EventType string

const (
	EventProgress      EventType = "progress"
	EventVulnerability EventType = "vulnerability"
	EventCompletion    EventType = "completion"
	EventFailure       EventType = "failure"
)

// Terminal returns true for event types that end a job's stream.
func (t EventType) Terminal() bool {
	return t == EventCompletion || t == EventFailure
}

// Event is one entry in a job's ordered event history. Seq is assigned at
// publish time and is contiguous from zero within a job; Which payload fields
// are set depends on Type.
type Event struct {
	Type      EventType `json:"type"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	// progress
	Message string `json:"message,omitempty"`

	// vulnerability
	Finding *Finding `json:"finding,omitempty"`

	// completion
	Summary  string    `json:"summary,omitempty"`
	Findings []Finding `json:"findings,omitempty"`

	// failure
	Reason string `json:"reason,omitempty"`
}

func progressEvent(message string) Event {
	return Event{Type: EventProgress, Timestamp: time.Now(), Message: message}
}

func vulnerabilityEvent(f Finding) Event {
	return Event{Type: EventVulnerability, Timestamp: time.Now(), Finding: &f}
}

func completionEvent(summary string, findings []Finding) Event {
	return Event{Type: EventCompletion, Timestamp: time.Now(), Summary: summary, Findings: findings}
}

func failureEvent(reason string) Event {
	return Event{Type: EventFailure, Timestamp: time.Now(), Reason: reason}
}
