package types

import (
	"encoding/json"
	"time"
)

// EventKind enumerates the facts recorded against a job.
type EventKind string

const (
	// Lifecycle, exactly one per status transition.
	EventJobAccepted  EventKind = "job_accepted"
	EventJobStarted   EventKind = "job_started"
	EventJobCompleted EventKind = "job_completed"
	EventJobFailed    EventKind = "job_failed"
	EventJobCancelled EventKind = "job_cancelled"
	EventJobTimedOut  EventKind = "job_timed_out"

	// Decisions taken by the fallback controller and notices from the engine.
	EventFallbackApplied  EventKind = "fallback_applied"
	EventOCRDecision      EventKind = "ocr_decision"
	EventFormatConversion EventKind = "format_conversion"
	EventPriorTextLayer   EventKind = "prior_text_layer"

	// Reaper.
	EventJobTimeout EventKind = "job_timeout"
	EventJobCleanup EventKind = "job_cleanup"
)

// LifecycleEvent maps a status to the event emitted when a job enters it.
func LifecycleEvent(s Status) EventKind {
	switch s {
	case StatusQueued:
		return EventJobAccepted
	case StatusProcessing:
		return EventJobStarted
	case StatusCompleted:
		return EventJobCompleted
	case StatusFailed:
		return EventJobFailed
	case StatusCancelled:
		return EventJobCancelled
	case StatusTimedOut:
		return EventJobTimedOut
	}
	return ""
}

// Event is an immutable, ordered fact about a job.
type Event struct {
	JobID     JobID          `json:"job_id"`
	Seq       uint64         `json:"seq"` // per-job, starts at 1, no gaps
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// NormalizeDetails returns a copy of details in the shape every store hands
// back on read: the result of a JSON round trip. Numbers become float64,
// slices become []any and nested objects map[string]any.
func NormalizeDetails(details map[string]any) (map[string]any, error) {
	if len(details) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
