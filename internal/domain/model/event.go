// Package model contains domain models passed between layers.
package model

import "time"

// EventType classifies an activity event.
type EventType string

// Known activity event types.
const (
	EventQuizCompleted     EventType = "quiz_completed"
	EventAnswerSubmitted   EventType = "answer_submitted"
	EventStreakUpdated     EventType = "streak_updated"
	EventSessionStarted    EventType = "session_started"
	EventStudyDayCompleted EventType = "study_day_completed"
)

// ActivityEvent is an immutable fact about user activity. It is created by
// an external ingestion path, never mutated, and consumed many times
// (achievement evaluation, fraud scoring, audit).
type ActivityEvent struct {
	ID         string         // unique id for idempotency
	UserID     string         // subject identifier
	Type       EventType      // what happened
	Data       map[string]any // untyped payload, see accessor helpers
	OccurredAt time.Time      // event timestamp
}

// Float64 reads a numeric payload field. JSON decoding and hand-built maps
// both land here, so ints are accepted too.
func (e ActivityEvent) Float64(key string) (float64, bool) {
	v, ok := e.Data[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Int reads an integer payload field.
func (e ActivityEvent) Int(key string) (int, bool) {
	f, ok := e.Float64(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// String reads a string payload field.
func (e ActivityEvent) String(key string) (string, bool) {
	v, ok := e.Data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool reads a boolean payload field.
func (e ActivityEvent) Bool(key string) (bool, bool) {
	v, ok := e.Data[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
