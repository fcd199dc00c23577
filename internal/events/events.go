// Package events provides the in-process domain event bus.
//
// Topics match the emitted-event contract consumed by the cache
// invalidator, notification dispatch and fraud listeners. Publishing is
// non-blocking: a subscriber that cannot keep up loses events (counted),
// never stalls the publisher.
package events

import "time"

// Topic names a domain event stream.
type Topic string

// Emitted domain event topics.
const (
	TopicAchievementEarned Topic = "achievement.earned"
	TopicProgressUpdated   Topic = "achievement.progress.updated"
	TopicAnomalyDetected   Topic = "fraud.anomaly_detected"
	TopicHighRiskUser      Topic = "fraud.high_risk_user"
	TopicSagaStep          Topic = "saga.step"
)

// Event is one published domain event.
type Event struct {
	Topic   Topic
	At      time.Time
	Payload any
}

// AchievementEarned is the payload for TopicAchievementEarned.
type AchievementEarned struct {
	UserID        string
	AchievementID string
	EarnedAt      time.Time
}

// ProgressUpdated is the payload for TopicProgressUpdated.
type ProgressUpdated struct {
	UserID        string
	AchievementID string
}

// AnomalyDetected is the payload for TopicAnomalyDetected.
type AnomalyDetected struct {
	AlertID  string
	UserID   string
	Type     string
	Severity string
	Evidence map[string]any
	At       time.Time
}

// HighRiskUser is the payload for TopicHighRiskUser.
type HighRiskUser struct {
	UserID    string
	RiskScore float64
}

// SagaStep is the payload for TopicSagaStep. Outcome is one of
// "completed", "failed" or "compensated".
type SagaStep struct {
	SagaID   string
	StepName string
	Outcome  string
}
