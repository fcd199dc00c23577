// Package fraud maintains rolling per-user activity profiles and flags
// anomalous behaviour with a fixed table of threshold rules.
//
// Profiles are built lazily from the observed event stream and are never
// persisted; losing them only means re-learning from subsequent events.
package fraud

import (
	"time"

	"github.com/quizlab/merit/internal/domain/model"
)

// Severity grades an anomaly alert.
type Severity string

// Alert severities.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly types raised by the rule table, plus the dormancy flag raised
// by Sweep.
const (
	AnomalyRapidEarning          = "rapid_earning"
	AnomalyImpossiblePerformance = "impossible_performance"
	AnomalySuspiciousStreak      = "suspicious_streak"
	AnomalyTimeManipulation      = "time_manipulation"
	AnomalyPatternRepetition     = "pattern_repetition"
	AnomalyDormantHighRisk       = "dormant_high_risk"
)

// Observation is one unit of input to the detector: the activity event,
// the statistics snapshot loaded alongside it and any achievements the
// event just earned.
type Observation struct {
	Event       model.ActivityEvent
	Stats       model.UserStatistics
	NewlyEarned []string
}

// Alert is an immutable record of one fired anomaly rule. Resolved is
// flipped by operator action only.
type Alert struct {
	ID          string
	UserID      string
	Type        string
	Severity    Severity
	Description string
	Evidence    map[string]any
	At          time.Time
	Resolved    bool
}

// Profile is a point-in-time snapshot of a user's rolling activity
// profile, safe to retain after the detector moves on.
type Profile struct {
	UserID          string
	EventCount      int
	AccuracyEMA     float64
	AccuracySamples int
	SessionTimeEMA  float64
	DeviceCount     int
	EarnedToday     int
	SuspiciousCount int
	RiskScore       float64
	HighRisk        bool
	LastActivity    time.Time
}

// profile is the detector-owned mutable state behind a Profile snapshot.
type profile struct {
	userID          string
	eventCount      int
	accuracyEMA     float64
	accuracySamples int
	sessionTimeEMA  float64
	devices         map[string]struct{}
	patternCounts   map[string]int
	completionsMs   []float64
	earnedDay       string
	earnedToday     int
	suspiciousCount int
	riskScore       float64
	highRisk        bool
	lastActivity    time.Time
}

func newProfile(userID string) *profile {
	return &profile{
		userID:        userID,
		devices:       make(map[string]struct{}),
		patternCounts: make(map[string]int),
	}
}

func (p *profile) snapshot() Profile {
	return Profile{
		UserID:          p.userID,
		EventCount:      p.eventCount,
		AccuracyEMA:     p.accuracyEMA,
		AccuracySamples: p.accuracySamples,
		SessionTimeEMA:  p.sessionTimeEMA,
		DeviceCount:     len(p.devices),
		EarnedToday:     p.earnedToday,
		SuspiciousCount: p.suspiciousCount,
		RiskScore:       p.riskScore,
		HighRisk:        p.highRisk,
		LastActivity:    p.lastActivity,
	}
}
