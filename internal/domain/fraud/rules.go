package fraud

import (
	"fmt"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/quizlab/merit/internal/domain/model"
)

// Anomaly rule thresholds.
const (
	rapidEarningPerDay    = 10
	impossibleAccuracy    = 0.99
	impossibleMinSamples  = 50
	suspiciousStreakLimit = 100
	minCompletionMs       = 100
	minMsPerAnswer        = 2000
	patternRepeatLimit    = 10
)

// Risk score indicator weights and thresholds.
const (
	riskAccuracyBar      = 0.95
	riskAccuracyWeight   = 20
	riskEarnRateBar      = 5
	riskEarnRateWeight   = 15
	riskDeviceBar        = 3
	riskDeviceWeight     = 10
	riskSuspiciousBar    = 5
	riskSuspiciousWeight = 25
	riskRecentWindow     = 5 * time.Minute
	riskRecentWeight     = 10
	highRiskThreshold    = 70
)

// anomalyRule is one row of the fixed detection table.
type anomalyRule struct {
	anomalyType string
	severity    Severity
	description string
	predicate   func(p *profile, obs Observation) bool
}

// ruleTable returns the fixed anomaly rule set, evaluated in order after
// every profile update.
func ruleTable() []anomalyRule {
	return []anomalyRule{
		{
			anomalyType: AnomalyRapidEarning,
			severity:    SeverityHigh,
			description: "more achievements earned in one day than plausible",
			predicate: func(p *profile, obs Observation) bool {
				return p.earnedToday > rapidEarningPerDay
			},
		},
		{
			anomalyType: AnomalyImpossiblePerformance,
			severity:    SeverityCritical,
			description: "sustained accuracy beyond human performance",
			predicate: func(p *profile, obs Observation) bool {
				return p.accuracySamples > impossibleMinSamples && p.accuracyEMA > impossibleAccuracy
			},
		},
		{
			anomalyType: AnomalySuspiciousStreak,
			severity:    SeverityHigh,
			description: "streak length beyond the plausible range",
			predicate: func(p *profile, obs Observation) bool {
				return obs.Stats.CurrentStreak > suspiciousStreakLimit
			},
		},
		{
			anomalyType: AnomalyTimeManipulation,
			severity:    SeverityMedium,
			description: "completion faster than the content can be read",
			predicate: func(p *profile, obs Observation) bool {
				ms, ok := obs.Event.Float64("time_spent_ms")
				if !ok {
					return false
				}
				if ms < minCompletionMs {
					return true
				}
				answers, ok := obs.Event.Int("question_count")
				return ok && answers > 0 && ms < float64(minMsPerAnswer*answers)
			},
		},
		{
			anomalyType: AnomalyPatternRepetition,
			severity:    SeverityMedium,
			description: "identical submission pattern repeated",
			predicate: func(p *profile, obs Observation) bool {
				return p.patternCounts[patternKey(obs.Event)] > patternRepeatLimit
			},
		},
	}
}

// patternKey derives a coarse fingerprint of a submission so repeated
// mechanical replays collide on the same key.
func patternKey(e model.ActivityEvent) string {
	quizID, _ := e.String("quiz_id")
	correct, _ := e.Int("correct_count")
	ms, _ := e.Float64("time_spent_ms")
	return fmt.Sprintf("%s|%s|%d|%d", e.Type, quizID, correct, int(ms)/100)
}

// riskScoreOf recomputes the additive risk score from the profile's
// current indicators, clamped to [0,100].
func riskScoreOf(p *profile, now time.Time) float64 {
	score := 0.0
	if p.accuracyEMA > riskAccuracyBar {
		score += riskAccuracyWeight
	}
	if p.earnedToday > riskEarnRateBar {
		score += riskEarnRateWeight
	}
	if len(p.devices) > riskDeviceBar {
		score += riskDeviceWeight
	}
	if p.suspiciousCount > riskSuspiciousBar {
		score += riskSuspiciousWeight
	}
	if !p.lastActivity.IsZero() && now.Sub(p.lastActivity) < riskRecentWindow {
		score += riskRecentWeight
	}
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// timingEvidence summarises the profile's recent completion times for an
// alert's evidence snapshot.
func timingEvidence(samples []float64) map[string]any {
	if len(samples) == 0 {
		return nil
	}
	mean, _ := stats.Mean(samples)
	median, _ := stats.Median(samples)
	stddev, _ := stats.StandardDeviation(samples)
	return map[string]any{
		"completion_ms_mean":   mean,
		"completion_ms_median": median,
		"completion_ms_stddev": stddev,
		"completion_samples":   len(samples),
	}
}
