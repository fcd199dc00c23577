package fraud

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quizlab/merit/internal/events"
	"github.com/quizlab/merit/pkg/logger"
	"github.com/quizlab/merit/pkg/metrics"
)

// Default detector configuration constants.
const (
	defaultWorkerCount = 8
	defaultQueueSize   = 512

	emaOldWeight     = 0.9
	emaNewWeight     = 0.1
	completionWindow = 50

	dormancyAge      = 30 * 24 * time.Hour
	dormancyDecay    = 5
	dormantRiskFloor = 50
	defaultAlertKeep = 1024
)

// detectorShard owns the profiles routed to one worker.
type detectorShard struct {
	mu       sync.Mutex
	profiles map[string]*profile
}

// Detector scores the activity stream against the anomaly rule table.
// Observations for the same user always land on the same worker, so a
// profile has a single writer and its EMAs stay consistent.
type Detector struct {
	workerCount int
	queueSize   int
	highRiskAt  float64
	now         func() time.Time

	bus   events.Bus
	log   logger.Logger
	rules []anomalyRule

	shards []*detectorShard
	queues []chan Observation

	alertMu    sync.Mutex
	alerts     map[string]*Alert
	alertOrder []string
	alertKeep  int

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stopMu    sync.RWMutex
	stopped   bool
}

// Option applies a configuration option to the Detector.
type Option func(*Detector)

// WithWorkerCount sets the number of scoring workers (and profile
// shards).
func WithWorkerCount(count int) Option {
	return func(d *Detector) {
		if count > 0 {
			d.workerCount = count
		}
	}
}

// WithQueueSize sets each worker's observation queue length.
func WithQueueSize(size int) Option {
	return func(d *Detector) {
		if size > 0 {
			d.queueSize = size
		}
	}
}

// WithHighRiskThreshold overrides the risk score at which a user is
// flagged high-risk.
func WithHighRiskThreshold(score float64) Option {
	return func(d *Detector) {
		if score > 0 {
			d.highRiskAt = score
		}
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDetector creates a detector publishing alerts on bus.
func NewDetector(bus events.Bus, opts ...Option) *Detector {
	d := &Detector{
		workerCount: defaultWorkerCount,
		queueSize:   defaultQueueSize,
		highRiskAt:  highRiskThreshold,
		now:         time.Now,
		bus:         bus,
		log:         logger.Named("fraud.detector"),
		rules:       ruleTable(),
		alerts:      make(map[string]*Alert),
		alertKeep:   defaultAlertKeep,
	}

	// Apply all options
	for _, opt := range opts {
		opt(d)
	}

	d.shards = make([]*detectorShard, d.workerCount)
	d.queues = make([]chan Observation, d.workerCount)
	for i := range d.shards {
		d.shards[i] = &detectorShard{profiles: make(map[string]*profile)}
		d.queues[i] = make(chan Observation, d.queueSize)
	}
	return d
}

func (d *Detector) indexFor(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32()) % d.workerCount
}

// Start launches the scoring workers. They drain their queues until Stop
// closes them or ctx is cancelled.
func (d *Detector) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		for _, queue := range d.queues {
			d.wg.Add(1)
			go func(queue <-chan Observation) {
				defer d.wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case obs, open := <-queue:
						if !open {
							return
						}
						d.Observe(ctx, obs)
					}
				}
			}(queue)
		}
	})
}

// Stop closes the queues and waits for in-flight scoring to finish.
// Late Submit calls racing the shutdown are dropped, never a panic.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() {
		d.stopMu.Lock()
		d.stopped = true
		d.stopMu.Unlock()
		for _, queue := range d.queues {
			close(queue)
		}
		d.wg.Wait()
	})
}

// Submit enqueues an observation for asynchronous scoring. It never
// blocks; a full queue or a stopped detector drops the observation and
// reports false.
func (d *Detector) Submit(obs Observation) bool {
	// Holding the read lock keeps Stop from closing the queue mid-send.
	d.stopMu.RLock()
	defer d.stopMu.RUnlock()
	if d.stopped {
		return false
	}

	select {
	case d.queues[d.indexFor(obs.Event.UserID)] <- obs:
		return true
	default:
		d.log.Warn(context.Background(), "fraud queue full, observation dropped",
			logger.String("user_id", obs.Event.UserID),
			logger.String("event_id", obs.Event.ID),
		)
		return false
	}
}

// Observe scores one observation synchronously and returns any raised
// alerts. It is the core Submit workers run, and the call path for
// callers that need the verdict inline.
func (d *Detector) Observe(ctx context.Context, obs Observation) []Alert {
	userID := obs.Event.UserID
	if userID == "" {
		return nil
	}
	now := d.now()

	sh := d.shards[d.indexFor(userID)]
	sh.mu.Lock()
	p, ok := sh.profiles[userID]
	if !ok {
		p = newProfile(userID)
		sh.profiles[userID] = p
	}
	alerts, crossedHighRisk := d.apply(p, obs, now)
	riskScore := p.riskScore
	sh.mu.Unlock()

	d.retainAlerts(alerts)
	metrics.RecordRiskScore(riskScore)
	for _, alert := range alerts {
		metrics.RecordFraudAlert(alert.Type, string(alert.Severity))
		d.log.Warn(ctx, "anomaly detected",
			logger.String("user_id", alert.UserID),
			logger.String("type", alert.Type),
			logger.String("severity", string(alert.Severity)),
		)
		if d.bus != nil {
			d.bus.Publish(ctx, events.Event{
				Topic: events.TopicAnomalyDetected,
				Payload: events.AnomalyDetected{
					AlertID:  alert.ID,
					UserID:   alert.UserID,
					Type:     alert.Type,
					Severity: string(alert.Severity),
					Evidence: alert.Evidence,
					At:       alert.At,
				},
			})
		}
	}
	if crossedHighRisk {
		metrics.RecordHighRiskUser()
		d.log.Warn(ctx, "user crossed high-risk threshold",
			logger.String("user_id", userID),
			logger.Float64("risk_score", riskScore),
		)
		if d.bus != nil {
			d.bus.Publish(ctx, events.Event{
				Topic:   events.TopicHighRiskUser,
				Payload: events.HighRiskUser{UserID: userID, RiskScore: riskScore},
			})
		}
	}
	return alerts
}

// apply updates the profile with one observation, runs the rule table
// and recomputes the risk score. Caller holds the shard lock.
func (d *Detector) apply(p *profile, obs Observation, now time.Time) ([]Alert, bool) {
	p.eventCount++

	day := obs.Event.OccurredAt.Format("2006-01-02")
	if day != p.earnedDay {
		p.earnedDay = day
		p.earnedToday = 0
	}
	p.earnedToday += len(obs.NewlyEarned)

	if device, ok := obs.Event.String("device_id"); ok {
		p.devices[device] = struct{}{}
	}

	if correct, ok := obs.Event.Bool("correct"); ok {
		x := 0.0
		if correct {
			x = 1.0
		}
		if p.accuracySamples == 0 {
			p.accuracyEMA = x
		} else {
			p.accuracyEMA = emaOldWeight*p.accuracyEMA + emaNewWeight*x
		}
		p.accuracySamples++
	}

	if ms, ok := obs.Event.Float64("time_spent_ms"); ok {
		if p.sessionTimeEMA == 0 {
			p.sessionTimeEMA = ms
		} else {
			p.sessionTimeEMA = emaOldWeight*p.sessionTimeEMA + emaNewWeight*ms
		}
		p.completionsMs = append(p.completionsMs, ms)
		if len(p.completionsMs) > completionWindow {
			p.completionsMs = p.completionsMs[len(p.completionsMs)-completionWindow:]
		}
	}

	p.patternCounts[patternKey(obs.Event)]++
	p.lastActivity = now

	var alerts []Alert
	for _, rule := range d.rules {
		if !rule.predicate(p, obs) {
			continue
		}
		alerts = append(alerts, d.newAlert(p, obs, rule, now))
	}
	p.suspiciousCount += len(alerts)

	previous := p.riskScore
	p.riskScore = riskScoreOf(p, now)
	crossed := previous < d.highRiskAt && p.riskScore >= d.highRiskAt
	if crossed {
		p.highRisk = true
	}
	return alerts, crossed
}

func (d *Detector) newAlert(p *profile, obs Observation, rule anomalyRule, now time.Time) Alert {
	evidence := map[string]any{
		"event_id":         obs.Event.ID,
		"event_type":       string(obs.Event.Type),
		"accuracy_ema":     p.accuracyEMA,
		"earned_today":     p.earnedToday,
		"suspicious_count": p.suspiciousCount,
	}
	for k, v := range timingEvidence(p.completionsMs) {
		evidence[k] = v
	}
	return Alert{
		ID:          uuid.NewString(),
		UserID:      p.userID,
		Type:        rule.anomalyType,
		Severity:    rule.severity,
		Description: rule.description,
		Evidence:    evidence,
		At:          now,
	}
}

// Profile returns a snapshot of one user's profile.
func (d *Detector) Profile(userID string) (Profile, bool) {
	sh := d.shards[d.indexFor(userID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	p, ok := sh.profiles[userID]
	if !ok {
		return Profile{}, false
	}
	return p.snapshot(), true
}

// Sweep decays risk scores for long-dormant users and returns the ids of
// dormant accounts that were previously high-risk, flagged for review.
// Each flagged account gets a low-severity dormancy alert.
func (d *Detector) Sweep(ctx context.Context) []string {
	now := d.now()
	var flagged []string
	var dormant []Alert
	total := 0

	for _, sh := range d.shards {
		sh.mu.Lock()
		for userID, p := range sh.profiles {
			total++
			if now.Sub(p.lastActivity) <= dormancyAge {
				continue
			}
			p.riskScore -= dormancyDecay
			if p.riskScore < 0 {
				p.riskScore = 0
			}
			if p.highRisk && p.riskScore >= dormantRiskFloor {
				flagged = append(flagged, userID)
				dormant = append(dormant, Alert{
					ID:          uuid.NewString(),
					UserID:      userID,
					Type:        AnomalyDormantHighRisk,
					Severity:    SeverityLow,
					Description: "high-risk account went dormant, review before it returns",
					Evidence: map[string]any{
						"risk_score":    p.riskScore,
						"last_activity": p.lastActivity,
					},
					At: now,
				})
			}
		}
		sh.mu.Unlock()
	}

	d.retainAlerts(dormant)
	metrics.UpdateActiveProfiles(total)
	for _, alert := range dormant {
		metrics.RecordFraudAlert(alert.Type, string(alert.Severity))
		if d.bus != nil {
			d.bus.Publish(ctx, events.Event{
				Topic: events.TopicAnomalyDetected,
				Payload: events.AnomalyDetected{
					AlertID:  alert.ID,
					UserID:   alert.UserID,
					Type:     alert.Type,
					Severity: string(alert.Severity),
					Evidence: alert.Evidence,
					At:       alert.At,
				},
			})
		}
	}
	if len(flagged) > 0 {
		d.log.Info(ctx, "dormant high-risk accounts flagged for review",
			logger.Int("count", len(flagged)),
		)
	}
	return flagged
}

// retainAlerts appends raised alerts to the bounded review log, evicting
// the oldest entries once the retention cap is hit.
func (d *Detector) retainAlerts(alerts []Alert) {
	if len(alerts) == 0 {
		return
	}
	d.alertMu.Lock()
	defer d.alertMu.Unlock()

	for i := range alerts {
		alert := alerts[i]
		d.alerts[alert.ID] = &alert
		d.alertOrder = append(d.alertOrder, alert.ID)
	}
	for len(d.alertOrder) > d.alertKeep {
		delete(d.alerts, d.alertOrder[0])
		d.alertOrder = d.alertOrder[1:]
	}
}

// Alerts returns retained alerts for one user, newest first. An empty
// userID returns every retained alert.
func (d *Detector) Alerts(userID string) []Alert {
	d.alertMu.Lock()
	defer d.alertMu.Unlock()

	var out []Alert
	for i := len(d.alertOrder) - 1; i >= 0; i-- {
		alert := d.alerts[d.alertOrder[i]]
		if userID != "" && alert.UserID != userID {
			continue
		}
		out = append(out, *alert)
	}
	return out
}

// ResolveAlert marks a retained alert as reviewed. It reports false when
// the alert is unknown or already evicted.
func (d *Detector) ResolveAlert(id string) bool {
	d.alertMu.Lock()
	defer d.alertMu.Unlock()

	alert, ok := d.alerts[id]
	if !ok {
		return false
	}
	alert.Resolved = true
	return true
}
