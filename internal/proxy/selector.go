package proxy

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/netguise/api/schemas"
	"github.com/xkilldash9x/netguise/internal/config"
	"github.com/xkilldash9x/netguise/internal/metrics"
)

// ErrNoProxyAvailable is surfaced only after the relaxed fallback also finds
// no healthy candidate. Callers handle it by deferral or backoff.
var ErrNoProxyAvailable = errors.New("no proxy available for constraints")

// sampleTop is the rank window the final pick is drawn from. Sampling inside
// the window instead of always taking rank 1 keeps one good proxy from being
// hot-spotted.
const sampleTop = 5

// recentWindow bounds both the hourly-usage counter and the recent-failure
// penalty in the score.
const recentWindow = time.Hour

type proxyBinding struct {
	proxyID   string
	geography schemas.Geography
	boundAt   time.Time
}

// Selector scores and assigns proxies per session, tracks failures and owns
// the binding table the background sweeps operate on.
type Selector struct {
	cfg   config.ProxyConfig
	store Store
	log   *zap.Logger

	mu             sync.Mutex
	bindings       map[string]*proxyBinding
	usage          map[string][]time.Time
	failureTimes   map[string][]time.Time
	recentFailures []schemas.FailureEvent
	rng            *rand.Rand

	selections      int64
	relaxedFallback int64
	failures        int64
	rotations       int64
}

// NewSelector creates a Selector over the given pool.
func NewSelector(cfg config.ProxyConfig, store Store, logger *zap.Logger) *Selector {
	return &Selector{
		cfg:          cfg,
		store:        store,
		log:          logger.Named("proxy"),
		bindings:     make(map[string]*proxyBinding),
		usage:        make(map[string][]time.Time),
		failureTimes: make(map[string][]time.Time),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRandSource replaces the selector's randomness for tests.
func (s *Selector) SetRandSource(src rand.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rand.New(src)
}

// GetProxyForSession reuses the session's existing binding when it is still
// healthy and satisfies the constraints, otherwise it runs selection and
// rebinds.
func (s *Selector) GetProxyForSession(sessionID string, constraints schemas.ProxyConstraints) (schemas.ProxyRecord, error) {
	if !constraints.ForceRotation {
		s.mu.Lock()
		b, ok := s.bindings[sessionID]
		s.mu.Unlock()
		if ok {
			if record, found := s.store.Get(b.proxyID); found &&
				s.isHealthy(record) && matchesConstraints(record, constraints) {
				return record, nil
			}
		}
	}

	record, err := s.SelectOptimalProxy(sessionID, constraints)
	if err != nil {
		return schemas.ProxyRecord{}, err
	}
	s.bind(sessionID, record)
	return record, nil
}

// SelectOptimalProxy runs the full filter, score, rank and sample pipeline.
// It never returns an unhealthy proxy, even through the relaxed fallback.
func (s *Selector) SelectOptimalProxy(sessionID string, constraints schemas.ProxyConstraints) (schemas.ProxyRecord, error) {
	pool := s.store.List()

	candidates := pool[:0:0]
	for _, r := range pool {
		if r.ID == constraints.ExcludeProxy {
			continue
		}
		if !s.isHealthy(r) {
			continue
		}
		if !matchesConstraints(r, constraints) {
			continue
		}
		if s.hourlyUsage(r.ID) >= s.cfg.MaxHourlyUse {
			continue
		}
		if r.Reputation <= s.cfg.MinReputation {
			continue
		}
		candidates = append(candidates, r)
	}

	if len(candidates) == 0 {
		// Documented fallback: drop every geo, type, usage and reputation
		// filter and pick uniformly among the remaining healthy proxies.
		for _, r := range pool {
			if r.ID == constraints.ExcludeProxy {
				continue
			}
			if s.isHealthy(r) {
				candidates = append(candidates, r)
			}
		}
		if len(candidates) == 0 {
			return schemas.ProxyRecord{}, ErrNoProxyAvailable
		}
		s.mu.Lock()
		s.relaxedFallback++
		pick := candidates[s.rng.Intn(len(candidates))]
		s.mu.Unlock()
		s.log.Warn("Proxy constraints unsatisfiable, relaxed selection",
			zap.String("session_id", sessionID),
			zap.String("proxy_id", pick.ID))
		s.markUsed(pick.ID)
		return pick, nil
	}

	scored := make([]scoredProxy, len(candidates))
	for i, r := range candidates {
		scored[i] = scoredProxy{record: r, score: s.Score(r, constraints)}
	}
	sortScored(scored)

	window := sampleTop
	if len(scored) < window {
		window = len(scored)
	}
	s.mu.Lock()
	pick := scored[s.rng.Intn(window)].record
	s.selections++
	s.mu.Unlock()

	s.markUsed(pick.ID)
	return pick, nil
}

// Score computes the selection score for one record against the constraints,
// floored at zero. Higher reliability or reputation never lowers the score.
func (s *Selector) Score(r schemas.ProxyRecord, constraints schemas.ProxyConstraints) float64 {
	score := 40 * r.Reliability

	if r.ResponseTimeMs > 0 {
		latency := 20000 / float64(r.ResponseTimeMs)
		if latency > 20 {
			latency = 20
		}
		score += latency
	} else {
		score += 20
	}

	score += 20 * r.Reputation
	score -= 10 * float64(s.hourlyUsage(r.ID))

	if constraints.Country != "" && r.Geography.Country == constraints.Country {
		score += 15
	}
	if constraints.Region != "" && r.Geography.Region == constraints.Region {
		score += 10
	}
	if constraints.City != "" && r.Geography.City == constraints.City {
		score += 5
	}
	if constraints.Type != "" && r.Type == constraints.Type {
		score += 10
	}

	score -= 5 * float64(s.recentFailureCount(r.ID))

	if score < 0 {
		score = 0
	}
	return score
}

// HandleProxyFailure increments the failure count and disables the proxy once
// it crosses the threshold. Disabling is one-way; only an external
// ResetFailures brings the record back.
func (s *Selector) HandleProxyFailure(proxyID string, failure error) {
	now := time.Now()
	disabled := false
	s.store.Update(proxyID, func(r *schemas.ProxyRecord) {
		r.FailureCount++
		if r.FailureCount >= s.cfg.MaxFailures && r.Enabled {
			r.Enabled = false
			disabled = true
		}
	})

	msg := ""
	if failure != nil {
		msg = failure.Error()
	}
	event := schemas.FailureEvent{
		ProxyID:   proxyID,
		Error:     msg,
		Disabled:  disabled,
		Timestamp: now.UTC(),
	}

	s.mu.Lock()
	s.failures++
	s.failureTimes[proxyID] = appendTrimmed(s.failureTimes[proxyID], now)
	s.recentFailures = append(s.recentFailures, event)
	if len(s.recentFailures) > 50 {
		s.recentFailures = s.recentFailures[len(s.recentFailures)-50:]
	}
	s.mu.Unlock()

	metrics.ProxyFailures.Inc()
	if disabled {
		metrics.ProxiesDisabled.Inc()
		s.log.Warn("Proxy disabled after repeated failures",
			zap.String("proxy_id", proxyID),
			zap.Int("max_failures", s.cfg.MaxFailures))
	}
}

// RotateProxy re-selects for the session, keeping the geography it was bound
// with and excluding the current proxy.
func (s *Selector) RotateProxy(sessionID, reason string) (schemas.ProxyRecord, schemas.RotationRecord, error) {
	s.mu.Lock()
	b, ok := s.bindings[sessionID]
	current := ""
	constraints := schemas.ProxyConstraints{}
	if ok {
		current = b.proxyID
		constraints.Country = b.geography.Country
		constraints.Region = b.geography.Region
		constraints.City = b.geography.City
	}
	s.mu.Unlock()

	constraints.ExcludeProxy = current
	record, err := s.SelectOptimalProxy(sessionID, constraints)
	if err != nil {
		return schemas.ProxyRecord{}, schemas.RotationRecord{}, err
	}
	s.bind(sessionID, record)

	s.mu.Lock()
	s.rotations++
	s.mu.Unlock()

	rotation := schemas.RotationRecord{
		SessionID: sessionID,
		Kind:      "proxy",
		OldValue:  current,
		NewValue:  record.ID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	metrics.Rotations.WithLabelValues("proxy", reason).Inc()
	s.log.Debug("Rotated proxy",
		zap.String("session_id", sessionID),
		zap.String("reason", reason),
		zap.String("old", current),
		zap.String("new", record.ID))
	return record, rotation, nil
}

// Release drops the session's binding.
func (s *Selector) Release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, sessionID)
}

// BoundSessionsOlderThan returns the sessions whose bindings are older than
// the given age. The rotation sweeper uses this to find work.
func (s *Selector) BoundSessionsOlderThan(age time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	cutoff := time.Now().Add(-age)
	for sessionID, b := range s.bindings {
		if b.boundAt.Before(cutoff) {
			out = append(out, sessionID)
		}
	}
	return out
}

// Stats returns a snapshot for dashboards.
func (s *Selector) Stats() schemas.ProxyStats {
	pool := s.store.List()
	stats := schemas.ProxyStats{
		TotalProxies: len(pool),
		ByCountry:    make(map[string]int),
	}
	for _, r := range pool {
		if s.isHealthy(r) {
			stats.HealthyProxies++
		}
		if !r.Enabled {
			stats.DisabledProxies++
		}
		if r.Geography.Country != "" {
			stats.ByCountry[r.Geography.Country]++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stats.ActiveBindings = len(s.bindings)
	stats.Selections = s.selections
	stats.RelaxedFallback = s.relaxedFallback
	stats.Failures = s.failures
	stats.Rotations = s.rotations
	stats.RecentFailures = append([]schemas.FailureEvent(nil), s.recentFailures...)
	return stats
}

func (s *Selector) bind(sessionID string, record schemas.ProxyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[sessionID] = &proxyBinding{
		proxyID:   record.ID,
		geography: record.Geography,
		boundAt:   time.Now(),
	}
}

func (s *Selector) isHealthy(r schemas.ProxyRecord) bool {
	return r.Enabled && r.FailureCount < s.cfg.MaxFailures
}

func (s *Selector) markUsed(proxyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[proxyID] = appendTrimmed(s.usage[proxyID], time.Now())
}

func (s *Selector) hourlyUsage(proxyID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countSince(s.usage[proxyID], time.Now().Add(-recentWindow))
}

func (s *Selector) recentFailureCount(proxyID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countSince(s.failureTimes[proxyID], time.Now().Add(-recentWindow))
}

func matchesConstraints(r schemas.ProxyRecord, c schemas.ProxyConstraints) bool {
	if c.Type != "" && r.Type != c.Type {
		return false
	}
	if c.Country != "" && r.Geography.Country != c.Country {
		return false
	}
	if c.Region != "" && r.Geography.Region != c.Region {
		return false
	}
	if c.City != "" && r.Geography.City != c.City {
		return false
	}
	return true
}

type scoredProxy struct {
	record schemas.ProxyRecord
	score  float64
}

func sortScored(scored []scoredProxy) {
	// Descending by score, ID as the tiebreak so ordering stays stable.
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].record.ID < scored[j].record.ID
	})
}

func appendTrimmed(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-recentWindow)
	trimmed := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	return append(trimmed, now)
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range times {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
