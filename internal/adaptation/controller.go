package adaptation

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/netguise/api/schemas"
	"github.com/xkilldash9x/netguise/internal/config"
	"github.com/xkilldash9x/netguise/internal/metrics"
	"github.com/xkilldash9x/netguise/internal/threat"
)

const (
	// highTierSuccessFraction is the sub-action success ratio the high tier
	// needs to count as a successful response.
	highTierSuccessFraction = 0.7

	// effectivenessReward is added to every deployed countermeasure after a
	// successful response, clamped to 1.0.
	effectivenessReward = 0.05

	// evolutionJitter bounds the perturbation applied to countermeasure
	// effectiveness when a low-confidence signature evolves new variants.
	evolutionJitter = 0.1

	recentEventsKept = 20
)

// FingerprintRotator forces a fingerprint rotation for a session.
type FingerprintRotator interface {
	RotateFingerprint(sessionID, mode string) error
}

// ProxyRotator forces a proxy rotation for a session.
type ProxyRotator interface {
	RotateProxy(ctx context.Context, sessionID, mode string) error
}

// CountermeasureDeployer hands a countermeasure to the behavioral-mimicry
// collaborator for a session.
type CountermeasureDeployer interface {
	Deploy(ctx context.Context, sessionID string, cm schemas.Countermeasure) error
}

// LogDeployer is the default deployer when no behavioral collaborator is
// wired in; it records the deployment and succeeds.
type LogDeployer struct {
	Log *zap.Logger
}

func (d *LogDeployer) Deploy(_ context.Context, sessionID string, cm schemas.Countermeasure) error {
	d.Log.Info("Countermeasure deployed",
		zap.String("session_id", sessionID),
		zap.String("technique", cm.Technique),
		zap.String("priority", cm.Priority))
	return nil
}

// Controller classifies detection events, dispatches the tiered response and
// feeds outcomes back into the knowledge base. It is safe for concurrent use
// across sessions.
type Controller struct {
	threatCfg config.ThreatConfig
	store     threat.Store
	fpRot     FingerprintRotator
	pxRot     ProxyRotator
	deployer  CountermeasureDeployer
	bus       *Bus
	log       *zap.Logger

	mu           sync.Mutex
	rng          *rand.Rand
	evolvedOnce  map[string]bool
	recentEvents []schemas.AdaptationEvent
	responses    int64
	successes    int64
	evolutions   int64
	units        float64
}

// NewController wires the adaptation loop together. A nil deployer falls
// back to LogDeployer.
func NewController(
	threatCfg config.ThreatConfig,
	store threat.Store,
	fpRot FingerprintRotator,
	pxRot ProxyRotator,
	deployer CountermeasureDeployer,
	bus *Bus,
	logger *zap.Logger,
) *Controller {
	log := logger.Named("adaptation")
	if deployer == nil {
		deployer = &LogDeployer{Log: log}
	}
	return &Controller{
		threatCfg:   threatCfg,
		store:       store,
		fpRot:       fpRot,
		pxRot:       pxRot,
		deployer:    deployer,
		bus:         bus,
		log:         log,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		evolvedOnce: make(map[string]bool),
	}
}

// SetRandSource swaps the evolution jitter source, used by tests.
func (c *Controller) SetRandSource(src rand.Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rng = rand.New(src)
}

// HandleDetection runs the full pipeline for one detection event: signature
// extraction, classification, tiered response and learning. It always
// returns a response event, never an error; a failed adaptation must not
// abort a live session.
func (c *Controller) HandleDetection(ctx context.Context, event schemas.DetectionEvent) schemas.AdaptationEvent {
	sig := c.store.Observe(threat.ExtractSignature(event))
	level := threat.ClassifyThreatLevel(sig, event.Context)
	c.store.RecordLevel(level)
	metrics.ThreatDetections.WithLabelValues(string(level)).Inc()

	c.log.Info("Detection classified",
		zap.String("session_id", event.SessionID),
		zap.String("threat_type", event.ThreatType),
		zap.String("domain", event.Context.Domain),
		zap.String("level", string(level)),
		zap.Int("sightings", sig.Sightings))

	result, used := c.TriggerResponse(ctx, level, sig, event.SessionID)
	c.LearnFromAdaptation(result, sig, used)
	c.bus.Publish(result)
	return result
}

// TriggerResponse dispatches the tier for the classified level and returns
// the response event plus the IDs of the countermeasures it deployed. Every
// sub-action error is captured into the event; nothing is raised.
func (c *Controller) TriggerResponse(ctx context.Context, level schemas.ThreatLevel, sig schemas.ThreatSignature, sessionID string) (schemas.AdaptationEvent, []string) {
	event := schemas.AdaptationEvent{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		SignatureHash: sig.Hash,
		ThreatLevel:   level,
		Timestamp:     time.Now().UTC(),
	}

	run := func(name string, fn func() error) bool {
		action := schemas.AdaptationAction{Name: name, Success: true}
		if err := fn(); err != nil {
			action.Success = false
			action.Error = err.Error()
			c.log.Warn("Adaptation action failed",
				zap.String("session_id", sessionID),
				zap.String("action", name),
				zap.Error(err))
		}
		event.Actions = append(event.Actions, action)
		return action.Success
	}
	deploy := func(cm schemas.Countermeasure) bool {
		return run("deploy:"+cm.Technique, func() error {
			return c.deployer.Deploy(ctx, sessionID, cm)
		})
	}

	var used []string
	units := 1.0

	switch level {
	case schemas.LevelCritical:
		run("rotate_fingerprint:emergency", func() error {
			return c.fpRot.RotateFingerprint(sessionID, "emergency")
		})
		run("rotate_proxy:emergency", func() error {
			return c.pxRot.RotateProxy(ctx, sessionID, "emergency")
		})
		top := sig.Countermeasures
		if len(top) > 3 {
			top = top[:3]
		}
		for _, cm := range top {
			used = append(used, cm.ID)
			deploy(cm)
		}
		event.Success = allSucceeded(event.Actions)

	case schemas.LevelHigh:
		for _, cm := range sig.Countermeasures {
			if cm.Priority != "high" {
				continue
			}
			used = append(used, cm.ID)
			deploy(cm)
		}
		run("rotate_fingerprint:advanced", func() error {
			return c.fpRot.RotateFingerprint(sessionID, "advanced")
		})
		run("rotate_proxy:high_security", func() error {
			return c.pxRot.RotateProxy(ctx, sessionID, "high_security")
		})
		event.Success = successFraction(event.Actions) >= highTierSuccessFraction

	case schemas.LevelMedium:
		cm, ok := c.targetedCountermeasure(sig)
		if ok {
			used = append(used, cm.ID)
			deploy(cm)
		} else {
			run("no_countermeasure_available", func() error {
				return fmt.Errorf("signature %s has no countermeasures", shortHash(sig.Hash))
			})
		}
		event.Success = allSucceeded(event.Actions)

	default:
		// Low severity gets a behavioral nudge only, half an adaptation
		// unit.
		units = 0.5
		deploy(schemas.Countermeasure{
			ID:            uuid.NewString(),
			Type:          schemas.CounterBehavioral,
			Technique:     "behavioral_nudge",
			Priority:      "low",
			Effectiveness: 0.5,
		})
		event.Success = allSucceeded(event.Actions)
	}

	if sig.State == schemas.StateLearning {
		c.store.SetState(sig.Hash, schemas.StateActive)
	}

	outcome := "failure"
	if event.Success {
		outcome = "success"
	}
	metrics.AdaptationResponses.WithLabelValues(string(level), outcome).Inc()

	c.mu.Lock()
	c.responses++
	if event.Success {
		c.successes++
	}
	c.units += units
	c.recentEvents = append(c.recentEvents, event)
	if len(c.recentEvents) > recentEventsKept {
		c.recentEvents = c.recentEvents[len(c.recentEvents)-recentEventsKept:]
	}
	c.mu.Unlock()

	return event, used
}

// targetedCountermeasure picks the single countermeasure responding to the
// first triggering sub-signal category.
func (c *Controller) targetedCountermeasure(sig schemas.ThreatSignature) (schemas.Countermeasure, bool) {
	categories := []struct {
		name string
		set  bool
	}{
		{"network", sig.Signals.Network},
		{"browser", sig.Signals.Browser},
		{"behavioral", sig.Signals.Behavioral},
		{"temporal", sig.Signals.Temporal},
	}
	for _, cat := range categories {
		if !cat.set {
			continue
		}
		if matches := threat.CountermeasuresForSignal(sig.Countermeasures, cat.name); len(matches) > 0 {
			return matches[0], true
		}
	}
	if len(sig.Countermeasures) > 0 {
		return sig.Countermeasures[0], true
	}
	return schemas.Countermeasure{}, false
}

// LearnFromAdaptation feeds one response outcome into the signature's
// bounded history. A success rewards the deployed countermeasures; a rate
// below the evolution threshold triggers strategy evolution once per
// failure streak.
func (c *Controller) LearnFromAdaptation(result schemas.AdaptationEvent, sig schemas.ThreatSignature, usedCountermeasures []string) {
	rate := c.store.RecordOutcome(sig.Hash, result)

	if result.Success {
		c.store.AdjustEffectiveness(sig.Hash, usedCountermeasures, effectivenessReward)
		c.mu.Lock()
		delete(c.evolvedOnce, sig.Hash)
		c.mu.Unlock()
		return
	}

	if rate >= c.threatCfg.EvolveBelow {
		return
	}
	c.mu.Lock()
	if c.evolvedOnce[sig.Hash] {
		c.mu.Unlock()
		return
	}
	c.evolvedOnce[sig.Hash] = true
	c.evolutions++
	c.mu.Unlock()

	c.evolveNewStrategies(sig.Hash, rate)
}

// evolveNewStrategies marks the signature low-confidence, replaces its
// countermeasures with perturbed variants and reactivates it.
func (c *Controller) evolveNewStrategies(hash string, rate float64) {
	current, ok := c.store.Get(hash)
	if !ok {
		return
	}
	c.store.SetState(hash, schemas.StateLowConfidence)

	variants := make([]schemas.Countermeasure, len(current.Countermeasures))
	c.mu.Lock()
	for i, cm := range current.Countermeasures {
		v := cm
		v.ID = uuid.NewString()
		v.Effectiveness += (c.rng.Float64()*2 - 1) * evolutionJitter
		if v.Effectiveness > 1 {
			v.Effectiveness = 1
		}
		if v.Effectiveness < 0 {
			v.Effectiveness = 0
		}
		variants[i] = v
	}
	c.mu.Unlock()
	threat.SortCountermeasures(variants)

	c.store.ReplaceCountermeasures(hash, variants)
	c.store.SetState(hash, schemas.StateActive)

	c.log.Info("Evolved countermeasure strategies",
		zap.String("hash", shortHash(hash)),
		zap.Float64("success_rate", rate),
		zap.Int("variants", len(variants)))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// Stats returns a snapshot of controller activity.
func (c *Controller) Stats() schemas.AdaptationStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return schemas.AdaptationStats{
		Responses:       c.responses,
		Successes:       c.successes,
		Evolutions:      c.evolutions,
		DroppedEvents:   c.bus.Dropped(),
		RecentEvents:    append([]schemas.AdaptationEvent(nil), c.recentEvents...),
		AdaptationUnits: c.units,
	}
}

func allSucceeded(actions []schemas.AdaptationAction) bool {
	for _, a := range actions {
		if !a.Success {
			return false
		}
	}
	return len(actions) > 0
}

func successFraction(actions []schemas.AdaptationAction) float64 {
	if len(actions) == 0 {
		return 0
	}
	ok := 0
	for _, a := range actions {
		if a.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(actions))
}
