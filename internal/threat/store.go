package threat

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/netguise/api/schemas"
	"github.com/xkilldash9x/netguise/internal/config"
)

// Store is the in-process threat knowledge base. Signatures persist for the
// process lifetime by default; a non-zero TTL drops entries lazily once
// their last sighting ages out.
type Store interface {
	// Observe records a sighting. If the hash is new the signature enters
	// the learning state with freshly drafted countermeasures; otherwise
	// the existing entry is updated and returned so learning is shared.
	Observe(sig schemas.ThreatSignature) schemas.ThreatSignature
	Get(hash string) (schemas.ThreatSignature, bool)
	All() []schemas.ThreatSignature
	// SetState moves a signature through its lifecycle.
	SetState(hash string, state schemas.SignatureState)
	// ReplaceCountermeasures swaps the signature's countermeasure list.
	ReplaceCountermeasures(hash string, list []schemas.Countermeasure)
	// AdjustEffectiveness applies a clamped delta to the named
	// countermeasures.
	AdjustEffectiveness(hash string, ids []string, delta float64)
	// RecordOutcome appends an adaptation event to the signature's bounded
	// history and returns the recomputed success rate.
	RecordOutcome(hash string, event schemas.AdaptationEvent) float64
	// History returns the bounded event window for a signature.
	History(hash string) []schemas.AdaptationEvent
	// RecordLevel feeds the per-level stats breakdown.
	RecordLevel(level schemas.ThreatLevel)
	Stats() schemas.ThreatStats
}

type entry struct {
	sig     schemas.ThreatSignature
	history []schemas.AdaptationEvent
}

// MemoryStore is the default Store.
type MemoryStore struct {
	cfg config.ThreatConfig
	log *zap.Logger

	mu            sync.Mutex
	entries       map[string]*entry
	detections    int64
	lastDetection time.Time
	byLevel       map[string]int
}

// NewMemoryStore builds an empty knowledge base.
func NewMemoryStore(cfg config.ThreatConfig, logger *zap.Logger) *MemoryStore {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 10
	}
	return &MemoryStore{
		cfg:     cfg,
		log:     logger.Named("threat_store"),
		entries: make(map[string]*entry),
		byLevel: make(map[string]int),
	}
}

func (s *MemoryStore) Observe(sig schemas.ThreatSignature) schemas.ThreatSignature {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	s.detections++
	s.lastDetection = time.Now().UTC()

	if e, ok := s.entries[sig.Hash]; ok {
		e.sig.Sightings++
		e.sig.LastSeen = time.Now().UTC()
		return e.sig
	}

	sig.State = schemas.StateLearning
	sig.Countermeasures = DevelopCountermeasures(sig)
	s.entries[sig.Hash] = &entry{sig: sig}
	s.log.Info("New threat signature learned",
		zap.String("hash", shortHash(sig.Hash)),
		zap.String("threat_type", sig.ThreatType),
		zap.String("domain", sig.Domain),
		zap.Int("countermeasures", len(sig.Countermeasures)))
	return sig
}

func (s *MemoryStore) Get(hash string) (schemas.ThreatSignature, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	e, ok := s.entries[hash]
	if !ok {
		return schemas.ThreatSignature{}, false
	}
	return e.sig, true
}

func (s *MemoryStore) All() []schemas.ThreatSignature {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	out := make([]schemas.ThreatSignature, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.sig)
	}
	return out
}

func (s *MemoryStore) SetState(hash string, state schemas.SignatureState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[hash]; ok {
		e.sig.State = state
	}
}

func (s *MemoryStore) ReplaceCountermeasures(hash string, list []schemas.Countermeasure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[hash]; ok {
		e.sig.Countermeasures = list
	}
}

func (s *MemoryStore) AdjustEffectiveness(hash string, ids []string, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	if !ok {
		return
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	for i := range e.sig.Countermeasures {
		cm := &e.sig.Countermeasures[i]
		if !wanted[cm.ID] {
			continue
		}
		cm.Effectiveness += delta
		if cm.Effectiveness > 1 {
			cm.Effectiveness = 1
		}
		if cm.Effectiveness < 0 {
			cm.Effectiveness = 0
		}
	}
}

func (s *MemoryStore) RecordOutcome(hash string, event schemas.AdaptationEvent) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	if !ok {
		return 0
	}
	e.history = append(e.history, event)
	if len(e.history) > s.cfg.HistoryWindow {
		e.history = e.history[len(e.history)-s.cfg.HistoryWindow:]
	}
	successes := 0
	for _, ev := range e.history {
		if ev.Success {
			successes++
		}
	}
	e.sig.SuccessRate = float64(successes) / float64(len(e.history))
	return e.sig.SuccessRate
}

func (s *MemoryStore) History(hash string) []schemas.AdaptationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[hash]; ok {
		return append([]schemas.AdaptationEvent(nil), e.history...)
	}
	return nil
}

// RecordLevel feeds the stats breakdown; the controller calls it after
// classification.
func (s *MemoryStore) RecordLevel(level schemas.ThreatLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byLevel[string(level)]++
}

func (s *MemoryStore) Stats() schemas.ThreatStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	byState := make(map[string]int)
	for _, e := range s.entries {
		byState[string(e.sig.State)]++
	}
	byLevel := make(map[string]int, len(s.byLevel))
	for k, v := range s.byLevel {
		byLevel[k] = v
	}
	return schemas.ThreatStats{
		Signatures:    len(s.entries),
		ByState:       byState,
		ByLevel:       byLevel,
		Detections:    s.detections,
		LastDetection: s.lastDetection,
	}
}

// Load seeds the store from persisted signatures, used on restart.
func (s *MemoryStore) Load(sigs []schemas.ThreatSignature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range sigs {
		sig := sigs[i]
		s.entries[sig.Hash] = &entry{sig: sig}
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// expireLocked lazily drops signatures whose last sighting is older than the
// TTL. A zero TTL means signatures never expire.
func (s *MemoryStore) expireLocked() {
	if s.cfg.SignatureTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.cfg.SignatureTTL)
	for hash, e := range s.entries {
		if e.sig.LastSeen.Before(cutoff) {
			delete(s.entries, hash)
		}
	}
}
