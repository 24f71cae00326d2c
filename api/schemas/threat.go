package schemas

import "time"

// -- Threat Models --
// Normalized, content-addressed descriptions of detected anti-automation
// mechanisms, plus the countermeasure and learning ledger types.

// ThreatLevel is the classified severity band for one detection.
type ThreatLevel string

const (
	LevelLow      ThreatLevel = "low"
	LevelMedium   ThreatLevel = "medium"
	LevelHigh     ThreatLevel = "high"
	LevelCritical ThreatLevel = "critical"
)

// SignatureState tracks where a signature sits in its learning lifecycle.
type SignatureState string

const (
	StateUnknown       SignatureState = "unknown"
	StateLearning      SignatureState = "learning"
	StateActive        SignatureState = "active"
	StateLowConfidence SignatureState = "low_confidence"
)

// ThreatContext carries the page/traffic context a detection arrived with.
type ThreatContext struct {
	Domain    string `json:"domain"`
	URL       string `json:"url,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	HighValue bool   `json:"high_value"`
}

// DetectionEvent is the raw input from the external page/traffic monitor.
type DetectionEvent struct {
	SessionID  string            `json:"session_id"`
	ThreatType string            `json:"threat_type"`
	Context    ThreatContext     `json:"context"`
	Evidence   map[string]string `json:"evidence"`
	Timestamp  time.Time         `json:"timestamp"`
}

// SubSignals are the boolean fingerprinting dimensions derived from evidence.
type SubSignals struct {
	Network    bool `json:"network"`
	Browser    bool `json:"browser"`
	Behavioral bool `json:"behavioral"`
	Temporal   bool `json:"temporal"`
}

// ThreatSignature is the deduplicated knowledge-base entry for one detection
// mechanism. Identical evidence always hashes to the same signature, so every
// session contributes to the same learning history.
type ThreatSignature struct {
	Hash            string           `json:"hash"`
	ThreatType      string           `json:"threat_type"`
	Domain          string           `json:"domain"`
	Signals         SubSignals       `json:"signals"`
	Features        []string         `json:"features"`
	Priority        int              `json:"priority"`
	State           SignatureState   `json:"state"`
	SuccessRate     float64          `json:"success_rate"`
	Countermeasures []Countermeasure `json:"countermeasures"`
	FirstSeen       time.Time        `json:"first_seen"`
	LastSeen        time.Time        `json:"last_seen"`
	Sightings       int              `json:"sightings"`
}

// CountermeasureType names the category of response technique.
type CountermeasureType string

const (
	CounterFingerprint CountermeasureType = "fingerprint"
	CounterProxy       CountermeasureType = "proxy"
	CounterBehavioral  CountermeasureType = "behavioral"
	CounterTiming      CountermeasureType = "timing"
)

// Countermeasure is a typed, prioritized response technique whose
// effectiveness score is mutated by adaptation feedback, clamped to [0,1].
type Countermeasure struct {
	ID            string             `json:"id"`
	Type          CountermeasureType `json:"type"`
	Technique     string             `json:"technique"`
	Priority      string             `json:"priority"` // "high", "medium", "low"
	Effectiveness float64            `json:"effectiveness"`
}

// AdaptationAction is one sub-action attempted during a response.
type AdaptationAction struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// AdaptationEvent is one append-only ledger entry describing a full response
// to a detection.
type AdaptationEvent struct {
	ID            string             `json:"id"`
	SessionID     string             `json:"session_id"`
	SignatureHash string             `json:"signature_hash"`
	ThreatLevel   ThreatLevel        `json:"threat_level"`
	Actions       []AdaptationAction `json:"actions"`
	Success       bool               `json:"success"`
	Timestamp     time.Time          `json:"timestamp"`
}

// FailureEvent records one proxy failure observation.
type FailureEvent struct {
	ProxyID   string    `json:"proxy_id"`
	Error     string    `json:"error"`
	Disabled  bool      `json:"disabled"`
	Timestamp time.Time `json:"timestamp"`
}
