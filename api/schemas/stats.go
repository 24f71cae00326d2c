package schemas

import "time"

// -- Introspection Snapshots --
// Read-only statistics each component exposes for dashboards. These are
// value copies; readers tolerate eventual consistency.

// FingerprintStats summarizes generator activity.
type FingerprintStats struct {
	ActiveBindings  int            `json:"active_bindings"`
	Generated       int64          `json:"generated"`
	Rotations       int64          `json:"rotations"`
	ProfileFallback int64          `json:"profile_fallbacks"`
	ByProfile       map[string]int `json:"by_profile"`
}

// ProxyStats summarizes pool and selector health.
type ProxyStats struct {
	TotalProxies    int            `json:"total_proxies"`
	HealthyProxies  int            `json:"healthy_proxies"`
	DisabledProxies int            `json:"disabled_proxies"`
	ActiveBindings  int            `json:"active_bindings"`
	Selections      int64          `json:"selections"`
	RelaxedFallback int64          `json:"relaxed_fallbacks"`
	Failures        int64          `json:"failures"`
	Rotations       int64          `json:"rotations"`
	ByCountry       map[string]int `json:"by_country"`
	RecentFailures  []FailureEvent `json:"recent_failures"`
}

// ThreatStats summarizes the knowledge base.
type ThreatStats struct {
	Signatures    int            `json:"signatures"`
	ByState       map[string]int `json:"by_state"`
	ByLevel       map[string]int `json:"by_level"`
	Detections    int64          `json:"detections"`
	LastDetection time.Time      `json:"last_detection"`
}

// AdaptationStats summarizes controller activity.
type AdaptationStats struct {
	Responses       int64             `json:"responses"`
	Successes       int64             `json:"successes"`
	Evolutions      int64             `json:"evolutions"`
	DroppedEvents   int64             `json:"dropped_events"`
	RecentEvents    []AdaptationEvent `json:"recent_events"`
	AdaptationUnits float64           `json:"adaptation_units"`
}

// IdentityStats summarizes coordinator activity.
type IdentityStats struct {
	ActiveIdentities int   `json:"active_identities"`
	Issued           int64 `json:"issued"`
	GeoMismatches    int64 `json:"geo_mismatches"`
	Unavailable      int64 `json:"unavailable"`
}
