// Package threat normalizes raw detection events into content-addressed
// signatures, classifies their severity and drafts countermeasures. Every
// function in the classification path is pure and never fails; unknown
// threat types fall back to default scoring instead of being rejected.
package threat

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/xkilldash9x/netguise/api/schemas"
)

// Detection features recognized in evidence. Each carries its own
// classification weight.
const (
	FeatureNetworkFingerprinting = "network_fingerprinting"
	FeatureBrowserFingerprinting = "browser_fingerprinting"
	FeatureMouseTracking         = "mouse_tracking"
	FeatureKeystrokeAnalysis     = "keystroke_analysis"
	FeatureMLDetection           = "ml_detection"
	FeatureTimingAnalysis        = "timing_analysis"
)

// featureMarkers maps substring markers found in the threat type or evidence
// onto features. Matching is case-insensitive over keys and values.
var featureMarkers = map[string][]string{
	FeatureNetworkFingerprinting: {"tls", "ja3", "ja4", "network", "http2", "ip_reputation"},
	FeatureBrowserFingerprinting: {"canvas", "webgl", "webdriver", "headless", "navigator", "browser"},
	FeatureMouseTracking:         {"mouse", "cursor", "pointer"},
	FeatureKeystrokeAnalysis:     {"keystroke", "typing", "keyboard"},
	FeatureMLDetection:           {"ml", "machine_learning", "model", "neural", "anomaly_score"},
	FeatureTimingAnalysis:        {"timing", "interval", "cadence", "request_rate"},
}

// ExtractSignature normalizes a detection event into its content-addressed
// signature. Identical (threatType, domain, evidence) always produces the
// identical hash, so repeated sightings share one knowledge-base entry.
func ExtractSignature(event schemas.DetectionEvent) schemas.ThreatSignature {
	features := extractFeatures(event)
	signals := schemas.SubSignals{
		Network:    hasFeature(features, FeatureNetworkFingerprinting),
		Browser:    hasFeature(features, FeatureBrowserFingerprinting),
		Behavioral: hasFeature(features, FeatureMouseTracking) || hasFeature(features, FeatureKeystrokeAnalysis),
		Temporal:   hasFeature(features, FeatureTimingAnalysis),
	}

	now := time.Now().UTC()
	return schemas.ThreatSignature{
		Hash:       contentHash(event),
		ThreatType: event.ThreatType,
		Domain:     event.Context.Domain,
		Signals:    signals,
		Features:   features,
		Priority:   signalCount(signals),
		State:      schemas.StateUnknown,
		FirstSeen:  now,
		LastSeen:   now,
		Sightings:  1,
	}
}

// contentHash builds the canonical sha256 over threat type, domain and the
// sorted evidence pairs.
func contentHash(event schemas.DetectionEvent) string {
	keys := make([]string, 0, len(event.Evidence))
	for k := range event.Evidence {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(event.ThreatType)
	b.WriteByte('|')
	b.WriteString(event.Context.Domain)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(event.Evidence[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func extractFeatures(event schemas.DetectionEvent) []string {
	// Tokenize on everything except letters, digits and underscores so
	// markers like "ml" cannot match inside unrelated words.
	tokens := make(map[string]bool)
	addTokens := func(s string) {
		for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
			return !(r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
		}) {
			tokens[tok] = true
			// Underscored tokens also contribute their parts, so
			// "network_fingerprinting" matches the "network" marker.
			for _, part := range strings.Split(tok, "_") {
				tokens[part] = true
			}
		}
	}
	addTokens(event.ThreatType)
	for k, v := range event.Evidence {
		addTokens(k)
		addTokens(v)
	}

	var features []string
	for feature, markers := range featureMarkers {
		for _, marker := range markers {
			if tokens[marker] {
				features = append(features, feature)
				break
			}
		}
	}
	sort.Strings(features)
	return features
}

func hasFeature(features []string, want string) bool {
	for _, f := range features {
		if f == want {
			return true
		}
	}
	return false
}

func signalCount(s schemas.SubSignals) int {
	n := 0
	for _, set := range []bool{s.Network, s.Browser, s.Behavioral, s.Temporal} {
		if set {
			n++
		}
	}
	return n
}
