package schemas_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/netguise/api/schemas"
)

// getTestTime provides a fixed, reproducible timestamp for consistent test results.
func getTestTime(t *testing.T) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, "2025-10-26T10:00:00.123456789Z")
	require.NoError(t, err, "Test setup failed: unable to parse fixed timestamp")
	return ts
}

// TestConstants verifies that all defined constants hold their expected string
// values. These strings appear on the wire and in persisted rows, so changing
// one silently is a compatibility break.
func TestConstants(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		constant string
		expected string
	}{
		// Consistency scopes
		{"ScopeSession", string(schemas.ScopeSession), "session"},
		{"ScopeUser", string(schemas.ScopeUser), "user"},
		{"ScopeGlobal", string(schemas.ScopeGlobal), "global"},

		// Proxy types
		{"ProxyResidential", string(schemas.ProxyResidential), "residential"},
		{"ProxyDatacenter", string(schemas.ProxyDatacenter), "datacenter"},
		{"ProxyMobile", string(schemas.ProxyMobile), "mobile"},

		// Threat levels
		{"LevelLow", string(schemas.LevelLow), "low"},
		{"LevelMedium", string(schemas.LevelMedium), "medium"},
		{"LevelHigh", string(schemas.LevelHigh), "high"},
		{"LevelCritical", string(schemas.LevelCritical), "critical"},

		// Signature lifecycle states
		{"StateUnknown", string(schemas.StateUnknown), "unknown"},
		{"StateLearning", string(schemas.StateLearning), "learning"},
		{"StateActive", string(schemas.StateActive), "active"},
		{"StateLowConfidence", string(schemas.StateLowConfidence), "low_confidence"},

		// Countermeasure categories
		{"CounterFingerprint", string(schemas.CounterFingerprint), "fingerprint"},
		{"CounterProxy", string(schemas.CounterProxy), "proxy"},
		{"CounterBehavioral", string(schemas.CounterBehavioral), "behavioral"},
		{"CounterTiming", string(schemas.CounterTiming), "timing"},
	}

	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, tt.constant)
		})
	}
}

// TestAdaptationEventWireFormat pins the JSON shape published to the event
// sink. Downstream consumers key on these exact field names.
func TestAdaptationEventWireFormat(t *testing.T) {
	t.Parallel()
	event := schemas.AdaptationEvent{
		ID:            "evt-1",
		SessionID:     "sess-1",
		SignatureHash: "abc123",
		ThreatLevel:   schemas.LevelHigh,
		Actions: []schemas.AdaptationAction{
			{Name: "fingerprint_rotation", Success: true},
			{Name: "deploy_request_jitter", Success: false, Error: "proxy pool empty"},
		},
		Success:   false,
		Timestamp: getTestTime(t),
	}

	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, "evt-1", decoded["id"])
	assert.Equal(t, "sess-1", decoded["session_id"])
	assert.Equal(t, "abc123", decoded["signature_hash"])
	assert.Equal(t, "high", decoded["threat_level"])
	assert.Equal(t, false, decoded["success"])

	actions, ok := decoded["actions"].([]interface{})
	require.True(t, ok, "actions must serialize as a JSON array")
	require.Len(t, actions, 2)

	first, ok := actions[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "fingerprint_rotation", first["name"])
	// A successful action omits the error field entirely.
	assert.NotContains(t, first, "error")

	second, ok := actions[1].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "proxy pool empty", second["error"])
}

// TestSessionIdentityDescriptorRoundTrip exercises the external identity
// contract end to end through JSON, since the network layer consumes it
// across a process boundary.
func TestSessionIdentityDescriptorRoundTrip(t *testing.T) {
	t.Parallel()
	descriptor := schemas.SessionIdentityDescriptor{
		SessionID: "sess-42",
		Fingerprint: schemas.FingerprintDescriptor{
			JA3:          "d41d8cd98f00b204e9800998ecf8427e",
			JA4:          "t13d1516h2_8daaf6152771_b0da82dd1658",
			TLSVersion:   0x0304,
			CipherSuites: []uint16{0x1301, 0x1302},
			Extensions:   []uint16{0, 16, 43},
		},
		Proxy: schemas.ProxyDescriptor{
			Endpoint:  "10.0.0.1:8080",
			Username:  "user",
			Password:  "secret",
			Geography: schemas.Geography{Country: "US", Region: "CA", City: "San Jose"},
		},
	}

	raw, err := json.Marshal(descriptor)
	require.NoError(t, err)

	var decoded schemas.SessionIdentityDescriptor
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, descriptor, decoded)
}

// TestThreatSignatureSerialization verifies the persisted document form keeps
// every learning field, because the knowledge base is restored from this blob
// on restart.
func TestThreatSignatureSerialization(t *testing.T) {
	t.Parallel()
	ts := getTestTime(t)
	sig := schemas.ThreatSignature{
		Hash:        "feedface",
		ThreatType:  "fingerprint_probe",
		Domain:      "example.com",
		Signals:     schemas.SubSignals{Network: true, Temporal: true},
		Features:    []string{"canvas", "webgl"},
		Priority:    2,
		State:       schemas.StateLowConfidence,
		SuccessRate: 0.2,
		Countermeasures: []schemas.Countermeasure{
			{ID: "cm-1", Type: schemas.CounterFingerprint, Technique: "tls_fingerprint_rotation", Priority: "high", Effectiveness: 0.8},
		},
		FirstSeen: ts,
		LastSeen:  ts.Add(time.Hour),
		Sightings: 7,
	}

	raw, err := json.Marshal(sig)
	require.NoError(t, err)

	var decoded schemas.ThreatSignature
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, sig.Hash, decoded.Hash)
	assert.Equal(t, sig.State, decoded.State)
	assert.InDelta(t, sig.SuccessRate, decoded.SuccessRate, 1e-9)
	assert.Equal(t, sig.Countermeasures, decoded.Countermeasures)
	assert.True(t, decoded.Signals.Network)
	assert.False(t, decoded.Signals.Browser)
	assert.Equal(t, 7, decoded.Sightings)
}
