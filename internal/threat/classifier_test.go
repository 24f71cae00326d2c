package threat

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/netguise/api/schemas"
)

func sigWith(features ...string) schemas.ThreatSignature {
	return schemas.ThreatSignature{Features: features}
}

func TestThreatScore_AdditiveWeights(t *testing.T) {
	tests := []struct {
		name      string
		sig       schemas.ThreatSignature
		ctx       schemas.ThreatContext
		wantScore int
	}{
		{"network only", sigWith(FeatureNetworkFingerprinting), schemas.ThreatContext{}, 30},
		{"ml only", sigWith(FeatureMLDetection), schemas.ThreatContext{}, 35},
		{"mouse and keystroke", sigWith(FeatureMouseTracking, FeatureKeystrokeAnalysis), schemas.ThreatContext{}, 45},
		{"unknown falls back to default", sigWith(), schemas.ThreatContext{}, 10},
		{"high value adds twenty", sigWith(FeatureTimingAnalysis), schemas.ThreatContext{HighValue: true}, 35},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantScore, ThreatScore(tt.sig, tt.ctx))
		})
	}
}

func TestThreatScore_MLNetworkHighValueIsCritical(t *testing.T) {
	sig := sigWith(FeatureMLDetection, FeatureNetworkFingerprinting)
	ctx := schemas.ThreatContext{Domain: "bank.example.com", HighValue: true}

	assert.Equal(t, 85, ThreatScore(sig, ctx))
	assert.Equal(t, schemas.LevelCritical, ClassifyThreatLevel(sig, ctx))
}

func TestClassifyThreatLevel_Bands(t *testing.T) {
	tests := []struct {
		name string
		sig  schemas.ThreatSignature
		ctx  schemas.ThreatContext
		want schemas.ThreatLevel
	}{
		{"default score is low", sigWith(), schemas.ThreatContext{}, schemas.LevelLow},
		{"forty is medium", sigWith(FeatureBrowserFingerprinting), schemas.ThreatContext{HighValue: true}, schemas.LevelMedium},
		{"sixty is high", sigWith(FeatureMLDetection, FeatureMouseTracking), schemas.ThreatContext{}, schemas.LevelHigh},
		{"eighty is critical", sigWith(FeatureMLDetection, FeatureMouseTracking), schemas.ThreatContext{HighValue: true}, schemas.LevelCritical},
		{"just below critical", sigWith(FeatureNetworkFingerprinting, FeatureMouseTracking, FeatureTimingAnalysis), schemas.ThreatContext{}, schemas.LevelHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyThreatLevel(tt.sig, tt.ctx))
		})
	}
}

func TestThreatScore_MonotonicInFeatures(t *testing.T) {
	base := sigWith(FeatureNetworkFingerprinting)
	more := sigWith(FeatureNetworkFingerprinting, FeatureTimingAnalysis)

	assert.Greater(t, ThreatScore(more, schemas.ThreatContext{}), ThreatScore(base, schemas.ThreatContext{}))
}
