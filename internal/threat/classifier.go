package threat

import (
	"github.com/xkilldash9x/netguise/api/schemas"
	"github.com/xkilldash9x/netguise/internal/metrics"
)

// Classification weights and thresholds. The additive score is unbounded
// above; only the threshold comparisons matter.
const (
	weightNetworkFingerprinting = 30
	weightMouseTracking         = 25
	weightKeystrokeAnalysis     = 20
	weightMLDetection           = 35
	weightTimingAnalysis        = 15
	weightBrowserFingerprinting = 20
	weightHighValueTarget       = 20

	// weightDefault covers threat types whose evidence matched no known
	// feature; unknown is classified, never rejected.
	weightDefault = 10

	thresholdCritical = 80
	thresholdHigh     = 60
	thresholdMedium   = 40
)

var featureWeights = map[string]int{
	FeatureNetworkFingerprinting: weightNetworkFingerprinting,
	FeatureBrowserFingerprinting: weightBrowserFingerprinting,
	FeatureMouseTracking:         weightMouseTracking,
	FeatureKeystrokeAnalysis:     weightKeystrokeAnalysis,
	FeatureMLDetection:           weightMLDetection,
	FeatureTimingAnalysis:        weightTimingAnalysis,
}

// ThreatScore computes the additive classification score for a signature in
// its context. Pure function, monotonic in every input.
func ThreatScore(sig schemas.ThreatSignature, ctx schemas.ThreatContext) int {
	score := 0
	for _, feature := range sig.Features {
		score += featureWeights[feature]
	}
	if len(sig.Features) == 0 {
		score = weightDefault
	}
	if ctx.HighValue {
		score += weightHighValueTarget
	}
	return score
}

// ClassifyThreatLevel maps the additive score onto the severity bands.
func ClassifyThreatLevel(sig schemas.ThreatSignature, ctx schemas.ThreatContext) schemas.ThreatLevel {
	score := ThreatScore(sig, ctx)
	metrics.ThreatScore.Observe(float64(score))

	switch {
	case score >= thresholdCritical:
		return schemas.LevelCritical
	case score >= thresholdHigh:
		return schemas.LevelHigh
	case score >= thresholdMedium:
		return schemas.LevelMedium
	default:
		return schemas.LevelLow
	}
}
