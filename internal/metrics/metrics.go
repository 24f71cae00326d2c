// Package metrics exposes Prometheus instrumentation for the identity
// subsystem. Collectors are registered once via promauto; components record
// into them directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IdentitiesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netguise_identities_issued_total",
		Help: "Session identities successfully bound.",
	})

	IdentityUnavailable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netguise_identity_unavailable_total",
		Help: "Identity requests that failed after all fallbacks.",
	})

	FingerprintsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netguise_fingerprints_generated_total",
		Help: "TLS fingerprints built from profiles.",
	})

	Rotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netguise_rotations_total",
		Help: "Identity rotations by kind and reason.",
	}, []string{"kind", "reason"})

	ProxyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netguise_proxy_failures_total",
		Help: "Recorded proxy failures.",
	})

	ProxiesDisabled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netguise_proxies_disabled_total",
		Help: "Proxies disabled after crossing the failure threshold.",
	})

	ThreatDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netguise_threat_detections_total",
		Help: "Classified detection events by level.",
	}, []string{"level"})

	ThreatScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "netguise_threat_scores",
		Help:    "Distribution of additive threat classification scores.",
		Buckets: prometheus.LinearBuckets(0, 20, 8),
	})

	AdaptationResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netguise_adaptation_responses_total",
		Help: "Adaptation responses by level and outcome.",
	}, []string{"level", "outcome"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netguise_adaptation_events_dropped_total",
		Help: "Adaptation events dropped because a subscriber queue was full.",
	})
)
