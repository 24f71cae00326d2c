package threat

import (
	"sort"

	"github.com/google/uuid"

	"github.com/xkilldash9x/netguise/api/schemas"
)

var priorityRank = map[string]int{"high": 3, "medium": 2, "low": 1}

// counterTemplate is one rule-table entry. Base effectiveness is the
// starting score before adaptation feedback tunes it.
type counterTemplate struct {
	ctype     schemas.CountermeasureType
	technique string
	priority  string
	base      float64
}

// counterRules maps each sub-signal onto its drafted countermeasures.
var counterRules = map[string][]counterTemplate{
	"network": {
		{schemas.CounterFingerprint, "tls_fingerprint_rotation", "high", 0.80},
		{schemas.CounterProxy, "proxy_pool_rotation", "high", 0.75},
	},
	"browser": {
		{schemas.CounterFingerprint, "browser_profile_swap", "high", 0.70},
		{schemas.CounterFingerprint, "viewport_randomization", "medium", 0.55},
	},
	"behavioral": {
		{schemas.CounterBehavioral, "interaction_timing_humanization", "medium", 0.65},
		{schemas.CounterBehavioral, "input_cadence_variation", "medium", 0.60},
	},
	"temporal": {
		{schemas.CounterTiming, "request_jitter", "medium", 0.60},
		{schemas.CounterTiming, "session_pacing", "low", 0.55},
	},
}

// DevelopCountermeasures drafts the countermeasure list for a signature from
// the rule table, sorted by priority then effectiveness, both descending.
// A signature with no recognized sub-signal still gets a conservative
// fallback so every response tier has something to deploy.
func DevelopCountermeasures(sig schemas.ThreatSignature) []schemas.Countermeasure {
	var drafted []schemas.Countermeasure
	add := func(templates []counterTemplate) {
		for _, tpl := range templates {
			drafted = append(drafted, schemas.Countermeasure{
				ID:            uuid.NewString(),
				Type:          tpl.ctype,
				Technique:     tpl.technique,
				Priority:      tpl.priority,
				Effectiveness: tpl.base,
			})
		}
	}

	if sig.Signals.Network {
		add(counterRules["network"])
	}
	if sig.Signals.Browser {
		add(counterRules["browser"])
	}
	if sig.Signals.Behavioral {
		add(counterRules["behavioral"])
	}
	if sig.Signals.Temporal {
		add(counterRules["temporal"])
	}
	if len(drafted) == 0 {
		add([]counterTemplate{
			{schemas.CounterBehavioral, "conservative_pacing", "low", 0.50},
		})
	}

	SortCountermeasures(drafted)
	return drafted
}

// SortCountermeasures orders by (priority desc, effectiveness desc) with the
// technique name as a stable tiebreak.
func SortCountermeasures(list []schemas.Countermeasure) {
	sort.Slice(list, func(i, j int) bool {
		if priorityRank[list[i].Priority] != priorityRank[list[j].Priority] {
			return priorityRank[list[i].Priority] > priorityRank[list[j].Priority]
		}
		if list[i].Effectiveness != list[j].Effectiveness {
			return list[i].Effectiveness > list[j].Effectiveness
		}
		return list[i].Technique < list[j].Technique
	})
}

// CountermeasuresForSignal returns the drafted countermeasures whose type
// responds to the given sub-signal category. Used by the medium response
// tier to target the triggering category.
func CountermeasuresForSignal(list []schemas.Countermeasure, category string) []schemas.Countermeasure {
	want := map[string][]schemas.CountermeasureType{
		"network":    {schemas.CounterFingerprint, schemas.CounterProxy},
		"browser":    {schemas.CounterFingerprint},
		"behavioral": {schemas.CounterBehavioral},
		"temporal":   {schemas.CounterTiming},
	}[category]

	var out []schemas.Countermeasure
	for _, cm := range list {
		for _, w := range want {
			if cm.Type == w {
				out = append(out, cm)
				break
			}
		}
	}
	return out
}
