// Package triage computes the deterministic priority score, priority
// band, and recommended actions for a scored Event. It is a pure function
// of (event, ml, configured thresholds) with no suspension points.
package triage

import (
	"strings"
	"time"

	"github.com/lvonguyen/sentineldrift/internal/pipeline/event"
)

// severityWeight is w_sev indexed by severity band.
var severityWeight = map[event.SeverityBand]float64{
	event.SeverityLow:      10,
	event.SeverityMedium:   20,
	event.SeverityHigh:     30,
	event.SeverityCritical: 40,
}

// sourceMultiplier is w_src indexed by source; unlisted sources default to
// 1.0.
var sourceMultiplier = map[string]float64{
	"detectora": 1.2,
	"detectorb": 1.1,
}

// boostTokens is the fixed kind-token set that earns the 1.3x boost.
var boostTokens = []string{"UnauthorizedAccess", "Recon", "Trojan", "Finding"}

// RecommendedActions are the fixed, ordered action lists per priority
// band.
var RecommendedActions = map[event.PriorityBand][]string{
	event.PriorityCritical: {"isolate_resource", "escalate_to_oncall", "open_incident", "notify_security_lead"},
	event.PriorityHigh:     {"escalate_to_oncall", "open_incident", "notify_security_team"},
	event.PriorityMedium:   {"add_to_watchlist", "notify_security_team"},
	event.PriorityLow:      {"log_for_review"},
}

// Triage computes triage enrichment from an already-scored event. The
// caller guarantees ml is non-nil; triage presence implies ml was
// attached (invariant 2 of the data model).
func Triage(e *event.Event, ml *event.MLEnrichment) *event.TriageEnrichment {
	wSev := severityWeight[e.SeverityBand]
	wSrc := sourceMultiplierFor(e.Source)
	boost := boostFor(e.Kind)

	base := ml.ThreatScore*0.6 + wSev
	adjusted := base * wSrc * boost
	score := clamp(adjusted, 0, 100)
	band := bandFor(score)

	actions := RecommendedActions[band]
	return &event.TriageEnrichment{
		PriorityScore:      score,
		PriorityBand:       band,
		RecommendedActions: append([]string(nil), actions...),
		TriagedAt:          time.Now().UTC(),
	}
}

func sourceMultiplierFor(source string) float64 {
	if m, ok := sourceMultiplier[source]; ok {
		return m
	}
	return 1.0
}

func boostFor(kind string) float64 {
	for _, token := range boostTokens {
		if strings.Contains(kind, token) {
			return 1.3
		}
	}
	return 1.0
}

func bandFor(score float64) event.PriorityBand {
	switch {
	case score >= 90:
		return event.PriorityCritical
	case score >= 70:
		return event.PriorityHigh
	case score >= 40:
		return event.PriorityMedium
	default:
		return event.PriorityLow
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// WarrantsDeepAnalysis applies the deep-analysis gate's strict-inequality
// rule: priority_score must be strictly greater than warn_threshold, and
// the action policy must not be OFF.
func WarrantsDeepAnalysis(priorityScore float64, warnThreshold int, policyIsOff bool) bool {
	if policyIsOff {
		return false
	}
	return priorityScore > float64(warnThreshold)
}

// WarrantsRemediation applies the remediation gate's strict-inequality
// rule: priority_score must be strictly greater than remediate_threshold,
// and the action policy must be FULL.
func WarrantsRemediation(priorityScore float64, remediateThreshold int, policyIsFull bool) bool {
	if !policyIsFull {
		return false
	}
	return priorityScore > float64(remediateThreshold)
}

// WarrantsNotification applies the notifier's firing rule: priority_score
// strictly greater than warn_threshold, OR a failed remediation attempt.
func WarrantsNotification(priorityScore float64, warnThreshold int, remediationFailed bool) bool {
	return priorityScore > float64(warnThreshold) || remediationFailed
}
