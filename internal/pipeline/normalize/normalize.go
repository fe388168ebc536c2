// Package normalize converts vendor-specific raw findings into the
// canonical Event schema and derives the severity band.
//
// Consolidated from the detector-specific normalization lambdas of the
// original system into a single pure-function component.
package normalize

import (
	"fmt"
	"time"

	"github.com/lvonguyen/sentineldrift/internal/pipeline/event"
)

// RawFinding is the opaque input handed to the normalizer: a declared
// source tag plus the vendor-specific JSON body.
type RawFinding struct {
	Source string
	Body   map[string]interface{}
}

// SeverityMapping converts a source's native severity number into a band.
// Each reference source supplies its own mapping; an unknown source always
// defaults to MEDIUM.
type SeverityMapping func(native float64) event.SeverityBand

// Metrics is the subset of observability counters the normalizer
// increments. Implementations backed by *observability.Metrics satisfy
// this without the normalize package importing observability directly.
type Metrics interface {
	IncMalformed(source string)
	IncSeverityDefaulted(source string)
}

// NoopMetrics discards all counter increments; useful in tests.
type NoopMetrics struct{}

func (NoopMetrics) IncMalformed(string)         {}
func (NoopMetrics) IncSeverityDefaulted(string) {}

// Normalizer holds the fixed per-source severity tables and native-field
// extractors.
type Normalizer struct {
	mappings map[string]SeverityMapping
	metrics  Metrics
}

// NewNormalizer builds a Normalizer seeded with the two reference source
// mappings (detectora, detectorb) described in the component design.
func NewNormalizer(metrics Metrics) *Normalizer {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Normalizer{
		mappings: map[string]SeverityMapping{
			"detectora": detectorASeverity,
			"detectorb": detectorBSeverity,
		},
		metrics: metrics,
	}
}

// RegisterSource installs or overrides the severity mapping for a source
// tag, letting callers add reference sources beyond the two named in the
// specification.
func (n *Normalizer) RegisterSource(source string, mapping SeverityMapping) {
	n.mappings[source] = mapping
}

// detectorASeverity implements the 0-10 native scale: <1 LOW, [1,4) MEDIUM,
// [4,7) HIGH, >=7 CRITICAL.
func detectorASeverity(native float64) event.SeverityBand {
	switch {
	case native < 1:
		return event.SeverityLow
	case native < 4:
		return event.SeverityMedium
	case native < 7:
		return event.SeverityHigh
	default:
		return event.SeverityCritical
	}
}

// detectorBSeverity implements the 0-100 normalized scale: <1 LOW,
// [1,40) MEDIUM, [40,70) HIGH, >=70 CRITICAL.
func detectorBSeverity(native float64) event.SeverityBand {
	switch {
	case native < 1:
		return event.SeverityLow
	case native < 40:
		return event.SeverityMedium
	case native < 70:
		return event.SeverityHigh
	default:
		return event.SeverityCritical
	}
}

// Normalize converts a raw finding into a canonical Event. It fails with
// event.ErrMalformedSource when id, time, account, region, or kind cannot
// be extracted. A missing or unparseable native severity defaults to
// MEDIUM and increments a warning counter rather than failing.
func (n *Normalizer) Normalize(raw RawFinding) (*event.Event, error) {
	id, ok := stringField(raw.Body, "id")
	if !ok || id == "" {
		n.metrics.IncMalformed(raw.Source)
		return nil, fmt.Errorf("missing required field %q: %w", "id", event.ErrMalformedSource)
	}

	observedAt, ok := timeField(raw.Body, "time")
	if !ok {
		n.metrics.IncMalformed(raw.Source)
		return nil, fmt.Errorf("missing required field %q: %w", "time", event.ErrMalformedSource)
	}

	account, ok := stringField(raw.Body, "account")
	if !ok || account == "" {
		n.metrics.IncMalformed(raw.Source)
		return nil, fmt.Errorf("missing required field %q: %w", "account", event.ErrMalformedSource)
	}

	region, ok := stringField(raw.Body, "region")
	if !ok || region == "" {
		n.metrics.IncMalformed(raw.Source)
		return nil, fmt.Errorf("missing required field %q: %w", "region", event.ErrMalformedSource)
	}

	kind, ok := stringField(raw.Body, "kind")
	if !ok || kind == "" {
		n.metrics.IncMalformed(raw.Source)
		return nil, fmt.Errorf("missing required field %q: %w", "kind", event.ErrMalformedSource)
	}

	band := n.severityBand(raw)

	return &event.Event{
		EventID:      id,
		ObservedAt:   observedAt,
		IngestedAt:   time.Now().UTC(),
		Source:       raw.Source,
		Account:      account,
		Region:       region,
		Kind:         kind,
		SeverityBand: band,
		Raw:          raw.Body,
	}, nil
}

// severityBand resolves the native severity using the source's mapping,
// falling back to MEDIUM when the source is unknown or the native field is
// absent or unparseable.
func (n *Normalizer) severityBand(raw RawFinding) event.SeverityBand {
	mapping, known := n.mappings[raw.Source]
	if !known {
		return event.SeverityMedium
	}

	native, ok := nativeSeverity(raw)
	if !ok {
		n.metrics.IncSeverityDefaulted(raw.Source)
		return event.SeverityMedium
	}

	return mapping(native)
}

// nativeSeverity looks up the source-specific native severity field:
// Detector-A uses a flat "severity" number, Detector-B nests it under
// "Severity.Normalized".
func nativeSeverity(raw RawFinding) (float64, bool) {
	switch raw.Source {
	case "detectora":
		return numberField(raw.Body, "severity")
	case "detectorb":
		if nested, ok := raw.Body["Severity"].(map[string]interface{}); ok {
			return numberField(nested, "Normalized")
		}
		return 0, false
	default:
		return 0, false
	}
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func numberField(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func timeField(m map[string]interface{}, key string) (time.Time, bool) {
	v, ok := m[key]
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}
