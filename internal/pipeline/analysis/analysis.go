// Package analysis implements the deep-analysis gate: it decides whether
// to invoke the LLM oracle based on triage priority, and attaches a
// structured risk report.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lvonguyen/sentineldrift/internal/pipeline/event"
)

// Prompt bundles the fixed context the LLM oracle reasons over.
type Prompt struct {
	Event  *event.Event
	ML     *event.MLEnrichment
	Triage *event.TriageEnrichment
}

// Oracle is the external LLM risk-analysis service. It returns the raw
// textual response; this package is responsible for robust JSON
// extraction, since real providers wrap responses in markdown fences or
// surrounding prose.
type Oracle interface {
	Analyze(ctx context.Context, prompt Prompt) (string, error)
}

// Metrics is the subset of observability counters the gate increments.
type Metrics interface {
	IncInvoked()
	IncDegraded()
	ObserveDuration(d time.Duration)
}

// NoopMetrics discards all counter increments; useful in tests.
type NoopMetrics struct{}

func (NoopMetrics) IncInvoked()                   {}
func (NoopMetrics) IncDegraded()                  {}
func (NoopMetrics) ObserveDuration(time.Duration) {}

// Config configures the gate's latency budget and thresholds.
type Config struct {
	WarnThreshold int
	Deadline      time.Duration
}

// DefaultConfig matches the specification's defaults: warn_threshold=70,
// a 15s per-call latency budget.
func DefaultConfig() Config {
	return Config{WarnThreshold: 70, Deadline: 15 * time.Second}
}

// report mirrors the oracle's structured JSON response shape.
type report struct {
	RiskScore          int      `json:"risk_score"`
	AttackVector       string   `json:"attack_vector"`
	RecommendedActions []string `json:"recommended_actions"`
	BusinessImpact     string   `json:"business_impact"`
	Confidence         float64  `json:"confidence"`
}

// Gate decides whether to invoke the LLM oracle and attaches the analysis
// enrichment.
type Gate struct {
	oracle  Oracle
	cfg     Config
	metrics Metrics
}

// New creates a Gate.
func New(oracle Oracle, cfg Config, metrics Metrics) *Gate {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Gate{oracle: oracle, cfg: cfg, metrics: metrics}
}

// Fires reports whether the deep-analysis gate fires for the given triage
// result, per the strict-inequality rule and the action policy.
func Fires(priorityScore float64, warnThreshold int, actionPolicyOff bool) bool {
	if actionPolicyOff {
		return false
	}
	return priorityScore > float64(warnThreshold)
}

// Analyze invokes the LLM oracle and parses its response. A timeout is
// treated as a retryable failure: one retry, then degrade with default
// fields and analysis.error="timeout". A parse failure follows the same
// one-retry-then-degrade rule with analysis.error="parse_failed". The gate
// is idempotent: a retried event simply overwrites analysis.
func (g *Gate) Analyze(ctx context.Context, prompt Prompt) *event.AnalysisEnrichment {
	g.metrics.IncInvoked()
	start := time.Now()
	defer func() { g.metrics.ObserveDuration(time.Since(start)) }()

	enrichment, err := g.attempt(ctx, prompt)
	if err == nil {
		return enrichment
	}

	// One retry on any failure (timeout or parse failure) before degrading.
	enrichment, err = g.attempt(ctx, prompt)
	if err == nil {
		return enrichment
	}

	g.metrics.IncDegraded()
	return degraded(err)
}

func (g *Gate) attempt(ctx context.Context, prompt Prompt) (*event.AnalysisEnrichment, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Deadline)
	defer cancel()

	raw, err := g.oracle.Analyze(callCtx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", event.ErrOracleUnavailable, err)
	}

	rep, err := extractReport(raw)
	if err != nil {
		return nil, fmt.Errorf("parse_failed: %w", err)
	}

	return &event.AnalysisEnrichment{
		RiskScore:          rep.RiskScore,
		AttackVector:       rep.AttackVector,
		RecommendedActions: rep.RecommendedActions,
		BusinessImpact:     rep.BusinessImpact,
		Confidence:         rep.Confidence,
		AnalyzedAt:         time.Now().UTC(),
	}, nil
}

func degraded(cause error) *event.AnalysisEnrichment {
	reason := "parse_failed"
	if errors.Is(cause, event.ErrOracleUnavailable) {
		reason = "timeout"
	}
	return &event.AnalysisEnrichment{
		RiskScore:          0,
		AttackVector:       "unknown",
		RecommendedActions: nil,
		Confidence:         0,
		AnalyzedAt:         time.Now().UTC(),
		Error:              reason,
	}
}

// extractReport implements the specification's robust-parsing contract:
// accept a response wrapped in markdown code fences, trim, and extract
// the first balanced JSON object.
func extractReport(raw string) (*report, error) {
	span, err := firstBalancedJSONObject(stripCodeFences(raw))
	if err != nil {
		return nil, err
	}

	var rep report
	if err := json.Unmarshal([]byte(span), &rep); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &rep, nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl != -1 {
		// Drop an optional language tag on the fence's opening line.
		s = s[nl+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// firstBalancedJSONObject scans for the first top-level '{' and returns the
// substring up to its matching '}', tolerating braces inside quoted
// strings.
func firstBalancedJSONObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}

	return "", fmt.Errorf("unbalanced JSON object in response")
}
