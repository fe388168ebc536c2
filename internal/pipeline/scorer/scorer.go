// Package scorer extracts features from a normalized Event, calls the ML
// oracle, and attaches the resulting threat score and confidence.
//
// The concrete model is out of scope; Oracle is the seam a real model
// service implements.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lvonguyen/sentineldrift/internal/pipeline/event"
)

// Feature is one named entry in the deterministic feature vector. The
// ordered feature list is part of model_version's contract with the
// oracle: changing it requires a new version string.
type Feature struct {
	Name  string
	Value float64
}

// Score is what the oracle returns for one feature vector.
type Score struct {
	ThreatScore float64
	Confidence  float64
}

// Oracle is the external ML scoring service. A permanent error (schema
// mismatch) should be wrapped so errors.Is(err, ErrPermanent) is true;
// any other error is treated as transient and retried.
type Oracle interface {
	Score(ctx context.Context, modelVersion string, features []Feature) (Score, error)
}

// ErrPermanent marks an oracle error that must not be retried and instead
// fails the event to the DLQ.
var ErrPermanent = errors.New("permanent scorer failure")

// Metrics is the subset of observability counters the scorer increments.
type Metrics interface {
	ObserveDuration(outcome string, d time.Duration)
	IncDegraded()
	IncDeadLetter()
}

// NoopMetrics discards all counter increments; useful in tests.
type NoopMetrics struct{}

func (NoopMetrics) ObserveDuration(string, time.Duration) {}
func (NoopMetrics) IncDegraded()                          {}
func (NoopMetrics) IncDeadLetter()                        {}

// Config configures retry behavior, matching the specification's fixed
// schedule: initial 200ms, factor 2, max 4 attempts, overall 5s budget.
type Config struct {
	ModelVersion      string
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxAttempts       int
	Budget            time.Duration
}

// DefaultConfig returns the specification's fixed retry schedule.
func DefaultConfig(modelVersion string) Config {
	return Config{
		ModelVersion:      modelVersion,
		InitialBackoff:    200 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxAttempts:       4,
		Budget:            5 * time.Second,
	}
}

// FeatureExtractor builds the fixed, versioned feature vector for an
// Event. It must be deterministic: the same Event always yields the same
// vector for a given model_version.
type FeatureExtractor func(e *event.Event) []Feature

// Scorer attaches ml enrichment to events.
type Scorer struct {
	oracle    Oracle
	extractor FeatureExtractor
	cfg       Config
	metrics   Metrics
}

// New creates a Scorer.
func New(oracle Oracle, extractor FeatureExtractor, cfg Config, metrics Metrics) *Scorer {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Scorer{oracle: oracle, extractor: extractor, cfg: cfg, metrics: metrics}
}

// DefaultFeatureExtractor is the reference feature vector: severity band
// as an ordinal and a raw-payload size proxy (the number of raw fields).
// Implementers of a real model integration are expected to replace this.
func DefaultFeatureExtractor(e *event.Event) []Feature {
	sevOrdinal := map[event.SeverityBand]float64{
		event.SeverityLow:      0,
		event.SeverityMedium:   1,
		event.SeverityHigh:     2,
		event.SeverityCritical: 3,
	}[e.SeverityBand]

	return []Feature{
		{Name: "severity_ordinal", Value: sevOrdinal},
		{Name: "raw_field_count", Value: float64(len(e.Raw))},
	}
}

// Score attaches ml enrichment to the event. Transient failures are
// retried per cfg and, on exhaustion, degrade the event (threat_score=0,
// confidence=0, ml.error set) rather than dropping it — the pipeline must
// traverse an event even when the model is unavailable. A permanent
// failure (errors.Is(err, ErrPermanent)) is returned unretried so the
// orchestrator can route the event to the DLQ.
func (s *Scorer) Score(ctx context.Context, e *event.Event) (*event.MLEnrichment, error) {
	features := s.extractor(e)

	budgetCtx, cancel := context.WithTimeout(ctx, s.cfg.Budget)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.Multiplier = s.cfg.BackoffMultiplier
	b.MaxElapsedTime = s.cfg.Budget

	attempts := 0
	var result Score
	start := time.Now()

	operation := func() error {
		attempts++
		var err error
		result, err = s.oracle.Score(budgetCtx, s.cfg.ModelVersion, features)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) {
			return backoff.Permanent(err)
		}
		if attempts >= s.cfg.MaxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(b, budgetCtx))
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, ErrPermanent) {
			s.metrics.ObserveDuration("permanent_failure", elapsed)
			s.metrics.IncDeadLetter()
			return nil, fmt.Errorf("scorer permanent failure: %w", unwrapFinal(err))
		}

		s.metrics.ObserveDuration("degraded", elapsed)
		s.metrics.IncDegraded()
		return &event.MLEnrichment{
			ThreatScore:  0,
			Confidence:   0,
			ModelVersion: s.cfg.ModelVersion,
			ScoredAt:     time.Now().UTC(),
			Error:        fmt.Sprintf("%v: %v", event.ErrOracleUnavailable, unwrapFinal(err)),
		}, nil
	}

	s.metrics.ObserveDuration("success", elapsed)
	return &event.MLEnrichment{
		ThreatScore:  result.ThreatScore,
		Confidence:   result.Confidence,
		ModelVersion: s.cfg.ModelVersion,
		ScoredAt:     time.Now().UTC(),
	}, nil
}

func unwrapFinal(err error) error {
	var permErr *backoff.PermanentError
	if errors.As(err, &permErr) {
		return permErr.Err
	}
	return err
}
