// Package notify publishes alerts to subscribers for priorities above the
// warn threshold, suppressing duplicates within a best-effort dedup
// window.
package notify

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lvonguyen/sentineldrift/internal/pipeline/event"
)

// Message is what gets published to subscribers.
type Message struct {
	EventID        string  `json:"event_id"`
	PriorityBand   event.PriorityBand `json:"priority_band"`
	PriorityScore  float64 `json:"priority_score"`
	ThreatScore    float64 `json:"threat_score"`
	RiskScore      *int    `json:"risk_score,omitempty"`
	Summary        string  `json:"summary"`
	StoreLinkKey   string  `json:"store_link_key"`
}

// Publisher is the external message sink (webhook, pub/sub topic, etc).
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Metrics is the subset of observability counters the notifier
// increments.
type Metrics interface {
	IncSent()
	IncSuppressed()
}

// NoopMetrics discards all counter increments; useful in tests.
type NoopMetrics struct{}

func (NoopMetrics) IncSent()       {}
func (NoopMetrics) IncSuppressed() {}

// Notifier publishes alert notifications with a best-effort, in-memory
// dedup window keyed on event_id. Durability across restarts is
// explicitly out of scope per the specification's open question.
type Notifier struct {
	publisher Publisher
	dedup     *lru.Cache[string, time.Time]
	window    time.Duration
	metrics   Metrics
}

// New creates a Notifier. lruSize defaults to 10,000 entries per the
// specification's minimum; window defaults to 5 minutes.
func New(publisher Publisher, lruSize int, window time.Duration, metrics Metrics) (*Notifier, error) {
	if lruSize <= 0 {
		lruSize = 10000
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	cache, err := lru.New[string, time.Time](lruSize)
	if err != nil {
		return nil, fmt.Errorf("construct dedup lru: %w", err)
	}

	return &Notifier{publisher: publisher, dedup: cache, window: window, metrics: metrics}, nil
}

// Fires reports whether the notifier should attempt to publish, per the
// specification's firing rule: priority_score > warn_threshold OR a
// failed remediation attempt.
func Fires(priorityScore float64, warnThreshold int, remediationFailed bool) bool {
	return priorityScore > float64(warnThreshold) || remediationFailed
}

// Notify publishes a message for the alert unless a duplicate for the
// same event_id was published within the dedup window. Suppression is
// best-effort, not a correctness requirement, so a racing duplicate slip
// is acceptable.
func (n *Notifier) Notify(ctx context.Context, a *event.Alert) error {
	if last, ok := n.dedup.Get(a.EventID); ok {
		if time.Since(last) < n.window {
			n.metrics.IncSuppressed()
			return nil
		}
	}

	msg := buildMessage(a)
	if err := n.publisher.Publish(ctx, msg); err != nil {
		return err
	}

	n.dedup.Add(a.EventID, time.Now().UTC())
	n.metrics.IncSent()
	return nil
}

func buildMessage(a *event.Alert) Message {
	msg := Message{
		EventID:      a.EventID,
		StoreLinkKey: fmt.Sprintf("%s:%s", a.EventID, a.ObservedAt.Format(time.RFC3339)),
	}

	if a.Triage != nil {
		msg.PriorityBand = a.Triage.PriorityBand
		msg.PriorityScore = a.Triage.PriorityScore
	}
	if a.ML != nil {
		msg.ThreatScore = a.ML.ThreatScore
	}
	if a.Analysis != nil {
		risk := a.Analysis.RiskScore
		msg.RiskScore = &risk
	}

	msg.Summary = summarize(a)
	return msg
}

func summarize(a *event.Alert) string {
	band := "UNKNOWN"
	if a.Triage != nil {
		band = string(a.Triage.PriorityBand)
	}
	if a.Remediation != nil && a.Remediation.Outcome == event.RemediationFailed {
		return fmt.Sprintf("%s priority alert for %s on %s; remediation FAILED", band, a.Kind, a.Account)
	}
	return fmt.Sprintf("%s priority alert for %s on %s", band, a.Kind, a.Account)
}
