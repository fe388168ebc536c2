package observability

import "time"

// The pipeline stages each declare their own minimal Metrics interface so
// they don't import this package directly; the adapters below satisfy all
// of them against one shared *Metrics instance.

// NormalizeAdapter satisfies normalize.Metrics.
type NormalizeAdapter struct{ M *Metrics }

func (a NormalizeAdapter) IncMalformed(source string)         { a.M.NormalizeMalformed.WithLabelValues(source).Inc() }
func (a NormalizeAdapter) IncSeverityDefaulted(source string) { a.M.NormalizeDefaulted.WithLabelValues(source).Inc() }

// BusAdapter satisfies bus.Metrics.
type BusAdapter struct{ M *Metrics }

func (a BusAdapter) SetDepth(partition string, depth int) { a.M.BusDepth.WithLabelValues(partition).Set(float64(depth)) }
func (a BusAdapter) IncAgedOut()                           { a.M.BusAgedOut.Inc() }
func (a BusAdapter) IncBackpressure()                       { a.M.BusBackpressure.Inc() }

// ScorerAdapter satisfies scorer.Metrics.
type ScorerAdapter struct{ M *Metrics }

func (a ScorerAdapter) ObserveDuration(outcome string, d time.Duration) {
	a.M.ScorerDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
func (a ScorerAdapter) IncDegraded()   { a.M.ScorerDegraded.Inc() }
func (a ScorerAdapter) IncDeadLetter() { a.M.ScorerDeadLetter.Inc() }

// AnalysisAdapter satisfies analysis.Metrics.
type AnalysisAdapter struct{ M *Metrics }

func (a AnalysisAdapter) IncInvoked()                   { a.M.AnalysisInvoked.Inc() }
func (a AnalysisAdapter) IncDegraded()                  { a.M.AnalysisDegraded.Inc() }
func (a AnalysisAdapter) ObserveDuration(d time.Duration) { a.M.AnalysisDuration.Observe(d.Seconds()) }

// RemediateAdapter satisfies remediate.Metrics.
type RemediateAdapter struct{ M *Metrics }

func (a RemediateAdapter) IncOutcome(outcome string) { a.M.RemediationOutcome.WithLabelValues(outcome).Inc() }
func (a RemediateAdapter) ObserveDuration(d time.Duration) { a.M.RemediationDuration.Observe(d.Seconds()) }

// NotifyAdapter satisfies notify.Metrics.
type NotifyAdapter struct{ M *Metrics }

func (a NotifyAdapter) IncSent()       { a.M.NotificationsSent.Inc() }
func (a NotifyAdapter) IncSuppressed() { a.M.NotificationsSuppressed.Inc() }

// IngressAdapter satisfies ingress.Metrics.
type IngressAdapter struct{ M *Metrics }

func (a IngressAdapter) IncIngested(source string) { a.M.EventsIngested.WithLabelValues(source).Inc() }

// OrchestratorAdapter satisfies orchestrator.Metrics.
type OrchestratorAdapter struct{ M *Metrics }

func (a OrchestratorAdapter) IncCompleted(status string) { a.M.EventsCompleted.WithLabelValues(status).Inc() }
func (a OrchestratorAdapter) ObserveEventDuration(d time.Duration) { a.M.EventDuration.Observe(d.Seconds()) }
func (a OrchestratorAdapter) IncSLOViolation()                     { a.M.SLOViolations.Inc() }
func (a OrchestratorAdapter) SetInFlight(n int)                    { a.M.InFlightEvents.Set(float64(n)) }
func (a OrchestratorAdapter) SetDLQDepth(n int)                    { a.M.DLQDepth.Set(float64(n)) }
func (a OrchestratorAdapter) IncTriageBand(band string)            { a.M.TriageBand.WithLabelValues(band).Inc() }
func (a OrchestratorAdapter) IncStoreUpsert(status string)         { a.M.StoreUpserts.WithLabelValues(status).Inc() }
func (a OrchestratorAdapter) IncStoreUnavailable()                 { a.M.StoreUnavailable.Inc() }
