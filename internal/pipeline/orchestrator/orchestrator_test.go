package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/lvonguyen/sentineldrift/internal/config"
	"github.com/lvonguyen/sentineldrift/internal/dlq"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/analysis"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/bus"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/event"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/notify"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/remediate"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/scorer"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/store"
)

type fixedOracle struct {
	score scorer.Score
	err   error
}

func (o fixedOracle) Score(ctx context.Context, modelVersion string, features []scorer.Feature) (scorer.Score, error) {
	return o.score, o.err
}

type fixedAnalysisOracle struct {
	response string
}

func (o fixedAnalysisOracle) Analyze(ctx context.Context, prompt analysis.Prompt) (string, error) {
	return o.response, nil
}

type recordingEffector struct {
	calls []remediate.ActionKind
	fail  bool
}

func (e *recordingEffector) Execute(ctx context.Context, eventID string, action remediate.ActionKind, ev *event.Event) error {
	e.calls = append(e.calls, action)
	if e.fail {
		return context.DeadlineExceeded
	}
	return nil
}

type recordingPublisher struct {
	messages []notify.Message
}

func (p *recordingPublisher) Publish(ctx context.Context, msg notify.Message) error {
	p.messages = append(p.messages, msg)
	return nil
}

func testEvent(id string, kind, source string) *event.Event {
	return &event.Event{
		EventID:      id,
		ObservedAt:   time.Now().UTC(),
		IngestedAt:   time.Now().UTC(),
		Source:       source,
		Account:      "111122223333",
		Region:       "us-east-1",
		Kind:         kind,
		SeverityBand: event.SeverityHigh,
		Raw:          map[string]interface{}{"a": 1},
	}
}

func newHarness(t *testing.T, threatScore float64, policy config.ActionPolicy, effectorFails bool) (*Orchestrator, *store.InMemory, *recordingEffector, *recordingPublisher) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Pipeline.ActionPolicy = policy
	cfg.Pipeline.EventDeadline = 2 * time.Second
	cfg.Pipeline.MaxConcurrentEvents = 4
	cfg.Pipeline.OracleConcurrency = 4
	cfg.Pipeline.BusPartitions = 2
	live := config.NewLive(cfg)

	b := bus.New(bus.Config{Partitions: 2, Capacity: 16}, bus.NoopMetrics{})

	sc := scorer.New(fixedOracle{score: scorer.Score{ThreatScore: threatScore, Confidence: 0.9}}, scorer.DefaultFeatureExtractor, scorer.DefaultConfig("v1"), scorer.NoopMetrics{})

	analysisGate := analysis.New(fixedAnalysisOracle{response: `{"risk_score":80,"attack_vector":"x","recommended_actions":["a"],"business_impact":"y","confidence":0.8}`}, analysis.DefaultConfig(), analysis.NoopMetrics{})

	effector := &recordingEffector{fail: effectorFails}
	remediationGate := remediate.New(remediate.DefaultPolicyTable(), effector, remediate.NoopMetrics{})

	publisher := &recordingPublisher{}
	notifier, err := notify.New(publisher, 100, time.Minute, notify.NoopMetrics{})
	if err != nil {
		t.Fatalf("construct notifier: %v", err)
	}

	alertStore := store.NewInMemory()
	dlqSink := dlq.NewInMemory()

	o := New(Deps{
		Bus:         b,
		Scorer:      sc,
		Analysis:    analysisGate,
		Remediation: remediationGate,
		Notifier:    notifier,
		Store:       alertStore,
		DLQ:         dlqSink,
		Config:      live,
	})

	return o, alertStore, effector, publisher
}

func runUntilStored(t *testing.T, o *Orchestrator, b *bus.Bus, alertStore *store.InMemory, key event.AlertKey) *event.Alert {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go o.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a, _ := alertStore.Get(ctx, key); a != nil {
			cancel()
			return a
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	return nil
}

func TestOrchestrator_LowPriorityEventIsStoredOnlyWithNoSideEffects(t *testing.T) {
	o, alertStore, effector, publisher := newHarness(t, 10, config.ActionPolicyFull, false)
	ev := testEvent("evt-1", "Recon:EC2/PortScan", "detectorb")

	if err := o.bus.Enqueue(context.Background(), ev); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	alert := runUntilStored(t, o, o.bus, alertStore, event.AlertKey{EventID: ev.EventID, ObservedAt: ev.ObservedAt})
	if alert == nil {
		t.Fatal("alert was never stored")
	}
	if alert.Status != event.StatusStoredOnly {
		t.Errorf("expected STORED_ONLY, got %s", alert.Status)
	}
	if len(effector.calls) != 0 {
		t.Errorf("expected no remediation calls, got %d", len(effector.calls))
	}
	if len(publisher.messages) != 0 {
		t.Errorf("expected no notifications, got %d", len(publisher.messages))
	}
}

func TestOrchestrator_HighPriorityEventIsNotifiedAndRemediated(t *testing.T) {
	o, alertStore, effector, publisher := newHarness(t, 95, config.ActionPolicyFull, false)
	ev := testEvent("evt-2", "Recon:EC2/PortProbeUnprotectedPort", "detectora")

	if err := o.bus.Enqueue(context.Background(), ev); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	alert := runUntilStored(t, o, o.bus, alertStore, event.AlertKey{EventID: ev.EventID, ObservedAt: ev.ObservedAt})
	if alert == nil {
		t.Fatal("alert was never stored")
	}
	if alert.Status != event.StatusRemediated {
		t.Errorf("expected REMEDIATED, got %s", alert.Status)
	}
	if len(effector.calls) != 1 {
		t.Errorf("expected exactly one remediation call, got %d", len(effector.calls))
	}
	if len(publisher.messages) != 1 {
		t.Errorf("expected exactly one notification, got %d", len(publisher.messages))
	}
	if alert.Analysis == nil {
		t.Error("expected deep analysis to have fired above the warn threshold")
	}
}

func TestOrchestrator_NotifyOnlyPolicySkipsRemediationButStillNotifies(t *testing.T) {
	o, alertStore, effector, publisher := newHarness(t, 95, config.ActionPolicyNotifyOnly, false)
	ev := testEvent("evt-3", "Recon:EC2/PortProbeUnprotectedPort", "detectora")

	if err := o.bus.Enqueue(context.Background(), ev); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	alert := runUntilStored(t, o, o.bus, alertStore, event.AlertKey{EventID: ev.EventID, ObservedAt: ev.ObservedAt})
	if alert == nil {
		t.Fatal("alert was never stored")
	}
	if alert.Status != event.StatusNotified {
		t.Errorf("expected NOTIFIED, got %s", alert.Status)
	}
	if len(effector.calls) != 0 {
		t.Errorf("expected remediation gate to be skipped entirely, got %d calls", len(effector.calls))
	}
	if len(publisher.messages) != 1 {
		t.Errorf("expected exactly one notification, got %d", len(publisher.messages))
	}
}

func TestOrchestrator_FailedRemediationStillNotifiesAndStores(t *testing.T) {
	o, alertStore, effector, publisher := newHarness(t, 95, config.ActionPolicyFull, true)
	ev := testEvent("evt-4", "Recon:EC2/PortProbeUnprotectedPort", "detectora")

	if err := o.bus.Enqueue(context.Background(), ev); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	alert := runUntilStored(t, o, o.bus, alertStore, event.AlertKey{EventID: ev.EventID, ObservedAt: ev.ObservedAt})
	if alert == nil {
		t.Fatal("alert was never stored")
	}
	if alert.Remediation == nil || alert.Remediation.Outcome != event.RemediationFailed {
		t.Errorf("expected remediation outcome FAILED, got %+v", alert.Remediation)
	}
	// two calls: the single retry the remediation gate performs on failure.
	if len(effector.calls) != 2 {
		t.Errorf("expected two effector calls (initial + retry), got %d", len(effector.calls))
	}
	if len(publisher.messages) != 1 {
		t.Errorf("expected notification to fire despite the failed remediation, got %d", len(publisher.messages))
	}
	if alert.Status != event.StatusNotified {
		t.Errorf("expected NOTIFIED (remediation failure is not REMEDIATED), got %s", alert.Status)
	}
}

func TestOrchestrator_ActionPolicyOffDisablesAnalysisAndRemediationButNotNotify(t *testing.T) {
	o, alertStore, effector, publisher := newHarness(t, 95, config.ActionPolicyOff, false)
	ev := testEvent("evt-5", "Recon:EC2/PortProbeUnprotectedPort", "detectora")

	if err := o.bus.Enqueue(context.Background(), ev); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	alert := runUntilStored(t, o, o.bus, alertStore, event.AlertKey{EventID: ev.EventID, ObservedAt: ev.ObservedAt})
	if alert == nil {
		t.Fatal("alert was never stored")
	}
	if alert.Analysis != nil {
		t.Error("expected deep analysis to be disabled under OFF policy")
	}
	if len(effector.calls) != 0 {
		t.Error("expected remediation to be disabled under OFF policy")
	}
	if len(publisher.messages) != 1 {
		t.Errorf("expected notification to still fire under OFF policy, got %d", len(publisher.messages))
	}
}

func TestOrchestrator_SamePartitionEventsProcessInEnqueueOrderPerWorkerSlot(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Pipeline.BusPartitions = 1
	cfg.Pipeline.MaxConcurrentEvents = 1 // force exactly one worker for the single partition
	cfg.Pipeline.EventDeadline = 2 * time.Second
	live := config.NewLive(cfg)

	b := bus.New(bus.Config{Partitions: 1, Capacity: 16}, bus.NoopMetrics{})
	sc := scorer.New(fixedOracle{score: scorer.Score{ThreatScore: 5, Confidence: 0.9}}, scorer.DefaultFeatureExtractor, scorer.DefaultConfig("v1"), scorer.NoopMetrics{})
	analysisGate := analysis.New(fixedAnalysisOracle{}, analysis.DefaultConfig(), analysis.NoopMetrics{})
	remediationGate := remediate.New(remediate.DefaultPolicyTable(), &recordingEffector{}, remediate.NoopMetrics{})
	publisher := &recordingPublisher{}
	notifier, _ := notify.New(publisher, 100, time.Minute, notify.NoopMetrics{})
	alertStore := store.NewInMemory()
	dlqSink := dlq.NewInMemory()

	o := New(Deps{Bus: b, Scorer: sc, Analysis: analysisGate, Remediation: remediationGate, Notifier: notifier, Store: alertStore, DLQ: dlqSink, Config: live})

	ids := []string{"order-1", "order-2", "order-3"}
	events := make([]*event.Event, 0, len(ids))
	for _, id := range ids {
		ev := testEvent(id, "Recon:EC2/PortScan", "detectorb")
		events = append(events, ev)
		if err := o.bus.Enqueue(context.Background(), ev); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	go o.Run(ctx)

	deadline := time.Now().Add(1500 * time.Millisecond)
	for alertStore.Len() < len(ids) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	if alertStore.Len() != len(ids) {
		t.Fatalf("expected all %d events stored, got %d", len(ids), alertStore.Len())
	}

	// With one worker slot, each event is scored only after the one
	// enqueued ahead of it has finished.
	var prev time.Time
	for _, ev := range events {
		a, err := alertStore.Get(context.Background(), event.AlertKey{EventID: ev.EventID, ObservedAt: ev.ObservedAt})
		if err != nil || a == nil || a.ML == nil {
			t.Fatalf("%s: expected a scored alert, got %v (err %v)", ev.EventID, a, err)
		}
		if a.ML.ScoredAt.Before(prev) {
			t.Errorf("%s was scored before the event enqueued ahead of it", ev.EventID)
		}
		prev = a.ML.ScoredAt
	}
}

func TestOrchestrator_ReplayFromDLQReEnqueuesAsFreshAttempt(t *testing.T) {
	o, alertStore, _, _ := newHarness(t, 95, config.ActionPolicyOff, false)
	ev := testEvent("evt-replay", "Recon:EC2/PortProbeUnprotectedPort", "detectora")

	entry := dlq.Entry{
		Alert:  &event.Alert{Event: *ev, Status: event.StatusDeadLettered},
		Reason: dlq.ReasonUnhandledError,
		Stage:  "scorer",
	}

	if err := o.ReplayFromDLQ(context.Background(), entry); err != nil {
		t.Fatalf("ReplayFromDLQ() error: %v", err)
	}

	got := runUntilStored(t, o, o.bus, alertStore, event.AlertKey{EventID: ev.EventID, ObservedAt: ev.ObservedAt})
	if got == nil {
		t.Fatal("expected replayed event to reach a terminal state in the store")
	}
	if got.Status == event.StatusDeadLettered {
		t.Errorf("replayed event should get a fresh terminal status, got DEAD_LETTERED again")
	}
}

// blockingAnalysisOracle lets a test pause an in-flight event right after
// the deep-analysis call starts, so it can flip live config before the
// event reaches its next decision point.
type blockingAnalysisOracle struct {
	started  chan struct{}
	proceed  chan struct{}
	response string
}

func (o *blockingAnalysisOracle) Analyze(ctx context.Context, prompt analysis.Prompt) (string, error) {
	close(o.started)
	<-o.proceed
	return o.response, nil
}

func TestOrchestrator_ActionPolicyChangeMidFlightStopsSubsequentRemediation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Pipeline.ActionPolicy = config.ActionPolicyFull
	cfg.Pipeline.EventDeadline = 3 * time.Second
	cfg.Pipeline.MaxConcurrentEvents = 4
	cfg.Pipeline.OracleConcurrency = 4
	cfg.Pipeline.BusPartitions = 1
	live := config.NewLive(cfg)

	b := bus.New(bus.Config{Partitions: 1, Capacity: 4}, bus.NoopMetrics{})
	sc := scorer.New(fixedOracle{score: scorer.Score{ThreatScore: 95, Confidence: 0.9}}, scorer.DefaultFeatureExtractor, scorer.DefaultConfig("v1"), scorer.NoopMetrics{})

	blocking := &blockingAnalysisOracle{
		started:  make(chan struct{}),
		proceed:  make(chan struct{}),
		response: `{"risk_score":80,"attack_vector":"x","recommended_actions":["a"],"business_impact":"y","confidence":0.8}`,
	}
	analysisGate := analysis.New(blocking, analysis.DefaultConfig(), analysis.NoopMetrics{})

	effector := &recordingEffector{}
	remediationGate := remediate.New(remediate.DefaultPolicyTable(), effector, remediate.NoopMetrics{})

	publisher := &recordingPublisher{}
	notifier, err := notify.New(publisher, 100, time.Minute, notify.NoopMetrics{})
	if err != nil {
		t.Fatalf("construct notifier: %v", err)
	}

	alertStore := store.NewInMemory()
	dlqSink := dlq.NewInMemory()

	o := New(Deps{Bus: b, Scorer: sc, Analysis: analysisGate, Remediation: remediationGate, Notifier: notifier, Store: alertStore, DLQ: dlqSink, Config: live})

	ev := testEvent("evt-policy-flip", "Recon:EC2/PortProbeUnprotectedPort", "detectora")
	if err := o.bus.Enqueue(context.Background(), ev); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go o.Run(ctx)

	select {
	case <-blocking.started:
	case <-time.After(2 * time.Second):
		t.Fatal("analysis oracle was never invoked")
	}

	// The event is now paused inside the deep-analysis call, strictly
	// before the remediation decision re-reads the policy. Dialing FULL
	// down to NOTIFY_ONLY here must be honored without draining or
	// restarting the in-flight event.
	flipped := *cfg
	flipped.Pipeline.ActionPolicy = config.ActionPolicyNotifyOnly
	live.Set(&flipped)

	close(blocking.proceed)

	key := event.AlertKey{EventID: ev.EventID, ObservedAt: ev.ObservedAt}
	deadline := time.Now().Add(2 * time.Second)
	var alert *event.Alert
	for time.Now().Before(deadline) {
		if a, _ := alertStore.Get(context.Background(), key); a != nil {
			alert = a
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	if alert == nil {
		t.Fatal("alert was never stored")
	}
	if len(effector.calls) != 0 {
		t.Errorf("expected no remediation calls after the mid-flight policy change, got %d", len(effector.calls))
	}
	if alert.Status == event.StatusRemediated {
		t.Errorf("expected a non-REMEDIATED terminal status, got %s", alert.Status)
	}
	if alert.Analysis == nil {
		t.Error("expected the deep analysis that started before the policy change to still complete")
	}
}

func TestOrchestrator_ReplayFromDLQRejectsEntryWithoutAlert(t *testing.T) {
	o, _, _, _ := newHarness(t, 10, config.ActionPolicyOff, false)
	if err := o.ReplayFromDLQ(context.Background(), dlq.Entry{}); err == nil {
		t.Error("expected an error when replaying an entry with no alert")
	}
}
