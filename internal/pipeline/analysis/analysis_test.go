package analysis

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeOracle struct {
	responses []string
	errs      []error
	calls     int
}

func (f *fakeOracle) Analyze(ctx context.Context, prompt Prompt) (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return "", errors.New("no more responses")
}

func TestGate_Fires(t *testing.T) {
	if Fires(70, 70, false) {
		t.Errorf("priority_score == warn_threshold must not fire")
	}
	if !Fires(71, 70, false) {
		t.Errorf("priority_score > warn_threshold must fire")
	}
	if Fires(100, 70, true) {
		t.Errorf("OFF policy must suppress the gate regardless of score")
	}
}

func TestGate_ParsesPlainJSON(t *testing.T) {
	oracle := &fakeOracle{responses: []string{
		`{"risk_score": 8, "attack_vector": "credential_theft", "recommended_actions": ["rotate_keys"], "business_impact": "high", "confidence": 0.7}`,
	}}
	g := New(oracle, DefaultConfig(), nil)

	got := g.Analyze(context.Background(), Prompt{})
	if got.RiskScore != 8 || got.AttackVector != "credential_theft" || got.Confidence != 0.7 {
		t.Errorf("got %+v", got)
	}
	if got.Error != "" {
		t.Errorf("expected no error annotation, got %q", got.Error)
	}
}

func TestGate_ParsesMarkdownFencedJSON(t *testing.T) {
	oracle := &fakeOracle{responses: []string{
		"Here is the analysis:\n```json\n{\"risk_score\": 5, \"attack_vector\": \"recon\", \"recommended_actions\": [], \"business_impact\": \"low\", \"confidence\": 0.4}\n```\nLet me know if you need more.",
	}}
	g := New(oracle, DefaultConfig(), nil)

	got := g.Analyze(context.Background(), Prompt{})
	if got.RiskScore != 5 || got.AttackVector != "recon" {
		t.Errorf("got %+v", got)
	}
}

func TestGate_DegradesAfterOneRetryOnParseFailure(t *testing.T) {
	oracle := &fakeOracle{responses: []string{"not json at all", "still not json"}}
	g := New(oracle, DefaultConfig(), nil)

	got := g.Analyze(context.Background(), Prompt{})
	if got.Error != "parse_failed" {
		t.Errorf("error = %q, want parse_failed", got.Error)
	}
	if got.RiskScore != 0 || got.AttackVector != "unknown" || got.Confidence != 0 {
		t.Errorf("expected default fields, got %+v", got)
	}
	if oracle.calls != 2 {
		t.Errorf("expected exactly one retry (2 total calls), got %d", oracle.calls)
	}
}

func TestGate_DegradesAfterTimeoutTwice(t *testing.T) {
	oracle := &fakeOracle{errs: []error{
		context.DeadlineExceeded,
		context.DeadlineExceeded,
	}}
	g := New(oracle, Config{WarnThreshold: 70, Deadline: 10 * time.Millisecond}, nil)

	got := g.Analyze(context.Background(), Prompt{})
	if got.Error != "timeout" {
		t.Errorf("error = %q, want timeout", got.Error)
	}
}

func TestGate_RecoversOnSecondAttempt(t *testing.T) {
	oracle := &fakeOracle{
		errs:      []error{errors.New("transient"), nil},
		responses: []string{"", `{"risk_score": 3, "attack_vector": "none", "recommended_actions": [], "business_impact": "", "confidence": 0.1}`},
	}
	g := New(oracle, DefaultConfig(), nil)

	got := g.Analyze(context.Background(), Prompt{})
	if got.Error != "" {
		t.Errorf("expected recovery on retry, got error %q", got.Error)
	}
	if got.RiskScore != 3 {
		t.Errorf("got %+v", got)
	}
}

func TestGate_IdempotentReExecution(t *testing.T) {
	resp := `{"risk_score": 9, "attack_vector": "lateral_movement", "recommended_actions": ["isolate"], "business_impact": "severe", "confidence": 0.8}`
	oracle := &fakeOracle{responses: []string{resp, resp}}
	g := New(oracle, DefaultConfig(), nil)

	first := g.Analyze(context.Background(), Prompt{})
	oracle.calls = 0
	second := g.Analyze(context.Background(), Prompt{})

	if first.RiskScore != second.RiskScore || first.AttackVector != second.AttackVector {
		t.Errorf("re-execution should overwrite analysis atomically with equivalent results, got %+v vs %+v", first, second)
	}
}

func TestFirstBalancedJSONObject_IgnoresBracesInsideStrings(t *testing.T) {
	got, err := firstBalancedJSONObject(`{"attack_vector": "uses { and } in text", "risk_score": 1}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `{"attack_vector": "uses { and } in text", "risk_score": 1}` {
		t.Errorf("got %q", got)
	}
}

func TestFirstBalancedJSONObject_NoObjectFound(t *testing.T) {
	_, err := firstBalancedJSONObject("no braces here")
	if err == nil {
		t.Fatal("expected error when no JSON object is present")
	}
}
