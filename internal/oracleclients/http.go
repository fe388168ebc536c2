// Package oracleclients provides HTTP-backed implementations of the
// pipeline's external collaborator seams: the ML scoring oracle, the LLM
// deep-analysis oracle, the remediation effector, and the notification
// publisher. Each follows the same authenticated-JSON-client shape:
// an API key from an env var, a bounded http.Client, and a typed
// request/response pair.
package oracleclients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lvonguyen/sentineldrift/internal/pipeline/analysis"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/event"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/notify"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/remediate"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/scorer"
)

// ClientConfig holds the common shape of an HTTP-backed oracle client.
type ClientConfig struct {
	BaseURL    string
	APIKeyEnv  string
	Timeout    time.Duration
}

func newHTTPClient(cfg ClientConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c ClientConfig) apiKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// MLScorer calls an external model-serving HTTP endpoint for threat
// scoring. A 5xx or transport error is transient and left for the
// scorer package's retry loop; a 422 (schema mismatch) is wrapped as
// scorer.ErrPermanent so the orchestrator short-circuits to the DLQ.
type MLScorer struct {
	cfg    ClientConfig
	client *http.Client
}

// NewMLScorer creates an HTTP-backed scorer.Oracle.
func NewMLScorer(cfg ClientConfig) *MLScorer {
	return &MLScorer{cfg: cfg, client: newHTTPClient(cfg)}
}

type scoreRequest struct {
	ModelVersion string           `json:"model_version"`
	Features     []scorer.Feature `json:"features"`
}

type scoreResponse struct {
	ThreatScore float64 `json:"threat_score"`
	Confidence  float64 `json:"confidence"`
}

// Score implements scorer.Oracle.
func (m *MLScorer) Score(ctx context.Context, modelVersion string, features []scorer.Feature) (scorer.Score, error) {
	body, err := json.Marshal(scoreRequest{ModelVersion: modelVersion, Features: features})
	if err != nil {
		return scorer.Score{}, fmt.Errorf("%w: marshal request: %v", scorer.ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(m.cfg.BaseURL, "/")+"/v1/score", bytes.NewReader(body))
	if err != nil {
		return scorer.Score{}, fmt.Errorf("%w: build request: %v", scorer.ErrPermanent, err)
	}
	setJSONHeaders(req, m.cfg.apiKey())

	resp, err := m.client.Do(req)
	if err != nil {
		return scorer.Score{}, fmt.Errorf("score request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		return scorer.Score{}, fmt.Errorf("%w: model rejected feature schema", scorer.ErrPermanent)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return scorer.Score{}, fmt.Errorf("model service returned %d: %s", resp.StatusCode, string(b))
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return scorer.Score{}, fmt.Errorf("decode score response: %w", err)
	}
	return scorer.Score{ThreatScore: out.ThreatScore, Confidence: out.Confidence}, nil
}

// LLMAnalyst calls an external LLM completion endpoint and returns its raw
// textual response for the analysis package to parse.
type LLMAnalyst struct {
	cfg    ClientConfig
	client *http.Client
}

// NewLLMAnalyst creates an HTTP-backed analysis.Oracle.
func NewLLMAnalyst(cfg ClientConfig) *LLMAnalyst {
	return &LLMAnalyst{cfg: cfg, client: newHTTPClient(cfg)}
}

type analyzeRequest struct {
	Prompt string `json:"prompt"`
}

type analyzeResponse struct {
	Completion string `json:"completion"`
}

// Analyze implements analysis.Oracle.
func (a *LLMAnalyst) Analyze(ctx context.Context, prompt analysis.Prompt) (string, error) {
	text, err := renderPrompt(prompt)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(analyzeRequest{Prompt: text})
	if err != nil {
		return "", fmt.Errorf("marshal analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(a.cfg.BaseURL, "/")+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build analysis request: %w", err)
	}
	setJSONHeaders(req, a.cfg.apiKey())

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("analysis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("analysis service returned %d: %s", resp.StatusCode, string(b))
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode analysis response: %w", err)
	}
	return out.Completion, nil
}

func renderPrompt(p analysis.Prompt) (string, error) {
	payload := map[string]interface{}{
		"event_id":       p.Event.EventID,
		"kind":           p.Event.Kind,
		"source":         p.Event.Source,
		"severity_band":  p.Event.SeverityBand,
		"threat_score":   p.ML.ThreatScore,
		"priority_score": p.Triage.PriorityScore,
		"priority_band":  p.Triage.PriorityBand,
		"raw":            p.Event.Raw,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("render analysis prompt: %w", err)
	}
	return string(b), nil
}

// HTTPEffector invokes an external remediation actuator endpoint. Per the
// effector contract it requires idempotency keyed by (event_id,
// action_kind); this client sends that key on every call so the actuator
// can de-duplicate on its side too.
type HTTPEffector struct {
	cfg    ClientConfig
	client *http.Client
}

// NewHTTPEffector creates an HTTP-backed remediate.Effector.
func NewHTTPEffector(cfg ClientConfig) *HTTPEffector {
	return &HTTPEffector{cfg: cfg, client: newHTTPClient(cfg)}
}

type remediateRequest struct {
	EventID    string                 `json:"event_id"`
	ActionKind string                 `json:"action_kind"`
	Account    string                 `json:"account"`
	Region     string                 `json:"region"`
	Raw        map[string]interface{} `json:"raw"`
}

// Execute implements remediate.Effector.
func (e *HTTPEffector) Execute(ctx context.Context, eventID string, action remediate.ActionKind, ev *event.Event) error {
	body, err := json.Marshal(remediateRequest{
		EventID:    eventID,
		ActionKind: string(action),
		Account:    ev.Account,
		Region:     ev.Region,
		Raw:        ev.Raw,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal remediation request: %v", event.ErrEffectorFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(e.cfg.BaseURL, "/")+"/v1/actions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build remediation request: %v", event.ErrEffectorFailed, err)
	}
	setJSONHeaders(req, e.cfg.apiKey())

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", event.ErrEffectorFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: effector returned %d: %s", event.ErrEffectorFailed, resp.StatusCode, string(b))
	}
	return nil
}

// WebhookPublisher publishes alert notifications to a configured webhook
// URL as a single JSON POST.
type WebhookPublisher struct {
	cfg    ClientConfig
	client *http.Client
}

// NewWebhookPublisher creates an HTTP-backed notify.Publisher.
func NewWebhookPublisher(cfg ClientConfig) *WebhookPublisher {
	return &WebhookPublisher{cfg: cfg, client: newHTTPClient(cfg)}
}

// Publish implements notify.Publisher.
func (w *WebhookPublisher) Publish(ctx context.Context, msg notify.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	setJSONHeaders(req, w.cfg.apiKey())

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

func setJSONHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "sentineldrift/1.0")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// ErrNotConfigured is returned by a disabled client stood in for an oracle
// that has no configured base URL; the orchestrator still functions, with
// every call degrading per the retry-then-degrade contract.
var ErrNotConfigured = errors.New("oracle client not configured")

// Disabled* constructors let the process entrypoint wire a harmless stand-in
// when an oracle's base URL is left empty in configuration, instead of
// standing up a client that would fail every call identically.

// DisabledScorer always returns ErrNotConfigured wrapped in
// event.ErrOracleUnavailable. The scorer treats that as transient: it
// retries up to its attempt limit and then degrades the event.
type DisabledScorer struct{}

func (DisabledScorer) Score(ctx context.Context, modelVersion string, features []scorer.Feature) (scorer.Score, error) {
	return scorer.Score{}, fmt.Errorf("%w: %v", event.ErrOracleUnavailable, ErrNotConfigured)
}

// DisabledAnalyst always fails, causing the analysis gate to degrade.
type DisabledAnalyst struct{}

func (DisabledAnalyst) Analyze(ctx context.Context, prompt analysis.Prompt) (string, error) {
	return "", fmt.Errorf("%w: %v", event.ErrOracleUnavailable, ErrNotConfigured)
}

// DisabledEffector always fails, causing the remediation gate to record a
// FAILED outcome rather than silently no-op.
type DisabledEffector struct{}

func (DisabledEffector) Execute(ctx context.Context, eventID string, action remediate.ActionKind, ev *event.Event) error {
	return fmt.Errorf("%w: %v", event.ErrEffectorFailed, ErrNotConfigured)
}
