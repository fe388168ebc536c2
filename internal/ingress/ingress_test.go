package ingress

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lvonguyen/sentineldrift/internal/pipeline/bus"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/normalize"
)

func testServer(t *testing.T) (*Server, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.Config{Partitions: 2, Capacity: 4}, bus.NoopMetrics{})
	norm := normalize.NewNormalizer(normalize.NoopMetrics{})
	s := New(DefaultConfig(), norm, b, NoopMetrics{}, nil, nil, nil)
	return s, b
}

func validDetectorAFinding() []byte {
	return []byte(`{"id":"f-1","time":"` + time.Now().UTC().Format(time.RFC3339) + `","account":"111122223333","region":"us-east-1","kind":"Recon:EC2/PortScan","severity":5}`)
}

func router(s *Server) chi.Router {
	r := chi.NewRouter()
	s.Routes(r)
	return r
}

func TestHandleSingle_AuthFailsClosedWhenTokenConfigured(t *testing.T) {
	os.Setenv("SENTINELDRIFT_INGRESS_TOKEN", "secret")
	defer os.Unsetenv("SENTINELDRIFT_INGRESS_TOKEN")

	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/events/detectora", bytes.NewReader(validDetectorAFinding()))
	rr := httptest.NewRecorder()
	router(s).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with no Authorization header, got %d", rr.Code)
	}
}

func TestHandleSingle_AuthQueryParamRejected(t *testing.T) {
	os.Setenv("SENTINELDRIFT_INGRESS_TOKEN", "secret")
	defer os.Unsetenv("SENTINELDRIFT_INGRESS_TOKEN")

	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/events/detectora?token=secret", bytes.NewReader(validDetectorAFinding()))
	rr := httptest.NewRecorder()
	router(s).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for token passed via query parameter, got %d", rr.Code)
	}
}

func TestHandleSingle_ValidBearerTokenAccepted(t *testing.T) {
	os.Setenv("SENTINELDRIFT_INGRESS_TOKEN", "secret")
	defer os.Unsetenv("SENTINELDRIFT_INGRESS_TOKEN")

	s, b := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/events/detectora", bytes.NewReader(validDetectorAFinding()))
	req.Header.Set("Authorization", "Bearer secret")
	rr := httptest.NewRecorder()
	router(s).ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if b.TotalDepth() != 1 {
		t.Errorf("expected one event enqueued, got depth %d", b.TotalDepth())
	}
}

func TestHandleSingle_NoTokenConfiguredDisablesAuth(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/events/detectora", bytes.NewReader(validDetectorAFinding()))
	rr := httptest.NewRecorder()
	router(s).ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 when no token is configured, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleSingle_MalformedFindingReturns400(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/events/detectora", bytes.NewReader([]byte(`{"id":"f-1"}`)))
	rr := httptest.NewRecorder()
	router(s).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a finding missing required fields, got %d", rr.Code)
	}
}

func TestHandleSingle_InvalidJSONReturns400(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/events/detectora", bytes.NewReader([]byte(`not json`)))
	rr := httptest.NewRecorder()
	router(s).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid JSON body, got %d", rr.Code)
	}
}

func TestHandleSingle_BackpressureReturns429(t *testing.T) {
	b := bus.New(bus.Config{Partitions: 1, Capacity: 1}, bus.NoopMetrics{})
	norm := normalize.NewNormalizer(normalize.NoopMetrics{})
	s := New(DefaultConfig(), norm, b, NoopMetrics{}, nil, nil, nil)

	// fill the single partition's one slot with a first submission
	req1 := httptest.NewRequest(http.MethodPost, "/v1/events/detectora", bytes.NewReader(validDetectorAFinding()))
	rr1 := httptest.NewRecorder()
	router(s).ServeHTTP(rr1, req1)
	if rr1.Code != http.StatusAccepted {
		t.Fatalf("setup: expected first event accepted, got %d", rr1.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/v1/events/detectora", bytes.NewReader([]byte(`{"id":"f-2","time":"`+time.Now().UTC().Format(time.RFC3339)+`","account":"111122223333","region":"us-east-1","kind":"Recon:EC2/PortScan","severity":5}`)))
	rr2 := httptest.NewRecorder()
	router(s).ServeHTTP(rr2, req2)

	if rr2.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 once the partition is full, got %d: %s", rr2.Code, rr2.Body.String())
	}
	if rr2.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on backpressure response")
	}
}

func TestHandleBatch_AcceptsNDJSON(t *testing.T) {
	s, b := testServer(t)

	var buf bytes.Buffer
	buf.Write(validDetectorAFinding())
	buf.WriteByte('\n')
	buf.Write([]byte(`{"id":"f-2","time":"` + time.Now().UTC().Format(time.RFC3339) + `","account":"111122223333","region":"us-east-1","kind":"Trojan:EC2/DNSDataExfiltration","severity":8}`))

	req := httptest.NewRequest(http.MethodPost, "/v1/events/detectora/batch", bytes.NewReader(buf.Bytes()))
	rr := httptest.NewRecorder()
	router(s).ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if b.TotalDepth() != 2 {
		t.Errorf("expected two events enqueued from the batch, got %d", b.TotalDepth())
	}
}

type fakeRateLimiter struct {
	allow bool
}

func (f fakeRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return f.allow, nil
}

func TestHandleSingle_PerSourceRateLimitRejectsWhenExceeded(t *testing.T) {
	b := bus.New(bus.Config{Partitions: 2, Capacity: 4}, bus.NoopMetrics{})
	norm := normalize.NewNormalizer(normalize.NoopMetrics{})
	cfg := DefaultConfig()
	cfg.PerSourceRateLimit = 1
	cfg.PerSourceRateWindow = time.Second
	s := New(cfg, norm, b, NoopMetrics{}, nil, fakeRateLimiter{allow: false}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/events/detectora", bytes.NewReader(validDetectorAFinding()))
	rr := httptest.NewRecorder()
	router(s).ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 when the rate limiter rejects, got %d: %s", rr.Code, rr.Body.String())
	}
	if b.TotalDepth() != 0 {
		t.Errorf("expected no event enqueued when rate limited, got depth %d", b.TotalDepth())
	}
}

type fakeDrainChecker struct {
	draining bool
}

func (f fakeDrainChecker) Draining() bool { return f.draining }

func TestHandleSingle_RejectsNewSubmissionsWhileDraining(t *testing.T) {
	b := bus.New(bus.Config{Partitions: 2, Capacity: 4}, bus.NoopMetrics{})
	norm := normalize.NewNormalizer(normalize.NoopMetrics{})
	s := New(DefaultConfig(), norm, b, NoopMetrics{}, nil, nil, fakeDrainChecker{draining: true})

	req := httptest.NewRequest(http.MethodPost, "/v1/events/detectora", bytes.NewReader(validDetectorAFinding()))
	rr := httptest.NewRecorder()
	router(s).ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while draining, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header while draining")
	}
	if b.TotalDepth() != 0 {
		t.Errorf("expected no event enqueued while draining, got depth %d", b.TotalDepth())
	}
}

func TestHandleBatch_RejectsNewSubmissionsWhileDraining(t *testing.T) {
	b := bus.New(bus.Config{Partitions: 2, Capacity: 4}, bus.NoopMetrics{})
	norm := normalize.NewNormalizer(normalize.NoopMetrics{})
	s := New(DefaultConfig(), norm, b, NoopMetrics{}, nil, nil, fakeDrainChecker{draining: true})

	req := httptest.NewRequest(http.MethodPost, "/v1/events/detectora/batch", bytes.NewReader(validDetectorAFinding()))
	rr := httptest.NewRecorder()
	router(s).ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while draining, got %d: %s", rr.Code, rr.Body.String())
	}
	if b.TotalDepth() != 0 {
		t.Errorf("expected no event enqueued while draining, got depth %d", b.TotalDepth())
	}
}

func TestHandleBatch_EmptyBodyReturns400(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/events/detectora/batch", bytes.NewReader([]byte(``)))
	rr := httptest.NewRecorder()
	router(s).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an empty batch body, got %d", rr.Code)
	}
}
