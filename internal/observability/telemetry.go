// Package observability provides logging, metrics, and tracing capabilities
// for the pipeline process.
package observability

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Telemetry provides unified observability for the pipeline.
type Telemetry struct {
	logger       *zap.Logger
	tracer       trace.Tracer
	metrics      *Metrics
	config       Config
	shutdownOnce sync.Once
	shutdownFns  []func(context.Context) error
}

// Config configures telemetry.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json, console

	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`

	MetricsEnabled bool `yaml:"metrics_enabled"`
	MetricsPort    int  `yaml:"metrics_port"`
}

// Metrics holds Prometheus metrics for the pipeline, one family per
// component named in the component design plus a handful of cross-cutting
// HTTP and system metrics.
type Metrics struct {
	// Ingress
	EventsIngested *prometheus.CounterVec

	// Normalizer
	NormalizeMalformed *prometheus.CounterVec
	NormalizeDefaulted *prometheus.CounterVec

	// Bus
	BusDepth      *prometheus.GaugeVec
	BusAgedOut    prometheus.Counter
	BusBackpressure prometheus.Counter

	// Scorer
	ScorerDuration   *prometheus.HistogramVec
	ScorerDegraded   prometheus.Counter
	ScorerDeadLetter prometheus.Counter

	// Triage
	TriageBand *prometheus.CounterVec

	// Deep analysis
	AnalysisInvoked   prometheus.Counter
	AnalysisDegraded  prometheus.Counter
	AnalysisDuration  prometheus.Histogram

	// Remediation
	RemediationOutcome *prometheus.CounterVec
	RemediationDuration prometheus.Histogram

	// Notifier
	NotificationsSent      prometheus.Counter
	NotificationsSuppressed prometheus.Counter

	// Store
	StoreUpserts     *prometheus.CounterVec
	StoreUnavailable prometheus.Counter

	// Orchestrator
	EventsCompleted  *prometheus.CounterVec
	EventDuration    prometheus.Histogram
	SLOViolations    prometheus.Counter
	InFlightEvents   prometheus.Gauge
	DLQDepth         prometheus.Gauge

	// System
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// HTTP
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a new Telemetry instance.
func New(cfg Config) (*Telemetry, error) {
	t := &Telemetry{
		config: cfg,
	}

	logger, err := t.initLogger()
	if err != nil {
		return nil, err
	}
	t.logger = logger

	if cfg.TracingEnabled {
		if err := t.initTracer(); err != nil {
			logger.Warn("failed to initialize tracer", zap.Error(err))
		}
	}
	t.tracer = otel.Tracer(cfg.ServiceName)

	if cfg.MetricsEnabled {
		t.metrics = t.initMetrics()
	}

	return t, nil
}

func (t *Telemetry) initLogger() (*zap.Logger, error) {
	var config zap.Config

	if t.config.LogFormat == "console" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	switch t.config.LogLevel {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config.InitialFields = map[string]interface{}{
		"service":     t.config.ServiceName,
		"version":     t.config.ServiceVersion,
		"environment": t.config.Environment,
	}

	return config.Build()
}

func (t *Telemetry) initTracer() error {
	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(t.config.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(t.config.ServiceName),
			semconv.ServiceVersion(t.config.ServiceVersion),
			attribute.String("environment", t.config.Environment),
		),
	)
	if err != nil {
		return err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(t.config.SamplingRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.shutdownFns = append(t.shutdownFns, tp.Shutdown)

	return nil
}

func (t *Telemetry) initMetrics() *Metrics {
	namespace := "sentineldrift"

	return &Metrics{
		EventsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "events_ingested_total", Help: "Total events accepted at ingress by source"},
			[]string{"source"},
		),
		NormalizeMalformed: promauto.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "normalize_malformed_total", Help: "Findings rejected as malformed by source"},
			[]string{"source"},
		),
		NormalizeDefaulted: promauto.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "normalize_severity_defaulted_total", Help: "Findings with missing or unparseable severity defaulted to MEDIUM"},
			[]string{"source"},
		),
		BusDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "bus_depth", Help: "Current queued message count per partition"},
			[]string{"partition"},
		),
		BusAgedOut: promauto.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "bus_aged_out_total", Help: "Messages dropped for exceeding the retention bound"},
		),
		BusBackpressure: promauto.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "bus_backpressure_total", Help: "Enqueue attempts rejected due to a full bus"},
		),
		ScorerDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "scorer_duration_seconds", Help: "ML oracle call duration", Buckets: prometheus.ExponentialBuckets(0.01, 2, 10)},
			[]string{"outcome"},
		),
		ScorerDegraded: promauto.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "scorer_degraded_total", Help: "Events scored with a degraded (zeroed) ML result after retry exhaustion"},
		),
		ScorerDeadLetter: promauto.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "scorer_dead_letter_total", Help: "Events dead-lettered due to a permanent scorer failure"},
		),
		TriageBand: promauto.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "triage_band_total", Help: "Triaged events by priority band"},
			[]string{"band"},
		),
		AnalysisInvoked: promauto.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "analysis_invoked_total", Help: "Deep-analysis gate invocations"},
		),
		AnalysisDegraded: promauto.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "analysis_degraded_total", Help: "Deep-analysis results degraded after parse failure or timeout"},
		),
		AnalysisDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{Namespace: namespace, Name: "analysis_duration_seconds", Help: "LLM oracle call duration", Buckets: prometheus.ExponentialBuckets(0.1, 2, 10)},
		),
		RemediationOutcome: promauto.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "remediation_outcome_total", Help: "Remediation gate outcomes"},
			[]string{"outcome"},
		),
		RemediationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{Namespace: namespace, Name: "remediation_duration_seconds", Help: "Effector call duration", Buckets: prometheus.ExponentialBuckets(0.01, 2, 10)},
		),
		NotificationsSent: promauto.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "notifications_sent_total", Help: "Notifications published"},
		),
		NotificationsSuppressed: promauto.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "notifications_suppressed_total", Help: "Notifications suppressed by the dedup window"},
		),
		StoreUpserts: promauto.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "store_upserts_total", Help: "Store upserts by resulting status"},
			[]string{"status"},
		),
		StoreUnavailable: promauto.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "store_unavailable_total", Help: "Terminal writes routed to the persistent DLQ after store backoff exhaustion"},
		),
		EventsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "events_completed_total", Help: "Events reaching a terminal state by status"},
			[]string{"status"},
		),
		EventDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{Namespace: namespace, Name: "event_duration_seconds", Help: "End-to-end event processing duration", Buckets: prometheus.ExponentialBuckets(0.05, 2, 14)},
		),
		SLOViolations: promauto.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "slo_violations_total", Help: "Events that exceeded the end-to-end deadline"},
		),
		InFlightEvents: promauto.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "in_flight_events", Help: "Events currently owned by an orchestrator task"},
		),
		DLQDepth: promauto.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "dlq_depth", Help: "Entries currently held in the persistent DLQ"},
		),
		GoroutineCount: promauto.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "goroutine_count", Help: "Current goroutine count"},
		),
		MemoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "memory_usage_bytes", Help: "Current memory usage in bytes"},
		),
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests"},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request duration", Buckets: prometheus.ExponentialBuckets(0.001, 2, 15)},
			[]string{"method", "path"},
		),
	}
}

// Logger returns the logger.
func (t *Telemetry) Logger() *zap.Logger {
	return t.logger
}

// Tracer returns the tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Metrics returns the metrics.
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// StartSpan starts a new trace span.
func (t *Telemetry) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// RecordError records an error to the current span and logs it.
func (t *Telemetry) RecordError(ctx context.Context, err error, fields ...zap.Field) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
	}
	t.logger.Error(err.Error(), fields...)
}

// MetricsHandler returns the Prometheus metrics handler.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// StartSystemMetricsCollector starts collecting system metrics.
func (t *Telemetry) StartSystemMetricsCollector(ctx context.Context) {
	if t.metrics == nil {
		return
	}

	ticker := time.NewTicker(15 * time.Second)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				t.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				t.metrics.MemoryUsage.Set(float64(m.Alloc))
			}
		}
	}()
}

// Shutdown gracefully shuts down telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	t.shutdownOnce.Do(func() {
		for _, fn := range t.shutdownFns {
			if e := fn(ctx); e != nil {
				err = e
			}
		}
		t.logger.Sync()
	})
	return err
}
