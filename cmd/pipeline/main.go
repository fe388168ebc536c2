// Command pipeline runs the autonomous security event processing
// pipeline as one long-lived process: HTTP ingress, the bus, and the
// orchestrator's worker pool all share this process's lifetime.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/sentineldrift/internal/config"
	"github.com/lvonguyen/sentineldrift/internal/dlq"
	"github.com/lvonguyen/sentineldrift/internal/ingress"
	"github.com/lvonguyen/sentineldrift/internal/observability"
	"github.com/lvonguyen/sentineldrift/internal/oracleclients"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/analysis"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/bus"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/normalize"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/notify"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/orchestrator"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/remediate"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/scorer"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/store"
	"github.com/lvonguyen/sentineldrift/internal/ratelimit"
)

// Version information (injected at build time via ldflags).
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sentineldrift %s (commit: %s)\n", Version, GitCommit)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	live := config.NewLive(cfg)

	tel, err := observability.New(observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		MetricsEnabled: true,
		MetricsPort:    cfg.Telemetry.MetricsPort,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry initialization failed: %v\n", err)
		os.Exit(1)
	}
	logger := tel.Logger()
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tel.StartSystemMetricsCollector(ctx)

	logger.Info("starting sentineldrift", zap.String("version", Version), zap.String("config", *configPath))

	metrics := tel.Metrics()

	normalizer := normalize.NewNormalizer(observability.NormalizeAdapter{M: metrics})
	eventBus := bus.New(bus.Config{
		Capacity:   cfg.Pipeline.BusCapacity,
		Partitions: cfg.Pipeline.BusPartitions,
		Retention:  cfg.Pipeline.BusRetention,
	}, observability.BusAdapter{M: metrics})

	scorerStage := scorer.New(
		mlOracle(cfg),
		scorer.DefaultFeatureExtractor,
		scorer.DefaultConfig(cfg.Pipeline.MLModelVersion),
		observability.ScorerAdapter{M: metrics},
	)

	analysisGate := analysis.New(
		llmOracle(cfg),
		analysis.Config{WarnThreshold: cfg.Pipeline.WarnThreshold, Deadline: cfg.Oracles.LLMDeadline},
		observability.AnalysisAdapter{M: metrics},
	)

	remediationGate := remediate.New(
		policyTable(cfg, logger),
		effector(cfg),
		observability.RemediateAdapter{M: metrics},
	)

	notifier, err := notify.New(
		publisher(cfg),
		cfg.Notify.LRUSize,
		cfg.Pipeline.NotifyDedupWindow,
		observability.NotifyAdapter{M: metrics},
	)
	if err != nil {
		logger.Fatal("failed to construct notifier", zap.Error(err))
	}

	alertStore, closeStore := alertStore(cfg, logger)
	if closeStore != nil {
		defer closeStore()
	}

	dlqSink := dlq.NewInMemory()

	orch := orchestrator.New(orchestrator.Deps{
		Bus:         eventBus,
		Scorer:      scorerStage,
		Analysis:    analysisGate,
		Remediation: remediationGate,
		Notifier:    notifier,
		Store:       alertStore,
		DLQ:         dlqSink,
		Config:      live,
		Logger:      logger,
		Metrics:     observability.OrchestratorAdapter{M: metrics},
	})

	router := ingress.NewRouter()
	redisClient, rateLimiter := ingressRateLimiter(cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}
	ingressServer := ingress.New(
		ingress.Config{
			TokenEnv:            cfg.Ingress.TokenEnv,
			MaxBodyBytes:        cfg.Ingress.MaxBodyBytes,
			PerSourceRateLimit:  cfg.Ingress.PerSourceRateLimit,
			PerSourceRateWindow: cfg.Ingress.PerSourceRateWindow,
		},
		normalizer,
		eventBus,
		observability.IngressAdapter{M: metrics},
		logger,
		rateLimiter,
		orch,
	)
	ingressServer.Routes(router)
	mountOperationalSurface(router, tel, orch, eventBus, dlqSink, alertStore)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go orch.Run(ctx)

	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	cancel() // stops the orchestrator from accepting new bus messages and begins draining in-flight ones

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown error", zap.Error(err))
	}

	logger.Info("sentineldrift stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// mlOracle, llmOracle, effector, and publisher each fall back to a
// disabled stand-in when the corresponding base URL is left unconfigured,
// so the pipeline still runs end to end in a development environment
// without every external collaborator wired up.

func mlOracle(cfg *config.Config) scorer.Oracle {
	if cfg.Oracles.MLBaseURL == "" {
		return oracleclients.DisabledScorer{}
	}
	return oracleclients.NewMLScorer(oracleclients.ClientConfig{
		BaseURL: cfg.Oracles.MLBaseURL, APIKeyEnv: cfg.Oracles.MLAPIKeyEnv, Timeout: cfg.Oracles.MLDeadline,
	})
}

func llmOracle(cfg *config.Config) analysis.Oracle {
	if cfg.Oracles.LLMBaseURL == "" {
		return oracleclients.DisabledAnalyst{}
	}
	return oracleclients.NewLLMAnalyst(oracleclients.ClientConfig{
		BaseURL: cfg.Oracles.LLMBaseURL, APIKeyEnv: cfg.Oracles.LLMAPIKeyEnv, Timeout: cfg.Oracles.LLMDeadline,
	})
}

// ingressRateLimiter builds the distributed per-source rate cap when Redis
// is configured, or disables the cap entirely for a standalone instance.
// The returned client is non-nil only when it needs closing by the caller.
func ingressRateLimiter(cfg *config.Config) (*redis.Client, ingress.RateLimiter) {
	if cfg.Redis.Addr == "" || cfg.Ingress.PerSourceRateLimit <= 0 {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: os.Getenv(cfg.Redis.PasswordEnv),
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	return client, ratelimit.NewRedisCounter(client, "sentineldrift:ingress")
}

func policyTable(cfg *config.Config, logger *zap.Logger) remediate.PolicyTable {
	if cfg.Pipeline.PolicyTablePath == "" {
		return remediate.DefaultPolicyTable()
	}
	data, err := os.ReadFile(cfg.Pipeline.PolicyTablePath)
	if err != nil {
		logger.Warn("failed to read policy table file, falling back to default", zap.String("path", cfg.Pipeline.PolicyTablePath), zap.Error(err))
		return remediate.DefaultPolicyTable()
	}
	table, err := remediate.LoadPolicyTable(data)
	if err != nil {
		logger.Warn("failed to parse policy table file, falling back to default", zap.String("path", cfg.Pipeline.PolicyTablePath), zap.Error(err))
		return remediate.DefaultPolicyTable()
	}
	return table
}

func effector(cfg *config.Config) remediate.Effector {
	if cfg.Oracles.EffectorBaseURL == "" {
		return oracleclients.DisabledEffector{}
	}
	return oracleclients.NewHTTPEffector(oracleclients.ClientConfig{
		BaseURL: cfg.Oracles.EffectorBaseURL, APIKeyEnv: cfg.Oracles.EffectorAPIKeyEnv, Timeout: cfg.Oracles.EffectorDeadline,
	})
}

func publisher(cfg *config.Config) notify.Publisher {
	if cfg.Notify.WebhookURL == "" {
		return discardPublisher{}
	}
	return oracleclients.NewWebhookPublisher(oracleclients.ClientConfig{BaseURL: cfg.Notify.WebhookURL, APIKeyEnv: cfg.Notify.APIKeyEnv})
}

// discardPublisher is the fallback notify.Publisher when no webhook is
// configured; notifications still go through the dedup and firing logic,
// they simply have nowhere to land.
type discardPublisher struct{}

func (discardPublisher) Publish(ctx context.Context, msg notify.Message) error { return nil }

// alertStore builds the Redis-backed store when Redis is configured, or
// the in-memory store for local development. The returned close func is
// nil when there is nothing to close.
func alertStore(cfg *config.Config, logger *zap.Logger) (store.Store, func()) {
	if cfg.Redis.Addr == "" {
		logger.Warn("no redis address configured, using in-memory alert store (not durable across restarts)")
		return store.NewInMemory(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: os.Getenv(cfg.Redis.PasswordEnv),
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	return store.NewRedis(client, "sentineldrift:alerts"), func() { client.Close() }
}

// mountOperationalSurface wires /healthz, /readyz, /metrics, /status, and
// the operator-invoked DLQ listing/replay endpoints, matching the
// operational surface every stage's health depends on.
func mountOperationalSurface(router interface {
	Get(pattern string, h http.HandlerFunc)
	Post(pattern string, h http.HandlerFunc)
	Handle(pattern string, h http.Handler)
}, tel *observability.Telemetry, orch *orchestrator.Orchestrator, b *bus.Bus, dlqSink dlq.Sink, alertStore store.Store) {
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if orch.Draining() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"draining"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	router.Handle("/metrics", tel.MetricsHandler())

	router.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"bus_depth":     b.TotalDepth(),
			"in_flight":     orch.InFlight(),
			"dlq_depth":     dlqSink.Depth(),
			"draining":      orch.Draining(),
			"observed_at":   time.Now().UTC(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	router.Get("/dlq", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dlqSink.List())
	})

	router.Post("/dlq/replay", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			EventID string `json:"event_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EventID == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "event_id is required"})
			return
		}

		var match *dlq.Entry
		for _, entry := range dlqSink.List() {
			if entry.Alert != nil && entry.Alert.EventID == req.EventID {
				e := entry
				match = &e
				break
			}
		}
		if match == nil {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "no DLQ entry for that event_id"})
			return
		}

		if err := orch.ReplayFromDLQ(r.Context(), *match); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "replayed"})
	})
}
