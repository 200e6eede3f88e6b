package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/courierlabs/otlp-courier/internal/breaker"
	"github.com/courierlabs/otlp-courier/internal/compression"
	"github.com/courierlabs/otlp-courier/internal/config"
	"github.com/courierlabs/otlp-courier/internal/envelope"
	"github.com/courierlabs/otlp-courier/internal/failover"
	"github.com/courierlabs/otlp-courier/internal/health"
	"github.com/courierlabs/otlp-courier/internal/logging"
	"github.com/courierlabs/otlp-courier/internal/otlp"
	"github.com/courierlabs/otlp-courier/internal/pipeline"
	"github.com/courierlabs/otlp-courier/internal/pulse"
	"github.com/courierlabs/otlp-courier/internal/queue"
	"github.com/courierlabs/otlp-courier/internal/ratelimit"
	"github.com/courierlabs/otlp-courier/internal/scheduler"
	couriertls "github.com/courierlabs/otlp-courier/internal/tls"
	"github.com/courierlabs/otlp-courier/internal/transport"
	"github.com/courierlabs/otlp-courier/internal/worker"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "courier.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("otlp-courier %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal("failed to load config", logging.F("error", err.Error(), "path", *configPath))
	}

	logging.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	logging.SetResource(map[string]string{
		"service.name":           cfg.Service.Name,
		"service.version":        cfg.Service.Version,
		"deployment.environment": cfg.Service.Environment,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := queue.Open(cfg.QueueStoreConfig())
	if err != nil {
		logging.Fatal("failed to open queue store", logging.F("error", err.Error(), "path", cfg.Queue.Path))
	}

	enc, err := otlp.New(otlp.Config{
		ServiceName:         cfg.Service.Name,
		ServiceVersion:      cfg.Service.Version,
		Environment:         cfg.Service.Environment,
		TenantID:            cfg.Tenant.ID,
		TenantName:          cfg.Tenant.Name,
		MetricTypeOverrides: classifyOverrides(cfg.Encoder.MetricTypeOverrides),
	})
	if err != nil {
		logging.Fatal("failed to create encoder", logging.F("error", err.Error()))
	}

	compType, err := compression.ParseType(cfg.Collector.Compression)
	if err != nil {
		logging.Fatal("failed to parse compression type", logging.F("error", err.Error()))
	}
	tlsConfig, err := couriertls.NewClientTLSConfig(cfg.CollectorTLSConfig())
	if err != nil {
		logging.Fatal("failed to build collector TLS config", logging.F("error", err.Error()))
	}
	tr := transport.New(transport.Config{
		BaseURL:         cfg.Collector.BaseURL,
		Timeout:         time.Duration(cfg.Collector.Timeout),
		Compression:     compression.Config{Type: compType},
		TLSClientConfig: tlsConfig,
	})

	brk := breaker.New(cfg.BreakerConfig())
	limiter := ratelimit.New(cfg.RateLimitConfig())
	throttle := pulse.New(cfg.PulseTable())

	wrk := worker.New(store, enc, tr, brk, limiter, throttle)
	deliveryInterval, err := scheduler.SpecInterval(cfg.Failover.LocalDeliverySchedule)
	if err != nil {
		logging.Fatal("invalid local delivery schedule", logging.F("error", err.Error()))
	}
	wrk.SetBaseInterval(deliveryInterval)
	pipe := pipeline.New(pipeline.Config{SyncSend: cfg.Collector.SyncSend}, store, enc, tr, throttle)

	sched := scheduler.New()

	workerTick := func() {
		tickCtx, tickCancel := context.WithTimeout(context.Background(), time.Minute)
		defer tickCancel()
		if _, err := wrk.RunOnce(tickCtx); err != nil {
			logging.Error("delivery cycle failed", logging.F("error", err.Error()))
		}
	}
	record := func(env *envelope.Envelope) {
		recCtx, recCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer recCancel()
		if err := pipe.Send(recCtx, env); err != nil {
			logging.Warn("transition record rejected", logging.F("error", err.Error()))
		}
	}
	orch := failover.New(cfg.FailoverConfig(), store, sched, pipe, workerTick, record)

	// The first tick creates the recurring jobs; after that the health
	// monitor job drives itself.
	if err := orch.Tick(ctx); err != nil {
		logging.Fatal("failed to bootstrap orchestrator", logging.F("error", err.Error()))
	}
	sched.Start()

	checker := health.New()
	checker.RegisterReadiness("queue_store", func() error {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer pingCancel()
		return store.Ping(pingCtx)
	})
	checker.SetPipelineInfo(func() health.PipelineInfo {
		infoCtx, infoCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer infoCancel()
		mode, _ := orch.Mode(infoCtx)
		depth, _ := store.Depth(infoCtx)
		return health.PipelineInfo{
			ProcessingMode: string(mode),
			QueueDepth:     depth,
			BreakerState:   brk.State().String(),
			PulseMode:      throttle.Mode().String(),
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/live", checker.LiveHandler())
	mux.HandleFunc("/ready", checker.ReadyHandler())
	mux.HandleFunc("/v1/agent/heartbeat", heartbeatHandler(orch))

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("stats endpoint started", logging.F("addr", cfg.Server.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("stats server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return config.NewWatcher(*configPath).Watch(gctx, func(next *config.Config) {
			tr.SetBaseURL(next.Collector.BaseURL)
			logging.SetLevel(logging.ParseLevel(next.Logging.Level))
			logging.Info("configuration reloaded", logging.F(
				"collector_base_url", next.Collector.BaseURL,
				"log_level", next.Logging.Level,
			))
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		checker.SetShuttingDown()
		shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shCancel()
		return server.Shutdown(shCtx)
	})

	logging.Info("otlp-courier started", logging.F(
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"collector_base_url", cfg.Collector.BaseURL,
		"queue_path", cfg.Queue.Path,
		"sync_send", cfg.Collector.SyncSend,
		"failover_enabled", cfg.Failover.Enabled,
	))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logging.Info("shutting down")

	cancel()
	if err := g.Wait(); err != nil {
		logging.Error("shutdown error", logging.F("error", err.Error()))
	}
	sched.Stop()
	tr.Close()
	if err := store.Close(); err != nil {
		logging.Error("failed to close queue store", logging.F("error", err.Error()))
	}

	logging.Info("shutdown complete")
}

// heartbeatHandler records the primary agent's self-reported progress.
func heartbeatHandler(orch *failover.Orchestrator) http.HandlerFunc {
	type heartbeat struct {
		Processed int64 `json:"processed"`
		Planned   int64 `json:"planned"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var hb heartbeat
		if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
			http.Error(w, "invalid heartbeat body", http.StatusBadRequest)
			return
		}
		if err := orch.RecordAgentHeartbeat(r.Context(), hb.Processed, hb.Planned); err != nil {
			http.Error(w, "failed to record heartbeat", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// classifyOverrides converts the config's name→type map into the
// encoder's ordered override table.
func classifyOverrides(m map[string]string) []otlp.ClassifyOverride {
	if len(m) == 0 {
		return nil
	}
	patterns := make([]string, 0, len(m))
	for p := range m {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	overrides := make([]otlp.ClassifyOverride, 0, len(patterns))
	for _, p := range patterns {
		overrides = append(overrides, otlp.ClassifyOverride{
			Pattern: p,
			Type:    otlp.MetricType(m[p]),
		})
	}
	return overrides
}
