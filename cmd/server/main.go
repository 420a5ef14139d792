package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/flowsentry/backend/internal/action"
	"github.com/flowsentry/backend/internal/api"
	"github.com/flowsentry/backend/internal/budget"
	"github.com/flowsentry/backend/internal/cache"
	"github.com/flowsentry/backend/internal/circuitbreaker"
	"github.com/flowsentry/backend/internal/config"
	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/decision"
	"github.com/flowsentry/backend/internal/dispatch"
	"github.com/flowsentry/backend/internal/incident"
	"github.com/flowsentry/backend/internal/ingest"
	"github.com/flowsentry/backend/internal/killswitch"
	"github.com/flowsentry/backend/internal/metrics"
	"github.com/flowsentry/backend/internal/multitenancy"
	"github.com/flowsentry/backend/internal/notify"
	"github.com/flowsentry/backend/internal/ratelimit"
	"github.com/flowsentry/backend/internal/rules"
	"github.com/flowsentry/backend/internal/store"
)

func main() {
	// .env is optional; deployments inject environment directly.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("❌ Could not load configuration: %v", err)
	}

	log.Printf("🚀 Starting FlowSentry (env=%s)", cfg.Server.Env)

	m := metrics.NewMetrics()
	clock := core.SystemClock()

	// Persistence. A configured but unreachable database is fatal; running
	// memory-only against an operator's intent loses data silently.
	var records store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(cfg.Database.URL, time.Duration(cfg.Database.QueryTimeoutSeconds)*time.Second)
		if err != nil {
			log.Fatalf("❌ Postgres unavailable: %v", err)
		}
		records = pg
		log.Println("✅ Postgres connected")
	} else {
		records = store.NewMemoryStore()
		log.Println("⚠️ DATABASE_URL not set; using in-memory store (single instance, no durability)")
	}
	defer records.Close()

	// Shared state. Cache loss degrades rate limits and breakers, it does not
	// corrupt anything, so a broken Redis falls back to process-local state.
	var shared cache.Client
	redisUp := false
	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			log.Printf("⚠️ Redis unavailable, falling back to in-process cache: %v", err)
			shared = cache.NewMemoryCache()
		} else {
			shared = rc
			redisUp = true
		}
	} else {
		shared = cache.NewMemoryCache()
		log.Println("⚠️ REDIS_URL not set; rate limits and breakers are per-instance")
	}
	defer shared.Close()

	table := loadRules(cfg.Files)

	gates := multitenancy.NewGatekeeper(records, clock, 0)
	switches := killswitch.NewService(records, clock)
	limiter := ratelimit.New(shared, clock, m)
	budgets := budget.NewEnforcer(shared, cfg.Limits, clock, m)
	breakers := circuitbreaker.NewManager(shared, table, records, clock, m)

	recorder := decision.NewRecorder(records, clock, m)
	classifier := decision.NewGuard(buildClassifier(cfg.Classifier, table), cfg.Classifier.Timeout(), m)

	registry := notify.RegistryFromConfig(cfg.Notify.Channels)
	notifier := buildNotifier(cfg.Notify, registry, m)

	coordinator := action.NewCoordinator(action.Deps{
		Records:  records,
		Rules:    table,
		Budget:   budgets,
		Recorder: recorder,
		Channels: registry,
		Clock:    clock,
		Metrics:  m,
	})
	incidents := incident.NewManager(incident.Deps{
		Records:     records,
		Rules:       table,
		Classifier:  classifier,
		Recorder:    recorder,
		Coordinator: coordinator,
		Breakers:    breakers,
		Quotas:      budgets,
		Clock:       clock,
		Metrics:     m,
	})

	// Detection transport: local worker pool, bridged across instances when
	// Redis is up, optionally exported to Pub/Sub.
	local := dispatch.NewBus(incidents, 0, 0)
	var bus dispatch.Dispatcher = local
	if redisUp {
		bus = dispatch.NewRedisBus(local, shared, cfg.Dispatch.Channel())
	}
	if cfg.Dispatch.PubSubProjectID != "" && cfg.Dispatch.PubSubTopicID != "" {
		pb, err := dispatch.NewPubSubBus(bus, cfg.Dispatch.PubSubProjectID, cfg.Dispatch.PubSubTopicID)
		if err != nil {
			log.Printf("⚠️ Pub/Sub export disabled: %v", err)
		} else {
			bus = pb
		}
	}

	var retrier action.Retrier
	if cfg.Retrier.Endpoint != "" {
		retrier = action.NewHTTPRetrier(cfg.Retrier.Endpoint, cfg.Retrier.Timeout())
	} else {
		log.Println("⚠️ RETRIER_URL not set; retry actions are recorded, not delivered")
	}
	executor := action.NewExecutor(action.ExecutorDeps{
		Records:     records,
		Coordinator: coordinator,
		Breakers:    breakers,
		Budget:      budgets,
		Retrier:     retrier,
		Notifier:    notifier,
		Clock:       clock,
		Metrics:     m,
	})
	scheduler := action.NewScheduler(action.SchedulerDeps{
		Records:  records,
		Executor: executor,
		Config:   cfg.Scheduler,
		Clock:    clock,
		Metrics:  m,
	})
	sweeper := dispatch.NewSweeper(records, incidents, cfg.Dispatch, clock)

	pipeline := ingest.NewPipeline(ingest.Deps{
		Records:  records,
		Gates:    gates,
		Switches: switches,
		Limiter:  limiter,
		Budget:   budgets,
		Breakers: breakers,
		Rules:    table,
		Bus:      bus,
		Limits:   cfg.Limits,
		Clock:    clock,
		Metrics:  m,
	})

	srv := api.NewServer(api.Deps{
		Pipeline:  pipeline,
		Incidents: incidents,
		Actions:   coordinator,
		Records:   records,
		Cache:     shared,
		Switches:  switches,
		Breakers:  breakers,
		Rules:     table,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.Start(ctx)
	sweeper.Start(ctx)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown (Cloud Run sends SIGTERM): stop intake first, then
	// drain the background loops.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}

		sweeper.Stop()
		scheduler.Stop()
		bus.Shutdown()
		notifier.Shutdown()
		cancel()
	}()

	log.Printf("🚀 FlowSentry API starting on port %s", cfg.Server.Port)
	log.Printf("📊 Health check: http://localhost:%s/health", cfg.Server.Port)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}

// loadRules reads the three rule files. Missing files load as empty tables;
// a file that exists but does not parse is an operator error and fatal.
func loadRules(files config.FilesConfig) *rules.Table {
	codes, err := config.LoadErrorCodes(files.ErrorCodes)
	if err != nil {
		log.Fatalf("❌ Could not load %s: %v", files.ErrorCodes, err)
	}
	policies, err := config.LoadRetryPolicies(files.RetryPolicies)
	if err != nil {
		log.Fatalf("❌ Could not load %s: %v", files.RetryPolicies, err)
	}
	vendors, err := config.LoadVendors(files.Vendors)
	if err != nil {
		log.Fatalf("❌ Could not load %s: %v", files.Vendors, err)
	}
	return rules.NewTable(codes, policies, vendors)
}

func buildClassifier(cfg config.ClassifierConfig, table *rules.Table) decision.Classifier {
	switch cfg.Mode {
	case "http":
		log.Printf("✅ Classifier: http (%s)", cfg.Endpoint)
		return decision.NewHTTPClassifier(cfg.Endpoint)
	case "static":
		log.Println("⚠️ Classifier: static stub")
		return &decision.StaticClassifier{}
	default:
		log.Println("✅ Classifier: rules table")
		return decision.NewRulesClassifier(table)
	}
}

// buildNotifier picks the escalation sink: Cloud Tasks when configured, the
// in-process worker pool when channels exist, the log otherwise.
func buildNotifier(cfg config.NotifyConfig, registry *notify.Registry, m *metrics.Metrics) notify.Sink {
	if len(cfg.Channels) == 0 {
		log.Println("⚠️ No notification channels configured; escalations go to the log")
		return notify.NewLogSink()
	}

	pool := notify.NewDispatcher(registry, cfg.Workers, cfg.QueueSize, m)
	if !cfg.CloudTasks.Enabled() {
		return pool
	}

	sink, err := notify.NewCloudSink(registry, cfg.CloudTasks.ProjectID, cfg.CloudTasks.LocationID, cfg.CloudTasks.QueueID, pool, m)
	if err != nil {
		log.Printf("⚠️ Cloud Tasks unavailable, using in-process delivery: %v", err)
		return pool
	}
	return sink
}
