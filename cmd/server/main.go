package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"colony-experiment/gatekeeper/internal/colony"
	"colony-experiment/gatekeeper/internal/config"
	"colony-experiment/gatekeeper/internal/dispatch"
	"colony-experiment/gatekeeper/internal/evaluator"
	"colony-experiment/gatekeeper/internal/linking"
	"colony-experiment/gatekeeper/internal/logging"
	"colony-experiment/gatekeeper/internal/metrics"
	"colony-experiment/gatekeeper/internal/ratelimit"
	"colony-experiment/gatekeeper/internal/repcache"
	"colony-experiment/gatekeeper/internal/routes"
	"colony-experiment/gatekeeper/internal/services"
	"colony-experiment/gatekeeper/internal/store"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	defer cfg.ZeroKey()

	// Initialize structured logging
	if err := logging.Init(cfg.AppEnv); err != nil {
		log.Fatalf("❌ Failed to initialize logger: %v", err)
	}
	defer logging.Close()

	logging.Info("Gatekeeper starting up",
		"config", cfg.String(),
		"timestamp", time.Now().Format(time.RFC3339),
	)
	if cfg.KeyGenerated {
		logging.Warn("no encryption key configured, generated an ephemeral one; stored data will be unreadable after restart")
	}

	st, err := store.Open(store.Options{
		Path: cfg.DatabasePath,
		DSN:  cfg.DatabaseDSN,
		Key:  cfg.EncryptionKey,
	})
	if err != nil {
		logging.Error("Failed to open store", "error", err.Error())
		log.Fatalf("❌ Failed to open store: %v", err)
	}
	defer st.Close()
	logging.Info("Encrypted store ready")

	metricsReg := metrics.NewMetricsRegistry()

	oracle := colony.NewClient(cfg.OracleBaseURL, cfg.OracleTimeout, metricsReg)
	limiter := ratelimit.New(cfg.RatePerSecond, cfg.RateBurst)
	cache := repcache.New(cfg.CacheTTL, metricsReg)
	eval := evaluator.New(st, cache, limiter, oracle, cfg.Workers, metricsReg)
	links := linking.NewManager(st, cfg.SessionTTL, metricsReg)
	gates := services.NewGateService(st, oracle)

	// The gateway shell replaces LogGranter with a real role mutator; the
	// core only ever sees the RoleGranter interface.
	dispatcher := dispatch.New(eval, gates, links, dispatch.LogGranter{}, cfg.PublicURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go dispatcher.Run(ctx)
	logging.Info("Dispatcher running", "workers", cfg.Workers)

	router := routes.RegisterRoutes(dispatcher, links, time.Now())

	// Setup metrics endpoint outside of Chi router
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", router)
	logging.Info("Prometheus metrics endpoint registered at /metrics")

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logging.Info("Server starting", "addr", cfg.ListenAddr, "environment", cfg.AppEnv)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("❌ Server error: %v", err)
	}
	logging.Info("Server stopped")
}
