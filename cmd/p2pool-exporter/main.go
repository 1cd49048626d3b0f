// p2pool-exporter - metrics exporter for P2Pool observer nodes
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/p2pool-tools/p2pool-exporter/internal/api"
	"github.com/p2pool-tools/p2pool-exporter/internal/apm"
	"github.com/p2pool-tools/p2pool-exporter/internal/collector"
	"github.com/p2pool-tools/p2pool-exporter/internal/config"
	"github.com/p2pool-tools/p2pool-exporter/internal/notify"
	"github.com/p2pool-tools/p2pool-exporter/internal/profiling"
	"github.com/p2pool-tools/p2pool-exporter/internal/store"
	"github.com/p2pool-tools/p2pool-exporter/internal/stream"
	"github.com/p2pool-tools/p2pool-exporter/internal/telemetry"
	"github.com/p2pool-tools/p2pool-exporter/internal/util"
	"github.com/p2pool-tools/p2pool-exporter/internal/web"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("p2pool-exporter v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger; dev mode forces debug output
	logLevel := cfg.Log.Level
	if cfg.DevMode {
		logLevel = "debug"
	}
	if err := util.InitLogger(logLevel, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("p2pool-exporter v%s starting, observing %s", version, cfg.Observer.URL)

	ctx := context.Background()

	// Connect to Redis; an unavailable store at startup is fatal
	st, err := store.NewRedisStore(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, cfg.Collector.MinerTTL)
	if err != nil {
		util.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer st.Close()

	// Metrics provider and instruments
	provider, err := telemetry.NewProvider(ctx, &cfg.Metrics, version)
	if err != nil {
		util.Fatalf("Failed to initialize telemetry: %v", err)
	}

	metrics, err := telemetry.NewMetrics(provider.Meter())
	if err != nil {
		util.Fatalf("Failed to create instruments: %v", err)
	}

	registration, err := telemetry.RegisterSnapshots(provider.Meter(), st, cfg.Wallets)
	if err != nil {
		util.Fatalf("Failed to register metric callbacks: %v", err)
	}
	defer registration.Unregister()

	// Optional event sinks
	notifier := notify.NewNotifier(&cfg.Notify)

	agent := apm.NewAgent(&cfg.NewRelic)
	if err := agent.Start(); err != nil {
		util.Warnf("New Relic startup failed: %v", err)
	}

	// API clients, instrumented through the query recorder
	observer := api.NewClient(cfg.Observer.URL, cfg.Observer.Timeout, metrics)

	var rates *api.RatesClient
	if cfg.Rates.URL != "" {
		rates = api.NewRatesClient(cfg.Rates.URL, cfg.Observer.Timeout, metrics)
	}

	// Periodic collector
	coll := collector.NewCollector(cfg, st, observer, rates, notifier, agent)
	sched := collector.NewScheduler(cfg.Collector.Interval, cfg.Collector.StopGrace, coll, metrics)
	sched.Start()

	// Stream listener
	listener := stream.NewListener(cfg.Observer.URL, st, metrics, notifier, agent)
	listener.Start()

	// Scrape endpoint
	var webServer *web.Server
	if cfg.Metrics.Bind != "" {
		webServer = web.NewServer(cfg.Metrics.Bind, provider.Registry(), st)
		if err := webServer.Start(); err != nil {
			util.Fatalf("Failed to start metrics server: %v", err)
		}
	}

	// pprof in dev mode only
	var profServer *profiling.Server
	if cfg.DevMode {
		profServer = profiling.NewServer(&cfg.Profiling)
		if err := profServer.Start(); err != nil {
			util.Warnf("Failed to start profiling server: %v", err)
		}
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Exporter started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	// Graceful shutdown
	sched.Stop()
	listener.Stop()
	if webServer != nil {
		if err := webServer.Stop(); err != nil {
			util.Warnf("Metrics server shutdown error: %v", err)
		}
	}
	if profServer != nil {
		profServer.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := provider.Shutdown(shutdownCtx); err != nil {
		util.Warnf("Telemetry shutdown error: %v", err)
	}

	agent.Stop()

	util.Info("Exporter stopped")
}
