package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"phoenix/config"
	"phoenix/internal/broker"
	"phoenix/internal/broker/kafka"
	"phoenix/internal/broker/memory"
	"phoenix/internal/broker/mqtt"
	"phoenix/internal/broker/nats"
	"phoenix/internal/broker/rabbitmq"
	"phoenix/internal/configuration"
	"phoenix/internal/logger"
	"phoenix/internal/metrics"
	"phoenix/internal/microservice"
	"phoenix/internal/microservice/echo"
	"phoenix/internal/microservice/router"
	"phoenix/internal/runtime"
	"phoenix/internal/stats"
)

func main() {
	configPath := flag.String("config", "", "path to bootstrap config file (empty = environment only)")

	// Optional override flags
	serviceOverride := flag.String("service", "", "override microservice to run (empty = use config)")
	podNameOverride := flag.String("pod-name", "", "override instance id (empty = use config)")
	configServerOverride := flag.String("config-server", "", "override configuration server url (empty = use config)")
	metricsAddrOverride := flag.String("metrics-addr", "", "override metrics server address (empty = use config)")
	watchIntervalOverride := flag.Duration("watch-interval", 0, "override configuration watch interval (0 = use config)")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg.ApplyOverrides(
		*serviceOverride,
		*podNameOverride,
		*configServerOverride,
		*metricsAddrOverride,
		*watchIntervalOverride,
	)

	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	metricsService, err := metrics.NewMetrics(reg)
	if err != nil {
		logger.Fatal("failed to create metrics service", "error", err)
	}

	collector := stats.NewStatsCollector()
	sink := metrics.NewSink(reg, logger)
	sink.Handle("/stats", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := collector.GetStatsJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}))
	if err := sink.Serve(cfg.Metrics.Address, cfg.Metrics.Path); err != nil {
		logger.Fatal("failed to start metrics server", "error", err)
	}

	adapters := broker.NewRegistry()
	rabbitmq.Register(adapters)
	kafka.Register(adapters)
	nats.Register(adapters)
	mqtt.Register(adapters)
	memory.Register(adapters, memory.NewHub())

	services := microservice.NewRegistry()
	echo.Register(services)
	router.Register(services)

	source := configuration.NewClient(cfg.ConfigServer.URL, config.Duration(cfg.ConfigServer.Timeout, 10*time.Second))

	ctrl, err := runtime.New(runtime.Dependencies{
		Source:      source,
		Registry:    adapters,
		Services:    services,
		ServiceName: cfg.Instance.Service,
		InstanceID:  cfg.Instance.PodName,
		Environment: cfg.Instance.Environment,
		Logger:      logger,
		Sink:        sink,
		Metrics:     metricsService,
		Stats:       collector,
	},
		runtime.WithWatchInterval(config.Duration(cfg.Runtime.WatchInterval, 10*time.Second)),
		runtime.WithHaltPollInterval(config.Duration(cfg.Runtime.HaltPollInterval, time.Second)),
		runtime.WithEpochInterval(config.Duration(cfg.Metrics.EpochInterval, time.Minute)),
		runtime.WithMaxUnhandledErrors(cfg.Runtime.MaxUnhandledErrors),
	)
	if err != nil {
		logger.Fatal("failed to create controller", "error", err)
	}

	// Setup signal handlers
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	done := make(chan error, 1)
	go func() {
		done <- ctrl.Run(context.Background())
	}()

	logger.Info("phoenix started",
		"service", cfg.Instance.Service,
		"instance", cfg.Instance.PodName,
		"environment", cfg.Instance.Environment,
		"adapters", adapters.Names(),
		"metricsAddress", cfg.Metrics.Address)

	exitCode := 0
	for running := true; running; {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("received SIGHUP, reopening logs")
				logger.Sync()
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("shutting down...")
				ctrl.Stop()
				if err := <-done; err != nil {
					exitCode = 1
				}
				running = false
			}
		case err := <-done:
			if err != nil {
				logger.Error("controller stopped with error", "error", err)
				exitCode = 1
			}
			running = false
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := sink.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown metrics server", "error", err)
	}

	if exitCode != 0 {
		shutdownCancel()
		logger.Sync()
		os.Exit(exitCode)
	}
}
