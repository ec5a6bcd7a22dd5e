package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/eddielth/sensor-bridge/broker"
	"github.com/eddielth/sensor-bridge/config"
	"github.com/eddielth/sensor-bridge/decoder"
	"github.com/eddielth/sensor-bridge/device"
	"github.com/eddielth/sensor-bridge/dispatcher"
	"github.com/eddielth/sensor-bridge/ingest"
	"github.com/eddielth/sensor-bridge/logger"
	"github.com/eddielth/sensor-bridge/metrics"
	"github.com/eddielth/sensor-bridge/model"
	"github.com/eddielth/sensor-bridge/mqtt"
	"github.com/eddielth/sensor-bridge/normalizer"
	"github.com/eddielth/sensor-bridge/queue"
	"github.com/eddielth/sensor-bridge/validator"
	"github.com/eddielth/sensor-bridge/webhook"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to the YAML configuration file")
	pflag.Parse()

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := logger.InitFromConfig(cfg.LoggerConfig()); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	backend, err := queue.OpenNamed(ctx, cfg.Queue.Connections, cfg.Queue.Connection, cfg.Queue.Mirrors)
	if err != nil {
		logger.Error("failed to open queue backend: %v", err)
		return
	}
	defer backend.Close()

	decoders, err := decoder.NewManager(cfg.Decoders)
	if err != nil {
		logger.Error("failed to load uplink decoders: %v", err)
		return
	}

	// the registry re-reads the device list of the latest loaded config
	var devices atomic.Pointer[[]model.DeviceEndpoint]
	devices.Store(&cfg.Devices)
	registry := device.NewRegistry(device.SourceFunc(func(context.Context) ([]model.DeviceEndpoint, error) {
		return *devices.Load(), nil
	}), cfg.DeviceDefaults())
	if err := registry.Refresh(ctx); err != nil {
		logger.Error("failed to load devices: %v", err)
		return
	}

	var resolver atomic.Pointer[broker.Resolver]
	resolver.Store(broker.NewResolver(cfg.BrokerConfig()))

	reserved := func(deviceID string) bool {
		d, ok := registry.Get(deviceID)
		return ok && resolver.Load().ResolveEndpoint(d).Isolated
	}
	jobs := dispatcher.New(backend, cfg.DispatcherConfig(),
		dispatcher.WithLaneSelector(reserved),
		dispatcher.WithMetrics(m),
	)
	async := dispatcher.NewAsync(jobs, cfg.MQTT.Workers, cfg.MQTT.Buffer, cfg.Queue.JobTimeout, m)

	pipeline := ingest.NewPipeline(normalizer.New(cfg.Tables()), validator.NewSet(cfg.Ranges()), decoders, m)

	manager := mqtt.NewManager(
		registry,
		resolver.Load(),
		mqtt.NewPahoDialer(),
		cfg.BackoffPolicy(),
		ingest.NewMQTTSink(pipeline, async, m),
		mqtt.Config{
			PollInterval:   cfg.MQTT.MessageProcessingSleep,
			ReloadInterval: cfg.MQTT.DeviceReloadInterval,
			TLS:            cfg.MQTT.TLS,
		},
		mqtt.WithMetrics(m),
	)

	ingestor := webhook.New(registry, pipeline, jobs, webhook.WithSecret(cfg.Webhook.Secret))
	server := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: webhook.NewHandler(ingestor, manager, m, cfg.Webhook.BaseURL),
	}

	err = loader.Watch(func(next *config.Config) error {
		pipeline.SetTables(normalizer.New(next.Tables()), validator.NewSet(next.Ranges()))
		decoders.Sync(next.Decoders)

		r := broker.NewResolver(next.BrokerConfig())
		resolver.Store(r)
		manager.SetResolver(r)
		manager.SetPolicy(next.BackoffPolicy())

		devices.Store(&next.Devices)
		if err := registry.Refresh(ctx); err != nil {
			return err
		}
		manager.Reconcile()
		return nil
	})
	if err != nil {
		logger.Warn("config file watching disabled: %v", err)
	}

	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		manager.Run(ctx)
	}()

	go func() {
		logger.Info("HTTP listening on %s", cfg.HTTP.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed: %v", err)
			stop()
		}
	}()

	logger.Info("sensor bridge started with %d devices", len(registry.List()))
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown: %v", err)
	}

	<-managerDone
	async.Stop()
	logger.Info("sensor bridge stopped")
}
