package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"metersentry/internal/admission"
	"metersentry/internal/api"
	"metersentry/internal/bus"
	"metersentry/internal/config"
	"metersentry/internal/ensemble"
	"metersentry/internal/forensics"
	"metersentry/internal/gate"
	"metersentry/internal/ingest"
	"metersentry/internal/logging"
	"metersentry/internal/metrics"
	"metersentry/internal/pipeline"
	"metersentry/internal/profiler"
	"metersentry/internal/storage"
	"metersentry/internal/verify"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	var manager *config.Manager
	var err error
	if *configPath != "" {
		manager, err = config.NewManager(config.ResolvePath(*configPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	} else {
		manager = config.NewStaticManager(config.DefaultConfig())
	}
	cfg := manager.Get()

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting metersentry", "version", version, "config", manager.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("failed to open storage", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := store.Init(initCtx); err != nil {
		cancel()
		logger.Error("failed to initialize storage", "err", err)
		os.Exit(1)
	}
	cancel()

	ingressGate := gate.New(cfg.Gate)
	if seqs, err := store.LastSeqs(ctx); err != nil {
		logger.Warn("failed to seed ordering state", "err", err)
	} else {
		ingressGate.Seed(seqs)
		logger.Info("ordering state seeded", "sources", len(seqs))
	}

	admissionCtl := admission.New(cfg.Admission, logging.Component(logger, "admission"))
	admissionCtl.StartSweep(ctx, cfg.Admission.SweepInterval, cfg.Admission.IdleEviction)

	detectors, err := ensemble.New(cfg.Ensemble, logging.Component(logger, "ensemble"))
	if err != nil {
		logger.Error("failed to build ensemble", "err", err)
		os.Exit(1)
	}
	profiles := profiler.New(cfg.Profiler)
	forensicEngine := forensics.New(cfg.Forensics, store, logging.Component(logger, "forensics"))
	forensicEngine.StartCycle(ctx)

	eventBus := bus.New(cfg.Bus.QueueSize)
	defer eventBus.Close()
	pipelineMetrics := metrics.New()
	eventBus.OnDrop(func(string) { pipelineMetrics.BusDropped.Inc() })

	pipe := pipeline.New(cfg.Pipeline, cfg.Ingest.ChannelBuffer, cfg.Storage.KeepRaw, pipeline.Deps{
		Verifier:  verify.New(),
		Gate:      ingressGate,
		Admission: admissionCtl,
		Ensemble:  detectors,
		Profiler:  profiles,
		Forensics: forensicEngine,
		Store:     store,
		Bus:       eventBus,
		Metrics:   pipelineMetrics,
		Logger:    logging.Component(logger, "pipeline"),
	})
	go pipe.Run(ctx)

	ingest.StartKafka(ctx, manager, pipe, logging.Component(logger, "kafka"))

	api.Start(ctx, manager, api.Deps{
		Pipeline:  pipe,
		Gate:      ingressGate,
		Admission: admissionCtl,
		Ensemble:  detectors,
		Profiler:  profiles,
		Forensics: forensicEngine,
		Store:     store,
		Bus:       eventBus,
		Metrics:   pipelineMetrics,
		Logger:    logging.Component(logger, "api"),
		Version:   version,
	})

	if manager.Path() != "" {
		go manager.Watch(3*time.Second,
			func(next *config.Config) {
				logger.Info("config reloaded", "path", manager.Path())
			},
			func(err error) {
				logger.Warn("config reload failed", "err", err)
			},
			ctx.Done(),
		)
	}

	<-ctx.Done()
	logger.Info("shutting down")
}
