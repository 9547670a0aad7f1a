package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"

	"github.com/rjboer/GoDownmix/internal/app"
	"github.com/rjboer/GoDownmix/internal/config"
	"github.com/rjboer/GoDownmix/internal/downmix"
	"github.com/rjboer/GoDownmix/internal/logging"
	"github.com/rjboer/GoDownmix/internal/mdns"
	"github.com/rjboer/GoDownmix/internal/source"
	"github.com/rjboer/GoDownmix/internal/telemetry"
	"github.com/rjboer/GoDownmix/internal/tuner"
)

func main() {
	configPath := config.PathFromEnv(os.LookupEnv)

	persistentCfg, err := config.LoadOrCreate(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg, err := config.Parse(os.Args[1:], os.LookupEnv, persistentCfg)
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if err := config.Save(configPath, cfg); err != nil {
		log.Fatalf("save config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	logging.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backend, err := selectTuner(ctx, cfg.Tuner, logger)
	if err != nil {
		log.Fatalf("select tuner: %v", err)
	}
	dispatcher := tuner.NewDispatcher(backend, cfg.Tuner.MinInterval, logger)
	defer dispatcher.Close()
	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("tuner dispatcher stopped", logging.F("error", err))
		}
	}()

	reporters := telemetry.MultiReporter{telemetry.NewStdoutReporter(logger)}
	var hub *telemetry.Hub
	if cfg.Web.Addr != "" {
		hub = telemetry.NewHub(cfg.Web.HistoryLimit, logger)
		reporters = append(reporters, hub)
	}

	mixer, err := downmix.New(cfg.Downmix(),
		downmix.WithTuner(dispatcher),
		downmix.WithReporter(reporters),
		downmix.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("create downmixer: %v", err)
	}
	if hub != nil {
		go telemetry.NewWebServer(cfg.Web.Addr, hub, func() any { return mixer.Snapshot() }, logger).Start(ctx)
		logger.Info("web interface", logging.F("url", "http://localhost"+cfg.Web.Addr))
	}

	src := source.NewTone(cfg.ToneSource())
	defer src.Close()

	runner := app.NewRunner(mixer, src, reporters, logger, app.Config{
		Offsets:  cfg.Offsets,
		Realtime: cfg.Source.Realtime,
	})
	if err := runner.Init(ctx); err != nil {
		log.Fatalf("init runner: %v", err)
	}

	logger.Info("starting downmixer (Ctrl+C to stop)",
		logging.F("sample_rate", humanize.SIWithDigits(float64(cfg.SampleRate), 2, "S/s")),
		logging.F("clients", len(cfg.Offsets)),
		logging.F("tuner", cfg.Tuner.Backend),
	)
	start := time.Now()
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("run downmixer: %v", err)
	}
	stats := dispatcher.Stats()
	logger.Info("stopped",
		logging.F("blocks", runner.Blocks()),
		logging.F("elapsed", durafmt.Parse(time.Since(start)).LimitFirstN(2).String()),
		logging.F("shift", mixer.Shift()),
		logging.F("retunes", stats.Delivered),
	)
}

func newLogger(cfg config.LogConfig) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(level, format, os.Stderr), nil
}

func selectTuner(ctx context.Context, cfg config.TunerConfig, logger logging.Logger) (tuner.Tuner, error) {
	switch cfg.Backend {
	case config.BackendNone:
		return tuner.NewLogOnly(logger), nil
	case config.BackendCAT:
		dialect, err := tuner.ParseDialect(cfg.Dialect)
		if err != nil {
			return nil, err
		}
		return tuner.OpenCAT(cfg.Device, cfg.Baud, dialect, byte(cfg.CIVAddress))
	case config.BackendPluto:
		discoverCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tuner.NewPluto(discoverCtx, tuner.PlutoConfig{
			Host:      cfg.PlutoHost,
			User:      cfg.PlutoUser,
			Password:  cfg.PlutoPassword,
			KeyPath:   cfg.PlutoKey,
			PhyDevice: cfg.PlutoDevice,
		}, mdns.DiscoverIIOD, logger)
	default:
		return nil, fmt.Errorf("unknown tuner backend %s", cfg.Backend)
	}
}
