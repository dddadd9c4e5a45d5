package main

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/mrzor/flextrace/internal/config"
	"github.com/mrzor/flextrace/internal/logging"
	"github.com/mrzor/flextrace/internal/otel"
	"github.com/mrzor/flextrace/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Globals are the flags shared by every command.
type Globals struct {
	Config      string           `name:"config" short:"c" help:"Config file path." default:"${default_config_path}" type:"path"`
	Verbose     bool             `name:"verbose" short:"v" help:"Log at debug level."`
	LogFile     string           `name:"log-file" help:"Also write the log to this file." type:"path"`
	LogFormat   string           `name:"log-format" help:"Log encoding: console or json."`
	MetricsAddr string           `name:"metrics-addr" help:"Serve Prometheus metrics on this address."`
	Version     kong.VersionFlag `name:"version" help:"Print version and exit."`

	// stdout receives reports; nil means os.Stdout.
	stdout io.Writer
}

func (g *Globals) out() io.Writer {
	if g.stdout == nil {
		return os.Stdout
	}
	return g.stdout
}

// session bundles what every command sets up before doing work.
type session struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *telemetry.Pipeline
	provider *otel.Provider
	tracer   trace.Tracer

	stopMetrics context.CancelFunc
	metricsDone chan struct{}
}

// load reads the configuration layers and applies the command-line overlay.
func (g *Globals) load() (config.Config, error) {
	cfg, err := config.Load(g.Config, os.Environ())
	if err != nil {
		return config.Config{}, err
	}

	if g.Verbose {
		cfg.Logging.Level = "debug"
	}
	if g.LogFile != "" {
		cfg.Logging.File = g.LogFile
	}
	if g.LogFormat != "" {
		cfg.Logging.Format = g.LogFormat
	}
	if g.MetricsAddr != "" {
		cfg.Metrics.Addr = g.MetricsAddr
	}
	return cfg, nil
}

func (g *Globals) session(ctx context.Context, overlay func(*config.Config)) (*session, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	if overlay != nil {
		overlay(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Options{
		Level:    cfg.Logging.Level,
		Encoding: cfg.Logging.Format,
		File:     cfg.Logging.File,
		Caller:   g.Verbose,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("starting flextrace",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("built", date),
	)

	otelCfg, err := config.ParseOTELConfig(os.Environ())
	if err != nil {
		return nil, err
	}
	provider, err := otel.InitProvider(ctx, otelCfg, logger)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &session{
		cfg:         cfg,
		logger:      logger,
		registry:    registry,
		metrics:     telemetry.NewPipeline(telemetry.NewFactory(registry)),
		provider:    provider,
		tracer:      provider.Tracer(),
		stopMetrics: func() {},
	}

	if cfg.Metrics.Addr != "" {
		mctx, cancel := context.WithCancel(ctx)
		s.stopMetrics = cancel
		s.metricsDone = make(chan struct{})
		go func() {
			defer close(s.metricsDone)
			if err := telemetry.Serve(mctx, cfg.Metrics.Addr, registry, logger); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	return s, nil
}

func (s *session) close() {
	s.stopMetrics()
	if s.metricsDone != nil {
		<-s.metricsDone
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.provider.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("shutting down tracer provider", zap.Error(err))
	}
	logging.Sync(s.logger)
}
