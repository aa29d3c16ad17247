package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/engine"
	"github.com/cliu238/vacalibration/observability"
	"github.com/cliu238/vacalibration/store/memory"
	"github.com/cliu238/vacalibration/store/redis"
)

// app is the process-wide state shared by the server-side commands.
type app struct {
	cfg           vacalibration.Config
	logger        *slog.Logger
	eng           *engine.Engine
	shutdownTrace func(context.Context) error
}

// newApp loads the configuration, sets up logging and tracing, opens the
// configured store and builds an engine with the configured runner.
func newApp(ctx context.Context, envFile string, opts ...engine.Option) (*app, error) {
	cfg, err := vacalibration.LoadConfig(envFile)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	shutdownTrace, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName: "vacalibration",
		Exporter:    cfg.OTelExporter,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return nil, err
	}

	s, err := openStore(cfg, logger)
	if err != nil {
		_ = shutdownTrace(ctx) //nolint:errcheck // startup already failed
		return nil, err
	}
	o, err := vacalibration.New(
		vacalibration.WithConfig(cfg),
		vacalibration.WithStore(s),
		vacalibration.WithLogger(logger),
	)
	if err != nil {
		_ = s.Close() //nolint:errcheck // startup already failed
		return nil, err
	}

	r, err := engine.ConfiguredRunner(ctx, cfg, logger)
	if err != nil {
		_ = s.Close() //nolint:errcheck // startup already failed
		return nil, err
	}
	opts = append([]engine.Option{engine.WithRunner(cfg.RunnerName, r)}, opts...)
	eng, err := engine.Build(o, opts...)
	if err != nil {
		_ = s.Close() //nolint:errcheck // startup already failed
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, eng: eng, shutdownTrace: shutdownTrace}, nil
}

// close stops the engine within the configured shutdown timeout and
// flushes pending spans.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	err := a.eng.Stop(ctx)
	if terr := a.shutdownTrace(ctx); terr != nil {
		a.logger.Warn("tracing shutdown failed", slog.String("error", terr.Error()))
	}
	return err
}

func openStore(cfg vacalibration.Config, logger *slog.Logger) (vacalibration.Storer, error) {
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using the in-memory store; state is lost on restart and not shared between processes")
		return memory.New(), nil
	case "redis":
		s, err := redis.Open(cfg.RedisURL,
			redis.WithPrefix(cfg.KeyPrefix),
			redis.WithTTL(cfg.JobTTL),
			redis.WithLogger(logger),
		)
		if err != nil {
			return nil, vacalibration.Unavailable(fmt.Errorf("open redis store: %w", err))
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", vacalibration.ErrInvalidInput, cfg.StoreBackend)
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
