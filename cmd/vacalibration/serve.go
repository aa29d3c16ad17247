package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/cliu238/vacalibration/engine"
	"github.com/cliu238/vacalibration/httpapi"
	"github.com/cliu238/vacalibration/live"
)

func serveAction(ctx context.Context, cmd *cli.Command) error {
	var opts []engine.Option
	if cmd.Bool("no-workers") {
		opts = append(opts, engine.WithoutWorkers())
	}
	a, err := newApp(ctx, cmd.String("env"), opts...)
	if err != nil {
		return err
	}
	addr := a.cfg.HTTPAddr
	if v := cmd.String("addr"); v != "" {
		addr = v
	}

	apiOpts := []httpapi.Option{
		httpapi.WithLogger(a.logger),
		httpapi.WithCORSOrigins(a.cfg.CORSOrigins...),
	}
	if len(a.cfg.APIKeys) > 0 {
		apiOpts = append(apiOpts, httpapi.WithAuthenticator(live.NewAPIKeyAuthenticator(a.cfg.APIKeys)))
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpapi.New(a.eng, apiOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := a.eng.Start(ctx); err != nil {
		_ = a.close() //nolint:errcheck // start already failed
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http api listening",
			slog.String("addr", addr),
			slog.Bool("workers", !cmd.Bool("no-workers")),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	// Stop the engine first: it closes live connections, which the HTTP
	// server does not track once they are hijacked.
	stopErr := a.close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	return errors.Join(serveErr, stopErr)
}

func workerAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	if err := a.eng.Start(ctx); err != nil {
		_ = a.close() //nolint:errcheck // start already failed
		return err
	}
	a.logger.Info("worker running",
		slog.String("runner", a.cfg.RunnerName),
		slog.Int("concurrency", a.cfg.Concurrency),
	)
	<-ctx.Done()
	a.logger.Info("shutting down")
	return a.close()
}

func sweepAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, cmd.String("env"), engine.WithoutWorkers(), engine.WithoutReaper())
	if err != nil {
		return err
	}
	defer a.close() //nolint:errcheck // nothing was started

	timedOut, err := a.eng.Reaper().Sweep(ctx)
	if err != nil {
		return err
	}
	dropped, err := a.eng.Reaper().Collect(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("sweep finished",
		slog.Int("timed_out", timedOut),
		slog.Int("index_entries_dropped", dropped),
	)
	return nil
}
