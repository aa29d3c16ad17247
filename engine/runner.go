package engine

import (
	"context"
	"log/slog"
	"slices"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/runner"
)

// ConfiguredRunner builds the execution unit described by cfg: a Docker
// container when RunnerImage is set, a local process otherwise. With the
// "minio" artifact backend every run's documents are archived.
func ConfiguredRunner(ctx context.Context, cfg vacalibration.Config, logger *slog.Logger) (runner.Runner, error) {
	var archiver runner.Archiver
	if cfg.ArtifactBackend == "minio" {
		a, err := runner.NewMinIOArchiver(ctx, runner.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return nil, err
		}
		archiver = a
	}

	if cfg.RunnerImage != "" {
		cmd := append([]string{cfg.RunnerCommand}, slices.Clone(cfg.RunnerArgs)...)
		opts := []runner.ContainerOption{
			runner.WithContainerWorkDir(cfg.WorkDir),
			runner.WithContainerLogger(logger),
		}
		if archiver != nil {
			opts = append(opts, runner.WithContainerArchiver(archiver))
		}
		logger.Info("execution unit runs in a container",
			slog.String("runner", cfg.RunnerName),
			slog.String("image", cfg.RunnerImage),
		)
		return runner.NewContainer(cfg.RunnerImage, cmd, opts...)
	}

	opts := []runner.CommandOption{
		runner.WithWorkDir(cfg.WorkDir),
		runner.WithCommandLogger(logger),
	}
	if archiver != nil {
		opts = append(opts, runner.WithArchiver(archiver))
	}
	logger.Info("execution unit runs as a local process",
		slog.String("runner", cfg.RunnerName),
		slog.String("command", cfg.RunnerCommand),
	)
	return runner.NewCommand(cfg.RunnerCommand, slices.Clone(cfg.RunnerArgs), opts...), nil
}
