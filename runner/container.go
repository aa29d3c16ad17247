package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const containerWorkDir = "/work"

// Container runs the unit protocol inside a Docker container. The run's
// workspace is bind-mounted at /work and the container has no network.
type Container struct {
	cli      *client.Client
	image    string
	cmd      []string
	workDir  string
	archiver Archiver
	logger   *slog.Logger
}

// ContainerOption configures a Container.
type ContainerOption func(*Container)

// WithContainerWorkDir sets the host directory for per-run workspaces.
func WithContainerWorkDir(dir string) ContainerOption {
	return func(c *Container) { c.workDir = dir }
}

// WithContainerArchiver uploads input and output documents after every run.
func WithContainerArchiver(a Archiver) ContainerOption {
	return func(c *Container) { c.archiver = a }
}

// WithContainerLogger sets the logger.
func WithContainerLogger(l *slog.Logger) ContainerOption {
	return func(c *Container) { c.logger = l }
}

// NewContainer creates a container runner using the Docker environment
// (DOCKER_HOST and friends).
func NewContainer(image string, cmd []string, opts ...ContainerOption) (*Container, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("runner: docker client: %w", err)
	}
	c := &Container{
		cli:    cli,
		image:  image,
		cmd:    cmd,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run implements Runner. Cancelling ctx force-removes the container.
func (c *Container) Run(ctx context.Context, req Request, emit Emit) (Outcome, error) {
	ws, err := newWorkspace(c.workDir, req.Input)
	if err != nil {
		return Outcome{}, err
	}
	defer ws.remove()

	cfg := &container.Config{
		Image:      c.image,
		Cmd:        append(slices.Clone(c.cmd), path.Join(containerWorkDir, inputFile), path.Join(containerWorkDir, outputFile)),
		WorkingDir: containerWorkDir,
		Labels: map[string]string{
			"vacalibration.managed": "true",
			"vacalibration.job_id":  req.JobID.String(),
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: ws.dir,
			Target: containerWorkDir,
		}},
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "vacal-"+req.JobID.String())
	if err != nil {
		return Outcome{}, fmt.Errorf("runner: create container: %w", err)
	}
	defer func() {
		//nolint:contextcheck // removal must outlive a cancelled run
		if err := c.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			c.logger.Warn("container remove failed", slog.String("container", resp.ID), slog.String("error", err.Error()))
		}
	}()

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Outcome{}, fmt.Errorf("runner: start container: %w", err)
	}

	logs, err := c.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return Outcome{}, fmt.Errorf("runner: attach logs: %w", err)
	}
	defer logs.Close()

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, logs)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()

	col := newCollector(emit)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); col.scan(outR, false) }()
	go func() { defer wg.Done(); col.scan(errR, true) }()
	wg.Wait()

	var exitErr error
	statusCh, errCh := c.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, ctxErr
		}
		return Outcome{}, fmt.Errorf("runner: wait container: %w", err)
	case st := <-statusCh:
		if st.StatusCode != 0 {
			exitErr = fmt.Errorf("container exited with status %d", st.StatusCode)
		}
	}

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	archive(ctx, c.archiver, c.logger, req.JobID, ws)
	return ws.outcome(exitErr, col.lastErrorLine()), nil
}
