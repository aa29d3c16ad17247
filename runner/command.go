package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"

	"github.com/cliu238/vacalibration/id"
)

// Command runs an external process per job:
//
//	<path> <args...> <dir>/input.json <dir>/output.json
//
// stdout and stderr are parsed line by line while the process runs.
type Command struct {
	path      string
	args      []string
	env       []string
	workDir   string
	waitDelay time.Duration
	archiver  Archiver
	logger    *slog.Logger
}

// CommandOption configures a Command.
type CommandOption func(*Command)

// WithWorkDir sets the parent directory for per-run workspaces. Empty
// means the OS temp directory.
func WithWorkDir(dir string) CommandOption {
	return func(c *Command) { c.workDir = dir }
}

// WithEnv adds KEY=VALUE entries to the process environment.
func WithEnv(env ...string) CommandOption {
	return func(c *Command) { c.env = append(c.env, env...) }
}

// WithArchiver uploads input and output documents after every run.
func WithArchiver(a Archiver) CommandOption {
	return func(c *Command) { c.archiver = a }
}

// WithCommandLogger sets the logger.
func WithCommandLogger(l *slog.Logger) CommandOption {
	return func(c *Command) { c.logger = l }
}

// NewCommand creates a process runner.
func NewCommand(path string, args []string, opts ...CommandOption) *Command {
	c := &Command{
		path:      path,
		args:      args,
		waitDelay: 5 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run implements Runner. Cancelling ctx kills the process.
func (c *Command) Run(ctx context.Context, req Request, emit Emit) (Outcome, error) {
	ws, err := newWorkspace(c.workDir, req.Input)
	if err != nil {
		return Outcome{}, err
	}
	defer ws.remove()

	argv := append(slices.Clone(c.args), ws.inputPath(), ws.outputPath())
	cmd := exec.CommandContext(ctx, c.path, argv...)
	cmd.Dir = ws.dir
	cmd.Env = append(os.Environ(), c.env...)
	cmd.WaitDelay = c.waitDelay

	// WaitDelay bounds the copy into these pipes when a grandchild keeps
	// them open after a kill.
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	col := newCollector(emit)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); col.scan(outR, false) }()
	go func() { defer wg.Done(); col.scan(errR, true) }()

	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		wg.Wait()
		return Outcome{}, fmt.Errorf("runner: start %s: %w", c.path, err)
	}
	waitErr := cmd.Wait()
	outW.Close()
	errW.Close()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	archive(ctx, c.archiver, c.logger, req.JobID, ws)
	return ws.outcome(waitErr, col.lastErrorLine()), nil
}

func archive(ctx context.Context, a Archiver, logger *slog.Logger, jobID id.JobID, ws *workspace) {
	if a == nil {
		return
	}
	if err := a.Archive(ctx, jobID, ws.files()); err != nil {
		logger.Warn("artifact upload failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}
