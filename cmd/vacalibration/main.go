// Command vacalibration runs the calibration job service: the HTTP API,
// worker processes, one-off maintenance passes, and a small client for
// submitting and following jobs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envFlag := &cli.StringFlag{
		Name:  "env",
		Usage: "environment file to load before reading the configuration",
		Value: ".env",
	}
	serverFlag := &cli.StringFlag{
		Name:    "server",
		Usage:   "base URL of the vacalibration API",
		Value:   "http://localhost:8000",
		Sources: cli.EnvVars("VACALIBRATION_SERVER"),
	}
	tokenFlag := &cli.StringFlag{
		Name:    "token",
		Usage:   "API key",
		Sources: cli.EnvVars("VACALIBRATION_TOKEN"),
	}

	app := &cli.Command{
		Name:  "vacalibration",
		Usage: "calibration job orchestration service",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API, with in-process workers unless --no-workers is set",
				Flags: []cli.Flag{
					envFlag,
					&cli.StringFlag{Name: "addr", Usage: "listen address (overrides HTTP_ADDR)"},
					&cli.BoolFlag{Name: "no-workers", Usage: "only accept and serve jobs, never execute them"},
				},
				Action: serveAction,
			},
			{
				Name:   "worker",
				Usage:  "run a worker process that executes queued jobs",
				Flags:  []cli.Flag{envFlag},
				Action: workerAction,
			},
			{
				Name:   "sweep",
				Usage:  "time out overdue jobs and drop expired index entries once, then exit",
				Flags:  []cli.Flag{envFlag},
				Action: sweepAction,
			},
			{
				Name:  "submit",
				Usage: "submit a job and optionally follow it",
				Flags: []cli.Flag{
					serverFlag,
					tokenFlag,
					&cli.StringFlag{Name: "name", Usage: "job name", Value: "calibration"},
					&cli.StringFlag{Name: "input", Usage: "JSON input, or @file to read it from a file", Required: true},
					&cli.IntFlag{Name: "priority", Usage: "job priority (0 keeps the server default)"},
					&cli.DurationFlag{Name: "timeout", Usage: "job timeout (0 keeps the server default)"},
					&cli.BoolFlag{Name: "no-cache", Usage: "always execute, ignoring cached results"},
					&cli.BoolFlag{Name: "wait", Usage: "follow the job until it finishes"},
				},
				Action: submitAction,
			},
			{
				Name:      "watch",
				Usage:     "follow a job's events until it finishes",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					serverFlag,
					tokenFlag,
					&cli.Uint64Flag{Name: "after", Usage: "resume after this event sequence"},
					&cli.StringFlag{Name: "format", Usage: "frame encoding: json or msgpack", Value: "json"},
				},
				Action: watchAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "vacalibration:", err)
		os.Exit(1)
	}
}
