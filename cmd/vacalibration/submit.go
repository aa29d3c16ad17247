package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/client"
	"github.com/cliu238/vacalibration/event"
)

func newClient(cmd *cli.Command, extra ...client.Option) *client.Client {
	opts := []client.Option{client.WithToken(cmd.String("token"))}
	return client.New(cmd.String("server"), append(opts, extra...)...)
}

func submitAction(ctx context.Context, cmd *cli.Command) error {
	input, err := readInput(cmd.String("input"))
	if err != nil {
		return err
	}

	var opts []client.SubmitOption
	if p := int(cmd.Int("priority")); p != 0 {
		opts = append(opts, client.WithPriority(p))
	}
	if d := cmd.Duration("timeout"); d > 0 {
		opts = append(opts, client.WithTimeout(d))
	}
	if cmd.Bool("no-cache") {
		opts = append(opts, client.WithCache(false))
	}

	c := newClient(cmd)
	j, err := c.Submit(ctx, cmd.String("name"), input, opts...)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", j.ID, j.State)
	if !cmd.Bool("wait") || j.State.Terminal() {
		return printJSON(j)
	}
	return follow(ctx, c, j.ID.String(), 0)
}

func watchAction(ctx context.Context, cmd *cli.Command) error {
	jobID := cmd.Args().First()
	if jobID == "" {
		return fmt.Errorf("%w: job id is required", vacalibration.ErrInvalidInput)
	}
	c := newClient(cmd, client.WithFormat(cmd.String("format")))
	return follow(ctx, c, jobID, cmd.Uint64("after"))
}

// follow prints a job's events as they arrive, then its final record.
func follow(ctx context.Context, c *client.Client, jobID string, after uint64) error {
	w, err := c.Watch(ctx, jobID, after)
	if err != nil {
		return err
	}
	defer w.Close()

	for e := range w.Events() {
		printEvent(e)
	}
	if err := w.Err(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	if gaps := w.Gaps(); gaps > 0 {
		fmt.Fprintf(os.Stderr, "%d events were evicted before they could be replayed\n", gaps)
	}
	j, err := c.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return printJSON(j)
}

func printEvent(e *event.Event) {
	p, err := e.Decode()
	if err != nil {
		fmt.Printf("#%d %s\n", e.Seq, e.Kind)
		return
	}
	switch v := p.(type) {
	case *event.LogPayload:
		fmt.Printf("#%d %s [%s] %s\n", e.Seq, e.Kind, v.Level, v.Line)
	case *event.ProgressPayload:
		fmt.Printf("#%d %s %d%% %s\n", e.Seq, e.Kind, v.Percent, v.Stage)
	default:
		fmt.Printf("#%d %s\n", e.Seq, e.Kind)
	}
}

// readInput accepts inline JSON or "@path" naming a JSON file.
func readInput(v string) (json.RawMessage, error) {
	raw := []byte(v)
	if path, ok := strings.CutPrefix(v, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		raw = data
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: input is not valid JSON", vacalibration.ErrInvalidInput)
	}
	return raw, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
