package runner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cliu238/vacalibration/job"
)

const (
	inputFile  = "input.json"
	outputFile = "output.json"

	maxLineSize = 1 << 20
)

// workspace is the scratch directory an execution unit reads its input
// from and writes its output document to.
type workspace struct {
	dir string
}

func newWorkspace(root string, input json.RawMessage) (*workspace, error) {
	dir, err := os.MkdirTemp(root, "vacal-*")
	if err != nil {
		return nil, fmt.Errorf("runner: create workspace: %w", err)
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := os.WriteFile(filepath.Join(dir, inputFile), input, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("runner: write input: %w", err)
	}
	return &workspace{dir: dir}, nil
}

func (w *workspace) inputPath() string  { return filepath.Join(w.dir, inputFile) }
func (w *workspace) outputPath() string { return filepath.Join(w.dir, outputFile) }

func (w *workspace) files() map[string]string {
	return map[string]string{inputFile: w.inputPath(), outputFile: w.outputPath()}
}

func (w *workspace) remove() { _ = os.RemoveAll(w.dir) }

// outcome reads the output document. A missing or unreadable document is a
// no-output failure carrying the last error line the unit printed.
func (w *workspace) outcome(exitErr error, lastError string) Outcome {
	data, err := os.ReadFile(w.outputPath())
	if err != nil || len(data) == 0 {
		return Outcome{Err: &job.Error{Kind: job.ErrorNoOutput, Message: noOutputMessage(exitErr, lastError)}}
	}

	out, err := DecodeOutcome(data)
	if err != nil {
		return Outcome{Err: &job.Error{Kind: job.ErrorNoOutput, Message: noOutputMessage(err, lastError)}}
	}
	if out.Err == nil && exitErr != nil {
		return Outcome{Err: &job.Error{Kind: job.ErrorReported, Message: "execution unit exited abnormally: " + exitErr.Error()}}
	}
	return out
}

func noOutputMessage(cause error, lastError string) string {
	if lastError != "" {
		return lastError
	}
	if cause != nil {
		return "execution unit produced no output: " + cause.Error()
	}
	return "execution unit produced no output"
}

// collector serializes emitted lines from stdout and stderr and remembers
// the last error line.
type collector struct {
	mu        sync.Mutex
	emit      Emit
	lastError string
}

func newCollector(emit Emit) *collector {
	if emit == nil {
		emit = func(Line) {}
	}
	return &collector{emit: emit}
}

// scan reads r line by line until EOF. Unrecognized stderr output is
// reported as an error line.
func (c *collector) scan(r io.Reader, stderr bool) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		raw := sc.Text()
		if raw == "" {
			continue
		}
		line := ParseLine(raw)
		if u, ok := line.(UnrecognizedLine); ok && stderr {
			line = ErrorLine{Message: u.Raw}
		}

		c.mu.Lock()
		if e, ok := line.(ErrorLine); ok {
			c.lastError = e.Message
		}
		c.emit(line)
		c.mu.Unlock()
	}
	// Drain on scanner failure so the writer never blocks.
	_, _ = io.Copy(io.Discard, r)
}

func (c *collector) lastErrorLine() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}
