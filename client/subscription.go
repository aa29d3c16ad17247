package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/cliu238/vacalibration/backoff"
	"github.com/cliu238/vacalibration/event"
	"github.com/cliu238/vacalibration/live"
)

// ErrJobGone is returned by Watch.Err when the server no longer knows the
// watched job.
var ErrJobGone = errors.New("vacalibration/client: job not found")

// Watch follows one job's events. Events are delivered in sequence order
// without duplicates, across reconnects. The channel is closed after the
// job's terminal event, on Close, or when the connection cannot be
// re-established.
type Watch struct {
	c      *Client
	jobID  string
	codec  live.Codec
	events chan *event.Event
	cancel context.CancelFunc
	done   chan struct{}

	last atomic.Uint64
	gaps atomic.Uint64

	mu   sync.Mutex
	conn net.Conn
	err  error
}

// Watch connects to the job's live endpoint and replays every event after
// sequence after before following live ones.
func (c *Client) Watch(ctx context.Context, jobID string, after uint64) (*Watch, error) {
	codec, err := live.GetCodec(c.format)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &Watch{
		c:      c,
		jobID:  jobID,
		codec:  codec,
		events: make(chan *event.Event, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.last.Store(after)

	// The first dial is synchronous so that bad requests fail fast.
	conn, err := w.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	go w.run(ctx, conn)
	return w, nil
}

// Events returns the event channel.
func (w *Watch) Events() <-chan *event.Event { return w.events }

// Last returns the sequence of the last delivered event.
func (w *Watch) Last() uint64 { return w.last.Load() }

// Gaps returns how many events the server reported as evicted before
// they could be replayed.
func (w *Watch) Gaps() uint64 { return w.gaps.Load() }

// Err returns why the watch ended. It is nil after a terminal event or
// Close, and only meaningful once Events is closed.
func (w *Watch) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close stops the watch and waits for it to wind down.
func (w *Watch) Close() error {
	w.cancel()
	<-w.done
	return nil
}

// interrupt closes the current connection so a blocked read returns.
func (w *Watch) interrupt() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		_ = w.conn.Close() //nolint:errcheck // unblocks the reader
	}
}

func (w *Watch) url() (string, error) {
	u, err := url.Parse(w.c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/jobs/" + url.PathEscape(w.jobID) + "/ws"
	q := url.Values{}
	q.Set("after", strconv.FormatUint(w.last.Load(), 10))
	q.Set("format", w.codec.Name())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (w *Watch) dial(ctx context.Context) (net.Conn, error) {
	target, err := w.url()
	if err != nil {
		return nil, err
	}
	d := ws.Dialer{Timeout: 10 * time.Second}
	if w.c.token != "" {
		d.Header = ws.HandshakeHeaderHTTP(http.Header{"X-API-Key": []string{w.c.token}})
	}
	conn, br, _, err := d.Dial(ctx, target)
	if err != nil {
		var status ws.StatusError
		if errors.As(err, &status) && int(status) == http.StatusNotFound {
			return nil, ErrJobGone
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn = live.DialedConn(conn, br)
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	return conn, nil
}

// run reads from conn and redials with backoff whenever the connection
// drops, resuming after the last delivered sequence.
func (w *Watch) run(ctx context.Context, conn net.Conn) {
	defer close(w.done)
	defer close(w.events)
	stop := context.AfterFunc(ctx, w.interrupt)
	defer stop()

	attempt := 0
	for {
		finished, err := w.read(ctx, conn)
		_ = conn.Close() //nolint:errcheck // already done with it
		if ctx.Err() != nil {
			w.finish(nil)
			return
		}
		if finished {
			w.finish(err)
			return
		}
		if !w.c.reconnect {
			w.finish(err)
			return
		}

		for {
			attempt++
			if attempt > w.c.maxRetries {
				w.finish(fmt.Errorf("vacalibration/client: gave up after %d reconnects: %w", w.c.maxRetries, err))
				return
			}
			w.c.logger.Info("watch reconnecting",
				slog.String("job_id", w.jobID),
				slog.Int("attempt", attempt),
				slog.Uint64("after", w.last.Load()),
			)
			if backoff.Sleep(ctx, w.c.backoff, attempt) != nil {
				w.finish(nil)
				return
			}

			conn, err = w.dial(ctx)
			if errors.Is(err, ErrJobGone) {
				w.finish(err)
				return
			}
			if err == nil {
				break
			}
			w.c.logger.Warn("watch reconnect failed",
				slog.String("job_id", w.jobID),
				slog.String("error", err.Error()),
			)
		}
		attempt = 0
	}
}

// read consumes frames until the connection fails or the job finishes.
// finished is true after the terminal event or a permanent error frame.
func (w *Watch) read(ctx context.Context, conn net.Conn) (finished bool, err error) {
	for {
		data, _, err := wsutil.ReadServerData(conn)
		if err != nil {
			return false, err
		}
		f, err := w.codec.Decode(data)
		if err != nil {
			w.c.logger.Warn("watch: invalid frame", slog.String("error", err.Error()))
			continue
		}

		switch f.Type {
		case live.FramePing:
			if err := w.write(conn, live.NewPongFrame(w.jobID)); err != nil {
				return false, err
			}
		case live.FrameError:
			if f.Error != nil && f.Error.Code == live.ErrCodeNotFound {
				return true, ErrJobGone
			}
			if f.Error != nil && f.Error.Code == live.ErrCodeUnavailable {
				return false, fmt.Errorf("server refused connection: %s", f.Error.Message)
			}
		case live.FrameEvent:
			e := f.Event
			if e == nil || e.Seq <= w.last.Load() {
				continue
			}
			if e.Gap > 0 {
				w.gaps.Add(e.Gap)
			}
			select {
			case w.events <- e:
			case <-ctx.Done():
				return true, nil
			}
			w.last.Store(e.Seq)
			if e.Terminal() {
				return true, nil
			}
		}
	}
}

func (w *Watch) write(conn net.Conn, f *live.Frame) error {
	data, err := w.codec.Encode(f)
	if err != nil {
		return err
	}
	op := ws.OpText
	if w.codec.Binary() {
		op = ws.OpBinary
	}
	return wsutil.WriteClientMessage(conn, op, data)
}

func (w *Watch) finish(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn = nil
	w.err = err
}

// Wait watches jobID until it reaches a terminal state and returns the
// final record.
func (c *Client) Wait(ctx context.Context, jobID string) (*Job, error) {
	w, err := c.Watch(ctx, jobID, 0)
	if err != nil {
		return nil, err
	}
	defer w.Close()
	for range w.Events() {
	}
	if err := w.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.GetJob(ctx, jobID)
}
