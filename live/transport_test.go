package live_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cliu238/vacalibration/live"
)

func (f *fixture) websocketServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		codec, err := live.GetCodec(r.URL.Query().Get("format"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		after, err := live.ParseResume(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mgr.ServeWebSocket(w, r, f.jobID, after, codec, nil) //nolint:errcheck // test handler
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *wsConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+query)
	require.NoError(t, err)
	conn = live.DialedConn(conn, br)
	c := &wsConn{t: t, conn: conn}
	t.Cleanup(func() { conn.Close() })
	return c
}

type wsConn struct {
	t    *testing.T
	conn net.Conn
}

func (c *wsConn) read(codec live.Codec) (*live.Frame, ws.OpCode) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, op, err := wsutil.ReadServerData(c.conn)
	require.NoError(c.t, err)
	f, err := codec.Decode(data)
	require.NoError(c.t, err)
	return f, op
}

func (c *wsConn) write(data []byte) {
	c.t.Helper()
	require.NoError(c.t, wsutil.WriteClientMessage(c.conn, ws.OpText, data))
}

func TestWebSocketDeliversJSON(t *testing.T) {
	f := newFixture(t)
	f.publish(t, 2)
	c := dial(t, f.websocketServer(t), "?after=1")
	codec := live.JSONCodec{}

	welcome, op := c.read(codec)
	assert.Equal(t, ws.OpText, op)
	require.Equal(t, live.FrameWelcome, welcome.Type)
	p, err := welcome.Welcome()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.ResumeAfter)

	fr, _ := c.read(codec)
	require.Equal(t, live.FrameEvent, fr.Type)
	assert.Equal(t, uint64(2), fr.Event.Seq)

	ping, err := codec.Encode(&live.Frame{Type: live.FramePing})
	require.NoError(t, err)
	c.write(ping)
	pong, _ := c.read(codec)
	assert.Equal(t, live.FramePong, pong.Type)

	c.write([]byte("not json"))
	bad, _ := c.read(codec)
	require.Equal(t, live.FrameError, bad.Type)
	assert.Equal(t, live.ErrCodeBadRequest, bad.Error.Code)

	f.publish(t, 1)
	fr, _ = c.read(codec)
	assert.Equal(t, uint64(3), fr.Event.Seq)
}

func TestWebSocketControlPingIsActivity(t *testing.T) {
	f := newFixture(t)
	c := dial(t, f.websocketServer(t), "")
	codec := live.JSONCodec{}

	welcome, _ := c.read(codec)
	require.Equal(t, live.FrameWelcome, welcome.Type)

	require.NoError(t, wsutil.WriteClientMessage(c.conn, ws.OpPing, []byte("hi")))
	f.publish(t, 1)
	// The control pong is consumed by the reader; the next data frame is
	// the event.
	fr, _ := c.read(codec)
	require.Equal(t, live.FrameEvent, fr.Type)
	assert.Equal(t, uint64(1), fr.Event.Seq)
}

func TestWebSocketDeliversMsgpack(t *testing.T) {
	f := newFixture(t)
	f.publish(t, 1)
	c := dial(t, f.websocketServer(t), "?format=msgpack")
	codec := live.MsgpackCodec{}

	welcome, op := c.read(codec)
	assert.Equal(t, ws.OpBinary, op)
	assert.Equal(t, live.FrameWelcome, welcome.Type)

	fr, _ := c.read(codec)
	require.Equal(t, live.FrameEvent, fr.Type)
	assert.Equal(t, uint64(1), fr.Event.Seq)
	assert.Equal(t, f.jobID.String(), fr.Event.JobID)
}

func TestWebSocketHangUpUnregisters(t *testing.T) {
	f := newFixture(t)
	c := dial(t, f.websocketServer(t), "")
	c.read(live.JSONCodec{})
	require.Equal(t, 1, f.mgr.JobConnections(f.jobID))

	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool { return f.mgr.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	f.publish(t, 2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		after, err := live.ParseResume(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mgr.ServeEventStream(w, r, f.jobID, after, nil) //nolint:errcheck // test handler
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	readEvent := func() (id, name string, f *live.Frame) {
		t.Helper()
		for {
			line, err := rd.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimSuffix(line, "\n")
			switch {
			case line == "":
				return id, name, f
			case strings.HasPrefix(line, "id: "):
				id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f = &live.Frame{}
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), f))
			}
		}
	}

	_, name, fr := readEvent()
	assert.Equal(t, "welcome", name)
	p, err := fr.Welcome()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.ResumeAfter)

	id, name, fr := readEvent()
	assert.Equal(t, "2", id)
	assert.Equal(t, "log", name)
	assert.Equal(t, uint64(2), fr.Event.Seq)

	cancel()
	require.Eventually(t, func() bool { return f.mgr.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
