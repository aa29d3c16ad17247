package live

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/cliu238/vacalibration/id"
)

// ServeWebSocket upgrades r and serves jobID's events on the resulting
// WebSocket until it closes. Frames are encoded with codec: JSON as text
// messages, msgpack as binary messages.
func (m *Manager) ServeWebSocket(w http.ResponseWriter, r *http.Request, jobID id.JobID, after uint64, codec Codec, who *Identity) error {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return fmt.Errorf("live: websocket upgrade: %w", err)
	}
	return m.Serve(r.Context(), NewWebSocketTransport(conn, codec), jobID, after, who)
}

// DialedConn returns the client side of a dialed WebSocket. br is the
// reader returned by ws.Dialer.Dial: when the server wrote frames right
// behind its handshake response they are already buffered there, so every
// read must go through it. A nil br returns conn unchanged.
func DialedConn(conn net.Conn, br *bufio.Reader) net.Conn {
	if br == nil {
		return conn
	}
	return &dialedConn{Conn: conn, br: br}
}

type dialedConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *dialedConn) Read(p []byte) (int, error) { return c.br.Read(p) }

// WebSocketTransport is a server-side WebSocket Transport and Receiver.
type WebSocketTransport struct {
	conn  net.Conn
	codec Codec
	rd    *wsutil.Reader

	// wmu serializes frames written by Send and control replies written
	// by Receive.
	wmu sync.Mutex
}

// NewWebSocketTransport wraps an upgraded server-side connection.
func NewWebSocketTransport(conn net.Conn, codec Codec) *WebSocketTransport {
	t := &WebSocketTransport{conn: conn, codec: codec}
	t.rd = &wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: t.control,
	}
	return t
}

// Send implements Transport.
func (t *WebSocketTransport) Send(f *Frame, deadline time.Time) error {
	data, err := t.codec.Encode(f)
	if err != nil {
		return err
	}
	op := ws.OpText
	if t.codec.Binary() {
		op = ws.OpBinary
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(t.conn, op, data)
}

// Receive implements Receiver. WebSocket pings are answered in place and
// surface as pong frames so they count as activity.
func (t *WebSocketTransport) Receive() (*Frame, error) {
	for {
		hdr, err := t.rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := t.control(hdr, t.rd); err != nil {
				return nil, err
			}
			return &Frame{Type: FramePong}, nil
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := t.rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}

		data, err := io.ReadAll(t.rd)
		if err != nil {
			return nil, err
		}
		f, err := t.codec.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadFrame, err)
		}
		return f, nil
	}
}

// control answers a control frame. The reply is assembled first and
// written in one piece so it never interleaves with Send.
func (t *WebSocketTransport) control(h ws.Header, r io.Reader) error {
	var buf bytes.Buffer
	err := wsutil.ControlHandler{
		Src:                 r,
		Dst:                 &buf,
		State:               ws.StateServerSide,
		DisableSrcCiphering: true,
	}.Handle(h)
	if buf.Len() > 0 {
		t.wmu.Lock()
		_, werr := t.conn.Write(buf.Bytes())
		t.wmu.Unlock()
		if err == nil {
			err = werr
		}
	}
	return err
}

// Close sends a normal closure and closes the connection.
func (t *WebSocketTransport) Close() error {
	t.wmu.Lock()
	//nolint:errcheck // best-effort close handshake
	t.conn.SetWriteDeadline(time.Now().Add(time.Second))
	//nolint:errcheck // best-effort close handshake
	wsutil.WriteServerMessage(t.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	t.wmu.Unlock()
	return t.conn.Close()
}

// ParseResume returns the sequence a subscriber resumes after: the after
// query parameter, or else the Last-Event-ID header an EventSource sends
// when it reconnects. Zero means from the start of the replay buffer.
func ParseResume(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("live: invalid resume sequence %q", raw)
	}
	return after, nil
}
