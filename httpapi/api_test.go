package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/engine"
	"github.com/cliu238/vacalibration/httpapi"
	"github.com/cliu238/vacalibration/live"
	"github.com/cliu238/vacalibration/runner"
	"github.com/cliu238/vacalibration/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type server struct {
	t   *testing.T
	eng *engine.Engine
	url string
}

// newServer starts an engine whose "calibration" runner echoes its input
// and an httptest server in front of it. Runs wait on release when it is
// not nil.
func newServer(t *testing.T, release chan struct{}, opts ...httpapi.Option) *server {
	t.Helper()
	cfg := vacalibration.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond

	o, err := vacalibration.New(
		vacalibration.WithConfig(cfg),
		vacalibration.WithStore(memory.New()),
		vacalibration.WithLogger(testLogger()),
	)
	require.NoError(t, err)

	echo := runner.Func(func(ctx context.Context, in json.RawMessage, emit runner.Emit) (json.RawMessage, error) {
		emit(runner.ProgressLine{Percent: 50, Stage: "fitting"})
		if release != nil {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return json.RawMessage(fmt.Sprintf(`{"input":%s}`, in)), nil
	})
	eng, err := engine.Build(o, engine.WithRunner("calibration", echo))
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))

	srv := httptest.NewServer(httpapi.New(eng, append([]httpapi.Option{httpapi.WithLogger(testLogger())}, opts...)...).Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
		srv.Close()
	})
	return &server{t: t, eng: eng, url: srv.URL}
}

func (s *server) do(method, path, key string, body any) (int, []byte) {
	s.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(s.t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.url+path, rd)
	require.NoError(s.t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	return resp.StatusCode, data
}

type jobBody struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	Progress      int             `json:"progress"`
	Result        json.RawMessage `json:"result"`
	Owner         string          `json:"owner"`
	ParentID      string          `json:"parent_id"`
	ExecutionTime float64         `json:"execution_time"`
	CacheInfo     *struct {
		SourceJobID string `json:"source_job_id"`
	} `json:"cache_info"`
}

func (s *server) create(key string, input string) jobBody {
	s.t.Helper()
	code, data := s.do(http.MethodPost, "/v1/jobs", key, map[string]any{
		"name":  "calibration",
		"input": json.RawMessage(input),
	})
	require.Equal(s.t, http.StatusCreated, code, string(data))
	var j jobBody
	require.NoError(s.t, json.Unmarshal(data, &j))
	return j
}

func (s *server) waitFor(jobID, status string) jobBody {
	s.t.Helper()
	var j jobBody
	require.Eventually(s.t, func() bool {
		code, data := s.do(http.MethodGet, "/v1/jobs/"+jobID, "", nil)
		if code != http.StatusOK {
			return false
		}
		j = jobBody{}
		return json.Unmarshal(data, &j) == nil && j.Status == status
	}, 5*time.Second, 10*time.Millisecond)
	return j
}

func TestCreateJobRunsToCompletion(t *testing.T) {
	s := newServer(t, nil)
	j := s.create("", `{"deaths":3}`)
	assert.Equal(t, "pending", j.Status)

	done := s.waitFor(j.ID, "completed")
	assert.Equal(t, 100, done.Progress)
	assert.JSONEq(t, `{"input":{"deaths":3}}`, string(done.Result))

	code, data := s.do(http.MethodGet, "/v1/jobs/"+j.ID+"/result", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(data), `"input"`)

	code, data = s.do(http.MethodGet, "/v1/jobs/"+j.ID+"/output", "", nil)
	require.Equal(t, http.StatusOK, code)
	var out httpapi.OutputResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.False(t, out.HasMore)
	assert.NotEmpty(t, out.Lines)
	assert.Equal(t, len(out.Lines), out.Next)
}

func TestSecondIdenticalJobIsCached(t *testing.T) {
	s := newServer(t, nil)
	first := s.create("", `{"a":1}`)
	s.waitFor(first.ID, "completed")

	second := s.create("", `{"a":1}`)
	assert.Equal(t, "completed", second.Status)
	require.NotNil(t, second.CacheInfo)
	assert.Equal(t, first.ID, second.CacheInfo.SourceJobID)

	code, data := s.do(http.MethodGet, "/v1/cache/stats", "", nil)
	require.Equal(t, http.StatusOK, code)
	var st struct {
		Count int   `json:"count"`
		Hits  int64 `json:"hits"`
	}
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, int64(1), st.Hits)
}

func TestJobErrorsMapToStatusCodes(t *testing.T) {
	s := newServer(t, nil)

	code, _ := s.do(http.MethodGet, "/v1/jobs/not-an-id", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(http.MethodGet, "/v1/jobs/job_01h2xcejqtf2nbrexx3vqjhp41", "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(http.MethodPost, "/v1/jobs", "", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(http.MethodPost, "/v1/jobs", "", map[string]any{"name": "calibration", "priority": 99})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(http.MethodGet, "/v1/jobs?status=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCancelAndRetry(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := newServer(t, release)

	j := s.create("", `{"slow":true}`)
	s.waitFor(j.ID, "running")

	code, _ := s.do(http.MethodGet, "/v1/jobs/"+j.ID+"/result", "", nil)
	assert.Equal(t, http.StatusConflict, code, "result of a running job")

	code, data := s.do(http.MethodPost, "/v1/jobs/"+j.ID+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, code, string(data))
	code, _ = s.do(http.MethodPost, "/v1/jobs/"+j.ID+"/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, code, "cancelling a cancelled job")

	code, data = s.do(http.MethodPost, "/v1/jobs/"+j.ID+"/retry", "", nil)
	require.Equal(t, http.StatusCreated, code, string(data))
	var retry jobBody
	require.NoError(t, json.Unmarshal(data, &retry))
	assert.Equal(t, j.ID, retry.ParentID)
	assert.NotEqual(t, j.ID, retry.ID)
}

func TestListAndDeleteJobs(t *testing.T) {
	s := newServer(t, nil)
	a := s.create("", `{"n":1}`)
	b := s.create("", `{"n":2}`)
	s.waitFor(a.ID, "completed")
	s.waitFor(b.ID, "completed")

	code, data := s.do(http.MethodGet, "/v1/jobs?status=completed&limit=1", "", nil)
	require.Equal(t, http.StatusOK, code)
	var list httpapi.JobListResponse
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Equal(t, int64(2), list.Total)
	assert.Len(t, list.Jobs, 1)

	code, _ = s.do(http.MethodDelete, "/v1/jobs?status=completed", "", nil)
	assert.Equal(t, http.StatusBadRequest, code, "bulk delete needs confirm")

	code, _ = s.do(http.MethodDelete, "/v1/jobs/"+a.ID, "", nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = s.do(http.MethodDelete, "/v1/jobs/"+a.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, data = s.do(http.MethodDelete, "/v1/jobs?status=completed&confirm=true", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"deleted":1}`, string(data))
}

func TestOwnersOnlySeeTheirJobs(t *testing.T) {
	auth := live.NewAPIKeyAuthenticator(map[string]string{"ka": "alice", "kb": "bob"})
	s := newServer(t, nil, httpapi.WithAuthenticator(auth))

	j := s.create("ka", `{"owner":"alice"}`)
	assert.Equal(t, "alice", j.Owner)

	code, _ := s.do(http.MethodGet, "/v1/jobs/"+j.ID, "kb", nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = s.do(http.MethodGet, "/v1/jobs/"+j.ID, "ka", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodGet, "/v1/jobs", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, data := s.do(http.MethodGet, "/v1/jobs", "kb", nil)
	require.Equal(t, http.StatusOK, code)
	var list httpapi.JobListResponse
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Zero(t, list.Total)
}

func TestBatchSubmitAndStatus(t *testing.T) {
	s := newServer(t, nil)
	code, data := s.do(http.MethodPost, "/v1/batches", "", map[string]any{
		"name":           "calibration",
		"inputs":         []json.RawMessage{json.RawMessage(`{"site":1}`), json.RawMessage(`{"site":2}`)},
		"parallel_limit": 1,
	})
	require.Equal(t, http.StatusCreated, code, string(data))
	var view httpapi.BatchView
	require.NoError(t, json.Unmarshal(data, &view))
	require.Len(t, view.JobIDs, 2)
	assert.Equal(t, 1, view.ParallelLimit)

	require.Eventually(t, func() bool {
		code, data := s.do(http.MethodGet, "/v1/batches/"+view.BatchID.String(), "", nil)
		if code != http.StatusOK {
			return false
		}
		var v httpapi.BatchView
		return json.Unmarshal(data, &v) == nil && v.Status == "completed" && v.CompletedJobs == 2
	}, 5*time.Second, 10*time.Millisecond)

	code, _ = s.do(http.MethodPost, "/v1/batches", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = s.do(http.MethodGet, "/v1/batches/batch_01h2xcejqtf2nbrexx3vqjhp41", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestClearCacheNeedsConfirmation(t *testing.T) {
	s := newServer(t, nil)
	j := s.create("", `{"c":1}`)
	s.waitFor(j.ID, "completed")

	code, _ := s.do(http.MethodDelete, "/v1/cache", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, data := s.do(http.MethodDelete, "/v1/cache?confirm=true&name=calibration", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"cleared":1}`, string(data))
}

func TestHealthAndStats(t *testing.T) {
	s := newServer(t, nil)
	code, data := s.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	j := s.create("", `{"s":1}`)
	s.waitFor(j.ID, "completed")
	code, data = s.do(http.MethodGet, "/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, code)
	var st httpapi.StatsResponse
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, int64(1), st.Jobs["completed"])
}

func TestWebSocketStreamsJobEvents(t *testing.T) {
	release := make(chan struct{})
	s := newServer(t, release)
	j := s.create("", `{"ws":1}`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(s.url, "http")+"/v1/jobs/job_01h2xcejqtf2nbrexx3vqjhp41/ws")
	require.Error(t, err, "unknown jobs are refused before the upgrade")

	conn, br, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(s.url, "http")+"/v1/jobs/"+j.ID+"/ws")
	require.NoError(t, err)
	conn = live.DialedConn(conn, br)
	defer conn.Close()

	codec := live.JSONCodec{}
	read := func() *live.Frame {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		data, _, err := wsutil.ReadServerData(conn)
		require.NoError(t, err)
		f, err := codec.Decode(data)
		require.NoError(t, err)
		return f
	}

	welcome := read()
	require.Equal(t, live.FrameWelcome, welcome.Type)

	close(release)
	var last uint64
	for {
		f := read()
		if f.Type != live.FrameEvent {
			continue
		}
		assert.Greater(t, f.Event.Seq, last)
		last = f.Event.Seq
		if f.Event.Terminal() {
			break
		}
	}
}
