package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/batch"
	"github.com/cliu238/vacalibration/cache"
	"github.com/cliu238/vacalibration/event"
	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/job"
	"github.com/cliu238/vacalibration/stream"
	"github.com/cliu238/vacalibration/worker"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, opts...), mr
}

func sampleJob(name string, updated time.Time) *job.Job {
	return &job.Job{
		Entity:     vacalibration.Entity{CreatedAt: updated, UpdatedAt: updated},
		ID:         id.NewJobID(),
		Name:       name,
		Queue:      job.DefaultQueue,
		Input:      json.RawMessage(`{"a":1}`),
		State:      job.StatePending,
		Priority:   5,
		Timeout:    30 * time.Minute,
		MaxRetries: 3,
		Owner:      "alice",
		UseCache:   true,
	}
}

func TestJobRoundTrip(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	j := sampleJob("calibration", now)
	j.State = job.StateCompleted
	j.Progress = 100
	j.Result = json.RawMessage(`{"x":42}`)
	j.StartedAt = &now
	j.CompletedAt = &now
	j.Cache = &job.CacheInfo{SourceJobID: id.NewJobID(), Fingerprint: "fp", CachedAt: now}
	j.ParentID = id.NewJobID()
	require.NoError(t, s.PutJob(ctx, j))

	assert.True(t, mr.Exists(DefaultPrefix+"job:"+j.ID.String()))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID.String(), got.ID.String())
	assert.Equal(t, job.StateCompleted, got.State)
	assert.Equal(t, 100, got.Progress)
	assert.JSONEq(t, `{"x":42}`, string(got.Result))
	assert.JSONEq(t, `{"a":1}`, string(got.Input))
	assert.Equal(t, 30*time.Minute, got.Timeout)
	assert.True(t, got.UseCache)
	assert.Equal(t, j.ParentID.String(), got.ParentID.String())
	require.NotNil(t, got.Cache)
	assert.Equal(t, j.Cache.SourceJobID.String(), got.Cache.SourceJobID.String())
	require.NotNil(t, got.CompletedAt)
	assert.True(t, now.Equal(*got.CompletedAt))
	assert.Nil(t, got.Error)

	_, err = s.GetJob(ctx, id.NewJobID())
	assert.ErrorIs(t, err, vacalibration.ErrJobNotFound)
}

func TestJobTTL(t *testing.T) {
	s, mr := newTestStore(t, WithTTL(time.Hour))
	ctx := context.Background()

	j := sampleJob("calibration", time.Now())
	require.NoError(t, s.PutJob(ctx, j))
	require.NoError(t, s.AppendLog(ctx, j.ID, "hello", 10))

	mr.FastForward(30 * time.Minute)
	require.NoError(t, s.PutJob(ctx, j))
	mr.FastForward(45 * time.Minute)

	_, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err, "write should refresh the TTL")
	lines, err := s.ReadLogs(ctx, j.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, lines, "derived keys share the refreshed TTL")

	mr.FastForward(time.Hour)
	_, err = s.GetJob(ctx, j.ID)
	assert.ErrorIs(t, err, vacalibration.ErrJobNotFound)
}

func TestJobListAndCount(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	var ids []string
	for i := range 4 {
		j := sampleJob(fmt.Sprintf("n%d", i%2), base.Add(time.Duration(i)*time.Second))
		if i == 3 {
			j.Owner = "bob"
		}
		require.NoError(t, s.PutJob(ctx, j))
		ids = append(ids, j.ID.String())
	}

	all, err := s.ListJobs(ctx, job.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, ids[3], all[0].ID.String())
	assert.Equal(t, ids[0], all[3].ID.String())

	page, err := s.ListJobs(ctx, job.ListOpts{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID.String())

	alice, err := s.ListJobs(ctx, job.ListOpts{Owner: "alice", Limit: 1})
	require.NoError(t, err)
	require.Len(t, alice, 1)
	assert.Equal(t, ids[2], alice[0].ID.String())

	n, err := s.CountJobs(ctx, job.ListOpts{Name: "n0"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	old, err := s.ListJobs(ctx, job.ListOpts{UpdatedBefore: base.Add(1500 * time.Millisecond)})
	require.NoError(t, err)
	assert.Len(t, old, 2)
}

func TestJobDeleteDropsDerivedKeys(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	j := sampleJob("calibration", time.Now())
	require.NoError(t, s.PutJob(ctx, j))
	require.NoError(t, s.AppendLog(ctx, j.ID, "line", 10))
	require.NoError(t, s.AppendEvent(ctx, &event.Event{JobID: j.ID.String(), Kind: event.KindLog}, 10))
	_, err := s.EnqueueHandle(ctx, &worker.Handle{
		ID: id.NewHandleID(), JobID: j.ID, State: worker.HandleQueued,
		Spec: worker.Spec{Queue: "default"}, EnqueuedAt: time.Now(),
	})
	require.NoError(t, err)

	ok, err := s.DeleteJob(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	jID := j.ID.String()
	for _, key := range []string{"job:", "logs:", "seq:", "events:", "active:"} {
		assert.False(t, mr.Exists(DefaultPrefix+key+jID), key)
	}
	n, err := s.CountJobs(ctx, job.ListOpts{})
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err = s.DeleteJob(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLogsBounded(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	jid := id.NewJobID()

	for i := range 6 {
		require.NoError(t, s.AppendLog(ctx, jid, fmt.Sprintf("l%d", i), 4))
	}
	lines, err := s.ReadLogs(ctx, jid, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"l2", "l3", "l4", "l5"}, lines)

	tail, err := s.ReadLogs(ctx, jid, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"l5"}, tail)
}

func TestSweepJobs(t *testing.T) {
	s, mr := newTestStore(t, WithTTL(time.Hour))
	ctx := context.Background()

	now := time.Now().UTC()
	old := sampleJob("old", now.Add(-3*time.Hour))
	expired := sampleJob("expired", now)
	fresh := sampleJob("fresh", now)
	for _, j := range []*job.Job{old, expired, fresh} {
		require.NoError(t, s.PutJob(ctx, j))
	}
	mr.Del(DefaultPrefix + "job:" + expired.ID.String())

	removed, err := s.SweepJobs(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	all, err := s.ListJobs(ctx, job.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, fresh.ID.String(), all[0].ID.String())
}

func TestCacheEntries(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	a := &cache.Entry{Fingerprint: "fa", JobName: "x", Result: json.RawMessage(`{"x":1}`), SourceJobID: id.NewJobID(), CachedAt: now}
	b := &cache.Entry{Fingerprint: "fb", JobName: "y", Result: json.RawMessage(`{"x":2}`), SourceJobID: id.NewJobID(), CachedAt: now.Add(time.Second)}
	require.NoError(t, s.PutCacheEntry(ctx, a, time.Hour))
	require.NoError(t, s.PutCacheEntry(ctx, b, time.Minute))

	got, err := s.GetCacheEntry(ctx, "fa")
	require.NoError(t, err)
	assert.Equal(t, a.SourceJobID.String(), got.SourceJobID.String())
	assert.JSONEq(t, `{"x":1}`, string(got.Result))

	list, err := s.ListCacheEntries(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "fa", list[0].Fingerprint)

	mr.FastForward(2 * time.Minute)
	_, err = s.GetCacheEntry(ctx, "fb")
	assert.ErrorIs(t, err, vacalibration.ErrCacheMiss)

	list, err = s.ListCacheEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	members, err := mr.ZMembers(DefaultPrefix + "cache_idx")
	require.NoError(t, err)
	assert.Equal(t, []string{"fa"}, members, "expired members are pruned from the index")

	ok, err := s.DeleteCacheEntry(ctx, "fa")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = s.GetCacheEntry(ctx, "fa")
	assert.ErrorIs(t, err, vacalibration.ErrCacheMiss)
}

func TestEventsReplayBuffer(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	jid := id.NewJobID()

	for i := range 5 {
		e, err := event.New(jid.String(), 0, event.LogPayload{Level: "info", Line: "x"})
		require.NoError(t, err)
		require.NoError(t, s.AppendEvent(ctx, e, 3))
		assert.Equal(t, uint64(i+1), e.Seq)
	}

	evs, err := s.RecentEvents(ctx, jid, 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(3), evs[0].Seq)
	assert.Equal(t, uint64(5), evs[2].Seq)

	evs, err = s.RecentEvents(ctx, jid, 4)
	require.NoError(t, err)
	require.Len(t, evs, 1)

	assert.Equal(t, uint64(5), evs[0].Seq)
	assert.Equal(t, "x", mustLog(t, evs[0]).Line, "identical payloads stay distinct members")

	require.NoError(t, s.DeleteEvents(ctx, jid))
	next := &event.Event{JobID: jid.String(), Kind: event.KindLog}
	require.NoError(t, s.AppendEvent(ctx, next, 3))
	assert.Equal(t, uint64(1), next.Seq)
}

func mustLog(t *testing.T, e *event.Event) event.LogPayload {
	t.Helper()
	var p event.LogPayload
	require.NoError(t, json.Unmarshal(e.Payload, &p))
	return p
}

func TestJobUpdateIsConditional(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	j := sampleJob("calibration", time.Now().UTC())
	j.State = job.StateRunning
	require.NoError(t, s.PutJob(ctx, j))

	mine, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	theirs, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)

	theirs.Progress = 60
	require.NoError(t, s.UpdateJob(ctx, theirs))
	assert.EqualValues(t, 1, theirs.Revision)

	mine.Progress = 40
	assert.ErrorIs(t, s.UpdateJob(ctx, mine), vacalibration.ErrJobConflict)
	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, got.Progress)
	assert.EqualValues(t, 1, got.Revision)

	got.State = job.StateCancelled
	require.NoError(t, s.UpdateJob(ctx, got))
	got.State = job.StateRunning
	assert.ErrorIs(t, s.UpdateJob(ctx, got), vacalibration.ErrInvalidTransition)

	stored, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCancelled, stored.State)

	assert.ErrorIs(t, s.UpdateJob(ctx, sampleJob("missing", time.Now())), vacalibration.ErrJobNotFound)
}

func TestAppendLogRefusedForTerminalJob(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	j := sampleJob("calibration", time.Now().UTC())
	j.State = job.StateRunning
	require.NoError(t, s.PutJob(ctx, j))
	require.NoError(t, s.AppendLog(ctx, j.ID, "working", 10))

	j.State = job.StateFailed
	require.NoError(t, s.PutJob(ctx, j))
	assert.ErrorIs(t, s.AppendLog(ctx, j.ID, "late", 10), vacalibration.ErrInvalidTransition)

	lines, err := s.ReadLogs(ctx, j.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"working"}, lines)
}

func TestBatchRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	b := &batch.Batch{
		Entity:        vacalibration.NewEntity(),
		ID:            id.NewBatchID(),
		Name:          "calibration",
		JobIDs:        []id.JobID{id.NewJobID(), id.NewJobID()},
		ParallelLimit: 2,
		FailFast:      true,
	}
	require.NoError(t, s.PutBatch(ctx, b))

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, got.JobIDs, 2)
	assert.Equal(t, b.JobIDs[1].String(), got.JobIDs[1].String())
	assert.True(t, got.FailFast)
	assert.Equal(t, 2, got.ParallelLimit)

	ok, err := s.DeleteBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = s.GetBatch(ctx, b.ID)
	assert.ErrorIs(t, err, vacalibration.ErrBatchNotFound)
}

func queuedHandle(jid id.JobID, priority int, at time.Time) *worker.Handle {
	return &worker.Handle{
		ID:         id.NewHandleID(),
		JobID:      jid,
		Spec:       worker.Spec{Name: "calibration", Input: json.RawMessage(`{}`), Queue: "default", Priority: priority},
		State:      worker.HandleQueued,
		EnqueuedAt: at,
	}
}

func TestHandleAtMostOneActive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	jid := id.NewJobID()

	first := queuedHandle(jid, 5, time.Now())
	got, err := s.EnqueueHandle(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first.ID.String(), got.ID.String())

	second := queuedHandle(jid, 5, time.Now())
	got, err = s.EnqueueHandle(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, first.ID.String(), got.ID.String(), "existing handle is returned")

	active, err := s.ActiveHandle(ctx, jid)
	require.NoError(t, err)
	assert.Equal(t, first.ID.String(), active.ID.String())

	_, err = s.FinishHandle(ctx, first.ID, worker.HandleRevoked, false)
	require.NoError(t, err)
	_, err = s.ActiveHandle(ctx, jid)
	assert.ErrorIs(t, err, vacalibration.ErrHandleNotFound)

	got, err = s.EnqueueHandle(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, second.ID.String(), got.ID.String())
}

func TestHandleDequeueOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	low := queuedHandle(id.NewJobID(), 1, base)
	highLate := queuedHandle(id.NewJobID(), 9, base.Add(time.Second))
	highEarly := queuedHandle(id.NewJobID(), 9, base)
	other := queuedHandle(id.NewJobID(), 5, base)
	other.Queue = "batch:x"
	revoked := queuedHandle(id.NewJobID(), 10, base)
	for _, h := range []*worker.Handle{low, highLate, highEarly, other, revoked} {
		_, err := s.EnqueueHandle(ctx, h)
		require.NoError(t, err)
	}
	_, err := s.FinishHandle(ctx, revoked.ID, worker.HandleRevoked, false)
	require.NoError(t, err)

	want := []string{highEarly.ID.String(), highLate.ID.String(), other.ID.String(), low.ID.String()}
	for _, w := range want {
		h, err := s.DequeueHandle(ctx, []string{"default", "batch:x"}, "wkr-1")
		require.NoError(t, err)
		require.NotNil(t, h)
		assert.Equal(t, w, h.ID.String())
		assert.Equal(t, worker.HandleStarted, h.State)
		assert.Equal(t, "wkr-1", h.WorkerID)
		assert.NotNil(t, h.StartedAt)
	}

	h, err := s.DequeueHandle(ctx, []string{"default", "batch:x"}, "wkr-1")
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestHandleRequeueFinishHeartbeat(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	h := queuedHandle(id.NewJobID(), 5, time.Now())
	_, err := s.EnqueueHandle(ctx, h)
	require.NoError(t, err)
	assert.ErrorIs(t, s.RequeueHandle(ctx, h.ID), vacalibration.ErrInvalidTransition)

	_, err = s.DequeueHandle(ctx, []string{"default"}, "wkr")
	require.NoError(t, err)
	require.NoError(t, s.RequeueHandle(ctx, h.ID))

	again, err := s.DequeueHandle(ctx, []string{"default"}, "wkr")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, h.ID.String(), again.ID.String())

	beat, err := s.HeartbeatHandle(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.HandleStarted, beat.State)
	assert.NotNil(t, beat.HeartbeatAt)

	done, err := s.FinishHandle(ctx, h.ID, worker.HandleRevoked, true)
	require.NoError(t, err)
	assert.Equal(t, worker.HandleRevoked, done.State)
	assert.True(t, done.Terminate)
	assert.NotNil(t, done.FinishedAt)

	cur, err := s.FinishHandle(ctx, h.ID, worker.HandleSucceeded, false)
	assert.ErrorIs(t, err, vacalibration.ErrInvalidTransition)
	require.NotNil(t, cur)
	assert.Equal(t, worker.HandleRevoked, cur.State)

	beat, err = s.HeartbeatHandle(ctx, h.ID)
	require.NoError(t, err)
	assert.True(t, beat.Terminate, "the pool learns about revocation from the heartbeat")

	_, err = s.GetHandle(ctx, id.NewHandleID())
	assert.ErrorIs(t, err, vacalibration.ErrHandleNotFound)
}

func TestUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.GetJob(context.Background(), id.NewJobID())
	require.Error(t, err)
	assert.ErrorIs(t, err, vacalibration.ErrUnavailable)
	assert.NotErrorIs(t, err, vacalibration.ErrJobNotFound)
	assert.ErrorIs(t, s.Ping(context.Background()), vacalibration.ErrUnavailable)
}

func TestTransportRelaysAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *goredis.Client {
		c := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	ctx := context.Background()

	// Two transports on separate clients stand in for two processes.
	pub := NewTransport(New(newClient()), stream.NewBroker(nil))
	sub := NewTransport(New(newClient()), stream.NewBroker(nil))
	require.NoError(t, sub.Start(ctx))
	t.Cleanup(func() { _ = sub.Stop(ctx) })

	jid := id.NewJobID()
	l, err := sub.Listen(ctx, jid.String())
	require.NoError(t, err)
	defer l.Close()

	e, err := event.New(jid.String(), 7, event.ProgressPayload{Percent: 50, Stage: "fit"})
	require.NoError(t, err)
	require.NoError(t, pub.Broadcast(ctx, e))

	select {
	case got := <-l.C():
		assert.Equal(t, uint64(7), got.Seq)
		assert.Equal(t, event.KindProgress, got.Kind)
		p, err := got.Decode()
		require.NoError(t, err)
		assert.Equal(t, 50, p.(*event.ProgressPayload).Percent)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not relayed")
	}
}
