package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/job"
)

// PutJob replaces the job Hash, refreshes the TTL of the record and its
// derived keys, and moves the job to the head of the recency index.
func (s *Store) PutJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := s.keys.job(jID)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.PExpire(ctx, key, s.ttl)
	pipe.ZAdd(ctx, s.keys.jobs(), goredis.Z{Score: indexScore(j.UpdatedAt), Member: jID})
	pipe.PExpire(ctx, s.keys.logs(jID), s.ttl)
	pipe.PExpire(ctx, s.keys.events(jID), s.ttl)
	pipe.PExpire(ctx, s.keys.seq(jID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("put job", err)
	}
	return nil
}

// terminalStatesLua declares a Lua table of the terminal job states for
// the scripts below.
var terminalStatesLua = func() string {
	var b strings.Builder
	b.WriteString("local terminal = {")
	for _, st := range job.States {
		if st.Terminal() {
			fmt.Fprintf(&b, "[%q] = true, ", string(st))
		}
	}
	b.WriteString("}\n")
	return b.String()
}()

// updateJobScript replaces the job Hash when its revision still matches
// and its state is not terminal.
//
// KEYS: job, jobs index, logs, events, seq
// ARGV: expected revision, ttl ms, index score, job id, field/value pairs...
var updateJobScript = goredis.NewScript(terminalStatesLua + `
local cur = redis.call('HMGET', KEYS[1], 'state', 'revision')
if not cur[1] then
  return 0
end
if terminal[cur[1]] then
  return 2
end
if (tonumber(cur[2]) or 0) ~= tonumber(ARGV[1]) then
  return 3
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], unpack(ARGV, 5))
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
for i = 3, 5 do
  redis.call('PEXPIRE', KEYS[i], ARGV[2])
end
return 1
`)

// appendLogScript pushes a line unless the job is terminal.
//
// KEYS: logs, job
// ARGV: line, limit, ttl ms
var appendLogScript = goredis.NewScript(terminalStatesLua + `
local st = redis.call('HGET', KEYS[2], 'state')
if st and terminal[st] then
  return 2
end
redis.call('RPUSH', KEYS[1], ARGV[1])
local limit = tonumber(ARGV[2])
if limit > 0 then
  redis.call('LTRIM', KEYS[1], -limit, -1)
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// casConflict is the updateJobScript result for a stale revision.
const casConflict = 3

// UpdateJob replaces the job Hash if nobody else wrote it since it was
// read. The revision check, the terminal guard and the write run as one
// script.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	next := j.Revision + 1

	fields := jobToMap(j)
	fields["revision"] = strconv.FormatInt(next, 10)
	args := []interface{}{j.Revision, s.ttl.Milliseconds(), indexScore(j.UpdatedAt), jID}
	for k, v := range fields {
		args = append(args, k, v)
	}

	res, err := updateJobScript.Run(ctx, s.client,
		[]string{s.keys.job(jID), s.keys.jobs(), s.keys.logs(jID), s.keys.events(jID), s.keys.seq(jID)},
		args...,
	).Int()
	if err != nil {
		return unavailable("update job", err)
	}
	switch res {
	case casMissing:
		return vacalibration.ErrJobNotFound
	case casRefused:
		return fmt.Errorf("%w: job %s is terminal", vacalibration.ErrInvalidTransition, jID)
	case casConflict:
		return fmt.Errorf("%w: job %s", vacalibration.ErrJobConflict, jID)
	}
	j.Revision = next
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.job(jobID.String())).Result()
	if err != nil {
		return nil, unavailable("get job", err)
	}
	if len(vals) == 0 {
		return nil, vacalibration.ErrJobNotFound
	}
	return mapToJob(vals)
}

// DeleteJob removes a job, its index entry and every derived key.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) (bool, error) {
	jID := jobID.String()

	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.keys.job(jID))
	s.dropDerived(ctx, pipe, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, unavailable("delete job", err)
	}
	return del.Val() > 0, nil
}

// dropDerived queues deletion of everything keyed by a job id except the
// record itself.
func (s *Store) dropDerived(ctx context.Context, pipe goredis.Pipeliner, jID string) {
	pipe.ZRem(ctx, s.keys.jobs(), jID)
	pipe.Del(ctx,
		s.keys.logs(jID),
		s.keys.events(jID),
		s.keys.seq(jID),
		s.keys.active(jID),
	)
}

// ListJobs returns matching jobs, newest first. Without filters the page
// is read straight off the recency index.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	if !filtered(opts) {
		return s.pageJobs(ctx, opts.Offset, opts.Limit)
	}

	jobs, err := s.scanJobs(ctx, opts)
	if err != nil {
		return nil, err
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return []*job.Job{}, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.ListOpts) (int64, error) {
	jobs, err := s.scanJobs(ctx, opts)
	if err != nil {
		return 0, err
	}
	return int64(len(jobs)), nil
}

func (s *Store) pageJobs(ctx context.Context, offset, limit int) ([]*job.Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.keys.jobs(), int64(offset), stop).Result()
	if err != nil {
		return nil, unavailable("list jobs", err)
	}
	return s.loadJobs(ctx, ids, job.ListOpts{})
}

func (s *Store) scanJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	upper := "+inf"
	if !opts.UpdatedBefore.IsZero() {
		upper = "(" + strconv.FormatInt(opts.UpdatedBefore.UnixMilli(), 10)
	}
	ids, err := s.client.ZRevRangeByScore(ctx, s.keys.jobs(), &goredis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return nil, unavailable("scan jobs", err)
	}
	return s.loadJobs(ctx, ids, opts)
}

// loadJobs fetches the records for ids in one round trip, keeping index
// order. Ids whose record expired are skipped.
func (s *Store) loadJobs(ctx context.Context, ids []string, opts job.ListOpts) ([]*job.Job, error) {
	if len(ids) == 0 {
		return []*job.Job{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, jID := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keys.job(jID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("load jobs", err)
	}

	out := make([]*job.Job, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		j, err := mapToJob(vals)
		if err != nil {
			s.logger.Warn("skipping unreadable job record", "error", err)
			continue
		}
		if opts.Match(j) {
			out = append(out, j)
		}
	}
	return out, nil
}

// AppendLog pushes a line and trims the list to the newest limit lines.
func (s *Store) AppendLog(ctx context.Context, jobID id.JobID, line string, limit int) error {
	jID := jobID.String()
	res, err := appendLogScript.Run(ctx, s.client,
		[]string{s.keys.logs(jID), s.keys.job(jID)},
		line, limit, s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return unavailable("append log", err)
	}
	if res == casRefused {
		return fmt.Errorf("%w: job %s is terminal", vacalibration.ErrInvalidTransition, jID)
	}
	return nil
}

// ReadLogs returns retained lines starting at index from.
func (s *Store) ReadLogs(ctx context.Context, jobID id.JobID, from int) ([]string, error) {
	if from < 0 {
		from = 0
	}
	lines, err := s.client.LRange(ctx, s.keys.logs(jobID.String()), int64(from), -1).Result()
	if err != nil {
		return nil, unavailable("read logs", err)
	}
	return lines, nil
}

// SweepJobs removes index entries older than cutoff, and entries whose
// record already expired, together with every derived key.
func (s *Store) SweepJobs(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRange(ctx, s.keys.jobs(), 0, -1).Result()
	if err != nil {
		return 0, unavailable("sweep scan", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	scores := make([]*goredis.FloatCmd, len(ids))
	exists := make([]*goredis.IntCmd, len(ids))
	for i, jID := range ids {
		scores[i] = pipe.ZScore(ctx, s.keys.jobs(), jID)
		exists[i] = pipe.Exists(ctx, s.keys.job(jID))
	}
	if _, err := pipe.Exec(ctx); err != nil && !isNil(err) {
		return 0, unavailable("sweep check", err)
	}

	limit := indexScore(cutoff)
	removed := 0
	del := s.client.TxPipeline()
	for i, jID := range ids {
		if scores[i].Val() >= limit && exists[i].Val() > 0 {
			continue
		}
		del.Del(ctx, s.keys.job(jID))
		s.dropDerived(ctx, del, jID)
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	if _, err := del.Exec(ctx); err != nil {
		return 0, unavailable("sweep delete", err)
	}
	return removed, nil
}

// ── helpers ──

func indexScore(t time.Time) float64 { return float64(t.UnixMilli()) }

// filtered reports whether opts selects on anything beyond pagination.
func filtered(o job.ListOpts) bool {
	return o.State != "" || o.Owner != "" || o.Name != "" || !o.BatchID.IsNil() ||
		!o.CreatedAfter.IsZero() || !o.CreatedBefore.IsZero() || !o.UpdatedBefore.IsZero()
}

func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":          j.ID.String(),
		"name":        j.Name,
		"queue":       j.Queue,
		"input":       string(j.Input),
		"fingerprint": j.Fingerprint,
		"state":       string(j.State),
		"progress":    strconv.Itoa(j.Progress),
		"stage":       j.Stage,
		"priority":    strconv.Itoa(j.Priority),
		"timeout":     strconv.FormatInt(int64(j.Timeout), 10),
		"max_retries": strconv.Itoa(j.MaxRetries),
		"retry_count": strconv.Itoa(j.RetryCount),
		"parent_id":   j.ParentID.String(),
		"batch_id":    j.BatchID.String(),
		"group":       j.Group,
		"group_limit": strconv.Itoa(j.GroupLimit),
		"owner":       j.Owner,
		"use_cache":   strconv.FormatBool(j.UseCache),
		"revision":    strconv.FormatInt(j.Revision, 10),
		"created_at":  formatTime(j.CreatedAt),
		"updated_at":  formatTime(j.UpdatedAt),
	}
	if j.Result != nil {
		m["result"] = string(j.Result)
	}
	if j.Error != nil {
		m["error"] = marshalJSON(j.Error)
	}
	if j.Cache != nil {
		m["cache_info"] = marshalJSON(j.Cache)
	}
	if j.StartedAt != nil {
		m["started_at"] = formatTime(*j.StartedAt)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = formatTime(*j.CompletedAt)
	}
	return m
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("vacalibration/redis: parse job id: %w", err)
	}

	progress, _ := strconv.Atoi(m["progress"])             //nolint:errcheck // best-effort parse from trusted Redis data
	priority, _ := strconv.Atoi(m["priority"])             //nolint:errcheck // best-effort parse from trusted Redis data
	maxRetries, _ := strconv.Atoi(m["max_retries"])        //nolint:errcheck // best-effort parse from trusted Redis data
	retryCount, _ := strconv.Atoi(m["retry_count"])        //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64)   //nolint:errcheck // best-effort parse from trusted Redis data
	useCache, _ := strconv.ParseBool(m["use_cache"])       //nolint:errcheck // best-effort parse from trusted Redis data
	groupLimit, _ := strconv.Atoi(m["group_limit"])        //nolint:errcheck // best-effort parse from trusted Redis data
	revision, _ := strconv.ParseInt(m["revision"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: vacalibration.Entity{
			CreatedAt: parseTime(m["created_at"]),
			UpdatedAt: parseTime(m["updated_at"]),
		},
		ID:          jID,
		Name:        m["name"],
		Queue:       m["queue"],
		Fingerprint: m["fingerprint"],
		State:       job.State(m["state"]),
		Progress:    progress,
		Stage:       m["stage"],
		Priority:    priority,
		Timeout:     time.Duration(timeout),
		MaxRetries:  maxRetries,
		RetryCount:  retryCount,
		Owner:       m["owner"],
		UseCache:    useCache,
		Group:       m["group"],
		GroupLimit:  groupLimit,
		StartedAt:   parseTimePtr(m["started_at"]),
		CompletedAt: parseTimePtr(m["completed_at"]),
		Revision:    revision,
	}
	if v := m["input"]; v != "" {
		j.Input = json.RawMessage(v)
	}
	if v, ok := m["result"]; ok {
		j.Result = json.RawMessage(v)
	}
	if v := m["parent_id"]; v != "" {
		j.ParentID, _ = id.ParseJobID(v) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["batch_id"]; v != "" {
		j.BatchID, _ = id.ParseBatchID(v) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["error"]; v != "" {
		j.Error = &job.Error{}
		_ = json.Unmarshal([]byte(v), j.Error) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["cache_info"]; v != "" {
		j.Cache = &job.CacheInfo{}
		_ = json.Unmarshal([]byte(v), j.Cache) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	return j, nil
}

// marshalJSON is a helper to marshal to JSON string.
func marshalJSON(v interface{}) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for basic types
	return string(b)
}
