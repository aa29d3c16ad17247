// Package memory implements store.Store in process memory. It honours the
// same TTL and index semantics as the Redis backend and is intended for
// tests and single-process runs.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/batch"
	"github.com/cliu238/vacalibration/cache"
	"github.com/cliu238/vacalibration/event"
	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/job"
	"github.com/cliu238/vacalibration/worker"
)

// Ensure Store implements every subsystem store at compile time. The
// composite store.Store cannot be named here without an import cycle in
// its tests.
var (
	_ job.Store    = (*Store)(nil)
	_ cache.Store  = (*Store)(nil)
	_ event.Store  = (*Store)(nil)
	_ worker.Store = (*Store)(nil)
	_ batch.Store  = (*Store)(nil)
)

// DefaultTTL bounds job, batch and handle records.
const DefaultTTL = 7 * 24 * time.Hour

// Option configures the Store.
type Option func(*Store)

// WithTTL sets the TTL for job, batch and handle records and their derived
// keys.
func WithTTL(d time.Duration) Option {
	return func(m *Store) { m.ttl = d }
}

// WithClock replaces time.Now, letting tests move time forward.
func WithClock(now func() time.Time) Option {
	return func(m *Store) { m.now = now }
}

type cacheItem struct {
	entry   *cache.Entry
	expires time.Time
}

// Store is a fully in-memory implementation of store.Store. Safe for
// concurrent access.
type Store struct {
	mu  sync.RWMutex
	ttl time.Duration
	now func() time.Time

	// expiry holds the deadline of every TTL-bound key, namespaced like
	// the Redis key scheme ("job:<id>", "batch:<id>", "handle:<id>").
	expiry map[string]time.Time

	jobs   map[string]*job.Job
	index  map[string]time.Time // job id -> last update, the recency index
	logs   map[string][]string
	seqs   map[string]uint64
	events map[string][]*event.Event

	cache map[string]*cacheItem

	batches map[string]*batch.Batch

	handles map[string]*worker.Handle
	active  map[string]string              // job id -> handle id
	queues  map[string]map[string]struct{} // queue -> handle ids
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	m := &Store{
		ttl:     DefaultTTL,
		now:     time.Now,
		expiry:  make(map[string]time.Time),
		jobs:    make(map[string]*job.Job),
		index:   make(map[string]time.Time),
		logs:    make(map[string][]string),
		seqs:    make(map[string]uint64),
		events:  make(map[string][]*event.Event),
		cache:   make(map[string]*cacheItem),
		batches: make(map[string]*batch.Batch),
		handles: make(map[string]*worker.Handle),
		active:  make(map[string]string),
		queues:  make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

func (m *Store) live(key string) bool {
	exp, ok := m.expiry[key]
	return ok && m.now().Before(exp)
}

func (m *Store) refresh(key string) { m.expiry[key] = m.now().Add(m.ttl) }

func jobKey(jobID string) string       { return "job:" + jobID }
func batchKey(batchID string) string   { return "batch:" + batchID }
func handleKey(handleID string) string { return "handle:" + handleID }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// PutJob inserts or replaces a job and moves it to the head of the index.
func (m *Store) PutJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	m.jobs[key] = j.Clone()
	m.index[key] = j.UpdatedAt
	m.refresh(jobKey(key))
	return nil
}

// UpdateJob replaces a job only if it is still at revision j.Revision and
// not terminal, then advances j.Revision.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	cur, ok := m.jobs[key]
	switch {
	case !ok || !m.live(jobKey(key)):
		return vacalibration.ErrJobNotFound
	case cur.State.Terminal():
		return fmt.Errorf("%w: job %s is %s", vacalibration.ErrInvalidTransition, key, cur.State)
	case cur.Revision != j.Revision:
		return fmt.Errorf("%w: job %s", vacalibration.ErrJobConflict, key)
	}
	j.Revision++
	m.jobs[key] = j.Clone()
	m.index[key] = j.UpdatedAt
	m.refresh(jobKey(key))
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := jobID.String()
	j, ok := m.jobs[key]
	if !ok || !m.live(jobKey(key)) {
		return nil, vacalibration.ErrJobNotFound
	}
	return j.Clone(), nil
}

// DeleteJob removes a job together with its logs, replay buffer, sequence
// counter and active dispatch slot.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	_, existed := m.jobs[key]
	existed = existed && m.live(jobKey(key))
	m.dropJobLocked(key)
	return existed, nil
}

func (m *Store) dropJobLocked(key string) {
	delete(m.jobs, key)
	delete(m.index, key)
	delete(m.expiry, jobKey(key))
	delete(m.logs, key)
	delete(m.seqs, key)
	delete(m.events, key)
	delete(m.active, key)
}

// ListJobs returns matching live jobs, most recently updated first.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := m.matchLocked(opts)
	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return []*job.Job{}, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]*job.Job, len(matched))
	for i, j := range matched {
		out[i] = j.Clone()
	}
	return out, nil
}

// CountJobs returns the number of live jobs matching opts.
func (m *Store) CountJobs(_ context.Context, opts job.ListOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.matchLocked(opts))), nil
}

func (m *Store) matchLocked(opts job.ListOpts) []*job.Job {
	ids := make([]string, 0, len(m.index))
	for k := range m.index {
		ids = append(ids, k)
	}
	sort.Slice(ids, func(a, b int) bool {
		ta, tb := m.index[ids[a]], m.index[ids[b]]
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return ids[a] > ids[b]
	})

	var out []*job.Job
	for _, k := range ids {
		j, ok := m.jobs[k]
		if !ok || !m.live(jobKey(k)) || !opts.Match(j) {
			continue
		}
		out = append(out, j)
	}
	return out
}

// AppendLog appends a line and evicts the oldest lines beyond limit. Lines
// for a terminal job are refused.
func (m *Store) AppendLog(_ context.Context, jobID id.JobID, line string, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if j, ok := m.jobs[key]; ok && m.live(jobKey(key)) && j.State.Terminal() {
		return fmt.Errorf("%w: job %s is %s", vacalibration.ErrInvalidTransition, key, j.State)
	}
	lines := append(m.logs[key], line)
	if limit > 0 && len(lines) > limit {
		lines = slices.Clone(lines[len(lines)-limit:])
	}
	m.logs[key] = lines
	return nil
}

// ReadLogs returns retained log lines starting at index from.
func (m *Store) ReadLogs(_ context.Context, jobID id.JobID, from int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lines := m.logs[jobID.String()]
	if from < 0 {
		from = 0
	}
	if from >= len(lines) {
		return []string{}, nil
	}
	return slices.Clone(lines[from:]), nil
}

// SweepJobs drops index entries last updated before cutoff along with
// their records and derived keys, plus entries whose record expired.
func (m *Store) SweepJobs(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, updated := range m.index {
		if updated.Before(cutoff) || !m.live(jobKey(k)) {
			m.dropJobLocked(k)
			removed++
		}
	}
	return removed, nil
}

// ──────────────────────────────────────────────────
// Cache Store
// ──────────────────────────────────────────────────

// GetCacheEntry returns the live entry for fingerprint.
func (m *Store) GetCacheEntry(_ context.Context, fingerprint string) (*cache.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.cache[fingerprint]
	if !ok || !m.now().Before(it.expires) {
		return nil, vacalibration.ErrCacheMiss
	}
	cp := *it.entry
	return &cp, nil
}

// PutCacheEntry stores e, replacing any previous entry.
func (m *Store) PutCacheEntry(_ context.Context, e *cache.Entry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.cache[e.Fingerprint] = &cacheItem{entry: &cp, expires: m.now().Add(ttl)}
	return nil
}

// ListCacheEntries returns live entries, oldest first.
func (m *Store) ListCacheEntries(_ context.Context) ([]*cache.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	out := make([]*cache.Entry, 0, len(m.cache))
	for _, it := range m.cache {
		if !now.Before(it.expires) {
			continue
		}
		cp := *it.entry
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CachedAt.Before(out[b].CachedAt) })
	return out, nil
}

// DeleteCacheEntry removes an entry.
func (m *Store) DeleteCacheEntry(_ context.Context, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.cache[fingerprint]
	delete(m.cache, fingerprint)
	return ok && m.now().Before(it.expires), nil
}

// ──────────────────────────────────────────────────
// Event Store
// ──────────────────────────────────────────────────

// AppendEvent numbers e with the job's next sequence and adds it to the
// replay buffer, keeping the newest keep events.
func (m *Store) AppendEvent(_ context.Context, e *event.Event, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seqs[e.JobID]++
	e.Seq = m.seqs[e.JobID]
	cp := *e
	buf := append(m.events[e.JobID], &cp)
	if keep > 0 && len(buf) > keep {
		buf = slices.Clone(buf[len(buf)-keep:])
	}
	m.events[e.JobID] = buf
	return nil
}

// RecentEvents returns buffered events after afterSeq in order.
func (m *Store) RecentEvents(_ context.Context, jobID id.JobID, afterSeq uint64) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*event.Event
	for _, e := range m.events[jobID.String()] {
		if e.Seq > afterSeq {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// DeleteEvents drops the replay buffer and sequence counter.
func (m *Store) DeleteEvents(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.events, jobID.String())
	delete(m.seqs, jobID.String())
	return nil
}

// ──────────────────────────────────────────────────
// Batch Store
// ──────────────────────────────────────────────────

// PutBatch inserts or replaces a batch.
func (m *Store) PutBatch(_ context.Context, b *batch.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := b.ID.String()
	m.batches[key] = b.Clone()
	m.refresh(batchKey(key))
	return nil
}

// GetBatch retrieves a batch by ID.
func (m *Store) GetBatch(_ context.Context, batchID id.BatchID) (*batch.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := batchID.String()
	b, ok := m.batches[key]
	if !ok || !m.live(batchKey(key)) {
		return nil, vacalibration.ErrBatchNotFound
	}
	return b.Clone(), nil
}

// DeleteBatch removes a batch.
func (m *Store) DeleteBatch(_ context.Context, batchID id.BatchID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := batchID.String()
	_, ok := m.batches[key]
	ok = ok && m.live(batchKey(key))
	delete(m.batches, key)
	delete(m.expiry, batchKey(key))
	return ok, nil
}

// ──────────────────────────────────────────────────
// Worker Store
// ──────────────────────────────────────────────────

// EnqueueHandle claims the job's active slot and queues h.
func (m *Store) EnqueueHandle(_ context.Context, h *worker.Handle) (*worker.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jid := h.JobID.String()
	if hid, ok := m.active[jid]; ok {
		if cur := m.handleLocked(hid); cur != nil && !cur.State.Terminal() {
			return cur.Clone(), nil
		}
	}

	hid := h.ID.String()
	m.handles[hid] = h.Clone()
	m.refresh(handleKey(hid))
	m.active[jid] = hid
	q := m.queues[h.Queue]
	if q == nil {
		q = make(map[string]struct{})
		m.queues[h.Queue] = q
	}
	q[hid] = struct{}{}
	return h.Clone(), nil
}

func (m *Store) handleLocked(hid string) *worker.Handle {
	h, ok := m.handles[hid]
	if !ok || !m.live(handleKey(hid)) {
		return nil
	}
	return h
}

// GetHandle retrieves a handle by ID.
func (m *Store) GetHandle(_ context.Context, handleID id.HandleID) (*worker.Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := m.handleLocked(handleID.String())
	if h == nil {
		return nil, vacalibration.ErrHandleNotFound
	}
	return h.Clone(), nil
}

// ActiveHandle returns the job's non-terminal handle.
func (m *Store) ActiveHandle(_ context.Context, jobID id.JobID) (*worker.Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hid, ok := m.active[jobID.String()]
	if !ok {
		return nil, vacalibration.ErrHandleNotFound
	}
	h := m.handleLocked(hid)
	if h == nil || h.State.Terminal() {
		return nil, vacalibration.ErrHandleNotFound
	}
	return h.Clone(), nil
}

// DequeueHandle claims the best queued handle: highest priority first,
// then earliest enqueue.
func (m *Store) DequeueHandle(_ context.Context, queues []string, workerID string) (*worker.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		best      *worker.Handle
		bestQueue string
	)
	for _, qn := range queues {
		for hid := range m.queues[qn] {
			h := m.handleLocked(hid)
			if h == nil || h.State != worker.HandleQueued {
				delete(m.queues[qn], hid)
				continue
			}
			if best == nil || h.Priority > best.Priority ||
				(h.Priority == best.Priority && h.EnqueuedAt.Before(best.EnqueuedAt)) {
				best, bestQueue = h, qn
			}
		}
	}
	if best == nil {
		return nil, nil
	}

	delete(m.queues[bestQueue], best.ID.String())
	now := m.now().UTC()
	best.State = worker.HandleStarted
	best.WorkerID = workerID
	best.StartedAt = &now
	best.HeartbeatAt = &now
	m.refresh(handleKey(best.ID.String()))
	return best.Clone(), nil
}

// RequeueHandle returns a started handle to its queue.
func (m *Store) RequeueHandle(_ context.Context, handleID id.HandleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hid := handleID.String()
	h := m.handleLocked(hid)
	if h == nil {
		return vacalibration.ErrHandleNotFound
	}
	if h.State != worker.HandleStarted {
		return vacalibration.ErrInvalidTransition
	}
	h.State = worker.HandleQueued
	h.WorkerID = ""
	h.StartedAt, h.HeartbeatAt = nil, nil
	if m.queues[h.Queue] == nil {
		m.queues[h.Queue] = make(map[string]struct{})
	}
	m.queues[h.Queue][hid] = struct{}{}
	return nil
}

// FinishHandle moves a non-terminal handle to a terminal state.
func (m *Store) FinishHandle(_ context.Context, handleID id.HandleID, to worker.HandleState, terminate bool) (*worker.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hid := handleID.String()
	h := m.handleLocked(hid)
	if h == nil {
		return nil, vacalibration.ErrHandleNotFound
	}
	if h.State.Terminal() {
		return h.Clone(), vacalibration.ErrInvalidTransition
	}

	now := m.now().UTC()
	h.State = to
	h.Terminate = terminate
	h.FinishedAt = &now
	delete(m.queues[h.Queue], hid)
	if m.active[h.JobID.String()] == hid {
		delete(m.active, h.JobID.String())
	}
	m.refresh(handleKey(hid))
	return h.Clone(), nil
}

// HeartbeatHandle stamps a started handle and returns its current state.
func (m *Store) HeartbeatHandle(_ context.Context, handleID id.HandleID) (*worker.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.handleLocked(handleID.String())
	if h == nil {
		return nil, vacalibration.ErrHandleNotFound
	}
	if h.State == worker.HandleStarted {
		now := m.now().UTC()
		h.HeartbeatAt = &now
	}
	return h.Clone(), nil
}
