package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// entry is a waiting job's position in one of the per-kind heaps.
type entry struct {
	job   *Job
	seq   uint64
	index int
}

// jobHeap is a container/heap over entries with a pluggable order.
type jobHeap struct {
	items []*entry
	less  func(a, b *entry) bool
}

func (h *jobHeap) Len() int           { return len(h.items) }
func (h *jobHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h *jobHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}
func (h *jobHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(h.items)
	h.items = append(h.items, e)
}
func (h *jobHeap) Pop() any {
	old := h.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	h.items = old[:n-1]
	return e
}
func (h *jobHeap) peek() *entry {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

func byPriority(a, b *entry) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	if !a.job.RunAt.Equal(b.job.RunAt) {
		return a.job.RunAt.Before(b.job.RunAt)
	}
	return a.seq < b.seq
}

func byRunAt(a, b *entry) bool {
	if !a.job.RunAt.Equal(b.job.RunAt) {
		return a.job.RunAt.Before(b.job.RunAt)
	}
	return a.seq < b.seq
}

// lane holds the waiting jobs of one kind. Jobs whose RunAt has passed sit
// in ready, the rest in delayed until they become due.
type lane struct {
	ready   *jobHeap
	delayed *jobHeap
}

func newLane() *lane {
	return &lane{ready: &jobHeap{less: byPriority}, delayed: &jobHeap{less: byRunAt}}
}

// MemoryBroker is an in-process Broker. It backs tests and single-process
// deployments that do not need jobs to survive a restart.
type MemoryBroker struct {
	mu           sync.Mutex
	jobs         map[string]*Job
	entries      map[string]*entry
	live         map[string]string // idempotency key -> id of waiting/active job
	lanes        map[Kind]*lane
	seq          uint64
	historyLimit int
	clock        func() time.Time
}

type MemoryOption func(*MemoryBroker)

func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(b *MemoryBroker) { b.clock = clock }
}

// WithMemoryHistoryLimit bounds the completed jobs retained per kind.
func WithMemoryHistoryLimit(n int) MemoryOption {
	return func(b *MemoryBroker) { b.historyLimit = n }
}

func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		jobs:         make(map[string]*Job),
		entries:      make(map[string]*entry),
		live:         make(map[string]string),
		lanes:        make(map[Kind]*lane),
		historyLimit: DefaultHistoryLimit,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBroker) lane(kind Kind) *lane {
	l, ok := b.lanes[kind]
	if !ok {
		l = newLane()
		b.lanes[kind] = l
	}
	return l
}

// schedule places a waiting job in its lane. Callers hold mu.
func (b *MemoryBroker) schedule(j *Job) {
	b.seq++
	e := &entry{job: j, seq: b.seq}
	b.entries[j.ID] = e
	l := b.lane(j.Kind)
	if j.RunAt.After(b.clock()) {
		heap.Push(l.delayed, e)
	} else {
		heap.Push(l.ready, e)
	}
}

// unschedule removes a waiting job from its lane. Callers hold mu.
func (b *MemoryBroker) unschedule(j *Job) {
	e, ok := b.entries[j.ID]
	if !ok {
		return
	}
	delete(b.entries, j.ID)
	l := b.lane(j.Kind)
	for _, h := range []*jobHeap{l.ready, l.delayed} {
		if e.index >= 0 && e.index < h.Len() && h.items[e.index] == e {
			heap.Remove(h, e.index)
			return
		}
	}
}

func (b *MemoryBroker) Enqueue(_ context.Context, job *Job) (*Job, error) {
	if !job.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, job.Kind)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.live[job.IdempotencyKey]; ok && job.IdempotencyKey != "" {
		existing := b.jobs[id].clone()
		existing.Deduplicated = true
		return existing, nil
	}

	j := job.clone()
	j.Status = StatusWaiting
	j.Deduplicated = false
	b.jobs[j.ID] = j
	if j.IdempotencyKey != "" {
		b.live[j.IdempotencyKey] = j.ID
	}
	b.schedule(j)
	return j.clone(), nil
}

func (b *MemoryBroker) Lease(_ context.Context, kind Kind, worker string, ttl time.Duration) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	l := b.lane(kind)
	for e := l.delayed.peek(); e != nil && !e.job.RunAt.After(now); e = l.delayed.peek() {
		heap.Pop(l.delayed)
		heap.Push(l.ready, e)
	}
	if l.ready.Len() == 0 {
		return nil, ErrNoJob
	}
	e := heap.Pop(l.ready).(*entry)
	delete(b.entries, e.job.ID)

	j := e.job
	j.Status = StatusActive
	j.LeasedBy = worker
	j.LeaseExpiresAt = now.Add(ttl)
	j.UpdatedAt = now
	return j.clone(), nil
}

// held returns the active job id leased by worker. Callers hold mu.
func (b *MemoryBroker) held(id, worker string) (*Job, error) {
	j, ok := b.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.Status != StatusActive || j.LeasedBy != worker {
		return nil, fmt.Errorf("%w: job %s is %s", ErrLeaseLost, id, j.Status)
	}
	return j, nil
}

func (b *MemoryBroker) Complete(_ context.Context, id, worker string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.held(id, worker)
	if err != nil {
		return err
	}
	now := b.clock()
	j.Status = StatusCompleted
	j.LeasedBy = ""
	j.LeaseExpiresAt = time.Time{}
	j.UpdatedAt = now
	j.FinishedAt = now
	delete(b.live, j.IdempotencyKey)
	b.trim(j.Kind)
	return nil
}

// trim drops the oldest completed jobs of kind beyond the history limit.
// Failed jobs are never trimmed. Callers hold mu.
func (b *MemoryBroker) trim(kind Kind) {
	if b.historyLimit <= 0 {
		return
	}
	done := b.finished(kind, StatusCompleted)
	for _, j := range done[min(len(done), b.historyLimit):] {
		delete(b.jobs, j.ID)
	}
}

// finished lists jobs of kind in status, most recently finished first.
// Callers hold mu.
func (b *MemoryBroker) finished(kind Kind, status Status) []*Job {
	var out []*Job
	for _, j := range b.jobs {
		if j.Kind == kind && j.Status == status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].FinishedAt.Equal(out[k].FinishedAt) {
			return out[i].FinishedAt.After(out[k].FinishedAt)
		}
		return out[i].ID > out[k].ID
	})
	return out
}

func (b *MemoryBroker) Fail(_ context.Context, id, worker string, f Failure) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.held(id, worker)
	if err != nil {
		return err
	}
	b.fail(j, f, b.clock())
	return nil
}

// fail applies a failed attempt to an active job. Callers hold mu.
func (b *MemoryBroker) fail(j *Job, f Failure, now time.Time) {
	j.AttemptsMade++
	j.LastError = f.Err
	j.LeasedBy = ""
	j.LeaseExpiresAt = time.Time{}
	j.UpdatedAt = now
	if f.Dead() {
		j.Status = StatusFailed
		j.FinishedAt = now
		delete(b.live, j.IdempotencyKey)
		return
	}
	j.Status = StatusWaiting
	j.RunAt = f.RetryAt
	b.schedule(j)
}

func (b *MemoryBroker) Remove(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.Status != StatusWaiting {
		return fmt.Errorf("%w: job %s is %s", ErrNotRemovable, id, j.Status)
	}
	b.unschedule(j)
	delete(b.live, j.IdempotencyKey)
	delete(b.jobs, id)
	return nil
}

func (b *MemoryBroker) Get(_ context.Context, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j.clone(), nil
}

func (b *MemoryBroker) Stats(_ context.Context, kind Kind) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	s := Stats{Kind: kind}
	for _, j := range b.jobs {
		if j.Kind != kind {
			continue
		}
		switch j.Status {
		case StatusWaiting:
			s.Waiting++
			if j.RunAt.After(now) {
				s.Delayed++
			}
		case StatusActive:
			s.Active++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (b *MemoryBroker) History(_ context.Context, kind Kind, status Status, limit int) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	jobs := b.finished(kind, status)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	out := make([]*Job, len(jobs))
	for i, j := range jobs {
		out[i] = j.clone()
	}
	return out, nil
}

func (b *MemoryBroker) RecoverExpired(_ context.Context, kind Kind) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	var out []*Job
	for _, j := range b.jobs {
		if j.Kind != kind || j.Status != StatusActive || j.LeaseExpiresAt.After(now) {
			continue
		}
		f := Failure{Err: leaseExpiredError}
		if !j.Exhausted() {
			f.RetryAt = now
		}
		b.fail(j, f, now)
		out = append(out, j.clone())
	}
	return out, nil
}
