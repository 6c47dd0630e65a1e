// Package audit implements an append-only, hash-chained log of the
// decisions the pipeline takes about evidence and triggers.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/promoverify/pkg/canonicalize"
	"github.com/Mindburn-Labs/promoverify/pkg/hashing"
)

var (
	ErrEntryNotFound = errors.New("audit: entry not found")
	ErrChainBroken   = errors.New("audit: hash chain is broken")
)

// Kind categorizes audit entries.
type Kind string

const (
	KindEvidenceStored     Kind = "evidence_stored"
	KindEvidenceDeduped    Kind = "evidence_deduplicated"
	KindIntegrityViolation Kind = "integrity_violation"
	KindWORMViolation      Kind = "worm_violation"
	KindTriggerCreated     Kind = "trigger_created"
	KindDuplicateTrigger   Kind = "duplicate_trigger"
	KindConsensusReached   Kind = "consensus_reached"
	KindConsensusDisputed  Kind = "consensus_disputed"
	KindJobDeadLettered    Kind = "job_dead_lettered"
)

// Entry is a single immutable audit record.
type Entry struct {
	ID           string            `json:"id"`
	Sequence     uint64            `json:"sequence"`
	Timestamp    time.Time         `json:"timestamp"`
	Kind         Kind              `json:"kind"`
	Subject      string            `json:"subject"`
	Detail       map[string]string `json:"detail,omitempty"`
	PreviousHash string            `json:"previous_hash"`
	EntryHash    string            `json:"entry_hash"`
}

// Sink persists entries. Load returns every entry in sequence order.
type Sink interface {
	Append(ctx context.Context, e *Entry) error
	Load(ctx context.Context) ([]*Entry, error)
}

// Recorder is what components depend on to report auditable events.
type Recorder interface {
	Record(ctx context.Context, kind Kind, subject string, detail map[string]string)
}

// Log is an append-only audit log with hash chaining.
type Log struct {
	mu       sync.RWMutex
	entries  []*Entry
	byID     map[string]*Entry
	sequence uint64
	head     string
	sink     Sink
	clock    func() time.Time
	logger   *slog.Logger
}

// NewLog returns an empty in-memory log.
func NewLog() *Log {
	return &Log{
		byID:   make(map[string]*Entry),
		head:   hashing.Genesis,
		clock:  time.Now,
		logger: slog.Default().With("component", "audit"),
	}
}

// Open returns a log backed by sink, replaying and verifying what the sink
// already holds.
func Open(ctx context.Context, sink Sink) (*Log, error) {
	l := NewLog()
	existing, err := sink.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load: %w", err)
	}
	for _, e := range existing {
		l.entries = append(l.entries, e)
		l.byID[e.ID] = e
		l.sequence = e.Sequence
		l.head = e.EntryHash
	}
	if err := l.Verify(); err != nil {
		return nil, err
	}
	l.sink = sink
	return l, nil
}

// WithClock overrides the time source (useful for tests).
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append adds an entry and returns it.
func (l *Log) Append(ctx context.Context, kind Kind, subject string, detail map[string]string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := &Entry{
		ID:           uuid.New().String(),
		Sequence:     l.sequence + 1,
		Timestamp:    l.clock().UTC().Truncate(time.Millisecond),
		Kind:         kind,
		Subject:      subject,
		Detail:       detail,
		PreviousHash: l.head,
	}
	h, err := entryHash(e)
	if err != nil {
		return nil, fmt.Errorf("audit: hash entry: %w", err)
	}
	e.EntryHash = h

	if l.sink != nil {
		if err := l.sink.Append(ctx, e); err != nil {
			return nil, fmt.Errorf("audit: persist entry: %w", err)
		}
	}

	l.sequence = e.Sequence
	l.head = e.EntryHash
	l.entries = append(l.entries, e)
	l.byID[e.ID] = e
	return e, nil
}

// Record appends an entry and logs instead of failing when persistence does
// not work. Auditing never masks the error being audited.
func (l *Log) Record(ctx context.Context, kind Kind, subject string, detail map[string]string) {
	if _, err := l.Append(ctx, kind, subject, detail); err != nil {
		l.logger.ErrorContext(ctx, "audit append failed", "kind", kind, "subject", subject, "error", err)
	}
}

func entryHash(e *Entry) (string, error) {
	hashable := map[string]any{
		"sequence":      e.Sequence,
		"timestamp":     e.Timestamp,
		"kind":          string(e.Kind),
		"subject":       e.Subject,
		"detail":        e.Detail,
		"previous_hash": e.PreviousHash,
	}
	canonical, err := canonicalize.Canonicalize(hashable)
	if err != nil {
		return "", err
	}
	return hashing.HashBytes([]byte(canonical)), nil
}

// Get retrieves an entry by ID.
func (l *Log) Get(id string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e, nil
}

// Head returns the current chain head hash.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Size returns the number of entries.
func (l *Log) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Kind       Kind
	Subject    string
	Since      time.Time
	MaxResults int
}

func (f Filter) matches(e *Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Query returns entries matching the filter in sequence order.
func (l *Log) Query(f Filter) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Entry
	for _, e := range l.entries {
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if f.MaxResults > 0 && len(out) >= f.MaxResults {
			break
		}
	}
	return out
}

// Verify walks the whole chain and recomputes every entry hash.
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	expectedPrev := hashing.Genesis
	for i, e := range l.entries {
		if e.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, i, e.PreviousHash, expectedPrev)
		}
		computed, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %w", ErrChainBroken, i, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, e.EntryHash)
		}
		expectedPrev = e.EntryHash
	}
	return nil
}

// Discard is a Recorder that drops everything.
type Discard struct{}

func (Discard) Record(context.Context, Kind, string, map[string]string) {}
