package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Mindburn-Labs/promoverify/pkg/audit"
	"github.com/Mindburn-Labs/promoverify/pkg/hashing"
)

// DefaultHealthSampleSize bounds how many records HealthCheck re-verifies.
const DefaultHealthSampleSize = 50

// writeTimeout bounds a single evidence write once it has started.
const writeTimeout = 2 * time.Minute

// Store composes a BlobStore and an Index into the WORM evidence store.
// It has no update or delete operation.
type Store struct {
	blobs      BlobStore
	index      Index
	hasher     *hashing.Hasher
	audit      audit.Recorder
	logger     *slog.Logger
	clock      func() time.Time
	prefix     string
	sampleSize int
	group      singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

func WithHasher(h *hashing.Hasher) Option { return func(s *Store) { s.hasher = h } }
func WithAudit(r audit.Recorder) Option { return func(s *Store) { s.audit = r } }
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock overrides the time source (useful for tests).
func WithClock(clock func() time.Time) Option { return func(s *Store) { s.clock = clock } }

// WithKeyPrefix sets the prefix of blob keys. The default is "evidence/".
func WithKeyPrefix(prefix string) Option { return func(s *Store) { s.prefix = prefix } }

// WithHealthSampleSize bounds the HealthCheck sweep.
func WithHealthSampleSize(n int) Option { return func(s *Store) { s.sampleSize = n } }

// NewStore returns a Store over the given backends.
func NewStore(blobs BlobStore, index Index, opts ...Option) *Store {
	s := &Store{
		blobs:      blobs,
		index:      index,
		hasher:     hashing.Default(),
		audit:      audit.Discard{},
		logger:     slog.Default().With("component", "evidence"),
		clock:      time.Now,
		prefix:     "evidence/",
		sampleSize: DefaultHealthSampleSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the blob key for a hash.
func (s *Store) Key(hash string) string {
	return s.prefix + hash + ".json"
}

// Put canonicalizes and stores v. Storing logically identical evidence
// again returns the first record unchanged, with Deduplicated set.
// Concurrent calls for the same content share a single write.
func (s *Store) Put(ctx context.Context, v any) (Record, error) {
	res, err := s.hasher.Hash(v)
	if err != nil {
		return Record{}, err
	}
	return s.put(ctx, res)
}

// PutCanonical stores a string that is already in canonical form.
func (s *Store) PutCanonical(ctx context.Context, canonical string) (Record, error) {
	return s.put(ctx, hashing.Result{
		Digest:        s.hasher.HashString(canonical),
		Algorithm:     s.hasher.Algorithm(),
		CanonicalForm: canonical,
	})
}

// put runs the write detached from the caller that started it, so a
// cancelled caller does not fail the others waiting on the same content.
// Only the caller whose write created the record sees Deduplicated unset.
func (s *Store) put(ctx context.Context, res hashing.Result) (Record, error) {
	leader := false
	ch := s.group.DoChan(res.Digest, func() (any, error) {
		leader = true
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		defer cancel()
		return s.putOnce(wctx, res)
	})
	select {
	case <-ctx.Done():
		return Record{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Record{}, r.Err
		}
		rec := r.Val.(Record)
		if !leader {
			rec.Deduplicated = true
		}
		return rec, nil
	}
}

func (s *Store) putOnce(ctx context.Context, res hashing.Result) (Record, error) {
	existing, err := s.index.Get(ctx, res.Digest)
	if err == nil {
		existing.Deduplicated = true
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}

	key := s.Key(res.Digest)
	data := []byte(res.CanonicalForm)
	if err := s.blobs.Put(ctx, key, data); err != nil {
		if errors.Is(err, ErrWORMViolation) {
			s.violation(ctx, audit.KindWORMViolation, res.Digest, key, err)
		}
		return Record{}, fmt.Errorf("store evidence %s: %w", res.Digest, err)
	}

	stored, inserted, err := s.index.Insert(ctx, Record{
		Hash:            res.Digest,
		Algorithm:       res.Algorithm,
		StorageLocation: key,
		StoredAt:        s.clock().UTC().Truncate(time.Microsecond),
		SizeBytes:       int64(len(data)),
	})
	if err != nil {
		if errors.Is(err, ErrWORMViolation) {
			s.violation(ctx, audit.KindWORMViolation, res.Digest, key, err)
		}
		return Record{}, fmt.Errorf("index evidence %s: %w", res.Digest, err)
	}
	if !inserted {
		// Another process indexed the same content first.
		stored.Deduplicated = true
		return stored, nil
	}

	s.logger.InfoContext(ctx, "evidence stored", "hash", stored.Hash, "location", stored.StorageLocation, "size_bytes", stored.SizeBytes)
	s.audit.Record(ctx, audit.KindEvidenceStored, stored.Hash, map[string]string{
		"location":   stored.StorageLocation,
		"size_bytes": fmt.Sprint(stored.SizeBytes),
		"algorithm":  string(stored.Algorithm),
	})
	return stored, nil
}

// Retrieve returns stored evidence, re-verifying its bytes against the hash.
func (s *Store) Retrieve(ctx context.Context, hash string) (*Evidence, error) {
	rec, err := s.index.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	data, err := s.blobs.Get(ctx, rec.StorageLocation)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Indexed but missing: the blob was lost.
			lost := fmt.Errorf("%w: blob for %s missing at %s", ErrIntegrityViolation, hash, rec.StorageLocation)
			s.violation(ctx, audit.KindIntegrityViolation, hash, rec.StorageLocation, lost)
			return nil, lost
		}
		return nil, err
	}
	h, err := s.hasherFor(rec.Algorithm)
	if err != nil {
		return nil, err
	}
	if actual := h.HashBytes(data); actual != rec.Hash {
		mismatch := fmt.Errorf("%w: %s stored at %s now hashes to %s", ErrHashMismatch, rec.Hash, rec.StorageLocation, actual)
		s.violation(ctx, audit.KindIntegrityViolation, hash, rec.StorageLocation, mismatch)
		return nil, mismatch
	}
	return &Evidence{
		CanonicalForm:   string(data),
		Hash:            rec.Hash,
		Algorithm:       rec.Algorithm,
		StorageLocation: rec.StorageLocation,
		SizeBytes:       rec.SizeBytes,
		StoredAt:        rec.StoredAt,
		Locked:          true,
	}, nil
}

// VerifyStored recomputes the hash of the bytes at location and compares it
// with expectedHash. A mismatch is reported in the result, wrapping
// ErrHashMismatch.
func (s *Store) VerifyStored(ctx context.Context, location, expectedHash string) Verification {
	data, err := s.blobs.Get(ctx, location)
	if err != nil {
		return Verification{Err: err}
	}
	check := s.hasher.VerifyCanonical(string(data), expectedHash)
	if !check.IsValid {
		err := fmt.Errorf("%w: location %s expected %s, got %s", ErrHashMismatch, location, expectedHash, check.ActualHash)
		s.violation(ctx, audit.KindIntegrityViolation, expectedHash, location, err)
		return Verification{Err: err}
	}
	ev := &Evidence{
		CanonicalForm:   string(data),
		Hash:            check.ActualHash,
		Algorithm:       s.hasher.Algorithm(),
		StorageLocation: location,
		SizeBytes:       int64(len(data)),
		Locked:          true,
	}
	if rec, err := s.index.Get(ctx, check.ActualHash); err == nil {
		ev.StoredAt = rec.StoredAt
	}
	return Verification{IsValid: true, Evidence: ev}
}

// HealthCheck samples recent records and re-verifies them. It only reads.
func (s *Store) HealthCheck(ctx context.Context) Health {
	var h Health
	count, total, err := s.index.Stats(ctx)
	if err != nil {
		h.Issues = append(h.Issues, fmt.Sprintf("index stats: %v", err))
		return h
	}
	h.RecordCount, h.TotalBytes = count, total

	sample, err := s.index.Sample(ctx, s.sampleSize)
	if err != nil {
		h.Issues = append(h.Issues, fmt.Sprintf("index sample: %v", err))
		return h
	}
	for _, rec := range sample {
		h.Sampled++
		data, err := s.blobs.Get(ctx, rec.StorageLocation)
		if err != nil {
			h.Issues = append(h.Issues, fmt.Sprintf("%s: unreadable at %s: %v", rec.Hash, rec.StorageLocation, err))
			continue
		}
		hasher, err := s.hasherFor(rec.Algorithm)
		if err != nil {
			h.Issues = append(h.Issues, fmt.Sprintf("%s: %v", rec.Hash, err))
			continue
		}
		if actual := hasher.HashBytes(data); actual != rec.Hash {
			h.Issues = append(h.Issues, fmt.Sprintf("%s: content at %s hashes to %s", rec.Hash, rec.StorageLocation, actual))
			continue
		}
		if int64(len(data)) != rec.SizeBytes {
			h.Issues = append(h.Issues, fmt.Sprintf("%s: size %d, indexed as %d", rec.Hash, len(data), rec.SizeBytes))
		}
	}
	h.IsHealthy = len(h.Issues) == 0
	if !h.IsHealthy {
		s.logger.ErrorContext(ctx, "evidence health check found issues", "issues", len(h.Issues), "sampled", h.Sampled)
	}
	return h
}

func (s *Store) hasherFor(alg hashing.Algorithm) (*hashing.Hasher, error) {
	if alg == "" || alg == s.hasher.Algorithm() {
		return s.hasher, nil
	}
	return hashing.New(hashing.WithAlgorithm(alg))
}

func (s *Store) violation(ctx context.Context, kind audit.Kind, hash, location string, err error) {
	s.logger.ErrorContext(ctx, "evidence integrity failure", "kind", kind, "hash", hash, "location", location, "error", err)
	s.audit.Record(ctx, kind, hash, map[string]string{
		"location": location,
		"error":    err.Error(),
	})
}
