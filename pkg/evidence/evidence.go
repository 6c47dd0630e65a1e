// Package evidence is the write-once-read-many store for canonical evidence.
//
// Evidence is content addressed: the hash of its canonical form is its
// identity. Blobs are written exactly once through a BlobStore and indexed
// through an Index. Neither layer, nor the Store that composes them, offers
// a way to update or delete a record.
package evidence

import (
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/promoverify/pkg/hashing"
)

var (
	ErrNotFound = errors.New("evidence: not found")

	// ErrIntegrityViolation is the root of every failed hash or WORM check.
	// It is never retried or corrected automatically.
	ErrIntegrityViolation = errors.New("evidence: integrity violation")
	ErrWORMViolation      = fmt.Errorf("%w: write-once record would change", ErrIntegrityViolation)
	ErrHashMismatch       = fmt.Errorf("%w: %w", ErrIntegrityViolation, hashing.ErrHashMismatch)
)

// Evidence is an immutable stored value.
type Evidence struct {
	CanonicalForm   string            `json:"canonical_form"`
	Hash            string            `json:"hash"`
	Algorithm       hashing.Algorithm `json:"algorithm"`
	StorageLocation string            `json:"storage_location"`
	SizeBytes       int64             `json:"size_bytes"`
	StoredAt        time.Time         `json:"stored_at"`
	Locked          bool              `json:"locked"`
}

// Record is the index entry for stored evidence.
type Record struct {
	Hash            string            `json:"hash"`
	Algorithm       hashing.Algorithm `json:"algorithm"`
	StorageLocation string            `json:"storage_location"`
	StoredAt        time.Time         `json:"stored_at"`
	SizeBytes       int64             `json:"size_bytes"`
	// Deduplicated is true when Put found the evidence already stored.
	Deduplicated bool `json:"deduplicated,omitempty"`
}

// Verification is the outcome of VerifyStored.
type Verification struct {
	IsValid  bool      `json:"is_valid"`
	Evidence *Evidence `json:"evidence,omitempty"`
	Err      error     `json:"-"`
}

// Health summarises a consistency sweep.
type Health struct {
	IsHealthy   bool     `json:"is_healthy"`
	RecordCount int64    `json:"record_count"`
	TotalBytes  int64    `json:"total_bytes"`
	Sampled     int      `json:"sampled"`
	Issues      []string `json:"issues,omitempty"`
}
