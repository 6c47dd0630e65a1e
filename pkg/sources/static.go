package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StaticSource serves payloads registered in memory. It backs tests and
// replays of recorded provider answers.
type StaticSource struct {
	name     string
	clock    func() time.Time
	mu       sync.RWMutex
	payloads map[string]json.RawMessage
	errs     map[string]error
	calls    map[string]int
}

func NewStaticSource(name string) *StaticSource {
	return &StaticSource{
		name:     name,
		clock:    time.Now,
		payloads: make(map[string]json.RawMessage),
		errs:     make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (s *StaticSource) WithClock(clock func() time.Time) *StaticSource {
	s.clock = clock
	return s
}

// Set registers the payload returned for eventID.
func (s *StaticSource) Set(eventID string, payload json.RawMessage) *StaticSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[eventID] = payload
	delete(s.errs, eventID)
	return s
}

// Fail makes every fetch of eventID return err.
func (s *StaticSource) Fail(eventID string, err error) *StaticSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[eventID] = err
	return s
}

// Calls returns how often eventID was fetched.
func (s *StaticSource) Calls(eventID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[eventID]
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Fetch(_ context.Context, eventID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[eventID]++
	if err := s.errs[eventID]; err != nil {
		return Snapshot{}, err
	}
	raw, ok := s.payloads[eventID]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s has no data for %s", ErrEventNotFound, s.name, eventID)
	}
	return Snapshot{Source: s.name, EventID: eventID, Raw: raw, FetchedAt: s.clock().UTC()}, nil
}

// FileSource reads <dir>/<eventId>.json.
type FileSource struct {
	name string
	root *os.Root
}

func NewFileSource(name, dir string) (*FileSource, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("sources: %s: %w", name, err)
	}
	return &FileSource{name: name, root: root}, nil
}

func (s *FileSource) Name() string { return s.name }

func (s *FileSource) Fetch(_ context.Context, eventID string) (Snapshot, error) {
	file := eventID + ".json"
	if !filepath.IsLocal(file) {
		return Snapshot{}, fmt.Errorf("%w: %s: event id %q is not a plain name", ErrInvalidPayload, s.name, eventID)
	}
	f, err := s.root.Open(file)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, fmt.Errorf("%w: %s has no file for %s", ErrEventNotFound, s.name, eventID)
		}
		return Snapshot{}, fmt.Errorf("sources: %s: %w", s.name, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return Snapshot{}, fmt.Errorf("sources: %s: %w", s.name, err)
	}
	raw, err := io.ReadAll(io.LimitReader(f, maxPayloadBytes+1))
	if err != nil {
		return Snapshot{}, fmt.Errorf("sources: %s: %w", s.name, err)
	}
	if len(raw) > maxPayloadBytes {
		return Snapshot{}, fmt.Errorf("%w: %s: %s exceeds %d bytes", ErrInvalidPayload, s.name, file, maxPayloadBytes)
	}
	return Snapshot{Source: s.name, EventID: eventID, Raw: raw, FetchedAt: info.ModTime().UTC()}, nil
}

// Close releases the directory handle.
func (s *FileSource) Close() error { return s.root.Close() }
