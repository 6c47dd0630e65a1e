// Package sources fetches raw event data from external providers and turns
// it into the flat field maps that consensus compares.
package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrEventNotFound means the provider does not know the event (yet).
	ErrEventNotFound  = errors.New("sources: event not found")
	ErrInvalidPayload = errors.New("sources: invalid payload")
	ErrUnknownSource  = errors.New("sources: unknown source")
)

// Source is one external provider of event data.
type Source interface {
	Name() string
	Fetch(ctx context.Context, eventID string) (Snapshot, error)
}

// Snapshot is a provider's raw answer for one event.
type Snapshot struct {
	Source    string          `json:"source"`
	EventID   string          `json:"eventId"`
	Raw       json.RawMessage `json:"raw"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Decode parses the raw payload keeping numbers exact.
func (s Snapshot) Decode() (any, error) {
	dec := json.NewDecoder(bytes.NewReader(s.Raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, s.Source, err)
	}
	return v, nil
}

// FieldMap maps an outcome field name to a dotted path into the payload,
// e.g. "homeScore": "competitions.0.home.score".
type FieldMap map[string]string

// Extract pulls the mapped fields out of a decoded payload. With an empty
// map the payload itself must be an object and is used as is. Numbers are
// returned as float64.
func (m FieldMap) Extract(payload any) (map[string]any, error) {
	if len(m) == 0 {
		obj, ok := payload.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: payload is %T, want object", ErrInvalidPayload, payload)
		}
		return normalizeNumbers(obj).(map[string]any), nil
	}

	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]any, len(m))
	for _, name := range names {
		v, err := lookup(payload, m[name])
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrInvalidPayload, name, err)
		}
		out[name] = normalizeNumbers(v)
	}
	return out, nil
}

func lookup(v any, path string) (any, error) {
	if path == "" || path == "." {
		return v, nil
	}
	cur := v
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, fmt.Errorf("missing key %q in %s", part, path)
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("bad index %q in %s", part, path)
			}
			cur = node[i]
		default:
			return nil, fmt.Errorf("cannot descend into %T at %q in %s", cur, part, path)
		}
	}
	return cur, nil
}

// normalizeNumbers turns json.Number into float64 so that values compare
// the same way after a round trip through storage.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = normalizeNumbers(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = normalizeNumbers(x)
		}
		return out
	default:
		return v
	}
}
