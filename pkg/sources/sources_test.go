package sources

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const espnPayload = `{
	"id": "nba-401585",
	"status": "final",
	"competitors": [
		{"team": "LAL", "score": 110, "winner": true},
		{"team": "BOS", "score": 99, "winner": false}
	]
}`

func fastHTTP(name, url string) HTTPConfig {
	return HTTPConfig{Name: name, URL: url, MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func TestHTTPSource_Fetch(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotKey = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(espnPayload))
	}))
	defer srv.Close()

	cfg := fastHTTP("espn", srv.URL+"/events/{eventId}")
	cfg.Headers = map[string]string{"X-Api-Key": "secret"}
	src, err := NewHTTPSource(cfg)
	require.NoError(t, err)

	snap, err := src.Fetch(context.Background(), "nba/401585")
	require.NoError(t, err)
	assert.Equal(t, "/events/nba%2F401585", gotPath)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "espn", snap.Source)
	assert.JSONEq(t, espnPayload, string(snap.Raw))
}

func TestHTTPSource_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	src, err := NewHTTPSource(fastHTTP("odds", srv.URL))
	require.NoError(t, err)
	_, err = src.Fetch(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPSource_GivesUpAfterMaxTries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src, err := NewHTTPSource(fastHTTP("odds", srv.URL))
	require.NoError(t, err)
	_, err = src.Fetch(context.Background(), "e1")

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPSource_ClientErrorsAreNotRetried(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusUnauthorized} {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(code)
		}))

		src, err := NewHTTPSource(fastHTTP("espn", srv.URL))
		require.NoError(t, err)
		_, err = src.Fetch(context.Background(), "e1")
		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load(), "status %d", code)
		if code == http.StatusNotFound {
			assert.ErrorIs(t, err, ErrEventNotFound)
		}
		srv.Close()
	}
}

func TestHTTPSource_Budget(t *testing.T) {
	src, err := NewHTTPSource(HTTPConfig{Name: "espn", URL: "https://scores.example.test/{eventId}"})
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, src.Budget())

	src, err = NewHTTPSource(HTTPConfig{Name: "odds", URL: "https://odds.example.test/{eventId}",
		Timeout: 2 * time.Second, MaxTries: 1})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, src.Budget(), "a single try never waits")
}

func TestNewHTTPSource_Validation(t *testing.T) {
	_, err := NewHTTPSource(HTTPConfig{URL: "https://example.com"})
	assert.Error(t, err)
	_, err = NewHTTPSource(HTTPConfig{Name: "x", URL: "ftp://example.com"})
	assert.Error(t, err)
}

func TestFieldMap_Extract(t *testing.T) {
	payload, err := Snapshot{Source: "espn", Raw: json.RawMessage(espnPayload)}.Decode()
	require.NoError(t, err)

	fields := FieldMap{
		"status":    "status",
		"homeTeam":  "competitors.0.team",
		"homeScore": "competitors.0.score",
		"awayScore": "competitors.1.score",
	}
	got, err := fields.Extract(payload)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "final", "homeTeam": "LAL", "homeScore": 110.0, "awayScore": 99.0}, got)

	_, err = FieldMap{"x": "competitors.5.team"}.Extract(payload)
	assert.ErrorIs(t, err, ErrInvalidPayload)
	_, err = FieldMap{"x": "status.inner"}.Extract(payload)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	whole, err := FieldMap(nil).Extract(map[string]any{"winner": "LAL", "score": json.Number("3")})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"winner": "LAL", "score": 3.0}, whole)

	_, err = FieldMap(nil).Extract([]any{1})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestSnapshot_DecodeInvalid(t *testing.T) {
	_, err := Snapshot{Source: "espn", Raw: json.RawMessage(`{"a":`)}.Decode()
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestSchema(t *testing.T) {
	schema, err := CompileSchema("espn", `{
		"type": "object",
		"required": ["id", "status", "competitors"],
		"properties": {
			"status": {"enum": ["scheduled", "in_progress", "final"]},
			"competitors": {"type": "array", "minItems": 2}
		}
	}`)
	require.NoError(t, err)

	good, err := Snapshot{Raw: json.RawMessage(espnPayload)}.Decode()
	require.NoError(t, err)
	assert.NoError(t, schema.Validate(good))

	bad, err := Snapshot{Raw: json.RawMessage(`{"id":"x","status":"postponed","competitors":[]}`)}.Decode()
	require.NoError(t, err)
	assert.ErrorIs(t, schema.Validate(bad), ErrInvalidPayload)

	var none *Schema
	assert.NoError(t, none.Validate(bad))

	_, err = CompileSchema("broken", `{"type": 12}`)
	assert.Error(t, err)
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSource("espn").Set("e1", json.RawMessage(`{"winner":"LAL"}`))
	snap, err := src.Fetch(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, `{"winner":"LAL"}`, string(snap.Raw))
	assert.Equal(t, 1, src.Calls("e1"))

	_, err = src.Fetch(context.Background(), "e2")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "e1.json"), []byte(espnPayload), 0o600))

	src, err := NewFileSource("recorded", dir)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	snap, err := src.Fetch(context.Background(), "e1")
	require.NoError(t, err)
	assert.JSONEq(t, espnPayload, string(snap.Raw))

	_, err = src.Fetch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrEventNotFound)

	_, err = src.Fetch(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestSet(t *testing.T) {
	set, err := NewSet(Binding{Source: NewStaticSource("odds")}, Binding{Source: NewStaticSource("espn")})
	require.NoError(t, err)
	assert.Equal(t, []string{"espn", "odds"}, set.Names())

	names, err := set.Select([]string{"odds", "odds"})
	require.NoError(t, err)
	assert.Equal(t, []string{"odds"}, names)

	_, err = set.Select([]string{"nope"})
	assert.ErrorIs(t, err, ErrUnknownSource)

	_, err = NewSet(Binding{Source: NewStaticSource("a")}, Binding{Source: NewStaticSource("a")})
	assert.Error(t, err)
}
