package sources

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxPayloadBytes bounds a provider response.
const maxPayloadBytes = 4 << 20

// StatusError is a non-2xx provider response.
type StatusError struct {
	Source string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sources: %s responded %d %s", e.Source, e.Code, http.StatusText(e.Code))
}

// HTTPConfig describes a JSON-over-HTTP provider.
type HTTPConfig struct {
	Name string `yaml:"name" json:"name"`
	// URL may contain {eventId}, replaced by the escaped event identifier.
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout"`
	// MaxTries bounds attempts per Fetch, including the first. Zero means 3.
	MaxTries        uint          `yaml:"max_tries" json:"max_tries"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
}

// HTTPSource fetches event data over HTTP. Transient failures (network
// errors, 5xx, 408, 429) are retried with exponential backoff inside one
// Fetch; other 4xx responses are returned at once.
type HTTPSource struct {
	cfg    HTTPConfig
	client *http.Client
	clock  func() time.Time
	logger *slog.Logger
}

type HTTPOption func(*HTTPSource)

// WithHTTPClient replaces the client. Its transport is still wrapped for
// tracing.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) { s.client = c }
}

func WithHTTPClock(clock func() time.Time) HTTPOption {
	return func(s *HTTPSource) { s.clock = clock }
}

func NewHTTPSource(cfg HTTPConfig, opts ...HTTPOption) (*HTTPSource, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("sources: http source needs a name")
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return nil, fmt.Errorf("sources: %s: url %q is not http(s)", cfg.Name, cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}

	s := &HTTPSource{
		cfg:    cfg,
		client: &http.Client{},
		clock:  time.Now,
		logger: slog.Default().With("component", "source", "source", cfg.Name),
	}
	for _, opt := range opts {
		opt(s)
	}
	base := s.client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client := *s.client
	client.Transport = otelhttp.NewTransport(base)
	client.Timeout = cfg.Timeout
	s.client = &client
	return s, nil
}

func (s *HTTPSource) Name() string { return s.cfg.Name }

// Budget is the longest a Fetch takes when every try times out and each
// wait between tries is at its randomized maximum. A 429 Retry-After above
// MaxInterval can stretch a Fetch past it.
func (s *HTTPSource) Budget() time.Duration {
	tries := time.Duration(s.cfg.MaxTries)
	wait := time.Duration(float64(s.cfg.MaxInterval) * (1 + backoff.DefaultRandomizationFactor))
	return tries*s.cfg.Timeout + (tries-1)*wait
}

func (s *HTTPSource) Fetch(ctx context.Context, eventID string) (Snapshot, error) {
	target := strings.ReplaceAll(s.cfg.URL, "{eventId}", url.PathEscape(eventID))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialInterval
	bo.MaxInterval = s.cfg.MaxInterval

	raw, err := backoff.Retry(ctx, func() ([]byte, error) {
		return s.get(ctx, target)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(s.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.WarnContext(ctx, "source fetch failed, retrying", "event_id", eventID, "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Source: s.cfg.Name, EventID: eventID, Raw: raw, FetchedAt: s.clock().UTC()}, nil
}

func (s *HTTPSource) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("sources: %s: %w", s.cfg.Name, err))
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sources: %s: %w", s.cfg.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("sources: %s: read body: %w", s.cfg.Name, err)
	}

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		if len(body) > maxPayloadBytes {
			return nil, backoff.Permanent(fmt.Errorf("%w: %s: payload exceeds %d bytes", ErrInvalidPayload, s.cfg.Name, maxPayloadBytes))
		}
		return body, nil
	case code == http.StatusNotFound:
		return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrEventNotFound, s.cfg.Name))
	case code == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return nil, backoff.RetryAfter(secs)
		}
		return nil, &StatusError{Source: s.cfg.Name, Code: code}
	case code == http.StatusRequestTimeout || code >= 500:
		return nil, &StatusError{Source: s.cfg.Name, Code: code}
	default:
		return nil, backoff.Permanent(&StatusError{Source: s.cfg.Name, Code: code})
	}
}
