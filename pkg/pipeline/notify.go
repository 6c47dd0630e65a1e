package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Mindburn-Labs/promoverify/pkg/promotion"
	"github.com/Mindburn-Labs/promoverify/pkg/queue"
)

// Notification is what downstream systems are told once a trigger exists.
type Notification struct {
	Trigger   promotion.TriggerEvent `json:"trigger"`
	Promotion promotion.Candidate    `json:"promotion"`
}

// Notifier delivers trigger notifications. Delivery may be repeated for the
// same trigger; receivers deduplicate on Trigger.ID.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// LogNotifier only logs the trigger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default().With("component", "notifier")
	}
	logger.InfoContext(ctx, "promotion triggered",
		"trigger_id", n.Trigger.ID,
		"promotion_id", n.Trigger.PromotionID,
		"event_id", n.Trigger.ExternalEventID,
		"evidence", n.Trigger.EvidenceRef,
		"window_end", n.Trigger.RedemptionWindowEnd,
	)
	return nil
}

// NotificationClaims are carried by the bearer token of a webhook call.
// BodySHA256 binds the token to the exact request body.
type NotificationClaims struct {
	jwt.RegisteredClaims
	PromotionID  string `json:"promotion_id"`
	EvidenceHash string `json:"evidence_hash"`
	BodySHA256   string `json:"body_sha256"`
}

// WebhookConfig configures a WebhookNotifier.
type WebhookConfig struct {
	URL        string
	SigningKey []byte
	Issuer     string
	Audience   string
	Timeout    time.Duration
	TokenTTL   time.Duration
}

// WebhookNotifier POSTs the notification as JSON, authenticated with an
// HS256 JWT in the Authorization header.
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
	clock  func() time.Time
}

type WebhookOption func(*WebhookNotifier)

func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *WebhookNotifier) { w.client = c }
}

func WithWebhookClock(clock func() time.Time) WebhookOption {
	return func(w *WebhookNotifier) { w.clock = clock }
}

func NewWebhookNotifier(cfg WebhookConfig, opts ...WebhookOption) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("pipeline: webhook url is required")
	}
	if len(cfg.SigningKey) < 32 {
		return nil, errors.New("pipeline: webhook signing key must be at least 32 bytes")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "promoverify"
	}
	if cfg.Audience == "" {
		cfg.Audience = "promotion-webhook"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	w := &WebhookNotifier{
		cfg:   cfg,
		clock: time.Now,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return queue.Permanent(fmt.Errorf("encode notification: %w", err))
	}
	token, err := w.sign(n, body)
	if err != nil {
		return queue.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return queue.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", n.Trigger.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	default:
		return queue.Permanent(fmt.Errorf("webhook: rejected with status %d", resp.StatusCode))
	}
}

func (w *WebhookNotifier) sign(n Notification, body []byte) (string, error) {
	now := w.clock().UTC()
	sum := sha256.Sum256(body)
	claims := NotificationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        n.Trigger.ID,
			Subject:   n.Trigger.ExternalEventID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(w.cfg.TokenTTL)),
			Issuer:    w.cfg.Issuer,
			Audience:  jwt.ClaimStrings{w.cfg.Audience},
		},
		PromotionID:  n.Trigger.PromotionID,
		EvidenceHash: n.Trigger.EvidenceRef,
		BodySHA256:   hex.EncodeToString(sum[:]),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(w.cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("sign notification: %w", err)
	}
	return signed, nil
}

// VerifyNotification validates a webhook bearer token against the body it
// came with.
func VerifyNotification(token string, body, key []byte, audience string) (*NotificationClaims, error) {
	claims := &NotificationClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithAudience(audience))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	sum := sha256.Sum256(body)
	if claims.BodySHA256 != hex.EncodeToString(sum[:]) {
		return nil, errors.New("pipeline: notification body does not match its token")
	}
	return claims, nil
}
