package webcom

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is the body Parse Server posts to a cloud code webhook.
type WebhookPayload struct {
	TriggerName    string         `json:"triggerName"`
	Object         map[string]any `json:"object"`
	Original       map[string]any `json:"original,omitempty"`
	InstallationID string         `json:"installationId,omitempty"`
	Master         bool           `json:"master,omitempty"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookKey compares the X-Parse-Webhook-Key header value with key in
// constant time.
func VerifyWebhookKey(got, key string) bool {
	if got == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(key)) == 1
}

// VerifyWebhookSignature verifies an HMAC-SHA256 body signature, for relays
// that sign what they forward. The "sha256=" prefix is optional.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses a raw webhook body. Only afterSave triggers
// carry hangout changes.
func ParseWebhookPayload(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if payload.TriggerName != "afterSave" {
		return nil, fmt.Errorf("unsupported trigger: %q", payload.TriggerName)
	}
	if payload.Object == nil {
		return nil, fmt.Errorf("missing object in webhook payload")
	}
	if _, ok := payload.Object["objectId"].(string); !ok {
		return nil, fmt.Errorf("missing objectId in webhook payload")
	}
	return &payload, nil
}

// ============================================================================
// ParseWebhook
// ============================================================================

// ParseWebhook receives afterSave triggers and turns them into subscription
// events, as an alternative to LiveQuery for server deployments.
type ParseWebhook struct {
	key           string
	signingSecret string
	logger        *slog.Logger

	mu   sync.Mutex
	subs map[*webhookSubscription]struct{}
}

// WebhookOption configures a ParseWebhook.
type WebhookOption func(*ParseWebhook)

// WithSigningSecret additionally requires an X-Webcom-Signature body HMAC.
func WithSigningSecret(secret string) WebhookOption {
	return func(w *ParseWebhook) { w.signingSecret = secret }
}

func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *ParseWebhook) { w.logger = l }
}

// NewParseWebhook creates a webhook receiver for the given webhook key.
func NewParseWebhook(key string, opts ...WebhookOption) (*ParseWebhook, error) {
	if key == "" {
		return nil, fmt.Errorf("webhook key is required")
	}
	w := &ParseWebhook{key: key, subs: make(map[*webhookSubscription]struct{})}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = noopIfNil(w.logger)
	return w, nil
}

// Handle processes a webhook request (verify + parse + publish).
// Returns the status code and response body for the caller to write.
func (w *ParseWebhook) Handle(body []byte, key, signature string) (int, any) {
	if !VerifyWebhookKey(key, w.key) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid webhook key"}
	}
	if w.signingSecret != "" && !VerifyWebhookSignature(string(body), signature, w.signingSecret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	after := recordFromObject(HangoutCollection, payload.Object)
	var before *Record
	if payload.Original != nil {
		r := recordFromObject(after.Collection, payload.Original)
		before = &r
	}
	n := w.publish(before, &after)
	w.logger.Debug("webhook delivered", "id", after.ID, "class", after.Collection, "subscribers", n)
	return http.StatusOK, map[string]any{"success": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := webcom.NewParseWebhook(os.Getenv("PARSE_WEBHOOK_KEY"))
//	http.Handle("/hooks/hangout", wh.HTTPHandler())
func (w *ParseWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(body, r.Header.Get("X-Parse-Webhook-Key"), r.Header.Get("X-Webcom-Signature"))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}

// Subscribe registers q. Matching afterSave triggers are delivered as
// create, update, enter or leave events.
func (w *ParseWebhook) Subscribe(q Query) Subscription {
	sub := &webhookSubscription{hook: w, query: q, ch: make(chan SubscriptionEvent, localSubscriptionBuffer)}
	w.mu.Lock()
	w.subs[sub] = struct{}{}
	w.mu.Unlock()
	return sub
}

func (w *ParseWebhook) publish(before, after *Record) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for sub := range w.subs {
		kind, ok := classifyChange(sub.query, before, after)
		if !ok {
			continue
		}
		select {
		case sub.ch <- SubscriptionEvent{Kind: kind, Record: *after}:
			n++
		default:
			w.logger.Warn("webhook subscriber is full, dropping event", "id", after.ID)
		}
	}
	return n
}

// Wrap returns b with Subscribe served by this webhook.
func (w *ParseWebhook) Wrap(b Backend) Backend {
	return &webhookBackend{Backend: b, hook: w}
}

type webhookBackend struct {
	Backend
	hook *ParseWebhook
}

func (b *webhookBackend) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	return b.hook.Subscribe(q), nil
}

func (b *webhookBackend) SignUp(ctx context.Context, username, email, password string) (*User, error) {
	auth, ok := b.Backend.(Authenticator)
	if !ok {
		return nil, ErrNoAuth
	}
	return auth.SignUp(ctx, username, email, password)
}

func (b *webhookBackend) LogIn(ctx context.Context, username, password string) (*User, error) {
	auth, ok := b.Backend.(Authenticator)
	if !ok {
		return nil, ErrNoAuth
	}
	return auth.LogIn(ctx, username, password)
}

func (b *webhookBackend) LogOut(ctx context.Context) error {
	auth, ok := b.Backend.(Authenticator)
	if !ok {
		return ErrNoAuth
	}
	return auth.LogOut(ctx)
}

func (b *webhookBackend) Become(ctx context.Context, token string) (*User, error) {
	r, ok := b.Backend.(resumer)
	if !ok {
		return nil, ErrNoAuth
	}
	return r.Become(ctx, token)
}

type webhookSubscription struct {
	hook   *ParseWebhook
	query  Query
	ch     chan SubscriptionEvent
	closed bool
}

func (s *webhookSubscription) Events() <-chan SubscriptionEvent { return s.ch }

func (s *webhookSubscription) Close() error {
	s.hook.mu.Lock()
	defer s.hook.mu.Unlock()
	delete(s.hook.subs, s)
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
