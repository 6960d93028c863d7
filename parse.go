package webcom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// ParseBackend: Parse Server REST API
// ============================================================================

const (
	DefaultServerURL = "http://localhost:1337/parse"
	DefaultTimeout   = 30 * time.Second
)

// ParseBackend implements Backend and Authenticator over the Parse REST API.
// Subscriptions use Parse LiveQuery.
type ParseBackend struct {
	serverURL    string
	liveQueryURL string
	appID        string
	restKey      string
	masterKey    string
	httpClient   *http.Client
	logger       *slog.Logger
	liveConfig   LiveQueryConfig

	mu   sync.RWMutex
	user *User
}

// ParseOption configures a ParseBackend.
type ParseOption func(*ParseBackend)

func WithServerURL(u string) ParseOption {
	return func(p *ParseBackend) { p.serverURL = strings.TrimRight(u, "/") }
}

// WithLiveQueryURL sets the LiveQuery websocket endpoint. It defaults to the
// server URL with a ws scheme.
func WithLiveQueryURL(u string) ParseOption {
	return func(p *ParseBackend) { p.liveQueryURL = u }
}

func WithRESTKey(key string) ParseOption {
	return func(p *ParseBackend) { p.restKey = key }
}

// WithMasterKey is needed to link a hangout row to another user's relation.
func WithMasterKey(key string) ParseOption {
	return func(p *ParseBackend) { p.masterKey = key }
}

func WithHTTPClient(client *http.Client) ParseOption {
	return func(p *ParseBackend) { p.httpClient = client }
}

func WithTimeout(timeout time.Duration) ParseOption {
	return func(p *ParseBackend) { p.httpClient.Timeout = timeout }
}

func WithParseLogger(l *slog.Logger) ParseOption {
	return func(p *ParseBackend) { p.logger = l }
}

func WithLiveQueryConfig(cfg LiveQueryConfig) ParseOption {
	return func(p *ParseBackend) { p.liveConfig = cfg }
}

// NewParseBackend creates a REST backend for the given application.
func NewParseBackend(appID string, opts ...ParseOption) *ParseBackend {
	p := &ParseBackend{
		serverURL: DefaultServerURL,
		appID:     appID,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = noopIfNil(p.logger)
	if p.liveQueryURL == "" {
		p.liveQueryURL = toWebsocketURL(p.serverURL)
	}
	return p
}

var (
	_ Backend       = (*ParseBackend)(nil)
	_ Authenticator = (*ParseBackend)(nil)
)

// ============================================================================
// Internal request helper
// ============================================================================

type requestOptions struct {
	query  url.Values
	master bool
}

func (p *ParseBackend) doRequest(ctx context.Context, method, path string, body interface{}, ro requestOptions) ([]byte, error) {
	u := p.serverURL + path
	if len(ro.query) > 0 {
		u += "?" + ro.query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Parse-Application-Id", p.appID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.restKey != "" {
		req.Header.Set("X-Parse-REST-API-Key", p.restKey)
	}
	if ro.master && p.masterKey != "" {
		req.Header.Set("X-Parse-Master-Key", p.masterKey)
	}
	if token := p.sessionToken(); token != "" {
		req.Header.Set("X-Parse-Session-Token", token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Code: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func classPath(collection string) string {
	if collection == UserCollection {
		return "/users"
	}
	return "/classes/" + url.PathEscape(collection)
}

// ============================================================================
// Auth
// ============================================================================

func (p *ParseBackend) SignUp(ctx context.Context, username, email, password string) (*User, error) {
	data, err := p.doRequest(ctx, http.MethodPost, "/users", map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	}, requestOptions{})
	if err != nil {
		return nil, err
	}
	created, err := decodeJSON[User](data)
	if err != nil {
		return nil, err
	}
	u := &User{ID: created.ID, Username: username, Email: email, SessionToken: created.SessionToken}
	p.setUser(u)
	return u, nil
}

func (p *ParseBackend) LogIn(ctx context.Context, username, password string) (*User, error) {
	data, err := p.doRequest(ctx, http.MethodPost, "/login", map[string]string{
		"username": username,
		"password": password,
	}, requestOptions{})
	if err != nil {
		return nil, err
	}
	u, err := decodeJSON[User](data)
	if err != nil {
		return nil, err
	}
	p.setUser(u)
	return u, nil
}

func (p *ParseBackend) LogOut(ctx context.Context) error {
	if p.sessionToken() == "" {
		return nil
	}
	_, err := p.doRequest(ctx, http.MethodPost, "/logout", nil, requestOptions{})
	p.setUser(nil)
	return err
}

// Become restores a session from its token.
func (p *ParseBackend) Become(ctx context.Context, token string) (*User, error) {
	p.setUser(&User{SessionToken: token})
	data, err := p.doRequest(ctx, http.MethodGet, "/users/me", nil, requestOptions{})
	if err != nil {
		p.setUser(nil)
		return nil, err
	}
	u, err := decodeJSON[User](data)
	if err != nil {
		p.setUser(nil)
		return nil, err
	}
	u.SessionToken = token
	p.setUser(u)
	return u, nil
}

func (p *ParseBackend) CurrentUser(ctx context.Context) (*User, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.user == nil || p.user.ID == "" {
		return nil, ErrNotLoggedIn
	}
	u := *p.user
	return &u, nil
}

func (p *ParseBackend) setUser(u *User) {
	p.mu.Lock()
	p.user = u
	p.mu.Unlock()
}

func (p *ParseBackend) sessionToken() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.user == nil {
		return ""
	}
	return p.user.SessionToken
}

// ============================================================================
// Objects
// ============================================================================

type queryResponse struct {
	Results []map[string]any `json:"results"`
}

func (p *ParseBackend) QueryByField(ctx context.Context, collection, field string, value any) ([]Record, error) {
	where, err := json.Marshal(map[string]any{field: value})
	if err != nil {
		return nil, err
	}
	data, err := p.doRequest(ctx, http.MethodGet, classPath(collection), nil, requestOptions{
		query: url.Values{"where": []string{string(where)}},
	})
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[queryResponse](data)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(resp.Results))
	for _, obj := range resp.Results {
		out = append(out, recordFromObject(collection, obj))
	}
	return out, nil
}

func (p *ParseBackend) Create(ctx context.Context, collection string, fields map[string]any) (*Record, error) {
	data, err := p.doRequest(ctx, http.MethodPost, classPath(collection), encodeOps(fields), requestOptions{})
	if err != nil {
		return nil, err
	}
	created, err := decodeJSON[map[string]any](data)
	if err != nil {
		return nil, err
	}
	rec := Record{Collection: collection, Fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		rec.Fields[k] = v
	}
	rec.ID, _ = (*created)["objectId"].(string)
	return &rec, nil
}

func (p *ParseBackend) Update(ctx context.Context, rec *Record, fields map[string]any) (*Record, error) {
	// Writes to another user's row need the master key.
	master := rec.Collection == UserCollection
	path := classPath(rec.Collection) + "/" + url.PathEscape(rec.ID)
	if _, err := p.doRequest(ctx, http.MethodPut, path, encodeOps(fields), requestOptions{master: master}); err != nil {
		return nil, err
	}
	out := Record{ID: rec.ID, Collection: rec.Collection, Fields: make(map[string]any, len(rec.Fields)+len(fields))}
	for k, v := range rec.Fields {
		out.Fields[k] = v
	}
	for k, v := range fields {
		if _, ok := v.(AddRelation); ok {
			continue
		}
		out.Fields[k] = v
	}
	return &out, nil
}

func (p *ParseBackend) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	u, err := p.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	cfg := p.liveConfig
	cfg.ApplicationID = p.appID
	cfg.RESTKey = p.restKey
	cfg.SessionToken = u.SessionToken
	lq := NewLiveQueryClient(p.liveQueryURL, cfg, p.logger)
	if err := lq.Connect(ctx); err != nil {
		return nil, err
	}
	sub, err := lq.Subscribe(ctx, q)
	if err != nil {
		_ = lq.Disconnect()
		return nil, err
	}
	sub.(*liveSubscription).owned = true
	return sub, nil
}

// encodeOps converts AddRelation values into Parse operation objects.
func encodeOps(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		rel, ok := v.(AddRelation)
		if !ok {
			out[k] = v
			continue
		}
		objects := make([]map[string]string, 0, len(rel.IDs))
		for _, id := range rel.IDs {
			objects = append(objects, map[string]string{
				"__type":    "Pointer",
				"className": rel.Collection,
				"objectId":  id,
			})
		}
		out[k] = map[string]any{"__op": "AddRelation", "objects": objects}
	}
	return out
}

func recordFromObject(collection string, obj map[string]any) Record {
	rec := Record{Collection: collection, Fields: make(map[string]any, len(obj))}
	for k, v := range obj {
		switch k {
		case "objectId":
			rec.ID, _ = v.(string)
		case "className":
			if s, ok := v.(string); ok && s != "" {
				rec.Collection = s
			}
		default:
			rec.Fields[k] = v
		}
	}
	return rec
}

func toWebsocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
