package webcom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

type liveQueryRequest struct {
	Op            string          `json:"op"`
	ApplicationID string          `json:"applicationId,omitempty"`
	RESTKey       string          `json:"restAPIKey,omitempty"`
	SessionToken  string          `json:"sessionToken,omitempty"`
	RequestID     int             `json:"requestId,omitempty"`
	Query         *liveQueryQuery `json:"query,omitempty"`
}

type liveQueryQuery struct {
	ClassName string         `json:"className"`
	Where     map[string]any `json:"where"`
}

type liveQueryResponse struct {
	Op        string          `json:"op"`
	ClientID  string          `json:"clientId,omitempty"`
	RequestID int             `json:"requestId,omitempty"`
	Object    json.RawMessage `json:"object,omitempty"`
	Code      int             `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Reconnect bool            `json:"reconnect,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// LiveQueryConfig configures a LiveQueryClient.
type LiveQueryConfig struct {
	ApplicationID        string
	RESTKey              string
	SessionToken         string
	AutoReconnect        bool
	MaxReconnectAttempts uint
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
}

func (c *LiveQueryConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ConnState is the websocket connection state.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
)

const liveSubscriptionBuffer = 64

// ErrNotConnected is returned when writing to a closed live query connection.
var ErrNotConnected = errors.New("not connected")

// ============================================================================
// LiveQueryClient
// ============================================================================

// LiveQueryClient speaks the Parse LiveQuery protocol over a websocket. It
// reconnects with exponential backoff and re-subscribes every open query.
type LiveQueryClient struct {
	url    string
	config LiveQueryConfig
	logger *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	clientID         string
	intentionalClose bool
	cancelFn         context.CancelFunc
	nextRequestID    int
	subs             map[int]*liveSubscription
	pending          map[int]chan error
}

// NewLiveQueryClient creates a client for the websocket endpoint url.
func NewLiveQueryClient(url string, config LiveQueryConfig, logger *slog.Logger) *LiveQueryClient {
	config.defaults()
	return &LiveQueryClient{
		url:     url,
		config:  config,
		logger:  noopIfNil(logger),
		state:   ConnDisconnected,
		subs:    make(map[int]*liveSubscription),
		pending: make(map[int]chan error),
	}
}

// State returns the current connection state.
func (lq *LiveQueryClient) State() ConnState {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return lq.state
}

// Connect dials the server and waits for the "connected" handshake.
func (lq *LiveQueryClient) Connect(ctx context.Context) error {
	lq.mu.Lock()
	if lq.state == ConnConnected || lq.state == ConnConnecting {
		lq.mu.Unlock()
		return nil
	}
	lq.state = ConnConnecting
	lq.intentionalClose = false
	lq.mu.Unlock()

	if err := lq.dial(ctx); err != nil {
		lq.setState(ConnDisconnected)
		return err
	}
	return nil
}

func (lq *LiveQueryClient) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, lq.url, &websocket.DialOptions{HTTPClient: lq.config.HTTPClient})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	hello, err := json.Marshal(liveQueryRequest{
		Op:            "connect",
		ApplicationID: lq.config.ApplicationID,
		RESTKey:       lq.config.RESTKey,
		SessionToken:  lq.config.SessionToken,
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("send connect: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read connect response: %w", err)
	}
	var resp liveQueryResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.Op != "connected" {
		conn.Close(websocket.StatusNormalClosure, "")
		if resp.Op == "error" {
			return &APIError{Code: resp.Code, Message: resp.Error}
		}
		return fmt.Errorf("expected 'connected', got '%s'", resp.Op)
	}

	// The connection outlives the dial context.
	connCtx, cancel := context.WithCancel(context.Background())
	lq.mu.Lock()
	lq.conn = conn
	lq.clientID = resp.ClientID
	lq.state = ConnConnected
	lq.cancelFn = cancel
	lq.mu.Unlock()

	lq.logger.Info("live query connected", "client_id", resp.ClientID)

	go lq.readLoop(connCtx, conn)
	go lq.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection and every subscription.
func (lq *LiveQueryClient) Disconnect() error {
	lq.mu.Lock()
	lq.intentionalClose = true
	if lq.cancelFn != nil {
		lq.cancelFn()
		lq.cancelFn = nil
	}
	conn := lq.conn
	lq.conn = nil
	lq.state = ConnDisconnected
	subs := lq.subs
	lq.subs = make(map[int]*liveSubscription)
	lq.failPendingLocked(ErrNotConnected)
	lq.mu.Unlock()

	for _, sub := range subs {
		sub.closeEvents()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe registers q and waits for the server to confirm it.
func (lq *LiveQueryClient) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	lq.mu.Lock()
	lq.nextRequestID++
	id := lq.nextRequestID
	sub := &liveSubscription{
		client:    lq,
		requestID: id,
		query:     q,
		events:    make(chan SubscriptionEvent, liveSubscriptionBuffer),
		done:      make(chan struct{}),
	}
	lq.subs[id] = sub
	lq.mu.Unlock()

	if err := lq.sendSubscribe(ctx, sub); err != nil {
		lq.mu.Lock()
		delete(lq.subs, id)
		lq.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

func (lq *LiveQueryClient) sendSubscribe(ctx context.Context, sub *liveSubscription) error {
	ack := make(chan error, 1)
	lq.mu.Lock()
	lq.pending[sub.requestID] = ack
	lq.mu.Unlock()

	err := lq.send(ctx, liveQueryRequest{
		Op:           "subscribe",
		RequestID:    sub.requestID,
		SessionToken: lq.config.SessionToken,
		Query: &liveQueryQuery{
			ClassName: sub.query.Collection,
			Where:     map[string]any{sub.query.Field: sub.query.Value},
		},
	})
	if err != nil {
		lq.mu.Lock()
		delete(lq.pending, sub.requestID)
		lq.mu.Unlock()
		return err
	}

	select {
	case err := <-ack:
		return err
	case <-time.After(10 * time.Second):
		lq.mu.Lock()
		delete(lq.pending, sub.requestID)
		lq.mu.Unlock()
		return fmt.Errorf("subscribe timeout")
	case <-ctx.Done():
		lq.mu.Lock()
		delete(lq.pending, sub.requestID)
		lq.mu.Unlock()
		return ctx.Err()
	}
}

func (lq *LiveQueryClient) send(ctx context.Context, req liveQueryRequest) error {
	lq.mu.Lock()
	conn := lq.conn
	lq.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (lq *LiveQueryClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			lq.mu.Lock()
			intentional := lq.intentionalClose
			if lq.conn == conn {
				lq.conn = nil
				lq.state = ConnDisconnected
			}
			lq.failPendingLocked(err)
			lq.mu.Unlock()
			if intentional {
				return
			}
			lq.logger.Warn("live query connection lost", "error", err)
			if lq.config.AutoReconnect {
				go lq.reconnect()
			}
			return
		}

		var resp liveQueryResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			lq.logger.Debug("ignoring malformed live query frame", "error", err)
			continue
		}
		lq.handle(ctx, resp)
	}
}

func (lq *LiveQueryClient) handle(ctx context.Context, resp liveQueryResponse) {
	switch resp.Op {
	case "subscribed", "unsubscribed":
		lq.resolve(resp.RequestID, nil)
	case "error":
		err := &APIError{Code: resp.Code, Message: resp.Error}
		if resp.RequestID != 0 {
			lq.resolve(resp.RequestID, err)
			return
		}
		lq.logger.Warn("live query error", "code", resp.Code, "error", resp.Error)
	case "create", "update", "enter", "leave":
		lq.mu.Lock()
		sub := lq.subs[resp.RequestID]
		lq.mu.Unlock()
		if sub == nil {
			return
		}
		obj, err := decodeJSON[map[string]any](resp.Object)
		if err != nil {
			lq.logger.Debug("ignoring live query object", "error", err)
			return
		}
		sub.deliver(ctx, SubscriptionEvent{
			Kind:   EventKind(resp.Op),
			Record: recordFromObject(sub.query.Collection, *obj),
		})
	default:
		lq.logger.Debug("ignoring live query op", "op", resp.Op)
	}
}

func (lq *LiveQueryClient) resolve(requestID int, err error) {
	lq.mu.Lock()
	ch, ok := lq.pending[requestID]
	delete(lq.pending, requestID)
	lq.mu.Unlock()
	if ok {
		ch <- err
	}
}

func (lq *LiveQueryClient) failPendingLocked(err error) {
	for id, ch := range lq.pending {
		ch <- err
		delete(lq.pending, id)
	}
}

func (lq *LiveQueryClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(lq.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				lq.logger.Warn("live query heartbeat failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// reconnect redials with exponential backoff and re-subscribes every query.
func (lq *LiveQueryClient) reconnect() {
	lq.setState(ConnReconnecting)

	ctx := context.Background()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = lq.config.ReconnectBaseDelay
	b.MaxInterval = lq.config.ReconnectMaxDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		lq.mu.Lock()
		stop := lq.intentionalClose
		lq.mu.Unlock()
		if stop {
			return struct{}{}, backoff.Permanent(errors.New("closed"))
		}
		return struct{}{}, lq.dial(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(lq.config.MaxReconnectAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			lq.logger.Info("live query reconnecting", "delay", d, "error", err)
		}),
	)
	if err != nil {
		lq.logger.Error("live query reconnect gave up", "error", err)
		lq.setState(ConnDisconnected)
		return
	}

	lq.mu.Lock()
	subs := make([]*liveSubscription, 0, len(lq.subs))
	for _, s := range lq.subs {
		subs = append(subs, s)
	}
	lq.mu.Unlock()
	for _, s := range subs {
		if err := lq.sendSubscribe(ctx, s); err != nil {
			lq.logger.Error("live query resubscribe failed", "request_id", s.requestID, "error", err)
		}
	}
}

func (lq *LiveQueryClient) setState(s ConnState) {
	lq.mu.Lock()
	lq.state = s
	lq.mu.Unlock()
}

// ============================================================================
// liveSubscription
// ============================================================================

type liveSubscription struct {
	client    *LiveQueryClient
	requestID int
	query     Query

	mu     sync.Mutex
	events chan SubscriptionEvent
	done   chan struct{}
	once   sync.Once
	closed bool

	// owned subscriptions disconnect their client on Close.
	owned bool
}

func (s *liveSubscription) Events() <-chan SubscriptionEvent { return s.events }

func (s *liveSubscription) deliver(ctx context.Context, ev SubscriptionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	case <-ctx.Done():
	}
}

func (s *liveSubscription) Close() error {
	lq := s.client
	lq.mu.Lock()
	_, open := lq.subs[s.requestID]
	delete(lq.subs, s.requestID)
	lq.mu.Unlock()

	var err error
	if open {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = lq.send(ctx, liveQueryRequest{Op: "unsubscribe", RequestID: s.requestID})
		cancel()
	}
	s.closeEvents()
	if s.owned {
		return lq.Disconnect()
	}
	return err
}

func (s *liveSubscription) closeEvents() {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}
