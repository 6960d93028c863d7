package webcom

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// fakeLiveQuery is a minimal LiveQuery server. Frames pushed on push are
// forwarded to the connected client.
type fakeLiveQuery struct {
	t    *testing.T
	srv  *httptest.Server
	push chan map[string]any
	kill chan struct{}

	mu       sync.Mutex
	requests []liveQueryRequest
}

func newFakeLiveQuery(t *testing.T, appID string) *fakeLiveQuery {
	t.Helper()
	f := &fakeLiveQuery{t: t, push: make(chan map[string]any, 8), kill: make(chan struct{}, 1)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		f.serve(r.Context(), conn, appID)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLiveQuery) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeLiveQuery) seen() []liveQueryRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]liveQueryRequest(nil), f.requests...)
}

func (f *fakeLiveQuery) serve(ctx context.Context, conn *websocket.Conn, appID string) {
	write := func(v any) {
		data, _ := json.Marshal(v)
		_ = conn.Write(ctx, websocket.MessageText, data)
	}
	reqs := make(chan liveQueryRequest)
	go func() {
		defer close(reqs)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var req liveQueryRequest
			if json.Unmarshal(data, &req) != nil {
				continue
			}
			select {
			case reqs <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case req, ok := <-reqs:
			if !ok {
				return
			}
			f.mu.Lock()
			f.requests = append(f.requests, req)
			f.mu.Unlock()
			switch req.Op {
			case "connect":
				if req.ApplicationID != appID {
					write(map[string]any{"op": "error", "code": 4, "error": "unauthorized", "reconnect": false})
					return
				}
				write(map[string]any{"op": "connected", "clientId": "c1"})
			case "subscribe":
				if req.Query.ClassName == "Forbidden" {
					write(map[string]any{"op": "error", "requestId": req.RequestID, "code": 101, "error": "no access"})
					continue
				}
				write(map[string]any{"op": "subscribed", "requestId": req.RequestID})
			case "unsubscribe":
				write(map[string]any{"op": "unsubscribed", "requestId": req.RequestID})
			}
		case frame := <-f.push:
			write(frame)
		case <-f.kill:
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		case <-ctx.Done():
			return
		}
	}
}

func TestLiveQuerySubscribeAndReceive(t *testing.T) {
	f := newFakeLiveQuery(t, "app")
	ctx := context.Background()

	lq := NewLiveQueryClient(f.url(), LiveQueryConfig{ApplicationID: "app", SessionToken: "r:abc"}, nil)
	require.NoError(t, lq.Connect(ctx))
	defer lq.Disconnect()
	assert.Equal(t, ConnConnected, lq.State())

	sub, err := lq.Subscribe(ctx, Query{Collection: HangoutCollection, Field: FieldOwner, Value: "u1"})
	require.NoError(t, err)

	f.push <- map[string]any{
		"op":        "create",
		"requestId": 1,
		"object": map[string]any{
			"objectId": "h1", "className": "Hangout", "owner": "u1",
			"username": "demouser", "state": "INVITER", "timestamp": 1700000000000,
		},
	}
	ev := nextEvent(t, sub)
	assert.Equal(t, EventCreate, ev.Kind)
	assert.Equal(t, "h1", ev.Record.ID)
	h, err := DecodeHangout(ev.Record)
	require.NoError(t, err)
	assert.Equal(t, StateInviter, h.State)
	assert.Equal(t, int64(1700000000000), h.Timestamp)

	// Frames for unknown subscriptions are dropped.
	f.push <- map[string]any{"op": "update", "requestId": 99, "object": map[string]any{}}

	require.NoError(t, sub.Close())
	_, ok := <-sub.Events()
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		reqs := f.seen()
		return len(reqs) == 3 && reqs[2].Op == "unsubscribe"
	}, 2*time.Second, 10*time.Millisecond)
	reqs := f.seen()
	assert.Equal(t, "r:abc", reqs[0].SessionToken)
	assert.Equal(t, map[string]any{"owner": "u1"}, reqs[1].Query.Where)
}

func TestLiveQueryConnectRejected(t *testing.T) {
	f := newFakeLiveQuery(t, "app")
	lq := NewLiveQueryClient(f.url(), LiveQueryConfig{ApplicationID: "wrong"}, nil)
	err := lq.Connect(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 4, apiErr.Code)
	assert.Equal(t, ConnDisconnected, lq.State())
}

func TestLiveQuerySubscribeRejected(t *testing.T) {
	f := newFakeLiveQuery(t, "app")
	lq := NewLiveQueryClient(f.url(), LiveQueryConfig{ApplicationID: "app"}, nil)
	require.NoError(t, lq.Connect(context.Background()))
	defer lq.Disconnect()

	_, err := lq.Subscribe(context.Background(), Query{Collection: "Forbidden", Field: "a", Value: 1})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 101, apiErr.Code)
}

func TestLiveQueryNotConnected(t *testing.T) {
	lq := NewLiveQueryClient("ws://127.0.0.1:1", LiveQueryConfig{}, nil)
	_, err := lq.Subscribe(context.Background(), Query{Collection: HangoutCollection})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestLiveQueryDisconnectClosesSubscriptions(t *testing.T) {
	f := newFakeLiveQuery(t, "app")
	lq := NewLiveQueryClient(f.url(), LiveQueryConfig{ApplicationID: "app"}, nil)
	require.NoError(t, lq.Connect(context.Background()))

	sub, err := lq.Subscribe(context.Background(), Query{Collection: HangoutCollection, Field: FieldOwner, Value: "u1"})
	require.NoError(t, err)
	require.NoError(t, lq.Disconnect())

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, ConnDisconnected, lq.State())
	assert.NoError(t, sub.Close())
}

func TestLiveQueryReconnects(t *testing.T) {
	f := newFakeLiveQuery(t, "app")
	lq := NewLiveQueryClient(f.url(), LiveQueryConfig{
		ApplicationID:      "app",
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
	}, nil)
	require.NoError(t, lq.Connect(context.Background()))
	defer lq.Disconnect()
	_, err := lq.Subscribe(context.Background(), Query{Collection: HangoutCollection, Field: FieldOwner, Value: "u1"})
	require.NoError(t, err)

	f.kill <- struct{}{}

	require.Eventually(t, func() bool {
		subscribes := 0
		for _, r := range f.seen() {
			if r.Op == "subscribe" {
				subscribes++
			}
		}
		return subscribes == 2 && lq.State() == ConnConnected
	}, 5*time.Second, 20*time.Millisecond)
}

func TestParseBackendSubscribe(t *testing.T) {
	f := newFakeLiveQuery(t, "app")
	p := NewParseBackend("app", WithLiveQueryURL(f.url()))
	p.setUser(&User{ID: "u1", Username: "demouser", SessionToken: "r:abc"})

	sub, err := p.Subscribe(context.Background(), Query{Collection: HangoutCollection, Field: FieldOwner, Value: "u1"})
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	_, ok := <-sub.Events()
	assert.False(t, ok)
}
