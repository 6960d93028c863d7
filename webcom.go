// Package webcom is a client SDK for hangout-style chat: two peers share a
// relationship (invite, accept, decline, block, unblock, message) that each
// side mirrors in a local key-value cache kept in sync with a remote backend.
//
// Example:
//
//	server, _ := webcom.OpenLocalServer(":memory:")
//	client := webcom.NewClient(server.NewBackend(), webcom.NewMemoryStorage())
//
//	client.Signup(ctx, "alice", "alice@example.com", "secret")
//	client.Send(ctx, "bob", "bob@example.com", webcom.CommandInvite, "hi bob")
//	go client.Listen(ctx)
//
//	client.On("hangouts.updated", func(name string, payload any) { ... })
package webcom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Client
// ============================================================================

// Client ties a backend, a local store and the in-memory UI state together.
type Client struct {
	*emitter

	backend Backend
	adapter *RemoteAdapter
	store   KeyValueStore
	state   *State
	logger  *slog.Logger
	now     func() time.Time
	offline *OfflineManager

	mu        sync.Mutex
	session   *Session
	cache     *Cache
	runner    *Runner
	router    *Router
	listening int
}

type ClientOption func(*Client)

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

func WithOfflineOptions(opts *OfflineOptions) ClientOption {
	return func(c *Client) { c.offline = NewOfflineManager(c, opts) }
}

// NewClient creates a client. A session persisted in store is resumed, and
// the in-memory state is loaded from the cache of that user.
func NewClient(backend Backend, store KeyValueStore, opts ...ClientOption) *Client {
	c := &Client{
		emitter: newEmitter(),
		backend: backend,
		store:   store,
		state:   NewState(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = noopIfNil(c.logger)
	c.adapter = NewRemoteAdapter(backend, c.logger)
	if c.offline == nil {
		c.offline = NewOfflineManager(c, nil)
	}

	if sess, err := LoadSession(store); err != nil {
		c.logger.Warn("ignoring unreadable session", "error", err)
	} else if sess != nil {
		c.bind(sess)
	}
	return c
}

// Session returns the logged-in session, or nil.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// Cache returns the cache of the logged-in user, or nil.
func (c *Client) Cache() *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache
}

// Snapshot returns a copy of the in-memory UI state.
func (c *Client) Snapshot() Snapshot { return c.state.Snapshot() }

// Offline returns the connectivity manager.
func (c *Client) Offline() *OfflineManager { return c.offline }

// Adapter returns the remote adapter.
func (c *Client) Adapter() *RemoteAdapter { return c.adapter }

// Close stops background work and drops listeners.
func (c *Client) Close() {
	c.offline.Destroy()
	c.removeAll()
}

// bind switches the client to sess: the cache, runner and router are
// rebuilt for that user and the UI state is reloaded.
func (c *Client) bind(sess *Session) {
	cache := NewCache(c.store, sess.Username)
	runner := NewRunner(c.store, c.logger, c.state, c.emitter)
	router := NewRouter(cache, runner, c.state.Focused, c.logger)

	c.mu.Lock()
	c.session = sess
	c.cache = cache
	c.runner = runner
	c.router = router
	c.mu.Unlock()

	c.state.Reset()
	if err := c.state.Load(cache); err != nil {
		c.logger.Warn("failed to load cached state", "user", sess.Username, "error", err)
	}
}

func (c *Client) unbind() {
	c.mu.Lock()
	c.session = nil
	c.cache = nil
	c.runner = nil
	c.router = nil
	c.mu.Unlock()
	c.state.Reset()
}

// parts returns the per-user components or ErrNotLoggedIn.
func (c *Client) parts() (*Cache, *Runner, *Router, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, nil, nil, ErrNotLoggedIn
	}
	return c.cache, c.runner, c.router, nil
}

// ============================================================================
// Commands
// ============================================================================

// Send issues cmd to peer. The hangout is written to the cache first, then to
// the backend unless the client is offline. Remote failures are logged and
// reported in the result; they never roll back the cache.
func (c *Client) Send(ctx context.Context, peer, email string, cmd ClientCommand, text string) (DeliveryResult, error) {
	if _, err := MapCommandToStates(cmd); err != nil {
		return DeliveryResult{}, err
	}
	cache, runner, router, err := c.parts()
	if err != nil {
		return DeliveryResult{}, err
	}

	ts := c.now().UnixMilli()
	pending := PendingHangout{Username: peer, Email: email, Command: cmd, Timestamp: ts}
	if text != "" {
		pending.Message = &Message{
			Text:      text,
			Timestamp: ts,
			Username:  cache.User(),
			Float:     FloatRight,
		}
	}

	isBlocker := false
	if cmd == CommandMessage {
		current, err := cache.Hangout(peer)
		if err != nil {
			return DeliveryResult{}, err
		}
		isBlocker = current != nil && current.State == StateBlocker
	}

	online := c.offline.IsOnline()
	var fx Effects
	fx.emit(PendingCreated{Pending: pending})
	saved, err := SaveOptimisticHangout(cache, peer, pending.Optimistic(), online, isBlocker)
	if err != nil {
		return DeliveryResult{}, err
	}
	fx.Append(saved)
	if err := runner.Apply(fx); err != nil {
		return DeliveryResult{}, err
	}

	if !online {
		c.logger.Info("queued hangout while offline", "peer", peer, "command", cmd)
		return DeliveryResult{Outcome: NeitherSaved}, nil
	}
	if isBlocker {
		c.logger.Info("not delivering message to a peer that blocked us", "peer", peer)
		return DeliveryResult{Outcome: NeitherSaved}, nil
	}
	return c.deliver(ctx, router, pending, false), nil
}

// deliver writes pending remotely. Without a live subscription the
// acknowledgment is routed from the saved sender row directly.
func (c *Client) deliver(ctx context.Context, router *Router, pending PendingHangout, offline bool) DeliveryResult {
	listening := c.isListening()
	if offline && listening {
		c.adapter.MarkOffline(pending.Timestamp)
	}
	res, err := c.adapter.Send(ctx, pending)
	if err != nil {
		c.logger.Warn("remote delivery failed", "peer", pending.Username, "command", pending.Command, "error", err)
		res.Err = err
		return res
	}
	if res.Err != nil {
		c.logger.Warn("remote delivery incomplete", "peer", pending.Username, "outcome", res.Outcome, "error", res.Err)
	}
	if listening || res.SenderRow == nil {
		return res
	}

	h, err := DecodeHangout(*res.SenderRow)
	if err != nil {
		c.logger.Warn("failed to decode sender row", "error", err)
		return res
	}
	typ := EnvelopeAcknowledgement
	if offline {
		typ = EnvelopeOfflineAck
	}
	if err := router.Dispatch(Envelope{Type: typ, Hangout: &h}); err != nil {
		c.logger.Warn("failed to apply acknowledgment", "peer", h.Username, "error", err)
	}
	return res
}

// Open focuses the hangout with peer and marks it read.
func (c *Client) Open(peer string) error {
	cache, runner, _, err := c.parts()
	if err != nil {
		return err
	}
	h, err := cache.Hangout(peer)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("no hangout with %s", peer)
	}

	var fx Effects
	fx.emit(HangoutSelected{Hangout: *h})
	messages, err := cache.Messages(peer)
	if err != nil {
		return err
	}
	fx.emit(MessagesUpdated{Peer: peer, Messages: messages})

	read, err := MarkHangoutRead(cache, peer)
	if err != nil {
		return err
	}
	fx.Append(read)
	unread, err := RemoveFromUnread(cache, peer)
	if err != nil {
		return err
	}
	fx.Append(unread)
	return runner.Apply(fx)
}

// ClearHangout drops the focused hangout. The cache is untouched.
func (c *Client) ClearHangout() {
	c.state.Handle(HangoutCleared{})
	c.emit(HangoutCleared{}.Name(), HangoutCleared{})
}

// Search finds hangout candidates named name.
func (c *Client) Search(ctx context.Context, name string) ([]Hangout, error) {
	if _, _, _, err := c.parts(); err != nil {
		return nil, err
	}
	return c.adapter.Search(ctx, name)
}

// ============================================================================
// Realtime
// ============================================================================

// Listen subscribes to the user's hangout rows and routes every change until
// ctx is cancelled or the subscription ends.
func (c *Client) Listen(ctx context.Context) error {
	_, _, router, err := c.parts()
	if err != nil {
		return err
	}
	sub, err := c.adapter.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	c.setListening(1)
	defer c.setListening(-1)
	c.emit("listen.started", nil)
	defer c.emit("listen.stopped", nil)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			c.handleEvent(router, ev)
		}
	}
}

func (c *Client) handleEvent(router *Router, ev SubscriptionEvent) {
	envs, err := c.adapter.Envelopes(ev)
	if err != nil {
		c.logger.Warn("failed to decode subscription event", "kind", ev.Kind, "id", ev.Record.ID, "error", err)
		return
	}
	for _, env := range envs {
		if err := router.Dispatch(env); err != nil {
			c.logger.Warn("failed to apply envelope", "type", env.Type, "error", err)
		}
	}
}

// Dispatch routes one envelope as if it had been pushed by the backend.
func (c *Client) Dispatch(env Envelope) error {
	_, _, router, err := c.parts()
	if err != nil {
		return err
	}
	return router.Dispatch(env)
}

func (c *Client) setListening(delta int) {
	c.mu.Lock()
	c.listening += delta
	c.mu.Unlock()
}

func (c *Client) isListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening > 0
}

// ============================================================================
// Online / offline
// ============================================================================

// SetOnline toggles connectivity. Going online does not flush by itself
// unless the offline manager was created with FlushOnReconnect.
func (c *Client) SetOnline(online bool) { c.offline.SetOnline(online) }

// FlushOffline replays the offline queue. It fails with
// ErrOfflineQueueMissing when nothing was ever queued.
func (c *Client) FlushOffline(ctx context.Context) error { return c.offline.Flush(ctx) }

// GoOnline marks the client online, replays remote notifications the cache
// has not seen as one UNREAD_HANGOUTS envelope and flushes the offline queue.
func (c *Client) GoOnline(ctx context.Context) error {
	cache, _, router, err := c.parts()
	if err != nil {
		return err
	}
	c.offline.setOnline(true, false)

	rows, err := c.adapter.OwnRows(ctx)
	if err != nil {
		return fmt.Errorf("fetch hangouts: %w", err)
	}
	known, err := cache.Hangouts()
	if err != nil {
		return err
	}
	var unseen []Hangout
	for _, h := range rows {
		if !IsNotificationState(h.State) {
			continue
		}
		if i := indexOfHangout(known, h.Username); i >= 0 && known[i].Timestamp >= h.Timestamp {
			continue
		}
		unseen = append(unseen, h)
	}
	if len(unseen) > 0 {
		if err := router.Dispatch(Envelope{Type: EnvelopeUnreadHangouts, Hangouts: unseen}); err != nil {
			return err
		}
	}

	if err := c.offline.Flush(ctx); err != nil && !errors.Is(err, ErrOfflineQueueMissing) {
		return err
	}
	return nil
}
