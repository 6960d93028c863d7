package webcom

import (
	"context"
	"errors"
	"sync"
	"time"
)

// OfflineOptions configures the OfflineManager.
type OfflineOptions struct {
	// FlushOnReconnect replays the offline queue when SetOnline(true)
	// changes the state.
	FlushOnReconnect bool
	// FlushInterval enables a background flush loop while online.
	FlushInterval time.Duration
	// StartOffline creates the manager in the offline state.
	StartOffline bool
}

// OfflineManager tracks connectivity and replays hangouts that were queued
// while offline.
type OfflineManager struct {
	client *Client

	flushOnReconnect bool
	flushInterval    time.Duration

	mu       sync.Mutex
	isOnline bool
	flushing bool
	stopCh   chan struct{}
	stopped  bool
	started  bool
}

// NewOfflineManager creates a manager for client.
func NewOfflineManager(client *Client, opts *OfflineOptions) *OfflineManager {
	o := &OfflineManager{
		client:   client,
		isOnline: true,
		stopCh:   make(chan struct{}),
	}
	if opts != nil {
		o.flushOnReconnect = opts.FlushOnReconnect
		o.flushInterval = opts.FlushInterval
		o.isOnline = !opts.StartOffline
	}
	return o
}

// Start runs the background flush loop when an interval is configured.
func (o *OfflineManager) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started || o.stopped || o.flushInterval <= 0 {
		return
	}
	o.started = true
	go o.flushLoop()
}

// Destroy stops background tasks.
func (o *OfflineManager) Destroy() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.stopped {
		o.stopped = true
		close(o.stopCh)
	}
}

// IsOnline returns current network state.
func (o *OfflineManager) IsOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isOnline
}

// SetOnline updates network state and emits network.online or
// network.offline on change.
func (o *OfflineManager) SetOnline(online bool) {
	o.setOnline(online, o.flushOnReconnect)
}

func (o *OfflineManager) setOnline(online, flush bool) {
	o.mu.Lock()
	if o.isOnline == online {
		o.mu.Unlock()
		return
	}
	o.isOnline = online
	o.mu.Unlock()

	if !online {
		o.client.emit("network.offline", nil)
		return
	}
	o.client.emit("network.online", nil)
	if flush {
		go func() {
			if err := o.Flush(context.Background()); err != nil && !errors.Is(err, ErrOfflineQueueMissing) {
				o.client.logger.Warn("offline flush failed", "error", err)
			}
		}()
	}
}

func (o *OfflineManager) flushLoop() {
	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			if err := o.Flush(context.Background()); err != nil && !errors.Is(err, ErrOfflineQueueMissing) {
				o.client.logger.Warn("offline flush failed", "error", err)
			}
		}
	}
}

// Flush sends every queued hangout. Each one leaves the queue when its
// acknowledgment is routed as OFFLINE_ACKN. Flushing while offline or while
// another flush runs is a no-op.
func (o *OfflineManager) Flush(ctx context.Context) error {
	o.mu.Lock()
	if o.flushing || !o.isOnline {
		o.mu.Unlock()
		return nil
	}
	o.flushing = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.flushing = false
		o.mu.Unlock()
	}()

	cache, runner, router, err := o.client.parts()
	if err != nil {
		return err
	}
	queued, err := SendOfflineHangouts(cache)
	if err != nil {
		return err
	}

	var errs []error
	for _, h := range queued {
		cmd, err := ParseCommand(string(h.State))
		if err != nil {
			o.client.logger.Warn("dropping unreplayable offline hangout", "peer", h.Username, "state", h.State)
			continue
		}
		if cmd == CommandMessage {
			blocked, err := o.dropIfBlocked(cache, runner, h)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if blocked {
				continue
			}
		}
		pending := PendingHangout{
			Username:  h.Username,
			Email:     h.Email,
			Message:   h.Message,
			Command:   cmd,
			Timestamp: h.Timestamp,
		}
		o.client.emit("offline.sending", pending)
		res := o.client.deliver(ctx, router, pending, true)
		if res.Err != nil {
			errs = append(errs, res.Err)
			o.client.emit("offline.failed", res)
			continue
		}
		o.client.emit("offline.sent", res)
	}
	return errors.Join(errs...)
}

// dropIfBlocked dequeues a queued message to a peer whose live row is
// BLOCKER. Such messages stay local, as they do when sent online.
func (o *OfflineManager) dropIfBlocked(cache *Cache, runner *Runner, h Hangout) (bool, error) {
	current, err := cache.Hangout(h.Username)
	if err != nil {
		return false, err
	}
	if current == nil || current.State != StateBlocker {
		return false, nil
	}
	fx, err := DropOfflineHangout(cache, h.Timestamp)
	if err != nil {
		return false, err
	}
	if err := runner.Apply(fx); err != nil {
		return false, err
	}
	o.client.logger.Info("not replaying message to a peer that blocked us", "peer", h.Username)
	o.client.emit("offline.skipped", h)
	return true, nil
}
