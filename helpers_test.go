package webcom

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// recorder is an EventSink that keeps every event it sees.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Name())
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type harness struct {
	store  *MemoryStorage
	cache  *Cache
	runner *Runner
	rec    *recorder
	state  *State
}

func newHarness(t *testing.T, user string) *harness {
	t.Helper()
	h := &harness{store: NewMemoryStorage(), rec: &recorder{}, state: NewState()}
	h.cache = NewCache(h.store, user)
	h.runner = NewRunner(h.store, nil, h.state, h.rec)
	return h
}

func (h *harness) apply(t *testing.T, fx Effects, err error) {
	t.Helper()
	require.NoError(t, err)
	require.NoError(t, h.runner.Apply(fx))
}

func (h *harness) hangouts(t *testing.T) []Hangout {
	t.Helper()
	list, err := h.cache.Hangouts()
	require.NoError(t, err)
	return list
}

func (h *harness) messages(t *testing.T, peer string) []Message {
	t.Helper()
	list, err := h.cache.Messages(peer)
	require.NoError(t, err)
	return list
}

func (h *harness) unread(t *testing.T) []Hangout {
	t.Helper()
	list, err := h.cache.Unread()
	require.NoError(t, err)
	return list
}

func textMessage(user, text string, ts int64) *Message {
	return &Message{Text: text, Timestamp: ts, Username: user}
}
