package webcom

import "sync"

// Snapshot is a copy of the in-memory UI state.
type Snapshot struct {
	Hangouts        []Hangout
	Hangout         *Hangout
	Messages        []Message
	MessagesPeer    string
	Unread          []Hangout
	OfflineHangouts []Hangout
	Pending         *PendingHangout
	Route           string
}

// State is the in-memory reducer the UI renders from. It is kept in sync
// with the cache by events and reloaded from the cache on login.
type State struct {
	mu sync.RWMutex
	s  Snapshot
}

// NewState returns an empty state.
func NewState() *State { return &State{} }

// Handle applies an event.
func (st *State) Handle(ev Event) {
	st.mu.Lock()
	defer st.mu.Unlock()

	switch e := ev.(type) {
	case HangoutsUpdated:
		st.s.Hangouts = e.Hangouts
		if st.s.Hangout != nil {
			if i := indexOfHangout(e.Hangouts, st.s.Hangout.Username); i >= 0 {
				h := e.Hangouts[i]
				st.s.Hangout = &h
			}
		}
	case MessagesUpdated:
		st.s.Messages = e.Messages
		st.s.MessagesPeer = e.Peer
	case UnreadUpdated:
		st.s.Unread = e.Hangouts
	case OfflineHangoutsUpdated:
		st.s.OfflineHangouts = e.Hangouts
	case HangoutSelected:
		h := e.Hangout
		st.s.Hangout = &h
	case HangoutCleared:
		st.s.Hangout = nil
	case PendingCreated:
		p := e.Pending
		st.s.Pending = &p
	case PendingCleared:
		if st.s.Pending != nil && st.s.Pending.Username == e.Peer {
			st.s.Pending = nil
		}
	case Navigate:
		st.s.Route = e.Route
	}
}

// Focused returns the username of the selected hangout, or "".
func (st *State) Focused() string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.s.Hangout == nil {
		return ""
	}
	return st.s.Hangout.Username
}

// Snapshot returns a copy of the state.
func (st *State) Snapshot() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := st.s
	out.Hangouts = append([]Hangout(nil), st.s.Hangouts...)
	out.Messages = append([]Message(nil), st.s.Messages...)
	out.Unread = append([]Hangout(nil), st.s.Unread...)
	out.OfflineHangouts = append([]Hangout(nil), st.s.OfflineHangouts...)
	return out
}

// Load replaces the state with what the cache holds for its user.
func (st *State) Load(c *Cache) error {
	hangouts, err := c.Hangouts()
	if err != nil {
		return err
	}
	unread, err := c.Unread()
	if err != nil {
		return err
	}
	offline, err := c.OfflineHangouts()
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s = Snapshot{Hangouts: hangouts, Unread: unread, OfflineHangouts: offline}
	return nil
}

// Reset clears everything.
func (st *State) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s = Snapshot{}
}
