package webcom

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ============================================================================
// Key layout
// ============================================================================

// SessionKey holds the JSON-encoded Session of the logged-in user.
const SessionKey = "webcom"

func HangoutsKey(user string) string        { return user + "-hangouts" }
func UnreadHangoutsKey(user string) string  { return user + "-unread-hangouts" }
func OfflineHangoutsKey(user string) string { return user + "-offline-hangouts" }

func MessagesKey(user, peer string) string {
	return user + "-" + peer + "-messages"
}

func OfflineMessagesKey(user, peer string) string {
	return user + "-" + peer + "-offline-messages"
}

// ============================================================================
// KeyValueStore
// ============================================================================

// KeyValueStore is a synchronous string-keyed store. Values are JSON documents.
// Implementations must be safe for concurrent use of single calls; callers
// perform read-modify-write without any lock spanning calls.
type KeyValueStore interface {
	// Get returns the value and true, or "" and false when the key is absent.
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

// MemoryStorage is a goroutine-safe in-memory KeyValueStore.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string)}
}

func (s *MemoryStorage) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *MemoryStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *MemoryStorage) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Keys returns all keys in sorted order.
func (s *MemoryStorage) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ============================================================================
// Cache: typed per-user view over a KeyValueStore
// ============================================================================

// Cache reads the per-user collections. It never writes; writes are expressed
// as Mutations and applied by a Runner.
type Cache struct {
	store KeyValueStore
	user  string
}

// NewCache returns the view of store owned by user.
func NewCache(store KeyValueStore, user string) *Cache {
	return &Cache{store: store, user: user}
}

// User returns the owning username.
func (c *Cache) User() string { return c.user }

// Store returns the underlying store.
func (c *Cache) Store() KeyValueStore { return c.store }

// Hangouts returns the hangout list, or nil when it was never written.
func (c *Cache) Hangouts() ([]Hangout, error) {
	return readList[Hangout](c.store, HangoutsKey(c.user))
}

// Messages returns the message list shared with peer, or nil.
func (c *Cache) Messages(peer string) ([]Message, error) {
	return readList[Message](c.store, MessagesKey(c.user, peer))
}

// Unread returns the unread hangout list, or nil.
func (c *Cache) Unread() ([]Hangout, error) {
	return readList[Hangout](c.store, UnreadHangoutsKey(c.user))
}

// OfflineHangouts returns the offline queue, or nil.
func (c *Cache) OfflineHangouts() ([]Hangout, error) {
	return readList[Hangout](c.store, OfflineHangoutsKey(c.user))
}

// OfflineMessages returns the queued messages for peer, or nil.
func (c *Cache) OfflineMessages(peer string) ([]Message, error) {
	return readList[Message](c.store, OfflineMessagesKey(c.user, peer))
}

// Hangout returns the cached hangout with peer.
func (c *Cache) Hangout(peer string) (*Hangout, error) {
	hangouts, err := c.Hangouts()
	if err != nil {
		return nil, err
	}
	if i := indexOfHangout(hangouts, peer); i >= 0 {
		h := hangouts[i]
		return &h, nil
	}
	return nil, nil
}

func readList[T any](store KeyValueStore, key string) ([]T, error) {
	raw, ok, err := store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok || raw == "" || raw == "null" {
		return nil, nil
	}
	var list []T
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return list, nil
}

// LoadSession returns the persisted session, or nil when logged out.
func LoadSession(store KeyValueStore) (*Session, error) {
	raw, ok, err := store.Get(SessionKey)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

// indexOfHangout returns the first index whose username equals peer.
func indexOfHangout(list []Hangout, peer string) int {
	for i := range list {
		if list[i].Username == peer {
			return i
		}
	}
	return -1
}

func indexOfMessage(list []Message, timestamp int64) int {
	for i := range list {
		if list[i].Timestamp == timestamp {
			return i
		}
	}
	return -1
}
