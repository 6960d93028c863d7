package webcom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ============================================================================
// LocalServer: embedded backend over SQLite
// ============================================================================

type localUser struct {
	ID           string `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex"`
	Email        string
	PasswordHash string
	SessionToken string `gorm:"index"`
	Relations    string
	CreatedAt    time.Time
}

type localObject struct {
	ID         string `gorm:"primaryKey"`
	Collection string `gorm:"index"`
	Data       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LocalServer is a self-contained backend storing users and objects in
// SQLite and pushing changes to in-process subscribers. Several
// LocalBackend sessions can share one server.
type LocalServer struct {
	db     *gorm.DB
	cost   int
	logger *slog.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[*localSubscription]struct{}
}

// LocalServerOption configures a LocalServer.
type LocalServerOption func(*LocalServer)

// WithLocalLogger sets the server logger.
func WithLocalLogger(l *slog.Logger) LocalServerOption {
	return func(s *LocalServer) { s.logger = l }
}

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) LocalServerOption {
	return func(s *LocalServer) { s.cost = cost }
}

// OpenLocalServer opens (or creates) the database at path. Use ":memory:"
// for a throwaway server.
func OpenLocalServer(path string, opts ...LocalServerOption) (*LocalServer, error) {
	memory := path == ":memory:"
	if memory {
		path = "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&localUser{}, &localObject{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	s := &LocalServer{
		db:   db,
		cost: bcrypt.DefaultCost,
		subs: make(map[*localSubscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cost < bcrypt.MinCost {
		s.cost = bcrypt.DefaultCost
	}
	s.logger = noopIfNil(s.logger)
	return s, nil
}

// Close closes every subscription and the database.
func (s *LocalServer) Close() error {
	s.mu.Lock()
	for sub := range s.subs {
		sub.closeLocked()
	}
	s.subs = make(map[*localSubscription]struct{})
	s.mu.Unlock()

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NewBackend returns a session bound to this server. The session starts
// logged out.
func (s *LocalServer) NewBackend() *LocalBackend {
	return &LocalBackend{server: s}
}

func (s *LocalServer) signUp(ctx context.Context, username, email, password string) (*localUser, error) {
	if username == "" || password == "" {
		return nil, &APIError{Code: 200, Message: "username and password are required"}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, err
	}
	u := &localUser{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		SessionToken: "r:" + uuid.NewString(),
		Relations:    "{}",
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&localUser{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, &APIError{Code: 202, Message: "Account already exists for this username."}
	}
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return nil, err
	}
	return u, nil
}

func (s *LocalServer) logIn(ctx context.Context, username, password string) (*localUser, error) {
	var u localUser
	if err := s.db.WithContext(ctx).First(&u, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if u.SessionToken == "" {
		u.SessionToken = "r:" + uuid.NewString()
		if err := s.db.WithContext(ctx).Model(&u).Update("session_token", u.SessionToken).Error; err != nil {
			return nil, err
		}
	}
	return &u, nil
}

func (s *LocalServer) userByToken(ctx context.Context, token string) (*localUser, error) {
	var u localUser
	if err := s.db.WithContext(ctx).First(&u, "session_token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotLoggedIn
		}
		return nil, err
	}
	return &u, nil
}

func (s *LocalServer) revoke(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&localUser{}).Where("id = ?", id).Update("session_token", "").Error
}

func (s *LocalServer) query(ctx context.Context, collection, field string, value any) ([]Record, error) {
	if collection == UserCollection {
		var users []localUser
		tx := s.db.WithContext(ctx)
		switch field {
		case FieldUsername, FieldEmail:
			tx = tx.Where(field+" = ?", fmt.Sprint(value))
		case "objectId":
			tx = tx.Where("id = ?", fmt.Sprint(value))
		default:
			return nil, fmt.Errorf("unsupported user field %q", field)
		}
		if err := tx.Find(&users).Error; err != nil {
			return nil, err
		}
		out := make([]Record, 0, len(users))
		for _, u := range users {
			out = append(out, u.record())
		}
		return out, nil
	}

	var objs []localObject
	if err := s.db.WithContext(ctx).Where("collection = ?", collection).Order("created_at").Find(&objs).Error; err != nil {
		return nil, err
	}
	q := Query{Collection: collection, Field: field, Value: value}
	var out []Record
	for _, o := range objs {
		r, err := o.record()
		if err != nil {
			return nil, err
		}
		if q.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *LocalServer) create(ctx context.Context, collection string, fields map[string]any) (*Record, error) {
	if collection == UserCollection {
		return nil, errors.New("users are created through SignUp")
	}
	data, err := normalizeFields(fields)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	obj := &localObject{ID: uuid.NewString(), Collection: collection, Data: string(raw)}

	s.writeMu.Lock()
	err = s.db.WithContext(ctx).Create(obj).Error
	s.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	rec, err := obj.record()
	if err != nil {
		return nil, err
	}
	s.publish(nil, &rec)
	return &rec, nil
}

func (s *LocalServer) update(ctx context.Context, rec *Record, fields map[string]any) (*Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if rec.Collection == UserCollection {
		return s.updateUser(ctx, rec.ID, fields)
	}

	var obj localObject
	if err := s.db.WithContext(ctx).First(&obj, "id = ?", rec.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &APIError{Code: 101, Message: "Object not found."}
		}
		return nil, err
	}
	before, err := obj.record()
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any, len(before.Fields)+len(fields))
	for k, v := range before.Fields {
		merged[k] = v
	}
	for k, v := range fields {
		if rel, ok := v.(AddRelation); ok {
			merged[k] = appendIDs(merged[k], rel.IDs)
			continue
		}
		merged[k] = v
	}
	data, err := normalizeFields(merged)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	obj.Data = string(raw)
	if err := s.db.WithContext(ctx).Save(&obj).Error; err != nil {
		return nil, err
	}
	after, err := obj.record()
	if err != nil {
		return nil, err
	}
	s.publish(&before, &after)
	return &after, nil
}

func (s *LocalServer) updateUser(ctx context.Context, id string, fields map[string]any) (*Record, error) {
	var u localUser
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}
		return nil, err
	}
	rels := u.relations()
	for k, v := range fields {
		switch val := v.(type) {
		case AddRelation:
			rels[k] = appendIDs(rels[k], val.IDs)
		case string:
			if k == FieldEmail {
				u.Email = val
			}
		}
	}
	raw, err := json.Marshal(rels)
	if err != nil {
		return nil, err
	}
	u.Relations = string(raw)
	if err := s.db.WithContext(ctx).Save(&u).Error; err != nil {
		return nil, err
	}
	rec := u.record()
	return &rec, nil
}

// ============================================================================
// Subscriptions
// ============================================================================

const localSubscriptionBuffer = 64

type localSubscription struct {
	server *LocalServer
	query  Query
	ch     chan SubscriptionEvent
	closed bool
}

func (s *LocalServer) subscribe(q Query) *localSubscription {
	sub := &localSubscription{
		server: s,
		query:  q,
		ch:     make(chan SubscriptionEvent, localSubscriptionBuffer),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// publish fans a change out to every matching subscription. before is nil
// for creates.
func (s *LocalServer) publish(before, after *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		kind, ok := classifyChange(sub.query, before, after)
		if !ok {
			continue
		}
		select {
		case sub.ch <- SubscriptionEvent{Kind: kind, Record: *after}:
		default:
			s.logger.Warn("subscription buffer full, dropping event", "kind", kind, "id", after.ID)
		}
	}
}

// classifyChange maps a change of one record to the event a subscriber on q
// sees. before is nil for creates.
func classifyChange(q Query, before, after *Record) (EventKind, bool) {
	matchedAfter := q.Matches(*after)
	if before == nil {
		return EventCreate, matchedAfter
	}
	matchedBefore := q.Matches(*before)
	switch {
	case matchedBefore && matchedAfter:
		return EventUpdate, true
	case matchedAfter:
		return EventEnter, true
	case matchedBefore:
		return EventLeave, true
	}
	return "", false
}

func (sub *localSubscription) Events() <-chan SubscriptionEvent { return sub.ch }

func (sub *localSubscription) Close() error {
	sub.server.mu.Lock()
	defer sub.server.mu.Unlock()
	delete(sub.server.subs, sub)
	sub.closeLocked()
	return nil
}

func (sub *localSubscription) closeLocked() {
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// ============================================================================
// LocalBackend: one session on a LocalServer
// ============================================================================

// LocalBackend implements Backend and Authenticator against a LocalServer.
type LocalBackend struct {
	server *LocalServer

	mu   sync.RWMutex
	user *localUser
}

var (
	_ Backend       = (*LocalBackend)(nil)
	_ Authenticator = (*LocalBackend)(nil)
)

func (b *LocalBackend) SignUp(ctx context.Context, username, email, password string) (*User, error) {
	u, err := b.server.signUp(ctx, username, email, password)
	if err != nil {
		return nil, err
	}
	b.setUser(u)
	return u.user(), nil
}

func (b *LocalBackend) LogIn(ctx context.Context, username, password string) (*User, error) {
	u, err := b.server.logIn(ctx, username, password)
	if err != nil {
		return nil, err
	}
	b.setUser(u)
	return u.user(), nil
}

func (b *LocalBackend) LogOut(ctx context.Context) error {
	b.mu.Lock()
	u := b.user
	b.user = nil
	b.mu.Unlock()
	if u == nil {
		return nil
	}
	return b.server.revoke(ctx, u.ID)
}

// Become restores a session from its token.
func (b *LocalBackend) Become(ctx context.Context, token string) (*User, error) {
	u, err := b.server.userByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	b.setUser(u)
	return u.user(), nil
}

func (b *LocalBackend) CurrentUser(ctx context.Context) (*User, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.user == nil {
		return nil, ErrNotLoggedIn
	}
	return b.user.user(), nil
}

func (b *LocalBackend) QueryByField(ctx context.Context, collection, field string, value any) ([]Record, error) {
	return b.server.query(ctx, collection, field, value)
}

func (b *LocalBackend) Create(ctx context.Context, collection string, fields map[string]any) (*Record, error) {
	return b.server.create(ctx, collection, fields)
}

func (b *LocalBackend) Update(ctx context.Context, rec *Record, fields map[string]any) (*Record, error) {
	return b.server.update(ctx, rec, fields)
}

func (b *LocalBackend) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	if _, err := b.CurrentUser(ctx); err != nil {
		return nil, err
	}
	return b.server.subscribe(q), nil
}

func (b *LocalBackend) setUser(u *localUser) {
	b.mu.Lock()
	b.user = u
	b.mu.Unlock()
}

// ============================================================================
// Row encoding
// ============================================================================

func (u *localUser) user() *User {
	return &User{ID: u.ID, Username: u.Username, Email: u.Email, SessionToken: u.SessionToken}
}

func (u *localUser) relations() map[string]any {
	rels := make(map[string]any)
	if u.Relations != "" {
		_ = json.Unmarshal([]byte(u.Relations), &rels)
	}
	return rels
}

func (u *localUser) record() Record {
	fields := u.relations()
	fields[FieldUsername] = u.Username
	fields[FieldEmail] = u.Email
	return Record{ID: u.ID, Collection: UserCollection, Fields: fields}
}

func (o *localObject) record() (Record, error) {
	fields := make(map[string]any)
	dec := json.NewDecoder(bytes.NewReader([]byte(o.Data)))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return Record{}, fmt.Errorf("decode object %s: %w", o.ID, err)
	}
	return Record{ID: o.ID, Collection: o.Collection, Fields: fields}, nil
}

// normalizeFields round-trips typed values through JSON so stored and
// published records share one shape.
func normalizeFields(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if rel, ok := v.(AddRelation); ok {
			out[k] = appendIDs(nil, rel.IDs)
			continue
		}
		out[k] = v
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	norm := make(map[string]any, len(out))
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&norm); err != nil {
		return nil, err
	}
	return norm, nil
}

func appendIDs(existing any, ids []string) []any {
	var out []any
	seen := make(map[string]bool)
	if list, ok := existing.([]any); ok {
		for _, v := range list {
			if id, ok := v.(string); ok && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
