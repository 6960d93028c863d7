package webcom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Backend contract
// ============================================================================

// Backend collection and field names.
const (
	HangoutCollection = "Hangout"
	UserCollection    = "_User"

	FieldOwner     = "owner"
	FieldUsername  = "username"
	FieldEmail     = "email"
	FieldState     = "state"
	FieldMessage   = "message"
	FieldTimestamp = "timestamp"
	FieldHangouts  = "hangouts"
)

var (
	// ErrUserNotFound is returned when a username has no backend user.
	ErrUserNotFound = errors.New("user not found")
	// ErrNotLoggedIn is returned by backends without a current session.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrInvalidCredentials is returned by LogIn on a bad username or password.
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// Record is a backend object.
type Record struct {
	ID         string
	Collection string
	Fields     map[string]any
}

// AddRelation is a field value that links objects to a relation field.
type AddRelation struct {
	Collection string
	IDs        []string
}

// EventKind is the kind of a subscription event.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventEnter  EventKind = "enter"
	EventLeave  EventKind = "leave"
)

// SubscriptionEvent is pushed by a Subscription.
type SubscriptionEvent struct {
	Kind   EventKind
	Record Record
}

// Query is an equality filter on one field.
type Query struct {
	Collection string
	Field      string
	Value      any
}

// Matches reports whether r satisfies q.
func (q Query) Matches(r Record) bool {
	if r.Collection != q.Collection {
		return false
	}
	return fmt.Sprint(r.Fields[q.Field]) == fmt.Sprint(q.Value)
}

// Subscription streams events until closed.
type Subscription interface {
	Events() <-chan SubscriptionEvent
	Close() error
}

// Backend is the remote data service.
type Backend interface {
	QueryByField(ctx context.Context, collection, field string, value any) ([]Record, error)
	Create(ctx context.Context, collection string, fields map[string]any) (*Record, error)
	Update(ctx context.Context, rec *Record, fields map[string]any) (*Record, error)
	Subscribe(ctx context.Context, q Query) (Subscription, error)
	CurrentUser(ctx context.Context) (*User, error)
}

// Authenticator is implemented by backends that manage user sessions.
type Authenticator interface {
	SignUp(ctx context.Context, username, email, password string) (*User, error)
	LogIn(ctx context.Context, username, password string) (*User, error)
	LogOut(ctx context.Context) error
}

// ============================================================================
// Delivery result
// ============================================================================

// DeliveryOutcome tells which of the two rows of a command were stored.
type DeliveryOutcome int

const (
	NeitherSaved DeliveryOutcome = iota
	SenderOnlySaved
	TargetOnlySaved
	BothSaved
)

func (o DeliveryOutcome) String() string {
	switch o {
	case BothSaved:
		return "both-saved"
	case SenderOnlySaved:
		return "sender-only-saved"
	case TargetOnlySaved:
		return "target-only-saved"
	}
	return "neither-saved"
}

// DeliveryResult reports a two-row remote write. Partial outcomes are not
// compensated.
type DeliveryResult struct {
	Outcome   DeliveryOutcome
	SenderRow *Record
	TargetRow *Record
	Err       error
}

// ============================================================================
// RemoteAdapter
// ============================================================================

// hangoutRow is the decoded shape of a Hangout record.
type hangoutRow struct {
	Owner     string        `mapstructure:"owner"`
	Username  string        `mapstructure:"username"`
	Email     string        `mapstructure:"email"`
	State     string        `mapstructure:"state"`
	Message   *Message      `mapstructure:"message"`
	Timestamp int64         `mapstructure:"timestamp"`
	Hangouts  []interface{} `mapstructure:"hangouts"`
}

// RemoteAdapter maps commands onto backend writes and subscription events
// onto router envelopes.
type RemoteAdapter struct {
	backend Backend
	logger  *slog.Logger

	mu             sync.Mutex
	offlinePending map[int64]bool
}

// NewRemoteAdapter wraps backend.
func NewRemoteAdapter(backend Backend, logger *slog.Logger) *RemoteAdapter {
	return &RemoteAdapter{
		backend:        backend,
		logger:         noopIfNil(logger),
		offlinePending: make(map[int64]bool),
	}
}

// Backend returns the wrapped backend.
func (a *RemoteAdapter) Backend() Backend { return a.backend }

// MarkOffline flags the acknowledgment for a replayed command so it is
// routed as OFFLINE_ACKN.
func (a *RemoteAdapter) MarkOffline(timestamp int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offlinePending[timestamp] = true
}

func (a *RemoteAdapter) takeOffline(timestamp int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.offlinePending[timestamp] {
		delete(a.offlinePending, timestamp)
		return true
	}
	return false
}

// Send stores both rows of a command. INVITE creates the rows and links them
// to their owners; other commands update the rows in place. Unknown commands
// fail before anything is written.
func (a *RemoteAdapter) Send(ctx context.Context, p PendingHangout) (DeliveryResult, error) {
	states, err := MapCommandToStates(p.Command)
	if err != nil {
		return DeliveryResult{}, err
	}

	me, err := a.backend.CurrentUser(ctx)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("current user: %w", err)
	}

	var sender, target *Record
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sender, err = a.findUser(gctx, me.Username)
		return err
	})
	g.Go(func() error {
		var err error
		target, err = a.findUser(gctx, p.Username)
		return err
	})
	if err := g.Wait(); err != nil {
		return DeliveryResult{}, err
	}

	senderFields := map[string]any{
		FieldOwner:     sender.ID,
		FieldUsername:  p.Username,
		FieldEmail:     stringField(target, FieldEmail),
		FieldState:     string(states.SenderState),
		FieldTimestamp: p.Timestamp,
		FieldMessage:   p.Message,
	}
	targetFields := map[string]any{
		FieldOwner:     target.ID,
		FieldUsername:  me.Username,
		FieldEmail:     me.Email,
		FieldState:     string(states.TargetState),
		FieldTimestamp: p.Timestamp,
		FieldMessage:   p.Message,
	}

	var res DeliveryResult
	if p.Command == CommandInvite {
		res = a.createPair(ctx, sender, target, senderFields, targetFields)
	} else {
		res = a.updatePair(ctx, sender, target, me.Username, p.Username, senderFields, targetFields)
	}
	return res, nil
}

func (a *RemoteAdapter) createPair(ctx context.Context, sender, target *Record, senderFields, targetFields map[string]any) DeliveryResult {
	var res DeliveryResult
	var errs []error

	senderRow, err := a.backend.Create(ctx, HangoutCollection, senderFields)
	if err != nil {
		errs = append(errs, fmt.Errorf("create sender row: %w", err))
	} else {
		res.SenderRow = senderRow
	}
	targetRow, err := a.backend.Create(ctx, HangoutCollection, targetFields)
	if err != nil {
		errs = append(errs, fmt.Errorf("create target row: %w", err))
	} else {
		res.TargetRow = targetRow
	}

	if res.SenderRow != nil {
		if _, err := a.backend.Update(ctx, sender, map[string]any{
			FieldHangouts: AddRelation{Collection: HangoutCollection, IDs: []string{res.SenderRow.ID}},
		}); err != nil {
			errs = append(errs, fmt.Errorf("link sender row: %w", err))
		}
	}
	if res.TargetRow != nil {
		if _, err := a.backend.Update(ctx, target, map[string]any{
			FieldHangouts: AddRelation{Collection: HangoutCollection, IDs: []string{res.TargetRow.ID}},
		}); err != nil {
			errs = append(errs, fmt.Errorf("link target row: %w", err))
		}
	}
	res.Outcome = outcome(res.SenderRow != nil, res.TargetRow != nil)
	res.Err = errors.Join(errs...)
	return res
}

func (a *RemoteAdapter) updatePair(ctx context.Context, sender, target *Record, senderName, targetName string, senderFields, targetFields map[string]any) DeliveryResult {
	var res DeliveryResult
	var errs []error

	update := func(owner *Record, peer string, fields map[string]any) (*Record, error) {
		row, err := a.findHangoutRow(ctx, owner.ID, peer)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, fmt.Errorf("no hangout row of %s for %s", owner.ID, peer)
		}
		return a.backend.Update(ctx, row, map[string]any{
			FieldMessage:   fields[FieldMessage],
			FieldTimestamp: fields[FieldTimestamp],
			FieldState:     fields[FieldState],
		})
	}

	row, err := update(sender, targetName, senderFields)
	if err != nil {
		errs = append(errs, fmt.Errorf("update sender row: %w", err))
	}
	res.SenderRow = row
	row, err = update(target, senderName, targetFields)
	if err != nil {
		errs = append(errs, fmt.Errorf("update target row: %w", err))
	}
	res.TargetRow = row

	res.Outcome = outcome(res.SenderRow != nil, res.TargetRow != nil)
	res.Err = errors.Join(errs...)
	return res
}

func outcome(sender, target bool) DeliveryOutcome {
	switch {
	case sender && target:
		return BothSaved
	case sender:
		return SenderOnlySaved
	case target:
		return TargetOnlySaved
	}
	return NeitherSaved
}

func (a *RemoteAdapter) findUser(ctx context.Context, username string) (*Record, error) {
	users, err := a.backend.QueryByField(ctx, UserCollection, FieldUsername, username)
	if err != nil {
		return nil, fmt.Errorf("query user %s: %w", username, err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	return &users[0], nil
}

func (a *RemoteAdapter) findHangoutRow(ctx context.Context, ownerID, peer string) (*Record, error) {
	rows, err := a.backend.QueryByField(ctx, HangoutCollection, FieldOwner, ownerID)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if stringField(&rows[i], FieldUsername) == peer {
			return &rows[i], nil
		}
	}
	return nil, nil
}

// Search looks up a hangout candidate: first among the caller's own rows,
// then in the user directory, proposing an INVITE.
func (a *RemoteAdapter) Search(ctx context.Context, name string) ([]Hangout, error) {
	me, err := a.backend.CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}
	rows, err := a.backend.QueryByField(ctx, HangoutCollection, FieldOwner, me.ID)
	if err != nil {
		return nil, fmt.Errorf("query hangouts: %w", err)
	}
	var found []Hangout
	for _, r := range rows {
		h, err := DecodeHangout(r)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(h.Username, name) {
			found = append(found, h)
		}
	}
	if len(found) > 0 {
		return found, nil
	}

	users, err := a.backend.QueryByField(ctx, UserCollection, FieldUsername, name)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	for _, u := range users {
		found = append(found, Hangout{
			Username: stringField(&u, FieldUsername),
			Email:    stringField(&u, FieldEmail),
			State:    HangoutState(CommandInvite),
		})
	}
	return found, nil
}

// OwnRows returns every hangout row owned by the current user.
func (a *RemoteAdapter) OwnRows(ctx context.Context) ([]Hangout, error) {
	me, err := a.backend.CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}
	rows, err := a.backend.QueryByField(ctx, HangoutCollection, FieldOwner, me.ID)
	if err != nil {
		return nil, fmt.Errorf("query hangouts: %w", err)
	}
	out := make([]Hangout, 0, len(rows))
	for _, r := range rows {
		h, err := DecodeHangout(r)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Subscribe opens the subscription on the current user's rows.
func (a *RemoteAdapter) Subscribe(ctx context.Context) (Subscription, error) {
	me, err := a.backend.CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}
	return a.backend.Subscribe(ctx, Query{Collection: HangoutCollection, Field: FieldOwner, Value: me.ID})
}

// Envelopes converts a subscription event into router envelopes. Enter
// events produce nothing; leave events carrying a nested hangout list
// produce one envelope per element.
func (a *RemoteAdapter) Envelopes(ev SubscriptionEvent) ([]Envelope, error) {
	switch ev.Kind {
	case EventCreate, EventUpdate:
		h, err := DecodeHangout(ev.Record)
		if err != nil {
			return nil, err
		}
		if env, ok := a.classify(h); ok {
			return []Envelope{env}, nil
		}
		return nil, nil
	case EventLeave:
		var row hangoutRow
		if err := decodeFields(ev.Record.Fields, &row); err != nil {
			return nil, err
		}
		nested := row.Hangouts
		if len(nested) == 0 {
			h, err := DecodeHangout(ev.Record)
			if err != nil {
				return nil, err
			}
			if env, ok := a.classify(h); ok {
				return []Envelope{env}, nil
			}
			return nil, nil
		}
		var out []Envelope
		for _, n := range nested {
			fields, ok := n.(map[string]any)
			if !ok {
				continue
			}
			h, err := DecodeHangout(Record{Collection: HangoutCollection, Fields: fields})
			if err != nil {
				return nil, err
			}
			if env, ok := a.classify(h); ok {
				out = append(out, env)
			}
		}
		return out, nil
	default:
		return nil, nil
	}
}

func (a *RemoteAdapter) classify(h Hangout) (Envelope, bool) {
	switch {
	case IsAcknowledgmentState(h.State):
		typ := EnvelopeAcknowledgement
		if a.takeOffline(h.Timestamp) {
			typ = EnvelopeOfflineAck
		}
		return Envelope{Type: typ, Hangout: &h}, true
	case IsNotificationState(h.State):
		return Envelope{Type: EnvelopeHangout, Hangout: &h}, true
	}
	a.logger.Debug("unclassified hangout state", "state", h.State, "peer", h.Username)
	return Envelope{}, false
}

// DecodeHangout converts a Hangout record into the local model.
func DecodeHangout(r Record) (Hangout, error) {
	var row hangoutRow
	if err := decodeFields(r.Fields, &row); err != nil {
		return Hangout{}, fmt.Errorf("decode hangout %s: %w", r.ID, err)
	}
	return Hangout{
		Username:  row.Username,
		Email:     row.Email,
		State:     HangoutState(row.State),
		Message:   row.Message,
		Timestamp: row.Timestamp,
	}, nil
}

func decodeFields(fields map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		Result:           out,
		DecodeHook:       messageHook,
	})
	if err != nil {
		return err
	}
	return dec.Decode(fields)
}

func stringField(r *Record, name string) string {
	if r == nil {
		return ""
	}
	s, _ := r.Fields[name].(string)
	return s
}

// messageHook lets message fields arrive either as a typed value or as a
// decoded JSON object.
func messageHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(Message{}) {
		return data, nil
	}
	switch m := data.(type) {
	case Message:
		return m, nil
	case *Message:
		if m == nil {
			return nil, nil
		}
		return *m, nil
	case json.RawMessage:
		var out Message
		if err := json.Unmarshal(m, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return data, nil
}
