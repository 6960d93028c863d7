package webcom

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newLocalServer(t *testing.T) *LocalServer {
	t.Helper()
	srv, err := OpenLocalServer(":memory:", WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

// signedUp returns a backend logged in as a fresh user.
func signedUp(t *testing.T, srv *LocalServer, username string) *LocalBackend {
	t.Helper()
	b := srv.NewBackend()
	_, err := b.SignUp(context.Background(), username, username+"@gmail.com", "secret")
	require.NoError(t, err)
	return b
}

func nextEvent(t *testing.T, sub Subscription) SubscriptionEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription event")
	}
	return SubscriptionEvent{}
}

func assertNoEvent(t *testing.T, sub Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %s", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalSignUpAndLogIn(t *testing.T) {
	ctx := context.Background()
	srv := newLocalServer(t)

	b := srv.NewBackend()
	_, err := b.CurrentUser(ctx)
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	u, err := b.SignUp(ctx, "demouser", "demo@gmail.com", "secret")
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Contains(t, u.SessionToken, "r:")

	_, err = srv.NewBackend().SignUp(ctx, "demouser", "other@gmail.com", "x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 202, apiErr.Code)

	other := srv.NewBackend()
	_, err = other.LogIn(ctx, "demouser", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = other.LogIn(ctx, "nobody", "secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	logged, err := other.LogIn(ctx, "demouser", "secret")
	require.NoError(t, err)
	assert.Equal(t, u.ID, logged.ID)
}

func TestLocalBecomeAndLogOut(t *testing.T) {
	ctx := context.Background()
	srv := newLocalServer(t)
	b := signedUp(t, srv, "demouser")
	me, err := b.CurrentUser(ctx)
	require.NoError(t, err)

	resumed := srv.NewBackend()
	u, err := resumed.Become(ctx, me.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, "demouser", u.Username)

	require.NoError(t, b.LogOut(ctx))
	_, err = b.CurrentUser(ctx)
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	_, err = srv.NewBackend().Become(ctx, me.SessionToken)
	assert.ErrorIs(t, err, ErrNotLoggedIn, "token revoked by logout")
}

func TestLocalQueryAndUpdate(t *testing.T) {
	ctx := context.Background()
	srv := newLocalServer(t)
	b := signedUp(t, srv, "demouser")

	users, err := b.QueryByField(ctx, UserCollection, FieldUsername, "demouser")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "demouser@gmail.com", users[0].Fields[FieldEmail])

	rec, err := b.Create(ctx, HangoutCollection, map[string]any{
		FieldOwner:     users[0].ID,
		FieldUsername:  "berouser",
		FieldState:     "INVITED",
		FieldTimestamp: int64(1700000000000),
		FieldMessage:   &Message{Text: "hi", Timestamp: 1700000000000},
	})
	require.NoError(t, err)

	rows, err := b.QueryByField(ctx, HangoutCollection, FieldTimestamp, int64(1700000000000))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	h, err := DecodeHangout(rows[0])
	require.NoError(t, err)
	assert.Equal(t, StateInvited, h.State)
	require.NotNil(t, h.Message)
	assert.Equal(t, "hi", h.Message.Text)

	updated, err := b.Update(ctx, rec, map[string]any{FieldState: "ACCEPTED"})
	require.NoError(t, err)
	assert.Equal(t, "berouser", updated.Fields[FieldUsername], "update merges fields")
	assert.Equal(t, "ACCEPTED", updated.Fields[FieldState])

	_, err = b.Update(ctx, &Record{ID: "missing", Collection: HangoutCollection}, map[string]any{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 101, apiErr.Code)

	_, err = b.Update(ctx, &users[0], map[string]any{
		FieldHangouts: AddRelation{Collection: HangoutCollection, IDs: []string{rec.ID}},
	})
	require.NoError(t, err)
	_, err = b.Update(ctx, &users[0], map[string]any{
		FieldHangouts: AddRelation{Collection: HangoutCollection, IDs: []string{rec.ID, "second"}},
	})
	require.NoError(t, err)
	users, err = b.QueryByField(ctx, UserCollection, "objectId", users[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []any{rec.ID, "second"}, users[0].Fields[FieldHangouts])
}

func TestLocalSubscriptionEvents(t *testing.T) {
	ctx := context.Background()
	srv := newLocalServer(t)
	b := signedUp(t, srv, "demouser")

	sub, err := b.Subscribe(ctx, Query{Collection: HangoutCollection, Field: FieldOwner, Value: "me"})
	require.NoError(t, err)
	defer sub.Close()

	rec, err := b.Create(ctx, HangoutCollection, map[string]any{FieldOwner: "me", FieldState: "INVITER"})
	require.NoError(t, err)
	assert.Equal(t, EventCreate, nextEvent(t, sub).Kind)

	_, err = b.Create(ctx, HangoutCollection, map[string]any{FieldOwner: "someone"})
	require.NoError(t, err)
	assertNoEvent(t, sub)

	rec, err = b.Update(ctx, rec, map[string]any{FieldState: "ACCEPTER"})
	require.NoError(t, err)
	assert.Equal(t, EventUpdate, nextEvent(t, sub).Kind)

	rec, err = b.Update(ctx, rec, map[string]any{FieldOwner: "someone"})
	require.NoError(t, err)
	assert.Equal(t, EventLeave, nextEvent(t, sub).Kind)

	_, err = b.Update(ctx, rec, map[string]any{FieldOwner: "me"})
	require.NoError(t, err)
	assert.Equal(t, EventEnter, nextEvent(t, sub).Kind)

	require.NoError(t, sub.Close())
	_, ok := <-sub.Events()
	assert.False(t, ok)
	require.NoError(t, sub.Close(), "close is idempotent")
}

func TestLocalSubscribeRequiresLogin(t *testing.T) {
	srv := newLocalServer(t)
	_, err := srv.NewBackend().Subscribe(context.Background(), Query{Collection: HangoutCollection})
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestClassifyChange(t *testing.T) {
	q := Query{Collection: HangoutCollection, Field: FieldOwner, Value: "u1"}
	in := &Record{Collection: HangoutCollection, Fields: map[string]any{FieldOwner: "u1"}}
	out := &Record{Collection: HangoutCollection, Fields: map[string]any{FieldOwner: "u2"}}

	tests := []struct {
		name          string
		before, after *Record
		kind          EventKind
		ok            bool
	}{
		{"create match", nil, in, EventCreate, true},
		{"create miss", nil, out, EventCreate, false},
		{"update", in, in, EventUpdate, true},
		{"enter", out, in, EventEnter, true},
		{"leave", in, out, EventLeave, true},
		{"outside", out, out, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := classifyChange(q, tt.before, tt.after)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.kind, kind)
			}
		})
	}
}
