package webcom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateReducer(t *testing.T) {
	st := NewState()
	assert.Equal(t, "", st.Focused())

	bero := Hangout{Username: "berouser", State: StateInvited}
	st.Handle(HangoutsUpdated{Hangouts: []Hangout{bero}})
	st.Handle(HangoutSelected{Hangout: bero})
	assert.Equal(t, "berouser", st.Focused())

	// A list update refreshes the focused row.
	updated := bero
	updated.Delivered = true
	st.Handle(HangoutsUpdated{Hangouts: []Hangout{updated}})
	snap := st.Snapshot()
	require.NotNil(t, snap.Hangout)
	assert.True(t, snap.Hangout.Delivered)

	p := PendingHangout{Username: "berouser", Command: CommandMessage}
	st.Handle(PendingCreated{Pending: p})
	st.Handle(PendingCleared{Peer: "carol"})
	assert.NotNil(t, st.Snapshot().Pending)
	st.Handle(PendingCleared{Peer: "berouser"})
	assert.Nil(t, st.Snapshot().Pending)

	st.Handle(Navigate{Route: "/INVITED"})
	st.Handle(HangoutCleared{})
	snap = st.Snapshot()
	assert.Nil(t, snap.Hangout)
	assert.Equal(t, "/INVITED", snap.Route)
	assert.Len(t, snap.Hangouts, 1, "clearing focus keeps the list")
}

func TestStateSnapshotIsCopy(t *testing.T) {
	st := NewState()
	st.Handle(UnreadUpdated{Hangouts: []Hangout{{Username: "a"}}})
	snap := st.Snapshot()
	snap.Unread[0].Username = "changed"
	assert.Equal(t, "a", st.Snapshot().Unread[0].Username)
}

func TestStateLoad(t *testing.T) {
	h := newHarness(t, "berouser")
	fx, err := MergeReceivedHangout(h.cache, "demouser", inviteFromDemouser(1), MergeOptions{MarkUnread: true})
	h.apply(t, fx, err)

	st := NewState()
	st.Handle(Navigate{Route: "/OLD"})
	require.NoError(t, st.Load(h.cache))
	snap := st.Snapshot()
	assert.Len(t, snap.Hangouts, 1)
	assert.Len(t, snap.Unread, 1)
	assert.Empty(t, snap.Route)

	st.Reset()
	assert.Empty(t, st.Snapshot().Hangouts)
}
