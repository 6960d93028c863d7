package webcom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveOptimisticHangoutRoundTrip(t *testing.T) {
	h := newHarness(t, "demouser")
	row := PendingHangout{
		Username:  "berouser",
		Email:     "b@example.com",
		Message:   textMessage("demouser", "Let's chat, berouser!", 100),
		Command:   CommandInvite,
		Timestamp: 100,
	}.Optimistic()

	fx, err := SaveOptimisticHangout(h.cache, "berouser", row, true, false)
	h.apply(t, fx, err)

	hangouts := h.hangouts(t)
	require.Len(t, hangouts, 1)
	assert.Equal(t, row, hangouts[0])
	assert.Equal(t, DeliveryPending, hangouts[0].Status())

	messages := h.messages(t, "berouser")
	require.Len(t, messages, 1)
	assert.Equal(t, "Let's chat, berouser!", messages[0].Text)
	assert.Equal(t, []string{"hangouts.updated", "messages.updated"}, h.rec.names())
}

func TestSaveOptimisticHangoutReplacesByUsername(t *testing.T) {
	h := newHarness(t, "demouser")
	first := Hangout{Username: "berouser", State: "INVITE", Timestamp: 1}
	other := Hangout{Username: "carol", State: "INVITE", Timestamp: 2}
	second := Hangout{Username: "berouser", State: "MESSAGE", Timestamp: 3}

	for _, row := range []Hangout{first, other, second} {
		fx, err := SaveOptimisticHangout(h.cache, row.Username, row, true, false)
		h.apply(t, fx, err)
	}
	assert.Equal(t, []Hangout{second, other}, h.hangouts(t))
}

func TestSaveOptimisticHangoutEmptyTextNotAppended(t *testing.T) {
	h := newHarness(t, "demouser")
	row := Hangout{Username: "berouser", State: "ACCEPT", Message: textMessage("demouser", "", 5), Timestamp: 5}

	fx, err := SaveOptimisticHangout(h.cache, "berouser", row, true, true)
	h.apply(t, fx, err)

	_, ok, err := h.store.Get(MessagesKey("demouser", "berouser"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"hangouts.updated"}, h.rec.names())
}

func TestSaveOptimisticHangoutBlockerNotice(t *testing.T) {
	h := newHarness(t, "berouser")
	row := Hangout{Username: "demouser", State: "MESSAGE", Message: textMessage("berouser", "hello?", 7), Timestamp: 7}

	fx, err := SaveOptimisticHangout(h.cache, "demouser", row, true, true)
	require.NoError(t, err)

	writes := 0
	for _, m := range fx.Mutations {
		if m.Key == MessagesKey("berouser", "demouser") {
			writes++
		}
	}
	assert.Equal(t, 1, writes)
	h.apply(t, fx, nil)

	messages := h.messages(t, "demouser")
	require.Len(t, messages, 2)
	assert.Equal(t, "hello?", messages[0].Text)
	assert.Empty(t, messages[0].Type)
	assert.Equal(t, BlockerMessageText, messages[1].Text)
	assert.Equal(t, MessageTypeBlocker, messages[1].Type)
}

func TestSaveOptimisticHangoutOffline(t *testing.T) {
	h := newHarness(t, "demouser")
	row := Hangout{Username: "berouser", State: "MESSAGE", Message: textMessage("demouser", "later", 9), Timestamp: 9}

	fx, err := SaveOptimisticHangout(h.cache, "berouser", row, false, false)
	h.apply(t, fx, err)

	assert.Nil(t, h.hangouts(t))
	queued, err := h.cache.OfflineHangouts()
	require.NoError(t, err)
	assert.Equal(t, []Hangout{row}, queued)
	offlineMessages, err := h.cache.OfflineMessages("berouser")
	require.NoError(t, err)
	require.Len(t, offlineMessages, 1)
	assert.Equal(t, []string{"offline.updated", "messages.updated"}, h.rec.names())
}

func TestAcknowledgeDelivered(t *testing.T) {
	h := newHarness(t, "demouser")
	msg := textMessage("demouser", "hi", 10)
	optimistic := Hangout{Username: "berouser", Email: "b@example.com", State: "MESSAGE", Message: msg, Timestamp: 10, Read: true}
	fx, err := SaveOptimisticHangout(h.cache, "berouser", optimistic, true, false)
	h.apply(t, fx, err)
	h.rec.reset()

	ack := optimistic
	ack.State = StateMessaged
	fx, err = AcknowledgeDelivered(h.cache, "berouser", ack, false)
	h.apply(t, fx, err)

	hangouts := h.hangouts(t)
	require.Len(t, hangouts, 1)
	want := ack
	want.Delivered = true
	assert.Equal(t, want, hangouts[0])
	assert.Equal(t, DeliveryDelivered, hangouts[0].Status())

	messages := h.messages(t, "berouser")
	require.Len(t, messages, 1)
	assert.True(t, messages[0].Delivered)

	// Only MESSANGER stays put; the sender's MESSAGED ack navigates.
	assert.Equal(t, []string{"hangouts.updated", "messages.updated", "pending.cleared", "navigate"}, h.rec.names())
	assert.Equal(t, "/MESSAGED", h.state.Snapshot().Route)
}

func TestAcknowledgeDeliveredWithoutPriorRow(t *testing.T) {
	h := newHarness(t, "demouser")
	ack := Hangout{Username: "berouser", State: StateInvited, Timestamp: 11}

	fx, err := AcknowledgeDelivered(h.cache, "berouser", ack, false)
	h.apply(t, fx, err)

	hangouts := h.hangouts(t)
	require.Len(t, hangouts, 1)
	assert.True(t, hangouts[0].Delivered)
	assert.Equal(t, "/INVITED", h.state.Snapshot().Route)
}

func TestAcknowledgeDeliveredBlocked(t *testing.T) {
	h := newHarness(t, "demouser")
	ack := Hangout{Username: "berouser", State: StateBlocked, Timestamp: 12}

	fx, err := AcknowledgeDelivered(h.cache, "berouser", ack, false)
	h.apply(t, fx, err)

	messages := h.messages(t, "berouser")
	require.Len(t, messages, 1)
	assert.Equal(t, BlockedMessageText, messages[0].Text)
	assert.Equal(t, MessageTypeBlocked, messages[0].Type)
	assert.Equal(t, "/BLOCKED", h.state.Snapshot().Route)
}

func TestAcknowledgeDeliveredOffline(t *testing.T) {
	h := newHarness(t, "demouser")
	for _, row := range []Hangout{
		{Username: "berouser", State: "INVITE", Timestamp: 20},
		{Username: "carol", State: "INVITE", Timestamp: 21},
	} {
		fx, err := SaveOptimisticHangout(h.cache, row.Username, row, false, false)
		h.apply(t, fx, err)
	}

	fx, err := AcknowledgeDelivered(h.cache, "berouser", Hangout{Username: "berouser", State: StateInvited, Timestamp: 20}, true)
	h.apply(t, fx, err)
	queued, err := h.cache.OfflineHangouts()
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "carol", queued[0].Username)

	fx, err = AcknowledgeDelivered(h.cache, "carol", Hangout{Username: "carol", State: StateInvited, Timestamp: 21}, true)
	h.apply(t, fx, err)
	_, ok, err := h.store.Get(OfflineHangoutsKey("demouser"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, h.state.Snapshot().OfflineHangouts)
}

func TestSendOfflineHangoutsMissingQueue(t *testing.T) {
	h := newHarness(t, "demouser")
	_, err := SendOfflineHangouts(h.cache)
	assert.ErrorIs(t, err, ErrOfflineQueueMissing)

	row := Hangout{Username: "berouser", State: "INVITE", Timestamp: 30}
	fx, err := SaveOptimisticHangout(h.cache, "berouser", row, false, false)
	h.apply(t, fx, err)

	queued, err := SendOfflineHangouts(h.cache)
	require.NoError(t, err)
	assert.Equal(t, []Hangout{row}, queued)
}

// Two read-modify-write sequences built from the same snapshot: the second
// write replaces the first.
func TestConcurrentWritesLastWriteWins(t *testing.T) {
	h := newHarness(t, "demouser")

	fxA, err := SaveOptimisticHangout(h.cache, "berouser", Hangout{Username: "berouser", State: "INVITE", Timestamp: 1}, true, false)
	require.NoError(t, err)
	fxB, err := SaveOptimisticHangout(h.cache, "carol", Hangout{Username: "carol", State: "INVITE", Timestamp: 2}, true, false)
	require.NoError(t, err)

	h.apply(t, fxA, nil)
	h.apply(t, fxB, nil)

	hangouts := h.hangouts(t)
	require.Len(t, hangouts, 1)
	assert.Equal(t, "carol", hangouts[0].Username)
}
