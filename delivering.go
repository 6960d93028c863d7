package webcom

import "errors"

// Synthetic system lines appended to a message list.
const (
	BlockerMessageText = "You can not send this message because you are blocked."
	BlockedMessageText = "You blocked this user"

	MessageTypeBlocker = "blocker"
	MessageTypeBlocked = "blocked"
)

// ErrOfflineQueueMissing is returned by SendOfflineHangouts when the offline
// queue key was never written. Callers that flush unconditionally hit this on
// a fresh install; the queue is not created implicitly.
var ErrOfflineQueueMissing = errors.New("offline hangouts queue does not exist")

// SaveOptimisticHangout writes h into the hangout list before the backend
// confirms it. Offline writes go to the offline queue and offline message
// list instead of the live ones. A non-empty message is appended to the
// message list; isBlocker appends the blocker notice in the same write.
func SaveOptimisticHangout(c *Cache, peer string, h Hangout, online, isBlocker bool) (Effects, error) {
	var fx Effects

	hangoutKey := HangoutsKey(c.user)
	messageKey := MessagesKey(c.user, peer)
	hangouts, err := c.Hangouts()
	if !online {
		hangoutKey = OfflineHangoutsKey(c.user)
		messageKey = OfflineMessagesKey(c.user, peer)
		hangouts, err = c.OfflineHangouts()
	}
	if err != nil {
		return fx, err
	}

	hangouts = upsertHangout(hangouts, peer, h)
	fx.put(hangoutKey, hangouts)
	if online {
		fx.emit(HangoutsUpdated{Hangouts: hangouts})
	} else {
		fx.emit(OfflineHangoutsUpdated{Hangouts: hangouts})
	}

	if !h.HasText() {
		return fx, nil
	}
	messages, err := readList[Message](c.store, messageKey)
	if err != nil {
		return fx, err
	}
	messages = append(messages, *h.Message)
	if isBlocker {
		notice := *h.Message
		notice.Text = BlockerMessageText
		notice.Type = MessageTypeBlocker
		notice.Delivered = false
		messages = append(messages, notice)
	}
	fx.put(messageKey, messages)
	fx.emit(MessagesUpdated{Peer: peer, Messages: messages})
	return fx, nil
}

// AcknowledgeDelivered finalizes a command once the backend has stored it.
// The hangout row is replaced by h with Delivered set, the embedded message
// is marked delivered by timestamp, BLOCKED appends a notice, and an offline
// acknowledgment drops the queued entry with the same timestamp.
func AcknowledgeDelivered(c *Cache, peer string, h Hangout, wasOffline bool) (Effects, error) {
	var fx Effects

	hangouts, err := c.Hangouts()
	if err != nil {
		return fx, err
	}
	delivered := h
	delivered.Delivered = true
	hangouts = upsertHangout(hangouts, peer, delivered)
	fx.put(HangoutsKey(c.user), hangouts)
	fx.emit(HangoutsUpdated{Hangouts: hangouts})

	if h.Message != nil || h.State == StateBlocked {
		messages, err := c.Messages(peer)
		if err != nil {
			return fx, err
		}
		if h.Message != nil {
			m := *h.Message
			m.Delivered = true
			if i := indexOfMessage(messages, m.Timestamp); i >= 0 {
				messages[i] = m
			} else {
				messages = append(messages, m)
			}
		}
		if h.State == StateBlocked {
			messages = append(messages, Message{
				Text:      BlockedMessageText,
				Type:      MessageTypeBlocked,
				Timestamp: h.Timestamp,
				Username:  c.user,
				Delivered: true,
				Read:      true,
			})
		}
		fx.put(MessagesKey(c.user, peer), messages)
		fx.emit(MessagesUpdated{Peer: peer, Messages: messages})
	}

	if wasOffline {
		dropped, err := DropOfflineHangout(c, h.Timestamp)
		if err != nil {
			return fx, err
		}
		fx.Append(dropped)
	}

	fx.emit(PendingCleared{Peer: peer})
	if h.State != StateMessanger {
		fx.emit(Navigate{Route: RouteFor(h.State)})
	}
	return fx, nil
}

// DropOfflineHangout removes the queued hangout written at timestamp. The
// queue key is deleted once it is empty; an absent queue is left alone.
func DropOfflineHangout(c *Cache, timestamp int64) (Effects, error) {
	var fx Effects
	queue, err := c.OfflineHangouts()
	if err != nil || queue == nil {
		return fx, err
	}
	remaining := queue[:0:0]
	for _, q := range queue {
		if q.Timestamp != timestamp {
			remaining = append(remaining, q)
		}
	}
	if len(remaining) == 0 {
		fx.remove(OfflineHangoutsKey(c.user))
	} else {
		fx.put(OfflineHangoutsKey(c.user), remaining)
	}
	fx.emit(OfflineHangoutsUpdated{Hangouts: remaining})
	return fx, nil
}

// SendOfflineHangouts returns the queued hangouts to replay, oldest first.
// Unlike the other readers it treats an absent queue as an error.
func SendOfflineHangouts(c *Cache) ([]Hangout, error) {
	raw, ok, err := c.store.Get(OfflineHangoutsKey(c.user))
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" || raw == "null" {
		return nil, ErrOfflineQueueMissing
	}
	return c.OfflineHangouts()
}

// upsertHangout replaces the first entry for peer or appends h. A nil list
// becomes a one-element list.
func upsertHangout(list []Hangout, peer string, h Hangout) []Hangout {
	if i := indexOfHangout(list, peer); i >= 0 {
		out := append([]Hangout(nil), list...)
		out[i] = h
		return out
	}
	return append(append([]Hangout(nil), list...), h)
}
