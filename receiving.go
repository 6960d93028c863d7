package webcom

// MergeOptions controls how a received hangout is merged.
type MergeOptions struct {
	// FocusedPeer is the peer whose conversation is open, or "".
	FocusedPeer string
	// RouteOnArrival allows navigation when the focused hangout changes state.
	RouteOnArrival bool
	// MarkUnread adds ACCEPTER, INVITER and MESSANGER arrivals to the unread list.
	MarkUnread bool
}

func (o MergeOptions) focused(peer string) bool {
	return o.FocusedPeer != "" && o.FocusedPeer == peer
}

// MergeReceivedHangout merges a hangout pushed by peer into the local cache.
// Read flags follow focus: the open conversation is read, anything else is not.
// The embedded message is stored left-floated whatever the sender set.
// Message list updates for unfocused peers are persisted but not emitted.
func MergeReceivedHangout(c *Cache, peer string, h Hangout, opts MergeOptions) (Effects, error) {
	var fx Effects
	focused := opts.focused(peer)

	hangouts, err := c.Hangouts()
	if err != nil {
		return fx, err
	}
	merged := h
	merged.Read = focused
	if h.Message != nil {
		received := *h.Message
		received.Float = FloatLeft
		merged.Message = &received
	}
	hangouts = upsertHangout(hangouts, peer, merged)
	fx.put(HangoutsKey(c.user), hangouts)
	fx.emit(HangoutsUpdated{Hangouts: hangouts})

	if focused {
		fx.emit(HangoutSelected{Hangout: merged})
		if opts.RouteOnArrival && h.State != StateMessanger {
			fx.emit(Navigate{Route: RouteFor(h.State)})
		}
	}

	if merged.Message != nil {
		messages, err := c.Messages(peer)
		if err != nil {
			return fx, err
		}
		m := *merged.Message
		m.Read = focused
		if i := indexOfMessage(messages, m.Timestamp); i >= 0 && messages[i].Username == m.Username {
			messages[i] = m
		} else {
			messages = append(messages, m)
		}
		fx.put(MessagesKey(c.user, peer), messages)
		if focused {
			fx.emit(MessagesUpdated{Peer: peer, Messages: messages})
		}
	}

	if opts.MarkUnread && countsAsUnread(h.State) {
		unread, err := c.Unread()
		if err != nil {
			return fx, err
		}
		entry := merged
		entry.Read = false
		unread = append(unread, entry)
		fx.put(UnreadHangoutsKey(c.user), unread)
		fx.emit(UnreadUpdated{Hangouts: unread})
	}
	return fx, nil
}

// MarkHangoutRead flags everything received from peer as read: its unread
// entries, its hangout row and, when the row embeds a message, every message
// in the conversation. Applying it twice yields the same state.
func MarkHangoutRead(c *Cache, peer string) (Effects, error) {
	var fx Effects

	unread, err := c.Unread()
	if err != nil {
		return fx, err
	}
	if len(unread) > 0 {
		for i := range unread {
			if unread[i].Username == peer {
				unread[i].Read = true
			}
		}
		fx.put(UnreadHangoutsKey(c.user), unread)
		fx.emit(UnreadUpdated{Hangouts: unread})
	}

	hangouts, err := c.Hangouts()
	if err != nil {
		return fx, err
	}
	i := indexOfHangout(hangouts, peer)
	if i < 0 {
		return fx, nil
	}
	hangouts[i].Read = true
	fx.put(HangoutsKey(c.user), hangouts)
	fx.emit(HangoutsUpdated{Hangouts: hangouts})

	if hangouts[i].Message == nil {
		return fx, nil
	}
	messages, err := c.Messages(peer)
	if err != nil {
		return fx, err
	}
	if len(messages) == 0 {
		return fx, nil
	}
	for j := range messages {
		messages[j].Read = true
	}
	fx.put(MessagesKey(c.user, peer), messages)
	fx.emit(MessagesUpdated{Peer: peer, Messages: messages})
	return fx, nil
}

// RemoveFromUnread drops every unread entry of peer. The key is deleted once
// the list is empty.
func RemoveFromUnread(c *Cache, peer string) (Effects, error) {
	var fx Effects

	unread, err := c.Unread()
	if err != nil {
		return fx, err
	}
	remaining := []Hangout{}
	for _, u := range unread {
		if u.Username != peer {
			remaining = append(remaining, u)
		}
	}
	if len(remaining) > 0 {
		fx.put(UnreadHangoutsKey(c.user), remaining)
	} else {
		fx.remove(UnreadHangoutsKey(c.user))
	}
	fx.emit(UnreadUpdated{Hangouts: remaining})
	return fx, nil
}
