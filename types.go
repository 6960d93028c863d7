package webcom

import (
	"fmt"
	"strings"
)

// ============================================================================
// Hangout states and commands
// ============================================================================

// HangoutState is the negotiation state of a hangout as seen by its owner.
// Optimistic rows written before the backend acknowledges a command carry
// the command name (e.g. "DECLINE") as their state.
type HangoutState string

// Notification states, held by the peer of the command issuer.
const (
	StateInviter   HangoutState = "INVITER"
	StateAccepter  HangoutState = "ACCEPTER"
	StateDecliner  HangoutState = "DECLINER"
	StateBlocker   HangoutState = "BLOCKER"
	StateUnblocker HangoutState = "UNBLOCKER"
	StateMessanger HangoutState = "MESSANGER"
)

// Acknowledgment states, held by the command issuer.
const (
	StateInvited   HangoutState = "INVITED"
	StateAccepted  HangoutState = "ACCEPTED"
	StateDeclined  HangoutState = "DECLINED"
	StateBlocked   HangoutState = "BLOCKED"
	StateUnblocked HangoutState = "UNBLOCKED"
	StateMessaged  HangoutState = "MESSAGED"
)

// ClientCommand is a command issued by the local user against a peer.
type ClientCommand string

const (
	CommandInvite  ClientCommand = "INVITE"
	CommandAccept  ClientCommand = "ACCEPT"
	CommandDecline ClientCommand = "DECLINE"
	CommandBlock   ClientCommand = "BLOCK"
	CommandUnblock ClientCommand = "UNBLOCK"
	CommandMessage ClientCommand = "MESSAGE"
	// CommandOnline is never mapped to states; it asks the backend for
	// everything that happened while the client was away.
	CommandOnline ClientCommand = "ONLINE"
)

// ParseCommand converts a case-insensitive command name.
func ParseCommand(s string) (ClientCommand, error) {
	switch c := ClientCommand(strings.ToUpper(strings.TrimSpace(s))); c {
	case CommandInvite, CommandAccept, CommandDecline, CommandBlock,
		CommandUnblock, CommandMessage, CommandOnline:
		return c, nil
	}
	return "", &UnknownCommandError{Command: ClientCommand(s)}
}

// EnvelopeType classifies messages pushed to the dispatch router.
type EnvelopeType string

const (
	// EnvelopeAcknowledgement keeps the historical wire spelling.
	EnvelopeAcknowledgement EnvelopeType = "ACKHOWLEDGEMENT"
	EnvelopeHangout         EnvelopeType = "HANGOUT"
	EnvelopeUnreadHangouts  EnvelopeType = "UNREAD_HANGOUTS"
	EnvelopeOfflineAck      EnvelopeType = "OFFLINE_ACKN"
)

// ============================================================================
// Data model
// ============================================================================

// Message is a single chat line, embedded in a Hangout and appended to the
// per-peer message list.
type Message struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Delivered bool   `json:"delivered"`
	Read      bool   `json:"read"`
	Username  string `json:"username"`
	Float     string `json:"float,omitempty"`
	// Type is set on synthetic system lines ("blocker", "blocked").
	Type string `json:"type,omitempty"`
}

// Message alignment in a conversation: own lines right, the peer's left.
const (
	FloatRight = "right"
	FloatLeft  = "left"
)

// Hangout is one user's view of the relationship with a peer.
type Hangout struct {
	Username  string       `json:"username"`
	Email     string       `json:"email"`
	State     HangoutState `json:"state"`
	Message   *Message     `json:"message"`
	Timestamp int64        `json:"timestamp"`
	Delivered bool         `json:"delivered"`
	Read      bool         `json:"read"`
}

// HasText reports whether the hangout embeds a non-empty message.
func (h Hangout) HasText() bool {
	return h.Message != nil && h.Message.Text != ""
}

// Status derives the delivery status. Failed is never produced by the
// reconciliation flows; remote failures leave rows Pending.
func (h Hangout) Status() DeliveryStatus {
	if h.Delivered {
		return DeliveryDelivered
	}
	return DeliveryPending
}

// PendingHangout is an outbound command in flight.
type PendingHangout struct {
	Username  string        `json:"username"`
	Email     string        `json:"email"`
	Message   *Message      `json:"message,omitempty"`
	Command   ClientCommand `json:"command"`
	Timestamp int64         `json:"timestamp"`
}

// Optimistic returns the hangout row written locally before the backend
// confirms the command.
func (p PendingHangout) Optimistic() Hangout {
	return Hangout{
		Username:  p.Username,
		Email:     p.Email,
		State:     HangoutState(p.Command),
		Message:   p.Message,
		Timestamp: p.Timestamp,
		Delivered: false,
		Read:      true,
	}
}

// DeliveryStatus of a hangout or message.
type DeliveryStatus int

const (
	DeliveryPending DeliveryStatus = iota
	DeliveryDelivered
	DeliveryFailed
)

func (s DeliveryStatus) String() string {
	switch s {
	case DeliveryPending:
		return "pending"
	case DeliveryDelivered:
		return "delivered"
	case DeliveryFailed:
		return "failed"
	}
	return fmt.Sprintf("DeliveryStatus(%d)", int(s))
}

// Envelope is a server-pushed message handled by Router.
type Envelope struct {
	Type     EnvelopeType `json:"type"`
	Hangout  *Hangout     `json:"hangout,omitempty"`
	Hangouts []Hangout    `json:"hangouts,omitempty"`
}

// Session is the logged-in identity persisted under SessionKey.
type Session struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Email    string `json:"email"`
	UserID   string `json:"objectId,omitempty"`
}

// User is a backend user record.
type User struct {
	ID           string `json:"objectId"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	SessionToken string `json:"sessionToken,omitempty"`
}

// ============================================================================
// Errors
// ============================================================================

// APIError is an error body returned by the backend ({"code":101,"error":"..."}).
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}
