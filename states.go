package webcom

import "fmt"

// Transition is the pair of states a command moves the two parties into.
type Transition struct {
	SenderState HangoutState `json:"senderState"`
	TargetState HangoutState `json:"targetState"`
}

// UnknownCommandError is returned when a command has no state mapping.
// It is fatal to the outbound flow that issued the command.
type UnknownCommandError struct {
	Command ClientCommand
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown hangout command %q", string(e.Command))
}

var transitions = map[ClientCommand]Transition{
	CommandInvite:  {SenderState: StateInvited, TargetState: StateInviter},
	CommandAccept:  {SenderState: StateAccepted, TargetState: StateAccepter},
	CommandDecline: {SenderState: StateDeclined, TargetState: StateDecliner},
	CommandBlock:   {SenderState: StateBlocked, TargetState: StateBlocker},
	CommandUnblock: {SenderState: StateUnblocked, TargetState: StateUnblocker},
	CommandMessage: {SenderState: StateMessaged, TargetState: StateMessanger},
}

// MapCommandToStates returns the states the issuer and the peer move into.
// The current state of the relationship is not consulted: any mapped
// command is accepted from any state.
func MapCommandToStates(cmd ClientCommand) (Transition, error) {
	t, ok := transitions[cmd]
	if !ok {
		return Transition{}, &UnknownCommandError{Command: cmd}
	}
	return t, nil
}

// IsAcknowledgmentState reports whether s belongs to the issuer vocabulary.
func IsAcknowledgmentState(s HangoutState) bool {
	switch s {
	case StateInvited, StateAccepted, StateDeclined, StateBlocked, StateUnblocked, StateMessaged:
		return true
	}
	return false
}

// IsNotificationState reports whether s belongs to the peer vocabulary.
func IsNotificationState(s HangoutState) bool {
	switch s {
	case StateInviter, StateAccepter, StateDecliner, StateBlocker, StateUnblocker, StateMessanger:
		return true
	}
	return false
}

// countsAsUnread lists the notification states that raise an unread entry.
func countsAsUnread(s HangoutState) bool {
	return s == StateAccepter || s == StateInviter || s == StateMessanger
}
