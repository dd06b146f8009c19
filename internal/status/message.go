package status

import (
	"fmt"
	"slices"
)

// MessageStatus is the delivery lifecycle stage of a single message.
//
// For group conversations the scalar status is an aggregate over independent
// per-recipient receipt maps: it records the furthest stage reached by any
// recipient and never moves backwards.
type MessageStatus string

const (
	Sending   MessageStatus = "sending"
	Sent      MessageStatus = "sent"
	Delivered MessageStatus = "delivered"
	Read      MessageStatus = "read"
	Failed    MessageStatus = "failed"
)

var messageTransitions = map[MessageStatus][]MessageStatus{
	Sending:   {Sent, Failed},
	Failed:    {Sending, Sent},
	Sent:      {Delivered, Read},
	Delivered: {Read},
	Read:      {},
}

// rank orders the confirmed stages. Unconfirmed stages rank below all
// confirmed ones.
var rank = map[MessageStatus]int{
	Failed:    0,
	Sending:   0,
	Sent:      1,
	Delivered: 2,
	Read:      3,
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Confirmed reports whether the remote store has acknowledged the message.
func (s MessageStatus) Confirmed() bool {
	return rank[s] > 0
}

// Pending reports whether the message still awaits a remote acknowledgement.
func (s MessageStatus) Pending() bool {
	return s == Sending || s == Failed
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to MessageStatus) bool {
	return slices.Contains(messageTransitions[from], to)
}

// Advance validates the from -> to step and returns to.
func Advance(from, to MessageStatus) (MessageStatus, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("invalid message transition from %s to %s", from, to)
	}
	return to, nil
}

// Max returns the further of two confirmed stages. Receipt updates go through
// Max so a late delivery receipt cannot regress a message already read.
func Max(a, b MessageStatus) MessageStatus {
	if rank[b] > rank[a] {
		return b
	}
	return a
}
