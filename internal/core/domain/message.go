package domain

import (
	"errors"
	"time"
)

type DeliveryMode string

const (
	// DeliveryOnline is dropped when no device of the recipient is online.
	DeliveryOnline DeliveryMode = "online"
	// DeliveryPersisted is queued for offline devices.
	DeliveryPersisted DeliveryMode = "persisted"
)

type MessageKind string

const (
	KindText    MessageKind = "text"
	KindCommand MessageKind = "command"
)

// Extension keys stamped onto the invite message when a call ends.
const (
	ExtCallEndReason = "callEndReason"
	ExtCallDuration  = "callDuration"
)

// Message is one chat-layer message carrying a call signal.
type Message struct {
	ID       MessageID      `json:"id,omitempty"`
	From     UserID         `json:"from"`
	To       UserID         `json:"to"`
	GroupID  string         `json:"groupId,omitempty"`
	Kind     MessageKind    `json:"kind"`
	Delivery DeliveryMode   `json:"delivery"`
	Signal   Signal         `json:"signal"`
	Ext      map[string]any `json:"ext,omitempty"`
	// SentAt is set by the relay when it accepts the message.
	SentAt time.Time `json:"sentAt"`
	// QueuedFor is how long the relay held the message for a recipient with
	// no device online, on the relay clock.
	QueuedFor time.Duration `json:"queuedFor,omitempty"`
}

// NewMessage wraps a signal addressed to one user. Delivery and kind follow
// the signal action.
func NewMessage(from, to UserID, sig Signal) (*Message, error) {
	if to == "" {
		return nil, errors.New("message recipient cannot be empty")
	}
	msg := &Message{
		From:     from,
		To:       to,
		Kind:     sig.Action.Kind(),
		Delivery: sig.Action.Delivery(),
		Signal:   sig,
		SentAt:   time.Now().UTC(),
	}
	if sig.Group != nil {
		msg.GroupID = sig.Group.GroupID
	}
	return msg, nil
}
