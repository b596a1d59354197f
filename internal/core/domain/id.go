package domain

import (
	"github.com/google/uuid"
)

// UserID is the chat-layer account identity. One user may be signed in on
// several devices at once.
type UserID string

// DeviceID identifies one signed-in device of a user.
type DeviceID string

type CallID string

type MessageID string

func NewCallID() CallID {
	return CallID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

// NewChannelName returns a fresh media-room id.
func NewChannelName() string {
	return uuid.New().String()
}

func NewDeviceID() DeviceID {
	return DeviceID(uuid.New().String())
}

func (id UserID) String() string {
	return string(id)
}

func (id DeviceID) String() string {
	return string(id)
}

func (id CallID) String() string {
	return string(id)
}

func (id MessageID) String() string {
	return string(id)
}
