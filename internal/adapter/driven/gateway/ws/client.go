package ws

import "github.com/Wyydra/yacall/internal/core/domain"

// Client is one connected device as seen by the hub.
type Client interface {
	UserID() domain.UserID
	DeviceID() domain.DeviceID
	// Deliver queues msg for the device without blocking.
	Deliver(msg domain.Message) error
	Close() error
}
