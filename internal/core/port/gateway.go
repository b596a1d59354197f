package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// RealTimeGateway pushes messages to connected devices on the relay side.
type RealTimeGateway interface {
	// Route delivers msg to every online device of msg.To and copies it to
	// the sender's other devices. It returns how many recipient devices got it.
	Route(ctx context.Context, msg domain.Message, fromDevice domain.DeviceID) (int, error)
}
