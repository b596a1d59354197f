package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// MessageTransport carries call signals over the chat layer.
type MessageTransport interface {
	// Send delivers msg and returns the id the chat layer assigned to it.
	Send(ctx context.Context, msg domain.Message) (domain.MessageID, error)
	// UpdateMessage merges ext into the extension fields of a stored message.
	UpdateMessage(ctx context.Context, id domain.MessageID, ext map[string]any) error
	// Subscribe returns inbound messages until cancel is called.
	Subscribe() (ch <-chan domain.Message, cancel func())
}
