package ws

import "github.com/Wyydra/yacall/internal/core/domain"

type Op string

const (
	// client -> relay
	OpSend   Op = "send"
	OpUpdate Op = "update"

	// relay -> client
	OpMsg Op = "msg"
	OpAck Op = "ack"
)

// Frame is the single JSON envelope exchanged over a relay connection.
// Requests carry a Ref the relay echoes back in the matching ack.
type Frame struct {
	Op    Op               `json:"op"`
	Ref   string           `json:"ref,omitempty"`
	ID    domain.MessageID `json:"id,omitempty"`
	Msg   *domain.Message  `json:"msg,omitempty"`
	Ext   map[string]any   `json:"ext,omitempty"`
	Error string           `json:"error,omitempty"`
}

// Headers identifying the device opening a relay connection.
const (
	HeaderUserID   = "X-User-ID"
	HeaderDeviceID = "X-Device-ID"
)
