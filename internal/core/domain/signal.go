package domain

import (
	"fmt"
	"time"
)

// SignalMsgType tags call signals inside the chat layer so they can be told
// apart from ordinary chat traffic.
const SignalMsgType = "rtcCall"

type Action string

const (
	ActionInvite        Action = "invite"
	ActionAlert         Action = "alert"
	ActionConfirmRing   Action = "confirmRing"
	ActionAnswer        Action = "answerCall"
	ActionConfirmCallee Action = "confirmCallee"
	ActionCancel        Action = "cancelCall"
	ActionEnd           Action = "endCall"
)

type AnswerResult string

const (
	ResultAccept     AnswerResult = "accept"
	ResultRefuse     AnswerResult = "refuse"
	ResultBusy       AnswerResult = "busy"
	ResultNoResponse AnswerResult = "noResponse"
)

func (r AnswerResult) Valid() bool {
	switch r {
	case ResultAccept, ResultRefuse, ResultBusy, ResultNoResponse:
		return true
	}
	return false
}

// Signal is the call-control payload carried by a chat-layer message.
type Signal struct {
	MsgType     string         `json:"msgType"`
	CallID      CallID         `json:"callId"`
	Action      Action         `json:"action"`
	CallerDevID DeviceID       `json:"callerDevId"`
	CalleeDevID DeviceID       `json:"calleeDevId,omitempty"`
	Timestamp   int64          `json:"ts"`
	Type        CallType       `json:"type"`
	ChannelName string         `json:"channelName,omitempty"`
	Group       *GroupInfo     `json:"groupInfo,omitempty"`
	Result      AnswerResult   `json:"result,omitempty"`
	Valid       *bool          `json:"valid,omitempty"`
	Ext         map[string]any `json:"ext,omitempty"`
}

func NewSignal(action Action, callID CallID, callerDev DeviceID, t CallType) Signal {
	return Signal{
		MsgType:     SignalMsgType,
		CallID:      callID,
		Action:      action,
		CallerDevID: callerDev,
		Timestamp:   time.Now().UnixMilli(),
		Type:        t,
	}
}

// Validate checks the fields each action needs.
func (s Signal) Validate() error {
	if s.MsgType != SignalMsgType {
		return fmt.Errorf("%w: msgType %q", ErrMalformedSignal, s.MsgType)
	}
	if s.CallID == "" {
		return fmt.Errorf("%w: missing callId", ErrMalformedSignal)
	}
	if s.CallerDevID == "" {
		return fmt.Errorf("%w: %s without callerDevId", ErrMalformedSignal, s.Action)
	}
	switch s.Action {
	case ActionInvite:
		if !s.Type.Valid() {
			return fmt.Errorf("%w: invite with type %q", ErrMalformedSignal, s.Type)
		}
		if s.ChannelName == "" {
			return fmt.Errorf("%w: invite without channelName", ErrMalformedSignal)
		}
		if s.Type == CallGroup && (s.Group == nil || s.Group.GroupID == "") {
			return fmt.Errorf("%w: group invite without groupInfo", ErrMalformedSignal)
		}
	case ActionAlert:
		if s.CalleeDevID == "" {
			return fmt.Errorf("%w: alert without calleeDevId", ErrMalformedSignal)
		}
	case ActionConfirmRing:
		if s.CalleeDevID == "" || s.Valid == nil {
			return fmt.Errorf("%w: confirmRing without target or validity", ErrMalformedSignal)
		}
	case ActionAnswer, ActionConfirmCallee:
		if s.CalleeDevID == "" {
			return fmt.Errorf("%w: %s without calleeDevId", ErrMalformedSignal, s.Action)
		}
		if !s.Result.Valid() {
			return fmt.Errorf("%w: %s with result %q", ErrMalformedSignal, s.Action, s.Result)
		}
	case ActionCancel, ActionEnd:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrMalformedSignal, s.Action)
	}
	return nil
}

// IsValid reads the confirmRing validity flag.
func (s Signal) IsValid() bool {
	return s.Valid != nil && *s.Valid
}

// Sent returns the signal timestamp as a time.
func (s Signal) Sent() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// Arbitration reports whether the action is one of the device-targeted
// multi-device arbitration replies.
func (a Action) Arbitration() bool {
	return a == ActionConfirmRing || a == ActionConfirmCallee
}

// Delivery returns how the chat layer must carry a signal with this action.
func (a Action) Delivery() DeliveryMode {
	switch a {
	case ActionInvite, ActionAnswer:
		return DeliveryPersisted
	}
	return DeliveryOnline
}

// Kind returns whether the signal is stored in chat history (text) or is a
// transient command.
func (a Action) Kind() MessageKind {
	if a == ActionInvite {
		return KindText
	}
	return KindCommand
}

func BoolPtr(b bool) *bool {
	return &b
}
