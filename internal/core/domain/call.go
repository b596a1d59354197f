package domain

import (
	"fmt"
	"time"
)

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
	CallGroup CallType = "group"
)

func (t CallType) Valid() bool {
	switch t {
	case CallAudio, CallVideo, CallGroup:
		return true
	}
	return false
}

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

type CallState string

const (
	StateIdle    CallState = "idle"
	StateDialing CallState = "dialing" // caller, awaiting arbitration and answer
	StateRinging CallState = "ringing" // callee, confirmed by the caller
	// StateAnswering covers both the media join in flight and the
	// established call.
	StateAnswering CallState = "answering"
)

// transitions lists every legal non-terminal move. Any state may go to Idle.
var transitions = map[CallState][]CallState{
	StateIdle:    {StateDialing, StateRinging},
	StateDialing: {StateAnswering},
	StateRinging: {StateAnswering},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to CallState) bool {
	if to == StateIdle {
		return from != StateIdle
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type EndReason string

const (
	EndHangup              EndReason = "hangup"
	EndCancel              EndReason = "cancel"
	EndRemoteCancel        EndReason = "remoteCancel"
	EndRefuse              EndReason = "refuse"
	EndRemoteRefuse        EndReason = "remoteRefuse"
	EndBusy                EndReason = "busy"
	EndNoResponse          EndReason = "noResponse"
	EndRemoteNoResponse    EndReason = "remoteNoResponse"
	EndHandleOnOtherDevice EndReason = "handleOnOtherDevice"
	EndAbnormal            EndReason = "abnormalEnd"
)

type GroupInfo struct {
	GroupID     string `json:"groupId"`
	GroupName   string `json:"groupName,omitempty"`
	GroupAvatar string `json:"groupAvatar,omitempty"`
}

// CallSession is the single active call of the local endpoint. It is owned
// and mutated by the call service loop only.
type CallSession struct {
	ID              CallID
	Type            CallType
	Role            Role
	State           CallState
	CallerUserID    UserID
	CallerDeviceID  DeviceID
	CalleeUserID    UserID
	CalleeDeviceID  DeviceID
	ChannelName     string
	InviteMessageID MessageID
	Group           *GroupInfo
	Ext             map[string]any
	CreatedAt       time.Time
	StartedAt       time.Time
	Duration        time.Duration
	EndReason       EndReason
}

func (s *CallSession) IsGroup() bool {
	return s.Type == CallGroup
}

// Transition moves the session to the next state, rejecting moves the state
// machine does not allow.
func (s *CallSession) Transition(to CallState) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
	}
	s.State = to
	return nil
}

// PeerUserID is the other party of a 1:1 call.
func (s *CallSession) PeerUserID() UserID {
	if s.Role == RoleCaller {
		return s.CalleeUserID
	}
	return s.CallerUserID
}

// Info returns a copy safe to hand to listeners.
func (s *CallSession) Info() CallInfo {
	info := CallInfo{
		CallID:         s.ID,
		Type:           s.Type,
		Role:           s.Role,
		State:          s.State,
		CallerUserID:   s.CallerUserID,
		CallerDeviceID: s.CallerDeviceID,
		CalleeUserID:   s.CalleeUserID,
		CalleeDeviceID: s.CalleeDeviceID,
		ChannelName:    s.ChannelName,
		StartedAt:      s.StartedAt,
		Duration:       s.Duration,
		EndReason:      s.EndReason,
	}
	if s.Group != nil {
		g := *s.Group
		info.Group = &g
	}
	if len(s.Ext) > 0 {
		info.Ext = make(map[string]any, len(s.Ext))
		for k, v := range s.Ext {
			info.Ext[k] = v
		}
	}
	return info
}

// CallInfo is a read-only snapshot of a CallSession.
type CallInfo struct {
	CallID         CallID         `json:"callId"`
	Type           CallType       `json:"type"`
	Role           Role           `json:"role"`
	State          CallState      `json:"state"`
	CallerUserID   UserID         `json:"callerUserId"`
	CallerDeviceID DeviceID       `json:"callerDeviceId"`
	CalleeUserID   UserID         `json:"calleeUserId,omitempty"`
	CalleeDeviceID DeviceID       `json:"calleeDeviceId,omitempty"`
	ChannelName    string         `json:"channelName"`
	Group          *GroupInfo     `json:"groupInfo,omitempty"`
	Ext            map[string]any `json:"ext,omitempty"`
	StartedAt      time.Time      `json:"startedAt,omitempty"`
	Duration       time.Duration  `json:"duration"`
	EndReason      EndReason      `json:"endReason,omitempty"`
}
