package domain

import "time"

type InviteeState string

const (
	InviteeInvited  InviteeState = "invited"
	InviteeJoined   InviteeState = "joined"
	InviteeRefused  InviteeState = "refused"
	InviteeBusy     InviteeState = "busy"
	InviteeTimedOut InviteeState = "timedOut"
)

// Terminal reports whether the invitee no longer takes part in the call.
func (s InviteeState) Terminal() bool {
	switch s {
	case InviteeRefused, InviteeBusy, InviteeTimedOut:
		return true
	}
	return false
}

// GroupInvitee is one member targeted by a group-call invitation.
type GroupInvitee struct {
	UserID         UserID
	InviteDeadline time.Time
	State          InviteeState
	// DeviceID is the device confirmed by CONFIRM_RING, empty until then.
	DeviceID DeviceID
	// Alerted is set once any device of the invitee replied ALERT.
	Alerted bool
}
