package domain

import "fmt"

type TimerPurpose int

const (
	// PurposeCallerRing bounds how long a 1:1 caller waits for an answer.
	PurposeCallerRing TimerPurpose = iota + 1
	// PurposeRing bounds how long a confirmed callee rings.
	PurposeRing
	// PurposeConfirmRing bounds how long a pending received call waits for
	// the caller's arbitration reply.
	PurposeConfirmRing
	// PurposeConfirmCallee bounds how long an accepting callee waits for
	// CONFIRM_CALLEE.
	PurposeConfirmCallee
	// PurposeInviteSignal bounds how long a group inviter waits for an
	// invitee's ALERT. Keyed per invitee.
	PurposeInviteSignal
	// PurposeInviteeScan is the shared per-second scan over invitee deadlines.
	PurposeInviteeScan
	// PurposeDuration counts seconds in call, for display.
	PurposeDuration
)

var purposeNames = map[TimerPurpose]string{
	PurposeCallerRing:    "callerRing",
	PurposeRing:          "ring",
	PurposeConfirmRing:   "confirmRing",
	PurposeConfirmCallee: "confirmCallee",
	PurposeInviteSignal:  "inviteSignal",
	PurposeInviteeScan:   "inviteeScan",
	PurposeDuration:      "duration",
}

func (p TimerPurpose) String() string {
	if n, ok := purposeNames[p]; ok {
		return n
	}
	return fmt.Sprintf("purpose(%d)", int(p))
}

// TimerKey names one timer. Subject is set for per-invitee timers only.
type TimerKey struct {
	CallID  CallID
	Purpose TimerPurpose
	Subject UserID
}

func (k TimerKey) String() string {
	if k.Subject != "" {
		return fmt.Sprintf("%s/%s/%s", k.CallID, k.Purpose, k.Subject)
	}
	return fmt.Sprintf("%s/%s", k.CallID, k.Purpose)
}
