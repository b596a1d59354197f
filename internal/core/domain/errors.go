package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrEmptyTarget       = errors.New("empty call target")
	ErrSelfTarget        = errors.New("cannot call yourself")
	ErrInvalidCallType   = errors.New("invalid call type")
	ErrAlreadyInCall     = errors.New("already in a call")
	ErrNoActiveCall      = errors.New("no active call")
	ErrNotRinging        = errors.New("call is not ringing")
	ErrNotGroupCall      = errors.New("not a group call")
	ErrMalformedSignal   = errors.New("malformed signal")
	ErrInvalidMediaKind  = errors.New("invalid media kind")
	ErrNotInChannel      = errors.New("not in a media channel")
	ErrClosed            = errors.New("call service closed")
	ErrMessageNotFound   = errors.New("message not found")
	ErrNotMessageOwner   = errors.New("message belongs to another user")
)

type ErrorKind string

const (
	KindParam     ErrorKind = "param"
	KindState     ErrorKind = "state"
	KindSignaling ErrorKind = "signaling"
	KindTransport ErrorKind = "transport"
	KindEngine    ErrorKind = "engine"
)

// CallError is the error delivered to listeners and returned from the public
// call operations.
type CallError struct {
	Kind   ErrorKind
	Op     string
	CallID CallID
	Err    error
}

func (e *CallError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("%s error in %s (call %s): %v", e.Kind, e.Op, e.CallID, e.Err)
	}
	return fmt.Sprintf("%s error in %s: %v", e.Kind, e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// IsBusiness reports whether the error is one of the business kinds
// (param, state, signaling) raised by the call state machine itself.
func (e *CallError) IsBusiness() bool {
	switch e.Kind {
	case KindParam, KindState, KindSignaling:
		return true
	}
	return false
}

func NewCallError(kind ErrorKind, op string, callID CallID, err error) *CallError {
	return &CallError{Kind: kind, Op: op, CallID: callID, Err: err}
}

// KindOf returns the kind of err if it is a CallError.
func KindOf(err error) (ErrorKind, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}
