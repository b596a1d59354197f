package service

import (
	"context"
	"errors"
	"testing"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var team = domain.GroupInfo{GroupID: "g-team", GroupName: "team"}

func (h *harness) waitRemoved(ep *endpoint, user domain.UserID, reason domain.EndReason) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		for _, ev := range ep.rec.removedEvents() {
			if ev.user == user && ev.reason == reason {
				return true
			}
		}
		return false
	}, waitFor, pollAt, "%s was never removed with %s", user, reason)
}

func signalsTo(msgs []domain.Message, user domain.UserID) []domain.Message {
	var out []domain.Message
	for _, msg := range msgs {
		if msg.To == user {
			out = append(out, msg)
		}
	}
	return out
}

func TestGroupCallFirstAnswerJoins(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	alice := h.device("alice", "a1")
	bob := h.device("bob", "b1")
	carol := h.device("carol", "c1")

	id, err := alice.svc.GroupCall(context.Background(), team, []domain.UserID{"bob", "carol", "bob", "alice"}, nil)
	require.NoError(t, err)

	info := h.waitState(alice, domain.StateDialing)
	assert.Equal(domain.CallGroup, info.Type)
	require.NotNil(t, info.Group)
	assert.Equal("g-team", info.Group.GroupID)

	ringing := h.waitState(bob, domain.StateRinging)
	assert.Equal(id, ringing.CallID)
	assert.Equal(domain.CallGroup, ringing.Type)
	h.waitState(carol, domain.StateRinging)
	require.Len(t, h.sentSignals(domain.ActionInvite), 2)

	require.NoError(t, bob.svc.Answer(context.Background(), true))
	h.waitState(alice, domain.StateAnswering)
	h.waitState(bob, domain.StateAnswering)
	require.Eventually(t, func() bool {
		a, okA := alice.engine.Joined()
		b, okB := bob.engine.Joined()
		return okA && okB && a == b
	}, waitFor, pollAt)

	// a later accept joins without touching the caller state
	require.NoError(t, carol.svc.Answer(context.Background(), true))
	h.waitState(carol, domain.StateAnswering)
	require.Eventually(t, func() bool {
		return len(h.sentSignals(domain.ActionConfirmCallee)) == 2
	}, waitFor, pollAt)
	h.waitState(alice, domain.StateAnswering)
}

func TestGroupInviteeWithoutDeviceTimesOut(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	alice := h.device("alice", "a1")
	bob := h.device("bob", "b1")

	id, err := alice.svc.GroupCall(context.Background(), team, []domain.UserID{"bob", "carol"}, nil)
	require.NoError(t, err)
	h.waitState(bob, domain.StateRinging)
	require.NoError(t, bob.svc.Answer(context.Background(), true))
	h.waitState(alice, domain.StateAnswering)

	h.tick(2, alice)
	assert.Empty(alice.rec.removedEvents())

	h.tick(1, alice)
	h.waitRemoved(alice, "carol", domain.EndRemoteNoResponse)
	_, ok := alice.svc.Timers().Elapsed(domain.TimerKey{CallID: id, Purpose: domain.PurposeInviteSignal, Subject: "carol"})
	assert.False(ok)

	cancels := signalsTo(h.sentSignals(domain.ActionCancel), "carol")
	require.Len(t, cancels, 1)
	assert.Equal(id, cancels[0].Signal.CallID)

	info := h.waitState(alice, domain.StateAnswering)
	assert.Equal(id, info.CallID)
	h.waitState(bob, domain.StateAnswering)
}

// An invitee that rings but never answers is dropped once the call timeout
// passes, and its ringing device is cancelled.
func TestGroupRingingInviteeTimesOut(t *testing.T) {
	h := newHarness(t)
	alice := h.device("alice", "a1")
	bob := h.device("bob", "b1")
	carol := h.device("carol", "c1")

	_, err := alice.svc.GroupCall(context.Background(), team, []domain.UserID{"bob", "carol"}, nil)
	require.NoError(t, err)
	h.waitState(carol, domain.StateRinging)
	h.waitState(bob, domain.StateRinging)
	require.NoError(t, bob.svc.Answer(context.Background(), true))
	h.waitState(alice, domain.StateAnswering)

	// alerted invitees are past the signal timeout and wait for the deadline
	h.tick(4, alice)
	assert.Empty(t, alice.rec.removedEvents())

	h.tick(1, alice)
	h.waitRemoved(alice, "carol", domain.EndRemoteNoResponse)
	h.waitEnd(carol, domain.EndRemoteCancel)
	h.waitState(alice, domain.StateAnswering)
}

func TestGroupInviteeRefuses(t *testing.T) {
	h := newHarness(t)
	alice := h.device("alice", "a1")
	bob := h.device("bob", "b1")

	_, err := alice.svc.GroupCall(context.Background(), team, []domain.UserID{"bob", "carol"}, nil)
	require.NoError(t, err)
	h.waitState(bob, domain.StateRinging)

	require.NoError(t, bob.svc.Answer(context.Background(), false))
	h.waitEnd(bob, domain.EndRefuse)
	h.waitRemoved(alice, "bob", domain.EndRemoteRefuse)

	// the caller keeps waiting for the others
	h.waitState(alice, domain.StateDialing)
}

func TestGroupInviteeBusy(t *testing.T) {
	h := newHarness(t)
	alice := h.device("alice", "a1")
	bob := h.device("bob", "b1")
	dave := h.device("dave", "d1")

	_, err := dave.svc.Call(context.Background(), "bob", domain.CallAudio, nil)
	require.NoError(t, err)
	h.waitState(bob, domain.StateRinging)

	_, err = alice.svc.GroupCall(context.Background(), team, []domain.UserID{"bob"}, nil)
	require.NoError(t, err)
	h.waitRemoved(alice, "bob", domain.EndBusy)
	h.waitState(alice, domain.StateDialing)
}

func TestGroupMemberLeaves(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	alice := h.device("alice", "a1")
	bob := h.device("bob", "b1")

	_, err := alice.svc.GroupCall(context.Background(), team, []domain.UserID{"bob"}, nil)
	require.NoError(t, err)
	h.waitState(bob, domain.StateRinging)
	require.NoError(t, bob.svc.Answer(context.Background(), true))
	h.waitState(alice, domain.StateAnswering)
	info := h.waitState(bob, domain.StateAnswering)

	require.NoError(t, bob.svc.Hangup(context.Background()))
	h.waitEnd(bob, domain.EndHangup)
	require.Eventually(t, func() bool {
		return len(alice.rec.leftUsers()) == 1
	}, waitFor, pollAt)

	// the media layer reporting the same departure is not a second event
	alice.engine.Emit(domain.MediaEvent{Type: domain.MediaUserLeft, ChannelName: info.ChannelName, UID: "bob"})
	h.waitState(alice, domain.StateAnswering)
	assert.Equal([]domain.UserID{"bob"}, alice.rec.leftUsers())
	assert.Empty(alice.rec.endReasons())
}

func TestGroupMemberLeavesAgainAfterRejoining(t *testing.T) {
	h := newHarness(t)
	alice := h.device("alice", "a1")
	bob := h.device("bob", "b1")

	_, err := alice.svc.GroupCall(context.Background(), team, []domain.UserID{"bob"}, nil)
	require.NoError(t, err)
	for round := 1; round <= 2; round++ {
		h.waitState(bob, domain.StateRinging)
		require.NoError(t, bob.svc.Answer(context.Background(), true))
		h.waitState(alice, domain.StateAnswering)
		h.waitState(bob, domain.StateAnswering)

		require.NoError(t, bob.svc.Hangup(context.Background()))
		require.Eventually(t, func() bool {
			return len(alice.rec.leftUsers()) == round
		}, waitFor, pollAt, "departure %d not reported", round)
		h.waitIdle(bob)

		if round == 1 {
			require.NoError(t, alice.svc.AddParticipants(context.Background(), []domain.UserID{"bob"}))
		}
	}
	assert.Equal(t, []domain.UserID{"bob", "bob"}, alice.rec.leftUsers())
}

func TestGroupCallerHangupCancelsPending(t *testing.T) {
	h := newHarness(t)
	alice := h.device("alice", "a1")
	bob := h.device("bob", "b1")
	carol := h.device("carol", "c1")

	_, err := alice.svc.GroupCall(context.Background(), team, []domain.UserID{"bob", "carol"}, nil)
	require.NoError(t, err)
	h.waitState(bob, domain.StateRinging)
	h.waitState(carol, domain.StateRinging)

	require.NoError(t, alice.svc.Hangup(context.Background()))
	h.waitEnd(alice, domain.EndCancel)
	h.waitEnd(bob, domain.EndRemoteCancel)
	h.waitEnd(carol, domain.EndRemoteCancel)
}

func TestCalleeAddsParticipants(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	alice := h.device("alice", "a1")
	bob := h.device("bob", "b1")
	carol := h.device("carol", "c1")

	id, err := alice.svc.GroupCall(context.Background(), team, []domain.UserID{"bob"}, nil)
	require.NoError(t, err)
	h.waitState(bob, domain.StateRinging)

	err = bob.svc.AddParticipants(context.Background(), []domain.UserID{"carol"})
	assert.ErrorIs(err, domain.ErrInvalidTransition)

	require.NoError(t, bob.svc.Answer(context.Background(), true))
	h.waitState(bob, domain.StateAnswering)

	require.NoError(t, bob.svc.AddParticipants(context.Background(), []domain.UserID{"carol"}))
	ringing := h.waitState(carol, domain.StateRinging)
	assert.Equal(id, ringing.CallID)
	assert.Equal(domain.UserID("bob"), ringing.CallerUserID)
	assert.Equal(domain.DeviceID("b1"), ringing.CallerDeviceID)

	require.NoError(t, carol.svc.Answer(context.Background(), true))
	h.waitState(carol, domain.StateAnswering)
	require.Eventually(t, func() bool {
		for _, msg := range signalsTo(h.sentSignals(domain.ActionConfirmCallee), "carol") {
			if msg.From == "bob" {
				return true
			}
		}
		return false
	}, waitFor, pollAt)
}

func TestGroupInviteSendFailure(t *testing.T) {
	h := newHarness(t)
	alice := h.device("alice", "a1")
	alice.transport.FailSends(errors.New("link down"))

	_, err := alice.svc.GroupCall(context.Background(), team, []domain.UserID{"bob", "carol"}, nil)
	require.NoError(t, err)

	h.waitRemoved(alice, "bob", domain.EndAbnormal)
	h.waitRemoved(alice, "carol", domain.EndAbnormal)
	assert.Contains(t, alice.rec.errorKinds(), domain.KindTransport)
	h.waitState(alice, domain.StateDialing)
}

func TestGroupCallParamErrors(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	alice := h.device("alice", "a1")

	_, err := alice.svc.GroupCall(context.Background(), domain.GroupInfo{}, []domain.UserID{"bob"}, nil)
	assert.ErrorIs(err, domain.ErrEmptyTarget)

	_, err = alice.svc.GroupCall(context.Background(), team, []domain.UserID{"alice"}, nil)
	assert.ErrorIs(err, domain.ErrSelfTarget)

	_, err = alice.svc.GroupCall(context.Background(), team, nil, nil)
	assert.ErrorIs(err, domain.ErrEmptyTarget)

	err = alice.svc.AddParticipants(context.Background(), []domain.UserID{"bob"})
	assert.ErrorIs(err, domain.ErrNoActiveCall)
	assertNoSession(t, alice)
}

func TestGroupEndStampsFirstInvite(t *testing.T) {
	h := newHarness(t)
	alice := h.device("alice", "a1")

	_, err := alice.svc.GroupCall(context.Background(), team, []domain.UserID{"bob", "carol"}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.sentSignals(domain.ActionInvite)) == 2 }, waitFor, pollAt)

	require.NoError(t, alice.svc.Hangup(context.Background()))
	h.waitEnd(alice, domain.EndCancel)

	require.Eventually(t, func() bool {
		stamped := 0
		for _, inv := range h.sentSignals(domain.ActionInvite) {
			if msg, ok := h.net.Message(inv.ID); ok && msg.Ext[domain.ExtCallEndReason] == string(domain.EndCancel) {
				stamped++
			}
		}
		return stamped == 1
	}, waitFor, pollAt)
}
