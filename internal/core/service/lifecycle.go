package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

type job func(ctx context.Context)

// jobQueue is an unbounded FIFO drained by one worker goroutine, so the loop
// never blocks on a slow send and signals leave in the order they were
// queued.
type jobQueue struct {
	mu   sync.Mutex
	jobs []job
	wake chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{wake: make(chan struct{}, 1)}
}

func (q *jobQueue) push(j job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *jobQueue) pop() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, false
	}
	j := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return j, true
}

// run executes jobs until flush is closed, then drains what is left.
func (q *jobQueue) run(flush <-chan struct{}) {
	ctx := context.Background()
	for {
		for j, ok := q.pop(); ok; j, ok = q.pop() {
			j(ctx)
		}
		select {
		case <-q.wake:
		case <-flush:
			for j, ok := q.pop(); ok; j, ok = q.pop() {
				j(ctx)
			}
			return
		}
	}
}

// signal builds a signal for sess as its caller device would.
func (s *CallService) signal(action domain.Action, sess *domain.CallSession) domain.Signal {
	sig := domain.NewSignal(action, sess.ID, sess.CallerDeviceID, sess.Type)
	sig.Timestamp = s.now().UnixMilli()
	if sess.Group != nil {
		g := *sess.Group
		sig.Group = &g
	}
	return sig
}

// inviterSignal builds a signal sent by this device to members it invited.
// For a callee inviting more members into a group call, this device takes
// the caller slot.
func (s *CallService) inviterSignal(action domain.Action, sess *domain.CallSession) domain.Signal {
	sig := s.signal(action, sess)
	sig.CallerDevID = s.cfg.DeviceID
	return sig
}

// replyTo builds a reply carrying the call fields of an inbound signal.
func (s *CallService) replyTo(action domain.Action, in domain.Signal) domain.Signal {
	sig := domain.NewSignal(action, in.CallID, in.CallerDevID, in.Type)
	sig.Timestamp = s.now().UnixMilli()
	sig.Group = in.Group
	return sig
}

func (s *CallService) send(to domain.UserID, sig domain.Signal) {
	s.sendWithID(domain.NewMessageID(), to, sig, nil)
}

// sendWithID queues sig for to. done, if set, runs on the loop once the
// transport answered.
func (s *CallService) sendWithID(id domain.MessageID, to domain.UserID, sig domain.Signal, done func(domain.MessageID, error)) {
	msg, err := domain.NewMessage(s.cfg.UserID, to, sig)
	if err != nil {
		log.Error().Err(err).Str("call_id", sig.CallID.String()).Str("action", string(sig.Action)).Msg("Failed to build signal message")
		if done != nil {
			done("", err)
		}
		return
	}
	msg.ID = id
	msg.SentAt = s.now().UTC()

	s.outbox.push(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()

		assigned, err := s.transport.Send(ctx, *msg)
		if err != nil {
			log.Warn().Err(err).
				Str("call_id", sig.CallID.String()).
				Str("action", string(sig.Action)).
				Str("to", to.String()).
				Msg("Failed to send signal")
		} else {
			log.Debug().
				Str("call_id", sig.CallID.String()).
				Str("action", string(sig.Action)).
				Str("to", to.String()).
				Str("message_id", assigned.String()).
				Msg("Signal sent")
		}
		if done != nil {
			s.post(func() { done(assigned, err) })
		}
	})
}

func (s *CallService) mediaUID() string {
	return s.cfg.UserID.String()
}

// inviteMembers records ids with the tracker and sends each new invitee a
// group INVITE. The first invite of a fresh group call reuses the session's
// invite message id so the call outcome can be stamped onto it.
func (s *CallService) inviteMembers(ids []domain.UserID, first bool) {
	sess := s.session
	fresh := s.group.Invite(ids, s.now())
	for i, id := range fresh {
		s.timers.Register(domain.TimerKey{CallID: sess.ID, Purpose: domain.PurposeInviteSignal, Subject: id}, s)

		sig := s.inviterSignal(domain.ActionInvite, sess)
		sig.ChannelName = sess.ChannelName
		sig.Ext = sess.Ext

		msgID := domain.NewMessageID()
		if first && i == 0 && sess.Role == domain.RoleCaller {
			msgID = sess.InviteMessageID
		}

		invitee, callID := id, sess.ID
		s.sendWithID(msgID, invitee, sig, func(_ domain.MessageID, err error) {
			if err == nil || !s.isCurrent(callID) || s.group == nil || !s.group.IsPending(invitee) {
				return
			}
			s.group.Forget(invitee)
			s.timers.Remove(domain.TimerKey{CallID: callID, Purpose: domain.PurposeInviteSignal, Subject: invitee}, s)
			s.fail(domain.KindTransport, "invite", callID, err)
			s.notify(func(l port.CallListener) { l.OnInviteeRemoved(callID, invitee, domain.EndAbnormal) })
		})
	}
	log.Debug().Str("call_id", sess.ID.String()).Int("invited", len(fresh)).Int("requested", len(ids)).Msg("Invitations queued")
}

// cancelInvitees sends CANCEL to every member still pending.
func (s *CallService) cancelInvitees(sess *domain.CallSession) {
	if s.group == nil {
		return
	}
	for _, id := range s.group.Pending() {
		m, _ := s.group.Get(id)
		sig := s.inviterSignal(domain.ActionCancel, sess)
		sig.CalleeDevID = m.DeviceID
		s.send(id, sig)
	}
}

// dropInvitee moves a pending invitee to a terminal state. Timed out
// invitees are sent CANCEL.
func (s *CallService) dropInvitee(id domain.UserID, state domain.InviteeState, reason domain.EndReason) {
	sess := s.session
	m, _ := s.group.Get(id)
	if !s.group.Drop(id, state) {
		return
	}
	s.timers.Remove(domain.TimerKey{CallID: sess.ID, Purpose: domain.PurposeInviteSignal, Subject: id}, s)
	if state == domain.InviteeTimedOut {
		sig := s.inviterSignal(domain.ActionCancel, sess)
		sig.CalleeDevID = m.DeviceID
		s.send(id, sig)
	}

	log.Info().Str("call_id", sess.ID.String()).Str("user_id", id.String()).Str("state", string(state)).Msg("Invitee removed")
	callID := sess.ID
	s.notify(func(l port.CallListener) { l.OnInviteeRemoved(callID, id, reason) })
}

func (s *CallService) discardPending(id domain.CallID) {
	if _, ok := s.pending[id]; !ok {
		return
	}
	delete(s.pending, id)
	s.timers.RemoveAll(id)
	log.Debug().Str("call_id", id.String()).Msg("Pending call discarded")
}

// accept answers the ringing call and starts joining the channel.
func (s *CallService) accept() {
	sess := s.session

	sig := s.signal(domain.ActionAnswer, sess)
	sig.CalleeDevID = s.cfg.DeviceID
	sig.Result = domain.ResultAccept
	s.send(sess.CallerUserID, sig)

	s.timers.Remove(domain.TimerKey{CallID: sess.ID, Purpose: domain.PurposeRing}, s)
	s.confirmed = false
	s.timers.Register(domain.TimerKey{CallID: sess.ID, Purpose: domain.PurposeConfirmCallee}, s)

	if err := sess.Transition(domain.StateAnswering); err != nil {
		log.Error().Err(err).Str("call_id", sess.ID.String()).Msg("Failed to accept call")
		return
	}
	log.Info().Str("call_id", sess.ID.String()).Str("caller", sess.CallerUserID.String()).Msg("Call accepted")
	s.joinMedia(sess)
}

// refuse answers the ringing call with result and ends it.
func (s *CallService) refuse(result domain.AnswerResult, reason domain.EndReason) {
	sess := s.session
	sig := s.signal(domain.ActionAnswer, sess)
	sig.CalleeDevID = s.cfg.DeviceID
	sig.Result = result
	s.send(sess.CallerUserID, sig)
	s.end(reason)
}

// sendEnd tells the other side of an established call that we left.
func (s *CallService) sendEnd(sess *domain.CallSession) {
	if sess.IsGroup() {
		s.cancelInvitees(sess)
		if sess.Role == domain.RoleCallee {
			sig := s.signal(domain.ActionEnd, sess)
			sig.CalleeDevID = s.cfg.DeviceID
			s.send(sess.CallerUserID, sig)
		}
		return
	}
	sig := s.signal(domain.ActionEnd, sess)
	sig.CalleeDevID = sess.CalleeDeviceID
	s.send(sess.PeerUserID(), sig)
}

func (s *CallService) hangup() {
	sess := s.session
	switch sess.State {
	case domain.StateDialing:
		if sess.IsGroup() {
			s.cancelInvitees(sess)
		} else {
			sig := s.signal(domain.ActionCancel, sess)
			sig.CalleeDevID = sess.CalleeDeviceID
			s.send(sess.CalleeUserID, sig)
		}
		s.end(domain.EndCancel)
	case domain.StateRinging:
		s.refuse(domain.ResultRefuse, domain.EndRefuse)
	case domain.StateAnswering:
		s.sendEnd(sess)
		s.end(domain.EndHangup)
	}
}

// joinMedia fetches a token and joins the session channel off the loop. The
// completion is posted back and checked against the then-current session.
func (s *CallService) joinMedia(sess *domain.CallSession) {
	if s.joined {
		s.media.LeaveChannel()
		s.joined = false
	}
	callID, channel, uid := sess.ID, sess.ChannelName, s.mediaUID()
	kinds := publishKinds(sess.Type)
	s.joinCall = callID

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
		defer cancel()

		var err error
		for _, kind := range kinds {
			if err = s.media.Publish(kind); err != nil {
				err = fmt.Errorf("publish %s: %w", kind, err)
				break
			}
		}
		var token string
		if err == nil {
			token, err = s.tokens.Token(ctx, channel, uid)
		}
		if err == nil {
			err = s.media.JoinChannel(ctx, channel, uid, token)
		}
		s.post(func() { s.onJoined(callID, err) })
	}()
}

// publishKinds is the local media sent for a call type.
func publishKinds(t domain.CallType) []domain.MediaKind {
	if t == domain.CallVideo {
		return []domain.MediaKind{domain.MediaAudio, domain.MediaVideo}
	}
	return []domain.MediaKind{domain.MediaAudio}
}

func (s *CallService) onJoined(callID domain.CallID, err error) {
	if s.joinCall == callID {
		s.joinCall = ""
	}
	if !s.isCurrent(callID) || s.session.State != domain.StateAnswering {
		// call ended while joining
		if err == nil && s.joinCall == "" && !s.joined {
			s.media.LeaveChannel()
		}
		return
	}

	sess := s.session
	if err != nil {
		log.Error().Err(err).Str("call_id", callID.String()).Str("channel", sess.ChannelName).Msg("Failed to join channel")
		s.fail(domain.KindEngine, "joinChannel", callID, err)
		s.sendEnd(sess)
		s.end(domain.EndAbnormal)
		return
	}

	s.joined = true
	sess.StartedAt = s.now()
	s.timers.Register(domain.TimerKey{CallID: callID, Purpose: domain.PurposeDuration}, s)
	log.Info().Str("call_id", callID.String()).Str("channel", sess.ChannelName).Msg("Joined channel")
}

// end moves the session to Idle with reason and releases everything it
// held. It never fails: errors on the way out are logged.
func (s *CallService) end(reason domain.EndReason) {
	sess := s.session
	if sess == nil {
		return
	}

	s.timers.RemoveAll(sess.ID)
	if s.joined || s.joinCall != "" {
		s.media.LeaveChannel()
		s.joined = false
		s.joinCall = ""
	}

	if !sess.StartedAt.IsZero() {
		sess.Duration = s.now().Sub(sess.StartedAt)
	}
	sess.EndReason = reason
	if err := sess.Transition(domain.StateIdle); err != nil {
		log.Warn().Err(err).Str("call_id", sess.ID.String()).Msg("Unexpected end transition")
		sess.State = domain.StateIdle
	}

	s.session = nil
	s.group = nil
	s.confirmed = false
	s.departed = make(map[domain.UserID]bool)

	info := sess.Info()
	log.Info().
		Str("call_id", sess.ID.String()).
		Str("reason", string(reason)).
		Dur("duration", sess.Duration).
		Msg("Call ended")

	if sess.Role == domain.RoleCaller && sess.InviteMessageID != "" {
		s.stamp(sess.InviteMessageID, reason, info)
	}
	s.notify(func(l port.CallListener) { l.OnEndCallWithReason(reason, info) })
}

// stamp writes the outcome of the call onto its invite message.
func (s *CallService) stamp(id domain.MessageID, reason domain.EndReason, info domain.CallInfo) {
	ext := map[string]any{
		domain.ExtCallEndReason: string(reason),
		domain.ExtCallDuration:  int64(info.Duration.Seconds()),
	}
	s.outbox.push(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()

		if err := s.transport.UpdateMessage(ctx, id, ext); err != nil {
			log.Warn().Err(err).Str("call_id", info.CallID.String()).Str("message_id", id.String()).Msg("Failed to stamp call end")
			return
		}
		s.notify(func(l port.CallListener) { l.OnDidUpdateCallEndReason(reason, info) })
	})
}

// OnTick applies the timeouts. It runs on the loop.
func (s *CallService) OnTick(key domain.TimerKey, elapsed int) {
	if key.Purpose == domain.PurposeConfirmRing {
		if elapsed >= seconds(s.cfg.ConfirmRingTimeout) {
			log.Debug().Str("call_id", key.CallID.String()).Msg("No ring confirmation")
			s.discardPending(key.CallID)
		}
		return
	}
	if !s.isCurrent(key.CallID) {
		s.timers.Remove(key, s)
		return
	}

	sess := s.session
	switch key.Purpose {
	case domain.PurposeCallerRing:
		if elapsed < seconds(s.cfg.CallTimeout) || sess.State != domain.StateDialing {
			return
		}
		log.Info().Str("call_id", sess.ID.String()).Msg("Callee did not answer")
		sig := s.signal(domain.ActionCancel, sess)
		sig.CalleeDevID = sess.CalleeDeviceID
		s.send(sess.CalleeUserID, sig)
		s.end(domain.EndRemoteNoResponse)

	case domain.PurposeRing:
		if elapsed < seconds(s.cfg.RingTimeout) || sess.State != domain.StateRinging {
			return
		}
		log.Info().Str("call_id", sess.ID.String()).Msg("Ring timed out")
		s.timers.Remove(key, s)
		s.refuse(domain.ResultNoResponse, domain.EndNoResponse)

	case domain.PurposeConfirmCallee:
		if elapsed < seconds(s.cfg.ConfirmCalleeTimeout) || s.confirmed {
			return
		}
		log.Info().Str("call_id", sess.ID.String()).Msg("Caller did not confirm")
		s.sendEnd(sess)
		s.end(domain.EndRemoteNoResponse)

	case domain.PurposeInviteSignal:
		if elapsed < seconds(s.cfg.InviteSignalTimeout) {
			return
		}
		s.timers.Remove(key, s)
		if s.group == nil {
			return
		}
		if m, ok := s.group.Get(key.Subject); ok && m.State == domain.InviteeInvited && !m.Alerted {
			s.dropInvitee(key.Subject, domain.InviteeTimedOut, domain.EndRemoteNoResponse)
		}

	case domain.PurposeInviteeScan:
		if s.group == nil {
			return
		}
		for _, id := range s.group.Expired(s.now()) {
			s.dropInvitee(id, domain.InviteeTimedOut, domain.EndRemoteNoResponse)
		}
	}
}
