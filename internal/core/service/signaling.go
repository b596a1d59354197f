package service

import (
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func (s *CallService) handleMessage(msg domain.Message) {
	sig := msg.Signal
	if sig.MsgType != domain.SignalMsgType {
		return
	}

	logger := log.With().
		Str("call_id", sig.CallID.String()).
		Str("action", string(sig.Action)).
		Str("from", msg.From.String()).
		Logger()

	if err := sig.Validate(); err != nil {
		if sig.CallID != "" && s.isCurrent(sig.CallID) {
			s.fail(domain.KindSignaling, string(sig.Action), sig.CallID, err)
			return
		}
		logger.Debug().Err(err).Msg("Dropping malformed signal")
		return
	}

	// Carbon copies of our own traffic reach our other devices.
	if msg.From == s.cfg.UserID && !(sig.Action.Arbitration() && sig.CalleeDevID == s.cfg.DeviceID) {
		logger.Debug().Msg("Dropping self-originated signal")
		return
	}

	switch sig.Action {
	case domain.ActionInvite:
		s.handleInvite(msg, logger)
	case domain.ActionAlert:
		s.handleAlert(msg, logger)
	case domain.ActionConfirmRing:
		s.handleConfirmRing(msg, logger)
	case domain.ActionAnswer:
		s.handleAnswer(msg, logger)
	case domain.ActionConfirmCallee:
		s.handleConfirmCallee(msg, logger)
	case domain.ActionCancel:
		s.handleCancel(msg, logger)
	case domain.ActionEnd:
		s.handleEnd(msg, logger)
	}
}

func (s *CallService) handleInvite(msg domain.Message, logger zerolog.Logger) {
	sig := msg.Signal
	// queue time is measured on the relay clock
	if msg.QueuedFor > s.cfg.CallTimeout {
		logger.Debug().Dur("queued_for", msg.QueuedFor).Time("signal_ts", sig.Sent()).Msg("Dropping stale invite")
		return
	}
	if _, ok := s.pending[sig.CallID]; ok || s.isCurrent(sig.CallID) {
		logger.Debug().Msg("Dropping duplicate invite")
		return
	}

	if s.session != nil {
		busy := s.replyTo(domain.ActionAnswer, sig)
		busy.CalleeDevID = s.cfg.DeviceID
		busy.Result = domain.ResultBusy
		s.send(msg.From, busy)
		logger.Info().Str("active_call", s.session.ID.String()).Msg("Busy, rejecting invite")
		return
	}

	p := &domain.CallSession{
		ID:              sig.CallID,
		Type:            sig.Type,
		Role:            domain.RoleCallee,
		State:           domain.StateIdle,
		CallerUserID:    msg.From,
		CallerDeviceID:  sig.CallerDevID,
		CalleeUserID:    s.cfg.UserID,
		CalleeDeviceID:  s.cfg.DeviceID,
		ChannelName:     sig.ChannelName,
		InviteMessageID: msg.ID,
		Ext:             sig.Ext,
		CreatedAt:       s.now(),
	}
	if sig.Group != nil {
		g := *sig.Group
		p.Group = &g
	}
	s.pending[p.ID] = p
	s.timers.Register(domain.TimerKey{CallID: p.ID, Purpose: domain.PurposeConfirmRing}, s)

	alert := s.replyTo(domain.ActionAlert, sig)
	alert.CalleeDevID = s.cfg.DeviceID
	s.send(msg.From, alert)
	logger.Debug().Msg("Invite received, alerting caller")
}

// handleAlert arbitrates between the devices of one callee: the first ALERT
// wins, later ones are told they are not valid.
func (s *CallService) handleAlert(msg domain.Message, logger zerolog.Logger) {
	sig := msg.Signal
	if sig.CallerDevID != s.cfg.DeviceID {
		logger.Debug().Msg("Alert for another device")
		return
	}

	valid := false
	sess := s.session
	switch {
	case !s.isCurrent(sig.CallID):
	case sess.IsGroup():
		if s.group != nil && s.group.Alert(msg.From, sig.CalleeDevID) {
			valid = true
			s.timers.Remove(domain.TimerKey{CallID: sess.ID, Purpose: domain.PurposeInviteSignal, Subject: msg.From}, s)
		}
	case sess.Role == domain.RoleCaller && sess.State == domain.StateDialing && msg.From == sess.CalleeUserID:
		if sess.CalleeDeviceID == "" || sess.CalleeDeviceID == sig.CalleeDevID {
			sess.CalleeDeviceID = sig.CalleeDevID
			valid = true
		}
	}

	reply := s.replyTo(domain.ActionConfirmRing, sig)
	reply.CalleeDevID = sig.CalleeDevID
	reply.Valid = domain.BoolPtr(valid)
	s.send(msg.From, reply)
	logger.Debug().Str("callee_device", sig.CalleeDevID.String()).Bool("valid", valid).Msg("Ring confirmation sent")
}

func (s *CallService) handleConfirmRing(msg domain.Message, logger zerolog.Logger) {
	sig := msg.Signal
	p, ok := s.pending[sig.CallID]
	if !ok || p.CallerUserID != msg.From {
		logger.Debug().Msg("Ring confirmation for unknown call")
		return
	}
	s.discardPending(p.ID)
	if !sig.IsValid() || sig.CalleeDevID != s.cfg.DeviceID {
		logger.Debug().Str("callee_device", sig.CalleeDevID.String()).Msg("Call confirmed elsewhere")
		return
	}

	if s.session != nil {
		busy := s.replyTo(domain.ActionAnswer, sig)
		busy.CalleeDevID = s.cfg.DeviceID
		busy.Result = domain.ResultBusy
		s.send(msg.From, busy)
		logger.Info().Msg("Busy by the time ring was confirmed")
		return
	}

	if err := p.Transition(domain.StateRinging); err != nil {
		logger.Error().Err(err).Msg("Failed to ring")
		return
	}
	s.session = p
	s.confirmed = false
	s.timers.Register(domain.TimerKey{CallID: p.ID, Purpose: domain.PurposeRing}, s)

	t, from, ext := p.Type, p.CallerUserID, p.Info().Ext
	s.notify(func(l port.CallListener) { l.OnReceivedCall(t, from, ext) })
	logger.Info().Str("type", string(t)).Msg("Ringing")
}

func (s *CallService) handleAnswer(msg domain.Message, logger zerolog.Logger) {
	sig := msg.Signal
	if !s.isCurrent(sig.CallID) || sig.CallerDevID != s.cfg.DeviceID {
		logger.Debug().Msg("Answer out of context")
		return
	}
	sess := s.session
	if sess.IsGroup() {
		s.handleGroupAnswer(msg, logger)
		return
	}
	if sess.Role != domain.RoleCaller || sess.State != domain.StateDialing || msg.From != sess.CalleeUserID {
		logger.Debug().Str("state", string(sess.State)).Msg("Answer out of context")
		return
	}
	// Once a device is confirmed only it may answer; before that only the
	// non-accepting results can come from any device.
	if sess.CalleeDeviceID != "" && sess.CalleeDeviceID != sig.CalleeDevID ||
		sess.CalleeDeviceID == "" && sig.Result == domain.ResultAccept {
		logger.Debug().Str("callee_device", sig.CalleeDevID.String()).Msg("Answer from unconfirmed device")
		return
	}

	logger.Info().Str("result", string(sig.Result)).Msg("Answer received")
	switch sig.Result {
	case domain.ResultAccept:
		s.timers.Remove(domain.TimerKey{CallID: sess.ID, Purpose: domain.PurposeCallerRing}, s)
		confirm := s.replyTo(domain.ActionConfirmCallee, sig)
		confirm.CalleeDevID = sig.CalleeDevID
		confirm.Result = domain.ResultAccept
		s.send(msg.From, confirm)
		if err := sess.Transition(domain.StateAnswering); err != nil {
			logger.Error().Err(err).Msg("Failed to answer")
			return
		}
		s.joinMedia(sess)
	case domain.ResultRefuse:
		s.end(domain.EndRemoteRefuse)
	case domain.ResultBusy:
		s.end(domain.EndBusy)
	case domain.ResultNoResponse:
		s.end(domain.EndRemoteNoResponse)
	}
}

// handleGroupAnswer settles one invitee. Only a member still pending is
// considered, so a reply racing the invitee's timeout loses if the timeout
// was processed first.
func (s *CallService) handleGroupAnswer(msg domain.Message, logger zerolog.Logger) {
	sig := msg.Signal
	sess := s.session
	if s.group == nil {
		logger.Debug().Msg("Group answer without invitees")
		return
	}
	m, ok := s.group.Get(msg.From)
	if !ok || m.State != domain.InviteeInvited {
		logger.Debug().Msg("Answer from a member not pending")
		return
	}
	if m.DeviceID != "" && m.DeviceID != sig.CalleeDevID {
		logger.Debug().Str("callee_device", sig.CalleeDevID.String()).Msg("Answer from unconfirmed device")
		return
	}

	logger.Info().Str("result", string(sig.Result)).Msg("Invitee answered")
	switch sig.Result {
	case domain.ResultAccept:
		s.group.Join(msg.From)
		delete(s.departed, msg.From)
		s.timers.Remove(domain.TimerKey{CallID: sess.ID, Purpose: domain.PurposeInviteSignal, Subject: msg.From}, s)
		confirm := s.replyTo(domain.ActionConfirmCallee, sig)
		confirm.CalleeDevID = sig.CalleeDevID
		confirm.Result = domain.ResultAccept
		s.send(msg.From, confirm)
		if sess.State == domain.StateDialing {
			if err := sess.Transition(domain.StateAnswering); err != nil {
				logger.Error().Err(err).Msg("Failed to answer")
				return
			}
			s.joinMedia(sess)
		}
	case domain.ResultRefuse:
		s.dropInvitee(msg.From, domain.InviteeRefused, domain.EndRemoteRefuse)
	case domain.ResultBusy:
		s.dropInvitee(msg.From, domain.InviteeBusy, domain.EndBusy)
	case domain.ResultNoResponse:
		s.dropInvitee(msg.From, domain.InviteeTimedOut, domain.EndRemoteNoResponse)
	}
}

func (s *CallService) handleConfirmCallee(msg domain.Message, logger zerolog.Logger) {
	sig := msg.Signal
	sess := s.session
	if !s.isCurrent(sig.CallID) || sess.Role != domain.RoleCallee || msg.From != sess.CallerUserID {
		logger.Debug().Msg("Callee confirmation out of context")
		return
	}
	if sig.CalleeDevID != s.cfg.DeviceID {
		logger.Info().Str("callee_device", sig.CalleeDevID.String()).Msg("Call handled on another device")
		s.end(domain.EndHandleOnOtherDevice)
		return
	}
	if sess.State != domain.StateAnswering {
		logger.Debug().Str("state", string(sess.State)).Msg("Callee confirmation before answer")
		return
	}

	s.timers.Remove(domain.TimerKey{CallID: sess.ID, Purpose: domain.PurposeConfirmCallee}, s)
	if sig.Result != domain.ResultAccept {
		s.end(domain.EndRemoteCancel)
		return
	}
	s.confirmed = true
	logger.Debug().Msg("Callee confirmed")
}

func (s *CallService) handleCancel(msg domain.Message, logger zerolog.Logger) {
	sig := msg.Signal
	if p, ok := s.pending[sig.CallID]; ok && p.CallerUserID == msg.From {
		s.discardPending(p.ID)
		return
	}
	sess := s.session
	if !s.isCurrent(sig.CallID) || sess.Role != domain.RoleCallee || msg.From != sess.CallerUserID {
		logger.Debug().Msg("Cancel out of context")
		return
	}

	switch {
	case sess.State == domain.StateRinging,
		sess.State == domain.StateAnswering && !s.confirmed:
		logger.Info().Msg("Call cancelled by caller")
		s.end(domain.EndRemoteCancel)
	default:
		logger.Debug().Str("state", string(sess.State)).Msg("Cancel ignored")
	}
}

func (s *CallService) handleEnd(msg domain.Message, logger zerolog.Logger) {
	sig := msg.Signal
	if p, ok := s.pending[sig.CallID]; ok && p.CallerUserID == msg.From {
		s.discardPending(p.ID)
		return
	}
	if !s.isCurrent(sig.CallID) {
		logger.Debug().Msg("End for unknown call")
		return
	}

	sess := s.session
	if sess.IsGroup() {
		if s.group != nil && s.group.Leave(msg.From) {
			s.memberLeft(msg.From)
			return
		}
		if msg.From == sess.CallerUserID && sess.State == domain.StateRinging {
			s.end(domain.EndRemoteCancel)
			return
		}
		logger.Debug().Msg("End from a member we did not invite")
		return
	}

	if msg.From != sess.PeerUserID() ||
		sess.Role == domain.RoleCallee && sig.CalleeDevID != "" && sig.CalleeDevID != s.cfg.DeviceID ||
		sess.Role == domain.RoleCaller && sess.CalleeDeviceID != "" && sig.CalleeDevID != sess.CalleeDeviceID {
		logger.Debug().Msg("End from another device")
		return
	}
	if sess.State == domain.StateAnswering {
		logger.Info().Msg("Call ended by peer")
		s.end(domain.EndHangup)
		return
	}
	s.end(domain.EndRemoteCancel)
}

// memberLeft reports a group member leaving, at most once per stay.
func (s *CallService) memberLeft(user domain.UserID) {
	if s.departed[user] {
		return
	}
	s.departed[user] = true
	sess := s.session
	channel, t := sess.ChannelName, sess.Type
	s.notify(func(l port.CallListener) { l.OnRemoteUserLeft(user, channel, t) })
}

func (s *CallService) handleMediaEvent(ev domain.MediaEvent) {
	sess := s.session
	if sess == nil || ev.ChannelName != sess.ChannelName {
		return
	}
	user := domain.UserID(ev.UID)
	if user == s.cfg.UserID {
		return
	}
	channel, t := sess.ChannelName, sess.Type

	switch ev.Type {
	case domain.MediaUserJoined:
		delete(s.departed, user)
		s.notify(func(l port.CallListener) { l.OnRemoteUserJoined(user, channel, t) })
	case domain.MediaUserLeft:
		if sess.IsGroup() {
			if s.group != nil {
				s.group.Leave(user)
			}
			s.memberLeft(user)
			return
		}
		if user == sess.PeerUserID() {
			s.notify(func(l port.CallListener) { l.OnRemoteUserLeft(user, channel, t) })
			s.end(domain.EndHangup)
		}
	}
}
