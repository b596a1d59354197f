package listener

import (
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog"
)

// Logging writes every call event to a logger.
type Logging struct {
	log zerolog.Logger
}

func NewLogging(l zerolog.Logger) *Logging {
	return &Logging{log: l.With().Str("component", "call_listener").Logger()}
}

func (l *Logging) OnReceivedCall(t domain.CallType, from domain.UserID, ext map[string]any) {
	l.log.Info().Str("type", string(t)).Str("from", from.String()).Interface("ext", ext).Msg("Incoming call")
}

func (l *Logging) OnRemoteUserJoined(userID domain.UserID, channelName string, t domain.CallType) {
	l.log.Info().Str("user_id", userID.String()).Str("channel", channelName).Msg("Remote user joined")
}

func (l *Logging) OnRemoteUserLeft(userID domain.UserID, channelName string, t domain.CallType) {
	l.log.Info().Str("user_id", userID.String()).Str("channel", channelName).Msg("Remote user left")
}

func (l *Logging) OnInviteeRemoved(callID domain.CallID, userID domain.UserID, reason domain.EndReason) {
	l.log.Info().Str("call_id", callID.String()).Str("user_id", userID.String()).Str("reason", string(reason)).Msg("Invitee removed")
}

func (l *Logging) OnEndCallWithReason(reason domain.EndReason, info domain.CallInfo) {
	l.log.Info().
		Str("call_id", info.CallID.String()).
		Str("reason", string(reason)).
		Dur("duration", info.Duration).
		Msg("Call ended")
}

func (l *Logging) OnCallError(err *domain.CallError) {
	ev := l.log.Warn()
	if !err.IsBusiness() {
		ev = l.log.Error()
	}
	ev.Err(err.Err).Str("kind", string(err.Kind)).Str("op", err.Op).Str("call_id", err.CallID.String()).Msg("Call error")
}

func (l *Logging) OnDidUpdateCallEndReason(reason domain.EndReason, info domain.CallInfo) {
	l.log.Debug().Str("call_id", info.CallID.String()).Str("reason", string(reason)).Msg("Call outcome recorded")
}
