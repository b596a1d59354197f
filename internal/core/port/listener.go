package port

import "github.com/Wyydra/yacall/internal/core/domain"

// CallListener receives call events, typically the UI layer. Every method is
// mandatory; embed NopListener to pick only some.
type CallListener interface {
	OnReceivedCall(t domain.CallType, from domain.UserID, ext map[string]any)
	OnRemoteUserJoined(userID domain.UserID, channelName string, t domain.CallType)
	OnRemoteUserLeft(userID domain.UserID, channelName string, t domain.CallType)
	OnInviteeRemoved(callID domain.CallID, userID domain.UserID, reason domain.EndReason)
	OnEndCallWithReason(reason domain.EndReason, info domain.CallInfo)
	OnCallError(err *domain.CallError)
	OnDidUpdateCallEndReason(reason domain.EndReason, info domain.CallInfo)
}

type NopListener struct{}

func (NopListener) OnReceivedCall(domain.CallType, domain.UserID, map[string]any) {}
func (NopListener) OnRemoteUserJoined(domain.UserID, string, domain.CallType) {}
func (NopListener) OnRemoteUserLeft(domain.UserID, string, domain.CallType) {}
func (NopListener) OnInviteeRemoved(domain.CallID, domain.UserID, domain.EndReason) {}
func (NopListener) OnEndCallWithReason(domain.EndReason, domain.CallInfo) {}
func (NopListener) OnCallError(*domain.CallError) {}
func (NopListener) OnDidUpdateCallEndReason(domain.EndReason, domain.CallInfo) {}
