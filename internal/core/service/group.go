package service

import (
	"sort"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// GroupTracker keeps the invitee bookkeeping of one group call as seen by the
// device that sent the invitations. Every member is in exactly one state.
// It is owned by the call service loop and is not safe for concurrent use.
type GroupTracker struct {
	callTimeout time.Duration
	members     map[domain.UserID]*domain.GroupInvitee
}

func NewGroupTracker(callTimeout time.Duration) *GroupTracker {
	return &GroupTracker{
		callTimeout: callTimeout,
		members:     make(map[domain.UserID]*domain.GroupInvitee),
	}
}

// Invite records ids as invited with a deadline of now+callTimeout and
// returns the ones that actually need an INVITE. Members already invited or
// joined are skipped; members that refused, were busy or timed out are
// invited again.
func (g *GroupTracker) Invite(ids []domain.UserID, now time.Time) []domain.UserID {
	var fresh []domain.UserID
	for _, id := range ids {
		if id == "" {
			continue
		}
		if m, ok := g.members[id]; ok && !m.State.Terminal() {
			continue
		}
		g.members[id] = &domain.GroupInvitee{
			UserID:         id,
			InviteDeadline: now.Add(g.callTimeout),
			State:          domain.InviteeInvited,
		}
		fresh = append(fresh, id)
	}
	return fresh
}

func (g *GroupTracker) Get(id domain.UserID) (domain.GroupInvitee, bool) {
	m, ok := g.members[id]
	if !ok {
		return domain.GroupInvitee{}, false
	}
	return *m, true
}

// IsPending reports whether id is still an active invitee.
func (g *GroupTracker) IsPending(id domain.UserID) bool {
	m, ok := g.members[id]
	return ok && m.State == domain.InviteeInvited
}

// Alert records an ALERT from device of id and reports whether that device is
// the one confirmed to ring. The first alerting device of a pending invitee
// wins; later devices get false.
func (g *GroupTracker) Alert(id domain.UserID, device domain.DeviceID) bool {
	m, ok := g.members[id]
	if !ok || m.State != domain.InviteeInvited {
		return false
	}
	m.Alerted = true
	if m.DeviceID == "" {
		m.DeviceID = device
		return true
	}
	return m.DeviceID == device
}

// Join moves a pending invitee to joined.
func (g *GroupTracker) Join(id domain.UserID) bool {
	m, ok := g.members[id]
	if !ok || m.State != domain.InviteeInvited {
		return false
	}
	m.State = domain.InviteeJoined
	return true
}

// Drop moves a pending invitee to a terminal state. Joined members are never
// dropped.
func (g *GroupTracker) Drop(id domain.UserID, state domain.InviteeState) bool {
	m, ok := g.members[id]
	if !ok || m.State != domain.InviteeInvited || !state.Terminal() {
		return false
	}
	m.State = state
	return true
}

// Forget removes a pending invitee whose invitation never went out.
func (g *GroupTracker) Forget(id domain.UserID) {
	if m, ok := g.members[id]; ok && m.State == domain.InviteeInvited {
		delete(g.members, id)
	}
}

// Leave removes a joined member.
func (g *GroupTracker) Leave(id domain.UserID) bool {
	m, ok := g.members[id]
	if !ok || m.State != domain.InviteeJoined {
		return false
	}
	delete(g.members, id)
	return true
}

// Expired returns the pending invitees whose deadline has passed.
func (g *GroupTracker) Expired(now time.Time) []domain.UserID {
	var ids []domain.UserID
	for id, m := range g.members {
		if m.State == domain.InviteeInvited && !now.Before(m.InviteDeadline) {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

func (g *GroupTracker) Pending() []domain.UserID {
	return g.inState(domain.InviteeInvited)
}

func (g *GroupTracker) Joined() []domain.UserID {
	return g.inState(domain.InviteeJoined)
}

// Counts returns how many members are in each state.
func (g *GroupTracker) Counts() map[domain.InviteeState]int {
	counts := make(map[domain.InviteeState]int)
	for _, m := range g.members {
		counts[m.State]++
	}
	return counts
}

func (g *GroupTracker) inState(state domain.InviteeState) []domain.UserID {
	var ids []domain.UserID
	for id, m := range g.members {
		if m.State == state {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

func sortIDs(ids []domain.UserID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
