package service

import (
	"context"
	"sync"
	"testing"
	"time"

	gwmemory "github.com/Wyydra/yacall/internal/adapter/driven/gateway/memory"
	mediamemory "github.com/Wyydra/yacall/internal/adapter/driven/media/memory"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	pollAt  = 5 * time.Millisecond
)

func testConfig(user domain.UserID, device domain.DeviceID) Config {
	return Config{
		UserID:               user,
		DeviceID:             device,
		CallTimeout:          5 * time.Second,
		RingTimeout:          5 * time.Second,
		InviteSignalTimeout:  3 * time.Second,
		ConfirmRingTimeout:   3 * time.Second,
		ConfirmCalleeTimeout: 3 * time.Second,
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type endEvent struct {
	reason domain.EndReason
	info   domain.CallInfo
}

type removedEvent struct {
	callID domain.CallID
	user   domain.UserID
	reason domain.EndReason
}

// recorder is a CallListener keeping every event it saw.
type recorder struct {
	mu       sync.Mutex
	received []domain.UserID
	joined   []domain.UserID
	left     []domain.UserID
	removed  []removedEvent
	ended    []endEvent
	errors   []*domain.CallError
	stamped  []domain.EndReason
}

func (r *recorder) OnReceivedCall(t domain.CallType, from domain.UserID, ext map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, from)
}

func (r *recorder) OnRemoteUserJoined(userID domain.UserID, channelName string, t domain.CallType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = append(r.joined, userID)
}

func (r *recorder) OnRemoteUserLeft(userID domain.UserID, channelName string, t domain.CallType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left = append(r.left, userID)
}

func (r *recorder) OnInviteeRemoved(callID domain.CallID, userID domain.UserID, reason domain.EndReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, removedEvent{callID: callID, user: userID, reason: reason})
}

func (r *recorder) OnEndCallWithReason(reason domain.EndReason, info domain.CallInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, endEvent{reason: reason, info: info})
}

func (r *recorder) OnCallError(err *domain.CallError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recorder) OnDidUpdateCallEndReason(reason domain.EndReason, info domain.CallInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stamped = append(r.stamped, reason)
}

func (r *recorder) endReasons() []domain.EndReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EndReason
	for _, e := range r.ended {
		out = append(out, e.reason)
	}
	return out
}

func (r *recorder) lastEnd() (endEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ended) == 0 {
		return endEvent{}, false
	}
	return r.ended[len(r.ended)-1], true
}

func (r *recorder) receivedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func (r *recorder) errorKinds() []domain.ErrorKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ErrorKind
	for _, e := range r.errors {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recorder) removedEvents() []removedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]removedEvent(nil), r.removed...)
}

func (r *recorder) leftUsers() []domain.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.UserID(nil), r.left...)
}

func (r *recorder) stampedReasons() []domain.EndReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.EndReason(nil), r.stamped...)
}

type endpoint struct {
	user      domain.UserID
	device    domain.DeviceID
	svc       *CallService
	transport *gwmemory.Transport
	engine    *mediamemory.Engine
	rec       *recorder
	ticks     chan time.Time
}

type harness struct {
	t     *testing.T
	net   *gwmemory.Network
	clock *fakeClock
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:     t,
		net:   gwmemory.NewNetwork(),
		clock: &fakeClock{now: time.Now()},
	}
	h.net.SetClock(h.clock.Now)
	return h
}

// device attaches a running call service for user on device.
func (h *harness) device(user domain.UserID, device domain.DeviceID) *endpoint {
	ep := &endpoint{
		user:      user,
		device:    device,
		transport: h.net.Attach(user, device),
		engine:    mediamemory.NewEngine(),
		rec:       &recorder{},
		ticks:     make(chan time.Time),
	}
	ep.svc = NewCallService(testConfig(user, device), ep.transport, ep.engine,
		WithTicks(ep.ticks),
		WithClock(h.clock.Now),
	)
	ep.svc.AddListener(ep.rec)
	go ep.svc.Run()
	h.t.Cleanup(ep.svc.Stop)
	// the loop serves commands only once it is subscribed
	ep.svc.CurrentCall()
	return ep
}

// tick advances the clock by n seconds, ticking each endpoint once per
// second. Each tick is handed over synchronously to the endpoint loop.
func (h *harness) tick(n int, eps ...*endpoint) {
	for i := 0; i < n; i++ {
		h.clock.Advance(time.Second)
		for _, ep := range eps {
			ep.ticks <- h.clock.Now()
		}
	}
	for _, ep := range eps {
		ep.svc.CurrentCall()
	}
}

func (h *harness) waitState(ep *endpoint, state domain.CallState) domain.CallInfo {
	h.t.Helper()
	var info domain.CallInfo
	require.Eventually(h.t, func() bool {
		var ok bool
		info, ok = ep.svc.CurrentCall()
		return ok && info.State == state
	}, waitFor, pollAt, "%s/%s never reached %s", ep.user, ep.device, state)
	return info
}

func (h *harness) waitIdle(ep *endpoint) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		_, ok := ep.svc.CurrentCall()
		return !ok
	}, waitFor, pollAt, "%s/%s never went idle", ep.user, ep.device)
}

func (h *harness) waitEnd(ep *endpoint, reason domain.EndReason) endEvent {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		for _, r := range ep.rec.endReasons() {
			if r == reason {
				return true
			}
		}
		return false
	}, waitFor, pollAt, "%s/%s never ended with %s", ep.user, ep.device, reason)
	ev, _ := ep.rec.lastEnd()
	return ev
}

// sentSignals returns the signals of action that went through the network.
func (h *harness) sentSignals(action domain.Action) []domain.Message {
	var out []domain.Message
	for _, msg := range h.net.Sent() {
		if msg.Signal.Action == action {
			out = append(out, msg)
		}
	}
	return out
}

// establish sets up an answered 1:1 call from caller to callee.
func (h *harness) establish(caller, callee *endpoint) domain.CallID {
	h.t.Helper()
	id, err := caller.svc.Call(context.Background(), callee.user, domain.CallAudio, nil)
	require.NoError(h.t, err)
	h.waitState(callee, domain.StateRinging)
	require.NoError(h.t, callee.svc.Answer(context.Background(), true))
	h.waitState(caller, domain.StateAnswering)
	require.Eventually(h.t, func() bool {
		_, a := caller.engine.Joined()
		_, b := callee.engine.Joined()
		return a && b
	}, waitFor, pollAt)
	return id
}

func (h *harness) waitReceived(ep *endpoint, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return ep.rec.receivedCount() == n }, waitFor, pollAt)
}

func assertNoSession(t *testing.T, ep *endpoint) {
	t.Helper()
	_, ok := ep.svc.CurrentCall()
	assert.False(t, ok, "%s/%s still has a call", ep.user, ep.device)
}
