package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

const (
	sendTimeout = 10 * time.Second
	joinTimeout = 15 * time.Second
)

// Config holds the local identity and the signaling timeouts.
type Config struct {
	UserID   domain.UserID
	DeviceID domain.DeviceID

	CallTimeout          time.Duration
	RingTimeout          time.Duration
	InviteSignalTimeout  time.Duration
	ConfirmRingTimeout   time.Duration
	ConfirmCalleeTimeout time.Duration
}

func DefaultConfig(user domain.UserID, device domain.DeviceID) Config {
	return Config{
		UserID:               user,
		DeviceID:             device,
		CallTimeout:          30 * time.Second,
		RingTimeout:          30 * time.Second,
		InviteSignalTimeout:  10 * time.Second,
		ConfirmRingTimeout:   10 * time.Second,
		ConfirmCalleeTimeout: 10 * time.Second,
	}
}

func seconds(d time.Duration) int {
	return int(d / time.Second)
}

type Option func(*CallService)

// WithTicks replaces the one-second ticker driving the timer registry.
func WithTicks(ticks <-chan time.Time) Option {
	return func(s *CallService) { s.ticks = ticks }
}

// WithClock replaces time.Now for deadlines and durations.
func WithClock(now func() time.Time) Option {
	return func(s *CallService) { s.now = now }
}

func WithTokenProvider(p port.TokenProvider) Option {
	return func(s *CallService) { s.tokens = p }
}

type noToken struct{}

func (noToken) Token(context.Context, string, string) (string, error) { return "", nil }

// CallService is the call orchestrator of one local endpoint. All state
// below the loop marker is owned by the Run goroutine; public operations are
// executed on that goroutine too, so signaling, timer ticks and local
// actions are applied one at a time in arrival order.
type CallService struct {
	cfg       Config
	transport port.MessageTransport
	media     port.MediaEngine
	tokens    port.TokenProvider
	timers    *TimerRegistry
	now       func() time.Time
	ticks     <-chan time.Time

	listenersMu sync.RWMutex
	listeners   []port.CallListener

	cmds        chan func()
	outbox      *jobQueue
	events      *jobQueue
	quit        chan struct{}
	flushOutbox chan struct{}
	flushEvents chan struct{}
	outboxDone  chan struct{}
	eventsDone  chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	runOnce     sync.Once

	// loop
	session   *domain.CallSession
	pending   map[domain.CallID]*domain.CallSession
	group     *GroupTracker
	joinCall  domain.CallID
	joined    bool
	confirmed bool
	departed  map[domain.UserID]bool
}

func NewCallService(cfg Config, transport port.MessageTransport, media port.MediaEngine, opts ...Option) *CallService {
	s := &CallService{
		cfg:       cfg,
		transport: transport,
		media:     media,
		tokens:    noToken{},
		timers:    NewTimerRegistry(),
		now:       time.Now,
		cmds:        make(chan func()),
		outbox:      newJobQueue(),
		events:      newJobQueue(),
		quit:        make(chan struct{}),
		flushOutbox: make(chan struct{}),
		flushEvents: make(chan struct{}),
		outboxDone:  make(chan struct{}),
		eventsDone:  make(chan struct{}),
		done:        make(chan struct{}),
		pending:     make(map[domain.CallID]*domain.CallSession),
		departed:    make(map[domain.UserID]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Timers exposes the timer registry, e.g. for a call duration display
// observing (callId, PurposeDuration).
func (s *CallService) Timers() *TimerRegistry {
	return s.timers
}

func (s *CallService) AddListener(l port.CallListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for _, existing := range s.listeners {
		if existing == l {
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

func (s *CallService) RemoveListener(l port.CallListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// notify queues fn for every listener. Listener callbacks run on their own
// goroutine, in order, and may call back into the service.
func (s *CallService) notify(fn func(l port.CallListener)) {
	s.listenersMu.RLock()
	ls := make([]port.CallListener, len(s.listeners))
	copy(ls, s.listeners)
	s.listenersMu.RUnlock()

	s.events.push(func(context.Context) {
		for _, l := range ls {
			fn(l)
		}
	})
}

// Run processes commands, inbound signaling, media events and timer ticks
// until Stop is called.
func (s *CallService) Run() {
	s.runOnce.Do(s.run)
}

func (s *CallService) run() {
	defer close(s.done)

	msgs, cancel := s.transport.Subscribe()
	defer cancel()

	if s.ticks == nil {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		s.ticks = ticker.C
	}

	go func() {
		defer close(s.outboxDone)
		s.outbox.run(s.flushOutbox)
	}()
	go func() {
		defer close(s.eventsDone)
		s.events.run(s.flushEvents)
	}()

	mediaEvents := s.media.Events()
	log.Info().Str("user_id", s.cfg.UserID.String()).Str("device_id", s.cfg.DeviceID.String()).Msg("Call service started")

	for {
		select {
		case <-s.quit:
			s.shutdown()
			// outbox jobs may still queue listener events
			close(s.flushOutbox)
			<-s.outboxDone
			close(s.flushEvents)
			<-s.eventsDone
			log.Info().Msg("Call service stopped")
			return

		case fn := <-s.cmds:
			fn()

		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				log.Warn().Msg("Transport subscription closed")
				continue
			}
			s.handleMessage(msg)

		case ev, ok := <-mediaEvents:
			if !ok {
				mediaEvents = nil
				continue
			}
			s.handleMediaEvent(ev)

		case <-s.ticks:
			s.timers.Tick()
		}
	}
}

// Stop hangs up any active call and stops the loop. Queued signals are
// flushed before the workers exit.
func (s *CallService) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
	})
	// never started
	s.runOnce.Do(func() { close(s.done) })
	<-s.done
}

func (s *CallService) shutdown() {
	if s.session != nil {
		s.hangup()
	}
	for id := range s.pending {
		s.discardPending(id)
	}
}

// exec runs fn on the loop and waits for it. If ctx ends first, fn may still
// run later.
func (s *CallService) exec(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
	case <-s.quit:
		return domain.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.quit:
		return domain.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post schedules fn on the loop without waiting. Used by completions of
// network-bound work.
func (s *CallService) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.quit:
	}
}

// fail reports err to every listener and returns it.
func (s *CallService) fail(kind domain.ErrorKind, op string, callID domain.CallID, err error) *domain.CallError {
	ce := domain.NewCallError(kind, op, callID, err)
	log.Warn().Err(err).Str("kind", string(kind)).Str("op", op).Str("call_id", callID.String()).Msg("Call error")
	s.notify(func(l port.CallListener) { l.OnCallError(ce) })
	return ce
}

// CurrentCall returns a snapshot of the active call.
func (s *CallService) CurrentCall() (domain.CallInfo, bool) {
	var (
		info domain.CallInfo
		ok   bool
	)
	if err := s.exec(context.Background(), func() {
		if s.session != nil {
			info, ok = s.session.Info(), true
		}
	}); err != nil {
		return domain.CallInfo{}, false
	}
	return info, ok
}

// Call starts a 1:1 call to target.
func (s *CallService) Call(ctx context.Context, target domain.UserID, t domain.CallType, ext map[string]any) (domain.CallID, error) {
	const op = "call"
	switch {
	case target == "":
		return "", s.fail(domain.KindParam, op, "", domain.ErrEmptyTarget)
	case target == s.cfg.UserID:
		return "", s.fail(domain.KindParam, op, "", domain.ErrSelfTarget)
	case t != domain.CallAudio && t != domain.CallVideo:
		return "", s.fail(domain.KindParam, op, "", fmt.Errorf("%w: %q", domain.ErrInvalidCallType, t))
	}

	var (
		callID domain.CallID
		err    error
	)
	execErr := s.exec(ctx, func() {
		if s.session != nil {
			err = s.fail(domain.KindState, op, s.session.ID, domain.ErrAlreadyInCall)
			return
		}
		if setupErr := s.media.Setup(); setupErr != nil {
			err = s.fail(domain.KindEngine, op, "", setupErr)
			return
		}

		sess := s.newOutgoing(t, ext)
		sess.CalleeUserID = target
		if err = sess.Transition(domain.StateDialing); err != nil {
			return
		}
		s.session = sess
		callID = sess.ID

		s.timers.Register(domain.TimerKey{CallID: sess.ID, Purpose: domain.PurposeCallerRing}, s)

		sig := s.signal(domain.ActionInvite, sess)
		sig.ChannelName = sess.ChannelName
		sig.Ext = ext
		s.sendWithID(sess.InviteMessageID, target, sig, func(_ domain.MessageID, sendErr error) {
			if sendErr == nil || !s.isCurrent(sess.ID) || s.session.State != domain.StateDialing {
				return
			}
			s.fail(domain.KindTransport, "invite", sess.ID, sendErr)
			s.end(domain.EndAbnormal)
		})
		log.Info().Str("call_id", sess.ID.String()).Str("callee", target.String()).Str("type", string(t)).Msg("Dialing")
	})
	if execErr != nil {
		return "", execErr
	}
	return callID, err
}

// GroupCall starts a group call and invites members.
func (s *CallService) GroupCall(ctx context.Context, group domain.GroupInfo, members []domain.UserID, ext map[string]any) (domain.CallID, error) {
	const op = "groupCall"
	if group.GroupID == "" {
		return "", s.fail(domain.KindParam, op, "", fmt.Errorf("%w: missing group id", domain.ErrEmptyTarget))
	}
	invitees, err := s.filterMembers(members)
	if err != nil {
		return "", s.fail(domain.KindParam, op, "", err)
	}

	var callID domain.CallID
	execErr := s.exec(ctx, func() {
		if s.session != nil {
			err = s.fail(domain.KindState, op, s.session.ID, domain.ErrAlreadyInCall)
			return
		}
		if setupErr := s.media.Setup(); setupErr != nil {
			err = s.fail(domain.KindEngine, op, "", setupErr)
			return
		}

		sess := s.newOutgoing(domain.CallGroup, ext)
		g := group
		sess.Group = &g
		if err = sess.Transition(domain.StateDialing); err != nil {
			return
		}
		s.session = sess
		s.group = NewGroupTracker(s.cfg.CallTimeout)
		callID = sess.ID

		s.timers.Register(domain.TimerKey{CallID: sess.ID, Purpose: domain.PurposeInviteeScan}, s)
		s.inviteMembers(invitees, true)
		log.Info().Str("call_id", sess.ID.String()).Str("group_id", group.GroupID).Int("invitees", len(invitees)).Msg("Group dialing")
	})
	if execErr != nil {
		return "", execErr
	}
	return callID, err
}

// AddParticipants invites more members into the active group call.
func (s *CallService) AddParticipants(ctx context.Context, members []domain.UserID) error {
	const op = "addParticipants"
	invitees, err := s.filterMembers(members)
	if err != nil {
		return s.fail(domain.KindParam, op, "", err)
	}

	execErr := s.exec(ctx, func() {
		switch {
		case s.session == nil:
			err = s.fail(domain.KindState, op, "", domain.ErrNoActiveCall)
			return
		case !s.session.IsGroup():
			err = s.fail(domain.KindState, op, s.session.ID, domain.ErrNotGroupCall)
			return
		case s.session.State == domain.StateRinging:
			err = s.fail(domain.KindState, op, s.session.ID, fmt.Errorf("%w: answer before inviting", domain.ErrInvalidTransition))
			return
		}
		if s.group == nil {
			s.group = NewGroupTracker(s.cfg.CallTimeout)
			s.timers.Register(domain.TimerKey{CallID: s.session.ID, Purpose: domain.PurposeInviteeScan}, s)
		}
		s.inviteMembers(invitees, false)
	})
	if execErr != nil {
		return execErr
	}
	return err
}

// Answer accepts or refuses the ringing call.
func (s *CallService) Answer(ctx context.Context, accept bool) error {
	const op = "answer"
	var err error
	execErr := s.exec(ctx, func() {
		if s.session == nil {
			err = s.fail(domain.KindState, op, "", domain.ErrNoActiveCall)
			return
		}
		if s.session.State != domain.StateRinging {
			err = s.fail(domain.KindState, op, s.session.ID, domain.ErrNotRinging)
			return
		}
		if !accept {
			s.refuse(domain.ResultRefuse, domain.EndRefuse)
			return
		}
		if setupErr := s.media.Setup(); setupErr != nil {
			err = s.fail(domain.KindEngine, op, s.session.ID, setupErr)
			s.refuse(domain.ResultRefuse, domain.EndAbnormal)
			return
		}
		s.accept()
	})
	if execErr != nil {
		return execErr
	}
	return err
}

// Hangup ends the active call from whatever state it is in: a dialing call
// is cancelled, a ringing one refused, an established one ended. It is a
// no-op when idle.
func (s *CallService) Hangup(ctx context.Context) error {
	return s.exec(ctx, func() {
		if s.session != nil {
			s.hangup()
		}
	})
}

// Cancel withdraws an outgoing call. Outside of dialing it behaves like
// Hangup.
func (s *CallService) Cancel(ctx context.Context) error {
	return s.Hangup(ctx)
}

// Mute stops or resumes sending local media of kind in the joined call.
func (s *CallService) Mute(ctx context.Context, kind domain.MediaKind, muted bool) error {
	const op = "mute"
	if kind != domain.MediaAudio && kind != domain.MediaVideo {
		return s.fail(domain.KindParam, op, "", fmt.Errorf("%w: %q", domain.ErrInvalidMediaKind, kind))
	}
	callID, err := s.inChannel(ctx, op)
	if err != nil {
		return err
	}
	if err := s.media.Mute(kind, muted); err != nil {
		return s.fail(domain.KindEngine, op, callID, err)
	}
	log.Info().Str("call_id", callID.String()).Str("kind", string(kind)).Bool("muted", muted).Msg("Local media muted")
	return nil
}

// Subscribe asks the media engine to refresh the remote media of user.
func (s *CallService) Subscribe(ctx context.Context, user domain.UserID) error {
	const op = "subscribe"
	if user == "" {
		return s.fail(domain.KindParam, op, "", domain.ErrEmptyTarget)
	}
	callID, err := s.inChannel(ctx, op)
	if err != nil {
		return err
	}
	if err := s.media.Subscribe(user.String()); err != nil {
		return s.fail(domain.KindEngine, op, callID, err)
	}
	return nil
}

// inChannel returns the id of the call whose channel is joined. The media
// engine is then driven off the loop.
func (s *CallService) inChannel(ctx context.Context, op string) (domain.CallID, error) {
	var (
		callID domain.CallID
		err    error
	)
	execErr := s.exec(ctx, func() {
		switch {
		case s.session == nil:
			err = s.fail(domain.KindState, op, "", domain.ErrNoActiveCall)
		case !s.joined:
			err = s.fail(domain.KindState, op, s.session.ID, domain.ErrNotInChannel)
		default:
			callID = s.session.ID
		}
	})
	if execErr != nil {
		return "", execErr
	}
	return callID, err
}

func (s *CallService) newOutgoing(t domain.CallType, ext map[string]any) *domain.CallSession {
	return &domain.CallSession{
		ID:              domain.NewCallID(),
		Type:            t,
		Role:            domain.RoleCaller,
		State:           domain.StateIdle,
		CallerUserID:    s.cfg.UserID,
		CallerDeviceID:  s.cfg.DeviceID,
		ChannelName:     domain.NewChannelName(),
		InviteMessageID: domain.NewMessageID(),
		Ext:             ext,
		CreatedAt:       s.now(),
	}
}

// filterMembers drops duplicates and the local user.
func (s *CallService) filterMembers(members []domain.UserID) ([]domain.UserID, error) {
	if len(members) == 0 {
		return nil, domain.ErrEmptyTarget
	}
	seen := make(map[domain.UserID]bool, len(members))
	var out []domain.UserID
	self := false
	for _, m := range members {
		switch {
		case m == "":
			continue
		case m == s.cfg.UserID:
			self = true
			continue
		case seen[m]:
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	if len(out) == 0 {
		if self {
			return nil, domain.ErrSelfTarget
		}
		return nil, domain.ErrEmptyTarget
	}
	return out, nil
}

func (s *CallService) isCurrent(id domain.CallID) bool {
	return s.session != nil && s.session.ID == id
}
