package memory

import (
	"context"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Engine is a media engine that joins nothing. It records what it was asked
// to do and lets callers inject failures and remote participant events.
type Engine struct {
	mu         sync.Mutex
	setupErr   error
	joinErr    error
	publishErr error
	mediaErr   error
	gate       chan struct{}

	channel    string
	joined     bool
	joins      int
	leaves     int
	published  map[domain.MediaKind]bool
	muted      map[domain.MediaKind]bool
	subscribed []string

	events chan domain.MediaEvent
}

func NewEngine() *Engine {
	return &Engine{
		published: make(map[domain.MediaKind]bool),
		muted:     make(map[domain.MediaKind]bool),
		events:    make(chan domain.MediaEvent, 64),
	}
}

func (e *Engine) FailSetup(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setupErr = err
}

func (e *Engine) FailJoin(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.joinErr = err
}

func (e *Engine) FailPublish(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishErr = err
}

// FailMedia makes Mute and Subscribe return err.
func (e *Engine) FailMedia(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mediaErr = err
}

// Hold makes later joins block until Release.
func (e *Engine) Hold() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate = make(chan struct{})
}

func (e *Engine) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gate != nil {
		close(e.gate)
		e.gate = nil
	}
}

func (e *Engine) Setup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setupErr
}

func (e *Engine) JoinChannel(ctx context.Context, channelName, uid, token string) error {
	e.mu.Lock()
	gate := e.gate
	e.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.joinErr != nil {
		return e.joinErr
	}
	if e.joined {
		e.leaves++
	}
	e.channel = channelName
	e.joined = true
	e.joins++
	return nil
}

func (e *Engine) LeaveChannel() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.joined {
		return 0
	}
	e.joined = false
	e.channel = ""
	e.leaves++
	return 0
}

func (e *Engine) Publish(kind domain.MediaKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.publishErr != nil {
		return e.publishErr
	}
	e.published[kind] = true
	return nil
}

func (e *Engine) Subscribe(uid string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mediaErr != nil {
		return e.mediaErr
	}
	e.subscribed = append(e.subscribed, uid)
	return nil
}

func (e *Engine) Mute(kind domain.MediaKind, muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mediaErr != nil {
		return e.mediaErr
	}
	e.muted[kind] = muted
	return nil
}

func (e *Engine) Events() <-chan domain.MediaEvent {
	return e.events
}

// Emit reports a remote participant event as if it came from the channel.
func (e *Engine) Emit(ev domain.MediaEvent) {
	e.events <- ev
}

// Joined returns the channel currently joined.
func (e *Engine) Joined() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel, e.joined
}

func (e *Engine) Joins() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.joins
}

func (e *Engine) Leaves() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaves
}

// Published returns the media kinds published so far.
func (e *Engine) Published() []domain.MediaKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	var kinds []domain.MediaKind
	for _, kind := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
		if e.published[kind] {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

func (e *Engine) Muted(kind domain.MediaKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted[kind]
}

func (e *Engine) Subscribed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.subscribed...)
}
