package service

import (
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// TickListener observes a named timer. Elapsed is the number of whole seconds
// since the timer was created.
type TickListener interface {
	OnTick(key domain.TimerKey, elapsed int)
}

type namedTimer struct {
	elapsed   int
	listeners map[TickListener]struct{}
}

// TimerRegistry is a set of elapsed-second counters driven by one shared
// tick. Timers are counters, not deadlines: listeners compare elapsed
// against their own thresholds.
type TimerRegistry struct {
	mu     sync.Mutex
	timers map[domain.TimerKey]*namedTimer
}

func NewTimerRegistry() *TimerRegistry {
	return &TimerRegistry{
		timers: make(map[domain.TimerKey]*namedTimer),
	}
}

// Register attaches l to the timer named key, creating it at zero if absent.
func (r *TimerRegistry) Register(key domain.TimerKey, l TickListener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[key]
	if !ok {
		t = &namedTimer{listeners: make(map[TickListener]struct{})}
		r.timers[key] = t
	}
	t.listeners[l] = struct{}{}
}

// Remove detaches l from key. The timer is dropped with its last listener.
func (r *TimerRegistry) Remove(key domain.TimerKey, l TickListener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[key]
	if !ok {
		return
	}
	delete(t.listeners, l)
	if len(t.listeners) == 0 {
		delete(r.timers, key)
	}
}

// RemoveAll drops every timer belonging to callID.
func (r *TimerRegistry) RemoveAll(callID domain.CallID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.timers {
		if key.CallID == callID {
			delete(r.timers, key)
		}
	}
}

// Elapsed returns the counter of key.
func (r *TimerRegistry) Elapsed(key domain.TimerKey) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[key]
	if !ok {
		return 0, false
	}
	return t.elapsed, true
}

// Keys lists the live timers of callID.
func (r *TimerRegistry) Keys(callID domain.CallID) []domain.TimerKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	var keys []domain.TimerKey
	for key := range r.timers {
		if key.CallID == callID {
			keys = append(keys, key)
		}
	}
	return keys
}

type tickEvent struct {
	key      domain.TimerKey
	elapsed  int
	listener TickListener
}

// Tick advances every timer by one second and fans the new value out to the
// listeners of each timer. Listeners run outside the registry lock and may
// register or remove timers.
func (r *TimerRegistry) Tick() {
	r.mu.Lock()
	events := make([]tickEvent, 0, len(r.timers))
	for key, t := range r.timers {
		t.elapsed++
		for l := range t.listeners {
			events = append(events, tickEvent{key: key, elapsed: t.elapsed, listener: l})
		}
	}
	r.mu.Unlock()

	for _, ev := range events {
		if !r.live(ev.key, ev.listener) {
			continue
		}
		ev.listener.OnTick(ev.key, ev.elapsed)
	}
}

// live guards against delivering a tick to a timer an earlier listener
// removed during the same fan-out.
func (r *TimerRegistry) live(key domain.TimerKey, l TickListener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[key]
	if !ok {
		return false
	}
	_, ok = t.listeners[l]
	return ok
}
