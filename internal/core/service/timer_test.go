package service

import (
	"testing"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

type tickRecorder struct {
	ticks  []int
	onTick func(key domain.TimerKey, elapsed int)
}

func (r *tickRecorder) OnTick(key domain.TimerKey, elapsed int) {
	r.ticks = append(r.ticks, elapsed)
	if r.onTick != nil {
		r.onTick(key, elapsed)
	}
}

func TestTimerRegistryCounts(t *testing.T) {
	assert := assert.New(t)
	r := NewTimerRegistry()
	key := domain.TimerKey{CallID: "c1", Purpose: domain.PurposeRing}
	l := &tickRecorder{}

	r.Register(key, l)
	elapsed, ok := r.Elapsed(key)
	assert.True(ok)
	assert.Equal(0, elapsed)

	r.Tick()
	r.Tick()
	r.Tick()
	assert.Equal([]int{1, 2, 3}, l.ticks)

	// registering again keeps the counter
	r.Register(key, l)
	r.Tick()
	assert.Equal([]int{1, 2, 3, 4}, l.ticks)
}

func TestTimerRegistrySharedTimer(t *testing.T) {
	assert := assert.New(t)
	r := NewTimerRegistry()
	key := domain.TimerKey{CallID: "c1", Purpose: domain.PurposeDuration}
	a, b := &tickRecorder{}, &tickRecorder{}

	r.Register(key, a)
	r.Tick()
	r.Register(key, b)
	r.Tick()
	assert.Equal([]int{1, 2}, a.ticks)
	assert.Equal([]int{2}, b.ticks)

	r.Remove(key, a)
	_, ok := r.Elapsed(key)
	assert.True(ok)

	r.Remove(key, b)
	_, ok = r.Elapsed(key)
	assert.False(ok)
}

func TestTimerRegistryRemoveAll(t *testing.T) {
	assert := assert.New(t)
	r := NewTimerRegistry()
	l := &tickRecorder{}
	r.Register(domain.TimerKey{CallID: "c1", Purpose: domain.PurposeRing}, l)
	r.Register(domain.TimerKey{CallID: "c1", Purpose: domain.PurposeInviteSignal, Subject: "bob"}, l)
	r.Register(domain.TimerKey{CallID: "c2", Purpose: domain.PurposeConfirmRing}, l)

	assert.Len(r.Keys("c1"), 2)
	r.RemoveAll("c1")
	assert.Empty(r.Keys("c1"))
	assert.Len(r.Keys("c2"), 1)

	r.Remove(domain.TimerKey{CallID: "missing"}, l)
}

// A timer removed by a listener during a tick is not delivered afterwards,
// even within the same tick.
func TestTimerRegistryRemovedDuringTick(t *testing.T) {
	assert := assert.New(t)
	r := NewTimerRegistry()
	key := domain.TimerKey{CallID: "c1", Purpose: domain.PurposeRing}
	other := domain.TimerKey{CallID: "c1", Purpose: domain.PurposeDuration}

	victim := &tickRecorder{}
	killer := &tickRecorder{}
	killer.onTick = func(domain.TimerKey, int) { r.Remove(other, victim) }
	r.Register(key, killer)
	r.Register(other, victim)

	r.Tick()
	r.Tick()
	assert.Equal([]int{1, 2}, killer.ticks)
	assert.LessOrEqual(len(victim.ticks), 1)
	assert.Equal([]domain.TimerKey{key}, r.Keys("c1"))
}

func TestTimerKeyString(t *testing.T) {
	assert.Equal(t, "c1/ring", domain.TimerKey{CallID: "c1", Purpose: domain.PurposeRing}.String())
	assert.Equal(t, "c1/inviteSignal/bob", domain.TimerKey{CallID: "c1", Purpose: domain.PurposeInviteSignal, Subject: "bob"}.String())
	assert.Equal(t, "purpose(42)", domain.TimerPurpose(42).String())
}
