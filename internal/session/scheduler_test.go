package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lowaak/smart-trainer/lift-sync/internal/timeutil"
)

var t0 = time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

func TestScheduler_FiresOnce(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	s := NewScheduler(clock, nil)

	fired := 0
	s.Start(TimerRest, 10*time.Second, func() { fired++ })
	assert.True(t, s.Active(TimerRest))

	clock.Advance(9 * time.Second)
	assert.Equal(t, 0, fired)
	clock.Advance(time.Second)
	assert.Equal(t, 1, fired)
	assert.False(t, s.Active(TimerRest))

	clock.Advance(time.Minute)
	assert.Equal(t, 1, fired)
}

func TestScheduler_StartReplacesPendingTimer(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	s := NewScheduler(clock, nil)

	var got []string
	s.Start(TimerRest, 10*time.Second, func() { got = append(got, "first") })
	s.Start(TimerRest, 20*time.Second, func() { got = append(got, "second") })

	clock.Advance(30 * time.Second)
	assert.Equal(t, []string{"second"}, got)
}

func TestScheduler_CancelOnlyAffectsOneTimer(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	s := NewScheduler(clock, nil)

	var got []TimerID
	s.Start(TimerRest, time.Second, func() { got = append(got, TimerRest) })
	s.Start(TimerGrace, time.Second, func() { got = append(got, TimerGrace) })

	assert.True(t, s.Cancel(TimerRest))
	assert.False(t, s.Cancel(TimerRest))
	clock.Advance(time.Second)
	assert.Equal(t, []TimerID{TimerGrace}, got)
}

func TestScheduler_CallbackCancelledAfterDispatchIsSkipped(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	var queued []func()
	s := NewScheduler(clock, func(f func()) { queued = append(queued, f) })

	fired := false
	s.Start(TimerGrace, time.Second, func() { fired = true })
	clock.Advance(time.Second)
	assert.Len(t, queued, 1)

	// the timer went off but the owner cancelled before running the callback
	s.Cancel(TimerGrace)
	queued[0]()
	assert.False(t, fired)
}

func TestScheduler_CancelAll(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	s := NewScheduler(clock, nil)

	fired := 0
	for _, id := range []TimerID{TimerElapsed, TimerRest, TimerGrace} {
		s.Start(id, time.Second, func() { fired++ })
	}
	s.CancelAll()
	clock.Advance(time.Minute)
	assert.Equal(t, 0, fired)
	assert.Equal(t, "grace", TimerGrace.String())
}
