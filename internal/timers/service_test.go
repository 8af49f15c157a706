package timers

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflexhq/reflex/internal/model"
)

type firing struct {
	name          string
	correlationID string
	iteration     int
}

type recorder struct {
	mu      sync.Mutex
	firings []firing
}

func (r *recorder) fire(name string, _ model.EventTemplate, correlationID string, iteration int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.firings = append(r.firings, firing{name, correlationID, iteration})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.firings)
}

func (r *recorder) all() []firing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]firing(nil), r.firings...)
}

func spec(name string, d time.Duration) model.TimerSpec {
	return model.TimerSpec{
		Name:     name,
		Duration: model.Duration(d),
		OnExpire: model.EventTemplate{Topic: "timer." + name},
	}
}

func TestTimerFiresWithCorrelation(t *testing.T) {
	rec := &recorder{}
	s := NewService(rec.fire)
	defer s.Stop()

	s.Set(spec("t1", 20*time.Millisecond), "corr-1")
	assert.Equal(t, 1, s.Len())

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	got := rec.all()[0]
	assert.Equal(t, "t1", got.name)
	assert.Equal(t, "corr-1", got.correlationID)
	assert.Equal(t, 1, got.iteration)
	assert.Zero(t, s.Len())
}

func TestSetReplacesExisting(t *testing.T) {
	rec := &recorder{}
	s := NewService(rec.fire)
	defer s.Stop()

	s.Set(spec("t1", time.Hour), "old")
	s.Set(spec("t1", 20*time.Millisecond), "new")
	assert.Equal(t, 1, s.Len())

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "new", rec.all()[0].correlationID)
}

func TestCancelIdempotent(t *testing.T) {
	rec := &recorder{}
	s := NewService(rec.fire)
	defer s.Stop()

	s.Set(spec("t1", 30*time.Millisecond), "c")
	assert.True(t, s.Cancel("t1"))
	assert.False(t, s.Cancel("t1"))
	assert.False(t, s.Cancel("never-set"))

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, rec.count())
}

func TestRepeatUpToMaxCount(t *testing.T) {
	rec := &recorder{}
	s := NewService(rec.fire)
	defer s.Stop()

	timerSpec := spec("rep", 15*time.Millisecond)
	timerSpec.Repeat = &model.RepeatSpec{
		Interval: model.Duration(15 * time.Millisecond),
		MaxCount: 3,
	}
	s.Set(timerSpec, "c")

	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, rec.count())
	assert.Zero(t, s.Len())

	iterations := []int{rec.all()[0].iteration, rec.all()[1].iteration, rec.all()[2].iteration}
	assert.Equal(t, []int{1, 2, 3}, iterations)
}

func TestCancelAbortsRepeats(t *testing.T) {
	rec := &recorder{}
	s := NewService(rec.fire)
	defer s.Stop()

	timerSpec := spec("rep", 15*time.Millisecond)
	timerSpec.Repeat = &model.RepeatSpec{Interval: model.Duration(15 * time.Millisecond)}
	s.Set(timerSpec, "c")

	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)
	s.Cancel("rep")
	fired := rec.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, fired, rec.count())
}

func TestStopCancelsAll(t *testing.T) {
	rec := &recorder{}
	s := NewService(rec.fire)

	s.Set(spec("a", 30*time.Millisecond), "c")
	s.Set(spec("b", 30*time.Millisecond), "c")
	s.Stop()
	s.Stop() // idempotent

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, rec.count())
	assert.Zero(t, s.Len())
}
