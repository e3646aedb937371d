package keystroke

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func press(r *SessionRecorder, at time.Time, key int) {
	r.HandleKey(Event{KeyCode: key, State: WMKeyDown, Time: at})
	r.HandleKey(Event{KeyCode: key, State: WMKeyUp, Time: at.Add(time.Millisecond)})
}

func TestClassifyRate(t *testing.T) {
	tests := []struct {
		rate float64
		want RateClass
	}{
		{5, RateHuman},
		{12, RateHuman},
		{20, RateFast},
		{100, RateAutomated},
		{1000, RateInjected},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyRate(tt.rate), "rate %v", tt.rate)
	}
	assert.Equal(t, "injected", RateInjected.String())
}

func TestSessionRecorderCounts(t *testing.T) {
	r := NewSessionRecorder()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	press(r, start, 65)
	press(r, start.Add(time.Second), 65)
	press(r, start.Add(2*time.Second), 66)

	s := r.Summary(1)
	assert.Equal(t, 3, s.KeyDowns)
	assert.Equal(t, 3, s.KeyUps)
	assert.Equal(t, 2, s.DistinctKeys)
	assert.Equal(t, []KeyCount{{KeyCode: 65, Count: 2}}, s.TopKeys)
	assert.Equal(t, start, s.Started)
	assert.Equal(t, 2*time.Second+time.Millisecond, s.Duration)
	assert.Zero(t, s.Bursts, "presses a second apart are not a burst")
}

func TestSessionRecorderBursts(t *testing.T) {
	r := NewSessionRecorder()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// 10 presses 100ms apart: one human-rate burst.
	at := start
	for i := 0; i < 10; i++ {
		press(r, at, 65+i)
		at = at.Add(100 * time.Millisecond)
	}

	// A pause, then 20 presses 1ms apart: an injected burst.
	at = at.Add(time.Second)
	for i := 0; i < 20; i++ {
		press(r, at, 65)
		at = at.Add(time.Millisecond)
	}

	bursts := r.Bursts()
	if assert.Len(t, bursts, 2) {
		assert.Equal(t, 10, bursts[0].Keys)
		assert.Equal(t, RateHuman, bursts[0].Class, "10 keys in 900ms")
		assert.Equal(t, 20, bursts[1].Keys)
		assert.Equal(t, RateInjected, bursts[1].Class)
	}

	s := r.Summary(-1)
	assert.Equal(t, 2, s.Bursts)
	assert.Equal(t, 1, s.ByClass[RateInjected])
	assert.Greater(t, s.PeakRate, 200.0)
	assert.Len(t, s.TopKeys, 10)
	assert.Equal(t, 65, s.TopKeys[0].KeyCode)
}

func TestSessionRecorderShortRunsIgnored(t *testing.T) {
	r := NewSessionRecorder()
	start := time.Now()
	for i := 0; i < 4; i++ {
		press(r, start.Add(time.Duration(i)*10*time.Millisecond), 65)
	}
	assert.Empty(t, r.Bursts())
}

func TestSessionRecorderReset(t *testing.T) {
	r := NewSessionRecorder()
	press(r, time.Now(), 65)
	r.Reset()

	s := r.Summary(5)
	assert.Zero(t, s.KeyDowns)
	assert.Zero(t, s.DistinctKeys)
	assert.Empty(t, s.TopKeys)
	assert.Zero(t, s.Duration)
}
