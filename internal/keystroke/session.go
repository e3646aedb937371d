package keystroke

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// RateClass categorizes a burst of key presses by rate.
type RateClass int

const (
	RateHuman     RateClass = iota // up to 12 keys/sec
	RateFast                       // up to 25 keys/sec
	RateAutomated                  // up to 200 keys/sec
	RateInjected                   // above 200 keys/sec
)

func (c RateClass) String() string {
	switch c {
	case RateHuman:
		return "human"
	case RateFast:
		return "fast"
	case RateAutomated:
		return "automated"
	case RateInjected:
		return "injected"
	default:
		return "unknown"
	}
}

// ClassifyRate returns the class for keysPerSec.
func ClassifyRate(keysPerSec float64) RateClass {
	switch {
	case keysPerSec <= 12:
		return RateHuman
	case keysPerSec <= 25:
		return RateFast
	case keysPerSec <= 200:
		return RateAutomated
	default:
		return RateInjected
	}
}

// Burst is a run of key presses with no gap longer than the burst gap.
type Burst struct {
	Start time.Time
	End   time.Time
	Keys  int
	Rate  float64
	Class RateClass
}

// KeyCount is how often one virtual key was pressed.
type KeyCount struct {
	KeyCode int
	Count   int
}

// SessionSummary aggregates a SessionRecorder.
type SessionSummary struct {
	Started      time.Time
	Duration     time.Duration
	KeyDowns     int
	KeyUps       int
	DistinctKeys int
	TopKeys      []KeyCount
	Bursts       int
	PeakRate     float64
	ByClass      map[RateClass]int
}

// SessionRecorder is a Listener that keeps aggregate statistics of a
// capture session.
type SessionRecorder struct {
	mu sync.Mutex

	burstGap  time.Duration
	minBurst  int
	maxBursts int

	first, last time.Time
	downs, ups  int
	perKey      map[int]int

	burstStart time.Time
	burstLast  time.Time
	burstKeys  int
	bursts     []Burst
}

// NewSessionRecorder returns a recorder that treats presses less than
// 150ms apart as one burst and ignores bursts shorter than five keys.
func NewSessionRecorder() *SessionRecorder {
	return &SessionRecorder{
		burstGap:  150 * time.Millisecond,
		minBurst:  5,
		maxBursts: 1000,
		perKey:    make(map[int]int),
	}
}

// HandleKey implements Listener.
func (r *SessionRecorder) HandleKey(ev Event) {
	now := ev.Time
	if now.IsZero() {
		now = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.first.IsZero() {
		r.first = now
	}
	r.last = now

	if !ev.IsKeyDown() {
		r.ups++
		return
	}
	r.downs++
	r.perKey[ev.KeyCode]++

	if r.burstKeys > 0 && now.Sub(r.burstLast) <= r.burstGap {
		r.burstKeys++
		r.burstLast = now
		return
	}
	r.closeBurst()
	r.burstStart, r.burstLast, r.burstKeys = now, now, 1
}

// closeBurst records the open burst if it is long enough. r.mu must be held.
func (r *SessionRecorder) closeBurst() {
	if b, ok := r.openBurst(); ok {
		if len(r.bursts) >= r.maxBursts {
			r.bursts = r.bursts[len(r.bursts)/2:]
		}
		r.bursts = append(r.bursts, b)
	}
	r.burstKeys = 0
}

func (r *SessionRecorder) openBurst() (Burst, bool) {
	if r.burstKeys < r.minBurst {
		return Burst{}, false
	}
	d := r.burstLast.Sub(r.burstStart)
	if d <= 0 {
		d = time.Millisecond
	}
	rate := float64(r.burstKeys) / d.Seconds()
	return Burst{
		Start: r.burstStart,
		End:   r.burstLast,
		Keys:  r.burstKeys,
		Rate:  rate,
		Class: ClassifyRate(rate),
	}, true
}

// Bursts returns the recorded bursts, oldest first, including the one in
// progress if it is long enough.
func (r *SessionRecorder) Bursts() []Burst {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := slices.Clone(r.bursts)
	if b, ok := r.openBurst(); ok {
		out = append(out, b)
	}
	return out
}

// Summary returns aggregate statistics with the top n keys by count.
func (r *SessionRecorder) Summary(n int) SessionSummary {
	bursts := r.Bursts()

	r.mu.Lock()
	defer r.mu.Unlock()

	s := SessionSummary{
		Started:      r.first,
		Duration:     r.last.Sub(r.first),
		KeyDowns:     r.downs,
		KeyUps:       r.ups,
		DistinctKeys: len(r.perKey),
		Bursts:       len(bursts),
		ByClass:      make(map[RateClass]int),
	}

	for _, b := range bursts {
		s.ByClass[b.Class]++
		s.PeakRate = max(s.PeakRate, b.Rate)
	}

	keys := make([]KeyCount, 0, len(r.perKey))
	for k, c := range r.perKey {
		keys = append(keys, KeyCount{KeyCode: k, Count: c})
	}
	slices.SortFunc(keys, func(a, b KeyCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.KeyCode, b.KeyCode)
	})
	if n >= 0 && len(keys) > n {
		keys = keys[:n]
	}
	s.TopKeys = keys
	return s
}

// Reset clears all statistics.
func (r *SessionRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.first, r.last = time.Time{}, time.Time{}
	r.downs, r.ups = 0, 0
	r.perKey = make(map[int]int)
	r.burstKeys = 0
	r.bursts = nil
}
