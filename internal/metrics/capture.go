package metrics

import "time"

// Drop reasons recorded on CaptureMetrics.EventsDropped.
const (
	DropSizeMismatch = "size_mismatch"
	DropReadError    = "read_error"
	DropMalformed    = "malformed"
)

// CaptureMetrics holds the counters of one capture engine.
type CaptureMetrics struct {
	registry *Registry

	EventsDecoded    *Counter
	EventsDispatched *Counter
	EventsIgnored    *Counter
	ListenerPanics   *Counter
	WorkerStarts     *Counter
	WorkerFailures   *Counter

	droppedSize      *Counter
	droppedRead      *Counter
	droppedMalformed *Counter

	Listeners        *Gauge
	RegistryCapacity *Gauge
	Running          *Gauge

	DispatchDuration *Histogram
}

// NewCaptureMetrics registers capture metrics on registry. A nil registry
// gets a private one so independent engines do not share counters.
func NewCaptureMetrics(registry *Registry) *CaptureMetrics {
	if registry == nil {
		registry = NewRegistry("rawcapture", "keystroke")
	}

	dropped := func(reason string) *Counter {
		return registry.Counter("events_dropped_total_"+reason,
			"Raw input notifications dropped before dispatch", Labels{"reason": reason})
	}

	return &CaptureMetrics{
		registry: registry,

		EventsDecoded: registry.Counter("events_decoded_total",
			"Keyboard records decoded from raw input notifications", nil),
		EventsDispatched: registry.Counter("listener_calls_total",
			"Listener invocations performed by the worker", nil),
		EventsIgnored: registry.Counter("events_ignored_total",
			"Raw input records from non-keyboard devices", nil),
		ListenerPanics: registry.Counter("listener_panics_total",
			"Listener invocations that panicked and were recovered", nil),
		WorkerStarts: registry.Counter("worker_starts_total",
			"Workers that reached the message pump", nil),
		WorkerFailures: registry.Counter("worker_failures_total",
			"Workers that failed to create a surface or register devices", nil),

		droppedSize:      dropped(DropSizeMismatch),
		droppedRead:      dropped(DropReadError),
		droppedMalformed: dropped(DropMalformed),

		Listeners: registry.Gauge("listeners",
			"Currently registered listeners", nil),
		RegistryCapacity: registry.Gauge("registry_capacity",
			"Allocated listener slots", nil),
		Running: registry.Gauge("running",
			"1 while the worker is pumping messages", nil),

		DispatchDuration: registry.Histogram("dispatch_duration_seconds",
			"Time spent invoking all listeners for one event", nil, DurationBuckets),
	}
}

// Registry returns the registry the metrics live in.
func (m *CaptureMetrics) Registry() *Registry {
	return m.registry
}

// RecordDrop counts a dropped notification under reason.
func (m *CaptureMetrics) RecordDrop(reason string) {
	switch reason {
	case DropSizeMismatch:
		m.droppedSize.Inc()
	case DropReadError:
		m.droppedRead.Inc()
	default:
		m.droppedMalformed.Inc()
	}
}

// Dropped returns the total number of dropped notifications.
func (m *CaptureMetrics) Dropped() uint64 {
	return m.droppedSize.Value() + m.droppedRead.Value() + m.droppedMalformed.Value()
}

// RecordDispatch records one fan-out of calls listener invocations.
func (m *CaptureMetrics) RecordDispatch(calls int, d time.Duration) {
	m.EventsDecoded.Inc()
	m.EventsDispatched.Add(uint64(calls))
	m.DispatchDuration.ObserveDuration(d)
}

// SetRegistrySize publishes listener count and capacity.
func (m *CaptureMetrics) SetRegistrySize(n, capacity int) {
	m.Listeners.Set(int64(n))
	m.RegistryCapacity.Set(int64(capacity))
}
