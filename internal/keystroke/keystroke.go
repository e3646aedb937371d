// Package keystroke captures system-wide keyboard input through the
// Windows raw input API and hands each key event to registered listeners.
//
// An Engine owns one background worker. The worker locks itself to an OS
// thread, creates a hidden message-only window, registers it for raw
// keyboard input and pumps that thread's message queue. Every WM_INPUT
// notification is decoded into an Event and dispatched to the listeners in
// registration order while the caller's goroutines carry on.
//
// Platform support:
//   - Windows: RegisterRawInputDevices on a message-only window
//   - Elsewhere: Start returns ErrNotAvailable unless a Platform such as
//     SimulatedPlatform is supplied
package keystroke

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"rawcapture/internal/logging"
	"rawcapture/internal/metrics"
)

var (
	// ErrNotAvailable is returned when raw input capture isn't available.
	ErrNotAvailable = errors.New("keystroke: raw input capture not available on this platform")

	// ErrClosed is returned by operations on a closed Engine.
	ErrClosed = errors.New("keystroke: engine closed")
)

// Stats is a point-in-time view of an Engine.
type Stats struct {
	State          State
	Config         CaptureConfig
	EventsDecoded  uint64
	ListenerCalls  uint64
	EventsIgnored  uint64
	EventsDropped  uint64
	ListenerPanics uint64
	Listeners      int
	Capacity       int
}

// Engine is the capture lifecycle controller. All methods are safe for
// concurrent use.
type Engine struct {
	// lifecycle serializes Start, Stop and Close.
	lifecycle sync.Mutex
	state     atomic.Int32
	closed    atomic.Bool

	cfg      atomic.Pointer[CaptureConfig]
	worker   *worker
	stopFunc func() bool

	registry *Registry
	platform Platform
	log      *logging.Logger
	metrics  *metrics.CaptureMetrics
	crash    *logging.CrashHandler
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPlatform replaces the OS platform, for example with a SimulatedPlatform.
func WithPlatform(p Platform) Option {
	return func(e *Engine) { e.platform = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.CaptureMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxListeners sets the registry ceiling, rounded up to a block.
func WithMaxListeners(n int) Option {
	return func(e *Engine) { e.registry = NewRegistry(n) }
}

// WithCrashHandler records a crash report for every listener panic.
func WithCrashHandler(h *logging.CrashHandler) Option {
	return func(e *Engine) { e.crash = h }
}

// WithClock sets the clock used to timestamp events.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates a stopped Engine with the default keyboard configuration.
func New(opts ...Option) *Engine {
	e := &Engine{}
	cfg := DefaultCaptureConfig()
	e.cfg.Store(&cfg)
	for _, opt := range opts {
		opt(e)
	}

	if e.platform == nil {
		e.platform = newPlatform()
	}
	if e.log == nil {
		e.log = logging.Default()
	}
	e.log = e.log.WithComponent("keystroke")
	if e.metrics == nil {
		e.metrics = metrics.NewCaptureMetrics(nil)
	}
	if e.registry == nil {
		e.registry = NewRegistry(DefaultMaxListeners)
	}
	if e.now == nil {
		e.now = time.Now
	}

	e.registry.SetPanicHandler(e.listenerPanicked)
	e.publishRegistrySize()
	return e
}

func (e *Engine) listenerPanicked(_ Listener, ev Event, v any) {
	e.metrics.ListenerPanics.Inc()
	e.log.Error("listener panicked", "panic", v, "key_code", ev.KeyCode, "state", ev.State)
	if e.crash != nil {
		e.crash.HandlePanic(v, map[string]any{"state": ev.State})
	}
}

func (e *Engine) publishRegistrySize() {
	e.metrics.SetRegistrySize(e.registry.Len(), e.registry.Cap())
}

// Configure selects the keyboard usage with flags and empties the listener
// registry. A running worker keeps the configuration it started with. It
// returns false once the Engine is closed.
func (e *Engine) Configure(flags Flags) bool {
	if e.closed.Load() {
		return false
	}

	cfg := DefaultCaptureConfig()
	cfg.Flags = flags
	e.cfg.Store(&cfg)
	e.registry.Reset()
	e.publishRegistrySize()

	e.log.Debug("capture configured", "flags", flags.String())
	return true
}

// Config returns the configuration the next Start will use.
func (e *Engine) Config() CaptureConfig {
	return *e.cfg.Load()
}

// Available reports whether the platform can capture.
func (e *Engine) Available() (bool, string) {
	return e.platform.Available()
}

// Start launches the capture worker and waits until it has registered for
// raw input. It returns nil immediately if capture is already running.
// Surface creation and registration failures are returned, wrapping
// ErrSurface or ErrRegister. Cancelling ctx stops capture.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}
	if State(e.state.Load()) != Stopped {
		return nil
	}
	if e.worker != nil {
		// The previous worker exited on its own; collect it.
		e.stopLocked()
	}
	if ok, reason := e.platform.Available(); !ok {
		return fmt.Errorf("%w: %s", ErrNotAvailable, reason)
	}

	w := newWorker(e, e.Config())
	e.state.Store(int32(Running))
	go w.run()

	if err := <-w.ready; err != nil {
		<-w.done
		e.state.Store(int32(Stopped))
		e.log.Error("capture failed to start", "error", err)
		return err
	}

	e.worker = w
	e.metrics.Running.Set(1)
	go e.watch(w)

	if ctx != nil && ctx.Done() != nil {
		e.stopFunc = context.AfterFunc(ctx, func() { e.stopWorker(w) })
	}

	e.log.Info("capture started", "flags", w.cfg.Flags.String())
	return nil
}

// watch marks the engine stopped if the worker exits on its own.
func (e *Engine) watch(w *worker) {
	<-w.done
	if e.state.CompareAndSwap(int32(Running), int32(Stopped)) {
		e.metrics.Running.Set(0)
		e.log.Warn("capture thread exited unexpectedly")
	}
}

// Stop asks the worker to quit and blocks until its thread has exited.
// It returns nil immediately if capture is not running. The wait is not
// bounded: a listener that never returns keeps Stop waiting. Stop must not
// be called from a listener.
func (e *Engine) Stop() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.stopLocked()
}

func (e *Engine) stopWorker(w *worker) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.worker == w {
		e.stopLocked()
	}
}

func (e *Engine) stopLocked() error {
	w := e.worker
	if w == nil {
		return nil
	}
	e.worker = nil
	if e.stopFunc != nil {
		e.stopFunc()
		e.stopFunc = nil
	}

	if e.state.CompareAndSwap(int32(Running), int32(StopRequested)) {
		w.surface.Quit()
	}
	<-w.done
	e.state.Store(int32(Stopped))
	e.metrics.Running.Set(0)

	e.log.Info("capture stopped")
	return w.err
}

// AddCallback registers l. Adding a listener twice is a no-op.
func (e *Engine) AddCallback(l Listener) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.registry.Add(l); err != nil {
		if errors.Is(err, ErrRegistryFull) {
			e.log.Warn("listener registry full", "max", e.registry.Max())
		}
		return err
	}
	e.publishRegistrySize()
	return nil
}

// AddFunc registers fn and returns the handle needed to remove it.
func (e *Engine) AddFunc(fn func(keyCode, state int)) (Listener, error) {
	l := Func(fn)
	if err := e.AddCallback(l); err != nil {
		return nil, err
	}
	return l, nil
}

// RemoveCallback unregisters l and reports whether it was registered.
func (e *Engine) RemoveCallback(l Listener) bool {
	removed := e.registry.Remove(l)
	if removed {
		e.publishRegistrySize()
	}
	return removed
}

// Listeners returns the registered listeners in dispatch order.
func (e *Engine) Listeners() []Listener {
	return e.registry.Listeners()
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// IsCapturing reports whether the worker is pumping messages.
func (e *Engine) IsCapturing() bool {
	return e.State() == Running
}

// Metrics returns the engine's metrics.
func (e *Engine) Metrics() *metrics.CaptureMetrics {
	return e.metrics
}

// Stats returns counters and registry usage.
func (e *Engine) Stats() Stats {
	return Stats{
		State:          e.State(),
		Config:         e.Config(),
		EventsDecoded:  e.metrics.EventsDecoded.Value(),
		ListenerCalls:  e.metrics.EventsDispatched.Value(),
		EventsIgnored:  e.metrics.EventsIgnored.Value(),
		EventsDropped:  e.metrics.Dropped(),
		ListenerPanics: e.metrics.ListenerPanics.Value(),
		Listeners:      e.registry.Len(),
		Capacity:       e.registry.Cap(),
	}
}

// Close stops capture and releases the listener registry. Later calls to
// Configure, Start and AddCallback fail.
func (e *Engine) Close() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.closed.Swap(true) {
		return nil
	}
	err := e.stopLocked()
	e.registry.Reset()
	e.publishRegistrySize()
	return err
}
