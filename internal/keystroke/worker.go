package keystroke

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"rawcapture/internal/logging"
	"rawcapture/internal/metrics"
)

var (
	ErrSurface  = errors.New("keystroke: create message surface")
	ErrRegister = errors.New("keystroke: register raw input device")
)

// MessageHandler processes one window message delivered to a surface.
// It returns true when the message was handled and default processing
// must be skipped.
type MessageHandler func(msg uint32, wParam, lParam uintptr) bool

// Surface is a hidden message target owned by the capture thread. Every
// method except Quit must be called from the thread that created it.
type Surface interface {
	RawInputReader

	// Register subscribes the surface to raw input for cfg.
	Register(cfg CaptureConfig) error

	// Unregister removes the raw input subscription for cfg.
	Unregister(cfg CaptureConfig) error

	// Pump retrieves and dispatches messages until a quit request arrives
	// or keepRunning reports false after a message.
	Pump(keepRunning func() bool) error

	// Quit asks a running Pump to return. Safe from any goroutine.
	Quit()

	// Close destroys the surface.
	Close() error
}

// Platform creates surfaces for the capture worker.
type Platform interface {
	// Available reports whether capture can work here, with a reason if not.
	Available() (bool, string)

	// CreateSurface creates a surface whose messages go to handler. It is
	// called on the locked capture thread.
	CreateSurface(handler MessageHandler) (Surface, error)
}

// worker owns one capture thread from surface creation to teardown.
type worker struct {
	platform Platform
	cfg      CaptureConfig
	registry *Registry
	state    *atomic.Int32
	log      *logging.Logger
	metrics  *metrics.CaptureMetrics
	now      func() time.Time

	decoder *Decoder
	surface Surface
	err     error // pump failure, read after done is closed

	ready chan error
	done  chan struct{}
}

func newWorker(e *Engine, cfg CaptureConfig) *worker {
	return &worker{
		platform: e.platform,
		cfg:      cfg,
		registry: e.registry,
		state:    &e.state,
		log:      e.log.WithComponent("keystroke.worker"),
		metrics:  e.metrics,
		now:      e.now,
		ready:    make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (w *worker) running() bool {
	return State(w.state.Load()) == Running
}

// run is the capture thread body. It reports setup success or failure on
// ready exactly once, then pumps until asked to quit.
func (w *worker) run() {
	defer close(w.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	surface, err := w.platform.CreateSurface(w.handleMessage)
	if err != nil {
		w.metrics.WorkerFailures.Inc()
		w.ready <- fmt.Errorf("%w: %w", ErrSurface, err)
		return
	}
	w.decoder = NewDecoder(surface, w.now)

	if err := surface.Register(w.cfg); err != nil {
		w.metrics.WorkerFailures.Inc()
		if cerr := surface.Close(); cerr != nil {
			w.log.Warn("destroy surface after failed registration", "error", cerr)
		}
		w.ready <- fmt.Errorf("%w: %w", ErrRegister, err)
		return
	}

	w.surface = surface
	w.metrics.WorkerStarts.Inc()
	w.log.Debug("capture thread ready",
		"usage_page", w.cfg.UsagePage, "usage", w.cfg.Usage, "flags", w.cfg.Flags.String())
	w.ready <- nil

	if err := surface.Pump(w.running); err != nil {
		w.metrics.WorkerFailures.Inc()
		w.log.Error("message pump failed", "error", err)
		w.err = err
	}

	remove := w.cfg
	remove.Flags = FlagRemove
	if err := surface.Unregister(remove); err != nil {
		w.log.Warn("unregister raw input", "error", err)
	}
	if err := surface.Close(); err != nil {
		w.log.Warn("destroy surface", "error", err)
	}
	w.log.Debug("capture thread exiting")
}

// handleMessage decodes WM_INPUT notifications and fans them out. Every
// other message gets default processing.
func (w *worker) handleMessage(msg uint32, _, lParam uintptr) bool {
	if msg != WMInput || w.decoder == nil {
		return false
	}

	ev, ok, err := w.decoder.Decode(lParam)
	if err != nil {
		w.recordDecodeError(err)
		return true
	}
	if !ok {
		w.metrics.EventsIgnored.Inc()
		return true
	}

	start := time.Now()
	n := w.registry.Dispatch(ev)
	w.metrics.RecordDispatch(n, time.Since(start))
	return true
}

func (w *worker) recordDecodeError(err error) {
	switch {
	case errors.Is(err, ErrSizeMismatch):
		w.metrics.RecordDrop(metrics.DropSizeMismatch)
		w.log.Warn("raw input size mismatch, event dropped", "error", err)
	case errors.Is(err, ErrShortBuffer):
		w.metrics.RecordDrop(metrics.DropMalformed)
		w.log.Warn("malformed raw input, event dropped", "error", err)
	default:
		w.metrics.RecordDrop(metrics.DropReadError)
		w.log.Warn("read raw input failed, event dropped", "error", err)
	}
}
