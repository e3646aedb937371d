package keystroke

import (
	"errors"
	"reflect"
	"slices"
	"sync"
)

const (
	// BlockSize is the unit in which registry capacity grows and shrinks.
	BlockSize = 16

	// DefaultMaxListeners caps registry growth when no limit is configured.
	DefaultMaxListeners = 1024
)

var (
	ErrNilListener           = errors.New("keystroke: nil listener")
	ErrListenerNotComparable = errors.New("keystroke: listener is not comparable")
	ErrRegistryFull          = errors.New("keystroke: listener registry is full")
)

// Listener receives decoded keyboard events. Listeners run on the capture
// worker's thread; one that blocks stalls the message pump.
type Listener interface {
	HandleKey(Event)
}

type funcListener struct {
	fn func(keyCode, state int)
}

func (f *funcListener) HandleKey(ev Event) { f.fn(ev.KeyCode, ev.State) }

// Func adapts a plain (key code, state) callback. Every call returns a new
// handle; keep it to remove the callback later.
func Func(fn func(keyCode, state int)) Listener {
	if fn == nil {
		return nil
	}
	return &funcListener{fn: fn}
}

type eventFuncListener struct {
	fn func(Event)
}

func (f *eventFuncListener) HandleKey(ev Event) { f.fn(ev) }

// EventFunc is like Func but passes the full Event.
func EventFunc(fn func(Event)) Listener {
	if fn == nil {
		return nil
	}
	return &eventFuncListener{fn: fn}
}

// PanicHandler is told about a listener that panicked during dispatch.
type PanicHandler func(l Listener, ev Event, v any)

// Registry is an ordered set of listeners. Capacity is managed in whole
// blocks of BlockSize and never drops below one block.
//
// Dispatch copies the listener list under the lock and calls listeners
// with the lock released, so a listener may add or remove listeners
// (itself included). Such changes apply from the next event on.
type Registry struct {
	mu        sync.Mutex
	listeners []Listener
	max       int

	// dispatchMu serializes Dispatch so scratch can be reused.
	dispatchMu sync.Mutex
	scratch    []Listener
	onPanic    PanicHandler
}

// NewRegistry creates an empty registry with one block of capacity.
// maxListeners is rounded up to a whole block; zero or less selects
// DefaultMaxListeners.
func NewRegistry(maxListeners int) *Registry {
	return &Registry{
		listeners: make([]Listener, 0, BlockSize),
		max:       roundToBlock(maxListeners),
	}
}

func roundToBlock(n int) int {
	if n <= 0 {
		n = DefaultMaxListeners
	}
	return (n + BlockSize - 1) / BlockSize * BlockSize
}

// SetPanicHandler installs the handler used when a listener panics.
func (r *Registry) SetPanicHandler(h PanicHandler) {
	r.dispatchMu.Lock()
	r.onPanic = h
	r.dispatchMu.Unlock()
}

func checkListener(l Listener) error {
	if l == nil {
		return ErrNilListener
	}
	if !reflect.ValueOf(l).Comparable() {
		return ErrListenerNotComparable
	}
	return nil
}

// Add appends l unless it is already registered. When the registry is full
// it grows by exactly one block; growth past the configured maximum fails
// with ErrRegistryFull and leaves the registry unchanged.
func (r *Registry) Add(l Listener) error {
	if err := checkListener(l); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.Contains(r.listeners, l) {
		return nil
	}

	if len(r.listeners)+1 > cap(r.listeners) {
		grown := cap(r.listeners) + BlockSize
		if grown > r.max {
			return ErrRegistryFull
		}
		next := make([]Listener, len(r.listeners), grown)
		copy(next, r.listeners)
		r.listeners = next
	}
	r.listeners = append(r.listeners, l)
	return nil
}

// Remove deletes the first occurrence of l, keeping the order of the rest,
// and reports whether anything was removed. When more than one block of
// capacity is unused afterwards, capacity shrinks by one block.
func (r *Registry) Remove(l Listener) bool {
	if checkListener(l) != nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.Index(r.listeners, l)
	if i < 0 {
		return false
	}
	r.listeners = slices.Delete(r.listeners, i, i+1)

	if c := cap(r.listeners); c-len(r.listeners) > BlockSize && c > BlockSize {
		next := make([]Listener, len(r.listeners), c-BlockSize)
		copy(next, r.listeners)
		r.listeners = next
	}
	return true
}

// Dispatch delivers ev to every listener in registration order and returns
// how many were called. A panicking listener is reported to the panic
// handler and does not prevent delivery to the others.
func (r *Registry) Dispatch(ev Event) int {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	r.mu.Lock()
	r.scratch = append(r.scratch[:0], r.listeners...)
	r.mu.Unlock()

	for _, l := range r.scratch {
		r.invoke(l, ev)
	}
	n := len(r.scratch)
	clear(r.scratch)
	return n
}

func (r *Registry) invoke(l Listener, ev Event) {
	defer func() {
		if v := recover(); v != nil && r.onPanic != nil {
			r.onPanic(l, ev, v)
		}
	}()
	l.HandleKey(ev)
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// Cap returns the current capacity, always a positive multiple of BlockSize.
func (r *Registry) Cap() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cap(r.listeners)
}

// Max returns the capacity ceiling.
func (r *Registry) Max() int {
	return r.max
}

// Listeners returns a copy of the registered listeners in order.
func (r *Registry) Listeners() []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.listeners)
}

// Reset empties the registry and returns it to one block of capacity.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.listeners = make([]Listener, 0, BlockSize)
	r.mu.Unlock()
}
