package keystroke

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// ErrNoSurface is returned by SimulatedPlatform.Inject when no worker is
// pumping messages.
var ErrNoSurface = errors.New("keystroke: no simulated surface is pumping")

// simulatedDevice is the device handle stamped into encoded records.
const simulatedDevice uintptr = 0x5a1

// riKeyBreak is RAWKEYBOARD.Flags for a key release.
const riKeyBreak = 0x01

// SimulatedPlatform is a Platform for tests and for running the capture
// pipeline where raw input does not exist. Raw input records are injected
// with Inject and go through the same decode and dispatch path as real ones.
type SimulatedPlatform struct {
	mu            sync.Mutex
	unavailable   string
	surfaceErr    error
	registerErr   error
	readErr       error
	truncateReads bool

	surface       *simSurface
	registrations []CaptureConfig
	created       int
	closed        int
}

// NewSimulatedPlatform returns a platform with no faults configured.
func NewSimulatedPlatform() *SimulatedPlatform {
	return &SimulatedPlatform{}
}

// SetUnavailable makes Available report false with reason. An empty
// reason makes the platform available again.
func (p *SimulatedPlatform) SetUnavailable(reason string) {
	p.mu.Lock()
	p.unavailable = reason
	p.mu.Unlock()
}

// FailSurface makes the next surface creations fail with err.
func (p *SimulatedPlatform) FailSurface(err error) {
	p.mu.Lock()
	p.surfaceErr = err
	p.mu.Unlock()
}

// FailRegister makes device registration fail with err.
func (p *SimulatedPlatform) FailRegister(err error) {
	p.mu.Lock()
	p.registerErr = err
	p.mu.Unlock()
}

// FailReads makes raw input reads fail with err.
func (p *SimulatedPlatform) FailReads(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
}

// TruncateReads makes the second raw input query return one byte less
// than the size the first query reported.
func (p *SimulatedPlatform) TruncateReads(on bool) {
	p.mu.Lock()
	p.truncateReads = on
	p.mu.Unlock()
}

// Available implements Platform.
func (p *SimulatedPlatform) Available() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unavailable != "" {
		return false, p.unavailable
	}
	return true, ""
}

// CreateSurface implements Platform.
func (p *SimulatedPlatform) CreateSurface(handler MessageHandler) (Surface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.surfaceErr != nil {
		return nil, p.surfaceErr
	}
	s := &simSurface{
		platform: p,
		handler:  handler,
		queue:    make(chan simMessage),
		quit:     make(chan struct{}),
		payloads: make(map[uintptr][]byte),
	}
	p.surface = s
	p.created++
	return s, nil
}

// Inject delivers a raw input record to the pumping surface as a WM_INPUT
// notification and returns once the worker has handled it.
func (p *SimulatedPlatform) Inject(record []byte) error {
	p.mu.Lock()
	s := p.surface
	p.mu.Unlock()

	if s == nil {
		return ErrNoSurface
	}
	return s.deliver(WMInput, record)
}

// InjectKey injects a keyboard record for keyCode and state.
func (p *SimulatedPlatform) InjectKey(keyCode, state int) error {
	return p.Inject(EncodeKeyboardInput(keyCode, state))
}

// Registrations returns every Register and Unregister call in order.
func (p *SimulatedPlatform) Registrations() []CaptureConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CaptureConfig(nil), p.registrations...)
}

// Surfaces returns how many surfaces were created and destroyed.
func (p *SimulatedPlatform) Surfaces() (created, closed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created, p.closed
}

type simMessage struct {
	msg    uint32
	handle uintptr
	done   chan struct{}
}

type simSurface struct {
	platform *SimulatedPlatform
	handler  MessageHandler
	queue    chan simMessage
	quit     chan struct{}
	quitOnce sync.Once

	mu       sync.Mutex
	payloads map[uintptr][]byte
	next     uintptr
}

func (s *simSurface) deliver(msg uint32, record []byte) error {
	s.mu.Lock()
	s.next++
	h := s.next
	s.payloads[h] = record
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.payloads, h)
		s.mu.Unlock()
	}()

	m := simMessage{msg: msg, handle: h, done: make(chan struct{})}
	select {
	case s.queue <- m:
	case <-s.quit:
		return ErrNoSurface
	}
	<-m.done
	return nil
}

func (s *simSurface) ReadRawInput(handle uintptr, buf []byte) (uint32, error) {
	s.platform.mu.Lock()
	readErr, truncate := s.platform.readErr, s.platform.truncateReads
	s.platform.mu.Unlock()

	if readErr != nil {
		return 0, readErr
	}

	s.mu.Lock()
	record, ok := s.payloads[handle]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("invalid raw input handle %#x", handle)
	}

	if buf == nil {
		return uint32(len(record)), nil
	}
	n := copy(buf, record)
	if truncate && n > 0 {
		n--
	}
	return uint32(n), nil
}

func (s *simSurface) Register(cfg CaptureConfig) error {
	s.platform.mu.Lock()
	defer s.platform.mu.Unlock()

	if s.platform.registerErr != nil {
		return s.platform.registerErr
	}
	s.platform.registrations = append(s.platform.registrations, cfg)
	return nil
}

func (s *simSurface) Unregister(cfg CaptureConfig) error {
	s.platform.mu.Lock()
	defer s.platform.mu.Unlock()
	s.platform.registrations = append(s.platform.registrations, cfg)
	return nil
}

func (s *simSurface) Pump(keepRunning func() bool) error {
	for {
		select {
		case <-s.quit:
			return nil
		case m := <-s.queue:
			s.handler(m.msg, 0, m.handle)
			close(m.done)
			if !keepRunning() {
				return nil
			}
		}
	}
}

func (s *simSurface) Quit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *simSurface) Close() error {
	s.Quit()

	s.platform.mu.Lock()
	defer s.platform.mu.Unlock()
	if s.platform.surface == s {
		s.platform.surface = nil
	}
	s.platform.closed++
	return nil
}

// EncodeRawInput builds a RAWINPUT record with the given header type
// around payload, in the layout ParseRawInput expects.
func EncodeRawInput(deviceType uint32, payload []byte) []byte {
	buf := make([]byte, RawInputHeaderSize+len(payload))
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], deviceType)
	le.PutUint32(buf[4:8], uint32(len(buf)))
	if ptrSize == 8 {
		le.PutUint64(buf[8:16], uint64(simulatedDevice))
	} else {
		le.PutUint32(buf[8:12], uint32(simulatedDevice))
	}
	copy(buf[RawInputHeaderSize:], payload)
	return buf
}

// EncodeKeyboardInput builds a keyboard RAWINPUT record for keyCode and
// the window message state.
func EncodeKeyboardInput(keyCode, state int) []byte {
	kb := make([]byte, rawKeyboardSize)
	le := binary.LittleEndian
	if state == WMKeyUp || state == WMSysKeyUp {
		le.PutUint16(kb[2:4], riKeyBreak)
	}
	le.PutUint16(kb[6:8], uint16(keyCode))
	le.PutUint32(kb[8:12], uint32(state))
	return EncodeRawInput(TypeKeyboard, kb)
}
