package keystroke

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"
)

// Raw input record types (RAWINPUTHEADER.dwType).
const (
	TypeMouse    uint32 = 0
	TypeKeyboard uint32 = 1
	TypeHID      uint32 = 2
)

const (
	ptrSize = bits.UintSize / 8

	// RawInputHeaderSize is sizeof(RAWINPUTHEADER) for this architecture.
	RawInputHeaderSize = 8 + 2*ptrSize

	// rawKeyboardSize is sizeof(RAWKEYBOARD).
	rawKeyboardSize = 16
)

var (
	ErrSizeMismatch = errors.New("keystroke: raw input size mismatch")
	ErrShortBuffer  = errors.New("keystroke: raw input buffer too short")
)

// RawInputReader reads the payload behind a WM_INPUT handle. With a nil
// buffer it returns the payload size; otherwise it fills buf and returns
// the number of bytes written.
type RawInputReader interface {
	ReadRawInput(handle uintptr, buf []byte) (uint32, error)
}

// Decoder turns WM_INPUT handles into Events.
type Decoder struct {
	reader RawInputReader
	now    func() time.Time
	pool   sync.Pool
}

// NewDecoder creates a Decoder reading through r. A nil clock means time.Now.
func NewDecoder(r RawInputReader, now func() time.Time) *Decoder {
	if now == nil {
		now = time.Now
	}
	d := &Decoder{reader: r, now: now}
	d.pool.New = func() any {
		b := make([]byte, 0, RawInputHeaderSize+rawKeyboardSize)
		return &b
	}
	return d
}

// Decode reads and parses the raw input behind handle. ok is false for
// records that are not keyboard input.
func (d *Decoder) Decode(handle uintptr) (ev Event, ok bool, err error) {
	size, err := d.reader.ReadRawInput(handle, nil)
	if err != nil {
		return Event{}, false, fmt.Errorf("query raw input size: %w", err)
	}
	if size == 0 {
		return Event{}, false, ErrShortBuffer
	}

	bp := d.pool.Get().(*[]byte)
	defer d.pool.Put(bp)
	if cap(*bp) < int(size) {
		*bp = make([]byte, size)
	}
	buf := (*bp)[:size]

	n, err := d.reader.ReadRawInput(handle, buf)
	if err != nil {
		return Event{}, false, fmt.Errorf("read raw input: %w", err)
	}
	if n != size {
		return Event{}, false, fmt.Errorf("%w: expected %d bytes, got %d", ErrSizeMismatch, size, n)
	}

	ev, ok, err = ParseRawInput(buf)
	if ok {
		ev.Time = d.now()
	}
	return ev, ok, err
}

// ParseRawInput parses a RAWINPUT record in native (little-endian) layout.
// Records of other device types return ok=false and no error.
func ParseRawInput(buf []byte) (Event, bool, error) {
	if len(buf) < RawInputHeaderSize {
		return Event{}, false, fmt.Errorf("%w: header needs %d bytes, have %d", ErrShortBuffer, RawInputHeaderSize, len(buf))
	}

	le := binary.LittleEndian
	if le.Uint32(buf[0:4]) != TypeKeyboard {
		return Event{}, false, nil
	}
	if len(buf) < RawInputHeaderSize+rawKeyboardSize {
		return Event{}, false, fmt.Errorf("%w: keyboard record needs %d bytes, have %d",
			ErrShortBuffer, RawInputHeaderSize+rawKeyboardSize, len(buf))
	}

	kb := buf[RawInputHeaderSize:]
	return Event{
		Device:   readPtr(buf[8:]),
		MakeCode: le.Uint16(kb[0:2]),
		Flags:    le.Uint16(kb[2:4]),
		KeyCode:  int(le.Uint16(kb[6:8])),
		State:    int(le.Uint32(kb[8:12])),
	}, true, nil
}

func readPtr(b []byte) uintptr {
	if ptrSize == 8 {
		return uintptr(binary.LittleEndian.Uint64(b))
	}
	return uintptr(binary.LittleEndian.Uint32(b))
}
