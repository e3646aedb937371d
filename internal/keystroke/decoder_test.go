package keystroke

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader serves one record per handle.
type fakeReader struct {
	records  map[uintptr][]byte
	sizeErr  error
	readErr  error
	truncate bool
	calls    int
}

func (f *fakeReader) ReadRawInput(handle uintptr, buf []byte) (uint32, error) {
	f.calls++
	rec, ok := f.records[handle]
	if !ok {
		return 0, errors.New("bad handle")
	}
	if buf == nil {
		if f.sizeErr != nil {
			return 0, f.sizeErr
		}
		return uint32(len(rec)), nil
	}
	if f.readErr != nil {
		return 0, f.readErr
	}
	n := copy(buf, rec)
	if f.truncate {
		n--
	}
	return uint32(n), nil
}

func TestParseRawInputKeyboard(t *testing.T) {
	ev, ok, err := ParseRawInput(EncodeKeyboardInput(65, WMKeyDown))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 65, ev.KeyCode)
	assert.Equal(t, WMKeyDown, ev.State)
	assert.Equal(t, simulatedDevice, ev.Device)
	assert.Zero(t, ev.Flags)
	assert.True(t, ev.IsKeyDown())
}

func TestParseRawInputKeyUp(t *testing.T) {
	ev, ok, err := ParseRawInput(EncodeKeyboardInput(0x10, WMSysKeyUp))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 0x10, ev.KeyCode)
	assert.Equal(t, WMSysKeyUp, ev.State)
	assert.Equal(t, uint16(riKeyBreak), ev.Flags)
	assert.False(t, ev.IsKeyDown())
}

func TestParseRawInputNonKeyboard(t *testing.T) {
	for _, typ := range []uint32{TypeMouse, TypeHID} {
		_, ok, err := ParseRawInput(EncodeRawInput(typ, make([]byte, 24)))
		assert.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestParseRawInputShort(t *testing.T) {
	_, _, err := ParseRawInput(make([]byte, RawInputHeaderSize-1))
	assert.ErrorIs(t, err, ErrShortBuffer)

	rec := EncodeKeyboardInput(65, WMKeyDown)
	_, ok, err := ParseRawInput(rec[:len(rec)-1])
	assert.ErrorIs(t, err, ErrShortBuffer)
	assert.False(t, ok)
}

func TestDecoderDecode(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := &fakeReader{records: map[uintptr][]byte{7: EncodeKeyboardInput(65, WMKeyDown)}}
	d := NewDecoder(r, func() time.Time { return now })

	ev, ok, err := d.Decode(7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 65, ev.KeyCode)
	assert.Equal(t, now, ev.Time)
	assert.Equal(t, 2, r.calls, "size query then read")
}

func TestDecoderReusesBuffers(t *testing.T) {
	big := EncodeRawInput(TypeKeyboard, make([]byte, 200))
	r := &fakeReader{records: map[uintptr][]byte{
		1: big,
		2: EncodeKeyboardInput(66, WMKeyUp),
	}}
	d := NewDecoder(r, nil)

	for i := 0; i < 5; i++ {
		_, ok, err := d.Decode(1)
		require.NoError(t, err)
		assert.True(t, ok)

		ev, ok, err := d.Decode(2)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 66, ev.KeyCode)
	}
}

func TestDecoderSizeMismatch(t *testing.T) {
	r := &fakeReader{
		records:  map[uintptr][]byte{1: EncodeKeyboardInput(65, WMKeyDown)},
		truncate: true,
	}
	_, ok, err := NewDecoder(r, nil).Decode(1)
	assert.ErrorIs(t, err, ErrSizeMismatch)
	assert.False(t, ok)
}

func TestDecoderQueryErrors(t *testing.T) {
	boom := errors.New("boom")
	rec := map[uintptr][]byte{1: EncodeKeyboardInput(65, WMKeyDown)}

	_, _, err := NewDecoder(&fakeReader{records: rec, sizeErr: boom}, nil).Decode(1)
	assert.ErrorIs(t, err, boom)

	_, _, err = NewDecoder(&fakeReader{records: rec, readErr: boom}, nil).Decode(1)
	assert.ErrorIs(t, err, boom)

	_, _, err = NewDecoder(&fakeReader{records: map[uintptr][]byte{1: {}}}, nil).Decode(1)
	assert.ErrorIs(t, err, ErrShortBuffer)
}
