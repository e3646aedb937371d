package keystroke

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rawcapture/internal/logging"
)

func TestDefaultEngineAPI(t *testing.T) {
	sim := NewSimulatedPlatform()
	e := New(WithPlatform(sim), WithLogger(logging.Discard()))

	prev := Default()
	SetDefault(e)
	t.Cleanup(func() {
		e.Close()
		SetDefault(prev)
	})
	require.Same(t, e, Default())

	var log callLog
	require.True(t, Configure(FlagInputSink))
	require.NoError(t, Start())

	l, err := AddCallback(log.fn)
	require.NoError(t, err)
	require.NoError(t, sim.InjectKey(65, WMKeyDown))

	assert.True(t, RemoveCallback(l))
	require.NoError(t, sim.InjectKey(65, WMKeyDown))
	require.NoError(t, Stop())

	assert.Equal(t, []keyCall{{65, WMKeyDown}}, log.get())
	assert.Equal(t, Stopped, e.State())
}

func TestDefaultEngineIsLazy(t *testing.T) {
	prev := Default()
	SetDefault(nil)
	t.Cleanup(func() { SetDefault(prev) })

	e := Default()
	require.NotNil(t, e)
	assert.Same(t, e, Default())
	assert.Equal(t, Stopped, e.State())
}
