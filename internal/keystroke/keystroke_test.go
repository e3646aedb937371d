package keystroke

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rawcapture/internal/logging"
)

type keyCall struct {
	key, state int
}

type callLog struct {
	mu    sync.Mutex
	calls []keyCall
}

func (c *callLog) fn(key, state int) {
	c.mu.Lock()
	c.calls = append(c.calls, keyCall{key, state})
	c.mu.Unlock()
}

func (c *callLog) get() []keyCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]keyCall(nil), c.calls...)
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *SimulatedPlatform) {
	t.Helper()
	sim := NewSimulatedPlatform()
	opts = append([]Option{WithPlatform(sim), WithLogger(logging.Discard())}, opts...)
	e := New(opts...)
	t.Cleanup(func() { e.Close() })
	return e, sim
}

func TestEngineCaptureScenario(t *testing.T) {
	e, sim := newTestEngine(t)
	var log callLog

	require.True(t, e.Configure(FlagInputSink))
	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.IsCapturing())

	f, err := e.AddFunc(log.fn)
	require.NoError(t, err)

	require.NoError(t, sim.InjectKey(65, WMKeyDown))
	assert.Equal(t, []keyCall{{65, WMKeyDown}}, log.get())

	assert.True(t, e.RemoveCallback(f))
	require.NoError(t, sim.InjectKey(65, WMKeyUp))
	assert.Len(t, log.get(), 1)

	require.NoError(t, e.Stop())
	assert.Equal(t, Stopped, e.State())

	created, closed := sim.Surfaces()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, closed, "worker must have torn down its surface")
	assert.ErrorIs(t, sim.InjectKey(65, WMKeyDown), ErrNoSurface)
}

func TestEngineRegistersConfiguredUsage(t *testing.T) {
	e, sim := newTestEngine(t)

	require.True(t, e.Configure(FlagInputSink|FlagNoHotKeys))
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Stop())

	regs := sim.Registrations()
	require.Len(t, regs, 2)
	assert.Equal(t, CaptureConfig{UsagePage: 0x01, Usage: 0x06, Flags: FlagInputSink | FlagNoHotKeys}, regs[0])
	assert.Equal(t, FlagRemove, regs[1].Flags)
	assert.Equal(t, UsageKeyboard, regs[1].Usage)
}

func TestEngineStartWithoutConfigure(t *testing.T) {
	e, sim := newTestEngine(t)

	require.NoError(t, e.Start(context.Background()))
	regs := sim.Registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, DefaultCaptureConfig(), regs[0])
}

func TestEngineStartTwice(t *testing.T) {
	e, sim := newTestEngine(t)
	require.True(t, e.Configure(0))

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Start(context.Background()))

	created, _ := sim.Surfaces()
	assert.Equal(t, 1, created)
	assert.Len(t, sim.Registrations(), 1)
	assert.Equal(t, uint64(1), e.Metrics().WorkerStarts.Value())
}

func TestEngineStopWhenNotRunning(t *testing.T) {
	e, _ := newTestEngine(t)

	done := make(chan error, 1)
	go func() { done <- e.Stop() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on an engine that was never started")
	}

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Stop())
	assert.NoError(t, e.Stop())
}

func TestEngineRestart(t *testing.T) {
	e, sim := newTestEngine(t)
	var log callLog
	_, err := e.AddFunc(log.fn)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Start(context.Background()))
		require.NoError(t, sim.InjectKey(i, WMKeyDown))
		require.NoError(t, e.Stop())
	}

	assert.Equal(t, []keyCall{{0, WMKeyDown}, {1, WMKeyDown}, {2, WMKeyDown}}, log.get())
	created, closed := sim.Surfaces()
	assert.Equal(t, 3, created)
	assert.Equal(t, 3, closed)
}

func TestEngineIgnoresNonKeyboardInput(t *testing.T) {
	e, sim := newTestEngine(t)
	var log callLog
	_, err := e.AddFunc(log.fn)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	require.NoError(t, sim.Inject(EncodeRawInput(TypeMouse, make([]byte, 24))))
	require.NoError(t, sim.Inject(EncodeRawInput(TypeHID, make([]byte, 12))))

	assert.Empty(t, log.get())
	assert.Equal(t, uint64(2), e.Stats().EventsIgnored)
	assert.Zero(t, e.Stats().EventsDecoded)
}

func TestEngineDropsSizeMismatch(t *testing.T) {
	e, sim := newTestEngine(t)
	var log callLog
	_, err := e.AddFunc(log.fn)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	sim.TruncateReads(true)
	require.NoError(t, sim.InjectKey(65, WMKeyDown))
	assert.Empty(t, log.get())
	assert.Equal(t, uint64(1), e.Stats().EventsDropped)
	assert.True(t, e.IsCapturing())

	sim.TruncateReads(false)
	require.NoError(t, sim.InjectKey(66, WMKeyDown))
	assert.Equal(t, []keyCall{{66, WMKeyDown}}, log.get())
}

func TestEngineDropsReadErrors(t *testing.T) {
	e, sim := newTestEngine(t)
	require.NoError(t, e.Start(context.Background()))

	sim.FailReads(errors.New("handle gone"))
	require.NoError(t, sim.InjectKey(65, WMKeyDown))
	assert.Equal(t, uint64(1), e.Stats().EventsDropped)
	assert.True(t, e.IsCapturing())
}

func TestEngineStartErrors(t *testing.T) {
	surfaceErr := errors.New("no window station")
	registerErr := errors.New("access denied")

	t.Run("surface", func(t *testing.T) {
		e, sim := newTestEngine(t)
		sim.FailSurface(surfaceErr)

		err := e.Start(context.Background())
		assert.ErrorIs(t, err, ErrSurface)
		assert.ErrorIs(t, err, surfaceErr)
		assert.Equal(t, Stopped, e.State())
		assert.Equal(t, uint64(1), e.Metrics().WorkerFailures.Value())

		sim.FailSurface(nil)
		assert.NoError(t, e.Start(context.Background()))
	})

	t.Run("register", func(t *testing.T) {
		e, sim := newTestEngine(t)
		sim.FailRegister(registerErr)

		err := e.Start(context.Background())
		assert.ErrorIs(t, err, ErrRegister)
		assert.ErrorIs(t, err, registerErr)
		assert.False(t, e.IsCapturing())

		created, closed := sim.Surfaces()
		assert.Equal(t, 1, created)
		assert.Equal(t, 1, closed, "surface must be destroyed after failed registration")
	})

	t.Run("unavailable", func(t *testing.T) {
		e, sim := newTestEngine(t)
		sim.SetUnavailable("no user32")

		err := e.Start(context.Background())
		assert.ErrorIs(t, err, ErrNotAvailable)
		assert.ErrorContains(t, err, "no user32")
		created, _ := sim.Surfaces()
		assert.Zero(t, created)
	})
}

func TestEngineContextCancelStops(t *testing.T) {
	e, sim := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, e.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return e.State() == Stopped }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, closed := sim.Surfaces()
		return closed == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngineConfigureResetsListeners(t *testing.T) {
	e, _ := newTestEngine(t)
	var log callLog

	for i := 0; i < BlockSize+1; i++ {
		_, err := e.AddFunc(log.fn)
		require.NoError(t, err)
	}
	require.Equal(t, 2*BlockSize, e.Stats().Capacity)

	require.True(t, e.Configure(FlagInputSink))
	st := e.Stats()
	assert.Zero(t, st.Listeners)
	assert.Equal(t, BlockSize, st.Capacity)
	assert.Equal(t, FlagInputSink, st.Config.Flags)
}

func TestEngineConfigureWhileRunning(t *testing.T) {
	e, sim := newTestEngine(t)
	require.True(t, e.Configure(FlagInputSink))
	require.NoError(t, e.Start(context.Background()))

	require.True(t, e.Configure(FlagDevNotify))
	require.NoError(t, e.Stop())

	regs := sim.Registrations()
	require.Len(t, regs, 2)
	assert.Equal(t, FlagInputSink, regs[0].Flags, "running worker keeps its start configuration")
	assert.Equal(t, FlagDevNotify, e.Config().Flags)
}

func TestEngineClose(t *testing.T) {
	e, sim := newTestEngine(t)
	var log callLog
	_, err := e.AddFunc(log.fn)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	require.NoError(t, e.Close())
	assert.Equal(t, Stopped, e.State())
	assert.Zero(t, e.Stats().Listeners)

	assert.False(t, e.Configure(0))
	assert.ErrorIs(t, e.Start(context.Background()), ErrClosed)
	assert.ErrorIs(t, e.AddCallback(Func(log.fn)), ErrClosed)
	assert.NoError(t, e.Close())

	_, closed := sim.Surfaces()
	assert.Equal(t, 1, closed)
}

func TestEngineListenerPanic(t *testing.T) {
	crashDir := t.TempDir()
	handler := logging.NewCrashHandler(&logging.CrashHandlerConfig{CrashDir: crashDir, Component: "test"})
	e, sim := newTestEngine(t, WithCrashHandler(handler))

	var log callLog
	require.NoError(t, e.AddCallback(Func(func(int, int) { panic("listener bug") })))
	_, err := e.AddFunc(log.fn)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	require.NoError(t, sim.InjectKey(65, WMKeyDown))
	require.NoError(t, sim.InjectKey(65, WMKeyUp))

	assert.Len(t, log.get(), 2, "listeners after a panicking one still run")
	assert.True(t, e.IsCapturing())
	assert.Equal(t, uint64(2), e.Stats().ListenerPanics)

	reports, err := handler.CrashReports()
	require.NoError(t, err)
	assert.Len(t, reports, 2)
}

func TestEngineListenerMutatesDuringDispatch(t *testing.T) {
	e, sim := newTestEngine(t)
	var log callLog

	var once Listener
	once = EventFunc(func(ev Event) {
		log.fn(ev.KeyCode, ev.State)
		e.RemoveCallback(once)
	})
	require.NoError(t, e.AddCallback(once))
	require.NoError(t, e.Start(context.Background()))

	require.NoError(t, sim.InjectKey(1, WMKeyDown))
	require.NoError(t, sim.InjectKey(2, WMKeyDown))
	assert.Equal(t, []keyCall{{1, WMKeyDown}}, log.get())
	assert.Zero(t, e.Stats().Listeners)
}

func TestEngineEventTimestamps(t *testing.T) {
	at := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	e, sim := newTestEngine(t, WithClock(func() time.Time { return at }))

	var got Event
	require.NoError(t, e.AddCallback(EventFunc(func(ev Event) { got = ev })))
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, sim.InjectKey(65, WMKeyDown))

	assert.Equal(t, at, got.Time)
	assert.Equal(t, simulatedDevice, got.Device)
}

func TestEngineMaxListeners(t *testing.T) {
	e, _ := newTestEngine(t, WithMaxListeners(BlockSize))
	for i := 0; i < BlockSize; i++ {
		_, err := e.AddFunc(func(int, int) {})
		require.NoError(t, err)
	}
	_, err := e.AddFunc(func(int, int) {})
	assert.ErrorIs(t, err, ErrRegistryFull)
	assert.Equal(t, BlockSize, e.Stats().Listeners)
}

func TestEngineLogsRegistryFull(t *testing.T) {
	var buf bytes.Buffer
	cfg := logging.DefaultConfig()
	cfg.Output = "writer"
	cfg.Writer = &buf
	cfg.Format = logging.FormatJSON
	logger, err := logging.New(cfg)
	require.NoError(t, err)

	e, _ := newTestEngine(t, WithMaxListeners(BlockSize), WithLogger(logger))
	for i := 0; i < BlockSize; i++ {
		_, err := e.AddFunc(func(int, int) {})
		require.NoError(t, err)
	}
	assert.NotContains(t, buf.String(), "listener registry full")

	_, err = e.AddFunc(func(int, int) {})
	require.ErrorIs(t, err, ErrRegistryFull)
	assert.Contains(t, buf.String(), `"msg":"listener registry full"`)
	assert.Contains(t, buf.String(), `"max":16`)
}

func TestEngineStats(t *testing.T) {
	e, sim := newTestEngine(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.AddCallback(NewSessionRecorder()))
	}
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, sim.InjectKey(65, WMKeyDown))
	require.NoError(t, sim.InjectKey(65, WMKeyUp))

	st := e.Stats()
	assert.Equal(t, Running, st.State)
	assert.Equal(t, uint64(2), st.EventsDecoded)
	assert.Equal(t, uint64(6), st.ListenerCalls)
	assert.Equal(t, 3, st.Listeners)
	assert.Equal(t, BlockSize, st.Capacity)
	assert.Equal(t, int64(1), e.Metrics().Running.Value())

	require.NoError(t, e.Stop())
	assert.Equal(t, int64(0), e.Metrics().Running.Value())
}
