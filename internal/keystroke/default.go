package keystroke

import (
	"context"
	"sync"
)

var (
	defaultEngine *Engine
	defaultMu     sync.Mutex
)

// Default returns the process-wide Engine, creating it on first use.
func Default() *Engine {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultEngine == nil {
		defaultEngine = New()
	}
	return defaultEngine
}

// SetDefault replaces the process-wide Engine. The previous one is not
// stopped.
func SetDefault(e *Engine) {
	defaultMu.Lock()
	defaultEngine = e
	defaultMu.Unlock()
}

// Configure configures the default Engine. See Engine.Configure.
func Configure(flags Flags) bool {
	return Default().Configure(flags)
}

// Start starts the default Engine. It keeps running until Stop.
func Start() error {
	return Default().Start(context.Background())
}

// Stop stops the default Engine and waits for its worker to exit.
func Stop() error {
	return Default().Stop()
}

// AddCallback registers fn with the default Engine and returns its handle.
func AddCallback(fn func(keyCode, state int)) (Listener, error) {
	return Default().AddFunc(fn)
}

// RemoveCallback unregisters a handle returned by AddCallback.
func RemoveCallback(l Listener) bool {
	return Default().RemoveCallback(l)
}
