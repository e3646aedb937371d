//go:build windows

package keystroke

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Raw input capture on Windows:
//
//	Physical keyboard
//	      │
//	      ▼
//	RegisterRawInputDevices(usage page 0x01, usage 0x06, hwndTarget)
//	      │
//	      ▼
//	WM_INPUT posted to a message-only window owned by the capture thread
//	      │
//	      ▼
//	GetRawInputData(RID_INPUT) → RAWINPUT → Event → listeners
//
// The window class is registered once per process; each surface gets its
// own message-only window whose messages are routed to that surface's
// handler through windowHandlers.

var (
	user32 = windows.NewLazySystemDLL("user32.dll")

	procRegisterClassExW        = user32.NewProc("RegisterClassExW")
	procCreateWindowExW         = user32.NewProc("CreateWindowExW")
	procDestroyWindow           = user32.NewProc("DestroyWindow")
	procDefWindowProcW          = user32.NewProc("DefWindowProcW")
	procGetMessageW             = user32.NewProc("GetMessageW")
	procTranslateMessage        = user32.NewProc("TranslateMessage")
	procDispatchMessageW        = user32.NewProc("DispatchMessageW")
	procPostThreadMessageW      = user32.NewProc("PostThreadMessageW")
	procRegisterRawInputDevices = user32.NewProc("RegisterRawInputDevices")
	procGetRawInputData         = user32.NewProc("GetRawInputData")
)

const (
	ridInput = 0x10000003

	// HWND_MESSAGE, (HWND)-3.
	hwndMessage = ^uintptr(2)

	className = "RawCaptureMessageWindow"
)

type wndClassEx struct {
	Size       uint32
	Style      uint32
	WndProc    uintptr
	ClsExtra   int32
	WndExtra   int32
	Instance   windows.Handle
	Icon       windows.Handle
	Cursor     windows.Handle
	Background windows.Handle
	MenuName   *uint16
	ClassName  *uint16
	IconSm     windows.Handle
}

type rawInputDevice struct {
	UsagePage uint16
	Usage     uint16
	Flags     uint32
	Target    windows.HWND
}

type point struct {
	X, Y int32
}

type winMsg struct {
	Hwnd    windows.HWND
	Message uint32
	WParam  uintptr
	LParam  uintptr
	Time    uint32
	Pt      point
	Private uint32
}

var (
	classOnce  sync.Once
	classErr   error
	classNamep *uint16

	// instance is the executable's module handle, GetModuleHandle(NULL).
	instance windows.Handle

	// windowHandlers maps windows.HWND to its MessageHandler.
	windowHandlers sync.Map
)

func registerClass() error {
	classOnce.Do(func() {
		if err := user32.Load(); err != nil {
			classErr = err
			return
		}
		if err := windows.GetModuleHandleEx(0, nil, &instance); err != nil {
			classErr = fmt.Errorf("GetModuleHandleExW: %w", err)
			return
		}
		classNamep, classErr = windows.UTF16PtrFromString(className)
		if classErr != nil {
			return
		}
		wc := wndClassEx{
			Size:      uint32(unsafe.Sizeof(wndClassEx{})),
			WndProc:   windows.NewCallback(wndProc),
			Instance:  instance,
			ClassName: classNamep,
		}
		if r, _, err := procRegisterClassExW.Call(uintptr(unsafe.Pointer(&wc))); r == 0 {
			classErr = fmt.Errorf("RegisterClassExW: %w", err)
		}
	})
	return classErr
}

func wndProc(hwnd windows.HWND, msg uint32, wParam, lParam uintptr) uintptr {
	if h, ok := windowHandlers.Load(hwnd); ok {
		if h.(MessageHandler)(msg, wParam, lParam) {
			return 0
		}
	}
	r, _, _ := procDefWindowProcW.Call(uintptr(hwnd), uintptr(msg), wParam, lParam)
	return r
}

// windowsPlatform creates message-only windows on the calling thread.
type windowsPlatform struct{}

func newPlatform() Platform {
	return windowsPlatform{}
}

// Available reports whether user32 exposes the raw input API.
func (windowsPlatform) Available() (bool, string) {
	if err := procRegisterRawInputDevices.Find(); err != nil {
		return false, err.Error()
	}
	if err := procGetRawInputData.Find(); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// CreateSurface creates a message-only window owned by the current thread.
func (windowsPlatform) CreateSurface(handler MessageHandler) (Surface, error) {
	if err := registerClass(); err != nil {
		return nil, err
	}

	hwnd, _, err := procCreateWindowExW.Call(
		0,
		uintptr(unsafe.Pointer(classNamep)),
		0,
		0, 0, 0, 0, 0,
		hwndMessage, 0, uintptr(instance), 0,
	)
	if hwnd == 0 {
		return nil, fmt.Errorf("CreateWindowExW: %w", err)
	}

	s := &windowSurface{
		hwnd:     windows.HWND(hwnd),
		threadID: windows.GetCurrentThreadId(),
	}
	windowHandlers.Store(s.hwnd, handler)
	return s, nil
}

type windowSurface struct {
	hwnd     windows.HWND
	threadID uint32
}

func (s *windowSurface) register(cfg CaptureConfig, target windows.HWND) error {
	dev := rawInputDevice{
		UsagePage: cfg.UsagePage,
		Usage:     cfg.Usage,
		Flags:     uint32(cfg.Flags),
		Target:    target,
	}
	r, _, err := procRegisterRawInputDevices.Call(
		uintptr(unsafe.Pointer(&dev)), 1, unsafe.Sizeof(dev))
	if r == 0 {
		return fmt.Errorf("RegisterRawInputDevices(flags=%s): %w", cfg.Flags, err)
	}
	return nil
}

// Register targets the surface's window for raw input from cfg's usage.
func (s *windowSurface) Register(cfg CaptureConfig) error {
	return s.register(cfg, s.hwnd)
}

// Unregister removes the usage registration. RIDEV_REMOVE requires a null
// target window.
func (s *windowSurface) Unregister(cfg CaptureConfig) error {
	cfg.Flags |= FlagRemove
	return s.register(cfg, 0)
}

// ReadRawInput wraps GetRawInputData(RID_INPUT).
func (s *windowSurface) ReadRawInput(handle uintptr, buf []byte) (uint32, error) {
	size := uint32(len(buf))

	var r uintptr
	var err error
	if len(buf) == 0 {
		r, _, err = procGetRawInputData.Call(
			handle, ridInput, 0,
			uintptr(unsafe.Pointer(&size)), uintptr(RawInputHeaderSize))
	} else {
		r, _, err = procGetRawInputData.Call(
			handle, ridInput, uintptr(unsafe.Pointer(&buf[0])),
			uintptr(unsafe.Pointer(&size)), uintptr(RawInputHeaderSize))
	}
	if uint32(r) == ^uint32(0) {
		return 0, fmt.Errorf("GetRawInputData: %w", err)
	}
	if len(buf) == 0 {
		return size, nil
	}
	return uint32(r), nil
}

// Pump runs GetMessage/DispatchMessage until WM_QUIT.
func (s *windowSurface) Pump(keepRunning func() bool) error {
	var m winMsg
	for keepRunning() {
		r, _, err := procGetMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
		switch int32(r) {
		case -1:
			return fmt.Errorf("GetMessageW: %w", err)
		case 0:
			return nil
		}
		procTranslateMessage.Call(uintptr(unsafe.Pointer(&m)))
		procDispatchMessageW.Call(uintptr(unsafe.Pointer(&m)))
	}
	return nil
}

// Quit posts WM_QUIT to the owning thread's queue.
func (s *windowSurface) Quit() {
	procPostThreadMessageW.Call(uintptr(s.threadID), WMQuit, 0, 0)
}

// Close destroys the window.
func (s *windowSurface) Close() error {
	windowHandlers.Delete(s.hwnd)
	if r, _, err := procDestroyWindow.Call(uintptr(s.hwnd)); r == 0 {
		if errors.Is(err, windows.ERROR_SUCCESS) {
			return nil
		}
		return fmt.Errorf("DestroyWindow: %w", err)
	}
	return nil
}
