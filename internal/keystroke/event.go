package keystroke

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window messages reported in Event.State and handled by the worker.
const (
	WMQuit       = 0x0012
	WMInput      = 0x00FF
	WMKeyDown    = 0x0100
	WMKeyUp      = 0x0101
	WMSysKeyDown = 0x0104
	WMSysKeyUp   = 0x0105
)

// HID usage selecting keyboards on the generic desktop page.
const (
	UsagePageGeneric uint16 = 0x01
	UsageKeyboard    uint16 = 0x06
)

// Flags is a RIDEV_* registration bitmask.
type Flags uint32

const (
	FlagRemove      Flags = 0x00000001
	FlagExclude     Flags = 0x00000010
	FlagPageOnly    Flags = 0x00000020
	FlagNoLegacy    Flags = 0x00000030
	FlagInputSink   Flags = 0x00000100
	FlagNoHotKeys   Flags = 0x00000200
	FlagAppKeys     Flags = 0x00000400
	FlagExInputSink Flags = 0x00001000
	FlagDevNotify   Flags = 0x00002000
)

// flagNames is ordered so that composite values (nolegacy covers exclude
// and pageonly) are consumed before their parts.
var flagNames = []struct {
	name string
	flag Flags
}{
	{"remove", FlagRemove},
	{"nolegacy", FlagNoLegacy},
	{"exclude", FlagExclude},
	{"pageonly", FlagPageOnly},
	{"inputsink", FlagInputSink},
	{"nohotkeys", FlagNoHotKeys},
	{"appkeys", FlagAppKeys},
	{"exinputsink", FlagExInputSink},
	{"devnotify", FlagDevNotify},
}

// ParseFlags converts flag names such as "inputsink" into a bitmask.
// Names are case-insensitive; hex or decimal literals are also accepted.
func ParseFlags(names []string) (Flags, error) {
	var f Flags
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if v, ok := parseFlagLiteral(name); ok {
			f |= v
			continue
		}
		found := false
		for _, fn := range flagNames {
			if fn.name == name {
				f |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown capture flag %q", raw)
		}
	}
	return f, nil
}

func parseFlagLiteral(s string) (Flags, bool) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, false
	}
	return Flags(v), true
}

// Names returns the flag names set in f. Bits without a name are
// rendered as a single hex literal at the end.
func (f Flags) Names() []string {
	var names []string
	rest := f
	for _, fn := range flagNames {
		if rest&fn.flag == fn.flag {
			names = append(names, fn.name)
			rest &^= fn.flag
		}
	}
	if rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return names
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Names(), "|")
}

// CaptureConfig selects the raw-input device class to register for.
type CaptureConfig struct {
	UsagePage uint16
	Usage     uint16
	Flags     Flags
}

// DefaultCaptureConfig returns the keyboard usage with no flags.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		UsagePage: UsagePageGeneric,
		Usage:     UsageKeyboard,
	}
}

// State is the lifecycle state of an Engine.
type State int32

const (
	Stopped State = iota
	Running
	StopRequested
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case StopRequested:
		return "stop_requested"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Event is one decoded keyboard notification.
type Event struct {
	// KeyCode is the virtual-key code.
	KeyCode int
	// State is the window message: WMKeyDown, WMKeyUp, WMSysKeyDown or WMSysKeyUp.
	State int

	MakeCode uint16
	Flags    uint16
	Device   uintptr
	Time     time.Time
}

// IsKeyDown reports whether the event is a key press.
func (e Event) IsKeyDown() bool {
	return e.State == WMKeyDown || e.State == WMSysKeyDown
}
