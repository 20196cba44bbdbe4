package lifecycle

import "fmt"

// State is the current state of the service as reported to the service manager.
// Values match the Win32 SERVICE_* state constants.
type State uint32

const (
	Stopped         State = 1
	StartPending    State = 2
	StopPending     State = 3
	Running         State = 4
	ContinuePending State = 5
	PausePending    State = 6
	Paused          State = 7
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case StartPending:
		return "StartPending"
	case StopPending:
		return "StopPending"
	case Running:
		return "Running"
	case ContinuePending:
		return "ContinuePending"
	case PausePending:
		return "PausePending"
	case Paused:
		return "Paused"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// resetsCheckpoint reports whether reaching s ends the current transition
// for checkpoint purposes.
func (s State) resetsCheckpoint() bool {
	return s == Running || s == Stopped
}

// Accepted is the bitmask of control codes the service advertises.
// Values match the Win32 SERVICE_ACCEPT_* constants.
type Accepted uint32

const (
	AcceptStop          Accepted = 0x1
	AcceptPauseContinue Accepted = 0x2
	AcceptShutdown      Accepted = 0x4
)

// Capabilities are the control codes an application is willing to handle.
type Capabilities struct {
	CanStop          bool
	CanShutdown      bool
	CanPauseContinue bool
}

// Accepted returns the controls-accepted mask for the capability set.
func (c Capabilities) Accepted() Accepted {
	var a Accepted
	if c.CanStop {
		a |= AcceptStop
	}
	if c.CanShutdown {
		a |= AcceptShutdown
	}
	if c.CanPauseContinue {
		a |= AcceptPauseContinue
	}
	return a
}

// Identity is the name and capability set registered with the service
// manager. It is fixed once the host is constructed.
type Identity struct {
	Name         string
	Capabilities Capabilities
}

// ServiceType values match the Win32 SERVICE_WIN32_* constants.
const ServiceWin32OwnProcess uint32 = 0x10

// Status is the full record submitted to the service manager.
type Status struct {
	ServiceType             uint32   `json:"service_type"`
	State                   State    `json:"state"`
	Accepts                 Accepted `json:"controls_accepted"`
	Win32ExitCode           uint32   `json:"win32_exit_code"`
	ServiceSpecificExitCode uint32   `json:"service_specific_exit_code"`
	CheckPoint              uint32   `json:"checkpoint"`
	WaitHint                uint32   `json:"wait_hint"`
}

// Control is a request delivered by the service manager.
type Control uint32

// Values match the Win32 SERVICE_CONTROL_* constants. ControlUnknown stands
// in for every code the host does not handle.
const (
	ControlUnknown     Control = 0
	ControlStop        Control = 1
	ControlPause       Control = 2
	ControlContinue    Control = 3
	ControlInterrogate Control = 4
	ControlShutdown    Control = 5
)

func (c Control) String() string {
	switch c {
	case ControlStop:
		return "stop"
	case ControlPause:
		return "pause"
	case ControlContinue:
		return "continue"
	case ControlInterrogate:
		return "interrogate"
	case ControlShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ParseControl maps a control name to a Control. Unrecognized names map to
// ControlUnknown.
func ParseControl(name string) Control {
	switch name {
	case "stop":
		return ControlStop
	case "pause":
		return ControlPause
	case "continue", "resume":
		return ControlContinue
	case "interrogate":
		return ControlInterrogate
	case "shutdown":
		return ControlShutdown
	default:
		return ControlUnknown
	}
}
