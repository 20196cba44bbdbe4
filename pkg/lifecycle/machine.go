package lifecycle

import (
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Transition names one of the five lifecycle transitions.
type Transition int

const (
	TransitionStart Transition = iota
	TransitionStop
	TransitionPause
	TransitionResume
	TransitionShutdown
)

func (t Transition) String() string {
	switch t {
	case TransitionStart:
		return "start"
	case TransitionStop:
		return "stop"
	case TransitionPause:
		return "pause"
	case TransitionResume:
		return "resume"
	case TransitionShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("transition(%d)", int(t))
	}
}

// transitionPath describes the states a transition moves through. A zero
// pending state means nothing is reported before the callback runs.
type transitionPath struct {
	pending  State
	success  State
	rollback State
}

var transitions = map[Transition]transitionPath{
	TransitionStart:    {pending: StartPending, success: Running, rollback: Stopped},
	TransitionStop:     {pending: StopPending, success: Stopped},
	TransitionPause:    {pending: PausePending, success: Paused, rollback: Running},
	TransitionResume:   {pending: ContinuePending, success: Running, rollback: Paused},
	TransitionShutdown: {success: Stopped, rollback: Stopped},
}

// TransitionError is returned when a transition is requested from a state
// it is not legal in. Nothing is reported for a rejected transition.
type TransitionError struct {
	Transition Transition
	State      State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed while %s", e.Transition, e.State)
}

// TransitionEvent describes one completed or rejected transition.
type TransitionEvent struct {
	Transition Transition
	From       State
	To         State
	Outcome    Outcome
	Rejected   bool
}

// TransitionObserver is notified after each transition. Observers must not
// block.
type TransitionObserver interface {
	ObserveTransition(TransitionEvent)
}

// Machine is the lifecycle state machine. It owns the service's state
// through its Reporter and runs at most one transition at a time.
type Machine struct {
	logger   *zap.Logger
	service  Service
	reporter *Reporter
	waitHint uint32

	mu        sync.Mutex
	started   bool
	observers []TransitionObserver

	done     chan struct{}
	doneOnce sync.Once
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithWaitHint sets the wait hint in milliseconds sent with pending states.
func WithWaitHint(ms uint32) MachineOption {
	return func(m *Machine) { m.waitHint = ms }
}

// WithTransitionObserver registers an observer for transition events.
func WithTransitionObserver(o TransitionObserver) MachineOption {
	return func(m *Machine) { m.observers = append(m.observers, o) }
}

// NewMachine creates a state machine driving service and reporting through
// reporter.
func NewMachine(service Service, reporter *Reporter, logger *zap.Logger, opts ...MachineOption) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		logger:   logger,
		service:  service,
		reporter: reporter,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reporter returns the machine's status reporter.
func (m *Machine) Reporter() *Reporter { return m.reporter }

// State returns the last reported state.
func (m *Machine) State() State { return m.reporter.Status().State }

// Done is closed once the service has reached Stopped.
func (m *Machine) Done() <-chan struct{} { return m.done }

// ExitCode returns the exit codes of the last reported status. The first
// value reports whether the service-specific code is in use.
func (m *Machine) ExitCode() (bool, uint32) {
	st := m.reporter.Status()
	if st.ServiceSpecificExitCode != 0 {
		return true, st.ServiceSpecificExitCode
	}
	return false, st.Win32ExitCode
}

func (m *Machine) RequestStart(args []string) error {
	return m.execute(TransitionStart, func() error { return m.service.OnStart(args) })
}

func (m *Machine) RequestStop() error {
	return m.execute(TransitionStop, m.service.OnStop)
}

func (m *Machine) RequestPause() error {
	return m.execute(TransitionPause, m.service.OnPause)
}

func (m *Machine) RequestResume() error {
	return m.execute(TransitionResume, m.service.OnContinue)
}

func (m *Machine) RequestShutdown() error {
	return m.execute(TransitionShutdown, m.service.OnShutdown)
}

// legal reports whether t may run while the service is in from.
func (m *Machine) legal(t Transition, from State) bool {
	if t == TransitionStart {
		return !m.started
	}
	if !m.started {
		return false
	}
	switch t {
	case TransitionStop:
		return from == Running || from == Paused
	case TransitionPause:
		return from == Running
	case TransitionResume:
		return from == Paused
	case TransitionShutdown:
		return from != Stopped
	}
	return false
}

func (m *Machine) execute(t Transition, callback func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.reporter.Status().State
	if !m.legal(t, from) {
		m.logger.Warn("Rejected service transition",
			zap.Stringer("transition", t),
			zap.Stringer("state", from))
		m.notify(TransitionEvent{Transition: t, From: from, To: from, Rejected: true})
		return &TransitionError{Transition: t, State: from}
	}
	if t == TransitionStart {
		m.started = true
	}

	path := transitions[t]
	if path.pending != 0 {
		m.reporter.Report(path.pending, 0, m.waitHint)
	}

	out := m.invoke(callback)

	switch {
	case !out.Failed():
		m.reporter.Report(path.success, 0, 0)
	case t == TransitionStart:
		m.logFailure(t, out)
		if out.Kind == FailedWithCode {
			m.reporter.report(Stopped, out.Code, 0, 0)
		} else {
			m.reporter.report(Stopped, errorServiceSpecific, 1, 0)
		}
	case t == TransitionStop:
		m.logFailure(t, out)
		m.reporter.Report(from, 0, 0)
	default:
		m.logFailure(t, out)
		m.reporter.Report(path.rollback, 0, 0)
	}

	to := m.reporter.Status().State
	m.logger.Info("Service transition complete",
		zap.Stringer("transition", t),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Stringer("outcome", out.Kind))
	m.notify(TransitionEvent{Transition: t, From: from, To: to, Outcome: out})

	if to == Stopped {
		m.doneOnce.Do(func() { close(m.done) })
	}
	return nil
}

// invoke runs a callback, converting a panic into a generic failure.
func (m *Machine) invoke(callback func() error) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Kind: FailedGeneric, Err: &PanicError{Value: r, Stack: debug.Stack()}}
		}
	}()
	return Classify(callback())
}

func (m *Machine) logFailure(t Transition, out Outcome) {
	fields := []zap.Field{
		zap.Stringer("transition", t),
		zap.Error(out.Err),
	}
	if out.Kind == FailedWithCode {
		fields = append(fields, zap.String("code", fmt.Sprintf("%#x", out.Code)))
	}
	if pe, ok := out.Err.(*PanicError); ok {
		fields = append(fields, zap.String("stack", string(pe.Stack)))
	}
	if t == TransitionShutdown {
		// The manager is already tearing the process down.
		m.logger.Warn("Service shutdown callback failed", fields...)
		return
	}
	m.logger.Error("Service "+t.String()+" failed", fields...)
}

func (m *Machine) notify(ev TransitionEvent) {
	for _, o := range m.observers {
		o.ObserveTransition(ev)
	}
}
