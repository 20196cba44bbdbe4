package lifecycle

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNoStatusHandle is returned when a status is reported before the
// control handler has been registered.
var ErrNoStatusHandle = errors.New("status handle not registered")

// StatusSink submits a status record to the service manager. It is the
// handle obtained when the control handler is registered.
type StatusSink interface {
	SubmitStatus(Status) error
}

// StatusSinkFunc adapts a function to StatusSink.
type StatusSinkFunc func(Status) error

func (f StatusSinkFunc) SubmitStatus(s Status) error { return f(s) }

// StatusObserver is notified of every status after it was submitted.
// Observers must not block.
type StatusObserver interface {
	ObserveStatus(Status)
}

// Reporter owns the status record and the checkpoint counter and submits
// every change to the service manager.
type Reporter struct {
	logger *zap.Logger

	mu         sync.Mutex
	sink       StatusSink
	status     Status
	checkpoint uint32
	observers  []StatusObserver
}

// NewReporter creates a reporter for the given identity. The initial record
// is StartPending with the identity's controls-accepted mask; nothing is
// submitted until the first Report.
func NewReporter(id Identity, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		logger: logger,
		status: Status{
			ServiceType: ServiceWin32OwnProcess,
			State:       StartPending,
			Accepts:     id.Capabilities.Accepted(),
		},
	}
}

// Attach sets the handle used for status submissions.
func (r *Reporter) Attach(sink StatusSink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

// AddObserver registers o to be called after each submission.
func (r *Reporter) AddObserver(o StatusObserver) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// Status returns a copy of the last reported record.
func (r *Reporter) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Report updates the record and submits it. The checkpoint is 0 for
// Running and Stopped and the next counter value otherwise. Submission
// failures are logged and otherwise ignored.
func (r *Reporter) Report(state State, exitCode, waitHint uint32) {
	r.report(state, exitCode, 0, waitHint)
}

func (r *Reporter) report(state State, exitCode, specificCode, waitHint uint32) {
	r.mu.Lock()
	r.status.State = state
	r.status.Win32ExitCode = exitCode
	r.status.ServiceSpecificExitCode = specificCode
	r.status.WaitHint = waitHint

	if state.resetsCheckpoint() {
		r.checkpoint = 0
	} else {
		r.checkpoint++
	}
	r.status.CheckPoint = r.checkpoint

	st := r.status
	err := r.submit(st)
	observers := r.observers
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("Failed to submit service status",
			zap.Stringer("state", state),
			zap.Uint32("checkpoint", st.CheckPoint),
			zap.Error(err))
	} else {
		r.logger.Debug("Service status submitted",
			zap.Stringer("state", state),
			zap.Uint32("checkpoint", st.CheckPoint),
			zap.Uint32("wait_hint", waitHint),
			zap.Uint32("exit_code", exitCode))
	}

	for _, o := range observers {
		o.ObserveStatus(st)
	}
}

func (r *Reporter) submit(st Status) error {
	if r.sink == nil {
		return ErrNoStatusHandle
	}
	if err := r.sink.SubmitStatus(st); err != nil {
		return fmt.Errorf("submit status: %w", err)
	}
	return nil
}
