// Package host bridges an ordinary executable to the operating system's
// service manager. It registers the service, runs the manager's blocking
// dispatch call on a dedicated goroutine and feeds control codes into a
// lifecycle state machine.
package host

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stone-age-io/svchost/pkg/lifecycle"
	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned when a second host is started in the same
// process. The service manager allows one control handler per process.
var ErrAlreadyRunning = errors.New("a service host is already running in this process")

var active atomic.Bool

// Session is what a Platform hands the host once the service manager has
// started the service.
type Session struct {
	// Args are the start arguments passed by the service manager. The first
	// element is the service name.
	Args []string
	// Status submits status records to the service manager.
	Status lifecycle.StatusSink
	// Controls delivers control codes. The platform closes it when it can
	// no longer deliver controls, which the host treats as a shutdown.
	Controls <-chan lifecycle.Control
}

// ServeFunc runs a started service until it reaches Stopped and returns
// its exit code. The first result reports whether the code is service
// specific.
type ServeFunc func(Session) (bool, uint32)

// Platform connects the host to a service manager.
type Platform interface {
	// Dispatch registers the service under name and blocks until the
	// service manager is done with it, calling serve once the service is
	// started.
	Dispatch(name string, serve ServeFunc) error
}

// Options tune a Host.
type Options struct {
	// WaitHint is reported with every pending state.
	WaitHint time.Duration
	// QueueSize bounds the number of queued transition requests.
	QueueSize int
	// StatusObservers see every submitted status.
	StatusObservers []lifecycle.StatusObserver
	// TransitionObservers see every completed or rejected transition.
	TransitionObservers []lifecycle.TransitionObserver
	// ControlObservers see every control code delivered to the dispatcher.
	ControlObservers []lifecycle.ControlObserver
}

// Host owns the one state machine of the process and the components
// attached to it.
type Host struct {
	identity   lifecycle.Identity
	logger     *zap.Logger
	platform   Platform
	reporter   *lifecycle.Reporter
	machine    *lifecycle.Machine
	dispatcher *lifecycle.Dispatcher

	startOnce sync.Once
	done      chan struct{}
	err       error
}

// New wires a reporter, machine and dispatcher for service.
func New(id lifecycle.Identity, service lifecycle.Service, platform Platform, logger *zap.Logger, opts Options) (*Host, error) {
	if id.Name == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if service == nil {
		return nil, fmt.Errorf("service callbacks are required")
	}
	if platform == nil {
		return nil, fmt.Errorf("platform is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("service", id.Name))

	reporter := lifecycle.NewReporter(id, logger.Named("status"))
	for _, o := range opts.StatusObservers {
		reporter.AddObserver(o)
	}

	machineOpts := []lifecycle.MachineOption{
		lifecycle.WithWaitHint(uint32(opts.WaitHint / time.Millisecond)),
	}
	for _, o := range opts.TransitionObservers {
		machineOpts = append(machineOpts, lifecycle.WithTransitionObserver(o))
	}
	machine := lifecycle.NewMachine(service, reporter, logger.Named("lifecycle"), machineOpts...)

	dispatcher := lifecycle.NewDispatcher(machine, id.Capabilities, opts.QueueSize, logger.Named("dispatch"))
	for _, o := range opts.ControlObservers {
		dispatcher.AddObserver(o)
	}

	return &Host{
		identity:   id,
		logger:     logger,
		platform:   platform,
		reporter:   reporter,
		machine:    machine,
		dispatcher: dispatcher,
		done:       make(chan struct{}),
	}, nil
}

// Machine returns the host's state machine.
func (h *Host) Machine() *lifecycle.Machine { return h.machine }

// Dispatcher returns the host's control dispatcher, for control sources
// other than the service manager.
func (h *Host) Dispatcher() *lifecycle.Dispatcher { return h.dispatcher }

// Start hands control to the service manager on a dedicated goroutine and
// returns immediately. Use Wait or Done to learn when the manager is done.
func (h *Host) Start() error {
	if !active.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	started := false
	h.startOnce.Do(func() {
		started = true
		go h.dispatchLoop()
	})
	if !started {
		active.Store(false)
		return fmt.Errorf("host already started")
	}
	return nil
}

// Run starts the host and blocks until the service manager is done.
func (h *Host) Run() error {
	if err := h.Start(); err != nil {
		return err
	}
	return h.Wait()
}

// Done is closed when the dispatch loop has returned.
func (h *Host) Done() <-chan struct{} { return h.done }

// Wait blocks until the dispatch loop returns and reports its error.
func (h *Host) Wait() error {
	<-h.done
	return h.err
}

func (h *Host) dispatchLoop() {
	defer close(h.done)
	defer active.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	h.logger.Info("Entering service dispatch loop")
	if err := h.platform.Dispatch(h.identity.Name, h.serve); err != nil {
		h.err = fmt.Errorf("service dispatch: %w", err)
		h.logger.Error("Service dispatch loop failed", zap.Error(err))
		return
	}
	h.logger.Info("Service dispatch loop returned")
}

func (h *Host) serve(sess Session) (bool, uint32) {
	h.reporter.Attach(sess.Status)
	h.dispatcher.Start()
	h.dispatcher.EnqueueStart(sess.Args)

	controls := sess.Controls
	for {
		select {
		case c, ok := <-controls:
			if !ok {
				h.logger.Warn("Control channel closed, shutting down")
				controls = nil
				if !h.dispatcher.EnqueueShutdown() {
					h.logger.Error("Forced shutdown was not accepted")
				}
				continue
			}
			h.dispatcher.Dispatch(c)
		case <-h.machine.Done():
			h.dispatcher.Close()
			specific, code := h.machine.ExitCode()
			h.logger.Info("Service stopped",
				zap.Bool("service_specific", specific),
				zap.Uint32("exit_code", code))
			return specific, code
		}
	}
}
