package lifecycle

import (
	"sync"

	"go.uber.org/zap"
)

// DefaultQueueSize is the number of pending transition requests the
// dispatcher buffers before dropping new ones. A stop or shutdown that
// arrives on a full queue takes a reserved slot instead.
const DefaultQueueSize = 16

// ControlObserver is notified of every control code the dispatcher sees,
// with whether it was queued.
type ControlObserver interface {
	ObserveControl(c Control, queued bool)
}

type request struct {
	transition Transition
	args       []string
}

// Dispatcher receives control codes from the service manager's thread and
// hands them to a single worker that runs transitions on the Machine in
// arrival order. Dispatch never waits for a transition to run.
type Dispatcher struct {
	logger    *zap.Logger
	machine   *Machine
	caps      Capabilities
	observers []ControlObserver

	mu       sync.Mutex
	queue    chan request
	closed   bool
	terminal *request
	reserved chan struct{}
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher for machine. Control codes for
// capabilities not in caps are dropped.
func NewDispatcher(machine *Machine, caps Capabilities, queueSize int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		logger:  logger,
		machine: machine,
		caps:    caps,
		queue:    make(chan request, queueSize),
		reserved: make(chan struct{}, 1),
	}
}

// AddObserver registers o for control notifications. Call before Start.
func (d *Dispatcher) AddObserver(o ControlObserver) {
	d.observers = append(d.observers, o)
}

// Start launches the transition worker.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.work()
}

// Close stops accepting requests, lets the worker finish what is queued
// and waits for it to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// EnqueueStart queues the start transition with the arguments the service
// manager passed to the service.
func (d *Dispatcher) EnqueueStart(args []string) bool {
	return d.enqueue(request{transition: TransitionStart, args: args})
}

// EnqueueShutdown queues a shutdown regardless of the registered
// capabilities. Platforms use it when the process is terminating and no
// further control codes can arrive. It only fails once the dispatcher is
// closed.
func (d *Dispatcher) EnqueueShutdown() bool {
	return d.enqueue(request{transition: TransitionShutdown})
}

// Dispatch maps a control code to a transition request and queues it.
// Interrogate and unrecognized codes are ignored, as are codes the service
// did not register a capability for. It reports whether a request was
// queued.
func (d *Dispatcher) Dispatch(c Control) bool {
	queued := false
	switch c {
	case ControlStop:
		if d.caps.CanStop {
			queued = d.enqueue(request{transition: TransitionStop})
		}
	case ControlPause:
		if d.caps.CanPauseContinue {
			queued = d.enqueue(request{transition: TransitionPause})
		}
	case ControlContinue:
		if d.caps.CanPauseContinue {
			queued = d.enqueue(request{transition: TransitionResume})
		}
	case ControlShutdown:
		if d.caps.CanShutdown {
			queued = d.enqueue(request{transition: TransitionShutdown})
		}
	case ControlInterrogate:
		// The manager already holds the last reported status.
	}

	if !queued && c != ControlInterrogate {
		d.logger.Debug("Ignored control code", zap.Stringer("control", c))
	}
	for _, o := range d.observers {
		o.ObserveControl(c, queued)
	}
	return queued
}

func (d *Dispatcher) enqueue(r request) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.logger.Warn("Dispatcher closed, dropping request",
			zap.Stringer("transition", r.transition))
		return false
	}

	// Everything queued arrived before the reserved request, so nothing
	// may be queued behind it.
	if d.terminal != nil {
		if !ends(r.transition) {
			d.logger.Warn("Service is stopping, dropping request",
				zap.Stringer("transition", r.transition),
				zap.Stringer("pending", d.terminal.transition))
			return false
		}
		if r.transition == TransitionShutdown {
			d.terminal.transition = TransitionShutdown
		}
		return true
	}

	select {
	case d.queue <- r:
		return true
	default:
	}

	if ends(r.transition) {
		d.logger.Warn("Transition queue full, reserving slot",
			zap.Stringer("transition", r.transition),
			zap.Int("capacity", cap(d.queue)))
		d.terminal = &r
		d.signalReserved()
		return true
	}

	d.logger.Error("Transition queue full, dropping request",
		zap.Stringer("transition", r.transition),
		zap.Int("capacity", cap(d.queue)))
	return false
}

// ends reports whether t takes the service to Stopped.
func ends(t Transition) bool {
	return t == TransitionStop || t == TransitionShutdown
}

func (d *Dispatcher) signalReserved() {
	select {
	case d.reserved <- struct{}{}:
	default:
	}
}

// takeReserved hands out the reserved request once the queue ahead of it
// has drained.
func (d *Dispatcher) takeReserved() (request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.terminal == nil {
		return request{}, false
	}
	if len(d.queue) > 0 {
		d.signalReserved()
		return request{}, false
	}
	r := *d.terminal
	d.terminal = nil
	return r, true
}

func (d *Dispatcher) work() {
	defer d.wg.Done()

	for {
		select {
		case r, ok := <-d.queue:
			if !ok {
				d.finish()
				return
			}
			d.run(r)
			continue
		default:
		}

		select {
		case r, ok := <-d.queue:
			if !ok {
				d.finish()
				return
			}
			d.run(r)
		case <-d.reserved:
			if r, ok := d.takeReserved(); ok {
				d.run(r)
			}
		}
	}
}

// finish runs a reserved request left behind when the queue was closed.
func (d *Dispatcher) finish() {
	select {
	case <-d.reserved:
	default:
	}
	if r, ok := d.takeReserved(); ok {
		d.run(r)
	}
}

func (d *Dispatcher) run(r request) {
	switch r.transition {
	case TransitionStart:
		_ = d.machine.RequestStart(r.args)
	case TransitionStop:
		_ = d.machine.RequestStop()
	case TransitionPause:
		_ = d.machine.RequestPause()
	case TransitionResume:
		_ = d.machine.RequestResume()
	case TransitionShutdown:
		_ = d.machine.RequestShutdown()
	}
}
