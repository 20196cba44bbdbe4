//go:build windows

package host

import (
	"github.com/stone-age-io/svchost/pkg/lifecycle"
	"go.uber.org/zap"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/debug"
)

// windowsPlatform runs the service under the Windows Service Control
// Manager, or under svc/debug when started from a console.
type windowsPlatform struct {
	logger      *zap.Logger
	interactive bool
}

// NewPlatform returns the platform for the current process. On Windows it
// talks to the Service Control Manager when the process was launched by it
// and emulates it on the console otherwise.
func NewPlatform(cfg PlatformConfig, logger *zap.Logger) (Platform, error) {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &windowsPlatform{logger: logger, interactive: !isService}, nil
}

// Interactive reports whether the process runs on a console rather than
// under the service manager.
func (p *windowsPlatform) Interactive() bool { return p.interactive }

func (p *windowsPlatform) Dispatch(name string, serve ServeFunc) error {
	h := &scmHandler{serve: serve, logger: p.logger}
	if p.interactive {
		p.logger.Info("Running service on the console", zap.String("service", name))
		return debug.Run(name, h)
	}
	return svc.Run(name, h)
}

// scmHandler adapts a ServeFunc to svc.Handler. Execute runs on the
// goroutine x/sys starts from the service main callback.
type scmHandler struct {
	serve  ServeFunc
	logger *zap.Logger
}

func (h *scmHandler) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	controls := make(chan lifecycle.Control)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			select {
			case req, ok := <-r:
				if !ok {
					close(controls)
					return
				}
				select {
				case controls <- toControl(req.Cmd):
				case <-stop:
					return
				}
			case <-stop:
				return
			}
		}
	}()

	return h.serve(Session{Args: args, Status: scmSink(changes, h.logger), Controls: controls})
}

// scmSink forwards status records to x/sys. Stopped is held back: x/sys
// reports it itself once Execute returns, and only that report carries
// the exit codes.
func scmSink(changes chan<- svc.Status, logger *zap.Logger) lifecycle.StatusSink {
	return lifecycle.StatusSinkFunc(func(st lifecycle.Status) error {
		if st.State == lifecycle.Stopped {
			logger.Debug("Leaving final status to the service dispatcher",
				zap.Uint32("win32_exit_code", st.Win32ExitCode),
				zap.Uint32("service_exit_code", st.ServiceSpecificExitCode))
			return nil
		}
		changes <- toSvcStatus(st)
		return nil
	})
}

func toControl(cmd svc.Cmd) lifecycle.Control {
	switch cmd {
	case svc.Stop:
		return lifecycle.ControlStop
	case svc.Pause:
		return lifecycle.ControlPause
	case svc.Continue:
		return lifecycle.ControlContinue
	case svc.Interrogate:
		return lifecycle.ControlInterrogate
	case svc.Shutdown:
		return lifecycle.ControlShutdown
	default:
		return lifecycle.ControlUnknown
	}
}

func toSvcStatus(st lifecycle.Status) svc.Status {
	var accepts svc.Accepted
	if st.Accepts&lifecycle.AcceptStop != 0 {
		accepts |= svc.AcceptStop
	}
	if st.Accepts&lifecycle.AcceptShutdown != 0 {
		accepts |= svc.AcceptShutdown
	}
	if st.Accepts&lifecycle.AcceptPauseContinue != 0 {
		accepts |= svc.AcceptPauseAndContinue
	}
	return svc.Status{
		State:      svc.State(st.State),
		Accepts:    accepts,
		CheckPoint: st.CheckPoint,
		WaitHint:   st.WaitHint,
	}
}
