//go:build !windows

package host

import (
	"fmt"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kardianos/service"
	"github.com/stone-age-io/svchost/pkg/lifecycle"
	"go.uber.org/zap"
)

const defaultStopTimeout = 30 * time.Second

// kardianosPlatform runs the service under the init system kardianos/service
// detects (systemd, launchd, SysV, ...) or on the console.
type kardianosPlatform struct {
	cfg    PlatformConfig
	logger *zap.Logger
}

// NewPlatform returns the platform for the current process.
func NewPlatform(cfg PlatformConfig, logger *zap.Logger) (Platform, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &kardianosPlatform{cfg: cfg, logger: logger}, nil
}

func (p *kardianosPlatform) Interactive() bool { return service.Interactive() }

func (p *kardianosPlatform) Dispatch(name string, serve ServeFunc) error {
	prg := &program{
		name:        name,
		serve:       serve,
		logger:      p.logger,
		stopTimeout: p.cfg.StopTimeout,
		controls:    make(chan lifecycle.Control),
		done:        make(chan struct{}),
	}
	prg.exit = prg.signalSelf

	s, err := service.New(prg, &service.Config{
		Name:        name,
		DisplayName: p.cfg.DisplayName,
		Description: p.cfg.Description,
	})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	if sysLog, err := s.SystemLogger(nil); err == nil {
		prg.sysLog = sysLog
	} else {
		p.logger.Warn("System logger unavailable", zap.Error(err))
	}

	return s.Run()
}

// program implements service.Interface. Start and Stop run on the
// goroutine kardianos/service drives from service signals.
type program struct {
	name        string
	serve       ServeFunc
	logger      *zap.Logger
	sysLog      service.Logger
	stopTimeout time.Duration

	controls chan lifecycle.Control
	done     chan struct{}
	stopping atomic.Bool
	// exit makes service.Run return when the service stops on its own.
	exit func()
}

func (p *program) Start(s service.Service) error {
	sess := Session{
		Args:     []string{p.name},
		Status:   lifecycle.StatusSinkFunc(p.submitStatus),
		Controls: p.controls,
	}
	go func() {
		defer close(p.done)
		p.serve(sess)
		if !p.stopping.Load() && p.exit != nil {
			p.exit()
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.stopping.Store(true)

	select {
	case p.controls <- lifecycle.ControlStop:
	case <-p.done:
		return nil
	}
	if p.wait() {
		return nil
	}

	p.logger.Warn("Service did not stop in time, forcing shutdown",
		zap.Duration("timeout", p.stopTimeout))
	close(p.controls)
	if p.wait() {
		return nil
	}
	return fmt.Errorf("service did not stop within %v", 2*p.stopTimeout)
}

func (p *program) wait() bool {
	select {
	case <-p.done:
		return true
	case <-time.After(p.stopTimeout):
		return false
	}
}

func (p *program) signalSelf() {
	proc, err := os.FindProcess(os.Getpid())
	if err == nil {
		err = proc.Signal(syscall.SIGTERM)
	}
	if err != nil {
		p.logger.Error("Failed to signal service exit", zap.Error(err))
	}
}

// submitStatus records a status with the init system's logger. There is no
// status protocol outside Windows.
func (p *program) submitStatus(st lifecycle.Status) error {
	if p.sysLog == nil {
		return nil
	}
	msg := fmt.Sprintf("%s state=%s checkpoint=%d exit=%d", p.name, st.State, st.CheckPoint, st.Win32ExitCode)
	if st.State == lifecycle.Stopped && st.Win32ExitCode != 0 {
		return p.sysLog.Error(msg)
	}
	return p.sysLog.Info(msg)
}
