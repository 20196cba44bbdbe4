// Package catalog installs and removes service registrations in the
// operating system's service catalog.
package catalog

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/stone-age-io/svchost/pkg/lifecycle"
	"go.uber.org/zap"
)

// StartType selects when the service manager starts the service. Values
// match the Win32 SERVICE_*_START constants.
type StartType uint32

const (
	StartBoot     StartType = 0
	StartSystem   StartType = 1
	StartAuto     StartType = 2
	StartDemand   StartType = 3
	StartDisabled StartType = 4
)

func (t StartType) String() string {
	switch t {
	case StartBoot:
		return "boot"
	case StartSystem:
		return "system"
	case StartAuto:
		return "auto"
	case StartDemand:
		return "demand"
	case StartDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("StartType(%d)", uint32(t))
	}
}

// ParseStartType parses a start type name, case-insensitively.
func ParseStartType(s string) (StartType, error) {
	switch strings.ToLower(s) {
	case "boot":
		return StartBoot, nil
	case "system":
		return StartSystem, nil
	case "auto", "automatic":
		return StartAuto, nil
	case "demand", "manual":
		return StartDemand, nil
	case "disabled":
		return StartDisabled, nil
	default:
		return 0, fmt.Errorf("invalid start type: %q (must be boot, system, auto, demand, or disabled)", s)
	}
}

// DefaultAccount is the account services run under unless told otherwise.
const DefaultAccount = `NT AUTHORITY\LocalService`

// InstallOptions describe a catalog entry.
type InstallOptions struct {
	Name         string
	DisplayName  string
	Description  string
	Dependencies []string
	StartType    StartType
	Account      string
	Password     string
	// Executable is the binary the service manager launches and Args the
	// arguments it passes.
	Executable string
	Args       []string
}

// Manager is a connection to the service catalog.
type Manager interface {
	CreateService(opts InstallOptions) (Entry, error)
	OpenService(name string) (Entry, error)
	Close() error
}

// Entry is an open catalog entry.
type Entry interface {
	SetDescription(description string) error
	// Stop sends the stop control and returns the state reported back.
	Stop() (lifecycle.State, error)
	Query() (lifecycle.State, error)
	Delete() error
	Close() error
}

// EventSources is implemented by managers that keep an event log source
// next to each catalog entry. Failures are logged and never fail the
// install or uninstall.
type EventSources interface {
	InstallEventSource(name string) error
	RemoveEventSource(name string) error
}

// ConnectFunc opens a Manager.
type ConnectFunc func() (Manager, error)

// OpError is a failed catalog operation with the native error code.
type OpError struct {
	Op   string
	Code uint32
	Err  error
}

func (e *OpError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s failed: %#x: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opError(op string, err error) *OpError {
	oe := &OpError{Op: op, Err: err}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		oe.Code = uint32(errno)
	}
	return oe
}

// pollInterval is the fixed backoff between status queries while a stop is
// pending.
const pollInterval = time.Second

// Catalog performs install and uninstall against a Manager.
type Catalog struct {
	logger  *zap.Logger
	connect ConnectFunc
	sleep   func(time.Duration)
}

// New creates a Catalog that opens managers with connect.
func New(connect ConnectFunc, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{logger: logger, connect: connect, sleep: time.Sleep}
}

// Install creates the catalog entry and sets its description.
func (c *Catalog) Install(opts InstallOptions) error {
	if opts.Account == "" {
		opts.Account = DefaultAccount
	}

	m, err := c.connect()
	if err != nil {
		return c.fail(opError("OpenSCManager", err))
	}
	defer m.Close()

	s, err := m.CreateService(opts)
	if err != nil {
		return c.fail(opError("CreateService", err))
	}
	defer s.Close()

	if err := s.SetDescription(opts.Description); err != nil {
		return c.fail(opError("ChangeServiceConfig2", err))
	}

	if es, ok := m.(EventSources); ok {
		if err := es.InstallEventSource(opts.Name); err != nil {
			c.logger.Warn("Failed to register event source",
				zap.String("service", opts.Name),
				zap.Error(err))
		}
	}

	c.logger.Info("Service installed",
		zap.String("service", opts.Name),
		zap.String("display_name", opts.DisplayName),
		zap.Stringer("start_type", opts.StartType),
		zap.String("account", opts.Account),
		zap.Strings("dependencies", opts.Dependencies))
	return nil
}

// Uninstall stops the service if it is running, waits for it to stop and
// deletes the entry. It fails only if the entry cannot be opened or
// deleted.
func (c *Catalog) Uninstall(name string) error {
	m, err := c.connect()
	if err != nil {
		return c.fail(opError("OpenSCManager", err))
	}
	defer m.Close()

	s, err := m.OpenService(name)
	if err != nil {
		return c.fail(opError("OpenService", err))
	}
	defer s.Close()

	if state, err := s.Stop(); err == nil {
		c.logger.Info("Stopping service", zap.String("service", name))
		c.sleep(pollInterval)

		for {
			current, err := s.Query()
			if err != nil {
				c.logger.Warn("Failed to query service status",
					zap.String("service", name),
					zap.Error(err))
				break
			}
			state = current
			if state != lifecycle.StopPending {
				break
			}
			c.sleep(pollInterval)
		}

		if state == lifecycle.Stopped {
			c.logger.Info("Service stopped", zap.String("service", name))
		} else {
			c.logger.Error("Service stop failed",
				zap.String("service", name),
				zap.Stringer("state", state))
		}
	} else {
		c.logger.Debug("Stop control not accepted",
			zap.String("service", name),
			zap.Error(err))
	}

	if err := s.Delete(); err != nil {
		return c.fail(opError("DeleteService", err))
	}

	if es, ok := m.(EventSources); ok {
		if err := es.RemoveEventSource(name); err != nil {
			c.logger.Warn("Failed to remove event source",
				zap.String("service", name),
				zap.Error(err))
		}
	}

	c.logger.Info("Service removed", zap.String("service", name))
	return nil
}

func (c *Catalog) fail(err *OpError) error {
	c.logger.Error("Service catalog operation failed",
		zap.String("op", err.Op),
		zap.String("code", fmt.Sprintf("%#x", err.Code)),
		zap.Error(err.Err))
	return err
}
