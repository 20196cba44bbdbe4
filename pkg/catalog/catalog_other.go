//go:build !windows

package catalog

import (
	"errors"
	"fmt"

	"github.com/kardianos/service"
	"github.com/stone-age-io/svchost/pkg/lifecycle"
)

// Connect returns a Manager backed by the init system kardianos/service
// detects for this platform.
func Connect() (Manager, error) {
	return initManager{}, nil
}

// noopProgram satisfies service.Interface for catalog operations, which
// never run the service.
type noopProgram struct{}

func (noopProgram) Start(service.Service) error { return nil }
func (noopProgram) Stop(service.Service) error  { return nil }

type initManager struct{}

func (initManager) CreateService(opts InstallOptions) (Entry, error) {
	cfg := &service.Config{
		Name:         opts.Name,
		DisplayName:  opts.DisplayName,
		Description:  opts.Description,
		Dependencies: opts.Dependencies,
		Executable:   opts.Executable,
		Arguments:    opts.Args,
		Option:       service.KeyValue{},
	}
	if opts.Account != DefaultAccount {
		cfg.UserName = opts.Account
	}
	if opts.StartType == StartDemand || opts.StartType == StartDisabled {
		cfg.Option["RunAtLoad"] = false
	}

	s, err := service.New(noopProgram{}, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Install(); err != nil {
		return nil, err
	}
	return &initEntry{s: s, description: opts.Description}, nil
}

func (initManager) OpenService(name string) (Entry, error) {
	s, err := service.New(noopProgram{}, &service.Config{Name: name})
	if err != nil {
		return nil, err
	}
	if _, err := s.Status(); errors.Is(err, service.ErrNotInstalled) {
		return nil, err
	}
	return &initEntry{s: s}, nil
}

func (initManager) Close() error { return nil }

type initEntry struct {
	s           service.Service
	description string
}

// SetDescription succeeds only for the description written at install
// time; init systems keep it in the unit definition.
func (e *initEntry) SetDescription(description string) error {
	if description != e.description {
		return fmt.Errorf("changing the description of an installed unit is not supported")
	}
	return nil
}

func (e *initEntry) Stop() (lifecycle.State, error) {
	if err := e.s.Stop(); err != nil {
		return 0, err
	}
	return e.Query()
}

func (e *initEntry) Query() (lifecycle.State, error) {
	st, err := e.s.Status()
	if err != nil {
		return 0, err
	}
	switch st {
	case service.StatusRunning:
		return lifecycle.Running, nil
	case service.StatusStopped:
		return lifecycle.Stopped, nil
	default:
		return 0, fmt.Errorf("service status unknown")
	}
}

func (e *initEntry) Delete() error { return e.s.Uninstall() }

func (e *initEntry) Close() error { return nil }
