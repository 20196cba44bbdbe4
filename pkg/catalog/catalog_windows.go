//go:build windows

package catalog

import (
	"github.com/stone-age-io/svchost/pkg/lifecycle"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/eventlog"
	"golang.org/x/sys/windows/svc/mgr"
)

// Connect opens the local Service Control Manager.
func Connect() (Manager, error) {
	m, err := mgr.Connect()
	if err != nil {
		return nil, err
	}
	return &scManager{m: m}, nil
}

type scManager struct {
	m *mgr.Mgr
}

func (w *scManager) CreateService(opts InstallOptions) (Entry, error) {
	s, err := w.m.CreateService(opts.Name, opts.Executable, mgr.Config{
		ServiceType:      windows.SERVICE_WIN32_OWN_PROCESS,
		StartType:        uint32(opts.StartType),
		ErrorControl:     mgr.ErrorNormal,
		DisplayName:      opts.DisplayName,
		Dependencies:     opts.Dependencies,
		ServiceStartName: opts.Account,
		Password:         opts.Password,
	}, opts.Args...)
	if err != nil {
		return nil, err
	}
	return &scEntry{s: s}, nil
}

func (w *scManager) InstallEventSource(name string) error {
	return eventlog.InstallAsEventCreate(name, eventlog.Error|eventlog.Warning|eventlog.Info)
}

func (w *scManager) RemoveEventSource(name string) error {
	return eventlog.Remove(name)
}

func (w *scManager) OpenService(name string) (Entry, error) {
	s, err := w.m.OpenService(name)
	if err != nil {
		return nil, err
	}
	return &scEntry{s: s}, nil
}

func (w *scManager) Close() error { return w.m.Disconnect() }

type scEntry struct {
	s *mgr.Service
}

func (e *scEntry) SetDescription(description string) error {
	cfg, err := e.s.Config()
	if err != nil {
		return err
	}
	cfg.Description = description
	return e.s.UpdateConfig(cfg)
}

func (e *scEntry) Stop() (lifecycle.State, error) {
	st, err := e.s.Control(svc.Stop)
	if err != nil {
		return 0, err
	}
	return lifecycle.State(st.State), nil
}

func (e *scEntry) Query() (lifecycle.State, error) {
	st, err := e.s.Query()
	if err != nil {
		return 0, err
	}
	return lifecycle.State(st.State), nil
}

func (e *scEntry) Delete() error { return e.s.Delete() }

func (e *scEntry) Close() error { return e.s.Close() }
