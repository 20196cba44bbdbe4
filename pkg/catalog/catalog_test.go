package catalog

import (
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stone-age-io/svchost/pkg/lifecycle"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeEntry struct {
	calls     []string
	stopErr   error
	queries   []lifecycle.State
	queryErr  error
	deleteErr error
	descErr   error
	desc      string
}

func (e *fakeEntry) SetDescription(d string) error {
	e.calls = append(e.calls, "describe")
	e.desc = d
	return e.descErr
}

func (e *fakeEntry) Stop() (lifecycle.State, error) {
	e.calls = append(e.calls, "stop")
	if e.stopErr != nil {
		return 0, e.stopErr
	}
	return lifecycle.StopPending, nil
}

func (e *fakeEntry) Query() (lifecycle.State, error) {
	e.calls = append(e.calls, "query")
	if len(e.queries) == 0 {
		return 0, e.queryErr
	}
	st := e.queries[0]
	e.queries = e.queries[1:]
	return st, nil
}

func (e *fakeEntry) Delete() error {
	e.calls = append(e.calls, "delete")
	return e.deleteErr
}

func (e *fakeEntry) Close() error {
	e.calls = append(e.calls, "close")
	return nil
}

type fakeManager struct {
	entry     *fakeEntry
	createErr error
	openErr   error
	created   InstallOptions
	closed    bool
}

func (m *fakeManager) CreateService(opts InstallOptions) (Entry, error) {
	m.created = opts
	if m.createErr != nil {
		return nil, m.createErr
	}
	return m.entry, nil
}

func (m *fakeManager) OpenService(name string) (Entry, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	return m.entry, nil
}

func (m *fakeManager) Close() error {
	m.closed = true
	return nil
}

func newTestCatalog(m *fakeManager, connectErr error, logger *zap.Logger) (*Catalog, *[]time.Duration) {
	c := New(func() (Manager, error) {
		if connectErr != nil {
			return nil, connectErr
		}
		return m, nil
	}, logger)
	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }
	return c, &slept
}

// TestUninstallWaitsForStop tests polling while stop is pending before deleting
func TestUninstallWaitsForStop(t *testing.T) {
	entry := &fakeEntry{queries: []lifecycle.State{lifecycle.StopPending, lifecycle.StopPending, lifecycle.Stopped}}
	m := &fakeManager{entry: entry}
	c, slept := newTestCatalog(m, nil, nil)

	if err := c.Uninstall("TestService"); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}

	want := "stop,query,query,query,delete,close"
	if got := strings.Join(entry.calls, ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
	if len(*slept) != 3 {
		t.Errorf("slept %d times, want 3", len(*slept))
	}
	for _, d := range *slept {
		if d != time.Second {
			t.Errorf("slept %v, want 1s", d)
		}
	}
	if !m.closed {
		t.Error("manager not closed")
	}
}

// TestUninstallDeleteFailure tests that a delete failure surfaces the native code
func TestUninstallDeleteFailure(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	entry := &fakeEntry{
		queries:   []lifecycle.State{lifecycle.StopPending, lifecycle.StopPending, lifecycle.Stopped},
		deleteErr: syscall.Errno(0x430),
	}
	c, _ := newTestCatalog(&fakeManager{entry: entry}, nil, zap.New(core))

	err := c.Uninstall("TestService")

	var oe *OpError
	if !errors.As(err, &oe) {
		t.Fatalf("Uninstall() error = %v, want *OpError", err)
	}
	if oe.Op != "DeleteService" || oe.Code != 0x430 {
		t.Errorf("OpError = %+v, want DeleteService/0x430", oe)
	}
	if !strings.Contains(err.Error(), "0x430") {
		t.Errorf("error %q does not contain the code", err)
	}

	entries := logs.FilterField(zap.String("code", "0x430")).All()
	if len(entries) != 1 {
		t.Errorf("got %d logs with code 0x430, want 1", len(entries))
	}
}

// TestUninstallStopNotAccepted tests that a service that cannot be stopped is still deleted
func TestUninstallStopNotAccepted(t *testing.T) {
	entry := &fakeEntry{stopErr: syscall.Errno(1062)}
	c, slept := newTestCatalog(&fakeManager{entry: entry}, nil, nil)

	if err := c.Uninstall("TestService"); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}

	want := "stop,delete,close"
	if got := strings.Join(entry.calls, ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %d times, want 0", len(*slept))
	}
}

// TestUninstallStopFailed tests that a stop that never completes is logged and deletion proceeds
func TestUninstallStopFailed(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	entry := &fakeEntry{queries: []lifecycle.State{lifecycle.StopPending, lifecycle.Running}}
	c, _ := newTestCatalog(&fakeManager{entry: entry}, nil, zap.New(core))

	if err := c.Uninstall("TestService"); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if logs.FilterMessage("Service stop failed").Len() != 1 {
		t.Error("stop failure not logged")
	}
}

// TestUninstallOpenFailures tests failures before the entry is open
func TestUninstallOpenFailures(t *testing.T) {
	tests := []struct {
		name       string
		connectErr error
		openErr    error
		wantOp     string
		wantCode   uint32
	}{
		{
			name:       "manager unavailable",
			connectErr: syscall.Errno(5),
			wantOp:     "OpenSCManager",
			wantCode:   5,
		},
		{
			name:     "service missing",
			openErr:  syscall.Errno(1060),
			wantOp:   "OpenService",
			wantCode: 1060,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeManager{entry: &fakeEntry{}, openErr: tt.openErr}
			c, _ := newTestCatalog(m, tt.connectErr, nil)

			err := c.Uninstall("TestService")

			var oe *OpError
			if !errors.As(err, &oe) {
				t.Fatalf("Uninstall() error = %v, want *OpError", err)
			}
			if oe.Op != tt.wantOp || oe.Code != tt.wantCode {
				t.Errorf("OpError = %+v, want %s/%d", oe, tt.wantOp, tt.wantCode)
			}
		})
	}
}

// TestInstall tests entry creation and description
func TestInstall(t *testing.T) {
	entry := &fakeEntry{}
	m := &fakeManager{entry: entry}
	c, _ := newTestCatalog(m, nil, nil)

	opts := InstallOptions{
		Name:         "TestService",
		DisplayName:  "Test Service",
		Description:  "Runs tests",
		Dependencies: []string{"Tcpip"},
		StartType:    StartAuto,
		Executable:   `C:\svc\svchost.exe`,
		Args:         []string{"run"},
	}
	if err := c.Install(opts); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if m.created.Account != DefaultAccount {
		t.Errorf("Account = %q, want %q", m.created.Account, DefaultAccount)
	}
	if m.created.StartType != StartAuto || m.created.Name != "TestService" {
		t.Errorf("created = %+v", m.created)
	}
	if entry.desc != "Runs tests" {
		t.Errorf("description = %q", entry.desc)
	}
	if got := strings.Join(entry.calls, ","); got != "describe,close" {
		t.Errorf("calls = %s", got)
	}
	if !m.closed {
		t.Error("manager not closed")
	}
}

// TestInstallFailures tests that each failing step aborts with its operation name
func TestInstallFailures(t *testing.T) {
	tests := []struct {
		name      string
		createErr error
		descErr   error
		wantOp    string
	}{
		{name: "create fails", createErr: syscall.Errno(1073), wantOp: "CreateService"},
		{name: "description fails", descErr: syscall.Errno(5), wantOp: "ChangeServiceConfig2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeManager{entry: &fakeEntry{descErr: tt.descErr}, createErr: tt.createErr}
			c, _ := newTestCatalog(m, nil, nil)

			err := c.Install(InstallOptions{Name: "TestService", Account: "LocalSystem"})

			var oe *OpError
			if !errors.As(err, &oe) || oe.Op != tt.wantOp {
				t.Fatalf("Install() error = %v, want %s failure", err, tt.wantOp)
			}
			if m.created.Account != "LocalSystem" {
				t.Errorf("Account = %q, want LocalSystem", m.created.Account)
			}
			if !m.closed {
				t.Error("manager not closed after failure")
			}
		})
	}
}

func TestParseStartType(t *testing.T) {
	tests := []struct {
		in      string
		want    StartType
		wantErr bool
	}{
		{in: "boot", want: StartBoot},
		{in: "system", want: StartSystem},
		{in: "Auto", want: StartAuto},
		{in: "automatic", want: StartAuto},
		{in: "demand", want: StartDemand},
		{in: "manual", want: StartDemand},
		{in: "disabled", want: StartDisabled},
		{in: "delayed", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseStartType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStartType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseStartType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

type eventSourceManager struct {
	*fakeManager
	installErr error
	removeErr  error
	sources    []string
}

func (m *eventSourceManager) InstallEventSource(name string) error {
	m.sources = append(m.sources, "install "+name)
	return m.installErr
}

func (m *eventSourceManager) RemoveEventSource(name string) error {
	m.sources = append(m.sources, "remove "+name)
	return m.removeErr
}

// TestEventSources tests that event source failures are logged without failing the operation
func TestEventSources(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantLog int
	}{
		{name: "registered", err: nil, wantLog: 0},
		{name: "registration fails", err: syscall.Errno(5), wantLog: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			m := &eventSourceManager{
				fakeManager: &fakeManager{entry: &fakeEntry{stopErr: syscall.Errno(1062)}},
				installErr:  tt.err,
				removeErr:   tt.err,
			}
			c := New(func() (Manager, error) { return m, nil }, zap.New(core))
			c.sleep = func(time.Duration) {}

			if err := c.Install(InstallOptions{Name: "TestService"}); err != nil {
				t.Fatalf("Install() error = %v", err)
			}
			if err := c.Uninstall("TestService"); err != nil {
				t.Fatalf("Uninstall() error = %v", err)
			}

			if got := strings.Join(m.sources, ","); got != "install TestService,remove TestService" {
				t.Errorf("event sources = %s", got)
			}
			warned := logs.FilterMessageSnippet("event source").Len()
			if warned != tt.wantLog {
				t.Errorf("got %d event source warnings, want %d", warned, tt.wantLog)
			}
		})
	}
}
