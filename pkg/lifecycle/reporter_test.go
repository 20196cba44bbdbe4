package lifecycle

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestCapabilitiesAccepted tests the controls-accepted mask for every capability combination
func TestCapabilitiesAccepted(t *testing.T) {
	for _, stop := range []bool{false, true} {
		for _, shutdown := range []bool{false, true} {
			for _, pause := range []bool{false, true} {
				caps := Capabilities{CanStop: stop, CanShutdown: shutdown, CanPauseContinue: pause}

				var want Accepted
				if stop {
					want |= 0x1
				}
				if pause {
					want |= 0x2
				}
				if shutdown {
					want |= 0x4
				}

				if got := caps.Accepted(); got != want {
					t.Errorf("%+v.Accepted() = %#x, want %#x", caps, got, want)
				}

				r := NewReporter(Identity{Name: "svc", Capabilities: caps}, nil)
				if got := r.Status().Accepts; got != want {
					t.Errorf("reporter Accepts = %#x, want %#x", got, want)
				}
			}
		}
	}
}

// TestReporterInitialStatus tests the record before the first report
func TestReporterInitialStatus(t *testing.T) {
	r := NewReporter(Identity{Name: "svc"}, nil)
	st := r.Status()

	if st.ServiceType != ServiceWin32OwnProcess {
		t.Errorf("ServiceType = %#x, want %#x", st.ServiceType, ServiceWin32OwnProcess)
	}
	if st.State != StartPending {
		t.Errorf("State = %v, want StartPending", st.State)
	}
	if st.CheckPoint != 0 || st.WaitHint != 0 || st.Win32ExitCode != 0 {
		t.Errorf("unexpected initial status %+v", st)
	}
}

// TestReporterCheckpoint tests checkpoint increments and resets
func TestReporterCheckpoint(t *testing.T) {
	sink := &recordingSink{}
	r := NewReporter(Identity{Name: "svc"}, nil)
	r.Attach(sink)

	r.Report(StartPending, 0, 0)
	r.Report(StartPending, 0, 0)
	r.Report(Running, 0, 0)
	r.Report(PausePending, 0, 0)
	r.Report(Paused, 0, 0)
	r.Report(StopPending, 0, 0)
	r.Report(Stopped, 0, 0)

	want := []stateCheckpoint{
		{StartPending, 1},
		{StartPending, 2},
		{Running, 0},
		{PausePending, 1},
		{Paused, 2},
		{StopPending, 3},
		{Stopped, 0},
	}
	if got := sequence(sink.snapshot()); !equalSequence(got, want) {
		t.Errorf("reports = %v, want %v", got, want)
	}
}

// TestReporterSubmitFailure tests that submission errors are logged and the record still updates
func TestReporterSubmitFailure(t *testing.T) {
	tests := []struct {
		name string
		sink StatusSink
	}{
		{name: "no handle", sink: nil},
		{name: "submit error", sink: &recordingSink{err: errors.New("invalid handle")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.ErrorLevel)
			r := NewReporter(Identity{Name: "svc"}, zap.New(core))
			if tt.sink != nil {
				r.Attach(tt.sink)
			}

			r.Report(Running, 0, 0)

			if got := logs.FilterMessage("Failed to submit service status").Len(); got != 1 {
				t.Errorf("got %d submit failure logs, want 1", got)
			}
			if r.Status().State != Running {
				t.Errorf("State = %v, want Running", r.Status().State)
			}
		})
	}
}

type statusRecorder struct{ statuses []Status }

func (r *statusRecorder) ObserveStatus(st Status) { r.statuses = append(r.statuses, st) }

// TestReporterObservers tests that observers see every submitted record
func TestReporterObservers(t *testing.T) {
	rec := &statusRecorder{}
	r := NewReporter(Identity{Name: "svc"}, nil)
	r.Attach(StatusSinkFunc(func(Status) error { return nil }))
	r.AddObserver(rec)

	r.Report(StopPending, 0, 500)
	r.Report(Stopped, 0x57, 0)

	if len(rec.statuses) != 2 {
		t.Fatalf("observer saw %d statuses, want 2", len(rec.statuses))
	}
	if rec.statuses[0].WaitHint != 500 || rec.statuses[1].Win32ExitCode != 0x57 {
		t.Errorf("observed = %+v", rec.statuses)
	}
}

func TestParseControl(t *testing.T) {
	tests := map[string]Control{
		"stop":        ControlStop,
		"pause":       ControlPause,
		"continue":    ControlContinue,
		"resume":      ControlContinue,
		"interrogate": ControlInterrogate,
		"shutdown":    ControlShutdown,
		"restart":     ControlUnknown,
		"":            ControlUnknown,
	}
	for name, want := range tests {
		if got := ParseControl(name); got != want {
			t.Errorf("ParseControl(%q) = %v, want %v", name, got, want)
		}
	}
}
