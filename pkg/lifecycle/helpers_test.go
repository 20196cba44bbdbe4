package lifecycle

import (
	"sync"
	"testing"

	"go.uber.org/zap"
)

// recordingSink stands in for the service manager's status handle.
type recordingSink struct {
	mu       sync.Mutex
	statuses []Status
	err      error
}

func (s *recordingSink) SubmitStatus(st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
	return s.err
}

func (s *recordingSink) snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, len(s.statuses))
	copy(out, s.statuses)
	return out
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	s.statuses = nil
	s.mu.Unlock()
}

var allCapabilities = Capabilities{CanStop: true, CanShutdown: true, CanPauseContinue: true}

func newTestMachine(t *testing.T, svc Service, logger *zap.Logger, opts ...MachineOption) (*Machine, *recordingSink) {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := &recordingSink{}
	reporter := NewReporter(Identity{Name: "TestService", Capabilities: allCapabilities}, logger)
	reporter.Attach(sink)
	return NewMachine(svc, reporter, logger, opts...), sink
}

type stateCheckpoint struct {
	state      State
	checkpoint uint32
}

func sequence(statuses []Status) []stateCheckpoint {
	out := make([]stateCheckpoint, len(statuses))
	for i, st := range statuses {
		out[i] = stateCheckpoint{st.State, st.CheckPoint}
	}
	return out
}

func equalSequence(a, b []stateCheckpoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stateList(statuses []Status) []State {
	out := make([]State, len(statuses))
	for i, st := range statuses {
		out[i] = st.State
	}
	return out
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
