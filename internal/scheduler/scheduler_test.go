package scheduler

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stone-age-io/svchost/pkg/lifecycle"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs [][]byte
	subs []string
}

func (p *fakePublisher) PublishTelemetry(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, subject)
	p.msgs = append(p.msgs, data)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type fixedStatus lifecycle.Status

func (s fixedStatus) Status() lifecycle.Status { return lifecycle.Status(s) }

type fakeSampler struct {
	stats ProcessStats
	err   error
}

func (f fakeSampler) Sample() (ProcessStats, error) { return f.stats, f.err }

func testConfig(interval time.Duration) Config {
	return Config{
		Service:  "worker",
		Version:  "1.2.3",
		Subject:  "svchost.worker.heartbeat",
		Interval: interval,
	}
}

// TestHeartbeat tests heartbeat payload creation
func TestHeartbeat(t *testing.T) {
	status := fixedStatus(lifecycle.Status{State: lifecycle.PausePending, CheckPoint: 3})
	s, err := New(testConfig(time.Minute), &fakePublisher{}, status,
		fakeSampler{stats: ProcessStats{MemoryMB: 12.3456, CPUPercent: 0.125}}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Shutdown()

	hb := s.Heartbeat()

	if hb.Service != "worker" || hb.Version != "1.2.3" {
		t.Errorf("identity = %s %s", hb.Service, hb.Version)
	}
	if hb.State != "PausePending" || hb.CheckPoint != 3 {
		t.Errorf("state = %s checkpoint = %d", hb.State, hb.CheckPoint)
	}
	if hb.MemoryMB != 12.35 {
		t.Errorf("MemoryMB = %v, want 12.35", hb.MemoryMB)
	}
	if hb.CPUPercent != 0.13 {
		t.Errorf("CPUPercent = %v, want 0.13", hb.CPUPercent)
	}

	ts, err := time.Parse(time.RFC3339, hb.Timestamp)
	if err != nil {
		t.Fatalf("timestamp not RFC3339: %v", err)
	}
	if ts.Location() != time.UTC {
		t.Errorf("timestamp not in UTC: %v", ts.Location())
	}
	if d := time.Since(ts); d > 2*time.Second || d < -time.Second {
		t.Errorf("timestamp skew %v", d)
	}
}

func TestHeartbeatSamplerFailure(t *testing.T) {
	s, err := New(testConfig(time.Minute), &fakePublisher{}, fixedStatus{State: lifecycle.Running},
		fakeSampler{err: errors.New("access denied")}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Shutdown()

	hb := s.Heartbeat()
	if hb.MemoryMB != 0 || hb.CPUPercent != 0 {
		t.Errorf("stats = %v/%v, want zero on sampler failure", hb.MemoryMB, hb.CPUPercent)
	}
	if hb.State != "Running" {
		t.Errorf("state = %s", hb.State)
	}
}

func TestSchedulerPublishes(t *testing.T) {
	pub := &fakePublisher{}
	s, err := New(testConfig(50*time.Millisecond), pub, fixedStatus{State: lifecycle.Running}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for pub.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if pub.count() < 2 {
		t.Fatalf("published %d heartbeats, want at least 2", pub.count())
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.subs[0] != "svchost.worker.heartbeat" {
		t.Errorf("subject = %s", pub.subs[0])
	}
	var hb Heartbeat
	if err := json.Unmarshal(pub.msgs[0], &hb); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if hb.Service != "worker" {
		t.Errorf("payload = %+v", hb)
	}
}

func TestSchedulerPauseResume(t *testing.T) {
	pub := &fakePublisher{}
	s, err := New(testConfig(20*time.Millisecond), pub, fixedStatus{State: lifecycle.Running}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Shutdown()
	s.Start()

	if err := s.Pause(); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if err := s.Pause(); err != nil {
		t.Fatalf("second Pause() error = %v", err)
	}
	paused := pub.count()
	time.Sleep(100 * time.Millisecond)
	if got := pub.count(); got != paused {
		t.Errorf("published %d heartbeats while paused", got-paused)
	}

	s.Resume()
	deadline := time.Now().Add(2 * time.Second)
	for pub.count() == paused && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pub.count() == paused {
		t.Error("no heartbeat after Resume")
	}
}

func TestNewRejectsZeroInterval(t *testing.T) {
	if _, err := New(testConfig(0), &fakePublisher{}, fixedStatus{}, nil, nil); err == nil {
		t.Error("New() error = nil, want error")
	}
}

func TestProcessSampler(t *testing.T) {
	sampler, err := NewProcessSampler()
	if err != nil {
		t.Fatalf("NewProcessSampler() error = %v", err)
	}
	stats, err := sampler.Sample()
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if stats.MemoryMB <= 0 {
		t.Errorf("MemoryMB = %v, want > 0", stats.MemoryMB)
	}
	if stats.CPUPercent < 0 {
		t.Errorf("CPUPercent = %v, want >= 0", stats.CPUPercent)
	}
}
