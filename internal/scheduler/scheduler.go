// Package scheduler runs the periodic heartbeat.
package scheduler

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/stone-age-io/svchost/pkg/lifecycle"
	"go.uber.org/zap"
)

// Publisher sends fire-and-forget telemetry.
type Publisher interface {
	PublishTelemetry(subject string, data []byte) error
}

// StatusSource reports the current service status.
type StatusSource interface {
	Status() lifecycle.Status
}

// ProcessStats is a resource sample of the host process.
type ProcessStats struct {
	MemoryMB   float64
	CPUPercent float64
}

// Sampler samples the host process.
type Sampler interface {
	Sample() (ProcessStats, error)
}

// Heartbeat is the payload published every interval.
type Heartbeat struct {
	Service       string  `json:"service"`
	Version       string  `json:"version"`
	State         string  `json:"state"`
	CheckPoint    uint32  `json:"checkpoint"`
	MemoryMB      float64 `json:"memory_mb"`
	CPUPercent    float64 `json:"cpu_percent"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Timestamp     string  `json:"timestamp"`
}

// Config describes the heartbeat job.
type Config struct {
	Service  string
	Version  string
	Subject  string
	Interval time.Duration
}

// Scheduler publishes heartbeats on a gocron schedule.
type Scheduler struct {
	logger  *zap.Logger
	cfg     Config
	pub     Publisher
	status  StatusSource
	sampler Sampler
	sched   gocron.Scheduler
	started time.Time

	mu     sync.Mutex
	paused bool
}

// New creates a scheduler with the heartbeat job registered. Nothing runs
// until Start.
func New(cfg Config, pub Publisher, status StatusSource, sampler Sampler, logger *zap.Logger) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	s := &Scheduler{
		logger:  logger,
		cfg:     cfg,
		pub:     pub,
		status:  status,
		sampler: sampler,
		sched:   sched,
		started: time.Now(),
	}

	_, err = sched.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(s.beat),
		gocron.WithName("heartbeat"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("failed to schedule heartbeat: %w", err)
	}

	logger.Info("Scheduled heartbeat",
		zap.Duration("interval", cfg.Interval),
		zap.String("subject", cfg.Subject))
	return s, nil
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.sched.Start()
}

// Pause stops the heartbeat until Resume.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return nil
	}
	if err := s.sched.StopJobs(); err != nil {
		return fmt.Errorf("failed to pause heartbeat: %w", err)
	}
	s.paused = true
	s.logger.Info("Heartbeat paused")
	return nil
}

// Resume restarts a paused heartbeat.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.sched.Start()
	s.paused = false
	s.logger.Info("Heartbeat resumed")
}

// Shutdown stops the scheduler and waits for a running beat to finish.
func (s *Scheduler) Shutdown() error {
	if err := s.sched.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down scheduler: %w", err)
	}
	return nil
}

// Heartbeat builds the current heartbeat payload.
func (s *Scheduler) Heartbeat() Heartbeat {
	st := s.status.Status()
	hb := Heartbeat{
		Service:       s.cfg.Service,
		Version:       s.cfg.Version,
		State:         st.State.String(),
		CheckPoint:    st.CheckPoint,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	if s.sampler != nil {
		stats, err := s.sampler.Sample()
		if err != nil {
			s.logger.Debug("Process sample failed", zap.Error(err))
		} else {
			hb.MemoryMB = round(stats.MemoryMB)
			hb.CPUPercent = round(stats.CPUPercent)
		}
	}
	return hb
}

func (s *Scheduler) beat() {
	data, err := json.Marshal(s.Heartbeat())
	if err != nil {
		s.logger.Error("Failed to marshal heartbeat", zap.Error(err))
		return
	}
	if err := s.pub.PublishTelemetry(s.cfg.Subject, data); err != nil {
		s.logger.Warn("Failed to publish heartbeat", zap.Error(err))
	}
}

// round keeps two decimal places.
func round(v float64) float64 {
	return math.Round(v*100) / 100
}

type processSampler struct {
	proc *process.Process
}

// NewProcessSampler samples the current process with gopsutil.
func NewProcessSampler() (Sampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open current process: %w", err)
	}
	return &processSampler{proc: p}, nil
}

func (p *processSampler) Sample() (ProcessStats, error) {
	mem, err := p.proc.MemoryInfo()
	if err != nil {
		return ProcessStats{}, fmt.Errorf("memory info: %w", err)
	}
	cpu, err := p.proc.CPUPercent()
	if err != nil {
		return ProcessStats{}, fmt.Errorf("cpu percent: %w", err)
	}
	return ProcessStats{
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		CPUPercent: cpu,
	}, nil
}
