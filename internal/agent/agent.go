// Package agent is the application svchost runs as a service. It connects
// telemetry on start, serves remote requests and publishes a heartbeat
// until stopped.
package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/stone-age-io/svchost/internal/config"
	"github.com/stone-age-io/svchost/internal/scheduler"
	"github.com/stone-age-io/svchost/internal/telemetry"
	"github.com/stone-age-io/svchost/pkg/lifecycle"
	"go.uber.org/zap"
)

// Conn is the NATS connection the agent needs.
type Conn interface {
	telemetry.Publisher
	telemetry.Subscriber
	Drain(timeout time.Duration) error
}

// ConnectFunc opens a Conn.
type ConnectFunc func(cfg *config.NATSConfig, name string, logger *zap.Logger) (Conn, error)

func connectNATS(cfg *config.NATSConfig, name string, logger *zap.Logger) (Conn, error) {
	return telemetry.NewClient(cfg, name, logger)
}

// Identity derives the service identity from configuration.
func Identity(cfg *config.ServiceConfig) lifecycle.Identity {
	return lifecycle.Identity{
		Name: cfg.Name,
		Capabilities: lifecycle.Capabilities{
			CanStop:          cfg.CanStop,
			CanShutdown:      cfg.CanShutdown,
			CanPauseContinue: cfg.CanPauseContinue,
		},
	}
}

// Agent implements lifecycle.Service.
type Agent struct {
	config   *config.Config
	logger   *zap.Logger
	version  string
	subjects telemetry.Subjects
	connect  ConnectFunc

	status  *telemetry.StatusPublisher
	metrics telemetry.MetricsSource

	mu        sync.Mutex
	target    telemetry.ControlTarget
	source    telemetry.StatusSource
	conn      Conn
	bridge    *telemetry.Bridge
	scheduler *scheduler.Scheduler
	sampler   scheduler.Sampler
}

// New creates an agent. metrics may be nil.
func New(cfg *config.Config, version string, metrics telemetry.MetricsSource, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	subjects := telemetry.Subjects{Prefix: cfg.NATS.SubjectPrefix, Service: cfg.Service.Name}
	return &Agent{
		config:   cfg,
		logger:   logger,
		version:  version,
		subjects: subjects,
		connect:  connectNATS,
		status:   telemetry.NewStatusPublisher(subjects, logger.Named("status-mirror")),
		metrics:  metrics,
	}
}

// StatusObserver mirrors status records to NATS once connected. Register
// it with the host.
func (a *Agent) StatusObserver() lifecycle.StatusObserver { return a.status }

// Attach gives the agent the host's dispatcher and status for remote
// requests. Call before the host runs.
func (a *Agent) Attach(target telemetry.ControlTarget, source telemetry.StatusSource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.target = target
	a.source = source
}

// OnStart connects telemetry and starts the heartbeat.
func (a *Agent) OnStart(args []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Info("Starting agent",
		zap.String("version", a.version),
		zap.Strings("args", args))

	if !a.config.NATS.Enabled {
		a.logger.Info("NATS disabled, running without telemetry")
		return nil
	}
	if a.target == nil || a.source == nil {
		return fmt.Errorf("agent not attached to a host")
	}

	conn, err := a.connect(&a.config.NATS, a.config.Service.Name, a.logger.Named("nats"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	a.conn = conn
	a.status.Bind(conn)

	a.bridge = telemetry.NewBridge(a.subjects, a.target, a.source, a.metrics, a.logger.Named("bridge"))
	if err := a.bridge.Subscribe(conn); err != nil {
		a.bridge = nil
		a.closeConn()
		return fmt.Errorf("failed to subscribe to commands: %w", err)
	}

	if a.config.Heartbeat.Enabled {
		if a.sampler == nil {
			sampler, err := scheduler.NewProcessSampler()
			if err != nil {
				a.logger.Warn("Process stats unavailable", zap.Error(err))
			} else {
				a.sampler = sampler
			}
		}
		sched, err := scheduler.New(scheduler.Config{
			Service:  a.config.Service.Name,
			Version:  a.version,
			Subject:  a.subjects.Heartbeat(),
			Interval: a.config.Heartbeat.Interval,
		}, conn, a.source, a.sampler, a.logger.Named("scheduler"))
		if err != nil {
			a.bridge = nil
			a.closeConn()
			return err
		}
		sched.Start()
		a.scheduler = sched
	}

	a.logger.Info("Agent running")
	return nil
}

// OnStop stops the heartbeat and remote requests. The connection stays
// open so the final status is mirrored; Close drains it.
func (a *Agent) OnStop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger.Info("Stopping agent")
	return a.quiesce()
}

// OnShutdown is OnStop for system shutdown.
func (a *Agent) OnShutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger.Info("System shutdown, stopping agent")
	return a.quiesce()
}

// OnPause suspends the heartbeat. Remote requests keep being served so the
// service can be continued remotely.
func (a *Agent) OnPause() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scheduler == nil {
		return nil
	}
	return a.scheduler.Pause()
}

// OnContinue resumes the heartbeat.
func (a *Agent) OnContinue() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scheduler != nil {
		a.scheduler.Resume()
	}
	return nil
}

// Close drains the NATS connection. Call after the host has returned.
func (a *Agent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeConn()
}

func (a *Agent) quiesce() error {
	var firstErr error
	if a.scheduler != nil {
		if err := a.scheduler.Shutdown(); err != nil {
			a.logger.Error("Error shutting down scheduler", zap.Error(err))
			firstErr = err
		}
		a.scheduler = nil
	}
	if a.bridge != nil {
		a.bridge.Unsubscribe()
		a.bridge = nil
	}
	return firstErr
}

func (a *Agent) closeConn() {
	if a.conn == nil {
		return
	}
	a.status.Bind(nil)
	if err := a.conn.Drain(a.config.NATS.DrainTimeout); err != nil {
		a.logger.Error("Error draining NATS", zap.Error(err))
	}
	a.conn = nil
}
