package telemetry

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/stone-age-io/svchost/pkg/lifecycle"
	"go.uber.org/zap"
)

// Subjects derives the NATS subjects for one service.
type Subjects struct {
	Prefix  string
	Service string
}

func (s Subjects) base() string { return fmt.Sprintf("%s.%s", s.Prefix, s.Service) }

// Status is where status records are mirrored.
func (s Subjects) Status() string { return s.base() + ".status" }

// Heartbeat is where the periodic heartbeat is published.
func (s Subjects) Heartbeat() string { return s.base() + ".heartbeat" }

// Control receives remote control requests.
func (s Subjects) Control() string { return s.base() + ".cmd.control" }

// Metrics receives metrics requests.
func (s Subjects) Metrics() string { return s.base() + ".cmd.metrics" }

// Ping receives liveness requests.
func (s Subjects) Ping() string { return s.base() + ".cmd.ping" }

// StatusMessage is the payload mirrored for every status record.
type StatusMessage struct {
	Service   string           `json:"service"`
	State     string           `json:"state"`
	Status    lifecycle.Status `json:"status"`
	Timestamp string           `json:"timestamp"`
}

type publisherBox struct{ Publisher }

// StatusPublisher mirrors every submitted status to NATS. Until a Publisher
// is bound, statuses are dropped.
type StatusPublisher struct {
	logger   *zap.Logger
	subjects Subjects
	pub      atomic.Pointer[publisherBox]
	now      func() time.Time
}

// NewStatusPublisher creates an unbound StatusPublisher.
func NewStatusPublisher(subjects Subjects, logger *zap.Logger) *StatusPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusPublisher{
		logger:   logger,
		subjects: subjects,
		now:      time.Now,
	}
}

// Bind starts mirroring through p. A nil p stops mirroring.
func (s *StatusPublisher) Bind(p Publisher) {
	if p == nil {
		s.pub.Store(nil)
		return
	}
	s.pub.Store(&publisherBox{p})
}

// ObserveStatus implements lifecycle.StatusObserver.
func (s *StatusPublisher) ObserveStatus(st lifecycle.Status) {
	box := s.pub.Load()
	if box == nil {
		return
	}

	data, err := json.Marshal(StatusMessage{
		Service:   s.subjects.Service,
		State:     st.State.String(),
		Status:    st,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.logger.Error("Failed to marshal status", zap.Error(err))
		return
	}

	if err := box.PublishTelemetry(s.subjects.Status(), data); err != nil {
		s.logger.Warn("Failed to publish status",
			zap.Stringer("state", st.State),
			zap.Error(err))
	}
}
