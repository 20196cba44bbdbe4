// Package metrics counts lifecycle activity and renders it in the
// Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stone-age-io/svchost/pkg/lifecycle"
)

// Metric names
const (
	TransitionsTotal      = "svchost_transitions_total"
	StatusReportsTotal    = "svchost_status_reports_total"
	RejectedControlsTotal = "svchost_rejected_controls_total"
	CurrentState          = "svchost_current_state"
)

// outcomeRejected labels transitions that were refused for the state the
// service was in.
const outcomeRejected = "rejected"

// Recorder observes a host's reporter, machine and dispatcher. Its
// collectors live on a private registry so several recorders can coexist
// in one process.
type Recorder struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	reports     *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	current     prometheus.Gauge
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: TransitionsTotal,
			Help: "Lifecycle transitions by outcome.",
		}, []string{"transition", "outcome"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: StatusReportsTotal,
			Help: "Status records submitted to the service manager.",
		}, []string{"state"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: RejectedControlsTotal,
			Help: "Control codes that were not queued.",
		}, []string{"control"}),
		current: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: CurrentState,
			Help: "Last reported service state (Win32 SERVICE_* value, 0 before the first report).",
		}),
	}
	r.registry.MustRegister(r.transitions, r.reports, r.rejected, r.current)
	return r
}

// ObserveStatus implements lifecycle.StatusObserver.
func (r *Recorder) ObserveStatus(st lifecycle.Status) {
	r.reports.WithLabelValues(st.State.String()).Inc()
	r.current.Set(float64(st.State))
}

// ObserveTransition implements lifecycle.TransitionObserver.
func (r *Recorder) ObserveTransition(ev lifecycle.TransitionEvent) {
	outcome := ev.Outcome.Kind.String()
	if ev.Rejected {
		outcome = outcomeRejected
	}
	r.transitions.WithLabelValues(ev.Transition.String(), outcome).Inc()
}

// ObserveControl implements lifecycle.ControlObserver. Interrogate is never
// queued and is not counted.
func (r *Recorder) ObserveControl(c lifecycle.Control, queued bool) {
	if queued || c == lifecycle.ControlInterrogate {
		return
	}
	r.rejected.WithLabelValues(c.String()).Inc()
}

// Families gathers all metric families that have samples, sorted by name.
func (r *Recorder) Families() ([]*dto.MetricFamily, error) {
	return r.registry.Gather()
}

// WriteText writes all families in the Prometheus text format.
func (r *Recorder) WriteText(w io.Writer) error {
	families, err := r.Families()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
