package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stone-age-io/svchost/pkg/lifecycle"
	"go.uber.org/zap"
)

// ControlTarget accepts control codes. *lifecycle.Dispatcher implements it.
type ControlTarget interface {
	Dispatch(lifecycle.Control) bool
}

// StatusSource reports the current status. *lifecycle.Reporter implements
// it.
type StatusSource interface {
	Status() lifecycle.Status
}

// MetricsSource renders metrics as Prometheus text.
type MetricsSource interface {
	WriteText(w io.Writer) error
}

// Bridge serves remote control and metrics requests over core NATS
// request/reply. Remote controls go through the same dispatcher as the
// service manager's and are subject to the same capability gating.
type Bridge struct {
	logger   *zap.Logger
	subjects Subjects
	target   ControlTarget
	status   StatusSource
	metrics  MetricsSource
	subs     []*nats.Subscription
	now      func() time.Time
}

// NewBridge creates a bridge. metrics may be nil, in which case metrics
// requests are answered with an error.
func NewBridge(subjects Subjects, target ControlTarget, status StatusSource, metrics MetricsSource, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		logger:   logger,
		subjects: subjects,
		target:   target,
		status:   status,
		metrics:  metrics,
		now:      time.Now,
	}
}

type requestHandler func(data []byte) interface{}

type controlRequest struct {
	Control string `json:"control"`
}

type controlResponse struct {
	Status    string           `json:"status"`
	Control   string           `json:"control"`
	Verdict   string           `json:"verdict"`
	Current   lifecycle.Status `json:"current"`
	State     string           `json:"state"`
	Timestamp string           `json:"timestamp"`
}

type metricsResponse struct {
	Status    string `json:"status"`
	Format    string `json:"format"`
	Metrics   string `json:"metrics"`
	Timestamp string `json:"timestamp"`
}

type pingResponse struct {
	Status    string `json:"status"`
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

type errorResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// Subscribe registers the bridge's handlers.
func (b *Bridge) Subscribe(s Subscriber) error {
	handlers := []struct {
		name    string
		subject string
		handler requestHandler
	}{
		{"control", b.subjects.Control(), b.handleControl},
		{"metrics", b.subjects.Metrics(), b.handleMetrics},
		{"ping", b.subjects.Ping(), b.handlePing},
	}

	for _, h := range handlers {
		sub, err := s.Subscribe(h.subject, b.handleWithRecovery(h.name, h.handler))
		if err != nil {
			return err
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

// Unsubscribe removes the bridge's subscriptions.
func (b *Bridge) Unsubscribe() {
	for _, sub := range b.subs {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("Unsubscribe failed",
				zap.String("subject", sub.Subject),
				zap.Error(err))
		}
	}
	b.subs = nil
}

// handleWithRecovery adapts a request handler to NATS and keeps a panic
// in one handler from taking down the process.
func (b *Bridge) handleWithRecovery(name string, handler requestHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		reply := b.serve(name, msg.Subject, handler, msg.Data)
		if err := msg.Respond(reply); err != nil {
			b.logger.Warn("Failed to send reply",
				zap.String("handler", name),
				zap.String("subject", msg.Subject),
				zap.Error(err))
		}
	}
}

// serve runs handler and returns the encoded reply.
func (b *Bridge) serve(name, subject string, handler requestHandler, data []byte) (reply []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic recovered in request handler",
				zap.String("handler", name),
				zap.String("subject", subject),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			reply = b.encode(b.errorReply(fmt.Sprintf("internal error: handler panicked: %v", r)))
		}
	}()
	return b.encode(handler(data))
}

func (b *Bridge) encode(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("Failed to marshal reply", zap.Error(err))
		data, _ = json.Marshal(b.errorReply("failed to encode reply"))
	}
	return data
}

func (b *Bridge) timestamp() string {
	return b.now().UTC().Format(time.RFC3339)
}

func (b *Bridge) errorReply(msg string) errorResponse {
	return errorResponse{Status: "error", Error: msg, Timestamp: b.timestamp()}
}

// handleControl forwards a named control code to the dispatcher.
func (b *Bridge) handleControl(data []byte) interface{} {
	var req controlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return b.errorReply("invalid request format")
	}

	c := lifecycle.ParseControl(req.Control)
	if c == lifecycle.ControlUnknown {
		return b.errorReply(fmt.Sprintf("unknown control: %q", req.Control))
	}

	b.logger.Info("Received remote control", zap.Stringer("control", c))
	verdict := "ignored"
	if b.target.Dispatch(c) {
		verdict = "accepted"
	}

	st := b.status.Status()
	return controlResponse{
		Status:    "success",
		Control:   c.String(),
		Verdict:   verdict,
		Current:   st,
		State:     st.State.String(),
		Timestamp: b.timestamp(),
	}
}

func (b *Bridge) handleMetrics(_ []byte) interface{} {
	if b.metrics == nil {
		return b.errorReply("metrics not enabled")
	}
	var buf bytes.Buffer
	if err := b.metrics.WriteText(&buf); err != nil {
		b.logger.Error("Failed to render metrics", zap.Error(err))
		return b.errorReply(err.Error())
	}
	return metricsResponse{
		Status:    "success",
		Format:    "prometheus-text",
		Metrics:   buf.String(),
		Timestamp: b.timestamp(),
	}
}

func (b *Bridge) handlePing(_ []byte) interface{} {
	return pingResponse{
		Status:    "pong",
		State:     b.status.Status().State.String(),
		Timestamp: b.timestamp(),
	}
}
