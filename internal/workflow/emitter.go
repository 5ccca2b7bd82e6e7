package workflow

import (
	"time"

	"github.com/ChainPay-Network/dashboard_core/pkg/logger"
)

// Event types emitted by the orchestrator.
const (
	EventRunStarted     = "run.started"
	EventRunSucceeded   = "run.succeeded"
	EventRunFailed      = "run.failed"
	EventStepSucceeded  = "step.succeeded"
	EventStepFailed     = "step.failed"
	EventInvoiceExpired = "invoice.expired"
	EventInvoiceVoided  = "invoice.voided"
	EventInvoicePaid    = "invoice.paid"
)

// Event is a fire-and-forget notification about workflow progress. Emission
// never blocks or fails the workflow; consumers that fall behind lose
// events.
type Event struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Workflow  string    `json:"workflow,omitempty"`
	Step      string    `json:"step,omitempty"`
	EntityID  string    `json:"entity_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Emitter receives workflow events. Implementations must not block.
type Emitter interface {
	Emit(ev Event)
}

// NopEmitter discards events.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

// ChannelEmitter buffers events on a channel for UI consumption. When the
// buffer is full the event is dropped, matching the fire-and-forget
// contract.
type ChannelEmitter struct {
	ch  chan Event
	log *logger.Logger
}

// NewChannelEmitter creates an emitter with the given buffer size.
func NewChannelEmitter(size int, log *logger.Logger) *ChannelEmitter {
	if size <= 0 {
		size = 64
	}
	if log == nil {
		log = logger.NewDefault("workflow")
	}
	return &ChannelEmitter{ch: make(chan Event, size), log: log}
}

// Emit enqueues the event, dropping it when the buffer is full.
func (e *ChannelEmitter) Emit(ev Event) {
	select {
	case e.ch <- ev:
	default:
		e.log.WithField("type", ev.Type).Warn("event buffer full, dropping workflow event")
	}
}

// Events exposes the buffered stream.
func (e *ChannelEmitter) Events() <-chan Event { return e.ch }
