// Package notify carries engine events to an external chat/alert transport.
// The transport itself lives outside this repo; the engine only produces
// structured events into a Sink.
package notify

import "go.uber.org/zap"

// EventKind enumerates everything the engine reports outward.
type EventKind string

const (
	GridBuilt          EventKind = "GRID_BUILT"
	OrderSubmitted     EventKind = "ORDER_SUBMITTED"
	OrderFilled        EventKind = "ORDER_FILLED"
	MirrorCreated      EventKind = "MIRROR_CREATED"
	Recalibrated       EventKind = "RECALIBRATED"
	RiskTriggered      EventKind = "RISK_TRIGGERED"
	OrderRejectedAlert EventKind = "ORDER_REJECTED"
	PersistenceFailure EventKind = "PERSISTENCE_FAILURE"
)

// Event is one outward notification with a small structured payload.
type Event struct {
	Kind    EventKind
	Symbol  string
	Message string
	Fields  map[string]interface{}
}

// Sink receives events. Implementations must not block the caller for long;
// the engine calls Notify from its event loop.
type Sink interface {
	Notify(event Event)
}

// LogSink writes events to the structured log. It doubles as the default
// sink when no chat transport is wired in.
type LogSink struct {
	logger *zap.SugaredLogger
}

// NewLogSink returns a Sink backed by the given logger.
func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger}
}

// Notify logs the event with its payload as structured fields.
func (s *LogSink) Notify(event Event) {
	args := []interface{}{"kind", string(event.Kind), "symbol", event.Symbol}
	for k, v := range event.Fields {
		args = append(args, k, v)
	}
	s.logger.Infow(event.Message, args...)
}

// multiSink fans one event out to several sinks.
type multiSink struct {
	sinks []Sink
}

// Multi combines sinks; events are delivered to each in order.
func Multi(sinks ...Sink) Sink {
	return &multiSink{sinks: sinks}
}

func (m *multiSink) Notify(event Event) {
	for _, s := range m.sinks {
		s.Notify(event)
	}
}
