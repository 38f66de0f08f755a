// Package telemetry fans structured events out of the focused-crawl
// pipeline to a structured logger and, through Fanout, to any number of
// further sinks. Every new-domain component takes a Sink at
// construction instead of reaching for a global logger, generalizing the
// teacher's metadata.MetadataSink pattern to the query-driven pipeline.
package telemetry

import (
	"log/slog"
)

// Event is one stage-level or diagnostic occurrence emitted by a pipeline
// component. Stage is the dotted component.stage name ("crawl.fetch",
// "index.commit", ...); Fields are structured attributes logged alongside
// it.
type Event struct {
	Stage   string
	Message string
	Fields  map[string]any
}

// Sink receives telemetry events. Implementations must not block the
// caller for long: the pipeline invokes Sink methods from inside
// latency-sensitive loops and must never hold a component lock while doing
// so.
type Sink interface {
	Emit(Event)
	Error(component, operation string, err error, fields map[string]any)
}

// SlogSink logs every event through a *slog.Logger as structured fields.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink wraps logger as a Sink.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(evt Event) {
	args := make([]any, 0, 2+2*len(evt.Fields))
	args = append(args, slog.String("stage", evt.Stage))
	for k, v := range evt.Fields {
		args = append(args, slog.Any(k, v))
	}
	s.logger.Info(evt.Message, args...)
}

func (s *SlogSink) Error(component, operation string, err error, fields map[string]any) {
	args := make([]any, 0, 4+2*len(fields))
	args = append(args, slog.String("component", component), slog.String("operation", operation), slog.String("error", err.Error()))
	for k, v := range fields {
		args = append(args, slog.Any(k, v))
	}
	s.logger.Error("operation failed", args...)
}

// Fanout broadcasts every event to all of its sinks. A nil entry is
// skipped, which lets callers wire an optional SSE sink without a branch
// at every call site.
type Fanout struct {
	sinks []Sink
}

// NewFanout returns a Sink that broadcasts to every non-nil sink in sinks.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Emit(evt Event) {
	for _, s := range f.sinks {
		if s != nil {
			s.Emit(evt)
		}
	}
}

func (f *Fanout) Error(component, operation string, err error, fields map[string]any) {
	for _, s := range f.sinks {
		if s != nil {
			s.Error(component, operation, err, fields)
		}
	}
}

// Noop discards every event. Useful as a default in tests and small CLI
// invocations that don't need a logger wired through every constructor.
type Noop struct{}

func (Noop) Emit(Event)                                             {}
func (Noop) Error(component, operation string, err error, _ map[string]any) {}
