package metrics

import "time"

// Metric names emitted by the session controller.
const (
	NameSessionStarted   = "session_started"
	NameSessionEnded     = "session_ended"
	NameOccurrences      = "occurrences"
	NameSegmentChars     = "segment_chars"
	NameRevisionChars    = "revision_chars"
	NameShrink           = "transcript_shrink"
	NameStopCommand      = "stop_command"
	NameProviderError    = "provider_error"
	NameRestartScheduled = "restart_scheduled"
	NameRestartFailed    = "restart_failed"
	NameEventIgnored     = "event_ignored"
)

// Tag keys shared by emitters and observers.
const (
	TagSessionID = "session_id"
	TagProvider  = "provider"
	TagCode      = "code"
	TagReason    = "reason"
	TagCause     = "cause"
	TagPhase     = "phase"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// NewEvent stamps an event with the current time.
func NewEvent(name string, value float64, tags map[string]string) MetricsEvent {
	return MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags}
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
