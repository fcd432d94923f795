// Package session owns the listening session: a pure transition function
// over (State, Event) and a Controller that executes the resulting commands
// on a single serialized queue.
package session

import (
	"fmt"
	"time"

	"github.com/harunnryd/japa/pkg/metrics"
	"github.com/harunnryd/japa/pkg/render"
	"github.com/harunnryd/japa/pkg/transcript"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseListening
	PhaseStopping
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseStopping:
		return "stopping"
	case PhaseErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// SessionState is the counting state of one listening session.
type SessionState struct {
	Phase           Phase
	ProcessedLength int
	DisplayText     string
	OccurrenceCount uint64
}

// StartCause records why a recognizer attempt was launched.
type StartCause string

const (
	CauseUser  StartCause = "user"
	CauseError StartCause = "error"
	CauseEnd   StartCause = "end"
)

// StopCause records who asked the recognizer to stop.
type StopCause string

const (
	StopNone    StopCause = ""
	StopUser    StopCause = "user"
	StopCommand StopCause = "command"
)

// State is everything the machine needs between events.
type State struct {
	SessionState

	SessionID string
	// Attempt increments on every recognizer start; callbacks carrying an
	// older attempt are ignored.
	Attempt      int
	AttemptCause StartCause
	StopLatch    StopCause

	// PendingRestart is the token of the scheduled restart, 0 when none.
	PendingRestart uint64
	PendingCause   StartCause
	LastToken      uint64

	LastError string
	StartErr  error
	Status    string
	Ended     bool
}

// Snapshot is the read-only view handed out by the controller.
type Snapshot struct {
	SessionState
	SessionID      string
	Attempt        int
	Status         string
	RestartPending bool
	LastError      string
}

func (s State) snapshot() Snapshot {
	return Snapshot{
		SessionState:   s.SessionState,
		SessionID:      s.SessionID,
		Attempt:        s.Attempt,
		Status:         s.Status,
		RestartPending: s.PendingRestart != 0,
		LastError:      s.LastError,
	}
}

// Event is an input to the machine.
type Event interface {
	event()
}

type UserStart struct{ SessionID string }
type UserStop struct{}
type ProviderStarted struct{ Attempt int }
type ProviderResult struct {
	Attempt int
	Event   transcript.Event
}
type ProviderError struct {
	Attempt int
	Code    string
}
type ProviderEnded struct{ Attempt int }
type StartFailed struct {
	Attempt int
	Err     error
}
type RestartDue struct{ Token uint64 }

func (UserStart) event()       {}
func (UserStop) event()        {}
func (ProviderStarted) event() {}
func (ProviderResult) event()  {}
func (ProviderError) event()   {}
func (ProviderEnded) event()   {}
func (StartFailed) event()     {}
func (RestartDue) event()      {}

// Command is a side effect requested by the machine.
type Command interface {
	command()
}

type Render struct{ Update render.Update }
type StartProvider struct {
	Attempt int
	Cause   StartCause
}
type StopProvider struct{ Attempt int }
type ScheduleRestart struct {
	Token uint64
	Delay time.Duration
	Cause StartCause
}
type CancelRestart struct{ Token uint64 }
type Record struct{ Event metrics.MetricsEvent }

func (Render) command()          {}
func (StartProvider) command()   {}
func (StopProvider) command()    {}
func (ScheduleRestart) command() {}
func (CancelRestart) command()   {}
func (Record) command()          {}

func describe(ev Event) string {
	switch e := ev.(type) {
	case UserStart:
		return "user_start"
	case UserStop:
		return "user_stop"
	case ProviderStarted:
		return "provider_started"
	case ProviderResult:
		return "provider_result"
	case ProviderError:
		return "provider_error:" + e.Code
	case ProviderEnded:
		return "provider_ended"
	case StartFailed:
		return "start_failed"
	case RestartDue:
		return fmt.Sprintf("restart_due:%d", e.Token)
	}
	return "unknown"
}
