package session

import (
	"strconv"
	"time"

	"github.com/harunnryd/japa/pkg/counter"
	"github.com/harunnryd/japa/pkg/errorsx"
	"github.com/harunnryd/japa/pkg/metrics"
	"github.com/harunnryd/japa/pkg/render"
	"github.com/harunnryd/japa/pkg/transcript"
)

const (
	DefaultErrorRestartDelay = 1000 * time.Millisecond
	DefaultEndRestartDelay   = 100 * time.Millisecond
	DefaultStopWord          = "stop"
)

// Session end reasons carried on the session_ended metric.
const (
	EndStopCommand = "stop_command"
	EndUserStop    = "user_stop"
	EndSuperseded  = "superseded"
)

// Policy holds the restart delays.
type Policy struct {
	ErrorRestartDelay time.Duration
	EndRestartDelay   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{ErrorRestartDelay: DefaultErrorRestartDelay, EndRestartDelay: DefaultEndRestartDelay}
}

// Machine is the pure transition function. It holds configuration only.
type Machine struct {
	Lexicon  counter.Lexicon
	StopWord string
	Policy   Policy
	Provider string
}

func NewMachine(lex counter.Lexicon, stopWord string, policy Policy, provider string) Machine {
	if stopWord == "" {
		stopWord = DefaultStopWord
	}
	if policy.ErrorRestartDelay <= 0 {
		policy.ErrorRestartDelay = DefaultErrorRestartDelay
	}
	if policy.EndRestartDelay <= 0 {
		policy.EndRestartDelay = DefaultEndRestartDelay
	}
	return Machine{Lexicon: lex, StopWord: stopWord, Policy: policy, Provider: provider}
}

// Apply returns the next state and the commands to execute, in order.
func (m Machine) Apply(s State, ev Event) (State, []Command) {
	t := &transition{m: m, s: s}
	switch e := ev.(type) {
	case UserStart:
		t.userStart(e)
	case UserStop:
		t.userStop()
	case ProviderStarted:
		if t.current(e.Attempt, ev) {
			t.providerStarted()
		}
	case ProviderResult:
		if t.current(e.Attempt, ev) {
			t.providerResult(e.Event)
		}
	case ProviderError:
		if t.current(e.Attempt, ev) {
			t.providerError(e.Code)
		}
	case ProviderEnded:
		if t.current(e.Attempt, ev) {
			t.providerEnded()
		}
	case StartFailed:
		if t.current(e.Attempt, ev) {
			t.startFailed(e.Err)
		}
	case RestartDue:
		t.restartDue(e.Token)
	}
	return t.s, t.cmds
}

type transition struct {
	m    Machine
	s    State
	cmds []Command
}

func (t *transition) emit(c Command) {
	t.cmds = append(t.cmds, c)
}

func (t *transition) render(status, reason string) {
	t.s.Status = status
	t.emit(Render{Update: render.Update{
		SessionID:   t.s.SessionID,
		Phase:       t.s.Phase.String(),
		Status:      status,
		DisplayText: t.s.DisplayText,
		Count:       t.s.OccurrenceCount,
		Reason:      reason,
	}})
}

func (t *transition) record(name string, value float64, extra ...string) {
	tags := map[string]string{
		metrics.TagSessionID: t.s.SessionID,
		metrics.TagPhase:     t.s.Phase.String(),
	}
	if t.m.Provider != "" {
		tags[metrics.TagProvider] = t.m.Provider
	}
	for i := 0; i+1 < len(extra); i += 2 {
		tags[extra[i]] = extra[i+1]
	}
	t.emit(Record{Event: metrics.NewEvent(name, value, tags)})
}

func (t *transition) ignore(ev Event) {
	t.record(metrics.NameEventIgnored, 1, metrics.TagReason, describe(ev))
}

// current reports whether a provider callback belongs to the live attempt.
func (t *transition) current(attempt int, ev Event) bool {
	if attempt != t.s.Attempt || t.s.SessionID == "" {
		t.ignore(ev)
		return false
	}
	return true
}

func (t *transition) endSession(reason string) {
	if t.s.Ended || t.s.SessionID == "" {
		return
	}
	t.s.Ended = true
	t.record(metrics.NameSessionEnded, float64(t.s.OccurrenceCount), metrics.TagReason, reason)
}

func (t *transition) cancelPending() {
	if t.s.PendingRestart == 0 {
		return
	}
	t.emit(CancelRestart{Token: t.s.PendingRestart})
	t.s.PendingRestart = 0
	t.s.PendingCause = ""
}

func (t *transition) userStart(e UserStart) {
	switch t.s.Phase {
	case PhaseListening, PhaseStopping:
		t.ignore(e)
		return
	}
	t.cancelPending()
	t.endSession(EndSuperseded)

	t.s = State{
		SessionState: SessionState{Phase: PhaseListening},
		SessionID:    e.SessionID,
		Attempt:      t.s.Attempt + 1,
		AttemptCause: CauseUser,
		LastToken:    t.s.LastToken,
	}
	t.render("", "")
	t.record(metrics.NameSessionStarted, 1)
	t.emit(StartProvider{Attempt: t.s.Attempt, Cause: CauseUser})
}

func (t *transition) userStop() {
	if t.s.PendingRestart != 0 {
		t.cancelPending()
		t.s.Phase = PhaseIdle
		t.s.StopLatch = StopUser
		t.render(StatusEnded, EndUserStop)
		t.endSession(EndUserStop)
		return
	}
	if t.s.Phase != PhaseListening {
		t.ignore(UserStop{})
		return
	}
	t.s.Phase = PhaseStopping
	t.s.StopLatch = StopUser
	t.emit(StopProvider{Attempt: t.s.Attempt})
	t.render(StatusStopping, EndUserStop)
}

func (t *transition) providerStarted() {
	if t.s.Phase != PhaseListening {
		return
	}
	t.render(StatusListening, "")
}

func (t *transition) providerResult(ev transcript.Event) {
	if t.s.Phase != PhaseListening {
		t.ignore(ProviderResult{Attempt: t.s.Attempt})
		return
	}
	prevLen := t.s.ProcessedLength
	prevDisplay := t.s.DisplayText
	res := transcript.Reconcile(ev, prevLen)

	n := counter.Count(res.NewSegment, t.m.Lexicon)
	t.s.OccurrenceCount += n
	t.s.ProcessedLength = res.ProcessedLength
	t.s.DisplayText = res.FullText

	if res.NewSegment != "" {
		t.record(metrics.NameSegmentChars, float64(len([]rune(res.NewSegment))))
	}
	if n > 0 {
		t.record(metrics.NameOccurrences, float64(n))
	}
	if rev := transcript.Revision(prevDisplay, res.FullText); rev > 0 {
		t.record(metrics.NameRevisionChars, float64(rev))
	}
	if res.Shrunk(prevLen) {
		t.record(metrics.NameShrink, 1)
	}

	if counter.ContainsCommand(res.FinalizedText, t.m.StopWord) {
		t.s.Phase = PhaseStopping
		t.s.StopLatch = StopCommand
		t.emit(StopProvider{Attempt: t.s.Attempt})
		t.record(metrics.NameStopCommand, 1)
		t.render(StatusStopCommand, EndStopCommand)
		return
	}
	t.render(statusTranscript(t.s.DisplayText), "")
}

func (t *transition) providerError(code string) {
	switch t.s.Phase {
	case PhaseListening:
	case PhaseStopping:
		// the stop is latched; the end callback finishes the session.
		t.s.LastError = code
		t.record(metrics.NameProviderError, 1, metrics.TagCode, code)
		return
	default:
		t.ignore(ProviderError{Attempt: t.s.Attempt, Code: code})
		return
	}

	reason := errorsx.ClassifyProviderError(code)
	t.s.Phase = PhaseErrored
	t.s.LastError = code
	t.record(metrics.NameProviderError, 1, metrics.TagCode, code, metrics.TagReason, string(reason))
	// An errored attempt is finished; its end callback lands in Errored and is a no-op.
	t.emit(StopProvider{Attempt: t.s.Attempt})

	if errorsx.Retryable(reason) {
		t.schedule(CauseError, t.m.Policy.ErrorRestartDelay)
		t.render(statusErrorRestarting(code), string(reason))
		return
	}
	if reason == errorsx.ReasonPermissionDenied {
		t.render(StatusPermission, string(reason))
	} else {
		t.render(statusEndedDueTo(code), string(reason))
	}
	t.endSession(string(reason))
}

func (t *transition) providerEnded() {
	switch t.s.Phase {
	case PhaseListening:
		t.schedule(CauseEnd, t.m.Policy.EndRestartDelay)
		t.render(StatusEndedRestarting, string(errorsx.ReasonUnexpectedTermination))
	case PhaseStopping:
		t.s.Phase = PhaseIdle
		reason := EndUserStop
		status := StatusEnded
		if t.s.StopLatch == StopCommand {
			reason = EndStopCommand
			status = StatusStopCommand
		}
		t.render(status, reason)
		t.endSession(reason)
	default:
		// Errored keeps its message; a pending restart still fires.
	}
}

func (t *transition) schedule(cause StartCause, delay time.Duration) {
	t.s.LastToken++
	t.s.PendingRestart = t.s.LastToken
	t.s.PendingCause = cause
	t.emit(ScheduleRestart{Token: t.s.PendingRestart, Delay: delay, Cause: cause})
	t.record(metrics.NameRestartScheduled, 1,
		metrics.TagCause, string(cause),
		"delay_ms", strconv.FormatInt(delay.Milliseconds(), 10),
	)
}

func (t *transition) restartDue(token uint64) {
	if token == 0 || token != t.s.PendingRestart {
		t.ignore(RestartDue{Token: token})
		return
	}
	cause := t.s.PendingCause
	t.s.PendingRestart = 0
	t.s.PendingCause = ""

	t.s.Phase = PhaseListening
	t.s.ProcessedLength = 0
	t.s.DisplayText = ""
	t.s.StopLatch = StopNone
	t.s.StartErr = nil
	t.s.Attempt++
	t.s.AttemptCause = cause

	t.emit(StartProvider{Attempt: t.s.Attempt, Cause: cause})
	if cause == CauseError {
		t.render(StatusErrorRestarted, "")
		return
	}
	t.render(StatusEndedRestarting, "")
}

func (t *transition) startFailed(err error) {
	t.s.Phase = PhaseErrored
	t.s.StartErr = err
	switch t.s.AttemptCause {
	case CauseError:
		t.record(metrics.NameRestartFailed, 1, metrics.TagCause, string(CauseError))
		t.render(statusErrorRestartFailed(t.s.LastError), string(errorsx.ReasonStartFailure))
	case CauseEnd:
		t.record(metrics.NameRestartFailed, 1, metrics.TagCause, string(CauseEnd))
		t.render(StatusEndRestartFail, string(errorsx.ReasonStartFailure))
	default:
		t.render(statusStartFailed(err), string(errorsx.ReasonStartFailure))
	}
	t.endSession(string(errorsx.ReasonStartFailure))
}
