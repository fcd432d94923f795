package session

import (
	"errors"
	"strings"
	"testing"

	"github.com/harunnryd/japa/pkg/errorsx"
	"github.com/harunnryd/japa/pkg/metrics"
	"github.com/harunnryd/japa/pkg/transcript"
)

func TestScenarioInterimThenPromotedFinal(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	l := h.rec.listener(t)

	l.OnResult(event(interim("shri temple")))
	snap := h.ctrl.Snapshot()
	if snap.OccurrenceCount != 1 || snap.ProcessedLength != 11 {
		t.Fatalf("after interim: count=%d processed=%d", snap.OccurrenceCount, snap.ProcessedLength)
	}
	if got := h.status(t); got != `Listening... "shri temple"` {
		t.Fatalf("unexpected status %q", got)
	}

	l.OnResult(event(final("shri temple")))
	snap = h.ctrl.Snapshot()
	if snap.OccurrenceCount != 1 || snap.ProcessedLength != 11 {
		t.Fatalf("after promotion: count=%d processed=%d", snap.OccurrenceCount, snap.ProcessedLength)
	}
}

func TestNoDoubleCountAcrossExtensions(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	l := h.rec.listener(t)

	l.OnResult(event(interim("shri shree")))
	l.OnResult(event(interim("shri shree shri")))
	l.OnResult(event(final("shri shree shri"), interim(" Shree,")))

	if got := h.ctrl.Snapshot().OccurrenceCount; got != 4 {
		t.Fatalf("expected 4, got %d", got)
	}
}

func TestShrinkNeitherUncountsNorRewindsCursor(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	l := h.rec.listener(t)

	l.OnResult(event(interim("shri shree shri")))
	before := h.ctrl.Snapshot()
	l.OnResult(event(interim("shri")))
	after := h.ctrl.Snapshot()
	if after.OccurrenceCount != before.OccurrenceCount || after.ProcessedLength != before.ProcessedLength {
		t.Fatalf("shrink changed state: before=%+v after=%+v", before.SessionState, after.SessionState)
	}
	if len(h.obs.Named(metrics.NameShrink)) != 1 {
		t.Fatalf("expected one shrink metric")
	}
}

func TestStopCommandLatchesAndStopsOnce(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	l := h.rec.listener(t)

	l.OnResult(event(interim("shri stop")))
	if _, stops := h.rec.counts(); stops != 0 {
		t.Fatalf("interim stop must not stop the recognizer")
	}

	l.OnResult(event(final("shri let's stop now")))
	snap := h.ctrl.Snapshot()
	if snap.Phase != PhaseStopping {
		t.Fatalf("expected stopping, got %s", snap.Phase)
	}
	if got := h.status(t); got != StatusStopCommand {
		t.Fatalf("unexpected status %q", got)
	}

	l.OnResult(event(final("shri let's stop now"), final(" shri shri stop")))
	if got := h.ctrl.Snapshot().OccurrenceCount; got != 1 {
		t.Fatalf("events after stop must not count, got %d", got)
	}

	l.OnEnd()
	snap = h.ctrl.Snapshot()
	if snap.Phase != PhaseIdle {
		t.Fatalf("expected idle after end, got %s", snap.Phase)
	}
	if _, stops := h.rec.counts(); stops != 1 {
		t.Fatalf("expected exactly one stop call, got %d", stops)
	}
	if len(h.clock.pending()) != 0 {
		t.Fatalf("no restart may follow a stop command")
	}
	if got := h.status(t); got != StatusStopCommand {
		t.Fatalf("end must keep the stop message, got %q", got)
	}
}

func TestStopCommandCountsSegmentFirst(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.rec.listener(t).OnResult(event(final("shri shree stop")))
	if got := h.ctrl.Snapshot().OccurrenceCount; got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestTransientErrorRestartsOnceAfterDelay(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	first := h.rec.listener(t)
	first.OnResult(event(final("shri shri")))

	first.OnError("network")
	snap := h.ctrl.Snapshot()
	if snap.Phase != PhaseErrored || !snap.RestartPending {
		t.Fatalf("expected errored with restart pending, got %+v", snap)
	}
	if got := h.status(t); got != "Error: network. Attempting to restart..." {
		t.Fatalf("unexpected status %q", got)
	}
	if _, stops := h.rec.counts(); stops != 1 {
		t.Fatalf("the errored attempt must be stopped, got %d stops", stops)
	}
	first.OnEnd()
	if h.ctrl.Snapshot().Phase != PhaseErrored {
		t.Fatalf("end after error must keep errored")
	}

	timers := h.clock.pending()
	if len(timers) != 1 || timers[0].delay != DefaultErrorRestartDelay {
		t.Fatalf("expected one 1000ms restart, got %d", len(timers))
	}
	h.clock.fire(timers[0])

	snap = h.ctrl.Snapshot()
	if snap.Phase != PhaseListening || snap.ProcessedLength != 0 || snap.DisplayText != "" {
		t.Fatalf("restart must reset the cursor, got %+v", snap.SessionState)
	}
	if snap.OccurrenceCount != 2 {
		t.Fatalf("restart keeps the count, got %d", snap.OccurrenceCount)
	}
	if got := h.status(t); got != StatusErrorRestarted {
		t.Fatalf("unexpected status %q", got)
	}
	if starts, _ := h.rec.counts(); starts != 2 {
		t.Fatalf("expected 2 starts, got %d", starts)
	}

	second := h.rec.listener(t)
	second.OnStart()
	second.OnResult(event(interim("shri")))
	if got := h.ctrl.Snapshot().OccurrenceCount; got != 3 {
		t.Fatalf("expected counting to resume from fresh cursor, got %d", got)
	}
}

func TestPermissionDeniedDoesNotRestart(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	l := h.rec.listener(t)
	l.OnError("not-allowed")
	l.OnEnd()

	if len(h.clock.pending()) != 0 {
		t.Fatalf("permission denial must not schedule a restart")
	}
	if got := h.status(t); got != StatusPermission {
		t.Fatalf("unexpected status %q", got)
	}
	if h.ctrl.Snapshot().Phase != PhaseErrored {
		t.Fatalf("expected errored")
	}
	if _, err := h.ctrl.Start(); err != nil {
		t.Fatalf("explicit start must be allowed: %v", err)
	}
}

func TestAbortedDoesNotRestart(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.rec.listener(t).OnError("aborted")
	if len(h.clock.pending()) != 0 {
		t.Fatalf("aborted must not schedule a restart")
	}
	if got := h.status(t); got != `Listening ended due to: aborted. Click "Start Listening" again.` {
		t.Fatalf("unexpected status %q", got)
	}
}

func TestUnexpectedEndRestartsAfterShortDelay(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.rec.listener(t).OnEnd()

	if got := h.status(t); got != StatusEndedRestarting {
		t.Fatalf("unexpected status %q", got)
	}
	timers := h.clock.pending()
	if len(timers) != 1 || timers[0].delay != DefaultEndRestartDelay {
		t.Fatalf("expected one 100ms restart")
	}
	h.clock.fire(timers[0])
	if starts, _ := h.rec.counts(); starts != 2 {
		t.Fatalf("expected restart to start the recognizer")
	}
	if h.ctrl.Snapshot().Phase != PhaseListening {
		t.Fatalf("expected listening after restart")
	}
}

func TestRestartFailureSurfacesWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.rec.listener(t).OnError("network")
	h.rec.failNextStart(errors.New("device busy"))
	h.clock.fire(h.clock.pending()[0])

	snap := h.ctrl.Snapshot()
	if snap.Phase != PhaseErrored || snap.RestartPending {
		t.Fatalf("expected errored without pending restart, got %+v", snap)
	}
	if got := h.status(t); got != `Error: network. Could not restart. Click "Start Listening" again.` {
		t.Fatalf("unexpected status %q", got)
	}
	if len(h.clock.pending()) != 0 {
		t.Fatalf("restart failure must not be retried")
	}
	if len(h.obs.Named(metrics.NameRestartFailed)) != 1 {
		t.Fatalf("expected restart_failed metric")
	}
}

func TestEndRestartFailureMessage(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.rec.listener(t).OnEnd()
	h.rec.failNextStart(errors.New("gone"))
	h.clock.fire(h.clock.pending()[0])
	if got := h.status(t); got != StatusEndRestartFail {
		t.Fatalf("unexpected status %q", got)
	}
}

func TestUserStopCancelsPendingRestart(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.rec.listener(t).OnError("network")
	timer := h.clock.pending()[0]

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !timer.stopped {
		t.Fatalf("expected the restart timer to be stopped")
	}
	if h.ctrl.Snapshot().Phase != PhaseIdle {
		t.Fatalf("expected idle")
	}

	// a timer that was already running still fires; its token is stale.
	h.clock.fire(timer)
	if starts, _ := h.rec.counts(); starts != 1 {
		t.Fatalf("stale restart must not start the recognizer, starts=%d", starts)
	}
	if h.ctrl.Snapshot().Phase != PhaseIdle {
		t.Fatalf("stale restart must not leave idle")
	}
}

func TestUserStopWhileListening(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.ctrl.Snapshot().Phase != PhaseStopping {
		t.Fatalf("expected stopping")
	}
	h.rec.listener(t).OnEnd()
	if h.ctrl.Snapshot().Phase != PhaseIdle || h.status(t) != StatusEnded {
		t.Fatalf("expected idle with ended status, got %s %q", h.ctrl.Snapshot().Phase, h.status(t))
	}
	if len(h.clock.pending()) != 0 {
		t.Fatalf("user stop must not restart")
	}
	if err := h.ctrl.Stop(); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestStaleAttemptCallbacksIgnored(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	old := h.rec.listener(t)
	old.OnEnd()
	h.clock.fire(h.clock.pending()[0])
	h.rec.listener(t).OnStart()

	old.OnResult(event(final("shri shri shri stop")))
	old.OnError("network")
	old.OnEnd()

	snap := h.ctrl.Snapshot()
	if snap.Phase != PhaseListening || snap.OccurrenceCount != 0 {
		t.Fatalf("stale callbacks changed state: %+v", snap)
	}
	if len(h.obs.Named(metrics.NameEventIgnored)) < 3 {
		t.Fatalf("expected ignored events to be recorded")
	}
}

func TestStartWhileActiveIsRejected(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	if _, err := h.ctrl.Start(); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func TestStartResetsCountAndCancelsPendingRestart(t *testing.T) {
	h := newHarness(t)
	first := h.start(t)
	h.rec.listener(t).OnResult(event(final("shri")))
	h.rec.listener(t).OnError("network")
	timer := h.clock.pending()[0]

	second, err := h.ctrl.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if second == first {
		t.Fatalf("expected a new session id")
	}
	if !timer.stopped {
		t.Fatalf("user start must cancel the pending restart")
	}
	if got := h.ctrl.Snapshot().OccurrenceCount; got != 0 {
		t.Fatalf("user start resets the count, got %d", got)
	}
	ended := h.obs.Named(metrics.NameSessionEnded)
	if len(ended) != 1 || ended[0].Tags[metrics.TagSessionID] != first || ended[0].Tags[metrics.TagReason] != EndSuperseded {
		t.Fatalf("expected first session to end as superseded, got %+v", ended)
	}
}

func TestUserStartFailureReturnsError(t *testing.T) {
	h := newHarness(t)
	h.rec.failNextStart(errors.New("no microphone"))
	_, err := h.ctrl.Start()
	if !errorsx.HasReason(err, errorsx.ReasonStartFailure) {
		t.Fatalf("expected start failure, got %v", err)
	}
	if h.ctrl.Snapshot().Phase != PhaseErrored {
		t.Fatalf("expected errored")
	}
	if !strings.Contains(h.status(t), "no microphone") {
		t.Fatalf("status should carry the cause, got %q", h.status(t))
	}
	if len(h.clock.pending()) != 0 {
		t.Fatalf("start failure must not be retried")
	}
	if _, err := h.ctrl.Start(); err != nil {
		t.Fatalf("user may start again: %v", err)
	}
}

func TestUnavailableRecognizerRefusesStart(t *testing.T) {
	h := newHarness(t)
	h.rec.unavailable = true
	if h.ctrl.Available() {
		t.Fatalf("expected unavailable")
	}
	if _, err := h.ctrl.Start(); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := h.status(t); got != StatusUnavailable {
		t.Fatalf("unexpected status %q", got)
	}
	if starts, _ := h.rec.counts(); starts != 0 {
		t.Fatalf("recognizer must not be started")
	}
}

func TestReentrantCallbackDuringStartIsQueued(t *testing.T) {
	h := newHarness(t)
	h.rec.startSync = true
	if _, err := h.ctrl.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := h.status(t); got != StatusListening {
		t.Fatalf("expected listening status, got %q", got)
	}
}

func TestSessionEndedCarriesCountOnce(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)
	l := h.rec.listener(t)
	l.OnResult(event(final("shri shree stop")))
	l.OnEnd()
	l.OnEnd()

	ended := h.obs.Named(metrics.NameSessionEnded)
	if len(ended) != 1 {
		t.Fatalf("expected one session_ended, got %d", len(ended))
	}
	if ended[0].Value != 2 || ended[0].Tags[metrics.TagSessionID] != id || ended[0].Tags[metrics.TagReason] != EndStopCommand {
		t.Fatalf("unexpected session_ended %+v", ended[0])
	}
}

func TestRenderCarriesCountAfterEveryResult(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	l := h.rec.listener(t)
	inputs := []transcript.Event{
		event(interim("shri")),
		event(interim("shri shree")),
		event(final("shri shree"), interim(" om")),
	}
	want := []uint64{1, 2, 2}
	for i, ev := range inputs {
		l.OnResult(ev)
		u, _ := h.sink.Last()
		if u.Count != want[i] {
			t.Fatalf("render %d: expected count %d, got %d", i, want[i], u.Count)
		}
	}
}

func TestDrainStopsActiveSession(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	if err := h.ctrl.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if _, stops := h.rec.counts(); stops != 1 {
		t.Fatalf("expected recognizer stop on drain")
	}
}
