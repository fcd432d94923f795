package session

import (
	"testing"

	"github.com/harunnryd/japa/pkg/counter"
)

func testMachine() Machine {
	return NewMachine(counter.NewLexicon(counter.DefaultWords...), "", DefaultPolicy(), "test")
}

func commandsOf[T Command](cmds []Command) []T {
	var out []T
	for _, c := range cmds {
		if v, ok := c.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func started(t *testing.T, m Machine) State {
	t.Helper()
	s, cmds := m.Apply(State{}, UserStart{SessionID: "s"})
	if len(commandsOf[StartProvider](cmds)) != 1 {
		t.Fatalf("user start must start the provider once")
	}
	return s
}

func TestMachineFirstInterimEvent(t *testing.T) {
	m := testMachine()
	s := started(t, m)
	s, _ = m.Apply(s, ProviderResult{Attempt: s.Attempt, Event: event(interim("shri temple"))})
	if s.OccurrenceCount != 1 || s.ProcessedLength != 11 || s.DisplayText != "shri temple" {
		t.Fatalf("unexpected state %+v", s.SessionState)
	}
}

func TestMachineProcessedLengthNeverDecreases(t *testing.T) {
	m := testMachine()
	s := started(t, m)
	texts := []string{"shri", "shri shree", "shr", "shri shree shri", "", "shri shree shri om"}
	last := 0
	for _, text := range texts {
		s, _ = m.Apply(s, ProviderResult{Attempt: s.Attempt, Event: event(interim(text))})
		if s.ProcessedLength < last {
			t.Fatalf("cursor went back from %d to %d on %q", last, s.ProcessedLength, text)
		}
		last = s.ProcessedLength
	}
	if s.OccurrenceCount != 3 {
		t.Fatalf("expected 3, got %d", s.OccurrenceCount)
	}
}

func TestMachineStopCommandEmitsSingleStop(t *testing.T) {
	m := testMachine()
	s := started(t, m)
	var stops int
	for _, ev := range []ProviderResult{
		{Attempt: s.Attempt, Event: event(final("stop"))},
		{Attempt: s.Attempt, Event: event(final("stop"), final(" STOP"))},
	} {
		var cmds []Command
		s, cmds = m.Apply(s, ev)
		stops += len(commandsOf[StopProvider](cmds))
	}
	if stops != 1 {
		t.Fatalf("expected one stop command, got %d", stops)
	}
	s, cmds := m.Apply(s, ProviderEnded{Attempt: s.Attempt})
	if s.Phase != PhaseIdle || len(commandsOf[ScheduleRestart](cmds)) != 0 {
		t.Fatalf("latched stop must end cleanly, got %s", s.Phase)
	}
}

func TestMachineStopWordIsConfigurable(t *testing.T) {
	m := NewMachine(counter.NewLexicon("shri"), "enough", DefaultPolicy(), "")
	s := started(t, m)
	s, _ = m.Apply(s, ProviderResult{Attempt: s.Attempt, Event: event(final("stop shri"))})
	if s.Phase != PhaseListening {
		t.Fatalf("only the configured word stops, got %s", s.Phase)
	}
	s, _ = m.Apply(s, ProviderResult{Attempt: s.Attempt, Event: event(final("stop shri"), final(" Enough!"))})
	if s.Phase != PhaseStopping {
		t.Fatalf("expected stopping, got %s", s.Phase)
	}
}

func TestMachineStopCheckUsesChangedSliceOnly(t *testing.T) {
	m := testMachine()
	s := started(t, m)
	ev := event(final("please stop"), interim(" shri"))
	ev.ResultIndex = 1
	s, _ = m.Apply(s, ProviderResult{Attempt: s.Attempt, Event: ev})
	if s.Phase != PhaseListening {
		t.Fatalf("unchanged final slots must not trigger a stop")
	}
}

func TestMachineRestartTokenMustMatch(t *testing.T) {
	m := testMachine()
	s := started(t, m)
	s, cmds := m.Apply(s, ProviderError{Attempt: s.Attempt, Code: "network"})
	sched := commandsOf[ScheduleRestart](cmds)
	if len(sched) != 1 || sched[0].Delay != DefaultErrorRestartDelay || sched[0].Cause != CauseError {
		t.Fatalf("unexpected schedule %+v", sched)
	}

	s2, cmds := m.Apply(s, RestartDue{Token: sched[0].Token + 1})
	if len(commandsOf[StartProvider](cmds)) != 0 || s2.Phase != PhaseErrored {
		t.Fatalf("mismatched token must be a no-op")
	}

	s3, cmds := m.Apply(s, RestartDue{Token: sched[0].Token})
	if len(commandsOf[StartProvider](cmds)) != 1 || s3.Phase != PhaseListening || s3.Attempt != s.Attempt+1 {
		t.Fatalf("matching token must restart, got %+v", s3)
	}
	if _, cmds := m.Apply(s3, RestartDue{Token: sched[0].Token}); len(commandsOf[StartProvider](cmds)) != 0 {
		t.Fatalf("a token fires at most once")
	}
}

func TestMachineSecondErrorDoesNotScheduleAgain(t *testing.T) {
	m := testMachine()
	s := started(t, m)
	s, _ = m.Apply(s, ProviderError{Attempt: s.Attempt, Code: "network"})
	_, cmds := m.Apply(s, ProviderError{Attempt: s.Attempt, Code: "no-speech"})
	if len(commandsOf[ScheduleRestart](cmds)) != 0 {
		t.Fatalf("only one restart per failure")
	}
}

func TestMachineErrorStopsTheAttempt(t *testing.T) {
	cases := []struct {
		code     string
		schedule bool
	}{
		{code: "network", schedule: true},
		{code: "no-speech", schedule: true},
		{code: "not-allowed", schedule: false},
		{code: "aborted", schedule: false},
	}
	m := testMachine()
	for _, tc := range cases {
		s := started(t, m)
		s, cmds := m.Apply(s, ProviderError{Attempt: s.Attempt, Code: tc.code})
		stops := commandsOf[StopProvider](cmds)
		if len(stops) != 1 || stops[0].Attempt != s.Attempt {
			t.Fatalf("%s: expected a stop for attempt %d, got %+v", tc.code, s.Attempt, stops)
		}
		if got := len(commandsOf[ScheduleRestart](cmds)) == 1; got != tc.schedule {
			t.Fatalf("%s: schedule=%v want %v", tc.code, got, tc.schedule)
		}
		if s.Phase != PhaseErrored {
			t.Fatalf("%s: expected errored, got %s", tc.code, s.Phase)
		}
	}
}

func TestMachineEndWhileErroredKeepsMessage(t *testing.T) {
	m := testMachine()
	s := started(t, m)
	s, _ = m.Apply(s, ProviderError{Attempt: s.Attempt, Code: "not-allowed"})
	if s.Status != StatusPermission || s.PendingRestart != 0 {
		t.Fatalf("unexpected errored state %+v", s)
	}

	s2, cmds := m.Apply(s, ProviderEnded{Attempt: s.Attempt})
	if s2.Phase != PhaseErrored || s2.Status != StatusPermission {
		t.Fatalf("end must keep the errored message, got %s %q", s2.Phase, s2.Status)
	}
	if len(commandsOf[StartProvider](cmds))+len(commandsOf[ScheduleRestart](cmds))+len(commandsOf[Render](cmds)) != 0 {
		t.Fatalf("end while errored must be silent, got %+v", cmds)
	}

	s = started(t, m)
	s, _ = m.Apply(s, ProviderError{Attempt: s.Attempt, Code: "network"})
	token := s.PendingRestart
	s, _ = m.Apply(s, ProviderEnded{Attempt: s.Attempt})
	if s.PendingRestart != token || s.Phase != PhaseErrored {
		t.Fatalf("end must not disturb the pending restart, got %+v", s)
	}
}

func TestMachineEventsOutsideSessionIgnored(t *testing.T) {
	m := testMachine()
	for _, ev := range []Event{
		UserStop{},
		ProviderStarted{Attempt: 0},
		ProviderResult{Attempt: 0, Event: event(final("shri"))},
		ProviderError{Attempt: 0, Code: "network"},
		ProviderEnded{Attempt: 0},
		RestartDue{Token: 1},
	} {
		s, cmds := m.Apply(State{}, ev)
		if s.Phase != PhaseIdle || s.OccurrenceCount != 0 {
			t.Fatalf("%T changed idle state: %+v", ev, s)
		}
		if len(commandsOf[StartProvider](cmds))+len(commandsOf[ScheduleRestart](cmds))+len(commandsOf[Render](cmds)) != 0 {
			t.Fatalf("%T emitted side effects from idle", ev)
		}
	}
}

func TestMachineUserStartIgnoredWhileListening(t *testing.T) {
	m := testMachine()
	s := started(t, m)
	s2, cmds := m.Apply(s, UserStart{SessionID: "other"})
	if s2.SessionID != "s" || len(commandsOf[StartProvider](cmds)) != 0 {
		t.Fatalf("start while listening must be ignored")
	}
}

func TestPhaseString(t *testing.T) {
	cases := map[Phase]string{
		PhaseIdle:      "idle",
		PhaseListening: "listening",
		PhaseStopping:  "stopping",
		PhaseErrored:   "errored",
		Phase(42):      "unknown",
	}
	for p, want := range cases {
		if p.String() != want {
			t.Fatalf("%d: expected %q, got %q", p, want, p.String())
		}
	}
}
