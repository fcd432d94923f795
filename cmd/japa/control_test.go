package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/harunnryd/japa/pkg/session"
)

type fakeControl struct {
	starts, stops int
	snap          session.Snapshot
}

func (f *fakeControl) Start() (string, error) {
	f.starts++
	if f.starts > 1 {
		return "", session.ErrSessionActive
	}
	return "abc", nil
}

func (f *fakeControl) Stop() error                { f.stops++; return nil }
func (f *fakeControl) Snapshot() session.Snapshot { return f.snap }
func (f *fakeControl) Available() bool            { return true }

func TestControlLoopCommands(t *testing.T) {
	ctrl := &fakeControl{}
	ctrl.snap.Phase = session.PhaseListening
	ctrl.snap.OccurrenceCount = 5
	var out bytes.Buffer

	lines := readLines(strings.NewReader("start\nstart\nstatus\nbogus\nstop\nquit\nstart\n"))
	err := controlLoop(context.Background(), lines, ctrl, &out)
	if !errors.Is(err, errQuit) {
		t.Fatalf("expected quit, got %v", err)
	}
	if ctrl.starts != 2 || ctrl.stops != 1 {
		t.Fatalf("unexpected calls start=%d stop=%d", ctrl.starts, ctrl.stops)
	}
	text := out.String()
	for _, want := range []string{"session abc", "already active", "[listening] count=5", "commands:"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output %q missing %q", text, want)
		}
	}
}

func TestControlLoopEOF(t *testing.T) {
	lines := readLines(strings.NewReader("status\n"))
	if err := controlLoop(context.Background(), lines, &fakeControl{}, &bytes.Buffer{}); err != nil {
		t.Fatalf("expected clean exit at EOF, got %v", err)
	}
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"-version"}, strings.NewReader(""), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(out.String()) == "" {
		t.Fatalf("expected version output")
	}
}
