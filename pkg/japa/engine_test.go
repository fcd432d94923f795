package japa

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/japa/pkg/errorsx"
	"github.com/harunnryd/japa/pkg/metrics"
	"github.com/harunnryd/japa/pkg/providers/mock"
	"github.com/harunnryd/japa/pkg/render"
	"github.com/harunnryd/japa/pkg/runner"
	"github.com/harunnryd/japa/pkg/session"
)

const countingScript = `
attempts:
  - steps:
      - interim: "shri"
      - final: "shri shree"
      - final: "shri stop"
`

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	cfg.Vendors.STT = VendorConfig{Provider: "mock"}
	cfg.Transports.Console = false
	return cfg
}

func runEngine(t *testing.T, e *Engine) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	waitFor(t, func() bool { return e.State() == runner.StateRunning })
	return done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestEngineCountsUntilStopCommand(t *testing.T) {
	script, err := mock.ParseScript([]byte(countingScript))
	if err != nil {
		t.Fatalf("script: %v", err)
	}
	cfg := testConfig(t)
	cfg.Observability.ArtifactsDir = t.TempDir()
	mem := metrics.NewMemoryObserver()
	rec := &render.Recorder{}

	e, err := NewEngine(Options{
		Config:     cfg,
		Recognizer: mock.NewSTT(mock.STTConfig{Script: script}),
		Sinks:      []render.Sink{rec},
		Observers:  []metrics.Observer{mem},
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	done := runEngine(t, e)

	id, err := e.Controller().Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool {
		s := e.Controller().Snapshot()
		return s.Phase == session.PhaseIdle && s.Status == session.StatusStopCommand
	})
	if got := e.Controller().Snapshot().OccurrenceCount; got != 3 {
		t.Fatalf("expected 3 occurrences, got %d", got)
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	ended := mem.Named(metrics.NameSessionEnded)
	if len(ended) != 1 || ended[0].Value != 3 {
		t.Fatalf("expected one session_ended with value 3, got %+v", ended)
	}
	if mem.Sum(metrics.NameOccurrences) != 3 {
		t.Fatalf("expected occurrences metric 3, got %v", mem.Sum(metrics.NameOccurrences))
	}
	for _, name := range []string{id + ".jsonl", id + ".summary.json"} {
		if _, err := os.Stat(filepath.Join(cfg.Observability.ArtifactsDir, name)); err != nil {
			t.Fatalf("expected artifact %s: %v", name, err)
		}
	}
	last, ok := rec.Last()
	if !ok || last.Count != 3 {
		t.Fatalf("expected final render with count 3, got %+v", last)
	}
}

const restartingScript = `
attempts:
  - steps:
      - interim: "shri"
      - error: network
  - steps:
      - final: "shree"
      - end: true
  - steps:
      - final: "shri"
`

func TestEngineRestartsMockRecognizerAfterErrorAndEnd(t *testing.T) {
	script, err := mock.ParseScript([]byte(restartingScript))
	if err != nil {
		t.Fatalf("script: %v", err)
	}
	cfg := testConfig(t)
	cfg.Restart.ErrorDelayMS = 20
	cfg.Restart.EndDelayMS = 10
	mem := metrics.NewMemoryObserver()
	recognizer := mock.NewSTT(mock.STTConfig{Script: script})

	e, err := NewEngine(Options{Config: cfg, Recognizer: recognizer, Observers: []metrics.Observer{mem}})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	done := runEngine(t, e)

	if _, err := e.Controller().Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool {
		s := e.Controller().Snapshot()
		return s.Phase == session.PhaseListening && s.OccurrenceCount == 3
	})
	if recognizer.Starts() != 3 {
		t.Fatalf("expected three recognizer starts, got %d", recognizer.Starts())
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := len(mem.Named(metrics.NameRestartScheduled)); n != 2 {
		t.Fatalf("expected two restarts, got %d", n)
	}
	if n := len(mem.Named(metrics.NameRestartFailed)); n != 0 {
		t.Fatalf("restarts must not fail, got %d", n)
	}
	ended := mem.Named(metrics.NameSessionEnded)
	if len(ended) != 1 || ended[0].Value != 3 {
		t.Fatalf("expected the carried count on session_ended, got %+v", ended)
	}
}

func TestEngineAutoStartAndShutdownEndsSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoStart = true
	mem := metrics.NewMemoryObserver()
	e, err := NewEngine(Options{
		Config:     cfg,
		Recognizer: mock.NewSTT(mock.STTConfig{}),
		Observers:  []metrics.Observer{mem},
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	done := runEngine(t, e)
	waitFor(t, func() bool { return e.Controller().Snapshot().Phase == session.PhaseListening })

	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	<-done
	if e.Controller().Snapshot().Phase != session.PhaseIdle {
		t.Fatalf("expected idle after shutdown, got %s", e.Controller().Snapshot().Phase)
	}
	ended := mem.Named(metrics.NameSessionEnded)
	if len(ended) != 1 || ended[0].Tags[metrics.TagReason] != session.EndUserStop {
		t.Fatalf("expected session ended by user stop, got %+v", ended)
	}
}

func TestEngineUnavailableRecognizer(t *testing.T) {
	cfg := testConfig(t)
	e, err := NewEngine(Options{Config: cfg, Recognizer: mock.NewSTT(mock.STTConfig{Unavailable: true})})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if e.Controller().Available() {
		t.Fatalf("expected unavailable controller")
	}
	if _, err := e.Controller().Start(); !errorsx.HasReason(err, errorsx.ReasonUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestEngineBuildsFromRegistry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Vendors.STT = VendorConfig{Provider: "unknown"}
	if _, err := NewEngine(Options{Config: cfg}); !errorsx.HasReason(err, errorsx.ReasonConfig) {
		t.Fatalf("expected registry error, got %v", err)
	}
}

func TestEngineWiresWebTransportAndMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.Observability.Metrics = true
	cfg.Transports.Web.Enabled = true
	cfg.Transports.Web.ServerAddr = "127.0.0.1:0"
	e, err := NewEngine(Options{Config: cfg, Recognizer: mock.NewSTT(mock.STTConfig{})})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if e.MetricsHandler() == nil {
		t.Fatalf("expected metrics handler")
	}
	if len(e.Transports()) != 1 || e.Transports()[0].Name() != "web" {
		t.Fatalf("expected web transport, got %d", len(e.Transports()))
	}
	done := runEngine(t, e)
	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	<-done
}
