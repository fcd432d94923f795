package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/harunnryd/japa/pkg/adapters/stt"
	"github.com/harunnryd/japa/pkg/errorsx"
	"github.com/harunnryd/japa/pkg/metrics"
	"github.com/harunnryd/japa/pkg/redact"
	"github.com/harunnryd/japa/pkg/render"
	"github.com/harunnryd/japa/pkg/transcript"
)

var (
	ErrSessionActive   = errors.New("a listening session is already active")
	ErrNoActiveSession = errors.New("no active listening session")
	ErrUnavailable     = errorsx.New(errorsx.ReasonUnavailable, "speech recognition is not available")
)

// Config wires a Controller.
type Config struct {
	Machine    Machine
	Recognizer stt.Recognizer
	Sink       render.Sink
	Observer   metrics.Observer
	Clock      Clock
	Logger     *slog.Logger
	// NewID generates session ids; defaults to random UUIDs.
	NewID func() string
}

// Controller serializes every event through one dispatch queue. Commands run
// outside the state lock on the goroutine that is draining the queue, so
// callbacks raised while a command runs are queued, never nested.
type Controller struct {
	machine    Machine
	recognizer stt.Recognizer
	sink       render.Sink
	observer   metrics.Observer
	clock      Clock
	log        *slog.Logger
	newID      func() string

	mu       sync.Mutex
	state    State
	queue    []queued
	draining bool
	timers   map[uint64]Timer
	cancels  map[int]context.CancelFunc
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewController(cfg Config) *Controller {
	if cfg.Sink == nil {
		cfg.Sink = render.SinkFunc(func(render.Update) {})
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	if cfg.Machine.StopWord == "" {
		name := ""
		if cfg.Recognizer != nil {
			name = cfg.Recognizer.Name()
		}
		cfg.Machine = NewMachine(cfg.Machine.Lexicon, "", cfg.Machine.Policy, name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		machine:    cfg.Machine,
		recognizer: cfg.Recognizer,
		sink:       cfg.Sink,
		observer:   cfg.Observer,
		clock:      cfg.Clock,
		log:        cfg.Logger,
		newID:      cfg.NewID,
		timers:     make(map[uint64]Timer),
		cancels:    make(map[int]context.CancelFunc),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Available reports whether the recognizer can be used at all.
func (c *Controller) Available() bool {
	return stt.IsAvailable(c.recognizer)
}

// Start begins a new session with a zero count. It is valid from Idle or
// Errored; a pending automatic restart is cancelled. When another goroutine is
// draining the queue, Start waits until its event has been applied. It must not
// be called from a Sink or an Observer.
func (c *Controller) Start() (string, error) {
	if !c.Available() {
		c.sink.Render(render.Update{
			Phase:  PhaseIdle.String(),
			Status: StatusUnavailable,
			Reason: string(errorsx.ReasonUnavailable),
		})
		return "", ErrUnavailable
	}
	c.mu.Lock()
	phase := c.state.Phase
	c.mu.Unlock()
	if phase == PhaseListening || phase == PhaseStopping {
		return "", ErrSessionActive
	}

	id := c.newID()
	done := make(chan struct{})
	c.submit(UserStart{SessionID: id}, done)
	<-done

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.SessionID != id {
		return "", ErrSessionActive
	}
	if c.state.StartErr != nil {
		return id, errorsx.Wrap(fmt.Errorf("start recognizer: %w", c.state.StartErr), errorsx.ReasonStartFailure)
	}
	return id, nil
}

// Stop asks the recognizer to finish, or cancels a pending restart.
func (c *Controller) Stop() error {
	c.mu.Lock()
	active := c.state.Phase == PhaseListening || c.state.PendingRestart != 0
	c.mu.Unlock()
	if !active {
		return ErrNoActiveSession
	}
	c.dispatch(UserStop{})
	return nil
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.snapshot()
}

// Drain stops any active session and releases timers; used on shutdown.
func (c *Controller) Drain() error {
	_ = c.Stop()
	c.mu.Lock()
	for token, t := range c.timers {
		t.Stop()
		delete(c.timers, token)
	}
	c.mu.Unlock()
	c.cancel()
	return nil
}

type queued struct {
	ev Event
	// done is closed once the queue the event joined has drained.
	done chan struct{}
}

func (c *Controller) dispatch(ev Event) {
	c.submit(ev, nil)
}

func (c *Controller) submit(ev Event, done chan struct{}) {
	c.mu.Lock()
	c.queue = append(c.queue, queued{ev: ev, done: done})
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	var waiters []chan struct{}
	for len(c.queue) > 0 {
		item := c.queue[0]
		c.queue = c.queue[1:]
		if item.done != nil {
			waiters = append(waiters, item.done)
		}
		next := item.ev
		prev := c.state
		var cmds []Command
		c.state, cmds = c.machine.Apply(c.state, next)
		cur := c.state
		c.mu.Unlock()

		if prev.Phase != cur.Phase {
			c.log.Info("session_phase",
				"session_id", cur.SessionID,
				"from", prev.Phase.String(),
				"to", cur.Phase.String(),
				"event", describe(next),
				"count", cur.OccurrenceCount,
			)
		}
		for _, cmd := range cmds {
			c.execute(cmd)
		}
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

func (c *Controller) execute(cmd Command) {
	switch cm := cmd.(type) {
	case Render:
		c.sink.Render(cm.Update)
	case Record:
		c.observer.RecordEvent(cm.Event)
	case StartProvider:
		c.startProvider(cm)
	case StopProvider:
		if err := c.recognizer.Stop(); err != nil {
			c.log.Warn("recognizer_stop_failed", "attempt", cm.Attempt, "error", err)
		}
	case ScheduleRestart:
		c.log.Info("restart_scheduled", "token", cm.Token, "cause", string(cm.Cause), "delay_ms", cm.Delay.Milliseconds())
		token := cm.Token
		t := c.clock.AfterFunc(cm.Delay, func() {
			c.mu.Lock()
			delete(c.timers, token)
			c.mu.Unlock()
			c.dispatch(RestartDue{Token: token})
		})
		c.mu.Lock()
		c.timers[token] = t
		c.mu.Unlock()
	case CancelRestart:
		c.mu.Lock()
		if t, ok := c.timers[cm.Token]; ok {
			t.Stop()
			delete(c.timers, cm.Token)
		}
		c.mu.Unlock()
		c.log.Info("restart_cancelled", "token", cm.Token)
	}
}

func (c *Controller) startProvider(cmd StartProvider) {
	c.mu.Lock()
	for attempt, cancel := range c.cancels {
		cancel()
		delete(c.cancels, attempt)
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancels[cmd.Attempt] = cancel
	c.mu.Unlock()

	c.log.Info("recognizer_start", "attempt", cmd.Attempt, "cause", string(cmd.Cause), "provider", c.recognizer.Name())
	if err := c.recognizer.Start(ctx, &attemptListener{c: c, attempt: cmd.Attempt}); err != nil {
		c.log.Warn("recognizer_start_failed", "attempt", cmd.Attempt, "error", err)
		c.dispatch(StartFailed{Attempt: cmd.Attempt, Err: err})
	}
}

// attemptListener tags callbacks with the attempt that produced them.
type attemptListener struct {
	c       *Controller
	attempt int
}

func (l *attemptListener) OnStart() {
	l.c.dispatch(ProviderStarted{Attempt: l.attempt})
}

func (l *attemptListener) OnResult(ev transcript.Event) {
	if l.c.log.Enabled(context.Background(), slog.LevelDebug) {
		l.c.log.Debug("recognizer_result", "attempt", l.attempt, "text", redact.Transcript(ev.FullText(), 80))
	}
	l.c.dispatch(ProviderResult{Attempt: l.attempt, Event: ev.Clone()})
}

func (l *attemptListener) OnError(code string) {
	l.c.log.Warn("recognizer_error", "attempt", l.attempt, "code", code)
	l.c.dispatch(ProviderError{Attempt: l.attempt, Code: code})
}

func (l *attemptListener) OnEnd() {
	l.c.dispatch(ProviderEnded{Attempt: l.attempt})
}

var _ stt.Listener = (*attemptListener)(nil)
