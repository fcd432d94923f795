package mock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/japa/pkg/adapters/stt"
	"github.com/harunnryd/japa/pkg/logging"
	"github.com/harunnryd/japa/pkg/transcript"
)

type STTConfig struct {
	Script Script
	// Speed scales step delays; 0 or 1 plays in real time, 2 twice as fast.
	Speed float64
	// Unavailable simulates a missing recognition capability.
	Unavailable bool
}

// Recognizer replays a Script through the stt.Listener callbacks.
type Recognizer struct {
	cfg    STTConfig
	logger *slog.Logger

	mu      sync.Mutex
	next    int
	current *run
}

func NewSTT(cfg STTConfig) *Recognizer {
	return &Recognizer{cfg: cfg, logger: logging.NewComponentLogger(slog.Default(), "mock_stt")}
}

func (r *Recognizer) Name() string { return "mock" }

func (r *Recognizer) Available() bool { return !r.cfg.Unavailable }

func (r *Recognizer) Start(ctx context.Context, listener stt.Listener) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	prev := r.current
	r.mu.Unlock()
	if prev != nil {
		// a run that errored without ending is finished before the next one plays.
		r.logger.Debug("mock_run_superseded")
		prev.finish()
	}

	r.mu.Lock()
	var attempt Attempt
	if r.next < len(r.cfg.Script.Attempts) {
		attempt = r.cfg.Script.Attempts[r.next]
	}
	r.next++
	if attempt.FailStart != "" {
		r.mu.Unlock()
		return errors.New(attempt.FailStart)
	}
	ctx, cancel := context.WithCancel(ctx)
	cur := &run{parent: r, cancel: cancel, listener: listener, slots: transcript.NewSlotBuffer()}
	r.current = cur
	r.mu.Unlock()

	listener.OnStart()
	go cur.play(ctx, attempt.Steps)
	return nil
}

func (r *Recognizer) Stop() error {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur != nil {
		cur.finish()
	}
	return nil
}

// Starts returns how many times Start was called.
func (r *Recognizer) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

func (r *Recognizer) delay(ms int) time.Duration {
	d := time.Duration(ms) * time.Millisecond
	if r.cfg.Speed > 0 && r.cfg.Speed != 1 {
		d = time.Duration(float64(d) / r.cfg.Speed)
	}
	return d
}

type run struct {
	parent   *Recognizer
	cancel   context.CancelFunc
	listener stt.Listener
	slots    *transcript.SlotBuffer
	endOnce  sync.Once
}

func (c *run) play(ctx context.Context, steps []Step) {
	for _, step := range steps {
		if d := c.parent.delay(step.DelayMS); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			return
		}
		switch {
		case step.End:
			c.finish()
			return
		case step.Error != "":
			c.parent.logger.Debug("mock_error", slog.String("code", step.Error))
			c.listener.OnError(step.Error)
		case len(step.Slots) > 0:
			ev := transcript.Event{Slots: step.Slots, ResultIndex: step.ResultIndex}
			c.listener.OnResult(ev.Clone())
		case step.Interim != "":
			if ev, ok := c.slots.Apply(step.Interim, false); ok {
				c.listener.OnResult(ev)
			}
		case step.Final != "":
			if ev, ok := c.slots.Apply(step.Final, true); ok {
				c.listener.OnResult(ev)
			}
		}
	}
}

func (c *run) finish() {
	c.endOnce.Do(func() {
		c.cancel()
		c.parent.mu.Lock()
		if c.parent.current == c {
			c.parent.current = nil
		}
		c.parent.mu.Unlock()
		c.listener.OnEnd()
	})
}

var (
	_ stt.Recognizer   = (*Recognizer)(nil)
	_ stt.Availability = (*Recognizer)(nil)
)
