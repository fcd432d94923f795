package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/japa/pkg/adapters/stt"
	"github.com/harunnryd/japa/pkg/counter"
	"github.com/harunnryd/japa/pkg/metrics"
	"github.com/harunnryd/japa/pkg/render"
	"github.com/harunnryd/japa/pkg/transcript"
)

type fakeRecognizer struct {
	mu         sync.Mutex
	listeners  []stt.Listener
	stops      int
	startErrs  []error
	startCalls int
	// startSync makes Start call OnStart before returning.
	startSync   bool
	unavailable bool
}

func (f *fakeRecognizer) Name() string { return "fake" }

func (f *fakeRecognizer) Available() bool { return !f.unavailable }

func (f *fakeRecognizer) Start(_ context.Context, l stt.Listener) error {
	f.mu.Lock()
	f.startCalls++
	var err error
	if len(f.startErrs) > 0 {
		err = f.startErrs[0]
		f.startErrs = f.startErrs[1:]
	}
	if err == nil {
		f.listeners = append(f.listeners, l)
	}
	notify := f.startSync
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if notify {
		l.OnStart()
	}
	return nil
}

func (f *fakeRecognizer) Stop() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return nil
}

func (f *fakeRecognizer) failNextStart(err error) {
	f.mu.Lock()
	f.startErrs = append(f.startErrs, err)
	f.mu.Unlock()
}

func (f *fakeRecognizer) listener(t *testing.T) stt.Listener {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.listeners) == 0 {
		t.Fatalf("recognizer was never started")
	}
	return f.listeners[len(f.listeners)-1]
}

func (f *fakeRecognizer) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.stops
}

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

// pending returns timers that have neither fired nor been stopped.
func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs a timer even if it was stopped, the way a timer that already
// started running cannot be recalled.
func (c *fakeClock) fire(t *fakeTimer) {
	c.mu.Lock()
	t.fired = true
	c.mu.Unlock()
	t.fn()
}

type harness struct {
	ctrl  *Controller
	rec   *fakeRecognizer
	clock *fakeClock
	sink  *render.Recorder
	obs   *metrics.MemoryObserver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rec:   &fakeRecognizer{},
		clock: &fakeClock{},
		sink:  &render.Recorder{},
		obs:   metrics.NewMemoryObserver(),
	}
	seq := 0
	h.ctrl = NewController(Config{
		Machine:    NewMachine(counter.NewLexicon(counter.DefaultWords...), "", DefaultPolicy(), "fake"),
		Recognizer: h.rec,
		Sink:       h.sink,
		Observer:   h.obs,
		Clock:      h.clock,
		NewID: func() string {
			seq++
			return fmt.Sprintf("session-%d", seq)
		},
	})
	return h
}

func (h *harness) start(t *testing.T) string {
	t.Helper()
	id, err := h.ctrl.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.rec.listener(t).OnStart()
	return id
}

func (h *harness) status(t *testing.T) string {
	t.Helper()
	u, ok := h.sink.Last()
	if !ok {
		t.Fatalf("nothing rendered")
	}
	return u.Status
}

func interim(text string) transcript.Slot { return transcript.Slot{Text: text} }
func final(text string) transcript.Slot   { return transcript.Slot{Text: text, IsFinal: true} }

func event(slots ...transcript.Slot) transcript.Event {
	return transcript.Event{Slots: slots}
}
