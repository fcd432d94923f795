package render

import (
	"sync"
)

// Update is one render of the counter display.
type Update struct {
	SessionID   string `json:"session_id,omitempty"`
	Phase       string `json:"phase"`
	Status      string `json:"status"`
	DisplayText string `json:"display_text,omitempty"`
	Count       uint64 `json:"count"`
	Reason      string `json:"reason,omitempty"`
}

// Sink receives every update synchronously. Implementations must be fast and must not
// call back into the session controller.
type Sink interface {
	Render(u Update)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Update)

func (f SinkFunc) Render(u Update) { f(u) }

// Multi fans an update out to every sink in order.
type Multi struct {
	list []Sink
}

func NewMulti(list ...Sink) *Multi {
	return &Multi{list: list}
}

// Add appends a sink.
func (m *Multi) Add(s Sink) {
	if s != nil {
		m.list = append(m.list, s)
	}
}

func (m *Multi) Render(u Update) {
	for _, s := range m.list {
		if s != nil {
			s.Render(u)
		}
	}
}

// Recorder keeps every update; useful for tests and diagnostics.
type Recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *Recorder) Render(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

// Updates returns a copy of everything rendered so far.
func (r *Recorder) Updates() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Update, len(r.updates))
	copy(out, r.updates)
	return out
}

// Last returns the most recent update.
func (r *Recorder) Last() (Update, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return Update{}, false
	}
	return r.updates[len(r.updates)-1], true
}
