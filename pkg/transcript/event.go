package transcript

import "strings"

// Slot is one recognition hypothesis. Final slots are never revised by the provider.
type Slot struct {
	Text    string `json:"text" yaml:"text"`
	IsFinal bool   `json:"is_final" yaml:"final"`
}

// Event carries the provider's full ordered slot list for the current session.
// Slots before ResultIndex are unchanged since the previous event.
type Event struct {
	Slots       []Slot `json:"slots" yaml:"slots"`
	ResultIndex int    `json:"result_index" yaml:"result_index"`
}

// FullText concatenates every slot regardless of finality.
func (e Event) FullText() string {
	var b strings.Builder
	for _, s := range e.Slots {
		b.WriteString(s.Text)
	}
	return b.String()
}

// FinalizedText concatenates the final slots of the changed slice (ResultIndex onward).
func (e Event) FinalizedText() string {
	start := e.ResultIndex
	if start < 0 || start > len(e.Slots) {
		start = 0
	}
	var b strings.Builder
	for _, s := range e.Slots[start:] {
		if s.IsFinal {
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

// Clone returns a deep copy so listeners can keep events past the callback.
func (e Event) Clone() Event {
	out := Event{ResultIndex: e.ResultIndex}
	if len(e.Slots) > 0 {
		out.Slots = make([]Slot, len(e.Slots))
		copy(out.Slots, e.Slots)
	}
	return out
}
