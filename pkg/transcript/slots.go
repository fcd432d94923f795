package transcript

// SlotBuffer adapts providers that emit one hypothesis at a time into the
// slot-list model. An interim hypothesis replaces the trailing interim slot;
// a final one settles it and opens room for the next slot.
type SlotBuffer struct {
	slots []Slot
	open  bool
}

func NewSlotBuffer() *SlotBuffer {
	return &SlotBuffer{}
}

// Apply records a hypothesis and returns the resulting event. Empty interim text
// is ignored and reported with ok=false.
func (b *SlotBuffer) Apply(text string, isFinal bool) (Event, bool) {
	if text == "" && !b.open {
		return Event{}, false
	}
	index := len(b.slots)
	if b.open {
		index = len(b.slots) - 1
	}
	if text != "" && index > 0 {
		text = " " + text
	}
	slot := Slot{Text: text, IsFinal: isFinal}
	if b.open {
		b.slots[index] = slot
	} else {
		b.slots = append(b.slots, slot)
	}
	b.open = !isFinal
	return b.event(index), true
}

// Reset drops every slot; used when a new recognition session begins.
func (b *SlotBuffer) Reset() {
	b.slots = nil
	b.open = false
}

// Len returns the number of slots held.
func (b *SlotBuffer) Len() int {
	return len(b.slots)
}

func (b *SlotBuffer) event(index int) Event {
	out := make([]Slot, len(b.slots))
	copy(out, b.slots)
	return Event{Slots: out, ResultIndex: index}
}
