package render

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Console prints the counter and status as a single line per update.
type Console struct {
	mu   sync.Mutex
	w    io.Writer
	last Update
}

func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{w: w}
}

func (c *Console) Render(u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u == c.last {
		return
	}
	c.last = u
	_, _ = fmt.Fprintf(c.w, "[%s] count=%d  %s\n", u.Phase, u.Count, u.Status)
}
