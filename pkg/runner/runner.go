package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func()
	OnStop  func()
}

type Drainer interface {
	Drain() error
}

// DrainFunc adapts a plain function to Drainer.
type DrainFunc func() error

func (f DrainFunc) Drain() error { return f() }

// Drainers drains each member in order and joins their errors.
type Drainers []Drainer

func (d Drainers) Drain() error {
	var errs error
	for _, item := range d {
		if item == nil {
			continue
		}
		errs = errors.Join(errs, item.Drain())
	}
	return errs
}

var Version = "dev"

// PrintBanner writes the startup banner to w; nil means stdout.
func PrintBanner(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	tpl := "{{ .Title \"JAPA\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
}
