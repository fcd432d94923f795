package transports

import (
	"context"

	"github.com/harunnryd/japa/pkg/render"
	"github.com/harunnryd/japa/pkg/session"
)

// Control is the session surface a transport can drive remotely.
type Control interface {
	Start() (string, error)
	Stop() error
	Snapshot() session.Snapshot
	Available() bool
}

// Transport publishes render updates outward and may accept remote
// start/stop commands. Implementations own their network lifecycle.
type Transport interface {
	render.Sink
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// ReadyReporter allows transports to expose readiness metadata (addresses, subjects).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

var _ Control = (*session.Controller)(nil)
