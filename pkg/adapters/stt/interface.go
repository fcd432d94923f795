package stt

import (
	"context"

	"github.com/harunnryd/japa/pkg/transcript"
)

// Recognizer defines the contract for any streaming speech recognizer.
type Recognizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start begins a recognition session and reports through listener until OnEnd.
	Start(ctx context.Context, listener Listener) error
	// Stop asks the recognizer to finish; OnEnd follows.
	Stop() error
}

// Listener receives recognizer callbacks. Implementations must not block.
type Listener interface {
	OnStart()
	OnResult(event transcript.Event)
	OnError(code string)
	OnEnd()
}

// Availability is implemented by recognizers whose capability may be missing at runtime.
type Availability interface {
	Available() bool
}

// Options holds vendor-agnostic recognition settings.
type Options struct {
	Locale         string
	Continuous     bool
	InterimResults bool
}

// DefaultOptions returns continuous recognition with interim results for locale.
func DefaultOptions(locale string) Options {
	if locale == "" {
		locale = "en-IN"
	}
	return Options{Locale: locale, Continuous: true, InterimResults: true}
}

// IsAvailable reports whether r can be used at all.
func IsAvailable(r Recognizer) bool {
	if r == nil {
		return false
	}
	if a, ok := r.(Availability); ok {
		return a.Available()
	}
	return true
}
