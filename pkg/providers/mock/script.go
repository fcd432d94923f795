package mock

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/harunnryd/japa/pkg/errorsx"
	"github.com/harunnryd/japa/pkg/transcript"
)

// Script drives the scripted recognizer. Each Start consumes the next
// attempt; starts beyond the script listen silently until stopped.
type Script struct {
	Attempts []Attempt `yaml:"attempts"`
}

// Attempt is one recognizer run.
type Attempt struct {
	// FailStart makes Start return this error message instead of running.
	FailStart string `yaml:"fail_start,omitempty"`
	Steps     []Step `yaml:"steps"`
}

// Step is one callback. Exactly one of Interim, Final, Slots, Error or End
// is expected; Interim and Final behave like a one-hypothesis provider.
type Step struct {
	DelayMS     int               `yaml:"delay_ms,omitempty"`
	Interim     string            `yaml:"interim,omitempty"`
	Final       string            `yaml:"final,omitempty"`
	Slots       []transcript.Slot `yaml:"slots,omitempty"`
	ResultIndex int               `yaml:"result_index,omitempty"`
	Error       string            `yaml:"error,omitempty"`
	End         bool              `yaml:"end,omitempty"`
}

func (s Step) validate() error {
	n := 0
	if s.Interim != "" {
		n++
	}
	if s.Final != "" {
		n++
	}
	if len(s.Slots) > 0 {
		n++
	}
	if s.Error != "" {
		n++
	}
	if s.End {
		n++
	}
	if n != 1 {
		return fmt.Errorf("step must set exactly one of interim, final, slots, error, end (got %d)", n)
	}
	return nil
}

// ParseScript decodes and validates a YAML script.
func ParseScript(data []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Script{}, errorsx.Wrap(fmt.Errorf("parse mock script: %w", err), errorsx.ReasonConfig)
	}
	for i, a := range s.Attempts {
		for j, step := range a.Steps {
			if err := step.validate(); err != nil {
				return Script{}, errorsx.New(errorsx.ReasonConfig, "mock script attempt %d step %d: %v", i, j, err)
			}
		}
	}
	return s, nil
}

// LoadScript reads a script file.
func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, errorsx.Wrap(fmt.Errorf("read mock script: %w", err), errorsx.ReasonConfig)
	}
	return ParseScript(data)
}
