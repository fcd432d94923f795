package japa

import (
	"fmt"
	"strings"

	"github.com/harunnryd/japa/pkg/adapters/stt"
	"github.com/harunnryd/japa/pkg/audio"
	"github.com/harunnryd/japa/pkg/configutil"
	"github.com/harunnryd/japa/pkg/errorsx"
	"github.com/harunnryd/japa/pkg/providers/deepgram"
	"github.com/harunnryd/japa/pkg/providers/mock"
)

type STTFactory func(cfg Config) (stt.Recognizer, error)

type ProviderRegistry struct {
	stt map[string]STTFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{stt: make(map[string]STTFactory)}
}

// DefaultProviderRegistry knows the deepgram and mock recognizers.
func DefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("deepgram", buildDeepgram)
	r.RegisterSTT("mock", buildMock)
	return r
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) BuildSTT(provider string, cfg Config) (stt.Recognizer, error) {
	fn := r.stt[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, errorsx.New(errorsx.ReasonConfig, "stt provider not registered: %s", provider)
	}
	return fn(cfg)
}

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Interim        *bool  `mapstructure:"interim"`
	SmartFormat    *bool  `mapstructure:"smart_format"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
}

func buildDeepgram(cfg Config) (stt.Recognizer, error) {
	var settings deepgramSettings
	if err := configutil.DecodeValidated("deepgram", cfg.Vendors.STT.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "interim", "smart_format", "utterance_end_ms"},
	}, &settings); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
		return nil, err
	}
	opts := stt.DefaultOptions(cfg.Locale)
	if settings.Language == "" {
		settings.Language = opts.Locale
	}
	utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
	if utteranceEnd < 0 || utteranceEnd > 5000 {
		return nil, errorsx.New(errorsx.ReasonConfig, "vendors.stt.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
	}
	capture := audio.NewFFMPEGCapture(cfg.Audio)
	return deepgram.New(deepgram.Config{
		APIKey:         settings.APIKey,
		Model:          settings.Model,
		Language:       settings.Language,
		SampleRate:     capture.SampleRate(),
		Encoding:       capture.Encoding(),
		Channels:       capture.Channels(),
		Interim:        configutil.BoolValue(settings.Interim, opts.InterimResults),
		SmartFormat:    configutil.BoolValue(settings.SmartFormat, true),
		UtteranceEndMS: utteranceEnd,
	}, capture), nil
}

type mockSettings struct {
	ScriptPath  string  `mapstructure:"script_path"`
	Speed       float64 `mapstructure:"speed"`
	Unavailable bool    `mapstructure:"unavailable"`
}

func buildMock(cfg Config) (stt.Recognizer, error) {
	var settings mockSettings
	if err := configutil.DecodeValidated("mock", cfg.Vendors.STT.Settings, configutil.Schema{
		Optional: []string{"script_path", "speed", "unavailable"},
	}, &settings); err != nil {
		return nil, err
	}
	var script mock.Script
	if settings.ScriptPath != "" {
		s, err := mock.LoadScript(settings.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("vendors.stt.settings.script_path: %w", err)
		}
		script = s
	}
	return mock.NewSTT(mock.STTConfig{
		Script:      script,
		Speed:       settings.Speed,
		Unavailable: settings.Unavailable,
	}), nil
}
