package japa

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/harunnryd/japa/pkg/audio"
	"github.com/harunnryd/japa/pkg/errorsx"
	twilionotify "github.com/harunnryd/japa/pkg/notify/twilio"
	"github.com/harunnryd/japa/pkg/transports/bus"
	"github.com/harunnryd/japa/pkg/transports/web"
)

type Config struct {
	Lexicon       []string            `mapstructure:"lexicon"`
	StopWord      string              `mapstructure:"stop_word"`
	Locale        string              `mapstructure:"locale"`
	AutoStart     bool                `mapstructure:"auto_start"`
	Restart       RestartConfig       `mapstructure:"restart"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Audio         audio.Config        `mapstructure:"audio"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Notify        NotifyConfig        `mapstructure:"notify"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
}

type RestartConfig struct {
	ErrorDelayMS int `mapstructure:"error_delay_ms"`
	EndDelayMS   int `mapstructure:"end_delay_ms"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
}

type WebConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	web.Config `mapstructure:",squash"`
}

type BusConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	bus.Config `mapstructure:",squash"`
}

type TransportsConfig struct {
	Console bool      `mapstructure:"console"`
	Web     WebConfig `mapstructure:"web"`
	Bus     BusConfig `mapstructure:"bus"`
}

type NotifyConfig struct {
	Twilio twilionotify.Config `mapstructure:"twilio"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	Metrics       bool   `mapstructure:"metrics"`
	AsyncBuffer   int    `mapstructure:"async_buffer"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("lexicon", []string{"shri", "shree"})
	v.SetDefault("stop_word", "stop")
	v.SetDefault("locale", "en-IN")
	v.SetDefault("auto_start", false)
	v.SetDefault("restart.error_delay_ms", 1000)
	v.SetDefault("restart.end_delay_ms", 100)
	v.SetDefault("vendors.stt.provider", "deepgram")
	v.SetDefault("transports.console", true)
	v.SetDefault("transports.web.enabled", false)
	v.SetDefault("transports.web.server_addr", ":8080")
	v.SetDefault("transports.web.ws_path", "/ws")
	v.SetDefault("transports.bus.enabled", false)
	v.SetDefault("transports.bus.subject_prefix", "japa")
	v.SetDefault("notify.twilio.enabled", false)
	v.SetDefault("notify.twilio.min_count", 1)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.metrics", false)
	v.SetDefault("observability.async_buffer", 2048)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// LoadConfig reads a YAML file, applies defaults and expands ${ENV} references.
// An empty path yields the defaults alone.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("JAPA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errorsx.Wrap(fmt.Errorf("read config: %w", err), errorsx.ReasonConfig)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("unmarshal: %w", err), errorsx.ReasonConfig)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Lexicon) == 0 {
		return errorsx.New(errorsx.ReasonConfig, "lexicon must name at least one word")
	}
	for _, w := range c.Lexicon {
		if strings.TrimSpace(w) == "" || len(strings.Fields(w)) > 1 {
			return errorsx.New(errorsx.ReasonConfig, "lexicon entries must be single words, got %q", w)
		}
	}
	if strings.TrimSpace(c.StopWord) == "" {
		return errorsx.New(errorsx.ReasonConfig, "stop_word is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return errorsx.New(errorsx.ReasonConfig, "vendors.stt.provider is required")
	}
	if c.Restart.ErrorDelayMS < 0 || c.Restart.EndDelayMS < 0 {
		return errorsx.New(errorsx.ReasonConfig, "restart delays must not be negative")
	}
	if c.Notify.Twilio.Enabled {
		if err := c.Notify.Twilio.Validate(); err != nil {
			return err
		}
	}
	if c.Transports.Bus.Enabled && len(c.Transports.Bus.Servers) == 0 {
		return errorsx.New(errorsx.ReasonConfig, "transports.bus.servers is required when the bus is enabled")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
