package pasavoz

import (
	"fmt"
	"os"
	"reflect"

	"github.com/spf13/viper"

	"github.com/pasavoz/pasavoz/pkg/configutil"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Capture       CaptureConfig       `mapstructure:"capture"`
	Gate          GateConfig          `mapstructure:"gate"`
	Session       SessionConfig       `mapstructure:"session"`
	Arming        ArmingConfig        `mapstructure:"arming"`
	Submit        SubmitConfig        `mapstructure:"submit"`
	Command       CommandConfig       `mapstructure:"command"`
	Match         MatchConfig         `mapstructure:"match"`
	Recognizer    VendorConfig        `mapstructure:"recognizer"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type CaptureConfig struct {
	SampleRate      int `mapstructure:"sample_rate"`
	FramesPerBuffer int `mapstructure:"frames_per_buffer"`
	TargetRate      int `mapstructure:"target_rate"`
}

type GateConfig struct {
	ThresholdDB float64 `mapstructure:"threshold_db"`
	HangoverMS  int     `mapstructure:"hangover_ms"`
}

type SessionConfig struct {
	Language       string `mapstructure:"language"`
	MaxRestarts    int    `mapstructure:"max_restarts"`
	RestartDelayMS int    `mapstructure:"restart_delay_ms"`
}

type ArmingConfig struct {
	InterimGraceMS int `mapstructure:"interim_grace_ms"`
	FinalGraceMS   int `mapstructure:"final_grace_ms"`
}

type SubmitConfig struct {
	WindowMS int `mapstructure:"window_ms"`
}

type CommandConfig struct {
	Phrase  string   `mapstructure:"phrase"`
	Aliases []string `mapstructure:"aliases"`
}

type MatchConfig struct {
	FuzzyThreshold float64 `mapstructure:"fuzzy_threshold"`
	FuzzyMinLen    int     `mapstructure:"fuzzy_min_len"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	// MetricsFile, when set, appends every engine event as a JSON line.
	MetricsFile string `mapstructure:"metrics_file"`
	// EventSampleRate thins the event log output (1 = log everything).
	EventSampleRate float64 `mapstructure:"event_sample_rate"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("capture.sample_rate", 48000)
	v.SetDefault("capture.frames_per_buffer", 1024)
	v.SetDefault("capture.target_rate", 16000)
	v.SetDefault("gate.threshold_db", -45.0)
	v.SetDefault("gate.hangover_ms", 300)
	v.SetDefault("session.language", "es")
	v.SetDefault("session.max_restarts", 10)
	v.SetDefault("session.restart_delay_ms", 250)
	v.SetDefault("arming.interim_grace_ms", 150)
	v.SetDefault("arming.final_grace_ms", 300)
	v.SetDefault("submit.window_ms", 400)
	v.SetDefault("command.phrase", "paso palabra")
	v.SetDefault("match.fuzzy_threshold", 0.6)
	v.SetDefault("match.fuzzy_min_len", 4)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.metrics_file", "")
	v.SetDefault("observability.event_sample_rate", 1.0)
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Recognizer.Provider, "recognizer.provider"); err != nil {
		return err
	}
	return configutil.RequireString(c.Transports.Provider, "transports.provider")
}

// expandEnvStrings substitutes ${VAR} references so API keys never have to
// live in the config file itself.
func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Recognizer.Settings = expandSettings(cfg.Recognizer.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
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
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
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
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
