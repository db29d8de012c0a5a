package pasavoz

import (
	"fmt"
	"strings"

	"github.com/pasavoz/pasavoz/pkg/adapters/stt"
	"github.com/pasavoz/pasavoz/pkg/configutil"
	"github.com/pasavoz/pasavoz/pkg/providers/deepgram"
	"github.com/pasavoz/pasavoz/pkg/providers/mock"
	"github.com/pasavoz/pasavoz/pkg/session"
)

// RecognizerBuilder turns recognizer settings into a session factory. The
// factory is invoked once per provider session, so per-question hints reach
// each new session through the stt.Config it receives.
type RecognizerBuilder func(cfg Config) (session.Factory, error)

type ProviderRegistry struct {
	recognizers map[string]RecognizerBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	r := &ProviderRegistry{recognizers: make(map[string]RecognizerBuilder)}
	r.RegisterRecognizer("deepgram", buildDeepgram)
	r.RegisterRecognizer("mock", buildMock)
	return r
}

func (r *ProviderRegistry) RegisterRecognizer(name string, builder RecognizerBuilder) {
	r.recognizers[strings.ToLower(strings.TrimSpace(name))] = builder
}

func (r *ProviderRegistry) BuildRecognizer(provider string, cfg Config) (session.Factory, error) {
	fn := r.recognizers[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("recognizer provider not registered: %s", provider)
	}
	return fn(cfg)
}

type deepgramSettings struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	Interim *bool  `mapstructure:"interim"`
}

var deepgramSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "interim"},
}

func buildDeepgram(cfg Config) (session.Factory, error) {
	if err := configutil.ValidateSettings(cfg.Recognizer.Settings, deepgramSchema); err != nil {
		return nil, fmt.Errorf("deepgram settings: %w", err)
	}
	var settings deepgramSettings
	if err := configutil.DecodeSettings(cfg.Recognizer.Settings, &settings); err != nil {
		return nil, fmt.Errorf("deepgram settings: %w", err)
	}
	return func(sc stt.Config) stt.StreamingRecognizer {
		return deepgram.New(deepgram.Config{
			APIKey:     settings.APIKey,
			Model:      settings.Model,
			Language:   sc.Language,
			SampleRate: sc.SampleRate,
			Interim:    configutil.BoolValue(settings.Interim, true),
			StreamID:   sc.StreamID,
			TraceID:    sc.TraceID,
			Hints:      sc.Hints,
		})
	}, nil
}

type mockSettings struct {
	Transcript  string `mapstructure:"transcript"`
	EmitInterim bool   `mapstructure:"emit_interim"`
}

var mockSchema = configutil.Schema{
	Optional: []string{"transcript", "emit_interim"},
}

func buildMock(cfg Config) (session.Factory, error) {
	if err := configutil.ValidateSettings(cfg.Recognizer.Settings, mockSchema); err != nil {
		return nil, fmt.Errorf("mock settings: %w", err)
	}
	var settings mockSettings
	if err := configutil.DecodeSettings(cfg.Recognizer.Settings, &settings); err != nil {
		return nil, fmt.Errorf("mock settings: %w", err)
	}
	return func(sc stt.Config) stt.StreamingRecognizer {
		return mock.NewRecognizer(mock.RecognizerConfig{
			StreamID:    sc.StreamID,
			TraceID:     sc.TraceID,
			Hints:       sc.Hints,
			Transcript:  settings.Transcript,
			EmitInterim: settings.EmitInterim,
		})
	}, nil
}
