package pasavoz

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestSetDefaultsProduceWorkingConfig(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("recognizer.provider", "mock")
	v.Set("transports.provider", "mock")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Gate.ThresholdDB != -45.0 {
		t.Fatalf("expected default gate threshold -45, got %v", cfg.Gate.ThresholdDB)
	}
	if cfg.Session.MaxRestarts != 10 || cfg.Session.RestartDelayMS != 250 {
		t.Fatalf("unexpected restart defaults: %+v", cfg.Session)
	}
	if cfg.Submit.WindowMS != 400 {
		t.Fatalf("expected 400ms submit window, got %d", cfg.Submit.WindowMS)
	}
	if cfg.Capture.TargetRate != 16000 {
		t.Fatalf("expected 16kHz target rate, got %d", cfg.Capture.TargetRate)
	}
	if cfg.Command.Phrase != "paso palabra" {
		t.Fatalf("unexpected command phrase %q", cfg.Command.Phrase)
	}
}

func TestValidateRequiresProviders(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing recognizer provider")
	}
	cfg.Recognizer.Provider = "mock"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing transport provider")
	}
	cfg.Transports.Provider = "mock"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("QUIZ_TEST_KEY", "sekret")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
recognizer:
  provider: deepgram
  settings:
    api_key: ${QUIZ_TEST_KEY}
transports:
  provider: mock
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Recognizer.Settings["api_key"]; got != "sekret" {
		t.Fatalf("expected env-expanded api key, got %v", got)
	}
	if cfg.Gate.HangoverMS != 300 {
		t.Fatalf("expected default hangover, got %d", cfg.Gate.HangoverMS)
	}
}
