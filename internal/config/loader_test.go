package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/aurelo-ai/aurelo/internal/config"
)

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
  allowed_origins:
    - "app.example.com"
providers:
  stt:
    name: azure
    api_key: key123
    region: westeurope
    language: en-US
    languages: [en-US, de-DE]
  llm:
    name: openai
    api_key: key456
    model: gpt-4o-mini
pipeline:
  energy_threshold: 0.02
  silence_threshold_ms: 600
  pause:
    short_ms: 400
    medium_ms: 900
    long_ms: 2500
  max_buffer_ms: 20000
  context_ttl_ms: 600000
pools:
  audio: 8
  stt: 4
  llm: 2
  scheduled: 1
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Providers.STT.Region != "westeurope" {
		t.Errorf("stt region = %q, want westeurope", cfg.Providers.STT.Region)
	}
	if got := len(cfg.Providers.STT.Languages); got != 2 {
		t.Errorf("stt languages count = %d, want 2", got)
	}
	if cfg.Pipeline.SilenceThreshold() != 600*time.Millisecond {
		t.Errorf("silence threshold = %v, want 600ms", cfg.Pipeline.SilenceThreshold())
	}
	if cfg.Pipeline.Pause.Medium() != 900*time.Millisecond {
		t.Errorf("medium pause = %v, want 900ms", cfg.Pipeline.Pause.Medium())
	}
	if cfg.Pipeline.ContextTTL() != 10*time.Minute {
		t.Errorf("context ttl = %v, want 10m", cfg.Pipeline.ContextTTL())
	}
	if cfg.Pools.Audio != 8 {
		t.Errorf("pools.audio = %d, want 8", cfg.Pools.Audio)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8080"
  listen_adr: ":8081"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "listen_adr") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestLoadFromReader_EnvExpansion(t *testing.T) {
	t.Setenv("AURELO_TEST_STT_KEY", "secret-from-env")
	yaml := `
providers:
  stt:
    name: openai
    api_key: ${AURELO_TEST_STT_KEY}
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.STT.APIKey != "secret-from-env" {
		t.Errorf("api_key = %q, want secret-from-env", cfg.Providers.STT.APIKey)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_AzureRequiresRegion(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  stt:
    name: azure
    api_key: key
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for azure without region, got nil")
	}
	if !strings.Contains(err.Error(), "region") {
		t.Errorf("error should mention region, got: %v", err)
	}
}

func TestValidate_PauseOrdering(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  pause:
    short_ms: 1200
    medium_ms: 1000
    long_ms: 3000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unordered pause boundaries, got nil")
	}
	if !strings.Contains(err.Error(), "short_ms") {
		t.Errorf("error should mention short_ms, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
pipeline:
  energy_threshold: 1.5
  silence_threshold_ms: -100
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"log_level", "energy_threshold", "silence_threshold_ms"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	sttNames := config.ValidProviderNames["stt"]
	if len(sttNames) == 0 {
		t.Fatal("ValidProviderNames[\"stt\"] should not be empty")
	}
	found := false
	for _, n := range sttNames {
		if n == "azure" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"stt\"] should contain \"azure\"")
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	cases := []struct {
		level config.LogLevel
		want  string
	}{
		{config.LogDebug, "DEBUG"},
		{config.LogInfo, "INFO"},
		{config.LogWarn, "WARN"},
		{config.LogError, "ERROR"},
		{config.LogLevel(""), "INFO"},
	}
	for _, tc := range cases {
		if got := tc.level.Level().String(); got != tc.want {
			t.Errorf("LogLevel(%q).Level() = %s, want %s", tc.level, got, tc.want)
		}
	}
}
