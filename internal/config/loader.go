package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"azure", "openai", "mock"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "mock"},
}

// Load reads the YAML configuration file at path, expands ${ENV} references,
// and returns a validated [Config]. It is a convenience wrapper around
// [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV} references in
// the raw document, and validates the result. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		slog.Warn("config references an unset environment variable", "name", name)
		return ""
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)

	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; transcription will not be available")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; responses will not be generated")
	}
	if cfg.Providers.STT.Name == "azure" && cfg.Providers.STT.Region == "" {
		errs = append(errs, errors.New("providers.stt.region is required when name is azure"))
	}

	// Pipeline
	p := cfg.Pipeline
	if p.EnergyThreshold < 0 || p.EnergyThreshold >= 1 {
		errs = append(errs, fmt.Errorf("pipeline.energy_threshold %.3f is out of range [0, 1)", p.EnergyThreshold))
	}
	if p.SilenceThresholdMs < 0 {
		errs = append(errs, fmt.Errorf("pipeline.silence_threshold_ms %d must not be negative", p.SilenceThresholdMs))
	}
	if p.MaxBufferMs < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_buffer_ms %d must not be negative", p.MaxBufferMs))
	}
	if p.ContextTTLMs < 0 {
		errs = append(errs, fmt.Errorf("pipeline.context_ttl_ms %d must not be negative", p.ContextTTLMs))
	}
	if err := validatePause(p.Pause); err != nil {
		errs = append(errs, err)
	}

	// Pools
	for _, pool := range []struct {
		name string
		size int
	}{
		{"pools.audio", cfg.Pools.Audio},
		{"pools.stt", cfg.Pools.STT},
		{"pools.llm", cfg.Pools.LLM},
		{"pools.scheduled", cfg.Pools.Scheduled},
	} {
		if pool.size < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", pool.name, pool.size))
		}
	}

	return errors.Join(errs...)
}

// validatePause checks that any explicitly set pause boundaries are positive
// and strictly ordered short < medium < long.
func validatePause(p PauseConfig) error {
	var errs []error
	for _, b := range []struct {
		name string
		ms   int
	}{
		{"pipeline.pause.short_ms", p.ShortMs},
		{"pipeline.pause.medium_ms", p.MediumMs},
		{"pipeline.pause.long_ms", p.LongMs},
	} {
		if b.ms < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", b.name, b.ms))
		}
	}
	if p.ShortMs > 0 && p.MediumMs > 0 && p.ShortMs >= p.MediumMs {
		errs = append(errs, fmt.Errorf("pipeline.pause.short_ms %d must be less than medium_ms %d", p.ShortMs, p.MediumMs))
	}
	if p.MediumMs > 0 && p.LongMs > 0 && p.MediumMs >= p.LongMs {
		errs = append(errs, fmt.Errorf("pipeline.pause.medium_ms %d must be less than long_ms %d", p.MediumMs, p.LongMs))
	}
	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
