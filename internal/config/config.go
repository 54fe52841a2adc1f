// Package config provides the configuration schema and loader for the
// Aurelo voice conversation server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto the slog level, defaulting to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure, typically loaded from a YAML
// file via [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Pools     PoolsConfig     `yaml:"pools"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins restricts WebSocket origins. Empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ProvidersConfig selects the STT and LLM backends.
type ProvidersConfig struct {
	STT STTConfig `yaml:"stt"`
	LLM LLMConfig `yaml:"llm"`
}

// STTConfig configures the speech-to-text provider.
type STTConfig struct {
	// Name selects the implementation (e.g., "azure", "openai").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. Supports ${ENV} expansion.
	APIKey string `yaml:"api_key"`

	// Region is the provider region for region-scoped services.
	Region string `yaml:"region"`

	// Language is the default BCP-47 recognition language.
	Language string `yaml:"language"`

	// Languages lists the candidate languages offered to auto-detection.
	Languages []string `yaml:"languages"`
}

// LLMConfig configures the generation provider.
type LLMConfig struct {
	// Name selects the implementation (e.g., "openai", "anthropic", "ollama").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. Supports ${ENV} expansion.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the model (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`
}

// PipelineConfig tunes the audio and conversation pipeline. Zero values
// select the built-in defaults.
type PipelineConfig struct {
	// EnergyThreshold is the VAD energy floor in (0, 1). Default: 0.01.
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// AdaptiveThreshold enables ambient-noise threshold adaptation.
	AdaptiveThreshold bool `yaml:"adaptive_threshold"`

	// SilenceThresholdMs is the minimum silence before pause handling.
	// Default: 800.
	SilenceThresholdMs int `yaml:"silence_threshold_ms"`

	// Pause holds the pause classification boundaries.
	Pause PauseConfig `yaml:"pause"`

	// MaxBufferMs caps the per-session audio ring. Default: 30000.
	MaxBufferMs int `yaml:"max_buffer_ms"`

	// ContextTTLMs is the conversation history eviction window.
	// Default: 1800000 (30 min).
	ContextTTLMs int `yaml:"context_ttl_ms"`
}

// PauseConfig holds the pause classification boundaries in milliseconds.
type PauseConfig struct {
	// ShortMs bounds a natural gap. Default: 500.
	ShortMs int `yaml:"short_ms"`

	// MediumMs bounds a short hesitation. Default: 1000.
	MediumMs int `yaml:"medium_ms"`

	// LongMs bounds an end of thought. Default: 3000.
	LongMs int `yaml:"long_ms"`
}

// PoolsConfig sizes the worker pools. Zero values select the defaults.
type PoolsConfig struct {
	Audio     int `yaml:"audio"`
	STT       int `yaml:"stt"`
	LLM       int `yaml:"llm"`
	Scheduled int `yaml:"scheduled"`
}

// Duration helpers so callers never re-derive millisecond conversions.

// SilenceThreshold returns the silence threshold as a duration, zero when
// unset.
func (p PipelineConfig) SilenceThreshold() time.Duration {
	return time.Duration(p.SilenceThresholdMs) * time.Millisecond
}

// MaxBuffer returns the audio ring cap as a duration, zero when unset.
func (p PipelineConfig) MaxBuffer() time.Duration {
	return time.Duration(p.MaxBufferMs) * time.Millisecond
}

// ContextTTL returns the history eviction window as a duration, zero when
// unset.
func (p PipelineConfig) ContextTTL() time.Duration {
	return time.Duration(p.ContextTTLMs) * time.Millisecond
}

// Short, Medium, and Long return the pause boundaries as durations.
func (p PauseConfig) Short() time.Duration  { return time.Duration(p.ShortMs) * time.Millisecond }
func (p PauseConfig) Medium() time.Duration { return time.Duration(p.MediumMs) * time.Millisecond }
func (p PauseConfig) Long() time.Duration   { return time.Duration(p.LongMs) * time.Millisecond }
