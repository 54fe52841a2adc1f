// Package openai provides a Whisper-backed one-shot STT provider using the
// OpenAI audio transcription API. It implements the stt.Provider interface;
// streaming recognition is not supported by this backend, so StartStream
// returns stt.ErrNotSupported and the ingress pipeline falls back to one-shot
// flushes.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/aurelo-ai/aurelo/pkg/audio"
	"github.com/aurelo-ai/aurelo/pkg/provider/stt"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = "whisper-1"

// Ensure Provider implements the stt.Provider interface.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithModel sets the transcription model (e.g., "whisper-1").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = url
	}
}

// Provider implements stt.Provider using the OpenAI transcription API.
type Provider struct {
	client  oai.Client
	model   string
	baseURL string
}

// New constructs a new OpenAI transcription Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}
	p := &Provider{model: DefaultModel}
	for _, o := range opts {
		o(p)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = oai.NewClient(reqOpts...)
	return p, nil
}

// Transcribe performs a one-shot Whisper transcription of buffered PCM16
// audio. The audio is wrapped in a WAV container because the endpoint rejects
// bare PCM. Whisper does not report confidence, so successful results carry a
// fixed confidence of 1.0 and the caller's confidence gate is effectively
// bypassed for this backend.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.StreamConfig) (stt.Transcript, error) {
	sr := cfg.SampleRate
	if sr == 0 {
		sr = 16000
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(audio.EncodeWAV(pcm, sr)), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(p.model),
	}
	if cfg.Language != "" {
		params.Language = oai.String(cfg.Language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) &&
			(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			return stt.Transcript{}, fmt.Errorf("openai stt: transcribe: status %d: %w", apiErr.StatusCode, stt.ErrAuth)
		}
		return stt.Transcript{}, fmt.Errorf("openai stt: transcribe: %w", err)
	}

	now := time.Now()
	if resp.Text == "" {
		return stt.Transcript{Outcome: stt.OutcomeEmpty, IsFinal: true, Timestamp: now}, nil
	}
	return stt.Transcript{
		Outcome:    stt.OutcomeSuccess,
		Text:       resp.Text,
		IsFinal:    true,
		Confidence: 1.0,
		Language:   cfg.Language,
		Timestamp:  now,
	}, nil
}

// StartStream is not supported by the transcription API.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return nil, fmt.Errorf("openai stt: %w", stt.ErrNotSupported)
}

// DetectLanguage is not supported by the transcription API; Whisper detects
// the language implicitly but does not report it for this endpoint.
func (p *Provider) DetectLanguage(ctx context.Context, pcm []byte, sampleRate int) (stt.LanguageGuess, error) {
	return stt.LanguageGuess{}, fmt.Errorf("openai stt: %w", stt.ErrNotSupported)
}
