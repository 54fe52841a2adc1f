// Package azure provides an Azure Speech-backed STT provider. Streaming
// recognition uses the Azure Speech WebSocket API; one-shot transcription and
// language identification use the short-audio REST API. It implements the
// stt.Provider interface.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/aurelo-ai/aurelo/pkg/audio"
	"github.com/aurelo-ai/aurelo/pkg/provider/stt"
)

const (
	defaultRegion     = "westeurope"
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Azure Provider.
type Option func(*Provider)

// WithRegion sets the Azure region (e.g., "westeurope", "eastus").
func WithRegion(region string) Option {
	return func(p *Provider) {
		p.region = region
	}
}

// WithLanguage sets the default BCP-47 recognition language (e.g., "en-US").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithHTTPClient overrides the HTTP client used for the REST endpoints.
// Tests point this at an httptest server.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithEndpoint overrides both the REST and WebSocket base endpoints. The
// region-based defaults are derived when this is unset.
func WithEndpoint(restBase, wsBase string) Option {
	return func(p *Provider) {
		p.restBase = restBase
		p.wsBase = wsBase
	}
}

// Provider implements stt.Provider backed by the Azure Speech service.
type Provider struct {
	apiKey     string
	region     string
	language   string
	restBase   string
	wsBase     string
	httpClient *http.Client
}

// New creates a new Azure Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("azure: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		region:     defaultRegion,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	if p.restBase == "" {
		p.restBase = fmt.Sprintf("https://%s.stt.speech.microsoft.com", p.region)
	}
	if p.wsBase == "" {
		p.wsBase = fmt.Sprintf("wss://%s.stt.speech.microsoft.com", p.region)
	}
	return p, nil
}

// restResponse is the JSON shape returned by the short-audio REST endpoint.
type restResponse struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	DisplayText       string `json:"DisplayText"`
	NBest             []struct {
		Confidence float64 `json:"Confidence"`
		Display    string  `json:"Display"`
	} `json:"NBest"`
	PrimaryLanguage *struct {
		Language   string `json:"Language"`
		Confidence string `json:"Confidence"`
	} `json:"PrimaryLanguage"`
}

// Transcribe performs a one-shot recognition of buffered PCM16 audio via the
// short-audio REST API. Recognition failures are reported through the
// Transcript outcome; the error return covers transport failures only.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.StreamConfig) (stt.Transcript, error) {
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	endpoint := p.restBase + "/speech/recognition/conversation/cognitiveservices/v1?" + url.Values{
		"language": {lang},
		"format":   {"detailed"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio.EncodeWAV(pcm, sr)))
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("azure: build request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", p.apiKey)
	req.Header.Set("Content-Type", fmt.Sprintf("audio/wav; codecs=audio/pcm; samplerate=%d", sr))
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("azure: transcribe: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("azure: read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return stt.Transcript{}, fmt.Errorf("azure: transcribe: status %d: %w", resp.StatusCode, stt.ErrAuth)
	}
	if resp.StatusCode != http.StatusOK {
		return stt.Transcript{}, fmt.Errorf("azure: transcribe: status %d: %s", resp.StatusCode, body)
	}

	var rr restResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return stt.Transcript{}, fmt.Errorf("azure: decode response: %w", err)
	}
	return fromRESTResponse(rr), nil
}

// fromRESTResponse maps an Azure REST recognition payload onto the tagged
// Transcript outcome.
func fromRESTResponse(rr restResponse) stt.Transcript {
	now := time.Now()
	switch rr.RecognitionStatus {
	case "Success":
		conf := 0.0
		text := rr.DisplayText
		if len(rr.NBest) > 0 {
			conf = rr.NBest[0].Confidence
			if text == "" {
				text = rr.NBest[0].Display
			}
		}
		lang := ""
		if rr.PrimaryLanguage != nil {
			lang = rr.PrimaryLanguage.Language
		}
		return stt.Transcript{
			Outcome:    stt.OutcomeSuccess,
			Text:       text,
			IsFinal:    true,
			Confidence: conf,
			Language:   lang,
			Timestamp:  now,
		}
	case "NoMatch", "InitialSilenceTimeout", "BabbleTimeout":
		return stt.Transcript{Outcome: stt.OutcomeEmpty, IsFinal: true, Timestamp: now}
	default:
		return stt.Transcript{
			Outcome:   stt.OutcomeFailed,
			IsFinal:   true,
			Message:   rr.RecognitionStatus,
			Timestamp: now,
		}
	}
}

// DetectLanguage runs the REST recognizer with language identification enabled
// over the supplied audio prefix.
func (p *Provider) DetectLanguage(ctx context.Context, pcm []byte, sampleRate int) (stt.LanguageGuess, error) {
	t, err := p.Transcribe(ctx, pcm, stt.StreamConfig{SampleRate: sampleRate, Language: p.language})
	if err != nil {
		return stt.LanguageGuess{}, err
	}
	if t.Outcome != stt.OutcomeSuccess || t.Language == "" {
		return stt.LanguageGuess{}, fmt.Errorf("azure: %w", stt.ErrNotSupported)
	}
	return stt.LanguageGuess{Language: t.Language, Confidence: t.Confidence}, nil
}

// StartStream opens a streaming recognition session over the Azure Speech
// WebSocket endpoint.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildStreamURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("azure: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Ocp-Apim-Subscription-Key", p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("azure: dial: %w", err)
	}

	// The read and write loops must outlive the dial context: callers open
	// streams from pooled jobs whose context ends when the job returns,
	// while the handle stays in use for the whole utterance. The session
	// owns its lifetime context; Close (or a broken connection) ends it.
	sctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      conn,
		ctx:       sctx,
		cancel:    cancel,
		partials:  make(chan stt.Transcript, 64),
		finals:    make(chan stt.Transcript, 64),
		audio:     make(chan []byte, 256),
		done:      make(chan struct{}),
		writeDone: make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop()
	go sess.writeLoop()

	return sess, nil
}

// buildStreamURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildStreamURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.wsBase + "/speech/recognition/conversation/cognitiveservices/v1")
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("language", lang)
	q.Set("format", "detailed")
	q.Set("profanity", "raw")
	q.Set("sampleRate", strconv.Itoa(sr))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// streamMessage is the JSON structure of Azure streaming recognition events.
type streamMessage struct {
	RecognitionStatus string  `json:"RecognitionStatus"`
	DisplayText       string  `json:"DisplayText"`
	Text              string  `json:"Text"`
	Confidence        float64 `json:"Confidence"`
	Type              string  `json:"Type"`
}

// closeDrainTimeout bounds how long Close waits for buffered audio to reach
// the service before tearing the connection down.
const closeDrainTimeout = 5 * time.Second

// session is a live Azure streaming session. It implements stt.SessionHandle.
type session struct {
	conn *websocket.Conn

	// ctx spans the session lifetime; cancel ends both loops. The write
	// loop also cancels on a failed write so a dead connection cannot
	// leave SendAudio callers blocked on a full audio channel.
	ctx    context.Context
	cancel context.CancelFunc

	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte

	done      chan struct{}
	writeDone chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to the service.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("azure: session is closed")
	case <-s.ctx.Done():
		return errors.New("azure: session connection lost")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("azure: session is closed")
	case <-s.ctx.Done():
		return errors.New("azure: session connection lost")
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close terminates the session, flushing pending audio first. The flush is
// bounded by closeDrainTimeout so a stalled peer cannot wedge the caller.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		select {
		case <-s.writeDone:
		case <-time.After(closeDrainTimeout):
		}
		// Cancel before waiting: the read loop is parked in conn.Read and
		// only the context or a closed connection unblocks it.
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages upstream.
// A failed write cancels the session so queued senders are released.
func (s *session) writeLoop() {
	defer s.wg.Done()
	defer close(s.writeDone)
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
				s.cancel()
				return
			}
		case <-s.done:
			// Drain buffered audio before exiting.
			for {
				select {
				case chunk := <-s.audio:
					if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
						s.cancel()
						return
					}
				default:
					return
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// readLoop receives JSON messages from the service and dispatches them to the
// partials and finals channels.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			// Normal close or session cancellation.
			return
		}

		t, ok := parseStreamMessage(msg)
		if !ok {
			continue
		}

		if t.IsFinal {
			select {
			case s.finals <- t:
			case <-s.done:
			case <-s.ctx.Done():
				return
			}
		} else {
			select {
			case s.partials <- t:
			case <-s.done:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// parseStreamMessage parses a raw streaming message into a Transcript.
// Returns (zero, false) for messages that should be ignored.
func parseStreamMessage(data []byte) (stt.Transcript, bool) {
	var m streamMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return stt.Transcript{}, false
	}

	now := time.Now()
	switch {
	case m.Type == "speech.hypothesis" || (m.RecognitionStatus == "" && m.Text != ""):
		return stt.Transcript{
			Outcome:    stt.OutcomeSuccess,
			Text:       m.Text,
			Confidence: m.Confidence,
			Timestamp:  now,
		}, true
	case m.RecognitionStatus == "Success":
		return stt.Transcript{
			Outcome:    stt.OutcomeSuccess,
			Text:       m.DisplayText,
			IsFinal:    true,
			Confidence: m.Confidence,
			Timestamp:  now,
		}, true
	case m.RecognitionStatus == "NoMatch":
		return stt.Transcript{Outcome: stt.OutcomeEmpty, IsFinal: true, Timestamp: now}, true
	case m.RecognitionStatus != "":
		return stt.Transcript{
			Outcome:   stt.OutcomeFailed,
			IsFinal:   true,
			Message:   m.RecognitionStatus,
			Timestamp: now,
		}, true
	default:
		return stt.Transcript{}, false
	}
}
