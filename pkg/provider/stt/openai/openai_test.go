package openai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aurelo-ai/aurelo/pkg/provider/stt"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

func TestTranscribe_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"turn on the lights"}`))
	}))
	defer srv.Close()

	p, err := New("test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	tr, err := p.Transcribe(context.Background(), make([]byte, 320), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Outcome != stt.OutcomeSuccess || tr.Text != "turn on the lights" || !tr.IsFinal {
		t.Errorf("transcript = %+v", tr)
	}
}

func TestTranscribe_AuthStatusWrapsErrAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p, err := New("bad-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	_, err = p.Transcribe(context.Background(), make([]byte, 320), stt.StreamConfig{SampleRate: 16000})
	if !errors.Is(err, stt.ErrAuth) {
		t.Errorf("err = %v, want stt.ErrAuth so the session can lock transcription out", err)
	}
}

func TestStartStream_NotSupported(t *testing.T) {
	p, err := New("k")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.StartStream(context.Background(), stt.StreamConfig{}); !errors.Is(err, stt.ErrNotSupported) {
		t.Errorf("err = %v, want stt.ErrNotSupported", err)
	}
}
