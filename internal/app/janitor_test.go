package app

import (
	"context"
	"testing"
	"time"

	"github.com/aurelo-ai/aurelo/internal/config"
	llmmock "github.com/aurelo-ai/aurelo/pkg/provider/llm/mock"
	sttmock "github.com/aurelo-ai/aurelo/pkg/provider/stt/mock"
)

func janitorConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Providers: config.ProvidersConfig{
			STT: config.STTConfig{Name: "mock"},
			LLM: config.LLMConfig{Name: "mock"},
		},
	}
}

func TestNew_IdleWindowFollowsBufferCap(t *testing.T) {
	cfg := janitorConfig()
	cfg.Pipeline.MaxBufferMs = 12000

	a, err := New(cfg, WithSTT(&sttmock.Provider{}), WithLLM(&llmmock.Provider{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if want := 12 * time.Second; a.maxIdle != want {
		t.Errorf("maxIdle = %v, want %v (the audio buffer window)", a.maxIdle, want)
	}
	if a.janitorTick != time.Second {
		t.Errorf("janitorTick = %v, want 1s", a.janitorTick)
	}
}

func TestNew_IdleWindowDefaultsWithoutBufferCap(t *testing.T) {
	a, err := New(janitorConfig(), WithSTT(&sttmock.Provider{}), WithLLM(&llmmock.Provider{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if a.maxIdle != defaultMaxIdle {
		t.Errorf("maxIdle = %v, want %v", a.maxIdle, defaultMaxIdle)
	}
}

func TestJanitor_SweepsExpiredHistory(t *testing.T) {
	cfg := janitorConfig()
	cfg.Pipeline.ContextTTLMs = 20

	a, err := New(cfg, WithSTT(&sttmock.Provider{}), WithLLM(&llmmock.Provider{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())
	a.janitorTick = 10 * time.Millisecond

	a.history.Touch("stale")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.janitor(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for a.history.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := a.history.Len(); n != 0 {
		t.Errorf("history records = %d, want 0 after the janitor sweep", n)
	}
}
