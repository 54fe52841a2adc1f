// Package app wires all Aurelo subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves clients until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject mock providers via functional options (WithSTT,
// WithLLM). When an option is not provided, New creates real providers from
// the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/aurelo-ai/aurelo/internal/bus"
	"github.com/aurelo-ai/aurelo/internal/config"
	"github.com/aurelo-ai/aurelo/internal/gateway"
	"github.com/aurelo-ai/aurelo/internal/ingress"
	"github.com/aurelo-ai/aurelo/internal/observe"
	"github.com/aurelo-ai/aurelo/internal/orchestrator"
	"github.com/aurelo-ai/aurelo/internal/respond"
	"github.com/aurelo-ai/aurelo/internal/sched"
	"github.com/aurelo-ai/aurelo/internal/session"
	"github.com/aurelo-ai/aurelo/internal/transcript"
	"github.com/aurelo-ai/aurelo/internal/vad"
	"github.com/aurelo-ai/aurelo/pkg/provider/llm"
	"github.com/aurelo-ai/aurelo/pkg/provider/llm/anyllm"
	llmmock "github.com/aurelo-ai/aurelo/pkg/provider/llm/mock"
	"github.com/aurelo-ai/aurelo/pkg/provider/stt"
	"github.com/aurelo-ai/aurelo/pkg/provider/stt/azure"
	sttmock "github.com/aurelo-ai/aurelo/pkg/provider/stt/mock"
	sttopenai "github.com/aurelo-ai/aurelo/pkg/provider/stt/openai"
)

// janitorTick is the idle sweep cadence. The sweep is cheap, so it runs
// tightly enough that a silent session is finalized soon after its idle
// window elapses rather than half a minute later.
const janitorTick = time.Second

// defaultMaxIdle is the idle window when the pipeline has no buffer cap
// configured.
const defaultMaxIdle = 30 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	sttProvider stt.Provider
	llmProvider llm.Provider

	bus     *bus.Bus
	pools   *sched.Coordinator
	metrics *observe.Metrics
	breaker *sched.Breaker

	transcripts *transcript.Manager
	history     *session.Store
	ingress     *ingress.Processor
	orch        *orchestrator.Orchestrator
	gateway     *gateway.Server

	srv *http.Server

	// janitorTick and maxIdle drive the idle sweep. maxIdle follows the
	// audio buffer window: a session silent for longer than its ring can
	// hold is finalized.
	janitorTick time.Duration
	maxIdle     time.Duration

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSTT injects an STT provider instead of creating one from config.
func WithSTT(p stt.Provider) Option {
	return func(a *App) { a.sttProvider = p }
}

// WithLLM injects an LLM provider instead of creating one from config.
func WithLLM(p llm.Provider) Option {
	return func(a *App) { a.llmProvider = p }
}

// New creates an App by wiring all subsystems together. The orchestrator
// registers on the bus before the gateway so that for every event the
// conversation state machine runs before frame delivery.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.metrics = metrics

	a.bus = bus.New()
	a.closers = append(a.closers, func() error {
		a.bus.Close()
		return nil
	})

	a.pools = sched.NewCoordinator(sched.PoolSizes{
		Audio:     cfg.Pools.Audio,
		STT:       cfg.Pools.STT,
		LLM:       cfg.Pools.LLM,
		Scheduled: cfg.Pools.Scheduled,
	})
	a.closers = append(a.closers, func() error {
		a.pools.Close()
		return nil
	})

	a.breaker = sched.NewBreaker(sched.BreakerConfig{
		Name: "stt",
		OnOpen: func() {
			slog.Warn("stt circuit opened; transcription suspended for this outage window")
		},
	})

	a.janitorTick = janitorTick
	a.maxIdle = cfg.Pipeline.MaxBuffer()
	if a.maxIdle <= 0 {
		a.maxIdle = defaultMaxIdle
	}

	a.transcripts = transcript.NewManager(transcript.Config{})
	a.history = session.NewStore(cfg.Pipeline.ContextTTL())
	builder := session.NewBuilder(session.BuilderConfig{})

	p := cfg.Pipeline
	a.ingress = ingress.NewProcessor(ingress.Config{
		Publisher: a.bus,
		Provider:  a.sttProvider,
		Pools:     a.pools,
		Breaker:   a.breaker,
		Metrics:   a.metrics,
		MaxBuffer: p.MaxBuffer(),
		Detector: vad.DetectorConfig{
			Threshold: p.EnergyThreshold,
			Adaptive:  p.AdaptiveThreshold,
		},
		Thresholds: vad.Thresholds{
			ShortPause:  p.Pause.Short(),
			MediumPause: p.Pause.Medium(),
			LongPause:   p.Pause.Long(),
			Silence:     p.SilenceThreshold(),
		},
	})

	a.orch = orchestrator.New(orchestrator.Config{
		Bus:         a.bus,
		Transcripts: a.transcripts,
		Contexts:    builder,
		History:     a.history,
		Streamer:    respond.New(a.bus, respond.Config{}),
		LLM:         a.llmProvider,
		Pools:       a.pools,
		Voice:       a.ingress,
		Silence:     a.ingress,
		Metrics:     a.metrics,
	})

	a.gateway = gateway.New(gateway.Config{
		Bus:            a.bus,
		Sink:           a.ingress,
		Convos:         a.orch,
		Pools:          a.pools,
		Metrics:        a.metrics,
		Checks:         a.healthChecks(),
		OriginPatterns: cfg.Server.AllowedOrigins,
	})

	return a, nil
}

// initProviders builds the STT and LLM providers named in the config unless
// test doubles were injected.
func (a *App) initProviders() error {
	if a.sttProvider == nil {
		p, err := buildSTT(a.cfg.Providers.STT)
		if err != nil {
			return err
		}
		a.sttProvider = p
	}
	if a.llmProvider == nil {
		p, err := buildLLM(a.cfg.Providers.LLM)
		if err != nil {
			return err
		}
		a.llmProvider = p
	}
	return nil
}

// buildSTT constructs the speech-to-text provider for the config.
func buildSTT(cfg config.STTConfig) (stt.Provider, error) {
	switch cfg.Name {
	case "azure":
		opts := []azure.Option{azure.WithRegion(cfg.Region)}
		if cfg.Language != "" {
			opts = append(opts, azure.WithLanguage(cfg.Language))
		}
		p, err := azure.New(cfg.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "openai":
		p, err := sttopenai.New(cfg.APIKey)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "mock":
		return &sttmock.Provider{}, nil
	case "":
		return nil, errors.New("providers.stt.name is required")
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Name)
	}
}

// buildLLM constructs the generation provider for the config.
func buildLLM(cfg config.LLMConfig) (llm.Provider, error) {
	switch cfg.Name {
	case "mock":
		return &llmmock.Provider{}, nil
	case "":
		return nil, errors.New("providers.llm.name is required")
	default:
		var opts []anyllmlib.Option
		if cfg.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		p, err := anyllm.New(cfg.Name, cfg.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// healthChecks builds the readiness probes served by /readyz.
func (a *App) healthChecks() []gateway.Check {
	return []gateway.Check{
		{
			Name: "stt",
			Probe: func(context.Context) error {
				if a.breaker.State() == sched.BreakerOpen {
					return errors.New("circuit open")
				}
				return nil
			},
		},
		{
			Name: "llm",
			Probe: func(context.Context) error {
				if a.llmProvider == nil {
					return errors.New("not configured")
				}
				return nil
			},
		},
	}
}

// Run serves clients until ctx is cancelled, then drains the HTTP server.
// It returns nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.srv = &http.Server{
		Addr:              addr,
		Handler:           a.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("listening", "addr", addr)
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.janitor(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.srv.Shutdown(sctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// janitor periodically sweeps expired conversation histories and finalizes
// sessions with no recent activity.
func (a *App) janitor(ctx context.Context) {
	ticker := time.NewTicker(a.janitorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := a.pools.Scheduled().Submit(func(context.Context) error {
				if expired := a.history.Sweep(time.Now()); len(expired) > 0 {
					slog.Debug("swept expired histories", "count", len(expired))
				}
				if idle := a.orch.IdleSessions(a.maxIdle); len(idle) > 0 {
					a.gateway.CloseIdle(idle)
				}
				return nil
			})
			if err != nil {
				slog.Warn("janitor sweep rejected", "error", err)
			}
		}
	}
}

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
