// Package gateway is the client-facing edge: it accepts WebSocket
// connections, negotiates sessions, forwards binary PCM frames into audio
// ingress, and translates pipeline events into the JSON frame protocol the
// client speaks. It also serves the health and metrics endpoints.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aurelo-ai/aurelo/internal/bus"
	"github.com/aurelo-ai/aurelo/internal/ingress"
	"github.com/aurelo-ai/aurelo/internal/observe"
	"github.com/aurelo-ai/aurelo/internal/sched"
)

// AudioSink is the ingress surface the gateway drives. Satisfied by
// [ingress.Processor].
type AudioSink interface {
	InitSession(id string, cfg ingress.SessionConfig) error
	Push(id string, frame []byte) error
	Close(id string) error
}

// Conversations exposes conversation maintenance. Satisfied by the
// orchestrator.
type Conversations interface {
	ClearConversation(id string)
}

// Config holds the dependencies and tuning knobs for a [Server]. Bus and
// Sink are required.
type Config struct {
	// Bus delivers the pipeline events translated to client frames.
	Bus *bus.Bus

	// Sink receives session lifecycle calls and audio frames.
	Sink AudioSink

	// Convos, when non-nil, backs the conversation.clear request.
	Convos Conversations

	// Pools, when non-nil, contributes queue depths to processing.status.
	Pools *sched.Coordinator

	// Metrics, when non-nil, receives gateway instrumentation.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Checks are evaluated by the readiness endpoint.
	Checks []Check

	// OutboundQueue bounds the per-client frame queue. Default: 256.
	OutboundQueue int

	// MaxFrameBytes caps a single binary audio frame (100 ms of PCM16 at
	// 16 kHz by default). Default: 3200.
	MaxFrameBytes int

	// OriginPatterns restricts WebSocket origins. Default: any.
	OriginPatterns []string
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 256
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 3200
	}
	if len(c.OriginPatterns) == 0 {
		c.OriginPatterns = []string{"*"}
	}
	return c
}

// Server owns all client connections and the HTTP surface.
type Server struct {
	cfg    Config
	health *healthHandler

	mu    sync.Mutex
	conns map[string]*conn
}

// New creates a Server and registers its bus subscriptions. Register the
// orchestrator on the bus first so its handlers run before frame delivery.
func New(cfg Config) *Server {
	if cfg.Bus == nil || cfg.Sink == nil {
		panic("gateway: Bus and Sink are required")
	}
	s := &Server{
		cfg:    cfg.withDefaults(),
		health: newHealthHandler(cfg.Checks),
		conns:  make(map[string]*conn),
	}
	s.subscribe()
	return s
}

// Handler returns the HTTP surface: /ws for clients, /healthz and /readyz
// probes, and /metrics for Prometheus scrapes. Observed routes go through
// the metrics middleware; the WebSocket route stays outside it because its
// requests live as long as the session.
func (s *Server) Handler() http.Handler {
	observed := http.NewServeMux()
	observed.HandleFunc("GET /healthz", s.health.Healthz)
	observed.HandleFunc("GET /readyz", s.health.Readyz)
	observed.Handle("GET /metrics", promhttp.Handler())

	var wrapped http.Handler = observed
	if s.cfg.Metrics != nil {
		wrapped = observe.Middleware(s.cfg.Metrics)(observed)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.Handle("/", wrapped)
	return mux
}

// serveWS upgrades the connection and runs the client loops until the socket
// drops.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.cfg.Logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(s, ws)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.writeLoop(ctx)
	c.readLoop(ctx)

	if id := c.session(); id != "" {
		s.detach(id)
	}
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) attach(sessionID string, c *conn) {
	s.mu.Lock()
	s.conns[sessionID] = c
	s.mu.Unlock()
}

func (s *Server) detach(sessionID string) {
	s.mu.Lock()
	delete(s.conns, sessionID)
	s.mu.Unlock()
}

func (s *Server) lookup(sessionID string) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[sessionID]
}

// subscribe registers the bus-to-client translations. Handlers for one
// session run in event order, so frame order on the socket mirrors pipeline
// order.
func (s *Server) subscribe() {
	s.cfg.Bus.Subscribe(bus.SpeechStart, func(ev bus.Event) {
		if c := s.lookup(ev.SessionID); c != nil {
			c.enqueue(newFrame(typeAudioVAD, ev.SessionID, vadPayload{Speaking: true}))
		}
	})

	s.cfg.Bus.Subscribe(bus.SilenceDetected, func(ev bus.Event) {
		c := s.lookup(ev.SessionID)
		if c == nil {
			return
		}
		sil, ok := ev.Payload.(bus.Silence)
		if !ok {
			return
		}
		c.enqueue(newFrame(typeAudioVAD, ev.SessionID, vadPayload{
			Speaking:   false,
			Pause:      sil.Pause.String(),
			DurationMs: sil.Duration.Milliseconds(),
		}))
		if sil.Pause >= bus.PauseEndOfThought {
			c.enqueue(newFrame(typeProcessingStatus, ev.SessionID, statusPayload{
				Stage:  "transcribing",
				Queues: s.queueDepths(),
			}))
		}
	})

	s.cfg.Bus.Subscribe(bus.PartialTranscript, func(ev bus.Event) {
		s.forwardTranscript(ev, typeTranscriptPartial)
	})
	s.cfg.Bus.Subscribe(bus.FinalTranscript, func(ev bus.Event) {
		s.forwardTranscript(ev, typeTranscriptFinal)
	})

	s.cfg.Bus.Subscribe(bus.ResponseStarted, func(ev bus.Event) {
		c := s.lookup(ev.SessionID)
		if c == nil {
			return
		}
		ref, _ := ev.Payload.(bus.ResponseRef)
		c.enqueue(newFrame(typeAssistantThinking, ev.SessionID, streamPayload{StreamID: ref.StreamID}))
	})

	s.cfg.Bus.Subscribe(bus.ResponseToken, func(ev bus.Event) {
		c := s.lookup(ev.SessionID)
		if c == nil {
			return
		}
		tok, ok := ev.Payload.(bus.Token)
		if !ok {
			return
		}
		if c.markSpeaking(tok.StreamID) {
			c.enqueue(newFrame(typeAssistantSpeaking, ev.SessionID, streamPayload{StreamID: tok.StreamID}))
		}
		c.enqueue(newFrame(typeAssistantDelta, ev.SessionID, deltaPayload{
			Text:      tok.Text,
			Timestamp: ev.Time.UnixMilli(),
		}))
	})

	s.cfg.Bus.Subscribe(bus.ResponseDone, func(ev bus.Event) {
		c := s.lookup(ev.SessionID)
		if c == nil {
			return
		}
		txt, _ := ev.Payload.(bus.ResponseText)
		c.enqueue(newFrame(typeAssistantDone, ev.SessionID, donePayload{StreamID: txt.StreamID, Text: txt.Text}))
		c.enqueue(newFrame(typeAudioListening, ev.SessionID, nil))
	})

	s.cfg.Bus.Subscribe(bus.ResponseCancelled, func(ev bus.Event) {
		c := s.lookup(ev.SessionID)
		if c == nil {
			return
		}
		ref, _ := ev.Payload.(bus.ResponseRef)
		c.enqueue(newFrame(typeAssistantInterrupted, ev.SessionID, streamPayload{StreamID: ref.StreamID}))
		c.enqueue(newFrame(typeAudioListening, ev.SessionID, nil))
	})

	s.cfg.Bus.Subscribe(bus.ErrorEvent, func(ev bus.Event) {
		c := s.lookup(ev.SessionID)
		if c == nil {
			return
		}
		e, _ := ev.Payload.(bus.Error)
		c.enqueue(newFrame(typeError, ev.SessionID, errorPayload{
			Message:   e.Message,
			Code:      e.Code,
			Timestamp: ev.Time.UnixMilli(),
		}))
	})

	s.cfg.Bus.Subscribe(bus.SessionClosed, func(ev bus.Event) {
		if c := s.lookup(ev.SessionID); c != nil {
			s.detach(ev.SessionID)
			c.finish()
		}
		// Release the session queue once its last event is being handled.
		go s.cfg.Bus.ReleaseSession(ev.SessionID)
	})
}

func (s *Server) forwardTranscript(ev bus.Event, frameType string) {
	c := s.lookup(ev.SessionID)
	if c == nil {
		return
	}
	upd, ok := ev.Payload.(bus.TranscriptUpdate)
	if !ok {
		return
	}
	showLive, showConf := c.liveTranscript()
	if frameType == typeTranscriptPartial && !showLive {
		return
	}
	p := transcriptPayload{Text: upd.Text, Final: upd.Final}
	if showConf {
		conf := upd.Confidence
		p.Confidence = &conf
	}
	c.enqueue(newFrame(frameType, ev.SessionID, p))
}

// queueDepths snapshots the worker pool queues for processing.status.
func (s *Server) queueDepths() map[string]int {
	if s.cfg.Pools == nil {
		return nil
	}
	out := make(map[string]int)
	for name, st := range s.cfg.Pools.Stats() {
		out[name] = st.QueueDepth
	}
	return out
}

// CloseIdle finalizes the given sessions, typically fed from the
// orchestrator's idle scan by the janitor.
func (s *Server) CloseIdle(ids []string) {
	for _, id := range ids {
		s.cfg.Logger.Info("finalizing idle session", "session_id", id)
		if err := s.cfg.Sink.Close(id); err != nil {
			s.cfg.Logger.Warn("idle session close failed", "session_id", id, "error", err)
		}
	}
}
