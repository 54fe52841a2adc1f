package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/aurelo-ai/aurelo/internal/bus"
	"github.com/aurelo-ai/aurelo/internal/ingress"
	"github.com/aurelo-ai/aurelo/internal/vad"
)

// conn is one client socket. Outbound frames go through a bounded queue
// drained by a single writer goroutine; when the client cannot keep up the
// oldest droppable frame is shed, and multiple pending frames are coalesced
// into a batch frame.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	logger *slog.Logger

	mu             sync.Mutex
	sessionID      string
	showLive       bool
	showConfidence bool
	spokenStream   string
	queue          []frame
	closing        bool
	ended          bool

	wake chan struct{}
}

func newConn(srv *Server, ws *websocket.Conn) *conn {
	return &conn{
		srv:            srv,
		ws:             ws,
		logger:         srv.cfg.Logger,
		showLive:       true,
		showConfidence: true,
		wake:           make(chan struct{}, 1),
	}
}

func (c *conn) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// enqueue adds a frame to the outbound queue. At capacity the oldest
// droppable frame is shed; completion events always survive.
func (c *conn) enqueue(f frame) {
	c.mu.Lock()
	if len(c.queue) >= c.srv.cfg.OutboundQueue {
		shed := -1
		for i, q := range c.queue {
			if droppable(q.Type) {
				shed = i
				break
			}
		}
		if shed >= 0 {
			dropped := c.queue[shed]
			c.queue = append(c.queue[:shed], c.queue[shed+1:]...)
			if c.srv.cfg.Metrics != nil && dropped.Type == typeAssistantDelta {
				c.srv.cfg.Metrics.DroppedTokens.Add(context.Background(), 1)
			}
		}
	}
	c.queue = append(c.queue, f)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// finish flushes the remaining queue and closes the socket. Called on
// SessionClosed, after which no more events arrive for the session.
func (c *conn) finish() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// writeLoop drains the outbound queue. More than one pending frame is sent
// as a single batch so a slow socket sees fewer, larger writes.
func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			pending := c.queue
			c.queue = nil
			closing := c.closing
			c.mu.Unlock()

			if len(pending) == 0 {
				if closing {
					_ = c.ws.Close(websocket.StatusNormalClosure, "session closed")
					return
				}
				break
			}

			var out frame
			if len(pending) == 1 {
				out = pending[0]
			} else {
				out = newFrame(typeBatch, pending[0].SessionID, batchPayload{Frames: pending})
			}
			data, err := json.Marshal(out)
			if err != nil {
				c.logger.Error("frame marshal failed", "type", out.Type, "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Debug("client write failed", "session_id", c.session(), "error", err)
				return
			}
		}
	}
}

// readLoop consumes client messages until the socket drops.
func (c *conn) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			c.teardown()
			return
		}
		switch typ {
		case websocket.MessageBinary:
			c.onAudio(data)
		case websocket.MessageText:
			c.onFrame(data)
		}
	}
}

// teardown releases the session when the socket drops without a clean
// session.end.
func (c *conn) teardown() {
	c.mu.Lock()
	id := c.sessionID
	ended := c.ended
	c.ended = true
	c.mu.Unlock()
	if id == "" || ended {
		return
	}
	c.logger.Info("client disconnected, finalizing session", "session_id", id)
	if err := c.srv.cfg.Sink.Close(id); err != nil {
		c.logger.Warn("session close failed", "session_id", id, "error", err)
	}
}

// onAudio forwards one binary PCM frame into ingress.
func (c *conn) onAudio(data []byte) {
	id := c.session()
	if id == "" {
		c.sendError(bus.CodeProtocol, "audio before session.start", "")
		return
	}
	if len(data) == 0 || len(data)%2 != 0 || len(data) > c.srv.cfg.MaxFrameBytes {
		// Invalid frame size: drop and count, the stream itself continues.
		c.logger.Debug("invalid audio frame dropped", "session_id", id, "bytes", len(data))
		if c.srv.cfg.Metrics != nil {
			c.srv.cfg.Metrics.DroppedAudio.Add(context.Background(), int64(len(data)))
		}
		return
	}
	if err := c.srv.cfg.Sink.Push(id, data); err != nil {
		c.logger.Debug("audio push failed", "session_id", id, "error", err)
	}
}

// onFrame dispatches one JSON control frame.
func (c *conn) onFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.sendError(bus.CodeProtocol, "malformed frame", err.Error())
		return
	}

	switch f.Type {
	case typeSessionStart:
		c.onStart(f)
	case typeSessionEnd:
		c.onEnd()
	case typeConversationClear:
		c.onClear()
	case typePing:
		c.enqueue(newFrame(typePong, c.session(), nil))
	default:
		c.sendError(bus.CodeProtocol, "unknown frame type: "+f.Type, "")
	}
}

func (c *conn) onStart(f frame) {
	c.mu.Lock()
	started := c.sessionID != ""
	c.mu.Unlock()
	if started {
		c.sendError(bus.CodeProtocol, "session already started", "")
		return
	}

	var cfg startConfig
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &cfg); err != nil {
			c.sendError(bus.CodeProtocol, "malformed session.start config", err.Error())
			return
		}
	}

	id := f.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	streaming := true
	if cfg.AISettings.StreamingEnabled != nil {
		streaming = *cfg.AISettings.StreamingEnabled
	}
	sc := ingress.SessionConfig{
		Language:           cfg.Language,
		AutoDetectLanguage: cfg.AutoDetectLanguage,
		SampleRate:         cfg.AudioSettings.SampleRate,
		Thresholds: vad.Thresholds{
			ShortPause:  time.Duration(cfg.VoiceActivityThresholds.ShortPause) * time.Millisecond,
			MediumPause: time.Duration(cfg.VoiceActivityThresholds.MediumPause) * time.Millisecond,
			LongPause:   time.Duration(cfg.VoiceActivityThresholds.LongPause) * time.Millisecond,
		},
		Temperature: cfg.AISettings.Temperature,
		MaxTokens:   cfg.AISettings.MaxTokens,
		Streaming:   streaming,
	}
	if cfg.UISettings.EnableInterruptions != nil && !*cfg.UISettings.EnableInterruptions {
		sc.DisableBargeIn = true
	}

	c.mu.Lock()
	c.sessionID = id
	if cfg.UISettings.ShowLiveTranscript != nil {
		c.showLive = *cfg.UISettings.ShowLiveTranscript
	}
	if cfg.UISettings.ShowConfidenceScores != nil {
		c.showConfidence = *cfg.UISettings.ShowConfidenceScores
	}
	c.mu.Unlock()

	// Attach before init so no early event can miss the connection.
	c.srv.attach(id, c)
	if err := c.srv.cfg.Sink.InitSession(id, sc); err != nil {
		c.srv.detach(id)
		c.mu.Lock()
		c.sessionID = ""
		c.mu.Unlock()
		c.sendError(bus.CodeInternal, "session init failed", err.Error())
		return
	}

	c.enqueue(newFrame(typeSessionReady, id, readyPayload{SessionID: id}))
	c.enqueue(newFrame(typeAudioListening, id, nil))
}

func (c *conn) onEnd() {
	c.mu.Lock()
	id := c.sessionID
	ended := c.ended
	c.ended = true
	c.mu.Unlock()
	if id == "" || ended {
		c.sendError(bus.CodeProtocol, "no active session", "")
		return
	}
	// Close flushes buffered audio synchronously; the SessionClosed event
	// that follows finalization drains the queue and shuts the socket.
	if err := c.srv.cfg.Sink.Close(id); err != nil {
		c.logger.Warn("session close failed", "session_id", id, "error", err)
	}
}

func (c *conn) onClear() {
	id := c.session()
	if id == "" {
		c.sendError(bus.CodeProtocol, "no active session", "")
		return
	}
	if c.srv.cfg.Convos != nil {
		c.srv.cfg.Convos.ClearConversation(id)
	}
	c.enqueue(newFrame(typeConversationCleared, id, nil))
}

func (c *conn) sendError(code, msg, details string) {
	c.enqueue(newFrame(typeError, c.session(), errorPayload{
		Message:   msg,
		Code:      code,
		Details:   details,
		Timestamp: time.Now().UnixMilli(),
	}))
}

// markSpeaking reports whether streamID delivers its first token, so the
// assistant.speaking transition is announced exactly once per stream.
func (c *conn) markSpeaking(streamID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spokenStream == streamID {
		return false
	}
	c.spokenStream = streamID
	return true
}

func (c *conn) liveTranscript() (show, confidence bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.showLive, c.showConfidence
}
