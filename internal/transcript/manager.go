// Package transcript maintains the per-session dual transcript buffers: a
// single live buffer overwritten by interim recognitions, and a bounded
// confirmed buffer of committed segments with strictly increasing ids.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
)

// Segment is one committed transcript entry.
type Segment struct {
	// ID is strictly increasing per session and never reused.
	ID int64

	// Text is the recognised speech.
	Text string

	// Confidence is the recognition confidence in [0, 1].
	Confidence float64

	// Time is the recognition timestamp.
	Time time.Time
}

// Live is the interim recognition state. At most one exists per session; each
// partial result replaces it wholesale.
type Live struct {
	Text       string
	Confidence float64
	Updated    time.Time
}

// Context is a snapshot of a session's transcript: the committed segments in
// order plus the current interim text, if any.
type Context struct {
	Confirmed []Segment
	Live      *Live
}

// Text joins the confirmed segments (and the live tail, when present) into a
// single utterance string.
func (c Context) Text() string {
	parts := make([]string, 0, len(c.Confirmed)+1)
	for _, s := range c.Confirmed {
		parts = append(parts, s.Text)
	}
	if c.Live != nil && c.Live.Text != "" {
		parts = append(parts, c.Live.Text)
	}
	return strings.Join(parts, " ")
}

// Config holds the tuning knobs for a [Manager]. Zero values are replaced
// with defaults by [NewManager].
type Config struct {
	// MaxSegments bounds the confirmed buffer; the oldest segment is dropped
	// when a commit would exceed it. Default: 50.
	MaxSegments int

	// DedupWindow is how recently a previous final must have arrived for a
	// near-identical text to be treated as a provider duplicate. Default:
	// 50 ms.
	DedupWindow time.Duration

	// DedupSimilarity is the Jaro-Winkler similarity at or above which two
	// finals inside the window count as the same utterance. Default: 0.95.
	DedupSimilarity float64
}

func (c Config) withDefaults() Config {
	if c.MaxSegments <= 0 {
		c.MaxSegments = 50
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 50 * time.Millisecond
	}
	if c.DedupSimilarity <= 0 {
		c.DedupSimilarity = 0.95
	}
	return c
}

// Manager owns the transcript buffers for all sessions. Sessions are fully
// independent: each holds its own lock, so operations on different sessions
// never contend.
type Manager struct {
	cfg      Config
	sessions sync.Map // session id -> *buffers
}

// buffers is the per-session state, guarded by its own mutex.
type buffers struct {
	mu        sync.Mutex
	nextID    int64
	confirmed []Segment
	live      *Live
	lastFinal string
	lastAt    time.Time
}

// NewManager creates a Manager with the supplied configuration.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg.withDefaults()}
}

func (m *Manager) session(id string) *buffers {
	if b, ok := m.sessions.Load(id); ok {
		return b.(*buffers)
	}
	b, _ := m.sessions.LoadOrStore(id, &buffers{nextID: 1})
	return b.(*buffers)
}

// UpdatePartial replaces the session's live buffer with an interim
// recognition.
func (m *Manager) UpdatePartial(sessionID, text string, confidence float64, ts time.Time) {
	b := m.session(sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live = &Live{Text: text, Confidence: confidence, Updated: ts}
}

// ConfirmFinal commits a final recognition as a new segment and clears the
// live buffer. Empty text clears the live buffer without producing a segment.
// A final whose text near-duplicates the previous one within the dedup
// window is dropped the same way; providers occasionally deliver the same
// final twice when a stream is flushed.
func (m *Manager) ConfirmFinal(sessionID, text string, confidence float64, ts time.Time) (Segment, bool) {
	b := m.session(sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.live = nil

	if text == "" {
		return Segment{}, false
	}
	if b.lastFinal != "" && ts.Sub(b.lastAt) <= m.cfg.DedupWindow && m.similar(text, b.lastFinal) {
		return Segment{}, false
	}

	seg := Segment{ID: b.nextID, Text: text, Confidence: confidence, Time: ts}
	b.nextID++
	b.confirmed = append(b.confirmed, seg)
	if excess := len(b.confirmed) - m.cfg.MaxSegments; excess > 0 {
		b.confirmed = append(b.confirmed[:0], b.confirmed[excess:]...)
	}
	b.lastFinal = text
	b.lastAt = ts
	return seg, true
}

// similar reports whether two finals are the same utterance for dedup
// purposes.
func (m *Manager) similar(a, b string) bool {
	if a == b {
		return true
	}
	return matchr.JaroWinkler(a, b, true) >= m.cfg.DedupSimilarity
}

// GetContext returns a snapshot of the session's transcript.
func (m *Manager) GetContext(sessionID string) Context {
	b := m.session(sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := Context{Confirmed: make([]Segment, len(b.confirmed))}
	copy(out.Confirmed, b.confirmed)
	if b.live != nil {
		live := *b.live
		out.Live = &live
	}
	return out
}

// Clear empties both buffers but keeps the id counter, so segment ids remain
// monotonic across a conversation reset.
func (m *Manager) Clear(sessionID string) {
	b := m.session(sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmed = nil
	b.live = nil
	b.lastFinal = ""
	b.lastAt = time.Time{}
}

// Reset discards the session's state entirely. Used on session teardown.
func (m *Manager) Reset(sessionID string) {
	m.sessions.Delete(sessionID)
}
