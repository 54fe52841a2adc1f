package bus

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus: closed")

// defaultQueueDepth is the per-session event queue capacity. Publishing to a
// full queue blocks; the pipeline's event rate is low (state transitions, not
// audio frames), so blocking preserves ordering without unbounded memory.
const defaultQueueDepth = 256

// Handler processes a single event. Handlers for a given session are invoked
// sequentially in publish order and must not assume any particular goroutine.
type Handler func(Event)

// Bus is an in-process topic dispatcher with per-session ordering.
//
// Subscriptions are expected to be registered at construction time, before
// the first Publish; the subscriber table is read-mostly afterwards. Each
// session gets a single-writer queue drained by one goroutine, which honours
// arrival-order delivery within the session while allowing cross-session
// parallelism.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Type][]Handler
	queues map[string]*sessionQueue
	closed bool

	queueDepth int
	logger     *slog.Logger
}

// Option configures a Bus during construction.
type Option func(*Bus)

// WithQueueDepth overrides the per-session queue capacity (default 256).
func WithQueueDepth(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueDepth = n
		}
	}
}

// WithLogger sets the logger used for recovered handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[Type][]Handler),
		queues:     make(map[string]*sessionQueue),
		queueDepth: defaultQueueDepth,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers h for events of type t. Handlers registered for the
// same type run in registration order.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], h)
}

// Publish enqueues ev on its session's queue, creating the queue on first
// use. Events without a session id share a single global queue. Publish
// blocks when the session queue is full, preserving order under pressure.
func (b *Bus) Publish(ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	q, ok := b.queues[ev.SessionID]
	if !ok {
		q = newSessionQueue(b, ev.SessionID, b.queueDepth)
		b.queues[ev.SessionID] = q
	}
	b.mu.Unlock()

	return q.enqueue(ev)
}

// ReleaseSession tears down the per-session queue after delivering all
// pending events. Call it after SessionFinalized handlers have run.
func (b *Bus) ReleaseSession(sessionID string) {
	b.mu.Lock()
	q, ok := b.queues[sessionID]
	if ok {
		delete(b.queues, sessionID)
	}
	b.mu.Unlock()
	if ok {
		q.close()
	}
}

// Close stops all session queues after draining pending events. Publish
// returns ErrClosed afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	queues := make([]*sessionQueue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.queues = make(map[string]*sessionQueue)
	b.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
}

// dispatch invokes all handlers subscribed to ev.Type, isolating panics.
func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	handlers := b.subs[ev.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(h, ev)
	}
}

// invoke runs a single handler with panic isolation.
func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"type", string(ev.Type),
				"session_id", ev.SessionID,
				"panic", r,
			)
		}
	}()
	h(ev)
}

// sessionQueue serialises event delivery for one session.
type sessionQueue struct {
	bus  *Bus
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func newSessionQueue(b *Bus, sessionID string, depth int) *sessionQueue {
	q := &sessionQueue{
		bus:  b,
		ch:   make(chan Event, depth),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *sessionQueue) run() {
	defer close(q.done)
	for ev := range q.ch {
		q.bus.dispatch(ev)
	}
}

func (q *sessionQueue) enqueue(ev Event) (err error) {
	defer func() {
		// The queue channel may close concurrently with a late publish during
		// session teardown; report that as ErrClosed rather than panicking.
		if recover() != nil {
			err = ErrClosed
		}
	}()
	q.ch <- ev
	return nil
}

func (q *sessionQueue) close() {
	q.once.Do(func() {
		close(q.ch)
	})
	<-q.done
}
