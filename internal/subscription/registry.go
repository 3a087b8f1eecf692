package subscription

import (
	"log/slog"
	"sync"

	"classlink/internal/logging"
	"classlink/internal/transport"
	"classlink/pkg/interfaces"
	"classlink/pkg/types"
)

// Handle is one caller's claim on a topic. Releasing it twice is a no-op.
type Handle struct {
	topic    string
	released bool
}

func (h *Handle) Topic() string { return h.topic }

type entry struct {
	refs   int
	active bool // subscribe frame accepted by the current link
}

// Registry refcounts topic subscriptions on one connection and replays them
// after a reconnect
// ARCHITECTURAL DISCOVERY: only the 0->1 and 1->0 transitions reach the
// broker; every other Subscribe/Unsubscribe is local bookkeeping
type Registry struct {
	mu     sync.Mutex
	conn   interfaces.Subscriber
	topics map[string]*entry
	closed bool
	logger *slog.Logger
}

func NewRegistry(conn interfaces.Subscriber, logger *slog.Logger) *Registry {
	return &Registry{
		conn:   conn,
		topics: make(map[string]*entry),
		logger: logging.OrDefault(logger).With("component", "subscription"),
	}
}

// Subscribe returns a new handle for topic. A send failure leaves the topic
// pending; Replay picks it up on the next reconnect.
func (r *Registry) Subscribe(topic string) (*Handle, error) {
	if err := types.ValidateTopic(topic); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	e, ok := r.topics[topic]
	if !ok {
		e = &entry{}
		r.topics[topic] = e
	}
	e.refs++

	if e.refs == 1 {
		if err := r.conn.Subscribe(topic); err != nil {
			r.logger.Warn("subscribe pending", "topic", topic, "err", err)
		} else {
			e.active = true
		}
	}
	return &Handle{topic: topic}, nil
}

// Unsubscribe releases h. The unsubscribe frame is best effort: bookkeeping
// is updated even when the connection is gone.
func (r *Registry) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h.released {
		return
	}
	h.released = true

	e, ok := r.topics[h.topic]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(r.topics, h.topic)

	if e.active && !r.closed {
		if err := r.conn.Unsubscribe(h.topic); err != nil {
			r.logger.Debug("unsubscribe not sent", "topic", h.topic, "err", err)
		}
	}
}

// Replay re-issues subscribe for every topic with a non-zero refcount,
// exactly once each. It returns the number of frames sent.
func (r *Registry) Replay() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}

	sent := 0
	for topic, e := range r.topics {
		if err := r.conn.Subscribe(topic); err != nil {
			e.active = false
			r.logger.Warn("replay subscribe failed", "topic", topic, "err", err)
			continue
		}
		e.active = true
		sent++
	}
	r.logger.Info("subscriptions replayed", "topics", sent)
	return sent
}

// HandleStatus is registered with Connection.OnStatus.
func (r *Registry) HandleStatus(s transport.Status) {
	switch s.State {
	case transport.StateConnected:
		if s.Reconnected {
			r.Replay()
		}
	case transport.StateDisconnected, transport.StateFailed:
		r.mu.Lock()
		for _, e := range r.topics {
			e.active = false
		}
		r.mu.Unlock()
	case transport.StateClosed:
		r.Close()
	}
}

// Refcount returns the current refcount for topic.
func (r *Registry) Refcount(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.topics[topic]; ok {
		return e.refs
	}
	return 0
}

// Active reports whether topic's subscribe frame went out on the current link.
func (r *Registry) Active(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.topics[topic]
	return ok && e.active
}

// Topics returns every topic with a non-zero refcount.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	return out
}

// Close drops all bookkeeping without sending frames.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.topics = make(map[string]*entry)
}
