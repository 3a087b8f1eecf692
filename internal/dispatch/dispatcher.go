package dispatch

import (
	"fmt"
	"log/slog"
	"sync"

	"classlink/internal/logging"
	"classlink/internal/metrics"
	"classlink/pkg/types"
)

// Handler consumes decoded events for one topic.
type Handler func(ev types.Event)

// lane is a per-topic FIFO worker. events is never closed; quit ends the lane.
type lane struct {
	topic    string
	handler  Handler
	events   chan types.Event
	quit     chan struct{}
	quitOnce sync.Once
}

func (l *lane) stop() {
	l.quitOnce.Do(func() { close(l.quit) })
}

// Dispatcher decodes inbound frames and routes them to the handler
// registered for the topic they arrived on
// ARCHITECTURAL DISCOVERY: one goroutine per topic keeps events of a topic in
// arrival order while rooms and conversations proceed independently
type Dispatcher struct {
	mu       sync.RWMutex
	lanes    map[string]*lane
	closed   bool
	laneSize int
	wg       sync.WaitGroup

	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLaneSize sets the per-topic buffer. A full lane blocks the caller,
// which pushes back on the transport read loop.
func WithLaneSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.laneSize = n
		}
	}
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		lanes:    make(map[string]*lane),
		laneSize: 256,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrDefault(d.logger).With("component", "dispatch")
	return d
}

// Register binds a handler to topic and starts its lane.
func (d *Dispatcher) Register(topic string, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if _, ok := d.lanes[topic]; ok {
		return fmt.Errorf("%w: %s", ErrTopicRegistered, topic)
	}

	l := &lane{
		topic:   topic,
		handler: h,
		events:  make(chan types.Event, d.laneSize),
		quit:    make(chan struct{}),
	}
	d.lanes[topic] = l
	d.wg.Add(1)
	go d.run(l)
	return nil
}

// Unregister stops routing to topic. Events already queued are still
// handled; later ones are dropped as unknown targets. Safe to call from
// inside a handler.
func (d *Dispatcher) Unregister(topic string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.lanes[topic]; ok {
		delete(d.lanes, topic)
		l.stop()
	}
}

// HandleFrame decodes raw and dispatches it. Decode errors are logged and
// dropped; they never reach callers.
func (d *Dispatcher) HandleFrame(topic string, raw []byte) {
	ev, err := types.Decode(raw)
	if err != nil {
		d.metrics.DecodeError()
		d.logger.Warn("dropping undecodable frame", "topic", topic, "err", err)
		return
	}
	d.Dispatch(topic, ev)
}

// Dispatch queues ev on the lane for topic. It reports false when no
// handler is registered, in which case the event is dropped.
func (d *Dispatcher) Dispatch(topic string, ev types.Event) bool {
	d.mu.RLock()
	l, ok := d.lanes[topic]
	d.mu.RUnlock()

	if !ok {
		d.metrics.FrameDropped("no_route")
		d.logger.Debug("no target for event", "topic", topic, "type", ev.Type())
		return false
	}

	select {
	case l.events <- ev:
		d.metrics.FrameReceived(string(ev.Type()))
		return true
	case <-l.quit:
		d.metrics.FrameDropped("lane_closed")
		return false
	}
}

// Topics returns the registered topics.
func (d *Dispatcher) Topics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.lanes))
	for t := range d.lanes {
		out = append(out, t)
	}
	return out
}

// Close unregisters every topic and waits for queued events to drain.
// It must not be called from inside a handler.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for topic, l := range d.lanes {
			delete(d.lanes, topic)
			l.stop()
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run(l *lane) {
	defer d.wg.Done()
	for {
		select {
		case ev := <-l.events:
			d.invoke(l, ev)
		case <-l.quit:
			// drain what was queued before the lane stopped
			for {
				select {
				case ev := <-l.events:
					d.invoke(l, ev)
				default:
					return
				}
			}
		}
	}
}

// invoke isolates a panicking handler so the lane keeps draining.
func (d *Dispatcher) invoke(l *lane, ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", "topic", l.topic, "type", ev.Type(), "panic", r)
		}
	}()
	l.handler(ev)
}
