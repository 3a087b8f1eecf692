package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"classlink/internal/logging"
	"classlink/internal/metrics"
	"classlink/pkg/types"
)

const maxFrameSize = 1 << 20

// Connection is one logical, reconnecting connection to the broker
// ARCHITECTURAL DISCOVERY: a physical websocket (link) is replaced on every
// reconnect while handlers, observers and the Connection itself survive, so
// rooms and conversations never hold a socket directly
type Connection struct {
	endpoint   string
	credential string

	dialer       *websocket.Dialer
	backoff      Backoff
	dialTimeout  time.Duration
	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	sendBuffer   int
	logger       *slog.Logger
	metrics      *metrics.Metrics

	ctx       context.Context
	cancel    context.CancelFunc
	started   atomic.Bool
	closeOnce sync.Once

	mu     sync.RWMutex
	link   *link
	status Status

	hmu       sync.RWMutex
	handlers  map[string][]handlerEntry
	observers []observerEntry
	nextID    uint64
}

type handlerEntry struct {
	id uint64
	fn func(payload []byte)
}

type observerEntry struct {
	id uint64
	fn func(Status)
}

// link is one physical websocket with its own single writer goroutine.
type link struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func (l *link) close(err error) {
	l.closeOnce.Do(func() {
		l.err = err
		close(l.done)
		l.ws.Close()
	})
}

type Option func(*Connection)

func WithBackoff(b Backoff) Option {
	return func(c *Connection) { c.backoff = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Connection) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Connection) { c.metrics = m }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Connection) { c.dialer = d }
}

// WithTimeouts overrides dial, ping, read and write timing. Zero values keep defaults.
func WithTimeouts(dial, ping, read, write time.Duration) Option {
	return func(c *Connection) {
		if dial > 0 {
			c.dialTimeout = dial
		}
		if ping > 0 {
			c.pingInterval = ping
		}
		if read > 0 {
			c.readTimeout = read
		}
		if write > 0 {
			c.writeTimeout = write
		}
	}
}

func WithSendBuffer(n int) Option {
	return func(c *Connection) {
		if n > 0 {
			c.sendBuffer = n
		}
	}
}

// New prepares a connection without dialing. The credential travels only in
// the Authorization header, so an endpoint carrying a token query is refused.
func New(endpoint, credential string, opts ...Option) (*Connection, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, ErrInvalidEndpoint
	}
	if u.Query().Has("token") || u.User != nil {
		return nil, ErrInvalidEndpoint
	}
	if credential == "" {
		return nil, ErrMissingCredential
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		endpoint:     endpoint,
		credential:   credential,
		dialer:       websocket.DefaultDialer,
		backoff:      FixedBackoff{Delay: DefaultReconnectDelay},
		dialTimeout:  10 * time.Second,
		pingInterval: 30 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		sendBuffer:   100,
		ctx:          ctx,
		cancel:       cancel,
		handlers:     make(map[string][]handlerEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger).With("component", "transport", "endpoint", endpoint)
	return c, nil
}

// Connect is New followed by Start.
func Connect(ctx context.Context, endpoint, credential string, opts ...Option) (*Connection, error) {
	c, err := New(endpoint, credential, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Start blocks until the first handshake succeeds. Transient failures are
// retried with the backoff and reported as Disconnected; a permanent
// ConnectError, ctx cancellation or Close ends the attempt.
func (c *Connection) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	dialCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	ln, err := c.connectLoop(dialCtx, false)
	if err != nil {
		if c.ctx.Err() != nil {
			return ErrClosed
		}
		if ctx.Err() != nil {
			return fmt.Errorf("connect %s: %w", c.endpoint, ctx.Err())
		}
		return err
	}

	go c.supervise(ln)
	return nil
}

// connectLoop dials until success, a permanent failure or cancellation.
func (c *Connection) connectLoop(ctx context.Context, reconnect bool) (*link, error) {
	for attempt := 1; ; attempt++ {
		c.setStatus(Status{State: StateConnecting, Attempt: attempt, Reconnected: reconnect})

		ln, err := c.dial(ctx)
		if err == nil {
			if !c.install(ln) {
				return nil, ErrClosed
			}
			c.logger.Info("transport connected", "attempt", attempt, "reconnected", reconnect)
			c.setStatus(Status{State: StateConnected, Attempt: attempt, Reconnected: reconnect})
			return ln, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if IsPermanent(err) {
			c.logger.Error("transport rejected", "err", err)
			c.setStatus(Status{State: StateFailed, Attempt: attempt, Err: err})
			return nil, err
		}

		delay := c.backoff.Next(attempt)
		c.logger.Warn("transport connect failed", "attempt", attempt, "retry_in", delay, "err", err)
		c.setStatus(Status{State: StateDisconnected, Attempt: attempt, Err: err})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (c *Connection) dial(ctx context.Context) (*link, error) {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.credential)

	dialer, detach := abortableDialer(dctx, c.dialer)
	ws, resp, err := dialer.DialContext(dctx, c.endpoint, header)
	if err == nil && !detach() {
		ws.Close()
		err = dctx.Err()
	}
	if err != nil {
		ce := &ConnectError{Endpoint: c.endpoint, Err: err}
		if resp != nil {
			ce.StatusCode = resp.StatusCode
		}
		return nil, ce
	}

	ln := &link{
		ws:   ws,
		send: make(chan []byte, c.sendBuffer),
		done: make(chan struct{}),
	}
	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	})

	go c.writeLoop(ln)
	go c.readLoop(ln)
	return ln, nil
}

// abortableDialer returns a copy of d whose network connections are closed
// as soon as ctx ends. gorilla only applies the ctx deadline to the
// handshake, so without this a cancel would wait for the dial timeout.
// detach must be called once the handshake succeeded; it reports false if
// the connection was already closed.
func abortableDialer(ctx context.Context, d *websocket.Dialer) (*websocket.Dialer, func() bool) {
	var (
		mu    sync.Mutex
		stops []func() bool
	)
	out := *d
	netDial := d.NetDialContext
	if netDial == nil && d.NetDial != nil {
		netDial = func(_ context.Context, network, addr string) (net.Conn, error) {
			return d.NetDial(network, addr)
		}
	}
	if netDial == nil {
		netDial = (&net.Dialer{}).DialContext
	}
	out.NetDialContext = func(dctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := netDial(dctx, network, addr)
		if err != nil {
			return nil, err
		}
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		mu.Lock()
		stops = append(stops, stop)
		mu.Unlock()
		return conn, nil
	}

	detach := func() bool {
		mu.Lock()
		defer mu.Unlock()
		ok := true
		for _, stop := range stops {
			if !stop() {
				ok = false
			}
		}
		return ok
	}
	return &out, detach
}

// supervise waits for the current link to die and reconnects until Close
// or a permanent failure.
func (c *Connection) supervise(ln *link) {
	for {
		select {
		case <-ln.done:
		case <-c.ctx.Done():
			return
		}

		c.uninstall(ln)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("transport lost", "err", ln.err)
		c.setStatus(Status{State: StateDisconnected, Err: ln.err})

		// the lost link counts as the first failure
		timer := time.NewTimer(c.backoff.Next(1))
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			return
		}

		next, err := c.connectLoop(c.ctx, true)
		if err != nil {
			return
		}
		c.metrics.Reconnected()
		ln = next
	}
}

// install refuses a link that finished dialing after Close.
func (c *Connection) install(ln *link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		ln.close(ErrClosed)
		return false
	}
	c.link = ln
	c.metrics.ConnectionUp()
	return true
}

func (c *Connection) uninstall(ln *link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == ln {
		c.link = nil
		c.metrics.ConnectionDown()
	}
}

// writeLoop is the only goroutine writing to ln.ws.
func (c *Connection) writeLoop(ln *link) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-ln.send:
			ln.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := ln.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				ln.close(err)
				return
			}
		case <-ticker.C:
			ln.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := ln.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				ln.close(err)
				return
			}
		case <-ln.done:
			return
		}
	}
}

// readLoop delivers broker frames to topic handlers in arrival order.
func (c *Connection) readLoop(ln *link) {
	for {
		_, data, err := ln.ws.ReadMessage()
		if err != nil {
			ln.close(err)
			return
		}
		ln.ws.SetReadDeadline(time.Now().Add(c.readTimeout))

		var f types.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping malformed broker frame", "err", err)
			continue
		}

		switch f.Op {
		case types.OpMessage:
			c.deliver(f.Topic, f.Payload)
		case types.OpError:
			c.logger.Warn("broker reported error", "topic", f.Topic, "error", f.Error)
		default:
			c.logger.Debug("ignoring broker frame", "op", f.Op, "topic", f.Topic)
		}
	}
}

func (c *Connection) deliver(topic string, payload []byte) {
	c.hmu.RLock()
	hs := c.handlers[topic]
	c.hmu.RUnlock()

	if len(hs) == 0 {
		c.logger.Debug("no handler for topic", "topic", topic)
		return
	}
	for _, h := range hs {
		h.fn(payload)
	}
}

// OnMessage registers a handler for every inbound frame on topic. Handlers
// run on the read loop and must not block.
func (c *Connection) OnMessage(topic string, handler func(payload []byte)) (remove func()) {
	c.hmu.Lock()
	c.nextID++
	id := c.nextID
	// copy on write so deliver can iterate without the lock
	hs := append([]handlerEntry(nil), c.handlers[topic]...)
	c.handlers[topic] = append(hs, handlerEntry{id: id, fn: handler})
	c.hmu.Unlock()

	return func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		cur := c.handlers[topic]
		next := make([]handlerEntry, 0, len(cur))
		for _, h := range cur {
			if h.id != id {
				next = append(next, h)
			}
		}
		if len(next) == 0 {
			delete(c.handlers, topic)
		} else {
			c.handlers[topic] = next
		}
	}
}

// OnStatus registers a status observer. Observers are called in
// registration order.
func (c *Connection) OnStatus(fn func(Status)) (remove func()) {
	c.hmu.Lock()
	c.nextID++
	id := c.nextID
	obs := append([]observerEntry(nil), c.observers...)
	c.observers = append(obs, observerEntry{id: id, fn: fn})
	c.hmu.Unlock()

	return func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		next := make([]observerEntry, 0, len(c.observers))
		for _, o := range c.observers {
			if o.id != id {
				next = append(next, o)
			}
		}
		c.observers = next
	}
}

func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()

	c.hmu.RLock()
	obs := c.observers
	c.hmu.RUnlock()
	for _, o := range obs {
		o.fn(s)
	}
}

// Status returns the latest status.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Connection) Endpoint() string { return c.endpoint }

// Publish queues a frame without waiting; there is no delivery acknowledgment.
func (c *Connection) Publish(topic string, payload []byte) error {
	if err := types.ValidateTopic(topic); err != nil {
		return err
	}
	if !json.Valid(payload) {
		return ErrInvalidPayload
	}
	return c.send(types.Frame{Op: types.OpPublish, Topic: topic, Payload: payload})
}

func (c *Connection) Subscribe(topic string) error {
	if err := types.ValidateTopic(topic); err != nil {
		return err
	}
	return c.send(types.Frame{Op: types.OpSubscribe, Topic: topic})
}

func (c *Connection) Unsubscribe(topic string) error {
	if err := types.ValidateTopic(topic); err != nil {
		return err
	}
	return c.send(types.Frame{Op: types.OpUnsubscribe, Topic: topic})
}

func (c *Connection) send(f types.Frame) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.RLock()
	ln := c.link
	c.mu.RUnlock()
	if ln == nil {
		return ErrNotConnected
	}

	select {
	case <-ln.done:
		return ErrNotConnected
	default:
	}
	select {
	case ln.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close is idempotent and safe before Start or during an in-flight dial.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.RLock()
		ln := c.link
		c.mu.RUnlock()

		if ln != nil {
			c.uninstall(ln)
			ln.close(ErrClosed)
		}
		c.setStatus(Status{State: StateClosed})
	})
	return nil
}
