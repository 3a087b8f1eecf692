package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"classlink/pkg/types"
)

// ConnectionOptions bounds one subscriber connection.
type ConnectionOptions struct {
	SendBuffer   int
	WriteTimeout time.Duration
	// PublishRate is frames per second; zero disables limiting.
	PublishRate  float64
	PublishBurst int
}

// Connection is the broker side of one client websocket.
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized, so every
// outbound frame goes through writeCh and a single writer goroutine
type Connection struct {
	id           string
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	limiter      *rate.Limiter
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

func NewConnection(conn *websocket.Conn, opts ConnectionOptions) *Connection {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 100
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	limit := rate.Inf
	if opts.PublishRate > 0 {
		limit = rate.Limit(opts.PublishRate)
	}
	burst := opts.PublishBurst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.NewString(),
		conn:         conn,
		writeCh:      make(chan []byte, opts.SendBuffer),
		writeTimeout: opts.WriteTimeout,
		limiter:      rate.NewLimiter(limit, burst),
		ctx:          ctx,
		cancel:       cancel,
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) ID() string { return c.id }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// Allow reports whether one more publish fits the connection's rate.
func (c *Connection) Allow() bool { return c.limiter.Allow() }

// Send queues f without blocking. A subscriber that cannot keep up loses
// frames instead of stalling the fan-out loop.
func (c *Connection) Send(f types.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return ErrInvalidFrame
	}
	return c.sendRaw(data)
}

func (c *Connection) sendRaw(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
