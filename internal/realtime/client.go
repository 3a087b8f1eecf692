// Package realtime is the entry point of the classroom real-time layer. A
// Client joins rooms and opens conversations on behalf of one explicit
// identity; each room or conversation gets its own broker connection.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"classlink/internal/config"
	"classlink/internal/conversation"
	"classlink/internal/dispatch"
	"classlink/internal/logging"
	"classlink/internal/media"
	"classlink/internal/metrics"
	"classlink/internal/peer"
	"classlink/internal/session"
	"classlink/internal/subscription"
	"classlink/internal/transport"
	"classlink/pkg/interfaces"
	"classlink/pkg/types"
)

// Identity is the current user, passed in explicitly rather than read from
// process-wide state.
type Identity = types.Identity

// JoinOptions controls what JoinRoom sets up besides the room itself.
type JoinOptions struct {
	// Media lists the local devices to capture. Empty joins without a stream.
	Media []media.Kind
}

type Client struct {
	cfg           *config.Config
	identity      Identity
	backend       interfaces.Backend
	devices       *media.Devices
	logger        *slog.Logger
	metrics       *metrics.Metrics
	peerFactory   func(*types.JoinTicket) peer.Factory
	transportOpts []transport.Option

	mu     sync.Mutex
	closed bool
	rooms  map[*RoomSession]struct{}
	convs  map[*ConversationSession]struct{}
}

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithDevices shares a device set between clients of the same process.
func WithDevices(d *media.Devices) Option {
	return func(c *Client) { c.devices = d }
}

// WithPeerFactory replaces the pion-backed peer connections.
func WithPeerFactory(fn func(*types.JoinTicket) peer.Factory) Option {
	return func(c *Client) { c.peerFactory = fn }
}

// WithTransportOptions appends options to every broker connection.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Client) { c.transportOpts = append(c.transportOpts, opts...) }
}

func New(cfg *config.Config, identity Identity, backend interfaces.Backend, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if identity.UserID == "" || identity.Credential == "" {
		return nil, ErrMissingIdentity
	}
	if backend == nil {
		return nil, errors.New("backend is required")
	}

	c := &Client{
		cfg:      cfg,
		identity: identity,
		backend:  backend,
		rooms:    make(map[*RoomSession]struct{}),
		convs:    make(map[*ConversationSession]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger).With("user", identity.UserID)
	if c.devices == nil {
		c.devices = media.NewDevices(c.logger)
	}
	if c.peerFactory == nil {
		c.peerFactory = func(t *types.JoinTicket) peer.Factory { return peer.NewPionFactory(t.ICEServers) }
	}
	return c, nil
}

func (c *Client) Identity() Identity { return c.identity }

func (c *Client) Devices() *media.Devices { return c.devices }

func (c *Client) newConnection(credential string) (*transport.Connection, error) {
	t := c.cfg.Transport
	opts := []transport.Option{
		transport.WithLogger(c.logger),
		transport.WithMetrics(c.metrics),
		transport.WithBackoff(transport.FixedBackoff{Delay: t.ReconnectDelay}),
		transport.WithTimeouts(t.DialTimeout, t.PingInterval, t.ReadTimeout, t.WriteTimeout),
		transport.WithSendBuffer(t.SendBuffer),
	}
	return transport.New(t.Endpoint, credential, append(opts, c.transportOpts...)...)
}

func (c *Client) newDispatcher() *dispatch.Dispatcher {
	return dispatch.New(dispatch.WithLogger(c.logger), dispatch.WithMetrics(c.metrics))
}

// JoinRoom joins roomID: backend join, optional capture, broker connect,
// subscriptions, then the JOIN announcement. A busy capture device fails
// the join with media.ErrResourceBusy before anything is connected.
func (c *Client) JoinRoom(ctx context.Context, roomID string, opts JoinOptions) (*RoomSession, error) {
	if roomID == "" {
		return nil, ErrMissingRoom
	}
	if c.isClosed() {
		return nil, ErrClientClosed
	}

	ticket, err := c.backend.JoinRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w", roomID, err)
	}
	if ticket.SessionID == "" {
		return nil, ErrNoSessionID
	}
	if ticket.RoomID == "" {
		ticket.RoomID = roomID
	}
	credential := ticket.Credential
	if credential == "" {
		credential = c.identity.Credential
	}

	s := &RoomSession{client: c, ticket: ticket}
	if len(opts.Media) > 0 {
		if s.capture, err = c.devices.Acquire(opts.Media...); err != nil {
			return nil, err
		}
	}

	if err := c.wireRoom(ctx, s, credential); err != nil {
		s.release()
		return nil, err
	}

	if !c.track(func() { c.rooms[s] = struct{}{} }) {
		s.Leave()
		return nil, ErrClientClosed
	}
	return s, nil
}

func (c *Client) wireRoom(ctx context.Context, s *RoomSession, credential string) error {
	conn, err := c.newConnection(credential)
	if err != nil {
		return fmt.Errorf("broker connection: %w", err)
	}
	s.conn = conn
	s.subs = subscription.NewRegistry(conn, c.logger)
	s.disp = c.newDispatcher()
	s.router = newTopicRouter(conn, s.disp)

	room := session.NewRoom(s.ticket.RoomID, c.identity, s.ticket.SessionID, conn,
		session.WithLogger(c.logger), session.WithMetrics(c.metrics))
	factory := c.peerFactory(s.ticket)
	if pf, ok := factory.(*peer.PionFactory); ok && s.capture != nil {
		pf.Local = localMedia(s.capture)
	}
	s.coord = peer.NewCoordinator(s.ticket.SessionID, room.SignalingTopic(), conn, room, factory, c.logger)
	room.AttachPeers(s.coord)
	if s.capture != nil {
		room.SetLocalStream(s.capture)
	}
	s.Room = room

	if err := s.router.Register(room.ControlTopic(), room.HandleEvent); err != nil {
		return err
	}
	if err := s.router.Register(room.SignalingTopic(), room.HandleSignal); err != nil {
		return err
	}
	// replay subscriptions before the room re-announces itself
	s.removeStatus = append(s.removeStatus, conn.OnStatus(s.subs.HandleStatus), conn.OnStatus(room.HandleStatus))

	if err := conn.Start(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	for _, topic := range []string{room.ControlTopic(), room.SignalingTopic()} {
		h, err := s.subs.Subscribe(topic)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		s.handles = append(s.handles, h)
	}

	if err := room.Join(); err != nil {
		return err
	}
	c.logger.Info("joined room", "room", s.ticket.RoomID, "session", s.ticket.SessionID)
	return nil
}

// OpenConversation opens the one-to-one conversation with peerUserID and
// loads its newest history page.
func (c *Client) OpenConversation(ctx context.Context, peerUserID string) (*ConversationSession, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}

	conn, err := c.newConnection(c.identity.Credential)
	if err != nil {
		return nil, fmt.Errorf("broker connection: %w", err)
	}
	s := &ConversationSession{client: c, conn: conn}
	s.subs = subscription.NewRegistry(conn, c.logger)
	s.disp = c.newDispatcher()
	s.removeStatus = conn.OnStatus(s.subs.HandleStatus)

	if err := conn.Start(ctx); err != nil {
		s.release()
		return nil, fmt.Errorf("connect: %w", err)
	}

	conv, err := conversation.Open(ctx, c.backend, c.identity, peerUserID, s.subs, newTopicRouter(conn, s.disp),
		conversation.WithLogger(c.logger),
		conversation.WithMetrics(c.metrics),
		conversation.WithPageSize(c.cfg.Backend.PageSize),
	)
	if err != nil {
		s.release()
		return nil, err
	}
	s.Conversation = conv

	if !c.track(func() { c.convs[s] = struct{}{} }) {
		s.Close()
		return nil, ErrClientClosed
	}
	return s, nil
}

// Close leaves every room and closes every conversation. It is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	rooms := make([]*RoomSession, 0, len(c.rooms))
	for s := range c.rooms {
		rooms = append(rooms, s)
	}
	convs := make([]*ConversationSession, 0, len(c.convs))
	for s := range c.convs {
		convs = append(convs, s)
	}
	c.mu.Unlock()

	for _, s := range rooms {
		s.Leave()
	}
	for _, s := range convs {
		s.Close()
	}
	c.logger.Info("realtime client closed", "rooms", len(rooms), "conversations", len(convs))
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// track runs add under the lock unless the client is already closed.
func (c *Client) track(add func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	add()
	return true
}

func (c *Client) forgetRoom(s *RoomSession) {
	c.mu.Lock()
	delete(c.rooms, s)
	c.mu.Unlock()
}

func (c *Client) forgetConversation(s *ConversationSession) {
	c.mu.Lock()
	delete(c.convs, s)
	c.mu.Unlock()
}

// localMedia lists the captured kinds every peer sends.
func localMedia(c *media.Capture) *peer.LocalMedia {
	lm := &peer.LocalMedia{StreamID: c.ID()}
	for _, k := range c.Kinds() {
		switch k {
		case media.KindAudio:
			lm.Audio = true
		case media.KindVideo:
			lm.Video = true
		}
	}
	return lm
}
