package broker

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"classlink/internal/logging"
	"classlink/internal/metrics"
	"classlink/pkg/types"
)

const maxFrameSize = 1 << 20

var upgrader = websocket.Upgrader{
	// FUNCTIONAL DISCOVERY: clients are native processes, not browsers, so
	// origin carries no meaning here
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// HandlerConfig carries the per-connection limits of the broker.
type HandlerConfig struct {
	// Tokens lists accepted bearer tokens. Empty accepts any non-empty token.
	Tokens       []string
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	PublishRate  float64
	PublishBurst int
}

// Handler upgrades authenticated requests and runs the frame protocol.
type Handler struct {
	registry *Registry
	hub      *Hub
	cfg      HandlerConfig
	tokens   map[string]struct{}
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewHandler(registry *Registry, hub *Hub, cfg HandlerConfig, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	tokens := make(map[string]struct{}, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens[t] = struct{}{}
	}
	return &Handler{
		registry: registry,
		hub:      hub,
		cfg:      cfg,
		tokens:   tokens,
		logger:   logging.OrDefault(logger).With("component", "broker"),
		metrics:  m,
	}
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func (h *Handler) authorized(token string) bool {
	if token == "" {
		return false
	}
	if len(h.tokens) == 0 {
		return true
	}
	_, ok := h.tokens[token]
	return ok
}

// ServeHTTP authenticates before upgrading so a bad credential gets a plain
// HTTP status the client can classify.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("token") || q.Has("access_token") {
		http.Error(w, "credentials must be sent in the Authorization header", http.StatusBadRequest)
		return
	}
	if !h.authorized(bearerToken(r)) {
		http.Error(w, "missing or invalid bearer token", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	conn := NewConnection(ws, ConnectionOptions{
		SendBuffer:   h.cfg.SendBuffer,
		WriteTimeout: h.cfg.WriteTimeout,
		PublishRate:  h.cfg.PublishRate,
		PublishBurst: h.cfg.PublishBurst,
	})
	if err := h.registry.RegisterConnection(conn); err != nil {
		h.logger.Error("failed to register connection", "err", err)
		_ = conn.Close()
		return
	}
	h.metrics.BrokerConnection(1)
	h.logger.Debug("connection opened", "conn", conn.ID(), "remote", r.RemoteAddr)

	go h.handleConnection(conn)
}

// handleConnection runs heartbeats and the read loop until the socket dies.
// TECHNICAL DISCOVERY: read deadline is twice the ping interval by default
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		if n := h.registry.UnregisterConnection(conn); n > 0 {
			h.metrics.BrokerSubscriptions(-n)
		}
		_ = conn.Close()
		h.metrics.BrokerConnection(-1)
		h.logger.Debug("connection closed", "conn", conn.ID())
	}()

	ws := conn.conn
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	go func() {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", "conn", conn.ID(), "err", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		// a ReadMessage counts as liveness just like a pong
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

		var f types.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.reject(conn, "", ErrInvalidFrame)
			continue
		}
		if err := h.handleFrame(conn, f); err != nil {
			h.reject(conn, f.Topic, err)
		}
	}
}

func (h *Handler) handleFrame(conn *Connection, f types.Frame) error {
	switch f.Op {
	case types.OpSubscribe:
		added, err := h.registry.Subscribe(conn, f.Topic)
		if err != nil {
			return err
		}
		if added {
			h.metrics.BrokerSubscriptions(1)
		}
		return nil

	case types.OpUnsubscribe:
		if f.Topic == "" {
			return ErrMissingTopic
		}
		if h.registry.Unsubscribe(conn, f.Topic) {
			h.metrics.BrokerSubscriptions(-1)
		}
		return nil

	case types.OpPublish:
		if f.Topic == "" {
			return ErrMissingTopic
		}
		if len(f.Payload) == 0 {
			return ErrMissingPayload
		}
		if !conn.Allow() {
			h.metrics.BrokerRateLimited()
			return ErrRateLimited
		}
		return h.hub.Publish(conn.ID(), f.Topic, f.Payload)

	default:
		return ErrUnknownOp
	}
}

func (h *Handler) reject(conn *Connection, topic string, cause error) {
	h.logger.Debug("rejecting frame", "conn", conn.ID(), "topic", topic, "err", cause)
	if err := conn.Send(types.Frame{Op: types.OpError, Topic: topic, Error: cause.Error()}); err != nil {
		h.logger.Debug("failed to send error frame", "conn", conn.ID(), "err", err)
	}
}
