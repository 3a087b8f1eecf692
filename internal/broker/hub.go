package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"classlink/internal/logging"
	"classlink/internal/metrics"
	"classlink/pkg/interfaces"
	"classlink/pkg/types"
)

// PublishContext is one accepted publish waiting for fan-out.
type PublishContext struct {
	Topic     string
	Payload   json.RawMessage
	SenderID  string
	Timestamp time.Time
}

// Hub journals and fans out published frames.
// ARCHITECTURAL DISCOVERY: a single run loop orders every publish, so all
// subscribers of a topic see frames in the same order the journal does
type Hub struct {
	publishChannel  chan *PublishContext
	shutdownChannel chan struct{}
	done            chan struct{}

	registry *Registry
	journal  interfaces.Journal
	logger   *slog.Logger
	metrics  *metrics.Metrics

	running bool
	mu      sync.RWMutex
}

type HubOption func(*Hub)

func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

func WithHubMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub builds a hub over registry. journal may be nil, in which case
// frames are delivered but not recorded.
func NewHub(registry *Registry, journal interfaces.Journal, opts ...HubOption) *Hub {
	h := &Hub{
		// TECHNICAL DISCOVERY: 1000 frames absorbs a whole class publishing at once
		publishChannel:  make(chan *PublishContext, 1000),
		shutdownChannel: make(chan struct{}),
		done:            make(chan struct{}),
		registry:        registry,
		journal:         journal,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.OrDefault(h.logger).With("component", "hub")
	return h
}

func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	h.logger.Info("starting hub")
	go h.run(ctx)
	return nil
}

// Stop ends the run loop and waits for the frame in flight.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	h.mu.Unlock()

	<-h.done
	h.logger.Info("hub stopped")
	return nil
}

// Publish queues a frame from senderID without blocking.
func (h *Hub) Publish(senderID, topic string, payload json.RawMessage) error {
	if topic == "" {
		return ErrMissingTopic
	}
	if len(payload) == 0 {
		return ErrMissingPayload
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	pc := &PublishContext{
		Topic:     topic,
		Payload:   payload,
		SenderID:  senderID,
		Timestamp: time.Now().UTC(),
	}
	select {
	case h.publishChannel <- pc:
		return nil
	default:
		return ErrPublishChannelFull
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case pc := <-h.publishChannel:
			h.handlePublish(ctx, pc)
		case <-h.shutdownChannel:
			return
		case <-ctx.Done():
			h.logger.Info("hub context cancelled")
			return
		}
	}
}

// handlePublish journals pc and delivers it to every subscriber of its
// topic, the sender included.
// FUNCTIONAL DISCOVERY: a journal failure is logged and delivery still happens
func (h *Hub) handlePublish(ctx context.Context, pc *PublishContext) {
	h.metrics.BrokerPublished()

	if h.journal != nil {
		entry := &types.JournalEntry{
			ID:        uuid.NewString(),
			Topic:     pc.Topic,
			Sender:    pc.SenderID,
			Payload:   pc.Payload,
			CreatedAt: pc.Timestamp,
		}
		if err := h.journal.Append(ctx, entry); err != nil {
			h.logger.Warn("journal append failed", "topic", pc.Topic, "err", err)
		}
	}

	data, err := json.Marshal(types.Frame{Op: types.OpMessage, Topic: pc.Topic, Payload: pc.Payload})
	if err != nil {
		h.logger.Warn("dropping unencodable frame", "topic", pc.Topic, "err", err)
		return
	}

	delivered := 0
	for _, conn := range h.registry.Subscribers(pc.Topic) {
		if err := conn.sendRaw(data); err != nil {
			h.logger.Debug("subscriber missed frame", "conn", conn.ID(), "topic", pc.Topic, "err", err)
			continue
		}
		delivered++
	}
	h.metrics.BrokerDelivered(delivered)
}
