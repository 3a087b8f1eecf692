package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"classlink/internal/dispatch"
	"classlink/internal/logging"
	"classlink/internal/metrics"
	"classlink/internal/subscription"
	"classlink/pkg/interfaces"
	"classlink/pkg/types"
)

// DefaultPageSize is the history page fetched on open and per LoadOlder.
const DefaultPageSize = 50

// Subscriptions is the refcounted topic registry of the shared connection.
type Subscriptions interface {
	Subscribe(topic string) (*subscription.Handle, error)
	Unsubscribe(h *subscription.Handle)
}

// Router delivers decoded events for a topic.
type Router interface {
	Register(topic string, h dispatch.Handler) error
	Unregister(topic string)
}

// Conversation is one open one-to-one chat: a Store fed by backend history,
// by live MESSAGE events and by the caller's own sends.
type Conversation struct {
	ref     *types.ConversationRef
	self    types.Identity
	peer    string
	topic   string
	backend interfaces.Backend
	subs    Subscriptions
	router  Router
	handle  *subscription.Handle
	store   *Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	pageSize int

	mu        sync.Mutex
	closed    bool
	exhausted bool

	omu       sync.RWMutex
	observers []observer
	nextObs   uint64
}

type observer struct {
	id uint64
	fn func(*types.Message)
}

type Option func(*Conversation)

func WithLogger(l *slog.Logger) Option {
	return func(c *Conversation) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Conversation) { c.metrics = m }
}

func WithPageSize(n int) Option {
	return func(c *Conversation) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// Open resolves the conversation with peerUserID, starts listening on its
// topic and seeds the store with the newest history page. Live messages
// that arrive while the page is in flight are merged, not lost.
func Open(ctx context.Context, backend interfaces.Backend, self types.Identity, peerUserID string, subs Subscriptions, router Router, opts ...Option) (*Conversation, error) {
	if peerUserID == "" {
		return nil, ErrMissingPeer
	}
	if peerUserID == self.UserID {
		return nil, ErrSelfChat
	}

	c := &Conversation{
		self:     self,
		peer:     peerUserID,
		backend:  backend,
		subs:     subs,
		router:   router,
		store:    NewStore(),
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}

	ref, err := backend.ResolveConversation(ctx, self.UserID, peerUserID)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}
	if ref == nil || ref.ID == "" {
		return nil, ErrNoConversation
	}
	c.ref = ref
	c.topic = types.ConversationTopic(ref.ID)
	c.logger = logging.OrDefault(c.logger).With("component", "conversation", "conversation", ref.ID)

	if err := router.Register(c.topic, c.HandleEvent); err != nil {
		return nil, fmt.Errorf("register %s: %w", c.topic, err)
	}
	h, err := subs.Subscribe(c.topic)
	if err != nil {
		router.Unregister(c.topic)
		return nil, fmt.Errorf("subscribe %s: %w", c.topic, err)
	}
	c.handle = h

	page, err := backend.FetchMessages(ctx, ref.ID, 0, c.pageSize)
	if err != nil {
		c.release()
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	added := c.store.Bootstrap(page)
	c.exhausted = len(page) < c.pageSize

	c.logger.Info("conversation opened", "peer", peerUserID, "history", added, "total", c.store.Len())
	return c, nil
}

func (c *Conversation) ID() string { return c.ref.ID }
func (c *Conversation) Ref() *types.ConversationRef { return c.ref }
func (c *Conversation) Peer() string { return c.peer }
func (c *Conversation) Topic() string { return c.topic }
func (c *Conversation) Store() *Store { return c.store }

// Messages returns the ordered message list.
func (c *Conversation) Messages() []*types.Message { return c.store.Messages() }

// HandleEvent is the dispatcher handler for the conversation topic.
func (c *Conversation) HandleEvent(ev types.Event) {
	me, ok := ev.(*types.MessageEvent)
	if !ok {
		c.logger.Debug("ignoring event on conversation topic", "type", ev.Type())
		return
	}
	if c.Closed() {
		return
	}
	c.add(me.Message, "live")
}

// Send posts draft through the backend and appends the stored message. The
// live echo of the same id is absorbed by the store.
func (c *Conversation) Send(ctx context.Context, draft types.Draft) (*types.Message, error) {
	if draft.Text == "" && draft.File == nil {
		return nil, ErrEmptyDraft
	}
	if c.Closed() {
		return nil, ErrClosed
	}

	msg, err := c.backend.SendMessage(ctx, c.ref.ID, draft)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	// id 0 never enters the store, so the sender would not see its own message
	if msg == nil || msg.ID == 0 {
		return nil, ErrUnsavedMessage
	}
	if msg.ConversationID == "" {
		msg.ConversationID = c.ref.ID
	}
	if msg.ReplyTo == nil && draft.ReplyTo != 0 {
		if parent, ok := c.store.Get(draft.ReplyTo); ok {
			msg.ReplyTo = parent
		}
	}
	c.add(msg, "send")
	return msg, nil
}

func (c *Conversation) add(msg *types.Message, source string) {
	if !c.store.Append(msg) {
		c.metrics.DuplicateMessage()
		c.logger.Debug("duplicate message absorbed", "id", msg.ID, "source", source)
		return
	}
	c.notify(msg)
}

// LoadOlder fetches the page before the oldest known message. It returns the
// number of new messages; 0 with a nil error means history is exhausted.
func (c *Conversation) LoadOlder(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if c.exhausted {
		c.mu.Unlock()
		return 0, nil
	}
	c.mu.Unlock()

	var before int64
	if oldest, ok := c.store.Oldest(); ok {
		before = oldest.ID
	}
	page, err := c.backend.FetchMessages(ctx, c.ref.ID, before, c.pageSize)
	if err != nil {
		return 0, fmt.Errorf("fetch older: %w", err)
	}

	c.mu.Lock()
	c.exhausted = len(page) < c.pageSize
	c.mu.Unlock()
	return c.store.Bootstrap(page), nil
}

// Exhausted reports whether the oldest history page has been reached.
func (c *Conversation) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

// Observe calls fn for every message added live or by Send. History pages
// are not reported; read them with Messages.
func (c *Conversation) Observe(fn func(*types.Message)) (cancel func()) {
	c.omu.Lock()
	c.nextObs++
	id := c.nextObs
	next := make([]observer, len(c.observers), len(c.observers)+1)
	copy(next, c.observers)
	c.observers = append(next, observer{id: id, fn: fn})
	c.omu.Unlock()

	return func() {
		c.omu.Lock()
		defer c.omu.Unlock()
		next := make([]observer, 0, len(c.observers))
		for _, o := range c.observers {
			if o.id != id {
				next = append(next, o)
			}
		}
		c.observers = next
	}
}

func (c *Conversation) notify(msg *types.Message) {
	c.omu.RLock()
	obs := c.observers
	c.omu.RUnlock()
	for _, o := range obs {
		o.fn(msg)
	}
}

func (c *Conversation) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops listening on the topic. It is idempotent and does not need
// a live connection.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.release()
	c.logger.Info("conversation closed")
}

func (c *Conversation) release() {
	c.router.Unregister(c.topic)
	c.subs.Unsubscribe(c.handle)
}
