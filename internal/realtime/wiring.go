package realtime

import (
	"sync"

	"classlink/internal/dispatch"
	"classlink/internal/transport"
)

// topicRouter registers a handler with the dispatcher and feeds it every
// frame the connection receives on that topic.
type topicRouter struct {
	conn *transport.Connection
	disp *dispatch.Dispatcher

	mu      sync.Mutex
	removes map[string]func()
}

func newTopicRouter(conn *transport.Connection, disp *dispatch.Dispatcher) *topicRouter {
	return &topicRouter{conn: conn, disp: disp, removes: make(map[string]func())}
}

func (t *topicRouter) Register(topic string, h dispatch.Handler) error {
	if err := t.disp.Register(topic, h); err != nil {
		return err
	}
	remove := t.conn.OnMessage(topic, func(payload []byte) {
		t.disp.HandleFrame(topic, payload)
	})

	t.mu.Lock()
	t.removes[topic] = remove
	t.mu.Unlock()
	return nil
}

func (t *topicRouter) Unregister(topic string) {
	t.mu.Lock()
	remove := t.removes[topic]
	delete(t.removes, topic)
	t.mu.Unlock()

	if remove != nil {
		remove()
	}
	t.disp.Unregister(topic)
}
