package broker

import (
	"sort"
	"sync"
)

// Registry tracks live connections and their topic subscriptions.
// TECHNICAL DISCOVERY: fan-out reads dominate, so lookups share an RWMutex
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection            // connID -> Connection
	topics      map[string]map[string]*Connection // topic -> connID -> Connection
	byConn      map[string]map[string]struct{}    // connID -> topics
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		topics:      make(map[string]map[string]*Connection),
		byConn:      make(map[string]map[string]struct{}),
	}
}

func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.ID()] = conn
	r.byConn[conn.ID()] = make(map[string]struct{})
	return nil
}

// UnregisterConnection drops conn and every subscription it held, returning
// how many subscriptions went away. Unknown or replaced connections are
// ignored.
func (r *Registry) UnregisterConnection(conn *Connection) int {
	if conn == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	registered, ok := r.connections[conn.ID()]
	if !ok || registered != conn {
		return 0
	}
	delete(r.connections, conn.ID())

	subs := r.byConn[conn.ID()]
	delete(r.byConn, conn.ID())
	for topic := range subs {
		r.removeLocked(topic, conn.ID())
	}
	return len(subs)
}

// Subscribe adds conn to topic. It reports false when conn was already
// subscribed.
func (r *Registry) Subscribe(conn *Connection, topic string) (bool, error) {
	if conn == nil {
		return false, ErrNilConnection
	}
	if topic == "" {
		return false, ErrMissingTopic
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.byConn[conn.ID()]
	if !ok {
		return false, ErrConnectionClosed
	}
	if _, dup := subs[topic]; dup {
		return false, nil
	}
	subs[topic] = struct{}{}

	if r.topics[topic] == nil {
		r.topics[topic] = make(map[string]*Connection)
	}
	r.topics[topic][conn.ID()] = conn
	return true, nil
}

// Unsubscribe removes conn from topic and reports whether it was subscribed.
func (r *Registry) Unsubscribe(conn *Connection, topic string) bool {
	if conn == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.byConn[conn.ID()]
	if !ok {
		return false
	}
	if _, ok := subs[topic]; !ok {
		return false
	}
	delete(subs, topic)
	r.removeLocked(topic, conn.ID())
	return true
}

func (r *Registry) removeLocked(topic, connID string) {
	conns, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.topics, topic)
	}
}

// Subscribers returns every connection subscribed to topic.
func (r *Registry) Subscribers(topic string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.topics[topic]
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// Topics lists topics with at least one subscriber, sorted.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// CloseAll closes every registered connection. Their read loops unregister
// them.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subscriptions := 0
	for _, subs := range r.byConn {
		subscriptions += len(subs)
	}
	return map[string]int{
		"total_connections": len(r.connections),
		"active_topics":     len(r.topics),
		"subscriptions":     subscriptions,
	}
}
