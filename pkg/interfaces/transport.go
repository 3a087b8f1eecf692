package interfaces

// Publisher sends one payload to a topic without waiting for delivery.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Subscriber issues the broker subscribe and unsubscribe frames.
type Subscriber interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
}

// Transport is the client connection as seen by rooms and conversations
// TECHNICAL DISCOVERY: handlers run on the read loop, so they must hand
// work off quickly; the dispatcher does this with per-topic lanes
type Transport interface {
	Publisher
	Subscriber
	OnMessage(topic string, handler func(payload []byte)) (remove func())
}
