package realtime

import (
	"sync"

	"classlink/internal/conversation"
	"classlink/internal/dispatch"
	"classlink/internal/media"
	"classlink/internal/peer"
	"classlink/internal/session"
	"classlink/internal/subscription"
	"classlink/internal/transport"
	"classlink/pkg/types"
)

// RoomSession is a joined room together with the connection that feeds it.
type RoomSession struct {
	*session.Room

	client       *Client
	ticket       *types.JoinTicket
	conn         *transport.Connection
	subs         *subscription.Registry
	disp         *dispatch.Dispatcher
	router       *topicRouter
	coord        *peer.Coordinator
	capture      *media.Capture
	handles      []*subscription.Handle
	removeStatus []func()
	once         sync.Once
}

func (s *RoomSession) Ticket() *types.JoinTicket { return s.ticket }

// Status reports the broker connection state.
func (s *RoomSession) Status() transport.Status { return s.conn.Status() }

// Capture returns the local capture, nil when joined without media.
func (s *RoomSession) Capture() *media.Capture { return s.capture }

// Peers is the number of live peer connections.
func (s *RoomSession) Peers() int { return s.coord.Len() }

// Leave announces LEAVE when the connection allows it, then releases the
// subscriptions, peers, connection and local capture. It is idempotent.
func (s *RoomSession) Leave() {
	s.once.Do(func() {
		if s.Room != nil {
			s.Room.Leave()
		}
		s.release()
		s.client.forgetRoom(s)
	})
}

func (s *RoomSession) release() {
	for _, remove := range s.removeStatus {
		remove()
	}
	if s.subs != nil {
		for _, h := range s.handles {
			s.subs.Unsubscribe(h)
		}
		s.subs.Close()
	}
	if s.router != nil && s.Room != nil {
		s.router.Unregister(s.Room.ControlTopic())
		s.router.Unregister(s.Room.SignalingTopic())
	}
	if s.coord != nil {
		s.coord.CloseAll()
	}
	if s.disp != nil {
		s.disp.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.capture != nil {
		_ = s.capture.Release()
	}
}

// ConversationSession is an open conversation with its own connection.
type ConversationSession struct {
	*conversation.Conversation

	client       *Client
	conn         *transport.Connection
	subs         *subscription.Registry
	disp         *dispatch.Dispatcher
	removeStatus func()
	once         sync.Once
}

func (s *ConversationSession) Status() transport.Status { return s.conn.Status() }

// Close stops listening and closes the connection. It is idempotent.
func (s *ConversationSession) Close() {
	s.once.Do(func() {
		if s.Conversation != nil {
			s.Conversation.Close()
		}
		s.release()
		s.client.forgetConversation(s)
	})
}

func (s *ConversationSession) release() {
	if s.removeStatus != nil {
		s.removeStatus()
	}
	if s.subs != nil {
		s.subs.Close()
	}
	if s.disp != nil {
		s.disp.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}
