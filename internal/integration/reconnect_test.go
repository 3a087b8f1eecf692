package integration

import (
	"context"
	"sync/atomic"
	"testing"

	"classlink/internal/session"
	"classlink/pkg/types"
)

func (h *harness) waitConnections(n int) {
	h.t.Helper()
	waitFor(h.t, "broker connections", func() bool {
		return h.app != nil && h.app.Registry().GetStats()["total_connections"] == n
	})
}

func TestReconnect_RoomRecoversAfterBrokerRestart(t *testing.T) {
	c := newClassroom("restart", 1, 1)
	h := newHarness(t, c.users()...)
	sessions := c.join(t, h)
	waitRoster(t, sessions, c.size())

	var dropped atomic.Int32
	for _, rs := range sessions {
		cancel := rs.Observe(func(ch session.Change) {
			if ch.Kind == session.ChangeStateChanged && ch.State == session.StateDisconnected {
				dropped.Add(1)
			}
		})
		defer cancel()
	}

	h.restartBroker()
	waitFor(t, "both rooms to notice the drop", func() bool { return dropped.Load() >= 2 })

	// the control and signaling subscriptions are replayed on the new broker
	h.waitSubscribers(types.ControlTopic(c.room), c.size())
	h.waitSubscribers(types.SignalingTopic(c.room), c.size())
	waitRoster(t, sessions, c.size())

	presenter := sessions[c.presenters[0]]
	attendee := sessions[c.attendees[0]]
	if err := attendee.RaiseHand(); err != nil {
		t.Fatalf("raise hand after reconnect: %v", err)
	}
	waitFor(t, "hand raised after reconnect", func() bool {
		p, ok := presenter.Participant(attendee.SessionID())
		return ok && p.HandRaised
	})
}

func TestReconnect_ConversationResumesLiveDelivery(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	alice, bob := openPair(t, h)

	bobIn := &inbox{}
	defer bob.Observe(bobIn.add)()

	h.restartBroker()
	// alice, bob and the backend publisher all come back
	h.waitConnections(3)
	h.waitSubscribers(types.ConversationTopic(alice.ID()), 2)

	sent, err := alice.Send(context.Background(), types.Draft{Text: "still there?"})
	if err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
	waitFor(t, "delivery after reconnect", func() bool { return bobIn.len() == 1 })
	if bobIn.last().ID != sent.ID {
		t.Errorf("bob received %+v", bobIn.last())
	}
}

func TestReconnect_SingleClientRelearnsRoster(t *testing.T) {
	c := newClassroom("single-drop", 1, 2)
	h := newHarness(t, c.users()...)
	sessions := c.join(t, h)
	waitRoster(t, sessions, c.size())

	var dropped atomic.Int32
	for _, rs := range sessions {
		cancel := rs.Observe(func(ch session.Change) {
			if ch.Kind == session.ChangeStateChanged && ch.State == session.StateDisconnected {
				dropped.Add(1)
			}
		})
		defer cancel()
	}

	// only one client loses its link; the others never see a LEAVE
	topic := types.ControlTopic(c.room)
	victim := h.app.Registry().Subscribers(topic)[0]
	victim.Close()

	waitFor(t, "one room to notice the drop", func() bool { return dropped.Load() >= 1 })
	h.waitSubscribers(topic, c.size())
	waitRoster(t, sessions, c.size())
	if n := dropped.Load(); n != 1 {
		t.Errorf("expected exactly one room to drop, got %d", n)
	}

	for user, rs := range sessions {
		for other, them := range sessions {
			if user == other {
				continue
			}
			p, ok := rs.Participant(them.SessionID())
			if !ok || p.Placeholder || p.DisplayName != "Name "+other {
				t.Errorf("%s sees %s as %+v", user, other, p)
			}
		}
	}
}
