package session

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"classlink/internal/logging"
	"classlink/internal/metrics"
	"classlink/internal/transport"
	"classlink/pkg/interfaces"
	"classlink/pkg/types"
)

// State of a room session.
type State int

const (
	StateDisconnected State = iota
	StateJoining
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	default:
		return "unknown"
	}
}

// PeerHooks receives participant lifecycle and signaling events.
type PeerHooks interface {
	OnParticipantJoined(sessionID string)
	OnParticipantLeft(sessionID string)
	OnSignal(ev *types.SignalingEvent)
	CloseAll()
}

// Room is the authoritative in-memory state of one classroom session
// ARCHITECTURAL DISCOVERY: the room owns its participant map outright; the
// transport, subscriptions and dispatcher feed it but never touch the map
type Room struct {
	id          string
	wireSession string
	identity    types.Identity
	pub         interfaces.Publisher
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu          sync.Mutex
	state       State
	left        bool
	parts       *Participants
	peers       PeerHooks
	localStream types.StreamHandle

	omu       sync.RWMutex
	observers []observerEntry
	nextObs   uint64
}

type Option func(*Room)

func WithLogger(l *slog.Logger) Option {
	return func(r *Room) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Room) { r.metrics = m }
}

func WithPeers(p PeerHooks) Option {
	return func(r *Room) { r.peers = p }
}

// NewRoom creates a disconnected room. wireSession is the session id the
// backend issued for this join; it is what other participants see.
func NewRoom(id string, identity types.Identity, wireSession string, pub interfaces.Publisher, opts ...Option) *Room {
	r := &Room{
		id:          id,
		wireSession: wireSession,
		identity:    identity,
		pub:         pub,
		parts:       NewParticipants(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDefault(r.logger).With("component", "room", "room", id, "session", wireSession)
	r.parts.onReleaseError = func(sessionID string, err error) {
		r.logger.Warn("stream release failed", "participant", sessionID, "err", err)
	}
	return r
}

func (r *Room) ID() string { return r.id }
func (r *Room) SessionID() string { return r.wireSession }
func (r *Room) Identity() types.Identity { return r.identity }
func (r *Room) ControlTopic() string { return types.ControlTopic(r.id) }
func (r *Room) SignalingTopic() string { return types.SignalingTopic(r.id) }

// AttachPeers sets the peer coordinator after construction, since the
// coordinator itself needs the room as its stream sink.
func (r *Room) AttachPeers(p PeerHooks) {
	r.mu.Lock()
	r.peers = p
	r.mu.Unlock()
}

// SetLocalStream records the local capture and shows it on the local entry.
// The room never releases it.
func (r *Room) SetLocalStream(h types.StreamHandle) {
	r.mu.Lock()
	r.localStream = h
	p, ok := r.parts.AttachStream(types.LocalSessionID, h)
	r.mu.Unlock()
	if ok {
		r.notify(Change{Kind: ChangeUpdated, SessionID: types.LocalSessionID, Participant: p})
	}
}

// Join announces the local user and enters Joined without waiting for any
// acknowledgment; the protocol has none.
func (r *Room) Join() error {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	if r.state != StateDisconnected {
		r.mu.Unlock()
		return ErrAlreadyJoined
	}
	changes := r.setStateLocked(StateJoining)
	r.mu.Unlock()
	r.notify(changes...)

	return r.announce()
}

func (r *Room) announce() error {
	err := r.publishControl(r.joinEvent())

	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	if err != nil {
		changes := r.setStateLocked(StateDisconnected)
		r.mu.Unlock()
		r.notify(changes...)
		return fmt.Errorf("announce join: %w", err)
	}

	res := r.parts.Join(types.LocalSessionID, JoinInfo{
		DisplayName: r.identity.DisplayName,
		Role:        r.identity.Role,
		UserID:      r.identity.UserID,
	})
	kind := ChangeUpdated
	if res.Created {
		kind = ChangeAdded
	}
	local := res.Participant
	if r.localStream != nil {
		local, _ = r.parts.AttachStream(types.LocalSessionID, r.localStream)
	}
	changes := []Change{{Kind: kind, SessionID: types.LocalSessionID, Participant: local}}
	changes = append(changes, r.setStateLocked(StateJoined)...)
	r.metrics.SetParticipants(r.id, r.parts.Len())
	r.mu.Unlock()

	r.notify(changes...)
	r.logger.Info("joined room")
	return nil
}

func (r *Room) joinEvent() *types.JoinEvent {
	return &types.JoinEvent{
		FromSession: r.wireSession,
		DisplayName: r.identity.DisplayName,
		Role:        r.identity.Role,
		UserID:      r.identity.UserID,
	}
}

func (r *Room) publishControl(ev types.Event) error {
	payload, err := types.Encode(ev)
	if err != nil {
		return err
	}
	return r.pub.Publish(r.ControlTopic(), payload)
}

// HandleEvent applies one control-topic event. It is the dispatcher handler
// for the room's control topic.
func (r *Room) HandleEvent(ev types.Event) {
	from := ev.From()
	if from == r.wireSession {
		return
	}

	r.mu.Lock()
	if r.left || r.state == StateDisconnected {
		r.mu.Unlock()
		r.logger.Debug("dropping event while disconnected", "type", ev.Type(), "from", from)
		return
	}

	var (
		changes    []Change
		reply      bool
		peerLeft   bool
		peerJoined bool
	)

	switch e := ev.(type) {
	case *types.JoinEvent:
		res := r.parts.Join(e.FromSession, JoinInfo{DisplayName: e.DisplayName, Role: e.Role, UserID: e.UserID})
		kind := ChangeUpdated
		if res.Created {
			kind = ChangeAdded
		}
		changes = append(changes, Change{Kind: kind, SessionID: from, Participant: res.Participant})
		peerJoined = res.FirstJoin
		// an announcement from a known session means it reconnected and lost
		// its roster and peers
		if !e.Reply {
			reply = true
			if !res.FirstJoin {
				peerLeft, peerJoined = true, true
			}
		}

	case *types.LeaveEvent:
		if p, ok := r.parts.Leave(from); ok {
			changes = append(changes, Change{Kind: ChangeRemoved, SessionID: from, Participant: p})
			peerLeft = true
		}

	case *types.RaiseHandEvent:
		changes = append(changes, r.mergeLocked(from, PresenceUpdate{HandRaised: boolPtr(true)}))

	case *types.LowerHandEvent:
		changes = append(changes, r.mergeLocked(from, PresenceUpdate{HandRaised: boolPtr(false)}))

	case *types.PresenceUpdateEvent:
		changes = append(changes, r.mergeLocked(from, PresenceFromKeyValue(e.Key, e.Value)))

	case *types.ChatEvent:
		changes = append(changes, Change{Kind: ChangeChat, SessionID: from, Text: e.Text})

	default:
		r.logger.Debug("ignoring event on control topic", "type", ev.Type())
	}

	r.metrics.SetParticipants(r.id, r.parts.Len())
	peers := r.peers
	r.mu.Unlock()

	r.notify(changes...)

	// peers are reset before the reply goes out so that an offer provoked
	// by the reply never lands on the stale peer
	if peers != nil {
		if peerLeft {
			peers.OnParticipantLeft(from)
		}
		if peerJoined {
			peers.OnParticipantJoined(from)
		}
	}

	// the announcing side cannot see who is already here
	if reply {
		ev := r.joinEvent()
		ev.Reply = true
		if err := r.publishControl(ev); err != nil {
			r.logger.Debug("reply to join failed", "to", from, "err", err)
		}
	}
}

func (r *Room) mergeLocked(sessionID string, u PresenceUpdate) Change {
	p, created := r.parts.MergePresence(sessionID, u)
	kind := ChangeUpdated
	if created {
		kind = ChangeAdded
	}
	return Change{Kind: kind, SessionID: sessionID, Participant: p}
}

// HandleSignal is the dispatcher handler for the signaling topic. Events
// addressed to another session are ignored.
func (r *Room) HandleSignal(ev types.Event) {
	s, ok := ev.(*types.SignalingEvent)
	if !ok {
		r.logger.Debug("ignoring event on signaling topic", "type", ev.Type())
		return
	}
	if s.FromSession == r.wireSession {
		return
	}
	if s.ToSession != "" && s.ToSession != r.wireSession {
		return
	}

	r.mu.Lock()
	active := !r.left && r.state != StateDisconnected
	peers := r.peers
	r.mu.Unlock()

	if active && peers != nil {
		peers.OnSignal(s)
	}
}

// HandleStatus is registered with Connection.OnStatus. It must be
// registered after the subscription registry so that topics are replayed
// before the JOIN is re-announced.
func (r *Room) HandleStatus(s transport.Status) {
	switch s.State {
	case transport.StateDisconnected:
		r.teardown(false)
	case transport.StateFailed, transport.StateClosed:
		r.teardown(true)
	case transport.StateConnected:
		if !s.Reconnected {
			return
		}
		r.mu.Lock()
		if r.left || r.state != StateDisconnected {
			r.mu.Unlock()
			return
		}
		changes := r.setStateLocked(StateJoining)
		r.mu.Unlock()
		r.notify(changes...)

		if err := r.announce(); err != nil {
			r.logger.Warn("rejoin after reconnect failed", "err", err)
		}
	}
}

// teardown clears the participant map and every peer. It never sends a frame.
func (r *Room) teardown(final bool) {
	r.mu.Lock()
	if final {
		r.left = true
	}
	var changes []Change
	if r.parts.Len() > 0 {
		r.parts.Clear()
		changes = append(changes, Change{Kind: ChangeCleared})
	}
	changes = append(changes, r.setStateLocked(StateDisconnected)...)
	peers := r.peers
	if final {
		r.metrics.ForgetRoom(r.id)
	} else {
		r.metrics.SetParticipants(r.id, 0)
	}
	r.mu.Unlock()

	if peers != nil {
		peers.CloseAll()
	}
	r.notify(changes...)
}

// Leave announces LEAVE when possible and releases everything regardless
// of whether the frame could be sent. It is idempotent.
func (r *Room) Leave() {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return
	}
	wasJoined := r.state == StateJoined
	r.left = true
	r.mu.Unlock()

	if wasJoined {
		if err := r.publishControl(&types.LeaveEvent{FromSession: r.wireSession}); err != nil {
			r.logger.Debug("leave not announced", "err", err)
		}
	}
	r.teardown(true)
	r.logger.Info("left room")
}

// RaiseHand and LowerHand publish the change and apply it to the local entry.
func (r *Room) RaiseHand() error {
	return r.localAction(&types.RaiseHandEvent{FromSession: r.wireSession}, PresenceUpdate{HandRaised: boolPtr(true)})
}

func (r *Room) LowerHand() error {
	return r.localAction(&types.LowerHandEvent{FromSession: r.wireSession}, PresenceUpdate{HandRaised: boolPtr(false)})
}

func (r *Room) SetMuted(muted bool) error {
	return r.SetPresence(types.PresenceMuted, strconv.FormatBool(muted))
}

// SetPresence broadcasts a key/value presence fact, e.g. emotion=focused.
func (r *Room) SetPresence(key, value string) error {
	ev := &types.PresenceUpdateEvent{FromSession: r.wireSession, Key: key, Value: value}
	if err := ev.Validate(); err != nil {
		return err
	}
	return r.localAction(ev, PresenceFromKeyValue(key, value))
}

func (r *Room) localAction(ev types.Event, u PresenceUpdate) error {
	if r.State() != StateJoined {
		return ErrNotJoined
	}
	if err := r.publishControl(ev); err != nil {
		return err
	}

	r.mu.Lock()
	if r.state != StateJoined {
		r.mu.Unlock()
		return ErrNotJoined
	}
	change := r.mergeLocked(types.LocalSessionID, u)
	r.mu.Unlock()

	r.notify(change)
	return nil
}

// SendChat publishes room-level chat. Observers see the local line
// immediately since the echo is filtered out.
func (r *Room) SendChat(text string) error {
	if text == "" {
		return ErrEmptyChat
	}
	if r.State() != StateJoined {
		return ErrNotJoined
	}
	if err := r.publishControl(&types.ChatEvent{FromSession: r.wireSession, Text: text}); err != nil {
		return err
	}
	r.notify(Change{Kind: ChangeChat, SessionID: types.LocalSessionID, Text: text})
	return nil
}

// AttachStream is called by the peer coordinator when a remote stream
// arrives. A stream for an unknown participant is released at once.
func (r *Room) AttachStream(sessionID string, h types.StreamHandle) bool {
	r.mu.Lock()
	p, ok := r.parts.AttachStream(sessionID, h)
	r.mu.Unlock()

	if !ok {
		if err := h.Release(); err != nil {
			r.logger.Warn("stream release failed", "participant", sessionID, "err", err)
		}
		return false
	}
	r.notify(Change{Kind: ChangeUpdated, SessionID: sessionID, Participant: p})
	return true
}

func (r *Room) DetachStream(sessionID string) {
	r.mu.Lock()
	p, ok := r.parts.DetachStream(sessionID)
	r.mu.Unlock()
	if ok {
		r.notify(Change{Kind: ChangeUpdated, SessionID: sessionID, Participant: p})
	}
}

func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Closed reports whether the room was left or its transport failed for good.
func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.left
}

// LocalSelf returns the reserved local entry.
func (r *Room) LocalSelf() (*types.Participant, bool) {
	return r.Participant(types.LocalSessionID)
}

func (r *Room) Participant(sessionID string) (*types.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parts.Get(sessionID)
}

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parts.Len()
}

// Participants returns snapshots in join order.
func (r *Room) Participants() []*types.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parts.List()
}

func (r *Room) setStateLocked(s State) []Change {
	if r.state == s {
		return nil
	}
	r.state = s
	return []Change{{Kind: ChangeStateChanged, State: s}}
}

func boolPtr(b bool) *bool { return &b }
