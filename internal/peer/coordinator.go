package peer

import (
	"fmt"
	"log/slog"
	"sync"

	"classlink/internal/logging"
	"classlink/pkg/interfaces"
	"classlink/pkg/types"
)

type peerState struct {
	pc        PeerConnection
	remoteSet bool
	pending   []types.ICECandidate
}

// Coordinator owns the peer connections of one room
// FUNCTIONAL DISCOVERY: the side with the lexicographically smaller wire
// session id offers; the other side only ever answers, so offers never cross
type Coordinator struct {
	local   string
	topic   string
	pub     interfaces.Publisher
	sink    StreamSink
	factory Factory
	logger  *slog.Logger

	mu    sync.Mutex
	peers map[string]*peerState
	// candidates that arrived before any offer from that session
	early map[string][]types.ICECandidate
}

func NewCoordinator(localSession, signalingTopic string, pub interfaces.Publisher, sink StreamSink, factory Factory, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		local:   localSession,
		topic:   signalingTopic,
		pub:     pub,
		sink:    sink,
		factory: factory,
		logger:  logging.OrDefault(logger).With("component", "peer", "session", localSession),
		peers:   make(map[string]*peerState),
		early:   make(map[string][]types.ICECandidate),
	}
}

// ShouldOffer reports whether the local side initiates with remote.
func (c *Coordinator) ShouldOffer(remote string) bool {
	return c.local < remote
}

// OnParticipantJoined creates the peer for a newcomer and sends the offer
// when the tie-break says so.
func (c *Coordinator) OnParticipantJoined(sessionID string) {
	if sessionID == c.local || !c.ShouldOffer(sessionID) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.peers[sessionID]; ok {
		return
	}
	ps, err := c.newPeerLocked(sessionID)
	if err != nil {
		c.logger.Warn("create peer failed", "remote", sessionID, "err", err)
		return
	}
	sdp, err := ps.pc.CreateOffer()
	if err != nil {
		c.logger.Warn("create offer failed", "remote", sessionID, "err", err)
		c.dropLocked(sessionID)
		return
	}
	c.signal(&types.SignalingEvent{ToSession: sessionID, Kind: types.SignalOffer, SDP: sdp})
}

// OnSignal applies one signaling event addressed to this session.
func (c *Coordinator) OnSignal(ev *types.SignalingEvent) {
	from := ev.FromSession
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	switch ev.Kind {
	case types.SignalOffer:
		err = c.handleOfferLocked(from, ev.SDP)
	case types.SignalAnswer:
		err = c.handleAnswerLocked(from, ev.SDP)
	case types.SignalCandidate:
		if ev.Candidate == nil {
			err = types.ErrMissingCandidate
			break
		}
		err = c.handleCandidateLocked(from, *ev.Candidate)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownSignal, ev.Kind)
	}
	if err != nil {
		c.logger.Warn("signal not applied", "remote", from, "kind", ev.Kind, "err", err)
	}
}

func (c *Coordinator) handleOfferLocked(from, sdp string) error {
	ps, ok := c.peers[from]
	if !ok {
		var err error
		if ps, err = c.newPeerLocked(from); err != nil {
			return err
		}
	}
	if err := ps.pc.SetRemoteDescription(types.SignalOffer, sdp); err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}
	c.remoteReadyLocked(from, ps)

	answer, err := ps.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	c.signal(&types.SignalingEvent{ToSession: from, Kind: types.SignalAnswer, SDP: answer})
	return nil
}

func (c *Coordinator) handleAnswerLocked(from, sdp string) error {
	ps, ok := c.peers[from]
	if !ok {
		return ErrUnknownPeer
	}
	if err := ps.pc.SetRemoteDescription(types.SignalAnswer, sdp); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}
	c.remoteReadyLocked(from, ps)
	return nil
}

func (c *Coordinator) handleCandidateLocked(from string, cand types.ICECandidate) error {
	ps, ok := c.peers[from]
	if !ok {
		c.early[from] = append(c.early[from], cand)
		return nil
	}
	if !ps.remoteSet {
		ps.pending = append(ps.pending, cand)
		return nil
	}
	return ps.pc.AddICECandidate(cand)
}

// remoteReadyLocked flushes buffered candidates once a remote description exists.
func (c *Coordinator) remoteReadyLocked(from string, ps *peerState) {
	ps.remoteSet = true
	queued := append(c.early[from], ps.pending...)
	delete(c.early, from)
	ps.pending = nil
	for _, cand := range queued {
		if err := ps.pc.AddICECandidate(cand); err != nil {
			c.logger.Debug("buffered candidate rejected", "remote", from, "err", err)
		}
	}
}

func (c *Coordinator) newPeerLocked(remote string) (*peerState, error) {
	pc, err := c.factory.NewPeer(remote, Callbacks{
		OnCandidate: func(cand types.ICECandidate) {
			c.signal(&types.SignalingEvent{ToSession: remote, Kind: types.SignalCandidate, Candidate: &cand})
		},
		OnStream: func(h types.StreamHandle) {
			c.sink.AttachStream(remote, h)
		},
	})
	if err != nil {
		return nil, err
	}
	ps := &peerState{pc: pc}
	c.peers[remote] = ps
	return ps, nil
}

func (c *Coordinator) signal(ev *types.SignalingEvent) {
	ev.FromSession = c.local
	payload, err := types.Encode(ev)
	if err != nil {
		c.logger.Warn("encode signal failed", "err", err)
		return
	}
	if err := c.pub.Publish(c.topic, payload); err != nil {
		c.logger.Debug("signal not sent", "to", ev.ToSession, "kind", ev.Kind, "err", err)
	}
}

// OnParticipantLeft closes the peer and detaches its stream.
func (c *Coordinator) OnParticipantLeft(sessionID string) {
	c.mu.Lock()
	c.dropLocked(sessionID)
	c.mu.Unlock()
	c.sink.DetachStream(sessionID)
}

func (c *Coordinator) dropLocked(sessionID string) {
	delete(c.early, sessionID)
	ps, ok := c.peers[sessionID]
	if !ok {
		return
	}
	delete(c.peers, sessionID)
	if err := ps.pc.Close(); err != nil {
		c.logger.Debug("peer close failed", "remote", sessionID, "err", err)
	}
}

// CloseAll closes every peer. The coordinator stays usable for a rejoin.
func (c *Coordinator) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.peers {
		c.dropLocked(id)
	}
	c.early = make(map[string][]types.ICECandidate)
}

func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}
