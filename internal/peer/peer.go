package peer

import "classlink/pkg/types"

// PeerConnection is the subset of a WebRTC peer connection the coordinator
// drives. CreateOffer and CreateAnswer also set the local description.
type PeerConnection interface {
	CreateOffer() (string, error)
	CreateAnswer() (string, error)
	SetRemoteDescription(kind types.SignalKind, sdp string) error
	AddICECandidate(c types.ICECandidate) error
	Close() error
}

// Callbacks are invoked by a PeerConnection from its own goroutines.
type Callbacks struct {
	OnCandidate func(c types.ICECandidate)
	OnStream    func(h types.StreamHandle)
}

// Factory builds one PeerConnection per remote session.
type Factory interface {
	NewPeer(remoteSession string, cb Callbacks) (PeerConnection, error)
}

// StreamSink receives remote streams. AttachStream reports false when the
// participant is gone; the sink has then released the handle itself.
type StreamSink interface {
	AttachStream(sessionID string, h types.StreamHandle) bool
	DetachStream(sessionID string)
}
