package peer

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"classlink/pkg/types"
)

// PionFactory builds peer connections with pion. Every peer receives audio
// and video, and sends the kinds listed in Local.
type PionFactory struct {
	ICEServers []types.ICEServer
	// API is shared by all peers when set; otherwise each peer gets its own
	// API with the default codecs.
	API   *webrtc.API
	Local *LocalMedia

	mu     sync.Mutex
	tracks map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticSample
}

// LocalMedia names the local capture published to every peer. All tracks
// belong to one stream.
type LocalMedia struct {
	StreamID string
	Audio    bool
	Video    bool
}

var localCodecs = map[webrtc.RTPCodecType]webrtc.RTPCodecCapability{
	webrtc.RTPCodecTypeAudio: {MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
	webrtc.RTPCodecTypeVideo: {MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
}

func NewPionFactory(servers []types.ICEServer) *PionFactory {
	return &PionFactory{ICEServers: servers}
}

func (f *PionFactory) configuration() webrtc.Configuration {
	cfg := webrtc.Configuration{}
	for _, s := range f.ICEServers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return cfg
}

func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m)), nil
}

func (f *PionFactory) sends(kind webrtc.RTPCodecType) bool {
	if f.Local == nil {
		return false
	}
	if kind == webrtc.RTPCodecTypeAudio {
		return f.Local.Audio
	}
	return f.Local.Video
}

// localTrack returns the shared track for kind, nil when kind is not sent.
// One track fans out to every peer it is added to.
func (f *PionFactory) localTrack(kind webrtc.RTPCodecType) (*webrtc.TrackLocalStaticSample, error) {
	if !f.sends(kind) {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tracks[kind]; ok {
		return t, nil
	}
	t, err := webrtc.NewTrackLocalStaticSample(localCodecs[kind], kind.String(), f.Local.StreamID)
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", kind, err)
	}
	if f.tracks == nil {
		f.tracks = make(map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticSample)
	}
	f.tracks[kind] = t
	return t, nil
}

// LocalTracks returns the tracks created so far; the media pump writes
// samples into them.
func (f *PionFactory) LocalTracks() []*webrtc.TrackLocalStaticSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*webrtc.TrackLocalStaticSample, 0, len(f.tracks))
	for _, kind := range mediaKinds {
		if t, ok := f.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

var mediaKinds = []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}

func (f *PionFactory) NewPeer(remote string, cb Callbacks) (PeerConnection, error) {
	api := f.API
	if api == nil {
		var err error
		if api, err = newAPI(); err != nil {
			return nil, err
		}
	}
	pc, err := api.NewPeerConnection(f.configuration())
	if err != nil {
		return nil, fmt.Errorf("new peer connection for %s: %w", remote, err)
	}

	p := &pionPeer{pc: pc}
	for _, kind := range mediaKinds {
		track, err := f.localTrack(kind)
		if err == nil && track != nil {
			_, err = pc.AddTrack(track)
		}
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("add local %s for %s: %w", kind, remote, err)
		}
		if track == nil {
			p.recvOnly = append(p.recvOnly, kind)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || cb.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		cb.OnCandidate(types.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if cb.OnStream == nil {
			return
		}
		// audio and video share one stream per remote session
		p.streamOnce.Do(func() {
			cb.OnStream(&remoteStream{id: track.StreamID()})
		})
	})
	return p, nil
}

type pionPeer struct {
	pc         *webrtc.PeerConnection
	streamOnce sync.Once
	// kinds without a local track; the offerer still asks to receive them
	recvOnly []webrtc.RTPCodecType
	offered  bool
}

func (p *pionPeer) CreateOffer() (string, error) {
	if !p.offered {
		for _, kind := range p.recvOnly {
			if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return "", fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
		p.offered = true
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (p *pionPeer) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (p *pionPeer) SetRemoteDescription(kind types.SignalKind, sdp string) error {
	var typ webrtc.SDPType
	switch kind {
	case types.SignalOffer:
		typ = webrtc.SDPTypeOffer
	case types.SignalAnswer:
		typ = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSignal, kind)
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp})
}

func (p *pionPeer) AddICECandidate(c types.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// remoteStream is the handle attached to a participant. Its tracks belong
// to the peer connection and stop when the peer closes.
type remoteStream struct {
	id       string
	mu       sync.Mutex
	released bool
}

func (s *remoteStream) ID() string { return s.id }

func (s *remoteStream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	return nil
}
