package webrtc

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
)

var (
	ErrNoDataChannel  = errors.New("data channel not negotiated")
	ErrChannelNotOpen = errors.New("channel not open")
)

// PeerConnection is the capability the manager needs from a WebRTC stack.
type PeerConnection interface {
	// OnICECandidate receives nil once gathering is complete.
	OnICECandidate(func(*pion.ICECandidateInit))
	OnConnectionStateChange(func(pion.PeerConnectionState))
	// OnRemoteAudio receives RTP payloads of the remote audio track.
	OnRemoteAudio(func([]byte))

	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer() (pion.SessionDescription, error)
	SetRemoteDescription(pion.SessionDescription) error
	AddICECandidate(pion.ICECandidateInit) error

	// ReplaceAudioTrack swaps the outgoing audio track; nil restores silence.
	ReplaceAudioTrack(pion.TrackLocal) error
	SendData([]byte) error
	Close() error
}

type PeerConfig struct {
	ICEServers  []pion.ICEServer
	ForceRelay  bool
	DataChannel bool
}

// Provider creates peer connections.
type Provider interface {
	NewPeerConnection(cfg PeerConfig) (PeerConnection, error)
}

// PionProvider builds pion peer connections with an opus-capable media engine
// and the default interceptors.
type PionProvider struct {
	// SetupMediaEngine registers codecs; nil registers pion's defaults.
	SetupMediaEngine func(*pion.MediaEngine) error
	Logger           *slog.Logger
}

func (p *PionProvider) NewPeerConnection(cfg PeerConfig) (PeerConnection, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mediaEngine := &pion.MediaEngine{}
	setup := p.SetupMediaEngine
	if setup == nil {
		setup = (*pion.MediaEngine).RegisterDefaultCodecs
	}
	if err := setup(mediaEngine); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	se := pion.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 25*time.Second, 2*time.Second)

	api := pion.NewAPI(
		pion.WithMediaEngine(mediaEngine),
		pion.WithInterceptorRegistry(registry),
		pion.WithSettingEngine(se),
	)

	policy := pion.ICETransportPolicyAll
	if cfg.ForceRelay {
		policy = pion.ICETransportPolicyRelay
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:         cfg.ICEServers,
		ICETransportPolicy: policy,
	})
	if err != nil {
		return nil, err
	}

	// The silent track reserves the audio m-line so the offer can be made
	// before the microphone is opened.
	silence, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "warpvoice",
	)
	if err != nil {
		pc.Close()
		return nil, err
	}
	sender, err := pc.AddTrack(silence)
	if err != nil {
		pc.Close()
		return nil, err
	}

	peer := &pionPeer{
		pc:      pc,
		sender:  sender,
		silence: silence,
		log:     logger.With("component", "peer"),
	}

	if cfg.DataChannel {
		ordered := true
		dc, err := pc.CreateDataChannel(DataChannelLabel, &pion.DataChannelInit{Ordered: &ordered})
		if err != nil {
			pc.Close()
			return nil, err
		}
		peer.dc = dc
	}

	pc.OnTrack(peer.handleTrack)
	go peer.drainRTCP()

	return peer, nil
}

type pionPeer struct {
	pc      *pion.PeerConnection
	sender  *pion.RTPSender
	silence pion.TrackLocal
	dc      *pion.DataChannel
	log     *slog.Logger

	mu          sync.Mutex
	remoteAudio func([]byte)
}

func (p *pionPeer) OnICECandidate(f func(*pion.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			f(nil)
			return
		}
		init := c.ToJSON()
		f(&init)
	})
}

func (p *pionPeer) OnConnectionStateChange(f func(pion.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeer) OnRemoteAudio(f func([]byte)) {
	p.mu.Lock()
	p.remoteAudio = f
	p.mu.Unlock()
}

func (p *pionPeer) CreateOffer() (pion.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return pion.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return pion.SessionDescription{}, err
	}
	return *p.pc.LocalDescription(), nil
}

func (p *pionPeer) SetRemoteDescription(desc pion.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c pion.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) ReplaceAudioTrack(track pion.TrackLocal) error {
	if track == nil {
		track = p.silence
	}
	return p.sender.ReplaceTrack(track)
}

func (p *pionPeer) SendData(data []byte) error {
	if p.dc == nil {
		return ErrNoDataChannel
	}
	if p.dc.ReadyState() != pion.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return p.dc.Send(data)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func (p *pionPeer) handleTrack(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	if track.Kind() != pion.RTPCodecTypeAudio {
		return
	}
	p.log.Debug("remote audio track", "codec", track.Codec().MimeType, "ssrc", track.SSRC())

	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		p.mu.Lock()
		f := p.remoteAudio
		p.mu.Unlock()
		if f != nil {
			payload := make([]byte, len(pkt.Payload))
			copy(payload, pkt.Payload)
			f(payload)
		}
	}
}

// drainRTCP reads RTCP for the outgoing track so interceptors keep running.
func (p *pionPeer) drainRTCP() {
	for {
		pkts, _, err := p.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, r := range rr.Reports {
				p.log.Debug("receiver report",
					"ssrc", r.SSRC,
					"fraction_lost", r.FractionLost,
					"total_lost", r.TotalLost,
					"jitter", r.Jitter,
				)
			}
		}
	}
}
