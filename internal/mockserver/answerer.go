package mockserver

import (
	"errors"
	"io"

	"github.com/BioHazard786/warpvoice/internal/signaling"
	"github.com/BioHazard786/warpvoice/internal/webrtc"
	"github.com/pion/interceptor"
	pion "github.com/pion/webrtc/v4"
)

// answerer is the server side of the peer connection. It answers offers,
// trickles its candidates back and counts the audio it receives.
type answerer struct {
	client *client
	pc     *pion.PeerConnection
}

func newAnswerer(c *client) (*answerer, error) {
	me := &pion.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, err
	}
	api := pion.NewAPI(pion.WithMediaEngine(me), pion.WithInterceptorRegistry(registry))

	var servers []pion.ICEServer
	for _, s := range c.server.opts.ICEServers {
		servers = append(servers, pion.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	pc, err := api.NewPeerConnection(pion.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	a := &answerer{client: c, pc: pc}
	pc.OnICECandidate(a.onCandidate)
	pc.OnTrack(a.onTrack)
	pc.OnDataChannel(a.onDataChannel)
	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		c.server.log.Debug("peer state", "peer", c.peerID, "state", s.String())
	})
	return a, nil
}

func (a *answerer) answer(offer string) (string, error) {
	if err := a.pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer}); err != nil {
		return "", err
	}
	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := a.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (a *answerer) addCandidate(c signaling.ICECandidate) error {
	return a.pc.AddICECandidate(pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (a *answerer) onCandidate(c *pion.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	a.client.enqueue(signaling.Envelope{
		Type:     signaling.TypeSignal,
		FromPeer: signaling.PeerServer,
		ToPeer:   a.client.peerID,
		Data: &signaling.SignalData{
			Type: signaling.SignalICECandidate,
			Candidate: &signaling.ICECandidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			},
		},
	})
}

func (a *answerer) onTrack(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	log := a.client.server.log
	log.Info("receiving media", "peer", a.client.peerID, "codec", track.Codec().MimeType)
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("media track ended", "peer", a.client.peerID, "error", err)
			}
			return
		}
		a.client.server.mediaPackets.Add(1)
	}
}

func (a *answerer) onDataChannel(dc *pion.DataChannel) {
	if dc.Label() != webrtc.DataChannelLabel {
		return
	}
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		m, err := webrtc.ParseMessage(msg.Data)
		if err != nil || m.Type != webrtc.MessageTypeAudioChunk {
			return
		}
		var chunk webrtc.ChunkPayload
		if err := m.DecodePayload(&chunk); err != nil {
			return
		}
		a.client.server.dataChunks.Add(1)
	})
}

func (a *answerer) close() {
	if err := a.pc.Close(); err != nil {
		a.client.server.log.Debug("close peer", "peer", a.client.peerID, "error", err)
	}
}
