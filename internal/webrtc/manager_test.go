package webrtc

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BioHazard786/warpvoice/internal/domain"
	"github.com/BioHazard786/warpvoice/internal/signaling"
	pion "github.com/pion/webrtc/v4"
)

type fakePeer struct {
	mu         sync.Mutex
	onCand     func(*pion.ICECandidateInit)
	onState    func(pion.PeerConnectionState)
	onAudio    func([]byte)
	remote     *pion.SessionDescription
	candidates []pion.ICECandidateInit
	tracks     []pion.TrackLocal
	data       [][]byte
	closed     int
	offerErr   error
	// candidatesOnOffer are gathered synchronously while the offer is created.
	candidatesOnOffer []string
}

func (p *fakePeer) OnICECandidate(f func(*pion.ICECandidateInit)) { p.onCand = f }
func (p *fakePeer) OnConnectionStateChange(f func(pion.PeerConnectionState)) { p.onState = f }
func (p *fakePeer) OnRemoteAudio(f func([]byte)) { p.onAudio = f }

func (p *fakePeer) CreateOffer() (pion.SessionDescription, error) {
	if p.offerErr != nil {
		return pion.SessionDescription{}, p.offerErr
	}
	for _, c := range p.candidatesOnOffer {
		p.onCand(&pion.ICECandidateInit{Candidate: c})
	}
	return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) SetRemoteDescription(d pion.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &d
	return nil
}

func (p *fakePeer) AddICECandidate(c pion.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) ReplaceAudioTrack(t pion.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *fakePeer) SendData(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = append(p.data, b)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

type fakeProvider struct {
	peer *fakePeer
	cfg  PeerConfig
	err  error
}

func (f *fakeProvider) NewPeerConnection(cfg PeerConfig) (PeerConnection, error) {
	f.cfg = cfg
	if f.err != nil {
		return nil, f.err
	}
	return f.peer, nil
}

type recordingSignaler struct {
	mu   sync.Mutex
	sent []signaling.Envelope
	down bool
}

func (s *recordingSignaler) Send(env signaling.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return false
	}
	s.sent = append(s.sent, env)
	return true
}

func (s *recordingSignaler) envelopes() []signaling.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signaling.Envelope(nil), s.sent...)
}

func newTestManager(peer *fakePeer, opts Options) (*Manager, *recordingSignaler, *fakeProvider) {
	sig := &recordingSignaler{}
	prov := &fakeProvider{peer: peer}
	opts.Provider = prov
	return NewManager(sig, opts), sig, prov
}

func TestStartSendsOfferBeforeCandidates(t *testing.T) {
	t.Parallel()

	peer := &fakePeer{candidatesOnOffer: []string{"candidate:1", "candidate:2"}}
	m, sig, _ := newTestManager(peer, Options{})

	if err := m.Start(nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	sent := sig.envelopes()
	if len(sent) != 3 {
		t.Fatalf("expected offer and two candidates, got %d envelopes", len(sent))
	}
	if sent[0].Data.Type != signaling.SignalOffer || sent[0].ToPeer != signaling.PeerServer {
		t.Fatalf("first envelope should be the offer, got %+v", sent[0])
	}
	for i, want := range []string{"candidate:1", "candidate:2"} {
		env := sent[i+1]
		if env.Data.Type != signaling.SignalICECandidate || env.Data.Candidate.Candidate != want {
			t.Fatalf("envelope %d: unexpected %+v", i+1, env.Data)
		}
	}

	// Later candidates go out immediately.
	peer.onCand(&pion.ICECandidateInit{Candidate: "candidate:3"})
	if got := len(sig.envelopes()); got != 4 {
		t.Fatalf("expected trickled candidate to be sent, have %d envelopes", got)
	}
	if m.State() != StateNegotiating {
		t.Fatalf("unexpected state %s", m.State())
	}
}

func TestRemoteCandidatesQueuedUntilAnswer(t *testing.T) {
	t.Parallel()

	peer := &fakePeer{}
	m, _, _ := newTestManager(peer, Options{})
	if err := m.Start(nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	cand := &signaling.ICECandidate{Candidate: "candidate:remote"}
	if err := m.HandleSignal(signaling.NewSignal(signaling.SignalICECandidate, "", cand)); err != nil {
		t.Fatalf("queue candidate: %v", err)
	}
	if len(peer.candidates) != 0 {
		t.Fatalf("candidate applied before remote description")
	}

	if err := m.HandleSignal(signaling.NewSignal(signaling.SignalAnswer, "v=0 answer", nil)); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if peer.remote == nil || peer.remote.Type != pion.SDPTypeAnswer {
		t.Fatalf("answer not applied")
	}
	if len(peer.candidates) != 1 || peer.candidates[0].Candidate != "candidate:remote" {
		t.Fatalf("queued candidate not flushed: %+v", peer.candidates)
	}

	if err := m.HandleSignal(signaling.NewSignal(signaling.SignalICECandidate, "", &signaling.ICECandidate{Candidate: "candidate:late"})); err != nil {
		t.Fatalf("late candidate: %v", err)
	}
	if len(peer.candidates) != 2 {
		t.Fatalf("late candidate not applied immediately")
	}
}

func TestServerOfferIsNegotiationError(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(&fakePeer{}, Options{})
	if err := m.Start(nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := m.HandleSignal(signaling.NewSignal(signaling.SignalOffer, "v=0", nil))
	if !errors.Is(err, domain.ErrUnexpectedSignal) || domain.KindOf(err) != domain.KindNegotiation {
		t.Fatalf("expected negotiation error, got %v", err)
	}
}

func TestOfferFailureIsNegotiationError(t *testing.T) {
	t.Parallel()

	m, sig, _ := newTestManager(&fakePeer{offerErr: errors.New("no codecs")}, Options{})
	err := m.Start(nil)
	if domain.KindOf(err) != domain.KindNegotiation {
		t.Fatalf("expected negotiation error, got %v", err)
	}
	if len(sig.envelopes()) != 0 {
		t.Fatalf("nothing should be sent after a failed offer")
	}
	if m.State() != StateFailed {
		t.Fatalf("unexpected state %s", m.State())
	}
}

func TestConnectionStateEvents(t *testing.T) {
	t.Parallel()

	peer := &fakePeer{}
	m, _, _ := newTestManager(peer, Options{})
	if err := m.Start(nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	peer.onState(pion.PeerConnectionStateConnecting)
	peer.onState(pion.PeerConnectionStateConnected)
	peer.onState(pion.PeerConnectionStateFailed)
	peer.onState(pion.PeerConnectionStateClosed)

	want := []State{StateConnected, StateFailed}
	for _, w := range want {
		select {
		case ev := <-m.Events():
			if ev.Kind != EventStateChanged || ev.State != w {
				t.Fatalf("expected %s, got %+v", w, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}

	select {
	case ev := <-m.Events():
		t.Fatalf("only the first terminal state is reported, got %+v", ev)
	default:
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	peer := &fakePeer{}
	m, _, _ := newTestManager(peer, Options{})
	if err := m.Start(nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	m.Close()
	m.Close()
	if peer.closed != 1 {
		t.Fatalf("peer closed %d times", peer.closed)
	}
	if err := m.AttachTrack(nil); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("attach after close should fail, got %v", err)
	}
	if err := m.HandleSignal(signaling.NewSignal(signaling.SignalAnswer, "v=0", nil)); err != nil {
		t.Fatalf("signals after close are ignored, got %v", err)
	}
}

func TestRelayOnlyWithTURN(t *testing.T) {
	t.Parallel()

	m, _, prov := newTestManager(&fakePeer{}, Options{ForceRelay: true})
	if err := m.Start([]signaling.ICEServer{{URLs: signaling.URLList{"stun:stun.example.org:3478"}}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if prov.cfg.ForceRelay {
		t.Fatalf("relay must not be forced without a TURN server")
	}

	m, _, prov = newTestManager(&fakePeer{}, Options{
		ForceRelay: true,
		ICEServers: []pion.ICEServer{{URLs: []string{"turn:turn.example.org:3478"}, Username: "u", Credential: "p"}},
	})
	if err := m.Start(nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !prov.cfg.ForceRelay {
		t.Fatalf("relay should be forced when TURN is configured")
	}
}

func TestMergeICEServersDedupes(t *testing.T) {
	t.Parallel()

	announced := []signaling.ICEServer{
		{URLs: signaling.URLList{"stun:a:3478"}},
		{URLs: signaling.URLList{"turn:b:3478"}, Username: "user", Credential: "secret"},
	}
	configured := []pion.ICEServer{
		{URLs: []string{"stun:a:3478"}},
		{URLs: []string{"stun:c:3478"}},
	}

	got := MergeICEServers(announced, configured)
	if len(got) != 3 {
		t.Fatalf("expected 3 servers, got %+v", got)
	}
	if got[1].Username != "user" || got[1].Credential != "secret" {
		t.Fatalf("credentials lost: %+v", got[1])
	}
	if !HasTURN(got) {
		t.Fatalf("expected TURN to be detected")
	}
}

func TestSendChunkOverDataChannel(t *testing.T) {
	t.Parallel()

	peer := &fakePeer{}
	m, _, _ := newTestManager(peer, Options{DataChannel: true})
	if err := m.Start(nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	at := time.UnixMilli(1700000000000)
	if err := m.SendChunk("s1", domain.AudioChunk{Seq: 7, Payload: []byte{1, 2, 3}, CapturedAt: at}); err != nil {
		t.Fatalf("send chunk: %v", err)
	}
	if len(peer.data) != 1 {
		t.Fatalf("expected one data channel message")
	}

	msg, err := ParseMessage(peer.data[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var chunk ChunkPayload
	if err := msg.DecodePayload(&chunk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != MessageTypeAudioChunk || chunk.StreamID != "s1" || chunk.Seq != 7 || chunk.CapturedAt != at.UnixMilli() || len(chunk.Audio) != 3 {
		t.Fatalf("unexpected chunk %+v", chunk)
	}
}
