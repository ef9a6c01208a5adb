package agent

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/BioHazard786/warpvoice/internal/audio"
	"github.com/BioHazard786/warpvoice/internal/domain"
	"github.com/BioHazard786/warpvoice/internal/signaling"
	"github.com/BioHazard786/warpvoice/internal/webrtc"
	"github.com/gorilla/websocket"
	pion "github.com/pion/webrtc/v4"
)

// recorder collects the order in which fakes were released.
type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) add(step string) {
	r.mu.Lock()
	r.steps = append(r.steps, step)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

// fakeServer plays the agent server behind a fake socket provider.
type fakeServer struct {
	t   *testing.T
	rec *recorder

	mu       sync.Mutex
	dials    int
	urls     []string
	dialErr  error
	conns    []*fakeConn
	received []signaling.Envelope
	// answerOffers replies to every offer with an answer.
	answerOffers bool
	// ackStreams acknowledges start_stream and end_stream.
	ackStreams bool
	// skipConfig leaves the connection silent after the upgrade.
	skipConfig bool
}

func newFakeServer(t *testing.T, rec *recorder) *fakeServer {
	return &fakeServer{t: t, rec: rec, answerOffers: true, ackStreams: true}
}

func (s *fakeServer) Dial(ctx context.Context, rawURL string) (signaling.Conn, error) {
	s.mu.Lock()
	s.dials++
	s.urls = append(s.urls, rawURL)
	err := s.dialErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c := &fakeConn{
		server: s,
		in:     make(chan []byte, 128),
		closed: make(chan struct{}),
		code:   websocket.CloseNormalClosure,
	}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	skip := s.skipConfig
	s.mu.Unlock()

	if !skip {
		c.push(signaling.Envelope{
			Type:       signaling.TypeConfig,
			ICEServers: []signaling.ICEServer{{URLs: signaling.URLList{"stun:stun.example.org:3478"}}},
		})
	}
	return c, nil
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *fakeServer) dialURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}

func (s *fakeServer) lastConn() *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

func (s *fakeServer) envelopes() []signaling.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signaling.Envelope(nil), s.received...)
}

func (s *fakeServer) handle(c *fakeConn, env signaling.Envelope) {
	s.mu.Lock()
	s.received = append(s.received, env)
	answer, ack := s.answerOffers, s.ackStreams
	s.mu.Unlock()

	switch env.Type {
	case signaling.TypeSignal:
		if env.Data.Type == signaling.SignalOffer && answer {
			c.push(signaling.Envelope{
				Type:     signaling.TypeSignal,
				FromPeer: signaling.PeerServer,
				Data:     &signaling.SignalData{Type: signaling.SignalAnswer, SDP: "v=0 answer"},
			})
		}
	case signaling.TypeAudio:
		if !ack {
			return
		}
		switch env.Action {
		case signaling.ActionStartStream:
			c.push(signaling.Envelope{Type: signaling.TypeAudioResponse, Status: signaling.StatusStarted, StreamID: "stream-1"})
		case signaling.ActionEndStream:
			c.push(signaling.Envelope{Type: signaling.TypeAudioResponse, Status: signaling.StatusCompleted, StreamID: env.StreamID})
		}
	}
}

type fakeConn struct {
	server *fakeServer
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	code int
}

func (c *fakeConn) push(env signaling.Envelope) {
	b, err := signaling.Encode(env)
	if err != nil {
		panic(err)
	}
	select {
	case c.in <- b:
	case <-c.closed:
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return websocket.TextMessage, b, nil
	case <-c.closed:
		c.mu.Lock()
		code := c.code
		c.mu.Unlock()
		return 0, nil, &websocket.CloseError{Code: code, Text: "closed"}
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	env, err := signaling.Decode(data)
	if err != nil {
		return nil
	}
	c.server.handle(c, env)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		if c.server.rec != nil {
			c.server.rec.add("transport-close")
		}
		close(c.closed)
	})
	return nil
}

// drop closes the socket from the server side with the given code.
func (c *fakeConn) drop(code int) {
	c.mu.Lock()
	c.code = code
	c.mu.Unlock()
	c.once.Do(func() { close(c.closed) })
}

// fakePeers hands out peers that connect as soon as the answer is applied.
type fakePeers struct {
	rec *recorder

	mu          sync.Mutex
	peers       []*fakePeer
	autoConnect bool
	offerErr    error
}

func (p *fakePeers) NewPeerConnection(cfg webrtc.PeerConfig) (webrtc.PeerConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	peer := &fakePeer{rec: p.rec, autoConnect: p.autoConnect, offerErr: p.offerErr}
	p.peers = append(p.peers, peer)
	return peer, nil
}

func (p *fakePeers) last() *fakePeer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.peers) == 0 {
		return nil
	}
	return p.peers[len(p.peers)-1]
}

func (p *fakePeers) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

type fakePeer struct {
	rec         *recorder
	autoConnect bool
	offerErr    error

	mu      sync.Mutex
	onState func(pion.PeerConnectionState)
	tracks  []pion.TrackLocal
	data    [][]byte
	closed  bool
}

func (p *fakePeer) OnICECandidate(func(*pion.ICECandidateInit)) {}

func (p *fakePeer) OnConnectionStateChange(f func(pion.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *fakePeer) OnRemoteAudio(func([]byte)) {}

func (p *fakePeer) CreateOffer() (pion.SessionDescription, error) {
	if p.offerErr != nil {
		return pion.SessionDescription{}, p.offerErr
	}
	return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) SetRemoteDescription(pion.SessionDescription) error {
	if p.autoConnect {
		go p.setState(pion.PeerConnectionStateConnected)
	}
	return nil
}

func (p *fakePeer) setState(s pion.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	if f != nil {
		f(s)
	}
}

func (p *fakePeer) AddICECandidate(pion.ICECandidateInit) error { return nil }

func (p *fakePeer) ReplaceAudioTrack(t pion.TrackLocal) error {
	p.mu.Lock()
	p.tracks = append(p.tracks, t)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) SendData(b []byte) error {
	p.mu.Lock()
	p.data = append(p.data, b)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed && p.rec != nil {
		p.rec.add("peer-close")
	}
	p.closed = true
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) dataCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.data)
}

// fakeSources hands out pipe-backed microphones.
type fakeSources struct {
	rec *recorder
	err error

	mu   sync.Mutex
	srcs []*fakeSource
}

func (f *fakeSources) Open(context.Context, audio.Format) (audio.Source, error) {
	if f.err != nil {
		return nil, f.err
	}
	r, w := io.Pipe()
	src := &fakeSource{rec: f.rec, r: r, w: w}
	f.mu.Lock()
	f.srcs = append(f.srcs, src)
	f.mu.Unlock()
	return src, nil
}

func (f *fakeSources) last() *fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.srcs) == 0 {
		return nil
	}
	return f.srcs[len(f.srcs)-1]
}

type fakeSource struct {
	rec  *recorder
	r    *io.PipeReader
	w    *io.PipeWriter
	once sync.Once
}

func (s *fakeSource) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *fakeSource) Track() pion.TrackLocal { return nil }

func (s *fakeSource) Close() error {
	s.once.Do(func() {
		if s.rec != nil {
			s.rec.add("capture-stop")
		}
		s.r.CloseWithError(io.EOF)
	})
	return nil
}

// eventLog drains session events in the background.
type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
	done   chan struct{}
}

func collect(s *Session) *eventLog {
	l := &eventLog{done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for ev := range s.Events() {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) snapshot() []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Event(nil), l.events...)
}

func (l *eventLog) reached(state domain.ConnectionState) bool {
	for _, ev := range l.snapshot() {
		if sc, ok := ev.(domain.StateChanged); ok && sc.To == state {
			return true
		}
	}
	return false
}

func (l *eventLog) failures() []domain.Failure {
	var out []domain.Failure
	for _, ev := range l.snapshot() {
		if f, ok := ev.(domain.Failure); ok {
			out = append(out, f)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errDialRefused = errors.New("connection refused")
