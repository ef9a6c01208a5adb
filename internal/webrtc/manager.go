package webrtc

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/BioHazard786/warpvoice/internal/domain"
	"github.com/BioHazard786/warpvoice/internal/signaling"
	pion "github.com/pion/webrtc/v4"
)

// State of a Manager's peer connection.
type State string

const (
	StateNew          State = "new"
	StateNegotiating  State = "negotiating"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Terminal reports whether the state ends the connection.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

type EventKind int

const (
	EventStateChanged EventKind = iota
	EventRemoteAudio
)

type Event struct {
	Kind  EventKind
	State State
	Audio []byte
}

// Signaler delivers envelopes to the agent server.
type Signaler interface {
	Send(signaling.Envelope) bool
}

type Options struct {
	Provider Provider
	// ICEServers are merged with the servers announced by the config envelope.
	ICEServers []pion.ICEServer
	// ForceRelay restricts ICE to TURN relays when any TURN server is known.
	ForceRelay  bool
	DataChannel bool
	Logger      *slog.Logger
}

// Manager owns one offering peer connection. Like the signaling transport it
// is single use; renegotiating means creating a new Manager.
type Manager struct {
	signaler Signaler
	opts     Options
	log      *slog.Logger

	events chan Event
	done   chan struct{}
	once   sync.Once

	mu          sync.Mutex
	state       State
	pc          PeerConnection
	offerSent   bool
	localQueue  []signaling.ICECandidate
	remoteSet   bool
	remoteQueue []pion.ICECandidateInit
}

func NewManager(signaler Signaler, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Provider == nil {
		opts.Provider = &PionProvider{Logger: logger}
	}

	return &Manager{
		signaler: signaler,
		opts:     opts,
		log:      logger.With("component", "peer-manager"),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
		state:    StateNew,
	}
}

func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start creates the peer connection with the announced ICE servers and sends
// the offer. Candidates gathered before the offer is out are held back so the
// server never sees a candidate ahead of its description.
func (m *Manager) Start(announced []signaling.ICEServer) error {
	m.mu.Lock()
	if m.state != StateNew {
		m.mu.Unlock()
		return domain.NewError(domain.KindNegotiation, "start peer", errors.New("peer connection already started"))
	}
	m.state = StateNegotiating
	m.mu.Unlock()

	servers := MergeICEServers(announced, m.opts.ICEServers)
	forceRelay := m.opts.ForceRelay && HasTURN(servers)
	if m.opts.ForceRelay && !forceRelay {
		m.log.Warn("relay requested but no TURN server configured; using all candidates")
	}

	pc, err := m.opts.Provider.NewPeerConnection(PeerConfig{
		ICEServers:  servers,
		ForceRelay:  forceRelay,
		DataChannel: m.opts.DataChannel,
	})
	if err != nil {
		m.setState(StateFailed)
		return domain.NewError(domain.KindNegotiation, "create peer connection", err)
	}

	m.mu.Lock()
	m.pc = pc
	m.mu.Unlock()

	pc.OnICECandidate(m.handleLocalCandidate)
	pc.OnConnectionStateChange(m.handleConnectionState)
	pc.OnRemoteAudio(func(b []byte) {
		select {
		case m.events <- Event{Kind: EventRemoteAudio, Audio: b}:
		case <-m.done:
		default:
			m.log.Debug("dropping remote audio, consumer is behind")
		}
	})

	offer, err := pc.CreateOffer()
	if err != nil {
		m.setState(StateFailed)
		return domain.NewError(domain.KindNegotiation, "create offer", err)
	}

	if !m.signaler.Send(signaling.NewSignal(signaling.SignalOffer, offer.SDP, nil)) {
		m.setState(StateFailed)
		return domain.NewError(domain.KindTransport, "send offer", domain.ErrNotOpen)
	}
	m.log.Debug("offer sent", "ice_servers", len(servers), "relay", forceRelay)

	m.mu.Lock()
	m.offerSent = true
	pending := m.localQueue
	m.localQueue = nil
	m.mu.Unlock()

	for _, c := range pending {
		m.sendCandidate(c)
	}
	return nil
}

// HandleSignal applies a signal envelope from the server.
func (m *Manager) HandleSignal(env signaling.Envelope) error {
	if env.Data == nil {
		return domain.NewError(domain.KindProtocol, "handle signal", domain.ErrMalformed)
	}

	m.mu.Lock()
	pc := m.pc
	closed := m.state == StateClosed
	m.mu.Unlock()

	if closed {
		return nil
	}

	switch env.Data.Type {
	case signaling.SignalAnswer:
		if pc == nil {
			return domain.WrapError(domain.KindNegotiation, "apply answer", domain.ErrUnexpectedSignal, "no offer outstanding")
		}
		err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: env.Data.SDP})
		if err != nil {
			return domain.NewError(domain.KindNegotiation, "apply answer", err)
		}

		m.mu.Lock()
		m.remoteSet = true
		queued := m.remoteQueue
		m.remoteQueue = nil
		m.mu.Unlock()

		for _, c := range queued {
			if err := pc.AddICECandidate(c); err != nil {
				m.log.Warn("failed to add queued candidate", "error", err)
			}
		}
		return nil

	case signaling.SignalICECandidate:
		if env.Data.Candidate == nil {
			return domain.NewError(domain.KindProtocol, "apply candidate", domain.ErrMalformed)
		}
		init := toCandidateInit(*env.Data.Candidate)

		m.mu.Lock()
		if !m.remoteSet || pc == nil {
			m.remoteQueue = append(m.remoteQueue, init)
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		if err := pc.AddICECandidate(init); err != nil {
			m.log.Warn("failed to add candidate", "error", err)
		}
		return nil

	case signaling.SignalOffer:
		return domain.WrapError(domain.KindNegotiation, "handle signal", domain.ErrUnexpectedSignal, "server sent an offer")

	default:
		return domain.WrapError(domain.KindProtocol, "handle signal", domain.ErrUnexpectedSignal, env.Data.Type)
	}
}

// AttachTrack sends the given track on the audio sender.
func (m *Manager) AttachTrack(track pion.TrackLocal) error {
	pc, err := m.conn()
	if err != nil {
		return err
	}
	if err := pc.ReplaceAudioTrack(track); err != nil {
		return domain.NewError(domain.KindNegotiation, "attach track", err)
	}
	return nil
}

// DetachTrack returns the audio sender to silence.
func (m *Manager) DetachTrack() error {
	pc, err := m.conn()
	if err != nil {
		return err
	}
	return pc.ReplaceAudioTrack(nil)
}

// SendChunk ships a sequenced chunk over the data channel.
func (m *Manager) SendChunk(streamID string, chunk domain.AudioChunk) error {
	pc, err := m.conn()
	if err != nil {
		return err
	}
	b, err := EncodeChunk(streamID, chunk)
	if err != nil {
		return err
	}
	return pc.SendData(b)
}

// Close tears the peer connection down. It is safe to call repeatedly.
func (m *Manager) Close() error {
	var err error
	m.once.Do(func() {
		close(m.done)

		m.mu.Lock()
		pc := m.pc
		m.state = StateClosed
		m.mu.Unlock()

		if pc != nil {
			err = pc.Close()
		}
	})
	return err
}

func (m *Manager) conn() (PeerConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc == nil || m.state == StateClosed {
		return nil, domain.NewError(domain.KindNegotiation, "peer connection", domain.ErrNotConnected)
	}
	return m.pc, nil
}

func (m *Manager) handleLocalCandidate(c *pion.ICECandidateInit) {
	if c == nil {
		m.log.Debug("ice gathering complete")
		return
	}
	cand := fromCandidateInit(*c)

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	if !m.offerSent {
		m.localQueue = append(m.localQueue, cand)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.sendCandidate(cand)
}

func (m *Manager) sendCandidate(c signaling.ICECandidate) {
	if !m.signaler.Send(signaling.NewSignal(signaling.SignalICECandidate, "", &c)) {
		m.log.Debug("dropping local candidate, signaling closed")
	}
}

func (m *Manager) handleConnectionState(s pion.PeerConnectionState) {
	m.log.Debug("peer connection state", "state", s.String())

	var next State
	switch s {
	case pion.PeerConnectionStateConnected:
		next = StateConnected
	case pion.PeerConnectionStateDisconnected:
		next = StateDisconnected
	case pion.PeerConnectionStateFailed:
		next = StateFailed
	case pion.PeerConnectionStateClosed:
		next = StateClosed
	default:
		return
	}

	m.mu.Lock()
	if m.state.Terminal() || m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.mu.Unlock()

	select {
	case m.events <- Event{Kind: EventStateChanged, State: next}:
	case <-m.done:
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state != StateClosed {
		m.state = s
	}
	m.mu.Unlock()
}

// MergeICEServers converts announced servers and appends configured ones
// whose URL sets are not already present.
func MergeICEServers(announced []signaling.ICEServer, configured []pion.ICEServer) []pion.ICEServer {
	seen := make(map[string]bool)
	var out []pion.ICEServer

	add := func(s pion.ICEServer) {
		if len(s.URLs) == 0 {
			return
		}
		key := strings.Join(s.URLs, ",")
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, s)
	}

	for _, s := range announced {
		srv := pion.ICEServer{URLs: append([]string(nil), s.URLs...), Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		add(srv)
	}
	for _, s := range configured {
		add(s)
	}
	return out
}

// HasTURN reports whether any server offers a relay.
func HasTURN(servers []pion.ICEServer) bool {
	for _, s := range servers {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}

func toCandidateInit(c signaling.ICECandidate) pion.ICECandidateInit {
	return pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromCandidateInit(c pion.ICECandidateInit) signaling.ICECandidate {
	return signaling.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
