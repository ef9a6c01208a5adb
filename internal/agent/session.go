package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BioHazard786/warpvoice/internal/assembler"
	"github.com/BioHazard786/warpvoice/internal/audio"
	"github.com/BioHazard786/warpvoice/internal/domain"
	"github.com/BioHazard786/warpvoice/internal/reconnect"
	"github.com/BioHazard786/warpvoice/internal/signaling"
	"github.com/BioHazard786/warpvoice/internal/stream"
	"github.com/BioHazard786/warpvoice/internal/webrtc"
	pion "github.com/pion/webrtc/v4"
)

type Config struct {
	// ServerURL is the ws:// or wss:// origin of the agent server.
	ServerURL string
	AgentID   string
	APIKey    string

	ICEServers []pion.ICEServer
	ForceRelay bool
	ChunkPath  webrtc.ChunkPath

	Format        audio.Format
	ChunkInterval time.Duration

	KeepaliveInterval time.Duration
	PongTimeout       time.Duration
	Reconnect         reconnect.Config

	Logger *slog.Logger
}

// Deps are the capabilities a session drives.
type Deps struct {
	Sockets signaling.SocketProvider
	Peers   webrtc.Provider
	Sources audio.SourceProvider
}

// Stats summarise a session for display.
type Stats struct {
	StartedAt        time.Time
	Streams          int
	ChunksSent       uint64
	MessagesReceived int
	Reconnects       int
}

type retryKind int

const (
	retryNone retryKind = iota
	retrySignaling
	retryPeer
)

type dialResult struct {
	transport *signaling.Transport
	err       error
}

// Session is the voice session state machine. All of its state is owned by
// the goroutine running Run; other goroutines talk to it through commands.
type Session struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	events   chan domain.Event
	commands chan command
	dialed   chan dialResult
	done     chan struct{}

	identity  domain.SessionIdentity
	state     domain.ConnectionState
	announced []signaling.ICEServer

	transport  *signaling.Transport
	dialCancel context.CancelFunc
	peer       *webrtc.Manager
	capture    *audio.Capture
	stream     *stream.Session
	assembler  *assembler.Assembler
	deferEnd   bool

	sigPolicy  *reconnect.Policy
	peerPolicy *reconnect.Policy
	retry      retryKind
	retryTimer *time.Timer
	ceiling    *time.Timer

	runCtx   context.Context
	finished bool
	result   error

	statsMu sync.Mutex
	stats   Stats

	// trace observes teardown steps in tests.
	trace func(step string)
}

func NewSession(cfg Config, deps Deps) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChunkPath == "" {
		cfg.ChunkPath = webrtc.ChunkPathBoth
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = audio.DefaultFormat()
	}
	if cfg.Reconnect.Ceiling <= 0 {
		cfg.Reconnect.Ceiling = reconnect.DefaultConfig().Ceiling
	}
	if deps.Sockets == nil {
		deps.Sockets = signaling.NewDialer()
	}
	if deps.Peers == nil {
		deps.Peers = &webrtc.PionProvider{Logger: logger}
	}

	return &Session{
		cfg:        cfg,
		deps:       deps,
		log:        logger.With("component", "session"),
		events:     make(chan domain.Event, 256),
		commands:   make(chan command),
		dialed:     make(chan dialResult, 1),
		done:       make(chan struct{}),
		identity:   domain.NewSessionIdentity(cfg.AgentID, cfg.APIKey),
		state:      domain.StateDisconnected,
		assembler:  assembler.New(logger),
		sigPolicy:  reconnect.New(cfg.Reconnect),
		peerPolicy: reconnect.New(cfg.Reconnect),
	}
}

// Events delivers session events. It is closed when Run returns.
func (s *Session) Events() <-chan domain.Event {
	return s.events
}

func (s *Session) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Run connects and drives the session until it is closed, ctx is cancelled
// or reconnection gives up. The returned error is the fatal failure, if any.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.events)
	defer close(s.done)

	s.runCtx = ctx
	s.updateStats(func(st *Stats) { st.StartedAt = time.Now() })
	s.connect(false)

	for !s.finished {
		var (
			transportEvents <-chan signaling.Event
			peerEvents      <-chan webrtc.Event
			blocks          <-chan audio.Block
			captureErrs     <-chan error
			retryC          <-chan time.Time
			ceilingC        <-chan time.Time
		)
		if s.transport != nil {
			transportEvents = s.transport.Events()
		}
		if s.peer != nil {
			peerEvents = s.peer.Events()
		}
		if s.capture != nil {
			blocks = s.capture.Blocks()
			captureErrs = s.capture.Errors()
		}
		if s.retryTimer != nil {
			retryC = s.retryTimer.C
		}
		if s.ceiling != nil {
			ceilingC = s.ceiling.C
		}

		select {
		case <-ctx.Done():
			s.teardown()
			s.setState(domain.StateDisconnected)
			s.finish(nil)

		case res := <-s.dialed:
			s.handleDial(res)

		case ev := <-transportEvents:
			s.handleTransport(ev)

		case ev := <-peerEvents:
			s.handlePeer(ev)

		case b := <-blocks:
			s.pushBlock(b)

		case err := <-captureErrs:
			s.log.Warn("capture ended", "error", err)
			s.stopCapture(true)
			s.emit(domain.Failure{Err: domain.NewError(domain.KindPermission, "capture", err)})

		case cmd := <-s.commands:
			s.handleCommand(cmd)

		case <-retryC:
			s.retryTimer = nil
			s.performRetry()

		case <-ceilingC:
			s.ceiling = nil
			s.giveUp(domain.NewError(domain.KindTransport, "reconnect", domain.ErrCeilingExceeded))
		}
	}

	s.stopTimers()
	return s.result
}

// connect opens a new signaling transport with a fresh peer id.
func (s *Session) connect(retry bool) {
	if retry {
		s.identity = s.identity.WithFreshPeer()
	}

	t := signaling.NewTransport(s.deps.Sockets, signaling.Options{
		BaseURL:           s.cfg.ServerURL,
		KeepaliveInterval: s.cfg.KeepaliveInterval,
		PongTimeout:       s.cfg.PongTimeout,
		Logger:            s.cfg.Logger,
	})
	s.transport = t
	s.stream = stream.NewSession(t, stream.Options{
		AgentID:       s.cfg.AgentID,
		Format:        s.cfg.Format,
		SkipSignaling: !s.cfg.ChunkPath.UsesSignaling(),
		Mirror:        s.mirror(),
		Logger:        s.cfg.Logger,
	})
	s.assembler.Reset()
	s.setState(domain.StateConnecting)

	ctx, cancel := context.WithCancel(s.runCtx)
	s.dialCancel = cancel
	id := s.identity

	go func() {
		err := t.Open(ctx, id)
		select {
		case s.dialed <- dialResult{transport: t, err: err}:
		case <-s.done:
			t.Close()
		}
	}()
}

func (s *Session) mirror() stream.MirrorFunc {
	if !s.cfg.ChunkPath.UsesDataChannel() {
		return nil
	}
	return func(streamID string, chunk domain.AudioChunk) error {
		if s.peer == nil {
			return domain.NewError(domain.KindNegotiation, "mirror chunk", domain.ErrNotConnected)
		}
		return s.peer.SendChunk(streamID, chunk)
	}
}

func (s *Session) handleDial(res dialResult) {
	if res.transport != s.transport {
		res.transport.Close()
		return
	}
	if res.err == nil {
		return
	}

	s.log.Debug("signaling dial failed", "error", res.err)
	s.onSignalingLost(signaling.CloseCode(res.err), res.err.Error())
}

func (s *Session) handleTransport(ev signaling.Event) {
	switch ev.Kind {
	case signaling.EventOpened:
		s.setState(domain.StateSignaling)
	case signaling.EventMessage:
		s.dispatch(ev.Envelope)
	case signaling.EventClosed:
		s.onSignalingLost(ev.Code, ev.Reason)
	case signaling.EventError:
		s.log.Warn("signaling error", "error", ev.Err)
	}
}

func (s *Session) dispatch(env signaling.Envelope) {
	switch env.Type {
	case signaling.TypeConfig:
		s.announced = env.ICEServers
		if s.peer != nil && !s.peer.State().Terminal() {
			s.log.Debug("ignoring config, peer connection already negotiating")
			return
		}
		s.startPeer()

	case signaling.TypeSignal:
		if s.peer == nil {
			s.log.Warn("signal before config", "kind", env.Data.Type)
			return
		}
		if err := s.peer.HandleSignal(env); err != nil {
			s.handleError(err)
		}

	case signaling.TypeAudioResponse:
		s.handleStreamResponse(env)

	case signaling.TypeStreamChunk, signaling.TypeStreamEnd, signaling.TypeText:
		for _, ev := range s.assembler.Handle(env) {
			if _, ok := ev.(domain.MessageSealed); ok {
				s.updateStats(func(st *Stats) { st.MessagesReceived++ })
			}
			s.emit(ev)
		}

	case signaling.TypeAgentInfo:
		s.emit(domain.Notice{Kind: env.Type, Text: fmt.Sprint(env.Payload)})

	case signaling.TypeError:
		s.log.Warn("server error", "message", env.Text())
		s.emit(domain.Failure{Err: domain.WrapError(domain.KindServerFault, "server", domain.ErrServerRejected, env.Text())})
	}
}

func (s *Session) startPeer() {
	if s.peer != nil {
		s.peer.Close()
	}
	s.peer = webrtc.NewManager(s.transport, webrtc.Options{
		Provider:    s.deps.Peers,
		ICEServers:  s.cfg.ICEServers,
		ForceRelay:  s.cfg.ForceRelay,
		DataChannel: s.cfg.ChunkPath.UsesDataChannel(),
		Logger:      s.cfg.Logger,
	})
	s.setState(domain.StateSignaling)
	if err := s.peer.Start(s.announced); err != nil {
		s.handleError(err)
	}
}

func (s *Session) handlePeer(ev webrtc.Event) {
	switch ev.Kind {
	case webrtc.EventRemoteAudio:
		s.emit(domain.AudioOutput{Source: "media", Data: ev.Audio})

	case webrtc.EventStateChanged:
		if ev.State == webrtc.StateConnected {
			s.sigPolicy.Reset()
			s.peerPolicy.Reset()
			s.stopCeiling()
			s.setState(domain.StateConnected)
			return
		}
		if ev.State.Terminal() {
			s.onPeerLost(ev.State)
		}
	}
}

// handleError routes a component error by kind: negotiation failures are
// fatal, protocol errors are logged, the rest are reported.
func (s *Session) handleError(err error) {
	switch domain.KindOf(err) {
	case domain.KindNegotiation:
		s.giveUp(err)
	case domain.KindProtocol:
		s.log.Warn("protocol error", "error", err)
	case domain.KindTransport:
		// The transport reports its own closure.
		s.log.Debug("transport error", "error", err)
	default:
		s.emit(domain.Failure{Err: err})
	}
}

func (s *Session) handleStreamResponse(env signaling.Envelope) {
	err := s.stream.HandleResponse(env)
	if err != nil {
		if domain.KindOf(err) == domain.KindServerFault {
			s.stopCapture(false)
			s.emit(domain.Failure{Err: err})
			s.emit(domain.StreamChanged{Phase: string(stream.PhaseIdle)})
			s.settleState()
			return
		}
		s.handleError(err)
		return
	}

	switch env.Status {
	case signaling.StatusStarted:
		s.updateStats(func(st *Stats) { st.Streams++ })
		s.emit(domain.StreamChanged{StreamID: env.StreamID, Phase: string(s.stream.Phase()), Chunks: s.stream.Seq()})
		if s.deferEnd {
			s.deferEnd = false
			s.stream.End()
			s.emit(domain.StreamChanged{StreamID: env.StreamID, Phase: string(s.stream.Phase()), Chunks: s.stream.Seq()})
		}
	case signaling.StatusCompleted:
		s.emit(domain.StreamChanged{Phase: string(stream.PhaseIdle), Chunks: s.stream.TotalChunks()})
		s.settleState()
	}
}

func (s *Session) pushBlock(b audio.Block) {
	if s.stream == nil {
		return
	}
	before := s.stream.Seq()
	if err := s.stream.Push(b); err != nil {
		s.log.Debug("chunk not sent", "error", err)
		return
	}
	if sent := s.stream.Seq() - before; sent > 0 {
		s.updateStats(func(st *Stats) { st.ChunksSent += sent })
	}
}

// stopCapture releases the microphone. With end set the captured tail is
// still delivered and the stream is ended; otherwise the stream is dropped.
func (s *Session) stopCapture(end bool) {
	if s.trace != nil {
		s.trace("capture-stop")
	}
	if s.capture == nil {
		if !end && s.stream != nil {
			s.stream.Abort()
		}
		return
	}

	tail := s.capture.Stop()
	s.capture = nil
	if s.peer != nil {
		if err := s.peer.DetachTrack(); err != nil {
			s.log.Debug("detach track", "error", err)
		}
	}

	if !end {
		s.stream.Abort()
		s.deferEnd = false
		return
	}

	for _, b := range tail {
		s.pushBlock(b)
	}
	switch s.stream.Phase() {
	case stream.PhaseActive:
		s.stream.End()
	case stream.PhaseStarting:
		s.deferEnd = true
	}
	s.emit(domain.StreamChanged{StreamID: s.stream.StreamID(), Phase: string(s.stream.Phase()), Chunks: s.stream.Seq()})
	s.settleState()
}

// settleState moves between connected and streaming after capture changes.
func (s *Session) settleState() {
	if s.state != domain.StateConnected && s.state != domain.StateStreaming {
		return
	}
	if s.capture != nil {
		s.setState(domain.StateStreaming)
	} else {
		s.setState(domain.StateConnected)
	}
}

func (s *Session) onSignalingLost(code int, reason string) {
	s.log.Info("signaling lost", "code", code, "reason", reason)
	s.teardown()

	decision, err := s.sigPolicy.Next(code)
	if err != nil {
		return
	}
	s.applyDecision(decision, retrySignaling)
}

func (s *Session) onPeerLost(state webrtc.State) {
	s.log.Info("peer connection lost", "state", state)

	if s.transport == nil || !s.transport.IsOpen() {
		// The signaling closure drives recovery.
		return
	}

	s.stopCapture(true)
	s.closePeer()

	decision, err := s.peerPolicy.Next(reconnect.CodeAbnormal)
	if err != nil {
		return
	}
	s.setState(domain.StateSignaling)
	s.applyDecision(decision, retryPeer)
}

func (s *Session) applyDecision(d reconnect.Decision, kind retryKind) {
	if !d.Retry {
		switch d.Reason {
		case reconnect.ReasonGraceful:
			s.emit(domain.Notice{Kind: "closed", Text: "server closed the session"})
			s.setState(domain.StateDisconnected)
			s.finish(nil)
		case reconnect.ReasonCeiling:
			s.giveUp(domain.NewError(domain.KindTransport, "reconnect", domain.ErrCeilingExceeded))
		default:
			errKind := domain.KindTransport
			if d.Cause == reconnect.CauseServer {
				errKind = domain.KindServerFault
			}
			s.giveUp(domain.WrapError(errKind, "reconnect", domain.ErrRetriesExhausted,
				fmt.Sprintf("%d attempts, last cause %s", d.Attempt-1, d.Cause)))
		}
		return
	}

	if s.ceiling == nil {
		s.ceiling = time.NewTimer(s.cfg.Reconnect.Ceiling)
	}
	s.stopRetry()
	s.retry = kind
	s.retryTimer = time.NewTimer(d.Delay)
	s.log.Info("reconnecting", "attempt", d.Attempt, "cause", d.Cause, "delay", d.Delay)
	s.emit(domain.Notice{Kind: "reconnect", Text: fmt.Sprintf("reconnecting in %s (attempt %d)", d.Delay, d.Attempt)})
}

func (s *Session) performRetry() {
	kind := s.retry
	s.retry = retryNone
	s.updateStats(func(st *Stats) { st.Reconnects++ })

	switch kind {
	case retrySignaling:
		s.connect(true)
	case retryPeer:
		if s.transport == nil || !s.transport.IsOpen() {
			return
		}
		s.startPeer()
	}
}

// giveUp tears everything down and ends Run with err.
func (s *Session) giveUp(err error) {
	s.log.Error("session failed", "error", err)
	s.teardown()
	s.emit(domain.Failure{Err: err, Fatal: true})
	s.setState(domain.StateError)
	s.finish(err)
}

// teardown releases the connection in order: capture, peer, transport.
func (s *Session) teardown() {
	s.stopRetry()
	s.stopCapture(false)
	s.closePeer()
	s.closeTransport()
}

func (s *Session) closePeer() {
	if s.trace != nil {
		s.trace("peer-close")
	}
	if s.peer != nil {
		s.peer.Close()
		s.peer = nil
	}
}

func (s *Session) closeTransport() {
	if s.trace != nil {
		s.trace("transport-close")
	}
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if s.transport != nil {
		s.transport.Close()
		s.transport = nil
	}
	s.assembler.Reset()
}

func (s *Session) stopRetry() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.retry = retryNone
}

func (s *Session) stopCeiling() {
	if s.ceiling != nil {
		s.ceiling.Stop()
		s.ceiling = nil
	}
}

func (s *Session) stopTimers() {
	s.stopRetry()
	s.stopCeiling()
}

func (s *Session) finish(err error) {
	s.finished = true
	s.result = err
}

func (s *Session) setState(to domain.ConnectionState) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	s.log.Debug("state", "from", from, "to", to)
	s.emit(domain.StateChanged{From: from, To: to, At: time.Now()})
}

// emit blocks until the consumer takes the event or the run context ends.
func (s *Session) emit(ev domain.Event) {
	select {
	case s.events <- ev:
	case <-s.runCtx.Done():
	}
}

func (s *Session) updateStats(f func(*Stats)) {
	s.statsMu.Lock()
	f(&s.stats)
	s.statsMu.Unlock()
}

var errNotRunning = errors.New("session is not running")
