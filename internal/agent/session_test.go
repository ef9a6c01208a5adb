package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BioHazard786/warpvoice/internal/domain"
	"github.com/BioHazard786/warpvoice/internal/reconnect"
	"github.com/BioHazard786/warpvoice/internal/signaling"
	"github.com/BioHazard786/warpvoice/internal/webrtc"
	"github.com/gorilla/websocket"
	pion "github.com/pion/webrtc/v4"
)

type harness struct {
	session *Session
	server  *fakeServer
	peers   *fakePeers
	sources *fakeSources
	log     *eventLog
	result  chan error
	cancel  context.CancelFunc
}

func testConfig() Config {
	return Config{
		ServerURL:     "ws://agent.test",
		AgentID:       "agent-1",
		APIKey:        "key-1",
		ChunkPath:     webrtc.ChunkPathSignaling,
		ChunkInterval: 10 * time.Millisecond,
		Reconnect: reconnect.Config{
			ServerBase:    5 * time.Millisecond,
			TransportBase: 5 * time.Millisecond,
			MaxDelay:      50 * time.Millisecond,
			Ceiling:       10 * time.Second,
		},
	}
}

func newHarness(t *testing.T, cfg Config, rec *recorder) *harness {
	t.Helper()
	h := &harness{
		server:  newFakeServer(t, rec),
		peers:   &fakePeers{rec: rec, autoConnect: true},
		sources: &fakeSources{rec: rec},
		result:  make(chan error, 1),
	}
	h.session = NewSession(cfg, Deps{Sockets: h.server, Peers: h.peers, Sources: h.sources})
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)

	h.log = collect(h.session)
	go func() { h.result <- h.session.Run(ctx) }()
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		<-h.log.done
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not stop")
		return nil
	}
}

func (h *harness) chunkEnvelopes() []signaling.Envelope {
	var out []signaling.Envelope
	for _, env := range h.server.envelopes() {
		if env.Type == signaling.TypeAudio && env.Action == signaling.ActionAudioChunk {
			out = append(out, env)
		}
	}
	return out
}

func (h *harness) endEnvelope() *signaling.Envelope {
	for _, env := range h.server.envelopes() {
		if env.Type == signaling.TypeAudio && env.Action == signaling.ActionEndStream {
			e := env
			return &e
		}
	}
	return nil
}

func countState(l *eventLog, state domain.ConnectionState) int {
	n := 0
	for _, ev := range l.snapshot() {
		if sc, ok := ev.(domain.StateChanged); ok && sc.To == state {
			n++
		}
	}
	return n
}

func TestCaptureStreamsContiguousChunks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.run(t)
	waitFor(t, "connected", func() bool { return h.log.reached(domain.StateConnected) })

	ctx := context.Background()
	if err := h.session.StartCapture(ctx); err != nil {
		t.Fatalf("start capture: %v", err)
	}
	waitFor(t, "streaming", func() bool { return h.log.reached(domain.StateStreaming) })

	src := h.sources.last()
	for i := 0; i < 4; i++ {
		if _, err := src.w.Write([]byte("pcm-data")); err != nil {
			t.Fatalf("write: %v", err)
		}
		want := i + 1
		waitFor(t, "chunk", func() bool { return len(h.chunkEnvelopes()) >= want })
	}

	if err := h.session.StopCapture(ctx); err != nil {
		t.Fatalf("stop capture: %v", err)
	}
	waitFor(t, "end_stream", func() bool { return h.endEnvelope() != nil })

	chunks := h.chunkEnvelopes()
	for i, env := range chunks {
		if env.ChunkData.Seq != uint64(i) || env.ChunkData.StreamID != "stream-1" {
			t.Fatalf("chunk %d: unexpected %+v", i, env.ChunkData)
		}
	}
	end := h.endEnvelope()
	if end.StreamID != "stream-1" || *end.TotalChunks != uint64(len(chunks)) {
		t.Fatalf("end_stream reports %d chunks, %d were sent", *end.TotalChunks, len(chunks))
	}

	waitFor(t, "back to connected", func() bool { return countState(h.log, domain.StateConnected) >= 2 })
	if err := h.session.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st := h.session.Stats(); st.Streams != 1 || st.ChunksSent != uint64(len(chunks)) {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestSecondCaptureIsRejectedWhileStreaming(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.run(t)
	waitFor(t, "connected", func() bool { return h.log.reached(domain.StateConnected) })

	ctx := context.Background()
	if err := h.session.StartCapture(ctx); err != nil {
		t.Fatalf("start capture: %v", err)
	}
	err := h.session.StartCapture(ctx)
	if !errors.Is(err, domain.ErrStreamBusy) {
		t.Fatalf("expected busy error, got %v", err)
	}
	if domain.KindOf(err) != domain.KindBusy {
		t.Fatalf("busy error classified as %s", domain.KindOf(err))
	}

	starts := 0
	for _, env := range h.server.envelopes() {
		if env.Action == signaling.ActionStartStream {
			starts++
		}
	}
	if starts != 1 {
		t.Fatalf("expected one start_stream, got %d", starts)
	}
	h.session.Close(ctx)
	h.wait(t)
}

func TestTeardownOrderWithActiveCapture(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	h := newHarness(t, testConfig(), rec)
	h.run(t)
	waitFor(t, "connected", func() bool { return h.log.reached(domain.StateConnected) })

	ctx := context.Background()
	if err := h.session.StartCapture(ctx); err != nil {
		t.Fatalf("start capture: %v", err)
	}
	if err := h.session.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := strings.Join(rec.list(), ",")
	if got != "capture-stop,peer-close,transport-close" {
		t.Fatalf("unexpected teardown order: %s", got)
	}
}

func TestTeardownOrderMidNegotiation(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	h := newHarness(t, testConfig(), rec)
	h.server.answerOffers = false
	h.session.trace = func(step string) { rec.add("session:" + step) }
	h.run(t)

	waitFor(t, "offer", func() bool {
		for _, env := range h.server.envelopes() {
			if env.Type == signaling.TypeSignal && env.Data.Type == signaling.SignalOffer {
				return true
			}
		}
		return false
	})

	if err := h.session.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}

	steps := rec.list()
	first := func(step string) int {
		for i, s := range steps {
			if s == step {
				return i
			}
		}
		return -1
	}

	capture, peer, transport := first("session:capture-stop"), first("peer-close"), first("transport-close")
	if capture < 0 || peer < 0 || transport < 0 {
		t.Fatalf("missing teardown step: %v", steps)
	}
	if !(capture < peer && peer < transport) {
		t.Fatalf("unexpected teardown order: %v", steps)
	}
	if h.session.state != domain.StateDisconnected {
		t.Fatalf("unexpected final state %s", h.session.state)
	}
}

func TestCeilingStopsReconnecting(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Reconnect = reconnect.Config{
		TransportBase:   40 * time.Millisecond,
		MaxDelay:        time.Second,
		Ceiling:         150 * time.Millisecond,
		TransportBudget: 10,
	}
	h := newHarness(t, cfg, nil)
	h.server.dialErr = errDialRefused
	h.run(t)

	err := h.wait(t)
	if !errors.Is(err, domain.ErrCeilingExceeded) {
		t.Fatalf("expected ceiling error, got %v", err)
	}

	dials := h.server.dialCount()
	if dials < 2 || dials > 4 {
		t.Fatalf("unexpected number of dials within the ceiling: %d", dials)
	}
	time.Sleep(100 * time.Millisecond)
	if h.server.dialCount() != dials {
		t.Fatalf("dial issued after giving up")
	}

	fails := h.log.failures()
	if len(fails) != 1 || !fails[0].Fatal {
		t.Fatalf("expected exactly one fatal failure, got %+v", fails)
	}
	if !h.log.reached(domain.StateError) {
		t.Fatalf("expected error state")
	}
}

func TestServerFaultBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.server.dialErr = &signaling.HandshakeError{Status: 503, Err: errors.New("bad handshake")}
	h.run(t)

	err := h.wait(t)
	if !errors.Is(err, domain.ErrRetriesExhausted) || domain.KindOf(err) != domain.KindServerFault {
		t.Fatalf("expected exhausted server fault, got %v", err)
	}
	if got := h.server.dialCount(); got != 4 {
		t.Fatalf("expected initial dial plus 3 retries, got %d", got)
	}
	if len(h.log.failures()) != 1 {
		t.Fatalf("failure must be reported once")
	}
}

func TestServerCloseReconnectsWithFreshPeer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.run(t)
	waitFor(t, "connected", func() bool { return h.log.reached(domain.StateConnected) })
	h.server.lastConn().drop(websocket.CloseInternalServerErr)
	waitFor(t, "reconnected", func() bool { return countState(h.log, domain.StateConnected) >= 2 })

	if h.server.dialCount() != 2 {
		t.Fatalf("expected one redial, got %d dials", h.server.dialCount())
	}
	urls := h.server.dialURLs()
	if len(urls) != 2 || urls[0] == urls[1] {
		t.Fatalf("reconnect must use a fresh peer id: %v", urls)
	}
	if !strings.HasSuffix(urls[1], "/key-1/agent-1") || !strings.HasPrefix(urls[1], "ws://agent.test/webrtc/signal/") {
		t.Fatalf("unexpected signaling url %q", urls[1])
	}
	if h.peers.count() != 2 {
		t.Fatalf("expected a new peer connection, got %d", h.peers.count())
	}
	h.peers.mu.Lock()
	first := h.peers.peers[0]
	h.peers.mu.Unlock()
	if !first.isClosed() {
		t.Fatalf("old peer connection left open")
	}

	h.session.Close(context.Background())
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.session.Stats().Reconnects != 1 {
		t.Fatalf("unexpected stats %+v", h.session.Stats())
	}
}

func TestGracefulServerCloseEndsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.run(t)
	waitFor(t, "connected", func() bool { return h.log.reached(domain.StateConnected) })

	h.server.lastConn().drop(websocket.CloseNormalClosure)
	if err := h.wait(t); err != nil {
		t.Fatalf("graceful close should not fail, got %v", err)
	}
	if h.server.dialCount() != 1 {
		t.Fatalf("graceful close must not reconnect")
	}
	if len(h.log.failures()) != 0 {
		t.Fatalf("graceful close must not report failures")
	}
}

func TestPeerFailureRenegotiatesOverSameSocket(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.run(t)
	waitFor(t, "connected", func() bool { return h.log.reached(domain.StateConnected) })

	h.peers.last().setState(pion.PeerConnectionStateFailed)
	waitFor(t, "renegotiated", func() bool { return countState(h.log, domain.StateConnected) >= 2 })

	if h.server.dialCount() != 1 {
		t.Fatalf("signaling must be kept, got %d dials", h.server.dialCount())
	}
	if h.peers.count() != 2 {
		t.Fatalf("expected a second peer connection, got %d", h.peers.count())
	}

	offers := 0
	for _, env := range h.server.envelopes() {
		if env.Type == signaling.TypeSignal && env.Data.Type == signaling.SignalOffer {
			offers++
		}
	}
	if offers != 2 {
		t.Fatalf("expected a fresh offer, got %d offers", offers)
	}

	h.session.Close(context.Background())
	h.wait(t)
}

func TestPermissionErrorIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.sources.err = domain.WrapError(domain.KindPermission, "open microphone", domain.ErrPermissionDenied, "test")
	h.run(t)
	waitFor(t, "connected", func() bool { return h.log.reached(domain.StateConnected) })

	err := h.session.StartCapture(context.Background())
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}

	waitFor(t, "failure event", func() bool { return len(h.log.failures()) == 1 })
	if h.log.failures()[0].Fatal {
		t.Fatalf("permission errors are not fatal")
	}
	for _, env := range h.server.envelopes() {
		if env.Action == signaling.ActionStartStream {
			t.Fatalf("no stream may start without a microphone")
		}
	}

	if _, err := h.session.SendText(context.Background(), "still here"); err != nil {
		t.Fatalf("session should stay usable: %v", err)
	}
	h.session.Close(context.Background())
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestCaptureRequiresConnectedPeer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.server.answerOffers = false
	h.run(t)
	waitFor(t, "signaling", func() bool { return h.log.reached(domain.StateSignaling) })

	if err := h.session.StartCapture(context.Background()); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	h.session.Close(context.Background())
	h.wait(t)
}

func TestNegotiationFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.peers.offerErr = errors.New("no codecs")
	h.run(t)

	err := h.wait(t)
	if domain.KindOf(err) != domain.KindNegotiation {
		t.Fatalf("expected negotiation error, got %v", err)
	}
	if h.server.dialCount() != 1 {
		t.Fatalf("negotiation failures are not retried")
	}
}

func TestDataChannelPath(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ChunkPath = webrtc.ChunkPathDataChannel
	h := newHarness(t, cfg, nil)
	h.run(t)
	waitFor(t, "connected", func() bool { return h.log.reached(domain.StateConnected) })

	ctx := context.Background()
	if err := h.session.StartCapture(ctx); err != nil {
		t.Fatalf("start capture: %v", err)
	}
	waitFor(t, "streaming", func() bool { return h.log.reached(domain.StateStreaming) })

	peer := h.peers.last()
	if _, err := h.sources.last().w.Write([]byte("pcm")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "data channel chunk", func() bool { return peer.dataCount() >= 1 })

	if len(h.chunkEnvelopes()) != 0 {
		t.Fatalf("chunks must not use the signaling socket")
	}
	h.session.Close(ctx)
	h.wait(t)
}

func TestResponsesAreAssembled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.run(t)
	waitFor(t, "connected", func() bool { return h.log.reached(domain.StateConnected) })

	msgID, err := h.session.SendText(context.Background(), "hello agent")
	if err != nil || msgID == "" {
		t.Fatalf("send text: %q %v", msgID, err)
	}
	waitFor(t, "text", func() bool {
		for _, env := range h.server.envelopes() {
			if env.Type == signaling.TypeText && env.MsgID == msgID && env.Message == "hello agent" {
				return true
			}
		}
		return false
	})

	conn := h.server.lastConn()
	conn.push(signaling.Envelope{Type: signaling.TypeStreamChunk, MsgID: "m1", TextContent: "Hel"})
	conn.push(signaling.Envelope{Type: signaling.TypeStreamChunk, MsgID: "m1", TextContent: "lo"})
	conn.push(signaling.Envelope{Type: signaling.TypeStreamEnd, MsgID: "m1"})
	conn.push(signaling.Envelope{Type: "bogus"})

	waitFor(t, "sealed message", func() bool {
		for _, ev := range h.log.snapshot() {
			if m, ok := ev.(domain.MessageSealed); ok && m.Message.MsgID == "m1" {
				return m.Message.Text == "Hello" && !m.Message.Streaming
			}
		}
		return false
	})

	h.session.Close(context.Background())
	if err := h.wait(t); err != nil {
		t.Fatalf("unknown envelopes must not end the session: %v", err)
	}
}

func TestCommandsAfterRunReturn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.run(t)
	waitFor(t, "connected", func() bool { return h.log.reached(domain.StateConnected) })
	h.cancel()
	h.wait(t)

	if err := h.session.Close(context.Background()); err != nil {
		t.Fatalf("close after run should be a no-op, got %v", err)
	}
	if err := h.session.StartCapture(context.Background()); err == nil {
		t.Fatalf("commands after run must fail")
	}
}
