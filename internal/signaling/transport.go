package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BioHazard786/warpvoice/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1024 * 1024

	DefaultKeepalive   = 30 * time.Second
	DefaultPongTimeout = 10 * time.Second
)

type EventKind int

const (
	EventOpened EventKind = iota
	EventMessage
	EventClosed
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted by a Transport. Code and Reason are set for
// EventClosed, Err for EventError.
type Event struct {
	Kind     EventKind
	Envelope Envelope
	Code     int
	Reason   string
	Err      error
}

type Options struct {
	// BaseURL is the ws:// or wss:// origin of the agent server.
	BaseURL           string
	KeepaliveInterval time.Duration
	PongTimeout       time.Duration
	Logger            *slog.Logger
}

type transportState int

const (
	stateIdle transportState = iota
	stateOpening
	stateOpen
	stateClosed
)

// Transport owns one signaling socket. A Transport is opened at most once;
// reconnecting means creating a new one.
type Transport struct {
	provider SocketProvider
	opts     Options
	log      *slog.Logger

	mu       sync.Mutex
	state    transportState
	conn     Conn
	override *closeInfo

	events   chan Event
	outgoing chan []byte
	pong     chan struct{}

	// done stops the pumps; quit is closed by Close and releases emitters.
	done     chan struct{}
	quit     chan struct{}
	doneOnce sync.Once
	quitOnce sync.Once
	wg       sync.WaitGroup
}

type closeInfo struct {
	code   int
	reason string
}

func NewTransport(provider SocketProvider, opts Options) *Transport {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = DefaultKeepalive
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{
		provider: provider,
		opts:     opts,
		log:      logger.With("component", "signaling"),
		events:   make(chan Event, 64),
		outgoing: make(chan []byte, 256),
		pong:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
	}
}

// SignalURL builds the per-peer signaling endpoint.
func SignalURL(base string, id domain.SessionIdentity) string {
	return fmt.Sprintf("%s/webrtc/signal/%s/%s/%s",
		strings.TrimRight(base, "/"),
		url.PathEscape(id.PeerID),
		url.PathEscape(id.APIKey),
		url.PathEscape(id.AgentID),
	)
}

// Open dials the server and starts the read and write pumps. EventOpened is
// the first event delivered after a successful Open.
func (t *Transport) Open(ctx context.Context, id domain.SessionIdentity) error {
	t.mu.Lock()
	if t.state != stateIdle {
		t.mu.Unlock()
		return domain.NewError(domain.KindTransport, "open signaling", errors.New("transport already used"))
	}
	t.state = stateOpening
	t.mu.Unlock()

	conn, err := t.provider.Dial(ctx, SignalURL(t.opts.BaseURL, id))
	if err != nil {
		t.mu.Lock()
		t.state = stateClosed
		t.mu.Unlock()

		kind := domain.KindTransport
		if CloseCode(err) == CloseServerUnavailable {
			kind = domain.KindServerFault
		}
		return domain.NewError(kind, "open signaling", err)
	}
	conn.SetReadLimit(maxMessageSize)

	t.mu.Lock()
	if t.state != stateOpening {
		t.mu.Unlock()
		conn.Close()
		return domain.NewError(domain.KindTransport, "open signaling", domain.ErrClosed)
	}
	t.state = stateOpen
	t.conn = conn
	t.mu.Unlock()

	t.events <- Event{Kind: EventOpened}
	t.log.Debug("signaling open", "peer", id.PeerID)

	t.wg.Add(2)
	go t.readPump()
	go t.writePump()

	return nil
}

// Events returns the channel of transport events.
func (t *Transport) Events() <-chan Event {
	return t.events
}

func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateOpen
}

// Send enqueues an envelope for delivery. It returns false when the channel
// is not open; envelopes enqueued by one goroutine are written in order.
func (t *Transport) Send(env Envelope) bool {
	if !t.IsOpen() {
		return false
	}

	b, err := Encode(env)
	if err != nil {
		t.log.Warn("dropping outbound envelope", "type", env.Type, "error", err)
		return false
	}

	select {
	case t.outgoing <- b:
		return true
	case <-t.done:
		return false
	}
}

// Close shuts the socket down with a normal closure and waits for the pumps.
// No EventClosed is emitted for a caller-initiated close.
func (t *Transport) Close() {
	t.mu.Lock()
	t.state = stateClosed
	t.mu.Unlock()

	t.quitOnce.Do(func() { close(t.quit) })
	t.doneOnce.Do(func() { close(t.done) })
	t.wg.Wait()
}

func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.quit:
	}
}

func (t *Transport) readPump() {
	defer t.wg.Done()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.fail(err)
			return
		}

		env, err := Decode(data)
		if err != nil {
			t.log.Warn("dropping inbound message", "error", err)
			continue
		}

		switch env.Type {
		case TypePing:
			t.trySend(NewPong(time.Now()))
		case TypePong:
			select {
			case t.pong <- struct{}{}:
			default:
			}
		default:
			t.emit(Event{Kind: EventMessage, Envelope: env})
		}
	}
}

// fail reports an ungraceful end of the socket, unless Close got there first.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.state != stateOpen {
		t.mu.Unlock()
		return
	}
	t.state = stateClosed
	info := t.override
	t.mu.Unlock()

	t.doneOnce.Do(func() { close(t.done) })

	code, reason := CloseCode(err), err.Error()
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		reason = ce.Text
	}
	if info != nil {
		code, reason = info.code, info.reason
	}

	t.log.Debug("signaling closed", "code", code, "reason", reason)
	t.emit(Event{Kind: EventClosed, Code: code, Reason: reason})
}

func (t *Transport) writePump() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.opts.KeepaliveInterval)
	defer ticker.Stop()

	var pongTimer *time.Timer
	var pongDeadline <-chan time.Time
	defer func() {
		if pongTimer != nil {
			pongTimer.Stop()
		}
	}()

	for {
		select {
		case b := <-t.outgoing:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				t.abort(CloseAbnormal, "write failed: "+err.Error())
				return
			}

		case <-ticker.C:
			b, _ := Encode(NewPing(time.Now()))
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				t.log.Debug("keepalive write failed", "error", err)
				continue
			}
			if pongDeadline == nil {
				pongTimer = time.NewTimer(t.opts.PongTimeout)
				pongDeadline = pongTimer.C
			}

		case <-t.pong:
			if pongTimer != nil {
				pongTimer.Stop()
				pongTimer, pongDeadline = nil, nil
			}

		case <-pongDeadline:
			t.abort(CloseAbnormal, "pong timeout")
			return

		case <-t.done:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"))
			t.conn.Close()
			return
		}
	}
}

// abort closes the socket from the write side; the read pump then reports
// the close with the recorded code and reason.
func (t *Transport) abort(code int, reason string) {
	t.mu.Lock()
	if t.override == nil {
		t.override = &closeInfo{code: code, reason: reason}
	}
	t.mu.Unlock()
	t.conn.Close()
}

func (t *Transport) trySend(env Envelope) {
	b, err := Encode(env)
	if err != nil {
		return
	}
	select {
	case t.outgoing <- b:
	default:
	}
}
