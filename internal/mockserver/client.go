package mockserver

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BioHazard786/warpvoice/internal/signaling"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer.
	readWait = 90 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20
)

// client is one signaling connection. Stream state is owned by readPump.
type client struct {
	server  *Server
	conn    *websocket.Conn
	peerID  string
	agentID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	answerer *answerer

	inbound int

	streamID string
	nextSeq  uint64
}

func newClient(s *Server, conn *websocket.Conn, peerID, agentID string) *client {
	return &client{
		server:  s,
		conn:    conn,
		peerID:  peerID,
		agentID: agentID,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
	}
}

func (c *client) greet() {
	c.enqueue(signaling.Envelope{Type: signaling.TypeConfig, ICEServers: c.server.opts.ICEServers})
	c.enqueue(signaling.Envelope{
		Type: signaling.TypeAgentInfo,
		Payload: map[string]any{
			"agent_id": c.agentID,
			"name":     "mock agent",
		},
	})
}

// enqueue hands an envelope to the write pump. It never blocks once the
// connection is gone.
func (c *client) enqueue(env signaling.Envelope) {
	b, err := signaling.Encode(env)
	if err != nil {
		c.server.log.Error("encode envelope", "error", err)
		return
	}
	select {
	case c.send <- b:
	case <-c.done:
	}
}

// readPump reads frames until the connection fails and handles each one in
// order.
func (c *client) readPump() {
	defer func() {
		c.shutdown()
		c.server.unregister(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.Warn("read failed", "peer", c.peerID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))

		env, err := signaling.Decode(data)
		if err != nil {
			c.server.log.Warn("invalid message", "peer", c.peerID, "error", err)
			continue
		}
		c.handle(env)

		c.inbound++
		if n := c.server.opts.CloseAfter; n > 0 && c.inbound >= n {
			c.closeWith(c.server.opts.CloseCode, "injected close")
			return
		}
	}
}

// writePump is the only writer of data frames on the connection.
func (c *client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case b := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.server.log.Debug("write failed", "peer", c.peerID, "error", err)
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) handle(env signaling.Envelope) {
	switch env.Type {
	case signaling.TypePing:
		if !c.server.opts.SuppressPong {
			c.enqueue(signaling.NewPong(time.Now()))
		}
	case signaling.TypePong:
	case signaling.TypeSignal:
		c.handleSignal(env)
	case signaling.TypeAudio:
		c.handleAudio(env)
	case signaling.TypeText:
		c.server.texts.Add(1)
		go c.streamReply("You said: " + env.Text())
	default:
		c.server.log.Debug("ignoring message", "peer", c.peerID, "type", env.Type)
	}
}

func (c *client) handleSignal(env signaling.Envelope) {
	switch c.server.opts.Answer {
	case AnswerPion:
	case AnswerFake:
		if env.Data.Type == signaling.SignalOffer {
			c.sendAnswer(fakeAnswerSDP)
		}
		return
	default:
		c.server.log.Debug("signal ignored", "peer", c.peerID, "kind", env.Data.Type)
		return
	}

	switch env.Data.Type {
	case signaling.SignalOffer:
		a, err := newAnswerer(c)
		if err != nil {
			c.report("peer setup failed: " + err.Error())
			return
		}
		if old := c.swapAnswerer(a); old != nil {
			old.close()
		}
		sdp, err := a.answer(env.Data.SDP)
		if err != nil {
			c.report("negotiation failed: " + err.Error())
			return
		}
		c.sendAnswer(sdp)
	case signaling.SignalICECandidate:
		c.mu.Lock()
		a := c.answerer
		c.mu.Unlock()
		if a == nil {
			return
		}
		if err := a.addCandidate(*env.Data.Candidate); err != nil {
			c.server.log.Debug("add candidate", "peer", c.peerID, "error", err)
		}
	}
}

const fakeAnswerSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=mock\r\nt=0 0\r\n"

func (c *client) sendAnswer(sdp string) {
	c.enqueue(signaling.Envelope{
		Type:     signaling.TypeSignal,
		FromPeer: signaling.PeerServer,
		ToPeer:   c.peerID,
		Data:     &signaling.SignalData{Type: signaling.SignalAnswer, SDP: sdp},
	})
}

func (c *client) handleAudio(env signaling.Envelope) {
	switch env.Action {
	case signaling.ActionStartStream:
		if c.streamID != "" {
			c.fail(c.streamID, "stream already active")
			return
		}
		c.streamID = uuid.NewString()
		c.nextSeq = 0
		c.server.streams.Add(1)
		c.enqueue(signaling.Envelope{
			Type:     signaling.TypeAudioResponse,
			Status:   signaling.StatusStarted,
			StreamID: c.streamID,
		})

	case signaling.ActionAudioChunk:
		if err := c.acceptChunk(env.ChunkData.StreamID, env.ChunkData.Seq, env.ChunkData.Data); err != nil {
			c.fail(env.ChunkData.StreamID, err.Error())
			return
		}
		c.enqueue(signaling.Envelope{
			Type:     signaling.TypeAudioResponse,
			Status:   signaling.StatusProcessed,
			StreamID: c.streamID,
		})

	case signaling.ActionEndStream:
		if env.StreamID == "" || env.StreamID != c.streamID {
			c.fail(env.StreamID, "end_stream for unknown stream")
			return
		}
		if *env.TotalChunks != c.nextSeq {
			c.fail(env.StreamID, fmt.Sprintf("total_chunks %d does not match %d received", *env.TotalChunks, c.nextSeq))
			return
		}
		total := c.nextSeq
		c.enqueue(signaling.Envelope{
			Type:     signaling.TypeAudioResponse,
			Status:   signaling.StatusCompleted,
			StreamID: c.streamID,
			Message:  fmt.Sprintf("received %d chunks", total),
		})
		c.streamID = ""
		c.nextSeq = 0
		go c.streamReply(c.server.reply(total))
	}
}

// acceptChunk checks that chunks arrive for the open stream with contiguous
// sequence numbers.
func (c *client) acceptChunk(streamID string, seq uint64, data string) error {
	if c.streamID == "" || streamID != c.streamID {
		return fmt.Errorf("chunk for unknown stream %q", streamID)
	}
	if seq != c.nextSeq {
		return fmt.Errorf("sequence gap: expected %d, got %d", c.nextSeq, seq)
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return fmt.Errorf("chunk %d is not base64: %v", seq, err)
	}
	c.nextSeq++
	c.server.chunks.Add(1)
	return nil
}

// fail reports a stream error and forgets the stream.
func (c *client) fail(streamID, message string) {
	c.server.log.Warn("stream error", "peer", c.peerID, "stream", streamID, "message", message)
	c.enqueue(signaling.Envelope{
		Type:     signaling.TypeAudioResponse,
		Status:   signaling.StatusError,
		StreamID: streamID,
		Message:  message,
	})
	c.streamID = ""
	c.nextSeq = 0
}

// report sends a session level error that is not tied to a stream.
func (c *client) report(message string) {
	c.server.log.Warn("session error", "peer", c.peerID, "message", message)
	c.enqueue(signaling.Envelope{Type: signaling.TypeError, Message: message})
}

// streamReply sends text word by word, with a little inline audio up front.
func (c *client) streamReply(text string) {
	msgID := uuid.NewString()
	words := strings.SplitAfter(text, " ")

	c.enqueue(signaling.Envelope{
		Type:         signaling.TypeStreamChunk,
		MsgID:        msgID,
		AudioContent: base64.StdEncoding.EncodeToString(make([]byte, 320)),
	})
	for _, w := range words {
		if d := c.server.opts.FragmentDelay; d > 0 {
			select {
			case <-time.After(d):
			case <-c.done:
				return
			}
		}
		c.enqueue(signaling.Envelope{Type: signaling.TypeStreamChunk, MsgID: msgID, TextContent: w})
	}
	c.enqueue(signaling.Envelope{Type: signaling.TypeStreamEnd, MsgID: msgID})
}

// closeWith sends a close frame with code and drops the connection.
func (c *client) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.shutdown()
	c.conn.Close()
}

func (c *client) swapAnswerer(a *answerer) *answerer {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.answerer
	c.answerer = a
	return old
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		if a := c.swapAnswerer(nil); a != nil {
			a.close()
		}
	})
}
