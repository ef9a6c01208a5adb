package stream

import (
	"errors"
	"log/slog"
	"time"

	"github.com/BioHazard786/warpvoice/internal/audio"
	"github.com/BioHazard786/warpvoice/internal/domain"
	"github.com/BioHazard786/warpvoice/internal/signaling"
)

// Phase of the start -> chunks -> end protocol.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseActive   Phase = "active"
	PhaseEnding   Phase = "ending"
)

// Sender is the signaling side of the stream.
type Sender interface {
	Send(signaling.Envelope) bool
}

// MirrorFunc receives every sequenced chunk, for delivery over a second path.
type MirrorFunc func(streamID string, chunk domain.AudioChunk) error

type Options struct {
	AgentID string
	Format  audio.Format
	// SkipSignaling keeps audio_chunk envelopes off the signaling socket; the
	// control envelopes still use it.
	SkipSignaling bool
	Mirror        MirrorFunc
	Logger        *slog.Logger
	Now           func() time.Time
}

// Session is one logical audio stream at a time over a signaling connection.
// It is owned by a single goroutine.
type Session struct {
	sender Sender
	opts   Options
	log    *slog.Logger

	phase    Phase
	streamID string
	seq      uint64
	queued   []audio.Block

	processed uint64
	total     uint64
}

func NewSession(sender Sender, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Format.SampleRate == 0 {
		opts.Format = audio.DefaultFormat()
	}

	return &Session{
		sender: sender,
		opts:   opts,
		log:    logger.With("component", "stream"),
		phase:  PhaseIdle,
	}
}

func (s *Session) Phase() Phase { return s.phase }
func (s *Session) StreamID() string { return s.streamID }
func (s *Session) Seq() uint64 { return s.seq }
func (s *Session) Processed() uint64 { return s.processed }
func (s *Session) TotalChunks() uint64 { return s.total }

// Start requests a new stream. It fails without side effects unless idle.
func (s *Session) Start() error {
	if s.phase != PhaseIdle {
		return domain.WrapError(domain.KindBusy, "start stream", domain.ErrStreamBusy, string(s.phase))
	}

	env := signaling.NewStartStream(signaling.StreamMetadata{
		Format:     s.opts.Format.Encoding,
		Codec:      s.opts.Format.Codec,
		SampleRate: s.opts.Format.SampleRate,
		Channels:   s.opts.Format.Channels,
		AgentID:    s.opts.AgentID,
		Timestamp:  s.opts.Now().UnixMilli(),
	})
	if !s.sender.Send(env) {
		return domain.NewError(domain.KindTransport, "start stream", domain.ErrNotOpen)
	}

	s.phase = PhaseStarting
	s.seq = 0
	s.processed = 0
	s.queued = nil
	s.log.Debug("start_stream sent")
	return nil
}

// Push sequences one block. Blocks pushed while starting are held until the
// server acknowledges the stream.
func (s *Session) Push(b audio.Block) error {
	switch s.phase {
	case PhaseStarting:
		s.queued = append(s.queued, b)
		return nil
	case PhaseActive:
		return s.send(b)
	default:
		s.log.Debug("dropping block outside an active stream", "phase", s.phase, "bytes", len(b.Payload))
		return nil
	}
}

func (s *Session) send(b audio.Block) error {
	chunk := domain.AudioChunk{Seq: s.seq, Payload: b.Payload, CapturedAt: b.CapturedAt}

	sent := false
	if !s.opts.SkipSignaling {
		if !s.sender.Send(signaling.NewAudioChunk(s.streamID, chunk)) {
			return domain.NewError(domain.KindTransport, "send chunk", domain.ErrNotOpen)
		}
		sent = true
	}
	if s.opts.Mirror != nil {
		if err := s.opts.Mirror(s.streamID, chunk); err != nil {
			if !sent {
				return err
			}
			s.log.Debug("mirror path failed", "seq", chunk.Seq, "error", err)
		}
	}

	s.seq++
	return nil
}

// End asks the server to close the active stream. Outside the active phase it
// only logs; it reports whether an end_stream was sent.
func (s *Session) End() bool {
	if s.phase != PhaseActive {
		s.log.Warn("end stream ignored", "phase", s.phase)
		return false
	}

	if !s.sender.Send(signaling.NewEndStream(s.streamID, s.seq)) {
		s.log.Warn("end stream not delivered, signaling closed")
		return false
	}
	s.phase = PhaseEnding
	return true
}

// HandleResponse applies an audio_response envelope. An error status ends
// the stream and is returned as a server fault.
func (s *Session) HandleResponse(env signaling.Envelope) error {
	switch env.Status {
	case signaling.StatusStarted:
		if s.phase != PhaseStarting {
			s.log.Warn("unexpected stream acknowledgement", "phase", s.phase, "stream_id", env.StreamID)
			return nil
		}
		s.streamID = env.StreamID
		s.phase = PhaseActive

		queued := s.queued
		s.queued = nil
		for _, b := range queued {
			if err := s.send(b); err != nil {
				return err
			}
		}
		return nil

	case signaling.StatusProcessed:
		s.processed++
		return nil

	case signaling.StatusCompleted:
		if s.phase == PhaseIdle {
			return nil
		}
		s.total += s.seq
		s.reset()
		return nil

	case signaling.StatusError:
		s.reset()
		msg := env.Message
		if msg == "" {
			msg = "stream rejected"
		}
		return domain.WrapError(domain.KindServerFault, "audio stream", domain.ErrServerRejected, msg)

	default:
		return domain.WrapError(domain.KindProtocol, "audio response", errors.New("unknown status"), env.Status)
	}
}

// Abort forgets the current stream without telling the server, used when the
// connection it belonged to is gone.
func (s *Session) Abort() {
	s.reset()
}

func (s *Session) reset() {
	s.phase = PhaseIdle
	s.streamID = ""
	s.queued = nil
}
