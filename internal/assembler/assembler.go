package assembler

import (
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/BioHazard786/warpvoice/internal/domain"
	"github.com/BioHazard786/warpvoice/internal/signaling"
	"github.com/google/uuid"
)

// sealedMemory is how many sealed msg_ids are remembered to drop late
// fragments.
const sealedMemory = 128

// Assembler rebuilds streamed responses keyed by msg_id. Fragments are
// appended in arrival order; the transport already orders them.
type Assembler struct {
	pending map[string]*domain.ResponseMessage
	sealed  map[string]struct{}
	order   []string
	log     *slog.Logger
	now     func() time.Time
}

func New(logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		pending: make(map[string]*domain.ResponseMessage),
		sealed:  make(map[string]struct{}),
		log:     logger.With("component", "assembler"),
		now:     time.Now,
	}
}

// Handle consumes a stream_chunk, stream_end or text envelope and returns
// the events it produces, in order.
func (a *Assembler) Handle(env signaling.Envelope) []domain.Event {
	switch env.Type {
	case signaling.TypeStreamChunk:
		return a.chunk(env)
	case signaling.TypeStreamEnd:
		return a.end(env)
	case signaling.TypeText:
		return a.text(env)
	default:
		return nil
	}
}

func (a *Assembler) chunk(env signaling.Envelope) []domain.Event {
	if _, done := a.sealed[env.MsgID]; done && env.MsgID != "" {
		a.log.Debug("dropping fragment for sealed message", "msg_id", env.MsgID)
		return nil
	}

	var events []domain.Event

	if env.TextContent != "" && env.MsgID != "" {
		now := a.now()
		msg, ok := a.pending[env.MsgID]
		if !ok {
			msg = &domain.ResponseMessage{MsgID: env.MsgID, Streaming: true, StartedAt: now}
			a.pending[env.MsgID] = msg
		}
		msg.Text += env.TextContent
		msg.UpdatedAt = now
		events = append(events, domain.MessageUpdated{Message: *msg})
	}

	// Audio goes to the sink as it arrives, never held for the message.
	if env.AudioContent != "" {
		data, err := base64.StdEncoding.DecodeString(env.AudioContent)
		if err != nil {
			a.log.Warn("dropping undecodable audio fragment", "msg_id", env.MsgID, "error", err)
		} else {
			events = append(events, domain.AudioOutput{MsgID: env.MsgID, Source: "stream", Data: data})
		}
	}

	return events
}

func (a *Assembler) end(env signaling.Envelope) []domain.Event {
	msg, ok := a.pending[env.MsgID]
	if !ok {
		a.log.Debug("ignoring stream_end without pending message", "msg_id", env.MsgID)
		return nil
	}
	delete(a.pending, env.MsgID)
	a.remember(env.MsgID)

	msg.Streaming = false
	msg.UpdatedAt = a.now()
	return []domain.Event{domain.MessageSealed{Message: *msg}}
}

func (a *Assembler) text(env signaling.Envelope) []domain.Event {
	text := env.Text()
	if text == "" {
		return nil
	}
	id := env.MsgID
	if id == "" {
		id = uuid.NewString()
	}
	now := a.now()
	return []domain.Event{domain.MessageSealed{Message: domain.ResponseMessage{
		MsgID:     id,
		Text:      text,
		StartedAt: now,
		UpdatedAt: now,
	}}}
}

func (a *Assembler) remember(id string) {
	if len(a.order) == sealedMemory {
		delete(a.sealed, a.order[0])
		a.order = a.order[1:]
	}
	a.sealed[id] = struct{}{}
	a.order = append(a.order, id)
}

// Pending returns the number of messages still streaming.
func (a *Assembler) Pending() int {
	return len(a.pending)
}

// Reset drops every pending message.
func (a *Assembler) Reset() {
	clear(a.pending)
}
