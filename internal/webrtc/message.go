package webrtc

import (
	"github.com/BioHazard786/warpvoice/internal/domain"
	"github.com/vmihailenco/msgpack/v5"
)

// Data channel message types.
const (
	MessageTypeAudioChunk = "audio_chunk"
)

// DataChannelLabel is the label of the ordered chunk channel.
const DataChannelLabel = "audio-chunks"

// Message represents all WebRTC data channel messages
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// ChunkPayload is one sequenced audio chunk sent over the data channel.
type ChunkPayload struct {
	StreamID   string `msgpack:"streamId"`
	Seq        uint64 `msgpack:"seq"`
	CapturedAt int64  `msgpack:"capturedAt"`
	Audio      []byte `msgpack:"audio"`
}

// DecodePayload decodes the message payload into the provided struct
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// NewMessage creates a new Message with the given type and payload
func NewMessage(t string, payload any) (Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Type:    t,
		Payload: b,
	}, nil
}

// EncodeChunk frames a chunk for the data channel.
func EncodeChunk(streamID string, chunk domain.AudioChunk) ([]byte, error) {
	msg, err := NewMessage(MessageTypeAudioChunk, ChunkPayload{
		StreamID:   streamID,
		Seq:        chunk.Seq,
		CapturedAt: chunk.CapturedAt.UnixMilli(),
		Audio:      chunk.Payload,
	})
	if err != nil {
		return nil, domain.NewError(domain.KindProtocol, "encode chunk", err)
	}
	b, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, domain.NewError(domain.KindProtocol, "encode chunk", err)
	}
	return b, nil
}

func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, domain.NewError(domain.KindProtocol, "parse message", err)
	}
	return &msg, nil
}
