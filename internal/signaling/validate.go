package signaling

import (
	"github.com/BioHazard786/warpvoice/internal/domain"
	"github.com/bytedance/sonic"
)

// Encode serializes an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	b, err := sonic.Marshal(env)
	if err != nil {
		return nil, domain.NewError(domain.KindProtocol, "encode envelope", err)
	}
	return b, nil
}

// Decode parses and validates one inbound frame.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return Envelope{}, domain.WrapError(domain.KindProtocol, "decode envelope", domain.ErrMalformed, err.Error())
	}
	if err := env.Validate(); err != nil {
		return env, err
	}
	return env, nil
}

// Validate checks that the fields required by the envelope's type are present.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeConfig, TypeText, TypeAgentInfo, TypeError, TypePing, TypePong:
		return nil

	case TypeSignal:
		return e.validateSignal()

	case TypeAudio:
		return e.validateAudio()

	case TypeAudioResponse:
		switch e.Status {
		case StatusStarted:
			if e.StreamID == "" {
				return malformed(e.Type, "started without stream_id")
			}
		case StatusProcessed, StatusCompleted, StatusError:
		default:
			return malformed(e.Type, "status "+e.Status)
		}
		return nil

	case TypeStreamChunk:
		if e.MsgID == "" && e.AudioContent == "" {
			return malformed(e.Type, "missing msg_id")
		}
		return nil

	case TypeStreamEnd:
		if e.MsgID == "" {
			return malformed(e.Type, "missing msg_id")
		}
		return nil

	case "":
		return malformed("envelope", "missing type")

	default:
		return domain.WrapError(domain.KindProtocol, "validate envelope", domain.ErrUnknownKind, e.Type)
	}
}

func (e Envelope) validateSignal() error {
	if e.Data == nil {
		return malformed(e.Type, "missing data")
	}
	switch e.Data.Type {
	case SignalOffer, SignalAnswer:
		if e.Data.SDP == "" {
			return malformed(e.Type, e.Data.Type+" without sdp")
		}
	case SignalICECandidate:
		if e.Data.Candidate == nil {
			return malformed(e.Type, "ice_candidate without candidate")
		}
	default:
		return domain.WrapError(domain.KindProtocol, "validate signal", domain.ErrUnexpectedSignal, e.Data.Type)
	}
	return nil
}

func (e Envelope) validateAudio() error {
	switch e.Action {
	case ActionStartStream:
		if e.Metadata == nil {
			return malformed(e.Type, "start_stream without metadata")
		}
	case ActionAudioChunk:
		if e.ChunkData == nil {
			return malformed(e.Type, "audio_chunk without chunk_data")
		}
	case ActionEndStream:
		if e.TotalChunks == nil {
			return malformed(e.Type, "end_stream without total_chunks")
		}
	default:
		return malformed(e.Type, "action "+e.Action)
	}
	return nil
}

func malformed(kind, details string) error {
	return domain.WrapError(domain.KindProtocol, "validate "+kind, domain.ErrMalformed, details)
}
