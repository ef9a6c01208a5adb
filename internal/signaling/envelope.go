package signaling

import (
	"encoding/base64"
	"time"

	"github.com/BioHazard786/warpvoice/internal/domain"
	"github.com/bytedance/sonic"
)

// Envelope is the JSON frame exchanged with the agent server. The Type
// field selects which of the other fields are meaningful.
type Envelope struct {
	Type string `json:"type"`

	ICEServers []ICEServer `json:"ice_servers,omitempty"`

	ToPeer   string      `json:"to_peer,omitempty"`
	FromPeer string      `json:"from_peer,omitempty"`
	Data     *SignalData `json:"data,omitempty"`

	Action      string          `json:"action,omitempty"`
	Metadata    *StreamMetadata `json:"metadata,omitempty"`
	ChunkData   *ChunkData      `json:"chunk_data,omitempty"`
	TotalChunks *uint64         `json:"total_chunks,omitempty"`

	Status   string `json:"status,omitempty"`
	StreamID string `json:"stream_id,omitempty"`

	MsgID        string `json:"msg_id,omitempty"`
	TextContent  string `json:"text_content,omitempty"`
	AudioContent string `json:"audio_content,omitempty"`

	Message   string         `json:"message,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// Envelope types.
const (
	TypeConfig        = "config"
	TypeSignal        = "signal"
	TypeAudio         = "audio"
	TypeAudioResponse = "audio_response"
	TypeStreamChunk   = "stream_chunk"
	TypeStreamEnd     = "stream_end"
	TypeText          = "text"
	TypeAgentInfo     = "agent_info"
	TypeError         = "error"
	TypePing          = "ping"
	TypePong          = "pong"
)

// Signal data types.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice_candidate"
)

// Audio actions.
const (
	ActionStartStream = "start_stream"
	ActionAudioChunk  = "audio_chunk"
	ActionEndStream   = "end_stream"
)

// audio_response statuses.
const (
	StatusStarted   = "started"
	StatusProcessed = "processed"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// PeerServer is the logical peer name of the agent server.
const PeerServer = "server"

// SignalData is the WebRTC negotiation payload of a signal envelope.
type SignalData struct {
	Type      string        `json:"type"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit dictionary.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type ICEServer struct {
	URLs       URLList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// URLList accepts both a single URL string and a list of URLs.
type URLList []string

func (l *URLList) UnmarshalJSON(b []byte) error {
	var single string
	if err := sonic.Unmarshal(b, &single); err == nil {
		if single == "" {
			*l = nil
		} else {
			*l = URLList{single}
		}
		return nil
	}
	var many []string
	if err := sonic.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// StreamMetadata describes captured audio in a start_stream request.
type StreamMetadata struct {
	Format     string `json:"format"`
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	AgentID    string `json:"agent_id"`
	Timestamp  int64  `json:"timestamp"`
}

type ChunkData struct {
	StreamID   string `json:"stream_id"`
	Seq        uint64 `json:"seq"`
	Data       string `json:"data"`
	Size       int    `json:"size"`
	CapturedAt int64  `json:"captured_at"`
}

// Text returns the textual content of a text or error envelope.
func (e Envelope) Text() string {
	if e.TextContent != "" {
		return e.TextContent
	}
	return e.Message
}

func NewSignal(kind, sdp string, candidate *ICECandidate) Envelope {
	return Envelope{
		Type:   TypeSignal,
		ToPeer: PeerServer,
		Data:   &SignalData{Type: kind, SDP: sdp, Candidate: candidate},
	}
}

func NewPing(now time.Time) Envelope {
	return Envelope{Type: TypePing, Timestamp: now.UnixMilli()}
}

func NewPong(now time.Time) Envelope {
	return Envelope{Type: TypePong, Timestamp: now.UnixMilli()}
}

func NewText(msgID, text string, now time.Time) Envelope {
	return Envelope{Type: TypeText, MsgID: msgID, Message: text, Timestamp: now.UnixMilli()}
}

func NewStartStream(meta StreamMetadata) Envelope {
	return Envelope{Type: TypeAudio, Action: ActionStartStream, Metadata: &meta}
}

// NewAudioChunk wraps a sequenced chunk; the payload is base64 encoded.
func NewAudioChunk(streamID string, chunk domain.AudioChunk) Envelope {
	return Envelope{
		Type:   TypeAudio,
		Action: ActionAudioChunk,
		ChunkData: &ChunkData{
			StreamID:   streamID,
			Seq:        chunk.Seq,
			Data:       base64.StdEncoding.EncodeToString(chunk.Payload),
			Size:       len(chunk.Payload),
			CapturedAt: chunk.CapturedAt.UnixMilli(),
		},
	}
}

func NewEndStream(streamID string, total uint64) Envelope {
	return Envelope{
		Type:        TypeAudio,
		Action:      ActionEndStream,
		StreamID:    streamID,
		TotalChunks: &total,
	}
}
