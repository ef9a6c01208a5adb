package domain

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the externally visible state of a voice session.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateSignaling    ConnectionState = "signaling"
	StateConnected    ConnectionState = "connected"
	StateStreaming    ConnectionState = "streaming"
	StateError        ConnectionState = "error"
)

// SessionIdentity identifies the local peer towards the agent server.
type SessionIdentity struct {
	PeerID  string
	AgentID string
	APIKey  string
}

// NewSessionIdentity returns an identity with a freshly generated peer id.
func NewSessionIdentity(agentID, apiKey string) SessionIdentity {
	return SessionIdentity{
		PeerID:  uuid.NewString(),
		AgentID: agentID,
		APIKey:  apiKey,
	}
}

// WithFreshPeer returns a copy of the identity with a new peer id.
// Every connection attempt uses its own peer id.
func (id SessionIdentity) WithFreshPeer() SessionIdentity {
	id.PeerID = uuid.NewString()
	return id
}

// AudioChunk is one sequenced slice of captured audio.
type AudioChunk struct {
	Seq        uint64
	Payload    []byte
	CapturedAt time.Time
}

// ResponseMessage is a server response assembled from streamed fragments.
type ResponseMessage struct {
	MsgID     string
	Text      string
	Streaming bool
	StartedAt time.Time
	UpdatedAt time.Time
}
