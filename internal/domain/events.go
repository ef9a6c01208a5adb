package domain

import "time"

// Event is delivered to the consumer of a voice session.
type Event interface {
	isEvent()
}

type StateChanged struct {
	From ConnectionState
	To   ConnectionState
	At   time.Time
}

// MessageUpdated carries a response that is still streaming.
type MessageUpdated struct {
	Message ResponseMessage
}

// MessageSealed carries a complete response.
type MessageSealed struct {
	Message ResponseMessage
}

// AudioOutput carries agent audio for playback. Source is "stream" for
// inline chunk audio and "media" for RTP payloads from the peer connection.
type AudioOutput struct {
	MsgID  string
	Source string
	Data   []byte
}

type StreamChanged struct {
	StreamID string
	Phase    string
	Chunks   uint64
}

// Notice is informational server traffic, such as agent_info.
type Notice struct {
	Kind string
	Text string
}

type Failure struct {
	Err   error
	Fatal bool
}

func (StateChanged) isEvent()   {}
func (MessageUpdated) isEvent() {}
func (MessageSealed) isEvent()  {}
func (AudioOutput) isEvent()    {}
func (StreamChanged) isEvent()  {}
func (Notice) isEvent()         {}
func (Failure) isEvent()        {}
