package webrtc

import "fmt"

// ChunkPath selects which channels carry sequenced audio chunks. The media
// track is attached independently whenever the capture source provides one.
type ChunkPath string

const (
	// ChunkPathSignaling sends chunks as audio envelopes on the signaling socket.
	ChunkPathSignaling ChunkPath = "signaling"

	// ChunkPathDataChannel sends chunks only over the peer data channel.
	ChunkPathDataChannel ChunkPath = "datachannel"

	// ChunkPathBoth sends every chunk over both channels.
	ChunkPathBoth ChunkPath = "both"
)

func ParseChunkPath(s string) (ChunkPath, error) {
	switch p := ChunkPath(s); p {
	case ChunkPathSignaling, ChunkPathDataChannel, ChunkPathBoth:
		return p, nil
	case "":
		return ChunkPathBoth, nil
	default:
		return "", fmt.Errorf("unknown chunk path %q (want signaling, datachannel or both)", s)
	}
}

// UsesSignaling reports whether chunks go over the signaling socket.
func (p ChunkPath) UsesSignaling() bool {
	return p == ChunkPathSignaling || p == ChunkPathBoth
}

// UsesDataChannel reports whether chunks go over the data channel.
func (p ChunkPath) UsesDataChannel() bool {
	return p == ChunkPathDataChannel || p == ChunkPathBoth
}
