package audio

import (
	"context"
	"io"
	"time"

	pion "github.com/pion/webrtc/v4"
)

// Format describes the PCM produced by a Source.
type Format struct {
	Encoding   string
	Codec      string
	SampleRate int
	Channels   int
}

// DefaultFormat is mono 16 kHz signed 16-bit little-endian PCM.
func DefaultFormat() Format {
	return Format{
		Encoding:   "pcm",
		Codec:      "pcm_s16le",
		SampleRate: 16000,
		Channels:   1,
	}
}

// BytesPer returns the PCM size of d worth of audio.
func (f Format) BytesPer(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(f.Channels) * 2 * int64(d) / int64(time.Second))
}

// Source is an open capture device. Read yields PCM in the requested format.
type Source interface {
	io.Reader
	Close() error
	// Track returns the media track to send on the peer connection, or nil
	// when the source only produces PCM.
	Track() pion.TrackLocal
}

// SourceProvider acquires capture devices. Open must not leave anything
// acquired when it fails.
type SourceProvider interface {
	Open(ctx context.Context, format Format) (Source, error)
}
