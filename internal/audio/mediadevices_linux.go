//go:build linux

package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"

	"github.com/BioHazard786/warpvoice/internal/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	mdaudio "github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	pion "github.com/pion/webrtc/v4"
)

// DeviceProvider opens the default microphone with pion/mediadevices. The
// track it returns encodes opus for the peer connection while Read yields
// PCM for chunk delivery.
//
// Capture is not echo cancelled: mediadevices has no such constraint, so
// only sample rate and channel count are requested. Use a headset, or a
// platform source that cancels echo (such as a PulseAudio echo-cancel
// source selected through the ffmpeg backend).
type DeviceProvider struct {
	selector *mediadevices.CodecSelector
}

func NewDeviceProvider() (*DeviceProvider, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return &DeviceProvider{
		selector: mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams)),
	}, nil
}

// SetupMediaEngine registers the encoders of the device track.
func (p *DeviceProvider) SetupMediaEngine(me *pion.MediaEngine) error {
	p.selector.Populate(me)
	return nil
}

func (p *DeviceProvider) Open(ctx context.Context, format Format) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(format.SampleRate)
			c.ChannelCount = prop.Int(format.Channels)
		},
		Codec: p.selector,
	})
	if err != nil {
		return nil, classifyDeviceError(err)
	}

	var track *mediadevices.AudioTrack
	for _, t := range stream.GetTracks() {
		if at, ok := t.(*mediadevices.AudioTrack); ok && track == nil {
			track = at
			continue
		}
		t.Close()
	}
	if track == nil {
		return nil, domain.WrapError(domain.KindPermission, "open microphone", domain.ErrNoDevice, "no audio track")
	}

	return &deviceSource{
		track:    track,
		reader:   track.NewReader(false),
		channels: format.Channels,
	}, nil
}

func classifyDeviceError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") {
		return domain.WrapError(domain.KindPermission, "open microphone", domain.ErrPermissionDenied, err.Error())
	}
	return domain.WrapError(domain.KindPermission, "open microphone", domain.ErrNoDevice, err.Error())
}

type deviceSource struct {
	track    *mediadevices.AudioTrack
	reader   mdaudio.Reader
	channels int

	pending []byte

	closeOnce sync.Once
	closeErr  error
}

func (s *deviceSource) Track() pion.TrackLocal {
	return s.track
}

// Read converts the next wave chunk to s16le, keeping what does not fit in p.
func (s *deviceSource) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		chunk, release, err := s.reader.Read()
		if err != nil {
			return 0, err
		}
		s.pending = appendPCM(s.pending[:0], chunk, s.channels)
		if release != nil {
			release()
		}
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *deviceSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.track.Close()
		if errors.Is(s.closeErr, context.Canceled) {
			s.closeErr = nil
		}
	})
	return s.closeErr
}

// appendPCM writes the chunk as interleaved s16le limited to channels.
func appendPCM(dst []byte, chunk wave.Audio, channels int) []byte {
	info := chunk.ChunkInfo()
	if channels <= 0 || channels > info.Channels {
		channels = info.Channels
	}
	for i := 0; i < info.Len; i++ {
		for ch := 0; ch < channels; ch++ {
			v := int16(chunk.At(i, ch).Int() >> 48)
			dst = binary.LittleEndian.AppendUint16(dst, uint16(v))
		}
	}
	return dst
}
