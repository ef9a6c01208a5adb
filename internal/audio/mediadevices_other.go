//go:build !linux

package audio

import (
	"context"

	"github.com/BioHazard786/warpvoice/internal/domain"
	pion "github.com/pion/webrtc/v4"
)

// DeviceProvider is only backed by a microphone driver on linux; use the
// ffmpeg backend elsewhere.
type DeviceProvider struct{}

func NewDeviceProvider() (*DeviceProvider, error) {
	return &DeviceProvider{}, nil
}

func (p *DeviceProvider) SetupMediaEngine(me *pion.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (p *DeviceProvider) Open(context.Context, Format) (Source, error) {
	return nil, domain.WrapError(domain.KindPermission, "open microphone", domain.ErrNoDevice, "device capture is not supported on this platform")
}
