package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BioHazard786/warpvoice/internal/agent"
	"github.com/BioHazard786/warpvoice/internal/audio"
	"github.com/BioHazard786/warpvoice/internal/config"
	"github.com/BioHazard786/warpvoice/internal/domain"
	"github.com/BioHazard786/warpvoice/internal/reconnect"
	"github.com/BioHazard786/warpvoice/internal/signaling"
	"github.com/BioHazard786/warpvoice/internal/transcript"
	"github.com/BioHazard786/warpvoice/internal/ui"
	"github.com/BioHazard786/warpvoice/internal/utils"
	"github.com/BioHazard786/warpvoice/internal/webrtc"
	pion "github.com/pion/webrtc/v4"
)

func LoadConfig(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}
	if !cfg.ForceRelay && cfg.GetTURNServers() != nil && utils.ShouldForceRelay() {
		slog.Info("VPN or CGNAT detected, forcing TURN relay")
		cfg.ForceRelay = true
	}

	return cfg, nil
}

// chunkPath resolves the configured chunk path against the data channel
// switch.
func chunkPath(cfg *config.Config) (webrtc.ChunkPath, error) {
	p, err := webrtc.ParseChunkPath(cfg.ChunkPath)
	if err != nil {
		return "", err
	}
	if cfg.DataChannel {
		return p, nil
	}
	if p == webrtc.ChunkPathDataChannel {
		return "", fmt.Errorf("chunk path %q needs the data channel", p)
	}
	return webrtc.ChunkPathSignaling, nil
}

// sourceProvider picks the capture backend. Device capture also decides the
// codecs of the peer connection.
func sourceProvider(cfg *config.Config) (audio.SourceProvider, func(*pion.MediaEngine) error, error) {
	switch cfg.CaptureBackend {
	case config.BackendFFmpeg:
		return audio.NewFFmpegProvider(cfg.FFmpegPath, cfg.FFmpegFormat, cfg.FFmpegDevice), nil, nil
	default:
		p, err := audio.NewDeviceProvider()
		if err != nil {
			return nil, nil, fmt.Errorf("%w (try --capture ffmpeg)", err)
		}
		return p, p.SetupMediaEngine, nil
	}
}

// NewSession builds a voice session from configuration.
func NewSession(cfg *config.Config, logger *slog.Logger) (*agent.Session, error) {
	path, err := chunkPath(cfg)
	if err != nil {
		return nil, err
	}
	sources, setup, err := sourceProvider(cfg)
	if err != nil {
		return nil, err
	}

	rc := reconnect.DefaultConfig()
	rc.Ceiling = cfg.Ceiling

	return agent.NewSession(agent.Config{
		ServerURL:         cfg.ServerURL,
		AgentID:           cfg.AgentID,
		APIKey:            cfg.APIKey,
		ICEServers:        cfg.ICEServers(),
		ForceRelay:        cfg.ForceRelay,
		ChunkPath:         path,
		Format:            audio.DefaultFormat(),
		ChunkInterval:     cfg.ChunkInterval,
		KeepaliveInterval: cfg.KeepaliveInterval,
		PongTimeout:       cfg.PongTimeout,
		Reconnect:         rc,
		Logger:            logger,
	}, agent.Deps{
		Sockets: signaling.NewDialer(),
		Peers:   &webrtc.PionProvider{SetupMediaEngine: setup, Logger: logger},
		Sources: sources,
	}), nil
}

// recorder writes the conversation to the transcript store. A nil store
// only counts messages.
type recorder struct {
	store     *transcript.Store
	sessionID string
	agentID   string
	log       *slog.Logger
}

func (r *recorder) save(role, msgID, text string) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := r.store.Save(ctx, transcript.Entry{
		SessionID: r.sessionID,
		AgentID:   r.agentID,
		Role:      role,
		MsgID:     msgID,
		Text:      text,
		CreatedAt: time.Now(),
	})
	if err != nil {
		r.log.Warn("transcript not saved", "error", err)
	}
}

func (r *recorder) observe(ev domain.Event) {
	if m, ok := ev.(domain.MessageSealed); ok {
		r.save(transcript.RoleAgent, m.Message.MsgID, m.Message.Text)
	}
}

// tee records events and forwards them to the UI until uiDone is closed.
// It keeps draining in afterwards so the session never blocks on a
// consumer that has gone away.
func tee(in <-chan domain.Event, rec *recorder, uiDone <-chan struct{}) <-chan domain.Event {
	out := make(chan domain.Event, 256)
	go func() {
		defer close(out)
		for ev := range in {
			rec.observe(ev)
			select {
			case out <- ev:
			case <-uiDone:
			}
		}
	}()
	return out
}

// recordingController stores user texts once the session accepted them.
type recordingController struct {
	ui.Controller
	rec *recorder
}

func (c recordingController) SendText(ctx context.Context, text string) (string, error) {
	id, err := c.Controller.SendText(ctx, text)
	if err == nil {
		c.rec.save(transcript.RoleUser, id, text)
	}
	return id, err
}

// awaitConnection shows sp while the session connects. Events seen before
// the session settles are held back and delivered after the spinner line is
// cleared.
func awaitConnection(in <-chan domain.Event, sp *ui.SimpleSpinner) <-chan domain.Event {
	out := make(chan domain.Event, 256)
	go func() {
		defer close(out)
		var held []domain.Event
		settled := false
		for ev := range in {
			if !settled {
				switch ev := ev.(type) {
				case domain.StateChanged:
					switch ev.To {
					case domain.StateConnected:
						sp.Success("Connected")
						settled = true
					case domain.StateError, domain.StateDisconnected:
						if ev.From != domain.StateDisconnected {
							sp.Error("Connection lost")
							settled = true
						}
					default:
						sp.UpdateMessage(fmt.Sprintf("Connecting (%s)...", ev.To))
					}
				case domain.Failure:
					if ev.Fatal {
						sp.Error("Could not connect")
						settled = true
					}
				}
				held = append(held, ev)
				if !settled {
					continue
				}
				for _, h := range held {
					out <- h
				}
				held = nil
				continue
			}
			out <- ev
		}
		if !settled {
			sp.Stop()
			for _, h := range held {
				out <- h
			}
		}
	}()
	return out
}
