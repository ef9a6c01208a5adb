package agent

import (
	"context"
	"strings"
	"time"

	"github.com/BioHazard786/warpvoice/internal/audio"
	"github.com/BioHazard786/warpvoice/internal/domain"
	"github.com/BioHazard786/warpvoice/internal/signaling"
	"github.com/BioHazard786/warpvoice/internal/stream"
	"github.com/google/uuid"
)

type commandKind int

const (
	cmdStartCapture commandKind = iota
	cmdStopCapture
	cmdToggleCapture
	cmdSendText
	cmdClose
)

type command struct {
	kind  commandKind
	text  string
	reply chan commandResult
}

type commandResult struct {
	msgID     string
	capturing bool
	err       error
}

// StartCapture opens the microphone and starts a stream. The peer connection
// must be connected and no stream may be in progress.
func (s *Session) StartCapture(ctx context.Context) error {
	return s.do(ctx, command{kind: cmdStartCapture}).err
}

// StopCapture releases the microphone and ends the stream. It is a no-op
// when nothing is being captured.
func (s *Session) StopCapture(ctx context.Context) error {
	return s.do(ctx, command{kind: cmdStopCapture}).err
}

// ToggleCapture starts or stops capture and reports whether it is running.
func (s *Session) ToggleCapture(ctx context.Context) (bool, error) {
	res := s.do(ctx, command{kind: cmdToggleCapture})
	return res.capturing, res.err
}

// SendText sends a user text message and returns its msg_id.
func (s *Session) SendText(ctx context.Context, text string) (string, error) {
	res := s.do(ctx, command{kind: cmdSendText, text: text})
	return res.msgID, res.err
}

// Close ends the session. Run returns nil afterwards.
func (s *Session) Close(ctx context.Context) error {
	err := s.do(ctx, command{kind: cmdClose}).err
	if err == errNotRunning {
		return nil
	}
	return err
}

func (s *Session) do(ctx context.Context, cmd command) commandResult {
	cmd.reply = make(chan commandResult, 1)

	select {
	case s.commands <- cmd:
	case <-s.done:
		return commandResult{err: errNotRunning}
	case <-ctx.Done():
		return commandResult{err: ctx.Err()}
	}

	select {
	case res := <-cmd.reply:
		return res
	case <-ctx.Done():
		return commandResult{err: ctx.Err()}
	}
}

func (s *Session) handleCommand(cmd command) {
	var res commandResult

	switch cmd.kind {
	case cmdStartCapture:
		res.err = s.startCapture()
		res.capturing = s.capture != nil
	case cmdStopCapture:
		s.stopCapture(true)
	case cmdToggleCapture:
		if s.capture != nil {
			s.stopCapture(true)
		} else {
			res.err = s.startCapture()
		}
		res.capturing = s.capture != nil
	case cmdSendText:
		res.msgID, res.err = s.sendText(cmd.text)
	case cmdClose:
		s.stopCapture(true)
		s.teardown()
		s.setState(domain.StateDisconnected)
		s.finish(nil)
	}

	cmd.reply <- res
}

func (s *Session) startCapture() error {
	if s.capture != nil || (s.stream != nil && s.stream.Phase() != stream.PhaseIdle) {
		return domain.NewError(domain.KindBusy, "start capture", domain.ErrStreamBusy)
	}
	if (s.state != domain.StateConnected && s.state != domain.StateStreaming) || s.peer == nil {
		return domain.NewError(domain.KindNegotiation, "start capture", domain.ErrNotConnected)
	}

	capture := audio.NewCapture(audio.CaptureOptions{
		Provider: s.deps.Sources,
		Format:   s.cfg.Format,
		Interval: s.cfg.ChunkInterval,
		Logger:   s.cfg.Logger,
	})

	ctx, cancel := context.WithTimeout(s.runCtx, 10*time.Second)
	defer cancel()

	peer := s.peer
	if err := capture.Start(ctx, peer.AttachTrack); err != nil {
		s.emit(domain.Failure{Err: err})
		return err
	}

	if err := s.stream.Start(); err != nil {
		capture.Stop()
		if derr := peer.DetachTrack(); derr != nil {
			s.log.Debug("detach track", "error", derr)
		}
		return err
	}

	s.capture = capture
	s.deferEnd = false
	s.emit(domain.StreamChanged{Phase: string(s.stream.Phase())})
	s.settleState()
	return nil
}

func (s *Session) sendText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	if s.transport == nil || !s.transport.IsOpen() {
		return "", domain.NewError(domain.KindTransport, "send text", domain.ErrNotOpen)
	}

	msgID := uuid.NewString()
	if !s.transport.Send(signaling.NewText(msgID, text, time.Now())) {
		return "", domain.NewError(domain.KindTransport, "send text", domain.ErrNotOpen)
	}
	return msgID, nil
}
