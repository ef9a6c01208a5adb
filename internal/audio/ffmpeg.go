package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BioHazard786/warpvoice/internal/domain"
	pion "github.com/pion/webrtc/v4"
)

// FFmpegProvider captures microphone PCM through an ffmpeg subprocess. It has
// no media track, so the peer connection keeps sending silence. No echo
// cancellation is applied; point InputDevice at an echo-cancelled source
// where the platform offers one.
type FFmpegProvider struct {
	Command     string
	InputFormat string
	InputDevice string
}

func NewFFmpegProvider(command, inputFormat, inputDevice string) *FFmpegProvider {
	if command == "" {
		command = "ffmpeg"
	}
	if inputFormat == "" {
		inputFormat = "pulse"
	}
	if inputDevice == "" {
		inputDevice = "default"
	}
	return &FFmpegProvider{Command: command, InputFormat: inputFormat, InputDevice: inputDevice}
}

func (p *FFmpegProvider) Open(ctx context.Context, format Format) (Source, error) {
	if format.SampleRate <= 0 {
		format.SampleRate = 16000
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", p.InputFormat,
		"-i", p.InputDevice,
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", "s16le",
		"-",
	}

	// The process outlives the Open call, so it is not bound to ctx.
	cmd := exec.Command(p.Command, args...)
	var stderr syncBuffer
	cmd.Stderr = &stderr

	// Wait closes pipes made by StdoutPipe, possibly before the last PCM is
	// read. With our own pipe the reader sees EOF once ffmpeg exits.
	stdout, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	cmd.Stdout = pw
	err = cmd.Start()
	pw.Close()
	if err != nil {
		stdout.Close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, domain.WrapError(domain.KindPermission, "open ffmpeg", domain.ErrNoDevice, err.Error())
		}
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		stdout.Close()
		return nil, classifyEarlyExit(err, stderr.String())
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		stdout.Close()
		return nil, ctx.Err()
	case <-time.After(250 * time.Millisecond):
	}

	return &ffmpegSource{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

// classifyEarlyExit maps ffmpeg's complaints onto the capture error sentinels.
func classifyEarlyExit(err error, stderr string) error {
	msg := stringsTrimSpaceSafe(stderr)
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "permission denied"):
		return domain.WrapError(domain.KindPermission, "open ffmpeg", domain.ErrPermissionDenied, msg)
	case strings.Contains(lower, "no such file"),
		strings.Contains(lower, "no such device"),
		strings.Contains(lower, "cannot open audio device"),
		strings.Contains(lower, "connection refused"):
		return domain.WrapError(domain.KindPermission, "open ffmpeg", domain.ErrNoDevice, msg)
	}

	if err != nil {
		return fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, msg)
	}
	return errors.New("ffmpeg exited before capture started")
}

type ffmpegSource struct {
	stdout io.ReadCloser
	stderr *syncBuffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegSource) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegSource) Track() pion.TrackLocal {
	return nil
}

func (s *ffmpegSource) Close() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}

		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, stringsTrimSpaceSafe(s.stderr.String()))
		}
	})

	return s.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func stringsTrimSpaceSafe(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}

// syncBuffer guards stderr, which exec writes from its own goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
