package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BioHazard786/warpvoice/internal/domain"
	pion "github.com/pion/webrtc/v4"
)

// pipeSource is fed by the test through its writer end.
type pipeSource struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	track  pion.TrackLocal
	mu     sync.Mutex
	closed int
}

func newPipeSource() *pipeSource {
	r, w := io.Pipe()
	return &pipeSource{r: r, w: w}
}

func (s *pipeSource) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *pipeSource) Track() pion.TrackLocal { return s.track }

func (s *pipeSource) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return s.r.Close()
}

func (s *pipeSource) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type stubProvider struct {
	src *pipeSource
	err error
}

func (p *stubProvider) Open(context.Context, Format) (Source, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.src, nil
}

func TestCaptureDeliversBlocksInOrder(t *testing.T) {
	t.Parallel()

	src := newPipeSource()
	c := NewCapture(CaptureOptions{Provider: &stubProvider{src: src}, Interval: 20 * time.Millisecond})
	if err := c.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	var got []byte
	for _, part := range [][]byte{[]byte("one-"), []byte("two-"), []byte("three")} {
		if _, err := src.w.Write(part); err != nil {
			t.Fatalf("write: %v", err)
		}
		select {
		case b := <-c.Blocks():
			got = append(got, b.Payload...)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for block")
		}
	}

	for _, b := range c.Stop() {
		got = append(got, b.Payload...)
	}
	if string(got) != "one-two-three" {
		t.Fatalf("unexpected audio %q", got)
	}
	if src.closeCount() != 1 {
		t.Fatalf("source closed %d times", src.closeCount())
	}
}

func TestCaptureStopReturnsTailAndIsIdempotent(t *testing.T) {
	t.Parallel()

	src := newPipeSource()
	c := NewCapture(CaptureOptions{Provider: &stubProvider{src: src}, Interval: time.Hour})
	if err := c.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := src.w.Write([]byte("tail")); err != nil {
		t.Fatalf("write: %v", err)
	}

	tail := c.Stop()
	var got []byte
	for _, b := range tail {
		got = append(got, b.Payload...)
	}
	if string(got) != "tail" {
		t.Fatalf("expected buffered audio in tail, got %q", got)
	}
	if again := c.Stop(); again != nil {
		t.Fatalf("second stop returned %d blocks", len(again))
	}
	if src.closeCount() != 1 {
		t.Fatalf("source closed %d times", src.closeCount())
	}
}

func TestCaptureAttachFailureReleasesSource(t *testing.T) {
	t.Parallel()

	src := newPipeSource()
	src.track = &pion.TrackLocalStaticSample{}
	c := NewCapture(CaptureOptions{Provider: &stubProvider{src: src}})

	boom := errors.New("attach failed")
	if err := c.Start(context.Background(), func(pion.TrackLocal) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected attach error, got %v", err)
	}
	if src.closeCount() != 1 {
		t.Fatalf("source must be closed after a failed attach")
	}
	c.Stop()
}

func TestCapturePermissionDenied(t *testing.T) {
	t.Parallel()

	denied := domain.WrapError(domain.KindPermission, "open microphone", domain.ErrPermissionDenied, "test")
	c := NewCapture(CaptureOptions{Provider: &stubProvider{err: denied}})

	err := c.Start(context.Background(), nil)
	if !errors.Is(err, domain.ErrPermissionDenied) || domain.KindOf(err) != domain.KindPermission {
		t.Fatalf("expected permission error, got %v", err)
	}
	if tail := c.Stop(); tail != nil {
		t.Fatalf("nothing was captured")
	}
}

func TestFormatBytesPer(t *testing.T) {
	t.Parallel()

	if got := DefaultFormat().BytesPer(500 * time.Millisecond); got != 16000 {
		t.Fatalf("expected 16000 bytes per 500ms, got %d", got)
	}
}

func TestFFmpegProviderReadAndClose(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "capture.sh", "#!/usr/bin/env bash\nprintf 'hello'\nsleep 2\n")
	p := NewFFmpegProvider(script, "", "")

	src, err := p.Open(context.Background(), DefaultFormat())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if src.Track() != nil {
		t.Fatalf("ffmpeg source has no media track")
	}

	buf := make([]byte, 8)
	n, _ := src.Read(buf)
	if !bytes.Contains(buf[:n], []byte("hello")) {
		t.Fatalf("unexpected bytes: %q", buf[:n])
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

func TestFFmpegProviderOutputSurvivesExit(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "short.sh", "#!/usr/bin/env bash\nprintf 'tail-of-capture'\nsleep 0.4\n")
	src, err := NewFFmpegProvider(script, "", "").Open(context.Background(), DefaultFormat())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer src.Close()

	// Let the process exit before anything is read.
	time.Sleep(800 * time.Millisecond)

	data, err := io.ReadAll(src)
	if err != nil {
		t.Fatalf("read after exit failed: %v", err)
	}
	if string(data) != "tail-of-capture" {
		t.Fatalf("unexpected bytes: %q", data)
	}
}

func TestFFmpegProviderClassifiesEarlyExit(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "denied.sh", "#!/usr/bin/env bash\necho 'default: Permission denied' 1>&2\nexit 1\n")
	_, err := NewFFmpegProvider(script, "", "").Open(context.Background(), DefaultFormat())
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	script = writeScript(t, "boom.sh", "#!/usr/bin/env bash\necho 'boom' 1>&2\nexit 1\n")
	_, err = NewFFmpegProvider(script, "", "").Open(context.Background(), DefaultFormat())
	if err == nil || errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected a generic early exit error, got %v", err)
	}
}

func TestFFmpegProviderMissingBinary(t *testing.T) {
	t.Parallel()

	_, err := NewFFmpegProvider(filepath.Join(t.TempDir(), "missing"), "", "").Open(context.Background(), DefaultFormat())
	if !errors.Is(err, domain.ErrNoDevice) {
		t.Fatalf("expected no device, got %v", err)
	}
}

func writeScript(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}
