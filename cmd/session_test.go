package cmd

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/BioHazard786/warpvoice/internal/config"
	"github.com/BioHazard786/warpvoice/internal/domain"
	"github.com/BioHazard786/warpvoice/internal/transcript"
	"github.com/BioHazard786/warpvoice/internal/webrtc"
)

func TestChunkPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path    string
		dc      bool
		want    webrtc.ChunkPath
		wantErr bool
	}{
		{path: "both", dc: true, want: webrtc.ChunkPathBoth},
		{path: "both", dc: false, want: webrtc.ChunkPathSignaling},
		{path: "signaling", dc: true, want: webrtc.ChunkPathSignaling},
		{path: "datachannel", dc: true, want: webrtc.ChunkPathDataChannel},
		{path: "datachannel", dc: false, wantErr: true},
		{path: "carrier-pigeon", dc: true, wantErr: true},
	}
	for _, tc := range cases {
		got, err := chunkPath(&config.Config{ChunkPath: tc.path, DataChannel: tc.dc})
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s/%v: expected an error", tc.path, tc.dc)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s/%v: got %q, %v; want %q", tc.path, tc.dc, got, err, tc.want)
		}
	}
}

type stubController struct{}

func (stubController) ToggleCapture(context.Context) (bool, error) { return false, nil }
func (stubController) SendText(context.Context, string) (string, error) {
	return "user-msg", nil
}
func (stubController) Close(context.Context) error { return nil }

func TestTranscriptIsRecorded(t *testing.T) {
	t.Parallel()

	store, err := transcript.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	rec := &recorder{store: store, sessionID: "s-1", agentID: "agent-1", log: slog.Default()}
	ctrl := recordingController{Controller: stubController{}, rec: rec}
	if _, err := ctrl.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	in := make(chan domain.Event, 3)
	in <- domain.MessageUpdated{Message: domain.ResponseMessage{MsgID: "a", Text: "Hi", Streaming: true}}
	in <- domain.MessageSealed{Message: domain.ResponseMessage{MsgID: "a", Text: "Hi there"}}
	in <- domain.StateChanged{To: domain.StateConnected}
	close(in)

	uiDone := make(chan struct{})
	out := tee(in, rec, uiDone)
	var forwarded int
	for range out {
		forwarded++
	}
	if forwarded != 3 {
		t.Fatalf("expected all events forwarded, got %d", forwarded)
	}

	entries, err := store.List(context.Background(), transcript.Filter{SessionID: "s-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	if entries[0].Role != transcript.RoleUser || entries[0].MsgID != "user-msg" {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Role != transcript.RoleAgent || entries[1].Text != "Hi there" {
		t.Fatalf("unexpected second entry %+v", entries[1])
	}
}

func TestTeeKeepsDrainingAfterUIExits(t *testing.T) {
	t.Parallel()

	in := make(chan domain.Event)
	uiDone := make(chan struct{})
	out := tee(in, &recorder{log: slog.Default()}, uiDone)
	close(uiDone)

	// The session side must never block, even with nobody reading out.
	for i := 0; i < 300; i++ {
		in <- domain.Notice{Kind: "info", Text: "x"}
	}
	close(in)
	for range out {
	}
}
