package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BioHazard786/warpvoice/internal/config"
	"github.com/BioHazard786/warpvoice/internal/domain"
	"github.com/BioHazard786/warpvoice/internal/transcript"
	"github.com/BioHazard786/warpvoice/internal/ui"
	"github.com/BioHazard786/warpvoice/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	flagDomain    string
	flagInsecure  bool
	flagAgent     string
	flagAPIKey    string
	flagSTUN      string
	flagTURN      string
	flagTURNUser  string
	flagTURNPass  string
	flagRelay     bool
	flagCapture   string
	flagFFmpeg    string
	flagInterval  time.Duration
	flagChunkPath string
	flagNoDC      bool
	flagHistoryDB string
	flagNoHistory bool
	flagPlain     bool
)

var connectCmd = &cobra.Command{
	Use:     "connect",
	Aliases: []string{"c"},
	Short:   "Start a voice session with an agent",
	Long: `Start a voice session with an agent.

Press ctrl+r to start or stop talking, type and press enter to send text, and
ctrl+c to hang up. With --plain, lines read from stdin are sent as text;
/talk toggles the microphone and /quit ends the session.

Examples:
  warpvoice connect --agent support --api-key sk-123
  warpvoice connect --domain localhost:8080 --insecure --agent demo --api-key dev
  warpvoice connect --capture ffmpeg --plain`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return connect(cmd.Context())
	},
}

func connect(ctx context.Context) error {
	cfg, err := LoadConfig(config.Options{
		ConfigFile:     flagConfigFile,
		Domain:         flagDomain,
		Insecure:       flagInsecure,
		AgentID:        flagAgent,
		APIKey:         flagAPIKey,
		STUNServer:     flagSTUN,
		TURNServer:     flagTURN,
		TURNUser:       flagTURNUser,
		TURNPass:       flagTURNPass,
		ForceRelay:     flagRelay,
		CaptureBackend: flagCapture,
		FFmpegPath:     flagFFmpeg,
		ChunkInterval:  flagInterval,
		ChunkPath:      flagChunkPath,
		NoDataChannel:  flagNoDC,
		HistoryDB:      flagHistoryDB,
	})
	if err != nil {
		return err
	}
	if err := cfg.RequireAgent(); err != nil {
		return err
	}

	logger := slog.Default()
	session, err := NewSession(cfg, logger)
	if err != nil {
		return err
	}

	rec := &recorder{sessionID: uuid.NewString(), agentID: cfg.AgentID, log: logger}
	if !flagNoHistory {
		store, err := transcript.Open(cfg.HistoryDB)
		if err != nil {
			ui.PrintWarning(fmt.Sprintf("History disabled: %v", err))
		} else {
			defer store.Close()
			rec.store = store
		}
	}

	ui.PrintInfof("Connecting to %s as agent %s (key %s)", cfg.Domain, cfg.AgentID, utils.MaskSecret(cfg.APIKey))

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	result := make(chan error, 1)
	go func() { result <- session.Run(runCtx) }()

	uiDone := make(chan struct{})
	events := tee(session.Events(), rec, uiDone)
	ctrl := recordingController{Controller: session, rec: rec}

	var uiErr error
	if flagPlain {
		sp := ui.NewConnectionSpinner("Connecting to agent...")
		sp.Start()
		uiErr = ui.RunPlain(ctx, ctrl, awaitConnection(events, sp), os.Stdin, os.Stdout)
	} else {
		uiErr = ui.RunSession(ctx, ctrl, events, cfg.AgentID)
	}
	close(uiDone)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := session.Close(closeCtx); err != nil {
		logger.Debug("close session", "error", err)
	}
	cancel()
	cancelRun()
	runErr := <-result

	stats := session.Stats()
	status := "closed"
	if runErr != nil {
		status = "failed"
	}
	fmt.Println()
	ui.RenderSessionSummary(ui.SessionSummary{
		Status:     status,
		Agent:      cfg.AgentID,
		Duration:   time.Since(stats.StartedAt),
		Streams:    stats.Streams,
		Chunks:     stats.ChunksSent,
		Messages:   stats.MessagesReceived,
		Reconnects: stats.Reconnects,
	})

	switch {
	case runErr != nil:
		return errors.New(domain.UserMessage(runErr))
	case uiErr != nil:
		return uiErr
	}
	return nil
}

func init() {
	rootCmd.AddCommand(connectCmd)

	f := connectCmd.Flags()
	f.StringVarP(&flagDomain, "domain", "d", "", "Agent server domain")
	f.BoolVar(&flagInsecure, "insecure", false, "Use ws:// instead of wss://")
	f.StringVarP(&flagAgent, "agent", "a", "", "Agent id")
	f.StringVarP(&flagAPIKey, "api-key", "k", "", "API key")
	f.StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	f.StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	f.StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	f.StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
	f.BoolVarP(&flagRelay, "relay", "r", false, "Force relay mode")
	f.StringVar(&flagCapture, "capture", "", "Capture backend: device or ffmpeg")
	f.StringVar(&flagFFmpeg, "ffmpeg", "", "Path to the ffmpeg binary")
	f.DurationVar(&flagInterval, "chunk-interval", 0, "Audio chunk duration (default 500ms)")
	f.StringVar(&flagChunkPath, "chunk-path", "", "Where chunks are sent: signaling, datachannel or both")
	f.BoolVar(&flagNoDC, "no-data-channel", false, "Do not open the peer data channel")
	f.StringVar(&flagHistoryDB, "history-db", "", "Transcript database path")
	f.BoolVar(&flagNoHistory, "no-history", false, "Do not record the transcript")
	f.BoolVar(&flagPlain, "plain", false, "Line mode instead of the interactive view")
}
