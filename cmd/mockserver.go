package cmd

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BioHazard786/warpvoice/internal/mockserver"
	"github.com/BioHazard786/warpvoice/internal/signaling"
	"github.com/BioHazard786/warpvoice/internal/ui"
	"github.com/spf13/cobra"
)

var (
	flagMockAddr       string
	flagMockKeys       []string
	flagMockSTUN       []string
	flagMockAnswer     string
	flagMockReply      string
	flagMockFailFirst  int
	flagMockFailStatus int
	flagMockCloseAfter int
	flagMockCloseCode  int
	flagMockNoPong     bool
	flagMockDelay      time.Duration
)

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Run a local agent server for development",
	Long: `Run a local stand-in for the voice agent server.

It acknowledges audio streams, checks chunk order and streams a reply back
when a stream ends. Text messages are echoed. Fault injection flags make it
refuse upgrades, drop connections or stop answering keepalives.

Examples:
  warpvoice mock-server --addr :8080
  warpvoice connect --domain localhost:8080 --insecure --agent demo --api-key dev
  warpvoice mock-server --fail-first 2 --close-after 10 --close-code 4500`,
	RunE: func(cmd *cobra.Command, args []string) error {
		answer := mockserver.AnswerMode(flagMockAnswer)
		switch answer {
		case mockserver.AnswerNone, mockserver.AnswerFake, mockserver.AnswerPion:
		default:
			return fmt.Errorf("unknown answer mode %q (want pion, fake or none)", flagMockAnswer)
		}

		var ice []signaling.ICEServer
		if len(flagMockSTUN) > 0 {
			ice = []signaling.ICEServer{{URLs: signaling.URLList(flagMockSTUN)}}
		}

		srv := mockserver.New(mockserver.Options{
			APIKeys:       flagMockKeys,
			ICEServers:    ice,
			Answer:        answer,
			Reply:         flagMockReply,
			FailFirst:     flagMockFailFirst,
			FailStatus:    flagMockFailStatus,
			CloseAfter:    flagMockCloseAfter,
			CloseCode:     flagMockCloseCode,
			SuppressPong:  flagMockNoPong,
			FragmentDelay: flagMockDelay,
			Logger:        slog.Default(),
		})

		ui.PrintInfof("Mock agent server on %s (answer: %s, keys: %s)", flagMockAddr, answer, keyList(flagMockKeys))
		if err := srv.ListenAndServe(cmd.Context(), flagMockAddr); err != nil {
			return fmt.Errorf("mock server: %w", err)
		}

		st := srv.Stats()
		ui.PrintSuccessf("Stopped after %d connections, %d streams, %d chunks, %d texts", st.Connections, st.Streams, st.Chunks, st.Texts)
		return nil
	},
}

func keyList(keys []string) string {
	if len(keys) == 0 {
		return "any"
	}
	return strings.Join(keys, ", ")
}

func init() {
	rootCmd.AddCommand(mockServerCmd)

	f := mockServerCmd.Flags()
	f.StringVar(&flagMockAddr, "addr", ":8080", "Listen address")
	f.StringSliceVar(&flagMockKeys, "api-key", nil, "Accepted API keys (default any)")
	f.StringSliceVar(&flagMockSTUN, "stun", nil, "ICE server URLs announced to clients")
	f.StringVar(&flagMockAnswer, "answer", string(mockserver.AnswerPion), "How offers are answered: pion, fake or none")
	f.StringVar(&flagMockReply, "reply", "", "Reply after a stream; %d is the chunk count")
	f.IntVar(&flagMockFailFirst, "fail-first", 0, "Refuse this many upgrades")
	f.IntVar(&flagMockFailStatus, "fail-status", 0, "HTTP status for refused upgrades (default 503)")
	f.IntVar(&flagMockCloseAfter, "close-after", 0, "Close each connection after this many messages")
	f.IntVar(&flagMockCloseCode, "close-code", 0, "Close code used by --close-after (default 1011)")
	f.BoolVar(&flagMockNoPong, "no-pong", false, "Leave pings unanswered")
	f.DurationVar(&flagMockDelay, "fragment-delay", 40*time.Millisecond, "Delay between reply fragments")
}
