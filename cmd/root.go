package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/BioHazard786/warpvoice/internal/ui"
	"github.com/BioHazard786/warpvoice/internal/version"
	"github.com/spf13/cobra"
)

var flagConfigFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warpvoice",
	Short: "Talk to a realtime voice agent from the terminal",
	Long: `WarpVoice connects to a voice agent server over WebSocket signaling and a WebRTC
peer connection. Speak through your microphone or type messages and watch the
agent's replies stream in as they are generated.

Configuration is read from flags, the environment (a .env file is loaded
first), ~/.config/warpvoice/config.toml and built-in defaults, in that order.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "Config file (default ~/.config/warpvoice/config.toml)")
}
