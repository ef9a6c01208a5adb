package cmd

import (
	"fmt"
	"os"

	"github.com/BioHazard786/warpvoice/internal/config"
	"github.com/BioHazard786/warpvoice/internal/transcript"
	"github.com/BioHazard786/warpvoice/internal/ui"
	"github.com/BioHazard786/warpvoice/internal/utils"
	"github.com/spf13/cobra"
)

var (
	flagHistoryFormat  string
	flagHistorySession string
	flagHistoryAgent   string
	flagHistoryLimit   int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded conversations",
	Long: `Show messages recorded during previous sessions, oldest first.

Examples:
  warpvoice history
  warpvoice history --agent support --limit 20
  warpvoice history --format csv > transcript.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory()
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.List(cmd.Context(), transcript.Filter{
			SessionID: flagHistorySession,
			AgentID:   flagHistoryAgent,
			Limit:     flagHistoryLimit,
		})
		if err != nil {
			return fmt.Errorf("list history: %w", err)
		}
		if len(entries) == 0 && flagHistoryFormat == ui.FormatTable {
			ui.PrintInfo("No messages recorded yet.")
			return nil
		}
		if err := ui.RenderHistory(os.Stdout, entries, flagHistoryFormat); err != nil {
			return err
		}
		if flagHistoryFormat == ui.FormatTable {
			fmt.Println(ui.MutedStyle.Render(historyFooter(store, len(entries))))
		}
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all recorded messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory()
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.Clear(cmd.Context())
		if err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
		ui.PrintSuccessf("Deleted %d messages", n)
		return nil
	},
}

func openHistory() (*transcript.Store, error) {
	cfg, err := config.Load(config.Options{ConfigFile: flagConfigFile, HistoryDB: flagHistoryDB})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	store, err := transcript.Open(cfg.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return store, nil
}

func historyFooter(store *transcript.Store, n int) string {
	footer := fmt.Sprintf("%d messages from %s", n, store.Path())
	if info, err := os.Stat(store.Path()); err == nil {
		footer += fmt.Sprintf(" (%s)", utils.FormatSize(info.Size()))
	}
	return footer
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyClearCmd)

	historyCmd.PersistentFlags().StringVar(&flagHistoryDB, "history-db", "", "Transcript database path")
	historyCmd.Flags().StringVarP(&flagHistoryFormat, "format", "f", ui.FormatTable, "Output format: table, markdown or csv")
	historyCmd.Flags().StringVar(&flagHistorySession, "session", "", "Only this session")
	historyCmd.Flags().StringVarP(&flagHistoryAgent, "agent", "a", "", "Only this agent")
	historyCmd.Flags().IntVarP(&flagHistoryLimit, "limit", "n", 50, "Most recent messages to show (0 for all)")
}
