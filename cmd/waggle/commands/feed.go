package commands

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"waggle/internal/feed"
	"waggle/internal/printer"
)

var (
	feedCount int
	feedPrune bool
	feedJSON  bool
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Show recent mesh activity",
	Long: `Feed prints the shared activity log: joins, leaves, reservations,
messages, commits, test runs, and stuck warnings, oldest first.

--prune trims the log to the configured retention before printing.`,
	RunE: runFeed,
}

func init() {
	feedCmd.Flags().IntVarP(&feedCount, "count", "n", 20, "events to show")
	feedCmd.Flags().BoolVar(&feedPrune, "prune", false, "trim the log to the retention limit first")
	feedCmd.Flags().BoolVar(&feedJSON, "json", false, "emit JSON instead of the human listing")
	rootCmd.AddCommand(feedCmd)
}

func runFeed(cmd *cobra.Command, args []string) error {
	env, err := openMesh(false)
	if err != nil {
		return err
	}
	if feedPrune {
		if err := env.feed.Prune(env.settings.Feed.Retention); err != nil {
			return printer.Error("feed prune failed", err.Error())
		}
	}
	events, err := env.feed.ReadLast(feedCount)
	if err != nil {
		return printer.Error("cannot read feed", err.Error())
	}

	if feedJSON {
		if events == nil {
			events = []feed.Event{}
		}
		return json.NewEncoder(os.Stdout).Encode(events)
	}
	if len(events) == 0 {
		printer.Info("no activity yet")
		return nil
	}
	for _, event := range events {
		stamp := event.Time.Local().Format("15:04:05")
		printer.Printf("%s %s\n", printer.Dim(stamp), feed.Format(event))
	}
	return nil
}
