package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"waggle/internal/printer"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show or set this agent's status line",
	Long: `Status manages the free-text line peers see next to this agent's name.
While a custom status is set, the automatic one (derived from recent
edits, tests, and commits) is suppressed; clear re-enables it.

Without a subcommand, shows the current state.`,
	RunE: runStatusShow,
}

var statusSetCmd = &cobra.Command{
	Use:   "set <text>...",
	Short: "Set a custom status line",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStatusSet,
}

var statusClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the custom status line",
	RunE:  runStatusClear,
}

var statusShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show this agent's presence and reservations",
	RunE:  runStatusShow,
}

func init() {
	statusCmd.AddCommand(statusSetCmd)
	statusCmd.AddCommand(statusClearCmd)
	statusCmd.AddCommand(statusShowCmd)
	rootCmd.AddCommand(statusCmd)
}

func runStatusSet(cmd *cobra.Command, args []string) error {
	env, err := openMesh(false)
	if err != nil {
		return err
	}
	sess, err := attachSession(env)
	if err != nil {
		return err
	}
	text := strings.Join(args, " ")
	if err := sess.SetStatus(text); err != nil {
		return printer.Error("status update failed", err.Error())
	}
	printer.Success("status: %s", text)
	return nil
}

func runStatusClear(cmd *cobra.Command, args []string) error {
	env, err := openMesh(false)
	if err != nil {
		return err
	}
	sess, err := attachSession(env)
	if err != nil {
		return err
	}
	if err := sess.ClearStatus(); err != nil {
		return printer.Error("status update failed", err.Error())
	}
	printer.Success("status cleared")
	return nil
}

func runStatusShow(cmd *cobra.Command, args []string) error {
	env, err := openMesh(false)
	if err != nil {
		return err
	}
	sess, err := attachSession(env)
	if err != nil {
		return err
	}
	self, _ := sess.Self()
	status, idle := sess.Status()

	printer.Printf("%s  %s  %s\n", printer.Name(self.Name), statusWord(status), printer.Dim(formatAgo(idle)))
	if self.StatusMessage != "" {
		printer.Info("status: %s", self.StatusMessage)
	}
	if len(self.Reservations) == 0 {
		printer.Info("no reservations held")
		return nil
	}
	for _, claim := range self.Reservations {
		if claim.Reason != "" {
			printer.Info("holds %s: %s", claim.Pattern, claim.Reason)
			continue
		}
		printer.Info("holds %s", claim.Pattern)
	}
	return nil
}
