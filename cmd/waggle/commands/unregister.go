package commands

import (
	"github.com/spf13/cobra"

	"waggle/internal/printer"
)

var unregisterCmd = &cobra.Command{
	Use:   "unregister",
	Short: "Leave the mesh",
	Long: `Unregister removes this agent's presence record, releases its
reservations, and clears its inbox. Peers see a leave event on the feed.

Records also disappear on their own once the owning process is gone, so
unregister is a courtesy, not a requirement.`,
	RunE: runUnregister,
}

func init() {
	rootCmd.AddCommand(unregisterCmd)
}

func runUnregister(cmd *cobra.Command, args []string) error {
	env, err := openMesh(false)
	if err != nil {
		return err
	}
	sess, err := attachSession(env)
	if err != nil {
		return err
	}
	self, _ := sess.Self()
	sess.Leave()
	printer.Success("unregistered %s", self.Name)
	return nil
}
