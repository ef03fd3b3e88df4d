package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"waggle/internal/printer"
)

var broadcastUrgent bool

var broadcastCmd = &cobra.Command{
	Use:   "broadcast <text>...",
	Short: "Send a message to every other agent",
	Long: `Broadcast fans a message out to every live agent except the sender.
Delivery is per-recipient: one unreachable inbox does not stop the
others.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBroadcast,
}

func init() {
	broadcastCmd.Flags().BoolVar(&broadcastUrgent, "urgent", false, "ask recipients' hosts to interrupt")
	rootCmd.AddCommand(broadcastCmd)
}

func runBroadcast(cmd *cobra.Command, args []string) error {
	env, err := openMesh(false)
	if err != nil {
		return err
	}
	sess, err := attachSession(env)
	if err != nil {
		return err
	}
	sent, err := sess.Broadcast(strings.Join(args, " "), broadcastUrgent)
	if err != nil {
		return printer.Error("broadcast failed", err.Error())
	}
	if len(sent) == 0 {
		printer.Info("no one else is online")
		return nil
	}
	names := make([]string, len(sent))
	for i, delivery := range sent {
		names[i] = delivery.To
	}
	printer.Success("broadcast to %d: %s", len(sent), strings.Join(names, ", "))
	return nil
}
