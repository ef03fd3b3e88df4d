package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"waggle/internal/printer"
	"waggle/internal/registry"
)

var (
	sendUrgent  bool
	sendReplyTo string
)

var sendCmd = &cobra.Command{
	Use:   "send <agent> <text>...",
	Short: "Send a message to another agent",
	Long: `Send drops a message file into the recipient's inbox. Delivery happens
whenever the recipient next scans: immediately if it is listening, or on
its next turn otherwise. Urgent messages ask the recipient's host to
break in rather than wait.

Examples:
  waggle send backend-1 "the auth tests are green, merging now"
  waggle send reviewer --urgent "build is broken on main"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().BoolVar(&sendUrgent, "urgent", false, "ask the recipient's host to interrupt")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "message id this replies to")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	env, err := openMesh(false)
	if err != nil {
		return err
	}
	sess, err := attachSession(env)
	if err != nil {
		return err
	}
	to := args[0]
	text := strings.Join(args[1:], " ")
	message, err := sess.Send(to, text, sendUrgent, sendReplyTo)
	if errors.Is(err, registry.ErrNotFound) {
		return printer.Error(
			fmt.Sprintf("agent %q not found", to),
			"run `waggle agents` to see who is online",
		)
	}
	if err != nil {
		return printer.Error("send failed", err.Error())
	}
	printer.Success("sent to %s (%s)", message.To, message.ID[:8])
	return nil
}
