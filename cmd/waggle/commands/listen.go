package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"waggle/internal/git"
	"waggle/internal/inbox"
	"waggle/internal/printer"
	"waggle/internal/registry"
	"waggle/internal/session"
)

var listenType string

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Join the mesh and print messages as they arrive",
	Long: `Listen registers this process as an agent and stays in the foreground,
delivering messages the moment they land. Useful as a human terminal
into the mesh, or to watch what the agents are saying.

Ctrl-C leaves cleanly: the registration, its reservations, and the
inbox are removed.`,
	RunE: runListen,
}

func init() {
	listenCmd.Flags().StringVar(&listenType, "type", "human", "agent type for the registration")
	rootCmd.AddCommand(listenCmd)
}

func runListen(cmd *cobra.Command, args []string) error {
	env, err := openMesh(true)
	if err != nil {
		return err
	}
	sess := session.New(session.Config{
		Layout:    env.layout,
		Settings:  env.settings,
		Logger:    env.logger,
		OnMessage: printIncoming,
	})
	cwd, _ := os.Getwd()
	record, err := sess.Join(registry.RegisterOptions{
		AgentType: listenType,
		Name:      explicitName(),
		PID:       os.Getpid(),
		SessionID: uuid.NewString(),
		WorkDir:   cwd,
		GitBranch: git.CurrentBranch(cwd),
		IsHuman:   listenType == "human",
	})
	if err != nil {
		return printer.Error("cannot join the mesh", err.Error())
	}
	printer.Success("listening as %s", record.Name)
	printer.Info("mesh root %s", env.layout.Root)
	if peers := sess.Peers(); len(peers) > 0 {
		for _, peer := range peers {
			printer.Info("  %s is here", printer.Name(peer.Name))
		}
	} else {
		printer.Info("no one else is online yet")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	sess.Leave()
	printer.Info("left the mesh")
	return nil
}

func printIncoming(message inbox.Message) {
	stamp := message.Timestamp.Local().Format("15:04:05")
	suffix := ""
	if message.ReplyTo != "" {
		suffix = " " + printer.Dim("(reply)")
	}
	if message.Disposition() == inbox.DispositionInterrupt {
		printer.Printf("%s %s %s: %s%s\n", printer.Dim(stamp), printer.Urgent("[urgent]"), printer.Name(message.From), message.Text, suffix)
		return
	}
	printer.Printf("%s %s: %s%s\n", printer.Dim(stamp), printer.Name(message.From), message.Text, suffix)
}
