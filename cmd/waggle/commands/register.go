package commands

import (
	"os"

	"github.com/spf13/cobra"

	"waggle/internal/feed"
	"waggle/internal/git"
	"waggle/internal/printer"
	"waggle/internal/registry"
)

var (
	registerType    string
	registerSession string
	registerModel   string
	registerHuman   bool
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Join the mesh as a new agent",
	Long: `Register creates a presence record for this agent. Names are generated
sequentially from the agent type (backend-1, backend-2, ...) unless --as
or WAGGLE_AGENT_NAME requests a specific one.

The record is tied to a process id (by default the parent process, which
is the agent hosting this command) and is considered stale the moment
that process exits. If no .waggle directory exists above the working
directory, one is created there.

Examples:
  # Join with a generated name
  waggle register --type backend

  # Join under a fixed name, owned by an explicit pid
  waggle register --as reviewer --pid 12345`,
	RunE: runRegister,
}

func init() {
	registerCmd.Flags().StringVar(&registerType, "type", "agent", "agent type; generated names are {type}-{n}")
	registerCmd.Flags().StringVar(&registerSession, "session", "", "host session id to record")
	registerCmd.Flags().StringVar(&registerModel, "model", "", "model identifier to record")
	registerCmd.Flags().BoolVar(&registerHuman, "human", false, "mark this agent as a human, not a process")
	rootCmd.AddCommand(registerCmd)
}

func runRegister(cmd *cobra.Command, args []string) error {
	env, err := openMesh(true)
	if err != nil {
		return err
	}
	cwd, _ := os.Getwd()
	record, err := env.store.Register(registry.RegisterOptions{
		AgentType: registerType,
		Name:      explicitName(),
		PID:       ownerPID(),
		SessionID: registerSession,
		WorkDir:   cwd,
		Model:     registerModel,
		GitBranch: git.CurrentBranch(cwd),
		IsHuman:   registerHuman,
	})
	if err != nil {
		return printer.Error("registration failed", err.Error())
	}
	appendEvent(env, feed.New(record.Name, feed.TypeJoin, "", ""))
	if err := env.feed.Prune(env.settings.Feed.Retention); err != nil {
		env.logger.Warn("feed prune skipped", map[string]string{"error": err.Error()})
	}

	printer.Success("registered as %s (pid %d)", record.Name, record.PID)
	printer.Info("export WAGGLE_AGENT=%s to act as this agent in later commands", record.Name)
	return nil
}
