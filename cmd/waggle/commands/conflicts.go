package commands

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"waggle/internal/printer"
	"waggle/internal/registry"
)

var conflictsJSON bool

var conflictsCmd = &cobra.Command{
	Use:   "conflicts <path>",
	Short: "Check whether a path is reserved by someone else",
	Long: `Conflicts reports every live reservation covering the given path,
excluding this agent's own claims when an identity is set. The command
is informational and always exits 0; the hard gate lives in the edit
hook.`,
	Args: cobra.ExactArgs(1),
	RunE: runConflicts,
}

func init() {
	conflictsCmd.Flags().BoolVar(&conflictsJSON, "json", false, "emit JSON instead of the human listing")
	rootCmd.AddCommand(conflictsCmd)
}

func runConflicts(cmd *cobra.Command, args []string) error {
	env, err := openMesh(false)
	if err != nil {
		return err
	}
	// Identity is optional here: without one, own claims count too.
	owner, _ := agentName()
	path := args[0]
	conflicts := env.store.Conflicts(path, owner)

	if conflictsJSON {
		if conflicts == nil {
			conflicts = []registry.Conflict{}
		}
		return json.NewEncoder(os.Stdout).Encode(conflicts)
	}
	if len(conflicts) == 0 {
		printer.Success("no conflicts on %s", path)
		return nil
	}
	for _, conflict := range conflicts {
		if conflict.Reason != "" {
			printer.Warning("%s reserved by %s (%s): %s", path, printer.Name(conflict.Agent), conflict.Pattern, conflict.Reason)
			continue
		}
		printer.Warning("%s reserved by %s (%s)", path, printer.Name(conflict.Agent), conflict.Pattern)
	}
	return nil
}
