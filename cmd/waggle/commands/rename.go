package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"waggle/internal/printer"
	"waggle/internal/registry"
)

var renameCmd = &cobra.Command{
	Use:   "rename <new-name>",
	Short: "Take a new name",
	Long: `Rename moves this agent's record, inbox, and pending messages to a new
name. Names held by a live agent are refused; a dead agent's leftover
record is swept and its name freed.`,
	Args: cobra.ExactArgs(1),
	RunE: runRename,
}

func init() {
	rootCmd.AddCommand(renameCmd)
}

func runRename(cmd *cobra.Command, args []string) error {
	env, err := openMesh(false)
	if err != nil {
		return err
	}
	sess, err := attachSession(env)
	if err != nil {
		return err
	}
	newName := args[0]
	record, err := sess.Rename(newName)
	switch {
	case errors.Is(err, registry.ErrNameTaken):
		return printer.Error(
			fmt.Sprintf("the name %q is taken", newName),
			"run `waggle agents` to see who holds it",
		)
	case errors.Is(err, registry.ErrInvalidName):
		return printer.Error(
			fmt.Sprintf("invalid name %q", newName),
			"names are letters, digits, underscores, and hyphens, up to 50 characters",
		)
	case errors.Is(err, registry.ErrSameName):
		printer.Info("already named %s", newName)
		return nil
	case err != nil:
		return printer.Error("rename failed", err.Error())
	}
	printer.Success("renamed to %s", record.Name)
	printer.Info("export WAGGLE_AGENT=%s so later commands use the new name", record.Name)
	return nil
}
