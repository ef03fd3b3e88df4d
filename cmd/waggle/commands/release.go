package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"waggle/internal/printer"
	"waggle/internal/session"
)

var releaseCmd = &cobra.Command{
	Use:   "release <pattern>",
	Short: "Drop one reservation",
	Long: `Release drops a single claim. The pattern must match exactly what was
reserved.`,
	Args: cobra.ExactArgs(1),
	RunE: runRelease,
}

var releaseAllCmd = &cobra.Command{
	Use:   "release-all",
	Short: "Drop every reservation this agent holds",
	RunE:  runReleaseAll,
}

func init() {
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(releaseAllCmd)
}

func runRelease(cmd *cobra.Command, args []string) error {
	env, err := openMesh(false)
	if err != nil {
		return err
	}
	sess, err := attachSession(env)
	if err != nil {
		return err
	}
	pattern := args[0]
	if err := sess.Release(pattern); err != nil {
		if errors.Is(err, session.ErrNotReserved) {
			return printer.Error(
				fmt.Sprintf("%q is not reserved", pattern),
				"run `waggle status show` to see what you hold",
			)
		}
		return printer.Error("release failed", err.Error())
	}
	printer.Success("released %s", pattern)
	return nil
}

func runReleaseAll(cmd *cobra.Command, args []string) error {
	env, err := openMesh(false)
	if err != nil {
		return err
	}
	sess, err := attachSession(env)
	if err != nil {
		return err
	}
	released := sess.ReleaseAll()
	if released == 0 {
		printer.Info("nothing was reserved")
		return nil
	}
	printer.Success("released %d reservation(s)", released)
	return nil
}
