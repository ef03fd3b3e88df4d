package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"waggle/internal/printer"
	"waggle/internal/session"
)

var reserveReason string

var reserveCmd = &cobra.Command{
	Use:   "reserve <pattern>",
	Short: "Claim files so peers keep their hands off",
	Long: `Reserve records an advisory claim on one file or on a directory
(trailing slash) and everything under it. Peers see the claim in
conflict checks and their edit hooks refuse to touch matching files
while the claim stands.

Reservations are intent, not locks: two agents can hold overlapping
claims, and conflict checks surface the overlap.

Examples:
  waggle reserve src/auth/ --reason "migrating session handling"
  waggle reserve migrations/0042_users.sql`,
	Args: cobra.ExactArgs(1),
	RunE: runReserve,
}

func init() {
	reserveCmd.Flags().StringVar(&reserveReason, "reason", "", "why the files are claimed (shown to peers)")
	rootCmd.AddCommand(reserveCmd)
}

func runReserve(cmd *cobra.Command, args []string) error {
	env, err := openMesh(false)
	if err != nil {
		return err
	}
	sess, err := attachSession(env)
	if err != nil {
		return err
	}
	pattern := args[0]
	validation, err := sess.Reserve(pattern, reserveReason)
	if errors.Is(err, session.ErrInvalidPattern) {
		return printer.Error(
			fmt.Sprintf("invalid pattern %q", pattern),
			"use a relative file path, or a directory with a trailing slash",
		)
	}
	if err != nil {
		return printer.Error("reserve failed", err.Error())
	}
	if validation.Warning != "" {
		printer.Warning("%s", validation.Warning)
	}
	printer.Success("reserved %s", pattern)
	return nil
}
