package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"waggle/internal/printer"
	"waggle/internal/registry"
)

var (
	agentsAll  bool
	agentsJSON bool
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents in the mesh",
	Long: `Agents lists everyone currently registered, with a presence status
derived from each record: active, idle, away, or stuck (idle past the
stuck threshold while still holding reservations).

By default only live agents are shown; --all includes records whose
owning process has not been confirmed alive.`,
	RunE: runAgents,
}

func init() {
	agentsCmd.Flags().BoolVar(&agentsAll, "all", false, "include records without a live process check")
	agentsCmd.Flags().BoolVar(&agentsJSON, "json", false, "emit JSON instead of the human listing")
	rootCmd.AddCommand(agentsCmd)
}

// agentView is the JSON shape: the raw record plus the derived status.
type agentView struct {
	registry.Registration
	Status  registry.Status `json:"status"`
	IdleFor string          `json:"idleFor,omitempty"`
}

func runAgents(cmd *cobra.Command, args []string) error {
	env, err := openMesh(false)
	if err != nil {
		return err
	}
	records := env.store.Active()
	if agentsAll {
		records = env.store.All()
	}
	self, _ := agentName()
	now := time.Now().UTC()

	if agentsJSON {
		views := make([]agentView, 0, len(records))
		for _, record := range records {
			status, idle := presence(record, now, env)
			views = append(views, agentView{Registration: record, Status: status, IdleFor: formatAgo(idle)})
		}
		return json.NewEncoder(os.Stdout).Encode(views)
	}

	if len(records) == 0 {
		printer.Info("no agents registered")
		return nil
	}
	for _, record := range records {
		status, idle := presence(record, now, env)
		printer.Println(agentLine(record, status, idle, self))
	}
	return nil
}

func presence(record registry.Registration, now time.Time, env *meshEnv) (registry.Status, time.Duration) {
	return registry.ComputeStatus(
		record.Activity.LastActivityAt,
		now,
		len(record.Reservations) > 0,
		env.settings.Status.StuckThreshold,
	)
}

// agentLine renders one agent: name, status, what it is doing, what it
// holds, and how long since it was last seen doing anything.
func agentLine(record registry.Registration, status registry.Status, idle time.Duration, self string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s", printer.Name(record.Name), statusWord(status))
	if detail := agentDetail(record); detail != "" {
		b.WriteString("  " + detail)
	}
	if len(record.Reservations) > 0 {
		patterns := make([]string, len(record.Reservations))
		for i, claim := range record.Reservations {
			patterns[i] = claim.Pattern
		}
		fmt.Fprintf(&b, "  [%s]", strings.Join(patterns, " "))
	}
	b.WriteString("  " + printer.Dim(formatAgo(idle)))
	if record.Name == self {
		b.WriteString(" " + printer.Dim("(you)"))
	}
	return b.String()
}

func statusWord(status registry.Status) string {
	if status == registry.StatusStuck {
		return printer.Urgent(string(status))
	}
	return string(status)
}

func agentDetail(record registry.Registration) string {
	if record.StatusMessage != "" {
		return record.StatusMessage
	}
	return record.Activity.CurrentActivity
}
