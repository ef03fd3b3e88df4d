package commands

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"waggle/internal/activity"
	"waggle/internal/buffer"
	"waggle/internal/feed"
	"waggle/internal/hook"
	"waggle/internal/registry"
)

// ErrGateDenied marks a deliberate reservation-gate block. main maps it to
// exit code 2 so hosts can tell a denial from a failure.
var ErrGateDenied = errors.New("blocked by a reservation")

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Tool-boundary hooks for agent hosts",
	Long: `Hook commands are wired into an agent host's tool lifecycle. Each reads
one JSON payload on stdin describing the tool event and updates this
agent's presence record.

tool-start additionally enforces reservations: when the tool is about
to edit a file a live peer has reserved, the command prints a denial
object and exits 2 so the host can block the edit. Every other outcome
exits 0; coordination failures never take the agent down.`,
}

var hookToolStartCmd = &cobra.Command{
	Use:   "tool-start",
	Short: "Record a tool starting; deny reserved edits",
	RunE:  runHookToolStart,
}

var hookToolEndCmd = &cobra.Command{
	Use:   "tool-end",
	Short: "Record a tool finishing",
	RunE:  runHookToolEnd,
}

func init() {
	hookCmd.AddCommand(hookToolStartCmd)
	hookCmd.AddCommand(hookToolEndCmd)
	rootCmd.AddCommand(hookCmd)
}

func runHookToolStart(cmd *cobra.Command, args []string) error {
	env, record, payload, ok := hookSetup(os.Stdin)
	if !ok {
		return nil
	}
	if err := gateToolStart(env, record, payload, os.Stdout); err != nil {
		return err
	}
	recordToolStart(env, record.Name, payload)
	return nil
}

func runHookToolEnd(cmd *cobra.Command, args []string) error {
	env, record, payload, ok := hookSetup(os.Stdin)
	if !ok {
		return nil
	}
	recordToolEnd(env, record, payload)
	return nil
}

// hookSetup decodes the payload and resolves the mesh and the agent record.
// Any gap, a malformed payload, no mesh, no identity, no registration,
// means the hook has nothing to do: the host must keep working as if
// waggle were not installed.
func hookSetup(in io.Reader) (*meshEnv, registry.Registration, hook.Payload, bool) {
	payload, err := hook.Decode(in)
	if err != nil {
		return nil, registry.Registration{}, hook.Payload{}, false
	}
	agent := payload.Agent
	if agent == "" {
		agent, _ = agentName()
	}
	if agent == "" {
		return nil, registry.Registration{}, hook.Payload{}, false
	}
	layout, err := locateMesh(false)
	if err != nil {
		return nil, registry.Registration{}, hook.Payload{}, false
	}
	env, err := openMeshAt(layout)
	if err != nil {
		return nil, registry.Registration{}, hook.Payload{}, false
	}
	record, err := env.store.Get(agent)
	if err != nil {
		return nil, registry.Registration{}, hook.Payload{}, false
	}
	return env, record, payload, true
}

// gateToolStart blocks an edit-shaped tool aimed at a file a live peer has
// reserved. The denial goes to out as one JSON object for the host to relay.
func gateToolStart(env *meshEnv, record registry.Registration, payload hook.Payload, out io.Writer) error {
	if !activity.IsEditTool(payload.Tool) || payload.Input.FilePath == "" {
		return nil
	}
	path := relativePath(payload.Input.FilePath, record.WorkDir)
	conflicts := env.store.Conflicts(path, record.Name)
	if len(conflicts) == 0 {
		return nil
	}
	blocker := conflicts[0]
	denial := hook.NewDenial(path, blocker.Agent, blocker.Pattern, blocker.Reason)
	if err := json.NewEncoder(out).Encode(denial); err != nil {
		env.logger.Warn("denial write failed", map[string]string{"error": err.Error()})
	}
	return ErrGateDenied
}

func recordToolStart(env *meshEnv, agent string, payload hook.Payload) {
	now := time.Now().UTC()
	err := env.store.Update(agent, func(r *registry.Registration) {
		r.Activity.LastActivityAt = now
		r.Activity.CurrentActivity = activity.Label(payload.Tool, activityInput(payload))
		r.Stats.ToolCalls++
	})
	if err != nil {
		env.logger.Warn("activity update skipped", map[string]string{
			"agent": agent,
			"error": err.Error(),
		})
	}
}

// recordToolEnd lands a finished tool's durable effects: the activity line
// clears, edits join the modified-files ring, and commit or test commands
// become feed events. One-shot invocations carry no session state, so the
// rolling auto-status counters a resident session keeps have no equivalent
// here.
func recordToolEnd(env *meshEnv, record registry.Registration, payload hook.Payload) {
	now := time.Now().UTC()
	input := activityInput(payload)
	err := env.store.Update(record.Name, func(r *registry.Registration) {
		r.Activity.LastActivityAt = now
		r.Activity.CurrentActivity = ""
		if activity.IsEditTool(payload.Tool) && input.FilePath != "" {
			r.Activity.LastToolCall = activity.EditSummary(input.FilePath)
			ring := buffer.NewDedup(activity.ModifiedFilesLimit)
			ring.Replace(r.Stats.ModifiedFiles)
			ring.Add(relativePath(input.FilePath, r.WorkDir))
			r.Stats.ModifiedFiles = ring.List()
		}
	})
	if err != nil {
		env.logger.Warn("activity update skipped", map[string]string{
			"agent": record.Name,
			"error": err.Error(),
		})
	}

	if !activity.IsShellTool(payload.Tool) || input.Command == "" {
		return
	}
	if activity.IsCommitCommand(input.Command) {
		appendEvent(env, feed.New(record.Name, feed.TypeCommit, "", feed.Preview(activity.CommitMessage(input.Command))))
	}
	if activity.IsTestCommand(input.Command) {
		outcome := "passed"
		if payload.Failed {
			outcome = "failed"
		}
		appendEvent(env, feed.New(record.Name, feed.TypeTest, "", outcome))
	}
}

func activityInput(payload hook.Payload) activity.Input {
	return activity.Input{
		FilePath: payload.Input.FilePath,
		Command:  payload.Input.Command,
	}
}
