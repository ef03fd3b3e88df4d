package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"waggle/internal/config"
	"waggle/internal/feed"
	"waggle/internal/logging"
	"waggle/internal/paths"
	"waggle/internal/printer"
	"waggle/internal/registry"
	"waggle/internal/session"
)

var (
	version string
	commit  string
	date    string
)

// Persistent flags shared by every subcommand. Environment fallbacks let
// hook invocations work without arguments: WAGGLE_DIR mirrors --dir and
// WAGGLE_AGENT mirrors --as.
var (
	flagDir string
	flagAs  string
	flagPID int
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "waggle",
	Short: "Waggle - shared-filesystem coordination for coding agents",
	Long: `Waggle lets coding agents working in the same repository discover each
other, reserve files, and exchange messages through a shared .waggle/
directory. There is no daemon: every command reads and writes plain
files, so any process that can see the filesystem can take part.

Most commands act on behalf of an agent. Identity comes from --as or the
WAGGLE_AGENT environment variable; the mesh root comes from --dir, the
WAGGLE_DIR environment variable, or the nearest .waggle directory above
the working directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no subcommand is specified, show help
		return cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Silence Cobra's default error and usage printing; the printer package
	// already wrote a formatted message by the time an error propagates.
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", "", "mesh root directory (default: nearest .waggle; env WAGGLE_DIR)")
	rootCmd.PersistentFlags().StringVar(&flagAs, "as", "", "agent name to act as (env WAGGLE_AGENT)")
	rootCmd.PersistentFlags().IntVar(&flagPID, "pid", 0, "process id that owns the registration (default: parent process)")
}

// meshEnv bundles the handles every command needs once the mesh root is
// known.
type meshEnv struct {
	layout   paths.Layout
	settings config.Config
	logger   *logging.Logger
	store    *registry.Store
	feed     *feed.Feed
}

// locateMesh resolves the mesh root without printing. With create set, a
// missing mesh resolves to .waggle under the working directory instead of
// failing; the caller is expected to Ensure it.
func locateMesh(create bool) (paths.Layout, error) {
	explicit := flagDir
	if explicit == "" {
		explicit = os.Getenv("WAGGLE_DIR")
	}
	cwd, err := os.Getwd()
	if err != nil {
		return paths.Layout{}, err
	}
	layout, err := paths.Locate(explicit, cwd)
	if errors.Is(err, paths.ErrNotFound) && create {
		return paths.Layout{Root: filepath.Join(cwd, paths.DirName)}, nil
	}
	return layout, err
}

// openMesh resolves the mesh root and builds the shared environment. Config
// problems degrade to defaults with a warning rather than blocking the
// command.
func openMesh(create bool) (*meshEnv, error) {
	layout, err := locateMesh(create)
	if errors.Is(err, paths.ErrNotFound) {
		return nil, printer.Error(
			"no mesh here",
			"run `waggle register` to start one, or point --dir at an existing .waggle",
		)
	}
	if err != nil {
		return nil, printer.Error("cannot resolve mesh root", err.Error())
	}
	return openMeshAt(layout)
}

func openMeshAt(layout paths.Layout) (*meshEnv, error) {
	settings, configErr := config.Load(layout.ConfigPath())
	level, ok := logging.ParseLevel(settings.Logging.Level)
	if !ok {
		level = logging.LevelInfo
	}
	logger := logging.NewLogger(nil, level)
	if configErr != nil {
		logger.Warn("config partially ignored", map[string]string{"error": configErr.Error()})
	}
	return &meshEnv{
		layout:   layout,
		settings: settings,
		logger:   logger,
		store: registry.NewStore(registry.Config{
			Layout:   layout,
			Logger:   logger,
			CacheTTL: settings.Registry.CacheTTL,
		}),
		feed: feed.Open(layout.FeedPath()),
	}, nil
}

// agentName resolves the identity a command acts as. Commands that create a
// registration use explicitName instead.
func agentName() (string, error) {
	if flagAs != "" {
		return flagAs, nil
	}
	if name := os.Getenv("WAGGLE_AGENT"); name != "" {
		return name, nil
	}
	return "", printer.Error(
		"no agent identity",
		"pass --as <name> or set WAGGLE_AGENT",
	)
}

// explicitName is the requested name for a new registration, or "" to let
// the registry generate one.
func explicitName() string {
	if flagAs != "" {
		return flagAs
	}
	return os.Getenv("WAGGLE_AGENT_NAME")
}

// ownerPID is the process whose lifetime defines the registration's. CLI
// invocations are short-lived children of the real agent, so the parent pid
// is the default.
func ownerPID() int {
	if flagPID > 0 {
		return flagPID
	}
	return os.Getppid()
}

// attachSession binds to an existing registration for a one-shot command.
// No listener or flush loop is started.
func attachSession(env *meshEnv) (*session.Session, error) {
	name, err := agentName()
	if err != nil {
		return nil, err
	}
	sess := session.New(session.Config{
		Layout:   env.layout,
		Settings: env.settings,
		Logger:   env.logger,
	})
	if _, err := sess.Attach(name); err != nil {
		return nil, printer.Error(
			fmt.Sprintf("agent %q is not registered", name),
			"run `waggle register` first, or check --as / WAGGLE_AGENT",
		)
	}
	return sess, nil
}

// appendEvent writes a feed event, logging instead of failing when the feed
// is unwritable.
func appendEvent(env *meshEnv, event feed.Event) {
	if err := env.feed.Append(event); err != nil {
		env.logger.Warn("feed append failed", map[string]string{
			"type":  string(event.Type),
			"error": err.Error(),
		})
	}
}

// relativePath rewrites an absolute tool path against the agent's recorded
// working directory so it can match workdir-relative reservation patterns.
// Paths outside the workdir, and already-relative paths, pass through
// unchanged.
func relativePath(path, workDir string) string {
	if !filepath.IsAbs(path) || workDir == "" {
		return path
	}
	rel, err := filepath.Rel(workDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.ToSlash(rel)
}

// formatAgo renders an elapsed duration the way the agent list shows it:
// seconds under a minute, whole minutes under an hour, then hours.
func formatAgo(elapsed time.Duration) string {
	switch {
	case elapsed < time.Second:
		return "now"
	case elapsed < time.Minute:
		return fmt.Sprintf("%ds", int(elapsed.Seconds()))
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm", int(elapsed.Minutes()))
	default:
		hours := int(elapsed.Hours())
		minutes := int(elapsed.Minutes()) - hours*60
		if minutes == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
}
