// Package activity turns raw tool notifications from the host into the
// agent's visible presence: a current-activity label, rolling burst
// counters, durable feed events, and a derived auto status.
package activity

import (
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"waggle/internal/buffer"
	"waggle/internal/feed"
	"waggle/internal/logging"
)

const (
	defaultEditDebounce = 5 * time.Second
	defaultWindow       = time.Minute

	justArrivedWindow = 30 * time.Second
	debuggingTestRuns = 3
	onFireEdits       = 8
)

// ModifiedFilesLimit bounds the per-session ring of touched files kept in
// the registration record.
const ModifiedFilesLimit = 20

// Input carries the tool arguments the tracker inspects. Anything else the
// host sends alongside is ignored.
type Input struct {
	FilePath string
	Command  string
}

type Config struct {
	Agent        string
	Feed         *feed.Feed
	Logger       *logging.Logger
	StartedAt    time.Time
	EditDebounce time.Duration
	Window       time.Duration
	Now          func() time.Time
}

// Tracker is owned by one session. Its methods are safe to call from the
// session's lock, its timers, and its watch callbacks concurrently.
type Tracker struct {
	agent  string
	feed   *feed.Feed
	logger *logging.Logger

	editDebounce time.Duration
	window       time.Duration
	now          func() time.Time

	mu              sync.Mutex
	startedAt       time.Time
	lastActivity    time.Time
	toolCalls       int
	currentActivity string
	lastToolCall    string
	modified        *buffer.Dedup
	recentEdits     int
	recentTests     int
	recentCommit    bool
	editTimers      map[string]*time.Timer
	editsReset      *time.Timer
	testsReset      *time.Timer
	commitReset     *time.Timer
	shutdown        bool
}

// Snapshot is the slice of tracker state a flush persists into the agent's
// registry record.
type Snapshot struct {
	LastActivityAt  time.Time
	CurrentActivity string
	LastToolCall    string
	ToolCalls       int
	ModifiedFiles   []string
}

func NewTracker(config Config) *Tracker {
	tracker := &Tracker{
		agent:        config.Agent,
		feed:         config.Feed,
		logger:       config.Logger,
		editDebounce: config.EditDebounce,
		window:       config.Window,
		now:          config.Now,
		startedAt:    config.StartedAt,
		modified:     buffer.NewDedup(ModifiedFilesLimit),
		editTimers:   make(map[string]*time.Timer),
	}
	if tracker.editDebounce <= 0 {
		tracker.editDebounce = defaultEditDebounce
	}
	if tracker.window <= 0 {
		tracker.window = defaultWindow
	}
	if tracker.now == nil {
		tracker.now = time.Now
	}
	if tracker.startedAt.IsZero() {
		tracker.startedAt = tracker.now()
	}
	return tracker
}

// ToolStarted records a tool that is about to run. Edits also bump the
// rolling edit counter and schedule a debounced feed event for the path, so
// rapid-fire edits of one file surface as one entry.
func (tracker *Tracker) ToolStarted(tool string, input Input) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if tracker.shutdown {
		return
	}
	tracker.lastActivity = tracker.now()
	tracker.toolCalls++
	tracker.currentActivity = Label(tool, input)
	if IsEditTool(tool) && input.FilePath != "" {
		tracker.recentEdits++
		tracker.rearm(&tracker.editsReset, func() { tracker.recentEdits = 0 })
		tracker.scheduleEditEvent(input.FilePath)
	}
}

// ToolFinished records a completed tool: the activity label clears and the
// durable effects land (modified-files ring, commit and test feed events,
// rolling flags).
func (tracker *Tracker) ToolFinished(tool string, input Input, failed bool) {
	tracker.mu.Lock()
	if tracker.shutdown {
		tracker.mu.Unlock()
		return
	}
	tracker.currentActivity = ""
	var events []feed.Event
	switch {
	case IsEditTool(tool) && input.FilePath != "":
		tracker.modified.Add(input.FilePath)
		tracker.lastToolCall = EditSummary(input.FilePath)
	case IsShellTool(tool) && input.Command != "":
		if IsCommitCommand(input.Command) {
			tracker.recentCommit = true
			tracker.rearm(&tracker.commitReset, func() { tracker.recentCommit = false })
			events = append(events, feed.New(tracker.agent, feed.TypeCommit, "", feed.Preview(CommitMessage(input.Command))))
		}
		if IsTestCommand(input.Command) {
			tracker.recentTests++
			tracker.rearm(&tracker.testsReset, func() { tracker.recentTests = 0 })
			outcome := "passed"
			if failed {
				outcome = "failed"
			}
			events = append(events, feed.New(tracker.agent, feed.TypeTest, "", outcome))
		}
	}
	tracker.mu.Unlock()
	for _, event := range events {
		tracker.append(event)
	}
}

// AutoStatus derives the presence string shown to peers when the agent has
// not set one explicitly. Hotter signals win: a fresh session, then a recent
// commit, then test and edit bursts, then whatever the current tool says.
func (tracker *Tracker) AutoStatus(now time.Time) string {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	switch {
	case now.Sub(tracker.startedAt) < justArrivedWindow:
		return "just arrived"
	case tracker.recentCommit:
		return "just shipped"
	case tracker.recentTests >= debuggingTestRuns:
		return "debugging..."
	case tracker.recentEdits >= onFireEdits:
		return "on fire"
	case strings.HasPrefix(tracker.currentActivity, "reading"):
		return "exploring the codebase"
	case strings.HasPrefix(tracker.currentActivity, "editing"):
		return "deep in thought"
	default:
		return ""
	}
}

func (tracker *Tracker) Snapshot() Snapshot {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	return Snapshot{
		LastActivityAt:  tracker.lastActivity,
		CurrentActivity: tracker.currentActivity,
		LastToolCall:    tracker.lastToolCall,
		ToolCalls:       tracker.toolCalls,
		ModifiedFiles:   tracker.modified.List(),
	}
}

// SetAgent changes the name future feed events are attributed to. Counters
// and pending debounces survive a rename.
func (tracker *Tracker) SetAgent(agent string) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	tracker.agent = agent
}

// Shutdown cancels every outstanding timer. Idempotent; the tracker accepts
// no further notifications afterwards.
func (tracker *Tracker) Shutdown() {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if tracker.shutdown {
		return
	}
	tracker.shutdown = true
	for path, timer := range tracker.editTimers {
		timer.Stop()
		delete(tracker.editTimers, path)
	}
	for _, timer := range []*time.Timer{tracker.editsReset, tracker.testsReset, tracker.commitReset} {
		if timer != nil {
			timer.Stop()
		}
	}
}

// rearm restarts one rolling-window reset timer. The window is measured from
// the most recent contributing event, not from a fixed boundary. Caller holds
// the lock; reset runs under it too.
func (tracker *Tracker) rearm(timer **time.Timer, reset func()) {
	if *timer != nil {
		(*timer).Stop()
	}
	*timer = time.AfterFunc(tracker.window, func() {
		tracker.mu.Lock()
		defer tracker.mu.Unlock()
		if tracker.shutdown {
			return
		}
		reset()
	})
}

// scheduleEditEvent debounces the feed entry for one path. Editing the same
// path again before the timer fires pushes the entry out instead of adding
// another. Caller holds the lock.
func (tracker *Tracker) scheduleEditEvent(path string) {
	if pending, ok := tracker.editTimers[path]; ok {
		pending.Reset(tracker.editDebounce)
		return
	}
	tracker.editTimers[path] = time.AfterFunc(tracker.editDebounce, func() {
		tracker.flushEdit(path)
	})
}

func (tracker *Tracker) flushEdit(path string) {
	tracker.mu.Lock()
	if tracker.shutdown {
		tracker.mu.Unlock()
		return
	}
	delete(tracker.editTimers, path)
	event := feed.New(tracker.agent, feed.TypeEdit, path, "")
	tracker.mu.Unlock()
	tracker.append(event)
}

func (tracker *Tracker) append(event feed.Event) {
	if err := tracker.feed.Append(event); err != nil {
		tracker.logger.Warn("feed append failed", map[string]string{
			"agent": event.Agent,
			"type":  string(event.Type),
			"error": err.Error(),
		})
	}
}

var (
	editTools  = map[string]bool{"Edit": true, "Write": true, "MultiEdit": true, "NotebookEdit": true}
	shellTools = map[string]bool{"Bash": true, "Shell": true}

	commitPattern        = regexp.MustCompile(`\bgit\b.*\bcommit\b`)
	commitMessagePattern = regexp.MustCompile(`-m\s*(?:"([^"]*)"|'([^']*)')`)
	testPattern          = regexp.MustCompile(`\bgo test\b|\b(?:npm|yarn|pnpm|bun)(?: run)? test\b|\bpytest\b|\bjest\b|\bvitest\b|\bcargo test\b|\bmake test\b`)
)

// IsEditTool reports whether the tool mutates a file in place.
func IsEditTool(tool string) bool { return editTools[tool] }

func IsShellTool(tool string) bool { return shellTools[tool] }

// IsCommitCommand reports whether a shell command line looks like a git
// commit.
func IsCommitCommand(command string) bool { return commitPattern.MatchString(command) }

// IsTestCommand reports whether a shell command line looks like a test run.
func IsTestCommand(command string) bool { return testPattern.MatchString(command) }

// Label renders the human activity line for a tool invocation: what the
// agent appears to be doing while this tool runs.
func Label(tool string, input Input) string {
	switch {
	case IsEditTool(tool) && input.FilePath != "":
		return "editing " + shortPath(input.FilePath)
	case tool == "Read" && input.FilePath != "":
		return "reading " + shortPath(input.FilePath)
	case IsShellTool(tool) && IsCommitCommand(input.Command):
		return "committing"
	case IsShellTool(tool) && IsTestCommand(input.Command):
		return "running tests"
	default:
		return strings.ToLower(tool)
	}
}

// EditSummary renders the last-tool line recorded after a completed edit.
func EditSummary(path string) string { return "edited " + shortPath(path) }

// CommitMessage pulls the first -m argument out of a git command line.
// Returns "" when the message is unquoted or absent.
func CommitMessage(command string) string {
	match := commitMessagePattern.FindStringSubmatch(command)
	if match == nil {
		return ""
	}
	if match[1] != "" {
		return match[1]
	}
	return match[2]
}

// shortPath keeps the last two segments, enough to recognize a file without
// the repository prefix.
func shortPath(path string) string {
	cleaned := strings.TrimSuffix(filepath.ToSlash(path), "/")
	segments := strings.Split(cleaned, "/")
	if len(segments) > 2 {
		segments = segments[len(segments)-2:]
	}
	return strings.Join(segments, "/")
}
