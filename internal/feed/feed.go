// Package feed is the mesh's shared activity trail: one JSON event per line,
// append-only, written by every agent and owned by none. Readers must
// tolerate lines another process is mid-way through writing.
package feed

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"waggle/internal/fsutil"
)

type Type string

const (
	TypeJoin    Type = "join"
	TypeLeave   Type = "leave"
	TypeReserve Type = "reserve"
	TypeRelease Type = "release"
	TypeMessage Type = "message"
	TypeCommit  Type = "commit"
	TypeTest    Type = "test"
	TypeEdit    Type = "edit"
	TypeStuck   Type = "stuck"
)

type Event struct {
	Time    time.Time `json:"time"`
	Agent   string    `json:"agent"`
	Type    Type      `json:"type"`
	Target  string    `json:"target,omitempty"`
	Preview string    `json:"preview,omitempty"`
}

func New(agent string, kind Type, target, preview string) Event {
	return Event{
		Time:    time.Now().UTC(),
		Agent:   agent,
		Type:    kind,
		Target:  target,
		Preview: preview,
	}
}

const previewLimit = 80

// Preview condenses free text into a single bounded line suitable for the
// feed: whitespace collapsed, truncated to 80 runes.
func Preview(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	runes := []rune(collapsed)
	if len(runes) <= previewLimit {
		return collapsed
	}
	return string(runes[:previewLimit-1]) + "…"
}

type Feed struct {
	path string
}

func Open(path string) *Feed {
	return &Feed{path: path}
}

// Append writes one event as a single line. The write is one syscall on an
// O_APPEND handle so concurrent appenders interleave whole lines, not bytes.
func (f *Feed) Append(event Event) error {
	if f == nil {
		return nil
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(append(line, '\n'))
	return err
}

// ReadLast returns up to n events, oldest first. Lines that do not parse,
// including ones a concurrent writer has not finished, are skipped.
func (f *Feed) ReadLast(n int) ([]Event, error) {
	if f == nil || n <= 0 {
		return nil, nil
	}
	events, _, err := f.scan()
	if err != nil {
		return nil, err
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// Prune rewrites the feed keeping only the newest keep events. Malformed
// lines are dropped in the process. Concurrent appends between read and
// rewrite can be lost; the feed is a trail, not a ledger, and callers prune
// rarely.
func (f *Feed) Prune(keep int) error {
	if f == nil || keep <= 0 {
		return nil
	}
	events, total, err := f.scan()
	if err != nil {
		return err
	}
	if total <= keep && len(events) == total {
		return nil
	}
	if len(events) > keep {
		events = events[len(events)-keep:]
	}
	var builder strings.Builder
	for _, event := range events {
		line, err := json.Marshal(event)
		if err != nil {
			continue
		}
		builder.Write(line)
		builder.WriteByte('\n')
	}
	return fsutil.WriteFileAtomic(f.path, []byte(builder.String()))
}

// scan returns the parseable events in order plus the total non-empty line
// count.
func (f *Feed) scan() ([]Event, int, error) {
	payload, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	var events []Event
	total := 0
	for _, line := range strings.Split(string(payload), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		total++
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, total, nil
}

// Format renders one event as a human line, without the timestamp; callers
// that want times prepend them.
func Format(event Event) string {
	switch event.Type {
	case TypeJoin:
		return fmt.Sprintf("%s joined the mesh", event.Agent)
	case TypeLeave:
		return fmt.Sprintf("%s left the mesh", event.Agent)
	case TypeReserve:
		if event.Preview != "" {
			return fmt.Sprintf("%s reserved %s (%s)", event.Agent, event.Target, event.Preview)
		}
		return fmt.Sprintf("%s reserved %s", event.Agent, event.Target)
	case TypeRelease:
		return fmt.Sprintf("%s released %s", event.Agent, event.Target)
	case TypeMessage:
		return fmt.Sprintf("%s → %s: %s", event.Agent, event.Target, event.Preview)
	case TypeCommit:
		if event.Preview != "" {
			return fmt.Sprintf("%s committed: %s", event.Agent, event.Preview)
		}
		return fmt.Sprintf("%s committed", event.Agent)
	case TypeTest:
		if event.Preview == "failed" {
			return fmt.Sprintf("%s ran tests: failed", event.Agent)
		}
		return fmt.Sprintf("%s ran tests: passed", event.Agent)
	case TypeEdit:
		return fmt.Sprintf("%s edited %s", event.Agent, event.Target)
	case TypeStuck:
		return fmt.Sprintf("%s may be stuck (idle %s)", event.Agent, event.Preview)
	default:
		return fmt.Sprintf("%s %s", event.Agent, event.Type)
	}
}
