// Package paths locates the mesh root and maps out its directory layout.
// Every other package takes a Layout instead of building paths by hand.
package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// DirName is the mesh root directory created inside a workspace.
const DirName = ".waggle"

var ErrNotFound = errors.New("no " + DirName + " directory found")

// Layout maps the fixed structure inside one mesh root.
type Layout struct {
	Root string
}

// Find walks up from startDir looking for an existing mesh root.
func Find(startDir string) (string, bool) {
	dir := strings.TrimSpace(startDir)
	if dir == "" {
		return "", false
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	for {
		candidate := filepath.Join(abs, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, true
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", false
		}
		abs = parent
	}
}

// Locate returns the layout rooted at explicit when non-empty, otherwise
// the nearest mesh root above startDir.
func Locate(explicit, startDir string) (Layout, error) {
	if trimmed := strings.TrimSpace(explicit); trimmed != "" {
		return Layout{Root: trimmed}, nil
	}
	root, ok := Find(startDir)
	if !ok {
		return Layout{}, ErrNotFound
	}
	return Layout{Root: root}, nil
}

func (l Layout) RegistryDir() string {
	return filepath.Join(l.Root, "registry")
}

func (l Layout) RegistrationPath(agent string) string {
	return filepath.Join(l.RegistryDir(), agent+".json")
}

func (l Layout) InboxRoot() string {
	return filepath.Join(l.Root, "inbox")
}

func (l Layout) InboxDir(agent string) string {
	return filepath.Join(l.InboxRoot(), agent)
}

func (l Layout) FeedPath() string {
	return filepath.Join(l.Root, "feed.jsonl")
}

func (l Layout) ConfigPath() string {
	return filepath.Join(l.Root, "config.yaml")
}

// Ensure creates the root and its fixed subdirectories.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Root, l.RegistryDir(), l.InboxRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
