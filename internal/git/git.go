// Package git reads the checked-out branch without shelling out. Worktrees
// and submodules keep a gitdir: pointer file where .git would be, so both
// shapes resolve.
package git

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CurrentBranch returns the branch checked out in workDir, a detached@<hash>
// marker for a detached HEAD, or "" when workDir is not inside a git repo.
func CurrentBranch(workDir string) string {
	gitDir := resolveGitDir(workDir)
	if gitDir == "" {
		return ""
	}
	return readBranch(filepath.Join(gitDir, "HEAD"))
}

func resolveGitDir(workDir string) string {
	gitPath := filepath.Join(workDir, ".git")
	info, err := os.Stat(gitPath)
	if err != nil {
		return ""
	}
	if info.IsDir() {
		return gitPath
	}
	if !info.Mode().IsRegular() {
		return ""
	}
	contents, err := os.ReadFile(gitPath)
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(contents))
	const prefix = "gitdir:"
	if !strings.HasPrefix(line, prefix) {
		return ""
	}
	gitDir := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if gitDir == "" {
		return ""
	}
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(workDir, gitDir)
	}
	return gitDir
}

func readBranch(headPath string) string {
	contents, err := os.ReadFile(headPath)
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(contents))
	if line == "" {
		return ""
	}
	const prefix = "ref: "
	if strings.HasPrefix(line, prefix) {
		ref := strings.TrimSpace(strings.TrimPrefix(line, prefix))
		return strings.TrimPrefix(ref, "refs/heads/")
	}
	short := line
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("detached@%s", short)
}
