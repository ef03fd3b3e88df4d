// Package registry owns the durable per-agent records under
// registry/<name>.json. Records are only trusted while their process is
// alive; everything else in the mesh treats a dead record as garbage to be
// swept on next read.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"waggle/internal/reservation"
)

var (
	ErrInvalidName = errors.New("invalid agent name")
	ErrSameName    = errors.New("new name matches current name")
	ErrNameTaken   = errors.New("agent name already taken")
	ErrWriteFailed = errors.New("registry write failed")
	ErrRaceLost    = errors.New("lost registration race")
	ErrNotFound    = errors.New("agent not found")
	ErrNoFreeName  = errors.New("no free agent name")
)

// Stats are the owning agent's session counters.
type Stats struct {
	ToolCalls     int      `json:"toolCalls"`
	Tokens        int      `json:"tokens"`
	ModifiedFiles []string `json:"modifiedFiles,omitempty"`
}

// Activity is what the agent was last seen doing.
type Activity struct {
	LastActivityAt  time.Time `json:"lastActivityAt"`
	CurrentActivity string    `json:"currentActivity,omitempty"`
	LastToolCall    string    `json:"lastToolCall,omitempty"`
}

// Registration is one agent's durable presence record. The named agent's
// process is the record's only writer; peers read it and may delete it once
// the process is gone.
type Registration struct {
	Name          string                    `json:"name"`
	AgentType     string                    `json:"agentType"`
	PID           int                       `json:"pid"`
	SessionID     string                    `json:"sessionId,omitempty"`
	WorkDir       string                    `json:"workDir,omitempty"`
	Model         string                    `json:"model,omitempty"`
	StartedAt     time.Time                 `json:"startedAt"`
	GitBranch     string                    `json:"gitBranch,omitempty"`
	IsHuman       bool                      `json:"isHuman,omitempty"`
	Stats         Stats                     `json:"stats"`
	Activity      Activity                  `json:"activity"`
	StatusMessage string                    `json:"statusMessage,omitempty"`
	Reservations  []reservation.Reservation `json:"reservations,omitempty"`
}

const maxNameLength = 50

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*$`)

// ValidateName checks a proposed agent name or agent type. The same rule
// covers both since types embed into generated names.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidName, name, maxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q may only contain letters, digits, underscores and hyphens", ErrInvalidName, name)
	}
	return nil
}
