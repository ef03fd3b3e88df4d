// Package hook decodes the notifications a coding-agent host pipes into
// waggle's hook commands at tool boundaries.
package hook

import (
	"encoding/json"
	"fmt"
	"io"
)

const (
	EventToolStart = "tool_start"
	EventToolEnd   = "tool_end"
)

// Input is the slice of tool arguments the mesh cares about.
type Input struct {
	FilePath string `json:"file_path"`
	Command  string `json:"command"`
}

// Payload is one host notification. Unknown fields are ignored so host
// payload growth never breaks the tool gate.
type Payload struct {
	Event  string `json:"event"`
	Agent  string `json:"agent"`
	Tool   string `json:"tool"`
	Input  Input  `json:"input"`
	Failed bool   `json:"failed"`
}

// Decode reads one JSON payload from the host.
func Decode(r io.Reader) (Payload, error) {
	var payload Payload
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return Payload{}, fmt.Errorf("decode hook payload: %w", err)
	}
	return payload, nil
}

// Denial is the structured refusal printed on stdout when the reservation
// gate blocks an edit. The non-zero exit carries the decision; this carries
// the why.
type Denial struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
	Agent    string `json:"agent"`
	Pattern  string `json:"pattern"`
}

// NewDenial builds the refusal for a path blocked by a peer's reservation.
func NewDenial(path, agent, pattern, reason string) Denial {
	text := fmt.Sprintf("%s is reserved by %s (%s)", path, agent, pattern)
	if reason != "" {
		text += ": " + reason
	}
	return Denial{
		Decision: "block",
		Reason:   text,
		Agent:    agent,
		Pattern:  pattern,
	}
}
