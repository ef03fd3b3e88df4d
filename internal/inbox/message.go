// Package inbox moves messages between agents through per-agent inbox
// directories. A message is one file, written once by the sender, consumed
// at most once by the recipient's listener, then deleted. Filenames sort in
// arrival order, so a plain directory listing is the delivery queue.
package inbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"waggle/internal/fsutil"
	"waggle/internal/logging"
	"waggle/internal/paths"
)

type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Urgent    bool      `json:"urgent,omitempty"`
	ReplyTo   string    `json:"replyTo,omitempty"`
}

// Disposition tells the host what to do with a delivered message: break in
// now, or mention it at the next natural pause. This is the mesh's entire
// scheduling contract; hosts decide everything else.
type Disposition string

const (
	DispositionInterrupt Disposition = "interrupt"
	DispositionDeferred  Disposition = "deferred"
)

func (m Message) Disposition() Disposition {
	if m.Urgent {
		return DispositionInterrupt
	}
	return DispositionDeferred
}

func NewMessage(from, to, text string, urgent bool, replyTo string) Message {
	return Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Text:      text,
		Timestamp: time.Now().UTC(),
		Urgent:    urgent,
		ReplyTo:   replyTo,
	}
}

// fileName builds the sortable on-disk name: zero-padded millisecond
// timestamp so lexicographic order is arrival order, plus a fragment of the
// message id to keep same-millisecond sends distinct.
func fileName(message Message) string {
	suffix := strings.ReplaceAll(message.ID, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%013d-%s.json", message.Timestamp.UnixMilli(), suffix)
}

// Send writes message into the recipient's inbox. The recipient need not be
// registered; callers wanting a liveness guarantee validate first.
func Send(layout paths.Layout, message Message) error {
	dir := layout.InboxDir(message.To)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(message, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, fileName(message)), append(payload, '\n'))
}

type Sent struct {
	To string `json:"to"`
	ID string `json:"id"`
}

// Broadcast fans text out to peers as independent point-to-point messages.
// A peer vanishing mid-fanout is skipped, not rolled back; zero peers is a
// successful broadcast to nobody.
func Broadcast(layout paths.Layout, from, text string, urgent bool, peers []string, logger *logging.Logger) []Sent {
	sent := make([]Sent, 0, len(peers))
	for _, peer := range peers {
		message := NewMessage(from, peer, text, urgent, "")
		if err := Send(layout, message); err != nil {
			logger.Warn("broadcast delivery skipped", map[string]string{
				"to":    peer,
				"error": err.Error(),
			})
			continue
		}
		sent = append(sent, Sent{To: peer, ID: message.ID})
	}
	return sent
}
