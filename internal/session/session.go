// Package session ties one running agent to the mesh. A Session owns the
// agent's registry record, its reservation mirror, per-peer chat history,
// the inbox delivery loop, the activity tracker, and the flush timer that
// persists all of it. One mutex serializes every entry point; timers and
// watch callbacks re-enter through the same lock, so the rest of the mesh
// always observes the session's state at an operation boundary.
package session

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"waggle/internal/activity"
	"waggle/internal/buffer"
	"waggle/internal/config"
	"waggle/internal/feed"
	"waggle/internal/inbox"
	"waggle/internal/liveness"
	"waggle/internal/logging"
	"waggle/internal/paths"
	"waggle/internal/registry"
	"waggle/internal/reservation"
)

var (
	ErrAlreadyJoined  = errors.New("session already joined")
	ErrNotJoined      = errors.New("session not joined")
	ErrInvalidPattern = errors.New("invalid reservation pattern")
	ErrNotReserved    = errors.New("pattern not reserved")
)

const (
	chatHistoryLimit      = 50
	broadcastHistoryLimit = 50
)

type Config struct {
	Layout   paths.Layout
	Settings config.Config
	Logger   *logging.Logger
	// OnMessage is invoked for every delivered message, after it has been
	// recorded in chat history.
	OnMessage func(inbox.Message)
	// Probe and Now are overridable for tests.
	Probe liveness.Probe
	Now   func() time.Time
}

type Session struct {
	layout   paths.Layout
	settings config.Config
	logger   *logging.Logger
	store    *registry.Store
	feed     *feed.Feed
	now      func() time.Time

	onMessage func(inbox.Message)

	mu            sync.Mutex
	registered    bool
	self          registry.Registration
	customStatus  bool
	tracker       *activity.Tracker
	listener      *inbox.Listener
	chats         map[string]*buffer.Ring[inbox.Message]
	unread        map[string]int
	broadcasts    *buffer.Ring[inbox.Message]
	flushTimer    *time.Timer
	stuckReported bool
	lastFlush     activity.Snapshot
	lastStatusMsg string
}

func New(cfg Config) *Session {
	settings := cfg.Settings
	if settings == (config.Config{}) {
		settings = config.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger(nil, logging.LevelInfo)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		layout:   cfg.Layout,
		settings: settings,
		logger:   logger,
		now:      now,
		store: registry.NewStore(registry.Config{
			Layout:   cfg.Layout,
			Probe:    cfg.Probe,
			Logger:   logger,
			CacheTTL: settings.Registry.CacheTTL,
			Now:      now,
		}),
		feed:      feed.Open(cfg.Layout.FeedPath()),
		onMessage: cfg.OnMessage,
	}
}

// Join registers the agent and brings the session online: join event, feed
// prune, inbox delivery loop, flush timer. Registration errors surface;
// everything after registration is best-effort, because a mesh that cannot
// keep a feed or a watch must still never take the agent down.
func (s *Session) Join(opts registry.RegisterOptions) (registry.Registration, error) {
	s.mu.Lock()
	if s.registered {
		s.mu.Unlock()
		return registry.Registration{}, ErrAlreadyJoined
	}
	record, err := s.store.Register(opts)
	if err != nil {
		s.mu.Unlock()
		return registry.Registration{}, err
	}
	s.registered = true
	s.self = record
	s.customStatus = false
	s.stuckReported = false
	s.chats = make(map[string]*buffer.Ring[inbox.Message])
	s.unread = make(map[string]int)
	s.broadcasts = buffer.NewRing[inbox.Message](broadcastHistoryLimit)
	s.tracker = activity.NewTracker(activity.Config{
		Agent:        record.Name,
		Feed:         s.feed,
		Logger:       s.logger,
		StartedAt:    record.StartedAt,
		EditDebounce: s.settings.Activity.EditDebounce,
		Window:       s.settings.Activity.Window,
		Now:          s.now,
	})
	listener := inbox.NewListener(inbox.ListenerConfig{
		Layout:   s.layout,
		Agent:    record.Name,
		Debounce: s.settings.Messaging.Debounce,
		Deliver:  s.deliver,
		Logger:   s.logger,
	})
	s.listener = listener
	s.flushTimer = time.AfterFunc(s.flushInterval(), s.flushTick)
	s.mu.Unlock()

	s.appendFeed(feed.New(record.Name, feed.TypeJoin, "", ""))
	if err := s.feed.Prune(s.settings.Feed.Retention); err != nil {
		s.logger.Warn("feed prune failed", map[string]string{"error": err.Error()})
	}
	if err := listener.Start(); err != nil {
		s.logger.Warn("inbox delivery unavailable", map[string]string{
			"agent": record.Name,
			"error": err.Error(),
		})
	}
	return record, nil
}

// Attach binds the session to an existing registration without
// re-registering: no delivery loop, no tracker, no flush timer. One-shot
// invocations acting for an already-registered agent use this; Leave on an
// attached session is how unregister works.
func (s *Session) Attach(name string) (registry.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registered {
		return registry.Registration{}, ErrAlreadyJoined
	}
	record, err := s.store.Get(name)
	if err != nil {
		return registry.Registration{}, err
	}
	s.registered = true
	s.self = record
	s.customStatus = record.StatusMessage != ""
	s.chats = make(map[string]*buffer.Ring[inbox.Message])
	s.unread = make(map[string]int)
	s.broadcasts = buffer.NewRing[inbox.Message](broadcastHistoryLimit)
	return record, nil
}

// Leave takes the agent offline in the order peers should observe it:
// timers stop, the watch closes, reservations release, the leave event
// lands, and only then does the record disappear.
func (s *Session) Leave() {
	s.mu.Lock()
	if !s.registered {
		s.mu.Unlock()
		return
	}
	name := s.self.Name
	patterns := make([]string, 0, len(s.self.Reservations))
	for _, claim := range s.self.Reservations {
		patterns = append(patterns, claim.Pattern)
	}
	tracker := s.tracker
	listener := s.listener
	flushTimer := s.flushTimer
	s.registered = false
	s.tracker = nil
	s.listener = nil
	s.flushTimer = nil
	s.mu.Unlock()

	if flushTimer != nil {
		flushTimer.Stop()
	}
	if tracker != nil {
		tracker.Shutdown()
	}
	if listener != nil {
		listener.Close()
	}
	// The inbox dir goes too: anything still in it is undeliverable, and a
	// future agent reusing the name must not inherit it.
	if err := os.RemoveAll(s.layout.InboxDir(name)); err != nil {
		s.logger.Warn("inbox cleanup failed", map[string]string{
			"agent": name,
			"error": err.Error(),
		})
	}
	for _, pattern := range patterns {
		s.appendFeed(feed.New(name, feed.TypeRelease, pattern, ""))
	}
	s.appendFeed(feed.New(name, feed.TypeLeave, "", ""))
	if err := s.store.Delete(name); err != nil {
		s.logger.Warn("registration delete failed", map[string]string{
			"agent": name,
			"error": err.Error(),
		})
	}
}

// Send delivers one message to a live peer. The recipient is validated
// first so the caller learns about a dead peer instead of writing into an
// orphaned inbox.
func (s *Session) Send(to, text string, urgent bool, replyTo string) (inbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registered {
		return inbox.Message{}, ErrNotJoined
	}
	if _, err := s.store.ValidateRecipient(to); err != nil {
		return inbox.Message{}, err
	}
	message := inbox.NewMessage(s.self.Name, to, text, urgent, replyTo)
	if err := inbox.Send(s.layout, message); err != nil {
		return inbox.Message{}, err
	}
	s.chatRing(to).Add(message)
	s.appendFeed(feed.New(s.self.Name, feed.TypeMessage, to, feed.Preview(text)))
	return message, nil
}

// Broadcast fans out to every live peer. Partial delivery is acceptable:
// peers that vanished between listing and writing are skipped, not retried.
func (s *Session) Broadcast(text string, urgent bool) ([]inbox.Sent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registered {
		return nil, ErrNotJoined
	}
	var peers []string
	for _, record := range s.store.Active() {
		if record.Name != s.self.Name {
			peers = append(peers, record.Name)
		}
	}
	sent := inbox.Broadcast(s.layout, s.self.Name, text, urgent, peers, s.logger)
	s.broadcasts.Add(inbox.Message{
		From:      s.self.Name,
		To:        "@all",
		Text:      text,
		Timestamp: s.now().UTC(),
		Urgent:    urgent,
	})
	s.appendFeed(feed.New(s.self.Name, feed.TypeMessage, "@all", feed.Preview(text)))
	return sent, nil
}

func (s *Session) ValidateRecipient(name string) (registry.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.ValidateRecipient(name)
}

// Reserve claims a pattern for this agent. Re-reserving a held pattern
// replaces it. The returned validation may carry a warning even on success.
func (s *Session) Reserve(pattern, reason string) (reservation.Validation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registered {
		return reservation.Validation{}, ErrNotJoined
	}
	validation := reservation.Validate(pattern)
	if !validation.OK {
		return validation, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	claim := reservation.Reservation{
		Pattern:   pattern,
		Reason:    reason,
		CreatedAt: s.now().UTC(),
	}
	claims := make([]reservation.Reservation, 0, len(s.self.Reservations)+1)
	for _, held := range s.self.Reservations {
		if held.Pattern != pattern {
			claims = append(claims, held)
		}
	}
	claims = append(claims, claim)
	s.persistReservations(claims)
	s.appendFeed(feed.New(s.self.Name, feed.TypeReserve, pattern, reason))
	return validation, nil
}

// Release drops one held pattern; ErrNotReserved when it is not held.
func (s *Session) Release(pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registered {
		return ErrNotJoined
	}
	claims := make([]reservation.Reservation, 0, len(s.self.Reservations))
	found := false
	for _, held := range s.self.Reservations {
		if held.Pattern == pattern {
			found = true
			continue
		}
		claims = append(claims, held)
	}
	if !found {
		return fmt.Errorf("%w: %q", ErrNotReserved, pattern)
	}
	s.persistReservations(claims)
	s.appendFeed(feed.New(s.self.Name, feed.TypeRelease, pattern, ""))
	return nil
}

// ReleaseAll drops every held pattern and returns how many were held.
func (s *Session) ReleaseAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registered {
		return 0
	}
	released := len(s.self.Reservations)
	if released == 0 {
		return 0
	}
	patterns := make([]string, 0, released)
	for _, held := range s.self.Reservations {
		patterns = append(patterns, held.Pattern)
	}
	s.persistReservations(nil)
	for _, pattern := range patterns {
		s.appendFeed(feed.New(s.self.Name, feed.TypeRelease, pattern, ""))
	}
	return released
}

// Reservations returns the session's mirror of its own claims.
func (s *Session) Reservations() []reservation.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]reservation.Reservation, len(s.self.Reservations))
	copy(out, s.self.Reservations)
	return out
}

// Conflicts reports live peers whose reservations cover path.
func (s *Session) Conflicts(path string) []registry.Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Conflicts(path, s.self.Name)
}

// SetStatus pins an explicit status message; auto-status stops until
// ClearStatus.
func (s *Session) SetStatus(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registered {
		return ErrNotJoined
	}
	s.customStatus = true
	s.persistStatus(text)
	return nil
}

// ClearStatus removes the explicit status; the next flush may fill in a
// derived one.
func (s *Session) ClearStatus() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registered {
		return ErrNotJoined
	}
	s.customStatus = false
	s.persistStatus("")
	return nil
}

// ToolCall records a tool about to run on the host.
func (s *Session) ToolCall(tool string, input activity.Input) {
	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()
	if tracker != nil {
		tracker.ToolStarted(tool, input)
	}
}

// ToolResult records a completed tool.
func (s *Session) ToolResult(tool string, input activity.Input, failed bool) {
	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()
	if tracker != nil {
		tracker.ToolFinished(tool, input, failed)
	}
}

// Rename moves the agent to a new name. A running delivery loop is rebound
// to the new inbox; on any failure the old identity, inbox and watch stay
// intact.
func (s *Session) Rename(newName string) (registry.Registration, error) {
	s.mu.Lock()
	if !s.registered {
		s.mu.Unlock()
		return registry.Registration{}, ErrNotJoined
	}
	oldListener := s.listener
	record, err := s.store.Rename(s.self.Name, newName)
	if err != nil {
		s.mu.Unlock()
		return registry.Registration{}, err
	}
	s.self = record
	if s.tracker != nil {
		s.tracker.SetAgent(record.Name)
	}
	var listener *inbox.Listener
	if oldListener != nil {
		listener = inbox.NewListener(inbox.ListenerConfig{
			Layout:   s.layout,
			Agent:    record.Name,
			Debounce: s.settings.Messaging.Debounce,
			Deliver:  s.deliver,
			Logger:   s.logger,
		})
	}
	s.listener = listener
	s.mu.Unlock()

	if oldListener != nil {
		oldListener.Close()
	}
	if listener != nil {
		if err := listener.Start(); err != nil {
			s.logger.Warn("inbox delivery unavailable", map[string]string{
				"agent": record.Name,
				"error": err.Error(),
			})
		}
	}
	return record, nil
}

// Peers lists live agents other than this one.
func (s *Session) Peers() []registry.Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var peers []registry.Registration
	for _, record := range s.store.Active() {
		if !s.registered || record.Name != s.self.Name {
			peers = append(peers, record)
		}
	}
	return peers
}

// Self returns a copy of the session's current registration mirror.
func (s *Session) Self() (registry.Registration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self, s.registered
}

// Status computes the agent's own presence from its latest activity.
func (s *Session) Status() (registry.Status, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registered {
		return registry.StatusAway, 0
	}
	return registry.ComputeStatus(
		s.lastActivityAt(),
		s.now(),
		len(s.self.Reservations) > 0,
		s.settings.Status.StuckThreshold,
	)
}

// History returns the chat ring for one peer, oldest first.
func (s *Session) History(peer string) []inbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring, ok := s.chats[peer]
	if !ok {
		return nil
	}
	return ring.List()
}

// Unread returns a copy of the per-peer unread counters.
func (s *Session) Unread() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.unread))
	for peer, count := range s.unread {
		out[peer] = count
	}
	return out
}

func (s *Session) ClearUnread(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unread, peer)
}

// Broadcasts returns this session's sent broadcasts, oldest first.
func (s *Session) Broadcasts() []inbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcasts.List()
}

// ScanInbox drains pending messages now. This is the fallback delivery path
// when the watch is gone.
func (s *Session) ScanInbox() {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.ScanNow()
	}
}

// RecoverDelivery re-arms the inbox watch after the process's execution
// context changed, if nothing is watching or scheduled to retry.
func (s *Session) RecoverDelivery() {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.RecoverIfNeeded()
	}
}

// deliver runs for every incoming message, from the watch callback or a
// manual scan. Chat history and unread counters update before the host
// callback sees the message; the listener deletes the file after we return.
func (s *Session) deliver(message inbox.Message) {
	s.mu.Lock()
	if !s.registered {
		s.mu.Unlock()
		return
	}
	s.chatRing(message.From).Add(message)
	s.unread[message.From]++
	callback := s.onMessage
	s.mu.Unlock()
	if callback != nil {
		callback(message)
	}
}

// flushTick persists dirty activity and stats, refreshes the derived
// status, and self-reports the transition into stuck. Runs off the flush
// timer; re-arms itself while the session is registered.
func (s *Session) flushTick() {
	s.mu.Lock()
	if !s.registered || s.tracker == nil {
		s.mu.Unlock()
		return
	}
	snapshot := s.tracker.Snapshot()
	statusMessage := s.self.StatusMessage
	if !s.customStatus {
		statusMessage = s.tracker.AutoStatus(s.now())
	}

	var stuckEvent *feed.Event
	status, idleFor := registry.ComputeStatus(
		s.activityAt(snapshot),
		s.now(),
		len(s.self.Reservations) > 0,
		s.settings.Status.StuckThreshold,
	)
	if status == registry.StatusStuck && !s.stuckReported {
		s.stuckReported = true
		event := feed.New(s.self.Name, feed.TypeStuck, "", formatIdle(idleFor))
		stuckEvent = &event
	} else if status != registry.StatusStuck {
		s.stuckReported = false
	}

	changed := !snapshot.LastActivityAt.Equal(s.lastFlush.LastActivityAt) ||
		snapshot.CurrentActivity != s.lastFlush.CurrentActivity ||
		snapshot.LastToolCall != s.lastFlush.LastToolCall ||
		snapshot.ToolCalls != s.lastFlush.ToolCalls ||
		!slices.Equal(snapshot.ModifiedFiles, s.lastFlush.ModifiedFiles) ||
		statusMessage != s.lastStatusMsg
	if changed {
		s.applySnapshot(snapshot, statusMessage)
		if err := s.store.Update(s.self.Name, func(record *registry.Registration) {
			applyActivity(record, snapshot)
			record.StatusMessage = statusMessage
		}); err != nil {
			s.logger.Warn("activity flush failed", map[string]string{
				"agent": s.self.Name,
				"error": err.Error(),
			})
		}
		s.lastFlush = snapshot
		s.lastStatusMsg = statusMessage
	}
	s.flushTimer = time.AfterFunc(s.flushInterval(), s.flushTick)
	s.mu.Unlock()

	if stuckEvent != nil {
		s.appendFeed(*stuckEvent)
	}
}

// Flush forces one flush tick now. Used on demand where waiting for the
// timer would publish stale activity, e.g. right before a host snapshot.
func (s *Session) Flush() {
	s.flushTick()
}

// chatRing returns the ring for peer, creating it on first use. Caller
// holds the lock.
func (s *Session) chatRing(peer string) *buffer.Ring[inbox.Message] {
	ring, ok := s.chats[peer]
	if !ok {
		ring = buffer.NewRing[inbox.Message](chatHistoryLimit)
		s.chats[peer] = ring
	}
	return ring
}

// persistReservations writes the new claim list through to the record,
// best-effort, and mirrors it locally. Caller holds the lock.
func (s *Session) persistReservations(claims []reservation.Reservation) {
	s.self.Reservations = claims
	if err := s.store.Update(s.self.Name, func(record *registry.Registration) {
		record.Reservations = claims
	}); err != nil {
		s.logger.Warn("reservation persist failed", map[string]string{
			"agent": s.self.Name,
			"error": err.Error(),
		})
	}
}

// persistStatus writes the status message through to the record,
// best-effort, and mirrors it locally. Caller holds the lock.
func (s *Session) persistStatus(text string) {
	s.self.StatusMessage = text
	s.lastStatusMsg = text
	if err := s.store.Update(s.self.Name, func(record *registry.Registration) {
		record.StatusMessage = text
	}); err != nil {
		s.logger.Warn("status persist failed", map[string]string{
			"agent": s.self.Name,
			"error": err.Error(),
		})
	}
}

// activityAt picks the freshest known activity time: the tracker's if any
// tool ran, otherwise the registration baseline. Caller holds the lock.
func (s *Session) activityAt(snapshot activity.Snapshot) time.Time {
	if snapshot.LastActivityAt.IsZero() {
		return s.self.Activity.LastActivityAt
	}
	return snapshot.LastActivityAt
}

func (s *Session) lastActivityAt() time.Time {
	if s.tracker == nil {
		return s.self.Activity.LastActivityAt
	}
	return s.activityAt(s.tracker.Snapshot())
}

// applySnapshot mirrors a flushed snapshot into the local registration
// copy. Caller holds the lock.
func (s *Session) applySnapshot(snapshot activity.Snapshot, statusMessage string) {
	applyActivity(&s.self, snapshot)
	s.self.StatusMessage = statusMessage
}

func applyActivity(record *registry.Registration, snapshot activity.Snapshot) {
	if !snapshot.LastActivityAt.IsZero() {
		record.Activity.LastActivityAt = snapshot.LastActivityAt
	}
	record.Activity.CurrentActivity = snapshot.CurrentActivity
	record.Activity.LastToolCall = snapshot.LastToolCall
	record.Stats.ToolCalls = snapshot.ToolCalls
	record.Stats.ModifiedFiles = snapshot.ModifiedFiles
}

func (s *Session) flushInterval() time.Duration {
	if s.settings.Registry.FlushInterval > 0 {
		return s.settings.Registry.FlushInterval
	}
	return 10 * time.Second
}

func (s *Session) appendFeed(event feed.Event) {
	if err := s.feed.Append(event); err != nil {
		s.logger.Warn("feed append failed", map[string]string{
			"agent": event.Agent,
			"type":  string(event.Type),
			"error": err.Error(),
		})
	}
}

func formatIdle(idle time.Duration) string {
	idle = idle.Round(time.Minute)
	hours := int(idle.Hours())
	minutes := int(idle.Minutes()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
