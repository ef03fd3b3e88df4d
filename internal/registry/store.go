package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"waggle/internal/fsutil"
	"waggle/internal/liveness"
	"waggle/internal/logging"
	"waggle/internal/paths"
	"waggle/internal/reservation"
)

var ErrInvalidPID = errors.New("invalid pid")

type Config struct {
	Layout   paths.Layout
	Probe    liveness.Probe
	Logger   *logging.Logger
	CacheTTL time.Duration
	Now      func() time.Time
}

// Store reads and writes registration records for one mesh root. It carries
// no agent identity of its own: callers name the record they operate on, and
// convention says an agent only writes its own.
type Store struct {
	layout paths.Layout
	probe  liveness.Probe
	logger *logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	cacheTTL time.Duration
	cached   []Registration
	cachedAt time.Time
}

func NewStore(cfg Config) *Store {
	probe := cfg.Probe
	if probe == nil {
		probe = liveness.Alive
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Second
	}
	return &Store{
		layout:   cfg.Layout,
		probe:    probe,
		logger:   cfg.Logger,
		now:      now,
		cacheTTL: ttl,
	}
}

type RegisterOptions struct {
	AgentType string
	// Name, when set, bypasses sequential generation.
	Name      string
	PID       int
	SessionID string
	WorkDir   string
	Model     string
	GitBranch string
	IsHuman   bool
}

const maxGeneratedNames = 99

// Register creates this agent's record, generating the lowest free
// {agentType}-{n} name unless an explicit one is given. The write is
// re-read afterwards: last-writer-wins is accepted mesh-wide, but a writer
// must confirm its own write stuck before claiming the name.
func (s *Store) Register(opts RegisterOptions) (Registration, error) {
	if opts.PID <= 0 {
		return Registration{}, fmt.Errorf("%w: %d", ErrInvalidPID, opts.PID)
	}
	agentType := strings.ToLower(strings.TrimSpace(opts.AgentType))
	if agentType == "" {
		agentType = "agent"
	}
	if err := ValidateName(agentType); err != nil {
		return Registration{}, err
	}
	if err := s.layout.Ensure(); err != nil {
		return Registration{}, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	if explicit := strings.TrimSpace(opts.Name); explicit != "" {
		if err := ValidateName(explicit); err != nil {
			return Registration{}, err
		}
		if s.nameHeldByOther(explicit, opts.PID) {
			return Registration{}, fmt.Errorf("%w: %s", ErrNameTaken, explicit)
		}
		record, err := s.writeVerified(s.build(explicit, agentType, opts))
		if err != nil {
			return Registration{}, err
		}
		s.finishRegister(record)
		return record, nil
	}

	for n := 1; n <= maxGeneratedNames; n++ {
		name := fmt.Sprintf("%s-%d", agentType, n)
		if s.nameHeldByOther(name, opts.PID) {
			continue
		}
		record, err := s.writeVerified(s.build(name, agentType, opts))
		if errors.Is(err, ErrRaceLost) {
			// Someone grabbed the name between scan and verify; try the
			// next candidate.
			continue
		}
		if err != nil {
			return Registration{}, err
		}
		s.finishRegister(record)
		return record, nil
	}
	return Registration{}, ErrNoFreeName
}

// Active lists live registrations, sweeping dead records as a side effect.
// Results are cached briefly so rapid repeated queries stay off the disk;
// local mutations invalidate the cache.
func (s *Store) Active() []Registration {
	s.mu.Lock()
	if !s.cachedAt.IsZero() && s.now().Sub(s.cachedAt) < s.cacheTTL {
		out := make([]Registration, len(s.cached))
		copy(out, s.cached)
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	var live []Registration
	for _, record := range s.records() {
		if !s.probe(record.PID) {
			s.remove(record.Name)
			continue
		}
		live = append(live, record)
	}

	s.mu.Lock()
	s.cached = live
	s.cachedAt = s.now()
	out := make([]Registration, len(live))
	copy(out, live)
	s.mu.Unlock()
	return out
}

// All returns every parseable record, dead ones included and nothing swept.
func (s *Store) All() []Registration {
	return s.records()
}

func (s *Store) Get(name string) (Registration, error) {
	record, err := s.read(name)
	if err != nil {
		return Registration{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return record, nil
}

// Update applies mutate to the named record and writes it back. Owners only:
// this is the read-modify-write behind activity flushes and reservation
// changes, with no cross-process verification.
func (s *Store) Update(name string, mutate func(*Registration)) error {
	record, err := s.read(name)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	mutate(&record)
	record.Name = name
	if err := s.write(record); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	s.invalidate()
	return nil
}

// Rename moves an agent to a new name: new record written and verified,
// inbox directory moved, old record deleted, in that order. Any failure
// before the final step leaves the old identity authoritative.
func (s *Store) Rename(oldName, newName string) (Registration, error) {
	trimmed := strings.TrimSpace(newName)
	if err := ValidateName(trimmed); err != nil {
		return Registration{}, err
	}
	if trimmed == oldName {
		return Registration{}, ErrSameName
	}
	current, err := s.read(oldName)
	if err != nil {
		return Registration{}, fmt.Errorf("%w: %s", ErrNotFound, oldName)
	}
	if s.nameHeldByOther(trimmed, current.PID) {
		return Registration{}, fmt.Errorf("%w: %s", ErrNameTaken, trimmed)
	}

	renamed := current
	renamed.Name = trimmed
	verified, err := s.writeVerified(renamed)
	if err != nil {
		s.removeIfOwn(trimmed, current.PID, current.SessionID)
		return Registration{}, err
	}
	if err := s.moveInbox(oldName, trimmed); err != nil {
		s.removeIfOwn(trimmed, current.PID, current.SessionID)
		return Registration{}, fmt.Errorf("%w: inbox move: %v", ErrWriteFailed, err)
	}
	s.remove(oldName)
	s.invalidate()
	return verified, nil
}

// Delete removes the named record. Missing is fine: crash-then-unregister
// should not error.
func (s *Store) Delete(name string) error {
	err := os.Remove(s.layout.RegistrationPath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	s.invalidate()
	return nil
}

type Conflict struct {
	Agent   string `json:"agent"`
	Pattern string `json:"pattern"`
	Reason  string `json:"reason,omitempty"`
}

// Conflicts reports every active reservation covering path, excluding
// owner's own claims. Order follows the active list; callers treat the
// first entry as the primary blocker.
func (s *Store) Conflicts(path, owner string) []Conflict {
	var conflicts []Conflict
	for _, record := range s.Active() {
		if record.Name == owner {
			continue
		}
		for _, claim := range record.Reservations {
			if reservation.Matches(claim.Pattern, path) {
				conflicts = append(conflicts, Conflict{
					Agent:   record.Name,
					Pattern: claim.Pattern,
					Reason:  claim.Reason,
				})
			}
		}
	}
	return conflicts
}

// ValidateRecipient confirms name maps to a live agent. A record whose
// process is gone is swept and reported as not found.
func (s *Store) ValidateRecipient(name string) (Registration, error) {
	record, err := s.read(name)
	if err != nil {
		return Registration{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !s.probe(record.PID) {
		s.remove(name)
		s.invalidate()
		return Registration{}, fmt.Errorf("%w: %s is no longer running", ErrNotFound, name)
	}
	return record, nil
}

func (s *Store) build(name, agentType string, opts RegisterOptions) Registration {
	now := s.now().UTC()
	return Registration{
		Name:      name,
		AgentType: agentType,
		PID:       opts.PID,
		SessionID: strings.TrimSpace(opts.SessionID),
		WorkDir:   strings.TrimSpace(opts.WorkDir),
		Model:     strings.TrimSpace(opts.Model),
		StartedAt: now,
		GitBranch: strings.TrimSpace(opts.GitBranch),
		IsHuman:   opts.IsHuman,
		Activity:  Activity{LastActivityAt: now},
	}
}

// nameHeldByOther reports whether name's record belongs to a live process
// other than pid. Unreadable records count as held: never overwrite what
// cannot be proven stale.
func (s *Store) nameHeldByOther(name string, pid int) bool {
	record, err := s.read(name)
	if err != nil {
		return !os.IsNotExist(err)
	}
	return s.probe(record.PID) && record.PID != pid
}

func (s *Store) writeVerified(record Registration) (Registration, error) {
	if err := s.write(record); err != nil {
		return Registration{}, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	persisted, err := s.read(record.Name)
	if err != nil || persisted.PID != record.PID || persisted.SessionID != record.SessionID {
		return Registration{}, fmt.Errorf("%w: %s", ErrRaceLost, record.Name)
	}
	return persisted, nil
}

func (s *Store) finishRegister(record Registration) {
	if err := os.MkdirAll(s.layout.InboxDir(record.Name), 0o755); err != nil {
		s.logger.Warn("inbox directory create failed", map[string]string{
			"agent": record.Name,
			"error": err.Error(),
		})
	}
	s.invalidate()
}

func (s *Store) moveInbox(oldName, newName string) error {
	oldDir := s.layout.InboxDir(oldName)
	newDir := s.layout.InboxDir(newName)
	if _, err := os.Stat(oldDir); os.IsNotExist(err) {
		return os.MkdirAll(newDir, 0o755)
	}
	// A leftover inbox under the new name belongs to a dead agent; its
	// messages are undeliverable.
	if err := os.RemoveAll(newDir); err != nil {
		return err
	}
	return os.Rename(oldDir, newDir)
}

// removeIfOwn deletes name's record only when it still carries our
// identity, so a lost race never deletes the winner's record.
func (s *Store) removeIfOwn(name string, pid int, sessionID string) {
	record, err := s.read(name)
	if err != nil {
		return
	}
	if record.PID == pid && record.SessionID == sessionID {
		s.remove(name)
	}
}

func (s *Store) remove(name string) {
	if err := os.Remove(s.layout.RegistrationPath(name)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("stale registration delete failed", map[string]string{
			"agent": name,
			"error": err.Error(),
		})
	}
}

func (s *Store) records() []Registration {
	entries, err := fsutil.ReadDirOrEmpty(s.layout.RegistryDir())
	if err != nil {
		s.logger.Warn("registry scan failed", map[string]string{"error": err.Error()})
		return nil
	}
	var records []Registration
	for _, entry := range entries {
		fileName := entry.Name()
		if entry.IsDir() || strings.HasPrefix(fileName, ".") || !strings.HasSuffix(fileName, ".json") {
			continue
		}
		record, err := s.read(strings.TrimSuffix(fileName, ".json"))
		if err != nil {
			// Possibly another process mid-write; skip, never delete.
			s.logger.Debug("skipping unreadable registration", map[string]string{"file": fileName})
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records
}

func (s *Store) write(record Registration) error {
	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.layout.RegistrationPath(record.Name), append(payload, '\n'))
}

func (s *Store) read(name string) (Registration, error) {
	payload, err := os.ReadFile(s.layout.RegistrationPath(name))
	if err != nil {
		return Registration{}, err
	}
	var record Registration
	if err := json.Unmarshal(payload, &record); err != nil {
		return Registration{}, err
	}
	// The filename is the key; trust it over the payload.
	record.Name = name
	return record, nil
}

func (s *Store) invalidate() {
	s.mu.Lock()
	s.cachedAt = time.Time{}
	s.mu.Unlock()
}
