package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waggle/internal/paths"
	"waggle/internal/reservation"
)

// fakeLiveness tracks which pids count as running.
type fakeLiveness struct {
	alive map[int]bool
}

func (f *fakeLiveness) probe(pid int) bool {
	return f.alive[pid]
}

type storeFixture struct {
	store  *Store
	layout paths.Layout
	live   *fakeLiveness
	now    time.Time
}

func newFixture(t *testing.T) *storeFixture {
	t.Helper()
	fixture := &storeFixture{
		layout: paths.Layout{Root: filepath.Join(t.TempDir(), ".waggle")},
		live:   &fakeLiveness{alive: map[int]bool{}},
		now:    time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, fixture.layout.Ensure())
	fixture.store = NewStore(Config{
		Layout:   fixture.layout,
		Probe:    fixture.live.probe,
		CacheTTL: time.Second,
		Now:      func() time.Time { return fixture.now },
	})
	return fixture
}

func (f *storeFixture) register(t *testing.T, agentType string, pid int) Registration {
	t.Helper()
	f.live.alive[pid] = true
	record, err := f.store.Register(RegisterOptions{AgentType: agentType, PID: pid})
	require.NoError(t, err)
	return record
}

func TestRegisterGeneratesSequentialNames(t *testing.T) {
	f := newFixture(t)

	first := f.register(t, "backend", 101)
	second := f.register(t, "backend", 102)
	other := f.register(t, "frontend", 103)

	assert.Equal(t, "backend-1", first.Name)
	assert.Equal(t, "backend-2", second.Name)
	assert.Equal(t, "frontend-1", other.Name)
}

func TestRegisterReusesLowestFreeName(t *testing.T) {
	f := newFixture(t)
	f.register(t, "backend", 101)
	second := f.register(t, "backend", 102)
	f.register(t, "backend", 103)

	require.NoError(t, f.store.Delete(second.Name))

	again := f.register(t, "backend", 104)
	assert.Equal(t, "backend-2", again.Name)
}

func TestRegisterReclaimsDeadName(t *testing.T) {
	f := newFixture(t)
	f.register(t, "backend", 101)
	f.live.alive[101] = false

	record := f.register(t, "backend", 102)
	assert.Equal(t, "backend-1", record.Name)
	assert.Equal(t, 102, record.PID)
}

func TestRegisterNormalizesAgentType(t *testing.T) {
	f := newFixture(t)

	record := f.register(t, "  Backend ", 101)
	assert.Equal(t, "backend-1", record.Name)
	assert.Equal(t, "backend", record.AgentType)
}

func TestRegisterExplicitName(t *testing.T) {
	f := newFixture(t)
	f.live.alive[101] = true

	record, err := f.store.Register(RegisterOptions{AgentType: "backend", Name: "schema-wizard", PID: 101})
	require.NoError(t, err)
	assert.Equal(t, "schema-wizard", record.Name)
	assert.Equal(t, "backend", record.AgentType)
}

func TestRegisterExplicitNameTakenByLiveAgent(t *testing.T) {
	f := newFixture(t)
	f.live.alive[101] = true
	f.live.alive[102] = true
	_, err := f.store.Register(RegisterOptions{AgentType: "backend", Name: "wizard", PID: 101})
	require.NoError(t, err)

	_, err = f.store.Register(RegisterOptions{AgentType: "backend", Name: "wizard", PID: 102})
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	f.live.alive[101] = true

	_, err := f.store.Register(RegisterOptions{AgentType: "backend", Name: "bad name!", PID: 101})
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = f.store.Register(RegisterOptions{AgentType: "backend", PID: 0})
	assert.ErrorIs(t, err, ErrInvalidPID)
}

func TestRegisterCreatesInboxDir(t *testing.T) {
	f := newFixture(t)
	record := f.register(t, "backend", 101)

	info, err := os.Stat(f.layout.InboxDir(record.Name))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRegisterRecordShape(t *testing.T) {
	f := newFixture(t)
	f.live.alive[101] = true
	_, err := f.store.Register(RegisterOptions{
		AgentType: "backend",
		PID:       101,
		SessionID: "sess-1",
		WorkDir:   "/work",
		Model:     "gpt-new",
		GitBranch: "main",
	})
	require.NoError(t, err)

	payload, err := os.ReadFile(f.layout.RegistrationPath("backend-1"))
	require.NoError(t, err)
	text := string(payload)
	assert.Contains(t, text, `"name": "backend-1"`)
	assert.Contains(t, text, `"pid": 101`)
	assert.Contains(t, text, `"gitBranch": "main"`)
	assert.Contains(t, text, `"lastActivityAt"`)
	// Pretty-printed with a trailing newline, so humans can cat it.
	assert.Contains(t, text, "\n  ")
	assert.True(t, text[len(text)-1] == '\n')
}

func TestActiveSweepsDeadRecords(t *testing.T) {
	f := newFixture(t)
	f.register(t, "backend", 101)
	dead := f.register(t, "backend", 102)
	f.live.alive[102] = false
	f.store.invalidate()

	active := f.store.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "backend-1", active[0].Name)

	_, err := os.Stat(f.layout.RegistrationPath(dead.Name))
	assert.True(t, os.IsNotExist(err))
}

func TestActiveSkipsMalformedWithoutDeleting(t *testing.T) {
	f := newFixture(t)
	f.register(t, "backend", 101)
	torn := f.layout.RegistrationPath("torn")
	require.NoError(t, os.WriteFile(torn, []byte(`{"name":"torn","p`), 0o644))
	f.store.invalidate()

	active := f.store.Active()
	require.Len(t, active, 1)

	_, err := os.Stat(torn)
	assert.NoError(t, err, "partial record must survive the sweep")
}

func TestActiveCachesWithinTTL(t *testing.T) {
	f := newFixture(t)
	f.register(t, "backend", 101)
	require.Len(t, f.store.Active(), 1)

	// A record written behind the cache's back stays invisible until the
	// TTL lapses.
	f.live.alive[102] = true
	record := f.build("backend-9", "backend", RegisterOptions{AgentType: "backend", PID: 102})
	require.NoError(t, f.store.write(record))

	assert.Len(t, f.store.Active(), 1)

	f.now = f.now.Add(2 * time.Second)
	assert.Len(t, f.store.Active(), 2)
}

func (f *storeFixture) build(name, agentType string, opts RegisterOptions) Registration {
	return f.store.build(name, agentType, opts)
}

func TestActiveCacheInvalidatedByLocalMutation(t *testing.T) {
	f := newFixture(t)
	f.register(t, "backend", 101)
	require.Len(t, f.store.Active(), 1)

	f.register(t, "frontend", 102)

	assert.Len(t, f.store.Active(), 2, "register must invalidate the cache")
}

func TestAllIncludesDeadRecords(t *testing.T) {
	f := newFixture(t)
	f.register(t, "backend", 101)
	f.register(t, "backend", 102)
	f.live.alive[102] = false

	assert.Len(t, f.store.All(), 2)
}

func TestUpdateMutatesOwnRecord(t *testing.T) {
	f := newFixture(t)
	record := f.register(t, "backend", 101)

	err := f.store.Update(record.Name, func(r *Registration) {
		r.Stats.ToolCalls = 7
		r.StatusMessage = "wiring the parser"
	})
	require.NoError(t, err)

	got, err := f.store.Get(record.Name)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Stats.ToolCalls)
	assert.Equal(t, "wiring the parser", got.StatusMessage)
}

func TestUpdateMissingRecord(t *testing.T) {
	f := newFixture(t)
	err := f.store.Update("ghost", func(r *Registration) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRenameMovesRecordAndInbox(t *testing.T) {
	f := newFixture(t)
	record := f.register(t, "backend", 101)
	pending := filepath.Join(f.layout.InboxDir(record.Name), "001-abc.json")
	require.NoError(t, os.WriteFile(pending, []byte(`{"id":"abc"}`), 0o644))

	renamed, err := f.store.Rename(record.Name, "db-wizard")
	require.NoError(t, err)
	assert.Equal(t, "db-wizard", renamed.Name)
	assert.Equal(t, 101, renamed.PID)

	_, err = os.Stat(f.layout.RegistrationPath("backend-1"))
	assert.True(t, os.IsNotExist(err), "old record must be gone")

	moved, err := os.ReadFile(filepath.Join(f.layout.InboxDir("db-wizard"), "001-abc.json"))
	require.NoError(t, err)
	assert.Contains(t, string(moved), "abc")
}

func TestRenameFailureReasons(t *testing.T) {
	f := newFixture(t)
	record := f.register(t, "backend", 101)
	peer := f.register(t, "frontend", 102)

	cases := []struct {
		name    string
		newName string
		want    error
	}{
		{"invalid", "bad name!", ErrInvalidName},
		{"same", record.Name, ErrSameName},
		{"taken by live peer", peer.Name, ErrNameTaken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.store.Rename(record.Name, tc.newName)
			assert.ErrorIs(t, err, tc.want)

			_, err = f.store.Get(record.Name)
			assert.NoError(t, err, "old identity must survive a failed rename")
		})
	}

	t.Run("unknown agent", func(t *testing.T) {
		_, err := f.store.Rename("ghost", "anything")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRenameOverDeadAgent(t *testing.T) {
	f := newFixture(t)
	record := f.register(t, "backend", 101)
	dead := f.register(t, "frontend", 102)
	f.live.alive[102] = false

	renamed, err := f.store.Rename(record.Name, dead.Name)
	require.NoError(t, err)
	assert.Equal(t, dead.Name, renamed.Name)
	assert.Equal(t, 101, renamed.PID)
}

func TestConflictsMatchesActiveReservations(t *testing.T) {
	f := newFixture(t)
	holder := f.register(t, "backend", 101)
	f.register(t, "frontend", 102)

	require.NoError(t, f.store.Update(holder.Name, func(r *Registration) {
		r.Reservations = []reservation.Reservation{
			{Pattern: "src/auth/", Reason: "schema migration", CreatedAt: f.now},
		}
	}))

	conflicts := f.store.Conflicts("src/auth/login.ts", "frontend-1")
	require.Len(t, conflicts, 1)
	assert.Equal(t, "backend-1", conflicts[0].Agent)
	assert.Equal(t, "src/auth/", conflicts[0].Pattern)
	assert.Equal(t, "schema migration", conflicts[0].Reason)

	assert.Empty(t, f.store.Conflicts("src/payments/charge.ts", "frontend-1"))
}

func TestConflictsExcludesOwnerAndDead(t *testing.T) {
	f := newFixture(t)
	holder := f.register(t, "backend", 101)
	require.NoError(t, f.store.Update(holder.Name, func(r *Registration) {
		r.Reservations = []reservation.Reservation{{Pattern: "src/", CreatedAt: f.now}}
	}))

	assert.Empty(t, f.store.Conflicts("src/main.go", holder.Name), "own reservations never conflict")

	f.live.alive[101] = false
	f.store.invalidate()
	assert.Empty(t, f.store.Conflicts("src/main.go", "someone-else"), "dead agents cannot block anyone")
}

func TestValidateRecipient(t *testing.T) {
	f := newFixture(t)
	record := f.register(t, "backend", 101)

	got, err := f.store.ValidateRecipient(record.Name)
	require.NoError(t, err)
	assert.Equal(t, record.Name, got.Name)

	_, err = f.store.ValidateRecipient("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidateRecipientSweepsDead(t *testing.T) {
	f := newFixture(t)
	record := f.register(t, "backend", 101)
	f.live.alive[101] = false

	_, err := f.store.ValidateRecipient(record.Name)
	assert.ErrorIs(t, err, ErrNotFound)

	_, statErr := os.Stat(f.layout.RegistrationPath(record.Name))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeleteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	record := f.register(t, "backend", 101)

	require.NoError(t, f.store.Delete(record.Name))
	require.NoError(t, f.store.Delete(record.Name))
}
