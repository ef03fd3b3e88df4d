package inbox

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waggle/internal/logging"
	"waggle/internal/paths"
)

type listenerFixture struct {
	layout   paths.Layout
	buffer   *logging.LogBuffer
	listener *Listener

	mu        sync.Mutex
	delivered []Message
	onDeliver func(Message)
}

func newListenerFixture(t *testing.T, agent string) *listenerFixture {
	t.Helper()
	fixture := &listenerFixture{
		layout: paths.Layout{Root: filepath.Join(t.TempDir(), ".waggle")},
		buffer: logging.NewLogBuffer(50),
	}
	require.NoError(t, fixture.layout.Ensure())
	fixture.listener = NewListener(ListenerConfig{
		Layout:    fixture.layout,
		Agent:     agent,
		Debounce:  10 * time.Millisecond,
		RetryBase: 10 * time.Millisecond,
		Deliver: func(message Message) {
			fixture.mu.Lock()
			fixture.delivered = append(fixture.delivered, message)
			hook := fixture.onDeliver
			fixture.mu.Unlock()
			if hook != nil {
				hook(message)
			}
		},
		Logger: logging.NewLoggerWithOutput(fixture.buffer, logging.LevelDebug, io.Discard),
	})
	t.Cleanup(fixture.listener.Close)
	return fixture
}

func (fixture *listenerFixture) deliveredTexts() []string {
	fixture.mu.Lock()
	defer fixture.mu.Unlock()
	texts := make([]string, 0, len(fixture.delivered))
	for _, message := range fixture.delivered {
		texts = append(texts, message.Text)
	}
	return texts
}

func (fixture *listenerFixture) deliveredCount() int {
	fixture.mu.Lock()
	defer fixture.mu.Unlock()
	return len(fixture.delivered)
}

func (fixture *listenerFixture) logged(text string) bool {
	for _, entry := range fixture.buffer.List() {
		if entry.Message == text {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writeMessageFile(t *testing.T, dir, name string, message Message) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	payload, err := json.Marshal(message)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), payload, 0o644))
}

func TestScanDeliversInFileNameOrder(t *testing.T) {
	fixture := newListenerFixture(t, "backend-1")
	dir := fixture.layout.InboxDir("backend-1")

	// Written out of order on purpose; the millisecond prefix decides.
	writeMessageFile(t, dir, "0000000000003-cccccccc.json", Message{ID: "c", Text: "third"})
	writeMessageFile(t, dir, "0000000000001-aaaaaaaa.json", Message{ID: "a", Text: "first"})
	writeMessageFile(t, dir, "0000000000002-bbbbbbbb.json", Message{ID: "b", Text: "second"})

	fixture.listener.ScanNow()

	assert.Equal(t, []string{"first", "second", "third"}, fixture.deliveredTexts())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "delivered messages are consumed")
}

func TestScanDeletesPoisonMessages(t *testing.T) {
	fixture := newListenerFixture(t, "backend-1")
	dir := fixture.layout.InboxDir("backend-1")

	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0000000000001-deadbeef.json"), []byte("{not json"), 0o644))
	writeMessageFile(t, dir, "0000000000002-bbbbbbbb.json", Message{ID: "b", Text: "real"})

	fixture.listener.ScanNow()

	assert.Equal(t, []string{"real"}, fixture.deliveredTexts())
	assert.NoFileExists(t, filepath.Join(dir, "0000000000001-deadbeef.json"))
	assert.True(t, fixture.logged("deleting unparseable message"))
}

func TestScanIgnoresForeignEntries(t *testing.T) {
	fixture := newListenerFixture(t, "backend-1")
	dir := fixture.layout.InboxDir("backend-1")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".waggle-tmp123"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o644))

	fixture.listener.ScanNow()

	assert.Zero(t, fixture.deliveredCount())
	assert.FileExists(t, filepath.Join(dir, ".waggle-tmp123"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
	assert.DirExists(t, filepath.Join(dir, "nested"))
}

func TestStartDeliversBacklogThenWatches(t *testing.T) {
	fixture := newListenerFixture(t, "backend-1")
	require.NoError(t, Send(fixture.layout, NewMessage("frontend-1", "backend-1", "while you were out", false, "")))

	require.NoError(t, fixture.listener.Start())

	assert.Equal(t, []string{"while you were out"}, fixture.deliveredTexts())
	assert.True(t, fixture.listener.Watching())

	require.NoError(t, Send(fixture.layout, NewMessage("frontend-1", "backend-1", "and one more", false, "")))
	waitFor(t, "watch-driven delivery", func() bool { return fixture.deliveredCount() == 2 })
}

func TestReentrantScanCoalesces(t *testing.T) {
	fixture := newListenerFixture(t, "backend-1")
	fixture.onDeliver = func(message Message) {
		if message.Text != "first" {
			return
		}
		// A handler that produces mail for itself must not deadlock or
		// lose the follow-up.
		require.NoError(t, Send(fixture.layout, NewMessage("backend-1", "backend-1", "follow-up", false, "")))
		fixture.listener.ScanNow()
	}
	require.NoError(t, Send(fixture.layout, NewMessage("frontend-1", "backend-1", "first", false, "")))

	fixture.listener.ScanNow()

	assert.Equal(t, []string{"first", "follow-up"}, fixture.deliveredTexts())
}

func TestWatchLossRetriesUntilRecovered(t *testing.T) {
	fixture := newListenerFixture(t, "backend-1")
	require.NoError(t, fixture.listener.Start())
	require.True(t, fixture.listener.Watching())

	require.NoError(t, os.RemoveAll(fixture.layout.InboxDir("backend-1")))

	waitFor(t, "watch loss to be noticed", func() bool { return fixture.logged("inbox watch lost") })
	waitFor(t, "watch to be re-armed", fixture.listener.Watching)

	require.NoError(t, Send(fixture.layout, NewMessage("frontend-1", "backend-1", "after recovery", false, "")))
	waitFor(t, "delivery on the new watch", func() bool { return fixture.deliveredCount() == 1 })
}

func TestWatchAbandonedAfterRepeatedFailures(t *testing.T) {
	fixture := newListenerFixture(t, "backend-1")
	require.NoError(t, fixture.listener.Start())

	// A file squatting on the inbox root makes every recreate attempt fail.
	require.NoError(t, os.RemoveAll(fixture.layout.InboxRoot()))
	require.NoError(t, os.WriteFile(fixture.layout.InboxRoot(), []byte("x"), 0o644))

	waitFor(t, "retry ladder to give up", func() bool {
		return fixture.logged("inbox watch abandoned after repeated failures; delivery now needs manual scans")
	})
	assert.False(t, fixture.listener.Watching())

	// Manual scans still work once the path is usable again.
	require.NoError(t, os.Remove(fixture.layout.InboxRoot()))
	require.NoError(t, fixture.layout.Ensure())
	require.NoError(t, Send(fixture.layout, NewMessage("frontend-1", "backend-1", "degraded mode", false, "")))
	fixture.listener.ScanNow()
	assert.Equal(t, []string{"degraded mode"}, fixture.deliveredTexts())

	fixture.listener.RecoverIfNeeded()
	waitFor(t, "watch to come back after recovery", fixture.listener.Watching)
}

func TestRecoverIfNeededLeavesHealthyWatchAlone(t *testing.T) {
	fixture := newListenerFixture(t, "backend-1")
	require.NoError(t, fixture.listener.Start())

	fixture.listener.RecoverIfNeeded()

	assert.True(t, fixture.listener.Watching())
	require.NoError(t, Send(fixture.layout, NewMessage("frontend-1", "backend-1", "still alive", false, "")))
	waitFor(t, "delivery on the original watch", func() bool { return fixture.deliveredCount() == 1 })
}

func TestCloseStopsDelivery(t *testing.T) {
	fixture := newListenerFixture(t, "backend-1")
	require.NoError(t, fixture.listener.Start())

	fixture.listener.Close()
	fixture.listener.Close()

	require.NoError(t, Send(fixture.layout, NewMessage("frontend-1", "backend-1", "too late", false, "")))
	fixture.listener.ScanNow()
	assert.Zero(t, fixture.deliveredCount())
	assert.False(t, fixture.listener.Watching())
}

func TestStartFailsWhenInboxRootIsBlocked(t *testing.T) {
	fixture := newListenerFixture(t, "backend-1")
	require.NoError(t, os.RemoveAll(fixture.layout.InboxRoot()))
	require.NoError(t, os.WriteFile(fixture.layout.InboxRoot(), []byte("x"), 0o644))

	require.Error(t, fixture.listener.Start())
	assert.False(t, fixture.listener.Watching())
}
