package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDebounce = 50 * time.Millisecond

func startWatcher(t *testing.T, paths ...string) *Watcher {
	t.Helper()
	w, err := New(paths, testDebounce)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Stop() })
	return w
}

func waitEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectQuiet(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(6 * testDebounce):
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.json")
	content := []byte(`{"core.fontSize": 7}`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	hash, size, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, xxhash.Sum64(content), hash)
	assert.Equal(t, int64(len(content)), size)

	_, _, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewDefaultsDebounce(t *testing.T) {
	w, err := New(nil, 0)
	require.NoError(t, err)
	defer w.fsWatcher.Close()
	assert.Equal(t, 250*time.Millisecond, w.debounce)
}

func TestWriteProducesEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	w := startWatcher(t, path)
	content := []byte(`{"mod.flag": true}`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	ev := waitEvent(t, w)
	abs, _ := filepath.Abs(path)
	assert.Equal(t, abs, ev.Path)
	assert.Equal(t, xxhash.Sum64(content), ev.Hash)
	assert.Equal(t, int64(len(content)), ev.Size)
}

func TestCreateProducesEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.json")

	w := startWatcher(t, path)
	require.NoError(t, os.WriteFile(path, []byte(`{"a.b": 1}`), 0644))

	ev := waitEvent(t, w)
	assert.Equal(t, filepath.Base(path), filepath.Base(ev.Path))
}

func TestRenameOntoFileProducesEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	w := startWatcher(t, path)

	tmp := filepath.Join(dir, "client.json.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"x.y": 2}`), 0644))
	require.NoError(t, os.Rename(tmp, path))

	ev := waitEvent(t, w)
	assert.Equal(t, filepath.Base(path), filepath.Base(ev.Path))
}

func TestBurstIsCoalesced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	w := startWatcher(t, path)
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{'{', '}', byte('0' + i)}, 0644))
	}

	ev := waitEvent(t, w)
	assert.Equal(t, int64(3), ev.Size)
	expectQuiet(t, w)
}

func TestIdenticalRewriteIsDropped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.json")
	content := []byte(`{"core.fontSize": 5}`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	w := startWatcher(t, path)
	require.NoError(t, os.WriteFile(path, content, 0644))
	expectQuiet(t, w)
}

func TestAcknowledgedWriteIsDropped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	w := startWatcher(t, path)
	require.NoError(t, os.WriteFile(path, []byte(`{"mod.flag": true}`), 0644))
	require.NoError(t, w.Acknowledge(path))
	expectQuiet(t, w)

	content := []byte(`{"mod.flag": false}`)
	require.NoError(t, os.WriteFile(path, content, 0644))
	ev := waitEvent(t, w)
	assert.Equal(t, xxhash.Sum64(content), ev.Hash)

	assert.ErrorIs(t, w.Acknowledge(filepath.Join(dir, "missing.json")), os.ErrNotExist)
}

func TestUnwatchedSiblingIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	w := startWatcher(t, path)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{"a": 1}`), 0644))
	expectQuiet(t, w)
}

func TestStartFailsForMissingDirectory(t *testing.T) {
	w, err := New([]string{filepath.Join(t.TempDir(), "nope", "client.json")}, testDebounce)
	require.NoError(t, err)
	defer w.fsWatcher.Close()
	assert.Error(t, w.Start())
}

func TestRunDispatchesEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	w := startWatcher(t, path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, nil, func(_ context.Context, ev Event) error {
			seen <- ev
			return nil
		})
	}()

	require.NoError(t, os.WriteFile(path, []byte(`{"mod.flag": false}`), 0644))

	select {
	case ev := <-seen:
		assert.Equal(t, filepath.Base(path), filepath.Base(ev.Path))
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatchedPaths(t *testing.T) {
	w, err := New([]string{"a.json", "b.json"}, testDebounce)
	require.NoError(t, err)
	defer w.fsWatcher.Close()
	assert.Equal(t, []string{"a.json", "b.json"}, w.WatchedPaths())
}
