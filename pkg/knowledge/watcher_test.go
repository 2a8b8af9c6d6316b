package knowledge

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// genai pulls in opencensus, whose stats worker starts at package init.
var ignoreSDKWorkers = goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start")

func TestFileWatcher_DebouncesChanges(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreSDKWorkers)

	dir := t.TempDir()
	var fired atomic.Int32
	fw, err := NewFileWatcher(quiet, 50*time.Millisecond, func() { fired.Add(1) })
	require.NoError(t, err)
	require.NoError(t, fw.Watch(dir))

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte{byte('a' + i)}, 0644))
	}

	require.Eventually(t, func() bool { return fired.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())

	require.NoError(t, fw.Stop())
	assert.NoError(t, fw.Stop())
}

func TestFileWatcher_IgnoresOtherFiles(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreSDKWorkers)

	dir := t.TempDir()
	var fired atomic.Int32
	fw, err := NewFileWatcher(quiet, 20*time.Millisecond, func() { fired.Add(1) })
	require.NoError(t, err)
	require.NoError(t, fw.Watch(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.png"), []byte("x"), 0644))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	require.NoError(t, fw.Stop())
}

func TestFileWatcher_WatchesNewDirectories(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreSDKWorkers)

	dir := t.TempDir()
	var fired atomic.Int32
	fw, err := NewFileWatcher(quiet, 20*time.Millisecond, func() { fired.Add(1) })
	require.NoError(t, err)
	require.NoError(t, fw.Watch(dir))

	sub := filepath.Join(dir, "guides")
	require.NoError(t, os.Mkdir(sub, 0755))
	require.Eventually(t, func() bool { return fired.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	before := fired.Load()
	// give the watcher time to add the new directory
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "setup.md"), []byte("# Setup"), 0644))
	require.Eventually(t, func() bool { return fired.Load() > before }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, fw.Stop())
}

func TestBase_WatchMarksDirty(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBase(Config{
		Dir:      dir,
		DBPath:   filepath.Join(t.TempDir(), "index.db"),
		Embedder: newMockEmbedder(8),
		Watch:    true,
		Debounce: 20 * time.Millisecond,
		Logger:   &quiet,
	})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Load(t.Context(), false))
	require.False(t, b.IsDirty())

	writeDoc(t, dir, "new.md", "# New\n\nFresh content.")
	require.Eventually(t, b.IsDirty, 2*time.Second, 10*time.Millisecond)
}
