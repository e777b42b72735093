package collector_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podtail/podtail/internal/agent"
	"github.com/podtail/podtail/internal/collector"
	"github.com/podtail/podtail/internal/notify/notifytest"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError + 10, // suppress all output
	}))
}

// tempDir returns a canonical temporary directory. On macOS t.TempDir lives
// under a symlinked /var.
func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func startCollector(t *testing.T, b *notifytest.Backend, root string) *collector.Collector[notifytest.Handle] {
	t.Helper()
	c, err := collector.New[notifytest.Handle](b, root, collector.WithLogger(noopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextBatch(t *testing.T, c *collector.Collector[notifytest.Handle]) []agent.LogEntry {
	t.Helper()
	entries, err := c.NextBatch(context.Background())
	require.NoError(t, err)
	return entries
}

func lines(entries []agent.LogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Line)
	}
	return out
}

func paths(entries []agent.LogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Metadata["path"])
	}
	return out
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_MissingRoot(t *testing.T) {
	b := notifytest.New(t)
	_, err := collector.New[notifytest.Handle](b, filepath.Join(tempDir(t), "absent"), collector.WithLogger(noopLogger()))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNew_RootIsAFile(t *testing.T) {
	root := tempDir(t)
	file := filepath.Join(root, "file.log")
	writeFile(t, file, "")

	b := notifytest.New(t)
	_, err := collector.New[notifytest.Handle](b, file, collector.WithLogger(noopLogger()))
	assert.ErrorIs(t, err, collector.ErrNotDirectory)
}

func TestNew_RegistersExistingFiles(t *testing.T) {
	root := tempDir(t)
	writeFile(t, filepath.Join(root, "a.log"), "")
	writeFile(t, filepath.Join(root, "b.log"), "")
	require.NoError(t, os.Mkdir(filepath.Join(root, "subdir"), 0o755))

	b := notifytest.New(t)
	c := startCollector(t, b, root)

	assert.Equal(t, 2, c.TrackedFiles())
	assert.True(t, b.Registered(root))
	assert.Equal(t, 1, b.FileWatches(filepath.Join(root, "a.log")))
	assert.Equal(t, 1, b.FileWatches(filepath.Join(root, "b.log")))
	assert.False(t, b.Registered(filepath.Join(root, "subdir")))
}

// ---------------------------------------------------------------------------
// Tailing and line segmentation
// ---------------------------------------------------------------------------

func TestBasicTail(t *testing.T) {
	root := tempDir(t)
	path := filepath.Join(root, "app.log")
	writeFile(t, path, "")

	b := notifytest.New(t)
	c := startCollector(t, b, root)

	b.SimulateWrite(path, "hello?\n")
	b.SimulateWrite(path, "world!\n")

	entries := nextBatch(t, c)
	require.Len(t, entries, 2)
	assert.Equal(t, agent.LogEntry{Line: "hello?", Metadata: map[string]string{"path": path}}, entries[0])
	assert.Equal(t, agent.LogEntry{Line: "world!", Metadata: map[string]string{"path": path}}, entries[1])
}

func TestPreexistingContentIsNotEmitted(t *testing.T) {
	root := tempDir(t)
	path := filepath.Join(root, "app.log")
	writeFile(t, path, "preexisting\n")

	b := notifytest.New(t)
	c := startCollector(t, b, root)

	b.SimulateWrite(path, "new\n")
	assert.Equal(t, []string{"new"}, lines(nextBatch(t, c)))
}

func TestPartialLinesAreBuffered(t *testing.T) {
	root := tempDir(t)
	path := filepath.Join(root, "app.log")
	writeFile(t, path, "")

	b := notifytest.New(t)
	c := startCollector(t, b, root)

	b.SimulateWrite(path, "a")
	assert.Empty(t, nextBatch(t, c))

	b.SimulateWrite(path, "b\n")
	assert.Equal(t, []string{"ab"}, lines(nextBatch(t, c)))
}

func TestMultipleLinesInOneRead(t *testing.T) {
	root := tempDir(t)
	path := filepath.Join(root, "app.log")
	writeFile(t, path, "")

	b := notifytest.New(t)
	c := startCollector(t, b, root)

	b.SimulateWrite(path, "one\ntwo\r\nthree\nfour")
	assert.Equal(t, []string{"one", "two", "three"}, lines(nextBatch(t, c)))

	b.SimulateWrite(path, "\n")
	assert.Equal(t, []string{"four"}, lines(nextBatch(t, c)))
}

func TestTruncateDiscardsPartialLine(t *testing.T) {
	root := tempDir(t)
	path := filepath.Join(root, "app.log")
	writeFile(t, path, "")

	b := notifytest.New(t)
	c := startCollector(t, b, root)

	b.SimulateWrite(path, "partial")
	assert.Empty(t, nextBatch(t, c))

	b.SimulateTruncate(path, "new\n")
	assert.Equal(t, []string{"new"}, lines(nextBatch(t, c)))

	b.SimulateWrite(path, "after\n")
	assert.Equal(t, []string{"after"}, lines(nextBatch(t, c)))
}

func TestNextIteratesEntries(t *testing.T) {
	root := tempDir(t)
	path := filepath.Join(root, "app.log")
	writeFile(t, path, "")

	b := notifytest.New(t)
	c := startCollector(t, b, root)

	b.SimulateWrite(path, "first\nsecond\n")

	ctx := context.Background()
	e, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", e.Line)

	// The second entry is already buffered; no notification is needed.
	e, err = c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", e.Line)
	assert.Zero(t, b.Pending())
}

func TestNextBatchHonoursCancellation(t *testing.T) {
	root := tempDir(t)
	b := notifytest.New(t)
	c := startCollector(t, b, root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.NextBatch(ctx)
	assert.True(t, errors.Is(err, context.Canceled), "err = %v", err)
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

func TestNewFileIsTailedFromDiscovery(t *testing.T) {
	root := tempDir(t)
	b := notifytest.New(t)
	c := startCollector(t, b, root)

	path := b.SimulateNewFile(root, "late.log", "written before discovery\n")
	assert.Empty(t, nextBatch(t, c))
	assert.Equal(t, 1, c.TrackedFiles())

	b.SimulateWrite(path, "after discovery\n")
	entries := nextBatch(t, c)
	assert.Equal(t, []string{"after discovery"}, lines(entries))
	assert.Equal(t, []string{path}, paths(entries))
}

func TestRootRescanIsIdempotent(t *testing.T) {
	root := tempDir(t)
	b := notifytest.New(t)
	c := startCollector(t, b, root)

	path := b.SimulateNewFile(root, "a.log", "")
	assert.Empty(t, nextBatch(t, c))
	require.Equal(t, 1, b.FileWatches(path))

	b.Notify(root)
	assert.Empty(t, nextBatch(t, c))
	assert.Equal(t, 1, b.FileWatches(path))
	assert.Equal(t, 1, c.TrackedFiles())
}

func TestFileEventsAreProcessedBeforeDiscoveries(t *testing.T) {
	root := tempDir(t)
	old := filepath.Join(root, "old.log")
	writeFile(t, old, "")

	b := notifytest.New(t)
	c := startCollector(t, b, root)

	b.SimulateWrite(old, "from old\n")
	b.SimulateNewFile(root, "new.log", "")
	b.SimulateWrite(old, "more from old\n")

	assert.Equal(t, []string{"from old", "more from old"}, lines(nextBatch(t, c)))
	assert.Equal(t, 2, c.TrackedFiles())
}

// ---------------------------------------------------------------------------
// Symlinks
// ---------------------------------------------------------------------------

func TestExternalSymlink(t *testing.T) {
	root := tempDir(t)
	outside := tempDir(t)
	target := filepath.Join(outside, "real.log")
	writeFile(t, target, "")
	link := filepath.Join(root, "link.log")
	require.NoError(t, os.Symlink(target, link))

	b := notifytest.New(t)
	c := startCollector(t, b, root)

	b.SimulateWrite(target, "through the link\n")
	entries := nextBatch(t, c)
	require.Len(t, entries, 1)
	assert.Equal(t, "through the link", entries[0].Line)
	assert.Equal(t, link, entries[0].Metadata["path"])
	assert.Equal(t, 1, b.FileWatches(target))
}

func TestInternalSymlinkFansOut(t *testing.T) {
	root := tempDir(t)
	target := filepath.Join(root, "a.log")
	writeFile(t, target, "")
	link := filepath.Join(root, "b.log")
	require.NoError(t, os.Symlink("a.log", link))

	b := notifytest.New(t)
	c := startCollector(t, b, root)

	assert.Equal(t, 1, b.FileWatches(target))
	assert.Equal(t, 1, c.TrackedFiles())

	b.SimulateWrite(target, "twice\n")
	entries := nextBatch(t, c)
	assert.Equal(t, []string{"twice", "twice"}, lines(entries))
	assert.ElementsMatch(t, []string{target, link}, paths(entries))
}

func TestSymlinkListedBeforeItsTarget(t *testing.T) {
	root := tempDir(t)
	target := filepath.Join(root, "z.log")
	writeFile(t, target, "")
	link := filepath.Join(root, "0.log")
	require.NoError(t, os.Symlink(target, link))

	b := notifytest.New(t)
	c := startCollector(t, b, root)

	assert.Equal(t, 1, b.FileWatches(target))

	b.SimulateWrite(link, "once per name\n")
	entries := nextBatch(t, c)
	assert.Len(t, entries, 2)
	assert.ElementsMatch(t, []string{link, target}, paths(entries))
}

func TestSymlinkDiscoveredLaterReusesWatch(t *testing.T) {
	root := tempDir(t)
	target := filepath.Join(root, "a.log")
	writeFile(t, target, "")

	b := notifytest.New(t)
	c := startCollector(t, b, root)

	b.SimulateSymlink(root, "b.log", target)
	b.SimulateSymlink(root, "c.log", target)
	assert.Empty(t, nextBatch(t, c))
	assert.Equal(t, 1, b.FileWatches(target))

	b.SimulateWrite(target, "x\n")
	entries := nextBatch(t, c)
	assert.ElementsMatch(t, []string{
		target,
		filepath.Join(root, "b.log"),
		filepath.Join(root, "c.log"),
	}, paths(entries))
}

func TestSymlinkedRootReportsConfiguredPaths(t *testing.T) {
	realDir := tempDir(t)
	parent := tempDir(t)
	root := filepath.Join(parent, "logs")
	require.NoError(t, os.Symlink(realDir, root))
	writeFile(t, filepath.Join(realDir, "app.log"), "")

	b := notifytest.New(t)
	c := startCollector(t, b, root)

	assert.True(t, b.Registered(realDir))
	assert.False(t, b.Registered(root))

	b.SimulateWrite(filepath.Join(realDir, "app.log"), "line\n")
	assert.Equal(t, []string{filepath.Join(root, "app.log")}, paths(nextBatch(t, c)))

	fresh := b.SimulateNewFile(realDir, "fresh.log", "")
	assert.Empty(t, nextBatch(t, c))
	b.SimulateWrite(fresh, "fresh line\n")
	assert.Equal(t, []string{filepath.Join(root, "fresh.log")}, paths(nextBatch(t, c)))
}

func TestDanglingSymlinkIsSkipped(t *testing.T) {
	root := tempDir(t)
	require.NoError(t, os.Symlink(filepath.Join(root, "missing.log"), filepath.Join(root, "dangling.log")))

	b := notifytest.New(t)
	c := startCollector(t, b, root)
	assert.Zero(t, c.TrackedFiles())
}

// ---------------------------------------------------------------------------
// Fault tolerance
// ---------------------------------------------------------------------------

func TestNotificationForUnknownWatchIsIgnored(t *testing.T) {
	root := tempDir(t)
	path := filepath.Join(root, "app.log")
	writeFile(t, path, "")
	stray := filepath.Join(tempDir(t), "stray.log")
	writeFile(t, stray, "")

	b := notifytest.New(t)
	c := startCollector(t, b, root)

	// A registration the collector never made.
	_, err := b.WatchFile(stray)
	require.NoError(t, err)
	b.Notify(stray)
	b.SimulateWrite(path, "still working\n")

	assert.Equal(t, []string{"still working"}, lines(nextBatch(t, c)))
}

func TestTryNextBatchWithNothingPending(t *testing.T) {
	root := tempDir(t)
	b := notifytest.New(t)
	c := startCollector(t, b, root)

	entries, err := c.TryNextBatch()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
