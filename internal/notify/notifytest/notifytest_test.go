package notifytest_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podtail/podtail/internal/notify/notifytest"
)

// fatalRecorder stands in for the test handed to notifytest.New. Fatalf
// records the message and ends the calling goroutine, like testing.T does.
type fatalRecorder struct {
	testing.TB

	mu   sync.Mutex
	msgs []string
}

func (r *fatalRecorder) Fatalf(format string, args ...any) {
	r.mu.Lock()
	r.msgs = append(r.msgs, fmt.Sprintf(format, args...))
	r.mu.Unlock()
	runtime.Goexit()
}

// expectFatal runs fn on its own goroutine and returns the single Fatalf
// message it produced.
func expectFatal(t *testing.T, rec *fatalRecorder, fn func()) string {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	<-done

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.msgs, 1, "expected exactly one Fatalf call")
	msg := rec.msgs[0]
	rec.msgs = nil
	return msg
}

// fixture returns a canonical directory holding a regular file and a
// symlink to it.
func fixture(t *testing.T) (dir, file, link string) {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	file = filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	link = filepath.Join(dir, "link.log")
	require.NoError(t, os.Symlink(file, link))
	return dir, file, link
}

func TestBackend_RejectsCallerViolations(t *testing.T) {
	dir, file, link := fixture(t)

	tests := []struct {
		name string
		call func(b *notifytest.Backend)
		want string
	}{
		{
			name: "relative path",
			call: func(b *notifytest.Backend) { _, _ = b.WatchFile("app.log") },
			want: "not absolute",
		},
		{
			name: "non-canonical path",
			call: func(b *notifytest.Backend) { _, _ = b.WatchFile(link) },
			want: "not canonical",
		},
		{
			name: "file as directory",
			call: func(b *notifytest.Backend) { _, _ = b.WatchDirectory(file) },
			want: "not a directory",
		},
		{
			name: "directory as file",
			call: func(b *notifytest.Backend) { _, _ = b.WatchFile(dir) },
			want: "not a regular file",
		},
		{
			name: "missing path",
			call: func(b *notifytest.Backend) { _, _ = b.WatchFile(filepath.Join(dir, "absent.log")) },
			want: "absent.log",
		},
		{
			name: "drain with nothing queued",
			call: func(b *notifytest.Backend) { _, _ = b.Drain(context.Background()) },
			want: "no pending notifications",
		},
		{
			name: "notify without registration",
			call: func(b *notifytest.Backend) { b.Notify(file) },
			want: "no watch registered",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := &fatalRecorder{TB: t}
			b := notifytest.New(rec)
			msg := expectFatal(t, rec, func() { tc.call(b) })
			assert.Contains(t, msg, tc.want)
		})
	}
}

func TestBackend_RejectsDuplicateRegistration(t *testing.T) {
	_, file, _ := fixture(t)
	rec := &fatalRecorder{TB: t}
	b := notifytest.New(rec)

	_, err := b.WatchFile(file)
	require.NoError(t, err)

	msg := expectFatal(t, rec, func() { _, _ = b.WatchFile(file) })
	assert.Contains(t, msg, "already registered")
	assert.Equal(t, 1, b.FileWatches(file))
}

func TestBackend_UnwatchAllowsRegisteringAgain(t *testing.T) {
	_, file, _ := fixture(t)
	b := notifytest.New(t)

	h, err := b.WatchFile(file)
	require.NoError(t, err)
	require.NoError(t, b.Unwatch(h))
	assert.False(t, b.Registered(file))

	h2, err := b.WatchFile(file)
	require.NoError(t, err)
	assert.NotEqual(t, h, h2)
	assert.Equal(t, 2, b.FileWatches(file))
}

func TestBackend_SimulateHelpersQueueTheRightHandle(t *testing.T) {
	dir, file, link := fixture(t)
	b := notifytest.New(t)

	dh, err := b.WatchDirectory(dir)
	require.NoError(t, err)
	fh, err := b.WatchFile(file)
	require.NoError(t, err)

	// A write through the symlink is attributed to the target's watch.
	b.SimulateWrite(link, "hello\n")
	created := b.SimulateNewFile(dir, "new.log", "x")
	assert.Equal(t, 2, b.Pending())

	ns, err := b.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, ns, 2)
	assert.Equal(t, fh, ns[0].Handle)
	assert.Equal(t, dh, ns[1].Handle)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
	assert.FileExists(t, created)

	ns, err = b.TryDrain()
	require.NoError(t, err)
	assert.Empty(t, ns)
}
