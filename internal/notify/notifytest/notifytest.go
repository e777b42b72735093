// Package notifytest provides an in-memory notify.Backend for exercising
// code that consumes notifications without a kernel mechanism behind it.
//
// Unlike the native backends, it enforces the caller obligations of the
// notify contract: registering a non-canonical path, a path of the wrong
// type, or a path twice fails the test immediately. Draining with nothing
// queued also fails the test, since a blocking drain would otherwise hang.
//
// Notifications are only ever queued by the Simulate helpers and Notify, and
// those refuse paths without a registration, so a test cannot observe a
// notification for a watch that was never registered.
package notifytest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/podtail/podtail/internal/notify"
)

// Handle is the opaque watch handle issued by Backend.
type Handle struct {
	id   int
	path string
}

func (h Handle) String() string {
	return fmt.Sprintf("notifytest(%d:%s)", h.id, h.path)
}

type kind int

const (
	kindDir kind = iota + 1
	kindFile
)

type registration struct {
	handle Handle
	kind   kind
}

// Backend is a scripted notify.Backend. It is shared between the test and
// the code under test, so its state sits behind a mutex.
type Backend struct {
	t testing.TB

	mu          sync.Mutex
	nextID      int
	registered  map[string]registration // canonical path → registration
	fileWatches map[string]int          // canonical path → WatchFile calls
	queue       []notify.Notification[Handle]
}

var _ notify.Backend[Handle] = (*Backend)(nil)

// New returns an empty Backend bound to t.
func New(t testing.TB) *Backend {
	t.Helper()
	return &Backend{
		t:           t,
		registered:  make(map[string]registration),
		fileWatches: make(map[string]int),
	}
}

// WatchDirectory implements notify.Backend.
func (b *Backend) WatchDirectory(path string) (Handle, error) {
	b.t.Helper()
	return b.register(path, kindDir)
}

// WatchFile implements notify.Backend.
func (b *Backend) WatchFile(path string) (Handle, error) {
	b.t.Helper()
	return b.register(path, kindFile)
}

func (b *Backend) register(path string, k kind) (Handle, error) {
	b.t.Helper()

	if !filepath.IsAbs(path) {
		b.t.Fatalf("notifytest: watch %q: path is not absolute", path)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		b.t.Fatalf("notifytest: watch %q: %v", path, err)
	}
	if resolved != path {
		b.t.Fatalf("notifytest: watch %q: path is not canonical (resolves to %q)", path, resolved)
	}
	info, err := os.Lstat(path)
	if err != nil {
		b.t.Fatalf("notifytest: watch %q: %v", path, err)
	}
	switch k {
	case kindDir:
		if !info.IsDir() {
			b.t.Fatalf("notifytest: WatchDirectory %q: not a directory", path)
		}
	case kindFile:
		if !info.Mode().IsRegular() {
			b.t.Fatalf("notifytest: WatchFile %q: not a regular file", path)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.registered[path]; dup {
		b.t.Fatalf("notifytest: watch %q: path is already registered", path)
	}
	b.nextID++
	h := Handle{id: b.nextID, path: path}
	b.registered[path] = registration{handle: h, kind: k}
	if k == kindFile {
		b.fileWatches[path]++
	}
	return h, nil
}

// Unwatch implements notify.Backend. Queued notifications for h stay queued,
// as they would in the kernel.
func (b *Backend) Unwatch(h Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if reg, ok := b.registered[h.path]; ok && reg.handle == h {
		delete(b.registered, h.path)
	}
	return nil
}

// Drain implements notify.Backend. It fails the test instead of blocking
// when nothing is queued.
func (b *Backend) Drain(ctx context.Context) ([]notify.Notification[Handle], error) {
	b.t.Helper()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, _ := b.TryDrain()
	if len(out) == 0 {
		b.t.Fatalf("notifytest: Drain called with no pending notifications")
	}
	return out, nil
}

// TryDrain implements notify.Backend.
func (b *Backend) TryDrain() ([]notify.Notification[Handle], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.queue
	b.queue = nil
	return out, nil
}

// Close implements notify.Backend.
func (b *Backend) Close() error { return nil }

// Notify queues a notification for the registration of the canonical form
// of path.
func (b *Backend) Notify(path string) {
	b.t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifyLocked(path, 0)
}

func (b *Backend) notifyLocked(path string, want kind) {
	b.t.Helper()
	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		b.t.Fatalf("notifytest: notify %q: %v", path, err)
	}
	reg, ok := b.registered[canonical]
	if !ok {
		b.t.Fatalf("notifytest: notify %q: no watch registered for %q", path, canonical)
	}
	if want != 0 && reg.kind != want {
		b.t.Fatalf("notifytest: notify %q: registered with the wrong kind", path)
	}
	b.queue = append(b.queue, notify.Notification[Handle]{Handle: reg.handle})
}

// SimulateNewFile creates dir/name with content and queues a notification
// for the watched directory dir. It returns the new file's path.
func (b *Backend) SimulateNewFile(dir, name, content string) string {
	b.t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		b.t.Fatalf("notifytest: create %q: %v", path, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifyLocked(dir, kindDir)
	return path
}

// SimulateSymlink creates dir/name pointing at target and queues a
// notification for the watched directory dir. It returns the link's path.
func (b *Backend) SimulateSymlink(dir, name, target string) string {
	b.t.Helper()
	path := filepath.Join(dir, name)
	if err := os.Symlink(target, path); err != nil {
		b.t.Fatalf("notifytest: symlink %q -> %q: %v", path, target, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifyLocked(dir, kindDir)
	return path
}

// SimulateWrite appends text to path and queues a notification for the
// watched file path resolves to.
func (b *Backend) SimulateWrite(path, text string) {
	b.t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		b.t.Fatalf("notifytest: open %q: %v", path, err)
	}
	_, werr := f.WriteString(text)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		b.t.Fatalf("notifytest: write %q: %v %v", path, werr, cerr)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifyLocked(path, kindFile)
}

// SimulateTruncate replaces the content of path with content and queues a
// notification for the watched file path resolves to.
func (b *Backend) SimulateTruncate(path, content string) {
	b.t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		b.t.Fatalf("notifytest: truncate %q: %v", path, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifyLocked(path, kindFile)
}

// FileWatches reports how many times WatchFile was called for the canonical
// path.
func (b *Backend) FileWatches(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fileWatches[path]
}

// Registered reports whether path currently holds a registration.
func (b *Backend) Registered(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.registered[path]
	return ok
}

// Pending reports how many notifications are queued.
func (b *Backend) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
