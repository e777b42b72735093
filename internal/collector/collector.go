// Package collector tails every file in a log directory and turns backend
// notifications into log entries.
//
// A Collector owns its notify.Backend, the path registry and every open file
// handle. It is single-threaded: exactly one goroutine may call NextBatch,
// TryNextBatch or Next at a time. Only TrackedFiles is safe to call from
// elsewhere.
//
// Files are tailed, not replayed: a file is positioned at its end when it is
// first discovered. A file reachable under several names in the root is
// watched once and each completed line is emitted once per name.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/podtail/podtail/internal/agent"
	"github.com/podtail/podtail/internal/notify"
)

// ErrNotDirectory is returned by New when the root is not a directory.
var ErrNotDirectory = errors.New("collector: root is not a directory")

// Option configures a Collector.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *Metrics
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the instruments the collector updates.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Collector tails the regular files directly inside a root directory.
type Collector[H comparable] struct {
	backend notify.Backend[H]
	logger  *slog.Logger
	metrics *Metrics
	scanner rootScanner

	// root is the directory as configured; aliases are reported under it
	// even when it is a symlink. rootCanonical is what the backend watches.
	root          string
	rootCanonical string
	rootHandle    H

	files     map[H]*trackedFile
	paths     map[string]H        // every alias name → watch handle
	canonical map[string]H        // canonical path → watch handle
	ignored   map[string]fs.FileMode // skipped root entries → listed type

	pending []agent.LogEntry
	buf     []byte
	tracked atomic.Int64
}

// New watches root, registers every file already in it and positions each
// at its end. New takes ownership of backend and closes it on failure.
//
// Any I/O error while listing the root or opening its files is returned;
// there is no partial startup.
func New[H comparable](backend notify.Backend[H], root string, opts ...Option) (*Collector[H], error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}

	c, err := newCollector(backend, root, o)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return c, nil
}

func newCollector[H comparable](backend notify.Backend[H], root string, o options) (*Collector[H], error) {
	root = filepath.Clean(root)
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("collector: root %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("collector: root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("collector: root %q: %w", root, ErrNotDirectory)
	}
	rootCanonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("collector: resolve root %q: %w", root, err)
	}

	rootHandle, err := backend.WatchDirectory(rootCanonical)
	if err != nil {
		return nil, fmt.Errorf("collector: watch root %q: %w", rootCanonical, err)
	}

	c := &Collector[H]{
		backend:       backend,
		logger:        o.logger,
		metrics:       o.metrics,
		scanner:       rootScanner{root: root, logger: o.logger},
		root:          root,
		rootCanonical: rootCanonical,
		rootHandle:    rootHandle,
		files:         make(map[H]*trackedFile),
		paths:         make(map[string]H),
		canonical:     make(map[string]H),
		ignored:       make(map[string]fs.FileMode),
		buf:           make([]byte, readChunkSize),
	}

	found, err := c.scanner.scan(c.known)
	if err != nil {
		c.closeFiles()
		return nil, err
	}
	for _, d := range found {
		// A name may have become known earlier in this loop as the own
		// name of a symlink target.
		if c.known(d.path, d.typ) {
			continue
		}
		if d.err != nil {
			c.skip(d)
			continue
		}
		if err := c.handleNewFile(d); err != nil {
			c.closeFiles()
			return nil, err
		}
	}

	c.logger.Info("collector: watching root",
		slog.String("root", root),
		slog.String("canonical", rootCanonical),
		slog.Int("files", len(c.files)),
	)
	return c, nil
}

// known reports whether a root entry name needs no further attention. A
// skipped name is forgotten, and so evaluated again, once it is listed with
// a different type, for example a directory replaced by a regular file.
// Changes that keep the type, such as a symlink loop repaired in place, are
// not noticed.
func (c *Collector[H]) known(path string, typ fs.FileMode) bool {
	if _, ok := c.paths[path]; ok {
		return true
	}
	was, ok := c.ignored[path]
	if !ok {
		return false
	}
	if was != typ {
		delete(c.ignored, path)
		return false
	}
	return true
}

// skip remembers a root entry that cannot be resolved so later rescans do
// not retry it while its type is unchanged.
func (c *Collector[H]) skip(d discovery) {
	c.ignored[d.path] = d.typ
	c.metrics.FileErrors.Inc()
	c.logger.Warn("collector: skipping root entry",
		slog.String("path", d.path),
		slog.Any("error", d.err),
	)
}

// NextBatch blocks on the backend until notifications arrive and returns the
// entries they produced. The result may be empty, for example when only a
// partial line was written. Entries buffered by Next are returned first.
func (c *Collector[H]) NextBatch(ctx context.Context) ([]agent.LogEntry, error) {
	if len(c.pending) > 0 {
		out := c.pending
		c.pending = nil
		return out, nil
	}
	ns, err := c.backend.Drain(ctx)
	if err != nil {
		return nil, fmt.Errorf("collector: drain: %w", err)
	}
	return c.process(ns)
}

// TryNextBatch is NextBatch without blocking: it processes whatever the
// backend has pending, possibly nothing.
func (c *Collector[H]) TryNextBatch() ([]agent.LogEntry, error) {
	if len(c.pending) > 0 {
		out := c.pending
		c.pending = nil
		return out, nil
	}
	ns, err := c.backend.TryDrain()
	if err != nil {
		return nil, fmt.Errorf("collector: drain: %w", err)
	}
	return c.process(ns)
}

// Next returns one entry, blocking on the backend while none is buffered.
func (c *Collector[H]) Next(ctx context.Context) (agent.LogEntry, error) {
	for len(c.pending) == 0 {
		batch, err := c.NextBatch(ctx)
		if err != nil {
			return agent.LogEntry{}, err
		}
		c.pending = batch
	}
	e := c.pending[0]
	c.pending = c.pending[1:]
	return e, nil
}

// TrackedFiles returns the number of distinct files being tailed. It is safe
// to call from any goroutine.
func (c *Collector[H]) TrackedFiles() int {
	return int(c.tracked.Load())
}

// Close releases every file handle and the backend.
func (c *Collector[H]) Close() error {
	c.closeFiles()
	if err := c.backend.Close(); err != nil {
		return fmt.Errorf("collector: close backend: %w", err)
	}
	return nil
}

func (c *Collector[H]) closeFiles() {
	for h, tf := range c.files {
		_ = tf.file.Close()
		delete(c.files, h)
	}
	c.updateTracked()
}

// process classifies a batch of notifications and applies the resulting
// events: changes to tracked files first, then newly discovered files.
func (c *Collector[H]) process(ns []notify.Notification[H]) ([]agent.LogEntry, error) {
	events, err := c.classify(ns)
	if err != nil {
		return nil, err
	}

	var out []agent.LogEntry
	for _, ev := range events {
		out = c.apply(ev, out)
	}
	return out, nil
}

// classify turns raw notifications into events. Repeated handles in one
// batch are coalesced. A root notification triggers a rescan whose new names
// become createEvents, queued behind every file event.
func (c *Collector[H]) classify(ns []notify.Notification[H]) ([]event, error) {
	var changes, created []event
	seen := make(map[H]struct{}, len(ns))

	for _, n := range ns {
		if _, dup := seen[n.Handle]; dup {
			continue
		}
		seen[n.Handle] = struct{}{}

		if n.Handle == c.rootHandle {
			c.metrics.Notifications.WithLabelValues(kindRoot).Inc()
			found, err := c.scanner.scan(c.known)
			if err != nil {
				return nil, err
			}
			for _, d := range found {
				created = append(created, createEvent{found: d})
			}
			continue
		}

		tf, ok := c.files[n.Handle]
		if !ok {
			c.metrics.Notifications.WithLabelValues(kindStale).Inc()
			c.logger.Warn("collector: notification for unknown watch; ignoring",
				slog.Any("handle", n.Handle),
			)
			continue
		}

		info, err := tf.file.Stat()
		if err != nil {
			c.drop(n.Handle, fmt.Errorf("collector: stat %q: %w", tf.canonical, err))
			continue
		}
		if tf.offset <= info.Size() {
			c.metrics.Notifications.WithLabelValues(kindAppend).Inc()
			changes = append(changes, appendEvent[H]{handle: n.Handle})
		} else {
			c.metrics.Notifications.WithLabelValues(kindTruncate).Inc()
			changes = append(changes, truncateEvent[H]{handle: n.Handle})
		}
	}

	return append(changes, created...), nil
}

// apply performs one event. Per-file failures drop that file and are not
// returned.
func (c *Collector[H]) apply(ev event, out []agent.LogEntry) []agent.LogEntry {
	var err error
	switch ev := ev.(type) {
	case appendEvent[H]:
		tf, ok := c.files[ev.handle]
		if !ok {
			return out
		}
		if out, err = c.read(tf, out); err != nil {
			c.drop(ev.handle, err)
		}

	case truncateEvent[H]:
		tf, ok := c.files[ev.handle]
		if !ok {
			return out
		}
		if out, err = c.rewind(tf, out); err != nil {
			c.drop(ev.handle, err)
		}

	case createEvent:
		if c.known(ev.found.path, ev.found.typ) {
			return out
		}
		if ev.found.err != nil {
			c.skip(ev.found)
			return out
		}
		if err := c.handleNewFile(ev.found); err != nil {
			c.metrics.FileErrors.Inc()
			c.logger.Warn("collector: cannot tail new file",
				slog.String("path", ev.found.path),
				slog.Any("error", err),
			)
			return out
		}
		// The file may already have grown since it was positioned.
		h, ok := c.paths[ev.found.path]
		if !ok {
			return out
		}
		if out, err = c.read(c.files[h], out); err != nil {
			c.drop(h, err)
		}

	default:
		panic(fmt.Sprintf("collector: unhandled event %T", ev))
	}
	return out
}
