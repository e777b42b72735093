//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Native is the backend linked into this build.
type Native = Portable

// Handle is the watch handle type of the Native backend.
type Handle = PortableHandle

// NewNative returns the platform backend for this build.
func NewNative(logger *slog.Logger) (*Native, error) {
	return NewPortable(logger)
}

// PortableHandle identifies a path registered with fsnotify.
type PortableHandle struct {
	path string
}

func (h PortableHandle) String() string {
	return fmt.Sprintf("fsnotify(%s)", h.path)
}

// Portable is the fallback backend for platforms without inotify or kqueue.
// fsnotify reports events by name, so they are mapped back to the watched
// directory or file they belong to. fsnotify deduplicates repeated Add calls
// for the same path.
type Portable struct {
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	dirs    map[string]bool
	files   map[string]bool
	closed  bool
}

// NewPortable creates a fsnotify-backed backend.
func NewPortable(logger *slog.Logger) (*Portable, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: create watcher: %w", err)
	}
	return &Portable{
		logger:  logger,
		watcher: w,
		dirs:    make(map[string]bool),
		files:   make(map[string]bool),
	}, nil
}

// WatchDirectory implements Backend.
func (p *Portable) WatchDirectory(path string) (PortableHandle, error) {
	if err := p.add(path); err != nil {
		return PortableHandle{}, err
	}
	p.dirs[path] = true
	return PortableHandle{path: path}, nil
}

// WatchFile implements Backend.
func (p *Portable) WatchFile(path string) (PortableHandle, error) {
	if err := p.add(path); err != nil {
		return PortableHandle{}, err
	}
	p.files[path] = true
	return PortableHandle{path: path}, nil
}

func (p *Portable) add(path string) error {
	if p.closed {
		return ErrClosed
	}
	if err := p.watcher.Add(path); err != nil {
		return fmt.Errorf("fsnotify: add %q: %w", path, err)
	}
	p.logger.Debug("fsnotify: watching path", slog.String("path", path))
	return nil
}

// Unwatch implements Backend.
func (p *Portable) Unwatch(h PortableHandle) error {
	if p.closed {
		return ErrClosed
	}
	if !p.dirs[h.path] && !p.files[h.path] {
		return nil
	}
	delete(p.dirs, h.path)
	delete(p.files, h.path)
	if err := p.watcher.Remove(h.path); err != nil {
		return fmt.Errorf("fsnotify: remove %q: %w", h.path, err)
	}
	return nil
}

// Drain implements Backend.
func (p *Portable) Drain(ctx context.Context) ([]Notification[PortableHandle], error) {
	for {
		if p.closed {
			return nil, ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("fsnotify: %w", err)
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return nil, ErrClosed
			}
			var out []Notification[PortableHandle]
			if h, ok := p.translate(ev); ok {
				out = append(out, Notification[PortableHandle]{Handle: h})
			}
			rest, err := p.TryDrain()
			if err != nil {
				return nil, err
			}
			out = append(out, rest...)
			if len(out) > 0 {
				return out, nil
			}
		}
	}
}

// TryDrain implements Backend.
func (p *Portable) TryDrain() ([]Notification[PortableHandle], error) {
	if p.closed {
		return nil, ErrClosed
	}
	var out []Notification[PortableHandle]
	for {
		select {
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return out, ErrClosed
			}
			return out, fmt.Errorf("fsnotify: %w", err)
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return out, ErrClosed
			}
			if h, ok := p.translate(ev); ok {
				out = append(out, Notification[PortableHandle]{Handle: h})
			}
		default:
			return out, nil
		}
	}
}

// translate maps an fsnotify event to the registration it belongs to. Writes
// to a watched file map to the file; entries appearing in a watched directory
// map to the directory.
func (p *Portable) translate(ev fsnotify.Event) (PortableHandle, bool) {
	if p.files[ev.Name] && ev.Has(fsnotify.Write) {
		return PortableHandle{path: ev.Name}, true
	}
	if dir := filepath.Dir(ev.Name); p.dirs[dir] && (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
		return PortableHandle{path: dir}, true
	}
	return PortableHandle{}, false
}

// Close stops the fsnotify watcher. It is safe to call more than once.
func (p *Portable) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.watcher.Close(); err != nil {
		return fmt.Errorf("fsnotify: close: %w", err)
	}
	return nil
}
