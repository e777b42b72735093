//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// kqueueDirFflags: NOTE_WRITE fires on a directory whenever its entry list
// changes.
const kqueueDirFflags uint32 = unix.NOTE_WRITE

// kqueueFileFflags: NOTE_WRITE on data writes, NOTE_EXTEND when the size grows.
const kqueueFileFflags uint32 = unix.NOTE_WRITE | unix.NOTE_EXTEND

// kqueueBatch is the number of kevents collected per Kevent call.
const kqueueBatch = 64

// Native is the backend linked into this build.
type Native = Kqueue

// Handle is the watch handle type of the Native backend.
type Handle = KqueueHandle

// NewNative returns the platform backend for this build.
func NewNative(logger *slog.Logger) (*Native, error) {
	return NewKqueue(logger)
}

// KqueueHandle identifies the descriptor a kqueue filter is attached to.
type KqueueHandle struct {
	fd int
}

func (h KqueueHandle) String() string {
	return fmt.Sprintf("kqueue(fd=%d)", h.fd)
}

// Kqueue is the descriptor-poll backend built on BSD kqueue EVFILT_VNODE.
//
// Every registration opens its own descriptor. Registering the same path
// twice therefore produces two handles and two notifications per write; the
// caller is responsible for never doing that.
type Kqueue struct {
	logger *slog.Logger
	kq     int
	fds    map[int]string // watched fd → path
	events []unix.Kevent_t
	closed bool
}

// NewKqueue creates a kqueue instance.
func NewKqueue(logger *slog.Logger) (*Kqueue, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: create: %w", err)
	}
	unix.CloseOnExec(kq)
	return &Kqueue{
		logger: logger,
		kq:     kq,
		fds:    make(map[int]string),
		events: make([]unix.Kevent_t, kqueueBatch),
	}, nil
}

// WatchDirectory implements Backend.
func (k *Kqueue) WatchDirectory(path string) (KqueueHandle, error) {
	return k.register(path, kqueueDirFflags)
}

// WatchFile implements Backend.
func (k *Kqueue) WatchFile(path string) (KqueueHandle, error) {
	return k.register(path, kqueueFileFflags)
}

func (k *Kqueue) register(path string, fflags uint32) (KqueueHandle, error) {
	if k.closed {
		return KqueueHandle{}, ErrClosed
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return KqueueHandle{}, fmt.Errorf("kqueue: open %q: %w", path, err)
	}

	var change unix.Kevent_t
	unix.SetKevent(&change, fd, unix.EVFILT_VNODE, unix.EV_ADD|unix.EV_ENABLE|unix.EV_CLEAR)
	change.Fflags = fflags

	if _, err := unix.Kevent(k.kq, []unix.Kevent_t{change}, nil, nil); err != nil {
		_ = unix.Close(fd)
		return KqueueHandle{}, fmt.Errorf("kqueue: register %q: %w", path, err)
	}

	k.fds[fd] = path
	k.logger.Debug("kqueue: watching path",
		slog.String("path", path),
		slog.Int("fd", fd),
	)
	return KqueueHandle{fd: fd}, nil
}

// Unwatch implements Backend. Closing the descriptor detaches its filter.
func (k *Kqueue) Unwatch(h KqueueHandle) error {
	if k.closed {
		return ErrClosed
	}
	if _, ok := k.fds[h.fd]; !ok {
		return nil
	}
	delete(k.fds, h.fd)
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("kqueue: close fd %d: %w", h.fd, err)
	}
	return nil
}

// Drain implements Backend. Kevent waits at most pollIntervalMillis so that
// ctx is re-checked without busy-waiting.
func (k *Kqueue) Drain(ctx context.Context) ([]Notification[KqueueHandle], error) {
	timeout := unix.NsecToTimespec(int64(pollIntervalMillis * time.Millisecond))
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := k.wait(&timeout)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 {
			return out, nil
		}
	}
}

// TryDrain implements Backend with a zero timeout.
func (k *Kqueue) TryDrain() ([]Notification[KqueueHandle], error) {
	var out []Notification[KqueueHandle]
	for {
		batch, err := k.wait(&unix.Timespec{})
		if err != nil {
			return out, err
		}
		out = append(out, batch...)
		if len(batch) < kqueueBatch {
			return out, nil
		}
	}
}

func (k *Kqueue) wait(timeout *unix.Timespec) ([]Notification[KqueueHandle], error) {
	if k.closed {
		return nil, ErrClosed
	}

	n, err := unix.Kevent(k.kq, nil, k.events, timeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("kqueue: kevent: %w", err)
	}

	out := make([]Notification[KqueueHandle], 0, n)
	for _, ev := range k.events[:n] {
		fd := int(ev.Ident)
		if ev.Flags&unix.EV_ERROR != 0 {
			k.logger.Warn("kqueue: filter reported an error",
				slog.Int("fd", fd),
				slog.String("path", k.fds[fd]),
				slog.Int64("errno", int64(ev.Data)),
			)
			continue
		}
		out = append(out, Notification[KqueueHandle]{Handle: KqueueHandle{fd: fd}})
	}
	return out, nil
}

// Close releases the kqueue and every watched descriptor. It is safe to call
// more than once.
func (k *Kqueue) Close() error {
	if k.closed {
		return nil
	}
	k.closed = true

	var errs []error
	for fd := range k.fds {
		if err := unix.Close(fd); err != nil {
			errs = append(errs, err)
		}
	}
	k.fds = nil
	if err := unix.Close(k.kq); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("kqueue: close: %w", err)
	}
	return nil
}
