//go:build linux

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
)

// dirMask subscribes a directory to entries appearing in it. IN_ONLYDIR makes
// the kernel reject a non-directory, IN_DONT_FOLLOW pins the watch to the
// literal inode at the path.
const dirMask uint32 = unix.IN_CREATE | unix.IN_MOVED_TO | unix.IN_ONLYDIR | unix.IN_DONT_FOLLOW

// fileMask subscribes a regular file to content changes.
const fileMask uint32 = unix.IN_MODIFY | unix.IN_DONT_FOLLOW

// readBufferSize holds many events at once. Each event is
// SizeofInotifyEvent bytes plus up to NAME_MAX+1 bytes of name.
const readBufferSize = 64 * 1024

// Native is the backend linked into this build.
type Native = Inotify

// Handle is the watch handle type of the Native backend.
type Handle = InotifyHandle

// NewNative returns the platform backend for this build.
func NewNative(logger *slog.Logger) (*Native, error) {
	return NewInotify(logger)
}

// InotifyHandle identifies an inotify watch descriptor.
type InotifyHandle struct {
	wd int32
}

func (h InotifyHandle) String() string {
	return fmt.Sprintf("inotify(wd=%d)", h.wd)
}

// Inotify is the inode-subscription backend built on the Linux inotify API.
//
// The kernel keys watches by inode: adding a watch for an inode that is
// already watched returns the existing descriptor, so a duplicate
// registration silently merges into the first one.
type Inotify struct {
	logger *slog.Logger
	fd     int
	buf    []byte
	closed bool

	// live holds watch descriptors the kernel has not retired. It is used to
	// fan an IN_Q_OVERFLOW out to every watch.
	live map[int32]string
}

// NewInotify creates an inotify instance. It fails only when the kernel
// refuses a new instance (for example when fs.inotify.max_user_instances is
// exhausted).
func NewInotify(logger *slog.Logger) (*Inotify, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("inotify: init: %w", err)
	}
	return &Inotify{
		logger: logger,
		fd:     fd,
		buf:    make([]byte, readBufferSize),
		live:   make(map[int32]string),
	}, nil
}

// WatchDirectory implements Backend.
func (in *Inotify) WatchDirectory(path string) (InotifyHandle, error) {
	return in.add(path, dirMask)
}

// WatchFile implements Backend.
func (in *Inotify) WatchFile(path string) (InotifyHandle, error) {
	return in.add(path, fileMask)
}

func (in *Inotify) add(path string, mask uint32) (InotifyHandle, error) {
	if in.closed {
		return InotifyHandle{}, ErrClosed
	}
	wd, err := unix.InotifyAddWatch(in.fd, path, mask)
	if err != nil {
		return InotifyHandle{}, fmt.Errorf("inotify: add watch %q: %w", path, err)
	}
	in.live[int32(wd)] = path
	in.logger.Debug("inotify: watching path",
		slog.String("path", path),
		slog.Int("wd", wd),
	)
	return InotifyHandle{wd: int32(wd)}, nil
}

// Unwatch implements Backend. Removing a descriptor the kernel has already
// retired is not an error.
func (in *Inotify) Unwatch(h InotifyHandle) error {
	if in.closed {
		return ErrClosed
	}
	delete(in.live, h.wd)
	//nolint:gosec // G115: wd is a small non-negative descriptor from inotify
	if _, err := unix.InotifyRmWatch(in.fd, uint32(h.wd)); err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("inotify: remove watch %d: %w", h.wd, err)
	}
	return nil
}

// Drain implements Backend. It polls the inotify descriptor with a short
// timeout so that ctx is re-checked without busy-waiting.
func (in *Inotify) Drain(ctx context.Context) ([]Notification[InotifyHandle], error) {
	pfd := []unix.PollFd{{Fd: int32(in.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if in.closed {
			return nil, ErrClosed
		}

		n, err := unix.Poll(pfd, pollIntervalMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, fmt.Errorf("inotify: poll: %w", err)
		}
		if n == 0 {
			continue
		}

		out, err := in.TryDrain()
		if err != nil {
			return nil, err
		}
		if len(out) > 0 {
			return out, nil
		}
	}
}

// TryDrain implements Backend. The descriptor is non-blocking, so reading
// stops at EAGAIN.
func (in *Inotify) TryDrain() ([]Notification[InotifyHandle], error) {
	if in.closed {
		return nil, ErrClosed
	}

	var out []Notification[InotifyHandle]
	for {
		n, err := unix.Read(in.fd, in.buf)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return out, nil
			case errors.Is(err, unix.EINTR):
				continue
			default:
				return out, fmt.Errorf("inotify: read: %w", err)
			}
		}
		if n < unix.SizeofInotifyEvent {
			return out, nil
		}
		out = in.parse(in.buf[:n], out)
	}
}

// parse decodes consecutive raw events:
//
//	struct inotify_event {
//	    int32_t  wd;
//	    uint32_t mask;
//	    uint32_t cookie;
//	    uint32_t len;     // length of name, NUL padded
//	    char     name[];
//	}
//
// The name is not needed: a notification only names the watch.
func (in *Inotify) parse(buf []byte, out []Notification[InotifyHandle]) []Notification[InotifyHandle] {
	for offset := 0; offset+unix.SizeofInotifyEvent <= len(buf); {
		// The kernel aligns events to uint32 and bounds are checked above.
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += unix.SizeofInotifyEvent + int(raw.Len)

		switch {
		case raw.Mask&unix.IN_Q_OVERFLOW != 0:
			in.logger.Warn("inotify: event queue overflowed; notifying every watch",
				slog.Int("watches", len(in.live)),
			)
			for wd := range in.live {
				out = append(out, Notification[InotifyHandle]{Handle: InotifyHandle{wd: wd}})
			}
		case raw.Mask&unix.IN_IGNORED != 0:
			delete(in.live, raw.Wd)
		default:
			out = append(out, Notification[InotifyHandle]{Handle: InotifyHandle{wd: raw.Wd}})
		}
	}
	return out
}

// Close releases the inotify instance and every watch attached to it. It is
// safe to call more than once.
func (in *Inotify) Close() error {
	if in.closed {
		return nil
	}
	in.closed = true
	if err := unix.Close(in.fd); err != nil {
		return fmt.Errorf("inotify: close: %w", err)
	}
	return nil
}
