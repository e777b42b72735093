// Package notify abstracts the platform file-event mechanisms used to tail a
// log directory behind one contract.
//
// Two native mechanisms are supported and they differ in ways callers must
// know about:
//
//	inotify_linux.go  (//go:build linux)       inode subscription. Events are
//	                                            typed (entry created vs. file
//	                                            modified) and registering the
//	                                            same inode twice returns the
//	                                            original watch descriptor.
//	kqueue_bsd.go     (//go:build darwin, BSD)  descriptor poll. The target is
//	                                            opened and a single "content
//	                                            changed" filter is attached.
//	                                            Registering the same path twice
//	                                            opens a second descriptor and
//	                                            doubles notification traffic.
//
// Every other GOOS gets the fsnotify-backed Portable backend.
//
// Callers must only pass canonical (symlink-resolved) paths, must pass a
// directory to WatchDirectory and a regular file to WatchFile, and must never
// register the same canonical path twice. Backends are not required to detect
// violations; the notifytest backend turns them into test failures.
//
// On kqueue, a directory NOTE_WRITE is assumed to mean "an entry was created".
// That mapping is observed behaviour, not documented platform semantics, so
// consumers should rescan and diff the directory on every directory
// notification instead of counting notifications.
package notify

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a backend after Close.
var ErrClosed = errors.New("notify: backend closed")

// Notification reports activity on a previously registered watch. It carries
// nothing but the handle returned at registration time.
type Notification[H comparable] struct {
	Handle H
}

// Backend is the contract shared by all notification mechanisms. H is the
// backend's opaque watch handle; consumers may compare and hash it but must
// not look inside it.
//
// A Backend is owned by a single goroutine. None of the implementations in
// this package are safe for concurrent use.
type Backend[H comparable] interface {
	// WatchDirectory registers path for "new entry" notifications.
	WatchDirectory(path string) (H, error)

	// WatchFile registers path for write notifications.
	WatchFile(path string) (H, error)

	// Unwatch releases a registration. Notifications already queued for h may
	// still be delivered afterwards.
	Unwatch(h H) error

	// Drain blocks until at least one notification is pending and returns
	// everything pending. It returns ctx.Err() once ctx is done.
	Drain(ctx context.Context) ([]Notification[H], error)

	// TryDrain returns whatever is pending without blocking. The result may
	// be empty.
	TryDrain() ([]Notification[H], error)

	// Close releases the native resources held by the backend.
	Close() error
}

// pollIntervalMillis bounds how long the native backends block in the kernel
// before re-checking their context.
const pollIntervalMillis = 100
