//go:build linux

package notify

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func rawEvent(wd int32, mask uint32) []byte {
	buf := make([]byte, unix.SizeofInotifyEvent)
	binary.NativeEndian.PutUint32(buf[0:4], uint32(wd))
	binary.NativeEndian.PutUint32(buf[4:8], mask)
	// cookie and len stay zero
	return buf
}

func TestInotify_SameInodeMergesIntoOneWatch(t *testing.T) {
	dir := canonicalTempDir(t)
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	in, err := NewInotify(noopLogger())
	require.NoError(t, err)
	defer in.Close()

	h1, err := in.WatchFile(path)
	require.NoError(t, err)
	h2, err := in.WatchFile(path)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, in.live, 1)
}

func TestInotify_WatchDirectoryRejectsFile(t *testing.T) {
	path := filepath.Join(canonicalTempDir(t), "app.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	in, err := NewInotify(noopLogger())
	require.NoError(t, err)
	defer in.Close()

	_, err = in.WatchDirectory(path)
	assert.ErrorIs(t, err, unix.ENOTDIR)
}

func TestInotify_ParseOverflowNotifiesEveryWatch(t *testing.T) {
	in := &Inotify{logger: noopLogger(), live: map[int32]string{1: "/root", 2: "/root/a.log", 3: "/root/b.log"}}

	out := in.parse(rawEvent(-1, unix.IN_Q_OVERFLOW), nil)

	var got []int32
	for _, n := range out {
		got = append(got, n.Handle.wd)
	}
	assert.ElementsMatch(t, []int32{1, 2, 3}, got)
}

func TestInotify_ParseIgnoredRetiresWatch(t *testing.T) {
	in := &Inotify{logger: noopLogger(), live: map[int32]string{1: "/root", 2: "/root/a.log"}}

	buf := append(rawEvent(2, unix.IN_IGNORED), rawEvent(1, unix.IN_CREATE)...)
	out := in.parse(buf, nil)

	require.Len(t, out, 1)
	assert.Equal(t, InotifyHandle{wd: 1}, out[0].Handle)
	assert.NotContains(t, in.live, int32(2))
}

func TestInotify_ParseSkipsNames(t *testing.T) {
	in := &Inotify{logger: noopLogger(), live: map[int32]string{1: "/root"}}

	ev := rawEvent(1, unix.IN_CREATE)
	binary.NativeEndian.PutUint32(ev[12:16], 16)
	ev = append(ev, []byte("new.log\x00\x00\x00\x00\x00\x00\x00\x00\x00")...)
	ev = append(ev, rawEvent(1, unix.IN_MOVED_TO)...)

	out := in.parse(ev, nil)
	assert.Len(t, out, 2)
}
