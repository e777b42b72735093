package collector

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/podtail/podtail/internal/agent"
)

// readChunkSize is the size of each read from a tailed file.
const readChunkSize = 32 * 1024

// trackedFile is one physical file being tailed, however many names it is
// reachable under.
type trackedFile struct {
	canonical string
	file      *os.File
	offset    int64
	partial   []byte
	aliases   []string
}

func (tf *trackedFile) addAlias(path string) {
	if !slices.Contains(tf.aliases, path) {
		tf.aliases = append(tf.aliases, path)
	}
}

// splitLines moves every complete line out of the partial buffer and emits
// one entry per alias for each. The terminator ("\n" or "\r\n") is stripped
// and invalid UTF-8 is replaced.
func (tf *trackedFile) splitLines(out []agent.LogEntry) ([]agent.LogEntry, int) {
	lines := 0
	rest := tf.partial
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		line := strings.ToValidUTF8(string(bytes.TrimSuffix(rest[:i], []byte{'\r'})), "\uFFFD")
		for _, alias := range tf.aliases {
			out = append(out, agent.LogEntry{
				Line:     line,
				Metadata: map[string]string{"path": alias},
			})
			lines++
		}
		rest = rest[i+1:]
	}
	tf.partial = append(tf.partial[:0], rest...)
	return out, lines
}

// handleNewFile registers a discovered name. When its canonical path is
// already tracked the name becomes one more alias and no native watch is
// added. Otherwise the canonical path is watched, opened and positioned at
// its end, so only bytes written from now on are emitted.
func (c *Collector[H]) handleNewFile(d discovery) error {
	if h, ok := c.canonical[d.canonical]; ok {
		c.files[h].addAlias(d.path)
		c.paths[d.path] = h
		c.logger.Debug("collector: new alias for tracked file",
			slog.String("path", d.path),
			slog.String("canonical", d.canonical),
		)
		return nil
	}

	info, err := os.Stat(d.canonical)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("collector: stat %q: %w", d.canonical, err)
	}
	if !info.Mode().IsRegular() {
		c.ignored[d.path] = d.typ
		c.logger.Debug("collector: ignoring non-regular entry",
			slog.String("path", d.path),
			slog.String("mode", info.Mode().String()),
		)
		return nil
	}

	h, err := c.backend.WatchFile(d.canonical)
	if err != nil {
		return fmt.Errorf("collector: watch %q: %w", d.canonical, err)
	}
	// Backends that watch inodes hand back an existing handle for a hard
	// link to a tracked file.
	if tf, ok := c.files[h]; ok {
		c.canonical[d.canonical] = h
		c.attach(h, tf, d)
		c.logger.Debug("collector: new link to tracked file",
			slog.String("path", d.path),
			slog.String("canonical", d.canonical),
			slog.String("tracked", tf.canonical),
		)
		return nil
	}

	f, err := os.Open(d.canonical)
	if err != nil {
		c.unwatch(h, d.canonical)
		return fmt.Errorf("collector: open %q: %w", d.canonical, err)
	}
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		c.unwatch(h, d.canonical)
		return fmt.Errorf("collector: seek %q: %w", d.canonical, err)
	}

	tf := &trackedFile{
		canonical: d.canonical,
		file:      f,
		offset:    offset,
	}
	c.attach(h, tf, d)

	c.files[h] = tf
	c.canonical[d.canonical] = h
	c.updateTracked()

	c.logger.Info("collector: tailing file",
		slog.String("path", d.path),
		slog.String("canonical", d.canonical),
		slog.Int64("offset", offset),
	)
	return nil
}

// attach records d.path as a name of tf. A target that is itself a root
// entry is also reported under its own name, and later rescans recognise
// that name as tracked.
func (c *Collector[H]) attach(h H, tf *trackedFile, d discovery) {
	tf.addAlias(d.path)
	c.paths[d.path] = h
	if filepath.Dir(d.canonical) == c.rootCanonical {
		own := filepath.Join(c.root, filepath.Base(d.canonical))
		if own != d.path {
			tf.addAlias(own)
			c.paths[own] = h
		}
	}
}

// read consumes every byte available past the current offset and emits the
// completed lines.
func (c *Collector[H]) read(tf *trackedFile, out []agent.LogEntry) ([]agent.LogEntry, error) {
	for {
		n, err := tf.file.Read(c.buf)
		if n > 0 {
			tf.offset += int64(n)
			tf.partial = append(tf.partial, c.buf[:n]...)
			c.metrics.BytesRead.Add(float64(n))
		}
		if errors.Is(err, io.EOF) || (n == 0 && err == nil) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("collector: read %q: %w", tf.canonical, err)
		}
	}

	out, lines := tf.splitLines(out)
	c.metrics.Lines.Add(float64(lines))
	return out, nil
}

// rewind handles a truncation: the partial line is discarded and reading
// restarts from the beginning of the file.
func (c *Collector[H]) rewind(tf *trackedFile, out []agent.LogEntry) ([]agent.LogEntry, error) {
	if _, err := tf.file.Seek(0, io.SeekStart); err != nil {
		return out, fmt.Errorf("collector: seek %q: %w", tf.canonical, err)
	}
	c.logger.Info("collector: file truncated; reading from start",
		slog.String("canonical", tf.canonical),
		slog.Int64("previous_offset", tf.offset),
		slog.Int("discarded_bytes", len(tf.partial)),
	)
	tf.offset = 0
	tf.partial = tf.partial[:0]
	return c.read(tf, out)
}

// drop stops tracking the file behind h after a per-file failure. All of its
// aliases are forgotten, so a later root rescan can discover it afresh.
func (c *Collector[H]) drop(h H, cause error) {
	tf, ok := c.files[h]
	if !ok {
		return
	}
	c.metrics.FileErrors.Inc()
	c.logger.Warn("collector: dropping file after I/O error",
		slog.String("canonical", tf.canonical),
		slog.Any("aliases", tf.aliases),
		slog.Any("error", cause),
	)

	_ = tf.file.Close()
	for _, alias := range tf.aliases {
		delete(c.paths, alias)
	}
	for name, ch := range c.canonical {
		if ch == h {
			delete(c.canonical, name)
		}
	}
	delete(c.files, h)
	c.unwatch(h, tf.canonical)
	c.updateTracked()
}

func (c *Collector[H]) unwatch(h H, path string) {
	if err := c.backend.Unwatch(h); err != nil {
		c.logger.Warn("collector: releasing watch failed",
			slog.String("canonical", path),
			slog.Any("error", err),
		)
	}
}

func (c *Collector[H]) updateTracked() {
	c.tracked.Store(int64(len(c.files)))
	c.metrics.FilesTracked.Set(float64(len(c.files)))
}
