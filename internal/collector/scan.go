package collector

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// discovery is a root entry seen for the first time: the name under the
// configured root, the directory-entry type it was listed with, and the path
// it resolves to. err is set instead of canonical when resolution failed.
type discovery struct {
	path      string
	typ       fs.FileMode
	canonical string
	err       error
}

// rootScanner lists the watched root and reports entries the caller does not
// know yet. Names already known are never resolved again; only genuinely new
// entries pay for EvalSymlinks.
type rootScanner struct {
	root   string
	logger *slog.Logger
}

// scan lists the immediate entries of the root. known is consulted with the
// exact joined name and its listed type before any resolution happens.
// Dangling symlinks and entries removed between listing and resolution are
// skipped. Other resolution failures, such as symlink loops or unreadable
// link targets, are reported per entry; only listing the root is fatal.
func (s rootScanner) scan(known func(path string, typ fs.FileMode) bool) ([]discovery, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("collector: list root %q: %w", s.root, err)
	}

	var found []discovery
	for _, e := range entries {
		path := filepath.Join(s.root, e.Name())
		typ := e.Type()
		if known(path, typ) {
			continue
		}
		canonical, err := filepath.EvalSymlinks(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				s.logger.Debug("collector: skipping unresolvable entry",
					slog.String("path", path),
					slog.Any("error", err),
				)
				continue
			}
			found = append(found, discovery{
				path: path,
				typ:  typ,
				err:  fmt.Errorf("collector: resolve %q: %w", path, err),
			})
			continue
		}
		found = append(found, discovery{path: path, typ: typ, canonical: canonical})
	}
	return found, nil
}
