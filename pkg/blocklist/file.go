package blocklist

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileSource keeps a Set in sync with a list file on disk.
type FileSource struct {
	path string
	set  *Set

	// Base entries are kept in the set on every reload.
	Base []uint32
	// OnReload, if set, is called after every successful reload with the
	// full set contents.
	OnReload func(addrs []uint32)
}

// NewFileSource creates a source that loads path into set.
func NewFileSource(path string, set *Set) *FileSource {
	return &FileSource{path: path, set: set}
}

// Load reads the file and replaces the set contents. A parse error leaves
// the previous contents in place.
func (fs *FileSource) Load() error {
	f, err := os.Open(fs.path)
	if err != nil {
		return fmt.Errorf("blocklist: %w", err)
	}
	defer f.Close()

	addrs, err := ParseList(f)
	if err != nil {
		return fmt.Errorf("blocklist %s: %w", fs.path, err)
	}
	n := len(addrs)
	addrs = append(addrs, fs.Base...)
	fs.set.Replace(addrs)
	if fs.OnReload != nil {
		fs.OnReload(fs.set.Addrs())
	}
	slog.Info("blocklist loaded", "file", fs.path, "entries", n, "total", fs.set.Len())
	return nil
}

// Watch reloads the file whenever it changes. The parent directory is
// watched so editors that replace the file by rename are handled. Blocks
// until ctx is cancelled.
func (fs *FileSource) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("blocklist watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(fs.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("blocklist watch %s: %w", dir, err)
	}
	target := filepath.Clean(fs.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := fs.Load(); err != nil {
				slog.Warn("blocklist reload failed", "err", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("blocklist watcher error", "err", err)
		}
	}
}
