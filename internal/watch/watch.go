// Package watch re-ingests log files when they change on disk.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Handler is called with the path of a file that changed and then stayed
// quiet for the debounce interval.
type Handler func(ctx context.Context, path string) error

// Options configures a Watcher.
type Options struct {
	// Debounce is how long a file must be quiet before it is handled
	// (default: 2s).
	Debounce time.Duration
	// Pattern filters files inside watched directories, e.g. "*.log".
	// Empty matches every file.
	Pattern string
	Logger  zerolog.Logger
}

// Watcher watches files and directories for writes.
type Watcher struct {
	fs       *fsnotify.Watcher
	files    map[string]bool
	dirs     map[string]bool
	debounce time.Duration
	pattern  string
	log      zerolog.Logger
}

// New watches paths. A directory is watched for files matching
// opts.Pattern; a file is watched regardless of the pattern.
func New(paths []string, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.Pattern != "" {
		if _, err := filepath.Match(opts.Pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", opts.Pattern, err)
		}
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &Watcher{
		fs:       fw,
		files:    make(map[string]bool),
		dirs:     make(map[string]bool),
		debounce: opts.Debounce,
		pattern:  opts.Pattern,
		log:      opts.Logger,
	}
	for _, p := range paths {
		if err := w.add(p); err != nil {
			fw.Close()
			return nil, err
		}
	}
	return w, nil
}

// add watches p. Files are watched through their directory so editors and
// log rotation that replace the file keep being seen.
func (w *Watcher) add(p string) error {
	abs, err := filepath.Abs(p)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", p, err)
	}
	dir := abs
	if info.IsDir() {
		w.dirs[abs] = true
	} else {
		w.files[abs] = true
		dir = filepath.Dir(abs)
	}
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", p, err)
	}
	return nil
}

func (w *Watcher) wanted(path string) bool {
	if w.files[path] {
		return true
	}
	if !w.dirs[filepath.Dir(path)] {
		return false
	}
	if w.pattern == "" {
		return true
	}
	ok, _ := filepath.Match(w.pattern, filepath.Base(path))
	return ok
}

// Run dispatches changes to handle until ctx is done. Handler errors are
// logged and do not stop the loop.
func (w *Watcher) Run(ctx context.Context, handle Handler) error {
	defer w.fs.Close()

	pending := make(map[string]time.Time)
	tick := time.NewTicker(w.debounce / 4)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			path, err := filepath.Abs(event.Name)
			if err != nil || !w.wanted(path) {
				continue
			}
			pending[path] = time.Now()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.log.Warn().Err(err).Msg("watcher error")

		case now := <-tick.C:
			for path, last := range pending {
				if now.Sub(last) < w.debounce {
					continue
				}
				delete(pending, path)
				if info, err := os.Stat(path); err != nil || info.IsDir() {
					continue
				}
				if err := handle(ctx, path); err != nil {
					w.log.Error().Err(err).Str("path", path).Msg("handling change failed")
				}
			}
		}
	}
}
