package routing

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher drops cached routing configs as soon as their file changes. The
// modification-time check in Loader stays authoritative; the watcher only
// frees stale entries early and lets callers observe edits.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	loader   *Loader
	dirs     map[string]bool
	onChange func(path string)
	doneCh   chan struct{}
	logger   zerolog.Logger
}

// NewWatcher creates a Watcher bound to loader. onChange may be nil.
func NewWatcher(loader *Loader, onChange func(path string), logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		loader:   loader,
		dirs:     make(map[string]bool),
		onChange: onChange,
		doneCh:   make(chan struct{}),
		logger:   logger.With().Str("component", "routing-watcher").Logger(),
	}, nil
}

// Watch starts watching mindDir's config directory, creating it if needed.
func (w *Watcher) Watch(mindDir string) error {
	dir := filepath.Join(mindDir, ConfigDir)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dirs[dir] {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.dirs[dir] = true
	return nil
}

// Unwatch stops watching mindDir. Unknown directories are ignored.
func (w *Watcher) Unwatch(mindDir string) {
	dir := filepath.Join(mindDir, ConfigDir)
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirs[dir] {
		return
	}
	delete(w.dirs, dir)
	if err := w.watcher.Remove(dir); err != nil {
		w.logger.Debug().Err(err).Str("dir", dir).Msg("unwatch")
	}
}

// Run processes filesystem events until ctx is cancelled, then closes the
// underlying watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.doneCh)
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

// Done is closed once Run returns.
func (w *Watcher) Done() <-chan struct{} { return w.doneCh }

func (w *Watcher) handle(ev fsnotify.Event) {
	if !isConfigName(filepath.Base(ev.Name)) {
		return
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	dropped := w.loader.invalidatePath(ev.Name)
	w.logger.Info().Str("path", ev.Name).Str("op", ev.Op.String()).Bool("cached", dropped).Msg("routing config changed")
	if w.onChange != nil {
		w.onChange(ev.Name)
	}
}
