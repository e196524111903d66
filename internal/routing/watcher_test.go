package routing

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changeLog struct {
	mu    sync.Mutex
	paths []string
}

func (c *changeLog) add(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, p)
}

func (c *changeLog) seen(p string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, got := range c.paths {
		if got == p {
			return true
		}
	}
	return false
}

func TestWatcher_ReportsConfigEdits(t *testing.T) {
	mind := t.TempDir()
	l := NewLoader(8, zerolog.Nop())
	changes := &changeLog{}
	w, err := NewWatcher(l, changes.add, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer func() {
		cancel()
		<-w.Done()
	}()

	require.NoError(t, w.Watch(mind))
	require.NoError(t, w.Watch(mind), "watching twice is a no-op")

	path := filepath.Join(mind, ConfigDir, "routes.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"default":"feed"}`), 0o644))
	require.Eventually(t, func() bool { return changes.seen(path) }, 2*time.Second, 10*time.Millisecond)

	cfg, err := l.Load(mind)
	require.NoError(t, err)
	assert.Equal(t, "feed", cfg.DefaultSessionName())
}

func TestWatcher_IgnoresOtherFilesAndUnwatch(t *testing.T) {
	mind := t.TempDir()
	changes := &changeLog{}
	w, err := NewWatcher(NewLoader(8, zerolog.Nop()), changes.add, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer func() {
		cancel()
		<-w.Done()
	}()

	require.NoError(t, w.Watch(mind))
	other := filepath.Join(mind, ConfigDir, "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))

	w.Unwatch(mind)
	w.Unwatch(mind)
	routes := filepath.Join(mind, ConfigDir, "routes.json")
	require.NoError(t, os.WriteFile(routes, []byte(`{}`), 0o644))

	time.Sleep(200 * time.Millisecond)
	assert.False(t, changes.seen(other))
	assert.False(t, changes.seen(routes))
}
