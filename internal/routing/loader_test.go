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

func writeRoutes(t *testing.T, mindDir, name, body string, mtime time.Time) string {
	t.Helper()
	dir := filepath.Join(mindDir, ConfigDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
	return p
}

func TestLoader_MissingFileIsEmpty(t *testing.T) {
	l := NewLoader(8, zerolog.Nop())
	cfg, err := l.Load(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, cfg.Rules)
	assert.Equal(t, DefaultSession, cfg.DefaultSessionName())
}

func TestLoader_CachesUntilModified(t *testing.T) {
	mind := t.TempDir()
	l := NewLoader(8, zerolog.Nop())
	t0 := time.Now().Add(-time.Hour).Truncate(time.Second)

	writeRoutes(t, mind, "routes.json", `{"default":"one"}`, t0)
	first, err := l.Load(mind)
	require.NoError(t, err)
	assert.Equal(t, "one", first.Default)

	again, err := l.Load(mind)
	require.NoError(t, err)
	assert.Same(t, first, again)

	writeRoutes(t, mind, "routes.json", `{"default":"two"}`, t0.Add(time.Minute))
	reloaded, err := l.Load(mind)
	require.NoError(t, err)
	assert.Equal(t, "two", reloaded.Default)
}

func TestLoader_YAMLFallback(t *testing.T) {
	mind := t.TempDir()
	writeRoutes(t, mind, "routes.yaml", "default: yamly\n", time.Now())

	cfg, err := NewLoader(8, zerolog.Nop()).Load(mind)
	require.NoError(t, err)
	assert.Equal(t, "yamly", cfg.Default)
}

func TestLoader_BrokenFileFallsBack(t *testing.T) {
	mind := t.TempDir()
	writeRoutes(t, mind, "routes.json", `{"rules": 7}`, time.Now())

	l := NewLoader(8, zerolog.Nop())
	_, err := l.Load(mind)
	assert.Error(t, err)

	cfg := l.LoadOrDefault(mind)
	assert.Equal(t, DefaultSession, cfg.DefaultSessionName())
}

func TestLoader_ConcurrentLoads(t *testing.T) {
	mind := t.TempDir()
	writeRoutes(t, mind, "routes.json", `[{"channel":"*","session":"all"}]`, time.Now())
	l := NewLoader(8, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg, err := l.Load(mind)
			assert.NoError(t, err)
			assert.Len(t, cfg.Rules, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, l.cache.len())
}

func TestConfigCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newConfigCache(2)
	st := stamp{modTime: time.Unix(1, 0), size: 1}
	c.put("a", st, &Config{Default: "a"})
	c.put("b", st, &Config{Default: "b"})

	_, ok := c.get("a", st)
	require.True(t, ok)
	c.put("c", st, &Config{Default: "c"})

	_, ok = c.get("b", st)
	assert.False(t, ok, "b was least recently used")
	_, ok = c.get("a", st)
	assert.True(t, ok)

	_, ok = c.get("a", stamp{modTime: time.Unix(2, 0), size: 1})
	assert.False(t, ok, "stale stamp misses")
	assert.Equal(t, 1, c.len())
}

func TestWatcher_InvalidatesOnWrite(t *testing.T) {
	mind := t.TempDir()
	path := writeRoutes(t, mind, "routes.json", `{"default":"one"}`, time.Now())

	l := NewLoader(8, zerolog.Nop())
	_, err := l.Load(mind)
	require.NoError(t, err)

	changed := make(chan string, 8)
	w, err := NewWatcher(l, func(p string) {
		select {
		case changed <- p:
		default:
		}
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Watch(mind))

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer func() {
		cancel()
		<-w.Done()
	}()

	require.NoError(t, os.WriteFile(path, []byte(`{"default":"two"}`), 0o644))

	select {
	case p := <-changed:
		assert.Equal(t, path, p)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
	assert.Eventually(t, func() bool { return l.cache.len() == 0 }, time.Second, 10*time.Millisecond)
}
