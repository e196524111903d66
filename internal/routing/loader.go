package routing

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ConfigDir is the directory inside a mind that holds its routing file.
const ConfigDir = ".mind"

// configNames are tried in order.
var configNames = []string{"routes.json", "routes.yaml", "routes.yml"}

// Loader reads per-mind routing files, caching each parse until the file's
// modification time or size changes.
type Loader struct {
	cache  *configCache
	group  singleflight.Group
	logger zerolog.Logger
}

// NewLoader creates a Loader that caches up to capacity files.
func NewLoader(capacity int, logger zerolog.Logger) *Loader {
	return &Loader{
		cache:  newConfigCache(capacity),
		logger: logger.With().Str("component", "routing").Logger(),
	}
}

// ConfigPath returns the routing file used for mindDir, or the preferred
// path if none exists yet.
func ConfigPath(mindDir string) string {
	dir := filepath.Join(mindDir, ConfigDir)
	for _, name := range configNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, configNames[0])
}

// Load returns the routing config for mindDir. A missing file yields an
// empty config.
func (l *Loader) Load(mindDir string) (*Config, error) {
	path := ConfigPath(mindDir)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		l.cache.invalidate(path)
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("routing: stat %s: %w", path, err)
	}
	st := stamp{modTime: info.ModTime(), size: info.Size()}
	if cfg, ok := l.cache.get(path, st); ok {
		return cfg, nil
	}

	v, err, _ := l.group.Do(path, func() (any, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("routing: read %s: %w", path, err)
		}
		cfg, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		l.cache.put(path, st, cfg)
		l.logger.Debug().Str("path", path).Int("rules", len(cfg.Rules)).Msg("routing config loaded")
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Config), nil
}

// LoadOrDefault is Load that logs a broken file and falls back to an empty
// config, so a bad edit routes everything to the default session instead of
// dropping messages.
func (l *Loader) LoadOrDefault(mindDir string) *Config {
	cfg, err := l.Load(mindDir)
	if err != nil {
		l.logger.Warn().Err(err).Str("dir", mindDir).Msg("routing config unusable, using defaults")
		return &Config{}
	}
	return cfg
}

// Invalidate drops any cached parse for mindDir.
func (l *Loader) Invalidate(mindDir string) {
	dir := filepath.Join(mindDir, ConfigDir)
	for _, name := range configNames {
		l.cache.invalidate(filepath.Join(dir, name))
	}
}

func (l *Loader) invalidatePath(path string) bool {
	return l.cache.invalidate(path)
}

func isConfigName(name string) bool {
	for _, n := range configNames {
		if n == name {
			return true
		}
	}
	return false
}
