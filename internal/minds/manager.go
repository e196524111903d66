// Package minds creates, removes and restores minds, cascading into their
// variants, processes and routing watches.
package minds

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	merrors "github.com/p-blackswan/mindkeeper/internal/errors"
	"github.com/p-blackswan/mindkeeper/internal/gitops"
	"github.com/p-blackswan/mindkeeper/internal/registry"
	"github.com/p-blackswan/mindkeeper/internal/routing"
	"github.com/p-blackswan/mindkeeper/internal/variant"
)

// Supervisor is the slice of process control the manager needs.
type Supervisor interface {
	Start(ctx context.Context, key string) error
	Stop(ctx context.Context, key string) error
	IsRunning(key string) bool
}

// VariantRemover deletes a variant with all of its resources.
type VariantRemover interface {
	Delete(ctx context.Context, mind, name string) error
}

// Watcher follows routing file edits inside mind directories.
type Watcher interface {
	Watch(mindDir string) error
	Unwatch(mindDir string)
}

const restoreParallelism = 4

// CreateOptions tunes mind creation.
type CreateOptions struct {
	// Template names a directory under the templates root to seed from.
	Template string `json:"template,omitempty"`
	// Start launches the mind once it exists.
	Start bool `json:"start,omitempty"`
}

// Manager owns mind lifecycle beyond process control.
type Manager struct {
	reg          *registry.Registry
	sup          Supervisor
	variants     VariantRemover
	git          *gitops.Git
	install      variant.Installer
	watcher      Watcher
	templatesDir string
	logger       zerolog.Logger
}

// New creates a Manager. watcher may be nil.
func New(reg *registry.Registry, sup Supervisor, variants VariantRemover, git *gitops.Git,
	install variant.Installer, watcher Watcher, templatesDir string, logger zerolog.Logger) *Manager {
	if install == nil {
		install = variant.NoInstall
	}
	return &Manager{
		reg:          reg,
		sup:          sup,
		variants:     variants,
		git:          git,
		install:      install,
		watcher:      watcher,
		templatesDir: templatesDir,
		logger:       logger.With().Str("component", "minds").Logger(),
	}
}

// Create validates name, seeds the mind directory from its template, puts
// it under git and persists it as a seed.
func (m *Manager) Create(ctx context.Context, name string, opts CreateOptions) (*registry.MindEntry, error) {
	if err := registry.ValidateMindName(name); err != nil {
		return nil, err
	}
	if _, err := m.reg.Get(name); err == nil {
		return nil, merrors.New(merrors.ErrAlreadyExists, "create mind", name, "mind already exists")
	} else if !merrors.Is(err, merrors.ErrNotFound) {
		return nil, err
	}

	dir := m.reg.MindDir(name)
	if ok, err := exists(dir); err != nil {
		return nil, err
	} else if ok {
		return nil, merrors.New(merrors.ErrAlreadyExists, "create mind", name,
			fmt.Sprintf("directory %s already exists", dir))
	}

	var templateDir, hash string
	if opts.Template != "" {
		if err := registry.ValidateMindName(opts.Template); err != nil {
			return nil, merrors.Validation("create mind", opts.Template, "invalid template name")
		}
		templateDir = filepath.Join(m.templatesDir, opts.Template)
		if ok, err := exists(templateDir); err != nil {
			return nil, err
		} else if !ok {
			return nil, merrors.NotFound("create mind", "template "+opts.Template)
		}
		h, err := TemplateHash(templateDir)
		if err != nil {
			return nil, fmt.Errorf("hash template %s: %w", opts.Template, err)
		}
		hash = h
	}

	port, err := m.reg.NextPort()
	if err != nil {
		return nil, err
	}
	defer m.reg.Release(port)

	if err := os.MkdirAll(filepath.Join(dir, routing.ConfigDir), 0o755); err != nil {
		return nil, merrors.Wrap(merrors.ErrPersistence, "create mind", name, err)
	}
	cleanup := func(cause error) error {
		if rerr := os.RemoveAll(dir); rerr != nil {
			m.logger.Error().Err(rerr).Str("mind", name).Msg("cleanup after failed create")
		}
		return cause
	}
	if templateDir != "" {
		if err := copyTree(templateDir, dir); err != nil {
			return nil, cleanup(fmt.Errorf("create mind %s: copy template: %w", name, err))
		}
	}
	if err := m.git.Init(ctx, dir); err != nil {
		return nil, cleanup(fmt.Errorf("create mind %s: %w", name, err))
	}

	entry := registry.MindEntry{
		Name:         name,
		Port:         port,
		Stage:        registry.StageSeed,
		Template:     opts.Template,
		TemplateHash: hash,
		Created:      time.Now().UTC(),
	}
	if err := m.reg.Add(entry); err != nil {
		return nil, cleanup(err)
	}
	m.watch(dir)
	m.logger.Info().Str("mind", name).Int("port", port).Str("template", opts.Template).Msg("mind created")

	if err := m.install(ctx, dir); err != nil {
		m.logger.Warn().Err(err).Str("mind", name).Msg("dependency install failed")
	}
	if opts.Start {
		if err := m.sup.Start(ctx, name); err != nil {
			return &entry, err
		}
		entry.Running = true
	}
	return &entry, nil
}

// Delete stops the mind, removes every variant, its registry entry and its
// directory.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if _, err := m.reg.Get(name); err != nil {
		return err
	}
	log := m.logger.With().Str("mind", name).Logger()

	variants, err := m.reg.Variants(name)
	if err != nil {
		log.Warn().Err(err).Msg("could not list variants")
	}
	for _, v := range variants {
		if err := m.variants.Delete(ctx, name, v.Name); err != nil {
			log.Warn().Err(err).Str("variant", v.Name).Msg("variant removal failed")
		}
	}
	if m.sup.IsRunning(name) {
		if err := m.sup.Stop(ctx, name); err != nil && !merrors.Is(err, merrors.ErrNotRunning) {
			return err
		}
	}

	dir := m.reg.MindDir(name)
	if m.watcher != nil {
		m.watcher.Unwatch(dir)
	}
	if err := m.reg.RemoveVariantFile(name); err != nil {
		log.Warn().Err(err).Msg("could not remove variant list")
	}
	if err := m.reg.Remove(name); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Warn().Err(err).Msg("could not remove mind directory")
	}
	log.Info().Msg("mind deleted")
	return nil
}

// Sprout moves a mind from seed to sprouted. Sprouting twice is a no-op.
func (m *Manager) Sprout(name string) (*registry.MindEntry, error) {
	if err := m.reg.Update(name, func(e *registry.MindEntry) { e.Stage = registry.StageSprouted }); err != nil {
		return nil, err
	}
	return m.reg.Get(name)
}

// UpgradeAvailable reports whether the mind's template changed since the
// mind was created or last upgraded.
func (m *Manager) UpgradeAvailable(name string) (bool, error) {
	e, err := m.reg.Get(name)
	if err != nil {
		return false, err
	}
	if e.Template == "" {
		return false, nil
	}
	dir := filepath.Join(m.templatesDir, e.Template)
	ok, err := exists(dir)
	if err != nil || !ok {
		return false, err
	}
	hash, err := TemplateHash(dir)
	if err != nil {
		return false, err
	}
	return hash != e.TemplateHash, nil
}

// Restore watches every mind's routing file and starts the minds that were
// running when the previous daemon stopped, a few at a time. Minds that fail
// to start have their running flag cleared. It returns how many minds were
// started.
func (m *Manager) Restore(ctx context.Context, start bool) (int, error) {
	entries, err := m.reg.List()
	if err != nil {
		return 0, err
	}
	var (
		g       errgroup.Group
		started atomic.Int32
	)
	g.SetLimit(restoreParallelism)
	for _, e := range entries {
		m.watch(m.reg.MindDir(e.Name))
		if !e.Running {
			continue
		}
		name := e.Name
		if !start {
			m.clearRunning(name)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := m.sup.Start(ctx, name); err != nil {
				m.logger.Error().Err(err).Str("mind", name).Msg("restore failed")
				m.clearRunning(name)
				return nil
			}
			started.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	m.logger.Info().Int("minds", len(entries)).Int32("started", started.Load()).Msg("restore complete")
	return int(started.Load()), ctx.Err()
}

func (m *Manager) clearRunning(name string) {
	if err := m.reg.SetRunning(name, false); err != nil {
		m.logger.Warn().Err(err).Str("mind", name).Msg("could not clear running flag")
	}
}

func (m *Manager) watch(dir string) {
	if m.watcher == nil {
		return
	}
	if err := m.watcher.Watch(dir); err != nil {
		m.logger.Warn().Err(err).Str("dir", dir).Msg("routing watch failed")
	}
}
