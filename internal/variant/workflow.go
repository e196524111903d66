// Package variant forks a mind into an isolated git worktree, merges the
// experiment back after a verification run, and deletes abandoned forks.
package variant

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	merrors "github.com/p-blackswan/mindkeeper/internal/errors"
	"github.com/p-blackswan/mindkeeper/internal/event"
	"github.com/p-blackswan/mindkeeper/internal/gitops"
	"github.com/p-blackswan/mindkeeper/internal/metrics"
	"github.com/p-blackswan/mindkeeper/internal/registry"
	"github.com/p-blackswan/mindkeeper/internal/sequencer"
)

// Registry is the metadata the workflow reads and writes.
type Registry interface {
	Get(name string) (*registry.MindEntry, error)
	MindDir(name string) string
	Variant(mind, name string) (*registry.Variant, error)
	AddVariant(mind string, v registry.Variant) error
	RemoveVariant(mind, name string) error
	NextPort() (int, error)
	Release(port int)
	PortInUse(port int) (bool, error)
}

// Supervisor runs the processes of minds and variants.
type Supervisor interface {
	Start(ctx context.Context, key string) error
	Stop(ctx context.Context, key string) error
	Restart(ctx context.Context, key string) error
	IsRunning(key string) bool
	SetPendingContext(key string, payload any)
	Verify(ctx context.Context, key, dir string, port int, check func(ctx context.Context, port int) error) error
}

// Publisher receives activity events.
type Publisher interface {
	Publish(topic string, payload any) uint64
}

// ForkOptions tunes a fork.
type ForkOptions struct {
	// Port pins the variant's port; zero allocates the next free one.
	Port int `json:"port,omitempty"`
	// Start launches the variant process once the worktree is ready.
	Start bool `json:"start,omitempty"`
	// Files are written into the worktree, keyed by relative path.
	Files map[string]string `json:"files,omitempty"`
}

// MergeOptions tunes a merge.
type MergeOptions struct {
	Summary       string `json:"summary,omitempty"`
	Justification string `json:"justification,omitempty"`
	Memory        string `json:"memory,omitempty"`
	SkipVerify    bool   `json:"skipVerify,omitempty"`
	// Check runs against the verification instance after it is healthy.
	Check func(ctx context.Context, port int) error `json:"-"`
}

// MergeContext is handed to the base mind's next startup after a merge.
type MergeContext struct {
	Type          string `json:"type"`
	Name          string `json:"name"`
	Summary       string `json:"summary,omitempty"`
	Justification string `json:"justification,omitempty"`
	Memory        string `json:"memory,omitempty"`
}

// MergeResult describes a completed merge. Warnings lists best-effort steps
// that failed after the merge itself succeeded.
type MergeResult struct {
	Variant   string   `json:"variant"`
	Verified  bool     `json:"verified"`
	Restarted bool     `json:"restarted"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Workflow runs fork, merge and delete.
type Workflow struct {
	reg          Registry
	sup          Supervisor
	git          *gitops.Git
	install      Installer
	pub          Publisher
	metrics      *metrics.Metrics
	worktreesDir string
	logger       zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Workflow. Worktrees are created under worktreesDir/<mind>.
func New(reg Registry, sup Supervisor, git *gitops.Git, install Installer, worktreesDir string,
	pub Publisher, m *metrics.Metrics, logger zerolog.Logger) *Workflow {
	if install == nil {
		install = NoInstall
	}
	return &Workflow{
		reg:          reg,
		sup:          sup,
		git:          git,
		install:      install,
		pub:          pub,
		metrics:      m,
		worktreesDir: worktreesDir,
		logger:       logger.With().Str("component", "variant").Logger(),
		locks:        make(map[string]*sync.Mutex),
	}
}

func (w *Workflow) lock(key string) func() {
	w.mu.Lock()
	l, ok := w.locks[key]
	if !ok {
		l = &sync.Mutex{}
		w.locks[key] = l
	}
	w.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// WorktreePath is where a variant's worktree lives.
func (w *Workflow) WorktreePath(mind, name string) string {
	return filepath.Join(w.worktreesDir, mind, name)
}

// Fork creates a variant of mind on a new branch and worktree. If a step
// after worktree creation fails, the worktree is left in place and the
// returned error says so; Delete cleans it up.
func (w *Workflow) Fork(ctx context.Context, mind, name string, opts ForkOptions) (*registry.Variant, error) {
	if err := registry.ValidateVariantName(name); err != nil {
		return nil, err
	}
	for rel := range opts.Files {
		if err := checkRelative(rel); err != nil {
			return nil, err
		}
	}
	if _, err := w.reg.Get(mind); err != nil {
		return nil, err
	}
	key := registry.Key(mind, name)
	defer w.lock(key)()

	if _, err := w.reg.Variant(mind, name); err == nil {
		return nil, merrors.New(merrors.ErrAlreadyExists, "fork", key, "variant already exists")
	} else if !merrors.Is(err, merrors.ErrNotFound) {
		return nil, err
	}
	path := w.WorktreePath(mind, name)
	if _, err := os.Stat(path); err == nil {
		return nil, merrors.New(merrors.ErrAlreadyExists, "fork", key,
			fmt.Sprintf("worktree %s already exists; delete the variant first", path))
	}

	port, err := w.allocatePort(key, opts.Port)
	if err != nil {
		return nil, err
	}
	claimed := false
	defer func() {
		if !claimed {
			w.reg.Release(port)
		}
	}()

	mindDir := w.reg.MindDir(mind)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, merrors.Wrap(merrors.ErrPersistence, "fork", key, err)
	}
	if err := w.git.AddWorktree(ctx, mindDir, path, name); err != nil {
		return nil, fmt.Errorf("fork %s: create worktree: %w", key, err)
	}
	log := w.logger.With().Str("mind", mind).Str("variant", name).Logger()
	log.Info().Str("path", path).Int("port", port).Msg("worktree created")

	leftBehind := func(step string, err error) error {
		log.Error().Err(err).Str("step", step).Str("path", path).Msg("fork failed, worktree left in place")
		return fmt.Errorf("fork %s: %s: %w (worktree left at %s)", key, step, err, path)
	}
	if err := w.install(ctx, path); err != nil {
		return nil, leftBehind("install dependencies", err)
	}
	for rel, content := range opts.Files {
		target := filepath.Join(path, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, leftBehind("write "+rel, err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return nil, leftBehind("write "+rel, err)
		}
	}

	v := registry.Variant{Name: name, Branch: name, Path: path, Port: port, Created: time.Now().UTC()}
	if err := w.reg.AddVariant(mind, v); err != nil {
		return nil, leftBehind("persist variant", err)
	}
	claimed = true
	w.publish(event.KindVariantForked, mind, name, path)

	if opts.Start {
		if err := w.sup.Start(ctx, key); err != nil {
			log.Error().Err(err).Msg("variant created but failed to start")
			return &v, err
		}
	}
	return &v, nil
}

func (w *Workflow) allocatePort(key string, requested int) (int, error) {
	if requested == 0 {
		return w.reg.NextPort()
	}
	if requested < 1 || requested > 65535 {
		return 0, merrors.Validation("fork", key, fmt.Sprintf("port %d out of range", requested))
	}
	used, err := w.reg.PortInUse(requested)
	if err != nil {
		return 0, err
	}
	if used {
		return 0, merrors.New(merrors.ErrAlreadyExists, "fork", key, fmt.Sprintf("port %d is already assigned", requested))
	}
	return requested, nil
}

func checkRelative(rel string) error {
	clean := filepath.Clean(rel)
	if rel == "" || filepath.IsAbs(rel) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return merrors.Validation("fork", rel, "seed file path must stay inside the worktree")
	}
	return nil
}

// Merge folds a variant back into its mind. Verification failure or a merge
// conflict leaves the mind's branch untouched. Once the merge commit exists
// every later step is best-effort and reported in MergeResult.Warnings.
func (w *Workflow) Merge(ctx context.Context, mind, name string, opts MergeOptions) (*MergeResult, error) {
	if err := registry.ValidateVariantName(name); err != nil {
		return nil, err
	}
	key := registry.Key(mind, name)
	defer w.lock(key)()

	v, err := w.reg.Variant(mind, name)
	if err != nil {
		return nil, err
	}
	mindDir := w.reg.MindDir(mind)
	log := w.logger.With().Str("mind", mind).Str("variant", name).Logger()
	res := &MergeResult{Variant: name}

	if _, err := w.git.CommitAll(ctx, v.Path, fmt.Sprintf("Auto-commit variant %s before merge", name)); err != nil {
		return nil, fmt.Errorf("merge %s: commit variant: %w", key, err)
	}

	if !opts.SkipVerify {
		if err := w.verify(ctx, key, v.Path, opts.Check); err != nil {
			w.metrics.RecordMerge("verification_failed")
			log.Warn().Err(err).Msg("verification failed, merge aborted")
			return nil, fmt.Errorf("%w; fix the variant or merge with skipVerify", err)
		}
		res.Verified = true
	}

	if _, err := w.git.CommitAll(ctx, mindDir, fmt.Sprintf("Auto-commit before merging variant %s", name)); err != nil {
		return nil, fmt.Errorf("merge %s: commit mind: %w", key, err)
	}
	if err := w.git.Merge(ctx, mindDir, v.Branch, fmt.Sprintf("Merge variant %s", name)); err != nil {
		outcome := "error"
		if merrors.Is(err, merrors.ErrMergeConflict) {
			outcome = "conflict"
		}
		w.metrics.RecordMerge(outcome)
		return nil, err
	}
	log.Info().Msg("variant merged")

	warn := func(step string, err error) {
		log.Warn().Err(err).Str("step", step).Msg("post-merge step failed")
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", step, err))
	}
	w.teardown(ctx, mind, v, warn)

	if err := w.install(ctx, mindDir); err != nil {
		warn("install dependencies", err)
	}

	w.sup.SetPendingContext(mind, MergeContext{
		Type:          "merged",
		Name:          name,
		Summary:       opts.Summary,
		Justification: opts.Justification,
		Memory:        opts.Memory,
	})
	if err := w.sup.Restart(ctx, mind); err != nil {
		warn("restart mind", err)
	} else {
		res.Restarted = true
	}

	w.metrics.RecordMerge("merged")
	w.publish(event.KindVariantMerged, mind, name, "")
	return res, nil
}

// verify runs the variant on a throwaway port; the instance is always
// killed afterwards.
func (w *Workflow) verify(ctx context.Context, key, dir string, check func(context.Context, int) error) error {
	port, err := w.reg.NextPort()
	if err != nil {
		return err
	}
	defer w.reg.Release(port)
	return w.sup.Verify(ctx, key, dir, port, check)
}

// teardown stops the variant, removes its worktree, branch and record. Each
// step is attempted regardless of the others.
func (w *Workflow) teardown(ctx context.Context, mind string, v *registry.Variant, warn func(string, error)) {
	key := registry.Key(mind, v.Name)
	mindDir := w.reg.MindDir(mind)

	if w.sup.IsRunning(key) {
		if err := w.sup.Stop(ctx, key); err != nil && !merrors.Is(err, merrors.ErrNotRunning) {
			warn("stop variant", err)
		}
	}
	if _, err := os.Stat(v.Path); err == nil {
		if err := w.git.RemoveWorktree(ctx, mindDir, v.Path); err != nil {
			warn("remove worktree", err)
			if rerr := os.RemoveAll(v.Path); rerr != nil {
				warn("remove worktree directory", rerr)
			}
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		warn("stat worktree", err)
	}
	branch := v.Branch
	if branch == "" {
		branch = v.Name
	}
	if w.git.BranchExists(ctx, mindDir, branch) {
		if err := w.git.DeleteBranch(ctx, mindDir, branch); err != nil {
			warn("delete branch", err)
		}
	}
	if err := w.reg.RemoveVariant(mind, v.Name); err != nil {
		warn("remove variant record", err)
	}
}

// Delete stops and removes a variant. Missing pieces are skipped, so it can
// be repeated on a half-removed variant.
func (w *Workflow) Delete(ctx context.Context, mind, name string) error {
	if err := registry.ValidateVariantName(name); err != nil {
		return err
	}
	if _, err := w.reg.Get(mind); err != nil {
		return err
	}
	key := registry.Key(mind, name)
	defer w.lock(key)()

	v, err := w.reg.Variant(mind, name)
	switch {
	case err == nil:
	case merrors.Is(err, merrors.ErrNotFound):
		v = &registry.Variant{Name: name, Branch: name, Path: w.WorktreePath(mind, name)}
	default:
		return err
	}

	log := w.logger.With().Str("mind", mind).Str("variant", name).Logger()
	w.teardown(ctx, mind, v, func(step string, err error) {
		log.Warn().Err(err).Str("step", step).Msg("variant cleanup step failed")
	})
	w.publish(event.KindVariantDeleted, mind, name, "")
	log.Info().Msg("variant deleted")
	return nil
}

func (w *Workflow) publish(kind event.Kind, mind, variant, detail string) {
	if w.pub == nil {
		return
	}
	a := event.NewActivity(kind, mind)
	a.Variant = variant
	a.Detail = detail
	w.pub.Publish(sequencer.TopicActivity, a)
}
