package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	merrors "github.com/p-blackswan/mindkeeper/internal/errors"
)

// Options locates the registry files.
type Options struct {
	// Path is the JSON file holding the mind list.
	Path string
	// VariantsDir holds <mind>.json variant lists.
	VariantsDir string
	// MindsDir is the parent of every mind's working directory.
	MindsDir string
	// BasePort is the first port handed out by NextPort.
	BasePort int
}

// Registry reads and writes mind and variant metadata. Every read goes to
// disk so edits made by other tools are visible; the mutex only serializes
// read-modify-write cycles inside this process.
type Registry struct {
	mu       sync.Mutex
	opts     Options
	reserved map[int]struct{}
	logger   zerolog.Logger
}

// New creates a Registry.
func New(opts Options, logger zerolog.Logger) *Registry {
	if opts.BasePort == 0 {
		opts.BasePort = 4100
	}
	return &Registry{
		opts:     opts,
		reserved: make(map[int]struct{}),
		logger:   logger.With().Str("component", "registry").Logger(),
	}
}

// MindDir returns the working directory of a mind.
func (r *Registry) MindDir(name string) string {
	return filepath.Join(r.opts.MindsDir, name)
}

// List returns all minds in insertion order.
func (r *Registry) List() ([]MindEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadMinds()
}

// Get returns a single mind.
func (r *Registry) Get(name string) (*MindEntry, error) {
	entries, err := r.List()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Name == name {
			e := entries[i]
			return &e, nil
		}
	}
	return nil, merrors.NotFound("get mind", name)
}

// Add appends a new mind. The name must be valid and unused.
func (r *Registry) Add(entry MindEntry) error {
	if err := ValidateMindName(entry.Name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.loadMinds()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == entry.Name {
			return merrors.New(merrors.ErrAlreadyExists, "add mind", entry.Name, "mind already exists")
		}
	}
	return r.saveMinds(append(entries, entry))
}

// Update applies fn to the named mind and persists the result.
func (r *Registry) Update(name string, fn func(*MindEntry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.loadMinds()
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].Name == name {
			fn(&entries[i])
			entries[i].Name = name
			return r.saveMinds(entries)
		}
	}
	return merrors.NotFound("update mind", name)
}

// SetRunning records the last-known liveness of a mind.
func (r *Registry) SetRunning(name string, running bool) error {
	return r.Update(name, func(e *MindEntry) { e.Running = running })
}

// Remove deletes a mind entry. Removing an unknown mind is not an error.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.loadMinds()
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.Name != name {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}
	return r.saveMinds(kept)
}

// Variants returns the variants of a mind in insertion order.
func (r *Registry) Variants(mind string) ([]Variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadVariants(mind)
}

// Variant returns a single variant.
func (r *Registry) Variant(mind, name string) (*Variant, error) {
	vs, err := r.Variants(mind)
	if err != nil {
		return nil, err
	}
	for i := range vs {
		if vs[i].Name == name {
			v := vs[i]
			return &v, nil
		}
	}
	return nil, merrors.NotFound("get variant", Key(mind, name))
}

// AddVariant appends a variant; names are unique per mind.
func (r *Registry) AddVariant(mind string, v Variant) error {
	if err := ValidateVariantName(v.Name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	vs, err := r.loadVariants(mind)
	if err != nil {
		return err
	}
	for _, existing := range vs {
		if existing.Name == v.Name {
			return merrors.New(merrors.ErrAlreadyExists, "add variant", Key(mind, v.Name), "variant already exists")
		}
	}
	delete(r.reserved, v.Port)
	return r.saveVariants(mind, append(vs, v))
}

// UpdateVariant applies fn to the named variant and persists the result.
func (r *Registry) UpdateVariant(mind, name string, fn func(*Variant)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	vs, err := r.loadVariants(mind)
	if err != nil {
		return err
	}
	for i := range vs {
		if vs[i].Name == name {
			fn(&vs[i])
			vs[i].Name = name
			return r.saveVariants(mind, vs)
		}
	}
	return merrors.NotFound("update variant", Key(mind, name))
}

// RemoveVariant deletes a variant record. Removing an unknown variant is not
// an error.
func (r *Registry) RemoveVariant(mind, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	vs, err := r.loadVariants(mind)
	if err != nil {
		return err
	}
	kept := vs[:0]
	for _, v := range vs {
		if v.Name != name {
			kept = append(kept, v)
		}
	}
	if len(kept) == len(vs) {
		return nil
	}
	return r.saveVariants(mind, kept)
}

// RemoveVariantFile drops the whole variant list of a mind.
func (r *Registry) RemoveVariantFile(mind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := os.Remove(r.variantsPath(mind))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return merrors.Wrap(merrors.ErrPersistence, "remove variants", mind, err)
	}
	return nil
}

// NextPort scans every mind and variant and returns the first unused port at
// or above the base port. The returned port is reserved in memory until a
// variant claims it via AddVariant or the caller calls Release.
func (r *Registry) NextPort() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	used, err := r.usedPorts()
	if err != nil {
		return 0, err
	}
	for port := r.opts.BasePort; port <= maxPort; port++ {
		if _, taken := used[port]; taken {
			continue
		}
		if _, taken := r.reserved[port]; taken {
			continue
		}
		r.reserved[port] = struct{}{}
		return port, nil
	}
	return 0, merrors.New(merrors.ErrPortsExhausted, "allocate port", "", fmt.Sprintf("no free port between %d and %d", r.opts.BasePort, maxPort))
}

// Release drops an in-memory port reservation.
func (r *Registry) Release(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, port)
}

// PortInUse reports whether port is assigned to any mind or variant.
func (r *Registry) PortInUse(port int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	used, err := r.usedPorts()
	if err != nil {
		return false, err
	}
	_, ok := used[port]
	return ok, nil
}

// Resolve maps a supervisor key to the directory and port of its process.
func (r *Registry) Resolve(key string) (string, int, error) {
	mind, variant := ParseKey(key)
	if variant == "" {
		e, err := r.Get(mind)
		if err != nil {
			return "", 0, err
		}
		return r.MindDir(mind), e.Port, nil
	}
	v, err := r.Variant(mind, variant)
	if err != nil {
		return "", 0, err
	}
	return v.Path, v.Port, nil
}

func (r *Registry) usedPorts() (map[int]struct{}, error) {
	used := make(map[int]struct{})
	minds, err := r.loadMinds()
	if err != nil {
		return nil, err
	}
	for _, m := range minds {
		used[m.Port] = struct{}{}
	}

	files, err := os.ReadDir(r.opts.VariantsDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, merrors.Wrap(merrors.ErrPersistence, "scan variants", r.opts.VariantsDir, err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		vs, err := r.loadVariants(strings.TrimSuffix(f.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		for _, v := range vs {
			used[v.Port] = struct{}{}
		}
	}
	return used, nil
}

func (r *Registry) variantsPath(mind string) string {
	return filepath.Join(r.opts.VariantsDir, mind+".json")
}

func (r *Registry) loadMinds() ([]MindEntry, error) {
	var entries []MindEntry
	if err := readJSON(r.opts.Path, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Registry) saveMinds(entries []MindEntry) error {
	if entries == nil {
		entries = []MindEntry{}
	}
	if err := writeJSONAtomic(r.opts.Path, entries); err != nil {
		r.logger.Error().Err(err).Str("path", r.opts.Path).Msg("failed to persist registry")
		return err
	}
	return nil
}

func (r *Registry) loadVariants(mind string) ([]Variant, error) {
	var vs []Variant
	if err := readJSON(r.variantsPath(mind), &vs); err != nil {
		return nil, err
	}
	return vs, nil
}

func (r *Registry) saveVariants(mind string, vs []Variant) error {
	if vs == nil {
		vs = []Variant{}
	}
	path := r.variantsPath(mind)
	if err := writeJSONAtomic(path, vs); err != nil {
		r.logger.Error().Err(err).Str("path", path).Msg("failed to persist variants")
		return err
	}
	return nil
}

// readJSON decodes path into v. A missing file leaves v untouched.
func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return merrors.Wrap(merrors.ErrPersistence, "read", path, err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return merrors.Wrap(merrors.ErrPersistence, "decode", path, err)
	}
	return nil
}

// writeJSONAtomic writes v to a temp file in the target directory and renames
// it over path, so readers never observe a partial file.
func writeJSONAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return merrors.Wrap(merrors.ErrPersistence, "encode", path, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return merrors.Wrap(merrors.ErrPersistence, "mkdir", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return merrors.Wrap(merrors.ErrPersistence, "create temp", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		tmp.Close()
		cleanup()
		return merrors.Wrap(merrors.ErrPersistence, "write", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return merrors.Wrap(merrors.ErrPersistence, "sync", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return merrors.Wrap(merrors.ErrPersistence, "close", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return merrors.Wrap(merrors.ErrPersistence, "rename", path, err)
	}
	return nil
}
