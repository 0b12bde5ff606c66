package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/observability"
)

// Registry loads skill bundles from the skills directory and keeps them
// current via a file watcher.
type Registry struct {
	dir string
	log *observability.Logger

	mu     sync.RWMutex
	skills map[string]*Skill

	enabled func() []config.SkillRef

	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup

	onChange func()
}

// NewRegistry builds a registry over dir. enabled supplies the registered
// state from the live config; onChange fires after every reload (prompt
// cache invalidation hangs off it).
func NewRegistry(dir string, enabled func() []config.SkillRef, onChange func(), log *observability.Logger) *Registry {
	return &Registry{
		dir:      dir,
		log:      log.With("component", "skills"),
		skills:   make(map[string]*Skill),
		enabled:  enabled,
		onChange: onChange,
	}
}

// Load scans the skills directory and replaces the in-memory set. Bundles
// with bad ids or unparseable manifests are skipped with a warning.
func (r *Registry) Load(ctx context.Context) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(r.dir, 0o755); err != nil {
				return fmt.Errorf("create skills dir: %w", err)
			}
			entries = nil
		} else {
			return fmt.Errorf("read skills dir: %w", err)
		}
	}

	refs := make(map[string]bool)
	for _, ref := range r.enabled() {
		refs[ref.ID] = ref.Enabled
	}

	loaded := make(map[string]*Skill)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if !ValidID(id) {
			continue
		}
		dir := filepath.Join(r.dir, id)
		manifest, body, err := ParseManifestFile(filepath.Join(dir, ManifestFilename))
		if err != nil {
			r.log.Warn(ctx, "skipping skill bundle", "id", id, "error", err)
			continue
		}
		enabled, registered := refs[id]
		loaded[id] = &Skill{
			ID:       id,
			Dir:      dir,
			Manifest: *manifest,
			Body:     body,
			Enabled:  registered && enabled,
		}
	}

	r.mu.Lock()
	r.skills = loaded
	r.mu.Unlock()

	r.log.Info(ctx, "skills loaded", "count", len(loaded))
	if r.onChange != nil {
		r.onChange()
	}
	return nil
}

// Get returns a skill by id.
func (r *Registry) Get(id string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[id]
	return s, ok
}

// List returns every loaded skill sorted by id.
func (r *Registry) List() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListEnabled returns the enabled subset sorted by id.
func (r *Registry) ListEnabled() []*Skill {
	all := r.List()
	out := all[:0]
	for _, s := range all {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Dir returns the bundle root directory.
func (r *Registry) Dir() string { return r.dir }

// Watch starts the file watcher. Changes are debounced and trigger a full
// reload.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch skills dir: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.watcher = watcher
	r.watchCancel = cancel
	r.mu.Unlock()

	r.watchWg.Add(1)
	go r.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher.
func (r *Registry) Close() error {
	r.mu.Lock()
	watcher := r.watcher
	cancel := r.watchCancel
	r.watcher = nil
	r.watchCancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		_ = watcher.Close()
	}
	r.watchWg.Wait()
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer r.watchWg.Done()
	const debounce = 250 * time.Millisecond

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if err := r.Load(context.Background()); err != nil {
				r.log.Warn(context.Background(), "skill reload failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = watcher.Add(event.Name)
					}
				}
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn(ctx, "skill watch error", "error", err)
		}
	}
}
