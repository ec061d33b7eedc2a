package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/imposterd/imposterd/internal/jsonfs"
	"github.com/imposterd/imposterd/pkg/imposter"
	"github.com/imposterd/imposterd/pkg/store"
)

// Repository is the filesystem-backed root repository. All durable state
// lives under Config.DataDir, one directory per imposter port, so multiple
// processes can share a data directory; the handle table of shutdown hooks
// is the only in-memory state and is process-local by design.
type Repository struct {
	cfg store.Config
	log *slog.Logger

	mu    sync.RWMutex
	hooks map[int]store.StopFunc
}

var _ store.Imposters = (*Repository)(nil)

// New creates a repository rooted at cfg.DataDir. The directory is created
// on first write.
func New(cfg store.Config) *Repository {
	return NewWithLogger(cfg, slog.Default())
}

// NewWithLogger is New with an explicit logger.
func NewWithLogger(cfg store.Config, log *slog.Logger) *Repository {
	if cfg.DataDir == "" {
		cfg.DataDir = ".imposterd"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Repository{
		cfg:   cfg,
		log:   log,
		hooks: make(map[int]store.StopFunc),
	}
}

func (r *Repository) dir(id int) string {
	return filepath.Join(r.cfg.DataDir, strconv.Itoa(id))
}

func (r *Repository) headerPath(id int) string {
	return filepath.Join(r.dir(id), "imposter.json")
}

// Add writes the imposter header and records its stop hook. Stubs already
// on disk are kept: upstream may create stubs through StubsFor before the
// imposter itself is saved, so an existing header's stub list (and its
// allocation floor) always wins over anything in the supplied value.
func (r *Repository) Add(ctx context.Context, imp imposter.Imposter, stop store.StopFunc) error {
	port, ok := imp.Port()
	if !ok {
		return store.ErrInvalidImposter
	}

	var h header
	if _, err := jsonfs.ReadFile(r.headerPath(port), &h); err != nil {
		return err
	}
	extra := make(map[string]json.RawMessage, len(imp))
	for k, v := range imp {
		switch k {
		case "stubs", "requests", headerFloorKey:
			// stubs come from disk, requests never live in the header, and
			// the floor is repository bookkeeping.
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode imposter field %q: %w", k, err)
		}
		extra[k] = raw
	}
	h.Extra = extra
	if err := jsonfs.WriteFile(r.headerPath(port), h); err != nil {
		return err
	}

	r.mu.Lock()
	r.hooks[port] = stop
	r.mu.Unlock()
	r.log.Debug("imposter added", "port", port)
	return nil
}

// Get returns the fully materialized imposter: header fields plus the stub
// list with responses inlined. Absent imposters return nil without error.
func (r *Repository) Get(ctx context.Context, id int) (imposter.Imposter, error) {
	var h header
	ok, err := jsonfs.ReadFile(r.headerPath(id), &h)
	if err != nil || !ok {
		return nil, err
	}

	stubs, err := r.StubsFor(id).ToJSON(ctx)
	if err != nil {
		return nil, err
	}

	imp := make(imposter.Imposter, len(h.Extra)+1)
	for k, raw := range h.Extra {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("parse imposter field %q: %w", k, err)
		}
		imp[k] = v
	}
	imp["stubs"] = stubs
	return imp, nil
}

// All materializes every imposter in the handle table, in parallel, ordered
// by port. Entries whose directory has vanished are skipped.
func (r *Repository) All(ctx context.Context) ([]imposter.Imposter, error) {
	r.mu.RLock()
	ids := make([]int, 0, len(r.hooks))
	for id := range r.hooks {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Ints(ids)

	imps := make([]imposter.Imposter, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			imp, err := r.Get(ctx, id)
			imps[i] = imp
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]imposter.Imposter, 0, len(imps))
	for _, imp := range imps {
		if imp != nil {
			out = append(out, imp)
		}
	}
	return out, nil
}

// Exists reports membership in the in-memory handle table only; it does not
// consult the filesystem.
func (r *Repository) Exists(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.hooks[id]
	return ok
}

// Del stops the imposter, removes its directory, and returns its last
// state (nil if it was not on disk).
func (r *Repository) Del(ctx context.Context, id int) (imposter.Imposter, error) {
	imp, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	stop := r.hooks[id]
	delete(r.hooks, id)
	r.mu.Unlock()

	if stop != nil {
		if err := stop(ctx); err != nil {
			return nil, fmt.Errorf("stop imposter %d: %w", id, err)
		}
	}
	if err := jsonfs.Remove(r.dir(id)); err != nil {
		return nil, err
	}
	r.log.Debug("imposter deleted", "port", id)
	return imp, nil
}

// DeleteAll stops every imposter in parallel, then removes the entire data
// directory.
func (r *Repository) DeleteAll(ctx context.Context) error {
	hooks := r.takeHooks()

	g, ctx := errgroup.WithContext(ctx)
	for _, stop := range hooks {
		if stop == nil {
			continue
		}
		g.Go(func() error { return stop(ctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return jsonfs.Remove(r.cfg.DataDir)
}

// DeleteAllSync is the shutdown-path variant of DeleteAll: hooks run
// sequentially and every step is attempted even after a failure, returning
// the first error seen.
func (r *Repository) DeleteAllSync() error {
	hooks := r.takeHooks()

	var firstErr error
	for _, stop := range hooks {
		if stop == nil {
			continue
		}
		if err := stop(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := jsonfs.Remove(r.cfg.DataDir); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (r *Repository) takeHooks() map[int]store.StopFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	hooks := r.hooks
	r.hooks = make(map[int]store.StopFunc)
	return hooks
}

// StubsFor returns the stub repository bound to an imposter's directory.
// The imposter need not exist yet; its directory appears on first write.
func (r *Repository) StubsFor(id int) store.Stubs {
	return newStubRepository(r.dir(id), r.cfg, r.log)
}

// NumberOfRequests counts recorded requests from the directory listing
// without reading the files.
func (r *Repository) NumberOfRequests(ctx context.Context, id int) (int, error) {
	return jsonfs.CountInDir(filepath.Join(r.dir(id), "requests"))
}
