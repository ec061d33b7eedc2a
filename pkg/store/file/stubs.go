package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/imposterd/imposterd/internal/jsonfs"
	"github.com/imposterd/imposterd/pkg/imposter"
	"github.com/imposterd/imposterd/pkg/store"
)

// timestampLayout is ISO-8601 with millisecond precision, matching the
// epoch component of the request filename.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// stubRepository implements store.Stubs bound to one imposter directory.
//
// Locking is per file: the header lock serializes stub-list mutations, each
// stub's meta lock serializes its cycle cursor, and response and request
// files are never locked (responses are immutable once written; request
// filenames are unique by construction). Response selection on one stub
// therefore never waits on another stub.
type stubRepository struct {
	dir  string
	lock jsonfs.LockOptions
	log  *slog.Logger
}

var _ store.Stubs = (*stubRepository)(nil)

func newStubRepository(dir string, cfg store.Config, log *slog.Logger) *stubRepository {
	return &stubRepository{
		dir:  dir,
		lock: jsonfs.LockOptions{Retries: cfg.LockRetries, MinWait: cfg.LockMinWait},
		log:  log,
	}
}

func (r *stubRepository) headerPath() string {
	return filepath.Join(r.dir, "imposter.json")
}

// readHeader loads the header without locking. An absent header reads as an
// empty stub list; stale reads are fine because stub dirs are stable.
func (r *stubRepository) readHeader() (header, error) {
	var h header
	_, err := jsonfs.ReadFile(r.headerPath(), &h)
	return h, err
}

// lockedTransform wraps jsonfs.LockedTransform with the repository's lock
// budget, logging contention with the target path before re-raising it.
func (r *stubRepository) lockedTransform(ctx context.Context, path string, transform jsonfs.Transform) error {
	err := jsonfs.LockedTransform(ctx, path, r.lock, transform)
	if errors.Is(err, store.ErrLockContention) {
		r.log.Error("lock retry budget exhausted", "path", path)
	}
	return err
}

func (r *stubRepository) Count(ctx context.Context) (int, error) {
	h, err := r.readHeader()
	if err != nil {
		return 0, err
	}
	return len(h.Stubs), nil
}

func (r *stubRepository) First(ctx context.Context, filter store.PredicateFilter, startIndex int) (store.StubHandle, bool, error) {
	h, err := r.readHeader()
	if err != nil {
		return nil, false, err
	}
	for i := max(startIndex, 0); i < len(h.Stubs); i++ {
		if filter(h.Stubs[i].Predicates) {
			return &stubHandle{repo: r, dir: h.Stubs[i].Meta.Dir, predicates: h.Stubs[i].Predicates}, true, nil
		}
	}
	return emptyHandle{}, false, nil
}

func (r *stubRepository) Add(ctx context.Context, stub imposter.Stub) error {
	// Clamped to the end of the list by InsertAtIndex.
	return r.InsertAtIndex(ctx, stub, math.MaxInt)
}

func (r *stubRepository) InsertAtIndex(ctx context.Context, stub imposter.Stub, index int) error {
	var dir string
	err := r.lockedTransform(ctx, r.headerPath(), func(raw []byte, exists bool) (any, error) {
		var h header
		if exists {
			if err := json.Unmarshal(raw, &h); err != nil {
				return nil, fmt.Errorf("parse %s: %w", r.headerPath(), err)
			}
		}

		dirs := make([]string, len(h.Stubs))
		for i, entry := range h.Stubs {
			dirs[i] = entry.Meta.Dir
		}
		dir = jsonfs.NextName(dirs, "stubs/${index}")
		n := jsonfs.NameIndex(dir)
		if h.NextStubDir > n {
			// A deleted stub once held this suffix; skip past it.
			n = h.NextStubDir
			dir = fmt.Sprintf("stubs/%d", n)
		}
		h.NextStubDir = n + 1

		index = min(max(index, 0), len(h.Stubs))
		entry := stubEntry{Predicates: stub.Predicates, Meta: stubMeta{Dir: dir}}
		h.Stubs = append(h.Stubs[:index], append([]stubEntry{entry}, h.Stubs[index:]...)...)
		return h, nil
	})
	if err != nil {
		return err
	}

	// The stub's own files share no contended path, so they are written in
	// parallel once the header names the directory. A crash here leaves a
	// header entry pointing at a partial directory, which readers tolerate.
	state := newStubState()
	g, _ := errgroup.WithContext(ctx)
	for i, response := range stub.Responses {
		relPath := fmt.Sprintf("responses/%d.json", i)
		state.ResponseFiles = append(state.ResponseFiles, relPath)
		for k := 0; k < response.Repeat(); k++ {
			state.OrderWithRepeats = append(state.OrderWithRepeats, i)
		}
		g.Go(func() error {
			return jsonfs.WriteFile(filepath.Join(r.dir, dir, relPath), response)
		})
	}
	g.Go(func() error {
		return jsonfs.WriteFile(filepath.Join(r.dir, dir, "meta.json"), state)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	r.log.Debug("stub inserted", "dir", dir, "index", index, "responses", len(stub.Responses))
	return nil
}

func (r *stubRepository) DeleteAtIndex(ctx context.Context, index int) error {
	return r.lockedTransform(ctx, r.headerPath(), func(raw []byte, exists bool) (any, error) {
		var h header
		if exists {
			if err := json.Unmarshal(raw, &h); err != nil {
				return nil, fmt.Errorf("parse %s: %w", r.headerPath(), err)
			}
		}
		if index < 0 || index >= len(h.Stubs) {
			return nil, fmt.Errorf("delete stub %d of %d: %w", index, len(h.Stubs), store.ErrMissingResource)
		}
		dir := h.Stubs[index].Meta.Dir
		if err := jsonfs.Remove(filepath.Join(r.dir, dir)); err != nil {
			return nil, err
		}
		h.Stubs = append(h.Stubs[:index], h.Stubs[index+1:]...)
		r.log.Debug("stub deleted", "dir", dir, "index", index)
		return h, nil
	})
}

func (r *stubRepository) OverwriteAtIndex(ctx context.Context, stub imposter.Stub, index int) error {
	if err := r.DeleteAtIndex(ctx, index); err != nil {
		return err
	}
	return r.InsertAtIndex(ctx, stub, index)
}

func (r *stubRepository) OverwriteAll(ctx context.Context, stubs []imposter.Stub) error {
	// The header reset and the subtree wipe touch disjoint paths and run in
	// parallel. Wiping the subtree releases every allocated suffix, so the
	// allocation floor resets with it.
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.lockedTransform(ctx, r.headerPath(), func(raw []byte, exists bool) (any, error) {
			var h header
			if exists {
				if err := json.Unmarshal(raw, &h); err != nil {
					return nil, fmt.Errorf("parse %s: %w", r.headerPath(), err)
				}
			}
			h.Stubs = nil
			h.NextStubDir = 0
			return h, nil
		})
	})
	g.Go(func() error {
		return jsonfs.Remove(filepath.Join(r.dir, "stubs"))
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// Adds are sequential so directory allocation stays collision-free.
	for _, stub := range stubs {
		if err := r.Add(ctx, stub); err != nil {
			return err
		}
	}
	return nil
}

func (r *stubRepository) ToJSON(ctx context.Context) ([]imposter.Stub, error) {
	h, err := r.readHeader()
	if err != nil {
		return nil, err
	}
	stubs := make([]imposter.Stub, 0, len(h.Stubs))
	for _, entry := range h.Stubs {
		var state stubState
		metaPath := filepath.Join(r.dir, entry.Meta.Dir, "meta.json")
		ok, err := jsonfs.ReadFile(metaPath, &state)
		if err != nil {
			return nil, err
		}
		if !ok {
			// A header entry without meta.json is a torn state, not garbage.
			return nil, fmt.Errorf("stub %s referenced by header has no meta.json", entry.Meta.Dir)
		}
		responses := make([]imposter.Response, 0, len(state.ResponseFiles))
		for _, rel := range state.ResponseFiles {
			var response imposter.Response
			path := filepath.Join(r.dir, entry.Meta.Dir, rel)
			ok, err := jsonfs.ReadFile(path, &response)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("stub %s is missing response file %s", entry.Meta.Dir, rel)
			}
			responses = append(responses, response)
		}
		stubs = append(stubs, imposter.Stub{Predicates: entry.Predicates, Responses: responses})
	}
	return stubs, nil
}

func (r *stubRepository) AddRequest(ctx context.Context, request imposter.Request) error {
	now := time.Now().UTC()
	recorded := make(imposter.Request, len(request)+1)
	for k, v := range request {
		recorded[k] = v
	}
	recorded["timestamp"] = now.Format(timestampLayout)

	name := jsonfs.RequestFileName(now.UnixMilli())
	return jsonfs.WriteFile(filepath.Join(r.dir, "requests", name), recorded)
}

func (r *stubRepository) LoadRequests(ctx context.Context) ([]imposter.Request, error) {
	raws, err := jsonfs.LoadAllInDir(filepath.Join(r.dir, "requests"))
	if err != nil {
		return nil, err
	}
	requests := make([]imposter.Request, 0, len(raws))
	for _, raw := range raws {
		var request imposter.Request
		if err := json.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("parse recorded request: %w", err)
		}
		requests = append(requests, request)
	}
	return requests, nil
}

func (r *stubRepository) DeleteAllRequests(ctx context.Context) error {
	return jsonfs.Remove(filepath.Join(r.dir, "requests"))
}

func (r *stubRepository) DeleteSavedProxyResponses(ctx context.Context) error {
	stubs, err := r.ToJSON(ctx)
	if err != nil {
		return err
	}
	kept := make([]imposter.Stub, 0, len(stubs))
	for _, stub := range stubs {
		responses := make([]imposter.Response, 0, len(stub.Responses))
		for _, response := range stub.Responses {
			if !response.IsProxyRecording() {
				responses = append(responses, response)
			}
		}
		if len(responses) == 0 {
			continue
		}
		stub.Responses = responses
		kept = append(kept, stub)
	}
	return r.OverwriteAll(ctx, kept)
}

// stubHandle binds response operations to a stub's stable directory. It is
// a snapshot: valid across unrelated stub-list mutations, invalid once its
// own stub is deleted.
type stubHandle struct {
	repo       *stubRepository
	dir        string
	predicates []json.RawMessage
}

var _ store.StubHandle = (*stubHandle)(nil)

func (s *stubHandle) Predicates() []json.RawMessage { return s.predicates }

func (s *stubHandle) metaPath() string {
	return filepath.Join(s.repo.dir, s.dir, "meta.json")
}

// AddResponse appends to the cycle without taking the meta lock: proxy
// recording is serialized per stub upstream, and the response index is
// append-only so existing cycle positions keep their files. The meta file
// and the new response file are written concurrently, so a NextResponse
// that reaches the new position before its file exists fails with a
// missing-response-file error.
func (s *stubHandle) AddResponse(ctx context.Context, response imposter.Response) error {
	var state stubState
	ok, err := jsonfs.ReadFile(s.metaPath(), &state)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("stub %s: %w", s.dir, store.ErrMissingResource)
	}

	n := len(state.ResponseFiles)
	relPath := fmt.Sprintf("responses/%d.json", n)
	state.ResponseFiles = append(state.ResponseFiles, relPath)
	for k := 0; k < response.Repeat(); k++ {
		state.OrderWithRepeats = append(state.OrderWithRepeats, n)
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		return jsonfs.WriteFile(filepath.Join(s.repo.dir, s.dir, relPath), response)
	})
	g.Go(func() error {
		return jsonfs.WriteFile(s.metaPath(), state)
	})
	return g.Wait()
}

func (s *stubHandle) NextResponse(ctx context.Context) (*store.MatchedResponse, error) {
	var responseFile string
	err := s.repo.lockedTransform(ctx, s.metaPath(), func(raw []byte, exists bool) (any, error) {
		var state stubState
		if exists {
			if err := json.Unmarshal(raw, &state); err != nil {
				return nil, fmt.Errorf("parse %s: %w", s.metaPath(), err)
			}
		}
		m := len(state.OrderWithRepeats)
		if m == 0 {
			return nil, fmt.Errorf("stub %s: %w", s.dir, store.ErrStubExhausted)
		}
		idx := state.OrderWithRepeats[state.NextIndex%m]
		if idx < 0 || idx >= len(state.ResponseFiles) {
			return nil, fmt.Errorf("stub %s: cycle position %d points outside responseFiles", s.dir, idx)
		}
		responseFile = state.ResponseFiles[idx]
		state.NextIndex = (state.NextIndex + 1) % m
		return state, nil
	})
	if err != nil {
		return nil, err
	}

	var response imposter.Response
	path := filepath.Join(s.repo.dir, s.dir, responseFile)
	ok, err := jsonfs.ReadFile(path, &response)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("stub %s is missing response file %s", s.dir, responseFile)
	}
	return &store.MatchedResponse{Response: response, StubIndex: s.stubIndex}, nil
}

// stubIndex resolves the stub's current position in the list, 0 when the
// stub is gone. Deferred so that callers correlating responses to stubs see
// positions as of read time, not match time.
func (s *stubHandle) stubIndex(ctx context.Context) (int, error) {
	h, err := s.repo.readHeader()
	if err != nil {
		return 0, err
	}
	for i, entry := range h.Stubs {
		if entry.Meta.Dir == s.dir {
			return i, nil
		}
	}
	return 0, nil
}

func (s *stubHandle) RecordMatch(ctx context.Context) error { return nil }

// emptyHandle is returned when no stub matches: mutators are no-ops and the
// cycle yields the canonical empty response.
type emptyHandle struct{}

var _ store.StubHandle = emptyHandle{}

func (emptyHandle) Predicates() []json.RawMessage { return nil }

func (emptyHandle) AddResponse(ctx context.Context, response imposter.Response) error { return nil }

func (emptyHandle) NextResponse(ctx context.Context) (*store.MatchedResponse, error) {
	return &store.MatchedResponse{
		Response:  imposter.EmptyResponse(),
		StubIndex: func(context.Context) (int, error) { return 0, nil },
	}, nil
}

func (emptyHandle) RecordMatch(ctx context.Context) error { return nil }
