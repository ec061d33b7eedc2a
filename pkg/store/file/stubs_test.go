package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imposterd/imposterd/pkg/imposter"
	"github.com/imposterd/imposterd/pkg/logging"
	"github.com/imposterd/imposterd/pkg/store"
)

// ============================================================================
// Test Helpers
// ============================================================================

// newTestRepo creates a Repository backed by a temp directory with a short
// lock backoff so contention tests stay fast.
func newTestRepo(t *testing.T) (*Repository, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := store.DefaultConfig(dir)
	cfg.LockMinWait = 2 * time.Millisecond
	return NewWithLogger(cfg, logging.Nop()), dir
}

// newTestStubs binds a stub repository to port 3000 of a fresh data dir and
// returns it along with the imposter directory.
func newTestStubs(t *testing.T) (store.Stubs, string) {
	t.Helper()
	repo, dir := newTestRepo(t)
	return repo.StubsFor(3000), filepath.Join(dir, "3000")
}

func matchAll([]json.RawMessage) bool  { return true }
func matchNone([]json.RawMessage) bool { return false }

func isResponse(body string) imposter.Response {
	return imposter.Response{"is": map[string]any{"body": body}}
}

func withRepeat(resp imposter.Response, n int) imposter.Response {
	resp["_behaviors"] = map[string]any{"repeat": n}
	return resp
}

func pathPredicate(path string) json.RawMessage {
	return fmt.Appendf(nil, `{"equals": {"path": %q}}`, path)
}

func responseBody(t *testing.T, resp imposter.Response) string {
	t.Helper()
	is, ok := resp["is"].(map[string]any)
	require.True(t, ok, "response has no is: %v", resp)
	body, _ := is["body"].(string)
	return body
}

func readStubState(t *testing.T, imposterDir, stubDir string) stubState {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(imposterDir, stubDir, "meta.json"))
	require.NoError(t, err)
	var state stubState
	require.NoError(t, json.Unmarshal(data, &state))
	return state
}

func stubDirs(t *testing.T, imposterDir string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(imposterDir, "imposter.json"))
	require.NoError(t, err)
	var h header
	require.NoError(t, json.Unmarshal(data, &h))
	dirs := make([]string, len(h.Stubs))
	for i, entry := range h.Stubs {
		dirs[i] = entry.Meta.Dir
	}
	return dirs
}

// ============================================================================
// Stub list
// ============================================================================

func TestCountAbsentHeader(t *testing.T) {
	stubs, _ := newTestStubs(t)
	n, err := stubs.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsertAtIndexCreatesLayout(t *testing.T) {
	stubs, dir := newTestStubs(t)
	ctx := context.Background()

	stub := imposter.Stub{
		Predicates: []json.RawMessage{pathPredicate("/")},
		Responses:  []imposter.Response{isResponse("hi")},
	}
	require.NoError(t, stubs.InsertAtIndex(ctx, stub, 0))

	state := readStubState(t, dir, "stubs/0")
	assert.Equal(t, []string{"responses/0.json"}, state.ResponseFiles)
	assert.Equal(t, []int{0}, state.OrderWithRepeats)
	assert.Zero(t, state.NextIndex)

	assert.Equal(t, []string{"stubs/0"}, stubDirs(t, dir))

	data, err := os.ReadFile(filepath.Join(dir, "stubs/0/responses/0.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"is": {"body": "hi"}}`, string(data))

	n, err := stubs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsertKeepsExistingDirsStable(t *testing.T) {
	stubs, dir := newTestStubs(t)
	ctx := context.Background()

	require.NoError(t, stubs.Add(ctx, imposter.Stub{Predicates: []json.RawMessage{pathPredicate("/x")}}))
	require.NoError(t, stubs.InsertAtIndex(ctx, imposter.Stub{Predicates: []json.RawMessage{pathPredicate("/y")}}, 0))

	// Y lands at list position 0 but gets the next numeric suffix; X keeps
	// its directory.
	assert.Equal(t, []string{"stubs/1", "stubs/0"}, stubDirs(t, dir))
}

func TestDeleteThenReaddNeverReusesNumbering(t *testing.T) {
	stubs, dir := newTestStubs(t)
	ctx := context.Background()

	require.NoError(t, stubs.Add(ctx, imposter.Stub{}))
	require.NoError(t, stubs.DeleteAtIndex(ctx, 0))
	require.NoError(t, stubs.Add(ctx, imposter.Stub{}))

	assert.Equal(t, []string{"stubs/1"}, stubDirs(t, dir))
}

func TestDeleteAtIndexRemovesDirectory(t *testing.T) {
	stubs, dir := newTestStubs(t)
	ctx := context.Background()

	require.NoError(t, stubs.Add(ctx, imposter.Stub{Responses: []imposter.Response{isResponse("a")}}))
	require.NoError(t, stubs.Add(ctx, imposter.Stub{Responses: []imposter.Response{isResponse("b")}}))
	require.NoError(t, stubs.DeleteAtIndex(ctx, 0))

	_, err := os.Stat(filepath.Join(dir, "stubs/0"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, []string{"stubs/1"}, stubDirs(t, dir))

	n, err := stubs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeleteAtIndexOutOfRange(t *testing.T) {
	stubs, _ := newTestStubs(t)
	ctx := context.Background()

	err := stubs.DeleteAtIndex(ctx, 0)
	require.ErrorIs(t, err, store.ErrMissingResource)

	require.NoError(t, stubs.Add(ctx, imposter.Stub{}))
	require.ErrorIs(t, stubs.DeleteAtIndex(ctx, 1), store.ErrMissingResource)
	require.ErrorIs(t, stubs.DeleteAtIndex(ctx, -1), store.ErrMissingResource)
}

func TestOverwriteAtIndex(t *testing.T) {
	stubs, dir := newTestStubs(t)
	ctx := context.Background()

	require.NoError(t, stubs.Add(ctx, imposter.Stub{Responses: []imposter.Response{isResponse("old")}}))
	require.NoError(t, stubs.Add(ctx, imposter.Stub{Responses: []imposter.Response{isResponse("keep")}}))

	require.NoError(t, stubs.OverwriteAtIndex(ctx, imposter.Stub{Responses: []imposter.Response{isResponse("new")}}, 0))

	all, err := stubs.ToJSON(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "new", responseBody(t, all[0].Responses[0]))
	assert.Equal(t, "keep", responseBody(t, all[1].Responses[0]))
	// The replacement got a fresh directory.
	assert.Equal(t, []string{"stubs/2", "stubs/1"}, stubDirs(t, dir))
}

func TestOverwriteAllRoundTrip(t *testing.T) {
	stubs, _ := newTestStubs(t)
	ctx := context.Background()

	require.NoError(t, stubs.Add(ctx, imposter.Stub{
		Predicates: []json.RawMessage{pathPredicate("/a")},
		Responses:  []imposter.Response{withRepeat(isResponse("a1"), 2), isResponse("a2")},
	}))
	require.NoError(t, stubs.Add(ctx, imposter.Stub{
		Predicates: []json.RawMessage{pathPredicate("/b")},
		Responses:  []imposter.Response{isResponse("b1")},
	}))

	before, err := stubs.ToJSON(ctx)
	require.NoError(t, err)

	require.NoError(t, stubs.OverwriteAll(ctx, before))

	after, err := stubs.ToJSON(ctx)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		require.Len(t, after[i].Predicates, len(before[i].Predicates))
		for j := range before[i].Predicates {
			assert.JSONEq(t, string(before[i].Predicates[j]), string(after[i].Predicates[j]))
		}
		assert.Equal(t, before[i].Responses, after[i].Responses)
	}
}

func TestOverwriteAllResetsNumbering(t *testing.T) {
	stubs, dir := newTestStubs(t)
	ctx := context.Background()

	require.NoError(t, stubs.Add(ctx, imposter.Stub{}))
	require.NoError(t, stubs.Add(ctx, imposter.Stub{}))
	require.NoError(t, stubs.OverwriteAll(ctx, []imposter.Stub{{}, {}, {}}))

	assert.Equal(t, []string{"stubs/0", "stubs/1", "stubs/2"}, stubDirs(t, dir))
}

func TestToJSONSurfacesMissingMeta(t *testing.T) {
	stubs, dir := newTestStubs(t)
	ctx := context.Background()

	require.NoError(t, stubs.Add(ctx, imposter.Stub{}))
	require.NoError(t, os.Remove(filepath.Join(dir, "stubs/0/meta.json")))

	_, err := stubs.ToJSON(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stubs/0")
}

// ============================================================================
// First and the stub handle
// ============================================================================

func TestFirstFindsMatchingStub(t *testing.T) {
	stubs, _ := newTestStubs(t)
	ctx := context.Background()

	require.NoError(t, stubs.Add(ctx, imposter.Stub{
		Predicates: []json.RawMessage{pathPredicate("/a")},
		Responses:  []imposter.Response{isResponse("a")},
	}))
	require.NoError(t, stubs.Add(ctx, imposter.Stub{
		Predicates: []json.RawMessage{pathPredicate("/b")},
		Responses:  []imposter.Response{isResponse("b")},
	}))

	wantB := func(predicates []json.RawMessage) bool {
		return len(predicates) == 1 && strings.Contains(string(predicates[0]), "/b")
	}
	handle, found, err := stubs.First(ctx, wantB, 0)
	require.NoError(t, err)
	require.True(t, found)

	match, err := handle.NextResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", responseBody(t, match.Response))
}

func TestFirstHonorsStartIndex(t *testing.T) {
	stubs, _ := newTestStubs(t)
	ctx := context.Background()

	require.NoError(t, stubs.Add(ctx, imposter.Stub{Responses: []imposter.Response{isResponse("first")}}))
	require.NoError(t, stubs.Add(ctx, imposter.Stub{Responses: []imposter.Response{isResponse("second")}}))

	handle, found, err := stubs.First(ctx, matchAll, 1)
	require.NoError(t, err)
	require.True(t, found)

	match, err := handle.NextResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", responseBody(t, match.Response))
}

func TestFirstNoMatchYieldsEmptyHandle(t *testing.T) {
	stubs, _ := newTestStubs(t)
	ctx := context.Background()

	require.NoError(t, stubs.Add(ctx, imposter.Stub{Responses: []imposter.Response{isResponse("x")}}))

	handle, found, err := stubs.First(ctx, matchNone, 0)
	require.NoError(t, err)
	assert.False(t, found)

	match, err := handle.NextResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, imposter.EmptyResponse(), match.Response)

	idx, err := match.StubIndex(ctx)
	require.NoError(t, err)
	assert.Zero(t, idx)

	// Mutators are no-ops.
	require.NoError(t, handle.AddResponse(ctx, isResponse("ignored")))
	require.NoError(t, handle.RecordMatch(ctx))

	n, err := stubs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRepeatCycling(t *testing.T) {
	stubs, dir := newTestStubs(t)
	ctx := context.Background()

	require.NoError(t, stubs.Add(ctx, imposter.Stub{
		Responses: []imposter.Response{withRepeat(isResponse("A"), 2), isResponse("B")},
	}))

	handle, found, err := stubs.First(ctx, matchAll, 0)
	require.NoError(t, err)
	require.True(t, found)

	var got []string
	for range 4 {
		match, err := handle.NextResponse(ctx)
		require.NoError(t, err)
		got = append(got, responseBody(t, match.Response))
	}
	assert.Equal(t, []string{"A", "A", "B", "A"}, got)

	state := readStubState(t, dir, "stubs/0")
	assert.Equal(t, []int{0, 0, 1}, state.OrderWithRepeats)
	assert.Equal(t, 1, state.NextIndex)
}

func TestNextResponseExhaustedStub(t *testing.T) {
	stubs, _ := newTestStubs(t)
	ctx := context.Background()

	require.NoError(t, stubs.Add(ctx, imposter.Stub{}))
	handle, found, err := stubs.First(ctx, matchAll, 0)
	require.NoError(t, err)
	require.True(t, found)

	_, err = handle.NextResponse(ctx)
	require.ErrorIs(t, err, store.ErrStubExhausted)
}

func TestAddResponseAppendsToCycle(t *testing.T) {
	stubs, dir := newTestStubs(t)
	ctx := context.Background()

	require.NoError(t, stubs.Add(ctx, imposter.Stub{Responses: []imposter.Response{isResponse("a")}}))
	handle, _, err := stubs.First(ctx, matchAll, 0)
	require.NoError(t, err)

	require.NoError(t, handle.AddResponse(ctx, withRepeat(isResponse("b"), 2)))

	state := readStubState(t, dir, "stubs/0")
	assert.Equal(t, []string{"responses/0.json", "responses/1.json"}, state.ResponseFiles)
	assert.Equal(t, []int{0, 1, 1}, state.OrderWithRepeats)

	var got []string
	for range 3 {
		match, err := handle.NextResponse(ctx)
		require.NoError(t, err)
		got = append(got, responseBody(t, match.Response))
	}
	assert.Equal(t, []string{"a", "b", "b"}, got)
}

func TestStubIndexResolverTracksPosition(t *testing.T) {
	stubs, _ := newTestStubs(t)
	ctx := context.Background()

	require.NoError(t, stubs.Add(ctx, imposter.Stub{Responses: []imposter.Response{isResponse("target")}}))

	handle, _, err := stubs.First(ctx, matchAll, 0)
	require.NoError(t, err)
	match, err := handle.NextResponse(ctx)
	require.NoError(t, err)

	idx, err := match.StubIndex(ctx)
	require.NoError(t, err)
	assert.Zero(t, idx)

	// Inserting ahead of the stub shifts its position; the resolver reads
	// the current one.
	require.NoError(t, stubs.InsertAtIndex(ctx, imposter.Stub{}, 0))
	idx, err = match.StubIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	// Gone entirely: resolves to 0.
	require.NoError(t, stubs.DeleteAtIndex(ctx, 1))
	idx, err = match.StubIndex(ctx)
	require.NoError(t, err)
	assert.Zero(t, idx)
}

// ============================================================================
// Requests
// ============================================================================

func TestAddRequestStampsTimestamp(t *testing.T) {
	stubs, dir := newTestStubs(t)
	ctx := context.Background()

	request := imposter.Request{"method": "GET", "path": "/hi"}
	require.NoError(t, stubs.AddRequest(ctx, request))

	// The caller's value is not mutated.
	assert.NotContains(t, request, "timestamp")

	loaded, err := stubs.LoadRequests(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "GET", loaded[0]["method"])
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`, loaded[0]["timestamp"])

	entries, err := os.ReadDir(filepath.Join(dir, "requests"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Regexp(t, `^\d+-\d+-\d+\.json$`, entries[0].Name())
}

func TestLoadRequestsInCallOrder(t *testing.T) {
	stubs, _ := newTestStubs(t)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, stubs.AddRequest(ctx, imposter.Request{"seq": i}))
	}

	loaded, err := stubs.LoadRequests(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 5)
	for i, req := range loaded {
		assert.Equal(t, float64(i), req["seq"])
	}
}

func TestConcurrentAddRequestsAllDistinct(t *testing.T) {
	stubs, dir := newTestStubs(t)
	ctx := context.Background()

	const writers, perWriter = 4, 50
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := stubs.AddRequest(ctx, imposter.Request{"writer": w, "seq": i}); err != nil {
					errs[w] = err
					return
				}
			}
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	loaded, err := stubs.LoadRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, writers*perWriter)

	entries, err := os.ReadDir(filepath.Join(dir, "requests"))
	require.NoError(t, err)
	assert.Len(t, entries, writers*perWriter)
}

func TestDeleteAllRequests(t *testing.T) {
	stubs, dir := newTestStubs(t)
	ctx := context.Background()

	require.NoError(t, stubs.AddRequest(ctx, imposter.Request{"n": 1}))
	require.NoError(t, stubs.DeleteAllRequests(ctx))

	loaded, err := stubs.LoadRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	_, statErr := os.Stat(filepath.Join(dir, "requests"))
	assert.True(t, os.IsNotExist(statErr))
}

// ============================================================================
// Proxy cleanup
// ============================================================================

func TestDeleteSavedProxyResponses(t *testing.T) {
	stubs, _ := newTestStubs(t)
	ctx := context.Background()

	require.NoError(t, stubs.Add(ctx, imposter.Stub{
		Responses: []imposter.Response{
			isResponse("x"),
			{"is": map[string]any{"_proxyResponseTime": 5, "body": "y"}},
		},
	}))
	require.NoError(t, stubs.Add(ctx, imposter.Stub{
		Responses: []imposter.Response{
			{"is": map[string]any{"_proxyResponseTime": 9, "body": "z"}},
		},
	}))

	require.NoError(t, stubs.DeleteSavedProxyResponses(ctx))

	all, err := stubs.ToJSON(ctx)
	require.NoError(t, err)
	// The stub with a surviving response stays; the proxy-only stub goes.
	require.Len(t, all, 1)
	require.Len(t, all[0].Responses, 1)
	assert.Equal(t, "x", responseBody(t, all[0].Responses[0]))
}

// ============================================================================
// Concurrency
// ============================================================================

func TestConcurrentNextResponseSameStub(t *testing.T) {
	stubs, dir := newTestStubs(t)
	ctx := context.Background()

	require.NoError(t, stubs.Add(ctx, imposter.Stub{
		Responses: []imposter.Response{isResponse("a"), isResponse("b"), isResponse("c")},
	}))
	handle, _, err := stubs.First(ctx, matchAll, 0)
	require.NoError(t, err)

	const calls = 10
	var wg sync.WaitGroup
	errs := make([]error, calls)
	for i := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = handle.NextResponse(ctx)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// N calls advance the cursor by exactly N, modulo the period.
	state := readStubState(t, dir, "stubs/0")
	assert.Equal(t, calls%3, state.NextIndex)
}

func TestConcurrentNextResponseDistinctStubs(t *testing.T) {
	stubs, _ := newTestStubs(t)
	ctx := context.Background()

	require.NoError(t, stubs.Add(ctx, imposter.Stub{
		Predicates: []json.RawMessage{pathPredicate("/a")},
		Responses:  []imposter.Response{isResponse("a")},
	}))
	require.NoError(t, stubs.Add(ctx, imposter.Stub{
		Predicates: []json.RawMessage{pathPredicate("/b")},
		Responses:  []imposter.Response{isResponse("b")},
	}))

	first, _, err := stubs.First(ctx, matchAll, 0)
	require.NoError(t, err)
	second, _, err := stubs.First(ctx, matchAll, 1)
	require.NoError(t, err)

	const rounds = 25
	var wg sync.WaitGroup
	run := func(h store.StubHandle, errOut *error) {
		defer wg.Done()
		for range rounds {
			if _, err := h.NextResponse(ctx); err != nil {
				*errOut = err
				return
			}
		}
	}
	var errA, errB error
	wg.Add(2)
	go run(first, &errA)
	go run(second, &errB)
	wg.Wait()
	require.NoError(t, errA)
	require.NoError(t, errB)
}

func TestConcurrentInserts(t *testing.T) {
	stubs, dir := newTestStubs(t)
	ctx := context.Background()

	const inserts = 8
	var wg sync.WaitGroup
	errs := make([]error, inserts)
	for i := range inserts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = stubs.Add(ctx, imposter.Stub{Responses: []imposter.Response{isResponse(fmt.Sprint(i))}})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	dirs := stubDirs(t, dir)
	require.Len(t, dirs, inserts)
	seen := make(map[string]bool)
	for _, d := range dirs {
		assert.False(t, seen[d], "stub dir %s allocated twice", d)
		seen[d] = true
	}
}
