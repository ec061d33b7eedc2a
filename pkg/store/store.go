package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/imposterd/imposterd/pkg/imposter"
)

// Common errors.
var (
	// ErrMissingResource means the caller referred to a stub index that does
	// not exist.
	ErrMissingResource = errors.New("no such resource")

	// ErrLockContention means a file lock could not be acquired within the
	// retry budget.
	ErrLockContention = errors.New("lock retry budget exhausted")

	// ErrStubExhausted means a stub has no responses to cycle through.
	ErrStubExhausted = errors.New("stub has no responses")

	// ErrInvalidImposter means an imposter value carries no usable port.
	ErrInvalidImposter = errors.New("imposter has no port")
)

// Config holds repository configuration.
type Config struct {
	// DataDir is the root directory of the repository. Created on demand.
	DataDir string `json:"dataDir" yaml:"dataDir"`

	// LockRetries is the number of attempts made to acquire a file lock
	// before giving up with ErrLockContention. Zero means the default.
	LockRetries uint `json:"lockRetries,omitempty" yaml:"lockRetries,omitempty"`

	// LockMinWait is the initial backoff between lock attempts; it doubles
	// on each retry with randomized jitter. Zero means the default.
	LockMinWait time.Duration `json:"lockMinWait,omitempty" yaml:"lockMinWait,omitempty"`
}

// Defaults for the lock retry schedule.
const (
	DefaultLockRetries = 10
	DefaultLockMinWait = 50 * time.Millisecond
)

// DefaultConfig returns a Config rooted at the given data directory.
func DefaultConfig(datadir string) Config {
	return Config{
		DataDir:     datadir,
		LockRetries: DefaultLockRetries,
		LockMinWait: DefaultLockMinWait,
	}
}

// StopFunc shuts down the protocol server behind an imposter. Supplied by
// the creator on Add and invoked on Del and DeleteAll.
type StopFunc func(ctx context.Context) error

// PredicateFilter decides whether a stub's predicates match. Predicates are
// opaque to the repository; interpretation belongs to the caller.
type PredicateFilter func(predicates []json.RawMessage) bool

// IndexResolver reports the current position of a stub in its imposter's
// stub list, 0 if the stub is no longer present. Positions shift as stubs
// are inserted and deleted, so resolution is deferred until the caller
// needs it.
type IndexResolver func(ctx context.Context) (int, error)

// MatchedResponse is the outcome of a response-cycle step: the reply
// payload plus a resolver for the originating stub's current position.
type MatchedResponse struct {
	Response  imposter.Response
	StubIndex IndexResolver
}

// StubHandle is a snapshot of a stub plus operations bound to its stable
// on-disk identity. A handle stays valid across unrelated stub-list
// mutations but not across its own stub's deletion.
type StubHandle interface {
	// Predicates returns the stub's predicates as matched by First.
	Predicates() []json.RawMessage

	// AddResponse appends a response to the stub's cycle. Concurrent calls
	// on the same stub must be serialized by the caller.
	AddResponse(ctx context.Context, response imposter.Response) error

	// NextResponse advances the stub's cycle by one position and returns
	// the selected response. Calls on distinct stubs never block each
	// other; calls on the same stub serialize on the stub's own lock.
	NextResponse(ctx context.Context) (*MatchedResponse, error)

	// RecordMatch is a no-op retained for interface compatibility with
	// repositories that persist match debug information.
	RecordMatch(ctx context.Context) error
}

// Stubs mediates all stub, response, and request I/O for one imposter.
type Stubs interface {
	// Count returns the number of stubs, 0 when the imposter header is
	// absent.
	Count(ctx context.Context) (int, error)

	// First returns a handle on the first stub at or after startIndex whose
	// predicates satisfy the filter. When none matches, found is false and
	// the returned handle yields the canonical empty response with no-op
	// mutators.
	First(ctx context.Context, filter PredicateFilter, startIndex int) (handle StubHandle, found bool, err error)

	// Add appends a stub to the end of the list.
	Add(ctx context.Context, stub imposter.Stub) error

	// InsertAtIndex splices a stub into the list at index, clamped to the
	// current length.
	InsertAtIndex(ctx context.Context, stub imposter.Stub, index int) error

	// DeleteAtIndex removes the stub at index along with its directory.
	// Returns ErrMissingResource when index is out of range.
	DeleteAtIndex(ctx context.Context, index int) error

	// OverwriteAtIndex replaces the stub at index. Not atomic: the index is
	// briefly missing from the list.
	OverwriteAtIndex(ctx context.Context, stub imposter.Stub, index int) error

	// OverwriteAll replaces the entire stub list.
	OverwriteAll(ctx context.Context, stubs []imposter.Stub) error

	// ToJSON materializes the stub list with responses inlined, suitable
	// for aggregation into an imposter view.
	ToJSON(ctx context.Context) ([]imposter.Stub, error)

	// AddRequest records an incoming request, stamping its timestamp.
	AddRequest(ctx context.Context, request imposter.Request) error

	// LoadRequests returns all recorded requests in arrival order.
	LoadRequests(ctx context.Context) ([]imposter.Request, error)

	// DeleteAllRequests clears the request log without touching stubs.
	DeleteAllRequests(ctx context.Context) error

	// DeleteSavedProxyResponses drops proxy-recorded responses, and any
	// stubs left with no responses at all.
	DeleteSavedProxyResponses(ctx context.Context) error
}

// Imposters is the root repository: per-imposter lifecycle plus the
// process-local handle table of shutdown hooks.
type Imposters interface {
	// Add persists the imposter header and records its stop hook. Stubs
	// already written through StubsFor are preserved.
	Add(ctx context.Context, imp imposter.Imposter, stop StopFunc) error

	// Get returns the fully materialized imposter, nil when absent.
	Get(ctx context.Context, id int) (imposter.Imposter, error)

	// All materializes every imposter in the handle table, in parallel.
	All(ctx context.Context) ([]imposter.Imposter, error)

	// Exists reports membership in the in-memory handle table.
	Exists(id int) bool

	// Del stops and erases an imposter, returning its last state.
	Del(ctx context.Context, id int) (imposter.Imposter, error)

	// DeleteAll stops every imposter and removes the data directory.
	DeleteAll(ctx context.Context) error

	// DeleteAllSync is the shutdown-path variant of DeleteAll; it runs the
	// hooks sequentially and takes no context.
	DeleteAllSync() error

	// StubsFor returns the stub repository bound to an imposter's
	// directory. The imposter need not exist yet.
	StubsFor(id int) Stubs

	// NumberOfRequests counts an imposter's recorded requests without
	// materializing them.
	NumberOfRequests(ctx context.Context, id int) (int, error)
}
