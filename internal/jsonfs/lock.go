package jsonfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"

	"github.com/imposterd/imposterd/pkg/store"
)

// LockOptions tune the bounded lock acquisition used by LockedTransform.
// Zero values fall back to the store defaults.
type LockOptions struct {
	// Retries is the total number of acquisition attempts.
	Retries uint

	// MinWait is the initial backoff between attempts; it doubles each
	// retry with randomized jitter.
	MinWait time.Duration
}

// Transform produces the next value of a locked file from its current raw
// contents. exists is false when the file is absent, in which case raw is
// nil. Returning an error aborts the write and releases the lock.
type Transform func(raw []byte, exists bool) (any, error)

// errLockHeld marks a single failed acquisition attempt; it never escapes
// LockedTransform.
var errLockHeld = errors.New("lock held")

// LockedTransform performs a read-modify-write of the JSON file at path
// under an advisory file lock. The lock is acquired with exponential
// backoff per opts; exhausting the budget fails with
// store.ErrLockContention. The lock is released on every exit path.
//
// The lock lives in a sidecar file (path + ".lock") so that an absent
// target file stays observably absent to lock-free readers.
func LockedTransform(ctx context.Context, path string, opts LockOptions, transform Transform) error {
	if opts.Retries == 0 {
		opts.Retries = store.DefaultLockRetries
	}
	if opts.MinWait <= 0 {
		opts.MinWait = store.DefaultLockMinWait
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}

	fl := flock.New(path + ".lock")

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = opts.MinWait
	schedule.Multiplier = 2
	schedule.RandomizationFactor = 0.5
	schedule.MaxElapsedTime = 0

	attempt := func() error {
		locked, err := fl.TryLock()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("lock %s: %w", path, err))
		}
		if !locked {
			return errLockHeld
		}
		return nil
	}
	err := backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(schedule, uint64(opts.Retries-1)), ctx))
	if err != nil {
		if errors.Is(err, errLockHeld) {
			return fmt.Errorf("%s: %w", path, store.ErrLockContention)
		}
		return err
	}
	defer func() { _ = fl.Unlock() }()

	raw, err := os.ReadFile(path)
	exists := true
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read %s: %w", path, err)
		}
		exists, raw = false, nil
	}

	next, err := transform(raw, exists)
	if err != nil {
		return err
	}
	return WriteFile(path, next)
}
