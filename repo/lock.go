package repo

import (
	"context"
	"time"

	"github.com/gofrs/flock"

	"github.com/shawn111/composefs-repo/pkg/cferrors"
)

const lockRetryDelay = 100 * time.Millisecond

// repoLock is the process-wide advisory file lock guarding garbage
// collection against concurrent ingestion, grounded on the example
// pack's flock wrapper (lock/flock): a fresh *flock.Flock is created on
// every acquisition rather than shared across goroutines, since the
// library's own Flock value is not safe for concurrent Lock/Unlock pairs.
type repoLock struct {
	path string
}

func newRepoLock(path string) *repoLock { return &repoLock{path: path} }

// lockExclusive blocks until the repository-wide lock is held exclusively
// or ctx is cancelled. GC holds this for its entire mark-and-sweep pass.
func (l *repoLock) lockExclusive(ctx context.Context) (*flock.Flock, error) {
	fl := flock.New(l.path)
	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if !ok && ctx.Err() != nil {
		return nil, cferrors.Cancelledf("acquire exclusive repository lock: %v", ctx.Err())
	}
	if err != nil {
		return nil, cferrors.NewIoError("acquire exclusive repository lock", err)
	}
	if !ok {
		return nil, cferrors.NewIoError("acquire exclusive repository lock", ctx.Err())
	}
	return fl, nil
}

// lockShared blocks until the repository-wide lock is held
// non-exclusively or ctx is cancelled. Ingestion paths hold this so they
// can run concurrently with each other but never with GC.
func (l *repoLock) lockShared(ctx context.Context) (*flock.Flock, error) {
	fl := flock.New(l.path)
	ok, err := fl.TryRLockContext(ctx, lockRetryDelay)
	if !ok && ctx.Err() != nil {
		return nil, cferrors.Cancelledf("acquire shared repository lock: %v", ctx.Err())
	}
	if err != nil {
		return nil, cferrors.NewIoError("acquire shared repository lock", err)
	}
	if !ok {
		return nil, cferrors.NewIoError("acquire shared repository lock", ctx.Err())
	}
	return fl, nil
}
