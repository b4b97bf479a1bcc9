package router

import (
	"context"
	"errors"
	"sync"

	"github.com/INLOpen/nexusroute/core"
)

// ErrUnitOfWorkDone is returned when a finished unit of work is reused.
var ErrUnitOfWorkDone = errors.New("router: unit of work already committed or rolled back")

// UnitOfWork is the explicit per-transaction context the router threads
// through the call chain. It carries the insert-in-progress marker checked by
// the insert guard and the undo log that makes a rollback revert the
// router's data effects: staging consumption, replica insertions and
// distinct-index growth. Chunk metadata created along the way is kept; an
// empty chunk is harmless and the next insert reuses it.
//
// The marker is not a lock. It only prevents reentry within this unit of
// work; cross-transaction safety for catalog rows is delegated to the
// underlying storage's isolation guarantees.
type UnitOfWork struct {
	mu               sync.Mutex
	insertInProgress bool
	done             bool
	undo             []func(ctx context.Context) error
}

// NewUnitOfWork creates a fresh unit of work for one client transaction.
func NewUnitOfWork() *UnitOfWork {
	return &UnitOfWork{}
}

// beginInsert sets the insert-in-progress marker. It fails with
// ErrReentrantInsert when an insert already ran in this unit of work, before
// any other action is taken: mixing inserts to two hypertables inside one
// transaction is forbidden until a finer-grained locking scheme exists.
func (u *UnitOfWork) beginInsert() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return ErrUnitOfWorkDone
	}
	if u.insertInProgress {
		return core.ErrReentrantInsert
	}
	u.insertInProgress = true
	return nil
}

// OnRollback registers an undo step. Steps run in reverse registration order
// when the unit of work rolls back.
func (u *UnitOfWork) OnRollback(fn func(ctx context.Context) error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.undo = append(u.undo, fn)
}

// Commit ends the unit of work successfully, discarding the undo log and
// clearing the insert marker.
func (u *UnitOfWork) Commit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return ErrUnitOfWorkDone
	}
	u.done = true
	u.insertInProgress = false
	u.undo = nil
	return nil
}

// Rollback ends the unit of work by running every undo step in LIFO order.
// All steps run even if some fail; their errors are joined.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	u.mu.Lock()
	if u.done {
		u.mu.Unlock()
		return ErrUnitOfWorkDone
	}
	u.done = true
	u.insertInProgress = false
	undo := u.undo
	u.undo = nil
	u.mu.Unlock()

	var errs []error
	for i := len(undo) - 1; i >= 0; i-- {
		if err := undo[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InsertInProgress reports whether the insert marker is currently set.
func (u *UnitOfWork) InsertInProgress() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.insertInProgress
}
