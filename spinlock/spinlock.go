// Package spinlock implements the shared-memory spinlock pool used to
// serialize flexible-zone mutation: a pid+tid-owned test-and-set lock
// with a monotonic-clock timeout and zombie reclaim.
//
// Grounded on the explicit-ownership-table texture of a process
// manager's slot pool (acquire/release track an owner, and acting on
// behalf of a non-owner is a protocol violation) adapted from an
// in-process condvar semaphore to a cross-process shared-memory TAS
// lock.
package spinlock

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/alephtx/datablock/platform"
)

// State is the raw record stored in the header's spinlock pool:
// {owner_pid, owner_tid, acquired_at_ns}.
type State struct {
	OwnerPID     uint32
	OwnerTID     uint32
	AcquiredAtNs uint64
}

// Lock is a handle bound to one entry of the shared spinlock pool.
type Lock struct {
	state *State
}

// New wraps one entry of the spinlock pool (a 16-byte State in the
// header's Spinlocks array) as a Lock.
func New(state *State) *Lock {
	return &Lock{state: state}
}

func (l *Lock) ownerPIDAddr() *uint32 { return &l.state.OwnerPID }

const backoffCap = 2 * time.Millisecond

func backoff(attempt int) time.Duration {
	d := time.Microsecond << attempt
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// TryLockFor attempts to acquire the lock, retrying with bounded
// backoff until acquired or the timeout (measured against clock,
// never wall time) elapses. A held lock whose owner pid is no longer
// alive is reclaimed, incrementing zombieReclaims if non-nil.
func (l *Lock) TryLockFor(clock platform.Clock, timeoutMs int64, zombieReclaims *uint64) error {
	myPID := platform.CurrentPID()
	myTID := platform.CurrentTID()
	deadline := clock.NowNs() + uint64(timeoutMs)*uint64(time.Millisecond)

	attempt := 0
	for {
		if atomic.CompareAndSwapUint32(l.ownerPIDAddr(), 0, myPID) {
			atomic.StoreUint32(&l.state.OwnerTID, myTID)
			atomic.StoreUint64(&l.state.AcquiredAtNs, clock.NowNs())
			return nil
		}

		owner := atomic.LoadUint32(l.ownerPIDAddr())
		if owner != 0 && !platform.IsProcessAlive(owner) {
			if atomic.CompareAndSwapUint32(l.ownerPIDAddr(), owner, myPID) {
				atomic.StoreUint32(&l.state.OwnerTID, myTID)
				atomic.StoreUint64(&l.state.AcquiredAtNs, clock.NowNs())
				if zombieReclaims != nil {
					atomic.AddUint64(zombieReclaims, 1)
				}
				return nil
			}
			continue
		}

		if clock.NowNs() >= deadline {
			return fmt.Errorf("spinlock: timeout acquiring lock held by pid %d", owner)
		}
		time.Sleep(backoff(attempt))
		if attempt < 12 {
			attempt++
		}
	}
}

// Lock blocks indefinitely (no timeout budget) until acquired.
func (l *Lock) Lock(clock platform.Clock) {
	// A timeout of a very large number of milliseconds approximates
	// "indefinite" while still measuring against the monotonic clock —
	// no separate infinite code path to drift from the timed one.
	const effectivelyForever = int64(1) << 40
	_ = l.TryLockFor(clock, effectivelyForever, nil)
}

// Unlock releases the lock. It refuses (and panics, a protocol
// violation analogous to misusing a slot-pool ownership table) if the
// calling process is not the current holder.
func (l *Lock) Unlock() {
	owner := atomic.LoadUint32(l.ownerPIDAddr())
	myPID := platform.CurrentPID()
	if owner != myPID {
		panic(fmt.Sprintf("spinlock: unlock by pid %d, held by pid %d", myPID, owner))
	}
	atomic.StoreUint32(&l.state.OwnerTID, 0)
	atomic.StoreUint32(l.ownerPIDAddr(), 0)
}

// IsHeld reports whether the lock currently has an owner.
func (l *Lock) IsHeld() bool {
	return atomic.LoadUint32(l.ownerPIDAddr()) != 0
}

// Owner returns the current owning pid, or 0 if unheld.
func (l *Lock) Owner() uint32 {
	return atomic.LoadUint32(l.ownerPIDAddr())
}

// View casts a pool entry's raw bytes into a *State — mirrors
// slotstate.View's unsafe.Pointer-over-mmap pattern.
func View(b []byte) *State {
	return (*State)(unsafe.Pointer(&b[0]))
}
