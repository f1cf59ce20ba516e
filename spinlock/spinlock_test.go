package spinlock

import (
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct{ ns uint64 }

func (c *fakeClock) NowNs() uint64 { return atomic.LoadUint64(&c.ns) }
func (c *fakeClock) advance(d time.Duration) {
	atomic.AddUint64(&c.ns, uint64(d))
}

func TestTryLockForAcquiresFreeLock(t *testing.T) {
	state := &State{}
	lock := New(state)
	clock := &fakeClock{}
	var zombies uint64

	if err := lock.TryLockFor(clock, 1000, &zombies); err != nil {
		t.Fatalf("TryLockFor: %v", err)
	}
	if !lock.IsHeld() {
		t.Errorf("IsHeld() = false after TryLockFor succeeded")
	}
	lock.Unlock()
	if lock.IsHeld() {
		t.Errorf("IsHeld() = true after Unlock")
	}
}

func TestUnlockByNonOwnerPanics(t *testing.T) {
	state := &State{}
	lock := New(state)
	clock := &fakeClock{}
	var zombies uint64
	if err := lock.TryLockFor(clock, 1000, &zombies); err != nil {
		t.Fatalf("TryLockFor: %v", err)
	}

	// Forge a different owner to simulate a protocol violation.
	atomic.StoreUint32(&state.OwnerPID, state.OwnerPID+1)

	defer func() {
		if recover() == nil {
			t.Errorf("Unlock by non-owner did not panic")
		}
	}()
	lock.Unlock()
}

func TestTryLockForReclaimsZombieOwner(t *testing.T) {
	state := &State{}
	const deadPID = uint32(1 << 30)
	atomic.StoreUint32(&state.OwnerPID, deadPID)
	atomic.StoreUint32(&state.OwnerTID, 1)

	lock := New(state)
	clock := &fakeClock{}
	var zombies uint64

	if err := lock.TryLockFor(clock, 1000, &zombies); err != nil {
		t.Fatalf("TryLockFor did not reclaim a dead owner's lock: %v", err)
	}
	if atomic.LoadUint64(&zombies) != 1 {
		t.Errorf("zombie reclaim counter = %d, want 1", zombies)
	}
	lock.Unlock()
}

func TestTryLockForTimesOutAgainstLiveOwner(t *testing.T) {
	state := &State{}
	lock := New(state)
	clock := &fakeClock{}
	var zombies uint64
	if err := lock.TryLockFor(clock, 1000, &zombies); err != nil {
		t.Fatalf("first TryLockFor: %v", err)
	}
	// state is now held by this process (a live owner) and never released.

	second := New(state)
	go func() {
		time.Sleep(5 * time.Millisecond)
		clock.advance(10 * time.Millisecond)
	}()
	if err := second.TryLockFor(clock, 1, &zombies); err == nil {
		t.Errorf("second TryLockFor succeeded against a live held lock, want timeout")
	}
}
