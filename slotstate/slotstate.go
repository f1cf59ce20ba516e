// Package slotstate implements the per-slot cross-process read/write
// coordination protocol: write_lock (pid), reader count, slot state,
// and write generation, with PID-based zombie reclaim on a crashed
// writer and a TOCTTOU-safe reader path.
//
// The protocol is the multi-writer, multi-reader generalization of
// the single-writer seqlock phase transitions used for an SPSC ring
// (odd sequence = write in progress, even = write complete): here
// ownership is explicit (a pid, not just parity) so a crashed writer's
// lock can be reclaimed, and a reader count gates a writer from
// starting while readers are still validating.
package slotstate

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/alephtx/datablock/errs"
	"github.com/alephtx/datablock/platform"
)

// SlotLifecycleState is the slot_state field's enum.
type SlotLifecycleState uint32

const (
	Empty SlotLifecycleState = iota
	Writing
	Committed
)

// State is the raw, cache-aligned per-slot record, laid out exactly
// as stored in the segment's SlotRWStateArray. Outside of test fault
// injection, its fields are only ever touched through the atomic
// accessors below.
type State struct {
	WriteLock        uint32 // pid of current writer, 0 = unheld
	ReaderCount      uint32
	SlotState        uint32 // SlotLifecycleState
	_pad             uint32
	WriteGeneration  uint64
	LastChangeNs     uint64 // best-effort, for diagnose_slot's stuck_duration_ns
	_reserved        [32]byte
}

// Size is the on-disk size of one State record; header.Layout uses it
// to size the SlotRWStateArray region.
const Size = 64

func init() {
	if unsafe.Sizeof(State{}) != Size {
		panic(fmt.Sprintf("slotstate: State size is %d, expected %d", unsafe.Sizeof(State{}), Size))
	}
}

// View casts a 64-byte-aligned slice of the segment's SlotRWStateArray
// into a *State, the same unsafe.Pointer cast pattern used to treat a
// mapped region as a typed struct elsewhere in this module.
func View(b []byte) *State {
	return (*State)(unsafe.Pointer(&b[0]))
}

func (s *State) lockAddr() *uint32       { return &s.WriteLock }
func (s *State) readerAddr() *uint32     { return &s.ReaderCount }
func (s *State) stateAddr() *uint32      { return &s.SlotState }
func (s *State) genAddr() *uint64        { return &s.WriteGeneration }
func (s *State) lastChangeAddr() *uint64 { return &s.LastChangeNs }

// Metrics is the subset of header counters the slot protocol
// increments. Implementations pass in the live atomic fields from the
// segment header's metrics block.
type Metrics struct {
	WriterLockWaitTimeouts *uint64
	WriterDrainTimeouts    *uint64
	ReaderRaceDetected     *uint64
	ZombieReclaims         *uint64
}

func (m *Metrics) incLockTimeout()  { atomic.AddUint64(m.WriterLockWaitTimeouts, 1) }
func (m *Metrics) incDrainTimeout() { atomic.AddUint64(m.WriterDrainTimeouts, 1) }
func (m *Metrics) incReaderRace()   { atomic.AddUint64(m.ReaderRaceDetected, 1) }
func (m *Metrics) incZombie()       { atomic.AddUint64(m.ZombieReclaims, 1) }

// WriteHandle is the scoped write capability created by AcquireWrite
// and consumed by Commit or Release.
type WriteHandle struct {
	slot       *State
	generation uint64 // snapshot at acquire time, before any bump
	released   bool
}

// ReadHandle is the scoped capability created by AcquireRead and
// consumed by ValidateRead/ReleaseRead.
type ReadHandle struct {
	slot       *State
	generation uint64
	released   bool
	raceSeen   bool
}

const backoffMaxReaderRetries = 8

// backoff is the bounded exponential retry sequence used while
// waiting for a lock or a reader drain.
func backoff(attempt int) time.Duration {
	d := time.Microsecond << attempt
	if d > time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// AcquireWrite runs the writer acquire protocol: fast path CAS,
// zombie reclaim, bounded backoff against a single monotonic deadline,
// then a reader drain wait under the same budget.
func AcquireWrite(slot *State, clock platform.Clock, timeoutMs int64, metrics *Metrics) (*WriteHandle, error) {
	myPID := platform.CurrentPID()
	deadline := clock.NowNs() + uint64(timeoutMs)*uint64(time.Millisecond)

	attempt := 0
	for {
		lock := atomic.LoadUint32(slot.lockAddr())
		readers := atomic.LoadUint32(slot.readerAddr())

		if lock == 0 && readers == 0 {
			if atomic.CompareAndSwapUint32(slot.lockAddr(), 0, myPID) {
				break
			}
			continue
		}

		if lock != 0 && !platform.IsProcessAlive(lock) {
			if atomic.CompareAndSwapUint32(slot.lockAddr(), lock, myPID) {
				metrics.incZombie()
				break
			}
			continue
		}

		if clock.NowNs() >= deadline {
			metrics.incLockTimeout()
			return nil, errs.NewTimeout(errs.WaitLock)
		}
		time.Sleep(backoff(attempt))
		if attempt < 20 {
			attempt++
		}
	}

	// Drain readers under the same timeout budget.
	attempt = 0
	for atomic.LoadUint32(slot.readerAddr()) != 0 {
		if clock.NowNs() >= deadline {
			atomic.StoreUint32(slot.lockAddr(), 0)
			metrics.incDrainTimeout()
			return nil, errs.NewTimeout(errs.WaitDrain)
		}
		time.Sleep(backoff(attempt))
		if attempt < 20 {
			attempt++
		}
	}

	atomic.StoreUint32(slot.stateAddr(), uint32(Writing))
	atomic.StoreUint64(slot.lastChangeAddr(), clock.NowNs())

	gen := atomic.LoadUint64(slot.genAddr())
	return &WriteHandle{slot: slot, generation: gen}, nil
}

// Commit publishes the write: bump write_generation before marking the
// slot Committed, so the payload writes happen-before the generation
// bump that readers check. Commit itself releases write_lock, so the
// acquire/commit/release lifecycle is fully self-contained here.
func (h *WriteHandle) Commit(clock platform.Clock) error {
	if h.released {
		return fmt.Errorf("slotstate: commit on released handle")
	}
	atomic.AddUint64(h.slot.genAddr(), 1)
	atomic.StoreUint32(h.slot.stateAddr(), uint32(Committed))
	atomic.StoreUint64(h.slot.lastChangeAddr(), clock.NowNs())
	atomic.StoreUint32(h.slot.lockAddr(), 0)
	h.released = true
	return nil
}

// Release aborts the write without bumping the generation: slot_state
// reverts to Empty and write_lock is released.
func (h *WriteHandle) Release() {
	if h.released {
		return
	}
	atomic.StoreUint32(h.slot.stateAddr(), uint32(Empty))
	atomic.StoreUint32(h.slot.lockAddr(), 0)
	h.released = true
}

// Generation is the write_generation snapshot taken at acquire time.
func (h *WriteHandle) Generation() uint64 { return h.generation }

// AcquireRead runs the reader acquire protocol: snapshot generation,
// require Committed, bump the reader count, then re-snapshot
// generation to catch a writer that started between the first
// snapshot and the reader-count increment (the TOCTTOU guard).
func AcquireRead(slot *State) (*ReadHandle, error) {
	for attempt := 0; attempt < backoffMaxReaderRetries; attempt++ {
		g0 := atomic.LoadUint64(slot.genAddr())
		if SlotLifecycleState(atomic.LoadUint32(slot.stateAddr())) != Committed {
			return nil, errs.ErrNotReady
		}
		atomic.AddUint32(slot.readerAddr(), 1)
		g1 := atomic.LoadUint64(slot.genAddr())
		if g1 == g0 {
			return &ReadHandle{slot: slot, generation: g0}, nil
		}
		atomic.AddUint32(slot.readerAddr(), ^uint32(0)) // decrement
	}
	return nil, errs.ErrNotReady
}

// ValidateRead reports whether the handle's generation snapshot still
// matches the slot's live write_generation — i.e. no writer committed
// over this slot since AcquireRead. Must be called before trusting any
// bytes read from the slot.
func (h *ReadHandle) ValidateRead() bool {
	ok := atomic.LoadUint64(h.slot.genAddr()) == h.generation
	if !ok {
		h.raceSeen = true
	}
	return ok
}

// Generation is the generation snapshot this read handle was acquired
// against.
func (h *ReadHandle) Generation() uint64 { return h.generation }

// ReleaseRead decrements the reader count and, if the handle's last
// ValidateRead call observed a mismatch, increments reader_race_detected.
func (h *ReadHandle) ReleaseRead(metrics *Metrics) {
	if h.released {
		return
	}
	atomic.AddUint32(h.slot.readerAddr(), ^uint32(0))
	if h.raceSeen {
		metrics.incReaderRace()
	}
	h.released = true
}

// Snapshot is a read-only copy of the slot's coordination state,
// returned by Load and used by package recovery's per-slot diagnostics.
type Snapshot struct {
	State           SlotLifecycleState
	WriteLockPID    uint32
	ReaderCount     uint32
	WriteGeneration uint64
	LastChangeNs    uint64
}

// Load reads a consistent-enough snapshot for diagnostics. It is not
// itself synchronized against concurrent writers beyond atomic loads —
// diagnostics are inherently best-effort.
func Load(slot *State) Snapshot {
	return Snapshot{
		State:           SlotLifecycleState(atomic.LoadUint32(slot.stateAddr())),
		WriteLockPID:    atomic.LoadUint32(slot.lockAddr()),
		ReaderCount:     atomic.LoadUint32(slot.readerAddr()),
		WriteGeneration: atomic.LoadUint64(slot.genAddr()),
		LastChangeNs:    atomic.LoadUint64(slot.lastChangeAddr()),
	}
}

// ForceReset implements recovery's forced slot reset: slot_state,
// write_lock, and reader_count are zeroed; write_generation is left
// untouched so in-flight readers still observe staleness via
// ValidateRead.
func ForceReset(slot *State, force bool) error {
	snap := Load(slot)
	clean := snap.WriteLockPID == 0 && snap.ReaderCount == 0
	if !clean && !force {
		return fmt.Errorf("slotstate: force reset requires force=true on a held slot")
	}
	atomic.StoreUint32(slot.stateAddr(), uint32(Empty))
	atomic.StoreUint32(slot.lockAddr(), 0)
	atomic.StoreUint32(slot.readerAddr(), 0)
	return nil
}

// ReleaseZombieWriter clears write_lock if its holder is not alive.
func ReleaseZombieWriter(slot *State) bool {
	lock := atomic.LoadUint32(slot.lockAddr())
	if lock == 0 || platform.IsProcessAlive(lock) {
		return false
	}
	return atomic.CompareAndSwapUint32(slot.lockAddr(), lock, 0)
}

// ReleaseZombieReaders forcibly zeroes reader_count. Destructive;
// requires the caller to have already confirmed this is what it wants.
func ReleaseZombieReaders(slot *State) {
	atomic.StoreUint32(slot.readerAddr(), 0)
}
