// Package datablock is the public facade: Producer and Consumer
// handles bound to a segment, with scoped write/read transactions and
// flexible-zone access.
//
// Grounded on a thin public surface over a connection loop (a small
// facade over lower-level packages), with RAII-style scoped guards
// expressed as closure-based "with" helpers in a language without
// destructors.
package datablock

import (
	"fmt"

	"github.com/alephtx/datablock/checksum"
	"github.com/alephtx/datablock/errs"
	"github.com/alephtx/datablock/header"
	"github.com/alephtx/datablock/platform"
	"github.com/alephtx/datablock/ringpolicy"
	"github.com/alephtx/datablock/shm"
	"github.com/alephtx/datablock/slotstate"
)

// Producer owns the single write side of a segment it created.
type Producer struct {
	seg            *shm.Segment
	clock          platform.Clock
	checksumPolicy header.ChecksumPolicy
}

// Create validates cfg, the single point where a segment's layout
// parameters are checked, allocates the segment, and returns a bound
// Producer.
func Create(cfg header.Config, clock platform.Clock) (*Producer, error) {
	seg, err := shm.Create(cfg)
	if err != nil {
		return nil, err
	}
	return &Producer{seg: seg, clock: clock, checksumPolicy: cfg.ChecksumPolicy}, nil
}

// Segment exposes the underlying mapped segment for callers that need
// lower-level access (e.g. the monitor package reading metrics).
func (p *Producer) Segment() *shm.Segment { return p.seg }

// WriteTx is the scoped write capability created by AcquireWrite.
type WriteTx struct {
	p     *Producer
	index uint32
	wh    *slotstate.WriteHandle
	done  bool
}

// AcquireWrite picks the next write slot per ring-buffer progression
// and runs the slot acquire protocol. It does not advance write_index
// until Commit succeeds.
func (p *Producer) AcquireWrite(timeoutMs int64) (*WriteTx, error) {
	index := ringpolicy.NextWriteSlot(p.seg.Header)
	slot := p.seg.Slot(index)
	wh, err := slotstate.AcquireWrite(slot, p.clock, timeoutMs, p.seg.Header.MetricsHandle())
	if err != nil {
		return nil, err
	}
	return &WriteTx{p: p, index: index, wh: wh}, nil
}

// Payload returns the writable byte span for this transaction's slot.
// The caller fills in however many bytes it intends to commit.
func (tx *WriteTx) Payload() []byte {
	return tx.p.seg.SlotPayload(tx.index)
}

// SlotIndex is the physical slot this transaction is bound to.
func (tx *WriteTx) SlotIndex() uint32 { return tx.index }

// Commit publishes the write: runs the checksum policy's commit-time
// step, then bumps write_generation, marks the slot Committed and
// releases write_lock (all inside the slot-level commit), and only
// after that advances write_index and commit_index.
// committedBytes is the number of leading bytes of Payload() that are
// meaningful; 0 is a legal round-trip.
func (tx *WriteTx) Commit(committedBytes int) error {
	if tx.done {
		return fmt.Errorf("datablock: commit on finished transaction")
	}
	payload := tx.Payload()[:committedBytes]
	checksum.OnCommit(tx.p.checksumPolicy, tx.p.seg.SlotChecksumArray(), tx.index, payload)
	if err := tx.wh.Commit(tx.p.clock); err != nil {
		return err
	}
	ringpolicy.AdvanceWriteIndex(tx.p.seg.Header)
	ringpolicy.AdvanceCommitIndex(tx.p.seg.Header)
	tx.done = true
	return nil
}

// Abort releases the slot without committing.
func (tx *WriteTx) Abort() {
	if tx.done {
		return
	}
	tx.wh.Release()
	tx.done = true
}

// WithWrite is the closure-based scoped-write helper: fn receives the
// writable payload span and returns how many bytes to commit. The
// transaction is guaranteed to be released on every exit path —
// success, error, or panic — so a failed attempt never leaves the
// slot's write lock dangling.
func (p *Producer) WithWrite(timeoutMs int64, fn func(payload []byte) (committedBytes int, err error)) (err error) {
	tx, err := p.AcquireWrite(timeoutMs)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Abort()
			panic(r)
		}
	}()
	committed, ferr := fn(tx.Payload())
	if ferr != nil {
		tx.Abort()
		return ferr
	}
	return tx.Commit(committed)
}

// FlexZone returns the flexible zone's raw bytes. Producers may write
// to it directly; callers that need serialized multi-field updates
// should go through MutateFlexZone instead.
func (p *Producer) FlexZone() []byte {
	return p.seg.FlexibleZone()
}

// MutateFlexZone serializes fn's access to the flexible zone through
// the segment's configured spinlock, then runs the checksum policy's
// mutation-time step (mirroring Commit's checksum handling for slots):
// a no-op under Manual, a recomputed-and-stored checksum under Update
// or Enforce. If no spinlock was configured (SpinlockIndex < 0), fn
// runs unserialized — the producer is the zone's sole writer in that
// configuration.
func (p *Producer) MutateFlexZone(timeoutMs int64, fn func(zone []byte)) error {
	idx := p.seg.Header.SpinlockIndex
	if idx < 0 {
		fn(p.FlexZone())
		checksum.OnFlexZoneMutate(p.checksumPolicy, p.seg.Header, p.FlexZone())
		return nil
	}
	lock := p.seg.Header.Spinlock(idx)
	if err := lock.TryLockFor(p.clock, timeoutMs, &p.seg.Header.MetricsBlk.ZombieReclaims); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTimeout, err)
	}
	defer lock.Unlock()
	fn(p.FlexZone())
	checksum.OnFlexZoneMutate(p.checksumPolicy, p.seg.Header, p.FlexZone())
	return nil
}

// UpdateFlexZoneChecksum recomputes and stores the flexible zone's
// checksum unconditionally, regardless of checksum policy — for a
// producer writing to FlexZone() directly instead of through
// MutateFlexZone, or for a Manual-policy segment that wants to persist
// a checksum on demand.
func (p *Producer) UpdateFlexZoneChecksum() {
	checksum.StoreFlexZone(p.seg.Header, p.seg.FlexibleZone())
}

// UpdateHeartbeat records the producer's liveness timestamp.
func (p *Producer) UpdateHeartbeat() {
	p.seg.Header.StoreProducerHeartbeat(p.clock.NowNs())
}

// Close unmaps the segment without unlinking its name.
func (p *Producer) Close() error {
	return p.seg.Close()
}

// Unlink removes the segment's backing shared-memory object. Only the
// creator should call this, once every attacher has detached.
func (p *Producer) Unlink() error {
	return p.seg.Unlink()
}
