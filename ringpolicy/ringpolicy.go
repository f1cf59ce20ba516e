// Package ringpolicy maintains write_index/commit_index progression
// and implements slot selection for the two consumer sync policies,
// LatestOnly and FifoAll.
//
// Grounded on the modular index-progression style of a shared-memory
// ring buffer (woff/roff advanced modulo a fixed capacity) and the
// distance-invariant framing of shmring-style ring buffers
// (0 <= wr-rd <= size), generalized from byte offsets to slot indices
// and extended with two consumer sync policies.
package ringpolicy

import (
	"sync/atomic"

	"github.com/alephtx/datablock/errs"
	"github.com/alephtx/datablock/header"
)

// NextWriteSlot computes the slot index a producer should attempt to
// acquire next. write_index is not advanced here — only on a
// successful commit, so a failed acquire never leaves a gap.
func NextWriteSlot(h *header.Header) uint32 {
	capacity := h.RingBufferCapacity
	return uint32(h.LoadWriteIndex() % uint64(capacity))
}

// AdvanceWriteIndex is called after a successful commit to move
// write_index past the slot that was just written.
func AdvanceWriteIndex(h *header.Header) {
	atomic.AddUint64(&h.WriteIndex, 1)
}

// AdvanceCommitIndex is called after a successful commit to make the
// slot visible to readers: a slot is visible to readers only after
// commit_index has advanced past it.
func AdvanceCommitIndex(h *header.Header) {
	atomic.AddUint64(&h.CommitIndex, 1)
}

// NextReadSlot computes the slot index a consumer with the given
// lastReadIndex should attempt to acquire next, per the segment's
// configured ConsumerSyncPolicy. Returns errs.ErrNotReady if no slot
// is currently eligible.
//
// lastReadIndex is the consumer's own last_read_index, -1 if the
// consumer has never read (so the first FifoAll read targets slot 0).
func NextReadSlot(h *header.Header, policy header.ConsumerSyncPolicy, lastReadIndex int64) (slotIndex uint32, absoluteIndex int64, err error) {
	capacity := uint64(h.RingBufferCapacity)
	commitIndex := h.LoadCommitIndex()

	switch policy {
	case header.LatestOnly:
		if commitIndex == 0 {
			return 0, 0, errs.ErrNotReady
		}
		freshest := int64(commitIndex) - 1
		if lastReadIndex >= 0 && freshest == lastReadIndex {
			return 0, 0, errs.ErrNotReady
		}
		return uint32(uint64(freshest) % capacity), freshest, nil

	case header.FifoAll:
		next := lastReadIndex + 1
		if next > int64(commitIndex)-1 {
			return 0, 0, errs.ErrNotReady
		}
		// Under RingBuffer, a lagging consumer may have fallen behind
		// by more than capacity; the oldest slot still physically
		// present is commitIndex-capacity. Slots older than that are
		// gone — skip forward and let the caller count the drop.
		oldestPresent := int64(commitIndex) - int64(capacity)
		if oldestPresent > next {
			next = oldestPresent
		}
		return uint32(uint64(next) % capacity), next, nil

	default:
		return 0, 0, errs.ErrNotReady
	}
}

// SlotsDropped reports how many slots a FifoAll consumer skipped
// between its previous last_read_index and the absoluteIndex
// NextReadSlot actually returned — used to increment the per-consumer
// slots_dropped counter.
func SlotsDropped(previousLastRead, returnedAbsoluteIndex int64) uint64 {
	skipped := returnedAbsoluteIndex - previousLastRead - 1
	if skipped <= 0 {
		return 0
	}
	return uint64(skipped)
}

// InBounds reports the ring-buffer invariant: for RingBuffer policy,
// (commit_index - last_read_index) mod capacity never exceeds capacity
// for any consumer. Since both indices are
// monotonic counters rather than already-reduced ring positions, the
// raw difference is compared directly against capacity.
func InBounds(commitIndex, lastReadIndex uint64, capacity uint32) bool {
	if commitIndex < lastReadIndex {
		return true
	}
	return commitIndex-lastReadIndex <= uint64(capacity)
}
