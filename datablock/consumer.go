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

// Consumer is one registered reader of a segment, holding a row in the
// header's consumer table.
type Consumer struct {
	seg           *shm.Segment
	clock         platform.Clock
	consumerID    uint64
	row           int
	lastReadIndex int64 // -1 == header.NeverRead, not yet converted
}

// Attach opens an existing segment for read access and claims a
// consumer-table row. expectedSecret, if non-zero, is compared against
// the segment's shared secret; a mismatch is reported as
// ErrConfigInvalid, since there is no dedicated unauthorized-access
// sentinel and a bad secret is, functionally, an invalid attach
// configuration.
func Attach(name string, consumerID uint64, expectedConfig *header.Config, expectedSecret uint64, clock platform.Clock) (*Consumer, error) {
	seg, err := shm.Attach(name, false, expectedConfig)
	if err != nil {
		return nil, err
	}
	if expectedSecret != 0 && seg.Header.SharedSecret != expectedSecret {
		seg.Close()
		return nil, fmt.Errorf("%w: shared secret mismatch", errs.ErrConfigInvalid)
	}

	now := clock.NowNs()
	row, ok := seg.Header.AllocateConsumer(consumerID, now)
	if !ok {
		seg.Close()
		return nil, fmt.Errorf("%w: consumer table full", errs.ErrConfigInvalid)
	}

	return &Consumer{
		seg:           seg,
		clock:         clock,
		consumerID:    consumerID,
		row:           row,
		lastReadIndex: -1,
	}, nil
}

// Segment exposes the underlying mapped segment.
func (c *Consumer) Segment() *shm.Segment { return c.seg }

// ReadTx is the scoped read capability created by AcquireNextRead.
type ReadTx struct {
	c             *Consumer
	slotIndex     uint32
	absoluteIndex int64
	rh            *slotstate.ReadHandle
	released      bool
}

// AcquireNextRead selects the next eligible slot per the segment's
// ConsumerSyncPolicy and runs the reader acquire protocol, returning
// ErrNotReady if nothing is currently eligible.
func (c *Consumer) AcquireNextRead() (*ReadTx, error) {
	policy := header.ConsumerSyncPolicy(c.seg.Header.ConsumerSyncPolicy)

	slotIndex, absoluteIndex, err := ringpolicy.NextReadSlot(c.seg.Header, policy, c.lastReadIndex)
	if err != nil {
		return nil, err
	}

	slot := c.seg.Slot(slotIndex)
	rh, err := slotstate.AcquireRead(slot)
	if err != nil {
		return nil, err
	}

	return &ReadTx{c: c, slotIndex: slotIndex, absoluteIndex: absoluteIndex, rh: rh}, nil
}

// Payload returns the slot's raw bytes. Callers must call Validate
// after reading and discard the bytes if it reports false — the
// TOCTTOU guard against a writer landing mid-read.
func (tx *ReadTx) Payload() []byte {
	return tx.c.seg.SlotPayload(tx.slotIndex)
}

// SlotIndex is the physical slot this transaction read from.
func (tx *ReadTx) SlotIndex() uint32 { return tx.slotIndex }

// Validate reports whether no writer committed over this slot since
// acquire. It does not run the checksum policy's read-time step; that
// is VerifyChecksum's job.
func (tx *ReadTx) Validate() bool {
	return tx.rh.ValidateRead()
}

// VerifyChecksum runs the checksum-policy read-time check; it is only
// meaningful once Validate has reported true.
func (tx *ReadTx) VerifyChecksum() error {
	policy := header.ChecksumPolicy(tx.c.seg.Header.ChecksumPolicy)
	return checksum.OnRead(policy, tx.c.seg.SlotChecksumArray(), tx.slotIndex, tx.Payload(), &tx.c.seg.Header.MetricsBlk.ChecksumFailures)
}

// Release returns the read handle and advances the consumer's
// last_read_index and the segment's dropped-slot counter, whether or
// not Validate or VerifyChecksum reported a problem.
// Must be called exactly once per acquired ReadTx.
func (tx *ReadTx) Release() {
	if tx.released {
		return
	}
	tx.rh.ReleaseRead(tx.c.seg.Header.MetricsHandle())
	dropped := ringpolicy.SlotsDropped(tx.c.lastReadIndex, tx.absoluteIndex)
	if dropped > 0 {
		tx.c.seg.Header.MetricsBlk.SlotsDroppedTotal += dropped
	}
	tx.c.lastReadIndex = tx.absoluteIndex
	tx.c.seg.Header.StoreConsumerLastReadIndex(tx.c.row, uint64(tx.absoluteIndex))
	tx.released = true
}

// WithRead is the closure-based scoped-read helper: fn is only invoked
// if Validate() reports true; if it reports false, WithRead returns
// ErrNotReady rather than handing a possibly-torn read to the caller.
func (c *Consumer) WithRead(fn func(payload []byte) error) error {
	tx, err := c.AcquireNextRead()
	if err != nil {
		return err
	}
	defer tx.Release()

	if !tx.Validate() {
		return errs.ErrNotReady
	}
	if err := tx.VerifyChecksum(); err != nil {
		return err
	}
	return fn(tx.Payload())
}

// FlexZone returns the flexible zone's raw bytes for read-only access.
// Consumers observing the zone without the producer's spinlock accept
// a best-effort, possibly-torn read — use VerifyFlexZoneChecksum to
// detect a stale/torn read after the fact.
func (c *Consumer) FlexZone() []byte {
	return c.seg.FlexibleZone()
}

// VerifyFlexZoneChecksum checks the flexible zone's current bytes
// against the producer's last stored checksum.
func (c *Consumer) VerifyFlexZoneChecksum() error {
	return checksum.VerifyFlexZone(c.seg.Header, c.FlexZone())
}

// UpdateHeartbeat records this consumer's liveness in its table row,
// used by recovery's dead-consumer sweep.
func (c *Consumer) UpdateHeartbeat() {
	c.seg.Header.ConsumerHeartbeat(c.row, c.clock.NowNs())
}

// Close frees the consumer's table row and unmaps the segment.
func (c *Consumer) Close() error {
	c.seg.Header.FreeConsumer(c.row)
	return c.seg.Close()
}
