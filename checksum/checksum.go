// Package checksum computes and verifies slot and flexible-zone
// BLAKE2b-256 checksums under a per-segment policy — Manual, Update,
// or Enforce.
//
// Grounded on the policy-gated "compute, then optionally verify"
// shape of a write-ahead-log recovery scan (checksum each record,
// decide whether a mismatch is fatal or just a truncation point),
// adapted here to a live verify-on-read instead of a one-shot recovery
// pass.
package checksum

import (
	"fmt"
	"sync/atomic"

	"github.com/alephtx/datablock/errs"
	"github.com/alephtx/datablock/hash"
	"github.com/alephtx/datablock/header"
)

// Store computes the checksum of payload and writes it into the
// slot's checksum array entry.
func Store(slotChecksumArray []byte, slotIndex uint32, payload []byte) {
	sum := hash.Sum256(payload)
	off := int(slotIndex) * hash.Size
	copy(slotChecksumArray[off:off+hash.Size], sum[:])
}

// Verify compares the stored checksum for slotIndex against the
// recomputed checksum of payload.
func Verify(slotChecksumArray []byte, slotIndex uint32, payload []byte) error {
	off := int(slotIndex) * hash.Size
	var stored [hash.Size]byte
	copy(stored[:], slotChecksumArray[off:off+hash.Size])
	got := hash.Sum256(payload)
	if !hash.Equal(stored, got) {
		return fmt.Errorf("%w: slot %d", errs.ErrChecksumFailed, slotIndex)
	}
	return nil
}

// StoreFlexZone computes and stores the checksum of the whole flexible
// zone into the header.
func StoreFlexZone(h *header.Header, flexZoneBytes []byte) {
	*h.FlexZoneChecksum() = hash.Sum256(flexZoneBytes)
}

// VerifyFlexZone compares the header's stored flex-zone checksum
// against the current bytes.
func VerifyFlexZone(h *header.Header, flexZoneBytes []byte) error {
	got := hash.Sum256(flexZoneBytes)
	if !hash.Equal(*h.FlexZoneChecksum(), got) {
		return fmt.Errorf("%w: flexible zone", errs.ErrChecksumFailed)
	}
	return nil
}

// OnCommit runs the commit-time checksum step dictated by policy: a
// no-op under Manual, a store under Update, and a store under Enforce
// (Enforce differs from Update only at read time — see OnRead). It
// returns nothing and never fails the commit itself.
func OnCommit(policy header.ChecksumPolicy, slotChecksumArray []byte, slotIndex uint32, payload []byte) {
	switch policy {
	case header.Update, header.Enforce:
		Store(slotChecksumArray, slotIndex, payload)
	}
}

// OnFlexZoneMutate runs the post-mutation checksum step dictated by
// policy: a no-op under Manual, a store under Update, and a store
// under Enforce — the same gating as OnCommit, applied to the whole
// flexible zone instead of one slot.
func OnFlexZoneMutate(policy header.ChecksumPolicy, h *header.Header, flexZoneBytes []byte) {
	switch policy {
	case header.Update, header.Enforce:
		StoreFlexZone(h, flexZoneBytes)
	}
}

// OnRead runs the read-time checksum step dictated by policy: a no-op
// under Manual or Update, a verify under Enforce. Callers that get a
// non-nil error must not hand payload to their caller. A mismatch
// increments failures (the header's slot_checksum_failures counter)
// if non-nil.
func OnRead(policy header.ChecksumPolicy, slotChecksumArray []byte, slotIndex uint32, payload []byte, failures *uint64) error {
	if policy != header.Enforce {
		return nil
	}
	err := Verify(slotChecksumArray, slotIndex, payload)
	if err != nil && failures != nil {
		atomic.AddUint64(failures, 1)
	}
	return err
}
