package header

import (
	"fmt"

	"github.com/alephtx/datablock/errs"
	"github.com/alephtx/datablock/hash"
	"github.com/alephtx/datablock/serialize"
	"github.com/alephtx/datablock/slotstate"
)

// Config is the set of layout-defining fields a segment is created
// with. Every access-math computation reads the
// resolved values out of a derived Layout, never out of Config
// directly, so the sentinel handling (LogicalUnitSize == 0) happens
// in exactly one place.
type Config struct {
	SegmentName         string
	RingBufferCapacity  uint32
	PhysicalPageSize    uint32
	LogicalUnitSize     uint32 // 0 = "use PhysicalPageSize"
	FlexibleZoneSize    uint32
	Policy              Policy
	ConsumerSyncPolicy  ConsumerSyncPolicy
	ChecksumPolicy      ChecksumPolicy
	ChecksumEnabled     bool
	SpinlockIndex       int32 // -1 = "no spinlock claimed"
	CreationTimestampNs uint64
	SharedSecret        uint64
	SlotSchemaHash      [hash.Size]byte
	FlexSchemaHash      [hash.Size]byte
}

// Validate checks every required field is set: it fails with
// ConfigInvalid if any required field is left at its zero/Unset value.
func (c Config) Validate() error {
	if c.Policy == PolicyUnset {
		return fmt.Errorf("%w: policy is unset", errs.ErrConfigInvalid)
	}
	if c.ConsumerSyncPolicy == ConsumerSyncUnset {
		return fmt.Errorf("%w: consumer sync policy is unset", errs.ErrConfigInvalid)
	}
	if c.ChecksumPolicy == ChecksumPolicyUnset {
		return fmt.Errorf("%w: checksum policy is unset", errs.ErrConfigInvalid)
	}
	if c.PhysicalPageSize == 0 {
		return fmt.Errorf("%w: physical page size is unset", errs.ErrConfigInvalid)
	}
	if !ValidPhysicalPageSize(c.PhysicalPageSize) {
		return fmt.Errorf("%w: physical page size %d", errs.ErrUnsupported, c.PhysicalPageSize)
	}
	if c.RingBufferCapacity == 0 {
		return fmt.Errorf("%w: ring buffer capacity is unset", errs.ErrConfigInvalid)
	}
	if req := c.Policy.RequiredCapacity(); req != 0 && c.RingBufferCapacity != req {
		return fmt.Errorf("%w: policy %s requires capacity %d, got %d",
			errs.ErrConfigInvalid, c.Policy, req, c.RingBufferCapacity)
	}
	if c.Policy == PolicyRingBuffer && c.RingBufferCapacity < 2 {
		return fmt.Errorf("%w: ring buffer policy requires capacity >= 2", errs.ErrConfigInvalid)
	}
	if c.FlexibleZoneSize%Alignment != 0 {
		return fmt.Errorf("%w: flexible zone size must be a multiple of %d", errs.ErrConfigInvalid, Alignment)
	}
	if c.SegmentName == "" {
		return fmt.Errorf("%w: segment name is unset", errs.ErrConfigInvalid)
	}
	if c.SpinlockIndex < -1 || c.SpinlockIndex >= MaxSpinlocks {
		return fmt.Errorf("%w: spinlock index %d out of range", errs.ErrConfigInvalid, c.SpinlockIndex)
	}
	return nil
}

// SlotStride resolves the documented sentinel: 0 means "use the
// physical page size".
func (c Config) SlotStride() uint32 {
	if c.LogicalUnitSize != 0 {
		return c.LogicalUnitSize
	}
	return c.PhysicalPageSize
}

// Layout is the derived set of region offsets and sizes. Two Configs
// (or a Config and the header recovered from a live segment) that
// agree on their layout-defining fields always derive an identical
// Layout — exercised as a round-trip property in this package's tests.
type Layout struct {
	SlotStride uint32

	HeaderSize uint32

	SlotRWStateArrayOffset uint32
	SlotRWStateArraySize   uint32

	SlotChecksumArrayOffset uint32
	SlotChecksumArraySize   uint32

	FlexibleZoneOffset uint32
	FlexibleZoneSize   uint32

	StructuredBufferOffset uint32
	StructuredBufferSize   uint32

	TotalSize uint32
}

// SlotOffset returns the byte offset of slot i's payload within the
// structured buffer region.
func (l Layout) SlotOffset(i uint32) uint32 {
	return l.StructuredBufferOffset + i*l.SlotStride
}

// DeriveLayoutFromConfig computes a Layout from a Config, failing
// ConfigInvalid if any required field is missing.
func DeriveLayoutFromConfig(c Config) (Layout, error) {
	if err := c.Validate(); err != nil {
		return Layout{}, err
	}
	return deriveLayout(c.RingBufferCapacity, c.SlotStride(), c.FlexibleZoneSize), nil
}

// DeriveLayoutFromHeader computes a Layout from a live header's
// layout-defining fields, independent of Config — so an attaching
// process never needs the creator's original Config to agree on
// offsets.
func DeriveLayoutFromHeader(h *Header) Layout {
	stride := h.LogicalUnitSize
	if stride == 0 {
		stride = h.PhysicalPageSize
	}
	return deriveLayout(h.RingBufferCapacity, stride, h.FlexibleZoneSize)
}

func deriveLayout(capacity, slotStride, flexZoneSize uint32) Layout {
	headerSize := AlignUp(uint32(headerRawSize))

	slotRWSize := capacity * uint32(slotstate.Size)
	slotRWOffset := headerSize

	slotChecksumSize := capacity * hash.Size
	slotChecksumOffset := slotRWOffset + slotRWSize

	flexOffset := AlignUp(slotChecksumOffset + slotChecksumSize)

	structOffset := AlignUp(flexOffset + flexZoneSize)
	structSize := capacity * slotStride

	return Layout{
		SlotStride:              slotStride,
		HeaderSize:              headerSize,
		SlotRWStateArrayOffset:  slotRWOffset,
		SlotRWStateArraySize:    slotRWSize,
		SlotChecksumArrayOffset: slotChecksumOffset,
		SlotChecksumArraySize:   slotChecksumSize,
		FlexibleZoneOffset:      flexOffset,
		FlexibleZoneSize:        flexZoneSize,
		StructuredBufferOffset:  structOffset,
		StructuredBufferSize:    structSize,
		TotalSize:               structOffset + structSize,
	}
}

// layoutChecksumInput builds the canonical little-endian encoding
// hashed to produce the layout checksum: capacity | page size |
// logical unit size | flex zone size | policy | consumer sync policy |
// checksum enabled | creation timestamp | hash(segment name).
func layoutChecksumInput(c Config) []byte {
	nameHash := hash.Sum256([]byte(c.SegmentName))
	checksumEnabled := uint8(0)
	if c.ChecksumEnabled {
		checksumEnabled = 1
	}
	buf := serialize.NewBuffer(64)
	buf.U32(c.RingBufferCapacity).
		U32(c.PhysicalPageSize).
		U32(c.LogicalUnitSize).
		U32(c.FlexibleZoneSize).
		U32(uint32(c.Policy)).
		U32(uint32(c.ConsumerSyncPolicy)).
		U8(checksumEnabled).
		U64(c.CreationTimestampNs).
		Bytes(nameHash[:])
	return buf.Build()
}

// StoreLayoutChecksum computes and writes the layout checksum into h,
// bound to this segment's identity (creation timestamp + name hash).
func StoreLayoutChecksum(h *Header, c Config) {
	sum := hash.Sum256(layoutChecksumInput(c))
	h.LayoutChecksum = sum
}

// ValidateLayoutChecksum recomputes the layout checksum from h's own
// fields and segment name and compares it against the stored value.
func ValidateLayoutChecksum(h *Header, segmentName string) error {
	cfg := Config{
		SegmentName:         segmentName,
		RingBufferCapacity:  h.RingBufferCapacity,
		PhysicalPageSize:    h.PhysicalPageSize,
		LogicalUnitSize:     h.LogicalUnitSize,
		FlexibleZoneSize:    h.FlexibleZoneSize,
		Policy:              Policy(h.Policy),
		ConsumerSyncPolicy:  ConsumerSyncPolicy(h.ConsumerSyncPolicy),
		ChecksumEnabled:     h.ChecksumEnabled != 0,
		CreationTimestampNs: h.CreationTimestampNs,
	}
	want := hash.Sum256(layoutChecksumInput(cfg))
	if !hash.Equal(want, h.LayoutChecksum) {
		return fmt.Errorf("%w: layout checksum", errs.ErrCorrupt)
	}
	return nil
}

// ValidateAttach runs the full structured attach validation: magic,
// then version, then ABI hash, then layout checksum, then (if expectedConfig is non-nil)
// field-by-field layout-defining comparison, then (if the expected
// hashes are non-zero) schema hash comparison. The first failure wins;
// nothing about h is mutated.
func ValidateAttach(h *Header, segmentName string, expectedConfig *Config) error {
	if h.Magic != MagicValue {
		return fmt.Errorf("%w: magic %x", errs.ErrIncompatible, h.Magic)
	}
	if h.Version != CurrentVersion {
		return fmt.Errorf("%w: version %d", errs.ErrIncompatible, h.Version)
	}
	if !hash.Equal(ABIHash(), h.HeaderABIHash) {
		return fmt.Errorf("%w: header ABI hash", errs.ErrCorrupt)
	}
	if err := ValidateLayoutChecksum(h, segmentName); err != nil {
		return err
	}
	if expectedConfig != nil {
		if expectedConfig.RingBufferCapacity != h.RingBufferCapacity ||
			expectedConfig.PhysicalPageSize != h.PhysicalPageSize ||
			expectedConfig.LogicalUnitSize != h.LogicalUnitSize ||
			expectedConfig.FlexibleZoneSize != h.FlexibleZoneSize ||
			expectedConfig.Policy != Policy(h.Policy) ||
			expectedConfig.ConsumerSyncPolicy != ConsumerSyncPolicy(h.ConsumerSyncPolicy) {
			return fmt.Errorf("%w: expected config does not match segment layout", errs.ErrLayoutMismatch)
		}
		if expectedConfig.SlotSchemaHash != ([hash.Size]byte{}) &&
			!hash.Equal(expectedConfig.SlotSchemaHash, h.SlotSchemaHash) {
			return fmt.Errorf("%w: slot schema", errs.ErrSchemaMismatch)
		}
		if expectedConfig.FlexSchemaHash != ([hash.Size]byte{}) &&
			!hash.Equal(expectedConfig.FlexSchemaHash, h.FlexSchemaHash) {
			return fmt.Errorf("%w: flex zone schema", errs.ErrSchemaMismatch)
		}
	}
	return nil
}
