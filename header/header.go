// Package header defines the persistent shared-memory header:
// identification, layout-defining fields, ring-buffer progression
// state, the consumer table, the spinlock pool, and metrics counters,
// plus layout derivation and the two binding hashes (header ABI hash,
// layout checksum) that guard it.
package header

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/alephtx/datablock/hash"
	"github.com/alephtx/datablock/slotstate"
	"github.com/alephtx/datablock/spinlock"
)

// MagicValue identifies a DataBlock segment.
const MagicValue uint64 = 0x44617461426c6b31 // "DataBlk1"

// CurrentVersion is the header format version this build writes and
// expects on attach.
const CurrentVersion uint32 = 1

// Fixed table capacities: the spinlock pool and the consumer table are
// both fixed-size arrays in shared memory.
const (
	MaxConsumers = 64
	MaxSpinlocks = 8
)

// ConsumerRecord is one row of the header's consumer table. A free
// entry carries ConsumerID == 0.
type ConsumerRecord struct {
	ConsumerID     uint64
	LastReadIndex  uint64
	HeartbeatNs    uint64
	RegisteredAtNs uint64
}

const consumerRecordSize = 32

// Metrics is the header's observability substrate: every error class
// increments a dedicated counter.
type Metrics struct {
	WriterLockWaitTimeouts  uint64
	WriterDrainTimeouts     uint64
	ReaderRaceDetected      uint64
	SchemaMismatchCount     uint64
	ZombieReclaims          uint64
	ChecksumFailures        uint64
	SlotsDroppedTotal       uint64
	LastRecoveryTimestampNs uint64
}

const metricsSize = 64

// Header is the cache-aligned record at segment offset 0. Init writes
// its identification and layout-defining fields once at creation; the
// ring-buffer indices, consumer rows and producer heartbeat are
// accessed through the atomic accessors in this package and in package
// ringpolicy. Some metrics counters and the flexible-zone checksum are
// written directly by packages datablock, checksum and recovery.
type Header struct {
	Magic   uint64
	Version uint32
	_pad0   uint32

	CreationTimestampNs uint64
	SharedSecret        uint64
	SlotSchemaHash      [hash.Size]byte
	FlexSchemaHash      [hash.Size]byte
	HeaderABIHash       [hash.Size]byte
	LayoutChecksum      [hash.Size]byte

	RingBufferCapacity uint32
	PhysicalPageSize   uint32
	LogicalUnitSize    uint32
	FlexibleZoneSize   uint32
	Policy             uint32
	ConsumerSyncPolicy uint32
	ChecksumPolicy     uint32
	ChecksumEnabled    uint32
	SpinlockIndex      int32
	_pad1              uint32

	WriteIndex  uint64
	CommitIndex uint64

	FlexZoneChecksumVal [hash.Size]byte
	ProducerHeartbeatNs uint64

	Consumers  [MaxConsumers]ConsumerRecord
	Spinlocks  [MaxSpinlocks]spinlock.State
	MetricsBlk Metrics

	Reserved [256]byte
}

// headerRawSize is unsafe.Sizeof(Header{}), computed once; layout
// derivation aligns it up to the next 4K boundary.
var headerRawSize = int(unsafe.Sizeof(Header{}))

func init() {
	if headerRawSize > Alignment {
		panic(fmt.Sprintf("header: Header struct is %d bytes, exceeds the %d-byte page budget; shrink Reserved", headerRawSize, Alignment))
	}
}

// View casts the first headerRawSize bytes of a mapped segment region
// into a *Header, the same unsafe.Pointer-over-mmap pattern used for a
// fixed BBO matrix struct.
func View(b []byte) *Header {
	return (*Header)(unsafe.Pointer(&b[0]))
}

// --- Atomic accessors for fields concurrent readers/writers touch ---

func (h *Header) LoadWriteIndex() uint64  { return atomic.LoadUint64(&h.WriteIndex) }
func (h *Header) LoadCommitIndex() uint64 { return atomic.LoadUint64(&h.CommitIndex) }
func (h *Header) StoreWriteIndex(v uint64)  { atomic.StoreUint64(&h.WriteIndex, v) }
func (h *Header) StoreCommitIndex(v uint64) { atomic.StoreUint64(&h.CommitIndex, v) }

// StoreProducerHeartbeat records the producer's liveness timestamp,
// read by consumers/diagnostics to judge producer staleness.
func (h *Header) StoreProducerHeartbeat(nowNs uint64) {
	atomic.StoreUint64(&h.ProducerHeartbeatNs, nowNs)
}

// LoadProducerHeartbeat returns the last recorded producer heartbeat.
func (h *Header) LoadProducerHeartbeat() uint64 {
	return atomic.LoadUint64(&h.ProducerHeartbeatNs)
}

// NeverRead is the sentinel stored in a fresh consumer row's
// LastReadIndex, distinguishing "has not read slot 0 yet" from "last
// read absolute index 0".
const NeverRead = ^uint64(0)

// AllocateConsumer finds a free row (ConsumerID == 0) and claims it
// for consumerID, returning its index. Returns ok=false if the table
// is full.
func (h *Header) AllocateConsumer(consumerID uint64, nowNs uint64) (index int, ok bool) {
	for i := range h.Consumers {
		if atomic.CompareAndSwapUint64(&h.Consumers[i].ConsumerID, 0, consumerID) {
			atomic.StoreUint64(&h.Consumers[i].LastReadIndex, NeverRead)
			atomic.StoreUint64(&h.Consumers[i].HeartbeatNs, 0)
			atomic.StoreUint64(&h.Consumers[i].RegisteredAtNs, nowNs)
			return i, true
		}
	}
	return 0, false
}

// FreeConsumer clears row index, making it available for reuse.
func (h *Header) FreeConsumer(index int) {
	atomic.StoreUint64(&h.Consumers[index].ConsumerID, 0)
	atomic.StoreUint64(&h.Consumers[index].LastReadIndex, 0)
	atomic.StoreUint64(&h.Consumers[index].HeartbeatNs, 0)
	atomic.StoreUint64(&h.Consumers[index].RegisteredAtNs, 0)
}

// ConsumerHeartbeat updates row index's heartbeat timestamp.
func (h *Header) ConsumerHeartbeat(index int, nowNs uint64) {
	atomic.StoreUint64(&h.Consumers[index].HeartbeatNs, nowNs)
}

// ConsumerLastReadIndex loads/stores row index's last_read_index.
func (h *Header) ConsumerLastReadIndex(index int) uint64 {
	return atomic.LoadUint64(&h.Consumers[index].LastReadIndex)
}

func (h *Header) StoreConsumerLastReadIndex(index int, v uint64) {
	atomic.StoreUint64(&h.Consumers[index].LastReadIndex, v)
}

// FlexZoneChecksum returns the header's stored flexible-zone checksum
// slot, addressable so callers can overwrite it in place.
func (h *Header) FlexZoneChecksum() *[hash.Size]byte {
	return &h.FlexZoneChecksumVal
}

// Spinlock returns a handle to pool entry i, used to serialize
// flexible-zone mutation.
func (h *Header) Spinlock(i int32) *spinlock.Lock {
	return spinlock.New(&h.Spinlocks[i])
}

// Slot accesses the per-slot state view at index i within the
// SlotRWStateArray region of the segment, given the array's mapped
// bytes.
func Slot(slotRWArray []byte, i uint32) *slotstate.State {
	off := int(i) * slotstate.Size
	return slotstate.View(slotRWArray[off : off+slotstate.Size])
}

// MetricsHandle adapts the header's metrics block into the small
// interface package slotstate expects, without slotstate importing
// header (which would cycle back through Layout's use of slotstate.Size).
func (h *Header) MetricsHandle() *slotstate.Metrics {
	return &slotstate.Metrics{
		WriterLockWaitTimeouts: &h.MetricsBlk.WriterLockWaitTimeouts,
		WriterDrainTimeouts:    &h.MetricsBlk.WriterDrainTimeouts,
		ReaderRaceDetected:     &h.MetricsBlk.ReaderRaceDetected,
		ZombieReclaims:         &h.MetricsBlk.ZombieReclaims,
	}
}

// abiFields is the static, canonical description of the header's
// fields — name, type token, declaration order — hashed by ABIHash.
// Hashing this description rather than struct bytes keeps the ABI
// hash stable across builds/compilers with different padding/alignment
// choices.
var abiFields = []hash.SchemaField{
	{Name: "magic", TypeToken: "u64"},
	{Name: "version", TypeToken: "u32"},
	{Name: "creation_timestamp_ns", TypeToken: "u64"},
	{Name: "shared_secret", TypeToken: "u64"},
	{Name: "slot_schema_hash", TypeToken: "bytes", ArrayLength: hash.Size},
	{Name: "flex_schema_hash", TypeToken: "bytes", ArrayLength: hash.Size},
	{Name: "header_abi_hash", TypeToken: "bytes", ArrayLength: hash.Size},
	{Name: "layout_checksum", TypeToken: "bytes", ArrayLength: hash.Size},
	{Name: "ring_buffer_capacity", TypeToken: "u32"},
	{Name: "physical_page_size", TypeToken: "u32"},
	{Name: "logical_unit_size", TypeToken: "u32"},
	{Name: "flexible_zone_size", TypeToken: "u32"},
	{Name: "policy", TypeToken: "u32"},
	{Name: "consumer_sync_policy", TypeToken: "u32"},
	{Name: "checksum_policy", TypeToken: "u32"},
	{Name: "checksum_enabled", TypeToken: "u32"},
	{Name: "spinlock_index", TypeToken: "i32"},
	{Name: "write_index", TypeToken: "u64"},
	{Name: "commit_index", TypeToken: "u64"},
	{Name: "flex_zone_checksum", TypeToken: "bytes", ArrayLength: hash.Size},
	{Name: "producer_heartbeat_ns", TypeToken: "u64"},
	{Name: "consumers", TypeToken: "consumer_record", ArrayLength: MaxConsumers},
	{Name: "spinlocks", TypeToken: "spinlock_state", ArrayLength: MaxSpinlocks},
	{Name: "metrics", TypeToken: "metrics_block"},
}

// ABIHash returns the header-ABI hash for this build: BLAKE2b-256 over
// the canonical textual description of abiFields.
func ABIHash() [hash.Size]byte {
	return hash.SchemaHash("header", abiFields)
}

// Init stamps a freshly-created header's identification and
// layout-defining fields from cfg, then stores the ABI hash and
// layout checksum. Called exactly once, by the segment creator,
// before the segment is exposed to any other process.
func Init(h *Header, cfg Config) {
	h.Magic = MagicValue
	h.Version = CurrentVersion
	h.CreationTimestampNs = cfg.CreationTimestampNs
	h.SharedSecret = cfg.SharedSecret
	h.SlotSchemaHash = cfg.SlotSchemaHash
	h.FlexSchemaHash = cfg.FlexSchemaHash

	h.RingBufferCapacity = cfg.RingBufferCapacity
	h.PhysicalPageSize = cfg.PhysicalPageSize
	h.LogicalUnitSize = cfg.LogicalUnitSize
	h.FlexibleZoneSize = cfg.FlexibleZoneSize
	h.Policy = uint32(cfg.Policy)
	h.ConsumerSyncPolicy = uint32(cfg.ConsumerSyncPolicy)
	h.ChecksumPolicy = uint32(cfg.ChecksumPolicy)
	if cfg.ChecksumEnabled {
		h.ChecksumEnabled = 1
	}
	h.SpinlockIndex = cfg.SpinlockIndex

	h.HeaderABIHash = ABIHash()
	StoreLayoutChecksum(h, cfg)
}
