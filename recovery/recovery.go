// Package recovery implements a fabric's diagnostic and repair
// surface: read-only slot/segment inspection, targeted
// zombie-writer/reader release, forced slot reset, dead-consumer
// sweeps, and an idempotent integrity scan with optional repair.
//
// Grounded on a write-ahead-log recovery scan: scan every record,
// classify what's wrong, optionally repair in place, and report what
// was done. Here the "records" are ring-buffer slots and
// consumer-table rows instead of a file's append log, and "repair"
// means resetting in-memory coordination state rather than truncating
// a file tail.
package recovery

import (
	"fmt"

	"github.com/alephtx/datablock/checksum"
	"github.com/alephtx/datablock/header"
	"github.com/alephtx/datablock/platform"
	"github.com/alephtx/datablock/shm"
	"github.com/alephtx/datablock/slotstate"
)

// Diagnostics wraps an attached segment for inspection and repair. It
// does not itself hold a consumer-table row — diagnostics are a
// separate, out-of-band surface from ordinary producer/consumer
// traffic.
type Diagnostics struct {
	seg *shm.Segment
}

// Attach opens name for diagnostics. writable controls whether repair
// operations (ForceResetSlot, ReleaseZombieWriter/Readers,
// CleanupDeadConsumers, ValidateIntegrity with repair=true) are
// permitted; a read-only attach can still run every inspection.
func Attach(name string, writable bool) (*Diagnostics, error) {
	seg, err := shm.Attach(name, writable, nil)
	if err != nil {
		return nil, err
	}
	return &Diagnostics{seg: seg}, nil
}

func (d *Diagnostics) Close() error { return d.seg.Close() }

// Metrics returns a snapshot copy of the segment's header metrics
// block, for package monitor's diagnostic feed.
func (d *Diagnostics) Metrics() header.Metrics {
	return d.seg.Header.MetricsBlk
}

// SlotDiagnostic is the read-only report for a single slot.
type SlotDiagnostic struct {
	SlotIndex        uint32
	State            slotstate.SlotLifecycleState
	WriteLockPID     uint32
	WriteLockStale   bool
	ReaderCount      uint32
	WriteGeneration  uint64
	StuckDurationNs  uint64
	ChecksumVerified bool
	ChecksumOK       bool
}

// DiagnoseSlot reports slot i's coordination state as of now. If the
// segment's checksum policy is Enforce, the stored checksum is also
// compared against the slot's current payload (a best-effort check;
// the slot is not locked for the duration).
func (d *Diagnostics) DiagnoseSlot(i uint32, nowNs uint64) SlotDiagnostic {
	slot := d.seg.Slot(i)
	snap := slotstate.Load(slot)

	diag := SlotDiagnostic{
		SlotIndex:       i,
		State:           snap.State,
		WriteLockPID:    snap.WriteLockPID,
		ReaderCount:     snap.ReaderCount,
		WriteGeneration: snap.WriteGeneration,
	}
	if snap.WriteLockPID != 0 {
		diag.WriteLockStale = !platform.IsProcessAlive(snap.WriteLockPID)
	}
	if nowNs > snap.LastChangeNs {
		diag.StuckDurationNs = nowNs - snap.LastChangeNs
	}

	policy := header.ChecksumPolicy(d.seg.Header.ChecksumPolicy)
	if policy == header.Enforce && snap.State == slotstate.Committed {
		diag.ChecksumVerified = true
		err := checksum.Verify(d.seg.SlotChecksumArray(), i, d.seg.SlotPayload(i))
		diag.ChecksumOK = err == nil
	}
	return diag
}

// DiagnoseAllSlots runs DiagnoseSlot across the whole ring.
func (d *Diagnostics) DiagnoseAllSlots(nowNs uint64) []SlotDiagnostic {
	capacity := d.seg.Header.RingBufferCapacity
	out := make([]SlotDiagnostic, capacity)
	for i := uint32(0); i < capacity; i++ {
		out[i] = d.DiagnoseSlot(i, nowNs)
	}
	return out
}

// ForceResetSlot clears slot_state/write_lock/reader_count
// unconditionally when force=true, or only if the slot was already
// idle when force=false.
func (d *Diagnostics) ForceResetSlot(i uint32, force bool) error {
	return slotstate.ForceReset(d.seg.Slot(i), force)
}

// ReleaseZombieWriter clears slot i's write_lock if its owning pid is
// no longer alive. Returns false if the lock was unheld or the holder
// is still alive.
func (d *Diagnostics) ReleaseZombieWriter(i uint32) bool {
	released := slotstate.ReleaseZombieWriter(d.seg.Slot(i))
	if released {
		d.seg.Header.MetricsBlk.ZombieReclaims++
	}
	return released
}

// ReleaseZombieReaders forcibly zeroes slot i's reader_count. This is
// destructive — it does not check whether any reader is actually
// dead — and exists for operator-driven recovery from a reader that
// crashed mid-validate without ever calling ReleaseRead.
func (d *Diagnostics) ReleaseZombieReaders(i uint32) {
	slotstate.ReleaseZombieReaders(d.seg.Slot(i))
}

// DeadConsumerReport names one swept consumer-table row.
type DeadConsumerReport struct {
	Row        int
	ConsumerID uint64
	IdleNs     uint64
}

// CleanupDeadConsumers frees every consumer-table row whose heartbeat
// is older than staleNs, except a row that has never yet heartbeated
// (HeartbeatNs == 0) and was registered less than graceNs ago — a
// consumer that only just attached should not be swept out from under
// it before its first heartbeat lands.
func (d *Diagnostics) CleanupDeadConsumers(nowNs, staleNs, graceNs uint64) []DeadConsumerReport {
	var swept []DeadConsumerReport
	for i := range d.seg.Header.Consumers {
		row := &d.seg.Header.Consumers[i]
		if row.ConsumerID == 0 {
			continue
		}
		if row.HeartbeatNs == 0 {
			if nowNs-row.RegisteredAtNs < graceNs {
				continue
			}
			swept = append(swept, DeadConsumerReport{Row: i, ConsumerID: row.ConsumerID, IdleNs: nowNs - row.RegisteredAtNs})
			d.seg.Header.FreeConsumer(i)
			continue
		}
		idle := nowNs - row.HeartbeatNs
		if idle >= staleNs {
			swept = append(swept, DeadConsumerReport{Row: i, ConsumerID: row.ConsumerID, IdleNs: idle})
			d.seg.Header.FreeConsumer(i)
		}
	}
	return swept
}

// IntegrityReport is the outcome of ValidateIntegrity.
type IntegrityReport struct {
	LayoutChecksumOK   bool
	HeaderABIHashOK    bool
	SlotIssues         []SlotDiagnostic
	RepairedSlots      []uint32
	RepairedConsumers  []int
	FlexZoneChecksumOK bool
	FlexZoneRepaired   bool
}

// ValidateIntegrity runs a full structural scan: layout checksum,
// header ABI hash, a scan of every slot for a stale write lock, a
// stuck Writing state, or (under Enforce) a mismatched checksum, and
// the flexible zone's checksum. With repair=true, a stale write lock
// is released, a stuck slot is force-reset, and any mismatched slot or
// flexible-zone checksum is recomputed and stored — the same
// recompute-and-store step OnCommit/OnFlexZoneMutate run on the
// ordinary write path. It also clears any consumer row whose heartbeat
// is unreasonably old (using staleNs as the threshold), and records
// nowNs as the last recovery timestamp. With repair=false it writes
// nothing to the segment, so it also runs on a read-only attach.
// Running it twice in a row with repair=true the second time produces
// an empty repair list — nothing left to fix.
func (d *Diagnostics) ValidateIntegrity(nowNs, staleNs, graceNs uint64, repair bool) IntegrityReport {
	report := IntegrityReport{}

	report.HeaderABIHashOK = d.seg.Header.HeaderABIHash == header.ABIHash()
	report.LayoutChecksumOK = header.ValidateLayoutChecksum(d.seg.Header, d.seg.Name) == nil

	policy := header.ChecksumPolicy(d.seg.Header.ChecksumPolicy)
	report.FlexZoneChecksumOK = true
	if policy == header.Enforce {
		report.FlexZoneChecksumOK = checksum.VerifyFlexZone(d.seg.Header, d.seg.FlexibleZone()) == nil
		if !report.FlexZoneChecksumOK && repair {
			checksum.StoreFlexZone(d.seg.Header, d.seg.FlexibleZone())
			report.FlexZoneRepaired = true
		}
	}

	capacity := d.seg.Header.RingBufferCapacity
	for i := uint32(0); i < capacity; i++ {
		diag := d.DiagnoseSlot(i, nowNs)
		stuck := diag.State == slotstate.Writing && diag.StuckDurationNs >= staleNs
		zombie := diag.WriteLockStale
		mismatch := diag.ChecksumVerified && !diag.ChecksumOK
		if !stuck && !zombie && !mismatch {
			continue
		}
		report.SlotIssues = append(report.SlotIssues, diag)
		if repair {
			if zombie {
				d.ReleaseZombieWriter(i)
			}
			if stuck {
				_ = d.ForceResetSlot(i, true)
			}
			if mismatch {
				checksum.Store(d.seg.SlotChecksumArray(), i, d.seg.SlotPayload(i))
			}
			report.RepairedSlots = append(report.RepairedSlots, i)
		}
	}

	if repair {
		swept := d.CleanupDeadConsumers(nowNs, staleNs, graceNs)
		for _, s := range swept {
			report.RepairedConsumers = append(report.RepairedConsumers, s.Row)
		}
		d.seg.Header.MetricsBlk.LastRecoveryTimestampNs = nowNs
	}

	return report
}

// String renders a diagnostic for a log line or CLI-adjacent tool, in
// a short one-line-per-record shape suited to status output.
func (diag SlotDiagnostic) String() string {
	return fmt.Sprintf("slot=%d state=%d lock_pid=%d stale=%v readers=%d gen=%d stuck_ns=%d",
		diag.SlotIndex, diag.State, diag.WriteLockPID, diag.WriteLockStale,
		diag.ReaderCount, diag.WriteGeneration, diag.StuckDurationNs)
}
