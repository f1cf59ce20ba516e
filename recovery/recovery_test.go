package recovery

import (
	"testing"

	"github.com/alephtx/datablock/datablock"
	"github.com/alephtx/datablock/hash"
	"github.com/alephtx/datablock/header"
	"github.com/alephtx/datablock/platform"
	"github.com/alephtx/datablock/slotstate"
)

func testConfig(name string) header.Config {
	return header.Config{
		SegmentName:        name,
		RingBufferCapacity: 4,
		PhysicalPageSize:   header.Page4K,
		FlexibleZoneSize:   header.Alignment,
		Policy:             header.PolicyRingBuffer,
		ConsumerSyncPolicy: header.FifoAll,
		ChecksumPolicy:     header.Enforce,
		SpinlockIndex:      -1,
		SlotSchemaHash:     hash.Sum256([]byte("recovery-test-slot-v1")),
	}
}

func TestDiagnoseSlotReportsStaleWriteLock(t *testing.T) {
	name := "datablock-recovery-stale-lock"
	cfg := testConfig(name)
	clock := platform.NewSystemClock()

	prod, err := datablock.Create(cfg, clock)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer prod.Unlink()
	defer prod.Close()

	// Simulate a crashed writer: force slot 0 into Writing, held by a
	// pid that is not alive.
	slot := prod.Segment().Slot(0)
	const deadPID = uint32(1 << 30)
	forceHeldBy(slot, deadPID)

	diag, err := Attach(name, true)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer diag.Close()

	report := diag.DiagnoseSlot(0, clock.NowNs())
	if !report.WriteLockStale {
		t.Errorf("DiagnoseSlot did not flag a write lock held by a dead pid as stale")
	}
}

func forceHeldBy(slot *slotstate.State, pid uint32) {
	// slotstate.State's WriteLock field is exported for exactly this
	// kind of fault injection in tests.
	slot.WriteLock = pid
	slot.SlotState = uint32(slotstate.Writing)
}

func TestForceResetSlotClearsStuckState(t *testing.T) {
	name := "datablock-recovery-force-reset"
	cfg := testConfig(name)
	clock := platform.NewSystemClock()

	prod, err := datablock.Create(cfg, clock)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer prod.Unlink()
	defer prod.Close()

	slot := prod.Segment().Slot(1)
	forceHeldBy(slot, uint32(1<<30))

	diag, err := Attach(name, true)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer diag.Close()

	if err := diag.ForceResetSlot(1, true); err != nil {
		t.Fatalf("ForceResetSlot: %v", err)
	}

	report := diag.DiagnoseSlot(1, clock.NowNs())
	if report.WriteLockPID != 0 || report.State != slotstate.Empty {
		t.Errorf("slot not clean after ForceResetSlot: %+v", report)
	}
}

func TestReleaseZombieWriterClearsOnlyDeadOwner(t *testing.T) {
	name := "datablock-recovery-zombie-writer"
	cfg := testConfig(name)
	clock := platform.NewSystemClock()

	prod, err := datablock.Create(cfg, clock)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer prod.Unlink()
	defer prod.Close()

	slot := prod.Segment().Slot(0)
	forceHeldBy(slot, uint32(1<<30))

	diag, err := Attach(name, true)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer diag.Close()

	if !diag.ReleaseZombieWriter(0) {
		t.Errorf("ReleaseZombieWriter did not release a lock held by a dead pid")
	}
}

func TestCleanupDeadConsumersRespectsGraceForFreshRows(t *testing.T) {
	name := "datablock-recovery-cleanup"
	cfg := testConfig(name)
	clock := platform.NewSystemClock()

	prod, err := datablock.Create(cfg, clock)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer prod.Unlink()
	defer prod.Close()

	now := clock.NowNs()
	prod.Segment().Header.AllocateConsumer(1, now) // never heartbeated, just registered

	diag, err := Attach(name, true)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer diag.Close()

	const graceNs = uint64(60 * 1_000_000_000) // 60s
	swept := diag.CleanupDeadConsumers(now+1_000_000, 1, graceNs)
	if len(swept) != 0 {
		t.Errorf("CleanupDeadConsumers swept a freshly registered row within its grace period: %+v", swept)
	}

	swept = diag.CleanupDeadConsumers(now+graceNs+1, 1, graceNs)
	if len(swept) != 1 {
		t.Errorf("CleanupDeadConsumers did not sweep a never-heartbeated row past its grace period, got %d swept", len(swept))
	}
}

func TestCleanupDeadConsumersSweepsStaleHeartbeat(t *testing.T) {
	name := "datablock-recovery-cleanup-stale"
	cfg := testConfig(name)
	clock := platform.NewSystemClock()

	prod, err := datablock.Create(cfg, clock)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer prod.Unlink()
	defer prod.Close()

	now := clock.NowNs()
	row, _ := prod.Segment().Header.AllocateConsumer(1, now)
	prod.Segment().Header.ConsumerHeartbeat(row, now)

	diag, err := Attach(name, true)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer diag.Close()

	const staleNs = uint64(5 * 1_000_000_000)
	swept := diag.CleanupDeadConsumers(now+staleNs+1, staleNs, 0)
	if len(swept) != 1 {
		t.Errorf("CleanupDeadConsumers did not sweep a stale-heartbeat row, got %d", len(swept))
	}
}

func TestValidateIntegrityIsIdempotentAfterRepair(t *testing.T) {
	name := "datablock-recovery-integrity"
	cfg := testConfig(name)
	clock := platform.NewSystemClock()

	prod, err := datablock.Create(cfg, clock)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer prod.Unlink()
	defer prod.Close()

	slot := prod.Segment().Slot(2)
	forceHeldBy(slot, uint32(1<<30))

	diag, err := Attach(name, true)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer diag.Close()

	now := clock.NowNs()
	first := diag.ValidateIntegrity(now, 0, 0, true)
	if len(first.RepairedSlots) == 0 {
		t.Fatalf("first ValidateIntegrity(repair=true) repaired nothing, want the forced zombie slot fixed")
	}

	second := diag.ValidateIntegrity(now, 0, 0, true)
	if len(second.RepairedSlots) != 0 {
		t.Errorf("second ValidateIntegrity(repair=true) repaired %d slots, want 0 (idempotent)", len(second.RepairedSlots))
	}
}

func TestValidateIntegrityRepairsMismatchedSlotChecksum(t *testing.T) {
	name := "datablock-recovery-integrity-checksum"
	cfg := testConfig(name)
	clock := platform.NewSystemClock()

	prod, err := datablock.Create(cfg, clock)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer prod.Unlink()
	defer prod.Close()

	if err := prod.WithWrite(1000, func(payload []byte) (int, error) {
		copy(payload, []byte("original"))
		return 8, nil
	}); err != nil {
		t.Fatalf("WithWrite: %v", err)
	}

	// Corrupt the committed payload without recomputing its checksum,
	// simulating bit rot or an out-of-band write.
	copy(prod.Segment().SlotPayload(0), []byte("corrupt!"))

	diag, err := Attach(name, true)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer diag.Close()

	now := clock.NowNs()
	before := diag.DiagnoseSlot(0, now)
	if !before.ChecksumVerified || before.ChecksumOK {
		t.Fatalf("expected a verified checksum mismatch before repair, got %+v", before)
	}

	first := diag.ValidateIntegrity(now, 0, 0, true)
	foundRepaired := false
	for _, i := range first.RepairedSlots {
		if i == 0 {
			foundRepaired = true
		}
	}
	if !foundRepaired {
		t.Fatalf("ValidateIntegrity(repair=true) did not repair the mismatched slot, got %+v", first.RepairedSlots)
	}

	after := diag.DiagnoseSlot(0, now)
	if !after.ChecksumOK {
		t.Errorf("slot checksum still mismatched after repair: %+v", after)
	}

	second := diag.ValidateIntegrity(now, 0, 0, true)
	if len(second.RepairedSlots) != 0 {
		t.Errorf("second ValidateIntegrity(repair=true) repaired %d slots, want 0 (idempotent)", len(second.RepairedSlots))
	}
}

func TestValidateIntegrityRepairsMismatchedFlexZoneChecksum(t *testing.T) {
	name := "datablock-recovery-integrity-flexzone"
	cfg := testConfig(name)
	clock := platform.NewSystemClock()

	prod, err := datablock.Create(cfg, clock)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer prod.Unlink()
	defer prod.Close()

	if err := prod.MutateFlexZone(1000, func(zone []byte) {
		copy(zone, []byte("metadata"))
	}); err != nil {
		t.Fatalf("MutateFlexZone: %v", err)
	}

	// Corrupt the flex zone out-of-band, without touching its checksum.
	copy(prod.Segment().FlexibleZone(), []byte("tampered"))

	diag, err := Attach(name, true)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer diag.Close()

	now := clock.NowNs()
	first := diag.ValidateIntegrity(now, 0, 0, true)
	if first.FlexZoneChecksumOK {
		t.Fatalf("expected a flex-zone checksum mismatch to be detected before repair")
	}
	if !first.FlexZoneRepaired {
		t.Fatalf("ValidateIntegrity(repair=true) did not repair the flex-zone checksum")
	}

	second := diag.ValidateIntegrity(now, 0, 0, true)
	if !second.FlexZoneChecksumOK || second.FlexZoneRepaired {
		t.Errorf("second ValidateIntegrity(repair=true) still reports a flex-zone mismatch: %+v", second)
	}
}

func TestValidateIntegrityReportsHeaderHashesOK(t *testing.T) {
	name := "datablock-recovery-integrity-clean"
	cfg := testConfig(name)
	clock := platform.NewSystemClock()

	prod, err := datablock.Create(cfg, clock)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer prod.Unlink()
	defer prod.Close()

	diag, err := Attach(name, false)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer diag.Close()

	report := diag.ValidateIntegrity(clock.NowNs(), 0, 0, false)
	if !report.LayoutChecksumOK || !report.HeaderABIHashOK {
		t.Errorf("ValidateIntegrity on a freshly created segment reported hash mismatch: %+v", report)
	}
}
