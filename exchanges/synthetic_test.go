package exchanges

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/alephtx/datablock/datablock"
	"github.com/alephtx/datablock/hash"
	"github.com/alephtx/datablock/header"
	"github.com/alephtx/datablock/platform"
)

func fillFloat64(payload []byte, values []float64, tickNs uint64) int {
	if len(payload) < 16 || len(values) == 0 {
		return 0
	}
	binary.LittleEndian.PutUint64(payload[0:8], tickNs)
	binary.LittleEndian.PutUint64(payload[8:16], math.Float64bits(values[0]))
	return 16
}

func TestSyntheticProducerCommitsWhileRunning(t *testing.T) {
	name := "datablock-exchanges-synthetic"
	cfg := header.Config{
		SegmentName:        name,
		RingBufferCapacity: 8,
		PhysicalPageSize:   header.Page4K,
		FlexibleZoneSize:   header.Alignment,
		Policy:             header.PolicyRingBuffer,
		ConsumerSyncPolicy: header.FifoAll,
		ChecksumPolicy:     header.Manual,
		SpinlockIndex:      -1,
		SlotSchemaHash:     hash.Sum256([]byte("exchanges-test-slot-v1")),
	}
	clock := platform.NewSystemClock()

	prod, err := datablock.Create(cfg, clock)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer prod.Unlink()
	defer prod.Close()

	cons, err := datablock.Attach(name, 1, &cfg, 0, clock)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer cons.Close()

	synth := NewSyntheticProducer(prod, []WalkParams{{StartValue: 100, DriftPercent: 0.01}}, 5*time.Millisecond, fillFloat64, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	if err := synth.Run(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Run returned %v, want context.DeadlineExceeded", err)
	}

	var sawCommit bool
	for i := 0; i < 5; i++ {
		err := cons.WithRead(func(payload []byte) error {
			v := math.Float64frombits(binary.LittleEndian.Uint64(payload[8:16]))
			if v <= 0 {
				t.Errorf("tick %d wrote a non-positive walk value %v", i, v)
			}
			return nil
		})
		if err != nil {
			break
		}
		sawCommit = true
	}
	if !sawCommit {
		t.Errorf("SyntheticProducer.Run never committed a slot within its ticking window")
	}
}

func TestFillFloat64RejectsUndersizedPayload(t *testing.T) {
	n := fillFloat64(make([]byte, 4), []float64{1.0}, 0)
	if n != 0 {
		t.Errorf("fillFloat64 on an undersized payload returned %d bytes, want 0", n)
	}
}
