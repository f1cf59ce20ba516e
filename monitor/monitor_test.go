package monitor

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/alephtx/datablock/datablock"
	"github.com/alephtx/datablock/hash"
	"github.com/alephtx/datablock/header"
	"github.com/alephtx/datablock/platform"
	"github.com/alephtx/datablock/recovery"
)

func TestPrettyJSONIndentsCompactInput(t *testing.T) {
	out, err := PrettyJSON(map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("PrettyJSON: %v", err)
	}
	if len(out) == 0 {
		t.Errorf("PrettyJSON returned empty output")
	}

	var roundTrip map[string]int
	if err := json.Unmarshal(out, &roundTrip); err != nil {
		t.Errorf("PrettyJSON output does not parse as JSON: %v", err)
	}
	if roundTrip["a"] != 1 {
		t.Errorf("PrettyJSON round-trip = %v, want a=1", roundTrip)
	}
}

func TestServeHTTPStreamsSnapshot(t *testing.T) {
	name := "datablock-monitor-stream"
	cfg := header.Config{
		SegmentName:        name,
		RingBufferCapacity: 2,
		PhysicalPageSize:   header.Page4K,
		FlexibleZoneSize:   header.Alignment,
		Policy:             header.PolicyRingBuffer,
		ConsumerSyncPolicy: header.FifoAll,
		ChecksumPolicy:     header.Manual,
		SpinlockIndex:      -1,
		SlotSchemaHash:     hash.Sum256([]byte("monitor-test-slot-v1")),
	}
	clock := platform.NewSystemClock()

	prod, err := datablock.Create(cfg, clock)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer prod.Unlink()
	defer prod.Close()

	diag, err := recovery.Attach(name, false)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer diag.Close()

	srv := NewServer(diag, 10*time.Millisecond)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):] + "/diagnostics"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	var snap Snapshot
	if err := wsjson.Read(ctx, conn, &snap); err != nil {
		t.Fatalf("wsjson.Read: %v", err)
	}
	if len(snap.Slots) != int(cfg.RingBufferCapacity) {
		t.Errorf("snapshot has %d slots, want %d", len(snap.Slots), cfg.RingBufferCapacity)
	}
	if snap.TimestampNs == 0 {
		t.Errorf("snapshot timestamp_ns is zero")
	}
}
