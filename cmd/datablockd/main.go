// Command datablockd is a small demonstration daemon wiring together a
// DataBlock producer, the broker client, and the diagnostic monitor.
//
// Grounded on a standard daemon-entrypoint shape: load config, create
// the shared segment, start a data-generating goroutine, wait on
// signal.NotifyContext. Extended with errgroup-supervised goroutines
// (producer tick loop + monitor HTTP server) in place of a manual
// sync.WaitGroup fan-out, so a goroutine failure cancels its siblings
// instead of leaking them.
package main

import (
	"context"
	"encoding/binary"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alephtx/datablock/broker"
	"github.com/alephtx/datablock/config"
	"github.com/alephtx/datablock/datablock"
	"github.com/alephtx/datablock/exchanges"
	"github.com/alephtx/datablock/hash"
	"github.com/alephtx/datablock/header"
	"github.com/alephtx/datablock/monitor"
	"github.com/alephtx/datablock/platform"
	"github.com/alephtx/datablock/recovery"
)

func main() {
	log.Println("🐙 datablockd starting...")

	cfgPath := os.Getenv(config.ConfigPathEnv)
	if cfgPath == "" {
		cfgPath = "datablock.toml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	secret, err := config.LoadSharedSecret()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clock := platform.NewSystemClock()

	segCfg := header.Config{
		SegmentName:         cfg.Segment.Name,
		RingBufferCapacity:  cfg.Segment.RingBufferCapacity,
		PhysicalPageSize:    cfg.Segment.PhysicalPageSize,
		LogicalUnitSize:     cfg.Segment.LogicalUnitSize,
		FlexibleZoneSize:    cfg.Segment.FlexibleZoneSize,
		Policy:              header.ParsePolicy(cfg.Segment.Policy),
		ConsumerSyncPolicy:  header.ParseConsumerSyncPolicy(cfg.Segment.ConsumerSyncPolicy),
		ChecksumPolicy:      header.ParseChecksumPolicy(cfg.Segment.ChecksumPolicy),
		ChecksumEnabled:     cfg.Segment.ChecksumEnabled,
		SpinlockIndex:       cfg.Segment.SpinlockIndex,
		CreationTimestampNs: clock.NowNs(),
		SharedSecret:        secret,
		SlotSchemaHash:      hash.Sum256([]byte("datablockd.synthetic-walk.v1")),
	}

	producer, err := datablock.Create(segCfg, clock)
	if err != nil {
		log.Fatalf("segment create: %v", err)
	}
	defer producer.Close()
	defer producer.Unlink()
	log.Printf("📡 segment %s created (capacity=%d)", cfg.Segment.Name, cfg.Segment.RingBufferCapacity)

	if cfg.Broker.Address != "" {
		client := broker.Dial(cfg.Broker.Address)
		defer client.Close()
		err := client.RegisterProducer(cfg.Broker.Channel, broker.Registration{
			SegmentName:  cfg.Segment.Name,
			SharedSecret: secret,
		})
		if err != nil {
			log.Printf("broker: register_producer failed (continuing without it): %v", err)
		} else {
			log.Printf("📡 registered channel %q with broker", cfg.Broker.Channel)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	synth := exchanges.NewSyntheticProducer(
		producer,
		[]exchanges.WalkParams{{StartValue: 100.0, DriftPercent: 0.0002}},
		100*time.Millisecond,
		fillFloat64,
		time.Now().UnixNano(),
	)
	g.Go(func() error { return synth.Run(gctx) })

	if cfg.Monitor.ListenAddress != "" {
		diag, err := recovery.Attach(cfg.Segment.Name, false)
		if err != nil {
			log.Fatalf("monitor: attach: %v", err)
		}
		defer diag.Close()

		srv := monitor.NewServer(diag, time.Second)
		mux := http.NewServeMux()
		mux.HandleFunc("/diagnostics", srv.ServeHTTP)
		httpSrv := &http.Server{Addr: cfg.Monitor.ListenAddress, Handler: mux}

		g.Go(func() error {
			log.Printf("📡 monitor listening on %s", cfg.Monitor.ListenAddress)
			return httpSrv.ListenAndServe()
		})
		g.Go(func() error {
			<-gctx.Done()
			return httpSrv.Close()
		})
	}

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		log.Printf("datablockd: %v", err)
	}
	log.Println("👋 datablockd shutting down")
}

// fillFloat64 writes the tick timestamp and the single walk value as
// little-endian fields into the slot payload — the minimal schema a
// demo producer needs.
func fillFloat64(payload []byte, values []float64, tickNs uint64) int {
	if len(payload) < 16 || len(values) == 0 {
		return 0
	}
	binary.LittleEndian.PutUint64(payload[0:8], tickNs)
	binary.LittleEndian.PutUint64(payload[8:16], math.Float64bits(values[0]))
	return 16
}
