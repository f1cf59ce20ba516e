// Package exchanges contains a synthetic slot-payload generator used
// to drive a datablock.Producer for demos and integration tests,
// without depending on a real upstream data source.
//
// Grounded on a random-walk mock feeder pattern: a price generator
// ticking at a fixed interval, writing into the shared structure on
// every tick. Adapted here from writing directly into a fixed BBO
// struct's fields to filling a datablock.Producer's slot payload
// through WithWrite, and from a fixed two-symbol BBO record to an
// arbitrary fill function supplied by the caller (so the generator is
// schema-agnostic — it knows nothing about what the slot's bytes mean,
// only when to tick and what walk parameters to use).
package exchanges

import (
	"context"
	"math/rand"
	"time"

	"github.com/alephtx/datablock/datablock"
)

// WalkParams controls a single random-walk series driven by
// SyntheticProducer, a convenience generator layered on top of the
// core fabric rather than part of it.
type WalkParams struct {
	StartValue   float64
	DriftPercent float64 // max fractional move per tick, e.g. 0.0001 == ±0.01%
}

// FillFunc renders the current walk value(s) into a slot's payload
// bytes, returning how many bytes it committed.
type FillFunc func(payload []byte, values []float64, tickNs uint64) int

// SyntheticProducer ticks at a fixed interval, advances one or more
// random-walk series, and commits a slot through the given
// datablock.Producer on every tick.
type SyntheticProducer struct {
	producer *datablock.Producer
	walks    []WalkParams
	values   []float64
	interval time.Duration
	fill     FillFunc
	rng      *rand.Rand
	writeTimeoutMs int64
}

// NewSyntheticProducer builds a generator over walks, ticking every
// interval and calling fill to render each tick into the acquired
// slot's payload.
func NewSyntheticProducer(producer *datablock.Producer, walks []WalkParams, interval time.Duration, fill FillFunc, seed int64) *SyntheticProducer {
	values := make([]float64, len(walks))
	for i, w := range walks {
		values[i] = w.StartValue
	}
	return &SyntheticProducer{
		producer:       producer,
		walks:          walks,
		values:         values,
		interval:       interval,
		fill:           fill,
		rng:            rand.New(rand.NewSource(seed)),
		writeTimeoutMs: 50,
	}
}

// Run ticks until ctx is canceled. A failed write acquire (timeout,
// e.g. a diagnostics tool holding a slot repair in progress) is
// silently skipped — Run just tries again next interval, since a
// missed tick in a synthetic feed is not fatal.
func (s *SyntheticProducer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *SyntheticProducer) tick() {
	tickNs := uint64(time.Now().UnixNano())
	for i, w := range s.walks {
		s.values[i] += s.values[i] * (s.rng.Float64() - 0.5) * w.DriftPercent * 2
	}

	_ = s.producer.WithWrite(s.writeTimeoutMs, func(payload []byte) (int, error) {
		n := s.fill(payload, s.values, tickNs)
		return n, nil
	})
}
