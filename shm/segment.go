// Package shm maps a DataBlock segment's regions — header,
// SlotRWStateArray, SlotChecksumArray, FlexibleZone, StructuredBuffer
// — over a single shared-memory mapping.
//
// Grounded directly on a shared-memory matrix pattern: open-or-create,
// truncate to the computed size, mmap, then reinterpret the mapped
// bytes as a typed struct via unsafe.Pointer. Here the struct is the
// segment Header plus four variable-length regions instead of one
// fixed BBO matrix.
package shm

import (
	"fmt"

	"github.com/alephtx/datablock/errs"
	"github.com/alephtx/datablock/header"
	"github.com/alephtx/datablock/platform"
	"github.com/alephtx/datablock/slotstate"
)

// Segment is a mapped DataBlock segment. The creator obtains one via
// Create; every other attacher obtains one via Attach.
type Segment struct {
	Name   string
	region *platform.Region
	Layout header.Layout
	Header *header.Header
}

// Create allocates a brand-new named segment sized per cfg's derived
// layout, initializes its header, and returns it mapped read-write.
// This is the single validation point: cfg is fully validated before
// any segment bytes exist.
func Create(cfg header.Config) (*Segment, error) {
	layout, err := header.DeriveLayoutFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	region, err := platform.ShmCreate(cfg.SegmentName, int(layout.TotalSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}

	h := header.View(region.Bytes())
	header.Init(h, cfg)

	return &Segment{Name: cfg.SegmentName, region: region, Layout: layout, Header: h}, nil
}

// Attach opens an existing named segment. It first maps only the
// header-sized prefix to read the layout-defining fields, then remaps
// the full extent once the true size is known — so an attacher never
// needs to already know the creator's capacity.
//
// If expectedConfig is non-nil, ValidateAttach's structured comparison
// runs before the segment is considered usable.
func Attach(name string, writable bool, expectedConfig *header.Config) (*Segment, error) {
	probe, err := platform.ShmAttach(name, header.Alignment, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	probeHeader := header.View(probe.Bytes())
	layout := header.DeriveLayoutFromHeader(probeHeader)
	probe.Close()

	region, err := platform.ShmAttach(name, int(layout.TotalSize), writable)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	h := header.View(region.Bytes())

	if err := header.ValidateAttach(h, name, expectedConfig); err != nil {
		region.Close()
		return nil, err
	}

	return &Segment{Name: name, region: region, Layout: layout, Header: h}, nil
}

// SlotRWStateArray returns the raw bytes of the SlotRWStateArray region.
func (s *Segment) SlotRWStateArray() []byte {
	b := s.region.Bytes()
	return b[s.Layout.SlotRWStateArrayOffset : s.Layout.SlotRWStateArrayOffset+s.Layout.SlotRWStateArraySize]
}

// SlotChecksumArray returns the raw bytes of the SlotChecksumArray region.
func (s *Segment) SlotChecksumArray() []byte {
	b := s.region.Bytes()
	return b[s.Layout.SlotChecksumArrayOffset : s.Layout.SlotChecksumArrayOffset+s.Layout.SlotChecksumArraySize]
}

// FlexibleZone returns the raw bytes of the flexible zone region.
func (s *Segment) FlexibleZone() []byte {
	b := s.region.Bytes()
	return b[s.Layout.FlexibleZoneOffset : s.Layout.FlexibleZoneOffset+s.Layout.FlexibleZoneSize]
}

// StructuredBuffer returns the raw bytes of the structured data buffer.
func (s *Segment) StructuredBuffer() []byte {
	b := s.region.Bytes()
	return b[s.Layout.StructuredBufferOffset : s.Layout.StructuredBufferOffset+s.Layout.StructuredBufferSize]
}

// SlotPayload returns the byte span for slot i within the structured
// buffer.
func (s *Segment) SlotPayload(i uint32) []byte {
	off := i * s.Layout.SlotStride
	return s.StructuredBuffer()[off : off+s.Layout.SlotStride]
}

// Slot returns the slot-RW-state coordination view for slot i.
func (s *Segment) Slot(i uint32) *slotstate.State {
	return header.Slot(s.SlotRWStateArray(), i)
}

// Close unmaps the segment. It does not unlink the name — only the
// creator's explicit teardown does that, via Unlink.
func (s *Segment) Close() error {
	return s.region.Close()
}

// Unlink removes the segment's backing shared-memory object. Callers
// must ensure no other attacher still needs it — its lifetime ends
// when the last attacher detaches and the creator unlinks the name.
func (s *Segment) Unlink() error {
	return platform.ShmUnlink(s.Name)
}
