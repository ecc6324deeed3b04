// Package dfufile parses and builds firmware images for DFU transfers:
// raw binary blobs, the DfuSe container format with addressed targets
// and a CRC32 suffix, and the DfuSe memory-layout strings that carry
// per-sector access permissions.
package dfufile

import (
	"fmt"
	"sort"
)

// Segment is one contiguous addressed region of a firmware image.
type Segment struct {
	Start uint32
	Data  []byte

	// Access flags. File-derived segments default to readable and
	// writable; a device memory layout refines what the device will
	// actually accept.
	Readable bool
	Writable bool
	Erasable bool
}

// End is the first address past the segment.
func (s Segment) End() uint32 {
	return s.Start + uint32(len(s.Data))
}

// Image is an ordered sequence of non-overlapping segments, ascending
// by start address. It is exclusively owned by one session for the
// duration of one operation: read-only during download, append-only
// during upload assembly.
type Image struct {
	// DfuSe prefix metadata; zero values for raw images.
	TargetName string
	Alt        uint8

	// DFU suffix metadata; zero means "any" (0xffff on serialization).
	Vendor  uint16
	Product uint16
	Device  uint16

	segments []Segment
}

// NewUpload returns an empty image that Append grows in address order,
// used to assemble device uploads.
func NewUpload(base uint32) *Image {
	return &Image{segments: []Segment{{Start: base, Readable: true, Writable: true}}}
}

// Segments returns the segments in ascending address order. The slice
// is shared, not copied; callers must not mutate it.
func (img *Image) Segments() []Segment {
	return img.segments
}

// TotalSize is the sum of all segment lengths.
func (img *Image) TotalSize() uint64 {
	var n uint64
	for _, s := range img.segments {
		n += uint64(len(s.Data))
	}
	return n
}

// Append grows the last segment during upload assembly.
func (img *Image) Append(b []byte) {
	last := &img.segments[len(img.segments)-1]
	last.Data = append(last.Data, b...)
}

// Finalize trims an assembled upload to size. Devices commonly pad
// uploads to a full memory page, so the true image size is often
// smaller than what was read back.
func (img *Image) Finalize(size uint64) {
	if size >= img.TotalSize() {
		return
	}
	remain := size
	kept := img.segments[:0]
	for _, s := range img.segments {
		if remain == 0 {
			break
		}
		if uint64(len(s.Data)) > remain {
			s.Data = s.Data[:remain]
		}
		remain -= uint64(len(s.Data))
		kept = append(kept, s)
	}
	img.segments = kept
}

// normalize sorts segments by start address and validates the image
// invariants: no empty segments, no overlap.
func (img *Image) normalize() error {
	if len(img.segments) == 0 {
		return &MalformedImageError{Reason: "image has no segments"}
	}
	for _, s := range img.segments {
		if len(s.Data) == 0 {
			return &MalformedImageError{Reason: fmt.Sprintf("empty segment at 0x%08x", s.Start)}
		}
	}
	sort.Slice(img.segments, func(i, j int) bool {
		return img.segments[i].Start < img.segments[j].Start
	})
	for i := 1; i < len(img.segments); i++ {
		prev, cur := img.segments[i-1], img.segments[i]
		if cur.Start < prev.End() {
			return &MalformedImageError{
				Reason: fmt.Sprintf("segment at 0x%08x overlaps segment at 0x%08x", cur.Start, prev.Start),
			}
		}
	}
	return nil
}
