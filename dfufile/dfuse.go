package dfufile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// DfuSe container layout constants. All multi-byte fields are little
// endian.
const (
	// prefixLen is the file prefix: "DfuSe", bVersion, dwImageSize,
	// bTargets.
	prefixLen = 11

	// targetPrefixLen is one target record header: "Target",
	// bAlternateSetting, dwTargetNamed, szTargetName[255],
	// dwTargetSize, dwNbElements.
	targetPrefixLen = 274

	// elementHeaderLen is dwElementAddress + dwElementSize.
	elementHeaderLen = 8

	// SuffixLen is the trailing DFU suffix: bcdDevice, idProduct,
	// idVendor, bcdDFU, "UFD", bLength, dwCRC.
	SuffixLen = 16

	targetNameLen = 255

	dfuseVersion = 0x01
	dfuseBcdDFU  = 0x011a
)

var (
	prefixSignature = []byte("DfuSe")
	targetSignature = []byte("Target")
	suffixSignature = []byte("UFD")
)

// File is a parsed DfuSe container: one image per target record plus
// the device identity from the suffix.
type File struct {
	Targets []*Image

	Vendor  uint16
	Product uint16
	Device  uint16
}

// Target returns the image for the given alternate setting.
func (f *File) Target(alt uint8) (*Image, error) {
	for _, img := range f.Targets {
		if img.Alt == alt {
			return img, nil
		}
	}
	return nil, &MalformedImageError{Reason: fmt.Sprintf("no target for alt setting %d", alt)}
}

// suffixCRC is the CRC32 stored in the DFU suffix: the IEEE CRC
// register over all preceding bytes, without the final inversion.
func suffixCRC(b []byte) uint32 {
	return 0xffffffff ^ crc32.ChecksumIEEE(b)
}

// IsDfuSe reports whether data begins with the DfuSe signature, which
// is how callers choose between ParseDfuSe and ParseRaw.
func IsDfuSe(data []byte) bool {
	return len(data) >= prefixLen && bytes.Equal(data[:len(prefixSignature)], prefixSignature)
}

// ParseRaw treats data as one contiguous segment at the caller-supplied
// base address.
func ParseRaw(data []byte, base uint32) (*Image, error) {
	img := &Image{
		segments: []Segment{{
			Start:    base,
			Data:     append([]byte(nil), data...),
			Readable: true,
			Writable: true,
		}},
	}
	if err := img.normalize(); err != nil {
		return nil, err
	}
	return img, nil
}

// ParseDfuSe parses a DfuSe container. The suffix CRC is validated
// before anything else; a mismatch fails with IntegrityError so a
// corrupt file is rejected before any transfer begins.
func ParseDfuSe(data []byte) (*File, error) {
	if len(data) < prefixLen+SuffixLen {
		return nil, &MalformedImageError{Reason: fmt.Sprintf("file of %d bytes is too short for a DfuSe container", len(data))}
	}

	suffix := data[len(data)-SuffixLen:]
	if !bytes.Equal(suffix[8:11], suffixSignature) {
		return nil, &MalformedImageError{Reason: "missing DFU suffix signature"}
	}
	want := binary.LittleEndian.Uint32(suffix[12:16])
	got := suffixCRC(data[:len(data)-4])
	if want != got {
		return nil, &IntegrityError{Want: want, Got: got}
	}

	f := &File{
		Device:  binary.LittleEndian.Uint16(suffix[0:2]),
		Product: binary.LittleEndian.Uint16(suffix[2:4]),
		Vendor:  binary.LittleEndian.Uint16(suffix[4:6]),
	}

	body := data[:len(data)-SuffixLen]
	if !bytes.Equal(body[:len(prefixSignature)], prefixSignature) {
		return nil, &MalformedImageError{Reason: "missing DfuSe signature"}
	}
	if body[5] != dfuseVersion {
		return nil, &MalformedImageError{Reason: fmt.Sprintf("unsupported DfuSe version 0x%02x", body[5])}
	}
	imageSize := binary.LittleEndian.Uint32(body[6:10])
	if int(imageSize) != len(body) {
		return nil, &MalformedImageError{
			Reason: fmt.Sprintf("prefix claims %d bytes, container has %d", imageSize, len(body)),
		}
	}
	nTargets := int(body[10])

	rest := body[prefixLen:]
	for t := 0; t < nTargets; t++ {
		img, n, err := parseTarget(rest, t)
		if err != nil {
			return nil, err
		}
		f.Targets = append(f.Targets, img)
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return nil, &MalformedImageError{Reason: fmt.Sprintf("%d trailing bytes after last target", len(rest))}
	}
	if len(f.Targets) == 0 {
		return nil, &MalformedImageError{Reason: "container has no targets"}
	}
	return f, nil
}

func parseTarget(b []byte, index int) (*Image, int, error) {
	if len(b) < targetPrefixLen {
		return nil, 0, &MalformedImageError{Reason: fmt.Sprintf("target %d: truncated target prefix", index)}
	}
	if !bytes.Equal(b[:len(targetSignature)], targetSignature) {
		return nil, 0, &MalformedImageError{Reason: fmt.Sprintf("target %d: missing Target signature", index)}
	}
	img := &Image{Alt: b[6]}
	named := binary.LittleEndian.Uint32(b[7:11]) != 0
	if named {
		name := b[11 : 11+targetNameLen]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		img.TargetName = string(name)
	}
	targetSize := binary.LittleEndian.Uint32(b[266:270])
	nElements := int(binary.LittleEndian.Uint32(b[270:274]))

	rest := b[targetPrefixLen:]
	if uint32(len(rest)) < targetSize {
		return nil, 0, &MalformedImageError{
			Reason: fmt.Sprintf("target %d: claims %d element bytes, %d remain", index, targetSize, len(rest)),
		}
	}
	elements := rest[:targetSize]
	for e := 0; e < nElements; e++ {
		if len(elements) < elementHeaderLen {
			return nil, 0, &MalformedImageError{Reason: fmt.Sprintf("target %d element %d: truncated header", index, e)}
		}
		addr := binary.LittleEndian.Uint32(elements[0:4])
		size := binary.LittleEndian.Uint32(elements[4:8])
		elements = elements[elementHeaderLen:]
		if uint32(len(elements)) < size {
			return nil, 0, &MalformedImageError{
				Reason: fmt.Sprintf("target %d element %d: claims %d bytes, %d remain", index, e, size, len(elements)),
			}
		}
		img.segments = append(img.segments, Segment{
			Start:    addr,
			Data:     append([]byte(nil), elements[:size]...),
			Readable: true,
			Writable: true,
		})
		elements = elements[size:]
	}
	if len(elements) != 0 {
		return nil, 0, &MalformedImageError{
			Reason: fmt.Sprintf("target %d: %d stray bytes after last element", index, len(elements)),
		}
	}
	if err := img.normalize(); err != nil {
		return nil, 0, err
	}
	return img, targetPrefixLen + int(targetSize), nil
}

// Serialize builds the DfuSe container for the file, suffix included.
// ParseDfuSe(Serialize(f)) reproduces f, with zero device IDs mapped to
// the 0xffff "any device" wildcard.
func (f *File) Serialize() ([]byte, error) {
	if len(f.Targets) == 0 {
		return nil, &MalformedImageError{Reason: "container has no targets"}
	}
	var buf bytes.Buffer

	for _, img := range f.Targets {
		if err := img.normalize(); err != nil {
			return nil, err
		}
	}

	// prefix, image size patched afterwards
	buf.Write(prefixSignature)
	buf.WriteByte(dfuseVersion)
	sizeAt := buf.Len()
	buf.Write(make([]byte, 4))
	buf.WriteByte(byte(len(f.Targets)))

	for _, img := range f.Targets {
		writeTarget(&buf, img)
	}

	body := buf.Bytes()
	binary.LittleEndian.PutUint32(body[sizeAt:], uint32(len(body)))

	var suffix [SuffixLen]byte
	binary.LittleEndian.PutUint16(suffix[0:2], orAny(f.Device))
	binary.LittleEndian.PutUint16(suffix[2:4], orAny(f.Product))
	binary.LittleEndian.PutUint16(suffix[4:6], orAny(f.Vendor))
	binary.LittleEndian.PutUint16(suffix[6:8], dfuseBcdDFU)
	copy(suffix[8:11], suffixSignature)
	suffix[11] = SuffixLen
	buf.Write(suffix[:12])
	crc := suffixCRC(buf.Bytes())
	var crcb [4]byte
	binary.LittleEndian.PutUint32(crcb[:], crc)
	buf.Write(crcb[:])

	return buf.Bytes(), nil
}

// orAny maps the zero value to the 0xffff wildcard the DFU suffix uses
// for "matches any device".
func orAny(v uint16) uint16 {
	if v == 0 {
		return 0xffff
	}
	return v
}

func writeTarget(buf *bytes.Buffer, img *Image) {
	buf.Write(targetSignature)
	buf.WriteByte(img.Alt)

	var named uint32
	if img.TargetName != "" {
		named = 1
	}
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], named)
	buf.Write(u32[:])

	var name [targetNameLen]byte
	copy(name[:], img.TargetName)
	buf.Write(name[:])

	var targetSize uint32
	for _, s := range img.segments {
		targetSize += elementHeaderLen + uint32(len(s.Data))
	}
	binary.LittleEndian.PutUint32(u32[:], targetSize)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], uint32(len(img.segments)))
	buf.Write(u32[:])

	for _, s := range img.segments {
		binary.LittleEndian.PutUint32(u32[:], s.Start)
		buf.Write(u32[:])
		binary.LittleEndian.PutUint32(u32[:], uint32(len(s.Data)))
		buf.Write(u32[:])
		buf.Write(s.Data)
	}
}
