package dfufile

import (
	"fmt"
	"strconv"
	"strings"
)

// DfuSe devices publish their flash geometry in the alt-setting
// interface string, e.g.
//
//	@Internal Flash  /0x08000000/04*016Kg,01*064Kg,07*128Kg
//
// Each sector group is count*size, a unit letter, and a type letter
// encoding access permissions: (letter - 'a' + 1) is a bit set of
// readable (1), erasable (2), writable (4).

// Sector is one run of equally sized flash sectors.
type Sector struct {
	Start      uint32
	End        uint32 // first address past the run
	SectorSize uint32

	Readable bool
	Erasable bool
	Writable bool
}

// MemoryLayout is the device flash geometry parsed from the alt-setting
// string.
type MemoryLayout struct {
	Name    string
	Sectors []Sector
}

// ParseMemoryLayout parses a DfuSe alt-setting string. An empty or
// non-layout string (no leading '@') returns nil with no error: plain
// DFU devices simply have no layout.
func ParseMemoryLayout(altName string) (*MemoryLayout, error) {
	altName = strings.TrimSpace(altName)
	if altName == "" || altName[0] != '@' {
		return nil, nil
	}
	parts := strings.Split(altName[1:], "/")
	if len(parts) < 3 || (len(parts)-1)%2 != 0 {
		return nil, &MalformedImageError{Reason: fmt.Sprintf("memory layout %q: want name/address/sectors groups", altName)}
	}
	l := &MemoryLayout{Name: strings.TrimSpace(parts[0])}
	for i := 1; i+1 < len(parts); i += 2 {
		addrStr := strings.TrimSpace(parts[i])
		addr64, err := strconv.ParseUint(strings.TrimPrefix(addrStr, "0x"), 16, 32)
		if err != nil {
			return nil, &MalformedImageError{Reason: fmt.Sprintf("memory layout: bad address %q", addrStr)}
		}
		addr := uint32(addr64)
		for _, desc := range strings.Split(parts[i+1], ",") {
			sec, err := parseSectorGroup(strings.TrimSpace(desc), addr)
			if err != nil {
				return nil, err
			}
			l.Sectors = append(l.Sectors, sec)
			addr = sec.End
		}
	}
	return l, nil
}

func parseSectorGroup(desc string, start uint32) (Sector, error) {
	star := strings.IndexByte(desc, '*')
	if star < 0 || len(desc) < star+3 {
		return Sector{}, &MalformedImageError{Reason: fmt.Sprintf("memory layout: bad sector group %q", desc)}
	}
	count, err := strconv.ParseUint(desc[:star], 10, 32)
	if err != nil || count == 0 {
		return Sector{}, &MalformedImageError{Reason: fmt.Sprintf("memory layout: bad sector count in %q", desc)}
	}

	typeChar := desc[len(desc)-1]
	unitChar := desc[len(desc)-2]
	sizeStr := desc[star+1 : len(desc)-2]
	unit := uint64(1)
	switch unitChar {
	case 'K':
		unit = 1024
	case 'M':
		unit = 1024 * 1024
	case 'B', ' ':
	default:
		// no unit letter, size runs up to the type char
		sizeStr = desc[star+1 : len(desc)-1]
	}
	size, err := strconv.ParseUint(sizeStr, 10, 32)
	if err != nil || size == 0 {
		return Sector{}, &MalformedImageError{Reason: fmt.Sprintf("memory layout: bad sector size in %q", desc)}
	}

	lc := typeChar | 0x20 // tolerate uppercase type letters
	if lc < 'a' || lc > 'g' {
		return Sector{}, &MalformedImageError{Reason: fmt.Sprintf("memory layout: bad sector type %q in %q", typeChar, desc)}
	}
	bits := lc - 'a' + 1
	sectorSize := uint32(size * unit)
	return Sector{
		Start:      start,
		End:        start + uint32(count)*sectorSize,
		SectorSize: sectorSize,
		Readable:   bits&1 != 0,
		Erasable:   bits&2 != 0,
		Writable:   bits&4 != 0,
	}, nil
}

// SectorAt returns the sector run containing addr, or nil.
func (l *MemoryLayout) SectorAt(addr uint32) *Sector {
	for i := range l.Sectors {
		s := &l.Sectors[i]
		if addr >= s.Start && addr < s.End {
			return s
		}
	}
	return nil
}

// Writable reports whether the whole [addr, addr+size) range is
// writable device memory.
func (l *MemoryLayout) Writable(addr uint32, size uint32) bool {
	return l.covered(addr, size, func(s *Sector) bool { return s.Writable })
}

// Readable reports whether the whole range can be uploaded.
func (l *MemoryLayout) Readable(addr uint32, size uint32) bool {
	return l.covered(addr, size, func(s *Sector) bool { return s.Readable })
}

func (l *MemoryLayout) covered(addr, size uint32, ok func(*Sector) bool) bool {
	end := addr + size
	for addr < end {
		s := l.SectorAt(addr)
		if s == nil || !ok(s) {
			return false
		}
		addr = s.End
	}
	return true
}

// ErasePages lists the page start addresses that must be erased to
// cover [addr, addr+size), skipping runs that are not erasable (RAM
// targets advertise none).
func (l *MemoryLayout) ErasePages(addr uint32, size uint32) []uint32 {
	var pages []uint32
	end := addr + size
	for addr < end {
		s := l.SectorAt(addr)
		if s == nil {
			break
		}
		if !s.Erasable {
			addr = s.End
			continue
		}
		page := s.Start + (addr-s.Start)/s.SectorSize*s.SectorSize
		for ; page < end && page < s.End; page += s.SectorSize {
			pages = append(pages, page)
		}
		addr = s.End
	}
	return pages
}
