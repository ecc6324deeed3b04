package dfu

import (
	"encoding/binary"
	"time"
)

// Port is the claimed USB interface the engine drives. It is the only
// thing the protocol core knows about USB; concrete implementations
// live in the usb package (and in test fixtures).
//
// The interface is declared here, by its consumer, the way core
// declares its bus interfaces instead of importing a USB stack.
type Port interface {
	// ControlTransfer issues one control transfer on the claimed
	// interface. requestType selects the direction (RequestTypeOut or
	// RequestTypeIn); for IN transfers data is filled in place and the
	// number of bytes actually returned is reported.
	ControlTransfer(requestType uint8, request Request, value, index uint16, data []byte, timeout time.Duration) (int, error)

	// ReadStatus issues DFU_GETSTATUS and returns the raw response
	// bytes. It exists as a named operation because DFU defines it as a
	// distinct request the host leans on constantly.
	ReadStatus(timeout time.Duration) ([]byte, error)

	// Info returns the descriptors of the claimed interface.
	Info() PortInfo

	// Reset performs a USB bus reset of the device, used after
	// manifestation and after DETACH on devices that do not detach
	// themselves.
	Reset() error
}

// PortInfo carries the descriptor-derived facts the engine and the
// session controller decide on.
type PortInfo struct {
	Path      string
	VendorID  uint16
	ProductID uint16
	Interface uint8
	Alt       uint8

	// AltName is the alt-setting interface string. On DfuSe devices it
	// encodes the memory layout.
	AltName string

	Functional FunctionalDescriptor
}

// FunctionalDescriptor is the decoded DFU functional descriptor
// (type 0x21) a DFU-capable interface carries.
type FunctionalDescriptor struct {
	CanDnload             bool
	CanUpload             bool
	ManifestationTolerant bool
	WillDetach            bool

	DetachTimeout time.Duration
	TransferSize  uint16
	DFUVersion    uint16
}

const (
	// FunctionalDescriptorType is the bDescriptorType of the DFU
	// functional descriptor.
	FunctionalDescriptorType = 0x21

	functionalDescriptorLen = 9

	attrCanDnload             = 1 << 0
	attrCanUpload             = 1 << 1
	attrManifestationTolerant = 1 << 2
	attrWillDetach            = 1 << 3
)

// ParseFunctionalDescriptor decodes b as a DFU functional descriptor.
// The second return is false when b is not one, which lets callers scan
// a raw descriptor blob chunk by chunk.
func ParseFunctionalDescriptor(b []byte) (FunctionalDescriptor, bool) {
	if len(b) < functionalDescriptorLen || b[0] < functionalDescriptorLen || b[1] != FunctionalDescriptorType {
		return FunctionalDescriptor{}, false
	}
	attrs := b[2]
	return FunctionalDescriptor{
		CanDnload:             attrs&attrCanDnload != 0,
		CanUpload:             attrs&attrCanUpload != 0,
		ManifestationTolerant: attrs&attrManifestationTolerant != 0,
		WillDetach:            attrs&attrWillDetach != 0,
		DetachTimeout:         time.Duration(binary.LittleEndian.Uint16(b[3:5])) * time.Millisecond,
		TransferSize:          binary.LittleEndian.Uint16(b[5:7]),
		DFUVersion:            binary.LittleEndian.Uint16(b[7:9]),
	}, true
}

// FindFunctionalDescriptor scans a concatenated descriptor blob (as
// returned in a configuration descriptor) for the DFU functional
// descriptor.
func FindFunctionalDescriptor(blob []byte) (FunctionalDescriptor, bool) {
	for len(blob) >= 2 {
		l := int(blob[0])
		if l < 2 || l > len(blob) {
			return FunctionalDescriptor{}, false
		}
		if fd, ok := ParseFunctionalDescriptor(blob[:l]); ok {
			return fd, true
		}
		blob = blob[l:]
	}
	return FunctionalDescriptor{}, false
}
