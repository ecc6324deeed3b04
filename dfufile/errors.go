package dfufile

import "fmt"

// MalformedImageError reports a structurally invalid image or
// container.
type MalformedImageError struct {
	Reason string
}

func (e *MalformedImageError) Error() string {
	return "malformed image: " + e.Reason
}

// IntegrityError reports a CRC mismatch on the container suffix. It is
// detected at parse time, before any transfer begins.
type IntegrityError struct {
	Want uint32
	Got  uint32
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("suffix CRC mismatch: file claims 0x%08x, computed 0x%08x", e.Want, e.Got)
}
