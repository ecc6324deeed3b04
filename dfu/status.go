package dfu

import (
	"fmt"
	"time"
)

// StatusLen is the length of a DFU_GETSTATUS response.
const StatusLen = 6

// Status is one decoded DFU_GETSTATUS response. It is produced fresh on
// every poll and never mutated; every engine decision keys off the most
// recent one.
type Status struct {
	State State
	Code  ErrCode

	// PollTimeout is the minimum time the host must wait before the
	// next status query while the device is busy. Querying sooner risks
	// reading a stale status mid-erase.
	PollTimeout time.Duration
}

// DecodeStatus decodes the raw DFU_GETSTATUS payload:
//
//	byte 0    bStatus
//	bytes 1-3 bwPollTimeout, 24-bit little endian, milliseconds
//	byte 4    bState
//	byte 5    iString (ignored)
//
// A short buffer or an out-of-range state is a protocol violation. An
// unrecognized bStatus is not: devices are allowed vendor-specific
// codes, so it decodes as-is and ErrCode.Known reports false.
func DecodeStatus(raw []byte) (Status, error) {
	if len(raw) < StatusLen {
		return Status{}, &ProtocolError{
			Reason: fmt.Sprintf("status response is %d bytes, want %d", len(raw), StatusLen),
		}
	}
	state := State(raw[4])
	if state > StateDfuError {
		return Status{}, &ProtocolError{
			Reason: fmt.Sprintf("status reports state %d, outside the DFU state set", raw[4]),
		}
	}
	ms := uint32(raw[1]) | uint32(raw[2])<<8 | uint32(raw[3])<<16
	return Status{
		State:       state,
		Code:        ErrCode(raw[0]),
		PollTimeout: time.Duration(ms) * time.Millisecond,
	}, nil
}

// Err converts a status into a DeviceError when the device reports one,
// or nil. block is attached for diagnostics.
func (s Status) Err(block uint16) error {
	if s.State != StateDfuError && s.Code == ErrOK {
		return nil
	}
	return &DeviceError{Code: s.Code, State: s.State, Block: block}
}
