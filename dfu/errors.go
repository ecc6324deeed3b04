package dfu

import (
	"fmt"
	"time"
)

// The engine classifies every failure into one of a closed set of error
// types so that callers can map them to a session outcome without
// string matching. All types support errors.As through any wrapping
// added by upper layers.

// TransportError wraps a raw USB I/O failure (disconnect, stall,
// permission). It is always fatal to the running session; the engine
// never retries it on its own.
type TransportError struct {
	Op  string // the DFU request being issued
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError indicates a device response that violates the expected
// DFU framing or sequencing. Fatal; the device is incompatible.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol violation: " + e.Reason
}

// DeviceError is a device-reported application error, carrying enough
// context for diagnostics: the decoded code, the state the device was
// in, and the block the engine was transferring.
type DeviceError struct {
	Code  ErrCode
	State State
	Block uint16
}

func (e *DeviceError) Error() string {
	if !e.Code.Known() {
		return fmt.Sprintf("device error 0x%02x (vendor specific) in %s at block %d",
			uint8(e.Code), e.State, e.Block)
	}
	return fmt.Sprintf("device error %s in %s at block %d", e.Code, e.State, e.Block)
}

// DeadlineError reports that the overall operation deadline elapsed
// while the device was still busy.
type DeadlineError struct {
	State   State
	Block   uint16
	Elapsed time.Duration
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("deadline exceeded after %s waiting in %s at block %d",
		e.Elapsed.Round(time.Millisecond), e.State, e.Block)
}
