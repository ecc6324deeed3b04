package core

import (
	"errors"

	"github.com/dfu-tools/dfud-go/dfu"
	"github.com/dfu-tools/dfud-go/dfufile"
)

// OutcomeStatus is the terminal classification of one session
// operation.
type OutcomeStatus int

const (
	// StatusSuccess: the full transfer completed.
	StatusSuccess OutcomeStatus = iota
	// StatusAborted: the session stopped without the device rejecting
	// anything - transport loss, protocol violation, cancellation or
	// deadline. The reason error tells them apart.
	StatusAborted
	// StatusDeviceFault: the device itself reported an error that
	// survived the one-shot recovery.
	StatusDeviceFault
)

func (s OutcomeStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusAborted:
		return "aborted"
	case StatusDeviceFault:
		return "device fault"
	}
	return "unknown"
}

// Outcome is the result of one download or upload operation. Created
// once, never mutated.
type Outcome struct {
	Status           OutcomeStatus
	BytesTransferred uint64

	// Err is nil on success; otherwise the classified engine error,
	// preserved so callers can distinguish causes with errors.As.
	Err error

	// Image carries the assembled firmware on a successful upload.
	Image *dfufile.Image
}

// ExitCode maps the outcome onto the process exit code contract:
// 0 success, 1 aborted, 2 device fault, 3 deadline expired.
func (o Outcome) ExitCode() int {
	switch o.Status {
	case StatusSuccess:
		return 0
	case StatusDeviceFault:
		return 2
	}
	var dl *dfu.DeadlineError
	if errors.As(o.Err, &dl) {
		return 3
	}
	return 1
}

func makeOutcome(err error, bytes uint64) Outcome {
	if err == nil {
		return Outcome{Status: StatusSuccess, BytesTransferred: bytes}
	}
	var devErr *dfu.DeviceError
	if errors.As(err, &devErr) {
		return Outcome{Status: StatusDeviceFault, BytesTransferred: bytes, Err: err}
	}
	return Outcome{Status: StatusAborted, BytesTransferred: bytes, Err: err}
}
