package dfu

// Request codes defined by the USB DFU 1.1 class specification.
type Request uint8

const (
	RequestDetach    Request = 0
	RequestDnload    Request = 1
	RequestUpload    Request = 2
	RequestGetStatus Request = 3
	RequestClrStatus Request = 4
	RequestGetState  Request = 5
	RequestAbort     Request = 6
)

func (r Request) String() string {
	switch r {
	case RequestDetach:
		return "DFU_DETACH"
	case RequestDnload:
		return "DFU_DNLOAD"
	case RequestUpload:
		return "DFU_UPLOAD"
	case RequestGetStatus:
		return "DFU_GETSTATUS"
	case RequestClrStatus:
		return "DFU_CLRSTATUS"
	case RequestGetState:
		return "DFU_GETSTATE"
	case RequestAbort:
		return "DFU_ABORT"
	}
	return "DFU_UNKNOWN"
}

// bmRequestType values for DFU class requests on an interface.
const (
	RequestTypeOut = 0x21 // host to device, class, interface
	RequestTypeIn  = 0xa1 // device to host, class, interface
)

// State is the device-side DFU state as reported by DFU_GETSTATUS or
// DFU_GETSTATE. The host never sets it speculatively; it only ever
// mirrors what the device last reported.
type State uint8

const (
	StateAppIdle              State = 0
	StateAppDetach            State = 1
	StateDfuIdle              State = 2
	StateDfuDnloadSync        State = 3
	StateDfuDnbusy            State = 4
	StateDfuDnloadIdle        State = 5
	StateDfuManifestSync      State = 6
	StateDfuManifest          State = 7
	StateDfuManifestWaitReset State = 8
	StateDfuUploadIdle        State = 9
	StateDfuError             State = 10
)

func (s State) String() string {
	switch s {
	case StateAppIdle:
		return "appIDLE"
	case StateAppDetach:
		return "appDETACH"
	case StateDfuIdle:
		return "dfuIDLE"
	case StateDfuDnloadSync:
		return "dfuDNLOAD-SYNC"
	case StateDfuDnbusy:
		return "dfuDNBUSY"
	case StateDfuDnloadIdle:
		return "dfuDNLOAD-IDLE"
	case StateDfuManifestSync:
		return "dfuMANIFEST-SYNC"
	case StateDfuManifest:
		return "dfuMANIFEST"
	case StateDfuManifestWaitReset:
		return "dfuMANIFEST-WAIT-RESET"
	case StateDfuUploadIdle:
		return "dfuUPLOAD-IDLE"
	case StateDfuError:
		return "dfuERROR"
	}
	return "UNKNOWN"
}

// appMode reports whether the device is still running application
// firmware and must be detached before DFU transfers can start.
func (s State) appMode() bool {
	return s == StateAppIdle || s == StateAppDetach
}

// busy reports whether the host must keep polling status before it may
// issue another transfer.
func (s State) busy() bool {
	switch s {
	case StateDfuDnloadSync, StateDfuDnbusy, StateDfuManifestSync, StateDfuManifest:
		return true
	}
	return false
}

// ErrCode is the device-reported error from the bStatus field.
type ErrCode uint8

const (
	ErrOK          ErrCode = 0x00
	ErrTarget      ErrCode = 0x01
	ErrFile        ErrCode = 0x02
	ErrWrite       ErrCode = 0x03
	ErrErase       ErrCode = 0x04
	ErrCheckErased ErrCode = 0x05
	ErrProg        ErrCode = 0x06
	ErrVerify      ErrCode = 0x07
	ErrAddress     ErrCode = 0x08
	ErrNotDone     ErrCode = 0x09
	ErrFirmware    ErrCode = 0x0a
	ErrVendor      ErrCode = 0x0b
	ErrUsbReset    ErrCode = 0x0c
	ErrPowerOnRst  ErrCode = 0x0d
	ErrUnknownDev  ErrCode = 0x0e
	ErrStalledPkt  ErrCode = 0x0f
)

// lastKnownErrCode is the highest code the DFU 1.1 spec defines. Codes
// above it are vendor specific and decode as "unknown", not as a
// protocol violation.
const lastKnownErrCode = ErrStalledPkt

func (e ErrCode) String() string {
	switch e {
	case ErrOK:
		return "OK"
	case ErrTarget:
		return "errTARGET"
	case ErrFile:
		return "errFILE"
	case ErrWrite:
		return "errWRITE"
	case ErrErase:
		return "errERASE"
	case ErrCheckErased:
		return "errCHECK_ERASED"
	case ErrProg:
		return "errPROG"
	case ErrVerify:
		return "errVERIFY"
	case ErrAddress:
		return "errADDRESS"
	case ErrNotDone:
		return "errNOTDONE"
	case ErrFirmware:
		return "errFIRMWARE"
	case ErrVendor:
		return "errVENDOR"
	case ErrUsbReset:
		return "errUSBR"
	case ErrPowerOnRst:
		return "errPOR"
	case ErrUnknownDev:
		return "errUNKNOWN"
	case ErrStalledPkt:
		return "errSTALLEDPKT"
	}
	return "errVENDOR-SPECIFIC"
}

// Known reports whether the code is one the DFU 1.1 spec enumerates.
func (e ErrCode) Known() bool {
	return e <= lastKnownErrCode
}

// DFU version numbers reported in the functional descriptor bcdDFU
// field. VersionDfuSe marks the STMicroelectronics extension that adds
// the command phase and addressed transfers.
const (
	Version1_0   = 0x0100
	Version1_1   = 0x0110
	VersionDfuSe = 0x011a
)
