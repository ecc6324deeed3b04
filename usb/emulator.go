package usb

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/dfu-tools/dfud-go/core"
	"github.com/dfu-tools/dfud-go/dfu"
)

const emulatorPath = "emulator"

// Emulator is an in-process DFU device. It speaks plain DFU well
// enough to run whole download/upload sessions against it, which is
// what the daemon's emulator mode and the package tests do instead of
// requiring hardware.
type Emulator struct {
	dev *EmulatorDevice
}

// EmulatorDevice holds the simulated device state. Firmware written to
// it can be read back; BusyPolls status reads report dfuDNBUSY before
// each write completes.
type EmulatorDevice struct {
	mutex sync.Mutex

	state dfu.State
	code  dfu.ErrCode

	firmware []byte
	written  []byte

	// BusyPolls makes every DNLOAD block report busy this many times
	// before settling, exercising the host's poll discipline.
	BusyPolls int
	busyLeft  int

	// FailOnBlock makes the DNLOAD of that block number land in
	// dfuERROR with errWRITE instead of being written; -1 disables.
	// FailTwice fails the host's one retry of the block as well.
	FailOnBlock int
	FailTwice   bool
	failCount   int

	// PollTimeout is what busy statuses advertise.
	PollTimeout time.Duration

	functional dfu.FunctionalDescriptor

	uploadOff int
	resets    int
}

func InitEmulator(firmware []byte) *Emulator {
	return &Emulator{
		dev: &EmulatorDevice{
			state:       dfu.StateDfuIdle,
			firmware:    firmware,
			FailOnBlock: -1,
			PollTimeout: 5 * time.Millisecond,
			functional: dfu.FunctionalDescriptor{
				CanDnload:             true,
				CanUpload:             true,
				ManifestationTolerant: true,
				TransferSize:          1024,
				DFUVersion:            dfu.Version1_1,
			},
		},
	}
}

// Device exposes the simulated device for test assertions.
func (b *Emulator) Device() *EmulatorDevice {
	return b.dev
}

func (b *Emulator) Enumerate() ([]core.USBInfo, error) {
	return []core.USBInfo{{
		Path:      emulatorPath,
		VendorID:  0x0483,
		ProductID: 0xdf11,
		Mode:      core.ModeDFU,
		Alts:      []core.AltInfo{{Alt: 0, Name: "Emulated Flash"}},
	}}, nil
}

func (b *Emulator) Has(path string) bool {
	return path == emulatorPath
}

func (b *Emulator) Connect(path string, alt uint8) (dfu.Port, error) {
	if path != emulatorPath {
		return nil, ErrNotFound
	}
	if alt != 0 {
		return nil, fmt.Errorf("emulator has no alt %d", alt)
	}
	return &emulatorPort{dev: b.dev}, nil
}

type emulatorPort struct {
	dev    *EmulatorDevice
	closed bool
}

func (p *emulatorPort) Info() dfu.PortInfo {
	return dfu.PortInfo{
		Path:       emulatorPath,
		VendorID:   0x0483,
		ProductID:  0xdf11,
		AltName:    "Emulated Flash",
		Functional: p.dev.functional,
	}
}

func (p *emulatorPort) Close() error {
	p.closed = true
	return nil
}

func (p *emulatorPort) Reset() error {
	d := p.dev
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.resets++
	d.state = dfu.StateDfuIdle
	d.code = dfu.ErrOK
	d.uploadOff = 0
	return nil
}

// Written is the firmware image assembled from DNLOAD blocks since the
// last manifestation.
func (d *EmulatorDevice) Written() []byte {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]byte(nil), d.written...)
}

func (d *EmulatorDevice) Resets() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.resets
}

func (p *emulatorPort) ControlTransfer(requestType uint8, request dfu.Request, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	if p.closed {
		return 0, errClosedDevice
	}
	d := p.dev
	d.mutex.Lock()
	defer d.mutex.Unlock()

	switch request {
	case dfu.RequestDnload:
		if requestType != dfu.RequestTypeOut {
			return 0, fmt.Errorf("dnload with request type %#x", requestType)
		}
		return d.dnload(value, data)
	case dfu.RequestUpload:
		if requestType != dfu.RequestTypeIn {
			return 0, fmt.Errorf("upload with request type %#x", requestType)
		}
		return d.upload(data)
	case dfu.RequestClrStatus:
		d.state = dfu.StateDfuIdle
		d.code = dfu.ErrOK
		return 0, nil
	case dfu.RequestAbort:
		d.state = dfu.StateDfuIdle
		d.uploadOff = 0
		return 0, nil
	case dfu.RequestGetState:
		if len(data) < 1 {
			return 0, fmt.Errorf("short getstate buffer")
		}
		data[0] = byte(d.state)
		return 1, nil
	case dfu.RequestDetach:
		// already in DFU mode; a real device would stall here
		return 0, fmt.Errorf("stall")
	}
	return 0, fmt.Errorf("unhandled request %s", request)
}

func (d *EmulatorDevice) dnload(block uint16, data []byte) (int, error) {
	switch d.state {
	case dfu.StateDfuIdle:
		if len(data) == 0 {
			d.state = dfu.StateDfuError
			d.code = dfu.ErrStalledPkt
			return 0, fmt.Errorf("stall")
		}
		// a retried block after CLRSTATUS arrives from idle too; only
		// a fresh transfer starts the buffer over
		if block == 0 {
			d.written = nil
		}
	case dfu.StateDfuDnloadIdle:
	default:
		d.state = dfu.StateDfuError
		d.code = dfu.ErrStalledPkt
		return 0, fmt.Errorf("stall")
	}
	if len(data) == 0 {
		d.state = dfu.StateDfuManifestSync
		d.firmware = append([]byte(nil), d.written...)
		return 0, nil
	}
	if int(block) == d.FailOnBlock {
		d.failCount++
		if d.failCount == 1 || d.FailTwice && d.failCount == 2 {
			// the transfer itself is accepted; programming fails and
			// the next status read reports it
			d.state = dfu.StateDfuError
			d.code = dfu.ErrWrite
			return len(data), nil
		}
	}
	d.written = append(d.written, data...)
	d.state = dfu.StateDfuDnloadSync
	d.busyLeft = d.BusyPolls
	return len(data), nil
}

func (d *EmulatorDevice) upload(buf []byte) (int, error) {
	switch d.state {
	case dfu.StateDfuIdle:
		d.uploadOff = 0
	case dfu.StateDfuUploadIdle:
	default:
		d.state = dfu.StateDfuError
		d.code = dfu.ErrStalledPkt
		return 0, fmt.Errorf("stall")
	}
	n := copy(buf, d.firmware[d.uploadOff:])
	d.uploadOff += n
	if n < len(buf) {
		d.state = dfu.StateDfuIdle
		d.uploadOff = 0
	} else {
		d.state = dfu.StateDfuUploadIdle
	}
	return n, nil
}

func (p *emulatorPort) ReadStatus(timeout time.Duration) ([]byte, error) {
	if p.closed {
		return nil, errClosedDevice
	}
	d := p.dev
	d.mutex.Lock()
	defer d.mutex.Unlock()

	poll := time.Duration(0)
	report := d.state
	switch d.state {
	case dfu.StateDfuDnloadSync:
		if d.busyLeft > 0 {
			// claim busy but stay in sync so the next poll decrements
			d.busyLeft--
			report = dfu.StateDfuDnbusy
			poll = d.PollTimeout
		} else {
			d.state = dfu.StateDfuDnloadIdle
			report = d.state
		}
	case dfu.StateDfuManifestSync:
		d.state = dfu.StateDfuIdle
		report = d.state
	}

	out := make([]byte, dfu.StatusLen)
	out[0] = byte(d.code)
	ms := uint32(poll / time.Millisecond)
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], ms)
	copy(out[1:4], le[:3])
	out[4] = byte(report)
	return out, nil
}
