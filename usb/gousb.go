package usb

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/dfu-tools/dfud-go/core"
	"github.com/dfu-tools/dfud-go/dfu"
	"github.com/dfu-tools/dfud-go/memorywriter"
)

const (
	dfuSubClass = 0x01

	// bInterfaceProtocol values of a DFU interface
	protocolRuntime = 0x01
	protocolDFUMode = 0x02

	descriptorTypeConfig = 0x02

	getDescriptor = 0x06
)

// GoUSB enumerates DFU-capable interfaces through libusb. One context
// is shared by enumeration and connected ports.
type GoUSB struct {
	ctx *gousb.Context
	mw  *memorywriter.MemoryWriter
}

func InitGoUSB(mw *memorywriter.MemoryWriter) (*GoUSB, error) {
	return &GoUSB{
		ctx: gousb.NewContext(),
		mw:  mw,
	}, nil
}

func (b *GoUSB) Close() {
	_ = b.ctx.Close()
}

func (b *GoUSB) log(s string) {
	b.mw.Log(s)
}

func path(desc *gousb.DeviceDesc, intf int) string {
	return fmt.Sprintf("%d-%d:%d", desc.Bus, desc.Address, intf)
}

// dfuInterface finds the DFU interface of a device, if any. DFU is
// application class 0xfe, subclass 1; protocol tells runtime from DFU
// mode apart.
func dfuInterface(desc *gousb.DeviceDesc) (cfg int, intf int, mode core.DeviceMode, ok bool) {
	for cfgNum, c := range desc.Configs {
		for _, i := range c.Interfaces {
			for _, alt := range i.AltSettings {
				if alt.Class != gousb.ClassApplication || alt.SubClass != dfuSubClass {
					continue
				}
				mode = core.ModeRuntime
				if alt.Protocol == protocolDFUMode {
					mode = core.ModeDFU
				}
				return cfgNum, i.Number, mode, true
			}
		}
	}
	return 0, 0, 0, false
}

func (b *GoUSB) Enumerate() ([]core.USBInfo, error) {
	var infos []core.USBInfo

	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, _, _, ok := dfuInterface(desc)
		return ok
	})
	for _, dev := range devs {
		infos = append(infos, b.describe(dev))
		_ = dev.Close()
	}
	if err != nil {
		b.log("enumerate: " + err.Error())
		if infos == nil {
			return nil, err
		}
	}
	return infos, nil
}

func (b *GoUSB) describe(dev *gousb.Device) core.USBInfo {
	desc := dev.Desc
	cfgNum, intfNum, mode, _ := dfuInterface(desc)

	var alts []core.AltInfo
	for _, i := range desc.Configs[cfgNum].Interfaces {
		if i.Number != intfNum {
			continue
		}
		for _, s := range i.AltSettings {
			name, err := dev.InterfaceDescription(cfgNum, intfNum, s.Alternate)
			if err != nil {
				name = ""
			}
			alts = append(alts, core.AltInfo{Alt: uint8(s.Alternate), Name: name})
		}
	}
	return core.USBInfo{
		Path:      path(desc, intfNum),
		VendorID:  int(desc.Vendor),
		ProductID: int(desc.Product),
		Mode:      mode,
		Alts:      alts,
	}
}

func (b *GoUSB) Has(path string) bool {
	// bus-address:interface, as produced by path() above
	return strings.Count(path, "-") == 1 && strings.Count(path, ":") == 1
}

func (b *GoUSB) Connect(devPath string, alt uint8) (dfu.Port, error) {
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, intf, _, ok := dfuInterface(desc)
		return ok && path(desc, intf) == devPath
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	// close extras; paths should be unique but libusb can glitch
	for _, dev := range devs[1:] {
		_ = dev.Close()
	}

	port, err := b.claim(devs[0], alt)
	if err != nil {
		_ = devs[0].Close()
		return nil, err
	}
	return port, nil
}

func (b *GoUSB) claim(dev *gousb.Device, alt uint8) (*goUSBPort, error) {
	desc := dev.Desc
	cfgNum, intfNum, _, _ := dfuInterface(desc)

	if err := dev.SetAutoDetach(true); err != nil {
		b.log("autodetach: " + err.Error())
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		return nil, fmt.Errorf("claiming config %d: %w", cfgNum, err)
	}
	intf, err := cfg.Interface(intfNum, int(alt))
	if err != nil {
		_ = cfg.Close()
		return nil, fmt.Errorf("claiming interface %d alt %d: %w", intfNum, alt, err)
	}

	altName, err := dev.InterfaceDescription(cfgNum, intfNum, int(alt))
	if err != nil {
		altName = ""
	}
	fd, err := readFunctional(dev, cfgNum)
	if err != nil {
		b.log("functional descriptor: " + err.Error())
	}

	b.log(fmt.Sprintf("claimed %s alt %d (%q)", path(desc, intfNum), alt, altName))
	return &goUSBPort{
		dev:  dev,
		cfg:  cfg,
		intf: intf,
		info: dfu.PortInfo{
			Path:       path(desc, intfNum),
			VendorID:   uint16(desc.Vendor),
			ProductID:  uint16(desc.Product),
			Interface:  uint8(intfNum),
			Alt:        alt,
			AltName:    altName,
			Functional: fd,
		},
		mw: b.mw,
	}, nil
}

// readFunctional fetches the raw configuration descriptor and scans it
// for the DFU functional descriptor. gousb does not expose
// class-specific descriptors, so we go through GET_DESCRIPTOR
// ourselves.
func readFunctional(dev *gousb.Device, cfgNum int) (dfu.FunctionalDescriptor, error) {
	// configuration descriptors are fetched by zero-based index, while
	// bConfigurationValue numbers from 1
	index := uint16(0)
	if cfgNum > 0 {
		index = uint16(cfgNum - 1)
	}
	value := uint16(descriptorTypeConfig)<<8 | index

	head := make([]byte, 4)
	rt := gousb.ControlIn | gousb.ControlDevice
	if _, err := dev.Control(rt, getDescriptor, value, 0, head); err != nil {
		return dfu.FunctionalDescriptor{}, err
	}
	total := int(binary.LittleEndian.Uint16(head[2:4]))
	blob := make([]byte, total)
	n, err := dev.Control(rt, getDescriptor, value, 0, blob)
	if err != nil {
		return dfu.FunctionalDescriptor{}, err
	}
	fd, ok := dfu.FindFunctionalDescriptor(blob[:n])
	if !ok {
		return dfu.FunctionalDescriptor{}, fmt.Errorf("no functional descriptor in %d descriptor bytes", n)
	}
	return fd, nil
}

// goUSBPort is one claimed DFU interface. Control transfers are
// serialized; the engine never issues them concurrently but Release
// can race a slow transfer.
type goUSBPort struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	info dfu.PortInfo
	mw   *memorywriter.MemoryWriter

	mutex  sync.Mutex
	closed bool
}

func (p *goUSBPort) Info() dfu.PortInfo {
	return p.info
}

func (p *goUSBPort) ControlTransfer(requestType uint8, request dfu.Request, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return 0, errClosedDevice
	}
	p.dev.ControlTimeout = timeout
	return p.dev.Control(requestType, uint8(request), value, index, data)
}

func (p *goUSBPort) ReadStatus(timeout time.Duration) ([]byte, error) {
	buf := make([]byte, dfu.StatusLen)
	n, err := p.ControlTransfer(dfu.RequestTypeIn, dfu.RequestGetStatus, 0, uint16(p.info.Interface), buf, timeout)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (p *goUSBPort) Reset() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return errClosedDevice
	}
	return p.dev.Reset()
}

func (p *goUSBPort) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.mw.Log("closing " + p.info.Path)
	p.intf.Close()
	_ = p.cfg.Close()
	return p.dev.Close()
}

var errClosedDevice = fmt.Errorf("closed device")
