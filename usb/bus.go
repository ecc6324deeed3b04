package usb

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/dfu-tools/dfud-go/core"
	"github.com/dfu-tools/dfud-go/dfu"
)

var ErrNotFound = fmt.Errorf("device not found")

// USB aggregates several buses (the real gousb one, the emulator)
// behind the single core.DFUBus the session controller uses.
type USB struct {
	buses []core.DFUBus
}

func Init(buses ...core.DFUBus) *USB {
	return &USB{
		buses: buses,
	}
}

func (b *USB) Has(path string) bool {
	for _, b := range b.buses {
		if b.Has(path) {
			return true
		}
	}
	return false
}

// Enumerate lists devices from every bus. A bus that fails does not
// hide the devices of the others; its error is collected and returned
// alongside whatever was found.
func (b *USB) Enumerate() ([]core.USBInfo, error) {
	var infos []core.USBInfo
	var errs error

	for _, b := range b.buses {
		l, err := b.Enumerate()
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		infos = append(infos, l...)
	}
	if infos == nil && errs != nil {
		return nil, errs
	}
	return infos, nil
}

func (b *USB) Connect(path string, alt uint8) (dfu.Port, error) {
	for _, b := range b.buses {
		if b.Has(path) {
			return b.Connect(path, alt)
		}
	}
	return nil, ErrNotFound
}
