package core_test

import (
	"bytes"
	"context"
	"errors"
	"hash/crc32"
	"testing"
	"time"

	"github.com/dfu-tools/dfud-go/core"
	"github.com/dfu-tools/dfud-go/dfu"
	"github.com/dfu-tools/dfud-go/dfufile"
	"github.com/dfu-tools/dfud-go/memorywriter"
	"github.com/dfu-tools/dfud-go/usb"
)

// newTestCore wires a Core over the emulator bus with sleeps disabled,
// so busy polls run at full speed.
func newTestCore(t *testing.T, firmware []byte) (*core.Core, *usb.Emulator) {
	t.Helper()
	mw, err := memorywriter.New(90000, 200, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	b := usb.InitEmulator(firmware)
	noSleep := func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	c := core.New(b, mw, dfu.WithSleep(noSleep))
	return c, b
}

func acquireEmulator(t *testing.T, c *core.Core) string {
	t.Helper()
	id, err := c.Acquire("emulator", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestAcquireReleaseLifecycle(t *testing.T) {
	c, _ := newTestCore(t, nil)

	entries, err := c.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("enumerated %d entries, want 1", len(entries))
	}
	if entries[0].Session != nil {
		t.Error("fresh device already has a session")
	}
	if entries[0].Mode != "dfu" {
		t.Errorf("emulator mode = %q", entries[0].Mode)
	}

	id := acquireEmulator(t, c)

	entries, err = c.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Session == nil || *entries[0].Session != id {
		t.Error("enumerate does not show the acquired session")
	}

	if err := c.Release(id); err != nil {
		t.Fatal(err)
	}
	if err := c.Release(id); !errors.Is(err, core.ErrSessionNotFound) {
		t.Errorf("double release error = %v", err)
	}
}

func TestAcquireWrongPrevSession(t *testing.T) {
	c, _ := newTestCore(t, nil)
	id := acquireEmulator(t, c)

	if _, err := c.Acquire("emulator", "", 0); !errors.Is(err, core.ErrWrongPrevSession) {
		t.Errorf("steal without prev: error = %v", err)
	}

	// naming the current session takes the device over
	id2, err := c.Acquire("emulator", id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if id2 == id {
		t.Error("takeover reused the session id")
	}
}

func TestDownloadWritesFirmware(t *testing.T) {
	c, b := newTestCore(t, nil)
	id := acquireEmulator(t, c)

	data := bytes.Repeat([]byte{0x5a}, 3000) // spans three transfer-size chunks
	img, err := dfufile.ParseRaw(data, 0)
	if err != nil {
		t.Fatal(err)
	}

	var phases []core.Phase
	out := c.Download(context.Background(), id, img, func(p core.Progress) {
		if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
			phases = append(phases, p.Phase)
		}
	})
	if out.Status != core.StatusSuccess {
		t.Fatalf("download failed: %v", out.Err)
	}
	if out.BytesTransferred != uint64(len(data)) {
		t.Errorf("transferred %d bytes, want %d", out.BytesTransferred, len(data))
	}
	if !bytes.Equal(b.Device().Written(), data) {
		t.Error("device firmware does not match the image")
	}

	want := []core.Phase{core.PhasePreparing, core.PhaseDownloading, core.PhaseManifesting, core.PhaseComplete}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phases = %v, want %v", phases, want)
		}
	}

	p, err := c.Progress(id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Phase != core.PhaseComplete || p.Percentage != 100 {
		t.Errorf("final progress = %+v", p)
	}
}

func TestDownloadBusyDevice(t *testing.T) {
	c, b := newTestCore(t, nil)
	b.Device().BusyPolls = 3
	id := acquireEmulator(t, c)

	data := []byte{1, 2, 3, 4, 5}
	img, err := dfufile.ParseRaw(data, 0)
	if err != nil {
		t.Fatal(err)
	}
	out := c.Download(context.Background(), id, img, nil)
	if out.Status != core.StatusSuccess {
		t.Fatalf("download against busy device failed: %v", out.Err)
	}
	if !bytes.Equal(b.Device().Written(), data) {
		t.Error("device firmware does not match the image")
	}
}

func TestUploadRoundTrip(t *testing.T) {
	firmware := bytes.Repeat([]byte{0xc3}, 2500)
	c, _ := newTestCore(t, firmware)
	id := acquireEmulator(t, c)

	out := c.Upload(context.Background(), id, 0x08000000, 0, nil)
	if out.Status != core.StatusSuccess {
		t.Fatalf("upload failed: %v", out.Err)
	}
	if out.Image == nil {
		t.Fatal("successful upload has no image")
	}
	segs := out.Image.Segments()
	if len(segs) != 1 {
		t.Fatalf("uploaded image has %d segments", len(segs))
	}
	if segs[0].Start != 0x08000000 {
		t.Errorf("segment start = %#x", segs[0].Start)
	}
	if !bytes.Equal(segs[0].Data, firmware) {
		t.Error("uploaded data does not match device firmware")
	}
}

func TestUploadSizeHintTrims(t *testing.T) {
	firmware := bytes.Repeat([]byte{0xee}, 4096)
	c, _ := newTestCore(t, firmware)
	id := acquireEmulator(t, c)

	out := c.Upload(context.Background(), id, 0, 100, nil)
	if out.Status != core.StatusSuccess {
		t.Fatalf("upload failed: %v", out.Err)
	}
	if out.BytesTransferred != 100 {
		t.Errorf("transferred %d bytes, want the 100-byte hint", out.BytesTransferred)
	}
	if got := out.Image.TotalSize(); got != 100 {
		t.Errorf("image size = %d after trim", got)
	}
}

func TestOperationsOnUnknownSession(t *testing.T) {
	c, _ := newTestCore(t, nil)

	img, _ := dfufile.ParseRaw([]byte{1}, 0)
	out := c.Download(context.Background(), "nonsense", img, nil)
	if !errors.Is(out.Err, core.ErrSessionNotFound) {
		t.Errorf("download error = %v", out.Err)
	}
	out = c.Upload(context.Background(), "nonsense", 0, 0, nil)
	if !errors.Is(out.Err, core.ErrSessionNotFound) {
		t.Errorf("upload error = %v", out.Err)
	}
	if _, err := c.Progress("nonsense"); !errors.Is(err, core.ErrSessionNotFound) {
		t.Errorf("progress error = %v", err)
	}
}

func TestDownloadRecoversFromDeviceFault(t *testing.T) {
	c, b := newTestCore(t, nil)
	b.Device().FailOnBlock = 1
	id := acquireEmulator(t, c)

	data := bytes.Repeat([]byte{0x42}, 3000)
	img, err := dfufile.ParseRaw(data, 0)
	if err != nil {
		t.Fatal(err)
	}
	out := c.Download(context.Background(), id, img, nil)
	if out.Status != core.StatusSuccess {
		t.Fatalf("download did not recover from single fault: %v", out.Err)
	}
	if out.BytesTransferred != uint64(len(data)) {
		t.Errorf("transferred %d bytes, want the full %d", out.BytesTransferred, len(data))
	}
	if !bytes.Equal(b.Device().Written(), data) {
		t.Error("device firmware does not match the image after recovery")
	}
}

func TestDownloadDeviceFaultKeepsPartialCount(t *testing.T) {
	c, b := newTestCore(t, nil)
	dev := b.Device()
	dev.FailOnBlock = 1
	dev.FailTwice = true
	id := acquireEmulator(t, c)

	data := bytes.Repeat([]byte{0x42}, 3000)
	img, err := dfufile.ParseRaw(data, 0)
	if err != nil {
		t.Fatal(err)
	}
	out := c.Download(context.Background(), id, img, nil)
	if out.Status != core.StatusDeviceFault {
		t.Fatalf("status = %v, err %v", out.Status, out.Err)
	}
	if out.BytesTransferred != 1024 {
		t.Errorf("partial count = %d, want only the completed block", out.BytesTransferred)
	}
	var devErr *dfu.DeviceError
	if !errors.As(out.Err, &devErr) {
		t.Fatalf("outcome error = %v, want DeviceError", out.Err)
	}
	if devErr.Code != dfu.ErrWrite {
		t.Errorf("device error code = %s", devErr.Code)
	}
	if out.ExitCode() != 2 {
		t.Errorf("exit code = %d", out.ExitCode())
	}

	// the failure cleanup cleared the latched error, so the same
	// session can run the transfer again
	dev.FailOnBlock = -1
	out = c.Download(context.Background(), id, img, nil)
	if out.Status != core.StatusSuccess {
		t.Fatalf("retry after fault failed: %v", out.Err)
	}
	if !bytes.Equal(b.Device().Written(), data) {
		t.Error("device firmware does not match the image after retry")
	}
}

func TestUploadCancelLeavesDeviceIdle(t *testing.T) {
	firmware := bytes.Repeat([]byte{0x9d}, 3000)
	c, _ := newTestCore(t, firmware)
	id := acquireEmulator(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := c.Upload(ctx, id, 0, 0, func(p core.Progress) {
		if p.BytesTransferred >= 1024 {
			cancel()
		}
	})
	if out.Status != core.StatusAborted {
		t.Fatalf("cancelled upload status = %v, err %v", out.Status, out.Err)
	}
	if !errors.Is(out.Err, context.Canceled) {
		t.Errorf("cancelled upload error = %v", out.Err)
	}
	if out.BytesTransferred != 1024 {
		t.Errorf("partial count = %d, want the one completed block", out.BytesTransferred)
	}

	// the abort cleanup returned the device to idle, so a fresh upload
	// starts from the beginning again
	out = c.Upload(context.Background(), id, 0, 0, nil)
	if out.Status != core.StatusSuccess {
		t.Fatalf("upload after cancel failed: %v", out.Err)
	}
	if got := out.Image.TotalSize(); got != uint64(len(firmware)) {
		t.Errorf("second upload read %d bytes, want %d from the start", got, len(firmware))
	}
}

func TestDownloadCancelBetweenBlocks(t *testing.T) {
	c, _ := newTestCore(t, nil)
	id := acquireEmulator(t, c)

	img, err := dfufile.ParseRaw(bytes.Repeat([]byte{7}, 3000), 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := c.Download(ctx, id, img, func(p core.Progress) {
		if p.Phase == core.PhaseDownloading && p.BytesTransferred >= 1024 {
			cancel()
		}
	})
	if out.Status != core.StatusAborted {
		t.Fatalf("cancelled download status = %v, err %v", out.Status, out.Err)
	}
	if !errors.Is(out.Err, context.Canceled) {
		t.Errorf("cancelled download error = %v", out.Err)
	}
	if out.BytesTransferred != 1024 {
		t.Errorf("partial count = %d, want the one completed block", out.BytesTransferred)
	}
}

// vanishingBus hides its device from enumeration on demand, standing in
// for a physical unplug.
type vanishingBus struct {
	inner core.DFUBus
	gone  bool
}

func (b *vanishingBus) Enumerate() ([]core.USBInfo, error) {
	if b.gone {
		return nil, nil
	}
	return b.inner.Enumerate()
}

func (b *vanishingBus) Connect(path string, alt uint8) (dfu.Port, error) {
	return b.inner.Connect(path, alt)
}

func (b *vanishingBus) Has(path string) bool { return b.inner.Has(path) }

func TestEnumerateReleasesDisconnected(t *testing.T) {
	mw, err := memorywriter.New(90000, 200, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	bus := &vanishingBus{inner: usb.InitEmulator(nil)}
	c := core.New(bus, mw)
	id := acquireEmulator(t, c)

	bus.gone = true
	entries, err := c.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("unplugged bus still enumerates %d entries", len(entries))
	}
	if err := c.Release(id); !errors.Is(err, core.ErrSessionNotFound) {
		t.Errorf("session survived the unplug: release error = %v", err)
	}
}

func TestListenReturnsOnChange(t *testing.T) {
	c, _ := newTestCore(t, nil)

	// a client holding a stale empty list hears about the device at once
	entries, err := c.Listen(context.Background(), core.EnumerateEntries{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("listen returned %d entries, want 1", len(entries))
	}

	// an up-to-date client whose connection dies gets nil back
	current, err := c.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	entries, err = c.Listen(ctx, current)
	if err != nil {
		t.Fatal(err)
	}
	if entries != nil {
		t.Errorf("listen after disconnect returned %v", entries)
	}
}

func TestDownloadRejectsMultiSegmentOnPlainDFU(t *testing.T) {
	c, _ := newTestCore(t, nil)
	id := acquireEmulator(t, c)

	f, err := dfufile.ParseDfuSe(twoSegmentContainer())
	if err != nil {
		t.Fatal(err)
	}
	img, err := f.Target(0)
	if err != nil {
		t.Fatal(err)
	}
	out := c.Download(context.Background(), id, img, nil)
	if out.Status == core.StatusSuccess {
		t.Fatal("plain DFU device accepted an addressed multi-segment image")
	}
	if out.BytesTransferred != 0 {
		t.Errorf("rejected download reported %d bytes", out.BytesTransferred)
	}
}

// twoSegmentContainer builds a minimal DfuSe container with one target
// holding two addressed elements.
func twoSegmentContainer() []byte {
	le16 := func(b *bytes.Buffer, v uint16) {
		b.WriteByte(byte(v))
		b.WriteByte(byte(v >> 8))
	}
	le32 := func(b *bytes.Buffer, v uint32) {
		le16(b, uint16(v))
		le16(b, uint16(v>>16))
	}

	var elements bytes.Buffer
	for _, seg := range []struct {
		addr uint32
		data []byte
	}{
		{0x08000000, []byte{1, 2, 3, 4}},
		{0x08004000, []byte{5, 6}},
	} {
		le32(&elements, seg.addr)
		le32(&elements, uint32(len(seg.data)))
		elements.Write(seg.data)
	}

	var body bytes.Buffer
	body.WriteString("DfuSe")
	body.WriteByte(0x01)
	le32(&body, uint32(11+274+elements.Len()))
	body.WriteByte(1) // one target

	body.WriteString("Target")
	body.WriteByte(0)            // alt
	le32(&body, 0)               // unnamed
	body.Write(make([]byte, 255))
	le32(&body, uint32(elements.Len()))
	le32(&body, 2) // two elements
	body.Write(elements.Bytes())

	le16(&body, 0xffff) // bcdDevice
	le16(&body, 0xffff) // idProduct
	le16(&body, 0xffff) // idVendor
	le16(&body, 0x011a) // bcdDFU
	body.WriteString("UFD")
	body.WriteByte(16)
	crc := 0xffffffff ^ crc32.ChecksumIEEE(body.Bytes())
	le32(&body, crc)

	return body.Bytes()
}
