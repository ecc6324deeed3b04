package dfu

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeStatus(t *testing.T) {
	st, err := DecodeStatus([]byte{0x00, 0xe8, 0x03, 0x00, byte(StateDfuDnbusy), 0x00})
	if err != nil {
		t.Fatalf("DecodeStatus: %v", err)
	}
	if st.Code != ErrOK {
		t.Errorf("code %s, want OK", st.Code)
	}
	if st.State != StateDfuDnbusy {
		t.Errorf("state %s, want dfuDNBUSY", st.State)
	}
	if st.PollTimeout != 1000*time.Millisecond {
		t.Errorf("poll timeout %s, want 1s", st.PollTimeout)
	}
}

func TestDecodeStatus24BitTimeout(t *testing.T) {
	// bwPollTimeout is a 24-bit little-endian field, not 16
	st, err := DecodeStatus([]byte{0x00, 0x00, 0x00, 0x01, byte(StateDfuDnbusy), 0x00})
	if err != nil {
		t.Fatalf("DecodeStatus: %v", err)
	}
	want := time.Duration(0x010000) * time.Millisecond
	if st.PollTimeout != want {
		t.Errorf("poll timeout %s, want %s", st.PollTimeout, want)
	}
}

func TestDecodeStatusShortBuffer(t *testing.T) {
	_, err := DecodeStatus([]byte{0x00, 0x00, 0x00})
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProtocolError for a short response, got %v", err)
	}
}

func TestDecodeStatusInvalidState(t *testing.T) {
	_, err := DecodeStatus([]byte{0x00, 0x00, 0x00, 0x00, 0x20, 0x00})
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProtocolError for state 0x20, got %v", err)
	}
}

func TestDecodeStatusVendorErrorCode(t *testing.T) {
	// codes above errSTALLEDPKT are vendor specific, not a violation
	st, err := DecodeStatus([]byte{0x7f, 0x00, 0x00, 0x00, byte(StateDfuError), 0x00})
	if err != nil {
		t.Fatalf("DecodeStatus: %v", err)
	}
	if st.Code.Known() {
		t.Errorf("code 0x7f should not be a known code")
	}
	if st.Err(3) == nil {
		t.Error("dfuERROR state must produce a device error")
	}
}

func TestStatusErr(t *testing.T) {
	ok := Status{State: StateDfuDnloadIdle, Code: ErrOK}
	if err := ok.Err(1); err != nil {
		t.Errorf("healthy status produced %v", err)
	}

	bad := Status{State: StateDfuError, Code: ErrVerify}
	err := bad.Err(7)
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("expected *DeviceError, got %v", err)
	}
	if devErr.Block != 7 || devErr.Code != ErrVerify {
		t.Errorf("device error %+v, want block 7 code errVERIFY", devErr)
	}
}

func TestParseFunctionalDescriptor(t *testing.T) {
	raw := []byte{
		9, FunctionalDescriptorType,
		0x0b,       // download, upload, will detach
		0xff, 0x00, // wDetachTimeOut 255ms
		0x00, 0x04, // wTransferSize 1024
		0x1a, 0x01, // bcdDFUVersion 0x011a
	}
	fd, ok := ParseFunctionalDescriptor(raw)
	if !ok {
		t.Fatal("descriptor not recognized")
	}
	if !fd.CanDnload || !fd.CanUpload || fd.ManifestationTolerant || !fd.WillDetach {
		t.Errorf("attributes decoded wrong: %+v", fd)
	}
	if fd.DetachTimeout != 255*time.Millisecond {
		t.Errorf("detach timeout %s, want 255ms", fd.DetachTimeout)
	}
	if fd.TransferSize != 1024 {
		t.Errorf("transfer size %d, want 1024", fd.TransferSize)
	}
	if fd.DFUVersion != VersionDfuSe {
		t.Errorf("version %#04x, want DfuSe", fd.DFUVersion)
	}
}

func TestFindFunctionalDescriptor(t *testing.T) {
	blob := []byte{
		9, 0x02, 27, 0, 1, 1, 0, 0x80, 50, // config descriptor
		9, 0x04, 0, 0, 0, 0xfe, 0x01, 0x02, 0, // interface descriptor
		9, FunctionalDescriptorType, 0x03, 0x00, 0x01, 0x00, 0x08, 0x10, 0x01,
	}
	fd, ok := FindFunctionalDescriptor(blob)
	if !ok {
		t.Fatal("functional descriptor not found in blob")
	}
	if fd.TransferSize != 2048 {
		t.Errorf("transfer size %d, want 2048", fd.TransferSize)
	}
	if fd.DFUVersion != Version1_1 {
		t.Errorf("version %#04x, want 0x0110", fd.DFUVersion)
	}

	if _, ok := FindFunctionalDescriptor(blob[:18]); ok {
		t.Error("found a functional descriptor in a blob without one")
	}
}
