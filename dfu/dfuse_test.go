package dfu

import (
	"context"
	"testing"
	"time"
)

func newDfuSeMock() *mockPort {
	m := newMockPort()
	m.info.Functional.DFUVersion = VersionDfuSe
	return m
}

func TestSetAddressCommandShape(t *testing.T) {
	m := newDfuSeMock()
	m.queueStatus(ErrOK, 1, StateDfuDnbusy)
	m.queueStatus(ErrOK, 0, StateDfuDnloadIdle)

	var sleeps []time.Duration
	e := New(m, WithSleep(recordingSleep(&sleeps)), WithStartBlock(DfuSeStartBlock))
	e.RestartBlocks()

	if err := e.SetAddress(context.Background(), 0x08004000); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}

	cmd := m.transfers[0]
	if cmd.request != RequestDnload || cmd.value != 0 {
		t.Fatalf("command phase must be DNLOAD block 0, got %+v", cmd)
	}
	if cmd.size != 5 {
		t.Errorf("set address command is %d bytes, want 5", cmd.size)
	}
}

func TestErasePageThenDownloadBlocks(t *testing.T) {
	m := newDfuSeMock()
	// erase: busy once, then idle
	m.queueStatus(ErrOK, 1, StateDfuDnbusy)
	m.queueStatus(ErrOK, 0, StateDfuDnloadIdle)
	// set address
	m.queueStatus(ErrOK, 0, StateDfuDnloadIdle)
	// two data blocks
	m.queueStatus(ErrOK, 0, StateDfuDnloadIdle)
	m.queueStatus(ErrOK, 0, StateDfuDnloadIdle)

	var sleeps []time.Duration
	e := New(m, WithSleep(recordingSleep(&sleeps)), WithStartBlock(DfuSeStartBlock))
	e.RestartBlocks()

	ctx := context.Background()
	if err := e.ErasePage(ctx, 0x08000000); err != nil {
		t.Fatalf("ErasePage: %v", err)
	}
	if err := e.SetAddress(ctx, 0x08000000); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}
	e.RestartBlocks()
	if err := e.Download(ctx, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := e.Download(ctx, []byte{5, 6, 7, 8}); err != nil {
		t.Fatalf("Download: %v", err)
	}

	var values []uint16
	for _, tr := range m.transfers {
		if tr.request == RequestDnload {
			values = append(values, tr.value)
		}
	}
	// commands on block 0, data from block 2
	want := []uint16{0, 0, 2, 3}
	if len(values) != len(want) {
		t.Fatalf("DNLOAD blocks %v, want %v", values, want)
	}
	for i := range want {
		if values[i] != want[i] {
			t.Errorf("DNLOAD %d used block %d, want %d", i, values[i], want[i])
		}
	}
}

func TestMassEraseCommandShape(t *testing.T) {
	m := newDfuSeMock()
	m.queueStatus(ErrOK, 0, StateDfuDnloadIdle)

	e := New(m, WithStartBlock(DfuSeStartBlock))
	e.RestartBlocks()

	if err := e.MassErase(context.Background()); err != nil {
		t.Fatalf("MassErase: %v", err)
	}
	cmd := m.transfers[0]
	if cmd.request != RequestDnload || cmd.value != 0 || cmd.size != 1 {
		t.Errorf("mass erase must be a 1-byte DNLOAD on block 0, got %+v", cmd)
	}
}
