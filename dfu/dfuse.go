package dfu

import (
	"context"
	"encoding/binary"
)

// DfuSe command phase. STMicroelectronics devices multiplex vendor
// commands over DNLOAD block 0; data blocks then start at block 2 and
// address relative to the programmed address pointer:
//
//	address = pointer + (wBlockNum - 2) * wTransferSize
const (
	dfuseCmdGetCommands   = 0x00
	dfuseCmdSetAddress    = 0x21
	dfuseCmdErase         = 0x41
	dfuseCmdReadUnprotect = 0x92

	// DfuSeStartBlock is the first data block of a DfuSe transfer.
	DfuSeStartBlock = 2
)

// SetAddress programs the address pointer for the next addressed
// transfer. Must be issued from an idle state.
func (e *Engine) SetAddress(ctx context.Context, addr uint32) error {
	e.logf("dfuse set address pointer 0x%08x", addr)
	return e.command(ctx, dfuseCmdSetAddress, addr)
}

// ErasePage erases the flash page containing addr. The device reports
// the erase through its busy states, so this returns only after the
// erase has finished or failed.
func (e *Engine) ErasePage(ctx context.Context, addr uint32) error {
	e.logf("dfuse erase page 0x%08x", addr)
	return e.command(ctx, dfuseCmdErase, addr)
}

// MassErase erases the whole device memory.
func (e *Engine) MassErase(ctx context.Context) error {
	e.logf("dfuse mass erase")
	cmd := [1]byte{dfuseCmdErase}
	if err := e.dnload(ctx, 0, cmd[:]); err != nil {
		return err
	}
	return e.waitDownloadIdle(ctx, 0)
}

func (e *Engine) command(ctx context.Context, cmd byte, addr uint32) error {
	var buf [5]byte
	buf[0] = cmd
	binary.LittleEndian.PutUint32(buf[1:], addr)
	if err := e.dnload(ctx, 0, buf[:]); err != nil {
		return err
	}
	return e.waitDownloadIdle(ctx, 0)
}
