package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dfu-tools/dfud-go/dfu"
	"github.com/dfu-tools/dfud-go/dfufile"
)

// The download and upload operations below are the session controller
// proper: pure sequencers over the engine's state machine. They do no
// transport I/O themselves and are the only writers of the per-session
// progress counters.

// beginCall marks a transfer in progress so enumeration backs off, and
// takes the session's single call slot.
func (c *Core) beginCall(sessionID string) (*session, func(), error) {
	c.callMutex.Lock()
	c.callsInProgress++
	c.callMutex.Unlock()

	endCall := func() {
		c.callMutex.Lock()
		c.callsInProgress--
		c.callMutex.Unlock()
	}

	c.sessionsMutex.Lock()
	acquired := c.sessions[sessionID]
	c.sessionsMutex.Unlock()

	if acquired == nil {
		endCall()
		return nil, nil, ErrSessionNotFound
	}
	if !atomic.CompareAndSwapInt32(&acquired.call, 0, 1) {
		endCall()
		return nil, nil, ErrOtherCall
	}
	return acquired, func() {
		atomic.StoreInt32(&acquired.call, 0)
		endCall()
	}, nil
}

// Download writes the image to the device held by the session and
// blocks until the transfer ends one way or another. The returned
// outcome preserves the partial byte count on failure.
func (c *Core) Download(ctx context.Context, sessionID string, img *dfufile.Image, progress ProgressFunc) Outcome {
	s, done, err := c.beginCall(sessionID)
	if err != nil {
		return makeOutcome(err, 0)
	}
	defer done()
	return c.download(ctx, s, img, progress)
}

func (c *Core) download(ctx context.Context, s *session, img *dfufile.Image, progress ProgressFunc) Outcome {
	engine := s.engine
	info := engine.Info()
	total := img.TotalSize()
	var sent uint64

	report := func(phase Phase) {
		p := Progress{Phase: phase, BytesTransferred: sent, TotalBytes: total}
		if total > 0 {
			p.Percentage = float64(sent) / float64(total) * 100
		}
		if phase == PhaseComplete {
			p.Percentage = 100
		}
		s.progress.set(p)
		if progress != nil {
			progress(p)
		}
	}
	report(PhasePreparing)

	if !info.Functional.CanDnload {
		return makeOutcome(&dfu.ProtocolError{Reason: "device does not support download"}, 0)
	}

	layout, err := dfufile.ParseMemoryLayout(info.AltName)
	if err != nil {
		return makeOutcome(err, 0)
	}

	segs := img.Segments()
	dfuse := engine.DfuSe()
	if !dfuse && len(segs) > 1 {
		return makeOutcome(fmt.Errorf("image has %d addressed segments but device speaks plain DFU", len(segs)), 0)
	}

	if err := engine.EnsureIdle(ctx); err != nil {
		return c.failTransfer(s, "download", err, sent)
	}

	if dfuse && layout != nil {
		for _, seg := range segs {
			if !layout.Writable(seg.Start, uint32(len(seg.Data))) {
				return makeOutcome(fmt.Errorf("segment 0x%08x..0x%08x is not writable on %q",
					seg.Start, seg.End(), layout.Name), sent)
			}
		}
		report(PhaseErasing)
		for _, seg := range segs {
			for _, page := range layout.ErasePages(seg.Start, uint32(len(seg.Data))) {
				if err := engine.ErasePage(ctx, page); err != nil {
					return c.failTransfer(s, "download", err, sent)
				}
			}
		}
	}

	report(PhaseDownloading)
	xfer := engine.TransferSize()
	for _, seg := range segs {
		if dfuse {
			if err := engine.SetAddress(ctx, seg.Start); err != nil {
				return c.failTransfer(s, "download", err, sent)
			}
		}
		engine.RestartBlocks()
		data := seg.Data
		for len(data) > 0 {
			chunk := data
			if len(chunk) > xfer {
				chunk = chunk[:xfer]
			}
			if err := engine.Download(ctx, chunk); err != nil {
				return c.failTransfer(s, "download", err, sent)
			}
			data = data[len(chunk):]
			sent += uint64(len(chunk))
			report(PhaseDownloading)
		}
	}

	report(PhaseManifesting)
	if err := engine.Manifest(ctx); err != nil {
		return c.failTransfer(s, "download", err, sent)
	}

	report(PhaseComplete)
	c.Log(fmt.Sprintf("download done - %d bytes to %s", sent, s.path))
	return makeOutcome(nil, sent)
}

// failTransfer builds the failure outcome after a best-effort attempt
// to leave the device in a known idle state instead of stranded
// mid-erase or in a transfer-idle state. A device that reported an
// error gets a CLRSTATUS; a cancelled transfer gets an ABORT.
// Transport losses and expired deadlines get nothing - there is no one
// left to talk to.
func (c *Core) failTransfer(s *session, op string, err error, bytes uint64) Outcome {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var devErr *dfu.DeviceError
	var transErr *dfu.TransportError
	var dlErr *dfu.DeadlineError
	switch {
	case errors.As(err, &devErr):
		if cerr := s.engine.ClearStatus(cleanupCtx); cerr != nil {
			c.Log("cleanup clear status failed: " + cerr.Error())
		}
	case errors.As(err, &transErr), errors.As(err, &dlErr):
		// nothing to clean up
	case errors.Is(err, context.Canceled):
		if aerr := s.engine.Abort(cleanupCtx); aerr != nil {
			c.Log("cleanup abort failed: " + aerr.Error())
		}
	}
	c.Log(fmt.Sprintf("%s failed after %d bytes: %s", op, bytes, err))
	return makeOutcome(err, bytes)
}

// Upload reads the device memory held by the session into a fresh
// image. base is the address the assembled image starts at; sizeHint,
// when non-zero, stops the read early and trims device-side padding.
func (c *Core) Upload(ctx context.Context, sessionID string, base uint32, sizeHint uint64, progress ProgressFunc) Outcome {
	s, done, err := c.beginCall(sessionID)
	if err != nil {
		return makeOutcome(err, 0)
	}
	defer done()
	return c.upload(ctx, s, base, sizeHint, progress)
}

func (c *Core) upload(ctx context.Context, s *session, base uint32, sizeHint uint64, progress ProgressFunc) Outcome {
	engine := s.engine
	info := engine.Info()
	var received uint64

	report := func(phase Phase) {
		p := Progress{Phase: phase, BytesTransferred: received, TotalBytes: sizeHint}
		if sizeHint > 0 {
			p.Percentage = float64(received) / float64(sizeHint) * 100
		}
		if phase == PhaseComplete {
			p.Percentage = 100
		}
		s.progress.set(p)
		if progress != nil {
			progress(p)
		}
	}
	report(PhasePreparing)

	if !info.Functional.CanUpload {
		return makeOutcome(&dfu.ProtocolError{Reason: "device does not support upload"}, 0)
	}

	layout, err := dfufile.ParseMemoryLayout(info.AltName)
	if err != nil {
		return makeOutcome(err, 0)
	}
	if layout != nil && sizeHint > 0 && !layout.Readable(base, uint32(sizeHint)) {
		return makeOutcome(fmt.Errorf("range 0x%08x+%d is not readable on %q", base, sizeHint, layout.Name), 0)
	}

	if err := engine.EnsureIdle(ctx); err != nil {
		return makeOutcome(err, 0)
	}
	if engine.DfuSe() {
		if err := engine.SetAddress(ctx, base); err != nil {
			return makeOutcome(err, 0)
		}
		// leave the command phase so UPLOAD starts from the pointer
		if err := engine.Abort(ctx); err != nil {
			return makeOutcome(err, 0)
		}
	}
	engine.RestartBlocks()

	img := dfufile.NewUpload(base)
	buf := make([]byte, engine.TransferSize())
	report(PhaseUploading)
	for {
		n, final, err := engine.Upload(ctx, buf)
		if err != nil {
			return c.failTransfer(s, "upload", err, received)
		}
		img.Append(buf[:n])
		received += uint64(n)
		report(PhaseUploading)
		if final {
			break
		}
		if sizeHint > 0 && received >= sizeHint {
			// stopping early leaves the device in dfuUPLOAD-IDLE
			if aerr := engine.Abort(ctx); aerr != nil {
				c.Log("abort after size hint failed: " + aerr.Error())
			}
			break
		}
	}
	if sizeHint > 0 {
		img.Finalize(sizeHint)
		received = img.TotalSize()
	}

	report(PhaseComplete)
	c.Log(fmt.Sprintf("upload done - %d bytes from %s", received, s.path))
	out := makeOutcome(nil, received)
	out.Image = img
	return out
}

// Detach runs the runtime-mode pre-phase on the session's device and
// releases the session; the device re-enumerates in DFU mode and must
// be acquired again.
func (c *Core) Detach(ctx context.Context, sessionID string) error {
	s, done, err := c.beginCall(sessionID)
	if err != nil {
		return err
	}
	defer done()

	if err := s.engine.Detach(ctx); err != nil {
		return err
	}
	return c.Release(sessionID)
}
