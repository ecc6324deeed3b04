// Package dfu implements the host side of the USB Device Firmware
// Update class protocol: the state machine that drives a DFU-capable
// device through download, upload and manifestation, tolerating
// device-reported busy periods and classifying device errors.
//
// The package never touches USB itself; it drives a Port, implemented
// in the usb package or by a test fixture.
package dfu

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Logger is the minimal logging surface the engine writes its detailed
// trace to. *memorywriter.MemoryWriter implements it.
type Logger interface {
	Log(s string)
}

type nopLogger struct{}

func (nopLogger) Log(string) {}

// SleepFunc waits out a device-mandated poll timeout. Tests inject one
// that records the request and returns immediately, so busy-period
// behavior is verified without real delays.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ErrApplicationMode is returned when an operation needs the device in
// DFU mode but it still runs application firmware; callers should
// Detach first and reconnect.
var ErrApplicationMode = errors.New("device is in application mode, detach first")

const (
	defaultTransferSize   = 2048
	defaultControlTimeout = 5 * time.Second
	defaultMinPollTimeout = 1 * time.Millisecond
	defaultMaxPollTimeout = 5 * time.Second
	defaultBackoffCap     = 2 * time.Second

	// give up on EnsureIdle after this many status round trips
	maxIdleAttempts = 8
)

// Config holds the engine tuning knobs. Zero values fall back to the
// defaults above; tests and the session controller adjust them through
// Options.
type Config struct {
	// TransferSize is the block size for DNLOAD/UPLOAD transfers. When
	// zero it is negotiated from the functional descriptor's
	// wTransferSize, falling back to 2048.
	TransferSize int

	// StartBlock is the first wValue of a logical transfer. Plain DFU
	// numbers from 0; DfuSe data phases number from 2.
	StartBlock uint16

	ControlTimeout time.Duration

	// MinPollTimeout and MaxPollTimeout clamp the device-reported
	// bwPollTimeout. The protocol leaves 0 and absurdly large values
	// unspecified, so the engine refuses to trust the device blindly
	// and logs whenever it clamps.
	MinPollTimeout time.Duration
	MaxPollTimeout time.Duration

	// BackoffCap bounds the additional wait the engine adds on
	// repeated busy responses.
	BackoffCap time.Duration

	// RetryOnError enables the single CLRSTATUS-and-retry per block.
	RetryOnError bool

	Sleep  SleepFunc
	Logger Logger
}

// Option mutates the engine configuration.
type Option func(*Config)

func WithTransferSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.TransferSize = n
		}
	}
}

func WithStartBlock(b uint16) Option {
	return func(c *Config) { c.StartBlock = b }
}

func WithControlTimeout(d time.Duration) Option {
	return func(c *Config) { c.ControlTimeout = d }
}

// WithPollClamp sets the bounds applied to device-reported poll
// timeouts.
func WithPollClamp(min, max time.Duration) Option {
	return func(c *Config) {
		c.MinPollTimeout = min
		c.MaxPollTimeout = max
	}
}

func WithBackoffCap(d time.Duration) Option {
	return func(c *Config) { c.BackoffCap = d }
}

// WithRetry enables or disables the one-shot CLRSTATUS recovery on a
// device-reported error. Default is enabled.
func WithRetry(retry bool) Option {
	return func(c *Config) { c.RetryOnError = retry }
}

func WithSleep(s SleepFunc) Option {
	return func(c *Config) { c.Sleep = s }
}

func WithLogger(l Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// Engine drives the DFU state machine over one claimed interface. It
// is not safe for concurrent use; the protocol itself is strictly
// sequential per device, one outstanding request at a time.
type Engine struct {
	port  Port
	cfg   Config
	iface uint16

	block   uint16
	opStart time.Time
}

// New builds an engine on a claimed port. The transfer size is taken
// from the options, then the functional descriptor hint, then the
// default.
func New(port Port, opts ...Option) *Engine {
	cfg := Config{
		ControlTimeout: defaultControlTimeout,
		MinPollTimeout: defaultMinPollTimeout,
		MaxPollTimeout: defaultMaxPollTimeout,
		BackoffCap:     defaultBackoffCap,
		RetryOnError:   true,
		Sleep:          defaultSleep,
		Logger:         nopLogger{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	info := port.Info()
	if cfg.TransferSize == 0 {
		if hint := info.Functional.TransferSize; hint > 0 {
			cfg.TransferSize = int(hint)
		} else {
			cfg.TransferSize = defaultTransferSize
		}
	}
	return &Engine{
		port:  port,
		cfg:   cfg,
		iface: uint16(info.Interface),
		block: cfg.StartBlock,
	}
}

func (e *Engine) logf(format string, args ...interface{}) {
	e.cfg.Logger.Log("engine - " + fmt.Sprintf(format, args...))
}

// TransferSize is the negotiated maximum block size.
func (e *Engine) TransferSize() int { return e.cfg.TransferSize }

// Block is the wValue the next transfer will carry.
func (e *Engine) Block() uint16 { return e.block }

// Info proxies the port descriptors.
func (e *Engine) Info() PortInfo { return e.port.Info() }

// DfuSe reports whether the device speaks the STMicroelectronics
// extension with the command phase and addressed transfers.
func (e *Engine) DfuSe() bool {
	return e.port.Info().Functional.DFUVersion == VersionDfuSe
}

// RestartBlocks restarts block numbering for a new logical image
// transfer. It must be called once before the first block of every
// download or upload.
func (e *Engine) RestartBlocks() {
	e.block = e.cfg.StartBlock
	e.opStart = time.Now()
}

// Status queries and decodes DFU_GETSTATUS, clamping the reported poll
// timeout into the configured bounds.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, e.ctxErr(ctx, err, StateDfuIdle)
	}
	raw, err := e.port.ReadStatus(e.cfg.ControlTimeout)
	if err != nil {
		return Status{}, &TransportError{Op: RequestGetStatus.String(), Err: err}
	}
	st, err := DecodeStatus(raw)
	if err != nil {
		return Status{}, err
	}
	if st.PollTimeout < e.cfg.MinPollTimeout {
		st.PollTimeout = e.cfg.MinPollTimeout
	} else if st.PollTimeout > e.cfg.MaxPollTimeout {
		e.logf("clamping poll timeout %s to %s", st.PollTimeout, e.cfg.MaxPollTimeout)
		st.PollTimeout = e.cfg.MaxPollTimeout
	}
	return st, nil
}

// State queries DFU_GETSTATE. Used for diagnostics; the engine itself
// decides on full status responses only.
func (e *Engine) State(ctx context.Context) (State, error) {
	buf := make([]byte, 1)
	n, err := e.port.ControlTransfer(RequestTypeIn, RequestGetState, 0, e.iface, buf, e.cfg.ControlTimeout)
	if err != nil {
		return StateDfuError, &TransportError{Op: RequestGetState.String(), Err: err}
	}
	if n != 1 {
		return StateDfuError, &ProtocolError{Reason: fmt.Sprintf("state response is %d bytes, want 1", n)}
	}
	s := State(buf[0])
	if s > StateDfuError {
		return StateDfuError, &ProtocolError{Reason: fmt.Sprintf("state %d outside the DFU state set", buf[0])}
	}
	return s, nil
}

// ClearStatus issues DFU_CLRSTATUS, moving the device from dfuERROR
// back to dfuIDLE.
func (e *Engine) ClearStatus(ctx context.Context) error {
	_, err := e.port.ControlTransfer(RequestTypeOut, RequestClrStatus, 0, e.iface, nil, e.cfg.ControlTimeout)
	if err != nil {
		return &TransportError{Op: RequestClrStatus.String(), Err: err}
	}
	return nil
}

// Abort issues DFU_ABORT, returning the device from a transfer-idle
// state to dfuIDLE.
func (e *Engine) Abort(ctx context.Context) error {
	_, err := e.port.ControlTransfer(RequestTypeOut, RequestAbort, 0, e.iface, nil, e.cfg.ControlTimeout)
	if err != nil {
		return &TransportError{Op: RequestAbort.String(), Err: err}
	}
	return nil
}

// Detach runs the runtime-mode pre-phase: DFU_DETACH with the
// functional descriptor's detach timeout, followed by a bus reset on
// devices that do not detach by themselves. The transport layer is
// expected to re-present the device in DFU mode afterwards.
func (e *Engine) Detach(ctx context.Context) error {
	fd := e.port.Info().Functional
	timeout := fd.DetachTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ms := uint16(timeout / time.Millisecond)
	e.logf("detach, timeout %s, willDetach=%v", timeout, fd.WillDetach)
	_, err := e.port.ControlTransfer(RequestTypeOut, RequestDetach, ms, e.iface, nil, e.cfg.ControlTimeout)
	if err != nil {
		return &TransportError{Op: RequestDetach.String(), Err: err}
	}
	if !fd.WillDetach {
		if err := e.port.Reset(); err != nil {
			return &TransportError{Op: "reset", Err: err}
		}
	}
	return e.sleepStatus(ctx, timeout, StateAppDetach)
}

// EnsureIdle brings the device to dfuIDLE before a new operation:
// clears a latched error once, aborts a stale transfer-idle state, and
// waits out busy periods. A device that cannot be brought to idle
// within a few round trips is broken.
func (e *Engine) EnsureIdle(ctx context.Context) error {
	cleared := false
	aborted := false
	for attempt := 0; attempt < maxIdleAttempts; attempt++ {
		st, err := e.Status(ctx)
		if err != nil {
			return err
		}
		switch {
		case st.State == StateDfuIdle:
			return nil
		case st.State.appMode():
			return ErrApplicationMode
		case st.State == StateDfuError:
			if cleared {
				return st.Err(e.block)
			}
			e.logf("latched error %s, clearing", st.Code)
			if err := e.ClearStatus(ctx); err != nil {
				return err
			}
			cleared = true
		case st.State == StateDfuDnloadIdle || st.State == StateDfuUploadIdle:
			if aborted {
				return &ProtocolError{Reason: fmt.Sprintf("device stuck in %s after DFU_ABORT", st.State)}
			}
			e.logf("aborting stale %s", st.State)
			if err := e.Abort(ctx); err != nil {
				return err
			}
			aborted = true
		case st.State.busy():
			if err := e.sleepStatus(ctx, st.PollTimeout, st.State); err != nil {
				return err
			}
		default:
			return &ProtocolError{Reason: fmt.Sprintf("unexpected state %s while settling", st.State)}
		}
	}
	return &ProtocolError{Reason: "device would not settle into dfuIDLE"}
}

// Download transfers one block of image data. It does not return until
// the device has left the busy states for this block, honoring every
// reported poll timeout. On a device-reported error it clears status
// and retries the same block exactly once (when enabled); a second
// error on the same block is fatal.
func (e *Engine) Download(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return errors.New("empty download block; use Manifest to finish a transfer")
	}
	if len(data) > e.cfg.TransferSize {
		return fmt.Errorf("block of %d bytes exceeds transfer size %d", len(data), e.cfg.TransferSize)
	}
	block := e.block
	for attempt := 0; ; attempt++ {
		if err := e.dnload(ctx, block, data); err != nil {
			return err
		}
		err := e.waitDownloadIdle(ctx, block)
		if err == nil {
			e.block = block + 1 // wraps at 16 bits by device design
			return nil
		}
		var devErr *DeviceError
		if errors.As(err, &devErr) && e.cfg.RetryOnError && attempt == 0 {
			e.logf("block %d: %s - clearing status and retrying once", block, devErr)
			if cerr := e.ClearStatus(ctx); cerr != nil {
				return cerr
			}
			continue
		}
		return err
	}
}

// Manifest signals end of image with a zero-length DNLOAD and waits
// through the manifestation phase. On devices that are not
// manifestation tolerant, losing the device at this point is its
// expected self-reset, not a failure.
func (e *Engine) Manifest(ctx context.Context) error {
	if err := e.dnload(ctx, e.block, nil); err != nil {
		return err
	}
	tolerant := e.port.Info().Functional.ManifestationTolerant
	for {
		st, err := e.Status(ctx)
		if err != nil {
			var terr *TransportError
			if errors.As(err, &terr) && !tolerant {
				e.logf("device dropped off during manifestation, assuming self-reset")
				return nil
			}
			return err
		}
		if devErr := st.Err(e.block); devErr != nil {
			return devErr
		}
		switch {
		case st.State == StateDfuIdle || st.State == StateDfuDnloadIdle:
			return nil
		case st.State == StateDfuManifestWaitReset:
			// not interruptible; the device resets itself or waits for us
			e.logf("manifest-wait-reset, issuing bus reset")
			if err := e.port.Reset(); err != nil {
				e.logf("reset after manifestation failed: %s", err)
			}
			return nil
		case st.State.busy():
			if err := e.sleepStatus(ctx, st.PollTimeout, st.State); err != nil {
				return err
			}
		default:
			return &ProtocolError{Reason: fmt.Sprintf("unexpected state %s during manifestation", st.State)}
		}
	}
}

// Upload requests one block from the device into buf. done reports the
// terminal short block; a full-length block means more data follows.
func (e *Engine) Upload(ctx context.Context, buf []byte) (n int, done bool, err error) {
	if err := ctx.Err(); err != nil {
		return 0, false, e.ctxErr(ctx, err, StateDfuUploadIdle)
	}
	n, err = e.port.ControlTransfer(RequestTypeIn, RequestUpload, e.block, e.iface, buf, e.cfg.ControlTimeout)
	if err != nil {
		return 0, false, &TransportError{Op: RequestUpload.String(), Err: err}
	}
	e.block++
	return n, n < len(buf), nil
}

func (e *Engine) dnload(ctx context.Context, block uint16, data []byte) error {
	if err := ctx.Err(); err != nil {
		return e.ctxErr(ctx, err, StateDfuDnloadSync)
	}
	_, err := e.port.ControlTransfer(RequestTypeOut, RequestDnload, block, e.iface, data, e.cfg.ControlTimeout)
	if err != nil {
		return &TransportError{Op: fmt.Sprintf("%s block %d", RequestDnload, block), Err: err}
	}
	return nil
}

// waitDownloadIdle polls status until the device leaves the download
// busy states. It never queries sooner than the last reported poll
// timeout and backs off further on repeated busy responses, up to the
// configured cap.
func (e *Engine) waitDownloadIdle(ctx context.Context, block uint16) error {
	var backoff time.Duration
	for {
		st, err := e.Status(ctx)
		if err != nil {
			return err
		}
		if devErr := st.Err(block); devErr != nil {
			return devErr
		}
		switch st.State {
		case StateDfuDnloadIdle, StateDfuIdle:
			return nil
		case StateDfuDnloadSync, StateDfuDnbusy:
			wait := st.PollTimeout
			if backoff > wait {
				wait = backoff
			}
			if err := e.sleepStatus(ctx, wait, st.State); err != nil {
				return err
			}
			if backoff == 0 {
				backoff = st.PollTimeout
			} else {
				backoff *= 2
			}
			if backoff > e.cfg.BackoffCap {
				backoff = e.cfg.BackoffCap
			}
		default:
			return &ProtocolError{Reason: fmt.Sprintf("unexpected state %s after DFU_DNLOAD", st.State)}
		}
	}
}

func (e *Engine) sleepStatus(ctx context.Context, d time.Duration, state State) error {
	if err := e.cfg.Sleep(ctx, d); err != nil {
		return e.ctxErr(ctx, err, state)
	}
	return nil
}

// ctxErr classifies a context failure: the overall operation deadline
// becomes a DeadlineError with the state and block for diagnostics;
// a plain cancellation propagates untouched.
func (e *Engine) ctxErr(ctx context.Context, err error, state State) error {
	if errors.Is(err, context.DeadlineExceeded) {
		var elapsed time.Duration
		if !e.opStart.IsZero() {
			elapsed = time.Since(e.opStart)
		}
		return &DeadlineError{State: state, Block: e.block, Elapsed: elapsed}
	}
	return err
}
