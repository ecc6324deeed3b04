package dfu

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// mockPort simulates the device side of the protocol for engine tests.
// Status responses are scripted; every control transfer is recorded.
type mockPort struct {
	info PortInfo

	statuses   [][]byte
	statusErrs []error
	statusIdx  int
	repeatLast bool

	transfers []transferRecord

	uploadData []byte
	uploadOff  int

	dnloadErr error
	getState  State
	resets    int
}

type transferRecord struct {
	request Request
	value   uint16
	size    int
}

func newMockPort() *mockPort {
	return &mockPort{
		getState: StateDfuIdle,
		info: PortInfo{
			Functional: FunctionalDescriptor{
				CanDnload:             true,
				CanUpload:             true,
				ManifestationTolerant: true,
				TransferSize:          8,
				DFUVersion:            Version1_1,
			},
		},
	}
}

// queueStatus scripts the next GETSTATUS response.
func (m *mockPort) queueStatus(code ErrCode, pollMs int, state State) {
	m.statuses = append(m.statuses, statusBytes(code, pollMs, state))
	m.statusErrs = append(m.statusErrs, nil)
}

func (m *mockPort) queueStatusErr(err error) {
	m.statuses = append(m.statuses, nil)
	m.statusErrs = append(m.statusErrs, err)
}

func statusBytes(code ErrCode, pollMs int, state State) []byte {
	return []byte{
		byte(code),
		byte(pollMs), byte(pollMs >> 8), byte(pollMs >> 16),
		byte(state),
		0,
	}
}

func (m *mockPort) ReadStatus(time.Duration) ([]byte, error) {
	if m.statusIdx >= len(m.statuses) {
		if m.repeatLast && len(m.statuses) > 0 {
			return m.statuses[len(m.statuses)-1], m.statusErrs[len(m.statusErrs)-1]
		}
		return nil, fmt.Errorf("mock: status script exhausted after %d reads", m.statusIdx)
	}
	raw, err := m.statuses[m.statusIdx], m.statusErrs[m.statusIdx]
	m.statusIdx++
	return raw, err
}

func (m *mockPort) ControlTransfer(requestType uint8, request Request, value, index uint16, data []byte, _ time.Duration) (int, error) {
	m.transfers = append(m.transfers, transferRecord{request: request, value: value, size: len(data)})
	switch request {
	case RequestDnload:
		if m.dnloadErr != nil {
			return 0, m.dnloadErr
		}
		return len(data), nil
	case RequestUpload:
		n := copy(data, m.uploadData[m.uploadOff:])
		m.uploadOff += n
		return n, nil
	case RequestGetState:
		data[0] = byte(m.getState)
		return 1, nil
	}
	return 0, nil
}

func (m *mockPort) Info() PortInfo { return m.info }

func (m *mockPort) Reset() error {
	m.resets++
	return nil
}

func (m *mockPort) count(r Request) int {
	n := 0
	for _, tr := range m.transfers {
		if tr.request == r {
			n++
		}
	}
	return n
}

// recordingSleep collects the waits the engine asked for instead of
// actually sleeping.
func recordingSleep(sleeps *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
}

func TestDownloadHonorsBusyPolling(t *testing.T) {
	m := newMockPort()
	m.queueStatus(ErrOK, 10, StateDfuDnbusy)
	m.queueStatus(ErrOK, 10, StateDfuDnbusy)
	m.queueStatus(ErrOK, 0, StateDfuDnloadIdle)

	var sleeps []time.Duration
	e := New(m, WithSleep(recordingSleep(&sleeps)))
	e.RestartBlocks()

	if err := e.Download(context.Background(), []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got := m.count(RequestDnload); got != 1 {
		t.Errorf("expected 1 DNLOAD, got %d", got)
	}
	// every busy status must be waited out for at least its timeout
	if len(sleeps) != 2 {
		t.Fatalf("expected 2 sleeps, got %d (%v)", len(sleeps), sleeps)
	}
	for i, d := range sleeps {
		if d < 10*time.Millisecond {
			t.Errorf("sleep %d was %s, want >= 10ms", i, d)
		}
	}
	if e.Block() != 1 {
		t.Errorf("block is %d after one block, want 1", e.Block())
	}
}

func TestDownloadBackoffDoublesUpToCap(t *testing.T) {
	m := newMockPort()
	for i := 0; i < 6; i++ {
		m.queueStatus(ErrOK, 10, StateDfuDnbusy)
	}
	m.queueStatus(ErrOK, 0, StateDfuDnloadIdle)

	var sleeps []time.Duration
	e := New(m, WithSleep(recordingSleep(&sleeps)), WithBackoffCap(40*time.Millisecond))
	e.RestartBlocks()

	if err := e.Download(context.Background(), []byte{1}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	want := []time.Duration{
		10 * time.Millisecond, // first: device timeout
		10 * time.Millisecond, // backoff now 10
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond, // capped
		40 * time.Millisecond,
	}
	if len(sleeps) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), sleeps)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("sleep %d: got %s, want %s", i, sleeps[i], want[i])
		}
	}
}

func TestDownloadRecoversFromSingleError(t *testing.T) {
	m := newMockPort()
	m.queueStatus(ErrWrite, 0, StateDfuError)
	m.queueStatus(ErrOK, 0, StateDfuDnloadIdle)

	var sleeps []time.Duration
	e := New(m, WithSleep(recordingSleep(&sleeps)))
	e.RestartBlocks()

	if err := e.Download(context.Background(), []byte{1, 2}); err != nil {
		t.Fatalf("Download should recover from one error, got: %v", err)
	}
	if got := m.count(RequestDnload); got != 2 {
		t.Errorf("expected the block resent once (2 DNLOADs), got %d", got)
	}
	if got := m.count(RequestClrStatus); got != 1 {
		t.Errorf("expected 1 CLRSTATUS, got %d", got)
	}
	// both attempts must carry the same block number
	var values []uint16
	for _, tr := range m.transfers {
		if tr.request == RequestDnload {
			values = append(values, tr.value)
		}
	}
	if values[0] != values[1] {
		t.Errorf("retry used block %d, original was %d", values[1], values[0])
	}
}

func TestDownloadSecondErrorIsFatal(t *testing.T) {
	m := newMockPort()
	m.queueStatus(ErrWrite, 0, StateDfuError)
	m.queueStatus(ErrWrite, 0, StateDfuError)

	e := New(m)
	e.RestartBlocks()

	err := e.Download(context.Background(), []byte{1, 2})
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("expected *DeviceError, got %v", err)
	}
	if devErr.Code != ErrWrite {
		t.Errorf("device error code %s, want %s", devErr.Code, ErrWrite)
	}
	if got := m.count(RequestDnload); got != 2 {
		t.Errorf("expected exactly 2 DNLOAD attempts, got %d", got)
	}
}

func TestDownloadRetryDisabled(t *testing.T) {
	m := newMockPort()
	m.queueStatus(ErrWrite, 0, StateDfuError)

	e := New(m, WithRetry(false))
	e.RestartBlocks()

	err := e.Download(context.Background(), []byte{1})
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("expected *DeviceError, got %v", err)
	}
	if got := m.count(RequestDnload); got != 1 {
		t.Errorf("expected a single DNLOAD with retry disabled, got %d", got)
	}
}

func TestDownloadDeadlineWhileBusy(t *testing.T) {
	m := newMockPort()
	m.queueStatus(ErrOK, 10, StateDfuDnbusy)
	m.repeatLast = true

	calls := 0
	sleep := func(ctx context.Context, d time.Duration) error {
		calls++
		if calls >= 5 {
			return context.DeadlineExceeded
		}
		return nil
	}
	e := New(m, WithSleep(sleep))
	e.RestartBlocks()

	err := e.Download(context.Background(), []byte{1})
	var dlErr *DeadlineError
	if !errors.As(err, &dlErr) {
		t.Fatalf("expected *DeadlineError, got %v", err)
	}
	if !dlErr.State.busy() {
		t.Errorf("deadline error reports state %s, want a busy state", dlErr.State)
	}
}

func TestDownloadBlockNumberWraps(t *testing.T) {
	m := newMockPort()
	m.queueStatus(ErrOK, 0, StateDfuDnloadIdle)

	e := New(m, WithStartBlock(0xffff))
	e.RestartBlocks()

	if err := e.Download(context.Background(), []byte{1}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if e.Block() != 0 {
		t.Errorf("block after 0xffff is %d, want 0", e.Block())
	}
}

func TestDownloadRejectsOversizedBlock(t *testing.T) {
	m := newMockPort()
	e := New(m, WithTransferSize(4))
	e.RestartBlocks()

	if err := e.Download(context.Background(), []byte{1, 2, 3, 4, 5}); err == nil {
		t.Fatal("expected an error for a block over the transfer size")
	}
	if len(m.transfers) != 0 {
		t.Errorf("oversized block still reached the device: %v", m.transfers)
	}
}

func TestUploadEndsOnShortBlock(t *testing.T) {
	m := newMockPort()
	m.uploadData = make([]byte, 8*2+3)
	for i := range m.uploadData {
		m.uploadData[i] = byte(i)
	}

	e := New(m) // transfer size 8 from the functional descriptor
	e.RestartBlocks()

	var got []byte
	buf := make([]byte, e.TransferSize())
	for {
		n, done, err := e.Upload(context.Background(), buf)
		if err != nil {
			t.Fatalf("Upload: %v", err)
		}
		got = append(got, buf[:n]...)
		if done {
			break
		}
	}
	if len(got) != len(m.uploadData) {
		t.Fatalf("uploaded %d bytes, want %d", len(got), len(m.uploadData))
	}

	// block numbers must be strictly increasing from the start block
	var values []uint16
	for _, tr := range m.transfers {
		if tr.request == RequestUpload {
			values = append(values, tr.value)
		}
	}
	for i, v := range values {
		if v != uint16(i) {
			t.Errorf("upload %d used block %d, want %d", i, v, i)
		}
	}
}

func TestEnsureIdleClearsLatchedError(t *testing.T) {
	m := newMockPort()
	m.queueStatus(ErrVerify, 0, StateDfuError)
	m.queueStatus(ErrOK, 0, StateDfuIdle)

	e := New(m)
	if err := e.EnsureIdle(context.Background()); err != nil {
		t.Fatalf("EnsureIdle: %v", err)
	}
	if got := m.count(RequestClrStatus); got != 1 {
		t.Errorf("expected 1 CLRSTATUS, got %d", got)
	}
}

func TestEnsureIdleAbortsStaleTransfer(t *testing.T) {
	m := newMockPort()
	m.queueStatus(ErrOK, 0, StateDfuUploadIdle)
	m.queueStatus(ErrOK, 0, StateDfuIdle)

	e := New(m)
	if err := e.EnsureIdle(context.Background()); err != nil {
		t.Fatalf("EnsureIdle: %v", err)
	}
	if got := m.count(RequestAbort); got != 1 {
		t.Errorf("expected 1 ABORT, got %d", got)
	}
}

func TestEnsureIdleApplicationMode(t *testing.T) {
	m := newMockPort()
	m.queueStatus(ErrOK, 0, StateAppIdle)

	e := New(m)
	err := e.EnsureIdle(context.Background())
	if !errors.Is(err, ErrApplicationMode) {
		t.Fatalf("expected ErrApplicationMode, got %v", err)
	}
}

func TestManifestTolerant(t *testing.T) {
	m := newMockPort()
	m.queueStatus(ErrOK, 5, StateDfuManifest)
	m.queueStatus(ErrOK, 0, StateDfuIdle)

	var sleeps []time.Duration
	e := New(m, WithSleep(recordingSleep(&sleeps)))
	e.RestartBlocks()

	if err := e.Manifest(context.Background()); err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	// the zero-length DNLOAD that started manifestation
	last := m.transfers[0]
	if last.request != RequestDnload || last.size != 0 {
		t.Errorf("manifestation did not start with a zero-length DNLOAD: %+v", last)
	}
	if len(sleeps) != 1 || sleeps[0] < 5*time.Millisecond {
		t.Errorf("manifest busy period not waited out: %v", sleeps)
	}
}

func TestManifestIntolerantSelfReset(t *testing.T) {
	m := newMockPort()
	m.info.Functional.ManifestationTolerant = false
	m.queueStatusErr(fmt.Errorf("device gone"))

	e := New(m)
	e.RestartBlocks()

	// losing the device here is its expected self-reset
	if err := e.Manifest(context.Background()); err != nil {
		t.Fatalf("Manifest on a self-resetting device: %v", err)
	}
}

func TestManifestWaitResetGetsBusReset(t *testing.T) {
	m := newMockPort()
	m.queueStatus(ErrOK, 0, StateDfuManifestWaitReset)

	e := New(m)
	e.RestartBlocks()

	if err := e.Manifest(context.Background()); err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if m.resets != 1 {
		t.Errorf("expected 1 bus reset, got %d", m.resets)
	}
}

func TestDetachResetsWhenDeviceWillNot(t *testing.T) {
	m := newMockPort()
	m.info.Functional.WillDetach = false
	m.info.Functional.DetachTimeout = 50 * time.Millisecond

	var sleeps []time.Duration
	e := New(m, WithSleep(recordingSleep(&sleeps)))

	if err := e.Detach(context.Background()); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if m.resets != 1 {
		t.Errorf("expected a bus reset for willDetach=false, got %d", m.resets)
	}
	if m.count(RequestDetach) != 1 {
		t.Errorf("expected 1 DETACH request")
	}
	if m.transfers[0].value != 50 {
		t.Errorf("DETACH wValue is %d ms, want 50", m.transfers[0].value)
	}
}

func TestStatusClampsPollTimeout(t *testing.T) {
	m := newMockPort()
	m.queueStatus(ErrOK, 60000, StateDfuDnbusy)
	m.queueStatus(ErrOK, 0, StateDfuIdle)

	e := New(m, WithPollClamp(time.Millisecond, 100*time.Millisecond))

	st, err := e.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.PollTimeout != 100*time.Millisecond {
		t.Errorf("poll timeout %s, want clamped to 100ms", st.PollTimeout)
	}

	st, err = e.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.PollTimeout != time.Millisecond {
		t.Errorf("zero poll timeout should clamp up to 1ms, got %s", st.PollTimeout)
	}
}

func TestTransferSizeNegotiation(t *testing.T) {
	m := newMockPort()
	m.info.Functional.TransferSize = 256

	if got := New(m).TransferSize(); got != 256 {
		t.Errorf("transfer size %d, want descriptor hint 256", got)
	}
	if got := New(m, WithTransferSize(64)).TransferSize(); got != 64 {
		t.Errorf("transfer size %d, want option override 64", got)
	}
	m.info.Functional.TransferSize = 0
	if got := New(m).TransferSize(); got != defaultTransferSize {
		t.Errorf("transfer size %d, want default %d", got, defaultTransferSize)
	}
}

func TestStateQuery(t *testing.T) {
	m := newMockPort()
	m.getState = StateDfuDnloadIdle

	st, err := New(m).State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st != StateDfuDnloadIdle {
		t.Errorf("state %s, want %s", st, StateDfuDnloadIdle)
	}
	if got := m.count(RequestGetState); got != 1 {
		t.Errorf("%d GETSTATE requests, want 1", got)
	}
}

func TestStateRejectsUnknownValue(t *testing.T) {
	m := newMockPort()
	m.getState = State(0x20)

	_, err := New(m).State(context.Background())
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("State error = %v, want ProtocolError", err)
	}
}
