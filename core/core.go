package core

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dfu-tools/dfud-go/dfu"
	"github.com/dfu-tools/dfud-go/memorywriter"
)

// Package with the "core logic" of device listing and DFU sessions:
// who holds which device, when enumeration may run, and driving one
// download or upload per acquired session.
//
// The usb package is not imported; it implements the DFUBus interface
// below, so this package builds and tests without cgo or hardware.

// DFUBus enumerates DFU-capable interfaces and connects to them.
// Implemented in the usb package and by test fixtures.
type DFUBus interface {
	Enumerate() ([]USBInfo, error)
	Connect(path string, alt uint8) (dfu.Port, error)
	Has(path string) bool
}

// DeviceMode distinguishes devices still running application firmware
// (which need a DETACH pre-phase) from devices already in DFU mode.
type DeviceMode int

const (
	ModeRuntime DeviceMode = 0
	ModeDFU     DeviceMode = 1
)

func (m DeviceMode) String() string {
	if m == ModeRuntime {
		return "runtime"
	}
	return "dfu"
}

// AltInfo is one alternate setting of a DFU interface.
type AltInfo struct {
	Alt  uint8  `json:"alt"`
	Name string `json:"name"`
}

// USBInfo describes one DFU-capable interface found on the bus.
type USBInfo struct {
	Path      string
	VendorID  int
	ProductID int
	Mode      DeviceMode
	Alts      []AltInfo
}

type session struct {
	path   string
	id     string
	alt    uint8
	port   dfu.Port
	engine *dfu.Engine
	call   int32 // atomic; one operation per session at a time

	progress progressState
}

// EnumerateEntry is the JSON shape of one enumerated interface.
type EnumerateEntry struct {
	Path    string    `json:"path"`
	Vendor  int       `json:"vendor"`
	Product int       `json:"product"`
	Mode    string    `json:"mode"`
	Alts    []AltInfo `json:"alts,omitempty"`

	Session *string `json:"session"`
}

type EnumerateEntries []EnumerateEntry

func (entries EnumerateEntries) Sort() {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
}

// Core owns session bookkeeping for one bus. All exported methods are
// safe for concurrent use; individual sessions are not shared between
// operations.
type Core struct {
	bus DFUBus

	sessions      map[string]*session
	sessionsMutex sync.Mutex // for atomic access to sessions

	callsInProgress int        // we cannot run transfers and enumeration at the same time
	callMutex       sync.Mutex // for atomic access to callsInProgress, plus prevent enumeration
	lastInfos       []USBInfo  // when a transfer is in progress, use saved info for enumerating

	log *memorywriter.MemoryWriter

	engineOpts []dfu.Option
}

var (
	ErrWrongPrevSession = errors.New("wrong previous session")
	ErrSessionNotFound  = errors.New("session not found")
	ErrOtherCall        = errors.New("other call in progress")
)

// New creates a Core over the given bus. engineOpts are applied to
// every engine the core builds, which is how tests inject clocks and
// the daemon tunes poll clamps.
func New(bus DFUBus, log *memorywriter.MemoryWriter, engineOpts ...dfu.Option) *Core {
	return &Core{
		bus:        bus,
		sessions:   make(map[string]*session),
		log:        log,
		engineOpts: engineOpts,
	}
}

func (c *Core) Log(s string) {
	c.log.Log("core - " + s)
}

// Enumerate lists DFU-capable interfaces, annotated with the session
// that holds each one. While a transfer runs the last known infos are
// served so enumeration never interleaves with control transfers.
func (c *Core) Enumerate() (EnumerateEntries, error) {
	// Lock for atomic access to c.sessions.
	c.sessionsMutex.Lock()
	defer c.sessionsMutex.Unlock()

	// Lock for atomic access to c.callsInProgress. It needs to be over
	// the whole function, so that a transfer does not actually start
	// while enumerating.
	c.callMutex.Lock()
	defer c.callMutex.Unlock()

	infos := c.lastInfos
	if c.callsInProgress == 0 {
		c.Log("enumerate bus")
		busInfos, err := c.bus.Enumerate()
		if err != nil {
			return nil, err
		}
		infos = busInfos
		c.lastInfos = infos
	}

	entries := c.createEnumerateEntries(infos)
	c.releaseDisconnected(infos)
	return entries, nil
}

func (c *Core) createEnumerateEntries(infos []USBInfo) EnumerateEntries {
	entries := make(EnumerateEntries, 0, len(infos))
	for _, info := range infos {
		e := EnumerateEntry{
			Path:    info.Path,
			Vendor:  info.VendorID,
			Product: info.ProductID,
			Mode:    info.Mode.String(),
			Alts:    info.Alts,
		}
		for _, ss := range c.sessions {
			if ss.path == info.Path {
				// Copying to prevent overwriting on Acquire and
				// wrong comparison in Listen.
				ssidCopy := ss.id
				e.Session = &ssidCopy
			}
		}
		entries = append(entries, e)
	}
	entries.Sort()
	return entries
}

// releaseDisconnected drops sessions whose device left the bus.
// sessionsMutex must be held.
func (c *Core) releaseDisconnected(infos []USBInfo) {
	for ssid, ss := range c.sessions {
		connected := false
		for _, info := range infos {
			if ss.path == info.Path {
				connected = true
			}
		}
		if !connected {
			c.Log(fmt.Sprintf("releasing disconnected device %s", ssid))
			if err := c.release(ssid); err != nil {
				// just log, the device is gone anyway
				c.Log(fmt.Sprintf("error releasing disconnected device: %s", err))
			}
		}
	}
}

const (
	listenIterMax = 600
	listenDelay   = 500 * time.Millisecond
)

// Listen blocks until the set of enumerated interfaces differs from
// entries, or the client goes away, or the iteration budget runs out.
func (c *Core) Listen(ctx context.Context, entries EnumerateEntries) (EnumerateEntries, error) {
	c.Log("listen starting")
	entries.Sort()

	for i := 0; i < listenIterMax; i++ {
		e, err := c.Enumerate()
		if err != nil {
			return nil, err
		}
		if !reflect.DeepEqual(entries, e) {
			c.Log("listen different")
			return e, nil
		}
		select {
		case <-ctx.Done():
			c.Log("listen request closed")
			return nil, nil
		case <-time.After(listenDelay):
		}
	}
	return entries, nil
}

func (c *Core) findPrevSession(path string) string {
	// note - sessionsMutex must be locked before entering this
	for _, ss := range c.sessions {
		if ss.path == path {
			return ss.id
		}
	}
	return ""
}

// Acquire claims the interface at path with the given alt setting. The
// caller must name the previous session (empty for none), which is how
// two clients racing for a device detect each other.
func (c *Core) Acquire(path, prev string, alt uint8) (string, error) {
	c.sessionsMutex.Lock()
	defer c.sessionsMutex.Unlock()

	c.Log(fmt.Sprintf("acquire - path %s prev %q alt %d", path, prev, alt))

	prevSession := c.findPrevSession(path)
	if prevSession != prev {
		return "", ErrWrongPrevSession
	}

	if prev != "" {
		if err := c.release(prev); err != nil {
			return "", err
		}
	}

	port, err := c.tryConnect(path, alt)
	if err != nil {
		return "", err
	}

	opts := append([]dfu.Option{dfu.WithLogger(c.log)}, c.engineOpts...)
	if fd := port.Info().Functional; fd.DFUVersion == dfu.VersionDfuSe {
		opts = append(opts, dfu.WithStartBlock(dfu.DfuSeStartBlock))
	}
	engine := dfu.New(port, opts...)

	// initial device state, for diagnosing stuck devices from the log
	if st, err := engine.State(context.Background()); err == nil {
		c.Log(fmt.Sprintf("acquire - device state %s", st))
	}

	id := uuid.New().String()
	c.sessions[id] = &session{
		path:   path,
		id:     id,
		alt:    alt,
		port:   port,
		engine: engine,
	}
	c.Log(fmt.Sprintf("acquire - new session is %s", id))
	return id, nil
}

// Some devices need a moment to settle after enumeration before the
// interface can be claimed. Try 3 times with a 100ms delay.
func (c *Core) tryConnect(path string, alt uint8) (dfu.Port, error) {
	tries := 0
	for {
		c.Log(fmt.Sprintf("tryConnect - try number %d", tries))
		port, err := c.bus.Connect(path, alt)
		if err == nil {
			return port, nil
		}
		if tries >= 3 {
			c.Log("tryConnect - too many times, exiting")
			return nil, err
		}
		tries++
		time.Sleep(100 * time.Millisecond)
	}
}

// Release closes the session and its port.
func (c *Core) Release(sessionID string) error {
	c.sessionsMutex.Lock()
	defer c.sessionsMutex.Unlock()
	return c.release(sessionID)
}

type portCloser interface {
	Close() error
}

func (c *Core) release(sessionID string) error {
	c.Log(fmt.Sprintf("inner release - session %s", sessionID))
	acquired := c.sessions[sessionID]
	if acquired == nil {
		return ErrSessionNotFound
	}
	delete(c.sessions, sessionID)

	if closer, ok := acquired.port.(portCloser); ok {
		return closer.Close()
	}
	return nil
}
