package core

import "sync"

// Phase names the stage a session operation is in.
type Phase string

const (
	PhasePreparing   Phase = "preparing"
	PhaseErasing     Phase = "erasing"
	PhaseDownloading Phase = "downloading"
	PhaseUploading   Phase = "uploading"
	PhaseManifesting Phase = "manifesting"
	PhaseComplete    Phase = "complete"
)

// Progress is one snapshot of a running operation.
type Progress struct {
	Phase            Phase   `json:"phase"`
	BytesTransferred uint64  `json:"bytesTransferred"`
	TotalBytes       uint64  `json:"totalBytes"`
	Percentage       float64 `json:"percentage"`
}

// ProgressFunc receives progress snapshots. Implementations should
// return quickly; they run on the transfer goroutine.
type ProgressFunc func(Progress)

// progressState is the session-held snapshot the HTTP API polls while
// a transfer runs on another goroutine. The session controller is the
// only writer.
type progressState struct {
	mutex sync.Mutex
	last  Progress
}

func (p *progressState) set(v Progress) {
	p.mutex.Lock()
	p.last = v
	p.mutex.Unlock()
}

func (p *progressState) get() Progress {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.last
}

// Progress returns the last snapshot of the session's running
// operation.
func (c *Core) Progress(sessionID string) (Progress, error) {
	c.sessionsMutex.Lock()
	acquired := c.sessions[sessionID]
	c.sessionsMutex.Unlock()
	if acquired == nil {
		return Progress{}, ErrSessionNotFound
	}
	return acquired.progress.get(), nil
}
