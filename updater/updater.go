package updater

import "time"

// Progress is the phase an update is currently in.
type Progress int

const (
	Idle Progress = iota
	Reading
	Preparing
	Writing
	Programming
	progressMax
)

var progressNames = [...]string{
	Idle:        "idle",
	Reading:     "reading",
	Preparing:   "preparing",
	Writing:     "writing",
	Programming: "programming",
}

func (p Progress) String() string {
	if p < Idle || p >= progressMax {
		return "unknown-status"
	}

	return progressNames[p]
}

// Valid reports whether p is one of the known phases.
func (p Progress) Valid() bool {
	return p >= Idle && p < progressMax
}

// Update describes a single accepted update request.
type Update struct {
	Id       string
	Started  time.Time
	Finished time.Time
	Source   string
	Size     uint32
}

// Status is a consistent snapshot of a session.
type Status struct {
	Progress      Progress
	RemainingSize uint32
	ErrorProgress Progress
	ErrorCode     ErrorCode
	// Update is the current update, or the last one once the session is idle again.
	Update *Update
}

// Ops is implemented by device specific backends.
//
// Prepare, Write and PollComplete are called from the update worker, one at
// a time. Cancel may be called at any time from another goroutine, including
// when no update is in flight, and must make a pending Write or PollComplete
// return promptly. Every method reports failures with one of the ErrorCode
// values, a nil error means success.
type Ops interface {
	Prepare(data []byte) error
	// Write transfers up to size bytes of data starting at offset and
	// returns the number of bytes actually written.
	Write(data []byte, offset, size uint32) (uint32, error)
	PollComplete() error
	Cancel()
}

// Cleaner is an optional backend capability. Cleanup is called at the end of
// every update whose Prepare succeeded.
type Cleaner interface {
	Cleanup()
}

// Holder is an optional backend capability that pins the backend for the
// duration of one update.
type Holder interface {
	Hold() error
	Release()
}
