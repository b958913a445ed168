package updater

import "github.com/go-errors/errors"

// ErrorCode is the kind of failure latched by a session. It implements the
// error interface so backends can return the codes directly.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrHardware
	ErrTimeout
	ErrCanceled
	ErrBusy
	ErrInvalidSize
	ErrReadWrite
	ErrWearout
	ErrFileRead
	errorCodeMax
)

var errorNames = [...]string{
	ErrNone:        "",
	ErrHardware:    "hw-error",
	ErrTimeout:     "timeout",
	ErrCanceled:    "user-abort",
	ErrBusy:        "device-busy",
	ErrInvalidSize: "invalid-file-size",
	ErrReadWrite:   "read-write-error",
	ErrWearout:     "flash-wearout",
	ErrFileRead:    "file-read-error",
}

func (c ErrorCode) String() string {
	if c < ErrNone || c >= errorCodeMax {
		return "unknown-error"
	}

	return errorNames[c]
}

func (c ErrorCode) Error() string {
	if c == ErrNone {
		return "no error"
	}

	return c.String()
}

// Valid reports whether c is one of the known codes.
func (c ErrorCode) Valid() bool {
	return c >= ErrNone && c < errorCodeMax
}

// CodeOf maps an error returned by a backend to its ErrorCode. Errors that do
// not carry a code are treated as I/O failures.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrNone
	}

	var code ErrorCode
	if errors.As(err, &code) {
		if code == ErrNone || !code.Valid() {
			return ErrReadWrite
		}
		return code
	}

	return ErrReadWrite
}

var (
	ErrNoActiveUpdate = errors.New("no update in progress")
	ErrInvalidConfig  = errors.New("session requires a name and backend operations")
	ErrUnknownSession = errors.New("unknown session")
)
