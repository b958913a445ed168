package imageload

import (
	"encoding/binary"
	"github.com/go-errors/errors"
	"golang.org/x/sys/unix"
	"sync"
)

// EventfdNotifier adds one to an eventfd counter when an update is done.
// It holds its own duplicate of the descriptor, so the caller keeps theirs.
type EventfdNotifier struct {
	once sync.Once
	fd   int
}

// NewEventfdNotifier duplicates fd for use by the update worker.
func NewEventfdNotifier(fd int) (*EventfdNotifier, error) {
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Errorf("unable to duplicate eventfd %d: %v", fd, err)
	}

	return &EventfdNotifier{fd: dup}, nil
}

func (n *EventfdNotifier) Notify() error {
	buf := make([]byte, 8)
	binary.NativeEndian.PutUint64(buf, 1)

	if _, err := unix.Write(n.fd, buf); err != nil {
		return errors.Errorf("unable to signal eventfd: %v", err)
	}

	return nil
}

func (n *EventfdNotifier) Close() error {
	var err error

	n.once.Do(func() {
		err = unix.Close(n.fd)
	})

	return err
}

// Eventfd creates a non-blocking eventfd to pass to NewEventfdNotifier.
func Eventfd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, errors.Errorf("unable to create eventfd: %v", err)
	}

	return fd, nil
}

// ReadEventfd consumes the counter of a non-blocking eventfd. It returns zero
// when nothing was signalled yet.
func ReadEventfd(fd int) (uint64, error) {
	buf := make([]byte, 8)

	_, err := unix.Read(fd, buf)
	if err == unix.EAGAIN {
		return 0, nil
	} else if err != nil {
		return 0, errors.Errorf("unable to read eventfd: %v", err)
	}

	return binary.NativeEndian.Uint64(buf), nil
}
