package updater

import (
	"io"
	"time"
)

// run is the update worker. It is the only writer of the terminal state.
func (s *Session) run(src Source, notify Notifier, done chan struct{}) {
	defer s.finish(notify, done)

	payload, err := src.Acquire()
	if err != nil {
		s.log.Errorf("Could not acquire image for %v: %v", s.name, err)
		s.setError(ErrFileRead)
		return
	}

	defer payload.Release()

	data := payload.Bytes()
	size := uint32(len(data))

	s.mtx.Lock()
	s.remainingSize = size
	s.update.Size = size
	s.mtx.Unlock()

	if holder, ok := s.ops.(Holder); ok {
		if err := holder.Hold(); err != nil {
			s.log.Errorf("Could not hold backend of %v: %v", s.name, err)
			s.setError(ErrBusy)
			return
		}

		defer holder.Release()
	}

	// a cancel that came in before the backend was engaged
	if s.canceled() {
		s.setError(ErrCanceled)
		return
	}

	s.setProgress(Preparing)
	err = s.ops.Prepare(data)
	if err != nil {
		s.fail(err)
		return
	}

	if cleaner, ok := s.ops.(Cleaner); ok {
		defer cleaner.Cleanup()
	}

	s.setProgress(Writing)
	if !s.transfer(data) {
		return
	}

	s.setProgress(Programming)
	err = s.ops.PollComplete()
	if err != nil {
		s.fail(err)
	}
}

// transfer writes data in chunks of at most chunkSize bytes. The remaining
// size is only advanced after a successful write so it keeps its last value
// when the transfer fails.
func (s *Session) transfer(data []byte) bool {
	size := uint32(len(data))
	offset := uint32(0)

	for offset < size {
		if s.canceled() {
			s.fail(ErrCanceled)
			return false
		}

		blkSize := size - offset
		if blkSize > s.chunkSize {
			blkSize = s.chunkSize
		}

		written, err := s.ops.Write(data, offset, blkSize)
		if err == nil && written == 0 {
			s.log.Warnf("Write to %v wrote zero data at offset %d", s.name, offset)
			err = ErrReadWrite
		} else if err == nil && written > blkSize {
			s.log.Warnf("Write to %v reported %d bytes for a %d byte block", s.name, written, blkSize)
			err = ErrReadWrite
		}

		if err != nil {
			s.fail(err)
			return false
		}

		offset += written
		s.setRemaining(size - offset)
	}

	return true
}

// fail latches the error of a backend operation and asks the backend to
// abort whatever it still has in flight.
func (s *Session) fail(err error) {
	code := CodeOf(err)

	s.mtx.Lock()
	s.errProgress = s.progress
	s.errCode = code
	s.broadcastLocked()
	progress := s.progress
	s.mtx.Unlock()

	s.log.Errorf("Update of %v failed while %v: %v", s.name, progress, err)

	s.ops.Cancel()
}

// finish returns the session to idle and signals everyone waiting for the
// update. The notifier and the Complete hook run before done is closed, so
// Wait, Drain and Unregister return only once both have finished.
//
// The remaining size is left untouched so that it still tells how far a
// failed transfer got. It is reinitialized by the next Start.
func (s *Session) finish(notify Notifier, done chan struct{}) {
	defer close(done)

	s.mtx.Lock()
	s.update.Finished = time.Now()
	s.setProgressLocked(Idle)
	event := &Event{
		Session: s.name,
		Status:  s.statusLocked(),
	}
	s.mtx.Unlock()

	if event.ErrorCode == ErrNone {
		s.log.Infof("Update %v of %v completed", event.Update.Id, s.name)
	} else {
		s.log.Warnf("Update %v of %v finished with %v while %v", event.Update.Id, s.name,
			event.ErrorCode, event.ErrorProgress)
	}

	if notify != nil {
		if err := notify.Notify(); err != nil {
			s.log.Errorf("Could not signal completion of %v: %v", s.name, err)
		}

		if closer, ok := notify.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				s.log.Errorf("Could not release completion notifier of %v: %v", s.name, err)
			}
		}
	}

	if s.complete != nil {
		s.complete(event)
	}
}
