package updater

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type writeCall struct {
	offset uint32
	size   uint32
}

// fakeOps records every backend call. Hooks run without the fake's lock held.
type fakeOps struct {
	mtx        sync.Mutex
	prepares   int
	writes     []writeCall
	polls      int
	cleanups   int
	cancels    int
	prepareErr error
	pollErr    error
	onWrite    func(call int, offset, size uint32) (uint32, error)
	onPoll     func() error
	cancelled  chan struct{}
	cancelOnce sync.Once
	session    *Session
	pollStatus *Status
}

func newFakeOps() *fakeOps {
	return &fakeOps{
		cancelled: make(chan struct{}),
	}
}

func (f *fakeOps) Prepare(data []byte) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.prepares++
	return f.prepareErr
}

func (f *fakeOps) Write(data []byte, offset, size uint32) (uint32, error) {
	f.mtx.Lock()
	f.writes = append(f.writes, writeCall{offset: offset, size: size})
	call := len(f.writes)
	hook := f.onWrite
	f.mtx.Unlock()

	if hook != nil {
		return hook(call, offset, size)
	}

	return size, nil
}

func (f *fakeOps) PollComplete() error {
	f.mtx.Lock()
	f.polls++
	if f.session != nil {
		f.pollStatus = f.session.Status()
	}
	hook := f.onPoll
	err := f.pollErr
	f.mtx.Unlock()

	if hook != nil {
		return hook()
	}

	return err
}

func (f *fakeOps) Cancel() {
	f.mtx.Lock()
	f.cancels++
	f.mtx.Unlock()

	f.cancelOnce.Do(func() {
		close(f.cancelled)
	})
}

func (f *fakeOps) Cleanup() {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.cleanups++
}

func (f *fakeOps) counts() (prepares, writes, polls, cleanups, cancels int) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	return f.prepares, len(f.writes), f.polls, f.cleanups, f.cancels
}

type holdingOps struct {
	*fakeOps
	holdErr  error
	holds    int32
	releases int32
}

func (h *holdingOps) Hold() error {
	atomic.AddInt32(&h.holds, 1)
	return h.holdErr
}

func (h *holdingOps) Release() {
	atomic.AddInt32(&h.releases, 1)
}

type countingPayload struct {
	data     []byte
	releases int32
}

func (p *countingPayload) Bytes() []byte {
	return p.data
}

func (p *countingPayload) Release() {
	atomic.AddInt32(&p.releases, 1)
}

type countingSource struct {
	payload *countingPayload
	err     error
}

func (s *countingSource) Phase() Progress {
	return Reading
}

func (s *countingSource) String() string {
	return "counting"
}

func (s *countingSource) Acquire() (Payload, error) {
	if s.err != nil {
		return nil, s.err
	}

	return s.payload, nil
}

type countingNotifier struct {
	notifies int32
	closes   int32
	done     chan struct{}
}

func newCountingNotifier() *countingNotifier {
	return &countingNotifier{done: make(chan struct{})}
}

func (n *countingNotifier) Notify() error {
	if atomic.AddInt32(&n.notifies, 1) == 1 {
		close(n.done)
	}

	return nil
}

func (n *countingNotifier) Close() error {
	atomic.AddInt32(&n.closes, 1)
	return nil
}

func newTestSession(t *testing.T, ops Ops) *Session {
	t.Helper()

	s, err := NewSession(&Config{
		Name: "test",
		Ops:  ops,
	})
	require.NoError(t, err)

	if f, ok := ops.(*fakeOps); ok {
		f.session = s
	}
	if h, ok := ops.(*holdingOps); ok {
		h.session = s
	}

	return s
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for update to finish")
	}
}

func startAndWait(t *testing.T, s *Session, src Source) *Status {
	t.Helper()

	notifier := NewChanNotifier()
	_, err := s.Start(src, notifier)
	require.NoError(t, err)

	waitDone(t, notifier.Done())

	return s.Status()
}
