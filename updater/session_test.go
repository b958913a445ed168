package updater

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-errors/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionValidatesConfig(t *testing.T) {
	_, err := NewSession(nil)
	assert.Equal(t, ErrInvalidConfig, err)

	_, err = NewSession(&Config{Name: "x"})
	assert.Equal(t, ErrInvalidConfig, err)

	_, err = NewSession(&Config{Ops: newFakeOps()})
	assert.Equal(t, ErrInvalidConfig, err)

	s, err := NewSession(&Config{Name: "x", Ops: newFakeOps()})
	require.NoError(t, err)
	assert.Equal(t, Idle, s.Status().Progress)
	assert.EqualValues(t, DefaultChunkSize, s.chunkSize)
}

func TestUpdateWritesInChunks(t *testing.T) {
	ops := newFakeOps()
	s := newTestSession(t, ops)

	client := s.Subscribe()
	status := startAndWait(t, s, NewBufferSource(make([]byte, 100000)))

	assert.Equal(t, Idle, status.Progress)
	assert.Equal(t, ErrNone, status.ErrorCode)
	assert.EqualValues(t, 0, status.RemainingSize)
	assert.EqualValues(t, 100000, status.Update.Size)
	assert.False(t, status.Update.Finished.IsZero())

	prepares, writes, polls, cleanups, cancels := ops.counts()
	assert.Equal(t, 1, prepares)
	assert.Equal(t, 7, writes)
	assert.Equal(t, 1, polls)
	assert.Equal(t, 1, cleanups)
	assert.Equal(t, 0, cancels)

	for i, call := range ops.writes[:6] {
		assert.EqualValues(t, i*0x4000, call.offset)
		assert.EqualValues(t, 0x4000, call.size)
	}
	assert.EqualValues(t, 6*0x4000, ops.writes[6].offset)
	assert.EqualValues(t, 1696, ops.writes[6].size)

	require.NotNil(t, ops.pollStatus)
	assert.Equal(t, Programming, ops.pollStatus.Progress)
	assert.EqualValues(t, 0, ops.pollStatus.RemainingSize)

	require.NoError(t, client.Cancel())

	var remaining []uint32
	var phases []Progress
	for event := range client.Events {
		if len(phases) == 0 || phases[len(phases)-1] != event.Progress {
			phases = append(phases, event.Progress)
		}
		if event.Progress == Writing {
			remaining = append(remaining, event.RemainingSize)
		}
	}

	assert.Equal(t, []Progress{Preparing, Writing, Programming, Idle}, phases)
	require.NotEmpty(t, remaining)
	assert.Equal(t, []uint32{83616, 67232, 50848, 34464, 18080, 1696, 0}, remaining[1:])
}

func TestZeroWriteLatchesReadWriteError(t *testing.T) {
	ops := newFakeOps()
	ops.onWrite = func(call int, offset, size uint32) (uint32, error) {
		if call == 3 {
			return 0, nil
		}
		return size, nil
	}
	s := newTestSession(t, ops)

	status := startAndWait(t, s, NewBufferSource(make([]byte, 100000)))

	assert.Equal(t, Idle, status.Progress)
	assert.Equal(t, ErrReadWrite, status.ErrorCode)
	assert.Equal(t, Writing, status.ErrorProgress)
	assert.EqualValues(t, 100000-2*0x4000, status.RemainingSize)

	_, writes, polls, cleanups, cancels := ops.counts()
	assert.Equal(t, 3, writes)
	assert.Equal(t, 0, polls)
	assert.Equal(t, 1, cleanups)
	assert.Equal(t, 1, cancels)
}

func TestShortWritesAreContinued(t *testing.T) {
	ops := newFakeOps()
	ops.onWrite = func(call int, offset, size uint32) (uint32, error) {
		if size > 1000 {
			return 1000, nil
		}
		return size, nil
	}
	s := newTestSession(t, ops)

	status := startAndWait(t, s, NewBufferSource(make([]byte, 2500)))

	assert.Equal(t, ErrNone, status.ErrorCode)
	assert.EqualValues(t, 0, status.RemainingSize)
	require.Len(t, ops.writes, 3)
	assert.EqualValues(t, 1000, ops.writes[1].offset)
	assert.EqualValues(t, 2000, ops.writes[2].offset)
	assert.EqualValues(t, 500, ops.writes[2].size)
}

func TestOversizedWriteIsAnError(t *testing.T) {
	ops := newFakeOps()
	ops.onWrite = func(call int, offset, size uint32) (uint32, error) {
		return size + 1, nil
	}
	s := newTestSession(t, ops)

	status := startAndWait(t, s, NewBufferSource(make([]byte, 10)))

	assert.Equal(t, ErrReadWrite, status.ErrorCode)
	assert.EqualValues(t, 10, status.RemainingSize)
}

func TestWriteErrorFreezesRemainingSize(t *testing.T) {
	ops := newFakeOps()
	ops.onWrite = func(call int, offset, size uint32) (uint32, error) {
		if call == 2 {
			return 0, ErrHardware
		}
		return size, nil
	}
	s := newTestSession(t, ops)

	status := startAndWait(t, s, NewBufferSource(make([]byte, 40000)))

	assert.Equal(t, ErrHardware, status.ErrorCode)
	assert.Equal(t, Writing, status.ErrorProgress)
	assert.EqualValues(t, 40000-0x4000, status.RemainingSize)

	// a new update resets the latched state
	ops.onWrite = nil
	status = startAndWait(t, s, NewBufferSource(make([]byte, 100)))
	assert.Equal(t, ErrNone, status.ErrorCode)
	assert.Equal(t, Idle, status.ErrorProgress)
	assert.EqualValues(t, 0, status.RemainingSize)
}

func TestPrepareFailureSkipsCleanup(t *testing.T) {
	ops := newFakeOps()
	ops.prepareErr = ErrInvalidSize
	s := newTestSession(t, ops)

	status := startAndWait(t, s, NewBufferSource(make([]byte, 100)))

	assert.Equal(t, ErrInvalidSize, status.ErrorCode)
	assert.Equal(t, Preparing, status.ErrorProgress)
	assert.EqualValues(t, 100, status.RemainingSize)

	_, writes, polls, cleanups, cancels := ops.counts()
	assert.Equal(t, 0, writes)
	assert.Equal(t, 0, polls)
	assert.Equal(t, 0, cleanups)
	assert.Equal(t, 1, cancels)
}

func TestPollFailureIsLatched(t *testing.T) {
	ops := newFakeOps()
	ops.pollErr = ErrTimeout
	s := newTestSession(t, ops)

	status := startAndWait(t, s, NewBufferSource(make([]byte, 100)))

	assert.Equal(t, ErrTimeout, status.ErrorCode)
	assert.Equal(t, Programming, status.ErrorProgress)
	assert.EqualValues(t, 0, status.RemainingSize)

	_, _, polls, cleanups, _ := ops.counts()
	assert.Equal(t, 1, polls)
	assert.Equal(t, 1, cleanups)
}

func TestUncodedBackendErrorIsReadWriteError(t *testing.T) {
	ops := newFakeOps()
	ops.pollErr = errors.New("bus fault")
	s := newTestSession(t, ops)

	status := startAndWait(t, s, NewBufferSource(make([]byte, 100)))

	assert.Equal(t, ErrReadWrite, status.ErrorCode)
	assert.Equal(t, Programming, status.ErrorProgress)
}

func TestOnlyOneStartIsAccepted(t *testing.T) {
	release := make(chan struct{})
	ops := newFakeOps()
	ops.onPoll = func() error {
		<-release
		return nil
	}
	s := newTestSession(t, ops)

	var accepted, busy int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := s.Start(NewBufferSource(make([]byte, 10)), nil)
			if err == nil {
				atomic.AddInt32(&accepted, 1)
			} else if err == ErrBusy {
				atomic.AddInt32(&busy, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, accepted)
	assert.EqualValues(t, 19, busy)
	assert.NotEqual(t, Idle, s.Status().Progress)

	close(release)
	s.Wait()

	assert.Equal(t, Idle, s.Status().Progress)
	_, err := s.Start(NewBufferSource(make([]byte, 10)), nil)
	assert.NoError(t, err)
	s.Wait()
}

func TestCancelWhenIdle(t *testing.T) {
	ops := newFakeOps()
	s := newTestSession(t, ops)

	before := s.Status()
	assert.Equal(t, ErrNoActiveUpdate, s.Cancel())
	assert.Equal(t, before, s.Status())

	_, _, _, _, cancels := ops.counts()
	assert.Equal(t, 0, cancels)
}

func TestCancelInFlight(t *testing.T) {
	ops := newFakeOps()
	started := make(chan struct{})
	ops.onPoll = func() error {
		close(started)
		<-ops.cancelled
		return ErrCanceled
	}
	s := newTestSession(t, ops)

	notifier := newCountingNotifier()
	_, err := s.Start(NewBufferSource(make([]byte, 100)), notifier)
	require.NoError(t, err)

	waitDone(t, started)
	assert.Equal(t, Programming, s.Status().Progress)

	require.NoError(t, s.Cancel())
	waitDone(t, notifier.done)
	s.Wait()

	status := s.Status()
	assert.Equal(t, Idle, status.Progress)
	assert.Equal(t, ErrCanceled, status.ErrorCode)
	assert.Equal(t, Programming, status.ErrorProgress)

	_, _, _, cleanups, _ := ops.counts()
	assert.Equal(t, 1, cleanups)
	assert.EqualValues(t, 1, atomic.LoadInt32(&notifier.notifies))
	assert.EqualValues(t, 1, atomic.LoadInt32(&notifier.closes))
}

func TestUnregisterWaitsForWorker(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	ops := newFakeOps()
	ops.onPoll = func() error {
		close(started)
		// hardware that cannot be interrupted once programming started
		<-release
		return nil
	}
	s := newTestSession(t, ops)

	_, err := s.Start(NewBufferSource(make([]byte, 100)), nil)
	require.NoError(t, err)
	waitDone(t, started)

	unregistered := make(chan struct{})
	go func() {
		s.Unregister()
		close(unregistered)
	}()

	require.Eventually(t, s.Unloading, time.Second, time.Millisecond)

	select {
	case <-unregistered:
		t.Fatal("unregister returned while the update was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = s.Start(NewBufferSource(make([]byte, 100)), nil)
	assert.Equal(t, ErrBusy, err)

	close(release)
	waitDone(t, unregistered)

	assert.Equal(t, Idle, s.Status().Progress)
	assert.Equal(t, ErrNone, s.Status().ErrorCode)

	_, err = s.Start(NewBufferSource(make([]byte, 100)), nil)
	assert.Equal(t, ErrBusy, err)

	_, _, _, _, cancels := ops.counts()
	assert.Equal(t, 1, cancels)
}

func TestUnregisterWhenIdle(t *testing.T) {
	ops := newFakeOps()
	s := newTestSession(t, ops)
	client := s.Subscribe()

	s.Unregister()

	_, ok := <-client.Events
	assert.False(t, ok)
	assert.NoError(t, client.Cancel())

	_, _, _, _, cancels := ops.counts()
	assert.Equal(t, 0, cancels)
}

func TestPayloadReleasedExactlyOnce(t *testing.T) {
	tests := []struct {
		name       string
		prepareErr error
		pollErr    error
	}{
		{name: "success"},
		{name: "prepare failure", prepareErr: ErrBusy},
		{name: "poll failure", pollErr: ErrWearout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := newFakeOps()
			ops.prepareErr = tt.prepareErr
			ops.pollErr = tt.pollErr
			s := newTestSession(t, ops)

			src := &countingSource{payload: &countingPayload{data: make([]byte, 50)}}
			status := startAndWait(t, s, src)

			assert.Equal(t, Idle, status.Progress)
			assert.EqualValues(t, 1, atomic.LoadInt32(&src.payload.releases))
		})
	}
}

func TestAcquireFailureLatchesFileReadError(t *testing.T) {
	ops := newFakeOps()
	s := newTestSession(t, ops)

	status := startAndWait(t, s, &countingSource{err: errors.New("missing")})

	assert.Equal(t, ErrFileRead, status.ErrorCode)
	assert.Equal(t, Reading, status.ErrorProgress)

	prepares, _, _, cleanups, cancels := ops.counts()
	assert.Equal(t, 0, prepares)
	assert.Equal(t, 0, cleanups)
	assert.Equal(t, 0, cancels)
}

func TestHoldFailureLatchesBusy(t *testing.T) {
	ops := &holdingOps{fakeOps: newFakeOps(), holdErr: errors.New("backend going away")}
	s := newTestSession(t, ops)

	src := &countingSource{payload: &countingPayload{data: make([]byte, 50)}}
	status := startAndWait(t, s, src)

	assert.Equal(t, ErrBusy, status.ErrorCode)
	assert.Equal(t, Reading, status.ErrorProgress)
	assert.EqualValues(t, 1, atomic.LoadInt32(&src.payload.releases))
	assert.EqualValues(t, 0, atomic.LoadInt32(&ops.releases))

	prepares, _, _, _, _ := ops.counts()
	assert.Equal(t, 0, prepares)
}

func TestHoldIsReleased(t *testing.T) {
	ops := &holdingOps{fakeOps: newFakeOps()}
	s := newTestSession(t, ops)

	status := startAndWait(t, s, NewBufferSource(make([]byte, 50)))

	assert.Equal(t, ErrNone, status.ErrorCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&ops.holds))
	assert.EqualValues(t, 1, atomic.LoadInt32(&ops.releases))
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.bin"), make([]byte, 0x4001), 0644))

	ops := newFakeOps()
	s := newTestSession(t, ops)

	client := s.Subscribe()
	status := startAndWait(t, s, NewFileSource(dir, "image.bin"))

	assert.Equal(t, ErrNone, status.ErrorCode)
	assert.EqualValues(t, 0x4001, status.Update.Size)
	assert.Equal(t, "image.bin", status.Update.Source)
	assert.Len(t, ops.writes, 2)

	first := <-client.Events
	assert.Equal(t, Reading, first.Progress)

	for _, name := range []string{"missing.bin", "../image.bin", "/etc/passwd", ""} {
		status = startAndWait(t, s, NewFileSource(dir, name))
		assert.Equal(t, ErrFileRead, status.ErrorCode, name)
		assert.Equal(t, Reading, status.ErrorProgress, name)
	}
}

func TestNotifierSignalledOnce(t *testing.T) {
	ops := newFakeOps()
	ops.pollErr = ErrHardware
	s := newTestSession(t, ops)

	notifier := newCountingNotifier()
	_, err := s.Start(NewBufferSource(make([]byte, 10)), notifier)
	require.NoError(t, err)

	waitDone(t, notifier.done)
	s.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&notifier.notifies))
	assert.EqualValues(t, 1, atomic.LoadInt32(&notifier.closes))
	assert.Equal(t, Idle, s.Status().Progress)
}

func TestCompleteHook(t *testing.T) {
	events := make(chan *Event, 1)
	s, err := NewSession(&Config{
		Name: "hooked",
		Ops:  newFakeOps(),
		Complete: func(event *Event) {
			events <- event
		},
	})
	require.NoError(t, err)

	update, err := s.Start(NewBufferSource(make([]byte, 10)), nil)
	require.NoError(t, err)

	event := <-events
	assert.Equal(t, "hooked", event.Session)
	assert.Equal(t, Idle, event.Progress)
	assert.Equal(t, update.Id, event.Update.Id)
}

func TestStartRejectsIdleSource(t *testing.T) {
	s := newTestSession(t, newFakeOps())

	_, err := s.Start(nil, nil)
	assert.Error(t, err)

	_, err = s.Start(idleSource{}, nil)
	assert.Error(t, err)
	assert.Equal(t, Idle, s.Status().Progress)
}

type idleSource struct{}

func (idleSource) Phase() Progress           { return Idle }
func (idleSource) String() string            { return "idle" }
func (idleSource) Acquire() (Payload, error) { return nil, nil }

// gatedSource blocks in Acquire until the gate is opened.
type gatedSource struct {
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedSource) Phase() Progress {
	return Reading
}

func (s *gatedSource) String() string {
	return "gated"
}

func (s *gatedSource) Acquire() (Payload, error) {
	close(s.entered)
	<-s.gate
	return &bufferPayload{data: make([]byte, 64)}, nil
}

func TestCancelWhileReading(t *testing.T) {
	ops := newFakeOps()
	s := newTestSession(t, ops)

	src := &gatedSource{
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}

	_, err := s.Start(src, nil)
	require.NoError(t, err)
	waitDone(t, src.entered)

	require.NoError(t, s.Cancel())
	close(src.gate)
	s.Wait()

	status := s.Status()
	assert.Equal(t, ErrCanceled, status.ErrorCode)
	assert.Equal(t, Reading, status.ErrorProgress)

	prepares, writes, _, cleanups, _ := ops.counts()
	assert.Zero(t, prepares)
	assert.Empty(t, writes)
	assert.Zero(t, cleanups)

	// the request does not leak into the next update
	startAndWait(t, s, NewBufferSource(make([]byte, 64)))
	assert.Equal(t, ErrNone, s.Status().ErrorCode)
}

func TestCancelStopsTransferBetweenChunks(t *testing.T) {
	ops := newFakeOps()
	var session *Session
	var cancelErr error
	ops.onWrite = func(call int, offset, size uint32) (uint32, error) {
		if call == 1 {
			cancelErr = session.Cancel()
		}
		return size, nil
	}
	session = newTestSession(t, ops)

	startAndWait(t, session, NewBufferSource(make([]byte, 5*DefaultChunkSize)))

	require.NoError(t, cancelErr)

	status := session.Status()
	assert.Equal(t, ErrCanceled, status.ErrorCode)
	assert.Equal(t, Writing, status.ErrorProgress)
	assert.EqualValues(t, 4*DefaultChunkSize, status.RemainingSize)

	_, writes, polls, cleanups, _ := ops.counts()
	assert.Equal(t, 1, writes)
	assert.Zero(t, polls)
	assert.Equal(t, 1, cleanups)
}

// slowNotifier takes its time to signal, like a notifier writing to a
// device file.
type slowNotifier struct {
	notified int32
}

func (n *slowNotifier) Notify() error {
	time.Sleep(50 * time.Millisecond)
	atomic.StoreInt32(&n.notified, 1)
	return nil
}

func TestUnregisterWaitsForCompletion(t *testing.T) {
	var completed int32
	s, err := NewSession(&Config{
		Name: "slow",
		Ops:  newFakeOps(),
		Complete: func(*Event) {
			time.Sleep(50 * time.Millisecond)
			atomic.StoreInt32(&completed, 1)
		},
	})
	require.NoError(t, err)

	notifier := &slowNotifier{}
	_, err = s.Start(NewBufferSource(make([]byte, 10)), notifier)
	require.NoError(t, err)

	s.Unregister()

	assert.EqualValues(t, 1, atomic.LoadInt32(&notifier.notified))
	assert.EqualValues(t, 1, atomic.LoadInt32(&completed))
}

func TestDrainWaitsForWorkerThatWentIdle(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	s, err := NewSession(&Config{
		Name: "hooked",
		Ops:  newFakeOps(),
		Complete: func(*Event) {
			close(entered)
			<-release
		},
	})
	require.NoError(t, err)

	_, err = s.Start(NewBufferSource(make([]byte, 10)), nil)
	require.NoError(t, err)
	waitDone(t, entered)

	// idle is already published while the hook still runs
	assert.Equal(t, Idle, s.Status().Progress)

	drained := make(chan struct{})
	go func() {
		s.Drain()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drain returned before the update signalled completion")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	waitDone(t, drained)
}
