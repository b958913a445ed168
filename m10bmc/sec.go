package m10bmc

import (
	"context"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-errors/errors"
	"github.com/the-lightning-land/fwloadd/updater"
	"sync"
	"time"
)

var (
	errPending  = errors.New("bmc condition not reached")
	ErrUnloaded = errors.New("bmc backend is closed")
)

// Config configures the secure update backend of a MAX10 BMC.
type Config struct {
	Regmap Regmap
	// Timing defaults to DefaultTiming when left empty
	Timing Timing
	// StagingSize defaults to StagingSize when zero
	StagingSize uint32
	Logger      Logger
}

// Sec drives the doorbell handshake of the BMC secure update engine. It
// implements updater.Ops and updater.Holder.
type Sec struct {
	regmap      Regmap
	timing      Timing
	stagingSize uint32
	log         Logger

	// serializes read-modify-write cycles on the doorbell
	drbl sync.Mutex

	mtx    sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	held   bool
	closed bool
}

var (
	_ updater.Ops    = (*Sec)(nil)
	_ updater.Holder = (*Sec)(nil)
)

func NewSec(config *Config) (*Sec, error) {
	if config.Regmap == nil {
		return nil, errors.New("bmc backend requires a register map")
	}

	if config.Regmap.Stride() == 0 {
		return nil, errors.New("register map reports a zero stride")
	}

	timing := config.Timing
	if timing == (Timing{}) {
		timing = DefaultTiming
	}

	stagingSize := config.StagingSize
	if stagingSize == 0 {
		stagingSize = StagingSize
	}

	var logger Logger = noopLogger{}
	if config.Logger != nil {
		logger = config.Logger
	}

	return &Sec{
		regmap:      config.Regmap,
		timing:      timing,
		stagingSize: stagingSize,
		log:         logger,
	}, nil
}

// Hold claims the backend for one update and arms a fresh cancellation
// context. A cancel requested before Hold has nothing to abort.
func (s *Sec) Hold() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return ErrUnloaded
	}

	if s.held {
		return updater.ErrBusy
	}

	s.held = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	return nil
}

func (s *Sec) Release() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	s.held = false
	s.ctx = nil
	s.cancel = nil
}

// Close refuses further updates. An update already holding the backend runs
// to its end.
func (s *Sec) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.closed = true

	return nil
}

func (s *Sec) context() context.Context {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.ctx == nil {
		return context.Background()
	}

	return s.ctx
}

func (s *Sec) Prepare(data []byte) error {
	if uint32(len(data)) > s.stagingSize {
		s.log.Errorf("image of %d bytes exceeds staging area of %d bytes", len(data), s.stagingSize)
		return updater.ErrInvalidSize
	}

	ctx := s.context()

	if err := s.checkIdle(); err != nil {
		return err
	}

	if err := s.updateInit(ctx); err != nil {
		return err
	}

	return s.progReady(ctx)
}

func (s *Sec) Write(data []byte, offset, size uint32) (uint32, error) {
	if err := s.context().Err(); err != nil {
		return 0, updater.ErrCanceled
	}

	doorbell, err := s.regmap.Read(DoorbellAddr)
	if err != nil {
		return 0, s.readWriteError(err)
	}

	if prog := rsuProg(doorbell); prog != ProgReady {
		s.log.Errorf("bmc left ready state during write, progress 0x%x", prog)
		return 0, updater.ErrHardware
	}

	if uint64(offset)+uint64(size) > uint64(len(data)) {
		return 0, errors.Errorf("write of %d bytes at %d exceeds image of %d bytes", size, offset, len(data))
	}

	buf := data[offset : offset+size]

	stride := s.regmap.Stride()
	if rem := size % stride; rem != 0 {
		padded := make([]byte, size+stride-rem)
		copy(padded, buf)
		buf = padded
	}

	if err := s.regmap.BulkWrite(StagingBase+offset, buf); err != nil {
		return 0, s.readWriteError(err)
	}

	return size, nil
}

func (s *Sec) PollComplete() error {
	ctx := s.context()

	if err := s.sendData(ctx); err != nil {
		return err
	}

	_, err := s.poll(ctx, s.timing.CompleteInterval, s.timing.CompleteTimeout, checkComplete)
	if err != nil {
		if err == updater.ErrTimeout {
			s.log.Errorf("timed out waiting for bmc to finish programming")
		}
		s.logErrorRegs()
		return err
	}

	return nil
}

// Cancel stops any poll in progress and asks the BMC to abort when it is
// still accepting data.
func (s *Sec) Cancel() {
	s.mtx.Lock()
	cancel := s.cancel
	s.mtx.Unlock()

	if cancel != nil {
		cancel()
	}

	s.drbl.Lock()
	defer s.drbl.Unlock()

	doorbell, err := s.regmap.Read(DoorbellAddr)
	if err != nil {
		s.log.Warnf("unable to read doorbell on cancel: %v", err)
		return
	}

	if rsuProg(doorbell) != ProgReady {
		return
	}

	doorbell = doorbell&^HostStatusMask | hostStatusField(HostAbortRSU)
	if err := s.regmap.Write(DoorbellAddr, doorbell); err != nil {
		s.log.Warnf("unable to abort bmc update: %v", err)
		return
	}

	s.log.Infof("requested bmc to abort the update")
}

// HwErrinfo packs the doorbell and the authentication result for failures
// the BMC itself reported. All ones means the registers were unreadable.
func (s *Sec) HwErrinfo(code updater.ErrorCode) uint64 {
	switch code {
	case updater.ErrHardware, updater.ErrTimeout, updater.ErrBusy, updater.ErrWearout:
	default:
		return 0
	}

	doorbell, err := s.regmap.Read(DoorbellAddr)
	if err != nil {
		doorbell = 0xffffffff
	}

	auth, err := s.regmap.Read(AuthResultAddr)
	if err != nil {
		auth = 0xffffffff
	}

	return uint64(doorbell)<<32 | uint64(auth)
}

func (s *Sec) checkIdle() error {
	doorbell, err := s.regmap.Read(DoorbellAddr)
	if err != nil {
		return s.readWriteError(err)
	}

	if prog := rsuProg(doorbell); prog != ProgIdle && prog != ProgRSUDone {
		s.log.Warnf("bmc is busy, progress 0x%x", prog)
		s.logErrorRegs()
		return updater.ErrBusy
	}

	return nil
}

func (s *Sec) updateInit(ctx context.Context) error {
	err := s.updateBits(RSURequest|HostStatusMask, RSURequest|hostStatusField(HostIdle))
	if err != nil {
		return s.readWriteError(err)
	}

	doorbell, err := s.poll(ctx, s.timing.HandshakeInterval, s.timing.HandshakeTimeout, rsuStartDone)
	if err == updater.ErrTimeout {
		s.log.Errorf("timed out waiting for bmc to accept the update request")
		s.logErrorRegs()
		return err
	} else if err != nil {
		return err
	}

	switch rsuStat(doorbell) {
	case StatWearout:
		s.log.Warnf("excessive flash update count detected")
		return updater.ErrWearout
	case StatEraseFail:
		s.logErrorRegs()
		return updater.ErrHardware
	}

	return nil
}

func (s *Sec) progReady(ctx context.Context) error {
	doorbell, err := s.poll(ctx, s.timing.PrepareInterval, s.timing.PrepareTimeout, func(doorbell uint32) error {
		if rsuProg(doorbell) == ProgPrepare {
			return errPending
		}
		return nil
	})

	if err == updater.ErrTimeout {
		s.log.Errorf("timed out waiting for bmc to prepare the staging area")
		s.logErrorRegs()
		return err
	} else if err != nil {
		return err
	}

	if rsuProg(doorbell) != ProgReady {
		s.logErrorRegs()
		return updater.ErrHardware
	}

	return nil
}

func (s *Sec) sendData(ctx context.Context) error {
	err := s.updateBits(HostStatusMask, hostStatusField(HostWriteDone))
	if err != nil {
		return s.readWriteError(err)
	}

	doorbell, err := s.poll(ctx, s.timing.HandshakeInterval, s.timing.HandshakeTimeout, func(doorbell uint32) error {
		if rsuProg(doorbell) == ProgReady {
			return errPending
		}
		return nil
	})

	if err != nil {
		s.logErrorRegs()
		return err
	}

	if !rsuStatOK(rsuStat(doorbell)) {
		s.logErrorRegs()
		return updater.ErrHardware
	}

	return nil
}

func rsuStartDone(doorbell uint32) error {
	if doorbell&RSURequest != 0 {
		return errPending
	}

	if stat := rsuStat(doorbell); stat == StatEraseFail || stat == StatWearout {
		return nil
	}

	if prog := rsuProg(doorbell); prog != ProgIdle && prog != ProgRSUDone {
		return nil
	}

	return errPending
}

func checkComplete(doorbell uint32) error {
	if stat := rsuStat(doorbell); !rsuStatOK(stat) && stat != StatWearout {
		return backoff.Permanent(updater.ErrHardware)
	}

	switch rsuProg(doorbell) {
	case ProgIdle, ProgRSUDone:
		return nil
	case ProgAuthenticating, ProgCopying, ProgUpdateCancel, ProgProgramKeyHash:
		return errPending
	default:
		return backoff.Permanent(updater.ErrHardware)
	}
}

// poll reads the doorbell at a fixed interval until cond accepts it, the
// timeout expires or the update is canceled.
func (s *Sec) poll(ctx context.Context, interval, timeout time.Duration, cond func(uint32) error) (uint32, error) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(interval),
		backoff.WithMaxInterval(interval),
		backoff.WithMultiplier(1),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(timeout),
	)

	var doorbell uint32
	err := backoff.Retry(func() error {
		val, err := s.regmap.Read(DoorbellAddr)
		if err != nil {
			return backoff.Permanent(s.readWriteError(err))
		}

		doorbell = val

		return cond(val)
	}, backoff.WithContext(b, ctx))

	if err == nil {
		return doorbell, nil
	}

	if ctx.Err() != nil {
		return doorbell, updater.ErrCanceled
	}

	if err == errPending {
		return doorbell, updater.ErrTimeout
	}

	return doorbell, updater.CodeOf(err)
}

func (s *Sec) updateBits(mask, val uint32) error {
	s.drbl.Lock()
	defer s.drbl.Unlock()

	doorbell, err := s.regmap.Read(DoorbellAddr)
	if err != nil {
		return err
	}

	return s.regmap.Write(DoorbellAddr, doorbell&^mask|val&mask)
}

func (s *Sec) readWriteError(err error) error {
	s.log.Errorf("bmc register access failed: %v", err)
	return updater.ErrReadWrite
}

func (s *Sec) logErrorRegs() {
	doorbell, err := s.regmap.Read(DoorbellAddr)
	if err != nil {
		return
	}

	s.log.Errorf("doorbell 0x%08x: progress 0x%x, status 0x%x, host status 0x%x",
		doorbell, rsuProg(doorbell), rsuStat(doorbell), hostStatus(doorbell))

	if auth, err := s.regmap.Read(AuthResultAddr); err == nil {
		s.log.Errorf("authentication result 0x%08x", auth)
	}
}
