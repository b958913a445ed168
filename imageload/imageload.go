package imageload

import (
	"github.com/go-errors/errors"
	"github.com/the-lightning-land/fwloadd/updater"
	"io"
	"sync"
)

// NameFormat names image load devices after their registry handle.
const NameFormat = "fpga_image_load%d"

// Progress codes reported by ImageStatus.
const (
	ProgIdle uint32 = iota
	ProgStarting
	ProgPreparing
	ProgWriting
	ProgProgramming
	ProgMax
)

// Error codes reported by ImageStatus.
const (
	ErrCodeNone uint32 = iota
	ErrCodeHardware
	ErrCodeTimeout
	ErrCodeCanceled
	ErrCodeBusy
	ErrCodeInvalidSize
	ErrCodeReadWrite
	ErrCodeWearout
	ErrCodeMax
)

var progressCodes = map[updater.Progress]uint32{
	updater.Idle:        ProgIdle,
	updater.Reading:     ProgStarting,
	updater.Preparing:   ProgPreparing,
	updater.Writing:     ProgWriting,
	updater.Programming: ProgProgramming,
}

var errorCodes = map[updater.ErrorCode]uint32{
	updater.ErrNone:        ErrCodeNone,
	updater.ErrHardware:    ErrCodeHardware,
	updater.ErrTimeout:     ErrCodeTimeout,
	updater.ErrCanceled:    ErrCodeCanceled,
	updater.ErrBusy:        ErrCodeBusy,
	updater.ErrInvalidSize: ErrCodeInvalidSize,
	updater.ErrReadWrite:   ErrCodeReadWrite,
	updater.ErrWearout:     ErrCodeWearout,
}

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrBusy            = errors.New("device or resource busy")
	ErrNoDevice        = errors.New("no update in progress")
	ErrClosed          = errors.New("file already closed")
)

// ImageWrite requests an update with an in-memory image.
type ImageWrite struct {
	// Flags must be zero.
	Flags uint32
	Buf   []byte
	// Notify is signalled once the update is done and released afterwards.
	Notify updater.Notifier
}

type ImageStatus struct {
	RemainingSize uint32
	Progress      uint32
	ErrProgress   uint32
	ErrCode       uint32
}

type Config struct {
	Registry  *updater.Registry
	Ops       updater.Ops
	ChunkSize uint32
	Logger    Logger
	Complete  func(*updater.Event)
}

// Device accepts updates through at most one open File at a time.
type Device struct {
	session  *updater.Session
	registry *updater.Registry
	log      Logger

	mtx    sync.Mutex
	opened bool
}

// Register creates the session of a new image load device.
func Register(config *Config) (*Device, error) {
	if config.Registry == nil {
		return nil, errors.New("image load requires a registry")
	}

	var logger Logger = noopLogger{}
	if config.Logger != nil {
		logger = config.Logger
	}

	session, err := config.Registry.Register(&updater.Config{
		NameFormat: NameFormat,
		Ops:        config.Ops,
		ChunkSize:  config.ChunkSize,
		Logger:     logger,
		Complete:   config.Complete,
	})
	if err != nil {
		return nil, err
	}

	return &Device{
		session:  session,
		registry: config.Registry,
		log:      logger,
	}, nil
}

func (d *Device) Name() string {
	return d.session.Name()
}

func (d *Device) Session() *updater.Session {
	return d.session
}

// Unregister removes the device, waiting for an update in flight to finish.
func (d *Device) Unregister() error {
	return d.registry.Unregister(d.session.Id())
}

// Open claims the device. It fails with ErrBusy while another File is open.
func (d *Device) Open() (*File, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.opened {
		return nil, ErrBusy
	}

	d.opened = true

	return &File{dev: d}, nil
}

// File is an open handle on an image load device.
type File struct {
	dev *Device

	mtx    sync.Mutex
	closed bool
}

// Device returns the device the file was opened on.
func (f *File) Device() *Device {
	return f.dev
}

// Write starts an update with a copy of req.Buf. The file takes ownership of
// req.Notify: it is released after signalling, or right away when the write
// is rejected.
func (f *File) Write(req *ImageWrite) (*updater.Update, error) {
	update, err := f.write(req)
	if err != nil && req != nil {
		f.release(req.Notify)
	}

	return update, err
}

func (f *File) write(req *ImageWrite) (*updater.Update, error) {
	if err := f.check(); err != nil {
		return nil, err
	}

	if req == nil || req.Flags != 0 || len(req.Buf) == 0 || req.Notify == nil {
		return nil, ErrInvalidArgument
	}

	buf := make([]byte, len(req.Buf))
	copy(buf, req.Buf)

	update, err := f.dev.session.Start(updater.NewBufferSource(buf), req.Notify)
	if err == updater.ErrBusy {
		return nil, ErrBusy
	} else if err != nil {
		return nil, err
	}

	return update, nil
}

func (f *File) release(notify updater.Notifier) {
	closer, ok := notify.(io.Closer)
	if !ok {
		return
	}

	if err := closer.Close(); err != nil {
		f.dev.log.Warnf("Could not release notifier of rejected write to %v: %v", f.dev.Name(), err)
	}
}

func (f *File) Status() (*ImageStatus, error) {
	if err := f.check(); err != nil {
		return nil, err
	}

	return f.dev.imageStatus(f.dev.session.Status()), nil
}

// Cancel aborts the update in flight. It fails with ErrNoDevice when the
// device is idle.
func (f *File) Cancel() error {
	if err := f.check(); err != nil {
		return err
	}

	if err := f.dev.session.Cancel(); err == updater.ErrNoActiveUpdate {
		return ErrNoDevice
	} else if err != nil {
		return err
	}

	return nil
}

// Close cancels an update still in flight and waits for it before the
// device can be opened again.
func (f *File) Close() error {
	f.mtx.Lock()
	if f.closed {
		f.mtx.Unlock()
		return ErrClosed
	}
	f.closed = true
	f.mtx.Unlock()

	f.dev.session.Drain()

	f.dev.mtx.Lock()
	f.dev.opened = false
	f.dev.mtx.Unlock()

	return nil
}

func (f *File) check() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	if f.closed {
		return ErrClosed
	}

	return nil
}

func (d *Device) imageStatus(status *updater.Status) *ImageStatus {
	return &ImageStatus{
		RemainingSize: status.RemainingSize,
		Progress:      d.progressCode(status.Progress),
		ErrProgress:   d.progressCode(status.ErrorProgress),
		ErrCode:       d.errorCode(status.ErrorCode),
	}
}

func (d *Device) progressCode(progress updater.Progress) uint32 {
	code, ok := progressCodes[progress]
	if !ok {
		d.log.Errorf("Invalid progress %d of %v", progress, d.Name())
		return ProgMax
	}

	return code
}

func (d *Device) errorCode(errCode updater.ErrorCode) uint32 {
	code, ok := errorCodes[errCode]
	if !ok {
		d.log.Errorf("Invalid error code %v of %v", errCode, d.Name())
		return ErrCodeMax
	}

	return code
}
