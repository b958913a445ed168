package daemon

import (
	"context"
	"github.com/go-errors/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/the-lightning-land/fwloadd/api"
	"github.com/the-lightning-land/fwloadd/fwdb"
	"github.com/the-lightning-land/fwloadd/imageload"
	"github.com/the-lightning-land/fwloadd/m10bmc"
	"github.com/the-lightning-land/fwloadd/secmgr"
	"github.com/the-lightning-land/fwloadd/updater"
	"io"
	"net"
	"sync"
	"time"
)

// shutdownTimeout bounds how long open API requests may take to finish.
const shutdownTimeout = 5 * time.Second

type Config struct {
	DB          *fwdb.DB
	FirmwareDir string
	ChunkSize   uint32
	// Listen are the addresses the API is served on
	Listen  []string
	Devices []*DeviceConfig
	// Metrics defaults to a fresh registry
	Metrics *prometheus.Registry
	Logger  Logger
	// DeviceLogger creates the logger of a device backend
	DeviceLogger func(kind string) Logger
}

// Daemon is the central controller. It owns every registered device, the
// update history and the API.
type Daemon struct {
	registry     *updater.Registry
	db           *fwdb.DB
	api          *api.Api
	metrics      *metrics
	firmwareDir  string
	chunkSize    uint32
	listen       []string
	log          Logger
	deviceLogger func(kind string) Logger

	mtx        sync.Mutex
	secmgrs    map[string]*secmgr.Device
	imageloads map[string]*imageload.File
	backends   []*m10bmc.Sec
	closers    []io.Closer
	listeners  []net.Listener

	done         chan struct{}
	shutdownOnce sync.Once
}

func New(config *Config) (*Daemon, error) {
	if config.DB == nil {
		return nil, errors.New("daemon requires a history database")
	}

	d := &Daemon{
		registry:     updater.NewRegistry(),
		db:           config.DB,
		firmwareDir:  config.FirmwareDir,
		chunkSize:    config.ChunkSize,
		listen:       config.Listen,
		deviceLogger: config.DeviceLogger,
		secmgrs:      make(map[string]*secmgr.Device),
		imageloads:   make(map[string]*imageload.File),
		done:         make(chan struct{}),
	}

	if config.Logger != nil {
		d.log = config.Logger
	} else {
		d.log = noopLogger{}
	}

	if d.deviceLogger == nil {
		d.deviceLogger = func(string) Logger {
			return d.log
		}
	}

	promRegistry := config.Metrics
	if promRegistry == nil {
		promRegistry = prometheus.NewRegistry()
	}

	d.metrics = newMetrics(d.registry)
	if err := d.metrics.register(promRegistry); err != nil {
		return nil, errors.Errorf("Could not register metrics: %v", err)
	}

	d.api = api.New(&api.Config{
		Registry: d.registry,
		Devices:  d,
		History:  d.db,
		Gatherer: promRegistry,
		Log:      d.log,
	})

	for _, dc := range config.Devices {
		if _, err := d.AddDevice(dc); err != nil {
			d.release()
			return nil, err
		}
	}

	return d, nil
}

// AddDevice opens the backend of a device and registers it. It returns the
// name the device was registered under.
func (d *Daemon) AddDevice(dc *DeviceConfig) (string, error) {
	if err := dc.validate(); err != nil {
		return "", err
	}

	regmap, closer, err := dc.regmap()
	if err != nil {
		return "", errors.Errorf("Could not open %v backend: %v", dc.Backend, err)
	}

	logger := d.deviceLogger(dc.Kind)

	sec, err := m10bmc.NewSec(&m10bmc.Config{
		Regmap: regmap,
		Timing: dc.timing(),
		Logger: logger,
	})
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return "", err
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()

	name, err := d.registerLocked(dc.Kind, sec, logger)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return "", err
	}

	d.backends = append(d.backends, sec)
	if closer != nil {
		d.closers = append(d.closers, closer)
	}

	d.log.Infof("Added %v device %v on %v backend", dc.Kind, name, dc.Backend)

	return name, nil
}

func (d *Daemon) registerLocked(kind string, sec *m10bmc.Sec, logger Logger) (string, error) {
	switch kind {
	case KindSecMgr:
		dev, err := secmgr.Register(&secmgr.Config{
			Registry:    d.registry,
			Ops:         sec,
			FirmwareDir: d.firmwareDir,
			ChunkSize:   d.chunkSize,
			Logger:      logger,
			Complete:    d.complete,
		})
		if err != nil {
			return "", err
		}

		d.secmgrs[dev.Name()] = dev

		return dev.Name(), nil

	case KindImageLoad:
		dev, err := imageload.Register(&imageload.Config{
			Registry:  d.registry,
			Ops:       sec,
			ChunkSize: d.chunkSize,
			Logger:    logger,
			Complete:  d.complete,
		})
		if err != nil {
			return "", err
		}

		// the daemon keeps the device open for the API
		file, err := dev.Open()
		if err != nil {
			return "", err
		}

		d.imageloads[dev.Name()] = file

		return dev.Name(), nil
	}

	return "", errors.Errorf("unknown kind %q", kind)
}

// SecMgr returns the security manager device with the given name.
func (d *Daemon) SecMgr(name string) (*secmgr.Device, bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	dev, ok := d.secmgrs[name]
	return dev, ok
}

// ImageLoad returns the open file of the image load device with the given
// name.
func (d *Daemon) ImageLoad(name string) (*imageload.File, bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	f, ok := d.imageloads[name]
	return f, ok
}

func (d *Daemon) Registry() *updater.Registry {
	return d.registry
}

// complete persists the outcome of every finished update.
func (d *Daemon) complete(event *updater.Event) {
	d.metrics.observe(event)

	if event.Update == nil {
		return
	}

	record := &fwdb.UpdateRecord{
		Id:       event.Update.Id,
		Device:   event.Session,
		Source:   event.Update.Source,
		Size:     event.Update.Size,
		Started:  event.Update.Started,
		Finished: event.Update.Finished,
	}

	if event.ErrorCode != updater.ErrNone {
		record.ErrorProgress = event.ErrorProgress.String()
		record.Error = event.ErrorCode.String()
	}

	if err := d.db.PutUpdate(record); err != nil {
		d.log.Errorf("Could not save update %v of %v: %v", record.Id, record.Device, err)
	}
}

// Run serves the API until Shutdown is called and then drains all devices.
func (d *Daemon) Run() error {
	d.log.Infof("Starting daemon with %d devices...", len(d.registry.Sessions()))

	for _, addr := range d.listen {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			d.stop()
			return errors.Errorf("API server unable to listen on %v: %v", addr, err)
		}

		d.mtx.Lock()
		d.listeners = append(d.listeners, lis)
		d.mtx.Unlock()

		d.log.Infof("Serving API on %v", lis.Addr())

		go func() {
			err := d.api.Serve(lis)
			if err != nil {
				d.log.Errorf("Could not serve api: %v", err)
			}
		}()
	}

	<-d.done

	d.stop()

	return nil
}

// Addrs returns the addresses the API is listening on.
func (d *Daemon) Addrs() []net.Addr {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	addrs := make([]net.Addr, 0, len(d.listeners))
	for _, lis := range d.listeners {
		addrs = append(addrs, lis.Addr())
	}

	return addrs
}

// Shutdown makes Run return once every device has been drained.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		close(d.done)
	})
}

func (d *Daemon) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.api.Shutdown(ctx); err != nil {
		d.log.Warnf("Could not gracefully stop api: %v", err)
	}

	d.release()
}

// release drains and unregisters every device and closes the backends.
func (d *Daemon) release() {
	d.mtx.Lock()
	files := make([]*imageload.File, 0, len(d.imageloads))
	for _, f := range d.imageloads {
		files = append(files, f)
	}
	d.mtx.Unlock()

	for _, f := range files {
		if err := f.Close(); err != nil && err != imageload.ErrClosed {
			d.log.Warnf("Could not close %v: %v", f.Device().Name(), err)
		}
	}

	d.log.Infof("Waiting for all devices to finish...")

	if err := d.registry.Close(); err != nil {
		d.log.Errorf("Could not unregister all devices: %v", err)
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()

	for _, sec := range d.backends {
		sec.Close()
	}

	for _, closer := range d.closers {
		if err := closer.Close(); err != nil {
			d.log.Warnf("Could not close device backend: %v", err)
		}
	}

	d.backends = nil
	d.closers = nil

	d.log.Infof("Stopped all devices.")
}
