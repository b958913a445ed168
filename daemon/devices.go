package daemon

import (
	"github.com/go-errors/errors"
	"github.com/the-lightning-land/fwloadd/m10bmc"
	"gopkg.in/yaml.v3"
	"io"
	"os"
	"periph.io/x/periph/conn/physic"
	"time"
)

const (
	KindSecMgr    = "secmgr"
	KindImageLoad = "imageload"

	BackendSim = "sim"
	BackendSPI = "spi"
)

// DeviceFile is the layout of the YAML device file.
type DeviceFile struct {
	Devices []*DeviceConfig `yaml:"devices"`
}

// DeviceConfig describes one device and the backend behind it.
type DeviceConfig struct {
	Kind    string        `yaml:"kind"`
	Backend string        `yaml:"backend"`
	SPI     *SPIConfig    `yaml:"spi,omitempty"`
	Sim     *SimConfig    `yaml:"sim,omitempty"`
	Timing  *TimingConfig `yaml:"timing,omitempty"`
}

type SPIConfig struct {
	Port string `yaml:"port"`
	Hz   int64  `yaml:"hz"`
}

// SimConfig tunes the emulated BMC.
type SimConfig struct {
	PrepareReads int    `yaml:"prepare_reads"`
	ProgramReads int    `yaml:"program_reads"`
	FinalStatus  uint32 `yaml:"final_status"`
}

// TimingConfig overrides single handshake timings, zero keeps the default.
type TimingConfig struct {
	HandshakeInterval time.Duration `yaml:"handshake_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	PrepareInterval   time.Duration `yaml:"prepare_interval"`
	PrepareTimeout    time.Duration `yaml:"prepare_timeout"`
	CompleteInterval  time.Duration `yaml:"complete_interval"`
	CompleteTimeout   time.Duration `yaml:"complete_timeout"`
}

const defaultSPIHz = 10000000

// LoadDeviceFile reads the device file at path.
func LoadDeviceFile(path string) ([]*DeviceConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Errorf("Could not open device file: %v", err)
	}

	defer f.Close()

	return ParseDevices(f)
}

// ParseDevices decodes and validates a device file.
func ParseDevices(r io.Reader) ([]*DeviceConfig, error) {
	file := &DeviceFile{}

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(file); err != nil && err != io.EOF {
		return nil, errors.Errorf("Could not parse device file: %v", err)
	}

	for i, dc := range file.Devices {
		if err := dc.validate(); err != nil {
			return nil, errors.Errorf("Invalid device %d: %v", i, err)
		}
	}

	return file.Devices, nil
}

func (dc *DeviceConfig) validate() error {
	switch dc.Kind {
	case KindSecMgr, KindImageLoad:
	default:
		return errors.Errorf("unknown kind %q", dc.Kind)
	}

	switch dc.Backend {
	case BackendSim:
	case BackendSPI:
		if dc.SPI == nil {
			return errors.New("spi backend requires spi settings")
		}
	default:
		return errors.Errorf("unknown backend %q", dc.Backend)
	}

	return nil
}

func (dc *DeviceConfig) timing() m10bmc.Timing {
	timing := m10bmc.DefaultTiming
	if dc.Timing == nil {
		return timing
	}

	override := func(dst *time.Duration, val time.Duration) {
		if val != 0 {
			*dst = val
		}
	}

	override(&timing.HandshakeInterval, dc.Timing.HandshakeInterval)
	override(&timing.HandshakeTimeout, dc.Timing.HandshakeTimeout)
	override(&timing.PrepareInterval, dc.Timing.PrepareInterval)
	override(&timing.PrepareTimeout, dc.Timing.PrepareTimeout)
	override(&timing.CompleteInterval, dc.Timing.CompleteInterval)
	override(&timing.CompleteTimeout, dc.Timing.CompleteTimeout)

	return timing
}

// regmap opens the register transport of the backend. The closer is nil
// when there is nothing to release.
func (dc *DeviceConfig) regmap() (m10bmc.Regmap, io.Closer, error) {
	switch dc.Backend {
	case BackendSim:
		sim := m10bmc.NewSim()
		if dc.Sim != nil {
			sim.PrepareReads = dc.Sim.PrepareReads
			sim.ProgramReads = dc.Sim.ProgramReads
			sim.FinalStatus = dc.Sim.FinalStatus
		}
		return sim, nil, nil

	case BackendSPI:
		hz := dc.SPI.Hz
		if hz == 0 {
			hz = defaultSPIHz
		}

		port, err := m10bmc.OpenSPI(dc.SPI.Port, physic.Frequency(hz)*physic.Hertz)
		if err != nil {
			return nil, nil, err
		}
		return port, port, nil
	}

	return nil, nil, errors.Errorf("unknown backend %q", dc.Backend)
}
