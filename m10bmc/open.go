package m10bmc

import (
	"github.com/go-errors/errors"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"
)

// SPIPort is an open SPI port with the BMC register map behind it.
type SPIPort struct {
	*SPIRegmap
	port spi.PortCloser
}

// OpenSPI opens the named SPI port, or the first one when name is empty,
// and connects to the BMC at the given clock.
func OpenSPI(name string, freq physic.Frequency) (*SPIPort, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Errorf("unable to initialize host drivers: %v", err)
	}

	port, err := spireg.Open(name)
	if err != nil {
		return nil, errors.Errorf("unable to open spi port %q: %v", name, err)
	}

	c, err := port.Connect(freq, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, errors.Errorf("unable to connect to spi port %q: %v", name, err)
	}

	return &SPIPort{
		SPIRegmap: NewSPIRegmap(c),
		port:      port,
	}, nil
}

func (p *SPIPort) Close() error {
	return p.port.Close()
}
