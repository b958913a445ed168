package m10bmc

import (
	"encoding/binary"
	"github.com/go-errors/errors"
	"periph.io/x/periph/conn"
	"sync"
)

// Regmap gives word access to the BMC address space. Implementations must be
// safe for concurrent use.
type Regmap interface {
	Read(addr uint32) (uint32, error)
	Write(addr uint32, val uint32) error
	// BulkRead and BulkWrite transfer little endian words, len(buf) must
	// be a multiple of Stride.
	BulkRead(addr uint32, buf []byte) error
	BulkWrite(addr uint32, buf []byte) error
	Stride() uint32
}

const (
	spiCmdWrite = 0x02
	spiCmdRead  = 0x03

	spiHeaderLen = 7
	// spidev limits a single transfer to one page
	spiMaxFrame = 4096
)

// SPIRegmap talks to the BMC through a SPI bridge. Every frame carries a
// command byte, a big endian address and a big endian payload length.
type SPIRegmap struct {
	mtx  sync.Mutex
	conn conn.Conn
}

// compile time check for protocol compatibility
var _ Regmap = (*SPIRegmap)(nil)

func NewSPIRegmap(c conn.Conn) *SPIRegmap {
	return &SPIRegmap{conn: c}
}

func (m *SPIRegmap) Stride() uint32 {
	return 4
}

func (m *SPIRegmap) Read(addr uint32) (uint32, error) {
	buf := make([]byte, 4)
	if err := m.BulkRead(addr, buf); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf), nil
}

func (m *SPIRegmap) Write(addr uint32, val uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, val)

	return m.BulkWrite(addr, buf)
}

func (m *SPIRegmap) BulkRead(addr uint32, buf []byte) error {
	if len(buf)%4 != 0 {
		return errors.Errorf("bulk read of %d bytes is not word aligned", len(buf))
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	for len(buf) > 0 {
		n := len(buf)
		if n > spiMaxFrame-spiHeaderLen {
			n = (spiMaxFrame - spiHeaderLen) &^ 3
		}

		w := make([]byte, spiHeaderLen+n)
		r := make([]byte, spiHeaderLen+n)
		putHeader(w, spiCmdRead, addr, n)

		if err := m.conn.Tx(w, r); err != nil {
			return errors.Errorf("spi read at 0x%08x failed: %v", addr, err)
		}

		copy(buf[:n], r[spiHeaderLen:])
		buf = buf[n:]
		addr += uint32(n)
	}

	return nil
}

func (m *SPIRegmap) BulkWrite(addr uint32, buf []byte) error {
	if len(buf)%4 != 0 {
		return errors.Errorf("bulk write of %d bytes is not word aligned", len(buf))
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	for len(buf) > 0 {
		n := len(buf)
		if n > spiMaxFrame-spiHeaderLen {
			n = (spiMaxFrame - spiHeaderLen) &^ 3
		}

		w := make([]byte, spiHeaderLen+n)
		putHeader(w, spiCmdWrite, addr, n)
		copy(w[spiHeaderLen:], buf[:n])

		if err := m.conn.Tx(w, nil); err != nil {
			return errors.Errorf("spi write at 0x%08x failed: %v", addr, err)
		}

		buf = buf[n:]
		addr += uint32(n)
	}

	return nil
}

func putHeader(w []byte, cmd byte, addr uint32, n int) {
	w[0] = cmd
	binary.BigEndian.PutUint32(w[1:5], addr)
	binary.BigEndian.PutUint16(w[5:7], uint16(n))
}
