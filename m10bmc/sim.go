package m10bmc

import (
	"encoding/binary"
	"github.com/go-errors/errors"
	"sync"
)

// Sim emulates the BMC secure update engine in memory. Each read of the
// doorbell advances the emulated firmware by one step.
type Sim struct {
	mtx   sync.Mutex
	words map[uint32]uint32

	// PrepareReads is how many doorbell reads the staging area stays in
	// the prepare state.
	PrepareReads int
	// ProgramReads is how many doorbell reads programming takes. A
	// negative value never completes.
	ProgramReads int
	// StartStatus is reported in response to an update request.
	StartStatus uint32
	// FinalStatus is reported once programming is done.
	FinalStatus uint32
	// AuthResult is exposed through the authentication result register.
	AuthResult uint32

	readErr  error
	writeErr error

	pending     int
	stagedBytes uint32
	aborts      int
}

var _ Regmap = (*Sim)(nil)

func NewSim() *Sim {
	return &Sim{
		words:        make(map[uint32]uint32),
		PrepareReads: 1,
		ProgramReads: 2,
	}
}

func (m *Sim) Stride() uint32 {
	return 4
}

// FailReads makes every following register read fail with err, nil restores
// normal operation.
func (m *Sim) FailReads(err error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.readErr = err
}

// FailWrites makes every following register write fail with err.
func (m *Sim) FailWrites(err error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.writeErr = err
}

// SetDoorbell forces the doorbell register.
func (m *Sim) SetDoorbell(val uint32) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.words[DoorbellAddr] = val
}

func (m *Sim) Doorbell() uint32 {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.words[DoorbellAddr]
}

// Staged returns a copy of the first n bytes of the staging area.
func (m *Sim) Staged(n uint32) []byte {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	buf := make([]byte, (n+3)&^3)
	m.bulkReadLocked(StagingBase, buf)

	return buf[:n]
}

// StagedBytes is the total amount of data written to the staging area.
func (m *Sim) StagedBytes() uint32 {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.stagedBytes
}

// Aborts counts how often the host requested an abort.
func (m *Sim) Aborts() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.aborts
}

func (m *Sim) Read(addr uint32) (uint32, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.readErr != nil {
		return 0, m.readErr
	}

	switch addr {
	case DoorbellAddr:
		m.stepLocked()
	case AuthResultAddr:
		return m.AuthResult, nil
	}

	return m.words[addr], nil
}

func (m *Sim) Write(addr uint32, val uint32) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.writeErr != nil {
		return m.writeErr
	}

	if addr == DoorbellAddr {
		m.doorbellLocked(val)
		return nil
	}

	m.words[addr] = val

	return nil
}

func (m *Sim) BulkRead(addr uint32, buf []byte) error {
	if len(buf)%4 != 0 {
		return errors.Errorf("bulk read of %d bytes is not word aligned", len(buf))
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.readErr != nil {
		return m.readErr
	}

	m.bulkReadLocked(addr, buf)

	return nil
}

func (m *Sim) BulkWrite(addr uint32, buf []byte) error {
	if len(buf)%4 != 0 {
		return errors.Errorf("bulk write of %d bytes is not word aligned", len(buf))
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.writeErr != nil {
		return m.writeErr
	}

	for i := 0; i < len(buf); i += 4 {
		m.words[addr+uint32(i)] = binary.LittleEndian.Uint32(buf[i:])
	}

	if addr >= StagingBase && addr < StagingBase+StagingSize {
		m.stagedBytes += uint32(len(buf))
	}

	return nil
}

func (m *Sim) bulkReadLocked(addr uint32, buf []byte) {
	for i := 0; i < len(buf); i += 4 {
		binary.LittleEndian.PutUint32(buf[i:], m.words[addr+uint32(i)])
	}
}

// doorbellLocked reacts to a host write of the doorbell.
func (m *Sim) doorbellLocked(val uint32) {
	cur := m.words[DoorbellAddr]
	prog := rsuProg(cur)

	switch {
	case val&RSURequest != 0 && (prog == ProgIdle || prog == ProgRSUDone):
		m.stagedBytes = 0
		switch m.StartStatus {
		case StatWearout, StatEraseFail:
			m.words[DoorbellAddr] = DoorbellValue(ProgIdle, m.StartStatus)
		default:
			m.words[DoorbellAddr] = DoorbellValue(ProgPrepare, m.StartStatus)
			m.pending = m.PrepareReads
		}

	case hostStatus(val) == HostWriteDone && prog == ProgReady:
		m.words[DoorbellAddr] = DoorbellValue(ProgAuthenticating, StatNormal) | hostStatusField(HostWriteDone)
		m.pending = m.ProgramReads

	case hostStatus(val) == HostAbortRSU && prog == ProgReady:
		m.aborts++
		m.words[DoorbellAddr] = DoorbellValue(ProgIdle, StatNormal) | hostStatusField(HostAbortRSU)

	default:
		m.words[DoorbellAddr] = cur&^HostStatusMask | val&HostStatusMask
	}
}

// stepLocked advances a pending firmware state by one doorbell read.
func (m *Sim) stepLocked() {
	cur := m.words[DoorbellAddr]

	switch rsuProg(cur) {
	case ProgPrepare:
		if m.pending > 0 {
			m.pending--
			return
		}
		m.words[DoorbellAddr] = cur&^rsuProgMask | DoorbellValue(ProgReady, 0)

	case ProgAuthenticating:
		if m.pending < 0 {
			return
		}
		if m.pending > 0 {
			m.pending--
			return
		}
		m.words[DoorbellAddr] = DoorbellValue(ProgRSUDone, m.FinalStatus) | cur&HostStatusMask
	}
}
