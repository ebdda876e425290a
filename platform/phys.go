package platform

import (
	"encoding/binary"
	"runtime"
	"time"

	"github.com/pkg/errors"
)

func osyield() {
	runtime.Gosched()
	time.Sleep(50 * time.Microsecond)
}

// PhysSlice returns physical memory [phys, phys+n) as a byte slice. The
// slice aliases machine memory; writes through it are visible everywhere.
func (m *Machine) PhysSlice(phys uint64, n int) ([]byte, error) {
	if phys+uint64(n) > uint64(len(m.ram)) || phys > phys+uint64(n) {
		return nil, errors.Errorf("physical access 0x%x+0x%x out of range", phys, n)
	}
	return m.ram[phys : phys+uint64(n)], nil
}

// PhysRead copies physical memory into p.
func (m *Machine) PhysRead(phys uint64, p []byte) error {
	s, err := m.PhysSlice(phys, len(p))
	if err != nil {
		return err
	}
	copy(p, s)
	return nil
}

// PhysWrite copies p into physical memory.
func (m *Machine) PhysWrite(phys uint64, p []byte) error {
	s, err := m.PhysSlice(phys, len(p))
	if err != nil {
		return err
	}
	copy(s, p)
	return nil
}

func (m *Machine) physReadU64(phys uint64) uint64 {
	s, err := m.PhysSlice(phys, 8)
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(s)
}

func (m *Machine) physWriteU64(phys uint64, v uint64) {
	s, err := m.PhysSlice(phys, 8)
	if err != nil {
		return
	}
	binary.LittleEndian.PutUint64(s, v)
}

func (m *Machine) physZero(phys uint64) {
	s, err := m.PhysSlice(phys, PageSize)
	if err != nil {
		return
	}
	for i := range s {
		s[i] = 0
	}
}
