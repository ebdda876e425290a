package platform

import (
	"github.com/pkg/errors"
)

// ReadVirt copies len(p) bytes out of the address space rooted at root,
// starting at virtual address virt, crossing page boundaries as needed.
func (m *Machine) ReadVirt(root, virt uint64, p []byte) error {
	for len(p) > 0 {
		phys, _, ok := m.Translate(root, virt)
		if !ok {
			return errors.Errorf("unmapped virtual address 0x%x", virt)
		}
		n := PageSize - int(virt&(PageSize-1))
		if n > len(p) {
			n = len(p)
		}
		if err := m.PhysRead(phys, p[:n]); err != nil {
			return err
		}
		p = p[n:]
		virt += uint64(n)
	}
	return nil
}

// WriteVirt copies p into the address space rooted at root.
func (m *Machine) WriteVirt(root, virt uint64, p []byte) error {
	for len(p) > 0 {
		phys, _, ok := m.Translate(root, virt)
		if !ok {
			return errors.Errorf("unmapped virtual address 0x%x", virt)
		}
		n := PageSize - int(virt&(PageSize-1))
		if n > len(p) {
			n = len(p)
		}
		if err := m.PhysWrite(phys, p[:n]); err != nil {
			return err
		}
		p = p[n:]
		virt += uint64(n)
	}
	return nil
}

// ReadStrVirt reads a NUL-terminated string, at most max bytes long.
func (m *Machine) ReadStrVirt(root, virt uint64, max int) (string, error) {
	var out []byte
	var buf [1]byte
	for len(out) < max {
		if err := m.ReadVirt(root, virt, buf[:]); err != nil {
			return "", err
		}
		if buf[0] == 0 {
			return string(out), nil
		}
		out = append(out, buf[0])
		virt++
	}
	return string(out), nil
}
