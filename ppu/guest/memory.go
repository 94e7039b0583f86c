package guest

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrAccessViolation matches every *AccessViolation via errors.Is.
var ErrAccessViolation = errors.New("guest memory access violation")

// AccessViolation is raised (as a panic value) by Memory accessors when an
// access falls outside the mapped range.
type AccessViolation struct {
	Addr  uint32
	Size  int
	Write bool
}

func (e *AccessViolation) Error() string {
	op := "read"
	if e.Write {
		op = "write"
	}
	return fmt.Sprintf("%s of %d bytes at 0x%08X out of range", op, e.Size, e.Addr)
}

func (e *AccessViolation) Is(target error) bool { return target == ErrAccessViolation }

// Reader is the slice of guest memory the analyzer and compiler need.
type Reader interface {
	Read32(addr uint32) uint32
}

// Memory is the flat, big-endian guest address space starting at address 0.
type Memory struct {
	buf     []byte
	release func() error
}

// NewMemory maps size bytes of zeroed guest RAM.
func NewMemory(size uint32) (*Memory, error) {
	if size == 0 {
		return nil, errors.New("guest memory size must be non-zero")
	}
	buf, release, err := mapRAM(int(size))
	if err != nil {
		return nil, fmt.Errorf("map guest ram: %w", err)
	}
	return &Memory{buf: buf, release: release}, nil
}

func (m *Memory) Size() uint32 { return uint32(len(m.buf)) }

// Close unmaps guest RAM. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	if m.release == nil {
		return nil
	}
	err := m.release()
	m.release = nil
	m.buf = nil
	return err
}

func (m *Memory) span(addr uint32, n int, write bool) []byte {
	end := uint64(addr) + uint64(n)
	if end > uint64(len(m.buf)) {
		panic(&AccessViolation{Addr: addr, Size: n, Write: write})
	}
	return m.buf[addr:end]
}

func (m *Memory) Read8(addr uint32) uint8 { return m.span(addr, 1, false)[0] }

func (m *Memory) Read16(addr uint32) uint16 {
	return binary.BigEndian.Uint16(m.span(addr, 2, false))
}

func (m *Memory) Read32(addr uint32) uint32 {
	return binary.BigEndian.Uint32(m.span(addr, 4, false))
}

func (m *Memory) Read64(addr uint32) uint64 {
	return binary.BigEndian.Uint64(m.span(addr, 8, false))
}

func (m *Memory) Write8(addr uint32, v uint8) { m.span(addr, 1, true)[0] = v }

func (m *Memory) Write16(addr uint32, v uint16) {
	binary.BigEndian.PutUint16(m.span(addr, 2, true), v)
}

func (m *Memory) Write32(addr uint32, v uint32) {
	binary.BigEndian.PutUint32(m.span(addr, 4, true), v)
}

func (m *Memory) Write64(addr uint32, v uint64) {
	binary.BigEndian.PutUint64(m.span(addr, 8, true), v)
}

// WriteWords stores consecutive instruction words starting at addr.
func (m *Memory) WriteWords(addr uint32, words ...uint32) {
	for i, w := range words {
		m.Write32(addr+uint32(i*4), w)
	}
}

// Load copies a raw image into guest memory at addr.
func (m *Memory) Load(addr uint32, image []byte) error {
	if uint64(addr)+uint64(len(image)) > uint64(len(m.buf)) {
		return &AccessViolation{Addr: addr, Size: len(image), Write: true}
	}
	copy(m.buf[addr:], image)
	return nil
}

// Bytes returns a copy of n bytes at addr.
func (m *Memory) Bytes(addr uint32, n uint32) []byte {
	out := make([]byte, n)
	copy(out, m.span(addr, int(n), false))
	return out
}
