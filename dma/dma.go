// Package dma provides coherent memory shared between a driver and a device.
//
// A Space hands out page-backed buffers at device addresses it assigns itself,
// and resolves device addresses back to memory for the device side. Buffers are
// allocated with an anonymous private mmap, so they start out zeroed.
package dma

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Space is an address space of coherent DMA buffers.
type Space struct {
	mu    sync.Mutex
	next  uint64
	limit int
	used  int
	bufs  []*Buf // sorted by addr
}

// Buf is a coherent DMA buffer. The CPU sees it through Bytes and the device
// sees it at Addr.
type Buf struct {
	space *Space
	addr  uint64
	size  int
	mem   []byte

	// gen orders CPU and device accesses. Every sync is an atomic
	// read-modify-write, which is a full barrier in the Go memory model.
	gen atomic.Uint64
}

// DefaultBase is the first device address handed out by a space created with base 0.
const DefaultBase = 0x100000

var (
	ErrAlloc = errors.New("dma: coherent allocation failed")
	ErrFault = errors.New("dma: address is not mapped")
	ErrFreed = errors.New("dma: buffer is not allocated")
)

// NewSpace creates an address space whose device addresses start at base.
// If limit is positive, allocations fail once limit bytes are in use.
func NewSpace(base uint64, limit int) *Space {
	if base == 0 {
		base = DefaultBase
	}

	return &Space{
		next:  base,
		limit: limit,
	}
}

// AllocCoherent allocates size zeroed bytes whose device address is a multiple
// of align. The align argument must be 0 or a power of two.
func (s *Space) AllocCoherent(size, align int) (*Buf, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrAlloc, size)
	}

	if align <= 0 {
		align = 1
	}

	if align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d is not a power of two", ErrAlloc, align)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limit > 0 && s.used+size > s.limit {
		return nil, fmt.Errorf("%w: %d bytes in use, %d requested, limit %d", ErrAlloc, s.used, size, s.limit)
	}

	pgsz := os.Getpagesize()
	mapsz := (size + pgsz - 1) &^ (pgsz - 1)

	mem, err := unix.Mmap(-1, 0, mapsz,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
	}

	a := uint64(align)
	addr := (s.next + a - 1) &^ (a - 1)

	// leave a guard page between buffers so off-by-one device accesses fault
	s.next = addr + uint64(mapsz) + uint64(pgsz)
	s.used += size

	b := &Buf{
		space: s,
		addr:  addr,
		size:  size,
		mem:   mem,
	}

	i := sort.Search(len(s.bufs), func(i int) bool { return s.bufs[i].addr > addr })
	s.bufs = append(s.bufs, nil)
	copy(s.bufs[i+1:], s.bufs[i:])
	s.bufs[i] = b

	return b, nil
}

// FreeCoherent unmaps the buffer and removes it from the space.
func (s *Space) FreeCoherent(b *Buf) error {
	if b == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.bufs), func(i int) bool { return s.bufs[i].addr >= b.addr })
	if i == len(s.bufs) || s.bufs[i] != b {
		return fmt.Errorf("%w: %#x", ErrFreed, b.addr)
	}

	s.bufs = append(s.bufs[:i], s.bufs[i+1:]...)
	s.used -= b.size

	mem := b.mem
	b.mem = nil

	return unix.Munmap(mem)
}

// MemAt returns the memory at the device address addr. The range must lie
// within a single allocated buffer.
func (s *Space) MemAt(addr uint64, size int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.bufs), func(i int) bool { return s.bufs[i].addr > addr })
	if i == 0 {
		return nil, fmt.Errorf("%w: %#x", ErrFault, addr)
	}

	b := s.bufs[i-1]
	off := addr - b.addr
	if size < 0 || off+uint64(size) > uint64(b.size) {
		return nil, fmt.Errorf("%w: %#x+%d", ErrFault, addr, size)
	}

	return b.mem[off : off+uint64(size) : off+uint64(size)], nil
}

// InUse returns the number of allocated bytes.
func (s *Space) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Bytes returns the CPU view of the buffer.
func (b *Buf) Bytes() []byte {
	return b.mem[:b.size:b.size]
}

// Addr returns the device address of the buffer.
func (b *Buf) Addr() uint64 {
	return b.addr
}

// Len returns the size of the buffer in bytes.
func (b *Buf) Len() int {
	return b.size
}

// SyncForDevice makes CPU writes visible to the device. Call it after
// writing the buffer and before notifying the device.
func (b *Buf) SyncForDevice() {
	b.gen.Add(1)
}

// SyncForCPU makes device writes visible to the CPU. Call it after the device
// signals completion and before reading the buffer.
func (b *Buf) SyncForCPU() {
	b.gen.Add(1)
}
