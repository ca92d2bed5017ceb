// Package hw is the hardware boundary of the ring engine: a DMA arena
// that hands out addressable buffers, and the register-file interface
// the engine programs (doorbells, interrupter, port and event-ring
// dequeue registers). The only in-tree implementation of the register
// file is the simulated controller under internal/sim.
package hw

import (
	"fmt"
	"sort"
	"sync"
)

// DMA is a bus address as seen by the controller. Addresses are assigned
// by the Arena and have no relation to Go pointers.
type DMA uint64

// Buffer is a chunk of arena memory with its assigned bus address.
type Buffer struct {
	Addr DMA
	Data []byte
}

// End returns the first address past the buffer.
func (b Buffer) End() DMA { return b.Addr + DMA(len(b.Data)) }

type region struct {
	addr DMA
	data []byte
	// owned regions were allocated by the arena and are released on Close
	owned bool
}

// Arena assigns bus addresses to memory shared between the engine and
// the controller, and resolves them back. All methods are safe for
// concurrent use.
type Arena struct {
	mu      sync.Mutex
	next    DMA
	regions []region // sorted by addr
}

// arenaBase leaves the low addresses unused so that DMA 0 stays an
// always-invalid sentinel, as the engine treats a zero pointer as a
// protocol error.
const arenaBase DMA = 0x100000

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{next: arenaBase}
}

// Alloc obtains a zeroed buffer of the given size, with its bus address
// aligned to align (a power of two; 0 means no alignment).
func (a *Arena) Alloc(size int, align DMA) (Buffer, error) {
	if size <= 0 {
		return Buffer{}, fmt.Errorf("arena alloc: invalid size %d", size)
	}
	data, err := allocBytes(size)
	if err != nil {
		return Buffer{}, fmt.Errorf("arena alloc: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	addr := a.next
	if align > 0 {
		addr = (addr + align - 1) &^ (align - 1)
	}
	a.next = addr + DMA(size)
	a.insert(region{addr: addr, data: data, owned: true})
	return Buffer{Addr: addr, Data: data}, nil
}

// Map assigns a bus address to caller-owned memory (client payload
// buffers). The memory must stay alive until Unmap.
func (a *Arena) Map(data []byte) (Buffer, error) {
	if len(data) == 0 {
		return Buffer{}, fmt.Errorf("arena map: empty buffer")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := a.next
	a.next = addr + DMA(len(data))
	a.insert(region{addr: addr, data: data})
	return Buffer{Addr: addr, Data: data}, nil
}

// Place maps caller-owned memory at an explicit bus address. Used by
// tests that need buffers straddling specific boundaries.
func (a *Arena) Place(data []byte, addr DMA) (Buffer, error) {
	if len(data) == 0 {
		return Buffer{}, fmt.Errorf("arena place: empty buffer")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	end := addr + DMA(len(data))
	for _, r := range a.regions {
		if addr < r.addr+DMA(len(r.data)) && r.addr < end {
			return Buffer{}, fmt.Errorf("arena place: %#x overlaps existing region at %#x", addr, r.addr)
		}
	}
	if end > a.next {
		a.next = end
	}
	a.insert(region{addr: addr, data: data})
	return Buffer{Addr: addr, Data: data}, nil
}

// Unmap removes a previously mapped or placed region.
func (a *Arena) Unmap(addr DMA) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, r := range a.regions {
		if r.addr == addr && !r.owned {
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
			return
		}
	}
}

// Resolve returns the memory backing [addr, addr+n). It fails if the
// range is unmapped or crosses a region boundary.
func (a *Arena) Resolve(addr DMA, n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := sort.Search(len(a.regions), func(i int) bool {
		return a.regions[i].addr+DMA(len(a.regions[i].data)) > addr
	})
	if i >= len(a.regions) || addr < a.regions[i].addr {
		return nil, fmt.Errorf("arena resolve: address %#x not mapped", addr)
	}
	r := a.regions[i]
	off := int(addr - r.addr)
	if off+n > len(r.data) {
		return nil, fmt.Errorf("arena resolve: range %#x+%d crosses region end", addr, n)
	}
	return r.data[off : off+n], nil
}

// Close releases all arena-owned memory. Mapped regions are forgotten
// but their memory belongs to the caller.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, r := range a.regions {
		if !r.owned {
			continue
		}
		if err := releaseBytes(r.data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.regions = nil
	return firstErr
}

func (a *Arena) insert(r region) {
	i := sort.Search(len(a.regions), func(i int) bool {
		return a.regions[i].addr > r.addr
	})
	a.regions = append(a.regions, region{})
	copy(a.regions[i+1:], a.regions[i:])
	a.regions[i] = r
}
