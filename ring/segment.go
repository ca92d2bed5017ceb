// Package ring implements the shared-memory ring protocol between the
// engine and the controller: circular chains of fixed-size TRB
// segments, producer/consumer cursors with the cycle-bit ownership
// rules, and transfer-descriptor bookkeeping on top of them.
package ring

import (
	"fmt"
	"unsafe"

	"github.com/Alia5/XHIVE/hw"
	"github.com/Alia5/XHIVE/trb"
)

// TRBSize is the in-memory size of one ring slot.
const TRBSize = 16

// segAlign is the controller's segment alignment requirement.
const segAlign = 64

// Segment is one fixed-capacity block of TRB slots. Segments form a
// cycle via next; on transfer and command rings the final slot of each
// segment holds a Link TRB to the next segment.
type Segment struct {
	trbs []trb.TRB
	dma  hw.DMA
	next *Segment
}

func newSegment(a *hw.Arena, ntrbs int) (*Segment, error) {
	if ntrbs < 2 {
		return nil, fmt.Errorf("segment needs at least 2 slots, got %d", ntrbs)
	}
	buf, err := a.Alloc(ntrbs*TRBSize, segAlign)
	if err != nil {
		return nil, err
	}
	return &Segment{
		trbs: unsafe.Slice((*trb.TRB)(unsafe.Pointer(&buf.Data[0])), ntrbs),
		dma:  buf.Addr,
	}, nil
}

// Base returns the segment's bus address.
func (s *Segment) Base() hw.DMA { return s.dma }

// Len returns the number of TRB slots in the segment.
func (s *Segment) Len() int { return len(s.trbs) }

// Next returns the following segment in the cycle.
func (s *Segment) Next() *Segment { return s.next }

// slotDMA returns the bus address of slot i.
func (s *Segment) slotDMA(i int) hw.DMA { return s.dma + hw.DMA(i*TRBSize) }

// lastSlotDMA returns the bus address of the final slot.
func (s *Segment) lastSlotDMA() hw.DMA { return s.slotDMA(len(s.trbs) - 1) }

// contains reports whether a bus address falls on a slot of this
// segment.
func (s *Segment) contains(addr hw.DMA) bool {
	return addr >= s.dma && addr <= s.lastSlotDMA()
}

// Cursor addresses one slot of one segment. Cursors are values; two
// cursors are equal iff they address the same slot.
type Cursor struct {
	Seg *Segment
	Idx int
}

// TRB returns the slot the cursor addresses.
func (c Cursor) TRB() *trb.TRB { return &c.Seg.trbs[c.Idx] }

// DMA returns the bus address of the addressed slot.
func (c Cursor) DMA() hw.DMA { return c.Seg.slotDMA(c.Idx) }

// Valid reports whether the cursor addresses an existing slot.
func (c Cursor) Valid() bool {
	return c.Seg != nil && c.Idx >= 0 && c.Idx < len(c.Seg.trbs)
}

// TRBAt resolves a bus address to the TRB stored there. The controller
// side uses this to read slots it does not own structurally.
func TRBAt(a *hw.Arena, addr hw.DMA) (*trb.TRB, error) {
	b, err := a.Resolve(addr, TRBSize)
	if err != nil {
		return nil, fmt.Errorf("trb at %#x: %w", addr, err)
	}
	return (*trb.TRB)(unsafe.Pointer(&b[0])), nil
}
