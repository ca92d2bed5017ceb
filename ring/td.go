package ring

import (
	"github.com/Alia5/XHIVE/hw"
	"github.com/Alia5/XHIVE/trb"
)

// TD is one transfer descriptor: the inclusive cursor range of the
// TRBs that make it up, in queue order on its ring.
type TD struct {
	First Cursor
	Last  Cursor
}

// Interval is one contiguous bus-address range of TD slots within a
// single segment. Start and End are inclusive slot addresses.
type Interval struct {
	Seg   *Segment
	Start hw.DMA
	End   hw.DMA
}

// Contains reports whether addr falls inside the interval.
func (iv Interval) Contains(addr hw.DMA) bool {
	return addr >= iv.Start && addr <= iv.End
}

// AppendTD records a descriptor as pending on the ring, oldest first.
func (r *Ring) AppendTD(td *TD) {
	r.pending = append(r.pending, td)
}

// FirstTD returns the oldest pending descriptor, or nil.
func (r *Ring) FirstTD() *TD {
	if len(r.pending) == 0 {
		return nil
	}
	return r.pending[0]
}

// PendingTDs returns the number of descriptors not yet retired.
func (r *Ring) PendingTDs() int { return len(r.pending) }

// TDAt returns the i-th pending descriptor, oldest first.
func (r *Ring) TDAt(i int) *TD { return r.pending[i] }

// RemoveTD retires a descriptor from the pending list.
func (r *Ring) RemoveTD(td *TD) bool {
	for i, t := range r.pending {
		if t == td {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Intervals decomposes the slot range [start, end] into per-segment
// bus-address intervals, following segment links and handling a range
// that wraps within its starting segment.
func (r *Ring) Intervals(start, end Cursor) []Interval {
	var ivs []Interval
	cur := start.Seg
	curStart := start.DMA()
	for i := 0; i <= r.segs; i++ {
		if end.Seg == cur {
			if end.DMA() >= curStart {
				return append(ivs, Interval{cur, curStart, end.DMA()})
			}
			if r.segs == 1 {
				// Wrapped all the way around the only segment.
				ivs = append(ivs, Interval{cur, curStart, cur.lastSlotDMA()})
				return append(ivs, Interval{cur, cur.dma, end.DMA()})
			}
			// The range re-enters its starting segment after running
			// through the others; keep walking.
		}
		ivs = append(ivs, Interval{cur, curStart, cur.lastSlotDMA()})
		cur = cur.next
		curStart = cur.dma
	}
	return ivs
}

// FindTRB locates the slot a completion event points at, searching the
// intervals between the consumer-progress cursor and the descriptor's
// last TRB. The first interval containing the address wins, so an
// address that is stale ring history behind the descriptor resolves to
// the live occurrence ahead of it. Returns false if the address lies
// outside the descriptor.
func (r *Ring) FindTRB(td *TD, suspect hw.DMA) (Cursor, bool) {
	for _, iv := range r.Intervals(r.deq, td.Last) {
		if iv.Contains(suspect) {
			return Cursor{iv.Seg, int(suspect-iv.Seg.dma) / TRBSize}, true
		}
	}
	return Cursor{}, false
}

// ToNoOp overwrites a descriptor's TRBs in place with No Op TRBs,
// clearing the chain flag on any Link TRB inside the range so the
// controller retires the slots without touching memory. Cycle bits are
// preserved; ownership does not change.
func (r *Ring) ToNoOp(td *TD) {
	for c := td.First; ; c = r.NextTRB(c) {
		t := c.TRB()
		if t.Type() == trb.TypeLink {
			trb.Store(t, t.Control&^trb.Chain)
		} else {
			t.Lo = 0
			t.Hi = 0
			t.Status = 0
			ctl := t.Control & (trb.Cycle | trb.ToggleCycle)
			trb.Store(t, trb.TypeControl(trb.TypeNoOp, ctl))
		}
		if c == td.Last {
			return
		}
	}
}

// AfterTD computes where the consumer should resume after a stop
// inside td: the slot one past the descriptor's last TRB and the cycle
// state the controller will expect there. The stopped slot's own cycle
// bit seeds the computation and each toggle-cycle link between the
// stop point and the resume point flips it.
func (r *Ring) AfterTD(td *TD, stopped Cursor) (Cursor, uint32) {
	cycle := stopped.TRB().Control & trb.Cycle
	for c := stopped; c != td.Last; c = r.NextTRB(c) {
		t := c.TRB()
		if t.Type() == trb.TypeLink && t.Control&trb.ToggleCycle != 0 {
			cycle ^= 1
		}
	}
	next := Cursor{td.Last.Seg, td.Last.Idx + 1}
	for r.last(next) {
		if next.TRB().Control&trb.ToggleCycle != 0 {
			cycle ^= 1
		}
		next = Cursor{next.Seg.next, 0}
	}
	return next, cycle
}
