package ring

import (
	"errors"
	"fmt"

	"github.com/Alia5/XHIVE/hw"
	"github.com/Alia5/XHIVE/trb"
)

// ErrInsufficientRingSpace is returned when a ring cannot hold the
// requested number of TRBs without overtaking its dequeue cursor.
var ErrInsufficientRingSpace = errors.New("insufficient ring space")

// Kind selects the cycle-protocol variant a ring follows.
type Kind int

const (
	// Transfer rings are software-produced; segments end in Link TRBs
	// and the producer toggles its cycle when it follows the
	// toggle-cycle link back to the first segment.
	Transfer Kind = iota
	// Command rings behave like transfer rings but carry command TRBs
	// and are consumed at doorbell target 0.
	Command
	// Event rings are hardware-produced; they have no Link TRBs and
	// the software consumer toggles its cycle at segment-list wrap.
	Event
)

func (k Kind) String() string {
	switch k {
	case Transfer:
		return "transfer"
	case Command:
		return "command"
	case Event:
		return "event"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Owner identifies which side of the protocol may touch a slot.
type Owner int

const (
	OwnerSoftware Owner = iota
	OwnerHardware
)

// Ring is one circular chain of segments plus the software-side
// cursors and cycle state. A Ring is not safe for concurrent use; the
// endpoint or controller lock that owns it serializes access.
type Ring struct {
	kind  Kind
	first *Segment
	segs  int

	enq   Cursor
	deq   Cursor
	cycle uint32

	enqUpdates uint64
	deqUpdates uint64

	pending []*TD
}

// New allocates a ring of segs segments with ntrbs slots each. For
// transfer and command rings the last slot of every segment is wired
// as a Link TRB, with the toggle-cycle flag set on the link back to
// the first segment. The initial cycle state is 1 and all slots start
// software-owned.
func New(a *hw.Arena, kind Kind, segs, ntrbs int) (*Ring, error) {
	if segs < 1 {
		return nil, fmt.Errorf("ring needs at least 1 segment, got %d", segs)
	}
	var first, prev *Segment
	for i := 0; i < segs; i++ {
		s, err := newSegment(a, ntrbs)
		if err != nil {
			return nil, fmt.Errorf("%s ring segment %d: %w", kind, i, err)
		}
		if first == nil {
			first = s
		} else {
			prev.next = s
		}
		prev = s
	}
	prev.next = first

	if kind != Event {
		for s := first; ; {
			link := &s.trbs[len(s.trbs)-1]
			link.SetPointer(uint64(s.next.dma))
			ctl := uint32(0)
			if s.next == first {
				ctl |= trb.ToggleCycle
			}
			link.Control = ctl
			link.SetType(trb.TypeLink)
			s = s.next
			if s == first {
				break
			}
		}
	}

	start := Cursor{first, 0}
	return &Ring{
		kind:  kind,
		first: first,
		segs:  segs,
		enq:   start,
		deq:   start,
		cycle: 1,
	}, nil
}

// Kind returns the ring's protocol variant.
func (r *Ring) Kind() Kind { return r.kind }

// First returns the first segment; the segment chain is walked from
// here when programming the controller's segment table.
func (r *Ring) First() *Segment { return r.first }

// Enqueue returns the producer cursor.
func (r *Ring) Enqueue() Cursor { return r.enq }

// Dequeue returns the consumer-progress cursor.
func (r *Ring) Dequeue() Cursor { return r.deq }

// CycleState returns the ring's current producer (or, for event
// rings, consumer) cycle state, 0 or 1.
func (r *Ring) CycleState() uint32 { return r.cycle }

// Empty reports whether the cursors coincide.
func (r *Ring) Empty() bool { return r.enq == r.deq }

// Stats returns the cumulative enqueue and dequeue advances.
func (r *Ring) Stats() (enq, deq uint64) { return r.enqUpdates, r.deqUpdates }

// last reports whether the cursor sits on the slot that ends its
// segment: the Link TRB on transfer and command rings, one past the
// final slot on event rings.
func (r *Ring) last(c Cursor) bool {
	if r.kind == Event {
		return c.Idx == len(c.Seg.trbs)
	}
	return c.Seg.trbs[c.Idx].Type() == trb.TypeLink
}

// lastOnLast reports whether the cursor ends the whole ring, which is
// where cycle state toggles.
func (r *Ring) lastOnLast(c Cursor) bool {
	if r.kind == Event {
		return c.Idx == len(c.Seg.trbs) && c.Seg.next == r.first
	}
	return c.Seg.trbs[c.Idx].Control&trb.ToggleCycle != 0
}

// NextTRB returns the cursor one slot on, hopping to the next segment
// from a segment-ending slot. It never toggles cycle state.
func (r *Ring) NextTRB(c Cursor) Cursor {
	if r.last(c) {
		return Cursor{c.Seg.next, 0}
	}
	return Cursor{c.Seg, c.Idx + 1}
}

// IncDeq advances the consumer-progress cursor past Link TRBs. On
// event rings the cycle state toggles when the cursor wraps to the
// first segment, tracking the producer's toggle on its side.
func (r *Ring) IncDeq() {
	next := Cursor{r.deq.Seg, r.deq.Idx + 1}
	r.deqUpdates++
	for r.last(next) {
		if r.kind == Event && r.lastOnLast(next) {
			r.cycle ^= 1
		}
		next = Cursor{next.Seg.next, 0}
	}
	r.deq = next
}

// IncEnq advances the producer cursor. When the advance lands on a
// Link TRB and the descriptor under construction continues (the
// current slot carries the chain flag, or moreComing says further TRBs
// follow), the link is handed to the consumer immediately: its chain
// flag is set to match and its cycle bit flipped, with the ring's
// cycle toggling on the wrap link. Otherwise the cursor parks on the
// link and Prepare gives it back before the next descriptor.
func (r *Ring) IncEnq(moreComing bool) {
	chain := r.enq.TRB().Control & trb.Chain
	next := Cursor{r.enq.Seg, r.enq.Idx + 1}
	r.enqUpdates++
	for r.last(next) {
		if r.kind != Event {
			if chain == 0 && !moreComing {
				break
			}
			link := next.TRB()
			ctl := link.Control&^trb.Chain | chain
			trb.Store(link, ctl^trb.Cycle)
		}
		if r.lastOnLast(next) {
			r.cycle ^= 1
		}
		next = Cursor{next.Seg.next, 0}
	}
	r.enq = next
}

// HasRoom reports whether n TRBs fit without the producer overtaking
// the consumer. One slot is always held back so a full ring is never
// cursor-equal to an empty one.
func (r *Ring) HasRoom(n int) bool {
	enq := r.enq
	for r.last(enq) {
		enq = Cursor{enq.Seg.next, 0}
	}
	if enq == r.deq {
		usable := r.segs*(enq.Seg.Len()-1) - 1
		if r.kind == Event {
			usable = r.segs*enq.Seg.Len() - 1
		}
		return n <= usable
	}
	for i := 0; i <= n; i++ {
		if enq == r.deq {
			return false
		}
		enq = Cursor{enq.Seg, enq.Idx + 1}
		for r.last(enq) {
			enq = Cursor{enq.Seg.next, 0}
		}
	}
	return true
}

// Prepare checks room for n TRBs and walks the producer cursor off any
// Link TRB it is parked on, handing each link to the consumer with its
// chain flag cleared and cycle bit flipped.
func (r *Ring) Prepare(n int) error {
	if !r.HasRoom(n) {
		return fmt.Errorf("%s ring, %d trbs: %w", r.kind, n, ErrInsufficientRingSpace)
	}
	for r.kind != Event && r.enq.TRB().Type() == trb.TypeLink {
		link := r.enq.TRB()
		toggles := link.Control&trb.ToggleCycle != 0
		ctl := link.Control &^ trb.Chain
		trb.Store(link, ctl^trb.Cycle)
		if toggles {
			r.cycle ^= 1
		}
		r.enq = Cursor{r.enq.Seg.next, 0}
	}
	return nil
}

// Queue writes one TRB at the producer cursor and publishes it by
// storing the control word with the ring's cycle bit last. It returns
// the cursor of the written slot. The caller must have called Prepare.
func (r *Ring) Queue(t trb.TRB, moreComing bool) Cursor {
	at := r.enq
	slot := at.TRB()
	slot.Lo = t.Lo
	slot.Hi = t.Hi
	slot.Status = t.Status
	trb.Store(slot, t.Control&^trb.Cycle|r.cycle)
	r.IncEnq(moreComing)
	return at
}

// QueueDeferred writes one TRB like Queue but with the cycle bit
// inverted, leaving the slot software-owned. Publish flips it once the
// whole descriptor is in place, so the consumer never starts a
// partially written multi-TRB descriptor.
func (r *Ring) QueueDeferred(t trb.TRB, moreComing bool) Cursor {
	at := r.enq
	slot := at.TRB()
	slot.Lo = t.Lo
	slot.Hi = t.Hi
	slot.Status = t.Status
	trb.Store(slot, (t.Control&^trb.Cycle)|(r.cycle^trb.Cycle))
	r.IncEnq(moreComing)
	return at
}

// Publish flips a deferred slot's cycle bit to startCycle, handing it
// to the consumer. startCycle must be the ring cycle state captured
// before the deferred slot was queued.
func (r *Ring) Publish(start Cursor, startCycle uint32) {
	t := start.TRB()
	ctl := t.Control&^trb.Cycle | startCycle&trb.Cycle
	trb.Store(t, ctl)
}

// SetDequeue repositions the consumer-progress cursor, used after the
// controller acknowledges a dequeue-pointer move.
func (r *Ring) SetDequeue(c Cursor) {
	r.deq = c
}

// CursorFor maps a bus address to a cursor on this ring, or false if
// the address is not a slot of any segment.
func (r *Ring) CursorFor(addr hw.DMA) (Cursor, bool) {
	s := r.first
	for i := 0; i < r.segs; i++ {
		if s.contains(addr) && (addr-s.dma)%TRBSize == 0 {
			return Cursor{s, int(addr-s.dma) / TRBSize}, true
		}
		s = s.next
	}
	return Cursor{}, false
}

// SlotOwner reports which side may touch the slot under the cycle
// protocol. On software-produced rings a matching cycle bit means the
// slot was published to the controller; on event rings it means the
// controller published an event the software may consume.
func (r *Ring) SlotOwner(c Cursor) Owner {
	matches := trb.LoadControl(c.TRB())&trb.Cycle == r.cycle
	if r.kind == Event {
		if matches {
			return OwnerSoftware
		}
		return OwnerHardware
	}
	if matches {
		return OwnerHardware
	}
	return OwnerSoftware
}

// PeekEvent returns the slot at the consumer cursor if the controller
// has published it, without advancing. The caller advances with IncDeq
// after handling the event.
func (r *Ring) PeekEvent() (*trb.TRB, bool) {
	if r.kind != Event {
		return nil, false
	}
	c := r.deq
	t := c.TRB()
	if trb.LoadControl(t)&trb.Cycle != r.cycle {
		return nil, false
	}
	return t, true
}
