package sim

import (
	"github.com/Alia5/XHIVE/hw"
	"github.com/Alia5/XHIVE/ring"
	"github.com/Alia5/XHIVE/trb"
)

// trbAt reads a ring slot straight out of arena memory.
func (s *Sim) trbAt(addr hw.DMA) *trb.TRB {
	t, err := ring.TRBAt(s.arena, addr)
	if err != nil {
		s.log.Error("sim: unresolvable trb address", "dma", addr, "error", err)
		return nil
	}
	return t
}

// postEvent writes one event TRB at the producer cursor with the
// current producer cycle, toggling at segment-table wrap. A full event
// ring drops the event and counts it.
func (s *Sim) postEvent(ev trb.TRB) {
	if len(s.evtSegs) == 0 {
		return
	}
	seg := s.evtSegs[s.evtSeg]
	addr := seg.Base + hw.DMA(s.evtIdx*ring.TRBSize)

	// Never overtake the software dequeue pointer.
	nextSeg, nextIdx := s.evtSeg, s.evtIdx+1
	if nextIdx == seg.Slots {
		nextSeg, nextIdx = (s.evtSeg+1)%len(s.evtSegs), 0
	}
	next := s.evtSegs[nextSeg].Base + hw.DMA(nextIdx*ring.TRBSize)
	if next == s.swDeq {
		s.lostEvents++
		s.log.Warn("sim: event ring full, dropping event", "type", trb.TypeName(ev.Type()))
		return
	}

	slot := s.trbAt(addr)
	if slot == nil {
		return
	}
	slot.Lo = ev.Lo
	slot.Hi = ev.Hi
	slot.Status = ev.Status
	trb.Store(slot, ev.Control&^trb.Cycle|s.evtCycle)

	s.evtSeg, s.evtIdx = nextSeg, nextIdx
	if nextSeg == 0 && nextIdx == 0 {
		s.evtCycle ^= 1
	}
	s.intrPending = true
	s.eventsPosted++
}

func (s *Sim) postPortEvent(port int) {
	var ev trb.TRB
	ev.Lo = uint32(port) << 24
	ev.Status = trb.EventStatus(0, trb.CompSuccess)
	ev.SetType(trb.TypePortStatusChange)
	s.postEvent(ev)
}

func (s *Sim) postTransferEvent(slot, epID uint8, dma hw.DMA, code, residual uint32) {
	var ev trb.TRB
	ev.SetPointer(uint64(dma))
	ev.Status = trb.EventStatus(residual, code)
	ev.Control = trb.SlotControl(slot) | trb.EndpointControl(epID)
	ev.SetType(trb.TypeTransferEvent)
	s.postEvent(ev)
}

func (s *Sim) postCommandCompletion(at hw.DMA, code uint32, slot uint8) {
	if s.corruptNextCmdEvent {
		s.corruptNextCmdEvent = false
		at += ring.TRBSize
	}
	var ev trb.TRB
	ev.SetPointer(uint64(at))
	ev.Status = trb.EventStatus(0, code)
	ev.Control = trb.SlotControl(slot)
	ev.SetType(trb.TypeCommandCompletion)
	s.postEvent(ev)
}

// runCommands consumes published command TRBs in ring order.
func (s *Sim) runCommands() {
	for {
		t := s.trbAt(s.cmdDeq)
		if t == nil {
			return
		}
		ctl := trb.LoadControl(t)
		if ctl&trb.Cycle != s.cmdCycle {
			return
		}
		if t.Type() == trb.TypeLink {
			if ctl&trb.ToggleCycle != 0 {
				s.cmdCycle ^= 1
			}
			s.cmdDeq = hw.DMA(t.Pointer())
			continue
		}
		s.execCommand(s.cmdDeq, t)
		s.cmdDeq += ring.TRBSize
	}
}

func (s *Sim) execCommand(at hw.DMA, t *trb.TRB) {
	slotID := t.SlotID()
	epID := t.EndpointID()
	switch t.Type() {
	case trb.TypeCmdNoOp:
		s.postCommandCompletion(at, trb.CompSuccess, 0)

	case trb.TypeEnableSlot:
		id := uint8(0)
		for i := uint8(1); i < 32; i++ {
			if s.slots[i] == nil {
				id = i
				break
			}
		}
		if id == 0 {
			s.postCommandCompletion(at, trb.CompNoSlots, 0)
			return
		}
		s.slots[id] = &simSlot{id: id, eps: make(map[uint8]*simEP)}
		s.postCommandCompletion(at, trb.CompSuccess, id)

	case trb.TypeDisableSlot:
		if s.slots[slotID] == nil {
			s.postCommandCompletion(at, trb.CompSlotNotEnabled, slotID)
			return
		}
		delete(s.slots, slotID)
		s.postCommandCompletion(at, trb.CompSuccess, slotID)

	case trb.TypeAddressDevice, trb.TypeConfigEndpoint, trb.TypeEvaluateContext:
		sl := s.slots[slotID]
		if sl == nil {
			s.postCommandCompletion(at, trb.CompSlotNotEnabled, slotID)
			return
		}
		b, err := s.arena.Resolve(hw.DMA(t.Pointer()), hw.InputContextSize)
		if err != nil {
			s.log.Error("sim: bad input context pointer", "dma", t.Pointer(), "error", err)
			s.postCommandCompletion(at, trb.CompParameterError, slotID)
			return
		}
		ic, err := hw.DecodeInputContext(b)
		if err != nil {
			s.postCommandCompletion(at, trb.CompParameterError, slotID)
			return
		}
		for id := 1; id <= hw.MaxEndpoints; id++ {
			if ic.DropFlags&(1<<id) != 0 {
				delete(sl.eps, uint8(id))
			}
			if ic.AddFlags&(1<<id) != 0 {
				ctx := ic.Endpoints[id-1]
				sl.eps[uint8(id)] = &simEP{
					typ:       ctx.Type,
					maxPacket: int(ctx.MaxPacket),
					deq:       ctx.Dequeue,
					cycle:     ctx.Cycle,
				}
			}
		}
		s.postCommandCompletion(at, trb.CompSuccess, slotID)

	case trb.TypeResetDevice:
		sl := s.slots[slotID]
		if sl == nil {
			s.postCommandCompletion(at, trb.CompSlotNotEnabled, slotID)
			return
		}
		for id := range sl.eps {
			if id != 1 {
				delete(sl.eps, id)
			}
		}
		s.postCommandCompletion(at, trb.CompSuccess, slotID)

	case trb.TypeStopEndpoint:
		ep := s.endpoint(slotID, epID)
		if ep == nil {
			s.postCommandCompletion(at, trb.CompEPNotEnabled, slotID)
			return
		}
		// If work is published at the consumer cursor, report where
		// the endpoint stopped before acknowledging the command.
		if cur := s.trbAt(ep.deq); cur != nil && trb.LoadControl(cur)&trb.Cycle == ep.cycle &&
			cur.Type() != trb.TypeLink {
			s.postTransferEvent(slotID, epID, ep.deq, trb.CompStopped, cur.TransferLen())
		}
		// Doorbells rung before the stop no longer restart the ring;
		// software must ring again after repositioning.
		kept := s.doorbells[:0]
		for _, db := range s.doorbells {
			if db.slot != slotID || db.target != epID {
				kept = append(kept, db)
			}
		}
		s.doorbells = kept
		s.postCommandCompletion(at, trb.CompSuccess, slotID)

	case trb.TypeResetEndpoint:
		ep := s.endpoint(slotID, epID)
		if ep == nil {
			s.postCommandCompletion(at, trb.CompEPNotEnabled, slotID)
			return
		}
		ep.halted = false
		s.postCommandCompletion(at, trb.CompSuccess, slotID)

	case trb.TypeSetTRDequeue:
		ep := s.endpoint(slotID, epID)
		if ep == nil {
			s.postCommandCompletion(at, trb.CompEPNotEnabled, slotID)
			return
		}
		p := t.Pointer()
		ep.deq = hw.DMA(p &^ 1)
		ep.cycle = uint32(p & 1)
		s.postCommandCompletion(at, trb.CompSuccess, slotID)

	default:
		s.log.Warn("sim: unsupported command", "type", trb.TypeName(t.Type()))
		s.postCommandCompletion(at, trb.CompTRBError, slotID)
	}
}

// runTransferRing consumes one endpoint's published descriptors and
// posts completion events per the device model.
func (s *Sim) runTransferRing(slotID, epID uint8) {
	ep := s.endpoint(slotID, epID)
	if ep == nil || ep.halted {
		return
	}
	for s.runTD(slotID, epID, ep) {
		if ep.halted {
			return
		}
	}
}

// runTD consumes one descriptor if one is published, returning whether
// it made progress.
func (s *Sim) runTD(slotID, epID uint8, ep *simEP) bool {
	// Gather the descriptor's TRBs, following links.
	var trbs []*trb.TRB
	var addrs []hw.DMA
	deq, cycle := ep.deq, ep.cycle
	for {
		t := s.trbAt(deq)
		if t == nil {
			return false
		}
		ctl := trb.LoadControl(t)
		if ctl&trb.Cycle != cycle {
			return false
		}
		if t.Type() == trb.TypeLink {
			if ctl&trb.ToggleCycle != 0 {
				cycle ^= 1
			}
			deq = hw.DMA(t.Pointer())
			continue
		}
		trbs = append(trbs, t)
		addrs = append(addrs, deq)
		deq += ring.TRBSize
		if ctl&trb.Chain == 0 {
			break
		}
	}
	if len(trbs) == 0 {
		return false
	}

	fault := uint32(0)
	if ep.stallNext {
		ep.stallNext = false
		fault = trb.CompStall
	} else if ep.errorNext != 0 {
		fault = ep.errorNext
		ep.errorNext = 0
	}
	if fault != 0 {
		s.postTransferEvent(slotID, epID, addrs[0], fault, trbs[0].TransferLen())
		if fault == trb.CompStall || fault == trb.CompBabble ||
			fault == trb.CompTransactionError || fault == trb.CompSplitError {
			ep.halted = true
		}
		// The faulted descriptor is abandoned; the ring does not
		// advance past it until software repositions the dequeue.
		return false
	}

	in := ep.typ == hw.EPTypeBulkIn || ep.typ == hw.EPTypeIntIn || ep.typ == hw.EPTypeIsocIn
	if ep.typ == hw.EPTypeControl {
		in = ep.ctrlIn
	}
	shortAt := -1
	residual := uint32(0)
	for i, t := range trbs {
		switch t.Type() {
		case trb.TypeSetup:
			ep.setupCount++
			in = trb.SetupPacket{RequestType: uint8(t.Lo)}.DirIn()
			ep.ctrlIn = in
		case trb.TypeStatus:
			// Handshake only.
		case trb.TypeNoOp:
			// Retired in place by a cancellation.
		default:
			n := int(t.TransferLen())
			if n == 0 {
				continue
			}
			buf, err := s.arena.Resolve(hw.DMA(t.Pointer()), n)
			if err != nil {
				s.log.Error("sim: bad transfer buffer", "dma", t.Pointer(), "error", err)
				s.postTransferEvent(slotID, epID, addrs[i], trb.CompTRBError, uint32(n))
				ep.deq, ep.cycle = deq, cycle
				return true
			}
			if in {
				got := copy(buf, ep.queued)
				ep.queued = ep.queued[got:]
				if got < n {
					shortAt = i
					residual = uint32(n - got)
				}
			} else {
				ep.received = append(ep.received, buf...)
			}
			if shortAt >= 0 {
				// Remaining data TRBs of a short descriptor are
				// skipped by the controller.
				break
			}
		}
	}

	ep.deq, ep.cycle = deq, cycle

	last := trbs[len(trbs)-1]
	lastCtl := last.Control
	switch {
	case shortAt >= 0:
		evAt := addrs[shortAt]
		if trbs[shortAt].Control&(trb.ISP|trb.IOC) != 0 || lastCtl&trb.IOC != 0 {
			s.postTransferEvent(slotID, epID, evAt, trb.CompShortPacket, residual)
		}
		// A control descriptor still runs its status stage.
		if last.Type() == trb.TypeStatus {
			s.postTransferEvent(slotID, epID, addrs[len(addrs)-1], trb.CompSuccess, 0)
		}
	case lastCtl&trb.IOC != 0:
		s.postTransferEvent(slotID, epID, addrs[len(addrs)-1], trb.CompSuccess, 0)
	}
	return true
}
