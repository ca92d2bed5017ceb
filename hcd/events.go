package hcd

import (
	"github.com/Alia5/XHIVE/hw"
	"github.com/Alia5/XHIVE/ring"
	"github.com/Alia5/XHIVE/trb"
)

// Interrupt is the interrupt entry point: acknowledge the interrupter
// and drain the event ring.
func (c *Controller) Interrupt() {
	if !c.regs.InterrupterPending() {
		return
	}
	c.regs.ClearInterrupterPending()
	c.DrainEvents()
}

// DrainEvents consumes every published event on the event ring and
// returns the count. The hardware-visible dequeue pointer is
// republished after the batch, with the event-handler-busy bit cleared
// exactly once at the end, never per event.
func (c *Controller) DrainEvents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dying {
		return 0
	}
	if hw.StatusGone(c.regs.Status()) {
		c.dieLocked("status register reads all ones")
		return 0
	}

	n := 0
	for {
		evp, ok := c.evt.PeekEvent()
		if !ok {
			break
		}
		ev := *evp
		c.handleEventLocked(&ev)
		c.evt.IncDeq()
		n++
		if c.dying {
			break
		}
	}
	c.regs.SetEventDequeue(c.evt.Dequeue().DMA(), true)
	return n
}

func (c *Controller) handleEventLocked(ev *trb.TRB) {
	c.counters.Events++
	switch ev.Type() {
	case trb.TypeCommandCompletion:
		c.handleCommandCompletion(ev)
	case trb.TypeTransferEvent:
		c.handleTransferEvent(ev)
	case trb.TypePortStatusChange:
		c.handlePortStatusChange(ev)
	case trb.TypeDeviceNotification:
		c.counters.Notifications++
		note := Notification{Slot: ev.SlotID(), Type: ev.NotificationType(), Value: ev.NotificationValue()}
		select {
		case c.notes <- note:
		default:
			c.log.Warn("device notification dropped", "slot", note.Slot, "type", note.Type)
		}
	case trb.TypeMFIndexWrap:
		c.counters.MFIndexWraps++
	case trb.TypeHostController:
		c.counters.HostEvents++
		code := ev.CompletionCode()
		if code == trb.CompEventRingFull {
			c.log.Error("event ring full, events were lost")
		} else {
			c.log.Warn("host controller event", "code", code)
		}
	default:
		c.counters.BadEvents++
		c.log.Warn("unhandled event", "type", trb.TypeName(ev.Type()))
	}
}

// handlePortStatusChange reads the port register, clears the change
// bits that raised the event, and surfaces the change. Only the event
// ring's own cursor moves.
func (c *Controller) handlePortStatusChange(ev *trb.TRB) {
	c.counters.PortChanges++
	port := ev.PortID()
	status := c.regs.PortStatus(port)
	if hw.StatusGone(status) {
		c.dieLocked("port register reads all ones")
		return
	}
	c.regs.ClearPortChange(port, status&hw.PortChangeMask)

	change := PortChange{
		Port:        port,
		Status:      status,
		Connected:   status&hw.PortConnect != 0,
		Enabled:     status&hw.PortEnabled != 0,
		OverCurrent: status&hw.PortOverCurrent != 0,
		Reset:       status&hw.PortResetChange != 0,
		Resume:      hw.PortLinkState(status) == hw.PLSResume,
		Speed:       hw.PortSpeed(status),
	}
	c.log.Debug("port status change", "port", port,
		"connected", change.Connected, "enabled", change.Enabled, "speed", change.Speed)
	select {
	case c.ports <- change:
	default:
		c.log.Warn("port change dropped", "port", port)
	}
}

// handleTransferEvent resolves the event's slot, endpoint and
// descriptor, then routes to the per-type completion handler.
func (c *Controller) handleTransferEvent(ev *trb.TRB) {
	c.counters.TransferEvents++
	code := ev.CompletionCode()
	if trb.IsVendorInfoCode(code) {
		code = trb.CompSuccess
	}

	_, ep, err := c.endpointLocked(ev.SlotID(), ev.EndpointID())
	if err != nil {
		c.counters.BadEvents++
		c.log.Error("transfer event for unknown endpoint",
			"slot", ev.SlotID(), "endpoint", ev.EndpointID(), "error", err)
		return
	}

	switch code {
	case trb.CompRingUnderrun:
		// Isoc ring ran dry; nothing to retire.
		c.counters.Underruns++
		return
	case trb.CompRingOverrun:
		c.counters.Overruns++
		return
	case trb.CompMissedService:
		// No TRB pointer to resolve; mark the endpoint so the next
		// resolvable event retires the skipped intervals.
		ep.skip = true
		return
	}

	if ep.ring.PendingTDs() == 0 {
		if code == trb.CompStopped || code == trb.CompStoppedInvalid {
			return
		}
		// Late completion for an already-cancelled descriptor.
		c.counters.StrayEvents++
		c.log.Debug("stray transfer event on empty ring",
			"slot", ep.slot, "endpoint", ep.id, "code", code)
		return
	}

	// Linear scan of the pending list; the first descriptor whose
	// interval set contains the address wins.
	addr := hw.DMA(ev.Pointer())
	var td *ring.TD
	var at ring.Cursor
	var skipped []*ring.TD
	for i := 0; i < ep.ring.PendingTDs(); i++ {
		probe := ep.ring.TDAt(i)
		if cursor, ok := ep.ring.FindTRB(probe, addr); ok {
			td, at = probe, cursor
			break
		}
		skipped = append(skipped, probe)
	}
	if td == nil {
		c.counters.OrphanedEvents++
		c.log.Error("transfer event matches no pending descriptor",
			"slot", ep.slot, "endpoint", ep.id, "dma", addr,
			"pending", ep.ring.PendingTDs(), "error", ErrOrphanedEvent)
		return
	}
	if ep.skip {
		// Every interval between the missed-service notice and this
		// event went untransmitted.
		for _, s := range skipped {
			c.finishTD(ep, s, StatusMissedService, 0, true)
		}
		ep.skip = false
	}

	switch ep.typ {
	case Control:
		c.processControlTD(ep, td, at, ev, code)
	case Isochronous:
		c.processIsocTD(ep, td, at, ev, code)
	default:
		c.processBulkIntrTD(ep, td, at, ev, code)
	}
}

// tdLen sums the transfer lengths of a descriptor's data TRBs.
func tdLen(r *ring.Ring, td *ring.TD) int {
	n := 0
	for c := td.First; ; c = r.NextTRB(c) {
		t := c.TRB()
		switch t.Type() {
		case trb.TypeLink, trb.TypeNoOp, trb.TypeSetup, trb.TypeStatus:
		default:
			n += int(t.TransferLen())
		}
		if c == td.Last {
			return n
		}
	}
}

// sumTransferred walks the descriptor from its first TRB to the event
// TRB, accumulating the lengths of fully consumed TRBs, then adds what
// the event TRB itself moved. This is the slow path for events landing
// mid-descriptor.
func sumTransferred(r *ring.Ring, td *ring.TD, at ring.Cursor, ev *trb.TRB) int {
	n := 0
	for c := td.First; c != at; c = r.NextTRB(c) {
		t := c.TRB()
		switch t.Type() {
		case trb.TypeLink, trb.TypeNoOp, trb.TypeSetup, trb.TypeStatus:
		default:
			n += int(t.TransferLen())
		}
	}
	n += int(at.TRB().TransferLen()) - int(ev.EventLen())
	return n
}

// requiresHaltCleanup lists the completion codes that leave the
// endpoint halted without the controller clearing it on its own, so
// software must run Reset Endpoint plus Set TR Dequeue.
func requiresHaltCleanup(code uint32) bool {
	switch code {
	case trb.CompStall, trb.CompBabble, trb.CompTransactionError, trb.CompSplitError:
		return true
	}
	return false
}

// cleanupHaltedLocked starts halt recovery: the ring reposition target
// is computed past the faulted descriptor, then Reset Endpoint is
// issued; its completion chains into Set TR Dequeue.
func (c *Controller) cleanupHaltedLocked(ep *endpoint, td *ring.TD, at ring.Cursor) {
	ep.pendingDeq, ep.pendingCycle = ep.ring.AfterTD(td, at)
	ep.state = EPHaltPending
	if _, err := c.queueCommandLocked(trb.TRB{}, trb.TypeResetEndpoint, ep.slot, ep.id, true); err != nil {
		c.log.Error("reset endpoint failed", "slot", ep.slot, "endpoint", ep.id, "error", err)
		c.dieLocked("cannot reset halted endpoint")
	}
}

func statusForCode(code uint32) Status {
	switch code {
	case trb.CompSuccess, trb.CompShortPacket:
		return StatusSuccess
	case trb.CompStall:
		return StatusStalled
	case trb.CompTransactionError:
		return StatusTransactionError
	case trb.CompSplitError:
		return StatusSplitError
	case trb.CompBabble:
		return StatusBabble
	case trb.CompDataBufferError, trb.CompBandwidthOverrun:
		return StatusBufferOverrun
	case trb.CompMissedService:
		return StatusMissedService
	case trb.CompStopped, trb.CompStoppedInvalid:
		return StatusCancelled
	default:
		return StatusProtocolError
	}
}

// processBulkIntrTD retires bulk and interrupt descriptors.
func (c *Controller) processBulkIntrTD(ep *endpoint, td *ring.TD, at ring.Cursor, ev *trb.TRB, code uint32) {
	total := tdLen(ep.ring, td)
	switch code {
	case trb.CompStopped, trb.CompStoppedInvalid:
		// The controller parked inside this descriptor; retain it
		// until the ring is repositioned past it.
		ep.stoppedTD = td
		ep.stoppedTRB = at
		return
	case trb.CompSuccess:
		if at == td.Last {
			c.finishTD(ep, td, StatusSuccess, total-int(ev.EventLen()), true)
			return
		}
		// Success reported mid-descriptor: treat like a short packet
		// and account the consumed TRBs.
		fallthrough
	case trb.CompShortPacket:
		c.finishTD(ep, td, StatusSuccess, sumTransferred(ep.ring, td, at, ev), true)
		return
	}

	status := statusForCode(code)
	if status == StatusProtocolError {
		c.log.Warn("unknown transfer completion code",
			"slot", ep.slot, "endpoint", ep.id, "code", code)
	}
	actual := sumTransferred(ep.ring, td, at, ev)
	if requiresHaltCleanup(code) {
		ep.state = EPHalted
		c.finishTD(ep, td, status, actual, true)
		c.cleanupHaltedLocked(ep, td, at)
		return
	}
	c.finishTD(ep, td, status, actual, true)
}

// processControlTD stages control completion: setup and data stage
// events only record progress; the status stage event finalizes.
func (c *Controller) processControlTD(ep *endpoint, td *ring.TD, at ring.Cursor, ev *trb.TRB, code uint32) {
	t := ep.transfers[td]
	if t == nil {
		c.counters.OrphanedEvents++
		return
	}
	stage := at.TRB().Type()

	switch code {
	case trb.CompStopped, trb.CompStoppedInvalid:
		ep.stoppedTD = td
		ep.stoppedTRB = at
		return
	case trb.CompSuccess:
		switch {
		case at == td.Last:
			actual := t.Len()
			if t.partial >= 0 {
				actual = t.partial
			}
			c.finishTD(ep, td, StatusSuccess, actual, true)
		case stage == trb.TypeData:
			t.partial = t.Len() - int(ev.EventLen())
		}
		// A successful setup stage needs no bookkeeping.
		return
	case trb.CompShortPacket:
		if stage == trb.TypeData {
			t.partial = t.Len() - int(ev.EventLen())
			return
		}
		// Short on the status stage finalizes with whatever the data
		// stage moved.
		actual := 0
		if t.partial >= 0 {
			actual = t.partial
		}
		c.finishTD(ep, td, StatusSuccess, actual, true)
		return
	}

	status := statusForCode(code)
	actual := 0
	if stage != trb.TypeSetup {
		actual = sumTransferred(ep.ring, td, at, ev)
	}
	if requiresHaltCleanup(code) {
		ep.state = EPHalted
		c.finishTD(ep, td, status, actual, true)
		c.cleanupHaltedLocked(ep, td, at)
		return
	}
	c.finishTD(ep, td, status, actual, true)
}

// processIsocTD retires one service interval.
func (c *Controller) processIsocTD(ep *endpoint, td *ring.TD, at ring.Cursor, ev *trb.TRB, code uint32) {
	total := tdLen(ep.ring, td)
	switch code {
	case trb.CompStopped, trb.CompStoppedInvalid:
		ep.stoppedTD = td
		ep.stoppedTRB = at
		return
	case trb.CompSuccess:
		if at == td.Last {
			c.finishTD(ep, td, StatusSuccess, total-int(ev.EventLen()), true)
			return
		}
		fallthrough
	case trb.CompShortPacket:
		c.finishTD(ep, td, StatusSuccess, sumTransferred(ep.ring, td, at, ev), true)
		return
	}

	status := statusForCode(code)
	if requiresHaltCleanup(code) {
		ep.state = EPHalted
		c.finishTD(ep, td, status, 0, true)
		c.cleanupHaltedLocked(ep, td, at)
		return
	}
	c.finishTD(ep, td, status, 0, true)
}
