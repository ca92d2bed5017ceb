package hcd

import (
	"context"
	"fmt"
	"time"

	"github.com/Alia5/XHIVE/hw"
	"github.com/Alia5/XHIVE/ring"
	"github.com/Alia5/XHIVE/trb"
)

// reservedCmdTRBs is held back on the command ring for the commands
// that must not fail for lack of space: Stop Endpoint, Reset Endpoint
// and Set TR Dequeue issued from recovery paths.
const reservedCmdTRBs = 2

// command is one queued command TRB and its completion rendezvous.
type command struct {
	typ   trb.Type
	slot  uint8
	epID  uint8
	at    ring.Cursor

	code      uint32
	eventSlot uint8
	err       error
	done      chan struct{}
}

func (cmd *command) fail(err error) {
	if cmd.err == nil {
		cmd.err = err
	}
	select {
	case <-cmd.done:
	default:
		close(cmd.done)
	}
}

func (cmd *command) complete() {
	close(cmd.done)
}

// wait blocks until the command completes or ctx expires, then maps
// the completion code to an error.
func (cmd *command) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", trb.TypeName(cmd.typ), ctx.Err())
	case <-cmd.done:
	}
	if cmd.err != nil {
		return fmt.Errorf("%s: %w", trb.TypeName(cmd.typ), cmd.err)
	}
	if cmd.code != trb.CompSuccess {
		return fmt.Errorf("%s: %w: completion code %d", trb.TypeName(cmd.typ), ErrCommandFailed, cmd.code)
	}
	return nil
}

// queueCommandLocked places one command TRB and rings the command
// doorbell. reserved callers may dig into the held-back slots.
func (c *Controller) queueCommandLocked(t trb.TRB, typ trb.Type, slot, epID uint8, reserved bool) (*command, error) {
	if c.dying {
		return nil, ErrControllerDying
	}
	need := 1
	if !reserved {
		need += reservedCmdTRBs
	}
	if !c.cmd.HasRoom(need) {
		return nil, fmt.Errorf("command ring: %w", ring.ErrInsufficientRingSpace)
	}
	if err := c.cmd.Prepare(1); err != nil {
		return nil, err
	}
	t.Control |= trb.TypeControl(typ, trb.SlotControl(slot)|trb.EndpointControl(epID))
	at := c.cmd.Queue(t, false)
	cmd := &command{typ: typ, slot: slot, epID: epID, at: at, done: make(chan struct{})}
	c.cmds = append(c.cmds, cmd)
	c.regs.RingDoorbell(0, hw.DBTargetCommand)
	c.log.Debug("command queued", "type", trb.TypeName(typ), "slot", slot, "endpoint", epID, "dma", at.DMA())
	return cmd, nil
}

// NoOpCommand queues a command-ring No Op and waits for it; useful as
// a fence and for ring liveness checks.
func (c *Controller) NoOpCommand(ctx context.Context) error {
	c.mu.Lock()
	cmd, err := c.queueCommandLocked(trb.TRB{}, trb.TypeCmdNoOp, 0, 0, false)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return cmd.wait(ctx)
}

// EnableSlot asks the controller for a device slot and returns its ID.
func (c *Controller) EnableSlot(ctx context.Context) (uint8, error) {
	c.mu.Lock()
	cmd, err := c.queueCommandLocked(trb.TRB{}, trb.TypeEnableSlot, 0, 0, false)
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if err := cmd.wait(ctx); err != nil {
		return 0, err
	}

	// Context buffer allocation ahead of the lock.
	ctxBuf, err := c.arena.Alloc(hw.InputContextSize, 64)
	if err != nil {
		return 0, fmt.Errorf("input context: %w", err)
	}

	id := cmd.eventSlot
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == 0 || int(id) >= len(c.slots) {
		return 0, fmt.Errorf("controller returned slot %d: %w", id, ErrInvalidSlot)
	}
	if c.slots[id] != nil {
		return 0, fmt.Errorf("controller returned slot %d twice: %w", id, ErrInvalidSlot)
	}
	c.slots[id] = &slotRec{id: id, ctx: ctxBuf}
	return id, nil
}

// DisableSlot releases a slot and everything on it.
func (c *Controller) DisableSlot(ctx context.Context, slot uint8) error {
	c.mu.Lock()
	if int(slot) >= len(c.slots) || c.slots[slot] == nil {
		c.mu.Unlock()
		return fmt.Errorf("slot %d: %w", slot, ErrInvalidSlot)
	}
	cmd, err := c.queueCommandLocked(trb.TRB{}, trb.TypeDisableSlot, slot, 0, false)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := cmd.wait(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if sl := c.slots[slot]; sl != nil {
		for _, ep := range sl.eps {
			if ep != nil {
				ep.stopWatchdogTimer()
			}
		}
		c.slots[slot] = nil
	}
	return nil
}

// AddressDevice allocates the default control endpoint's transfer ring
// and addresses the device behind the slot. maxPacket0 is the control
// endpoint's max packet size.
func (c *Controller) AddressDevice(ctx context.Context, slot uint8, maxPacket0 int) error {
	cfg := EndpointConfig{ID: 1, Type: Control, MaxPacket: maxPacket0}
	return c.deviceContextCommand(ctx, trb.TypeAddressDevice, slot, []EndpointConfig{cfg}, nil)
}

// ConfigureEndpoints adds and drops endpoints on a slot in one
// Configure Endpoint command. Added endpoints get fresh transfer rings
// and enter the running state on completion; dropped ones are disabled
// and their pending transfers cancelled.
func (c *Controller) ConfigureEndpoints(ctx context.Context, slot uint8, add []EndpointConfig, drop []uint8) error {
	return c.deviceContextCommand(ctx, trb.TypeConfigEndpoint, slot, add, drop)
}

// EvaluateContext re-declares an endpoint's max packet size, typically
// after reading the device descriptor revealed the real ep0 size.
func (c *Controller) EvaluateContext(ctx context.Context, slot, epID uint8, maxPacket int) error {
	c.mu.Lock()
	sl, ep, err := c.endpointLocked(slot, epID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	var ic hw.InputContext
	ic.AddFlags = 1 << epID
	ic.Endpoints[epID-1] = hw.EndpointContext{
		Type:      ep.contextType(),
		MaxPacket: uint16(maxPacket),
		Dequeue:   ep.ring.Enqueue().DMA(),
		Cycle:     ep.ring.CycleState(),
	}
	ic.Encode(sl.ctx.Data)
	var t trb.TRB
	t.SetPointer(uint64(sl.ctx.Addr))
	cmd, err := c.queueCommandLocked(t, trb.TypeEvaluateContext, slot, 0, false)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := cmd.wait(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ep, err := c.endpointLocked(slot, epID); err == nil {
		ep.maxPacket = maxPacket
	}
	return nil
}

// ResetDevice returns a slot to the addressed state: every endpoint
// but the default control endpoint is disabled and its pending work
// cancelled.
func (c *Controller) ResetDevice(ctx context.Context, slot uint8) error {
	c.mu.Lock()
	if int(slot) >= len(c.slots) || c.slots[slot] == nil {
		c.mu.Unlock()
		return fmt.Errorf("slot %d: %w", slot, ErrInvalidSlot)
	}
	cmd, err := c.queueCommandLocked(trb.TRB{}, trb.TypeResetDevice, slot, 0, false)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return cmd.wait(ctx)
}

// deviceContextCommand encodes an input context and runs an Address
// Device, Configure Endpoint or Evaluate Context style command over
// it. New rings are allocated before the lock is taken.
func (c *Controller) deviceContextCommand(ctx context.Context, typ trb.Type, slot uint8, add []EndpointConfig, drop []uint8) error {
	for _, cfg := range add {
		if cfg.ID == 0 || int(cfg.ID) > hw.MaxEndpoints {
			return fmt.Errorf("endpoint %d: %w", cfg.ID, ErrInvalidEndpoint)
		}
		if cfg.MaxPacket <= 0 {
			return fmt.Errorf("endpoint %d: invalid max packet %d", cfg.ID, cfg.MaxPacket)
		}
	}

	// Ring allocation ahead of the lock.
	rings := make([]*ring.Ring, len(add))
	for i := range add {
		r, err := ring.New(c.arena, ring.Transfer, c.cfg.TransferRingSegments, c.cfg.TransferRingTRBs)
		if err != nil {
			return fmt.Errorf("endpoint %d ring: %w", add[i].ID, err)
		}
		rings[i] = r
	}

	c.mu.Lock()
	if int(slot) >= len(c.slots) || c.slots[slot] == nil {
		c.mu.Unlock()
		return fmt.Errorf("slot %d: %w", slot, ErrInvalidSlot)
	}
	sl := c.slots[slot]

	var ic hw.InputContext
	eps := make([]*endpoint, len(add))
	for i, cfg := range add {
		ep := &endpoint{
			slot:      slot,
			id:        cfg.ID,
			typ:       cfg.Type,
			dir:       cfg.Direction,
			maxPacket: cfg.MaxPacket,
			state:     EPDisabled,
			ring:      rings[i],
			transfers: make(map[*ring.TD]*Transfer),
		}
		eps[i] = ep
		ic.AddFlags |= 1 << cfg.ID
		ic.Endpoints[cfg.ID-1] = hw.EndpointContext{
			Type:      ep.contextType(),
			MaxPacket: uint16(cfg.MaxPacket),
			Dequeue:   rings[i].Enqueue().DMA(),
			Cycle:     rings[i].CycleState(),
		}
	}
	for _, id := range drop {
		ic.DropFlags |= 1 << id
	}
	ic.Encode(sl.ctx.Data)

	var t trb.TRB
	t.SetPointer(uint64(sl.ctx.Addr))
	cmd, err := c.queueCommandLocked(t, typ, slot, 0, false)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := cmd.wait(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots[slot] == nil {
		return fmt.Errorf("slot %d vanished: %w", slot, ErrInvalidSlot)
	}
	for _, id := range drop {
		if id == 0 || int(id) > hw.MaxEndpoints {
			continue
		}
		if ep := sl.eps[id]; ep != nil {
			c.disableEndpointLocked(ep)
			sl.eps[id] = nil
		}
	}
	for _, ep := range eps {
		ep.state = EPRunning
		sl.eps[ep.id] = ep
	}
	return nil
}

// disableEndpointLocked cancels everything pending on an endpoint as
// it goes away.
func (c *Controller) disableEndpointLocked(ep *endpoint) {
	ep.stopWatchdogTimer()
	ep.state = EPDisabled
	for td := range ep.transfers {
		c.finishTD(ep, td, StatusCancelled, 0, false)
	}
	ep.cancelled = nil
	ep.stoppedTD = nil
}

// stopEndpointLocked issues a Stop Endpoint command and arms the
// watchdog that declares the controller dead if no completion comes
// back.
func (c *Controller) stopEndpointLocked(ep *endpoint) error {
	if _, err := c.queueCommandLocked(trb.TRB{}, trb.TypeStopEndpoint, ep.slot, ep.id, true); err != nil {
		return err
	}
	ep.state = EPStopping
	ep.stopCmds++
	ep.stopWatchdogTimer()
	ep.watchdog = time.AfterFunc(c.cfg.WatchdogTimeout, func() { c.stopWatchdog(ep) })
	return nil
}

// stopWatchdog fires when a Stop Endpoint command went unanswered for
// the configured interval. The whole controller is declared dead; a
// late completion beats the timer by zeroing stopCmds first.
func (c *Controller) stopWatchdog(ep *endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep.stopCmds == 0 || c.dying {
		return
	}
	c.log.Error("stop endpoint command timed out, assuming host died",
		"slot", ep.slot, "endpoint", ep.id)
	c.dieLocked("stop endpoint watchdog")
}

// processCancellationsLocked runs on a stopped endpoint: descriptors
// the controller stopped inside need a ring reposition; the rest are
// rewritten to no-ops in place and retired immediately.
func (c *Controller) processCancellationsLocked(ep *endpoint) {
	cancelled := ep.cancelled
	ep.cancelled = nil
	needDeq := false
	for _, td := range cancelled {
		if _, ok := ep.transfers[td]; !ok {
			continue
		}
		if td == ep.stoppedTD {
			// The controller stopped inside this descriptor; jump the
			// ring past it and retire it when the move is
			// acknowledged.
			ep.pendingDeq, ep.pendingCycle = ep.ring.AfterTD(td, ep.stoppedTRB)
			needDeq = true
			continue
		}
		ep.ring.ToNoOp(td)
		c.finishTD(ep, td, StatusCancelled, 0, false)
	}

	if needDeq {
		if err := c.queueSetDequeueLocked(ep); err != nil {
			c.log.Error("set dequeue failed", "slot", ep.slot, "endpoint", ep.id, "error", err)
			c.dieLocked("cannot reposition ring")
		}
		return
	}
	ep.state = EPRunning
	c.regs.RingDoorbell(ep.slot, ep.id)
}

// queueSetDequeueLocked issues Set TR Dequeue towards ep.pendingDeq.
func (c *Controller) queueSetDequeueLocked(ep *endpoint) error {
	var t trb.TRB
	t.SetPointer(uint64(ep.pendingDeq.DMA()) | uint64(ep.pendingCycle&1))
	_, err := c.queueCommandLocked(t, trb.TypeSetTRDequeue, ep.slot, ep.id, true)
	if err != nil {
		return err
	}
	ep.state = EPSetDequeuePending
	return nil
}

// handleCommandCompletion matches a command completion event against
// the command ring's dequeue position. A mismatch means software and
// controller disagree about the ring and nothing further can be
// trusted.
func (c *Controller) handleCommandCompletion(ev *trb.TRB) {
	c.counters.CommandCompletions++
	want := c.cmd.Dequeue().DMA()
	got := hw.DMA(ev.Pointer())
	if got != want {
		c.log.Error("command completion does not match dequeue pointer",
			"event", got, "dequeue", want, "error", ErrCommandRingDesync)
		c.dieLocked(ErrCommandRingDesync.Error())
		return
	}
	if len(c.cmds) == 0 {
		c.log.Error("command completion with no command pending", "dma", got,
			"error", ErrCommandRingDesync)
		c.dieLocked(ErrCommandRingDesync.Error())
		return
	}
	cmd := c.cmds[0]
	c.cmds = c.cmds[1:]
	cmd.code = ev.CompletionCode()
	cmd.eventSlot = ev.SlotID()
	if trb.IsVendorInfoCode(cmd.code) {
		cmd.code = trb.CompSuccess
	}
	c.cmd.IncDeq()

	c.log.Debug("command completed", "type", trb.TypeName(cmd.typ),
		"slot", cmd.slot, "endpoint", cmd.epID, "code", cmd.code)

	switch cmd.typ {
	case trb.TypeStopEndpoint:
		c.handleStopCompletion(cmd)
	case trb.TypeSetTRDequeue:
		c.handleSetDequeueCompletion(cmd)
	case trb.TypeResetEndpoint:
		c.handleResetEndpointCompletion(cmd)
	case trb.TypeResetDevice:
		c.handleResetDeviceCompletion(cmd)
	}
	cmd.complete()
}

func (c *Controller) handleStopCompletion(cmd *command) {
	_, ep, err := c.endpointLocked(cmd.slot, cmd.epID)
	if err != nil {
		c.log.Warn("stop completion for unknown endpoint", "slot", cmd.slot, "endpoint", cmd.epID)
		return
	}
	if ep.stopCmds > 0 {
		ep.stopCmds--
	}
	if ep.stopCmds == 0 {
		ep.stopWatchdogTimer()
	}
	if c.dying {
		return
	}
	ep.state = EPStopped
	c.processCancellationsLocked(ep)
}

func (c *Controller) handleSetDequeueCompletion(cmd *command) {
	_, ep, err := c.endpointLocked(cmd.slot, cmd.epID)
	if err != nil || c.dying {
		return
	}
	ep.ring.SetDequeue(ep.pendingDeq)
	if ep.stoppedTD != nil {
		c.finishTD(ep, ep.stoppedTD, StatusCancelled, 0, false)
		ep.stoppedTD = nil
	}
	// Cancellations filed while the endpoint was halted or mid-move
	// retire here, before the ring restarts.
	if len(ep.cancelled) > 0 {
		c.processCancellationsLocked(ep)
		return
	}
	ep.state = EPRunning
	c.regs.RingDoorbell(ep.slot, ep.id)
}

func (c *Controller) handleResetEndpointCompletion(cmd *command) {
	_, ep, err := c.endpointLocked(cmd.slot, cmd.epID)
	if err != nil || c.dying {
		return
	}
	if ep.state != EPHaltPending {
		return
	}
	// Halt recovery continues with the ring reposition past the
	// faulted descriptor.
	if err := c.queueSetDequeueLocked(ep); err != nil {
		c.log.Error("set dequeue after endpoint reset failed",
			"slot", ep.slot, "endpoint", ep.id, "error", err)
		c.dieLocked("cannot reposition ring")
	}
}

func (c *Controller) handleResetDeviceCompletion(cmd *command) {
	if int(cmd.slot) >= len(c.slots) || c.slots[cmd.slot] == nil || c.dying {
		return
	}
	sl := c.slots[cmd.slot]
	for id := 2; id <= hw.MaxEndpoints; id++ {
		if ep := sl.eps[id]; ep != nil {
			c.disableEndpointLocked(ep)
			sl.eps[id] = nil
		}
	}
}
